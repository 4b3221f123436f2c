package redisx

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// RateLimiter is a fixed-window counter per subject.
type RateLimiter struct {
	rdb    *redis.Client
	limit  int64
	window time.Duration
	now    func() time.Time
}

func NewRateLimiter(rdb *redis.Client, limit int, window time.Duration) *RateLimiter {
	return &RateLimiter{rdb: rdb, limit: int64(limit), window: window, now: time.Now}
}

// Allow counts one attempt for subject and reports whether it fits in the
// current window. retryAfter is the time left in the window when it does not.
func (l *RateLimiter) Allow(ctx context.Context, subject string) (ok bool, retryAfter time.Duration, err error) {
	if l.limit <= 0 {
		return true, 0, nil
	}
	now := l.now()
	start := now.Truncate(l.window)
	key := fmt.Sprintf(KeyCheckoutRate, subject, start.Unix())

	pipe := l.rdb.TxPipeline()
	incr := pipe.Incr(ctx, key)
	pipe.Expire(ctx, key, l.window)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, err
	}
	if incr.Val() > l.limit {
		return false, start.Add(l.window).Sub(now), nil
	}
	return true, 0, nil
}

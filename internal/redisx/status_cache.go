package redisx

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

type CachedStatus struct {
	Status    string    `json:"status"`
	UpdatedAt time.Time `json:"updated_at"`
}

const maxCASAttempts = 3

type StatusCache struct{ rdb *redis.Client }

func NewStatusCache(rdb *redis.Client) *StatusCache { return &StatusCache{rdb: rdb} }

// Get returns ok=false on a miss.
func (c *StatusCache) Get(ctx context.Context, orderID string) (CachedStatus, bool, error) {
	b, err := c.rdb.Get(ctx, statusKey(orderID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return CachedStatus{}, false, nil
	}
	if err != nil {
		return CachedStatus{}, false, err
	}
	var cs CachedStatus
	if err := json.Unmarshal(b, &cs); err != nil {
		return CachedStatus{}, false, err
	}
	return cs, true, nil
}

// Set stores cs unless the cached entry is newer. API and worker both write
// after their own commit and those writes can land in either order, so the
// entry with the latest UpdatedAt wins.
func (c *StatusCache) Set(ctx context.Context, orderID string, cs CachedStatus) error {
	b, err := json.Marshal(cs)
	if err != nil {
		return err
	}
	key := statusKey(orderID)
	write := func(tx *redis.Tx) error {
		cur, err := tx.Get(ctx, key).Bytes()
		switch {
		case errors.Is(err, redis.Nil):
		case err != nil:
			return err
		default:
			var old CachedStatus
			if json.Unmarshal(cur, &old) == nil && old.UpdatedAt.After(cs.UpdatedAt) {
				return nil
			}
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, b, TTLStatusCache)
			return nil
		})
		return err
	}

	for i := 0; i < maxCASAttempts; i++ {
		err = c.rdb.Watch(ctx, write, key)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return err
}

// Invalidate drops the entry so the next read goes to the database.
func (c *StatusCache) Invalidate(ctx context.Context, orderID string) error {
	return c.rdb.Del(ctx, statusKey(orderID)).Err()
}

package redisx

import (
	"context"

	"github.com/redis/go-redis/v9"
)

// Dedup records which events a consumer has already handled.
type Dedup struct {
	rdb     *redis.Client
	service string
}

func NewDedup(rdb *redis.Client, service string) *Dedup { return &Dedup{rdb: rdb, service: service} }

// Claim marks eventID as taken. It returns false when another delivery of the
// same event already claimed it.
func (d *Dedup) Claim(ctx context.Context, eventID string) (bool, error) {
	return d.rdb.SetNX(ctx, dedupKey(d.service, eventID), "1", TTLDedup).Result()
}

// Release undoes a claim so a failed event can be retried.
func (d *Dedup) Release(ctx context.Context, eventID string) error {
	return d.rdb.Del(ctx, dedupKey(d.service, eventID)).Err()
}

package redisx

import (
	"context"
	"errors"

	"github.com/redis/go-redis/v9"
)

// IdempotencyCache maps a buyer's idempotency keys to order ids. The orders table is
// the source of truth; this only saves a database round trip on retries.
type IdempotencyCache struct{ rdb *redis.Client }

func NewIdempotencyCache(rdb *redis.Client) *IdempotencyCache { return &IdempotencyCache{rdb: rdb} }

// Lookup returns the order id for key, or "" on a miss.
func (c *IdempotencyCache) Lookup(ctx context.Context, buyerID, key string) (string, error) {
	id, err := c.rdb.Get(ctx, idemKey(buyerID, key)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	return id, err
}

func (c *IdempotencyCache) Remember(ctx context.Context, buyerID, key, orderID string) error {
	return c.rdb.Set(ctx, idemKey(buyerID, key), orderID, TTLIdempotency).Err()
}

package redisx

import (
	"fmt"
	"time"
)

const (
	// Idempotent create order: idem:order:create:{buyer_id}:{idempotency_key} -> order_id
	KeyIdemOrderCreate = "idem:order:create:%s:%s"

	// Status cache: order_status:{order_id} -> {"status": "...", "updated_at": "..."}
	KeyOrderStatus = "order_status:%s"

	// Event dedup: dedup:{service}:{event_id}
	KeyDedup = "dedup:%s:%s"

	// Checkout rate limit: ratelimit:checkout:{buyer_id}:{window_start_unix}
	KeyCheckoutRate = "ratelimit:checkout:%s:%d"
)

var (
	TTLIdempotency = 24 * time.Hour
	TTLStatusCache = 5 * time.Minute
	TTLDedup       = 48 * time.Hour
)

func idemKey(buyerID, key string) string {
	return fmt.Sprintf(KeyIdemOrderCreate, buyerID, key)
}
func statusKey(orderID string) string { return fmt.Sprintf(KeyOrderStatus, orderID) }
func dedupKey(service, eventID string) string { return fmt.Sprintf(KeyDedup, service, eventID) }

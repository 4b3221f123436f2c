package orders

import (
	"context"

	"github.com/ariefcatur/go-order-fulfillment/internal/inventory"
)

// Catalog is the read-only product lookup owned by the catalog subsystem.
// Products must answer from a single snapshot; ids it does not know are
// simply absent from the result.
type Catalog interface {
	Products(ctx context.Context, ids []string) (map[string]Product, error)
}

// Store is the transactional persistence contract for orders.
//
// InTx commits when fn returns nil and rolls back otherwise, returning fn's
// error unchanged. A cancelled ctx before commit is a rollback.
type Store interface {
	InTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	GetOrder(ctx context.Context, id string) (Order, error)
	// FindByIdempotencyKey looks the key up within one buyer's orders only.
	FindByIdempotencyKey(ctx context.Context, buyerID, key string) (Order, error)
	History(ctx context.Context, orderID string) ([]HistoryEntry, error)
}

// Tx exposes the only ways order state may change. Status and history are
// written together; there is no method that touches one without the other.
type Tx interface {
	Stock() inventory.Stock
	// CreateOrder inserts the order, its line items and the first history entry.
	CreateOrder(ctx context.Context, o Order, first HistoryEntry) error
	// LockOrder loads the order with its items and holds its row lock until
	// the transaction ends.
	LockOrder(ctx context.Context, id string) (Order, error)
	// ApplyTransition sets the order status to e.Status and appends e.
	ApplyTransition(ctx context.Context, e HistoryEntry) error
}

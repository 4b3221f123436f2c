// Package memstore is an in-process implementation of orders.Store and
// orders.Catalog. It gives the same guarantees the Postgres store gets from
// row locks and transactions: rows are locked for the life of a transaction,
// writes are buffered until commit and discarded on rollback.
package memstore

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ariefcatur/go-order-fulfillment/internal/inventory"
	"github.com/ariefcatur/go-order-fulfillment/internal/orders"
)

var ErrNegativeStock = errors.New("available quantity would become negative")

// rowLock is a one-slot semaphore so waiters can give up when ctx is done.
type rowLock chan struct{}

func newRowLock() rowLock { return make(rowLock, 1) }

func (l rowLock) acquire(ctx context.Context) error {
	select {
	case l <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (l rowLock) release() { <-l }

type Store struct {
	mu          sync.Mutex
	products    map[string]orders.Product
	productLock map[string]rowLock
	orders      map[string]orders.Order
	orderLock   map[string]rowLock
	byKey       map[string]string
	history     map[string][]orders.HistoryEntry

	failCommit error
}

var (
	_ orders.Store   = (*Store)(nil)
	_ orders.Catalog = (*Store)(nil)
)

func New() *Store {
	return &Store{
		products:    map[string]orders.Product{},
		productLock: map[string]rowLock{},
		orders:      map[string]orders.Order{},
		orderLock:   map[string]rowLock{},
		byKey:       map[string]string{},
		history:     map[string][]orders.HistoryEntry{},
	}
}

// PutProduct inserts or replaces a catalog row.
func (s *Store) PutProduct(p orders.Product) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.products[p.ID] = p
	if _, ok := s.productLock[p.ID]; !ok {
		s.productLock[p.ID] = newRowLock()
	}
}

// Available returns the committed available quantity of a product.
func (s *Store) Available(id string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.products[id]
	return p.AvailableQuantity, ok
}

// FailNextCommit makes the next commit fail with err after fn succeeded.
func (s *Store) FailNextCommit(err error) {
	s.mu.Lock()
	s.failCommit = err
	s.mu.Unlock()
}

func (s *Store) Products(_ context.Context, ids []string) (map[string]orders.Product, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]orders.Product, len(ids))
	for _, id := range ids {
		if p, ok := s.products[id]; ok {
			out[id] = p
		}
	}
	return out, nil
}

func (s *Store) GetOrder(_ context.Context, id string) (orders.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	o, ok := s.orders[id]
	if !ok {
		return orders.Order{}, orders.ErrOrderNotFound
	}
	return o.Clone(), nil
}

// idemIndex scopes an idempotency key to its buyer.
func idemIndex(buyerID, key string) string { return buyerID + "\x00" + key }

func (s *Store) FindByIdempotencyKey(ctx context.Context, buyerID, key string) (orders.Order, error) {
	s.mu.Lock()
	id, ok := s.byKey[idemIndex(buyerID, key)]
	s.mu.Unlock()
	if !ok {
		return orders.Order{}, orders.ErrOrderNotFound
	}
	return s.GetOrder(ctx, id)
}

func (s *Store) History(_ context.Context, orderID string) ([]orders.HistoryEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]orders.HistoryEntry(nil), s.history[orderID]...), nil
}

func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx orders.Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	t := &tx{s: s, delta: map[string]int{}, heldProducts: map[string]bool{}, heldOrders: map[string]bool{}}
	defer t.release()

	if err := fn(ctx, t); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return t.commit()
}

type pendingOrder struct {
	order orders.Order
	first orders.HistoryEntry
}

type tx struct {
	s *Store

	held         []rowLock
	heldProducts map[string]bool
	heldOrders   map[string]bool

	delta       map[string]int
	created     []pendingOrder
	transitions []orders.HistoryEntry
}

func (t *tx) Stock() inventory.Stock { return t }

func (t *tx) LockAvailable(ctx context.Context, productID string) (int, error) {
	if !t.heldProducts[productID] {
		t.s.mu.Lock()
		l, ok := t.s.productLock[productID]
		t.s.mu.Unlock()
		if !ok {
			return 0, inventory.ErrUnknownProduct
		}
		if err := l.acquire(ctx); err != nil {
			return 0, err
		}
		t.held = append(t.held, l)
		t.heldProducts[productID] = true
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	return t.s.products[productID].AvailableQuantity + t.delta[productID], nil
}

func (t *tx) Adjust(_ context.Context, productID string, delta int) error {
	if !t.heldProducts[productID] {
		return fmt.Errorf("memstore: adjust %s without row lock", productID)
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if t.s.products[productID].AvailableQuantity+t.delta[productID]+delta < 0 {
		return fmt.Errorf("%w: product %s", ErrNegativeStock, productID)
	}
	t.delta[productID] += delta
	return nil
}

func (t *tx) CreateOrder(_ context.Context, o orders.Order, first orders.HistoryEntry) error {
	if first.OrderID != o.ID || first.Status != o.Status {
		return fmt.Errorf("memstore: first history entry does not match order %s", o.ID)
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	if _, ok := t.s.orders[o.ID]; ok {
		return fmt.Errorf("memstore: order %s already exists", o.ID)
	}
	if o.IdempotencyKey != "" {
		if _, ok := t.s.byKey[idemIndex(o.BuyerID, o.IdempotencyKey)]; ok {
			return orders.ErrDuplicateIdempotencyKey
		}
	}
	t.created = append(t.created, pendingOrder{order: o.Clone(), first: first})
	return nil
}

func (t *tx) LockOrder(ctx context.Context, id string) (orders.Order, error) {
	t.s.mu.Lock()
	l, ok := t.s.orderLock[id]
	t.s.mu.Unlock()
	if !ok {
		return orders.Order{}, orders.ErrOrderNotFound
	}
	if !t.heldOrders[id] {
		if err := l.acquire(ctx); err != nil {
			return orders.Order{}, err
		}
		t.held = append(t.held, l)
		t.heldOrders[id] = true
	}
	t.s.mu.Lock()
	defer t.s.mu.Unlock()
	o := t.s.orders[id].Clone()
	for _, e := range t.transitions {
		if e.OrderID == id {
			o.Status = e.Status
		}
	}
	return o, nil
}

func (t *tx) ApplyTransition(_ context.Context, e orders.HistoryEntry) error {
	if !t.heldOrders[e.OrderID] {
		return fmt.Errorf("memstore: transition %s without row lock", e.OrderID)
	}
	t.transitions = append(t.transitions, e)
	return nil
}

func (t *tx) commit() error {
	t.s.mu.Lock()
	defer t.s.mu.Unlock()

	if err := t.s.failCommit; err != nil {
		t.s.failCommit = nil
		return err
	}
	for _, p := range t.created {
		if k := p.order.IdempotencyKey; k != "" {
			if _, ok := t.s.byKey[idemIndex(p.order.BuyerID, k)]; ok {
				return orders.ErrDuplicateIdempotencyKey
			}
		}
	}

	ids := make([]string, 0, len(t.delta))
	for id := range t.delta {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		p := t.s.products[id]
		p.AvailableQuantity += t.delta[id]
		t.s.products[id] = p
	}
	for _, p := range t.created {
		t.s.orders[p.order.ID] = p.order
		t.s.orderLock[p.order.ID] = newRowLock()
		if p.order.IdempotencyKey != "" {
			t.s.byKey[idemIndex(p.order.BuyerID, p.order.IdempotencyKey)] = p.order.ID
		}
		t.s.history[p.order.ID] = append(t.s.history[p.order.ID], p.first)
	}
	for _, e := range t.transitions {
		o := t.s.orders[e.OrderID]
		o.Status = e.Status
		o.UpdatedAt = e.CreatedAt
		t.s.orders[e.OrderID] = o
		t.s.history[e.OrderID] = append(t.s.history[e.OrderID], e)
	}
	return nil
}

func (t *tx) release() {
	for i := len(t.held) - 1; i >= 0; i-- {
		t.held[i].release()
	}
	t.held = nil
}

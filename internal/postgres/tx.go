package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/ariefcatur/go-order-fulfillment/internal/inventory"
	"github.com/ariefcatur/go-order-fulfillment/internal/orders"
	"github.com/jackc/pgx/v5"
)

var ErrNegativeStock = errors.New("available quantity would become negative")

// tx implements orders.Tx and inventory.Stock on a single pgx transaction.
type tx struct {
	tx     pgx.Tx
	locked map[string]bool
}

func (t *tx) Stock() inventory.Stock { return t }

// LockAvailable takes the product row lock and returns its quantity.
func (t *tx) LockAvailable(ctx context.Context, productID string) (int, error) {
	var qty int
	err := t.tx.QueryRow(ctx,
		`SELECT available_quantity FROM products WHERE id = $1 FOR UPDATE`, productID).Scan(&qty)
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, inventory.ErrUnknownProduct
	}
	if err != nil {
		return 0, err
	}
	t.locked[productID] = true
	return qty, nil
}

func (t *tx) Adjust(ctx context.Context, productID string, delta int) error {
	if !t.locked[productID] {
		return fmt.Errorf("postgres: adjust %s without row lock", productID)
	}
	ct, err := t.tx.Exec(ctx, `
		UPDATE products
		SET available_quantity = available_quantity + $2, updated_at = now()
		WHERE id = $1`, productID, delta)
	if err != nil {
		return mapErr(err)
	}
	if ct.RowsAffected() != 1 {
		return inventory.ErrUnknownProduct
	}
	return nil
}

func (t *tx) CreateOrder(ctx context.Context, o orders.Order, first orders.HistoryEntry) error {
	if first.OrderID != o.ID || first.Status != o.Status {
		return fmt.Errorf("postgres: first history entry does not match order %s", o.ID)
	}

	var key any
	if o.IdempotencyKey != "" {
		key = o.IdempotencyKey
	}
	_, err := t.tx.Exec(ctx, `
		INSERT INTO orders (
			id, order_number, buyer_id, status,
			subtotal, tax_amount, shipping_amount, discount_amount, total_amount,
			discount_clamped, currency, idempotency_key, created_at, updated_at)
		VALUES ($1, $2, $3, $4,
			$5::numeric, $6::numeric, $7::numeric, $8::numeric, $9::numeric,
			$10, $11, $12, $13, $14)`,
		o.ID, o.OrderNumber, o.BuyerID, string(o.Status),
		o.Subtotal.String(), o.TaxAmount.String(), o.ShippingAmount.String(),
		o.DiscountAmount.String(), o.TotalAmount.String(),
		o.DiscountClamped, o.Currency, key, o.CreatedAt, o.UpdatedAt,
	)
	if err != nil {
		return mapErr(err)
	}

	// Items and the first history entry go in one round trip.
	batch := &pgx.Batch{}
	for _, it := range o.Items {
		batch.Queue(`
			INSERT INTO order_items (order_id, product_id, quantity, unit_price_at_purchase, line_total)
			VALUES ($1, $2, $3, $4::numeric, $5::numeric)`,
			o.ID, it.ProductID, it.Quantity, it.UnitPrice.String(), it.LineTotal.String())
	}
	queueHistory(batch, first)
	return t.tx.SendBatch(ctx, batch).Close()
}

func (t *tx) LockOrder(ctx context.Context, id string) (orders.Order, error) {
	return getOrder(ctx, t.tx, `WHERE id = $1`, true, id)
}

// ApplyTransition writes the new status and its history entry together.
func (t *tx) ApplyTransition(ctx context.Context, e orders.HistoryEntry) error {
	batch := &pgx.Batch{}
	batch.Queue(`UPDATE orders SET status = $2, updated_at = $3 WHERE id = $1`,
		e.OrderID, string(e.Status), e.CreatedAt)
	queueHistory(batch, e)

	br := t.tx.SendBatch(ctx, batch)
	ct, err := br.Exec()
	if err != nil {
		_ = br.Close()
		return err
	}
	if ct.RowsAffected() != 1 {
		_ = br.Close()
		return orders.ErrOrderNotFound
	}
	return br.Close()
}

func queueHistory(b *pgx.Batch, e orders.HistoryEntry) {
	b.Queue(`
		INSERT INTO order_status_history (order_id, status, note, created_at)
		VALUES ($1, $2, $3, $4)`,
		e.OrderID, string(e.Status), e.Note, e.CreatedAt)
}

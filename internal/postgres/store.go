// Package postgres persists products, orders and status history with pgx.
// Stock and order rows are locked with SELECT ... FOR UPDATE for the life
// of a transaction.
package postgres

import (
	"context"
	"errors"

	"github.com/ariefcatur/go-order-fulfillment/internal/orders"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
)

const (
	pgUniqueViolation = "23505"
	pgCheckViolation  = "23514"

	idempotencyConstraint = "orders_buyer_idempotency_key"
)

type Store struct{ DB *pgxpool.Pool }

var (
	_ orders.Store   = (*Store)(nil)
	_ orders.Catalog = (*Store)(nil)
)

func New(db *pgxpool.Pool) *Store { return &Store{DB: db} }

// InTx runs fn in a read-committed transaction. Any error from fn or from
// commit rolls everything back.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, tx orders.Tx) error) error {
	pgtx, err := s.DB.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return err
	}
	defer func() { _ = pgtx.Rollback(ctx) }()

	if err := fn(ctx, &tx{tx: pgtx, locked: map[string]bool{}}); err != nil {
		return err
	}
	return mapErr(pgtx.Commit(ctx))
}

// Products returns the catalog rows for ids in a single statement, so every
// line of a checkout sees the same price snapshot.
func (s *Store) Products(ctx context.Context, ids []string) (map[string]orders.Product, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT id, active, unit_price::text, available_quantity
		FROM products WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]orders.Product, len(ids))
	for rows.Next() {
		var (
			p     orders.Product
			price string
		)
		if err := rows.Scan(&p.ID, &p.Active, &price, &p.AvailableQuantity); err != nil {
			return nil, err
		}
		if p.UnitPrice, err = decimal.NewFromString(price); err != nil {
			return nil, err
		}
		out[p.ID] = p
	}
	return out, rows.Err()
}

// UpsertProduct is used for seeding and tests.
func (s *Store) UpsertProduct(ctx context.Context, p orders.Product) error {
	_, err := s.DB.Exec(ctx, `
		INSERT INTO products (id, active, unit_price, available_quantity)
		VALUES ($1, $2, $3::numeric, $4)
		ON CONFLICT (id) DO UPDATE
		SET active = EXCLUDED.active,
		    unit_price = EXCLUDED.unit_price,
		    available_quantity = EXCLUDED.available_quantity,
		    updated_at = now()`,
		p.ID, p.Active, p.UnitPrice.String(), p.AvailableQuantity)
	return err
}

func (s *Store) GetOrder(ctx context.Context, id string) (orders.Order, error) {
	return getOrder(ctx, s.DB, `WHERE id = $1`, false, id)
}

func (s *Store) FindByIdempotencyKey(ctx context.Context, buyerID, key string) (orders.Order, error) {
	return getOrder(ctx, s.DB, `WHERE buyer_id = $1 AND idempotency_key = $2`, false, buyerID, key)
}

func (s *Store) History(ctx context.Context, orderID string) ([]orders.HistoryEntry, error) {
	rows, err := s.DB.Query(ctx, `
		SELECT order_id, status, note, created_at
		FROM order_status_history
		WHERE order_id = $1
		ORDER BY id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []orders.HistoryEntry
	for rows.Next() {
		var (
			e      orders.HistoryEntry
			status string
		)
		if err := rows.Scan(&e.OrderID, &status, &e.Note, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Status = orders.Status(status)
		out = append(out, e)
	}
	return out, rows.Err()
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

func getOrder(ctx context.Context, q querier, where string, forUpdate bool, args ...any) (orders.Order, error) {
	sql := `
		SELECT id, order_number, buyer_id, status,
		       subtotal::text, tax_amount::text, shipping_amount::text,
		       discount_amount::text, total_amount::text, discount_clamped,
		       currency, COALESCE(idempotency_key, ''), created_at, updated_at
		FROM orders ` + where
	if forUpdate {
		sql += ` FOR UPDATE`
	}

	var o orders.Order
	var status, subtotal, tax, shipping, discount, total string
	err := q.QueryRow(ctx, sql, args...).Scan(
		&o.ID, &o.OrderNumber, &o.BuyerID, &status,
		&subtotal, &tax, &shipping, &discount, &total, &o.DiscountClamped,
		&o.Currency, &o.IdempotencyKey, &o.CreatedAt, &o.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return orders.Order{}, orders.ErrOrderNotFound
	}
	if err != nil {
		return orders.Order{}, err
	}
	o.Status = orders.Status(status)
	if err := parseDecimals(
		decimalField{subtotal, &o.Subtotal},
		decimalField{tax, &o.TaxAmount},
		decimalField{shipping, &o.ShippingAmount},
		decimalField{discount, &o.DiscountAmount},
		decimalField{total, &o.TotalAmount},
	); err != nil {
		return orders.Order{}, err
	}

	if o.Items, err = orderItems(ctx, q, o.ID); err != nil {
		return orders.Order{}, err
	}
	return o, nil
}

func orderItems(ctx context.Context, q querier, orderID string) ([]orders.LineItem, error) {
	rows, err := q.Query(ctx, `
		SELECT product_id, quantity, unit_price_at_purchase::text, line_total::text
		FROM order_items WHERE order_id = $1
		ORDER BY product_id`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []orders.LineItem
	for rows.Next() {
		var (
			li          orders.LineItem
			price, line string
		)
		if err := rows.Scan(&li.ProductID, &li.Quantity, &price, &line); err != nil {
			return nil, err
		}
		if err := parseDecimals(decimalField{price, &li.UnitPrice}, decimalField{line, &li.LineTotal}); err != nil {
			return nil, err
		}
		out = append(out, li)
	}
	return out, rows.Err()
}

type decimalField struct {
	raw string
	dst *decimal.Decimal
}

func parseDecimals(fs ...decimalField) error {
	for _, f := range fs {
		d, err := decimal.NewFromString(f.raw)
		if err != nil {
			return err
		}
		*f.dst = d
	}
	return nil
}

// mapErr turns constraint violations into the errors the engine understands.
func mapErr(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return err
	}
	switch {
	case pgErr.Code == pgUniqueViolation && pgErr.ConstraintName == idempotencyConstraint:
		return orders.ErrDuplicateIdempotencyKey
	case pgErr.Code == pgCheckViolation:
		return ErrNegativeStock
	}
	return err
}

package inventory

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
)

var (
	ErrUnknownProduct = errors.New("unknown product")
	ErrInvalidItem    = errors.New("invalid reservation item")
)

type Item struct {
	ProductID string `json:"product_id"`
	Qty       int    `json:"qty"`
}

// Stock is the transactional view of products.available_quantity.
// LockAvailable must hold the row lock until the surrounding transaction ends.
type Stock interface {
	LockAvailable(ctx context.Context, productID string) (int, error)
	Adjust(ctx context.Context, productID string, delta int) error
}

type Shortfall struct {
	ProductID string `json:"product_id"`
	Requested int    `json:"requested"`
	Available int    `json:"available"`
}

func (s Shortfall) String() string {
	return fmt.Sprintf("only %d of %d requested units of %s are available", s.Available, s.Requested, s.ProductID)
}

type InsufficientStockError struct {
	Shortfalls []Shortfall
}

func (e *InsufficientStockError) Error() string {
	parts := make([]string, 0, len(e.Shortfalls))
	for _, s := range e.Shortfalls {
		parts = append(parts, s.String())
	}
	return "insufficient stock: " + strings.Join(parts, "; ")
}

// Canonical merges duplicate products and sorts by product id so every caller
// acquires row locks in the same order.
func Canonical(items []Item) ([]Item, error) {
	merged := make(map[string]int, len(items))
	for _, it := range items {
		if it.ProductID == "" || it.Qty <= 0 {
			return nil, fmt.Errorf("%w: product=%q qty=%d", ErrInvalidItem, it.ProductID, it.Qty)
		}
		merged[it.ProductID] += it.Qty
	}
	out := make([]Item, 0, len(merged))
	for id, qty := range merged {
		out = append(out, Item{ProductID: id, Qty: qty})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProductID < out[j].ProductID })
	return out, nil
}

// ReserveBatch decrements every item or none of them. All rows are locked and
// checked before the first decrement, so a shortfall leaves stock untouched
// even if the caller forgets to roll back.
func ReserveBatch(ctx context.Context, s Stock, items []Item) error {
	canon, err := Canonical(items)
	if err != nil {
		return err
	}

	var short []Shortfall
	for _, it := range canon {
		avail, err := s.LockAvailable(ctx, it.ProductID)
		if err != nil {
			return fmt.Errorf("lock %s: %w", it.ProductID, err)
		}
		if avail < it.Qty {
			short = append(short, Shortfall{ProductID: it.ProductID, Requested: it.Qty, Available: avail})
		}
	}
	if len(short) > 0 {
		return &InsufficientStockError{Shortfalls: short}
	}

	for _, it := range canon {
		if err := s.Adjust(ctx, it.ProductID, -it.Qty); err != nil {
			return fmt.Errorf("decrement %s: %w", it.ProductID, err)
		}
	}
	return nil
}

// ReleaseBatch gives reserved units back. There is no availability check.
func ReleaseBatch(ctx context.Context, s Stock, items []Item) error {
	canon, err := Canonical(items)
	if err != nil {
		return err
	}
	for _, it := range canon {
		if _, err := s.LockAvailable(ctx, it.ProductID); err != nil {
			return fmt.Errorf("lock %s: %w", it.ProductID, err)
		}
	}
	for _, it := range canon {
		if err := s.Adjust(ctx, it.ProductID, it.Qty); err != nil {
			return fmt.Errorf("increment %s: %w", it.ProductID, err)
		}
	}
	return nil
}

// Package pricing computes order totals with fixed-point decimals.
//
// Calculate has no side effects and reads no clock or global state, so equal
// inputs always produce equal totals.
package pricing

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"
)

const (
	// MoneyPlaces is the number of fractional digits kept for the order currency.
	MoneyPlaces = 2
	// PricePlaces is the finest unit price precision the store keeps. Subtotals
	// and totals inherit it.
	PricePlaces = 4
)

var ErrInvalidInput = errors.New("invalid pricing input")

type Line struct {
	Qty       int
	UnitPrice decimal.Decimal
}

type Input struct {
	Lines    []Line
	Shipping decimal.Decimal
	Discount decimal.Decimal
	TaxRate  decimal.Decimal
}

type Totals struct {
	Subtotal decimal.Decimal
	Tax      decimal.Decimal
	Shipping decimal.Decimal
	Discount decimal.Decimal
	Total    decimal.Decimal

	// DiscountClamped is set when the requested discount exceeded
	// subtotal+tax+shipping and Discount was reduced to that sum.
	DiscountClamped bool
}

func Calculate(in Input) (Totals, error) {
	if in.Shipping.IsNegative() || in.Discount.IsNegative() || in.TaxRate.IsNegative() {
		return Totals{}, fmt.Errorf("%w: shipping, discount and tax rate must be >= 0", ErrInvalidInput)
	}
	if !FitsPlaces(in.Shipping, MoneyPlaces) || !FitsPlaces(in.Discount, MoneyPlaces) {
		return Totals{}, fmt.Errorf("%w: shipping and discount allow at most %d decimal places", ErrInvalidInput, MoneyPlaces)
	}

	subtotal := decimal.Zero
	for i, l := range in.Lines {
		if l.Qty <= 0 || l.UnitPrice.IsNegative() || !FitsPlaces(l.UnitPrice, PricePlaces) {
			return Totals{}, fmt.Errorf("%w: line %d qty=%d price=%s", ErrInvalidInput, i, l.Qty, l.UnitPrice)
		}
		subtotal = subtotal.Add(l.UnitPrice.Mul(decimal.NewFromInt(int64(l.Qty))))
	}

	// Round exactly once. Amounts are non-negative so half-away-from-zero is half-up.
	tax := subtotal.Mul(in.TaxRate).Round(MoneyPlaces)

	t := Totals{
		Subtotal: subtotal,
		Tax:      tax,
		Shipping: in.Shipping,
		Discount: in.Discount,
	}
	gross := subtotal.Add(tax).Add(in.Shipping)
	if t.Discount.GreaterThan(gross) {
		t.Discount = gross
		t.DiscountClamped = true
	}
	t.Total = gross.Sub(t.Discount)
	return t, nil
}

// FitsPlaces reports whether d has no non-zero digits beyond places.
func FitsPlaces(d decimal.Decimal, places int32) bool {
	return d.Equal(d.Truncate(places))
}

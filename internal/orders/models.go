package orders

import (
	"time"

	"github.com/ariefcatur/go-order-fulfillment/internal/inventory"
	"github.com/oklog/ulid/v2"
	"github.com/shopspring/decimal"
)

// Product is the catalog view used at checkout.
type Product struct {
	ID                string          `json:"id"`
	Active            bool            `json:"active"`
	UnitPrice         decimal.Decimal `json:"unit_price"`
	AvailableQuantity int             `json:"available_quantity"`
}

type Order struct {
	ID              string          `json:"id"`
	OrderNumber     string          `json:"order_number"`
	BuyerID         string          `json:"buyer_id"`
	Status          Status          `json:"status"`
	Subtotal        decimal.Decimal `json:"subtotal"`
	TaxAmount       decimal.Decimal `json:"tax_amount"`
	ShippingAmount  decimal.Decimal `json:"shipping_amount"`
	DiscountAmount  decimal.Decimal `json:"discount_amount"`
	TotalAmount     decimal.Decimal `json:"total_amount"`
	DiscountClamped bool            `json:"discount_clamped"`
	Currency        string          `json:"currency"`
	IdempotencyKey  string          `json:"idempotency_key,omitempty"`
	CreatedAt       time.Time       `json:"created_at"`
	UpdatedAt       time.Time       `json:"updated_at"`
	Items           []LineItem      `json:"items"`
}

// LineItem is built once at checkout and never modified.
type LineItem struct {
	ProductID string          `json:"product_id"`
	Quantity  int             `json:"quantity"`
	UnitPrice decimal.Decimal `json:"unit_price_at_purchase"`
	LineTotal decimal.Decimal `json:"line_total"`
}

func NewLineItem(productID string, qty int, unitPrice decimal.Decimal) LineItem {
	return LineItem{
		ProductID: productID,
		Quantity:  qty,
		UnitPrice: unitPrice,
		LineTotal: unitPrice.Mul(decimal.NewFromInt(int64(qty))),
	}
}

// ReservationItems lists what the order holds in the inventory ledger.
func (o Order) ReservationItems() []inventory.Item {
	out := make([]inventory.Item, 0, len(o.Items))
	for _, it := range o.Items {
		out = append(out, inventory.Item{ProductID: it.ProductID, Qty: it.Quantity})
	}
	return out
}

// Clone returns a copy that shares no slice with o.
func (o Order) Clone() Order {
	o.Items = append([]LineItem(nil), o.Items...)
	return o
}

// NewOrderNumber returns a sortable, human readable order number.
func NewOrderNumber() string {
	return "ORD-" + ulid.Make().String()
}

package memstore

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/ariefcatur/go-order-fulfillment/internal/orders"
	"github.com/shopspring/decimal"
)

// ParseSeed reads "id:qty:price,id:qty:price" into active products.
func ParseSeed(s string) ([]orders.Product, error) {
	var out []orders.Product
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		f := strings.Split(part, ":")
		if len(f) != 3 {
			return nil, fmt.Errorf("seed %q: want id:qty:price", part)
		}
		qty, err := strconv.Atoi(f[1])
		if err != nil || qty < 0 {
			return nil, fmt.Errorf("seed %q: bad quantity", part)
		}
		price, err := decimal.NewFromString(f[2])
		if err != nil {
			return nil, fmt.Errorf("seed %q: bad price: %w", part, err)
		}
		out = append(out, orders.Product{ID: f[0], Active: true, UnitPrice: price, AvailableQuantity: qty})
	}
	return out, nil
}

// Command orderctl talks to the order API.
//
//	orderctl create -buyer b1 -item sku-1:2 -item sku-2:1 -shipping 4.99
//	orderctl transition -id ID -status confirmed
//	orderctl get -id ID
//	orderctl history -id ID
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ariefcatur/go-order-fulfillment/internal/client"
	"github.com/ariefcatur/go-order-fulfillment/internal/httpx"
	"github.com/ariefcatur/go-order-fulfillment/internal/orders"
	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

type itemFlags []orders.ItemRequest

func (f *itemFlags) String() string { return fmt.Sprint(*f) }

func (f *itemFlags) Set(v string) error {
	id, qty, ok := strings.Cut(v, ":")
	if !ok {
		return fmt.Errorf("want product:quantity, got %q", v)
	}
	n, err := strconv.Atoi(qty)
	if err != nil {
		return fmt.Errorf("quantity %q: %w", qty, err)
	}
	*f = append(*f, orders.ItemRequest{ProductID: id, Quantity: n})
	return nil
}

func main() {
	_ = godotenv.Load()
	if len(os.Args) < 2 {
		usage()
		os.Exit(2)
	}
	if err := run(os.Args[1], os.Args[2:]); err != nil {
		fmt.Fprintln(os.Stderr, "orderctl:", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: orderctl <create|transition|get|history> [flags]")
}

func run(cmd string, args []string) error {
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	addr := fs.String("addr", envOr("ORDER_API_URL", "http://localhost:8081"), "order API base URL")
	timeout := fs.Duration("timeout", 10*time.Second, "request timeout")

	buyer := fs.String("buyer", "", "buyer id (create)")
	shipping := fs.String("shipping", "0", "shipping amount (create)")
	discount := fs.String("discount", "0", "discount amount (create)")
	idemKey := fs.String("idempotency-key", "", "idempotency key (create)")
	id := fs.String("id", "", "order id")
	status := fs.String("status", "", "target status (transition)")
	note := fs.String("note", "", "history note (transition)")
	var items itemFlags
	fs.Var(&items, "item", "product:quantity, repeatable (create)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	c := client.New(*addr)
	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	var (
		out any
		err error
	)
	switch cmd {
	case "create":
		var ship, disc decimal.Decimal
		if ship, err = decimal.NewFromString(*shipping); err != nil {
			return fmt.Errorf("shipping: %w", err)
		}
		if disc, err = decimal.NewFromString(*discount); err != nil {
			return fmt.Errorf("discount: %w", err)
		}
		out, err = c.CreateOrder(ctx, httpx.CreateOrderReq{
			BuyerID:        *buyer,
			Items:          items,
			ShippingAmount: ship,
			DiscountAmount: disc,
			IdempotencyKey: *idemKey,
		})
	case "transition":
		out, err = c.Transition(ctx, *id, *status, *note)
	case "get":
		out, err = c.GetOrder(ctx, *id)
	case "history":
		out, err = c.History(ctx, *id)
	default:
		usage()
		return fmt.Errorf("unknown command %q", cmd)
	}
	if err != nil {
		return err
	}

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(out)
}

func envOr(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

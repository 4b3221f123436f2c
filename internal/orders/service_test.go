package orders_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ariefcatur/go-order-fulfillment/internal/inventory"
	"github.com/ariefcatur/go-order-fulfillment/internal/memstore"
	"github.com/ariefcatur/go-order-fulfillment/internal/orders"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

type fixture struct {
	store *memstore.Store
	svc   *orders.Service
}

func newFixture(t *testing.T, opts ...orders.Option) *fixture {
	t.Helper()
	st := memstore.New()
	st.PutProduct(orders.Product{ID: "P", Active: true, UnitPrice: dec("50.00"), AvailableQuantity: 5})
	st.PutProduct(orders.Product{ID: "Q", Active: true, UnitPrice: dec("2.50"), AvailableQuantity: 100})
	st.PutProduct(orders.Product{ID: "OLD", Active: false, UnitPrice: dec("1.00"), AvailableQuantity: 10})
	return &fixture{store: st, svc: orders.NewService(st, st, opts...)}
}

func (f *fixture) stock(t *testing.T, id string) int {
	t.Helper()
	q, ok := f.store.Available(id)
	require.True(t, ok)
	return q
}

func (f *fixture) create(t *testing.T, items ...orders.ItemRequest) orders.Order {
	t.Helper()
	res, err := f.svc.CreateOrder(context.Background(), orders.CreateOrderRequest{BuyerID: "buyer-1", Items: items})
	require.NoError(t, err)
	return res.Order
}

// MockPublisher records published events.
type MockPublisher struct {
	mock.Mock
}

func (m *MockPublisher) Publish(ctx context.Context, topic string, env orders.Envelope) error {
	args := m.Called(ctx, topic, env)
	return args.Error(0)
}

// countingCatalog fails the test if it is ever called.
type countingCatalog struct {
	orders.Catalog
	calls int
}

func (c *countingCatalog) Products(ctx context.Context, ids []string) (map[string]orders.Product, error) {
	c.calls++
	return c.Catalog.Products(ctx, ids)
}

func TestCreateOrder_PricingExample(t *testing.T) {
	f := newFixture(t, orders.WithTaxRate(dec("0.19")), orders.WithCurrency("EUR"))

	res, err := f.svc.CreateOrder(context.Background(), orders.CreateOrderRequest{
		BuyerID:        "buyer-1",
		Items:          []orders.ItemRequest{{ProductID: "P", Quantity: 2}},
		ShippingAmount: dec("10.00"),
	})

	require.NoError(t, err)
	o := res.Order
	assert.False(t, res.Replayed)
	assert.Equal(t, orders.StatusPending, o.Status)
	assert.Equal(t, "EUR", o.Currency)
	assert.Equal(t, "100.00", o.Subtotal.StringFixed(2))
	assert.Equal(t, "19.00", o.TaxAmount.StringFixed(2))
	assert.Equal(t, "129.00", o.TotalAmount.StringFixed(2))
	assert.Regexp(t, `^ORD-[0-9A-Z]{26}$`, o.OrderNumber)
	require.Len(t, o.Items, 1)
	assert.Equal(t, "100.00", o.Items[0].LineTotal.StringFixed(2))
	assert.Equal(t, 3, f.stock(t, "P"))

	h, err := f.svc.History(context.Background(), o.ID)
	require.NoError(t, err)
	require.Len(t, h, 1)
	assert.Equal(t, orders.StatusPending, h[0].Status)
	assert.Equal(t, orders.NoteOrderCreated, h[0].Note)
}

func TestCreateOrder_TaxRateOverride(t *testing.T) {
	f := newFixture(t, orders.WithTaxRate(dec("0.19")))
	rate := dec("0.10")

	res, err := f.svc.CreateOrder(context.Background(), orders.CreateOrderRequest{
		BuyerID: "buyer-1",
		Items:   []orders.ItemRequest{{ProductID: "Q", Quantity: 4}},
		TaxRate: &rate,
	})

	require.NoError(t, err)
	assert.Equal(t, "1.00", res.Order.TaxAmount.StringFixed(2))
}

func TestCreateOrder_ZeroQuantityNeverTouchesLedger(t *testing.T) {
	f := newFixture(t)
	cat := &countingCatalog{Catalog: f.store}
	svc := orders.NewService(f.store, cat)

	_, err := svc.CreateOrder(context.Background(), orders.CreateOrderRequest{
		BuyerID: "buyer-1",
		Items:   []orders.ItemRequest{{ProductID: "P", Quantity: 1}, {ProductID: "Q", Quantity: 0}},
	})

	var ire *orders.InvalidRequestError
	require.True(t, errors.As(err, &ire))
	assert.Equal(t, orders.CodeInvalidRequest, orders.ErrorCode(err))
	assert.Zero(t, cat.calls)
	assert.Equal(t, 5, f.stock(t, "P"))
}

func TestCreateOrder_InvalidRequests(t *testing.T) {
	f := newFixture(t)
	cases := map[string]orders.CreateOrderRequest{
		"no buyer":          {Items: []orders.ItemRequest{{ProductID: "P", Quantity: 1}}},
		"no items":          {BuyerID: "b"},
		"empty product":     {BuyerID: "b", Items: []orders.ItemRequest{{Quantity: 1}}},
		"negative qty":      {BuyerID: "b", Items: []orders.ItemRequest{{ProductID: "P", Quantity: -1}}},
		"negative shipping": {BuyerID: "b", Items: []orders.ItemRequest{{ProductID: "P", Quantity: 1}}, ShippingAmount: dec("-1")},
		"negative discount": {BuyerID: "b", Items: []orders.ItemRequest{{ProductID: "P", Quantity: 1}}, DiscountAmount: dec("-1")},
		"sub-cent shipping": {BuyerID: "b", Items: []orders.ItemRequest{{ProductID: "P", Quantity: 1}}, ShippingAmount: dec("0.005")},
		"sub-cent discount": {BuyerID: "b", Items: []orders.ItemRequest{{ProductID: "P", Quantity: 1}}, DiscountAmount: dec("0.125")},
	}
	for name, req := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := f.svc.CreateOrder(context.Background(), req)
			assert.Equal(t, orders.CodeInvalidRequest, orders.ErrorCode(err), "err=%v", err)
		})
	}
	assert.Equal(t, 5, f.stock(t, "P"))
}

func TestCreateOrder_ProductUnavailable(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.CreateOrder(context.Background(), orders.CreateOrderRequest{
		BuyerID: "buyer-1",
		Items: []orders.ItemRequest{
			{ProductID: "P", Quantity: 1},
			{ProductID: "OLD", Quantity: 1},
			{ProductID: "GHOST", Quantity: 1},
		},
	})

	var pue *orders.ProductUnavailableError
	require.True(t, errors.As(err, &pue))
	assert.Equal(t, []string{"GHOST", "OLD"}, pue.ProductIDs)
	assert.Equal(t, 5, f.stock(t, "P"))
	assert.Equal(t, 10, f.stock(t, "OLD"))
}

func TestCreateOrder_InsufficientStockLeavesNothingBehind(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.CreateOrder(context.Background(), orders.CreateOrderRequest{
		BuyerID: "buyer-1",
		Items:   []orders.ItemRequest{{ProductID: "Q", Quantity: 10}, {ProductID: "P", Quantity: 6}},
	})

	var ise *inventory.InsufficientStockError
	require.True(t, errors.As(err, &ise))
	assert.Equal(t, []inventory.Shortfall{{ProductID: "P", Requested: 6, Available: 5}}, ise.Shortfalls)
	assert.Equal(t, 5, f.stock(t, "P"))
	assert.Equal(t, 100, f.stock(t, "Q"))
}

func TestCreateOrder_ConcurrentCheckoutsForLastUnits(t *testing.T) {
	f := newFixture(t)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.CreateOrder(context.Background(), orders.CreateOrderRequest{
				BuyerID: "buyer",
				Items:   []orders.ItemRequest{{ProductID: "P", Quantity: 3}},
			})
		}(i)
	}
	wg.Wait()

	var ok, short int
	for _, err := range errs {
		var ise *inventory.InsufficientStockError
		switch {
		case err == nil:
			ok++
		case errors.As(err, &ise):
			short++
			assert.Equal(t, "P", ise.Shortfalls[0].ProductID)
			assert.Equal(t, 2, ise.Shortfalls[0].Available)
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 1, short)
	assert.Equal(t, 2, f.stock(t, "P"))
}

func TestCreateOrder_CommitFailureReleasesReservation(t *testing.T) {
	f := newFixture(t)
	f.store.FailNextCommit(errors.New("disk full"))

	_, err := f.svc.CreateOrder(context.Background(), orders.CreateOrderRequest{
		BuyerID: "buyer-1",
		Items:   []orders.ItemRequest{{ProductID: "P", Quantity: 2}},
	})

	var se *orders.StorageError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, orders.CodeStorage, orders.ErrorCode(err))
	assert.Equal(t, 5, f.stock(t, "P"))
}

func TestCreateOrder_DiscountIsClamped(t *testing.T) {
	f := newFixture(t)

	res, err := f.svc.CreateOrder(context.Background(), orders.CreateOrderRequest{
		BuyerID:        "buyer-1",
		Items:          []orders.ItemRequest{{ProductID: "Q", Quantity: 2}},
		ShippingAmount: dec("1.00"),
		DiscountAmount: dec("999.99"),
	})

	require.NoError(t, err)
	assert.True(t, res.Order.DiscountClamped)
	assert.True(t, res.Order.TotalAmount.IsZero())
	assert.Equal(t, "6.00", res.Order.DiscountAmount.StringFixed(2))
}

func TestCreateOrder_SubCentPricesKeepTotalConsistent(t *testing.T) {
	f := newFixture(t)
	f.store.PutProduct(orders.Product{ID: "FRAC", Active: true, UnitPrice: dec("0.3333"), AvailableQuantity: 10})

	res, err := f.svc.CreateOrder(context.Background(), orders.CreateOrderRequest{
		BuyerID:        "buyer-1",
		Items:          []orders.ItemRequest{{ProductID: "FRAC", Quantity: 3}},
		ShippingAmount: dec("0.01"),
	})

	require.NoError(t, err)
	o := res.Order
	assert.True(t, o.Subtotal.Equal(dec("0.9999")), o.Subtotal.String())
	assert.True(t, o.TotalAmount.Equal(dec("1.0099")), o.TotalAmount.String())
	sum := o.Subtotal.Add(o.TaxAmount).Add(o.ShippingAmount).Sub(o.DiscountAmount)
	assert.True(t, o.TotalAmount.Equal(sum))
}

func TestCreateOrder_IdempotencyKeyReplays(t *testing.T) {
	f := newFixture(t)
	req := orders.CreateOrderRequest{
		BuyerID:        "buyer-1",
		Items:          []orders.ItemRequest{{ProductID: "P", Quantity: 1}},
		IdempotencyKey: "cart-42",
	}

	first, err := f.svc.CreateOrder(context.Background(), req)
	require.NoError(t, err)
	second, err := f.svc.CreateOrder(context.Background(), req)
	require.NoError(t, err)

	assert.True(t, second.Replayed)
	assert.Equal(t, first.Order.ID, second.Order.ID)
	assert.Equal(t, 4, f.stock(t, "P"))
}

func TestCreateOrder_IdempotencyKeyIsScopedToBuyer(t *testing.T) {
	f := newFixture(t)
	req := orders.CreateOrderRequest{
		BuyerID:        "buyer-1",
		Items:          []orders.ItemRequest{{ProductID: "P", Quantity: 1}},
		IdempotencyKey: "checkout-1",
	}

	first, err := f.svc.CreateOrder(context.Background(), req)
	require.NoError(t, err)
	req.BuyerID = "buyer-2"
	second, err := f.svc.CreateOrder(context.Background(), req)
	require.NoError(t, err)

	assert.False(t, second.Replayed)
	assert.NotEqual(t, first.Order.ID, second.Order.ID)
	assert.Equal(t, "buyer-2", second.Order.BuyerID)
	assert.Equal(t, 3, f.stock(t, "P"))
}

func TestCreateOrder_ConcurrentSameIdempotencyKey(t *testing.T) {
	f := newFixture(t)
	req := orders.CreateOrderRequest{
		BuyerID:        "buyer-1",
		Items:          []orders.ItemRequest{{ProductID: "Q", Quantity: 1}},
		IdempotencyKey: "cart-7",
	}

	var wg sync.WaitGroup
	ids := make([]string, 8)
	for i := range ids {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			res, err := f.svc.CreateOrder(context.Background(), req)
			if assert.NoError(t, err) {
				ids[i] = res.Order.ID
			}
		}(i)
	}
	wg.Wait()

	for _, id := range ids {
		assert.Equal(t, ids[0], id)
	}
	assert.Equal(t, 99, f.stock(t, "Q"))
}

func TestTransition_ConfirmThenCancelReleasesStock(t *testing.T) {
	f := newFixture(t)
	o := f.create(t, orders.ItemRequest{ProductID: "P", Quantity: 3}, orders.ItemRequest{ProductID: "Q", Quantity: 10})
	require.Equal(t, 2, f.stock(t, "P"))

	_, err := f.svc.TransitionOrder(context.Background(), o.ID, orders.StatusConfirmed, "")
	require.NoError(t, err)
	got, err := f.svc.TransitionOrder(context.Background(), o.ID, orders.StatusCancelled, "buyer changed mind")
	require.NoError(t, err)

	assert.Equal(t, orders.StatusCancelled, got.Status)
	assert.Equal(t, 5, f.stock(t, "P"))
	assert.Equal(t, 100, f.stock(t, "Q"))

	h, err := f.svc.History(context.Background(), o.ID)
	require.NoError(t, err)
	require.Len(t, h, 3)
	assert.Equal(t, []orders.Status{orders.StatusPending, orders.StatusConfirmed, orders.StatusCancelled},
		[]orders.Status{h[0].Status, h[1].Status, h[2].Status})
	assert.Equal(t, "status changed from pending to confirmed", h[1].Note)
	assert.Equal(t, "buyer changed mind", h[2].Note)

	stored, err := f.svc.GetOrder(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, orders.StatusCancelled, stored.Status)
	assert.True(t, stored.TotalAmount.Equal(o.TotalAmount))
}

func TestTransition_CancelAfterShipFails(t *testing.T) {
	f := newFixture(t)
	o := f.create(t, orders.ItemRequest{ProductID: "P", Quantity: 1})
	for _, s := range []orders.Status{orders.StatusConfirmed, orders.StatusProcessing, orders.StatusShipped} {
		_, err := f.svc.TransitionOrder(context.Background(), o.ID, s, "")
		require.NoError(t, err)
	}
	before, err := f.svc.History(context.Background(), o.ID)
	require.NoError(t, err)

	_, err = f.svc.TransitionOrder(context.Background(), o.ID, orders.StatusCancelled, "")

	var ite *orders.InvalidTransitionError
	require.True(t, errors.As(err, &ite))
	assert.Equal(t, orders.StatusShipped, ite.From)
	assert.Equal(t, 4, f.stock(t, "P"))
	after, err := f.svc.History(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, before, after)
}

func TestTransition_HistoryMatchesLifecycle(t *testing.T) {
	f := newFixture(t)
	o := f.create(t, orders.ItemRequest{ProductID: "Q", Quantity: 1})
	path := []orders.Status{orders.StatusConfirmed, orders.StatusProcessing, orders.StatusShipped, orders.StatusDelivered}

	for _, s := range path {
		got, err := f.svc.TransitionOrder(context.Background(), o.ID, s, "")
		require.NoError(t, err)
		assert.Equal(t, s, got.Status)
	}
	_, err := f.svc.TransitionOrder(context.Background(), o.ID, orders.StatusDelivered, "")
	assert.Equal(t, orders.CodeInvalidTransition, orders.ErrorCode(err))

	h, err := f.svc.History(context.Background(), o.ID)
	require.NoError(t, err)
	require.Len(t, h, len(path)+1)
	assert.Equal(t, orders.StatusPending, h[0].Status)
	for i, s := range path {
		assert.Equal(t, s, h[i+1].Status)
	}
	assert.Equal(t, 99, f.stock(t, "Q"))
}

func TestTransition_ConcurrentCancelsLinearize(t *testing.T) {
	f := newFixture(t)
	o := f.create(t, orders.ItemRequest{ProductID: "P", Quantity: 2})

	var wg sync.WaitGroup
	errs := make([]error, 5)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.svc.TransitionOrder(context.Background(), o.ID, orders.StatusCancelled, "")
		}(i)
	}
	wg.Wait()

	var ok int
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.Equal(t, orders.CodeInvalidTransition, orders.ErrorCode(err))
	}
	assert.Equal(t, 1, ok)
	assert.Equal(t, 5, f.stock(t, "P"), "stock released exactly once")
	h, err := f.svc.History(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Len(t, h, 2)
}

func TestTransition_UnknownOrderAndStatus(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.TransitionOrder(context.Background(), "nope", orders.StatusConfirmed, "")
	assert.ErrorIs(t, err, orders.ErrOrderNotFound)

	o := f.create(t, orders.ItemRequest{ProductID: "Q", Quantity: 1})
	_, err = f.svc.TransitionOrder(context.Background(), o.ID, orders.Status("refunded"), "")
	assert.Equal(t, orders.CodeInvalidRequest, orders.ErrorCode(err))
}

func TestService_PublishesEventsAfterCommit(t *testing.T) {
	pub := new(MockPublisher)
	pub.On("Publish", mock.Anything, orders.TopicOrderCreated, mock.MatchedBy(func(e orders.Envelope) bool {
		return e.EventType == orders.EventOrderCreated && e.EventVersion == 1
	})).Return(nil).Once()
	pub.On("Publish", mock.Anything, orders.TopicOrderStatusChanged, mock.MatchedBy(func(e orders.Envelope) bool {
		return e.EventType == orders.EventOrderStatusChanged
	})).Return(errors.New("broker down")).Once()
	f := newFixture(t, orders.WithEventPublisher(pub))

	o := f.create(t, orders.ItemRequest{ProductID: "P", Quantity: 1})
	got, err := f.svc.TransitionOrder(context.Background(), o.ID, orders.StatusConfirmed, "")

	require.NoError(t, err, "publish failure must not fail a committed transition")
	assert.Equal(t, orders.StatusConfirmed, got.Status)
	pub.AssertExpectations(t)
}

func TestService_NoEventOnRejectedCheckout(t *testing.T) {
	pub := new(MockPublisher)
	f := newFixture(t, orders.WithEventPublisher(pub))

	_, err := f.svc.CreateOrder(context.Background(), orders.CreateOrderRequest{
		BuyerID: "b",
		Items:   []orders.ItemRequest{{ProductID: "P", Quantity: 50}},
	})

	require.Error(t, err)
	pub.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
}

func TestService_UsesClock(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	f := newFixture(t, orders.WithClock(func() time.Time { return at }))

	o := f.create(t, orders.ItemRequest{ProductID: "Q", Quantity: 1})

	assert.Equal(t, at, o.CreatedAt)
	h, err := f.svc.History(context.Background(), o.ID)
	require.NoError(t, err)
	assert.Equal(t, at, h[0].CreatedAt)
}

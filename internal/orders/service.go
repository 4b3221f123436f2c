package orders

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/ariefcatur/go-order-fulfillment/internal/inventory"
	"github.com/ariefcatur/go-order-fulfillment/internal/pricing"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const instrumentationName = "github.com/ariefcatur/go-order-fulfillment/internal/orders"

type ItemRequest struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
}

type CreateOrderRequest struct {
	BuyerID        string
	Items          []ItemRequest
	ShippingAmount decimal.Decimal
	DiscountAmount decimal.Decimal
	// TaxRate overrides the service default when set.
	TaxRate        *decimal.Decimal
	IdempotencyKey string
}

type CreateResult struct {
	Order Order
	// Replayed is true when the idempotency key matched an existing order.
	Replayed bool
}

// Service is the order orchestrator. It is safe for concurrent use.
type Service struct {
	store    Store
	catalog  Catalog
	events   EventPublisher
	log      *zap.Logger
	now      func() time.Time
	currency string
	taxRate  decimal.Decimal
	producer string

	tracer      trace.Tracer
	created     metric.Int64Counter
	rejected    metric.Int64Counter
	transitions metric.Int64Counter
}

type Option func(*Service)

func WithEventPublisher(p EventPublisher) Option { return func(s *Service) { s.events = p } }
func WithLogger(l *zap.Logger) Option            { return func(s *Service) { s.log = l } }
func WithClock(now func() time.Time) Option      { return func(s *Service) { s.now = now } }
func WithCurrency(c string) Option               { return func(s *Service) { s.currency = c } }
func WithTaxRate(r decimal.Decimal) Option       { return func(s *Service) { s.taxRate = r } }
func WithProducerName(n string) Option           { return func(s *Service) { s.producer = n } }

func NewService(store Store, catalog Catalog, opts ...Option) *Service {
	s := &Service{
		store:    store,
		catalog:  catalog,
		log:      zap.NewNop(),
		now:      func() time.Time { return time.Now().UTC() },
		currency: "USD",
		taxRate:  decimal.Zero,
		producer: "order-api",
		tracer:   otel.Tracer(instrumentationName),
	}
	for _, o := range opts {
		o(s)
	}

	meter := otel.Meter(instrumentationName)
	// Instrument creation only fails on invalid names; fall back to no-op.
	s.created, _ = meter.Int64Counter("orders.created", metric.WithDescription("orders committed"))
	s.rejected, _ = meter.Int64Counter("orders.rejected", metric.WithDescription("checkouts rejected, by reason"))
	s.transitions, _ = meter.Int64Counter("orders.transitions", metric.WithDescription("status transitions applied"))
	return s
}

// CreateOrder validates the request, reserves stock, prices the order and
// persists it with its first history entry, all in one transaction.
func (s *Service) CreateOrder(ctx context.Context, req CreateOrderRequest) (res CreateResult, err error) {
	ctx, span := s.tracer.Start(ctx, "orders.create", trace.WithAttributes(
		attribute.String("buyer.id", req.BuyerID),
		attribute.Int("order.items", len(req.Items)),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, ErrorCode(err))
			s.rejected.Add(ctx, 1, metric.WithAttributes(attribute.String("reason", ErrorCode(err))))
		}
		span.End()
	}()

	taxRate := s.taxRate
	if req.TaxRate != nil {
		taxRate = *req.TaxRate
	}
	if err := validateCreate(req, taxRate); err != nil {
		return CreateResult{}, err
	}

	if req.IdempotencyKey != "" {
		existing, err := s.store.FindByIdempotencyKey(ctx, req.BuyerID, req.IdempotencyKey)
		switch {
		case err == nil:
			return CreateResult{Order: existing, Replayed: true}, nil
		case !errors.Is(err, ErrOrderNotFound):
			return CreateResult{}, &StorageError{Op: "find idempotency key", Err: err}
		}
	}

	items, err := inventory.Canonical(toInventoryItems(req.Items))
	if err != nil {
		return CreateResult{}, invalidRequest("%v", err)
	}

	// One catalog call so every line sees the same price snapshot.
	lines, err := s.snapshotPrices(ctx, items)
	if err != nil {
		return CreateResult{}, err
	}

	now := s.now()
	order := Order{
		ID:             uuid.NewString(),
		OrderNumber:    NewOrderNumber(),
		BuyerID:        req.BuyerID,
		Status:         StatusPending,
		Currency:       s.currency,
		IdempotencyKey: req.IdempotencyKey,
		CreatedAt:      now,
		UpdatedAt:      now,
		Items:          lines,
	}

	err = s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		if err := inventory.ReserveBatch(ctx, tx.Stock(), items); err != nil {
			return err
		}

		totals, err := pricing.Calculate(pricingInput(lines, req.ShippingAmount, req.DiscountAmount, taxRate))
		if err != nil {
			return invalidRequest("%v", err)
		}
		order.Subtotal = totals.Subtotal
		order.TaxAmount = totals.Tax
		order.ShippingAmount = totals.Shipping
		order.DiscountAmount = totals.Discount
		order.TotalAmount = totals.Total
		order.DiscountClamped = totals.DiscountClamped

		return tx.CreateOrder(ctx, order, HistoryEntry{
			OrderID:   order.ID,
			Status:    StatusPending,
			Note:      NoteOrderCreated,
			CreatedAt: now,
		})
	})
	if err != nil {
		if errors.Is(err, ErrDuplicateIdempotencyKey) {
			// Lost a race with an identical request; our reservation was rolled back.
			existing, ferr := s.store.FindByIdempotencyKey(ctx, req.BuyerID, req.IdempotencyKey)
			if ferr != nil {
				return CreateResult{}, &StorageError{Op: "find idempotency key", Err: ferr}
			}
			return CreateResult{Order: existing, Replayed: true}, nil
		}
		return CreateResult{}, s.classify("create order", err, items)
	}

	span.SetAttributes(attribute.String("order.id", order.ID))
	s.created.Add(ctx, 1)
	s.log.Info("order created",
		zap.String("order_id", order.ID),
		zap.String("order_number", order.OrderNumber),
		zap.String("buyer_id", order.BuyerID),
		zap.String("total", order.TotalAmount.StringFixed(pricing.MoneyPlaces)),
	)
	s.publish(ctx, TopicOrderCreated, EventOrderCreated, order.ID, OrderCreatedPayload{
		OrderID:     order.ID,
		OrderNumber: order.OrderNumber,
		BuyerID:     order.BuyerID,
		Items:       order.Items,
		TotalAmount: order.TotalAmount,
		Currency:    order.Currency,
	})
	return CreateResult{Order: order}, nil
}

// TransitionOrder moves an order to requested. The order row stays locked for
// the whole transaction, so concurrent transitions on one order serialize.
func (s *Service) TransitionOrder(ctx context.Context, orderID string, requested Status, note string) (o Order, err error) {
	ctx, span := s.tracer.Start(ctx, "orders.transition", trace.WithAttributes(
		attribute.String("order.id", orderID),
		attribute.String("order.status.requested", string(requested)),
	))
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, ErrorCode(err))
		}
		span.End()
	}()

	if orderID == "" {
		return Order{}, invalidRequest("order id is required")
	}
	if _, err := ParseStatus(string(requested)); err != nil {
		return Order{}, invalidRequest("%v", err)
	}

	var from Status
	err = s.store.InTx(ctx, func(ctx context.Context, tx Tx) error {
		cur, err := tx.LockOrder(ctx, orderID)
		if err != nil {
			return err
		}
		from = cur.Status
		if err := ValidateTransition(cur.Status, requested); err != nil {
			return err
		}

		if requested == StatusCancelled {
			if err := inventory.ReleaseBatch(ctx, tx.Stock(), cur.ReservationItems()); err != nil {
				return err
			}
		}

		if note == "" {
			note = defaultNote(cur.Status, requested)
		}
		now := s.now()
		if err := tx.ApplyTransition(ctx, HistoryEntry{
			OrderID:   orderID,
			Status:    requested,
			Note:      note,
			CreatedAt: now,
		}); err != nil {
			return err
		}
		cur.Status = requested
		cur.UpdatedAt = now
		o = cur
		return nil
	})
	if err != nil {
		return Order{}, s.classify("transition order", err, nil)
	}

	s.transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("to", string(requested))))
	s.log.Info("order transitioned",
		zap.String("order_id", orderID),
		zap.String("from", string(from)),
		zap.String("to", string(requested)),
	)
	s.publish(ctx, TopicOrderStatusChanged, EventOrderStatusChanged, orderID, OrderStatusChangedPayload{
		OrderID: orderID,
		From:    from,
		To:      requested,
		Note:    note,
	})
	return o, nil
}

func (s *Service) GetOrder(ctx context.Context, id string) (Order, error) {
	o, err := s.store.GetOrder(ctx, id)
	if err != nil {
		return Order{}, s.classify("get order", err, nil)
	}
	return o, nil
}

func (s *Service) History(ctx context.Context, orderID string) ([]HistoryEntry, error) {
	if _, err := s.store.GetOrder(ctx, orderID); err != nil {
		return nil, s.classify("get order", err, nil)
	}
	h, err := s.store.History(ctx, orderID)
	if err != nil {
		return nil, s.classify("history", err, nil)
	}
	return h, nil
}

func (s *Service) snapshotPrices(ctx context.Context, items []inventory.Item) ([]LineItem, error) {
	ids := make([]string, 0, len(items))
	for _, it := range items {
		ids = append(ids, it.ProductID)
	}
	products, err := s.catalog.Products(ctx, ids)
	if err != nil {
		return nil, &StorageError{Op: "catalog lookup", Err: err}
	}

	var missing []string
	lines := make([]LineItem, 0, len(items))
	for _, it := range items {
		p, ok := products[it.ProductID]
		if !ok || !p.Active {
			missing = append(missing, it.ProductID)
			continue
		}
		lines = append(lines, NewLineItem(it.ProductID, it.Qty, p.UnitPrice))
	}
	if len(missing) > 0 {
		return nil, &ProductUnavailableError{ProductIDs: missing}
	}
	return lines, nil
}

// classify keeps the typed domain errors and wraps everything else.
func (s *Service) classify(op string, err error, items []inventory.Item) error {
	var (
		ire *InvalidRequestError
		pue *ProductUnavailableError
		ise *inventory.InsufficientStockError
		ite *InvalidTransitionError
	)
	switch {
	case errors.As(err, &ire), errors.As(err, &pue), errors.As(err, &ise), errors.As(err, &ite):
		return err
	case errors.Is(err, ErrOrderNotFound):
		return err
	case errors.Is(err, inventory.ErrUnknownProduct):
		// Removed from the catalog between lookup and lock.
		ids := make([]string, 0, len(items))
		for _, it := range items {
			ids = append(ids, it.ProductID)
		}
		sort.Strings(ids)
		return &ProductUnavailableError{ProductIDs: ids}
	}
	return &StorageError{Op: op, Err: err}
}

// publish runs after commit. A failure is logged and never undoes the order.
func (s *Service) publish(ctx context.Context, topic, eventType, orderID string, payload any) {
	if s.events == nil {
		return
	}
	env, err := NewEnvelope(eventType, s.producer, orderID, payload)
	if err != nil {
		s.log.Error("encode event", zap.String("event_type", eventType), zap.Error(err))
		return
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		env.TraceID = sc.TraceID().String()
	}
	if err := s.events.Publish(ctx, topic, env); err != nil {
		s.log.Error("publish event",
			zap.String("event_type", eventType),
			zap.String("order_id", orderID),
			zap.Error(err),
		)
	}
}

func validateCreate(req CreateOrderRequest, taxRate decimal.Decimal) error {
	if req.BuyerID == "" {
		return invalidRequest("buyer_id is required")
	}
	if len(req.Items) == 0 {
		return invalidRequest("at least one line item is required")
	}
	for i, it := range req.Items {
		if it.ProductID == "" {
			return invalidRequest("item %d: product_id is required", i)
		}
		if it.Quantity <= 0 {
			return invalidRequest("item %d: quantity must be positive, got %d", i, it.Quantity)
		}
	}
	if req.ShippingAmount.IsNegative() {
		return invalidRequest("shipping_amount must not be negative")
	}
	if req.DiscountAmount.IsNegative() {
		return invalidRequest("discount_amount must not be negative")
	}
	if !pricing.FitsPlaces(req.ShippingAmount, pricing.MoneyPlaces) {
		return invalidRequest("shipping_amount allows at most %d decimal places", pricing.MoneyPlaces)
	}
	if !pricing.FitsPlaces(req.DiscountAmount, pricing.MoneyPlaces) {
		return invalidRequest("discount_amount allows at most %d decimal places", pricing.MoneyPlaces)
	}
	if taxRate.IsNegative() {
		return invalidRequest("tax_rate must not be negative")
	}
	return nil
}

func toInventoryItems(in []ItemRequest) []inventory.Item {
	out := make([]inventory.Item, 0, len(in))
	for _, it := range in {
		out = append(out, inventory.Item{ProductID: it.ProductID, Qty: it.Quantity})
	}
	return out
}

func pricingInput(lines []LineItem, shipping, discount, taxRate decimal.Decimal) pricing.Input {
	in := pricing.Input{Shipping: shipping, Discount: discount, TaxRate: taxRate}
	for _, l := range lines {
		in.Lines = append(in.Lines, pricing.Line{Qty: l.Quantity, UnitPrice: l.UnitPrice})
	}
	return in
}

package httpx

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/ariefcatur/go-order-fulfillment/internal/inventory"
	"github.com/ariefcatur/go-order-fulfillment/internal/orders"
	"github.com/ariefcatur/go-order-fulfillment/internal/pricing"
	"github.com/ariefcatur/go-order-fulfillment/internal/redisx"
	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	HeaderIdempotencyKey = "Idempotency-Key"
	CodeRateLimited      = "rate_limited"
	maxBodyBytes         = 1 << 20
)

type OrderService interface {
	CreateOrder(ctx context.Context, req orders.CreateOrderRequest) (orders.CreateResult, error)
	TransitionOrder(ctx context.Context, orderID string, to orders.Status, note string) (orders.Order, error)
	GetOrder(ctx context.Context, id string) (orders.Order, error)
	History(ctx context.Context, orderID string) ([]orders.HistoryEntry, error)
}

type RateLimiter interface {
	Allow(ctx context.Context, subject string) (bool, time.Duration, error)
}

type IdempotencyCache interface {
	Lookup(ctx context.Context, buyerID, key string) (string, error)
	Remember(ctx context.Context, buyerID, key, orderID string) error
}

type StatusCache interface {
	Get(ctx context.Context, orderID string) (redisx.CachedStatus, bool, error)
	Set(ctx context.Context, orderID string, cs redisx.CachedStatus) error
	Invalidate(ctx context.Context, orderID string) error
}

// OrdersHandler serves the order API. Limiter, Idem and Status are optional;
// without Redis the handler goes straight to the orchestrator.
type OrdersHandler struct {
	Orders  OrderService
	Limiter RateLimiter
	Idem    IdempotencyCache
	Status  StatusCache
	Log     *zap.Logger
}

type CreateOrderReq struct {
	BuyerID        string               `json:"buyer_id"`
	Items          []orders.ItemRequest `json:"items"`
	ShippingAmount decimal.Decimal      `json:"shipping_amount"`
	DiscountAmount decimal.Decimal      `json:"discount_amount"`
	TaxRate        *decimal.Decimal     `json:"tax_rate,omitempty"`
	IdempotencyKey string               `json:"idempotency_key,omitempty"`
}

type TransitionReq struct {
	Status string `json:"status"`
	Note   string `json:"note,omitempty"`
}

type LineItemResp struct {
	ProductID           string `json:"product_id"`
	Quantity            int    `json:"quantity"`
	UnitPriceAtPurchase string `json:"unit_price_at_purchase"`
	LineTotal           string `json:"line_total"`
}

type OrderResp struct {
	ID              string         `json:"id"`
	OrderNumber     string         `json:"order_number"`
	BuyerID         string         `json:"buyer_id"`
	Status          string         `json:"status"`
	Subtotal        string         `json:"subtotal"`
	TaxAmount       string         `json:"tax_amount"`
	ShippingAmount  string         `json:"shipping_amount"`
	DiscountAmount  string         `json:"discount_amount"`
	TotalAmount     string         `json:"total_amount"`
	DiscountClamped bool           `json:"discount_clamped"`
	Currency        string         `json:"currency"`
	Items           []LineItemResp `json:"items"`
	CreatedAt       time.Time      `json:"created_at"`
	UpdatedAt       time.Time      `json:"updated_at"`
	Replayed        bool           `json:"replayed,omitempty"`
}

type ErrorBody struct {
	Code       string                `json:"code"`
	Message    string                `json:"message"`
	Shortfalls []inventory.Shortfall `json:"shortfalls,omitempty"`
	ProductIDs []string              `json:"product_ids,omitempty"`
}

type ErrorResp struct {
	Error ErrorBody `json:"error"`
}

func (h *OrdersHandler) Register(r chi.Router) {
	r.Post("/orders", h.createOrder)
	r.Get("/orders/{id}", h.getOrder)
	r.Post("/orders/{id}/transition", h.transition)
	r.Get("/orders/{id}/history", h.history)
	r.Get("/orders/{id}/status", h.status)
}

func (h *OrdersHandler) log() *zap.Logger {
	if h.Log == nil {
		return zap.NewNop()
	}
	return h.Log
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeErrorCode(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, ErrorResp{Error: ErrorBody{Code: code, Message: msg}})
}

// writeError maps engine errors to status codes. Storage details stay in
// the log, not the response.
func (h *OrdersHandler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	code := orders.ErrorCode(err)
	body := ErrorBody{Code: code, Message: err.Error()}
	status := http.StatusInternalServerError

	var (
		ise *inventory.InsufficientStockError
		pue *orders.ProductUnavailableError
	)
	switch code {
	case orders.CodeInvalidRequest:
		status = http.StatusBadRequest
	case orders.CodeProductUnavailable:
		status = http.StatusUnprocessableEntity
		if errors.As(err, &pue) {
			body.ProductIDs = pue.ProductIDs
		}
	case orders.CodeInsufficientStock:
		status = http.StatusConflict
		if errors.As(err, &ise) {
			body.Shortfalls = ise.Shortfalls
		}
	case orders.CodeInvalidTransition:
		status = http.StatusConflict
	case orders.CodeNotFound:
		status = http.StatusNotFound
	default:
		h.log().Error("request failed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err),
		)
		body.Message = "internal storage error"
	}
	writeJSON(w, status, ErrorResp{Error: body})
}

func (h *OrdersHandler) createOrder(w http.ResponseWriter, r *http.Request) {
	var req CreateOrderReq
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeErrorCode(w, http.StatusBadRequest, orders.CodeInvalidRequest, "invalid json")
		return
	}
	if k := r.Header.Get(HeaderIdempotencyKey); k != "" {
		req.IdempotencyKey = k
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	if h.Limiter != nil && req.BuyerID != "" {
		ok, retry, err := h.Limiter.Allow(ctx, req.BuyerID)
		switch {
		case err != nil:
			// Fail open: the limiter protects capacity, not correctness.
			h.log().Warn("rate limiter unavailable", zap.Error(err))
		case !ok:
			w.Header().Set("Retry-After", strconv.Itoa(int(math.Ceil(retry.Seconds()))))
			writeErrorCode(w, http.StatusTooManyRequests, CodeRateLimited, "too many checkouts, retry later")
			return
		}
	}

	// Fast path for retries; the orders table stays the source of truth.
	if req.IdempotencyKey != "" && req.BuyerID != "" && h.Idem != nil {
		if id, err := h.Idem.Lookup(ctx, req.BuyerID, req.IdempotencyKey); err == nil && id != "" {
			if o, err := h.Orders.GetOrder(ctx, id); err == nil {
				resp := toOrderResp(o)
				resp.Replayed = true
				writeJSON(w, http.StatusOK, resp)
				return
			}
		}
	}

	res, err := h.Orders.CreateOrder(ctx, orders.CreateOrderRequest{
		BuyerID:        req.BuyerID,
		Items:          req.Items,
		ShippingAmount: req.ShippingAmount,
		DiscountAmount: req.DiscountAmount,
		TaxRate:        req.TaxRate,
		IdempotencyKey: req.IdempotencyKey,
	})
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	if req.IdempotencyKey != "" && h.Idem != nil {
		if err := h.Idem.Remember(ctx, req.BuyerID, req.IdempotencyKey, res.Order.ID); err != nil {
			h.log().Warn("idempotency cache write", zap.Error(err))
		}
	}
	h.cacheStatus(ctx, res.Order)

	resp := toOrderResp(res.Order)
	resp.Replayed = res.Replayed
	code := http.StatusCreated
	if res.Replayed {
		code = http.StatusOK
	}
	writeJSON(w, code, resp)
}

func (h *OrdersHandler) transition(w http.ResponseWriter, r *http.Request) {
	var req TransitionReq
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		writeErrorCode(w, http.StatusBadRequest, orders.CodeInvalidRequest, "invalid json")
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	o, err := h.Orders.TransitionOrder(ctx, chi.URLParam(r, "id"), orders.Status(req.Status), req.Note)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.cacheStatus(ctx, o)
	writeJSON(w, http.StatusOK, toOrderResp(o))
}

func (h *OrdersHandler) getOrder(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	o, err := h.Orders.GetOrder(ctx, chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toOrderResp(o))
}

func (h *OrdersHandler) history(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	entries, err := h.Orders.History(ctx, chi.URLParam(r, "id"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if entries == nil {
		entries = []orders.HistoryEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

func (h *OrdersHandler) status(w http.ResponseWriter, r *http.Request) {
	orderID := chi.URLParam(r, "id")
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	if h.Status != nil {
		if cs, ok, err := h.Status.Get(ctx, orderID); err == nil && ok {
			writeJSON(w, http.StatusOK, cs)
			return
		}
	}

	o, err := h.Orders.GetOrder(ctx, orderID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.cacheStatus(ctx, o)
	writeJSON(w, http.StatusOK, redisx.CachedStatus{Status: string(o.Status), UpdatedAt: o.UpdatedAt})
}

func (h *OrdersHandler) cacheStatus(ctx context.Context, o orders.Order) {
	if h.Status == nil {
		return
	}
	if err := h.Status.Set(ctx, o.ID, redisx.CachedStatus{Status: string(o.Status), UpdatedAt: o.UpdatedAt}); err != nil {
		h.log().Warn("status cache write", zap.String("order_id", o.ID), zap.Error(err))
		// An older entry may still be cached; drop it rather than serve it.
		if err := h.Status.Invalidate(ctx, o.ID); err != nil {
			h.log().Warn("status cache invalidate", zap.String("order_id", o.ID), zap.Error(err))
		}
	}
}

// money renders d with at least the currency's places and never drops the
// sub-cent digits a four-place unit price carries into line totals.
func money(d decimal.Decimal) string {
	places := int32(pricing.MoneyPlaces)
	for places < pricing.PricePlaces && !pricing.FitsPlaces(d, places) {
		places++
	}
	return d.StringFixed(places)
}

func toOrderResp(o orders.Order) OrderResp {
	resp := OrderResp{
		ID:              o.ID,
		OrderNumber:     o.OrderNumber,
		BuyerID:         o.BuyerID,
		Status:          string(o.Status),
		Subtotal:        money(o.Subtotal),
		TaxAmount:       money(o.TaxAmount),
		ShippingAmount:  money(o.ShippingAmount),
		DiscountAmount:  money(o.DiscountAmount),
		TotalAmount:     money(o.TotalAmount),
		DiscountClamped: o.DiscountClamped,
		Currency:        o.Currency,
		Items:           make([]LineItemResp, 0, len(o.Items)),
		CreatedAt:       o.CreatedAt,
		UpdatedAt:       o.UpdatedAt,
	}
	for _, it := range o.Items {
		resp.Items = append(resp.Items, LineItemResp{
			ProductID:           it.ProductID,
			Quantity:            it.Quantity,
			UnitPriceAtPurchase: money(it.UnitPrice),
			LineTotal:           money(it.LineTotal),
		})
	}
	return resp
}

// Package payments applies payment results from the payment collaborator to
// orders: a captured payment confirms a pending order, a failed one cancels it
// and returns its stock.
package payments

import (
	"context"
	"errors"

	kafkax "github.com/ariefcatur/go-order-fulfillment/internal/kafka"
	"github.com/ariefcatur/go-order-fulfillment/internal/orders"
	"github.com/ariefcatur/go-order-fulfillment/internal/redisx"
	kafkago "github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const (
	NoteCaptured     = "payment captured"
	noteFailedPrefix = "payment failed: "
)

type Transitioner interface {
	TransitionOrder(ctx context.Context, orderID string, to orders.Status, note string) (orders.Order, error)
}

type Deduper interface {
	Claim(ctx context.Context, eventID string) (bool, error)
	Release(ctx context.Context, eventID string) error
}

type StatusCache interface {
	Set(ctx context.Context, orderID string, cs redisx.CachedStatus) error
	Invalidate(ctx context.Context, orderID string) error
}

// Handler applies payment results. Dedup and Cache may be nil.
type Handler struct {
	Orders Transitioner
	Dedup  Deduper
	Cache  StatusCache
	Log    *zap.Logger
}

// HandlePaymentResult is installed as the consumer handler for the payment
// results topic.
func (h *Handler) HandlePaymentResult(ctx context.Context, m kafkago.Message) error {
	log := h.Log
	if log == nil {
		log = zap.NewNop()
	}

	env, err := kafkax.DecodeEnvelope(m.Value)
	if err != nil {
		// A malformed message never becomes valid; skip it.
		log.Warn("drop undecodable payment result", zap.Error(err))
		return nil
	}
	if env.EventType != orders.EventPaymentCaptured && env.EventType != orders.EventPaymentFailed {
		return nil
	}
	log = log.With(zap.String("event_id", env.EventID), zap.String("event_type", env.EventType))

	if h.Dedup != nil && env.EventID != "" {
		claimed, err := h.Dedup.Claim(ctx, env.EventID)
		switch {
		case err != nil:
			// The status machine rejects a second application anyway.
			log.Warn("dedup unavailable", zap.Error(err))
		case !claimed:
			log.Debug("duplicate payment result")
			return nil
		}
	}

	p, err := kafkax.UnwrapPayload[orders.PaymentResultPayload](env.Payload)
	if err != nil {
		log.Warn("drop payment result with bad payload", zap.Error(err))
		return nil
	}
	orderID := p.OrderID
	if orderID == "" {
		orderID = env.CorrelationID
	}

	to, note := orders.StatusConfirmed, NoteCaptured
	if env.EventType == orders.EventPaymentFailed {
		to, note = orders.StatusCancelled, noteFailedPrefix+p.Reason
	}

	o, err := h.Orders.TransitionOrder(ctx, orderID, to, note)
	var ite *orders.InvalidTransitionError
	switch {
	case err == nil:
	case errors.As(err, &ite):
		log.Info("payment result already applied or superseded",
			zap.String("order_id", orderID), zap.String("status", string(ite.From)))
		return nil
	case errors.Is(err, orders.ErrOrderNotFound):
		log.Warn("payment result for unknown order", zap.String("order_id", orderID))
		return nil
	default:
		if h.Dedup != nil && env.EventID != "" {
			if rerr := h.Dedup.Release(ctx, env.EventID); rerr != nil {
				log.Warn("release dedup claim", zap.Error(rerr))
			}
		}
		return err
	}

	log.Info("payment result applied", zap.String("order_id", orderID), zap.String("status", string(o.Status)))
	if h.Cache != nil {
		if err := h.Cache.Set(ctx, orderID, redisx.CachedStatus{Status: string(o.Status), UpdatedAt: o.UpdatedAt}); err != nil {
			log.Warn("status cache update", zap.Error(err))
			if err := h.Cache.Invalidate(ctx, orderID); err != nil {
				log.Warn("status cache invalidate", zap.Error(err))
			}
		}
	}
	return nil
}

package orders

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ariefcatur/go-order-fulfillment/internal/inventory"
)

var (
	ErrOrderNotFound = errors.New("order not found")
	// ErrDuplicateIdempotencyKey is returned by a Tx when another order already
	// owns the idempotency key.
	ErrDuplicateIdempotencyKey = errors.New("idempotency key already used")
)

type InvalidRequestError struct {
	Reason string
}

func (e *InvalidRequestError) Error() string { return "invalid request: " + e.Reason }

func invalidRequest(format string, args ...any) error {
	return &InvalidRequestError{Reason: fmt.Sprintf(format, args...)}
}

type ProductUnavailableError struct {
	ProductIDs []string
}

func (e *ProductUnavailableError) Error() string {
	return "product unavailable: " + strings.Join(e.ProductIDs, ", ")
}

type InvalidTransitionError struct {
	From Status
	To   Status
}

func (e *InvalidTransitionError) Error() string {
	if _, err := ParseStatus(string(e.From)); err == nil && e.From.Terminal() {
		return fmt.Sprintf("invalid transition from %s to %s: %s is final", e.From, e.To, e.From)
	}
	return fmt.Sprintf("invalid transition from %s to %s", e.From, e.To)
}

// StorageError wraps persistence failures. A failed checkout never leaves a
// reservation or a partial order behind.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return fmt.Sprintf("storage: %s: %v", e.Op, e.Err) }
func (e *StorageError) Unwrap() error { return e.Err }

// Error codes exposed to API callers.
const (
	CodeInvalidRequest     = "invalid_request"
	CodeProductUnavailable = "product_unavailable"
	CodeInsufficientStock  = "insufficient_stock"
	CodeInvalidTransition  = "invalid_transition"
	CodeNotFound           = "not_found"
	CodeStorage            = "storage_error"
)

// ErrorCode maps an engine error to its stable code.
func ErrorCode(err error) string {
	var (
		ire *InvalidRequestError
		pue *ProductUnavailableError
		ise *inventory.InsufficientStockError
		ite *InvalidTransitionError
	)
	switch {
	case errors.As(err, &ire):
		return CodeInvalidRequest
	case errors.As(err, &pue):
		return CodeProductUnavailable
	case errors.As(err, &ise):
		return CodeInsufficientStock
	case errors.As(err, &ite):
		return CodeInvalidTransition
	case errors.Is(err, ErrOrderNotFound):
		return CodeNotFound
	default:
		return CodeStorage
	}
}

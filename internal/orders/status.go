package orders

import (
	"fmt"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusConfirmed  Status = "confirmed"
	StatusProcessing Status = "processing"
	StatusShipped    Status = "shipped"
	StatusDelivered  Status = "delivered"
	StatusCancelled  Status = "cancelled"
)

// AllStatuses lists every status in lifecycle order.
var AllStatuses = []Status{
	StatusPending,
	StatusConfirmed,
	StatusProcessing,
	StatusShipped,
	StatusDelivered,
	StatusCancelled,
}

func ParseStatus(s string) (Status, error) {
	switch st := Status(s); st {
	case StatusPending, StatusConfirmed, StatusProcessing, StatusShipped, StatusDelivered, StatusCancelled:
		return st, nil
	}
	return "", fmt.Errorf("unknown order status %q", s)
}

// Next returns the statuses reachable from s. A status missing from this
// switch panics so that adding a new one forces the table to be revisited.
func (s Status) Next() []Status {
	switch s {
	case StatusPending:
		return []Status{StatusConfirmed, StatusCancelled}
	case StatusConfirmed:
		return []Status{StatusProcessing, StatusCancelled}
	case StatusProcessing:
		return []Status{StatusShipped}
	case StatusShipped:
		return []Status{StatusDelivered}
	case StatusDelivered, StatusCancelled:
		return nil
	}
	panic(fmt.Sprintf("orders: status %q missing from transition table", string(s)))
}

func (s Status) Terminal() bool {
	return len(s.Next()) == 0
}

// CanTransition reports whether to is an allowed successor of from.
// Unknown statuses never transition.
func CanTransition(from, to Status) bool {
	if _, err := ParseStatus(string(from)); err != nil {
		return false
	}
	for _, n := range from.Next() {
		if n == to {
			return true
		}
	}
	return false
}

func ValidateTransition(from, to Status) error {
	if !CanTransition(from, to) {
		return &InvalidTransitionError{From: from, To: to}
	}
	return nil
}

package orders

import "time"

// HistoryEntry is one row of the append-only status log. Exactly one entry is
// written when an order is created and one per applied transition.
type HistoryEntry struct {
	OrderID   string    `json:"order_id"`
	Status    Status    `json:"status"`
	Note      string    `json:"note"`
	CreatedAt time.Time `json:"created_at"`
}

const NoteOrderCreated = "order created"

func defaultNote(from, to Status) string {
	return "status changed from " + string(from) + " to " + string(to)
}

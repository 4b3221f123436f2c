package orders

const (
	TopicOrderCreated       = "order.created"
	TopicOrderStatusChanged = "order.status.changed"
	TopicPaymentResults     = "payment.results"
)

// Partition key = order_id so every event of one order stays in order.
func PartitionKey(orderID string) []byte { return []byte(orderID) }

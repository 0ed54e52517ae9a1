package bus

// SubscribeOptions describes the durable queue a consumer reads and how it is bound.
type SubscribeOptions struct {
	// Queue is the durable queue owned by the consuming service.
	Queue string
	// Bindings are routing patterns on the shared exchange: exact types or wildcards
	// such as "order.*" or "#". Empty means the queue is assumed to be bound already.
	Bindings []string
	// Prefetch caps unacknowledged deliveries held by this consumer. Zero uses the default.
	Prefetch int
	// Concurrency is the number of handler workers. Zero means one.
	Concurrency int
	// ConsumerTag identifies the consumer to the broker. Empty generates one.
	ConsumerTag string
	// DeadLetterExchange, when set, receives messages nacked without requeue.
	DeadLetterExchange string
}

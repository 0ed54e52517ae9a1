package bus

// Subscription is the handle returned by Subscribe.
type Subscription interface {
	ID() string
	Queue() string
	// Done is closed once the consumer has stopped and its in-flight handlers returned.
	Done() <-chan struct{}
	// Err is nil after a deliberate Unsubscribe and ErrConnectionUnavailable when the
	// delivery stream ended because the connection or channel dropped.
	Err() error
}

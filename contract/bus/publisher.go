package bus

import (
	"context"

	"github.com/next-trace/scg-event-bus/event"
)

// EventPublisher abstracts publishing domain events to the broker.
// The returned envelope is the one written to the wire, for logging and tracing.
type EventPublisher interface {
	PublishEvent(ctx context.Context, eventType string, data any, opts ...event.Option) (event.Envelope[any], error)
}

package bus

import (
	"context"

	"github.com/next-trace/scg-event-bus/event"
)

// Forwarder relays consumed envelopes to another transport (Kafka, NATS, ...).
// Any adapter implementing Forwarder can be attached to a bridge subscription.
//
// This keeps the bus decoupled from concrete secondary transports while enabling simple
// injection of user-provided adapters.
type Forwarder interface {
	Forward(ctx context.Context, env event.Raw) error
}

package bus

import "context"

// EventBus is a minimal, tech-agnostic interface over the concrete event bus.
//
// Typed publishing remains available via the generic servicebus.Publish helper.
// This interface is intended for consumers that want to depend only on contracts.
type EventBus interface {
	EventPublisher

	// Subscribe consumes the queue described by opts until Unsubscribe or Close.
	Subscribe(ctx context.Context, opts SubscribeOptions, h Handler) (Subscription, error)
	Unsubscribe(ctx context.Context, sub Subscription) error

	// Close drains in-flight handlers, then closes channel and connection. Idempotent.
	Close() error
}

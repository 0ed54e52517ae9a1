package bus

import (
	"context"
	"log/slog"
)

// DeliveryInfo identifies the delivery a failure report refers to.
type DeliveryInfo struct {
	Queue       string
	RoutingKey  string
	MessageID   string
	DeliveryTag uint64
	Redelivered bool
	Outcome     Outcome
}

// ErrorSink receives per-message failures: undecodable deliveries, handler errors,
// handler panics and failed acknowledgements. Implementations must be safe for concurrent use.
type ErrorSink interface {
	Report(ctx context.Context, err error, d DeliveryInfo)
}

// ErrorSinkFunc adapts a function to ErrorSink.
type ErrorSinkFunc func(ctx context.Context, err error, d DeliveryInfo)

func (f ErrorSinkFunc) Report(ctx context.Context, err error, d DeliveryInfo) { f(ctx, err, d) }

// LogSink reports failures through a structured logger.
type LogSink struct{ Logger *slog.Logger }

func (s LogSink) Report(ctx context.Context, err error, d DeliveryInfo) {
	if s.Logger == nil {
		return
	}

	s.Logger.WarnContext(ctx, "delivery failed",
		"queue", d.Queue,
		"routing_key", d.RoutingKey,
		"message_id", d.MessageID,
		"redelivered", d.Redelivered,
		"outcome", d.Outcome.String(),
		"err", err,
	)
}

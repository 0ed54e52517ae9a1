package tracing

import (
	"context"
	"fmt"

	cbus "github.com/next-trace/scg-event-bus/contract/bus"
	"github.com/next-trace/scg-event-bus/event"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

const system = "rabbitmq"

// StartPublishSpan starts a producer span for publishing eventType to exchange.
func StartPublishSpan(ctx context.Context, tracer trace.Tracer, exchange, eventType string) (context.Context, trace.Span) {
	return tracer.Start(ctx, eventType+" publish",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", system),
			attribute.String("messaging.destination.name", exchange),
			attribute.String("messaging.rabbitmq.destination.routing_key", eventType),
			attribute.String("messaging.operation.type", "publish"),
		),
	)
}

// StartProcessSpan starts a consumer span for handling env from queue.
func StartProcessSpan(ctx context.Context, tracer trace.Tracer, queue string, env event.Raw) (context.Context, trace.Span) {
	return tracer.Start(ctx, env.EventType+" process",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", system),
			attribute.String("messaging.destination.name", queue),
			attribute.String("messaging.operation.type", "process"),
			attribute.String("messaging.message.id", env.EventID),
			attribute.String("messaging.message.conversation_id", env.CorrelationID),
			attribute.Int("event.version", env.Version),
		),
	)
}

// End records err on span, if any, and ends it.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	span.End()
}

// WrapHandler runs h inside a process span. The span is a child of the trace context the
// propagator extracted from the delivery headers. A panic in h ends the span with an error
// and is re-raised for the consumer to recover.
func WrapHandler(tracer trace.Tracer, queue string, h cbus.Handler) cbus.Handler {
	return func(ctx context.Context, env event.Raw) (err error) {
		ctx, span := StartProcessSpan(ctx, tracer, queue, env)

		defer func() {
			if r := recover(); r != nil {
				End(span, fmt.Errorf("handler panic: %v", r))
				panic(r)
			}

			span.SetAttributes(attribute.String("messaging.outcome", cbus.OutcomeOf(err).String()))
			End(span, err)
		}()

		return h(ctx, env)
	}
}

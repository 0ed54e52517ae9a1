/*
Package tracing carries OpenTelemetry trace context through message headers and wraps
publishing and handling in messaging spans.
*/
package tracing

import (
	"context"

	cbus "github.com/next-trace/scg-event-bus/contract/bus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
)

// Propagator implements cbus.HeaderPropagator over an OpenTelemetry TextMapPropagator.
type Propagator struct {
	tm propagation.TextMapPropagator
}

var _ cbus.HeaderPropagator = Propagator{}

// New returns a Propagator using tm. A nil tm uses the global propagator at call time,
// so otel.SetTextMapPropagator after construction still takes effect.
func New(tm propagation.TextMapPropagator) Propagator { return Propagator{tm: tm} }

// Inject writes the trace context of ctx into headers.
func (p Propagator) Inject(ctx context.Context, headers map[string]string) {
	if headers == nil {
		return
	}

	p.propagator().Inject(ctx, propagation.MapCarrier(headers))
}

// Extract returns ctx enriched with the remote trace context found in headers.
func (p Propagator) Extract(ctx context.Context, headers map[string]string) context.Context {
	if len(headers) == 0 {
		return ctx
	}

	return p.propagator().Extract(ctx, propagation.MapCarrier(headers))
}

func (p Propagator) propagator() propagation.TextMapPropagator { //nolint:ireturn
	if p.tm != nil {
		return p.tm
	}

	return otel.GetTextMapPropagator()
}

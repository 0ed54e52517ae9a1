package tracing_test

import (
	"context"
	"errors"
	"sync"
	"testing"

	cbus "github.com/next-trace/scg-event-bus/contract/bus"
	"github.com/next-trace/scg-event-bus/event"
	"github.com/next-trace/scg-event-bus/tracing"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"
)

func sampledContext(t *testing.T) (context.Context, trace.SpanContext) {
	t.Helper()

	traceID, err := trace.TraceIDFromHex("4bf92f3577b34da6a3ce929d0e0e4736")
	require.NoError(t, err)

	spanID, err := trace.SpanIDFromHex("00f067aa0ba902b7")
	require.NoError(t, err)

	sc := trace.NewSpanContext(trace.SpanContextConfig{TraceID: traceID, SpanID: spanID, TraceFlags: trace.FlagsSampled})

	return trace.ContextWithSpanContext(context.Background(), sc), sc
}

func TestPropagator_RoundTrip(t *testing.T) {
	p := tracing.New(propagation.TraceContext{})
	ctx, sc := sampledContext(t)

	headers := map[string]string{"tenant": "acme"}
	p.Inject(ctx, headers)

	assert.Equal(t, "00-4bf92f3577b34da6a3ce929d0e0e4736-00f067aa0ba902b7-01", headers["traceparent"])
	assert.Equal(t, "acme", headers["tenant"])

	got := trace.SpanContextFromContext(p.Extract(context.Background(), headers))
	assert.Equal(t, sc.TraceID(), got.TraceID())
	assert.Equal(t, sc.SpanID(), got.SpanID())
	assert.True(t, got.IsRemote())
}

func TestPropagator_EmptyHeaders(t *testing.T) {
	p := tracing.New(propagation.TraceContext{})

	ctx := context.Background()
	assert.Equal(t, ctx, p.Extract(ctx, nil))

	p.Inject(ctx, nil)

	headers := map[string]string{}
	p.Inject(ctx, headers)
	assert.Empty(t, headers, "no span, nothing to inject")
}

func TestWrapHandler_PassesThroughResultAndSpanContext(t *testing.T) {
	tracer := noop.NewTracerProvider().Tracer("test")
	ctx, sc := sampledContext(t)
	boom := cbus.NoRequeue(errors.New("boom"))

	var seen trace.SpanContext

	h := tracing.WrapHandler(tracer, "billing", func(ctx context.Context, _ event.Raw) error {
		seen = trace.SpanContextFromContext(ctx)
		return boom
	})

	err := h(ctx, event.Raw{EventID: "e-1", EventType: "order.created", Version: 1})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, sc.TraceID(), seen.TraceID())
}

type recordingSpan struct {
	noop.Span

	mu    sync.Mutex
	ended bool
	errs  []error
}

func (s *recordingSpan) RecordError(err error, _ ...trace.EventOption) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.errs = append(s.errs, err)
}

func (s *recordingSpan) End(...trace.SpanEndOption) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.ended = true
}

type recordingTracer struct {
	noop.Tracer

	span *recordingSpan
}

func (r *recordingTracer) Start(ctx context.Context, _ string, _ ...trace.SpanStartOption) (context.Context, trace.Span) {
	return trace.ContextWithSpan(ctx, r.span), r.span
}

func TestWrapHandler_EndsSpanWhenHandlerPanics(t *testing.T) {
	tracer := &recordingTracer{span: &recordingSpan{}}

	h := tracing.WrapHandler(tracer, "billing", func(context.Context, event.Raw) error {
		panic("nil map")
	})

	assert.PanicsWithValue(t, "nil map", func() {
		_ = h(t.Context(), event.Raw{EventID: "e-1", EventType: "order.created", Version: 1})
	})

	assert.True(t, tracer.span.ended)
	require.Len(t, tracer.span.errs, 1)
	assert.Contains(t, tracer.span.errs[0].Error(), "handler panic")
}

func TestWrapHandler_EndsSpanOnReturn(t *testing.T) {
	tracer := &recordingTracer{span: &recordingSpan{}}
	boom := errors.New("boom")

	h := tracing.WrapHandler(tracer, "billing", func(context.Context, event.Raw) error { return boom })

	require.ErrorIs(t, h(t.Context(), event.Raw{EventID: "e-1", EventType: "order.created", Version: 1}), boom)
	assert.True(t, tracer.span.ended)
	assert.Equal(t, []error{boom}, tracer.span.errs)
}

var _ cbus.HeaderPropagator = tracing.New(nil)

package bus

import "context"

// Context is re-exported for convenience in handler signatures.
// It avoids importing context in user packages when referencing bus types.
type Context = context.Context

// HeaderPropagator abstracts moving tracing context in and out of message headers.
// Implementations may bridge to OpenTelemetry or any other propagation standard.
// Inject mutates the provided headers map; Extract returns a context enriched with what
// the headers carry. Implementations must be safe for concurrent use.
type HeaderPropagator interface {
	Inject(ctx context.Context, headers map[string]string)
	Extract(ctx context.Context, headers map[string]string) context.Context
}

// NopHeaderPropagator is a no-op implementation useful for tests or when tracing is disabled.
type NopHeaderPropagator struct{}

func (NopHeaderPropagator) Inject(ctx context.Context, headers map[string]string) {
	_ = ctx
	_ = headers
}

func (NopHeaderPropagator) Extract(ctx context.Context, headers map[string]string) context.Context {
	_ = headers
	return ctx
}

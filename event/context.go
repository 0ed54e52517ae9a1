package event

import "context"

type causalKey struct{}

type causal struct {
	correlationID string
	causationID   string
}

// WithCorrelation returns a context that carries a correlation id for events published
// within it.
func WithCorrelation(ctx context.Context, correlationID string) context.Context {
	c, _ := ctx.Value(causalKey{}).(causal)
	c.correlationID = correlationID

	return context.WithValue(ctx, causalKey{}, c)
}

// ContextFor derives a handler context from a delivered envelope: events published while
// handling env continue its correlation chain and name env as their cause.
func ContextFor[T any](ctx context.Context, env Envelope[T]) context.Context {
	return context.WithValue(ctx, causalKey{}, causal{
		correlationID: env.CorrelationID,
		causationID:   env.EventID,
	})
}

// CorrelationFromContext reports the correlation id carried by ctx, if any.
func CorrelationFromContext(ctx context.Context) (string, bool) {
	c, ok := ctx.Value(causalKey{}).(causal)
	if !ok || c.correlationID == "" {
		return "", false
	}

	return c.correlationID, true
}

// FromContext applies the correlation and causation ids carried by ctx. Place it before
// explicit options so they take precedence.
func FromContext(ctx context.Context) Option {
	return func(o *options) {
		c, ok := ctx.Value(causalKey{}).(causal)
		if !ok {
			return
		}

		if c.correlationID != "" {
			o.correlationID = c.correlationID
		}

		if c.causationID != "" {
			o.causationID = c.causationID
		}
	}
}

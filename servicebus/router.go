package servicebus

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"

	cbus "github.com/next-trace/scg-event-bus/contract/bus"
	"github.com/next-trace/scg-event-bus/event"
)

// Router dispatches deliveries of one subscription to per-event-type handlers. Handlers
// registered with On receive a decoded, validated payload for one schema version;
// handlers registered with Handle receive every version raw. Deliveries of a type without
// a handler are acknowledged and logged at debug level, so a queue can be bound with
// wildcards wider than what the service handles.
type Router struct {
	registry *event.Registry
	logger   *slog.Logger

	mu        sync.RWMutex
	versioned map[event.Key]cbus.Handler
	any       map[string]cbus.Handler
}

// NewRouter returns a Router decoding through r. A nil registry gets a private one.
func NewRouter(r *event.Registry, logger *slog.Logger) *Router {
	if r == nil {
		r = event.NewRegistry()
	}

	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Router{
		registry:  r,
		logger:    logger,
		versioned: make(map[event.Key]cbus.Handler),
		any:       make(map[string]cbus.Handler),
	}
}

// Router returns a Router sharing the bus registry and logger.
func (b *Bus) Router() *Router { return NewRouter(b.registry, b.logger) }

// Handle routes every version of eventType to h.
func (r *Router) Handle(eventType string, h cbus.Handler) error {
	if err := event.ValidateType(eventType); err != nil {
		return fmt.Errorf("route %s: %w", eventType, err)
	}

	if h == nil {
		return fmt.Errorf("route %s: nil handler", eventType)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, dup := r.any[eventType]; dup {
		return fmt.Errorf("route %s: already registered", eventType)
	}

	r.any[eventType] = h

	return nil
}

// On registers the payload schema T for (eventType, version) and routes matching
// deliveries to h with the decoded envelope. A schema already registered for the key must
// have payload type T. Payloads that do not decode or fail validate
// are dropped without requeue, since redelivery cannot fix them.
func On[T any](
	r *Router,
	eventType string,
	version int,
	h func(ctx context.Context, env event.Envelope[T]) error,
	validate func(T) error,
) error {
	if h == nil {
		return fmt.Errorf("route %s v%d: nil handler", eventType, version)
	}

	k := event.Key{EventType: eventType, Version: version}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, dup := r.versioned[k]; dup {
		return fmt.Errorf("route %s: already registered", k)
	}

	if err := event.Ensure(r.registry, eventType, version, validate); err != nil {
		return fmt.Errorf("route %s: %w", k, err)
	}

	r.versioned[k] = func(ctx context.Context, raw event.Raw) error {
		env, err := event.As[T](r.registry, raw)
		if err != nil {
			return cbus.NoRequeue(err)
		}

		return h(ctx, env)
	}

	return nil
}

// Bindings returns the routed event types, sorted, for use as SubscribeOptions.Bindings.
func (r *Router) Bindings() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	set := make(map[string]struct{}, len(r.any)+len(r.versioned))
	for t := range r.any {
		set[t] = struct{}{}
	}

	for k := range r.versioned {
		set[k.EventType] = struct{}{}
	}

	return slices.Sorted(maps.Keys(set))
}

// Dispatch routes one delivery. It is a cbus.Handler.
func (r *Router) Dispatch(ctx context.Context, env event.Raw) error {
	r.mu.RLock()
	h, ok := r.versioned[event.Key{EventType: env.EventType, Version: env.Version}]
	if !ok {
		h, ok = r.any[env.EventType]
	}
	r.mu.RUnlock()

	if !ok {
		r.logger.DebugContext(ctx, "no route, acknowledging",
			"event_type", env.EventType, "version", env.Version, "event_id", env.EventID)

		return nil
	}

	return h(ctx, env)
}

// Handler returns Dispatch as a cbus.Handler.
func (r *Router) Handler() cbus.Handler { return r.Dispatch }

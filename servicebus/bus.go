package servicebus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/next-trace/scg-event-bus/adapters/rabbitmq"
	cbus "github.com/next-trace/scg-event-bus/contract/bus"
	berr "github.com/next-trace/scg-event-bus/contract/errors"
	"github.com/next-trace/scg-event-bus/event"
	"github.com/next-trace/scg-event-bus/tracing"
	"go.opentelemetry.io/otel/trace"
)

// Config is the broker configuration of a Bus.
type Config = rabbitmq.Config

const defaultDrainTimeout = 30 * time.Second

// Bus is an explicitly owned client for the domain event exchange. It shares one
// connection and channel between publishing and consuming, and tracks its subscriptions so
// Close can drain them.
//
// Bus is concurrency-safe and contains no global state.
type Bus struct {
	mgr  *rabbitmq.ConnectionManager
	topo *rabbitmq.Topology
	pub  *rabbitmq.Publisher
	cons *rabbitmq.Consumer

	logger             *slog.Logger
	tracer             trace.Tracer
	registry           *event.Registry
	requireCorrelation bool
	drainTimeout       time.Duration

	mu     sync.Mutex
	closed bool
	subs   map[string]*rabbitmq.Subscription
}

var _ cbus.EventBus = (*Bus)(nil)

// Option configures a Bus instance.
type Option func(*options)

type options struct {
	dialer             rabbitmq.Dialer
	logger             *slog.Logger
	tracer             trace.Tracer
	sink               cbus.ErrorSink
	propagator         cbus.HeaderPropagator
	registry           *event.Registry
	requireCorrelation bool
	drainTimeout       time.Duration
}

// WithDialer replaces the AMQP dialer, typically with an in-memory broker in tests.
func WithDialer(d rabbitmq.Dialer) Option { return func(o *options) { o.dialer = d } }

// WithLogger sets the structured logger. The default discards output.
func WithLogger(l *slog.Logger) Option { return func(o *options) { o.logger = l } }

// WithTracer wraps publishes and handler invocations in messaging spans. Pair it with a
// tracing.Propagator so process spans join the producer's trace.
func WithTracer(t trace.Tracer) Option { return func(o *options) { o.tracer = t } }

// WithErrorSink receives per-message consumer failures. The default logs them.
func WithErrorSink(s cbus.ErrorSink) Option { return func(o *options) { o.sink = s } }

// WithPropagator moves trace context in and out of message headers.
func WithPropagator(p cbus.HeaderPropagator) Option { return func(o *options) { o.propagator = p } }

// WithRegistry shares a schema registry with routers created by the bus.
func WithRegistry(r *event.Registry) Option { return func(o *options) { o.registry = r } }

// WithRequireCorrelation rejects publishes that carry no correlation id, neither as an
// option nor in the context, instead of minting a new one.
func WithRequireCorrelation() Option { return func(o *options) { o.requireCorrelation = true } }

// WithDrainTimeout bounds how long Close waits for in-flight handlers.
func WithDrainTimeout(d time.Duration) Option { return func(o *options) { o.drainTimeout = d } }

// New constructs a Bus. No connection is opened until Connect or the first operation.
func New(cfg Config, opts ...Option) (*Bus, error) {
	o := options{drainTimeout: defaultDrainTimeout}
	for _, f := range opts {
		f(&o)
	}

	if o.dialer == nil && cfg.URL == "" {
		return nil, errors.New("servicebus: broker url required")
	}

	if o.logger == nil {
		o.logger = slog.New(slog.DiscardHandler)
	}

	if o.registry == nil {
		o.registry = event.NewRegistry()
	}

	if o.propagator == nil {
		o.propagator = cbus.NopHeaderPropagator{}
	}

	mgr := rabbitmq.NewConnectionManager(cfg, o.dialer, o.logger)
	topo := rabbitmq.NewTopology(mgr)

	cons := rabbitmq.NewConsumer(mgr, topo, o.logger)
	cons.Propagator = o.propagator

	if o.sink != nil {
		cons.Sink = o.sink
	}

	return &Bus{
		mgr:                mgr,
		topo:               topo,
		pub:                rabbitmq.NewWithPropagator(mgr, topo, o.propagator),
		cons:               cons,
		logger:             o.logger,
		tracer:             o.tracer,
		registry:           o.registry,
		requireCorrelation: o.requireCorrelation,
		drainTimeout:       o.drainTimeout,
		subs:               make(map[string]*rabbitmq.Subscription),
	}, nil
}

// Connect establishes the connection and declares the shared exchange, so a service can
// fail fast at startup. Later operations reconnect on demand.
func (b *Bus) Connect(ctx context.Context) error {
	if err := b.open(); err != nil {
		return err
	}

	if _, err := b.mgr.Channel(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	if err := b.topo.EnsureExchange(ctx, rabbitmq.TopicExchange(b.mgr.Config().Exchange)); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	return nil
}

// State reports the connection lifecycle state.
func (b *Bus) State() rabbitmq.State { return b.mgr.State() }

// Registry returns the schema registry used by routers of this bus.
func (b *Bus) Registry() *event.Registry { return b.registry }

// Logger returns the bus logger.
func (b *Bus) Logger() *slog.Logger { return b.logger }

// Publish constructs an envelope around data, continuing the correlation chain carried by
// ctx, and publishes it. The envelope written to the wire is returned. Publish never
// retries; a caller retrying a failure should pass event.WithEventID with the returned
// id so consumers can deduplicate.
func Publish[T any](ctx context.Context, b *Bus, eventType string, data T, opts ...event.Option) (event.Envelope[T], error) {
	if err := b.open(); err != nil {
		return event.Envelope[T]{}, err
	}

	all := make([]event.Option, 0, len(opts)+2)
	all = append(all, event.FromContext(ctx))
	all = append(all, opts...)

	if b.requireCorrelation {
		all = append(all, event.RequireCorrelation())
	}

	env, err := event.New(eventType, data, all...)
	if err != nil {
		return event.Envelope[T]{}, fmt.Errorf("publish %s: %w", eventType, err)
	}

	body, err := event.Encode(env)
	if err != nil {
		return event.Envelope[T]{}, fmt.Errorf("publish %s: %w", eventType, err)
	}

	if err := b.send(ctx, rabbitmq.MessageFor(env, body)); err != nil {
		return event.Envelope[T]{}, err
	}

	b.logger.DebugContext(ctx, "event published",
		"event_type", env.EventType, "event_id", env.EventID, "correlation_id", env.CorrelationID)

	return env, nil
}

func (b *Bus) send(ctx context.Context, msg rabbitmq.Message) error {
	if b.tracer == nil {
		return b.pub.Publish(ctx, msg)
	}

	ctx, span := tracing.StartPublishSpan(ctx, b.tracer, b.pub.Exchange(), msg.RoutingKey)
	err := b.pub.Publish(ctx, msg)
	tracing.End(span, err)

	return err
}

// PublishEvent publishes an untyped payload. It implements cbus.EventPublisher.
func (b *Bus) PublishEvent(
	ctx context.Context,
	eventType string,
	data any,
	opts ...event.Option,
) (event.Envelope[any], error) {
	return Publish(ctx, b, eventType, data, opts...)
}

// Subscribe consumes opts.Queue with h until Unsubscribe, Close or a connection loss.
func (b *Bus) Subscribe(ctx context.Context, opts cbus.SubscribeOptions, h cbus.Handler) (cbus.Subscription, error) { //nolint:ireturn
	if err := b.open(); err != nil {
		return nil, err
	}

	if b.tracer != nil && h != nil {
		h = tracing.WrapHandler(b.tracer, opts.Queue, h)
	}

	sub, err := b.cons.Subscribe(ctx, opts, h)
	if err != nil {
		return nil, err
	}

	return b.track(ctx, sub)
}

// Unsubscribe stops sub and waits for its in-flight handlers. Subscriptions not owned by
// this bus, or already unsubscribed, yield ErrSubscriptionNotFound.
func (b *Bus) Unsubscribe(ctx context.Context, sub cbus.Subscription) error {
	if err := b.open(); err != nil {
		return err
	}

	s, err := b.untrack(sub)
	if err != nil {
		return err
	}

	return b.cons.Unsubscribe(ctx, s)
}

// Resubscribe restarts sub on the current connection with its original options and
// handler. It is the recovery path after Subscription.Done fired with a non-nil Err.
func (b *Bus) Resubscribe(ctx context.Context, sub cbus.Subscription) (cbus.Subscription, error) { //nolint:ireturn
	if err := b.open(); err != nil {
		return nil, err
	}

	s, err := b.untrack(sub)
	if err != nil {
		return nil, err
	}

	next, err := b.cons.Resubscribe(ctx, s)
	if err != nil {
		// keep the old handle so Close still drains it and a later retry finds it
		b.mu.Lock()
		if !b.closed {
			b.subs[s.ID()] = s
		}
		b.mu.Unlock()

		return nil, err
	}

	return b.track(ctx, next)
}

// Subscriptions lists the active subscriptions.
func (b *Bus) Subscriptions() []cbus.Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]cbus.Subscription, 0, len(b.subs))
	for _, id := range slices.Sorted(maps.Keys(b.subs)) {
		out = append(out, b.subs[id])
	}

	return out
}

// Close cancels every subscription, waits for in-flight handlers up to the drain timeout
// and closes the channel and connection. Closing twice is a no-op; any other operation on
// a closed bus fails with ErrBusClosed.
func (b *Bus) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}

	b.closed = true
	subs := slices.Collect(maps.Values(b.subs))
	b.subs = nil
	b.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), b.drainTimeout)
	defer cancel()

	var errs []error

	for _, s := range subs {
		if err := b.cons.Unsubscribe(ctx, s); err != nil {
			errs = append(errs, fmt.Errorf("drain %s: %w", s.Queue(), err))
		}
	}

	if err := b.mgr.Close(); err != nil {
		errs = append(errs, err)
	}

	b.logger.Info("bus closed", "subscriptions", len(subs))

	return errors.Join(errs...)
}

func (b *Bus) open() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return berr.ErrBusClosed
	}

	return nil
}

func (b *Bus) track(ctx context.Context, sub *rabbitmq.Subscription) (cbus.Subscription, error) { //nolint:ireturn
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		_ = b.cons.Unsubscribe(ctx, sub) //nolint:errcheck // the bus is already closed

		return nil, berr.ErrBusClosed
	}

	b.subs[sub.ID()] = sub
	b.mu.Unlock()

	return sub, nil
}

func (b *Bus) untrack(sub cbus.Subscription) (*rabbitmq.Subscription, error) {
	if sub == nil {
		return nil, berr.ErrSubscriptionNotFound
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	s, ok := b.subs[sub.ID()]
	if !ok || cbus.Subscription(s) != sub {
		return nil, fmt.Errorf("subscription %s: %w", sub.ID(), berr.ErrSubscriptionNotFound)
	}

	delete(b.subs, sub.ID())

	return s, nil
}

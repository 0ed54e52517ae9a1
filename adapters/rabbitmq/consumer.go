package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	cbus "github.com/next-trace/scg-event-bus/contract/bus"
	berr "github.com/next-trace/scg-event-bus/contract/errors"
	"github.com/next-trace/scg-event-bus/event"
	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/errgroup"
)

// Consumer subscribes handlers to durable queues bound to the shared exchange.
// Deliveries are acknowledged only after their handler returns.
type Consumer struct {
	mgr      *ConnectionManager
	topo     *Topology
	exchange ExchangeSpec
	logger   *slog.Logger

	Propagator cbus.HeaderPropagator
	Sink       cbus.ErrorSink

	// serializes Qos+Consume so each consumer gets its own prefetch on the shared channel
	consumeMu sync.Mutex
}

// NewConsumer returns a Consumer for the manager's configured exchange.
func NewConsumer(mgr *ConnectionManager, topo *Topology, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Consumer{
		mgr:        mgr,
		topo:       topo,
		exchange:   TopicExchange(mgr.Config().Exchange),
		logger:     logger,
		Propagator: cbus.NopHeaderPropagator{},
		Sink:       cbus.LogSink{Logger: logger},
	}
}

// Subscription is a running consumer. It implements cbus.Subscription.
type Subscription struct {
	id      string
	tag     string
	opts    cbus.SubscribeOptions
	handler cbus.Handler
	ch      Channel

	done      chan struct{}
	cancelled atomic.Bool

	mu  sync.Mutex
	err error
}

var _ cbus.Subscription = (*Subscription)(nil)

func (s *Subscription) ID() string            { return s.id }
func (s *Subscription) Queue() string         { return s.opts.Queue }
func (s *Subscription) ConsumerTag() string   { return s.tag }
func (s *Subscription) Done() <-chan struct{} { return s.done }

func (s *Subscription) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.err
}

// Options returns the options the subscription was created with.
func (s *Subscription) Options() cbus.SubscribeOptions { return s.opts }

// Subscribe declares the queue and its bindings, sets a finite prefetch and starts
// consuming with manual acknowledgements. The subscription runs until Unsubscribe or until
// the channel closes; after a connection loss it must be resubscribed explicitly.
func (c *Consumer) Subscribe(ctx context.Context, opts cbus.SubscribeOptions, h cbus.Handler) (*Subscription, error) {
	return c.subscribe(ctx, uuid.NewString(), opts, h)
}

// Resubscribe starts a new consumer with the options and handler of sub, typically after
// sub ended because the connection dropped. An active sub is unsubscribed first.
func (c *Consumer) Resubscribe(ctx context.Context, sub *Subscription) (*Subscription, error) {
	select {
	case <-sub.done:
	default:
		if err := c.Unsubscribe(ctx, sub); err != nil {
			return nil, err
		}
	}

	return c.subscribe(ctx, sub.id, sub.opts, sub.handler)
}

func (c *Consumer) subscribe(
	ctx context.Context,
	id string,
	opts cbus.SubscribeOptions,
	h cbus.Handler,
) (*Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if opts.Queue == "" || h == nil {
		return nil, errors.New("rabbitmq subscribe: queue and handler required")
	}

	if err := c.declare(ctx, opts); err != nil {
		return nil, err
	}

	prefetch := opts.Prefetch
	if prefetch <= 0 {
		prefetch = c.mgr.Config().Prefetch
	}

	workers := opts.Concurrency
	if workers <= 0 {
		workers = 1
	}

	tag := opts.ConsumerTag
	if tag == "" {
		tag = fmt.Sprintf("%s.%s.%s", productName, opts.Queue, uuid.NewString()[:8])
	}

	c.consumeMu.Lock()
	s, err := c.mgr.session(ctx)
	if err != nil {
		c.consumeMu.Unlock()
		return nil, fmt.Errorf("rabbitmq subscribe %s: %w", opts.Queue, err)
	}

	if err := s.ch.Qos(prefetch, 0, false); err != nil {
		c.consumeMu.Unlock()
		return nil, fmt.Errorf("rabbitmq subscribe %s qos: %w", opts.Queue, classify(err))
	}

	deliveries, err := s.ch.Consume(opts.Queue, tag, false, false, false, false, nil)
	c.consumeMu.Unlock()

	if err != nil {
		return nil, fmt.Errorf("rabbitmq subscribe %s consume: %w", opts.Queue, classify(err))
	}

	sub := &Subscription{
		id:      id,
		tag:     tag,
		opts:    opts,
		handler: h,
		ch:      s.ch,
		done:    make(chan struct{}),
	}

	go c.run(context.WithoutCancel(ctx), sub, deliveries, workers)

	c.logger.InfoContext(ctx, "subscribed",
		"queue", opts.Queue, "bindings", opts.Bindings, "prefetch", prefetch, "workers", workers, "consumer_tag", tag)

	return sub, nil
}

func (c *Consumer) declare(ctx context.Context, opts cbus.SubscribeOptions) error {
	if err := c.topo.EnsureExchange(ctx, c.exchange); err != nil {
		return fmt.Errorf("rabbitmq subscribe %s: %w", opts.Queue, err)
	}

	q := DurableQueue(opts.Queue)
	q.DeadLetterExchange = opts.DeadLetterExchange

	if err := c.topo.EnsureQueue(ctx, q); err != nil {
		return fmt.Errorf("rabbitmq subscribe %s: %w", opts.Queue, err)
	}

	for _, pattern := range opts.Bindings {
		if err := c.topo.BindQueue(ctx, opts.Queue, c.exchange.Name, pattern); err != nil {
			return fmt.Errorf("rabbitmq subscribe %s: %w", opts.Queue, err)
		}
	}

	return nil
}

// Unsubscribe cancels the consumer and waits until in-flight handlers have returned and
// their acknowledgements were sent. Unsubscribing twice is a no-op.
func (c *Consumer) Unsubscribe(ctx context.Context, sub *Subscription) error {
	if sub == nil {
		return fmt.Errorf("rabbitmq unsubscribe: %w", berr.ErrSubscriptionNotFound)
	}

	if !sub.cancelled.Swap(true) {
		if err := sub.ch.Cancel(sub.tag, false); err != nil && !errors.Is(err, amqp.ErrClosed) {
			return fmt.Errorf("rabbitmq unsubscribe %s: %w", sub.opts.Queue, classify(err))
		}
	}

	select {
	case <-sub.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Consumer) run(ctx context.Context, sub *Subscription, deliveries <-chan amqp.Delivery, workers int) {
	defer close(sub.done)

	var g errgroup.Group
	for range workers {
		g.Go(func() error {
			for d := range deliveries {
				c.handle(ctx, sub, d)
			}

			return nil
		})
	}

	_ = g.Wait() //nolint:errcheck // workers never fail; per-message errors go to the sink

	if sub.cancelled.Load() {
		c.logger.InfoContext(ctx, "unsubscribed", "queue", sub.opts.Queue, "consumer_tag", sub.tag)
		return
	}

	sub.mu.Lock()
	sub.err = fmt.Errorf("rabbitmq consume %s: delivery stream ended: %w", sub.opts.Queue, berr.ErrConnectionUnavailable)
	sub.mu.Unlock()

	c.logger.WarnContext(ctx, "subscription lost, resubscribe required", "queue", sub.opts.Queue, "consumer_tag", sub.tag)
}

func (c *Consumer) handle(base context.Context, sub *Subscription, d amqp.Delivery) {
	info := cbus.DeliveryInfo{
		Queue:       sub.opts.Queue,
		RoutingKey:  d.RoutingKey,
		MessageID:   d.MessageId,
		DeliveryTag: d.DeliveryTag,
		Redelivered: d.Redelivered,
	}

	env, err := event.Decode[json.RawMessage](d.Body)
	if err != nil {
		info.Outcome = cbus.NackDrop
		c.settle(base, sub, d, info)
		c.report(base, fmt.Errorf("rabbitmq consume %s: %w", sub.opts.Queue, err), info)

		return
	}

	ctx := base
	if c.Propagator != nil {
		ctx = c.Propagator.Extract(ctx, fromTable(d.Headers))
	}

	ctx = event.ContextFor(ctx, env)

	herr := invoke(ctx, sub.handler, env)
	info.Outcome = cbus.OutcomeOf(herr)

	if herr != nil {
		c.report(ctx, fmt.Errorf("handle %s %s: %w", env.EventType, env.EventID, errors.Join(berr.ErrHandlerFailed, herr)), info)
	}

	c.settle(ctx, sub, d, info)
}

// settle sends the acknowledgement on the channel that delivered d.
func (c *Consumer) settle(ctx context.Context, sub *Subscription, d amqp.Delivery, info cbus.DeliveryInfo) {
	var err error

	switch info.Outcome {
	case cbus.Ack:
		err = sub.ch.Ack(d.DeliveryTag, false)
	case cbus.NackRequeue:
		err = sub.ch.Nack(d.DeliveryTag, false, true)
	case cbus.NackDrop:
		err = sub.ch.Nack(d.DeliveryTag, false, false)
	}

	if err != nil {
		// the broker redelivers unacknowledged messages once the channel is gone
		c.report(ctx, fmt.Errorf("rabbitmq %s %s: %w", info.Outcome, sub.opts.Queue, classify(err)), info)
	}
}

func (c *Consumer) report(ctx context.Context, err error, info cbus.DeliveryInfo) {
	if c.Sink != nil {
		c.Sink.Report(ctx, err, info)
	}
}

func invoke(ctx context.Context, h cbus.Handler, env event.Raw) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	return h(ctx, env)
}

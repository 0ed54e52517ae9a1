package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"time"

	cbus "github.com/next-trace/scg-event-bus/contract/bus"
	berr "github.com/next-trace/scg-event-bus/contract/errors"
	"github.com/next-trace/scg-event-bus/event"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Message is one encoded envelope ready for the wire.
type Message struct {
	RoutingKey    string
	Body          []byte
	MessageID     string
	CorrelationID string
	Type          string
	Timestamp     time.Time
	Headers       map[string]string
}

// MessageFor builds the wire message of an encoded envelope.
func MessageFor[T any](env event.Envelope[T], body []byte) Message {
	return Message{
		RoutingKey:    env.EventType,
		Body:          body,
		MessageID:     env.EventID,
		CorrelationID: env.CorrelationID,
		Type:          env.EventType,
		Timestamp:     env.OccurredAt,
	}
}

// Publisher writes persistent JSON messages to the shared topic exchange.
// It does not retry: a failure is returned to the caller, who decides whether to publish again.
type Publisher struct {
	mgr        *ConnectionManager
	topo       *Topology
	exchange   ExchangeSpec
	Propagator cbus.HeaderPropagator // optional, for context propagation into headers
}

// NewPublisher returns a Publisher for the manager's configured exchange.
func NewPublisher(mgr *ConnectionManager, topo *Topology) *Publisher {
	return &Publisher{mgr: mgr, topo: topo, exchange: TopicExchange(mgr.Config().Exchange)}
}

// NewWithPropagator allows configuring a HeaderPropagator for context propagation.
func NewWithPropagator(mgr *ConnectionManager, topo *Topology, hp cbus.HeaderPropagator) *Publisher {
	p := NewPublisher(mgr, topo)
	p.Propagator = hp

	return p
}

// Exchange returns the exchange messages are published to.
func (p *Publisher) Exchange() string { return p.exchange.Name }

// Publish ensures the exchange on the current connection and publishes m with the
// persistent delivery mode. Without publisher confirms the call returns once the frame is
// handed to the channel, not once the broker has stored it.
func (p *Publisher) Publish(ctx context.Context, m Message) error {
	if err := p.ready(ctx, m); err != nil {
		return err
	}

	s, err := p.mgr.session(ctx)
	if err != nil {
		return p.wrap(m, err)
	}

	if err := p.topo.EnsureExchange(ctx, p.exchange); err != nil {
		return p.wrap(m, err)
	}

	// copy headers to avoid mutating caller-provided map
	hdrs := make(map[string]string, len(m.Headers)+4)
	for k, v := range m.Headers {
		hdrs[k] = v
	}
	// Inject tracing context via configured propagator (keeps adapter decoupled)
	if p.Propagator != nil {
		p.Propagator.Inject(ctx, hdrs)
	}

	msg := amqp.Publishing{
		DeliveryMode:  amqp.Persistent,
		ContentType:   event.ContentType,
		MessageId:     m.MessageID,
		CorrelationId: m.CorrelationID,
		Type:          m.Type,
		Timestamp:     m.Timestamp,
		Headers:       toTable(hdrs),
		Body:          m.Body,
	}

	if err := s.publish(ctx, p.exchange.Name, m.RoutingKey, msg); err != nil {
		return p.wrap(m, classify(err))
	}

	return nil
}

func (p *Publisher) ready(ctx context.Context, m Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if p == nil || p.mgr == nil || p.topo == nil {
		return fmt.Errorf("rabbitmq publish: %w", berr.ErrPublishFailed)
	}

	if err := event.ValidateType(m.RoutingKey); err != nil {
		return fmt.Errorf("rabbitmq publish: %w", errors.Join(berr.ErrPublishFailed, err))
	}

	return nil
}

func (p *Publisher) wrap(m Message, err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	return fmt.Errorf("rabbitmq publish %s: %w", m.RoutingKey, errors.Join(berr.ErrPublishFailed, err))
}

func toTable(h map[string]string) amqp.Table {
	if len(h) == 0 {
		return nil
	}

	t := make(amqp.Table, len(h))
	for k, v := range h {
		t[k] = v
	}

	return t
}

func fromTable(t amqp.Table) map[string]string {
	if len(t) == 0 {
		return nil
	}

	h := make(map[string]string, len(t))
	for k, v := range t {
		switch s := v.(type) {
		case string:
			h[k] = s
		case []byte:
			h[k] = string(s)
		default:
			h[k] = fmt.Sprint(v)
		}
	}

	return h
}

package rabbitmq

import (
	"context"
	"fmt"
	"sync"

	berr "github.com/next-trace/scg-event-bus/contract/errors"
	amqp "github.com/rabbitmq/amqp091-go"
)

const (
	// KindTopic is the only exchange kind the bus routes through.
	KindTopic = "topic"

	argDeadLetterExchange = "x-dead-letter-exchange"
)

// ExchangeSpec describes an exchange declaration.
type ExchangeSpec struct {
	Name    string
	Kind    string
	Durable bool
}

// TopicExchange returns the durable topic exchange spec for name.
func TopicExchange(name string) ExchangeSpec {
	return ExchangeSpec{Name: name, Kind: KindTopic, Durable: true}
}

// QueueSpec describes a queue declaration.
type QueueSpec struct {
	Name               string
	Durable            bool
	DeadLetterExchange string
}

// DurableQueue returns the durable queue spec for name.
func DurableQueue(name string) QueueSpec { return QueueSpec{Name: name, Durable: true} }

func (q QueueSpec) args() amqp.Table {
	if q.DeadLetterExchange == "" {
		return nil
	}

	return amqp.Table{argDeadLetterExchange: q.DeadLetterExchange}
}

type bindingKey struct{ queue, exchange, pattern string }

// Topology declares exchanges, queues and bindings. Declarations already made on the
// current connection are remembered: repeating one with identical parameters is a no-op,
// repeating it with different parameters fails with ErrTopologyConflict without a broker
// round trip. The broker reports conflicts with pre-existing entities as
// PRECONDITION_FAILED, which is mapped to ErrTopologyConflict as well.
type Topology struct {
	mgr *ConnectionManager

	mu        sync.Mutex
	gen       uint64
	exchanges map[string]ExchangeSpec
	queues    map[string]QueueSpec
	bindings  map[bindingKey]struct{}
}

// NewTopology returns a Topology declaring through mgr.
func NewTopology(mgr *ConnectionManager) *Topology {
	t := &Topology{mgr: mgr}
	t.reset(0)

	return t
}

func (t *Topology) reset(gen uint64) {
	t.gen = gen
	t.exchanges = make(map[string]ExchangeSpec)
	t.queues = make(map[string]QueueSpec)
	t.bindings = make(map[bindingKey]struct{})
}

// lock obtains the current session and locks the memo for it.
func (t *Topology) lock(ctx context.Context) (*session, error) {
	s, err := t.mgr.session(ctx)
	if err != nil {
		return nil, err
	}

	t.mu.Lock()
	if t.gen != s.gen {
		t.reset(s.gen)
	}

	return s, nil
}

// EnsureExchange declares the exchange. Kind defaults to topic.
func (t *Topology) EnsureExchange(ctx context.Context, spec ExchangeSpec) error {
	if spec.Name == "" {
		return fmt.Errorf("ensure exchange: name required: %w", berr.ErrTopologyConflict)
	}

	if spec.Kind == "" {
		spec.Kind = KindTopic
	}

	s, err := t.lock(ctx)
	if err != nil {
		return err
	}
	defer t.mu.Unlock()

	if prev, ok := t.exchanges[spec.Name]; ok {
		if prev == spec {
			return nil
		}

		return fmt.Errorf("ensure exchange %q: declared as %+v, requested %+v: %w",
			spec.Name, prev, spec, berr.ErrTopologyConflict)
	}

	if err := s.ch.ExchangeDeclare(spec.Name, spec.Kind, spec.Durable, false, false, false, nil); err != nil {
		return fmt.Errorf("ensure exchange %q: %w", spec.Name, classify(err))
	}

	t.exchanges[spec.Name] = spec

	return nil
}

// EnsureQueue declares the queue.
func (t *Topology) EnsureQueue(ctx context.Context, spec QueueSpec) error {
	if spec.Name == "" {
		return fmt.Errorf("ensure queue: name required: %w", berr.ErrTopologyConflict)
	}

	s, err := t.lock(ctx)
	if err != nil {
		return err
	}
	defer t.mu.Unlock()

	if prev, ok := t.queues[spec.Name]; ok {
		if prev == spec {
			return nil
		}

		return fmt.Errorf("ensure queue %q: declared as %+v, requested %+v: %w",
			spec.Name, prev, spec, berr.ErrTopologyConflict)
	}

	if _, err := s.ch.QueueDeclare(spec.Name, spec.Durable, false, false, false, spec.args()); err != nil {
		return fmt.Errorf("ensure queue %q: %w", spec.Name, classify(err))
	}

	t.queues[spec.Name] = spec

	return nil
}

// BindQueue binds queue to exchange with a routing pattern (exact type, "*" or "#").
func (t *Topology) BindQueue(ctx context.Context, queue, exchange, pattern string) error {
	if queue == "" || exchange == "" || pattern == "" {
		return fmt.Errorf("bind queue %q to %q with %q: all parts required: %w",
			queue, exchange, pattern, berr.ErrTopologyConflict)
	}

	s, err := t.lock(ctx)
	if err != nil {
		return err
	}
	defer t.mu.Unlock()

	k := bindingKey{queue: queue, exchange: exchange, pattern: pattern}
	if _, ok := t.bindings[k]; ok {
		return nil
	}

	if err := s.ch.QueueBind(queue, pattern, exchange, false, nil); err != nil {
		return fmt.Errorf("bind queue %q to %q with %q: %w", queue, exchange, pattern, classify(err))
	}

	t.bindings[k] = struct{}{}

	return nil
}

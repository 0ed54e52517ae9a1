package inmemory

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/next-trace/scg-event-bus/adapters/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
)

// unlimitedPrefetch bounds a consumer's buffer when no prefetch was configured.
const unlimitedPrefetch = 256

// Stats counts broker-side operations. Declares count only calls that reached the broker.
type Stats struct {
	Dials            int
	ExchangeDeclares int
	QueueDeclares    int
	Binds            int
	Published        int
	Acks             int
	Nacks            int
	Requeued         int
	Dropped          int
	DeadLettered     int
}

// Published is a message as it arrived at the broker.
type Published struct {
	Exchange   string
	RoutingKey string
	Msg        amqp.Publishing
}

// Broker is a thread-safe in-memory AMQP broker double implementing rabbitmq.Dialer.
// It routes through topic exchanges, enforces prefetch, honours ack/nack/requeue and can
// simulate connection loss. It backs tests, examples and the memory package.
type Broker struct {
	mu sync.Mutex

	exchanges map[string]exchangeDecl
	queues    map[string]*queue
	conns     map[*Conn]struct{}
	history   []Published
	stats     Stats

	dialErr     error
	dialGate    chan struct{}
	publishErr  error
	nackPublish bool
}

type exchangeDecl struct {
	kind    string
	durable bool
}

type bindingKey struct{ exchange, pattern string }

type queue struct {
	name      string
	durable   bool
	dlx       string
	bindings  map[bindingKey]struct{}
	ready     []*message
	consumers []*consumer
	next      int
}

type message struct {
	exchange    string
	routingKey  string
	pub         amqp.Publishing
	redelivered bool
}

type consumer struct {
	tag     string
	ch      *Channel
	q       *queue
	out     chan amqp.Delivery
	limit   int
	unacked int
}

type inflight struct {
	msg *message
	q   *queue
	c   *consumer
}

var _ rabbitmq.Dialer = (*Broker)(nil)

// New creates an empty broker.
func New() *Broker {
	return &Broker{
		exchanges: make(map[string]exchangeDecl),
		queues:    make(map[string]*queue),
		conns:     make(map[*Conn]struct{}),
	}
}

// Dial opens a connection. It fails with the error set by FailDials and blocks while
// dials are held.
func (b *Broker) Dial(ctx context.Context, _ rabbitmq.Config) (rabbitmq.Connection, error) { //nolint:ireturn
	b.mu.Lock()
	b.stats.Dials++
	gate := b.dialGate
	b.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.dialErr != nil {
		return nil, b.dialErr
	}

	c := &Conn{b: b}
	b.conns[c] = struct{}{}

	return c, nil
}

// FailDials makes subsequent dials fail with err; nil restores normal dialing.
func (b *Broker) FailDials(err error) {
	b.mu.Lock()
	b.dialErr = err
	b.mu.Unlock()
}

// HoldDials blocks dials until the returned release function is called.
func (b *Broker) HoldDials() (release func()) {
	gate := make(chan struct{})

	b.mu.Lock()
	b.dialGate = gate
	b.mu.Unlock()

	var once sync.Once

	return func() {
		once.Do(func() {
			b.mu.Lock()
			b.dialGate = nil
			b.mu.Unlock()
			close(gate)
		})
	}
}

// FailPublishes makes channel publishes fail with err; nil restores publishing.
func (b *Broker) FailPublishes(err error) {
	b.mu.Lock()
	b.publishErr = err
	b.mu.Unlock()
}

// NackPublishes makes confirm-mode channels nack every publish.
func (b *Broker) NackPublishes(nack bool) {
	b.mu.Lock()
	b.nackPublish = nack
	b.mu.Unlock()
}

// Drop abruptly closes every open connection, as a broker restart would.
func (b *Broker) Drop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for c := range b.conns {
		c.closeLocked(&amqp.Error{Code: amqp.ConnectionForced, Reason: "CONNECTION_FORCED - broker restart", Server: true})
	}
}

// Inject enqueues a raw body directly into a queue, bypassing exchanges.
func (b *Broker) Inject(queueName string, body []byte) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[queueName]
	if !ok {
		return fmt.Errorf("inject: queue %q not found", queueName)
	}

	q.ready = append(q.ready, &message{
		routingKey: queueName,
		pub:        amqp.Publishing{Body: body, Timestamp: time.Now()},
	})
	b.dispatchLocked(q)

	return nil
}

// Stats returns a snapshot of operation counters.
func (b *Broker) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.stats
}

// History returns every message published through an exchange, in order.
func (b *Broker) History() []Published {
	b.mu.Lock()
	defer b.mu.Unlock()

	return append([]Published(nil), b.history...)
}

// Depth returns the number of ready (undelivered) messages in a queue.
func (b *Broker) Depth(queueName string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if q, ok := b.queues[queueName]; ok {
		return len(q.ready)
	}

	return 0
}

// Unacked returns the number of delivered but unsettled messages of a queue.
func (b *Broker) Unacked(queueName string) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	n := 0

	for c := range b.conns {
		for _, ch := range c.channels {
			for _, inf := range ch.inflight {
				if inf.q.name == queueName {
					n++
				}
			}
		}
	}

	return n
}

// Bindings lists the patterns binding queueName to exchange.
func (b *Broker) Bindings(queueName, exchange string) []string {
	b.mu.Lock()
	defer b.mu.Unlock()

	q, ok := b.queues[queueName]
	if !ok {
		return nil
	}

	var out []string

	for k := range q.bindings {
		if k.exchange == exchange {
			out = append(out, k.pattern)
		}
	}

	return out
}

// Entities returns the number of declared exchanges and queues.
func (b *Broker) Entities() (exchanges, queues int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.exchanges), len(b.queues)
}

// OpenConnections returns the number of connections not yet closed.
func (b *Broker) OpenConnections() int {
	b.mu.Lock()
	defer b.mu.Unlock()

	return len(b.conns)
}

// routeLocked delivers a published message to every queue bound with a matching pattern.
func (b *Broker) routeLocked(exchange, key string, pub amqp.Publishing) {
	for _, q := range b.queues {
		if !q.matches(exchange, key) {
			continue
		}

		q.ready = append(q.ready, &message{exchange: exchange, routingKey: key, pub: pub})
		b.dispatchLocked(q)
	}
}

func (q *queue) matches(exchange, key string) bool {
	for k := range q.bindings {
		if k.exchange == exchange && topicMatch(k.pattern, key) {
			return true
		}
	}

	return false
}

// dispatchLocked hands ready messages to consumers with prefetch room, round-robin.
// A consumer's buffer equals its prefetch, so sends never block.
func (b *Broker) dispatchLocked(q *queue) {
	for len(q.ready) > 0 {
		c := q.pick()
		if c == nil {
			return
		}

		m := q.ready[0]
		q.ready = q.ready[1:]

		c.ch.nextTag++
		tag := c.ch.nextTag

		c.unacked++
		c.ch.inflight[tag] = &inflight{msg: m, q: q, c: c}

		c.out <- amqp.Delivery{
			Acknowledger:  c.ch,
			Headers:       m.pub.Headers,
			ContentType:   m.pub.ContentType,
			DeliveryMode:  m.pub.DeliveryMode,
			CorrelationId: m.pub.CorrelationId,
			MessageId:     m.pub.MessageId,
			Timestamp:     m.pub.Timestamp,
			Type:          m.pub.Type,
			ConsumerTag:   c.tag,
			DeliveryTag:   tag,
			Redelivered:   m.redelivered,
			Exchange:      m.exchange,
			RoutingKey:    m.routingKey,
			Body:          m.pub.Body,
		}
	}
}

func (q *queue) pick() *consumer {
	n := len(q.consumers)
	for i := 0; i < n; i++ {
		c := q.consumers[(q.next+i)%n]
		if c.unacked < c.limit {
			q.next = (q.next + i + 1) % n
			return c
		}
	}

	return nil
}

func (q *queue) removeConsumer(c *consumer) {
	for i, cc := range q.consumers {
		if cc == c {
			q.consumers = append(q.consumers[:i], q.consumers[i+1:]...)
			break
		}
	}

	if q.next >= len(q.consumers) {
		q.next = 0
	}
}

// requeueLocked returns a message to the head of its queue, flagged as redelivered.
func (b *Broker) requeueLocked(inf *inflight) {
	inf.msg.redelivered = true
	inf.q.ready = append([]*message{inf.msg}, inf.q.ready...)
	b.stats.Requeued++
}

func (b *Broker) rejectLocked(inf *inflight) {
	if inf.q.dlx == "" {
		b.stats.Dropped++
		return
	}

	b.stats.DeadLettered++
	b.routeLocked(inf.q.dlx, inf.msg.routingKey, inf.msg.pub)
}

// topicMatch implements AMQP topic matching: "*" matches one word, "#" zero or more.
func topicMatch(pattern, key string) bool {
	return matchWords(strings.Split(pattern, "."), strings.Split(key, "."))
}

func matchWords(p, k []string) bool {
	if len(p) == 0 {
		return len(k) == 0
	}

	switch p[0] {
	case "#":
		for i := 0; i <= len(k); i++ {
			if matchWords(p[1:], k[i:]) {
				return true
			}
		}

		return false
	case "*":
		return len(k) > 0 && matchWords(p[1:], k[1:])
	default:
		return len(k) > 0 && p[0] == k[0] && matchWords(p[1:], k[1:])
	}
}

func newConsumerTag() string { return "ctag-" + uuid.NewString() }

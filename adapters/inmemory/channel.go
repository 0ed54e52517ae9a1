package inmemory

import (
	"context"
	"fmt"
	"slices"

	"github.com/next-trace/scg-event-bus/adapters/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
)

// Conn is an in-memory broker connection.
type Conn struct {
	b        *Broker
	closed   bool
	channels []*Channel
	notify   []chan *amqp.Error
}

var _ rabbitmq.Connection = (*Conn)(nil)

// Channel opens a channel on the connection.
func (c *Conn) Channel() (rabbitmq.Channel, error) { //nolint:ireturn
	c.b.mu.Lock()
	defer c.b.mu.Unlock()

	if c.closed {
		return nil, amqp.ErrClosed
	}

	ch := &Channel{
		conn:      c,
		b:         c.b,
		inflight:  make(map[uint64]*inflight),
		consumers: make(map[string]*consumer),
	}
	c.channels = append(c.channels, ch)

	return ch, nil
}

// NotifyClose registers a listener for connection closure. A graceful close closes the
// listener without sending; an abnormal one sends the error first.
func (c *Conn) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()

	if c.closed {
		close(receiver)
		return receiver
	}

	c.notify = append(c.notify, receiver)

	return receiver
}

// Close closes the connection and all its channels.
func (c *Conn) Close() error {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()

	if c.closed {
		return amqp.ErrClosed
	}

	c.closeLocked(nil)

	return nil
}

// IsClosed reports whether the connection is closed.
func (c *Conn) IsClosed() bool {
	c.b.mu.Lock()
	defer c.b.mu.Unlock()

	return c.closed
}

func (c *Conn) closeLocked(reason *amqp.Error) {
	if c.closed {
		return
	}

	c.closed = true

	for _, ch := range slices.Clone(c.channels) {
		ch.closeLocked(reason)
	}

	notifyLocked(c.notify, reason)
	c.notify = nil
	delete(c.b.conns, c)
}

func notifyLocked(receivers []chan *amqp.Error, reason *amqp.Error) {
	for _, r := range receivers {
		if reason != nil {
			select {
			case r <- reason:
			default:
			}
		}

		close(r)
	}
}

// Channel is an in-memory AMQP channel. It also acts as the Acknowledger of the
// deliveries it hands out.
type Channel struct {
	conn *Conn
	b    *Broker

	closed    bool
	prefetch  int
	nextTag   uint64
	inflight  map[uint64]*inflight
	consumers map[string]*consumer
	notify    []chan *amqp.Error

	confirming bool
	confirms   []chan amqp.Confirmation
	publishSeq uint64
}

var (
	_ rabbitmq.Channel  = (*Channel)(nil)
	_ amqp.Acknowledger = (*Channel)(nil)
)

// ExchangeDeclare declares an exchange. Redeclaring with different kind or durability
// fails with PRECONDITION_FAILED and closes the channel, as RabbitMQ does.
func (ch *Channel) ExchangeDeclare(name, kind string, durable, _, _, _ bool, _ amqp.Table) error {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}

	ch.b.stats.ExchangeDeclares++

	decl := exchangeDecl{kind: kind, durable: durable}
	if prev, ok := ch.b.exchanges[name]; ok && prev != decl {
		return ch.failLocked(amqp.PreconditionFailed,
			fmt.Sprintf("PRECONDITION_FAILED - inequivalent arg for exchange '%s'", name))
	}

	ch.b.exchanges[name] = decl

	return nil
}

// QueueDeclare declares a queue; the x-dead-letter-exchange argument is honoured.
func (ch *Channel) QueueDeclare(name string, durable, _, _, _ bool, args amqp.Table) (amqp.Queue, error) {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()

	if ch.closed {
		return amqp.Queue{}, amqp.ErrClosed
	}

	ch.b.stats.QueueDeclares++

	dlx, _ := args["x-dead-letter-exchange"].(string)

	if q, ok := ch.b.queues[name]; ok {
		if q.durable != durable || q.dlx != dlx {
			return amqp.Queue{}, ch.failLocked(amqp.PreconditionFailed,
				fmt.Sprintf("PRECONDITION_FAILED - inequivalent arg for queue '%s'", name))
		}

		return amqp.Queue{Name: name, Messages: len(q.ready), Consumers: len(q.consumers)}, nil
	}

	ch.b.queues[name] = &queue{
		name:     name,
		durable:  durable,
		dlx:      dlx,
		bindings: make(map[bindingKey]struct{}),
	}

	return amqp.Queue{Name: name}, nil
}

// QueueBind binds a queue to an exchange with a topic pattern.
func (ch *Channel) QueueBind(name, key, exchange string, _ bool, _ amqp.Table) error {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}

	if _, ok := ch.b.exchanges[exchange]; !ok {
		return ch.failLocked(amqp.NotFound, fmt.Sprintf("NOT_FOUND - no exchange '%s'", exchange))
	}

	q, ok := ch.b.queues[name]
	if !ok {
		return ch.failLocked(amqp.NotFound, fmt.Sprintf("NOT_FOUND - no queue '%s'", name))
	}

	ch.b.stats.Binds++
	q.bindings[bindingKey{exchange: exchange, pattern: key}] = struct{}{}

	return nil
}

// Qos sets the prefetch used by consumers started afterwards on this channel.
func (ch *Channel) Qos(prefetchCount, _ int, _ bool) error {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}

	ch.prefetch = prefetchCount

	return nil
}

// Confirm puts the channel into confirm mode.
func (ch *Channel) Confirm(_ bool) error {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}

	ch.confirming = true

	return nil
}

// NotifyPublish registers a listener for publisher confirmations.
func (ch *Channel) NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()

	if ch.closed {
		close(confirm)
		return confirm
	}

	ch.confirms = append(ch.confirms, confirm)

	return confirm
}

// PublishWithContext routes msg through exchange. Publishing to a missing exchange
// closes the channel with NOT_FOUND.
func (ch *Channel) PublishWithContext(
	ctx context.Context,
	exchange, key string,
	_, _ bool,
	msg amqp.Publishing,
) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}

	if ch.b.publishErr != nil {
		return ch.b.publishErr
	}

	if _, ok := ch.b.exchanges[exchange]; !ok {
		return ch.failLocked(amqp.NotFound, fmt.Sprintf("NOT_FOUND - no exchange '%s'", exchange))
	}

	ch.b.stats.Published++
	ch.b.history = append(ch.b.history, Published{Exchange: exchange, RoutingKey: key, Msg: msg})
	ch.b.routeLocked(exchange, key, msg)

	if ch.confirming {
		ch.publishSeq++

		c := amqp.Confirmation{DeliveryTag: ch.publishSeq, Ack: !ch.b.nackPublish}
		for _, r := range ch.confirms {
			select {
			case r <- c:
			default:
			}
		}
	}

	return nil
}

// Consume starts a consumer on queue. Deliveries always require acknowledgement.
func (ch *Channel) Consume(
	queueName, tag string,
	_, _, _, _ bool,
	_ amqp.Table,
) (<-chan amqp.Delivery, error) {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()

	if ch.closed {
		return nil, amqp.ErrClosed
	}

	q, ok := ch.b.queues[queueName]
	if !ok {
		return nil, ch.failLocked(amqp.NotFound, fmt.Sprintf("NOT_FOUND - no queue '%s'", queueName))
	}

	if tag == "" {
		tag = newConsumerTag()
	}

	if _, dup := ch.consumers[tag]; dup {
		return nil, ch.failLocked(amqp.NotAllowed, fmt.Sprintf("NOT_ALLOWED - attempt to reuse consumer tag '%s'", tag))
	}

	limit := ch.prefetch
	if limit <= 0 {
		limit = unlimitedPrefetch
	}

	c := &consumer{tag: tag, ch: ch, q: q, out: make(chan amqp.Delivery, limit), limit: limit}
	ch.consumers[tag] = c
	q.consumers = append(q.consumers, c)
	ch.b.dispatchLocked(q)

	return c.out, nil
}

// Cancel stops a consumer. Deliveries already handed out stay acknowledgeable.
func (ch *Channel) Cancel(tag string, _ bool) error {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}

	c, ok := ch.consumers[tag]
	if !ok {
		return nil
	}

	delete(ch.consumers, tag)
	c.q.removeConsumer(c)
	close(c.out)

	return nil
}

// Ack acknowledges a delivery.
func (ch *Channel) Ack(tag uint64, _ bool) error {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()

	inf, err := ch.settleLocked(tag)
	if err != nil {
		return err
	}

	ch.b.stats.Acks++
	ch.b.dispatchLocked(inf.q)

	return nil
}

// Nack negatively acknowledges a delivery, requeueing it at the head of its queue or
// dead-lettering it.
func (ch *Channel) Nack(tag uint64, _, requeue bool) error {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()

	inf, err := ch.settleLocked(tag)
	if err != nil {
		return err
	}

	ch.b.stats.Nacks++

	if requeue {
		ch.b.requeueLocked(inf)
	} else {
		ch.b.rejectLocked(inf)
	}

	ch.b.dispatchLocked(inf.q)

	return nil
}

// Reject is Nack for a single delivery.
func (ch *Channel) Reject(tag uint64, requeue bool) error { return ch.Nack(tag, false, requeue) }

// NotifyClose registers a listener for channel closure.
func (ch *Channel) NotifyClose(c chan *amqp.Error) chan *amqp.Error {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()

	if ch.closed {
		close(c)
		return c
	}

	ch.notify = append(ch.notify, c)

	return c
}

// Close closes the channel, requeueing unacknowledged deliveries.
func (ch *Channel) Close() error {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()

	if ch.closed {
		return amqp.ErrClosed
	}

	ch.closeLocked(nil)

	return nil
}

// IsClosed reports whether the channel is closed.
func (ch *Channel) IsClosed() bool {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()

	return ch.closed
}

func (ch *Channel) settleLocked(tag uint64) (*inflight, error) {
	if ch.closed {
		return nil, amqp.ErrClosed
	}

	inf, ok := ch.inflight[tag]
	if !ok {
		return nil, ch.failLocked(amqp.PreconditionFailed,
			fmt.Sprintf("PRECONDITION_FAILED - unknown delivery tag %d", tag))
	}

	delete(ch.inflight, tag)
	inf.c.unacked--

	return inf, nil
}

// failLocked closes the channel with a broker-initiated error and returns it.
func (ch *Channel) failLocked(code int, reason string) *amqp.Error {
	err := &amqp.Error{Code: code, Reason: reason, Server: true}
	ch.closeLocked(err)

	return err
}

// closeLocked stops consumers, discards buffered deliveries and requeues everything
// unacknowledged, preserving queue order.
func (ch *Channel) closeLocked(reason *amqp.Error) {
	if ch.closed {
		return
	}

	ch.closed = true

	for tag, c := range ch.consumers {
		delete(ch.consumers, tag)
		c.q.removeConsumer(c)

	drain:
		for {
			select {
			case <-c.out:
			default:
				break drain
			}
		}

		close(c.out)
	}

	tags := make([]uint64, 0, len(ch.inflight))
	for tag := range ch.inflight {
		tags = append(tags, tag)
	}

	slices.Sort(tags)

	touched := make(map[*queue]struct{})

	for i := len(tags) - 1; i >= 0; i-- {
		inf := ch.inflight[tags[i]]
		delete(ch.inflight, tags[i])
		inf.c.unacked--
		ch.b.requeueLocked(inf)
		touched[inf.q] = struct{}{}
	}

	for q := range touched {
		ch.b.dispatchLocked(q)
	}

	notifyLocked(ch.notify, reason)
	ch.notify = nil

	for _, r := range ch.confirms {
		close(r)
	}

	ch.confirms = nil

	if i := slices.Index(ch.conn.channels, ch); i >= 0 {
		ch.conn.channels = slices.Delete(ch.conn.channels, i, i+1)
	}
}

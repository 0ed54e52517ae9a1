package inmemory

import (
	"errors"
	"testing"

	"github.com/next-trace/scg-event-bus/adapters/rabbitmq"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTopicMatch(t *testing.T) {
	cases := []struct {
		pattern, key string
		want         bool
	}{
		{"order.created", "order.created", true},
		{"order.created", "order.paid", false},
		{"order.*", "order.created", true},
		{"order.*", "order.created.v2", false},
		{"order.*", "order", false},
		{"order.#", "order", true},
		{"order.#", "order.created.v2", true},
		{"#", "anything.at.all", true},
		{"*.created", "invoice.created", true},
		{"#.created", "a.b.created", true},
		{"#.created", "a.b.paid", false},
	}

	for _, tc := range cases {
		assert.Equal(t, tc.want, topicMatch(tc.pattern, tc.key), "%s vs %s", tc.pattern, tc.key)
	}
}

func openChannel(t *testing.T, b *Broker) *Channel {
	t.Helper()

	conn, err := b.Dial(t.Context(), rabbitmq.Config{})
	require.NoError(t, err)

	ch, err := conn.Channel()
	require.NoError(t, err)

	c, ok := ch.(*Channel)
	require.True(t, ok)

	return c
}

func declare(t *testing.T, ch *Channel, queue, pattern string) {
	t.Helper()

	require.NoError(t, ch.ExchangeDeclare("ex", "topic", true, false, false, false, nil))
	_, err := ch.QueueDeclare(queue, true, false, false, false, nil)
	require.NoError(t, err)
	require.NoError(t, ch.QueueBind(queue, pattern, "ex", false, nil))
}

func TestBroker_RoutesByPattern(t *testing.T) {
	b := New()
	ch := openChannel(t, b)
	declare(t, ch, "orders", "order.*")

	for _, key := range []string{"order.created", "invoice.created", "order.paid"} {
		require.NoError(t, ch.PublishWithContext(t.Context(), "ex", key, false, false, amqp.Publishing{Body: []byte(key)}))
	}

	assert.Equal(t, 2, b.Depth("orders"))
	assert.Len(t, b.History(), 3)
}

func TestBroker_PrefetchAndRequeue(t *testing.T) {
	b := New()
	ch := openChannel(t, b)
	declare(t, ch, "q", "#")

	for range 3 {
		require.NoError(t, ch.PublishWithContext(t.Context(), "ex", "k", false, false, amqp.Publishing{Body: []byte("m")}))
	}

	require.NoError(t, ch.Qos(1, 0, false))
	out, err := ch.Consume("q", "c1", false, false, false, false, nil)
	require.NoError(t, err)

	d := <-out
	assert.False(t, d.Redelivered)
	assert.Equal(t, 1, b.Unacked("q"))
	assert.Equal(t, 2, b.Depth("q"), "prefetch holds back the rest")

	require.NoError(t, d.Nack(false, true))

	d = <-out
	assert.True(t, d.Redelivered)
	require.NoError(t, d.Ack(false))

	st := b.Stats()
	assert.Equal(t, 1, st.Acks)
	assert.Equal(t, 1, st.Nacks)
	assert.Equal(t, 1, st.Requeued)
}

func TestBroker_NackWithoutRequeueDeadLetters(t *testing.T) {
	b := New()
	ch := openChannel(t, b)
	declare(t, ch, "dead", "#")
	require.NoError(t, ch.ExchangeDeclare("work", "topic", true, false, false, false, nil))
	_, err := ch.QueueDeclare("jobs", true, false, false, false, amqp.Table{"x-dead-letter-exchange": "ex"})
	require.NoError(t, err)
	require.NoError(t, ch.QueueBind("jobs", "#", "work", false, nil))

	require.NoError(t, ch.PublishWithContext(t.Context(), "work", "job.run", false, false, amqp.Publishing{}))

	out, err := ch.Consume("jobs", "c", false, false, false, false, nil)
	require.NoError(t, err)

	d := <-out
	require.NoError(t, d.Nack(false, false))

	assert.Equal(t, 1, b.Depth("dead"))
	assert.Equal(t, 1, b.Stats().DeadLettered)
}

func TestBroker_InequivalentRedeclareClosesChannel(t *testing.T) {
	b := New()
	ch := openChannel(t, b)
	notify := ch.NotifyClose(make(chan *amqp.Error, 1))

	require.NoError(t, ch.ExchangeDeclare("ex", "topic", true, false, false, false, nil))
	err := ch.ExchangeDeclare("ex", "fanout", true, false, false, false, nil)

	var ae *amqp.Error
	require.ErrorAs(t, err, &ae)
	assert.Equal(t, amqp.PreconditionFailed, ae.Code)
	assert.True(t, ch.IsClosed())
	assert.Equal(t, amqp.PreconditionFailed, (<-notify).Code)
}

func TestBroker_DropRequeuesUnacked(t *testing.T) {
	b := New()
	ch := openChannel(t, b)
	declare(t, ch, "q", "#")
	notify := ch.conn.NotifyClose(make(chan *amqp.Error, 1))

	require.NoError(t, ch.PublishWithContext(t.Context(), "ex", "k", false, false, amqp.Publishing{}))

	out, err := ch.Consume("q", "c", false, false, false, false, nil)
	require.NoError(t, err)
	<-out

	b.Drop()

	assert.Equal(t, amqp.ConnectionForced, (<-notify).Code)
	assert.Equal(t, 1, b.Depth("q"))
	assert.Equal(t, 0, b.OpenConnections())

	_, open := <-out
	assert.False(t, open)
	assert.True(t, errors.Is(ch.Ack(1, false), amqp.ErrClosed))
}

func TestBroker_FailDials(t *testing.T) {
	b := New()
	boom := errors.New("refused")
	b.FailDials(boom)

	_, err := b.Dial(t.Context(), rabbitmq.Config{})
	require.ErrorIs(t, err, boom)
	assert.Equal(t, 1, b.Stats().Dials)
}

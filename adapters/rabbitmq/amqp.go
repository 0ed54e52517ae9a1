package rabbitmq

import (
	"context"
	"net"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Dialer opens broker connections. AMQPDialer is the production implementation; tests
// inject a broker double that counts Dial calls.
type Dialer interface {
	Dial(ctx context.Context, cfg Config) (Connection, error)
}

// DialerFunc adapts a function to Dialer.
type DialerFunc func(ctx context.Context, cfg Config) (Connection, error)

func (f DialerFunc) Dial(ctx context.Context, cfg Config) (Connection, error) { return f(ctx, cfg) }

// Connection is the subset of *amqp.Connection the manager relies on.
type Connection interface {
	Channel() (Channel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	Close() error
	IsClosed() bool
}

// Channel is the subset of *amqp.Channel used for topology, publishing and consuming.
type Channel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Confirm(noWait bool) error
	NotifyPublish(confirm chan amqp.Confirmation) chan amqp.Confirmation
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	Consume(
		queue, consumer string,
		autoAck, exclusive, noLocal, noWait bool,
		args amqp.Table,
	) (<-chan amqp.Delivery, error)
	Cancel(consumer string, noWait bool) error
	Ack(tag uint64, multiple bool) error
	Nack(tag uint64, multiple, requeue bool) error
	NotifyClose(c chan *amqp.Error) chan *amqp.Error
	Close() error
	IsClosed() bool
}

var _ Channel = (*amqp.Channel)(nil)

// AMQPDialer dials a real broker with amqp091-go.
type AMQPDialer struct{}

func (AMQPDialer) Dial(ctx context.Context, cfg Config) (Connection, error) {
	props := amqp.Table{"product": productName}
	if cfg.ConnectionName != "" {
		props["connection_name"] = cfg.ConnectionName
	}

	conn, err := amqp.DialConfig(cfg.URL, amqp.Config{
		Locale:     "en_US",
		Heartbeat:  cfg.Heartbeat,
		Properties: props,
		Dial:       contextDial(ctx, cfg.ConnTimeout),
	})
	if err != nil {
		return nil, err
	}

	return amqpConn{conn}, nil
}

// contextDial mirrors amqp.DefaultDial but also honours ctx while the socket is opened.
// The deadline covers TLS and AMQP handshaking; amqp091 clears it once the connection is open.
func contextDial(ctx context.Context, timeout time.Duration) func(network, addr string) (net.Conn, error) {
	return func(network, addr string) (net.Conn, error) {
		d := net.Dialer{Timeout: timeout}

		conn, err := d.DialContext(ctx, network, addr)
		if err != nil {
			return nil, err
		}

		if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
			_ = conn.Close()
			return nil, err
		}

		return conn, nil
	}
}

type amqpConn struct{ *amqp.Connection }

func (c amqpConn) Channel() (Channel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}

	return ch, nil
}

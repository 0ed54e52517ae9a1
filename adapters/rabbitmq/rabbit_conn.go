package rabbitmq

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	berr "github.com/next-trace/scg-event-bus/contract/errors"
	amqp "github.com/rabbitmq/amqp091-go"
	"golang.org/x/sync/singleflight"
)

const (
	productName = "scg-event-bus"

	// DefaultExchange is the shared durable topic exchange for domain events.
	DefaultExchange = "domain.events"
	// DefaultPrefetch bounds unacknowledged deliveries per consumer.
	DefaultPrefetch = 10

	defaultConnTimeout = 30 * time.Second
	confirmBuffer      = 64
)

// Config configures the broker connection and the exchange shared by publishers and
// consumers.
type Config struct {
	URL            string
	ConnectionName string
	ConnTimeout    time.Duration
	Heartbeat      time.Duration
	// Exchange is the shared topic exchange. Empty means DefaultExchange.
	Exchange string
	// PublisherConfirms makes Publish wait for the broker to confirm each message.
	PublisherConfirms bool
	// Prefetch is used by subscriptions that do not set their own.
	Prefetch int
}

func (c Config) withDefaults() Config {
	if c.ConnTimeout <= 0 {
		c.ConnTimeout = defaultConnTimeout
	}

	if c.Exchange == "" {
		c.Exchange = DefaultExchange
	}

	if c.Prefetch <= 0 {
		c.Prefetch = DefaultPrefetch
	}

	return c
}

// State is the lifecycle state of the process-wide connection.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateClosing
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateClosing:
		return "closing"
	default:
		return "unknown"
	}
}

// session is one established connection + channel pair. It is replaced wholesale on
// reconnect; gen identifies it for topology memoization.
type session struct {
	conn Connection
	ch   Channel
	gen  uint64

	lost     chan struct{}
	lostOnce sync.Once

	// confirm mode only
	confirmMu sync.Mutex
	confirms  chan amqp.Confirmation
	published uint64
}

func (s *session) markLost() { s.lostOnce.Do(func() { close(s.lost) }) }

func (s *session) shutdown() error {
	s.markLost()

	var errs []error
	if err := s.ch.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		errs = append(errs, err)
	}

	if err := s.conn.Close(); err != nil && !errors.Is(err, amqp.ErrClosed) {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

// publish writes msg on the session channel. In confirm mode it serializes publishers and
// waits for the broker acknowledgement of this message's delivery tag.
func (s *session) publish(ctx context.Context, exchange, key string, msg amqp.Publishing) error {
	if s.confirms == nil {
		return s.ch.PublishWithContext(ctx, exchange, key, false, false, msg)
	}

	s.confirmMu.Lock()
	defer s.confirmMu.Unlock()

	if err := s.ch.PublishWithContext(ctx, exchange, key, false, false, msg); err != nil {
		return err
	}

	s.published++
	tag := s.published

	for {
		select {
		case c, ok := <-s.confirms:
			if !ok {
				return fmt.Errorf("confirm stream closed: %w", berr.ErrConnectionUnavailable)
			}

			if c.DeliveryTag < tag {
				continue // late confirmation for an abandoned wait
			}

			if !c.Ack {
				return fmt.Errorf("broker nacked delivery %d", tag)
			}

			return nil
		case <-s.lost:
			return fmt.Errorf("connection lost awaiting confirm: %w", berr.ErrConnectionUnavailable)
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// ConnectionManager owns the single connection and channel shared by publishers and
// consumers of a process. The channel is opened lazily; concurrent callers during
// establishment share one attempt. There is no background redial: after an unexpected
// close the next caller re-establishes, and a failed attempt is returned to its callers.
// Close is terminal: afterwards no connection is opened again.
//
// ConnectionManager is concurrency-safe and contains no global state.
type ConnectionManager struct {
	cfg    Config
	dialer Dialer
	logger *slog.Logger

	flight singleflight.Group

	mu    sync.RWMutex
	state State
	cur   *session
	gen   uint64
	epoch  uint64 // bumped by Close; a connect that started in an older epoch is discarded
	closed bool
}

// NewConnectionManager constructs a manager. A nil dialer uses AMQPDialer; a nil logger
// discards output.
func NewConnectionManager(cfg Config, dialer Dialer, logger *slog.Logger) *ConnectionManager {
	if dialer == nil {
		dialer = AMQPDialer{}
	}

	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &ConnectionManager{cfg: cfg.withDefaults(), dialer: dialer, logger: logger}
}

// Config returns the effective configuration.
func (m *ConnectionManager) Config() Config { return m.cfg }

// State reports the current lifecycle state.
func (m *ConnectionManager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.state
}

// Channel returns the shared channel, establishing connection and channel first if needed.
// ctx bounds how long the caller waits; it does not cancel an attempt other callers share.
func (m *ConnectionManager) Channel(ctx context.Context) (Channel, error) { //nolint:ireturn
	s, err := m.session(ctx)
	if err != nil {
		return nil, err
	}

	return s.ch, nil
}

func (m *ConnectionManager) session(ctx context.Context) (*session, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if s := m.current(); s != nil {
		return s, nil
	}

	if m.isClosed() {
		return nil, errClosed()
	}

	res := m.flight.DoChan("connect", func() (any, error) { return m.establish() })

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case r := <-res:
		if r.Err != nil {
			return nil, r.Err
		}

		s, ok := r.Val.(*session)
		if !ok {
			return nil, fmt.Errorf("rabbitmq connect: unexpected result %T: %w", r.Val, berr.ErrConnectionUnavailable)
		}

		return s, nil
	}
}

func (m *ConnectionManager) current() *session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.state != StateConnected || m.cur == nil || m.cur.ch.IsClosed() {
		return nil
	}

	return m.cur
}

func (m *ConnectionManager) isClosed() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.closed
}

func errClosed() error {
	return fmt.Errorf("rabbitmq connect: %w", errors.Join(berr.ErrConnectionUnavailable, berr.ErrBusClosed))
}

func (m *ConnectionManager) establish() (*session, error) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, errClosed()
	}

	if m.state == StateConnected && m.cur != nil && !m.cur.ch.IsClosed() {
		s := m.cur
		m.mu.Unlock()

		return s, nil
	}

	if stale := m.cur; stale != nil {
		m.cur = nil
		_ = stale.shutdown() //nolint:errcheck // the broker side is already gone
	}

	m.state = StateConnecting
	epoch := m.epoch
	m.mu.Unlock()

	s, err := m.dial()
	if err != nil {
		m.mu.Lock()
		if m.epoch == epoch {
			m.state = StateDisconnected
		}
		m.mu.Unlock()

		m.logger.Warn("broker connect failed", "err", err)

		return nil, err
	}

	m.mu.Lock()
	if m.epoch != epoch {
		m.mu.Unlock()
		_ = s.shutdown() //nolint:errcheck // discarded attempt

		return nil, errClosed()
	}

	m.gen++
	s.gen = m.gen
	m.cur = s
	m.state = StateConnected
	m.mu.Unlock()

	m.logger.Info("broker connected", "generation", s.gen, "confirms", s.confirms != nil)

	return s, nil
}

func (m *ConnectionManager) dial() (*session, error) {
	ctx, cancel := context.WithTimeout(context.Background(), m.cfg.ConnTimeout)
	defer cancel()

	conn, err := m.dialer.Dial(ctx, m.cfg)
	if err != nil {
		return nil, connectionError("dial", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return nil, connectionError("open channel", err)
	}

	s := &session{conn: conn, ch: ch, lost: make(chan struct{})}

	if m.cfg.PublisherConfirms {
		if err := ch.Confirm(false); err != nil {
			_ = s.shutdown()
			return nil, connectionError("enable confirms", err)
		}

		s.confirms = ch.NotifyPublish(make(chan amqp.Confirmation, confirmBuffer))
	}

	connClosed := conn.NotifyClose(make(chan *amqp.Error, 1))
	chClosed := ch.NotifyClose(make(chan *amqp.Error, 1))

	go m.watch(s, connClosed, chClosed)

	return s, nil
}

// watch invalidates s when either its connection or its channel closes.
func (m *ConnectionManager) watch(s *session, connClosed, chClosed <-chan *amqp.Error) {
	var reason *amqp.Error

	select {
	case reason = <-connClosed:
	case reason = <-chClosed:
	case <-s.lost:
		return
	}

	m.mu.Lock()
	if m.cur != s {
		m.mu.Unlock()
		s.markLost()

		return
	}

	m.cur = nil
	m.state = StateDisconnected
	m.mu.Unlock()

	_ = s.shutdown() //nolint:errcheck // best-effort cleanup of a dead session

	if reason != nil {
		m.logger.Warn("broker connection lost", "generation", s.gen, "code", reason.Code, "reason", reason.Reason)
	} else {
		m.logger.Warn("broker connection lost", "generation", s.gen)
	}
}

// Close closes channel and connection for good; later calls to Channel fail with
// ErrBusClosed. Closing a closed or never-opened manager succeeds.
func (m *ConnectionManager) Close() error {
	m.mu.Lock()
	m.epoch++
	m.closed = true

	s := m.cur
	if s == nil {
		m.state = StateDisconnected
		m.mu.Unlock()

		return nil
	}

	m.cur = nil
	m.state = StateClosing
	m.mu.Unlock()

	err := s.shutdown()

	m.mu.Lock()
	if m.state == StateClosing {
		m.state = StateDisconnected
	}
	m.mu.Unlock()

	m.logger.Info("broker connection closed", "generation", s.gen)

	if err != nil {
		return fmt.Errorf("rabbitmq close: %w", err)
	}

	return nil
}

func connectionError(op string, err error) error {
	return fmt.Errorf("rabbitmq %s: %w", op, errors.Join(berr.ErrConnectionUnavailable, err))
}

// classify wraps channel-operation failures: a closed channel or connection becomes
// ErrConnectionUnavailable, a PRECONDITION_FAILED becomes ErrTopologyConflict.
func classify(err error) error {
	if err == nil {
		return nil
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	var ae *amqp.Error
	if errors.As(err, &ae) {
		switch ae.Code {
		case amqp.PreconditionFailed:
			return errors.Join(berr.ErrTopologyConflict, err)
		case amqp.ChannelError, amqp.ConnectionForced, amqp.FrameError, amqp.InternalError:
			return errors.Join(berr.ErrConnectionUnavailable, err)
		}
	}

	if errors.Is(err, amqp.ErrClosed) {
		return errors.Join(berr.ErrConnectionUnavailable, err)
	}

	return err
}

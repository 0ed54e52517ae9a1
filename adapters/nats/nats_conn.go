package nats

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	berr "github.com/next-trace/scg-event-bus/contract/errors"
)

// Concrete NATS connection-backed Client and constructor.

// Config configures the connection behind NewWithNATS.
type Config struct {
	URL           string
	Name          string
	ConnTimeout   time.Duration
	MaxReconnects int
	SubjectPrefix string
}

type natsClient struct{ nc *nats.Conn }

func (c natsClient) Publish(ctx context.Context, subject string, data []byte, headers map[string]string) error {
	msg := &nats.Msg{Subject: subject, Data: data}

	if len(headers) > 0 {
		msg.Header = nats.Header{}
		for k, v := range headers {
			msg.Header.Set(k, v)
		}
	}

	if err := c.nc.PublishMsg(msg); err != nil {
		return err
	}

	// FlushWithContext refuses contexts without a deadline.
	if _, ok := ctx.Deadline(); ok {
		return c.nc.FlushWithContext(ctx)
	}

	return c.nc.Flush()
}

// NewWithNATS creates a real NATS connection and returns a Forwarder and a cleanup.
func NewWithNATS(cfg Config) (*Forwarder, func(), error) {
	if cfg.URL == "" {
		return nil, nil, fmt.Errorf("%w: nats url required", berr.ErrForwardFailed)
	}

	opts := []nats.Option{}
	if cfg.Name != "" {
		opts = append(opts, nats.Name(cfg.Name))
	}

	if cfg.ConnTimeout > 0 {
		opts = append(opts, nats.Timeout(cfg.ConnTimeout))
	}

	if cfg.MaxReconnects != 0 {
		opts = append(opts, nats.MaxReconnects(cfg.MaxReconnects))
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("%w: nats connect: %w", berr.ErrForwardFailed, err)
	}

	fw := New(natsClient{nc: nc}, cfg.SubjectPrefix)
	cleanup := func() {
		if nc != nil && !nc.IsClosed() {
			_ = nc.Drain() //nolint:errcheck // best-effort shutdown; cannot return error here
			nc.Close()
		}
	}

	return fw, cleanup, nil
}

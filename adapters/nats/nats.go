// Package nats relays domain events onto NATS subjects named after their event type.
package nats

import (
	"context"
	"errors"
	"fmt"

	cbus "github.com/next-trace/scg-event-bus/contract/bus"
	berr "github.com/next-trace/scg-event-bus/contract/errors"
	"github.com/next-trace/scg-event-bus/event"
)

// Client is a minimal NATS-like publisher interface decoupled from any concrete library.
// Users can provide a wrapper around their NATS connection to satisfy this.
type Client interface {
	// Publish publishes a message to a subject with optional headers.
	Publish(ctx context.Context, subject string, data []byte, headers map[string]string) error
}

// Forwarder implements cbus.Forwarder using an injected NATS-like Client.
type Forwarder struct {
	Client        Client
	SubjectPrefix string
}

var _ cbus.Forwarder = (*Forwarder)(nil)

// New creates a NATS forwarder publishing to subjects named prefix+eventType.
func New(c Client, prefix string) *Forwarder { return &Forwarder{Client: c, SubjectPrefix: prefix} }

func (f *Forwarder) Forward(ctx context.Context, env event.Raw) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if f.Client == nil {
		return fmt.Errorf("nats forward: %w", berr.ErrForwardFailed)
	}

	data, err := event.Encode(env)
	if err != nil {
		return fmt.Errorf("nats forward: %w", err)
	}

	subj := f.Subject(env.EventType)

	if err := f.Client.Publish(ctx, subj, data, event.Headers(env)); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		return fmt.Errorf("nats forward to %q: %w", subj, errors.Join(berr.ErrForwardFailed, err))
	}

	return nil
}

// Subject returns the subject an event type is published on.
func (f *Forwarder) Subject(eventType string) string { return f.SubjectPrefix + eventType }

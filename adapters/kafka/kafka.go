// Package kafka relays domain events into Kafka topics. A Forwarder attached to a bus
// bridge writes every consumed envelope to the topic named after its event type.
package kafka

import (
	"context"
	"errors"
	"fmt"

	cbus "github.com/next-trace/scg-event-bus/contract/bus"
	berr "github.com/next-trace/scg-event-bus/contract/errors"
	"github.com/next-trace/scg-event-bus/event"
)

// Writer is a minimal Kafka-like writer interface.
// Users can adapt segmentio/kafka-go or any other client to this.
type Writer interface {
	Write(ctx context.Context, topic string, key, value []byte, headers map[string]string) error
}

// Forwarder implements cbus.Forwarder using an injected Writer.
type Forwarder struct {
	Writer      Writer
	TopicPrefix string
}

var _ cbus.Forwarder = (*Forwarder)(nil)

// New creates a Kafka forwarder writing to topics named prefix+eventType.
func New(w Writer, prefix string) *Forwarder { return &Forwarder{Writer: w, TopicPrefix: prefix} }

// Forward writes env keyed by its correlation id, so one causal chain stays on one
// partition.
func (f *Forwarder) Forward(ctx context.Context, env event.Raw) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if f.Writer == nil {
		return fmt.Errorf("kafka forward: %w", berr.ErrForwardFailed)
	}

	val, err := event.Encode(env)
	if err != nil {
		return fmt.Errorf("kafka forward: %w", err)
	}

	topic := f.Topic(env.EventType)

	if err = f.Writer.Write(ctx, topic, []byte(env.CorrelationID), val, event.Headers(env)); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return err
		}

		return fmt.Errorf("kafka forward to %q: %w", topic, errors.Join(berr.ErrForwardFailed, err))
	}

	return nil
}

// Topic returns the topic an event type is written to.
func (f *Forwarder) Topic(eventType string) string { return f.TopicPrefix + eventType }

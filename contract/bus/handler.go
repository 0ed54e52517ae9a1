package bus

import (
	"context"
	"errors"

	"github.com/next-trace/scg-event-bus/event"
)

// Handler processes one delivered envelope. Returning nil acknowledges the delivery;
// returning an error negatively acknowledges it with requeue, unless the error is wrapped
// with NoRequeue. Handlers must tolerate redelivery of the same event.
type Handler func(ctx context.Context, env event.Raw) error

// Outcome is the acknowledgement decision for a delivery.
type Outcome int

const (
	// Ack removes the delivery from the queue.
	Ack Outcome = iota
	// NackRequeue returns the delivery to the queue for redelivery.
	NackRequeue
	// NackDrop discards the delivery, or dead-letters it when the queue has a DLX.
	NackDrop
)

func (o Outcome) String() string {
	switch o {
	case Ack:
		return "ack"
	case NackRequeue:
		return "nack_requeue"
	case NackDrop:
		return "nack_drop"
	default:
		return "unknown"
	}
}

// OutcomeOf maps a handler result to its acknowledgement decision.
func OutcomeOf(err error) Outcome {
	switch {
	case err == nil:
		return Ack
	case IsNoRequeue(err):
		return NackDrop
	default:
		return NackRequeue
	}
}

type noRequeueError struct{ err error }

func (e noRequeueError) Error() string { return e.err.Error() }
func (e noRequeueError) Unwrap() error { return e.err }

// NoRequeue marks a handler error as deterministic: redelivery cannot succeed, so the
// message is dropped (or dead-lettered) instead of requeued.
func NoRequeue(err error) error {
	if err == nil {
		return nil
	}

	return noRequeueError{err: err}
}

// IsNoRequeue reports whether err was marked with NoRequeue anywhere in its chain.
func IsNoRequeue(err error) bool {
	var nr noRequeueError
	return errors.As(err, &nr)
}

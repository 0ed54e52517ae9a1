package servicebus

import (
	"context"
	"errors"
	"fmt"

	cbus "github.com/next-trace/scg-event-bus/contract/bus"
	berr "github.com/next-trace/scg-event-bus/contract/errors"
	"github.com/next-trace/scg-event-bus/event"
)

// Bridge subscribes to opts.Queue and relays every envelope to each forwarder. The delivery
// is acknowledged only when all forwarders succeeded; otherwise it is requeued, and
// forwarders that already succeeded see it again.
func (b *Bus) Bridge(ctx context.Context, opts cbus.SubscribeOptions, forwarders ...cbus.Forwarder) (cbus.Subscription, error) { //nolint:ireturn
	if len(forwarders) == 0 {
		return nil, errors.New("bridge: at least one forwarder required")
	}

	return b.Subscribe(ctx, opts, forwardAll(forwarders))
}

func forwardAll(forwarders []cbus.Forwarder) cbus.Handler {
	return func(ctx context.Context, env event.Raw) error {
		var errs []error

		for _, f := range forwarders {
			if err := f.Forward(ctx, env); err != nil {
				errs = append(errs, err)
			}
		}

		if len(errs) == 0 {
			return nil
		}

		return fmt.Errorf("bridge %s %s: %w", env.EventType, env.EventID,
			errors.Join(append([]error{berr.ErrForwardFailed}, errs...)...))
	}
}

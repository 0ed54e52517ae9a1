package servicebus

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	berr "github.com/next-trace/scg-event-bus/contract/errors"
)

// RetryPolicy bounds ConnectWithRetry. Zero fields take the defaults.
type RetryPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	// MaxElapsedTime caps the total retry time; zero means DefaultRetryPolicy's value.
	MaxElapsedTime time.Duration
}

// DefaultRetryPolicy is used for zero RetryPolicy fields.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     30 * time.Second,
		MaxElapsedTime:  2 * time.Minute,
	}
}

func (p RetryPolicy) backOff() *backoff.ExponentialBackOff {
	def := DefaultRetryPolicy()

	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = orDefault(p.InitialInterval, def.InitialInterval)
	eb.MaxInterval = orDefault(p.MaxInterval, def.MaxInterval)
	eb.MaxElapsedTime = orDefault(p.MaxElapsedTime, def.MaxElapsedTime)
	eb.Reset()

	return eb
}

func orDefault(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}

	return v
}

// ConnectWithRetry calls Connect with exponential backoff until it succeeds, ctx ends or
// the policy gives up. Topology conflicts and a closed bus stop retrying immediately.
func ConnectWithRetry(ctx context.Context, b *Bus, p RetryPolicy) error {
	op := func() error {
		err := b.Connect(ctx)
		if err == nil {
			return nil
		}

		if errors.Is(err, berr.ErrTopologyConflict) || errors.Is(err, berr.ErrBusClosed) {
			return backoff.Permanent(err)
		}

		return err
	}

	notify := func(err error, next time.Duration) {
		b.logger.WarnContext(ctx, "broker connect failed, retrying", "err", err, "retry_in", next)
	}

	return backoff.RetryNotify(op, backoff.WithContext(p.backOff(), ctx), notify)
}

package bus_test

import (
	"context"
	"errors"
	"fmt"
	"testing"

	cbus "github.com/next-trace/scg-event-bus/contract/bus"
	"github.com/stretchr/testify/assert"
)

func TestOutcomeOf(t *testing.T) {
	boom := errors.New("boom")

	assert.Equal(t, cbus.Ack, cbus.OutcomeOf(nil))
	assert.Equal(t, cbus.NackRequeue, cbus.OutcomeOf(boom))
	assert.Equal(t, cbus.NackDrop, cbus.OutcomeOf(cbus.NoRequeue(boom)))
	assert.Equal(t, cbus.NackDrop, cbus.OutcomeOf(fmt.Errorf("wrapped: %w", cbus.NoRequeue(boom))))
}

func TestNoRequeue_PreservesChain(t *testing.T) {
	boom := errors.New("boom")
	err := cbus.NoRequeue(boom)

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, "boom", err.Error())
	assert.True(t, cbus.IsNoRequeue(err))
	assert.False(t, cbus.IsNoRequeue(boom))
	assert.NoError(t, cbus.NoRequeue(nil))
}

func TestOutcome_String(t *testing.T) {
	assert.Equal(t, "ack", cbus.Ack.String())
	assert.Equal(t, "nack_requeue", cbus.NackRequeue.String())
	assert.Equal(t, "nack_drop", cbus.NackDrop.String())
	assert.Equal(t, "unknown", cbus.Outcome(42).String())
}

func TestNopHeaderPropagator(t *testing.T) {
	var p cbus.HeaderPropagator = cbus.NopHeaderPropagator{}

	h := map[string]string{"a": "b"}
	ctx := context.Background()
	p.Inject(ctx, h)

	assert.Equal(t, map[string]string{"a": "b"}, h)
	assert.Equal(t, ctx, p.Extract(ctx, h))
}

func TestErrorSinkFunc(t *testing.T) {
	var got cbus.DeliveryInfo

	var sink cbus.ErrorSink = cbus.ErrorSinkFunc(func(_ context.Context, _ error, d cbus.DeliveryInfo) { got = d })
	sink.Report(context.Background(), errors.New("x"), cbus.DeliveryInfo{Queue: "q", Outcome: cbus.NackDrop})

	assert.Equal(t, "q", got.Queue)
	assert.Equal(t, cbus.NackDrop, got.Outcome)

	// A LogSink without a logger is inert.
	cbus.LogSink{}.Report(context.Background(), errors.New("x"), got)
}

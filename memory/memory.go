// Package memory wires a Bus to the in-memory broker for tests and local runs.
package memory

import (
	"github.com/next-trace/scg-event-bus/adapters/inmemory"
	"github.com/next-trace/scg-event-bus/servicebus"
)

// New constructs a bus backed by a fresh in-memory broker and returns both, along with a
// cleanup function that closes the bus.
func New(opts ...servicebus.Option) (*servicebus.Bus, *inmemory.Broker, func()) {
	broker := inmemory.New()

	// a dialer is always set, so New cannot fail on a missing url
	sb, _ := servicebus.New(servicebus.Config{}, append([]servicebus.Option{servicebus.WithDialer(broker)}, opts...)...) //nolint:errcheck
	cleanup := func() { _ = sb.Close() }

	return sb, broker, cleanup
}

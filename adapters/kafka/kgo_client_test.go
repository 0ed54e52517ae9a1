package kafka

import (
	"errors"
	"testing"

	berr "github.com/next-trace/scg-event-bus/contract/errors"
)

func TestKgoOpts_Validation(t *testing.T) {
	cases := []struct {
		name string
		cfg  Config
		ok   bool
	}{
		{"no brokers", Config{}, false},
		{"defaults", Config{Brokers: []string{"localhost:9092"}}, true},
		{"idempotent", Config{Brokers: []string{"localhost:9092"}, Idempotent: true, Compression: "zstd"}, true},
		{"leader acks", Config{Brokers: []string{"localhost:9092"}, Acks: "leader", Compression: "lz4"}, true},
		{"idempotent needs all acks", Config{Brokers: []string{"localhost:9092"}, Idempotent: true, Acks: "none"}, false},
		{"unknown acks", Config{Brokers: []string{"localhost:9092"}, Acks: "some"}, false},
		{"unknown compression", Config{Brokers: []string{"localhost:9092"}, Compression: "brotli"}, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := kgoOpts(tc.cfg)
			if tc.ok && err != nil {
				t.Fatalf("unexpected error: %v", err)
			}

			if !tc.ok && !errors.Is(err, berr.ErrForwardFailed) {
				t.Fatalf("want ErrForwardFailed, got %v", err)
			}
		})
	}
}

func TestNewWithKgo_RequiresBrokers(t *testing.T) {
	if _, _, err := NewWithKgo(Config{}); err == nil {
		t.Fatal("expected error")
	}
}

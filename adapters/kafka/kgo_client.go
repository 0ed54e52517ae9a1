package kafka

import (
	"context"
	"crypto/tls"
	"fmt"
	"maps"
	"slices"
	"strings"

	berr "github.com/next-trace/scg-event-bus/contract/errors"
	"github.com/twmb/franz-go/pkg/kgo"
)

// Concrete franz-go based constructor and writer wrapper.

// Config configures the franz-go client behind NewWithKgo.
type Config struct {
	Brokers  []string
	TLS      *tls.Config
	ClientID string
	// Acks is one of all, leader or none. Empty means all.
	Acks string
	// Idempotent enables the idempotent producer; it requires Acks all.
	Idempotent bool
	// Compression is one of none, gzip, snappy, lz4 or zstd. Empty means none.
	Compression string
	TopicPrefix string
}

type kgoWriter struct{ cl *kgo.Client }

func (w kgoWriter) Write(ctx context.Context, topic string, key, value []byte, headers map[string]string) error {
	rec := &kgo.Record{Topic: topic, Key: key, Value: value}
	if len(headers) > 0 {
		rec.Headers = make([]kgo.RecordHeader, 0, len(headers))
		for _, k := range slices.Sorted(maps.Keys(headers)) {
			rec.Headers = append(rec.Headers, kgo.RecordHeader{Key: k, Value: []byte(headers[k])})
		}
	}

	return w.cl.ProduceSync(ctx, rec).FirstErr()
}

// NewWithKgo builds a franz-go client based Forwarder. The returned cleanup should be
// called to flush and close the client.
func NewWithKgo(cfg Config) (*Forwarder, func(), error) {
	opts, err := kgoOpts(cfg)
	if err != nil {
		return nil, nil, err
	}

	cl, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, nil, fmt.Errorf("kafka client init: %w", err)
	}

	fw := New(kgoWriter{cl: cl}, cfg.TopicPrefix)
	cleanup := func() { cl.Close() }

	return fw, cleanup, nil
}

func kgoOpts(cfg Config) ([]kgo.Opt, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("%w: kafka brokers required", berr.ErrForwardFailed)
	}

	opts := []kgo.Opt{kgo.SeedBrokers(cfg.Brokers...)}
	if cfg.ClientID != "" {
		opts = append(opts, kgo.ClientID(cfg.ClientID))
	}

	if cfg.TLS != nil {
		opts = append(opts, kgo.DialTLSConfig(cfg.TLS))
	}

	switch strings.ToLower(cfg.Acks) {
	case "", "all":
		opts = append(opts, kgo.RequiredAcks(kgo.AllISRAcks()))
	case "leader":
		opts = append(opts, kgo.RequiredAcks(kgo.LeaderAck()))
	case "none":
		opts = append(opts, kgo.RequiredAcks(kgo.NoAck()))
	default:
		return nil, fmt.Errorf("%w: unknown kafka acks %q", berr.ErrForwardFailed, cfg.Acks)
	}

	if cfg.Idempotent {
		if a := strings.ToLower(cfg.Acks); a != "" && a != "all" {
			return nil, fmt.Errorf("%w: idempotent producer requires acks all", berr.ErrForwardFailed)
		}
	} else {
		opts = append(opts, kgo.DisableIdempotentWrite())
	}

	codec, err := compression(cfg.Compression)
	if err != nil {
		return nil, err
	}

	opts = append(opts, kgo.ProducerBatchCompression(codec))

	return opts, nil
}

func compression(name string) (kgo.CompressionCodec, error) {
	switch strings.ToLower(name) {
	case "", "none":
		return kgo.NoCompression(), nil
	case "gzip":
		return kgo.GzipCompression(), nil
	case "snappy":
		return kgo.SnappyCompression(), nil
	case "lz4":
		return kgo.Lz4Compression(), nil
	case "zstd":
		return kgo.ZstdCompression(), nil
	default:
		return kgo.CompressionCodec{}, fmt.Errorf("%w: unknown kafka compression %q", berr.ErrForwardFailed, name)
	}
}

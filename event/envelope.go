/*
Package event defines the envelope that wraps every domain event on the bus, its JSON codec,
and the schema registry consumers use to decode payloads per (event type, version).
*/
package event

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	berr "github.com/next-trace/scg-event-bus/contract/errors"
)

// DefaultVersion is used when the producer does not set a version.
const DefaultVersion = 1

// Envelope is the immutable record published for a domain event.
// EventType doubles as the routing key, so it must be a valid dot-delimited name.
type Envelope[T any] struct {
	EventID       string    `json:"eventId"`
	EventType     string    `json:"eventType"`
	Version       int       `json:"version"`
	OccurredAt    time.Time `json:"occurredAt"`
	CorrelationID string    `json:"correlationId"`
	CausationID   string    `json:"causationId,omitempty"`
	Data          T         `json:"data"`
}

// Raw is an envelope whose payload has not been decoded yet. Consumers receive Raw
// envelopes and decode Data through a Registry or DecodeData.
type Raw = Envelope[json.RawMessage]

// Option overrides envelope fields at construction time.
type Option func(*options)

type options struct {
	eventID       string
	correlationID string
	causationID   string
	version       int
	now           func() time.Time
	requireCorr   bool
}

// WithVersion sets the payload schema version. Producers bump it on incompatible changes.
func WithVersion(v int) Option { return func(o *options) { o.version = v } }

// WithCorrelationID continues an existing correlation chain.
func WithCorrelationID(id string) Option { return func(o *options) { o.correlationID = id } }

// WithCausationID records the id of the event or request that caused this one.
func WithCausationID(id string) Option { return func(o *options) { o.causationID = id } }

// WithEventID reuses a caller-owned event id, typically when retrying a failed publish so
// consumers can deduplicate the retry.
func WithEventID(id string) Option { return func(o *options) { o.eventID = id } }

// WithClock replaces time.Now for OccurredAt.
func WithClock(now func() time.Time) Option { return func(o *options) { o.now = now } }

// RequireCorrelation makes New fail with ErrMissingCorrelation instead of minting a
// correlation id when none was supplied.
func RequireCorrelation() Option { return func(o *options) { o.requireCorr = true } }

// New constructs an envelope. The event id is always fresh unless WithEventID is given;
// the correlation id is minted only when none was supplied.
func New[T any](eventType string, data T, opts ...Option) (Envelope[T], error) {
	o := options{version: DefaultVersion, now: time.Now}
	for _, f := range opts {
		f(&o)
	}

	if err := ValidateType(eventType); err != nil {
		return Envelope[T]{}, err
	}

	if o.version <= 0 {
		return Envelope[T]{}, fmt.Errorf("event %s version %d: %w", eventType, o.version, berr.ErrInvalidVersion)
	}

	id := o.eventID
	if id == "" {
		id = uuid.NewString()
	}

	corr := o.correlationID
	if corr == "" {
		if o.requireCorr {
			return Envelope[T]{}, fmt.Errorf("event %s: %w", eventType, berr.ErrMissingCorrelation)
		}

		corr = newDistinctID(id)
	}

	return Envelope[T]{
		EventID:       id,
		EventType:     eventType,
		Version:       o.version,
		OccurredAt:    o.now().UTC(),
		CorrelationID: corr,
		CausationID:   o.causationID,
		Data:          data,
	}, nil
}

// ValidateType checks that t is usable verbatim as a topic routing key:
// non-empty dot-delimited words without wildcards or whitespace.
func ValidateType(t string) error {
	if strings.TrimSpace(t) == "" {
		return fmt.Errorf("event type is empty: %w", berr.ErrInvalidEventType)
	}

	if strings.ContainsAny(t, "*# \t\r\n") {
		return fmt.Errorf("event type %q contains wildcard or whitespace: %w", t, berr.ErrInvalidEventType)
	}

	for _, seg := range strings.Split(t, ".") {
		if seg == "" {
			return fmt.Errorf("event type %q has an empty segment: %w", t, berr.ErrInvalidEventType)
		}
	}

	return nil
}

func newDistinctID(other string) string {
	for {
		id := uuid.NewString()
		if id != other {
			return id
		}
	}
}

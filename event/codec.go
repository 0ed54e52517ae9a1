package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	berr "github.com/next-trace/scg-event-bus/contract/errors"
)

// ContentType is the wire content type of encoded envelopes.
const ContentType = "application/json"

// Encode serializes an envelope to its UTF-8 JSON wire form.
func Encode[T any](env Envelope[T]) ([]byte, error) {
	b, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", env.EventType, errors.Join(berr.ErrSerializationFailed, err))
	}

	return b, nil
}

// Decode parses a wire envelope. Unknown fields are ignored so newer producers can add
// metadata without breaking older consumers.
func Decode[T any](b []byte) (Envelope[T], error) {
	var env Envelope[T]
	if err := json.Unmarshal(b, &env); err != nil {
		return Envelope[T]{}, fmt.Errorf("decode envelope: %w", errors.Join(berr.ErrSerializationFailed, err))
	}

	if err := checkHeader(env.EventID, env.EventType, env.Version); err != nil {
		return Envelope[T]{}, err
	}

	return env, nil
}

// DecodeData decodes the payload of a raw envelope into T without consulting a registry.
func DecodeData[T any](raw Raw) (Envelope[T], error) {
	var data T
	if len(raw.Data) > 0 {
		if err := json.Unmarshal(raw.Data, &data); err != nil {
			return Envelope[T]{}, fmt.Errorf(
				"decode %s v%d data: %w", raw.EventType, raw.Version, errors.Join(berr.ErrSerializationFailed, err),
			)
		}
	}

	return WithData(raw, data), nil
}

// WithData copies the metadata of env onto a new payload.
func WithData[T, U any](env Envelope[T], data U) Envelope[U] {
	return Envelope[U]{
		EventID:       env.EventID,
		EventType:     env.EventType,
		Version:       env.Version,
		OccurredAt:    env.OccurredAt,
		CorrelationID: env.CorrelationID,
		CausationID:   env.CausationID,
		Data:          data,
	}
}

func checkHeader(id, typ string, version int) error {
	switch {
	case id == "":
		return fmt.Errorf("decode envelope: missing eventId: %w", berr.ErrSerializationFailed)
	case typ == "":
		return fmt.Errorf("decode envelope: missing eventType: %w", berr.ErrSerializationFailed)
	case version <= 0:
		return fmt.Errorf("decode envelope %s: version %d: %w", typ, version, berr.ErrSerializationFailed)
	}

	return nil
}

// Metadata header names used when an envelope is relayed to transports that carry
// headers next to the body.
const (
	HeaderEventID       = "event-id"
	HeaderEventType     = "event-type"
	HeaderEventVersion  = "event-version"
	HeaderCorrelationID = "correlation-id"
	HeaderCausationID   = "causation-id"
)

// Headers returns the envelope metadata as transport headers. The causation header is
// omitted when empty.
func Headers[T any](env Envelope[T]) map[string]string {
	h := map[string]string{
		HeaderEventID:       env.EventID,
		HeaderEventType:     env.EventType,
		HeaderEventVersion:  strconv.Itoa(env.Version),
		HeaderCorrelationID: env.CorrelationID,
	}

	if env.CausationID != "" {
		h[HeaderCausationID] = env.CausationID
	}

	return h
}

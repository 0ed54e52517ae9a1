package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"sort"
	"sync"

	berr "github.com/next-trace/scg-event-bus/contract/errors"
)

// Key identifies a payload schema.
type Key struct {
	EventType string
	Version   int
}

func (k Key) String() string { return fmt.Sprintf("%s v%d", k.EventType, k.Version) }

type schema struct {
	typ    reflect.Type
	decode func(json.RawMessage) (any, error)
}

// Registry maps (event type, version) to a payload decoder with optional validation.
// Consumers consult it instead of trusting the structural shape of data.
// Registry is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	schemas map[Key]schema
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{schemas: make(map[Key]schema)}
}

// Register binds payload type T, and an optional validator, to (eventType, version).
// Registering the same key twice is rejected.
func Register[T any](r *Registry, eventType string, version int, validate func(T) error) error {
	return register(r, eventType, version, validate, false)
}

// Ensure registers T for (eventType, version) unless the key is already registered with
// the same payload type, in which case the existing schema and its validator are kept.
// A key registered with a different payload type is an error.
func Ensure[T any](r *Registry, eventType string, version int, validate func(T) error) error {
	return register(r, eventType, version, validate, true)
}

func register[T any](r *Registry, eventType string, version int, validate func(T) error, reuse bool) error {
	if err := ValidateType(eventType); err != nil {
		return err
	}

	if version <= 0 {
		return fmt.Errorf("register %s v%d: %w", eventType, version, berr.ErrInvalidVersion)
	}

	k := Key{EventType: eventType, Version: version}

	r.mu.Lock()
	defer r.mu.Unlock()

	typ := reflect.TypeFor[T]()

	if prev, exists := r.schemas[k]; exists {
		if reuse && prev.typ == typ {
			return nil
		}

		if prev.typ != typ {
			return fmt.Errorf("register %s: schema already registered with payload %s, requested %s", k, prev.typ, typ)
		}

		return fmt.Errorf("register %s: schema already registered", k)
	}

	r.schemas[k] = schema{typ: typ, decode: func(data json.RawMessage) (any, error) {
		var v T
		if err := json.Unmarshal(data, &v); err != nil {
			return nil, err
		}

		if validate != nil {
			if err := validate(v); err != nil {
				return nil, err
			}
		}

		return v, nil
	}}

	return nil
}

// Has reports whether a schema is registered for k.
func (r *Registry) Has(k Key) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.schemas[k]

	return ok
}

// Versions lists the registered versions of eventType in ascending order.
func (r *Registry) Versions(eventType string) []int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []int

	for k := range r.schemas {
		if k.EventType == eventType {
			out = append(out, k.Version)
		}
	}

	sort.Ints(out)

	return out
}

// As decodes and validates the payload of raw into T using the schema registered for its
// (type, version). A nil registry falls back to plain JSON decoding.
func As[T any](r *Registry, raw Raw) (Envelope[T], error) {
	if r == nil {
		return DecodeData[T](raw)
	}

	k := Key{EventType: raw.EventType, Version: raw.Version}

	r.mu.RLock()
	s, ok := r.schemas[k]
	r.mu.RUnlock()

	if !ok {
		return Envelope[T]{}, fmt.Errorf("decode %s: %w", k, berr.ErrSchemaNotRegistered)
	}

	v, err := s.decode(raw.Data)
	if err != nil {
		return Envelope[T]{}, fmt.Errorf("decode %s data: %w", k, errors.Join(berr.ErrSerializationFailed, err))
	}

	data, ok := v.(T)
	if !ok {
		return Envelope[T]{}, fmt.Errorf("decode %s: registered payload is %T: %w", k, v, berr.ErrSerializationFailed)
	}

	return WithData(raw, data), nil
}

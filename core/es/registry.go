package es

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/samuelvi/eventsourcing-with-ddd-and-cqrs/internal/codec"
)

var ErrUnknownEventType = errors.New("unknown event type")

// DecodeError is returned when a stored payload cannot be turned back into
// its domain event.
type DecodeError struct {
	EventID   string
	EventType string
	Err       error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode event %s (%s): %v", e.EventID, e.EventType, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

type decoder func(payload []byte) (Event, error)

// Registry maps event type names to typed decoders.
type Registry struct {
	mu       sync.RWMutex
	decoders map[string]decoder
}

func NewRegistry() *Registry {
	return &Registry{decoders: map[string]decoder{}}
}

// Register adds a decoder for T, keyed by T's EventType. T is expected to be
// a value type whose zero value reports its type name.
func Register[T Event](r *Registry) {
	var zero T
	r.mu.Lock()
	defer r.mu.Unlock()
	r.decoders[zero.EventType()] = func(payload []byte) (Event, error) {
		var ev T
		if err := codec.Unmarshal(payload, &ev); err != nil {
			return nil, err
		}
		return ev, nil
	}
}

func (r *Registry) Decode(e StoredEvent) (Event, error) {
	r.mu.RLock()
	dec, ok := r.decoders[e.EventType]
	r.mu.RUnlock()
	if !ok {
		return nil, &DecodeError{
			EventID:   e.ID,
			EventType: e.EventType,
			Err:       fmt.Errorf("%w: %s", ErrUnknownEventType, e.EventType),
		}
	}
	ev, err := dec(e.Payload)
	if err != nil {
		return nil, &DecodeError{EventID: e.ID, EventType: e.EventType, Err: err}
	}
	return ev, nil
}

func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.decoders))
	for t := range r.decoders {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

func encode(ev Event) ([]byte, error) { return codec.Marshal(ev) }

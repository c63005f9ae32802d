package es

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// StoredEvent is the unit of persistence in the EventStore. It is immutable
// once appended.
type StoredEvent struct {
	// ID is generated by the server (UUIDv7) when the event is built.
	ID string `json:"id"`
	// AggregateID is the client supplied identifier of the aggregate.
	AggregateID string `json:"aggregateId"`
	// EventType is the registry key used to decode Payload.
	EventType string `json:"eventType"`
	// Payload is the JSON encoded domain event.
	Payload json.RawMessage `json:"payload"`
	// Version is the per-aggregate version. Aggregates emit a single event.
	Version int `json:"version"`
	// OccurredOn is stamped by the server.
	OccurredOn time.Time `json:"occurredOn"`
	// Seq is assigned by the store and breaks OccurredOn ties.
	Seq uint64 `json:"-"`
}

// Event is implemented by every domain event that can be stored.
type Event interface {
	EventType() string
}

func (e StoredEvent) Validate() error {
	if e.ID == "" {
		return errors.New("event id is empty")
	}
	if e.AggregateID == "" {
		return errors.New("event aggregate id is empty")
	}
	if e.EventType == "" {
		return errors.New("event type is empty")
	}
	if e.OccurredOn.IsZero() {
		return errors.New("event occurred on is zero")
	}
	if len(e.Payload) == 0 {
		return errors.New("event payload is empty")
	}
	return nil
}

func (e StoredEvent) LogAttrs() slog.Attr {
	return slog.Group(
		"event",
		slog.String("id", e.ID),
		slog.String("type", e.EventType),
		slog.String("aggregate_id", e.AggregateID),
		slog.Int("version", e.Version),
		slog.Uint64("seq", e.Seq),
		slog.Time("occurred_on", e.OccurredOn),
	)
}

// Before reports whether e sorts before o in the global replay order.
func (e StoredEvent) Before(o StoredEvent) bool {
	if !e.OccurredOn.Equal(o.OccurredOn) {
		return e.OccurredOn.Before(o.OccurredOn)
	}
	return e.Seq < o.Seq
}

// NewStoredEvent encodes ev and wraps it for persistence.
func NewStoredEvent(aggregateID string, ev Event, occurredOn time.Time) (StoredEvent, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return StoredEvent{}, fmt.Errorf("generate event id: %w", err)
	}
	payload, err := encode(ev)
	if err != nil {
		return StoredEvent{}, fmt.Errorf("encode %s: %w", ev.EventType(), err)
	}
	return StoredEvent{
		ID:          id.String(),
		AggregateID: aggregateID,
		EventType:   ev.EventType(),
		Payload:     payload,
		Version:     1,
		OccurredOn:  occurredOn.UTC(),
	}, nil
}

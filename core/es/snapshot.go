package es

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

// Snapshot captures read-side counters at a given event count. Snapshots are
// observational; replay never starts from one.
type Snapshot struct {
	ID          string         `json:"id"`
	AggregateID string         `json:"aggregateId"`
	Version     int            `json:"version"`
	State       map[string]any `json:"state"`
	CreatedAt   time.Time      `json:"createdAt"`
}

func (s *Snapshot) logAttrs() slog.Attr {
	return slog.Group(
		"snapshot",
		slog.String("id", s.ID),
		slog.String("aggregate_id", s.AggregateID),
		slog.Int("version", s.Version),
		slog.Time("created_at", s.CreatedAt),
	)
}

var snapshotNamespace = uuid.MustParse("5b0e3c1e-2f0a-4c55-9a53-6f3f8e1d7a42")

// SnapshotID derives the snapshot id from aggregate id and version, so a
// snapshot taken twice lands on the same record.
func SnapshotID(aggregateID string, version int) string {
	return uuid.NewSHA1(snapshotNamespace, fmt.Appendf(nil, "%s@%d", aggregateID, version)).String()
}

// NewSnapshot builds the snapshot record for aggregateID at version.
func NewSnapshot(aggregateID string, version int, state map[string]any, at time.Time) (*Snapshot, error) {
	if aggregateID == "" {
		return nil, errors.New("snapshot aggregate id is empty")
	}
	if state == nil {
		state = map[string]any{}
	}
	return &Snapshot{
		ID:          SnapshotID(aggregateID, version),
		AggregateID: aggregateID,
		Version:     version,
		State:       state,
		CreatedAt:   at.UTC(),
	}, nil
}

package es

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrStorage wraps every failure of the underlying storage backend.
	ErrStorage = errors.New("storage failure")
)

type (
	// EventStore is the append-only event log.
	EventStore interface {
		// Append persists e and returns its position in the log: 1 for the
		// first event after a clear. Positions are assigned atomically, so
		// concurrent appends never share one. It never rejects duplicates;
		// callers check FindByAggregateID first.
		Append(ctx context.Context, e StoredEvent) (int, error)
		// FindByAggregateID returns nil when no event exists for id.
		FindByAggregateID(ctx context.Context, id string) (*StoredEvent, error)
		// FindAll returns every event ordered by OccurredOn, then Seq.
		FindAll(ctx context.Context) ([]StoredEvent, error)
		Count(ctx context.Context) (int, error)
		// Clear removes events, snapshots and checkpoints.
		Clear(ctx context.Context) error
	}

	CheckpointStore interface {
		// GetCheckpoint returns nil when the projection never ran since the
		// last clear.
		GetCheckpoint(ctx context.Context, projection string) (*Checkpoint, error)
		UpsertCheckpoint(ctx context.Context, projection string, lastEventID string, at time.Time) error
		ListCheckpoints(ctx context.Context) ([]Checkpoint, error)
		ClearCheckpoints(ctx context.Context) error
	}

	SnapshotStore interface {
		// TakeSnapshot is idempotent per aggregate id and version: taking
		// the same snapshot again returns the stored one.
		TakeSnapshot(ctx context.Context, aggregateID string, version int, state map[string]any) (*Snapshot, error)
		ListSnapshots(ctx context.Context) ([]Snapshot, error)
		CountSnapshots(ctx context.Context) (int, error)
	}

	// Store is implemented by backends that keep all three collections
	// together, which lets EventStore.Clear wipe them in one pass.
	Store interface {
		EventStore
		CheckpointStore
		SnapshotStore
	}
)

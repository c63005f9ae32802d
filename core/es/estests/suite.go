// Package estests contains a conformance suite every es.Store backend runs.
package estests

import (
	"context"
	"slices"
	"sync"
	"testing"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/samuelvi/eventsourcing-with-ddd-and-cqrs/core/es"
)

type sampleEvent struct {
	Name string `json:"name"`
}

func (sampleEvent) EventType() string { return "SampleHappened" }

func newEvent(t *testing.T, aggID string, at time.Time) es.StoredEvent {
	t.Helper()
	e, err := es.NewStoredEvent(aggID, sampleEvent{Name: gonanoid.Must(6)}, at)
	require.NoError(t, err)
	return e
}

func mustAppend(t *testing.T, s es.EventStore, e es.StoredEvent) int {
	t.Helper()
	pos, err := s.Append(t.Context(), e)
	require.NoError(t, err)
	return pos
}

// RunStoreSuite exercises the EventStore, CheckpointStore and SnapshotStore
// contracts against a fresh store returned by newStore.
func RunStoreSuite(t *testing.T, newStore func(t *testing.T) es.Store) {
	base := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	t.Run("find by aggregate id", func(t *testing.T) {
		s := newStore(t)
		ctx := t.Context()

		found, err := s.FindByAggregateID(ctx, "missing")
		require.NoError(t, err)
		require.Nil(t, found)

		e := newEvent(t, "agg-1", base)
		mustAppend(t, s, e)

		found, err = s.FindByAggregateID(ctx, "agg-1")
		require.NoError(t, err)
		require.NotNil(t, found)
		require.Equal(t, e.ID, found.ID)
		require.Equal(t, e.EventType, found.EventType)
		require.JSONEq(t, string(e.Payload), string(found.Payload))
		require.True(t, e.OccurredOn.Equal(found.OccurredOn))
	})

	t.Run("append never rejects duplicates", func(t *testing.T) {
		s := newStore(t)
		ctx := t.Context()
		mustAppend(t, s, newEvent(t, "agg-1", base))
		mustAppend(t, s, newEvent(t, "agg-1", base))

		n, err := s.Count(ctx)
		require.NoError(t, err)
		require.Equal(t, 2, n)
	})

	t.Run("append reports its position", func(t *testing.T) {
		s := newStore(t)
		ctx := t.Context()
		for want := 1; want <= 3; want++ {
			require.Equal(t, want, mustAppend(t, s, newEvent(t, "agg", base)))
		}

		require.NoError(t, s.Clear(ctx))
		require.Equal(t, 1, mustAppend(t, s, newEvent(t, "agg", base)))
	})

	t.Run("concurrent appends get distinct positions", func(t *testing.T) {
		s := newStore(t)
		const n = 20

		var (
			mu        sync.Mutex
			positions []int
			wg        sync.WaitGroup
		)
		events := make([]es.StoredEvent, n)
		for i := range events {
			events[i] = newEvent(t, gonanoid.Must(8), base)
		}
		for _, e := range events {
			wg.Add(1)
			go func() {
				defer wg.Done()
				pos, err := s.Append(context.Background(), e)
				if !assert.NoError(t, err) {
					return
				}
				mu.Lock()
				positions = append(positions, pos)
				mu.Unlock()
			}()
		}
		wg.Wait()

		slices.Sort(positions)
		want := make([]int, n)
		for i := range want {
			want[i] = i + 1
		}
		require.Equal(t, want, positions)
	})

	t.Run("find all is ordered by occurrence then insertion", func(t *testing.T) {
		s := newStore(t)
		ctx := t.Context()

		late := newEvent(t, "late", base.Add(time.Minute))
		early := newEvent(t, "early", base)
		tieA := newEvent(t, "tie-a", base.Add(30*time.Second))
		tieB := newEvent(t, "tie-b", base.Add(30*time.Second))
		for _, e := range []es.StoredEvent{late, early, tieA, tieB} {
			mustAppend(t, s, e)
		}

		all, err := s.FindAll(ctx)
		require.NoError(t, err)
		ids := make([]string, 0, len(all))
		for _, e := range all {
			ids = append(ids, e.AggregateID)
		}
		require.Equal(t, []string{"early", "tie-a", "tie-b", "late"}, ids)
	})

	t.Run("checkpoints", func(t *testing.T) {
		s := newStore(t)
		ctx := t.Context()

		cp, err := s.GetCheckpoint(ctx, "p1")
		require.NoError(t, err)
		require.Nil(t, cp)

		require.NoError(t, s.UpsertCheckpoint(ctx, "p1", "e1", base))
		require.NoError(t, s.UpsertCheckpoint(ctx, "p1", "e2", base.Add(time.Second)))
		require.NoError(t, s.UpsertCheckpoint(ctx, "p2", "e1", base))

		cp, err = s.GetCheckpoint(ctx, "p1")
		require.NoError(t, err)
		require.NotNil(t, cp)
		require.NotNil(t, cp.LastEventID)
		require.Equal(t, "e2", *cp.LastEventID)

		list, err := s.ListCheckpoints(ctx)
		require.NoError(t, err)
		require.Len(t, list, 2)
		require.Equal(t, "p1", list[0].ProjectionName)

		require.NoError(t, s.ClearCheckpoints(ctx))
		list, err = s.ListCheckpoints(ctx)
		require.NoError(t, err)
		require.Empty(t, list)
	})

	t.Run("snapshots", func(t *testing.T) {
		s := newStore(t)
		ctx := t.Context()

		snap, err := s.TakeSnapshot(ctx, "agg", 10, map[string]any{"users": 3})
		require.NoError(t, err)
		require.NotEmpty(t, snap.ID)
		require.Equal(t, 10, snap.Version)

		n, err := s.CountSnapshots(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, n)

		list, err := s.ListSnapshots(ctx)
		require.NoError(t, err)
		require.Len(t, list, 1)
		require.EqualValues(t, 3, list[0].State["users"])
	})

	t.Run("snapshots are idempotent per version", func(t *testing.T) {
		s := newStore(t)
		ctx := t.Context()

		first, err := s.TakeSnapshot(ctx, "agg", 6, map[string]any{"users": 1})
		require.NoError(t, err)
		again, err := s.TakeSnapshot(ctx, "agg", 6, map[string]any{"users": 2})
		require.NoError(t, err)
		require.Equal(t, first.ID, again.ID)
		require.EqualValues(t, 1, again.State["users"])

		_, err = s.TakeSnapshot(ctx, "agg", 9, nil)
		require.NoError(t, err)

		n, err := s.CountSnapshots(ctx)
		require.NoError(t, err)
		require.Equal(t, 2, n)
	})

	t.Run("clear wipes everything", func(t *testing.T) {
		s := newStore(t)
		ctx := t.Context()
		mustAppend(t, s, newEvent(t, "agg-1", base))
		require.NoError(t, s.UpsertCheckpoint(ctx, "p1", "e1", base))
		_, err := s.TakeSnapshot(ctx, "agg", 1, nil)
		require.NoError(t, err)

		require.NoError(t, s.Clear(ctx))

		n, err := s.Count(ctx)
		require.NoError(t, err)
		require.Zero(t, n)
		n, err = s.CountSnapshots(ctx)
		require.NoError(t, err)
		require.Zero(t, n)
		cps, err := s.ListCheckpoints(ctx)
		require.NoError(t, err)
		require.Empty(t, cps)

		found, err := s.FindByAggregateID(ctx, "agg-1")
		require.NoError(t, err)
		require.Nil(t, found)
	})
}

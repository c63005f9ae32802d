package es

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// InMemoryStore keeps events, checkpoints and snapshots in process memory.
type InMemoryStore struct {
	mu          sync.RWMutex
	log         *slog.Logger
	metrics     Metrics
	now         func() time.Time
	seq         uint64
	events      []StoredEvent
	byAggregate map[string]int
	checkpoints map[string]Checkpoint
	snapshots   []Snapshot
}

func NewInMemoryStore(opts ...InMemoryStoreOption) *InMemoryStore {
	s := &InMemoryStore{
		log:         slog.Default().With(slog.String("store", "memory")),
		metrics:     NopMetrics(),
		now:         time.Now,
		byAggregate: map[string]int{},
		checkpoints: map[string]Checkpoint{},
	}
	for _, opt := range opts {
		opt.applyToInMemoryStore(s)
	}
	return s
}

func (s *InMemoryStore) Append(ctx context.Context, e StoredEvent) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	if err := e.Validate(); err != nil {
		return 0, fmt.Errorf("append: %w", err)
	}
	defer s.metrics.StoreAppendDuration().ObserveDuration()

	s.mu.Lock()
	s.seq++
	e.Seq = s.seq
	if _, ok := s.byAggregate[e.AggregateID]; !ok {
		s.byAggregate[e.AggregateID] = len(s.events)
	}
	s.events = append(s.events, e)
	pos := len(s.events)
	s.mu.Unlock()

	s.metrics.EventsAppended(e.EventType)
	s.log.Debug("appended", e.LogAttrs(), slog.Int("position", pos))
	return pos, nil
}

func (s *InMemoryStore) FindByAggregateID(_ context.Context, id string) (*StoredEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx, ok := s.byAggregate[id]
	if !ok {
		return nil, nil
	}
	e := s.events[idx]
	return &e, nil
}

func (s *InMemoryStore) FindAll(_ context.Context) ([]StoredEvent, error) {
	s.mu.RLock()
	out := make([]StoredEvent, len(s.events))
	copy(out, s.events)
	s.mu.RUnlock()

	sort.SliceStable(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

func (s *InMemoryStore) Count(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events), nil
}

func (s *InMemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = nil
	s.byAggregate = map[string]int{}
	s.checkpoints = map[string]Checkpoint{}
	s.snapshots = nil
	s.log.Info("cleared events, snapshots and checkpoints")
	return nil
}

// === checkpoints ===

func (s *InMemoryStore) GetCheckpoint(_ context.Context, projection string) (*Checkpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cp, ok := s.checkpoints[projection]
	if !ok {
		return nil, nil
	}
	return &cp, nil
}

func (s *InMemoryStore) UpsertCheckpoint(_ context.Context, projection string, lastEventID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var prev *Checkpoint
	if cp, ok := s.checkpoints[projection]; ok {
		prev = &cp
	}
	s.checkpoints[projection] = NextCheckpoint(prev, projection, lastEventID, at)
	return nil
}

func (s *InMemoryStore) ListCheckpoints(_ context.Context) ([]Checkpoint, error) {
	s.mu.RLock()
	out := make([]Checkpoint, 0, len(s.checkpoints))
	for _, cp := range s.checkpoints {
		out = append(out, cp)
	}
	s.mu.RUnlock()
	sortCheckpoints(out)
	return out, nil
}

func (s *InMemoryStore) ClearCheckpoints(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.checkpoints = map[string]Checkpoint{}
	return nil
}

// === snapshots ===

func (s *InMemoryStore) TakeSnapshot(_ context.Context, aggregateID string, version int, state map[string]any) (*Snapshot, error) {
	snap, err := NewSnapshot(aggregateID, version, state, s.now())
	if err != nil {
		return nil, err
	}
	s.mu.Lock()
	for _, existing := range s.snapshots {
		if existing.ID == snap.ID {
			s.mu.Unlock()
			return &existing, nil
		}
	}
	s.snapshots = append(s.snapshots, *snap)
	s.mu.Unlock()
	s.log.Debug("snapshot taken", snap.logAttrs())
	return snap, nil
}

func (s *InMemoryStore) ListSnapshots(_ context.Context) ([]Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Snapshot, len(s.snapshots))
	copy(out, s.snapshots)
	return out, nil
}

func (s *InMemoryStore) CountSnapshots(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.snapshots), nil
}

var _ Store = (*InMemoryStore)(nil)

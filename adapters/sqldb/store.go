package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/doug-martin/goqu/v9"
	"github.com/jmoiron/sqlx"

	"github.com/samuelvi/eventsourcing-with-ddd-and-cqrs/core/es"
	"github.com/samuelvi/eventsourcing-with-ddd-and-cqrs/internal/codec"
)

const appendMaxTries = 8

const (
	tableEvents      = "events"
	tableCheckpoints = "checkpoints"
	tableSnapshots   = "snapshots"
)

var eventColumns = []any{"seq", "id", "aggregate_id", "event_type", "payload", "version", "occurred_on"}

type eventRow struct {
	Seq         uint64 `db:"seq"`
	ID          string `db:"id"`
	AggregateID string `db:"aggregate_id"`
	EventType   string `db:"event_type"`
	Payload     string `db:"payload"`
	Version     int    `db:"version"`
	OccurredOn  int64  `db:"occurred_on"`
}

func (r eventRow) stored() es.StoredEvent {
	return es.StoredEvent{
		ID:          r.ID,
		AggregateID: r.AggregateID,
		EventType:   r.EventType,
		Payload:     []byte(r.Payload),
		Version:     r.Version,
		OccurredOn:  fromMicros(r.OccurredOn),
		Seq:         r.Seq,
	}
}

type checkpointRow struct {
	ProjectionName string  `db:"projection_name"`
	LastEventID    *string `db:"last_event_id"`
	UpdatedAt      int64   `db:"updated_at"`
}

func (r checkpointRow) checkpoint() es.Checkpoint {
	return es.Checkpoint{ProjectionName: r.ProjectionName, LastEventID: r.LastEventID, UpdatedAt: fromMicros(r.UpdatedAt)}
}

type snapshotRow struct {
	ID          string `db:"id"`
	AggregateID string `db:"aggregate_id"`
	Version     int    `db:"version"`
	State       string `db:"state"`
	CreatedAt   int64  `db:"created_at"`
}

func (r snapshotRow) snapshot() (*es.Snapshot, error) {
	var state map[string]any
	if err := codec.Unmarshal([]byte(r.State), &state); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", r.ID, err)
	}
	return &es.Snapshot{
		ID:          r.ID,
		AggregateID: r.AggregateID,
		Version:     r.Version,
		State:       state,
		CreatedAt:   fromMicros(r.CreatedAt),
	}, nil
}

type StoreConfig struct {
	Metrics es.Metrics
	Log     *slog.Logger
	Now     func() time.Time
}

// Store implements es.Store on top of DB.
type Store struct {
	db      *DB
	metrics es.Metrics
	log     *slog.Logger
	now     func() time.Time
}

func NewStore(db *DB, cfg StoreConfig) *Store {
	s := &Store{db: db, metrics: cfg.Metrics, log: cfg.Log, now: cfg.Now}
	if s.metrics == nil {
		s.metrics = es.NopMetrics()
	}
	if s.log == nil {
		s.log = db.log
	}
	s.log = s.log.With(slog.String("store", "events"))
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

// Append numbers events with a position column next to the autoincrement
// seq: positions restart at 1 after Clear, seq does not. The unique index on
// position rejects a writer that raced another process; it retries with a
// fresh position.
func (s *Store) Append(ctx context.Context, e es.StoredEvent) (int, error) {
	if err := e.Validate(); err != nil {
		return 0, fmt.Errorf("append: %w", err)
	}
	defer s.metrics.StoreAppendDuration().ObserveDuration()

	pos, err := backoff.Retry(ctx, func() (int, error) {
		pos, err := s.insertEvent(ctx, e)
		if err != nil && !s.db.retryable(err) {
			return 0, backoff.Permanent(err)
		}
		return pos, err
	}, backoff.WithBackOff(s.db.retryBackOff()), backoff.WithMaxTries(appendMaxTries))
	if err != nil {
		if errors.Is(err, es.ErrStorage) {
			return 0, err
		}
		return 0, storageErr("append", err)
	}
	s.metrics.EventsAppended(e.EventType)
	s.log.Debug("appended", e.LogAttrs(), slog.Int("position", pos))
	return pos, nil
}

func (s *Store) insertEvent(ctx context.Context, e es.StoredEvent) (pos int, err error) {
	err = s.db.inTx(ctx, func(tx *sqlx.Tx) error {
		if s.db.driver == DriverPostgres {
			// one appender at a time; readers are not blocked
			if _, err := tx.ExecContext(ctx, "LOCK TABLE "+tableEvents+" IN SHARE ROW EXCLUSIVE MODE"); err != nil {
				return err
			}
		}
		var last int
		if err := s.db.get(ctx, tx, &last, s.db.goqu.From(tableEvents).
			Select(goqu.COALESCE(goqu.MAX("position"), 0)).
			Prepared(true)); err != nil {
			return err
		}
		pos = last + 1
		return s.db.exec(ctx, tx, s.db.goqu.Insert(tableEvents).Rows(goqu.Record{
			"id":           e.ID,
			"position":     pos,
			"aggregate_id": e.AggregateID,
			"event_type":   e.EventType,
			"payload":      string(e.Payload),
			"version":      e.Version,
			"occurred_on":  toMicros(e.OccurredOn),
		}).Prepared(true))
	})
	return pos, err
}

func (s *Store) FindByAggregateID(ctx context.Context, id string) (*es.StoredEvent, error) {
	var row eventRow
	err := s.db.get(ctx, s.db.x, &row, s.db.goqu.From(tableEvents).
		Select(eventColumns...).
		Where(goqu.C("aggregate_id").Eq(id)).
		Order(goqu.C("seq").Asc()).
		Limit(1).
		Prepared(true))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("find by aggregate id", err)
	}
	e := row.stored()
	return &e, nil
}

func (s *Store) FindAll(ctx context.Context) ([]es.StoredEvent, error) {
	var rows []eventRow
	err := s.db.selectAll(ctx, s.db.x, &rows, s.db.goqu.From(tableEvents).
		Select(eventColumns...).
		Order(goqu.C("occurred_on").Asc(), goqu.C("seq").Asc()).
		Prepared(true))
	if err != nil {
		return nil, storageErr("find all", err)
	}
	out := make([]es.StoredEvent, len(rows))
	for i, r := range rows {
		out[i] = r.stored()
	}
	return out, nil
}

func (s *Store) Count(ctx context.Context) (int, error) {
	return s.db.count(ctx, s.db.x, tableEvents)
}

func (s *Store) Clear(ctx context.Context) error {
	if err := s.db.truncate(ctx, tableEvents, tableSnapshots, tableCheckpoints); err != nil {
		return err
	}
	s.log.Info("event store cleared")
	return nil
}

// === checkpoints ===

func (s *Store) GetCheckpoint(ctx context.Context, projection string) (*es.Checkpoint, error) {
	return s.getCheckpoint(ctx, s.db.x, projection)
}

func (s *Store) getCheckpoint(ctx context.Context, q sqlx.QueryerContext, projection string) (*es.Checkpoint, error) {
	var row checkpointRow
	err := s.db.get(ctx, q, &row, s.db.goqu.From(tableCheckpoints).
		Select("projection_name", "last_event_id", "updated_at").
		Where(goqu.C("projection_name").Eq(projection)).
		Prepared(true))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("get checkpoint", err)
	}
	cp := row.checkpoint()
	return &cp, nil
}

func (s *Store) UpsertCheckpoint(ctx context.Context, projection string, lastEventID string, at time.Time) error {
	return s.db.inTx(ctx, func(tx *sqlx.Tx) error {
		prev, err := s.getCheckpoint(ctx, tx, projection)
		if err != nil {
			return err
		}
		next := es.NextCheckpoint(prev, projection, lastEventID, at)
		rec := goqu.Record{"last_event_id": *next.LastEventID, "updated_at": toMicros(next.UpdatedAt)}

		if prev == nil {
			rec["projection_name"] = projection
			err = s.db.exec(ctx, tx, s.db.goqu.Insert(tableCheckpoints).Rows(rec).Prepared(true))
		} else {
			err = s.db.exec(ctx, tx, s.db.goqu.Update(tableCheckpoints).
				Set(rec).
				Where(goqu.C("projection_name").Eq(projection)).
				Prepared(true))
		}
		if err != nil {
			return storageErr("upsert checkpoint", err)
		}
		return nil
	})
}

func (s *Store) ListCheckpoints(ctx context.Context) ([]es.Checkpoint, error) {
	var rows []checkpointRow
	err := s.db.selectAll(ctx, s.db.x, &rows, s.db.goqu.From(tableCheckpoints).
		Select("projection_name", "last_event_id", "updated_at").
		Order(goqu.C("projection_name").Asc()).
		Prepared(true))
	if err != nil {
		return nil, storageErr("list checkpoints", err)
	}
	out := make([]es.Checkpoint, len(rows))
	for i, r := range rows {
		out[i] = r.checkpoint()
	}
	return out, nil
}

func (s *Store) ClearCheckpoints(ctx context.Context) error {
	return s.db.truncate(ctx, tableCheckpoints)
}

// === snapshots ===

func (s *Store) TakeSnapshot(ctx context.Context, aggregateID string, version int, state map[string]any) (*es.Snapshot, error) {
	snap, err := es.NewSnapshot(aggregateID, version, state, s.now())
	if err != nil {
		return nil, err
	}
	raw, err := codec.Marshal(snap.State)
	if err != nil {
		return nil, fmt.Errorf("encode snapshot state: %w", err)
	}
	n, err := s.db.execAffected(ctx, s.db.x, s.db.goqu.Insert(tableSnapshots).Rows(goqu.Record{
		"id":           snap.ID,
		"aggregate_id": snap.AggregateID,
		"version":      snap.Version,
		"state":        string(raw),
		"created_at":   toMicros(snap.CreatedAt),
	}).OnConflict(goqu.DoNothing()).Prepared(true))
	if err != nil {
		return nil, storageErr("take snapshot", err)
	}
	if n == 0 {
		return s.findSnapshot(ctx, snap.ID)
	}
	s.log.Debug("snapshot taken", slog.String("snapshot_id", snap.ID), slog.Int("version", version))
	return snap, nil
}

func (s *Store) findSnapshot(ctx context.Context, id string) (*es.Snapshot, error) {
	var row snapshotRow
	err := s.db.get(ctx, s.db.x, &row, s.db.goqu.From(tableSnapshots).
		Select("id", "aggregate_id", "version", "state", "created_at").
		Where(goqu.C("id").Eq(id)).
		Prepared(true))
	if err != nil {
		return nil, storageErr("find snapshot", err)
	}
	return row.snapshot()
}

func (s *Store) ListSnapshots(ctx context.Context) ([]es.Snapshot, error) {
	var rows []snapshotRow
	err := s.db.selectAll(ctx, s.db.x, &rows, s.db.goqu.From(tableSnapshots).
		Select("id", "aggregate_id", "version", "state", "created_at").
		Order(goqu.C("created_at").Asc(), goqu.C("id").Asc()).
		Prepared(true))
	if err != nil {
		return nil, storageErr("list snapshots", err)
	}
	out := make([]es.Snapshot, 0, len(rows))
	for _, r := range rows {
		snap, err := r.snapshot()
		if err != nil {
			return nil, err
		}
		out = append(out, *snap)
	}
	return out, nil
}

func (s *Store) CountSnapshots(ctx context.Context) (int, error) {
	return s.db.count(ctx, s.db.x, tableSnapshots)
}

var _ es.Store = (*Store)(nil)

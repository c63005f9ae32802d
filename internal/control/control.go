// Package control holds the administrative operations over the pipeline:
// enablement switches, rebuilding read models from the event log, wiping
// everything back to the seeded catalog and reporting counts.
package control

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/samuelvi/eventsourcing-with-ddd-and-cqrs/core/bus"
	"github.com/samuelvi/eventsourcing-with-ddd-and-cqrs/core/es"
	"github.com/samuelvi/eventsourcing-with-ddd-and-cqrs/core/flags"
	"github.com/samuelvi/eventsourcing-with-ddd-and-cqrs/core/sf"
	"github.com/samuelvi/eventsourcing-with-ddd-and-cqrs/internal/readmodel"
)

var (
	ErrInvalidScope = errors.New("invalid scope")
	ErrReseed       = errors.New("reseed failed")
)

type (
	Flags interface {
		Enabled(ctx context.Context, key string) (bool, error)
		Toggle(ctx context.Context, key string) (bool, error)
		EnableAll(ctx context.Context) error
		Status(ctx context.Context, keys ...string) (map[string]bool, error)
	}

	// Seeder loads the reference catalog after a reset.
	Seeder interface {
		Load(ctx context.Context) error
	}

	Config struct {
		Store      es.Store
		ReadModels readmodel.Store
		Flags      Flags
		Bus        bus.Bus
		Registry   *es.Registry
		Seeder     Seeder
		// Projections are the names accepted as toggle scopes.
		Projections []string
		Metrics     es.Metrics
		Log         *slog.Logger
		Now         func() time.Time
	}

	Status struct {
		MasterEnabled bool            `json:"masterEnabled"`
		Projections   map[string]bool `json:"perProjectionEnabled"`
	}

	RebuildResult struct {
		Processed int `json:"processedCount"`
	}

	Stats struct {
		Events      int                `json:"events"`
		ReadModels  map[string]int     `json:"perReadModelCounts"`
		Snapshots   int                `json:"snapshots"`
		Checkpoints map[string]*string `json:"checkpoints"`
	}
)

// Backlog reports, per projection table, how many more events exist than
// rows. It is a divergence hint only: not every event type feeds every table.
func (s Stats) Backlog() map[string]int {
	out := make(map[string]int, len(readmodel.ProjectionTables))
	for _, table := range readmodel.ProjectionTables {
		if d := s.Events - s.ReadModels[table]; d > 0 {
			out[table] = d
		}
	}
	return out
}

type Service struct {
	store       es.Store
	readModels  readmodel.Store
	flags       Flags
	bus         bus.Bus
	registry    *es.Registry
	seeder      Seeder
	projections []string
	metrics     es.Metrics
	log         *slog.Logger
	now         func() time.Time
	tracer      trace.Tracer

	// mu serialises rebuild and reset; rebuilds collapses concurrent rebuild
	// callers.
	mu       sync.Mutex
	rebuilds *sf.Singleflight[RebuildResult]
}

func New(cfg Config) *Service {
	s := &Service{
		store:       cfg.Store,
		readModels:  cfg.ReadModels,
		flags:       cfg.Flags,
		bus:         cfg.Bus,
		registry:    cfg.Registry,
		seeder:      cfg.Seeder,
		projections: slices.Clone(cfg.Projections),
		metrics:     cfg.Metrics,
		log:         cfg.Log,
		now:         cfg.Now,
		tracer:      otel.Tracer("github.com/samuelvi/eventsourcing-with-ddd-and-cqrs/internal/control"),
		rebuilds:    sf.New[RebuildResult](),
	}
	if s.metrics == nil {
		s.metrics = es.NopMetrics()
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	s.log = s.log.With(slog.String("component", "control"))
	if s.now == nil {
		s.now = time.Now
	}
	return s
}

func (s *Service) Status(ctx context.Context) (Status, error) {
	master, err := s.flags.Enabled(ctx, flags.Master)
	if err != nil {
		return Status{}, err
	}
	projections, err := s.flags.Status(ctx, s.projections...)
	if err != nil {
		return Status{}, err
	}
	return Status{MasterEnabled: master, Projections: projections}, nil
}

// Toggle flips the switch named by scope and returns its new value. Scope is
// "master", a projection name, or a projection name without its
// "_projection" suffix.
func (s *Service) Toggle(ctx context.Context, scope string) (bool, error) {
	key, ok := s.resolveScope(scope)
	if !ok {
		return false, fmt.Errorf("%w: %q", ErrInvalidScope, scope)
	}
	on, err := s.flags.Toggle(ctx, key)
	if err != nil {
		return false, err
	}
	s.log.Info("toggled", slog.String("scope", key), slog.Bool("enabled", on))
	return on, nil
}

func (s *Service) resolveScope(scope string) (string, bool) {
	if scope == flags.Master {
		return scope, true
	}
	for _, p := range s.projections {
		if scope == p || scope+"_projection" == p {
			return p, true
		}
	}
	return "", false
}

func (s *Service) EnableAll(ctx context.Context) error {
	return s.flags.EnableAll(ctx)
}

// Rebuild replays the whole event log through the bus into freshly
// truncated projection tables. Reference tables and the log itself are left
// alone. Callers arriving while a rebuild runs receive its result.
//
// With an asynchronous bus Rebuild returns once every event is published,
// not applied.
func (s *Service) Rebuild(ctx context.Context) (RebuildResult, error) {
	// joined callers share the run, so it must outlive the caller that started it
	runCtx := context.WithoutCancel(ctx)
	res, shared, err := s.rebuilds.Do("rebuild", func() (*RebuildResult, error) {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.rebuild(runCtx)
	})
	if shared {
		s.log.Debug("joined running rebuild")
	}
	if res == nil {
		return RebuildResult{}, err
	}
	return *res, err
}

func (s *Service) rebuild(ctx context.Context) (_ *RebuildResult, err error) {
	ctx, span := s.tracer.Start(ctx, "control.rebuild")
	defer span.End()
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	if err := s.flags.EnableAll(ctx); err != nil {
		return nil, err
	}
	if err := s.readModels.TruncateProjections(ctx); err != nil {
		return nil, fmt.Errorf("truncate read models: %w", err)
	}
	if err := s.store.ClearCheckpoints(ctx); err != nil {
		return nil, fmt.Errorf("clear checkpoints: %w", err)
	}

	events, err := s.store.FindAll(ctx)
	if err != nil {
		return nil, fmt.Errorf("load events: %w", err)
	}
	s.log.Info("rebuild started", slog.Int("events", len(events)))

	res := &RebuildResult{}
	defer func() {
		s.metrics.EventsReplayed(res.Processed)
		span.SetAttributes(attribute.Int("events.replayed", res.Processed))
	}()
	for _, stored := range events {
		ev, err := s.registry.Decode(stored)
		if err != nil {
			s.log.Error("rebuild aborted", stored.LogAttrs(), slog.Int("processed", res.Processed), slog.Any("error", err))
			return res, err
		}
		if err := s.bus.Publish(ctx, bus.Message{Stored: stored, Event: ev, Replay: true}); err != nil {
			s.log.Error("rebuild aborted", stored.LogAttrs(), slog.Int("processed", res.Processed), slog.Any("error", err))
			return res, fmt.Errorf("replay %s: %w", stored.ID, err)
		}
		res.Processed++
	}

	s.log.Info("rebuild finished", slog.Int("processed", res.Processed))
	return res, nil
}

// Reset wipes read models, events, snapshots and checkpoints and reseeds
// the catalog. Messages a bus still holds are purged first. A failed reseed
// leaves the store empty; calling Reset again recovers.
func (s *Service) Reset(ctx context.Context) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ctx, span := s.tracer.Start(ctx, "control.reset")
	defer span.End()
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	if err := s.flags.EnableAll(ctx); err != nil {
		return err
	}
	// undelivered messages would refill the tables after truncation
	if p, ok := s.bus.(bus.Purger); ok {
		if err := p.Purge(ctx); err != nil {
			return err
		}
	}
	if err := s.readModels.TruncateAll(ctx); err != nil {
		return fmt.Errorf("truncate read models: %w", err)
	}
	if err := s.store.Clear(ctx); err != nil {
		return fmt.Errorf("clear event store: %w", err)
	}
	if s.seeder != nil {
		if err := s.seeder.Load(ctx); err != nil {
			s.log.Error("reseed failed", slog.Any("error", err))
			return fmt.Errorf("%w: %w", ErrReseed, err)
		}
	}
	s.log.Info("reset finished")
	return nil
}

func (s *Service) Stats(ctx context.Context) (Stats, error) {
	events, err := s.store.Count(ctx)
	if err != nil {
		return Stats{}, err
	}
	counts, err := s.readModels.Counts(ctx)
	if err != nil {
		return Stats{}, err
	}
	snapshots, err := s.store.CountSnapshots(ctx)
	if err != nil {
		return Stats{}, err
	}
	cps, err := s.store.ListCheckpoints(ctx)
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		Events:      events,
		ReadModels:  counts,
		Snapshots:   snapshots,
		Checkpoints: es.CheckpointMap(cps),
	}, nil
}

// TakeSnapshot records the current counts on demand. The snapshot version
// is the event count at the time of the call.
func (s *Service) TakeSnapshot(ctx context.Context) (*es.Snapshot, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return nil, err
	}
	events, err := s.store.Count(ctx)
	if err != nil {
		return nil, err
	}
	counts, err := s.readModels.Counts(ctx)
	if err != nil {
		return nil, err
	}
	state := map[string]any{
		readmodel.TableUsers:    counts[readmodel.TableUsers],
		readmodel.TableBookings: counts[readmodel.TableBookings],
		readmodel.TableQuotes:   counts[readmodel.TableQuotes],
		"timestamp":             s.now().UTC().Format(time.RFC3339),
	}
	snap, err := s.store.TakeSnapshot(ctx, id.String(), events, state)
	if err != nil {
		return nil, err
	}
	s.metrics.SnapshotTaken(false)
	s.log.Info("manual snapshot taken", slog.String("snapshot_id", snap.ID), slog.Int("version", events))
	return snap, nil
}

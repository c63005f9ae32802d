// Package command runs the write side: every command becomes at most one
// stored event.
//
// All command types share [Pipeline.Execute]:
//
//	lock(aggregate) -> exists? -> append -> snapshot every N events -> publish if master on -> unlock
//
// A second submission with an aggregate id that already has an event is a
// successful no-op ([Result.Duplicate]), which makes client retries safe.
package command

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/samuelvi/eventsourcing-with-ddd-and-cqrs/core/bus"
	"github.com/samuelvi/eventsourcing-with-ddd-and-cqrs/core/es"
	"github.com/samuelvi/eventsourcing-with-ddd-and-cqrs/core/flags"
	"github.com/samuelvi/eventsourcing-with-ddd-and-cqrs/core/lock"
	"github.com/samuelvi/eventsourcing-with-ddd-and-cqrs/internal/domain"
)

const DefaultSnapshotThreshold = 10

type (
	Switch interface {
		Enabled(ctx context.Context, key string) (bool, error)
	}

	// Counter reports read model sizes, captured in automatic snapshots.
	Counter interface {
		Counts(ctx context.Context) (map[string]int, error)
	}

	Config struct {
		Events            es.EventStore
		Snapshots         es.SnapshotStore
		Locks             lock.Provider
		Flags             Switch
		Bus               bus.Bus
		Counter           Counter
		SnapshotThreshold int
		Metrics           es.Metrics
		Log               *slog.Logger
		Now               func() time.Time
	}

	// Intent is one aggregate creation as the pipeline sees it.
	Intent struct {
		Command     string
		AggregateID string
		LockKey     string
		// Build creates the domain event; occurredOn is stamped by the
		// pipeline.
		Build func(occurredOn time.Time) domain.Event
	}

	Result struct {
		AggregateID string `json:"aggregateId"`
		EventID     string `json:"eventId,omitempty"`
		// Duplicate is set when the aggregate already had an event.
		Duplicate bool `json:"duplicate"`
		Published bool `json:"published"`
		// SnapshotVersion is the event count a snapshot was taken at.
		SnapshotVersion int `json:"snapshotVersion,omitempty"`
		// PublishErr is set when the event was stored but delivery failed.
		PublishErr error `json:"-"`
	}
)

type Pipeline struct {
	events    es.EventStore
	snapshots es.SnapshotStore
	locks     lock.Provider
	flags     Switch
	bus       bus.Bus
	counter   Counter
	threshold int
	metrics   es.Metrics
	log       *slog.Logger
	now       func() time.Time
	tracer    trace.Tracer
}

func NewPipeline(cfg Config) *Pipeline {
	p := &Pipeline{
		events:    cfg.Events,
		snapshots: cfg.Snapshots,
		locks:     cfg.Locks,
		flags:     cfg.Flags,
		bus:       cfg.Bus,
		counter:   cfg.Counter,
		threshold: cfg.SnapshotThreshold,
		metrics:   cfg.Metrics,
		log:       cfg.Log,
		now:       cfg.Now,
		tracer:    otel.Tracer("github.com/samuelvi/eventsourcing-with-ddd-and-cqrs/internal/command"),
	}
	if p.threshold <= 0 {
		p.threshold = DefaultSnapshotThreshold
	}
	if p.metrics == nil {
		p.metrics = es.NopMetrics()
	}
	if p.log == nil {
		p.log = slog.Default()
	}
	p.log = p.log.With(slog.String("component", "command"))
	if p.now == nil {
		p.now = time.Now
	}
	return p
}

func (p *Pipeline) Execute(ctx context.Context, in Intent) (res Result, err error) {
	res.AggregateID = in.AggregateID
	log := p.log.With(slog.String("command", in.Command), slog.String("aggregate_id", in.AggregateID))

	ctx, span := p.tracer.Start(ctx, "command."+in.Command, trace.WithAttributes(
		attribute.String("aggregate.id", in.AggregateID),
	))
	defer span.End()
	defer p.metrics.CommandDuration(in.Command).ObserveDuration()
	defer func() {
		outcome := es.OutcomeAppended
		switch {
		case err != nil:
			outcome = es.OutcomeFailed
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		case res.Duplicate:
			outcome = es.OutcomeDuplicate
		}
		span.SetAttributes(attribute.String("outcome", outcome))
		p.metrics.CommandHandled(in.Command, outcome)
	}()

	wait := p.metrics.LockWaitDuration(in.Command)
	guard, err := p.locks.Acquire(ctx, in.LockKey)
	wait.ObserveDuration()
	if err != nil {
		return res, err
	}
	defer guard.Release()

	existing, err := p.events.FindByAggregateID(ctx, in.AggregateID)
	if err != nil {
		return res, fmt.Errorf("find aggregate %s: %w", in.AggregateID, err)
	}
	if existing != nil {
		res.Duplicate = true
		res.EventID = existing.ID
		log.Info("duplicate submission ignored", slog.String("event_id", existing.ID))
		return res, nil
	}

	occurredOn := p.now().UTC().Truncate(time.Microsecond)
	ev := in.Build(occurredOn)
	stored, err := es.NewStoredEvent(in.AggregateID, ev, occurredOn)
	if err != nil {
		return res, err
	}
	pos, err := p.events.Append(ctx, stored)
	if err != nil {
		return res, fmt.Errorf("append %s: %w", stored.EventType, err)
	}
	res.EventID = stored.ID
	log.Info("event stored", stored.LogAttrs(), slog.Int("position", pos))

	p.snapshot(ctx, log, in.AggregateID, pos, &res)
	p.publish(ctx, log, stored, ev, &res)
	return res, nil
}

// snapshot fires when the log position of the event just stored is a
// multiple of the threshold. Positions are unique, so concurrent commands
// never skip or double a version.
func (p *Pipeline) snapshot(ctx context.Context, log *slog.Logger, aggregateID string, n int, res *Result) {
	if n <= 0 || n%p.threshold != 0 {
		return
	}

	state := map[string]any{"auto": true}
	if p.counter != nil {
		counts, err := p.counter.Counts(ctx)
		if err != nil {
			log.Error("snapshot: read counters", slog.Any("error", err))
			return
		}
		for table, c := range counts {
			state[table] = c
		}
	}

	snap, err := p.snapshots.TakeSnapshot(ctx, aggregateID, n, state)
	if err != nil {
		log.Error("snapshot failed", slog.Int("version", n), slog.Any("error", err))
		return
	}
	res.SnapshotVersion = n
	p.metrics.SnapshotTaken(true)
	log.Info("snapshot taken", slog.String("snapshot_id", snap.ID), slog.Int("version", n))
}

func (p *Pipeline) publish(ctx context.Context, log *slog.Logger, stored es.StoredEvent, ev domain.Event, res *Result) {
	on, err := p.flags.Enabled(ctx, flags.Master)
	if err != nil {
		res.PublishErr = fmt.Errorf("read master flag: %w", err)
		log.Error("publish skipped", slog.Any("error", err))
		return
	}
	if !on {
		log.Warn("master switch off, event stored but not published", slog.String("event_id", stored.ID))
		return
	}
	if err := p.bus.Publish(ctx, bus.Message{Stored: stored, Event: ev}); err != nil {
		res.PublishErr = err
		log.Error("publish failed", slog.String("event_id", stored.ID), slog.Any("error", err))
		return
	}
	res.Published = true
}

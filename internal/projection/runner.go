// Package projection turns published domain events into read model rows.
//
// Each read model has a [Projector]; a [Runner] wraps it with the steps all
// projections share: honour the projection's enablement flag, serialise on
// the business key, write only when no row exists yet and advance the
// checkpoint to the applied event.
package projection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/samuelvi/eventsourcing-with-ddd-and-cqrs/core/bus"
	"github.com/samuelvi/eventsourcing-with-ddd-and-cqrs/core/es"
	"github.com/samuelvi/eventsourcing-with-ddd-and-cqrs/core/lock"
)

const (
	UserProjection    = "user_projection"
	BookingProjection = "booking_projection"
	QuoteProjection   = "quote_projection"
)

var ErrUnexpectedEvent = errors.New("unexpected event")

type (
	Projector interface {
		Name() string
		EventTypes() []string
		// LockKey names the business key the write is serialised on.
		LockKey(ev es.Event) (string, error)
		// Project writes the row for ev unless one already exists for its
		// business key and reports whether it wrote.
		Project(ctx context.Context, stored es.StoredEvent, ev es.Event) (bool, error)
	}

	Switch interface {
		Enabled(ctx context.Context, key string) (bool, error)
	}

	Config struct {
		Flags       Switch
		Locks       lock.Provider
		Checkpoints es.CheckpointStore
		Metrics     es.Metrics
		Log         *slog.Logger
		Now         func() time.Time
	}
)

type Runner struct {
	p           Projector
	flags       Switch
	locks       lock.Provider
	checkpoints es.CheckpointStore
	metrics     es.Metrics
	log         *slog.Logger
	now         func() time.Time
	tracer      trace.Tracer
}

func NewRunner(p Projector, cfg Config) *Runner {
	r := &Runner{
		p:           p,
		flags:       cfg.Flags,
		locks:       cfg.Locks,
		checkpoints: cfg.Checkpoints,
		metrics:     cfg.Metrics,
		log:         cfg.Log,
		now:         cfg.Now,
		tracer:      otel.Tracer("github.com/samuelvi/eventsourcing-with-ddd-and-cqrs/internal/projection"),
	}
	if r.metrics == nil {
		r.metrics = es.NopMetrics()
	}
	if r.log == nil {
		r.log = slog.Default()
	}
	r.log = r.log.With(slog.String("projection", p.Name()))
	if r.now == nil {
		r.now = time.Now
	}
	return r
}

func (r *Runner) Name() string { return r.p.Name() }

func (r *Runner) Subscription() bus.Subscription {
	return bus.Subscription{Name: r.p.Name(), EventTypes: r.p.EventTypes(), Handler: r}
}

func (r *Runner) Handle(msgCtx bus.MsgCtx) (err error) {
	var (
		name   = r.p.Name()
		stored = msgCtx.Stored()
		ctx    = msgCtx.Context()
	)

	enabled, err := r.flags.Enabled(ctx, name)
	if err != nil {
		return err
	}
	if !enabled {
		r.metrics.ProjectionHandled(name, stored.EventType, es.OutcomeDisabled)
		msgCtx.Log().Debug("projection disabled, event dropped", slog.String("projection", name))
		return nil
	}

	ctx, span := r.tracer.Start(ctx, "projection."+name, trace.WithAttributes(
		attribute.String("event.id", stored.ID),
		attribute.String("event.type", stored.EventType),
		attribute.Bool("replay", msgCtx.Replay()),
	))
	defer span.End()
	defer r.metrics.ProjectionDuration(name).ObserveDuration()
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			r.metrics.ProjectionHandled(name, stored.EventType, es.OutcomeFailed)
		}
	}()

	key, err := r.p.LockKey(msgCtx.Event())
	if err != nil {
		return err
	}
	guard, err := r.locks.Acquire(ctx, key)
	if err != nil {
		return err
	}
	defer guard.Release()

	written, err := r.p.Project(ctx, stored, msgCtx.Event())
	if err != nil {
		return fmt.Errorf("%s: project %s: %w", name, stored.ID, err)
	}

	if err = r.checkpoints.UpsertCheckpoint(ctx, name, stored.ID, r.now()); err != nil {
		return fmt.Errorf("%s: checkpoint: %w", name, err)
	}

	outcome := es.OutcomeApplied
	if !written {
		outcome = es.OutcomeSkipped
	}
	r.metrics.ProjectionHandled(name, stored.EventType, outcome)
	msgCtx.Log().Debug("projected", slog.String("projection", name), slog.String("outcome", outcome))
	return nil
}

var _ bus.Handler = (*Runner)(nil)

func unexpected(projection string, ev es.Event) error {
	return fmt.Errorf("%w: %s cannot handle %T", ErrUnexpectedEvent, projection, ev)
}

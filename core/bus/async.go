package bus

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/samuelvi/eventsourcing-with-ddd-and-cqrs/core/perkey"
)

type AsyncConfig struct {
	Log *slog.Logger
	// MaxAttempts per message and subscription (default 5).
	MaxAttempts int
	// Backoff before the first retry, doubled per attempt (default 50ms).
	Backoff time.Duration
	// MaxBackoff caps the wait between attempts (default 5s).
	MaxBackoff time.Duration
}

// Async hands every message to one ordered lane per subscription and returns
// immediately. A failing handler is retried; when all attempts fail the
// message is logged and dropped for that subscription.
type Async struct {
	router
	log         *slog.Logger
	sched       *perkey.Scheduler[string]
	maxAttempts int
	backoff     time.Duration
	maxBackoff  time.Duration
	ctx         context.Context
	cancel      context.CancelFunc

	// mu orders Publish against Close: once closed is set no delivery is
	// added to pending, so draining never races a new Add.
	mu      sync.RWMutex
	closed  bool
	pending sync.WaitGroup
	// generation is bumped by Purge; deliveries scheduled under an older
	// generation are skipped.
	generation atomic.Uint64
}

func NewAsync(cfg AsyncConfig) *Async {
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.Backoff <= 0 {
		cfg.Backoff = 50 * time.Millisecond
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Async{
		log:         log.With(slog.String("bus", "async")),
		sched:       perkey.New[string](perkey.WithBufferSize(256)),
		maxAttempts: cfg.MaxAttempts,
		backoff:     cfg.Backoff,
		maxBackoff:  cfg.MaxBackoff,
		ctx:         ctx,
		cancel:      cancel,
	}
}

func (b *Async) Subscribe(sub Subscription, mws ...HandlerMiddleware) error {
	_, err := b.add(sub, mws)
	return err
}

// Publish schedules delivery. The caller's context only bounds enqueueing;
// handlers run with the bus' own context so they outlive the request.
// After Close, Publish returns ErrClosed.
func (b *Async) Publish(ctx context.Context, msg Message) error {
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return ErrClosed
	}
	gen := b.generation.Load()
	for _, sub := range b.match(msg.Stored.EventType) {
		b.pending.Add(1)
		err := b.sched.Submit(ctx, sub.Name, func() {
			defer b.pending.Done()
			if b.generation.Load() != gen {
				return
			}
			b.deliver(sub, msg)
		})
		if err != nil {
			b.pending.Done()
			return err
		}
	}
	return nil
}

// Purge drops every message whose delivery has not started yet. A delivery
// already running finishes its current attempt.
func (b *Async) Purge(context.Context) error {
	b.generation.Add(1)
	b.log.Info("pending deliveries purged")
	return nil
}

func (b *Async) retryBackOff() *backoff.ExponentialBackOff {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = b.backoff
	eb.MaxInterval = b.maxBackoff
	eb.Multiplier = 2
	return eb
}

func (b *Async) deliver(sub Subscription, msg Message) {
	log := b.log.With(slog.String("subscription", sub.Name))
	attempt := 0
	_, err := backoff.Retry(b.ctx, func() (struct{}, error) {
		attempt++
		return struct{}{}, sub.Handler.Handle(NewMsgCtx(b.ctx, log, msg))
	},
		backoff.WithBackOff(b.retryBackOff()),
		backoff.WithMaxTries(uint(b.maxAttempts)),
		backoff.WithMaxElapsedTime(0),
		backoff.WithNotify(func(err error, next time.Duration) {
			log.Warn("delivery failed, retrying",
				slog.Int("attempt", attempt),
				slog.Duration("next", next),
				slog.Any("error", err),
			)
		}),
	)
	if err != nil {
		log.Error("delivery failed, giving up",
			msg.Stored.LogAttrs(),
			slog.Int("attempts", attempt),
			slog.Any("error", err),
		)
	}
}

// Wait blocks until every scheduled delivery finished or ctx is done. It is
// meant for quiescent points; use Shutdown to drain while publishers may
// still be running.
func (b *Async) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		b.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown stops accepting messages, waits for scheduled deliveries until
// ctx is done and then closes the bus.
func (b *Async) Shutdown(ctx context.Context) error {
	b.markClosed()
	err := b.Wait(ctx)
	b.Close()
	return err
}

func (b *Async) markClosed() {
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
}

func (b *Async) Close() {
	b.markClosed()
	b.cancel()
	b.sched.Close()
}

var (
	_ Bus    = (*Async)(nil)
	_ Purger = (*Async)(nil)
)

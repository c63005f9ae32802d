// Package lock provides named exclusive locks.
//
// A [Provider] hands out a [Guard] for a key; holding the guard grants
// exclusive access to that key until Release is called. Acquire blocks until
// the lock is free or the context ends. Any failure to obtain the lock,
// including an expired bounded wait, is reported as [ErrAcquire] so callers
// can treat it as transient and retry the whole operation.
//
// Two providers exist: [InMemory] for a single process and [KV], which uses
// the conditional create of a [kv.Store] and works across processes when the
// store is shared (for example a NATS KV bucket).
package lock

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var ErrAcquire = errors.New("lock acquisition failed")

type (
	Guard interface {
		// Release frees the lock. Calling it more than once is a no-op.
		Release()
	}

	Provider interface {
		Acquire(ctx context.Context, key string) (Guard, error)
	}

	GuardFunc func()
)

func (f GuardFunc) Release() { f() }

func acquireErr(key string, err error) error {
	return fmt.Errorf("%w: %s: %w", ErrAcquire, key, err)
}

func withWait(ctx context.Context, wait time.Duration) (context.Context, context.CancelFunc) {
	if wait <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, wait)
}

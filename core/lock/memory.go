package lock

import (
	"context"
	"sync"
	"time"
)

type memLock struct {
	sem  chan struct{}
	refs int
}

// InMemory is a per-key mutex table. Entries are dropped once no holder or
// waiter references them.
type InMemory struct {
	mu    sync.Mutex
	locks map[string]*memLock
	wait  time.Duration
}

type InMemoryOption func(*InMemory)

// WithWait bounds how long Acquire blocks. Zero means no bound.
func WithWait(d time.Duration) InMemoryOption {
	return func(m *InMemory) { m.wait = d }
}

func NewInMemory(opts ...InMemoryOption) *InMemory {
	m := &InMemory{locks: map[string]*memLock{}}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func (m *InMemory) Acquire(ctx context.Context, key string) (Guard, error) {
	m.mu.Lock()
	l, ok := m.locks[key]
	if !ok {
		l = &memLock{sem: make(chan struct{}, 1)}
		m.locks[key] = l
	}
	l.refs++
	m.mu.Unlock()

	ctx, cancel := withWait(ctx, m.wait)
	defer cancel()

	select {
	case l.sem <- struct{}{}:
	case <-ctx.Done():
		m.unref(key, l)
		return nil, acquireErr(key, ctx.Err())
	}

	var once sync.Once
	return GuardFunc(func() {
		once.Do(func() {
			<-l.sem
			m.unref(key, l)
		})
	}), nil
}

func (m *InMemory) unref(key string, l *memLock) {
	m.mu.Lock()
	defer m.mu.Unlock()
	l.refs--
	if l.refs == 0 {
		delete(m.locks, key)
	}
}

func (m *InMemory) size() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.locks)
}

var _ Provider = (*InMemory)(nil)

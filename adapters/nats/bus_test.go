package nats

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/stretchr/testify/require"

	"github.com/samuelvi/eventsourcing-with-ddd-and-cqrs/core/bus"
	"github.com/samuelvi/eventsourcing-with-ddd-and-cqrs/core/es"
	"github.com/samuelvi/eventsourcing-with-ddd-and-cqrs/internal/domain"
)

type recorder struct {
	mu   sync.Mutex
	msgs []bus.Message
}

func (r *recorder) Handle(msgCtx bus.MsgCtx) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.msgs = append(r.msgs, msgCtx.Message())
	return nil
}

func (r *recorder) ids() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.msgs))
	for i, m := range r.msgs {
		out[i] = m.Stored.ID
	}
	return out
}

func userRegistered(t *testing.T, name string) bus.Message {
	t.Helper()
	ev := domain.UserRegistered{UserID: gonanoid.Must(), Name: name, Email: name + "@x.com", OccurredOn: time.Now().UTC()}
	stored, err := es.NewStoredEvent(ev.UserID, ev, ev.OccurredOn)
	require.NoError(t, err)
	return bus.Message{Stored: stored, Event: ev}
}

func newTestBus(t *testing.T, connect Connector) *Bus {
	t.Helper()
	id := gonanoid.MustGenerate("ABCDEFGHIJKLMNOPQRSTUVWXYZ", 8)
	b, err := NewBus(t.Context(), BusConfig{
		Connect:       connect,
		StreamName:    "BUS_" + id,
		SubjectPrefix: "bus." + id,
		Registry:      domain.NewRegistry(),
		MaxDeliver:    3,
		Backoff:       10 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = b.Close() })
	return b
}

func TestBus(t *testing.T) {
	if testing.Short() {
		t.Skip("needs docker")
	}
	connect := ReuseConnection(NewTestContainer(t))

	t.Run("delivers in order to every subscription", func(t *testing.T) {
		b := newTestBus(t, connect)
		a, other := &recorder{}, &recorder{}
		require.NoError(t, b.Subscribe(bus.Subscription{Name: "a", EventTypes: []string{domain.TypeUserRegistered}, Handler: a}))
		require.NoError(t, b.Subscribe(bus.Subscription{Name: "other", EventTypes: []string{domain.TypeUserRegistered}, Handler: other}))
		require.ErrorIs(t, b.Subscribe(bus.Subscription{Name: "a", EventTypes: []string{domain.TypeUserRegistered}, Handler: a}), bus.ErrDuplicateSubscription)

		var want []string
		for _, name := range []string{"ann", "bea", "cid"} {
			msg := userRegistered(t, name)
			want = append(want, msg.Stored.ID)
			require.NoError(t, b.Publish(t.Context(), msg))
		}

		require.Eventually(t, func() bool { return len(a.ids()) == 3 && len(other.ids()) == 3 }, 5*time.Second, 20*time.Millisecond)
		require.Equal(t, want, a.ids())
		require.Equal(t, want, other.ids())

		got := a.msgs[0].Event.(domain.UserRegistered)
		require.Equal(t, "ann", got.Name)
	})

	t.Run("live duplicates are dropped, replays are not", func(t *testing.T) {
		b := newTestBus(t, connect)
		r := &recorder{}
		require.NoError(t, b.Subscribe(bus.Subscription{Name: "r", EventTypes: []string{domain.TypeUserRegistered}, Handler: r}))

		msg := userRegistered(t, "ann")
		require.NoError(t, b.Publish(t.Context(), msg))
		require.NoError(t, b.Publish(t.Context(), msg))
		msg.Replay = true
		require.NoError(t, b.Publish(t.Context(), msg))

		require.Eventually(t, func() bool { return len(r.ids()) == 2 }, 5*time.Second, 20*time.Millisecond)
		require.True(t, r.msgs[1].Replay)
	})

	t.Run("purge drops undelivered messages", func(t *testing.T) {
		b := newTestBus(t, connect)
		for _, name := range []string{"ann", "bea", "cid"} {
			require.NoError(t, b.Publish(t.Context(), userRegistered(t, name)))
		}
		require.NoError(t, b.Purge(t.Context()))

		r := &recorder{}
		require.NoError(t, b.Subscribe(bus.Subscription{Name: "late", EventTypes: []string{domain.TypeUserRegistered}, Handler: r}))
		after := userRegistered(t, "dan")
		require.NoError(t, b.Publish(t.Context(), after))

		require.Eventually(t, func() bool { return len(r.ids()) == 1 }, 5*time.Second, 20*time.Millisecond)
		require.Never(t, func() bool { return len(r.ids()) > 1 }, 200*time.Millisecond, 20*time.Millisecond)
		require.Equal(t, []string{after.Stored.ID}, r.ids())
	})

	t.Run("failed handlers are redelivered", func(t *testing.T) {
		b := newTestBus(t, connect)
		var calls atomic.Int32
		done := make(chan struct{})
		flaky := bus.HandleFunc(func(bus.MsgCtx) error {
			if calls.Add(1) < 3 {
				return errors.New("not yet")
			}
			close(done)
			return nil
		})
		require.NoError(t, b.Subscribe(bus.Subscription{Name: "flaky", EventTypes: []string{domain.TypeUserRegistered}, Handler: flaky}))
		require.NoError(t, b.Publish(t.Context(), userRegistered(t, "ann")))

		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("message was not redelivered")
		}
		require.EqualValues(t, 3, calls.Load())
	})
}

func TestBus_RedeliveryDelayGrowsToCap(t *testing.T) {
	b := &Bus{backoff: 100 * time.Millisecond, maxBackoff: time.Second}

	first := b.redeliveryDelay(1)
	require.GreaterOrEqual(t, first, 50*time.Millisecond)
	require.LessOrEqual(t, first, 150*time.Millisecond)

	third := b.redeliveryDelay(3)
	require.GreaterOrEqual(t, third, 200*time.Millisecond)
	require.LessOrEqual(t, third, 600*time.Millisecond)

	for range 10 {
		late := b.redeliveryDelay(20)
		require.GreaterOrEqual(t, late, 500*time.Millisecond)
		require.LessOrEqual(t, late, 1500*time.Millisecond)
	}
}

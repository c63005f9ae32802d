package nats

import (
	"testing"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/stretchr/testify/require"

	"github.com/samuelvi/eventsourcing-with-ddd-and-cqrs/core/flags"
	"github.com/samuelvi/eventsourcing-with-ddd-and-cqrs/core/lock"
	"github.com/samuelvi/eventsourcing-with-ddd-and-cqrs/ports/kv"
)

func newTestKV(t *testing.T, connect Connector) *KV {
	t.Helper()
	store, err := NewKV(t.Context(), KVConfig{
		Connect: connect,
		Bucket:  "test_" + gonanoid.MustGenerate("abcdefghijklmnopqrstuvwxyz", 8),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestKV(t *testing.T) {
	if testing.Short() {
		t.Skip("needs docker")
	}
	connect := ReuseConnection(NewTestContainer(t))

	t.Run("put get delete", func(t *testing.T) {
		store := newTestKV(t, connect)
		ctx := t.Context()

		_, err := store.Get(ctx, "flag.master")
		require.ErrorIs(t, err, kv.ErrNotFound)

		require.NoError(t, kv.Put(ctx, store, "flag.master", false, kv.PutOptions{}))
		v, err := kv.Get[bool](ctx, store, "flag.master")
		require.NoError(t, err)
		require.False(t, v)

		require.NoError(t, store.Delete(ctx, "flag.master"))
		_, err = store.Get(ctx, "flag.master")
		require.ErrorIs(t, err, kv.ErrNotFound)
	})

	t.Run("create is exclusive", func(t *testing.T) {
		store := newTestKV(t, connect)
		ctx := t.Context()

		require.NoError(t, store.Create(ctx, "lock.a", kv.Entry{Data: []byte(`"x"`)}))
		require.ErrorIs(t, store.Create(ctx, "lock.a", kv.Entry{Data: []byte(`"y"`)}), kv.ErrKeyExists)
		require.NoError(t, store.Delete(ctx, "lock.a"))
		require.NoError(t, store.Create(ctx, "lock.a", kv.Entry{Data: []byte(`"y"`)}))
	})

	t.Run("expired entries read as missing", func(t *testing.T) {
		store := newTestKV(t, connect)
		ctx := t.Context()
		now := time.Now()
		store.now = func() time.Time { return now }

		require.NoError(t, store.Put(ctx, "k", kv.Entry{Data: []byte(`1`)}, kv.PutOptions{TTL: time.Second}))
		_, err := store.Get(ctx, "k")
		require.NoError(t, err)

		now = now.Add(2 * time.Second)
		_, err = store.Get(ctx, "k")
		require.ErrorIs(t, err, kv.ErrNotFound)
		require.NoError(t, store.Create(ctx, "k", kv.Entry{Data: []byte(`2`)}))
	})

	t.Run("keys by prefix", func(t *testing.T) {
		store := newTestKV(t, connect)
		ctx := t.Context()
		for _, k := range []string{"flag.a", "flag.b", "lock.c"} {
			require.NoError(t, store.Put(ctx, k, kv.Entry{Data: []byte(`true`)}, kv.PutOptions{}))
		}
		keys, err := store.Keys(ctx, "flag.")
		require.NoError(t, err)
		require.ElementsMatch(t, []string{"flag.a", "flag.b"}, keys)
	})

	t.Run("backs flags and locks", func(t *testing.T) {
		store := newTestKV(t, connect)
		ctx := t.Context()

		f := flags.New(store, nil)
		on, err := f.Toggle(ctx, "booking_projection")
		require.NoError(t, err)
		require.False(t, on)
		require.NoError(t, f.EnableAll(ctx))
		on, err = f.Enabled(ctx, "booking_projection")
		require.NoError(t, err)
		require.True(t, on)

		locks, err := lock.NewKV(lock.KVConfig{Store: store, Wait: 200 * time.Millisecond})
		require.NoError(t, err)
		g, err := locks.Acquire(ctx, "user_creation_ann@x.com")
		require.NoError(t, err)
		_, err = locks.Acquire(ctx, "user_creation_ann@x.com")
		require.ErrorIs(t, err, lock.ErrAcquire)
		g.Release()
		g, err = locks.Acquire(ctx, "user_creation_ann@x.com")
		require.NoError(t, err)
		g.Release()
	})
}

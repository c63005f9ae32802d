package sqldb

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/samuelvi/eventsourcing-with-ddd-and-cqrs/core/flags"
	"github.com/samuelvi/eventsourcing-with-ddd-and-cqrs/core/lock"
	"github.com/samuelvi/eventsourcing-with-ddd-and-cqrs/ports/kv"
)

func TestSQLite_KV(t *testing.T) {
	t.Run("put get delete", func(t *testing.T) {
		store := NewKV(OpenTestSQLite(t), KVConfig{})
		ctx := t.Context()

		_, err := store.Get(ctx, "flag.master")
		require.ErrorIs(t, err, kv.ErrNotFound)

		require.NoError(t, kv.Put(ctx, store, "flag.master", false, kv.PutOptions{}))
		require.NoError(t, kv.Put(ctx, store, "flag.master", true, kv.PutOptions{}))
		v, err := kv.Get[bool](ctx, store, "flag.master")
		require.NoError(t, err)
		require.True(t, v)

		require.NoError(t, store.Put(ctx, "m", kv.Entry{Data: []byte(`1`), Meta: map[string]any{"owner": "a"}}, kv.PutOptions{}))
		entry, err := store.Get(ctx, "m")
		require.NoError(t, err)
		require.Equal(t, "a", entry.Meta["owner"])

		require.NoError(t, store.Delete(ctx, "flag.master"))
		require.NoError(t, store.Delete(ctx, "flag.master"))
		_, err = store.Get(ctx, "flag.master")
		require.ErrorIs(t, err, kv.ErrNotFound)
	})

	t.Run("create is exclusive", func(t *testing.T) {
		store := NewKV(OpenTestSQLite(t), KVConfig{})
		ctx := t.Context()

		require.NoError(t, store.Create(ctx, "lock.a", kv.Entry{Data: []byte("x")}))
		require.ErrorIs(t, store.Create(ctx, "lock.a", kv.Entry{Data: []byte("y")}), kv.ErrKeyExists)
		require.NoError(t, store.Delete(ctx, "lock.a"))
		require.NoError(t, store.Create(ctx, "lock.a", kv.Entry{Data: []byte("y")}))
	})

	t.Run("expired entries are replaced by create", func(t *testing.T) {
		store := NewKV(OpenTestSQLite(t), KVConfig{CreateTTL: time.Second})
		ctx := t.Context()
		now := time.Now()
		store.now = func() time.Time { return now }

		require.NoError(t, store.Create(ctx, "lock.a", kv.Entry{Data: []byte("x")}))
		require.ErrorIs(t, store.Create(ctx, "lock.a", kv.Entry{Data: []byte("y")}), kv.ErrKeyExists)

		now = now.Add(2 * time.Second)
		_, err := store.Get(ctx, "lock.a")
		require.ErrorIs(t, err, kv.ErrNotFound)
		require.NoError(t, store.Create(ctx, "lock.a", kv.Entry{Data: []byte("y")}))
		entry, err := store.Get(ctx, "lock.a")
		require.NoError(t, err)
		require.Equal(t, "y", string(entry.Data))
	})

	t.Run("keys by prefix", func(t *testing.T) {
		store := NewKV(OpenTestSQLite(t), KVConfig{})
		ctx := t.Context()
		for _, k := range []string{"flag.b", "flag.a", "flagXc", "lock.c"} {
			require.NoError(t, store.Put(ctx, k, kv.Entry{Data: []byte(`true`)}, kv.PutOptions{}))
		}
		keys, err := store.Keys(ctx, "flag.")
		require.NoError(t, err)
		require.Equal(t, []string{"flag.a", "flag.b"}, keys)
	})

	t.Run("backs flags and locks", func(t *testing.T) {
		db := OpenTestSQLite(t)
		ctx := t.Context()

		f := flags.New(NewKV(db, KVConfig{}), nil)
		on, err := f.Toggle(ctx, flags.Master)
		require.NoError(t, err)
		require.False(t, on)
		enabled, err := f.Enabled(ctx, flags.Master)
		require.NoError(t, err)
		require.False(t, enabled)

		locks, err := lock.NewKV(lock.KVConfig{Store: NewKV(db, KVConfig{CreateTTL: time.Minute})})
		require.NoError(t, err)

		var (
			wg      sync.WaitGroup
			mu      sync.Mutex
			holders int
			maxSeen int
		)
		for range 5 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				g, err := locks.Acquire(ctx, "booking_init_x")
				if err != nil {
					t.Error(err)
					return
				}
				mu.Lock()
				holders++
				maxSeen = max(maxSeen, holders)
				mu.Unlock()
				time.Sleep(5 * time.Millisecond)
				mu.Lock()
				holders--
				mu.Unlock()
				g.Release()
			}()
		}
		wg.Wait()
		require.Equal(t, 1, maxSeen)
	})
}

package lock

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/samuelvi/eventsourcing-with-ddd-and-cqrs/ports/kv"
)

type KVConfig struct {
	Store kv.Store
	// Prefix is prepended to every encoded key (default "lock.").
	Prefix string
	// Wait bounds how long Acquire blocks. Zero means no bound.
	Wait time.Duration
	// MinBackoff and MaxBackoff bound the polling interval while contended.
	MinBackoff time.Duration
	MaxBackoff time.Duration
	Log        *slog.Logger
}

// KV implements Provider on top of a key value store's conditional create.
// The stored value is an owner token so a release never deletes a lock that
// was taken over by someone else.
type KV struct {
	store      kv.Store
	prefix     string
	wait       time.Duration
	minBackoff time.Duration
	maxBackoff time.Duration
	log        *slog.Logger
}

func NewKV(cfg KVConfig) (*KV, error) {
	if cfg.Store == nil {
		return nil, errors.New("lock: kv store is required")
	}
	k := &KV{
		store:      cfg.Store,
		prefix:     cfg.Prefix,
		wait:       cfg.Wait,
		minBackoff: cfg.MinBackoff,
		maxBackoff: cfg.MaxBackoff,
		log:        cfg.Log,
	}
	if k.prefix == "" {
		k.prefix = "lock."
	}
	if k.minBackoff <= 0 {
		k.minBackoff = 5 * time.Millisecond
	}
	if k.maxBackoff < k.minBackoff {
		k.maxBackoff = 250 * time.Millisecond
	}
	if k.log == nil {
		k.log = slog.Default()
	}
	k.log = k.log.With(slog.String("lock", "kv"))
	return k, nil
}

// storeKey encodes arbitrary lock names (e-mail addresses included) into the
// character set KV backends accept.
func (k *KV) storeKey(key string) string {
	return k.prefix + base64.RawURLEncoding.EncodeToString([]byte(key))
}

func (k *KV) Acquire(ctx context.Context, key string) (Guard, error) {
	ctx, cancel := withWait(ctx, k.wait)
	defer cancel()

	storeKey := k.storeKey(key)
	token := gonanoid.Must()

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		err := k.store.Create(ctx, storeKey, kv.Entry{Data: []byte(token)})
		if err != nil && !errors.Is(err, kv.ErrKeyExists) {
			return struct{}{}, backoff.Permanent(err)
		}
		return struct{}{}, err
	}, backoff.WithBackOff(k.pollBackOff()), backoff.WithMaxElapsedTime(0))
	if err != nil {
		return nil, acquireErr(key, err)
	}

	var once sync.Once
	return GuardFunc(func() {
		once.Do(func() { k.release(storeKey, token) })
	}), nil
}

// pollBackOff spaces out create attempts on a contended key, jittered so
// waiters do not retry in lockstep.
func (k *KV) pollBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = k.minBackoff
	b.MaxInterval = k.maxBackoff
	b.Multiplier = 2
	return b
}

func (k *KV) release(storeKey, token string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	entry, err := k.store.Get(ctx, storeKey)
	if err != nil {
		if !errors.Is(err, kv.ErrNotFound) {
			k.log.Error("release: read owner", slog.String("key", storeKey), slog.Any("error", err))
		}
		return
	}
	if string(entry.Data) != token {
		k.log.Warn("release: lock owned by someone else", slog.String("key", storeKey))
		return
	}
	if err := k.store.Delete(ctx, storeKey); err != nil {
		k.log.Error("release: delete", slog.String("key", storeKey), slog.Any("error", err))
	}
}

var _ Provider = (*KV)(nil)

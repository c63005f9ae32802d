// Package flags holds the enablement switches of the event pipeline: the
// master switch that gates publishing and one switch per projection.
//
// A key without a stored override is enabled.
package flags

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/samuelvi/eventsourcing-with-ddd-and-cqrs/ports/kv"
)

const (
	Master = "master"

	keyPrefix = "flag."
)

type Flags struct {
	store kv.Store
	log   *slog.Logger
}

func New(store kv.Store, log *slog.Logger) *Flags {
	if log == nil {
		log = slog.Default()
	}
	return &Flags{store: store, log: log.With(slog.String("component", "flags"))}
}

func storeKey(key string) string { return keyPrefix + key }

func (f *Flags) Enabled(ctx context.Context, key string) (bool, error) {
	v, err := kv.Get[bool](ctx, f.store, storeKey(key))
	if errors.Is(err, kv.ErrNotFound) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("read flag %s: %w", key, err)
	}
	return v, nil
}

func (f *Flags) Set(ctx context.Context, key string, enabled bool) error {
	if err := kv.Put(ctx, f.store, storeKey(key), enabled, kv.PutOptions{}); err != nil {
		return fmt.Errorf("write flag %s: %w", key, err)
	}
	f.log.Info("flag set", slog.String("key", key), slog.Bool("enabled", enabled))
	return nil
}

// Toggle flips key and returns the new value.
func (f *Flags) Toggle(ctx context.Context, key string) (bool, error) {
	cur, err := f.Enabled(ctx, key)
	if err != nil {
		return false, err
	}
	if err := f.Set(ctx, key, !cur); err != nil {
		return false, err
	}
	return !cur, nil
}

// EnableAll removes every stored override.
func (f *Flags) EnableAll(ctx context.Context) error {
	keys, err := f.store.Keys(ctx, keyPrefix)
	if err != nil {
		return fmt.Errorf("list flags: %w", err)
	}
	for _, k := range keys {
		if err := f.store.Delete(ctx, k); err != nil {
			return fmt.Errorf("clear flag %s: %w", k, err)
		}
	}
	f.log.Info("all flags enabled", slog.Int("cleared", len(keys)))
	return nil
}

// Status reports the effective value of every given key.
func (f *Flags) Status(ctx context.Context, keys ...string) (map[string]bool, error) {
	out := make(map[string]bool, len(keys))
	for _, k := range keys {
		v, err := f.Enabled(ctx, k)
		if err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, nil
}

package kv

import (
	"context"
	"errors"
	"time"

	"github.com/samuelvi/eventsourcing-with-ddd-and-cqrs/internal/codec"
)

var (
	ErrNotFound  = errors.New("not found")
	ErrKeyExists = errors.New("key exists")
)

type Entry struct {
	Data []byte
	Meta map[string]any
}

type PutOptions struct {
	TTL time.Duration
}

type Store interface {
	Put(ctx context.Context, key string, entry Entry, opts PutOptions) error
	Get(ctx context.Context, key string) (entry Entry, err error)
	Delete(ctx context.Context, key string) error
	// Create writes entry only if key is absent, otherwise ErrKeyExists.
	Create(ctx context.Context, key string, entry Entry) error
	// Keys lists keys starting with prefix.
	Keys(ctx context.Context, prefix string) ([]string, error)
}

func Put[T any](ctx context.Context, store Store, key string, v T, opts PutOptions) error {
	data, err := codec.Marshal(v)
	if err != nil {
		return err
	}
	return store.Put(ctx, key, Entry{Data: data}, opts)
}

func Get[T any](ctx context.Context, store Store, key string) (out T, err error) {
	entry, err := store.Get(ctx, key)
	if err != nil {
		return
	}
	err = codec.Unmarshal(entry.Data, &out)
	if err != nil {
		return
	}
	return
}

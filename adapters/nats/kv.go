package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/samuelvi/eventsourcing-with-ddd-and-cqrs/internal/codec"
	"github.com/samuelvi/eventsourcing-with-ddd-and-cqrs/ports/kv"
)

type KVConfig struct {
	Connect Connector
	Log     *slog.Logger
	Bucket  string
	// TTL expires every key of the bucket; used for lock buckets so a
	// crashed holder cannot block a key forever.
	TTL     time.Duration
	Storage jetstream.StorageType
}

// KV implements kv.Store on a JetStream key value bucket.
type KV struct {
	kv      jetstream.KeyValue
	closeNc closeFunc
	log     *slog.Logger
	now     func() time.Time
}

// record is the stored form of kv.Entry.
type record struct {
	Data      []byte         `json:"data"`
	Meta      map[string]any `json:"meta,omitempty"`
	ExpiresAt *time.Time     `json:"expiresAt,omitempty"`
}

func (r record) expired(now time.Time) bool {
	return r.ExpiresAt != nil && !now.Before(*r.ExpiresAt)
}

func NewKV(ctx context.Context, cfg KVConfig) (*KV, error) {
	if cfg.Bucket == "" {
		return nil, errors.New("bucket is required")
	}
	js, closeNc, err := jetStream(cfg.Connect)
	if err != nil {
		return nil, err
	}
	bucket, err := ensureBucket(ctx, js, jetstream.KeyValueConfig{
		Bucket:  cfg.Bucket,
		TTL:     cfg.TTL,
		Storage: cfg.Storage,
	})
	if err != nil {
		closeNc()
		return nil, fmt.Errorf("ensure bucket %s: %w", cfg.Bucket, err)
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}
	return &KV{
		kv:      bucket,
		closeNc: closeNc,
		log:     log.With(slog.String("kv", "nats"), slog.String("bucket", cfg.Bucket)),
		now:     time.Now,
	}, nil
}

func (k *KV) Close() error {
	k.closeNc()
	return nil
}

func (k *KV) encode(entry kv.Entry, ttl time.Duration) ([]byte, error) {
	r := record{Data: entry.Data, Meta: entry.Meta}
	if ttl > 0 {
		at := k.now().Add(ttl).UTC()
		r.ExpiresAt = &at
	}
	return codec.Marshal(r)
}

func (k *KV) load(ctx context.Context, key string) (record, uint64, error) {
	v, err := k.kv.Get(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return record{}, 0, kv.ErrNotFound
	}
	if err != nil {
		return record{}, 0, fmt.Errorf("get %s: %w", key, err)
	}
	var r record
	if err := codec.Unmarshal(v.Value(), &r); err != nil {
		return record{}, 0, fmt.Errorf("decode %s: %w", key, err)
	}
	return r, v.Revision(), nil
}

func (k *KV) Put(ctx context.Context, key string, entry kv.Entry, opts kv.PutOptions) error {
	data, err := k.encode(entry, opts.TTL)
	if err != nil {
		return err
	}
	if _, err := k.kv.Put(ctx, key, data); err != nil {
		return fmt.Errorf("put %s: %w", key, err)
	}
	return nil
}

func (k *KV) Get(ctx context.Context, key string) (kv.Entry, error) {
	r, _, err := k.load(ctx, key)
	if err != nil {
		return kv.Entry{}, err
	}
	if r.expired(k.now()) {
		return kv.Entry{}, kv.ErrNotFound
	}
	return kv.Entry{Data: r.Data, Meta: r.Meta}, nil
}

func (k *KV) Delete(ctx context.Context, key string) error {
	if err := k.kv.Delete(ctx, key); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
		return fmt.Errorf("delete %s: %w", key, err)
	}
	return nil
}

// Create writes entry when key is absent or its previous value expired.
func (k *KV) Create(ctx context.Context, key string, entry kv.Entry) error {
	data, err := k.encode(entry, 0)
	if err != nil {
		return err
	}
	_, err = k.kv.Create(ctx, key, data)
	if err == nil {
		return nil
	}
	if !errors.Is(err, jetstream.ErrKeyExists) {
		return fmt.Errorf("create %s: %w", key, err)
	}

	prev, rev, err := k.load(ctx, key)
	if errors.Is(err, kv.ErrNotFound) {
		// deleted in between; let the caller retry
		return kv.ErrKeyExists
	}
	if err != nil {
		return err
	}
	if !prev.expired(k.now()) {
		return kv.ErrKeyExists
	}
	if _, err := k.kv.Update(ctx, key, data, rev); err != nil {
		if isWrongSequence(err) {
			return kv.ErrKeyExists
		}
		return fmt.Errorf("replace expired %s: %w", key, err)
	}
	return nil
}

func (k *KV) Keys(ctx context.Context, prefix string) ([]string, error) {
	lister, err := k.kv.ListKeys(ctx)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	var out []string
	for key := range lister.Keys() {
		if strings.HasPrefix(key, prefix) {
			out = append(out, key)
		}
	}
	return out, nil
}

func isWrongSequence(err error) bool {
	var apiErr *jetstream.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode == jetstream.JSErrCodeStreamWrongLastSequence
}

var _ kv.Store = (*KV)(nil)

package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"strings"
	"time"

	"github.com/doug-martin/goqu/v9"

	"github.com/samuelvi/eventsourcing-with-ddd-and-cqrs/internal/codec"
	"github.com/samuelvi/eventsourcing-with-ddd-and-cqrs/ports/kv"
)

const tableKV = "kv_entries"

type kvRow struct {
	Name      string         `db:"name"`
	Data      string         `db:"data"`
	Meta      sql.NullString `db:"meta"`
	ExpiresAt sql.NullInt64  `db:"expires_at"`
}

type KVConfig struct {
	// CreateTTL expires entries written by Create. Lock keys use it so a
	// crashed holder cannot block a key forever.
	CreateTTL time.Duration
}

// KV implements kv.Store on the kv_entries table.
type KV struct {
	db        *DB
	createTTL time.Duration
	now       func() time.Time
}

func NewKV(db *DB, cfg KVConfig) *KV {
	return &KV{db: db, createTTL: cfg.CreateTTL, now: time.Now}
}

func (k *KV) record(entry kv.Entry, ttl time.Duration) (goqu.Record, error) {
	rec := goqu.Record{"data": string(entry.Data), "meta": nil, "expires_at": nil}
	if len(entry.Meta) > 0 {
		raw, err := codec.Marshal(entry.Meta)
		if err != nil {
			return nil, err
		}
		rec["meta"] = string(raw)
	}
	if ttl > 0 {
		rec["expires_at"] = toMicros(k.now().Add(ttl))
	}
	return rec, nil
}

func (k *KV) Put(ctx context.Context, key string, entry kv.Entry, opts kv.PutOptions) error {
	rec, err := k.record(entry, opts.TTL)
	if err != nil {
		return err
	}
	update := goqu.Record{
		"data":       goqu.L("excluded.data"),
		"meta":       goqu.L("excluded.meta"),
		"expires_at": goqu.L("excluded.expires_at"),
	}
	rec["name"] = key
	err = k.db.exec(ctx, k.db.x, k.db.goqu.Insert(tableKV).
		Rows(rec).
		OnConflict(goqu.DoUpdate("name", update)).
		Prepared(true))
	if err != nil {
		return storageErr("kv put", err)
	}
	return nil
}

func (k *KV) Get(ctx context.Context, key string) (kv.Entry, error) {
	var row kvRow
	err := k.db.get(ctx, k.db.x, &row, k.db.goqu.From(tableKV).
		Select("name", "data", "meta", "expires_at").
		Where(goqu.C("name").Eq(key)).
		Prepared(true))
	if errors.Is(err, sql.ErrNoRows) {
		return kv.Entry{}, kv.ErrNotFound
	}
	if err != nil {
		return kv.Entry{}, storageErr("kv get", err)
	}
	if row.ExpiresAt.Valid && row.ExpiresAt.Int64 <= toMicros(k.now()) {
		return kv.Entry{}, kv.ErrNotFound
	}
	entry := kv.Entry{Data: []byte(row.Data)}
	if row.Meta.Valid {
		if err := codec.Unmarshal([]byte(row.Meta.String), &entry.Meta); err != nil {
			return kv.Entry{}, err
		}
	}
	return entry, nil
}

func (k *KV) Delete(ctx context.Context, key string) error {
	err := k.db.exec(ctx, k.db.x, k.db.goqu.Delete(tableKV).
		Where(goqu.C("name").Eq(key)).
		Prepared(true))
	if err != nil {
		return storageErr("kv delete", err)
	}
	return nil
}

// Create inserts entry when key is absent, or replaces a value whose TTL
// has passed. Both paths are single statements so concurrent callers race
// on the database, not in this process.
func (k *KV) Create(ctx context.Context, key string, entry kv.Entry) error {
	rec, err := k.record(entry, k.createTTL)
	if err != nil {
		return err
	}
	rec["name"] = key
	n, err := k.db.execAffected(ctx, k.db.x, k.db.goqu.Insert(tableKV).
		Rows(rec).
		OnConflict(goqu.DoNothing()).
		Prepared(true))
	if err != nil {
		return storageErr("kv create", err)
	}
	if n == 1 {
		return nil
	}

	delete(rec, "name")
	n, err = k.db.execAffected(ctx, k.db.x, k.db.goqu.Update(tableKV).
		Set(rec).
		Where(
			goqu.C("name").Eq(key),
			goqu.C("expires_at").IsNotNull(),
			goqu.C("expires_at").Lte(toMicros(k.now())),
		).
		Prepared(true))
	if err != nil {
		return storageErr("kv replace expired", err)
	}
	if n == 0 {
		return kv.ErrKeyExists
	}
	return nil
}

func (k *KV) Keys(ctx context.Context, prefix string) ([]string, error) {
	var names []string
	err := k.db.selectAll(ctx, k.db.x, &names, k.db.goqu.From(tableKV).
		Select("name").
		Where(goqu.Or(goqu.C("expires_at").IsNull(), goqu.C("expires_at").Gt(toMicros(k.now())))).
		Order(goqu.C("name").Asc()).
		Prepared(true))
	if err != nil {
		return nil, storageErr("kv keys", err)
	}
	// LIKE treats '_' as a wildcard and is case-insensitive on sqlite
	keys := make([]string, 0, len(names))
	for _, name := range names {
		if strings.HasPrefix(name, prefix) {
			keys = append(keys, name)
		}
	}
	return keys, nil
}

var _ kv.Store = (*KV)(nil)

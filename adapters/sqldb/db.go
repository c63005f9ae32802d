// Package sqldb keeps the event log, checkpoints, snapshots and read models
// in a relational database. SQLite (modernc.org/sqlite) and PostgreSQL
// (pgx) are supported; queries are built with goqu and run through sqlx.
package sqldb

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/doug-martin/goqu/v9"
	_ "github.com/doug-martin/goqu/v9/dialect/postgres" // dialect registration
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"  // dialect registration
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib" // pgx database/sql driver
	"github.com/jmoiron/sqlx"
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/samuelvi/eventsourcing-with-ddd-and-cqrs/core/es"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"

	pgUniqueViolation = "23505"
)

//go:embed schema/*.sql
var schemaFS embed.FS

var ErrUnsupportedDriver = errors.New("unsupported sql driver")

type Config struct {
	Driver string
	DSN    string
	Log    *slog.Logger
}

// DB is an open, migrated database shared by [Store] and [ReadModels].
type DB struct {
	x       *sqlx.DB
	goqu    goqu.DialectWrapper
	driver  string
	log     *slog.Logger
	closeFn func() error
}

type driverSpec struct {
	sqlDriver string
	dialect   string
	schema    string
}

var drivers = map[string]driverSpec{
	DriverSQLite:   {sqlDriver: "sqlite", dialect: "sqlite3", schema: "schema/sqlite.sql"},
	DriverPostgres: {sqlDriver: "pgx", dialect: "postgres", schema: "schema/postgres.sql"},
}

// Open connects to cfg.DSN and creates missing tables.
func Open(ctx context.Context, cfg Config) (*DB, error) {
	drv, ok := drivers[cfg.Driver]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedDriver, cfg.Driver)
	}
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("sql dsn is required")
	}
	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	x, err := sqlx.Open(drv.sqlDriver, cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", cfg.Driver, err)
	}
	if cfg.Driver == DriverSQLite {
		// one writer; also keeps ":memory:" databases on a single connection
		x.SetMaxOpenConns(1)
	} else {
		x.SetMaxOpenConns(20)
		x.SetMaxIdleConns(5)
		x.SetConnMaxLifetime(time.Hour)
		x.SetConnMaxIdleTime(5 * time.Minute)
	}
	if err := x.PingContext(ctx); err != nil {
		_ = x.Close()
		return nil, fmt.Errorf("ping %s: %w", cfg.Driver, err)
	}

	db := &DB{
		x:       x,
		goqu:    goqu.Dialect(drv.dialect),
		driver:  cfg.Driver,
		log:     log.With(slog.String("component", "sqldb"), slog.String("driver", cfg.Driver)),
		closeFn: x.Close,
	}
	if err := db.migrate(ctx, drv.schema); err != nil {
		_ = x.Close()
		return nil, err
	}
	return db, nil
}

func (db *DB) migrate(ctx context.Context, file string) error {
	raw, err := schemaFS.ReadFile(file)
	if err != nil {
		return fmt.Errorf("read schema: %w", err)
	}
	for _, stmt := range strings.Split(string(raw), ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := db.x.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	db.log.Debug("schema applied")
	return nil
}

func (db *DB) Close() error {
	if db == nil || db.closeFn == nil {
		return nil
	}
	return db.closeFn()
}

// inTx runs fn in a transaction and commits when fn succeeds.
func (db *DB) inTx(ctx context.Context, fn func(tx *sqlx.Tx) error) error {
	tx, err := db.x.BeginTxx(ctx, nil)
	if err != nil {
		return storageErr("begin tx", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return storageErr("commit", err)
	}
	return nil
}

type sqlBuilder interface {
	ToSQL() (string, []any, error)
}

func (db *DB) get(ctx context.Context, q sqlx.QueryerContext, dest any, b sqlBuilder) error {
	query, args, err := b.ToSQL()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	return sqlx.GetContext(ctx, q, dest, query, args...)
}

func (db *DB) selectAll(ctx context.Context, q sqlx.QueryerContext, dest any, b sqlBuilder) error {
	query, args, err := b.ToSQL()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	return sqlx.SelectContext(ctx, q, dest, query, args...)
}

func (db *DB) exec(ctx context.Context, e sqlx.ExecerContext, b sqlBuilder) error {
	query, args, err := b.ToSQL()
	if err != nil {
		return fmt.Errorf("build query: %w", err)
	}
	_, err = e.ExecContext(ctx, query, args...)
	return err
}

func (db *DB) execAffected(ctx context.Context, e sqlx.ExecerContext, b sqlBuilder) (int64, error) {
	query, args, err := b.ToSQL()
	if err != nil {
		return 0, fmt.Errorf("build query: %w", err)
	}
	res, err := e.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (db *DB) count(ctx context.Context, q sqlx.QueryerContext, table string) (int, error) {
	var n int
	err := db.get(ctx, q, &n, db.goqu.From(table).Select(goqu.COUNT(goqu.Star())).Prepared(true))
	if err != nil {
		return 0, storageErr("count "+table, err)
	}
	return n, nil
}

func (db *DB) truncate(ctx context.Context, tables ...string) error {
	return db.inTx(ctx, func(tx *sqlx.Tx) error {
		for _, table := range tables {
			if err := db.exec(ctx, tx, db.goqu.Delete(table).Prepared(true)); err != nil {
				return storageErr("truncate "+table, err)
			}
		}
		return nil
	})
}

// retryable reports conflicts another attempt can get past: a unique
// violation from a concurrent writer or a busy SQLite database.
func (db *DB) retryable(err error) bool {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == pgUniqueViolation
	}
	var liteErr *sqlite.Error
	if errors.As(err, &liteErr) {
		switch liteErr.Code() & 0xff {
		case sqlite3.SQLITE_CONSTRAINT, sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return true
		}
	}
	return false
}

func (db *DB) retryBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 5 * time.Millisecond
	b.MaxInterval = 250 * time.Millisecond
	return b
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", es.ErrStorage, op, err)
}

func toMicros(t time.Time) int64 { return t.UTC().UnixMicro() }

func fromMicros(v int64) time.Time { return time.UnixMicro(v).UTC() }

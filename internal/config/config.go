// Package config loads process settings from ESDEMO_* environment variables.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	BackendMemory = "memory"
	BackendSQL    = "sql"
	BackendNATS   = "nats"

	BusSync  = "sync"
	BusAsync = "async"
	BusNATS  = "nats"
)

var ErrInvalid = errors.New("invalid config")

type Config struct {
	LogLevel slog.Level `env:"LOG_LEVEL" envDefault:"info"`

	// Backend holds the event log, checkpoints, snapshots, flags and locks.
	Backend string `env:"BACKEND" envDefault:"sql"`
	// Bus carries published events to projections.
	Bus string `env:"BUS" envDefault:"sync"`

	DBDriver string `env:"DB_DRIVER" envDefault:"sqlite"`
	DBDSN    string `env:"DB_DSN" envDefault:"file:esdemo.db?_pragma=busy_timeout(5000)&_txlock=immediate"`
	NATSURL  string `env:"NATS_URL" envDefault:"nats://127.0.0.1:4222"`

	SnapshotThreshold int `env:"SNAPSHOT_THRESHOLD" envDefault:"10"`
	// LockTimeout bounds lock waits; zero blocks until the context ends.
	LockTimeout time.Duration `env:"LOCK_TIMEOUT" envDefault:"0s"`
	// LockTTL expires locks left behind by crashed holders.
	LockTTL time.Duration `env:"LOCK_TTL" envDefault:"30s"`

	// CatalogCacheTTL caches menu lookups of quote generation; zero disables.
	CatalogCacheTTL time.Duration `env:"CATALOG_CACHE_TTL" envDefault:"30s"`

	MetricsAddr  string `env:"METRICS_ADDR" envDefault:":9090"`
	OTELEndpoint string `env:"OTEL_ENDPOINT"`
	ServiceName  string `env:"SERVICE_NAME" envDefault:"esdemo"`
}

// Load parses the environment and validates the result.
func Load() (Config, error) {
	cfg, err := env.ParseAsWithOptions[Config](env.Options{Prefix: "ESDEMO_"})
	if err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if !slices.Contains([]string{BackendMemory, BackendSQL, BackendNATS}, c.Backend) {
		return fmt.Errorf("%w: backend %q", ErrInvalid, c.Backend)
	}
	if !slices.Contains([]string{BusSync, BusAsync, BusNATS}, c.Bus) {
		return fmt.Errorf("%w: bus %q", ErrInvalid, c.Bus)
	}
	if c.SnapshotThreshold <= 0 {
		return fmt.Errorf("%w: snapshot threshold must be positive", ErrInvalid)
	}
	if c.LockTimeout < 0 || c.LockTTL < 0 || c.CatalogCacheTTL < 0 {
		return fmt.Errorf("%w: negative duration", ErrInvalid)
	}
	return nil
}

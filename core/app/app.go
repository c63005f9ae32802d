package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/samuelvi/eventsourcing-with-ddd-and-cqrs/adapters/nats"
	"github.com/samuelvi/eventsourcing-with-ddd-and-cqrs/adapters/sqldb"
	"github.com/samuelvi/eventsourcing-with-ddd-and-cqrs/core/bus"
	"github.com/samuelvi/eventsourcing-with-ddd-and-cqrs/core/cache"
	"github.com/samuelvi/eventsourcing-with-ddd-and-cqrs/core/es"
	"github.com/samuelvi/eventsourcing-with-ddd-and-cqrs/core/flags"
	"github.com/samuelvi/eventsourcing-with-ddd-and-cqrs/core/lock"
	"github.com/samuelvi/eventsourcing-with-ddd-and-cqrs/internal/command"
	"github.com/samuelvi/eventsourcing-with-ddd-and-cqrs/internal/config"
	"github.com/samuelvi/eventsourcing-with-ddd-and-cqrs/internal/control"
	"github.com/samuelvi/eventsourcing-with-ddd-and-cqrs/internal/domain"
	"github.com/samuelvi/eventsourcing-with-ddd-and-cqrs/internal/fixtures"
	"github.com/samuelvi/eventsourcing-with-ddd-and-cqrs/internal/projection"
	"github.com/samuelvi/eventsourcing-with-ddd-and-cqrs/internal/readmodel"
	"github.com/samuelvi/eventsourcing-with-ddd-and-cqrs/ports/kv"
)

type Config struct {
	Context  context.Context
	Log      *slog.Logger
	Settings config.Config
	Metrics  es.Metrics
	// Consume subscribes the projections on a nats bus.
	Consume bool
	// Connect overrides the NATS connection, mostly for tests.
	Connect nats.Connector
	Now     func() time.Time
}

type App struct {
	ctx       context.Context
	cancelCtx context.CancelFunc
	log       *slog.Logger
	settings  config.Config
	metrics   es.Metrics
	now       func() time.Time

	store      es.Store
	readModels readmodel.Store
	flags      *flags.Flags
	locks      lock.Provider
	bus        bus.Bus
	registry   *es.Registry
	fixtures   *fixtures.Loader
	catalog    *command.CachedLookup
	runners    []*projection.Runner

	commands *command.Handlers
	control  *control.Service

	closers []func() error
}

func New(cfg Config) (a *App, err error) {
	a = &App{settings: cfg.Settings, metrics: cfg.Metrics, now: cfg.Now}

	// === defaults ===
	if err := a.settings.Validate(); err != nil {
		return nil, err
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	a.log = cfg.Log.With(slog.String("backend", a.settings.Backend), slog.String("bus", a.settings.Bus))
	if cfg.Context == nil {
		cfg.Context = context.Background()
	}
	a.ctx, a.cancelCtx = context.WithCancel(cfg.Context)
	if a.metrics == nil {
		a.metrics = es.NopMetrics()
	}
	if a.now == nil {
		a.now = time.Now
	}
	a.registry = domain.NewRegistry()

	defer func() {
		if err != nil {
			_ = a.Close(context.Background())
			a = nil
		}
	}()

	// === storage ===
	var flagStore, lockStore kv.Store
	switch a.settings.Backend {
	case config.BackendMemory:
		a.store = es.NewInMemoryStore(es.WithLog(a.log), es.WithMetrics(a.metrics), es.WithClock(a.now))
		a.readModels = readmodel.NewMemory()
		flagStore = kv.NewMemStore()
		a.locks = lock.NewInMemory(lock.WithWait(a.settings.LockTimeout))

	case config.BackendSQL:
		db, err := a.openSQL()
		if err != nil {
			return nil, err
		}
		a.store = sqldb.NewStore(db, sqldb.StoreConfig{Metrics: a.metrics, Log: a.log, Now: a.now})
		a.readModels = sqldb.NewReadModels(db)
		flagStore = sqldb.NewKV(db, sqldb.KVConfig{})
		lockStore = sqldb.NewKV(db, sqldb.KVConfig{CreateTTL: a.settings.LockTTL})

	case config.BackendNATS:
		connect := a.connector(cfg.Connect)
		store, err := nats.NewStore(a.ctx, nats.StoreConfig{Connect: connect, Log: a.log, Metrics: a.metrics, Now: a.now})
		if err != nil {
			return nil, fmt.Errorf("nats store: %w", err)
		}
		a.closers = append(a.closers, store.Close)
		a.store = store

		db, err := a.openSQL()
		if err != nil {
			return nil, err
		}
		a.readModels = sqldb.NewReadModels(db)

		if flagStore, err = a.natsKV(connect, "ESDEMO_FLAGS", 0); err != nil {
			return nil, err
		}
		if lockStore, err = a.natsKV(connect, "ESDEMO_LOCKS", a.settings.LockTTL); err != nil {
			return nil, err
		}
	}

	a.flags = flags.New(flagStore, a.log)
	if lockStore != nil {
		if a.locks, err = lock.NewKV(lock.KVConfig{Store: lockStore, Wait: a.settings.LockTimeout, Log: a.log}); err != nil {
			return nil, err
		}
	}

	// === bus ===
	consume := true
	switch a.settings.Bus {
	case config.BusSync:
		a.bus = bus.NewSync(a.log)
	case config.BusAsync:
		async := bus.NewAsync(bus.AsyncConfig{Log: a.log})
		a.closers = append(a.closers, func() error {
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			return async.Shutdown(ctx)
		})
		a.bus = async
	case config.BusNATS:
		nb, err := nats.NewBus(a.ctx, nats.BusConfig{Connect: a.connector(cfg.Connect), Log: a.log, Registry: a.registry})
		if err != nil {
			return nil, fmt.Errorf("nats bus: %w", err)
		}
		a.closers = append(a.closers, nb.Close)
		a.bus = nb
		consume = cfg.Consume
	}

	// === projections ===
	a.runners = projection.NewRunners(a.readModels, projection.Config{
		Flags:       a.flags,
		Locks:       a.locks,
		Checkpoints: a.store,
		Metrics:     a.metrics,
		Log:         a.log,
		Now:         a.now,
	})
	if consume {
		if err := projection.Subscribe(a.bus, a.runners, bus.NewLogMiddleware()); err != nil {
			return nil, fmt.Errorf("subscribe projections: %w", err)
		}
	}

	// === write side ===
	var menuCache cache.Cache = cache.NewNop()
	if a.settings.CatalogCacheTTL > 0 {
		menuCache = cache.NewLRU(cache.LRUOpts{Size: 256})
	}
	a.catalog = command.NewCachedLookup(a.readModels, menuCache, a.settings.CatalogCacheTTL)
	a.commands = command.NewHandlers(command.NewPipeline(command.Config{
		Events:            a.store,
		Snapshots:         a.store,
		Locks:             a.locks,
		Flags:             a.flags,
		Bus:               a.bus,
		Counter:           a.readModels,
		SnapshotThreshold: a.settings.SnapshotThreshold,
		Metrics:           a.metrics,
		Log:               a.log,
		Now:               a.now,
	}), a.catalog)

	// === control ===
	a.fixtures = fixtures.New(a.readModels, fixtures.WithLog(a.log))
	a.control = control.New(control.Config{
		Store:       a.store,
		ReadModels:  a.readModels,
		Flags:       a.flags,
		Bus:         a.bus,
		Registry:    a.registry,
		Seeder:      catalogSeeder{loader: a.fixtures, catalog: a.catalog},
		Projections: projection.Names,
		Metrics:     a.metrics,
		Log:         a.log,
		Now:         a.now,
	})

	if err := a.ensureCatalog(a.ctx); err != nil {
		return nil, err
	}

	a.log.Debug("app created")
	return a, nil
}

// catalogSeeder drops cached menus around a reseed.
type catalogSeeder struct {
	loader  *fixtures.Loader
	catalog *command.CachedLookup
}

func (s catalogSeeder) Load(ctx context.Context) error {
	s.catalog.Invalidate()
	defer s.catalog.Invalidate()
	return s.loader.Load(ctx)
}

func (a *App) connector(c nats.Connector) nats.Connector {
	if c == nil {
		c = nats.ConnectURL(a.settings.NATSURL)
	}
	// one connection per process
	return nats.ReuseConnection(c)
}

func (a *App) openSQL() (*sqldb.DB, error) {
	db, err := sqldb.Open(a.ctx, sqldb.Config{Driver: a.settings.DBDriver, DSN: a.settings.DBDSN, Log: a.log})
	if err != nil {
		return nil, err
	}
	a.closers = append(a.closers, db.Close)
	return db, nil
}

func (a *App) natsKV(connect nats.Connector, bucket string, ttl time.Duration) (kv.Store, error) {
	store, err := nats.NewKV(a.ctx, nats.KVConfig{Connect: connect, Log: a.log, Bucket: bucket, TTL: ttl})
	if err != nil {
		return nil, fmt.Errorf("nats kv %s: %w", bucket, err)
	}
	a.closers = append(a.closers, store.Close)
	return store, nil
}

// ensureCatalog seeds the reference catalog into an empty database.
func (a *App) ensureCatalog(ctx context.Context) error {
	counts, err := a.readModels.Counts(ctx)
	if err != nil {
		return err
	}
	if counts[readmodel.TableSuppliers] > 0 {
		return nil
	}
	a.log.Info("catalog empty, loading fixtures")
	return a.fixtures.Load(ctx)
}

func (a *App) Commands() *command.Handlers { return a.commands }
func (a *App) Control() *control.Service   { return a.control }
func (a *App) ReadModels() readmodel.Store { return a.readModels }
func (a *App) Bus() bus.Bus                { return a.bus }

// Run blocks until ctx ends. It is used by workers that only consume.
func (a *App) Run(ctx context.Context) error {
	a.log.Info("app started", slog.Int("projections", len(a.runners)))
	select {
	case <-ctx.Done():
	case <-a.ctx.Done():
	}
	a.log.Info("app stopping")
	return nil
}

// Close drains in-process deliveries and releases every connection, last
// opened first.
func (a *App) Close(context.Context) error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	if a.cancelCtx != nil {
		a.cancelCtx()
	}
	return errors.Join(errs...)
}

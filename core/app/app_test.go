package app

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/samuelvi/eventsourcing-with-ddd-and-cqrs/adapters/nats"
	"github.com/samuelvi/eventsourcing-with-ddd-and-cqrs/internal/command"
	"github.com/samuelvi/eventsourcing-with-ddd-and-cqrs/internal/config"
	"github.com/samuelvi/eventsourcing-with-ddd-and-cqrs/internal/fixtures"
	"github.com/samuelvi/eventsourcing-with-ddd-and-cqrs/internal/readmodel"
)

func testSettings(backend, busKind string) config.Config {
	return config.Config{
		Backend:           backend,
		Bus:               busKind,
		DBDriver:          "sqlite",
		DBDSN:             ":memory:",
		SnapshotThreshold: 10,
	}
}

func newTestApp(t *testing.T, cfg Config) *App {
	t.Helper()
	a, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close(context.Background()) })
	return a
}

func submitBooking(t *testing.T, a *App, id string) {
	t.Helper()
	res, err := a.Commands().Submit(t.Context(), id, command.TypeSubmitBooking, command.Fields{
		"pax": 2, "budget": 80, "clientName": "Ann", "clientEmail": "ann@example.org",
	})
	require.NoError(t, err)
	require.Len(t, res, 1)
	require.True(t, res[0].Published)
}

func TestApp(t *testing.T) {
	for _, tc := range []struct {
		backend, bus string
	}{
		{config.BackendMemory, config.BusSync},
		{config.BackendMemory, config.BusAsync},
		{config.BackendSQL, config.BusSync},
		{config.BackendSQL, config.BusAsync},
	} {
		t.Run(tc.backend+"/"+tc.bus, func(t *testing.T) {
			a := newTestApp(t, Config{Settings: testSettings(tc.backend, tc.bus)})
			ctx := t.Context()

			id := uuid.NewString()
			submitBooking(t, a, id)
			if w, ok := a.Bus().(interface{ Wait(context.Context) error }); ok {
				require.NoError(t, w.Wait(ctx))
			}

			stats, err := a.Control().Stats(ctx)
			require.NoError(t, err)
			require.Equal(t, 1, stats.Events)
			require.Equal(t, 1, stats.ReadModels[readmodel.TableBookings])
			require.Equal(t, 1, stats.ReadModels[readmodel.TableUsers])
			require.Equal(t, len(fixtures.SupplierNames), stats.ReadModels[readmodel.TableSuppliers])
		})
	}
}

func TestApp_InvalidSettings(t *testing.T) {
	_, err := New(Config{Settings: testSettings("mongo", config.BusSync)})
	require.ErrorIs(t, err, config.ErrInvalid)
}

func TestApp_CatalogSeededOnce(t *testing.T) {
	a := newTestApp(t, Config{Settings: testSettings(config.BackendMemory, config.BusSync)})
	ctx := t.Context()

	before, err := a.ReadModels().Counts(ctx)
	require.NoError(t, err)
	require.NoError(t, a.ensureCatalog(ctx))
	after, err := a.ReadModels().Counts(ctx)
	require.NoError(t, err)
	require.Equal(t, before, after)
}

func TestApp_NATS(t *testing.T) {
	if testing.Short() {
		t.Skip("needs docker")
	}
	connect := nats.NewTestContainer(t)
	settings := testSettings(config.BackendNATS, config.BusNATS)

	producer := newTestApp(t, Config{Settings: settings, Connect: connect})
	worker := newTestApp(t, Config{Settings: settings, Connect: connect, Consume: true})

	id := uuid.NewString()
	submitBooking(t, producer, id)

	// read models are per app here: each opened its own :memory: database
	require.Eventually(t, func() bool {
		b, err := worker.ReadModels().FindBooking(t.Context(), id)
		return err == nil && b != nil
	}, 10*time.Second, 20*time.Millisecond)

	stats, err := producer.Control().Stats(t.Context())
	require.NoError(t, err)
	require.Equal(t, 1, stats.Events)
	require.Equal(t, 0, stats.ReadModels[readmodel.TableBookings])
}

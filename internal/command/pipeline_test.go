package command

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/samuelvi/eventsourcing-with-ddd-and-cqrs/core/bus"
	"github.com/samuelvi/eventsourcing-with-ddd-and-cqrs/core/es"
	"github.com/samuelvi/eventsourcing-with-ddd-and-cqrs/core/flags"
	"github.com/samuelvi/eventsourcing-with-ddd-and-cqrs/core/lock"
	"github.com/samuelvi/eventsourcing-with-ddd-and-cqrs/internal/domain"
	"github.com/samuelvi/eventsourcing-with-ddd-and-cqrs/internal/readmodel"
	"github.com/samuelvi/eventsourcing-with-ddd-and-cqrs/ports/kv"
)

type published struct {
	mu   sync.Mutex
	msgs []bus.Message
}

func (p *published) Handle(msgCtx bus.MsgCtx) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.msgs = append(p.msgs, msgCtx.Message())
	return nil
}

func (p *published) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.msgs)
}

type env struct {
	store    *es.InMemoryStore
	flags    *flags.Flags
	rm       *readmodel.Memory
	got      *published
	handlers *Handlers
}

func newEnv(t *testing.T, mutate ...func(*Config)) *env {
	e := &env{
		store: es.NewInMemoryStore(),
		flags: flags.New(kv.NewMemStore(), nil),
		rm:    readmodel.NewMemory(),
		got:   &published{},
	}
	b := bus.NewSync(nil)
	require.NoError(t, b.Subscribe(bus.Subscription{
		Name:       "recorder",
		EventTypes: []string{domain.TypeBookingWizardCompleted, domain.TypeUserRegistered, domain.TypeQuoteRequested, domain.TypeQuoteStatusChanged},
		Handler:    e.got,
	}))
	cfg := Config{
		Events:            e.store,
		Snapshots:         e.store,
		Locks:             lock.NewInMemory(),
		Flags:             e.flags,
		Bus:               b,
		Counter:           e.rm,
		SnapshotThreshold: 3,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	e.handlers = NewHandlers(NewPipeline(cfg), e.rm)
	return e
}

func submitBooking(t *testing.T, h *Handlers, id string) []Result {
	t.Helper()
	res, err := h.Submit(t.Context(), id, TypeSubmitBooking, Fields{
		"pax": 4.0, "budget": 150.5, "clientName": "John", "clientEmail": "john@x.com",
	})
	require.NoError(t, err)
	return res
}

func TestPipeline_AppendsAndPublishes(t *testing.T) {
	e := newEnv(t)
	id := uuid.NewString()

	res := submitBooking(t, e.handlers, id)
	require.Len(t, res, 1)
	require.False(t, res[0].Duplicate)
	require.True(t, res[0].Published)
	require.NotEmpty(t, res[0].EventID)

	stored, err := e.store.FindByAggregateID(t.Context(), id)
	require.NoError(t, err)
	require.Equal(t, domain.TypeBookingWizardCompleted, stored.EventType)
	require.Equal(t, 1, e.got.count())
	require.Equal(t, stored.ID, e.got.msgs[0].Stored.ID)
}

func TestPipeline_DuplicateIsNoop(t *testing.T) {
	e := newEnv(t)
	id := uuid.NewString()
	first := submitBooking(t, e.handlers, id)
	again := submitBooking(t, e.handlers, id)

	require.True(t, again[0].Duplicate)
	require.Equal(t, first[0].EventID, again[0].EventID)

	n, err := e.store.Count(t.Context())
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Equal(t, 1, e.got.count())
}

func TestPipeline_ConcurrentDuplicatesYieldOneEvent(t *testing.T) {
	e := newEnv(t)
	id := uuid.NewString()

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.handlers.Submit(context.Background(), id, TypeRegisterUser, Fields{"name": "Ann", "email": "ann@x.com"})
			require.NoError(t, err)
		}()
	}
	wg.Wait()

	n, err := e.store.Count(t.Context())
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestPipeline_MasterOffStoresWithoutPublishing(t *testing.T) {
	e := newEnv(t)
	require.NoError(t, e.flags.Set(t.Context(), flags.Master, false))

	res := submitBooking(t, e.handlers, uuid.NewString())
	require.False(t, res[0].Published)
	require.Zero(t, e.got.count())

	n, err := e.store.Count(t.Context())
	require.NoError(t, err)
	require.Equal(t, 1, n)
}

func TestPipeline_SnapshotCadence(t *testing.T) {
	e := newEnv(t)
	var versions []int
	for i := 0; i < 7; i++ {
		res := submitBooking(t, e.handlers, uuid.NewString())
		if v := res[0].SnapshotVersion; v > 0 {
			versions = append(versions, v)
		}
	}
	require.Equal(t, []int{3, 6}, versions)

	snaps, err := e.store.ListSnapshots(t.Context())
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	require.Equal(t, true, snaps[0].State["auto"])
	require.Contains(t, snaps[0].State, readmodel.TableUsers)
}

// slowAppend stalls after the event is written so concurrent commands on
// other aggregates append before this one reaches the snapshot step.
type slowAppend struct{ *es.InMemoryStore }

func (s slowAppend) Append(ctx context.Context, e es.StoredEvent) (int, error) {
	pos, err := s.InMemoryStore.Append(ctx, e)
	time.Sleep(5 * time.Millisecond)
	return pos, err
}

func (s slowAppend) Count(ctx context.Context) (int, error) {
	time.Sleep(5 * time.Millisecond)
	return s.InMemoryStore.Count(ctx)
}

func TestPipeline_ConcurrentSnapshotCadence(t *testing.T) {
	store := es.NewInMemoryStore()
	e := newEnv(t, func(c *Config) {
		c.Events = slowAppend{store}
		c.Snapshots = store
	})

	var wg sync.WaitGroup
	errs := make(chan error, 30)
	for i := 0; i < 30; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := e.handlers.Submit(t.Context(), uuid.NewString(), TypeSubmitBooking, Fields{
				"pax": 2.0, "budget": 80.0, "clientName": "Ann", "clientEmail": "ann@x.com",
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	snaps, err := store.ListSnapshots(t.Context())
	require.NoError(t, err)
	versions := make([]int, 0, len(snaps))
	for _, s := range snaps {
		versions = append(versions, s.Version)
	}
	slices.Sort(versions)
	require.Equal(t, []int{3, 6, 9, 12, 15, 18, 21, 24, 27, 30}, versions)
}

type failingSnapshots struct{ es.SnapshotStore }

func (failingSnapshots) TakeSnapshot(context.Context, string, int, map[string]any) (*es.Snapshot, error) {
	return nil, errors.New("snapshot store down")
}

func TestPipeline_SnapshotFailureIsNotFatal(t *testing.T) {
	e := newEnv(t, func(c *Config) {
		c.SnapshotThreshold = 1
		c.Snapshots = failingSnapshots{}
	})
	res := submitBooking(t, e.handlers, uuid.NewString())
	require.Zero(t, res[0].SnapshotVersion)
	require.True(t, res[0].Published)
}

type brokenLocks struct{}

func (brokenLocks) Acquire(_ context.Context, key string) (lock.Guard, error) {
	return nil, errors.Join(lock.ErrAcquire, errors.New("provider unavailable: "+key))
}

func TestPipeline_LockFailureIsTransient(t *testing.T) {
	e := newEnv(t, func(c *Config) { c.Locks = brokenLocks{} })
	_, err := e.handlers.Submit(t.Context(), uuid.NewString(), TypeRegisterUser, Fields{"name": "Ann", "email": "ann@x.com"})
	require.ErrorIs(t, err, lock.ErrAcquire)

	n, err := e.store.Count(t.Context())
	require.NoError(t, err)
	require.Zero(t, n)
}

type failingAppend struct{ *es.InMemoryStore }

func (failingAppend) Append(context.Context, es.StoredEvent) (int, error) { return 0, es.ErrStorage }

func TestPipeline_StorageFailurePropagates(t *testing.T) {
	e := newEnv(t, func(c *Config) { c.Events = failingAppend{es.NewInMemoryStore()} })
	_, err := e.handlers.Submit(t.Context(), uuid.NewString(), TypeRegisterUser, Fields{"name": "Ann", "email": "ann@x.com"})
	require.ErrorIs(t, err, es.ErrStorage)
	require.Zero(t, e.got.count())
}

func TestSubmit_ValidationHappensFirst(t *testing.T) {
	e := newEnv(t, func(c *Config) { c.Locks = brokenLocks{} })

	tests := []struct {
		name   string
		id     string
		typ    string
		fields Fields
		field  string
	}{
		{"unknown type", uuid.NewString(), "booking.cancel", nil, "type"},
		{"bad id", "not-a-uuid", TypeRegisterUser, Fields{"name": "Ann", "email": "ann@x.com"}, "userId"},
		{"pax not a number", uuid.NewString(), TypeSubmitBooking, Fields{"pax": "many", "budget": 10.0}, "pax"},
		{"fractional pax", uuid.NewString(), TypeSubmitBooking, Fields{"pax": 1.5, "budget": 10.0}, "pax"},
		{"bad email", uuid.NewString(), TypeRegisterUser, Fields{"name": "Ann", "email": "nope"}, "email"},
		{"nan budget", uuid.NewString(), TypeSubmitBooking, Fields{"pax": 2.0, "budget": "NaN", "clientName": "Ann", "clientEmail": "ann@x.com"}, "budget"},
		{"infinite budget", uuid.NewString(), TypeSubmitBooking, Fields{"pax": 2.0, "budget": "Inf", "clientName": "Ann", "clientEmail": "ann@x.com"}, "budget"},
		{"negative infinite budget", uuid.NewString(), TypeSubmitBooking, Fields{"pax": 2.0, "budget": "-Inf", "clientName": "Ann", "clientEmail": "ann@x.com"}, "budget"},
		{"unknown quote status", uuid.NewString(), TypeChangeQuote, Fields{"quoteId": uuid.NewString(), "status": "won"}, "status"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := e.handlers.Submit(t.Context(), tt.id, tt.typ, tt.fields)
			var v *domain.ValidationError
			require.ErrorAs(t, err, &v)
			require.Equal(t, tt.field, v.Field)
		})
	}
}

func TestGenerateQuotes(t *testing.T) {
	e := newEnv(t)
	ctx := t.Context()
	bookingID := uuid.NewString()

	_, err := e.handlers.Submit(ctx, bookingID, TypeGenerateQuotes, nil)
	require.ErrorIs(t, err, domain.ErrReferenceNotFound)

	require.NoError(t, e.rm.InsertBooking(ctx, readmodel.Booking{ID: bookingID, Pax: 2, Budget: 50}))
	require.NoError(t, e.rm.InsertMenu(ctx, readmodel.Menu{ID: "m-cheap", SupplierID: "s-1", Price: 30}))
	require.NoError(t, e.rm.InsertMenu(ctx, readmodel.Menu{ID: "m-exact", SupplierID: "s-2", Price: 50}))
	require.NoError(t, e.rm.InsertMenu(ctx, readmodel.Menu{ID: "m-pricey", SupplierID: "s-1", Price: 75}))

	res, err := e.handlers.Submit(ctx, bookingID, TypeGenerateQuotes, nil)
	require.NoError(t, err)
	require.Len(t, res, 2)
	require.Equal(t, domain.QuoteID(bookingID, "m-cheap"), res[0].AggregateID)

	again, err := e.handlers.Submit(ctx, bookingID, TypeGenerateQuotes, nil)
	require.NoError(t, err)
	require.True(t, again[0].Duplicate)
	require.True(t, again[1].Duplicate)

	n, err := e.store.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	ev := e.got.msgs[1].Event.(domain.QuoteRequested)
	require.Equal(t, "m-exact", ev.MenuID)
	require.Equal(t, 50.0, ev.RequestedPrice)
}

func TestPipeline_StampsOccurredOn(t *testing.T) {
	at := time.Date(2025, 6, 1, 12, 0, 0, 123456789, time.UTC)
	e := newEnv(t, func(c *Config) { c.Now = func() time.Time { return at } })
	id := uuid.NewString()
	submitBooking(t, e.handlers, id)

	stored, err := e.store.FindByAggregateID(t.Context(), id)
	require.NoError(t, err)
	require.True(t, stored.OccurredOn.Equal(at.Truncate(time.Microsecond)))
	require.Equal(t, stored.OccurredOn, e.got.msgs[0].Event.(domain.BookingWizardCompleted).OccurredOn)
}

func TestChangeQuoteStatus(t *testing.T) {
	e := newEnv(t)
	ctx := t.Context()
	quoteID := uuid.NewString()
	changeID := uuid.NewString()
	fields := Fields{"quoteId": quoteID, "status": "quoted"}

	_, err := e.handlers.Submit(ctx, changeID, TypeChangeQuote, fields)
	require.ErrorIs(t, err, domain.ErrReferenceNotFound)

	require.NoError(t, e.rm.InsertQuote(ctx, readmodel.Quote{ID: quoteID, BookingID: uuid.NewString(), Status: readmodel.QuoteStatusPending}))

	res, err := e.handlers.Submit(ctx, changeID, TypeChangeQuote, fields)
	require.NoError(t, err)
	require.Equal(t, changeID, res[0].AggregateID)
	require.True(t, res[0].Published)

	again, err := e.handlers.Submit(ctx, changeID, TypeChangeQuote, fields)
	require.NoError(t, err)
	require.True(t, again[0].Duplicate)

	next, err := e.handlers.Submit(ctx, uuid.NewString(), TypeChangeQuote, Fields{"quoteId": quoteID, "status": "discarded"})
	require.NoError(t, err)
	require.False(t, next[0].Duplicate)

	n, err := e.store.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	ev := e.got.msgs[0].Event.(domain.QuoteStatusChanged)
	require.Equal(t, quoteID, ev.QuoteID)
	require.Equal(t, domain.QuoteStatusQuoted, ev.NewStatus)
}

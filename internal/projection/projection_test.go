package projection

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/samuelvi/eventsourcing-with-ddd-and-cqrs/core/bus"
	"github.com/samuelvi/eventsourcing-with-ddd-and-cqrs/core/es"
	"github.com/samuelvi/eventsourcing-with-ddd-and-cqrs/core/flags"
	"github.com/samuelvi/eventsourcing-with-ddd-and-cqrs/core/lock"
	"github.com/samuelvi/eventsourcing-with-ddd-and-cqrs/internal/domain"
	"github.com/samuelvi/eventsourcing-with-ddd-and-cqrs/internal/readmodel"
	"github.com/samuelvi/eventsourcing-with-ddd-and-cqrs/ports/kv"
)

type fixture struct {
	store *es.InMemoryStore
	rm    *readmodel.Memory
	flags *flags.Flags
	bus   *bus.Sync
}

func newFixture(t *testing.T) *fixture {
	f := &fixture{
		store: es.NewInMemoryStore(),
		rm:    readmodel.NewMemory(),
		flags: flags.New(kv.NewMemStore(), nil),
		bus:   bus.NewSync(nil),
	}
	runners := NewRunners(f.rm, Config{Flags: f.flags, Locks: lock.NewInMemory(), Checkpoints: f.store})
	require.NoError(t, Subscribe(f.bus, runners))
	return f
}

func booking(t *testing.T, id, email string) bus.Message {
	t.Helper()
	ev := domain.BookingWizardCompleted{BookingID: id, Pax: 2, Budget: 80, ClientName: "Ann", ClientEmail: email, OccurredOn: time.Now().UTC()}
	stored, err := es.NewStoredEvent(id, ev, ev.OccurredOn)
	require.NoError(t, err)
	return bus.Message{Stored: stored, Event: ev}
}

func (f *fixture) checkpoint(t *testing.T, name string) *string {
	cp, err := f.store.GetCheckpoint(t.Context(), name)
	require.NoError(t, err)
	if cp == nil {
		return nil
	}
	return cp.LastEventID
}

func (f *fixture) counts(t *testing.T) map[string]int {
	c, err := f.rm.Counts(t.Context())
	require.NoError(t, err)
	return c
}

func TestProjections_ApplyAndCheckpoint(t *testing.T) {
	f := newFixture(t)
	msg := booking(t, "b-1", "ann@x.com")

	require.NoError(t, f.bus.Publish(t.Context(), msg))
	require.Equal(t, 1, f.counts(t)[readmodel.TableUsers])
	require.Equal(t, 1, f.counts(t)[readmodel.TableBookings])
	require.Equal(t, msg.Stored.ID, *f.checkpoint(t, UserProjection))
	require.Equal(t, msg.Stored.ID, *f.checkpoint(t, BookingProjection))
	require.Nil(t, f.checkpoint(t, QuoteProjection))
}

func TestProjections_AtLeastOnceIsIdempotent(t *testing.T) {
	f := newFixture(t)
	msg := booking(t, "b-1", "ann@x.com")
	require.NoError(t, f.bus.Publish(t.Context(), msg))
	require.NoError(t, f.bus.Publish(t.Context(), msg))

	// same e-mail from a different booking still maps to one user
	require.NoError(t, f.bus.Publish(t.Context(), booking(t, "b-2", "ann@x.com")))

	c := f.counts(t)
	require.Equal(t, 1, c[readmodel.TableUsers])
	require.Equal(t, 2, c[readmodel.TableBookings])
}

func TestProjections_DisabledKeepsCheckpoint(t *testing.T) {
	f := newFixture(t)
	first := booking(t, "b-1", "ann@x.com")
	require.NoError(t, f.bus.Publish(t.Context(), first))

	_, err := f.flags.Toggle(t.Context(), BookingProjection)
	require.NoError(t, err)

	second := booking(t, "b-2", "bob@x.com")
	require.NoError(t, f.bus.Publish(t.Context(), second))

	require.Equal(t, 1, f.counts(t)[readmodel.TableBookings])
	require.Equal(t, 2, f.counts(t)[readmodel.TableUsers])
	require.Equal(t, first.Stored.ID, *f.checkpoint(t, BookingProjection))
	require.Equal(t, second.Stored.ID, *f.checkpoint(t, UserProjection))
}

type failingUsers struct{ readmodel.UserStore }

func (failingUsers) InsertUser(context.Context, readmodel.User) error { return errors.New("disk full") }

func TestRunner_ErrorDoesNotAdvanceCheckpoint(t *testing.T) {
	store := es.NewInMemoryStore()
	r := NewRunner(NewUsers(failingUsers{readmodel.NewMemory()}), Config{
		Flags:       flags.New(kv.NewMemStore(), nil),
		Locks:       lock.NewInMemory(),
		Checkpoints: store,
	})
	msg := booking(t, "b-1", "ann@x.com")

	err := r.Handle(bus.NewMsgCtx(t.Context(), nil, msg))
	require.ErrorContains(t, err, "disk full")

	cp, err := store.GetCheckpoint(t.Context(), UserProjection)
	require.NoError(t, err)
	require.Nil(t, cp)
}

func TestProjectors_RejectForeignEvents(t *testing.T) {
	_, err := NewBookings(readmodel.NewMemory()).LockKey(domain.UserRegistered{})
	require.ErrorIs(t, err, ErrUnexpectedEvent)
	_, err = NewQuotes(readmodel.NewMemory()).Project(t.Context(), es.StoredEvent{}, domain.UserRegistered{})
	require.ErrorIs(t, err, ErrUnexpectedEvent)
}

func TestUsers_RegisteredUserKeepsItsID(t *testing.T) {
	rm := readmodel.NewMemory()
	p := NewUsers(rm)
	written, err := p.Project(t.Context(), es.StoredEvent{}, domain.UserRegistered{UserID: "u-1", Name: "Ann", Email: "ann@x.com"})
	require.NoError(t, err)
	require.True(t, written)

	users, err := rm.ListUsers(t.Context())
	require.NoError(t, err)
	require.Equal(t, "u-1", users[0].ID)
}

func quoteMsg(t *testing.T, ev domain.Event, aggregateID string, at time.Time) bus.Message {
	t.Helper()
	stored, err := es.NewStoredEvent(aggregateID, ev, at)
	require.NoError(t, err)
	return bus.Message{Stored: stored, Event: ev}
}

func TestQuotes_StatusChanges(t *testing.T) {
	f := newFixture(t)
	ctx := t.Context()
	at := time.Date(2025, 5, 1, 9, 0, 0, 0, time.UTC)

	requested := quoteMsg(t, domain.QuoteRequested{QuoteID: "q-1", BookingID: "b-1", SupplierID: "s-1", MenuID: "m-1", RequestedPrice: 40, OccurredOn: at}, "q-1", at)
	quoted := quoteMsg(t, domain.QuoteStatusChanged{ChangeID: "c-1", QuoteID: "q-1", NewStatus: domain.QuoteStatusQuoted, OccurredOn: at.Add(time.Minute)}, "c-1", at.Add(time.Minute))
	expired := quoteMsg(t, domain.QuoteStatusChanged{ChangeID: "c-2", QuoteID: "q-1", NewStatus: domain.QuoteStatusExpired, OccurredOn: at.Add(2 * time.Minute)}, "c-2", at.Add(2*time.Minute))

	// a change for a quote that is not projected yet fails so it is redelivered
	err := f.bus.Publish(ctx, quoted)
	require.ErrorIs(t, err, domain.ErrReferenceNotFound)
	require.Nil(t, f.checkpoint(t, QuoteProjection))

	for _, msg := range []bus.Message{requested, quoted, expired, quoted} {
		require.NoError(t, f.bus.Publish(ctx, msg))
	}

	q, err := f.rm.FindQuote(ctx, "q-1")
	require.NoError(t, err)
	require.Equal(t, domain.QuoteStatusExpired, q.Status)
	require.True(t, q.UpdatedAt.Equal(at.Add(2*time.Minute)))
	require.Equal(t, 1, f.counts(t)[readmodel.TableQuotes])
	require.Equal(t, quoted.Stored.ID, *f.checkpoint(t, QuoteProjection))
}

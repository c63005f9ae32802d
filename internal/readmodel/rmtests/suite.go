// Package rmtests contains a conformance suite every readmodel.Store
// backend runs.
package rmtests

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/samuelvi/eventsourcing-with-ddd-and-cqrs/internal/readmodel"
)

func RunStoreSuite(t *testing.T, newStore func(t *testing.T) readmodel.Store) {
	at := time.Date(2025, 3, 1, 10, 0, 0, 0, time.UTC)

	t.Run("users", func(t *testing.T) {
		s := newStore(t)
		ctx := t.Context()

		ok, err := s.UserExistsByEmail(ctx, "ann@x.com")
		require.NoError(t, err)
		require.False(t, ok)

		u := readmodel.User{ID: "u-1", Name: "Ann", Email: "ann@x.com", CreatedAt: at}
		require.NoError(t, s.InsertUser(ctx, u))
		ok, err = s.UserExistsByEmail(ctx, "ann@x.com")
		require.NoError(t, err)
		require.True(t, ok)

		users, err := s.ListUsers(ctx)
		require.NoError(t, err)
		require.Len(t, users, 1)
		require.Equal(t, u.ID, users[0].ID)
		require.True(t, at.Equal(users[0].CreatedAt))
	})

	t.Run("bookings", func(t *testing.T) {
		s := newStore(t)
		ctx := t.Context()

		b, err := s.FindBooking(ctx, "b-1")
		require.NoError(t, err)
		require.Nil(t, b)

		require.NoError(t, s.InsertBooking(ctx, readmodel.Booking{
			ID: "b-1", Pax: 4, Budget: 150.5, ClientName: "John", ClientEmail: "john@x.com", CreatedAt: at,
		}))
		ok, err := s.BookingExists(ctx, "b-1")
		require.NoError(t, err)
		require.True(t, ok)

		b, err = s.FindBooking(ctx, "b-1")
		require.NoError(t, err)
		require.NotNil(t, b)
		require.Equal(t, 4, b.Pax)
		require.Equal(t, 150.5, b.Budget)
		require.Equal(t, "john@x.com", b.ClientEmail)
	})

	t.Run("quotes", func(t *testing.T) {
		s := newStore(t)
		ctx := t.Context()

		require.NoError(t, s.InsertQuote(ctx, readmodel.Quote{
			ID: "q-1", BookingID: "b-1", SupplierID: "s-1", MenuID: "m-1", Price: 40, Status: readmodel.QuoteStatusPending, CreatedAt: at,
		}))
		require.NoError(t, s.InsertQuote(ctx, readmodel.Quote{
			ID: "q-2", BookingID: "b-2", SupplierID: "s-1", MenuID: "m-1", Price: 40, Status: readmodel.QuoteStatusPending, CreatedAt: at,
		}))
		ok, err := s.QuoteExists(ctx, "q-1")
		require.NoError(t, err)
		require.True(t, ok)

		quotes, err := s.ListQuotes(ctx, "b-1")
		require.NoError(t, err)
		require.Len(t, quotes, 1)
		require.Equal(t, "q-1", quotes[0].ID)
		require.Equal(t, readmodel.QuoteStatusPending, quotes[0].Status)
		require.True(t, at.Equal(quotes[0].UpdatedAt))
	})

	t.Run("quote status", func(t *testing.T) {
		s := newStore(t)
		ctx := t.Context()

		q, err := s.FindQuote(ctx, "q-1")
		require.NoError(t, err)
		require.Nil(t, q)
		_, err = s.UpdateQuoteStatus(ctx, "q-1", "quoted", at)
		require.ErrorIs(t, err, readmodel.ErrNotFound)

		require.NoError(t, s.InsertQuote(ctx, readmodel.Quote{
			ID: "q-1", BookingID: "b-1", SupplierID: "s-1", MenuID: "m-1", Price: 40, Status: readmodel.QuoteStatusPending, CreatedAt: at,
		}))

		later := at.Add(time.Minute)
		written, err := s.UpdateQuoteStatus(ctx, "q-1", "quoted", later)
		require.NoError(t, err)
		require.True(t, written)

		// an older change arriving late is ignored
		written, err = s.UpdateQuoteStatus(ctx, "q-1", "expired", at.Add(time.Second))
		require.NoError(t, err)
		require.False(t, written)

		// the same change again is harmless
		written, err = s.UpdateQuoteStatus(ctx, "q-1", "quoted", later)
		require.NoError(t, err)
		require.True(t, written)

		q, err = s.FindQuote(ctx, "q-1")
		require.NoError(t, err)
		require.NotNil(t, q)
		require.Equal(t, "quoted", q.Status)
		require.True(t, later.Equal(q.UpdatedAt))
		require.Equal(t, "b-1", q.BookingID)
	})

	t.Run("menus within budget", func(t *testing.T) {
		s := newStore(t)
		ctx := t.Context()

		require.NoError(t, s.InsertSupplier(ctx, readmodel.Supplier{ID: "s-1", Name: "Acme", IsActive: true}))
		for _, m := range []readmodel.Menu{
			{ID: "m-b", SupplierID: "s-1", Title: "B", Price: 50, Currency: "EUR"},
			{ID: "m-a", SupplierID: "s-1", Title: "A", Price: 30, Currency: "EUR"},
			{ID: "m-c", SupplierID: "s-1", Title: "C", Price: 50.01, Currency: "EUR"},
		} {
			require.NoError(t, s.InsertMenu(ctx, m))
		}
		require.NoError(t, s.InsertProduct(ctx, readmodel.Product{
			ID: "p-1", SupplierID: "s-1", Name: "Acme - A", Type: readmodel.ProductTypeMenu, Price: 30, ExternalReferenceID: "m-a",
		}))

		menus, err := s.MenusWithinBudget(ctx, 50)
		require.NoError(t, err)
		require.Len(t, menus, 2)
		require.Equal(t, "m-a", menus[0].ID)
		require.Equal(t, "m-b", menus[1].ID)
	})

	t.Run("counts and truncation", func(t *testing.T) {
		s := newStore(t)
		ctx := t.Context()

		require.NoError(t, s.InsertUser(ctx, readmodel.User{ID: "u-1", Name: "Ann", Email: "ann@x.com", CreatedAt: at}))
		require.NoError(t, s.InsertBooking(ctx, readmodel.Booking{ID: "b-1", Pax: 1, Budget: 10, ClientName: "Ann", ClientEmail: "ann@x.com", CreatedAt: at}))
		require.NoError(t, s.InsertSupplier(ctx, readmodel.Supplier{ID: "s-1", Name: "Acme", IsActive: true}))

		counts, err := s.Counts(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, counts[readmodel.TableUsers])
		require.Equal(t, 1, counts[readmodel.TableBookings])
		require.Equal(t, 0, counts[readmodel.TableQuotes])
		require.Equal(t, 1, counts[readmodel.TableSuppliers])

		require.NoError(t, s.TruncateProjections(ctx))
		counts, err = s.Counts(ctx)
		require.NoError(t, err)
		require.Zero(t, counts[readmodel.TableUsers])
		require.Zero(t, counts[readmodel.TableBookings])
		require.Equal(t, 1, counts[readmodel.TableSuppliers])

		ok, err := s.UserExistsByEmail(ctx, "ann@x.com")
		require.NoError(t, err)
		require.False(t, ok)

		require.NoError(t, s.TruncateAll(ctx))
		counts, err = s.Counts(ctx)
		require.NoError(t, err)
		for _, table := range append(readmodel.ProjectionTables, readmodel.ReferenceTables...) {
			require.Zero(t, counts[table], table)
		}
	})
}

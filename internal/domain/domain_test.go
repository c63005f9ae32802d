package domain

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/samuelvi/eventsourcing-with-ddd-and-cqrs/core/es"
)

const bookingID = "0195e2c6-7a3f-7c41-9d2b-6f1f2b8e4a10"

func TestNewSubmitBookingWizard(t *testing.T) {
	cmd, err := NewSubmitBookingWizard(bookingID, 4, 150.5, " John ", " John@X.com ")
	require.NoError(t, err)
	require.Equal(t, SubmitBookingWizard{
		BookingID:   bookingID,
		Pax:         4,
		Budget:      150.5,
		ClientName:  "John",
		ClientEmail: "john@x.com",
	}, cmd)

	tests := []struct {
		name  string
		id    string
		pax   int
		bud   float64
		cname string
		email string
		field string
	}{
		{"bad id", "nope", 1, 1, "a", "a@b.c", "bookingId"},
		{"no pax", bookingID, 0, 1, "a", "a@b.c", "pax"},
		{"no budget", bookingID, 1, 0, "a", "a@b.c", "budget"},
		{"nan budget", bookingID, 1, math.NaN(), "a", "a@b.c", "budget"},
		{"infinite budget", bookingID, 1, math.Inf(1), "a", "a@b.c", "budget"},
		{"negative infinite budget", bookingID, 1, math.Inf(-1), "a", "a@b.c", "budget"},
		{"no name", bookingID, 1, 1, "  ", "a@b.c", "clientName"},
		{"bad email", bookingID, 1, 1, "a", "John <a@b.c>", "clientEmail"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewSubmitBookingWizard(tt.id, tt.pax, tt.bud, tt.cname, tt.email)
			var v *ValidationError
			require.ErrorAs(t, err, &v)
			require.Equal(t, tt.field, v.Field)
		})
	}
}

func TestNewRegisterUser(t *testing.T) {
	cmd, err := NewRegisterUser(bookingID, "Ann", "ANN@example.org")
	require.NoError(t, err)
	require.Equal(t, "ann@example.org", cmd.Email)

	_, err = NewRegisterUser(bookingID, "A", "ann@example.org")
	require.True(t, IsValidationError(err))
}

func TestNewChangeQuoteStatus(t *testing.T) {
	quoteID := QuoteID(bookingID, "menu-1")
	cmd, err := NewChangeQuoteStatus(bookingID, quoteID, " Quoted ")
	require.NoError(t, err)
	require.Equal(t, ChangeQuoteStatus{ChangeID: bookingID, QuoteID: quoteID, Status: QuoteStatusQuoted}, cmd)

	tests := []struct {
		name     string
		changeID string
		quoteID  string
		status   string
		field    string
	}{
		{"bad change id", "x", quoteID, "quoted", "changeId"},
		{"bad quote id", bookingID, "x", "quoted", "quoteId"},
		{"same ids", quoteID, quoteID, "quoted", "changeId"},
		{"unknown status", bookingID, quoteID, "accepted", "status"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewChangeQuoteStatus(tt.changeID, tt.quoteID, tt.status)
			var v *ValidationError
			require.ErrorAs(t, err, &v)
			require.Equal(t, tt.field, v.Field)
		})
	}
}

func TestQuoteID_Deterministic(t *testing.T) {
	a := QuoteID(bookingID, "menu-1")
	require.Equal(t, a, QuoteID(bookingID, "menu-1"))
	require.NotEqual(t, a, QuoteID(bookingID, "menu-2"))
}

func TestRegistry_DecodesDomainEvents(t *testing.T) {
	reg := NewRegistry()
	at := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	want := BookingWizardCompleted{BookingID: bookingID, Pax: 4, Budget: 150.5, ClientName: "John", ClientEmail: "john@x.com", OccurredOn: at}

	stored, err := es.NewStoredEvent(bookingID, want, at)
	require.NoError(t, err)
	require.Equal(t, TypeBookingWizardCompleted, stored.EventType)

	got, err := reg.Decode(stored)
	require.NoError(t, err)
	require.Equal(t, want, got)
	_, ok := got.(Event)
	require.True(t, ok)
}

func TestRegistry_DecodesQuoteStatusChanged(t *testing.T) {
	reg := NewRegistry()
	at := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)
	quoteID := QuoteID(bookingID, "menu-1")
	want := QuoteStatusChanged{ChangeID: bookingID, QuoteID: quoteID, NewStatus: QuoteStatusDiscarded, OccurredOn: at}

	stored, err := es.NewStoredEvent(bookingID, want, at)
	require.NoError(t, err)
	got, err := reg.Decode(stored)
	require.NoError(t, err)
	require.Equal(t, want, got)
}

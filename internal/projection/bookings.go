package projection

import (
	"context"

	"github.com/samuelvi/eventsourcing-with-ddd-and-cqrs/core/es"
	"github.com/samuelvi/eventsourcing-with-ddd-and-cqrs/internal/domain"
	"github.com/samuelvi/eventsourcing-with-ddd-and-cqrs/internal/readmodel"
)

type Bookings struct {
	store readmodel.BookingStore
}

func NewBookings(store readmodel.BookingStore) *Bookings { return &Bookings{store: store} }

func (p *Bookings) Name() string         { return BookingProjection }
func (p *Bookings) EventTypes() []string { return []string{domain.TypeBookingWizardCompleted} }

func (p *Bookings) LockKey(ev es.Event) (string, error) {
	e, ok := ev.(domain.BookingWizardCompleted)
	if !ok {
		return "", unexpected(BookingProjection, ev)
	}
	return "booking_" + e.BookingID, nil
}

func (p *Bookings) Project(ctx context.Context, stored es.StoredEvent, ev es.Event) (bool, error) {
	e, ok := ev.(domain.BookingWizardCompleted)
	if !ok {
		return false, unexpected(BookingProjection, ev)
	}
	exists, err := p.store.BookingExists(ctx, e.BookingID)
	if err != nil || exists {
		return false, err
	}
	return true, p.store.InsertBooking(ctx, readmodel.Booking{
		ID:          e.BookingID,
		Pax:         e.Pax,
		Budget:      e.Budget,
		ClientName:  e.ClientName,
		ClientEmail: e.ClientEmail,
		CreatedAt:   stored.OccurredOn,
	})
}

var _ Projector = (*Bookings)(nil)

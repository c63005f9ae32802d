package command

import (
	"context"
	"fmt"
	"time"

	"github.com/samuelvi/eventsourcing-with-ddd-and-cqrs/internal/domain"
	"github.com/samuelvi/eventsourcing-with-ddd-and-cqrs/internal/readmodel"
)

const (
	TypeSubmitBooking  = "booking.submit"
	TypeRegisterUser   = "user.register"
	TypeGenerateQuotes = "quotes.generate"
	TypeChangeQuote    = "quote.status"
)

// Lookup is the read side the quote commands need.
type Lookup interface {
	FindBooking(ctx context.Context, id string) (*readmodel.Booking, error)
	FindQuote(ctx context.Context, id string) (*readmodel.Quote, error)
	MenusWithinBudget(ctx context.Context, budget float64) ([]readmodel.Menu, error)
}

type Handlers struct {
	pipeline *Pipeline
	lookup   Lookup
}

func NewHandlers(p *Pipeline, lookup Lookup) *Handlers {
	return &Handlers{pipeline: p, lookup: lookup}
}

func (h *Handlers) SubmitBookingWizard(ctx context.Context, cmd domain.SubmitBookingWizard) (Result, error) {
	return h.pipeline.Execute(ctx, Intent{
		Command:     TypeSubmitBooking,
		AggregateID: cmd.BookingID,
		LockKey:     "booking_init_" + cmd.BookingID,
		Build: func(at time.Time) domain.Event {
			return domain.BookingWizardCompleted{
				BookingID:   cmd.BookingID,
				Pax:         cmd.Pax,
				Budget:      cmd.Budget,
				ClientName:  cmd.ClientName,
				ClientEmail: cmd.ClientEmail,
				OccurredOn:  at,
			}
		},
	})
}

func (h *Handlers) RegisterUser(ctx context.Context, cmd domain.RegisterUser) (Result, error) {
	return h.pipeline.Execute(ctx, Intent{
		Command:     TypeRegisterUser,
		AggregateID: cmd.UserID,
		LockKey:     "user_creation_" + cmd.UserID,
		Build: func(at time.Time) domain.Event {
			return domain.UserRegistered{
				UserID:     cmd.UserID,
				Name:       cmd.Name,
				Email:      cmd.Email,
				OccurredOn: at,
			}
		},
	})
}

// GenerateQuotes requests one quote per menu the booking's budget affords.
// Quote ids derive from booking and menu, so running it again only fills
// gaps.
func (h *Handlers) GenerateQuotes(ctx context.Context, cmd domain.GenerateQuotes) ([]Result, error) {
	b, err := h.lookup.FindBooking(ctx, cmd.BookingID)
	if err != nil {
		return nil, err
	}
	if b == nil {
		return nil, fmt.Errorf("%w: booking %s", domain.ErrReferenceNotFound, cmd.BookingID)
	}

	menus, err := h.lookup.MenusWithinBudget(ctx, b.Budget)
	if err != nil {
		return nil, err
	}

	results := make([]Result, 0, len(menus))
	for _, m := range menus {
		quoteID := domain.QuoteID(b.ID, m.ID)
		res, err := h.pipeline.Execute(ctx, Intent{
			Command:     TypeGenerateQuotes,
			AggregateID: quoteID,
			LockKey:     "quote_request_" + quoteID,
			Build: func(at time.Time) domain.Event {
				return domain.QuoteRequested{
					QuoteID:        quoteID,
					BookingID:      b.ID,
					SupplierID:     m.SupplierID,
					MenuID:         m.ID,
					RequestedPrice: m.Price,
					OccurredOn:     at,
				}
			},
		})
		if err != nil {
			return results, err
		}
		results = append(results, res)
	}
	return results, nil
}

// ChangeQuoteStatus records a status change of a projected quote. The event
// is stored under the change id, so resubmitting the same change is a
// duplicate while later changes of the same quote are new events. Changes of
// one quote are serialised on the quote id.
func (h *Handlers) ChangeQuoteStatus(ctx context.Context, cmd domain.ChangeQuoteStatus) (Result, error) {
	q, err := h.lookup.FindQuote(ctx, cmd.QuoteID)
	if err != nil {
		return Result{}, err
	}
	if q == nil {
		return Result{}, fmt.Errorf("%w: quote %s", domain.ErrReferenceNotFound, cmd.QuoteID)
	}
	return h.pipeline.Execute(ctx, Intent{
		Command:     TypeChangeQuote,
		AggregateID: cmd.ChangeID,
		LockKey:     "quote_status_" + cmd.QuoteID,
		Build: func(at time.Time) domain.Event {
			return domain.QuoteStatusChanged{
				ChangeID:   cmd.ChangeID,
				QuoteID:    cmd.QuoteID,
				NewStatus:  cmd.Status,
				OccurredOn: at,
			}
		},
	})
}

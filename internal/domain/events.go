package domain

import (
	"time"

	"github.com/samuelvi/eventsourcing-with-ddd-and-cqrs/core/es"
)

const (
	TypeBookingWizardCompleted = "BookingWizardCompleted"
	TypeUserRegistered         = "UserRegistered"
	TypeQuoteRequested         = "QuoteRequested"
	TypeQuoteStatusChanged     = "QuoteStatusChanged"
)

// Event is the closed set of domain events this service stores.
type Event interface {
	es.Event
	domainEvent()
}

type BookingWizardCompleted struct {
	BookingID   string    `json:"bookingId"`
	Pax         int       `json:"pax"`
	Budget      float64   `json:"budget"`
	ClientName  string    `json:"clientName"`
	ClientEmail string    `json:"clientEmail"`
	OccurredOn  time.Time `json:"occurredOn"`
}

type UserRegistered struct {
	UserID     string    `json:"userId"`
	Name       string    `json:"name"`
	Email      string    `json:"email"`
	OccurredOn time.Time `json:"occurredOn"`
}

type QuoteRequested struct {
	QuoteID        string    `json:"quoteId"`
	BookingID      string    `json:"bookingId"`
	SupplierID     string    `json:"supplierId"`
	MenuID         string    `json:"menuId"`
	RequestedPrice float64   `json:"requestedPrice"`
	OccurredOn     time.Time `json:"occurredOn"`
}

// QuoteStatusChanged is stored under its own change id; QuoteID names the
// quote it moves.
type QuoteStatusChanged struct {
	ChangeID   string    `json:"changeId"`
	QuoteID    string    `json:"quoteId"`
	NewStatus  string    `json:"newStatus"`
	OccurredOn time.Time `json:"occurredOn"`
}

func (BookingWizardCompleted) EventType() string { return TypeBookingWizardCompleted }
func (UserRegistered) EventType() string         { return TypeUserRegistered }
func (QuoteRequested) EventType() string         { return TypeQuoteRequested }
func (QuoteStatusChanged) EventType() string     { return TypeQuoteStatusChanged }

func (BookingWizardCompleted) domainEvent() {}
func (UserRegistered) domainEvent()         {}
func (QuoteRequested) domainEvent()         {}
func (QuoteStatusChanged) domainEvent()     {}

// NewRegistry returns a registry that decodes every domain event.
func NewRegistry() *es.Registry {
	r := es.NewRegistry()
	es.Register[BookingWizardCompleted](r)
	es.Register[UserRegistered](r)
	es.Register[QuoteRequested](r)
	es.Register[QuoteStatusChanged](r)
	return r
}

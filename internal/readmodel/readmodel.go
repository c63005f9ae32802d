// Package readmodel holds the query-side tables maintained by projections
// (users, bookings, quotes) and the reference catalog loaded by fixtures
// (suppliers, menus, products).
package readmodel

import (
	"context"
	"errors"
	"time"
)

const (
	TableUsers     = "users"
	TableBookings  = "bookings"
	TableQuotes    = "quotes"
	TableSuppliers = "suppliers"
	TableMenus     = "menus"
	TableProducts  = "products"

	QuoteStatusPending = "pending"
	ProductTypeMenu    = "menu"
)

// ErrNotFound is returned by updates of rows that were never projected.
var ErrNotFound = errors.New("read model row not found")

var (
	// ProjectionTables are rebuilt from the event log.
	ProjectionTables = []string{TableUsers, TableBookings, TableQuotes}
	// ReferenceTables are seeded by the fixture loader.
	ReferenceTables = []string{TableSuppliers, TableMenus, TableProducts}
)

type (
	User struct {
		ID        string    `json:"id"`
		Name      string    `json:"name"`
		Email     string    `json:"email"`
		CreatedAt time.Time `json:"createdAt"`
	}

	Booking struct {
		ID          string    `json:"id"`
		Pax         int       `json:"pax"`
		Budget      float64   `json:"budget"`
		ClientName  string    `json:"clientName"`
		ClientEmail string    `json:"clientEmail"`
		CreatedAt   time.Time `json:"createdAt"`
	}

	Quote struct {
		ID         string    `json:"id"`
		BookingID  string    `json:"bookingId"`
		SupplierID string    `json:"supplierId"`
		MenuID     string    `json:"menuId"`
		Price      float64   `json:"price"`
		Status     string    `json:"status"`
		CreatedAt  time.Time `json:"createdAt"`
		// UpdatedAt is the occurrence time of the last status change, or
		// CreatedAt while the quote is pending.
		UpdatedAt time.Time `json:"updatedAt"`
	}

	Supplier struct {
		ID       string  `json:"id"`
		Name     string  `json:"name"`
		IsActive bool    `json:"isActive"`
		Rating   float64 `json:"rating"`
	}

	Menu struct {
		ID          string  `json:"id"`
		SupplierID  string  `json:"supplierId"`
		Title       string  `json:"title"`
		Description string  `json:"description"`
		Price       float64 `json:"price"`
		Currency    string  `json:"currency"`
	}

	Product struct {
		ID                  string  `json:"id"`
		SupplierID          string  `json:"supplierId"`
		Name                string  `json:"name"`
		Type                string  `json:"type"`
		Price               float64 `json:"price"`
		ExternalReferenceID string  `json:"externalReferenceId"`
	}
)

type (
	UserStore interface {
		UserExistsByEmail(ctx context.Context, email string) (bool, error)
		InsertUser(ctx context.Context, u User) error
		ListUsers(ctx context.Context) ([]User, error)
	}

	BookingStore interface {
		BookingExists(ctx context.Context, id string) (bool, error)
		InsertBooking(ctx context.Context, b Booking) error
		// FindBooking returns nil when the booking is not projected.
		FindBooking(ctx context.Context, id string) (*Booking, error)
	}

	QuoteStore interface {
		QuoteExists(ctx context.Context, id string) (bool, error)
		InsertQuote(ctx context.Context, q Quote) error
		ListQuotes(ctx context.Context, bookingID string) ([]Quote, error)
		// FindQuote returns nil when the quote is not projected.
		FindQuote(ctx context.Context, id string) (*Quote, error)
		// UpdateQuoteStatus sets the status unless a change that occurred
		// after at was already applied, and reports whether it wrote.
		// Missing quotes return ErrNotFound.
		UpdateQuoteStatus(ctx context.Context, id, status string, at time.Time) (bool, error)
	}

	CatalogStore interface {
		InsertSupplier(ctx context.Context, s Supplier) error
		InsertMenu(ctx context.Context, m Menu) error
		InsertProduct(ctx context.Context, p Product) error
		// MenusWithinBudget returns menus priced at or below budget,
		// cheapest first.
		MenusWithinBudget(ctx context.Context, budget float64) ([]Menu, error)
	}

	Store interface {
		UserStore
		BookingStore
		QuoteStore
		CatalogStore
		// Counts returns the row count of every table.
		Counts(ctx context.Context) (map[string]int, error)
		TruncateProjections(ctx context.Context) error
		TruncateAll(ctx context.Context) error
	}
)

package readmodel

import (
	"context"
	"sort"
	"sync"
	"time"
)

type Memory struct {
	mu        sync.RWMutex
	users     []User
	emails    map[string]struct{}
	bookings  map[string]Booking
	quotes    []Quote
	quoteIdx  map[string]int
	suppliers []Supplier
	menus     []Menu
	products  []Product
}

func NewMemory() *Memory {
	m := &Memory{}
	m.resetProjections()
	return m
}

func (m *Memory) resetProjections() {
	m.users = nil
	m.emails = map[string]struct{}{}
	m.bookings = map[string]Booking{}
	m.quotes = nil
	m.quoteIdx = map[string]int{}
}

func (m *Memory) UserExistsByEmail(_ context.Context, email string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.emails[email]
	return ok, nil
}

func (m *Memory) InsertUser(_ context.Context, u User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.users = append(m.users, u)
	m.emails[u.Email] = struct{}{}
	return nil
}

func (m *Memory) ListUsers(_ context.Context) ([]User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]User(nil), m.users...), nil
}

func (m *Memory) BookingExists(_ context.Context, id string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.bookings[id]
	return ok, nil
}

func (m *Memory) InsertBooking(_ context.Context, b Booking) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.bookings[b.ID] = b
	return nil
}

func (m *Memory) FindBooking(_ context.Context, id string) (*Booking, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	b, ok := m.bookings[id]
	if !ok {
		return nil, nil
	}
	return &b, nil
}

func (m *Memory) QuoteExists(_ context.Context, id string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.quoteIdx[id]
	return ok, nil
}

func (m *Memory) InsertQuote(_ context.Context, q Quote) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if q.UpdatedAt.IsZero() {
		q.UpdatedAt = q.CreatedAt
	}
	m.quoteIdx[q.ID] = len(m.quotes)
	m.quotes = append(m.quotes, q)
	return nil
}

func (m *Memory) FindQuote(_ context.Context, id string) (*Quote, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	idx, ok := m.quoteIdx[id]
	if !ok {
		return nil, nil
	}
	q := m.quotes[idx]
	return &q, nil
}

func (m *Memory) UpdateQuoteStatus(_ context.Context, id, status string, at time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	idx, ok := m.quoteIdx[id]
	if !ok {
		return false, ErrNotFound
	}
	q := &m.quotes[idx]
	if at.Before(q.UpdatedAt) {
		return false, nil
	}
	q.Status = status
	q.UpdatedAt = at
	return true, nil
}

func (m *Memory) ListQuotes(_ context.Context, bookingID string) ([]Quote, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []Quote
	for _, q := range m.quotes {
		if q.BookingID == bookingID {
			out = append(out, q)
		}
	}
	return out, nil
}

func (m *Memory) InsertSupplier(_ context.Context, s Supplier) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.suppliers = append(m.suppliers, s)
	return nil
}

func (m *Memory) InsertMenu(_ context.Context, menu Menu) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.menus = append(m.menus, menu)
	return nil
}

func (m *Memory) InsertProduct(_ context.Context, p Product) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.products = append(m.products, p)
	return nil
}

func (m *Memory) MenusWithinBudget(_ context.Context, budget float64) ([]Menu, error) {
	m.mu.RLock()
	var out []Menu
	for _, menu := range m.menus {
		if menu.Price <= budget {
			out = append(out, menu)
		}
	}
	m.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Price != out[j].Price {
			return out[i].Price < out[j].Price
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) Counts(_ context.Context) (map[string]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return map[string]int{
		TableUsers:     len(m.users),
		TableBookings:  len(m.bookings),
		TableQuotes:    len(m.quotes),
		TableSuppliers: len(m.suppliers),
		TableMenus:     len(m.menus),
		TableProducts:  len(m.products),
	}, nil
}

func (m *Memory) TruncateProjections(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetProjections()
	return nil
}

func (m *Memory) TruncateAll(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.resetProjections()
	m.suppliers = nil
	m.menus = nil
	m.products = nil
	return nil
}

var _ Store = (*Memory)(nil)

package projection

import (
	"context"
	"errors"
	"fmt"

	"github.com/samuelvi/eventsourcing-with-ddd-and-cqrs/core/es"
	"github.com/samuelvi/eventsourcing-with-ddd-and-cqrs/internal/domain"
	"github.com/samuelvi/eventsourcing-with-ddd-and-cqrs/internal/readmodel"
)

type Quotes struct {
	store readmodel.QuoteStore
}

func NewQuotes(store readmodel.QuoteStore) *Quotes { return &Quotes{store: store} }

func (p *Quotes) Name() string { return QuoteProjection }

func (p *Quotes) EventTypes() []string {
	return []string{domain.TypeQuoteRequested, domain.TypeQuoteStatusChanged}
}

func (p *Quotes) LockKey(ev es.Event) (string, error) {
	switch e := ev.(type) {
	case domain.QuoteRequested:
		return "quote_" + e.QuoteID, nil
	case domain.QuoteStatusChanged:
		return "quote_" + e.QuoteID, nil
	default:
		return "", unexpected(QuoteProjection, ev)
	}
}

func (p *Quotes) Project(ctx context.Context, stored es.StoredEvent, ev es.Event) (bool, error) {
	switch e := ev.(type) {
	case domain.QuoteRequested:
		return p.request(ctx, stored, e)
	case domain.QuoteStatusChanged:
		return p.changeStatus(ctx, e)
	default:
		return false, unexpected(QuoteProjection, ev)
	}
}

func (p *Quotes) request(ctx context.Context, stored es.StoredEvent, e domain.QuoteRequested) (bool, error) {
	exists, err := p.store.QuoteExists(ctx, e.QuoteID)
	if err != nil || exists {
		return false, err
	}
	return true, p.store.InsertQuote(ctx, readmodel.Quote{
		ID:         e.QuoteID,
		BookingID:  e.BookingID,
		SupplierID: e.SupplierID,
		MenuID:     e.MenuID,
		Price:      e.RequestedPrice,
		Status:     readmodel.QuoteStatusPending,
		CreatedAt:  stored.OccurredOn,
		UpdatedAt:  stored.OccurredOn,
	})
}

// changeStatus applies the change unless a newer one already landed. A quote
// that is not projected yet is an error so the bus redelivers the change.
func (p *Quotes) changeStatus(ctx context.Context, e domain.QuoteStatusChanged) (bool, error) {
	written, err := p.store.UpdateQuoteStatus(ctx, e.QuoteID, e.NewStatus, e.OccurredOn)
	if errors.Is(err, readmodel.ErrNotFound) {
		return false, fmt.Errorf("%w: quote %s", domain.ErrReferenceNotFound, e.QuoteID)
	}
	return written, err
}

var _ Projector = (*Quotes)(nil)

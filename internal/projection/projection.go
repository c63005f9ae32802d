package projection

import (
	"github.com/samuelvi/eventsourcing-with-ddd-and-cqrs/core/bus"
	"github.com/samuelvi/eventsourcing-with-ddd-and-cqrs/internal/readmodel"
)

// Names lists every projection in registration order.
var Names = []string{UserProjection, BookingProjection, QuoteProjection}

// NewRunners builds the runners for every read model backed by store.
func NewRunners(store readmodel.Store, cfg Config) []*Runner {
	return []*Runner{
		NewRunner(NewUsers(store), cfg),
		NewRunner(NewBookings(store), cfg),
		NewRunner(NewQuotes(store), cfg),
	}
}

// Subscribe registers every runner on b.
func Subscribe(b bus.Bus, runners []*Runner, mws ...bus.HandlerMiddleware) error {
	for _, r := range runners {
		if err := b.Subscribe(r.Subscription(), mws...); err != nil {
			return err
		}
	}
	return nil
}

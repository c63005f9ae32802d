package command

import (
	"context"
	"slices"
	"strconv"
	"time"

	"github.com/samuelvi/eventsourcing-with-ddd-and-cqrs/core/cache"
	"github.com/samuelvi/eventsourcing-with-ddd-and-cqrs/internal/readmodel"
)

// CachedLookup serves MenusWithinBudget from a cache for ttl. The catalog
// only changes on reset, so callers that reseed must call Invalidate.
// Bookings and quotes are always read through.
type CachedLookup struct {
	Lookup
	menus cache.TypedCache[[]readmodel.Menu]
	ttl   time.Duration
}

func NewCachedLookup(l Lookup, c cache.Cache, ttl time.Duration) *CachedLookup {
	return &CachedLookup{Lookup: l, menus: cache.NewTyped[[]readmodel.Menu](c), ttl: ttl}
}

func (c *CachedLookup) MenusWithinBudget(ctx context.Context, budget float64) ([]readmodel.Menu, error) {
	key := strconv.FormatFloat(budget, 'f', -1, 64)
	if menus, ok := c.menus.Get(key); ok {
		return slices.Clone(menus), nil
	}
	menus, err := c.Lookup.MenusWithinBudget(ctx, budget)
	if err != nil {
		return nil, err
	}
	c.menus.Put(key, slices.Clone(menus), cache.WithTTL(c.ttl))
	return menus, nil
}

func (c *CachedLookup) Invalidate() { c.menus.Clear() }

var _ Lookup = (*CachedLookup)(nil)

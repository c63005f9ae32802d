package command

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/samuelvi/eventsourcing-with-ddd-and-cqrs/core/cache"
	"github.com/samuelvi/eventsourcing-with-ddd-and-cqrs/internal/readmodel"
)

type countingLookup struct {
	*readmodel.Memory
	menuCalls int
}

func (c *countingLookup) MenusWithinBudget(ctx context.Context, budget float64) ([]readmodel.Menu, error) {
	c.menuCalls++
	return c.Memory.MenusWithinBudget(ctx, budget)
}

func TestCachedLookup(t *testing.T) {
	ctx := t.Context()
	rm := readmodel.NewMemory()
	require.NoError(t, rm.InsertMenu(ctx, readmodel.Menu{ID: "m1", SupplierID: "s1", Title: "Menu", Price: 30, Currency: "EUR"}))

	inner := &countingLookup{Memory: rm}
	l := NewCachedLookup(inner, cache.NewLRU(cache.LRUOpts{Size: 8}), time.Minute)

	first, err := l.MenusWithinBudget(ctx, 50)
	require.NoError(t, err)
	require.Len(t, first, 1)
	first[0].Title = "mutated"

	second, err := l.MenusWithinBudget(ctx, 50)
	require.NoError(t, err)
	require.Equal(t, "Menu", second[0].Title)
	require.Equal(t, 1, inner.menuCalls)

	_, err = l.MenusWithinBudget(ctx, 20)
	require.NoError(t, err)
	require.Equal(t, 2, inner.menuCalls)

	require.NoError(t, rm.InsertMenu(ctx, readmodel.Menu{ID: "m2", SupplierID: "s1", Title: "Menu 2", Price: 40, Currency: "EUR"}))
	l.Invalidate()
	third, err := l.MenusWithinBudget(ctx, 50)
	require.NoError(t, err)
	require.Len(t, third, 2)
	require.Equal(t, 3, inner.menuCalls)
}

func TestCachedLookup_NopCacheReadsThrough(t *testing.T) {
	inner := &countingLookup{Memory: readmodel.NewMemory()}
	l := NewCachedLookup(inner, cache.NewNop(), time.Minute)
	for range 3 {
		_, err := l.MenusWithinBudget(t.Context(), 50)
		require.NoError(t, err)
	}
	require.Equal(t, 3, inner.menuCalls)
}

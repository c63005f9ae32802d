// Package fixtures seeds the reference catalog: suppliers, their menus and
// one catalog product per menu.
package fixtures

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"

	"github.com/google/uuid"

	"github.com/samuelvi/eventsourcing-with-ddd-and-cqrs/internal/readmodel"
)

const (
	minMenus    = 5
	maxMenus    = 10
	minPrice    = 25
	maxPrice    = 75
	currency    = "EUR"
	description = "A delicious selection of seasonal dishes crafted by our expert chefs."
)

var SupplierNames = []string{
	"Gourmet Catering Co.",
	"Street Food Masters",
	"Healthy Bites Ltd.",
	"Asian Fusion Experts",
	"Classic European Delights",
}

var namespace = uuid.MustParse("6f0e3b55-2a0c-4d4f-9a57-5c1f0f4b7d21")

type Loader struct {
	store readmodel.CatalogStore
	seed  uint64
	log   *slog.Logger
}

type Option func(*Loader)

// WithSeed fixes the menu counts and prices.
func WithSeed(seed uint64) Option { return func(l *Loader) { l.seed = seed } }

func WithLog(log *slog.Logger) Option { return func(l *Loader) { l.log = log } }

func New(store readmodel.CatalogStore, opts ...Option) *Loader {
	l := &Loader{store: store, seed: rand.Uint64(), log: slog.Default()}
	for _, opt := range opts {
		opt(l)
	}
	l.log = l.log.With(slog.String("component", "fixtures"))
	return l
}

func (l *Loader) Load(ctx context.Context) error {
	rnd := rand.New(rand.NewPCG(l.seed, l.seed^0x9e3779b97f4a7c15))
	menus := 0

	for _, name := range SupplierNames {
		supplier := readmodel.Supplier{
			ID:       uuid.NewSHA1(namespace, []byte(name)).String(),
			Name:     name,
			IsActive: true,
		}
		if err := l.store.InsertSupplier(ctx, supplier); err != nil {
			return fmt.Errorf("insert supplier %q: %w", name, err)
		}

		count := minMenus + rnd.IntN(maxMenus-minMenus+1)
		for i := 1; i <= count; i++ {
			title := fmt.Sprintf("Seasonal Menu %d", i)
			price := float64(minPrice + rnd.IntN(maxPrice-minPrice+1))
			menu := readmodel.Menu{
				ID:          uuid.NewSHA1(namespace, []byte(supplier.ID+"/menu/"+title)).String(),
				SupplierID:  supplier.ID,
				Title:       title,
				Description: description,
				Price:       price,
				Currency:    currency,
			}
			if err := l.store.InsertMenu(ctx, menu); err != nil {
				return fmt.Errorf("insert menu %q: %w", title, err)
			}
			product := readmodel.Product{
				ID:                  uuid.NewSHA1(namespace, []byte(menu.ID+"/product")).String(),
				SupplierID:          supplier.ID,
				Name:                fmt.Sprintf("%s - %s", name, title),
				Type:                readmodel.ProductTypeMenu,
				Price:               price,
				ExternalReferenceID: menu.ID,
			}
			if err := l.store.InsertProduct(ctx, product); err != nil {
				return fmt.Errorf("insert product %q: %w", product.Name, err)
			}
			menus++
		}
	}

	l.log.Info("catalog seeded", slog.Int("suppliers", len(SupplierNames)), slog.Int("menus", menus))
	return nil
}

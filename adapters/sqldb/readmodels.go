package sqldb

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/doug-martin/goqu/v9"

	"github.com/samuelvi/eventsourcing-with-ddd-and-cqrs/internal/readmodel"
)

type (
	userRow struct {
		ID        string `db:"id"`
		Name      string `db:"name"`
		Email     string `db:"email"`
		CreatedAt int64  `db:"created_at"`
	}

	bookingRow struct {
		ID          string  `db:"id"`
		Pax         int     `db:"pax"`
		Budget      float64 `db:"budget"`
		ClientName  string  `db:"client_name"`
		ClientEmail string  `db:"client_email"`
		CreatedAt   int64   `db:"created_at"`
	}

	quoteRow struct {
		ID         string  `db:"id"`
		BookingID  string  `db:"booking_id"`
		SupplierID string  `db:"supplier_id"`
		MenuID     string  `db:"menu_id"`
		Price      float64 `db:"price"`
		Status     string  `db:"status"`
		CreatedAt  int64   `db:"created_at"`
		UpdatedAt  int64   `db:"updated_at"`
	}

	menuRow struct {
		ID          string  `db:"id"`
		SupplierID  string  `db:"supplier_id"`
		Title       string  `db:"title"`
		Description string  `db:"description"`
		Price       float64 `db:"price"`
		Currency    string  `db:"currency"`
	}
)

// ReadModels implements readmodel.Store on top of DB.
type ReadModels struct {
	db *DB
}

func NewReadModels(db *DB) *ReadModels { return &ReadModels{db: db} }

func (r *ReadModels) exists(ctx context.Context, table, column, value string) (bool, error) {
	var one int
	err := r.db.get(ctx, r.db.x, &one, r.db.goqu.From(table).
		Select(goqu.L("1")).
		Where(goqu.C(column).Eq(value)).
		Limit(1).
		Prepared(true))
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, storageErr("exists "+table, err)
	}
	return true, nil
}

func (r *ReadModels) insert(ctx context.Context, table string, rec goqu.Record) error {
	if err := r.db.exec(ctx, r.db.x, r.db.goqu.Insert(table).Rows(rec).Prepared(true)); err != nil {
		return storageErr("insert "+table, err)
	}
	return nil
}

func (r *ReadModels) UserExistsByEmail(ctx context.Context, email string) (bool, error) {
	return r.exists(ctx, readmodel.TableUsers, "email", email)
}

func (r *ReadModels) InsertUser(ctx context.Context, u readmodel.User) error {
	return r.insert(ctx, readmodel.TableUsers, goqu.Record{
		"id":         u.ID,
		"name":       u.Name,
		"email":      u.Email,
		"created_at": toMicros(u.CreatedAt),
	})
}

func (r *ReadModels) ListUsers(ctx context.Context) ([]readmodel.User, error) {
	var rows []userRow
	err := r.db.selectAll(ctx, r.db.x, &rows, r.db.goqu.From(readmodel.TableUsers).
		Select("id", "name", "email", "created_at").
		Order(goqu.C("created_at").Asc(), goqu.C("id").Asc()).
		Prepared(true))
	if err != nil {
		return nil, storageErr("list users", err)
	}
	out := make([]readmodel.User, len(rows))
	for i, row := range rows {
		out[i] = readmodel.User{ID: row.ID, Name: row.Name, Email: row.Email, CreatedAt: fromMicros(row.CreatedAt)}
	}
	return out, nil
}

func (r *ReadModels) BookingExists(ctx context.Context, id string) (bool, error) {
	return r.exists(ctx, readmodel.TableBookings, "id", id)
}

func (r *ReadModels) InsertBooking(ctx context.Context, b readmodel.Booking) error {
	return r.insert(ctx, readmodel.TableBookings, goqu.Record{
		"id":           b.ID,
		"pax":          b.Pax,
		"budget":       b.Budget,
		"client_name":  b.ClientName,
		"client_email": b.ClientEmail,
		"created_at":   toMicros(b.CreatedAt),
	})
}

func (r *ReadModels) FindBooking(ctx context.Context, id string) (*readmodel.Booking, error) {
	var row bookingRow
	err := r.db.get(ctx, r.db.x, &row, r.db.goqu.From(readmodel.TableBookings).
		Select("id", "pax", "budget", "client_name", "client_email", "created_at").
		Where(goqu.C("id").Eq(id)).
		Prepared(true))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("find booking", err)
	}
	return &readmodel.Booking{
		ID:          row.ID,
		Pax:         row.Pax,
		Budget:      row.Budget,
		ClientName:  row.ClientName,
		ClientEmail: row.ClientEmail,
		CreatedAt:   fromMicros(row.CreatedAt),
	}, nil
}

func (r *ReadModels) QuoteExists(ctx context.Context, id string) (bool, error) {
	return r.exists(ctx, readmodel.TableQuotes, "id", id)
}

func (r *ReadModels) InsertQuote(ctx context.Context, q readmodel.Quote) error {
	updatedAt := q.UpdatedAt
	if updatedAt.IsZero() {
		updatedAt = q.CreatedAt
	}
	return r.insert(ctx, readmodel.TableQuotes, goqu.Record{
		"id":          q.ID,
		"booking_id":  q.BookingID,
		"supplier_id": q.SupplierID,
		"menu_id":     q.MenuID,
		"price":       q.Price,
		"status":      q.Status,
		"created_at":  toMicros(q.CreatedAt),
		"updated_at":  toMicros(updatedAt),
	})
}

func (r *ReadModels) FindQuote(ctx context.Context, id string) (*readmodel.Quote, error) {
	var row quoteRow
	err := r.db.get(ctx, r.db.x, &row, r.db.goqu.From(readmodel.TableQuotes).
		Select(quoteColumns...).
		Where(goqu.C("id").Eq(id)).
		Prepared(true))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("find quote", err)
	}
	q := row.quote()
	return &q, nil
}

func (r *ReadModels) UpdateQuoteStatus(ctx context.Context, id, status string, at time.Time) (bool, error) {
	n, err := r.db.execAffected(ctx, r.db.x, r.db.goqu.Update(readmodel.TableQuotes).
		Set(goqu.Record{"status": status, "updated_at": toMicros(at)}).
		Where(goqu.C("id").Eq(id), goqu.C("updated_at").Lte(toMicros(at))).
		Prepared(true))
	if err != nil {
		return false, storageErr("update quote status", err)
	}
	if n > 0 {
		return true, nil
	}
	exists, err := r.QuoteExists(ctx, id)
	if err != nil {
		return false, err
	}
	if !exists {
		return false, readmodel.ErrNotFound
	}
	return false, nil
}

func (r *ReadModels) ListQuotes(ctx context.Context, bookingID string) ([]readmodel.Quote, error) {
	var rows []quoteRow
	err := r.db.selectAll(ctx, r.db.x, &rows, r.db.goqu.From(readmodel.TableQuotes).
		Select(quoteColumns...).
		Where(goqu.C("booking_id").Eq(bookingID)).
		Order(goqu.C("price").Asc(), goqu.C("id").Asc()).
		Prepared(true))
	if err != nil {
		return nil, storageErr("list quotes", err)
	}
	out := make([]readmodel.Quote, len(rows))
	for i, row := range rows {
		out[i] = row.quote()
	}
	return out, nil
}

func (r *ReadModels) InsertSupplier(ctx context.Context, s readmodel.Supplier) error {
	return r.insert(ctx, readmodel.TableSuppliers, goqu.Record{
		"id":        s.ID,
		"name":      s.Name,
		"is_active": s.IsActive,
		"rating":    s.Rating,
	})
}

func (r *ReadModels) InsertMenu(ctx context.Context, m readmodel.Menu) error {
	return r.insert(ctx, readmodel.TableMenus, goqu.Record{
		"id":          m.ID,
		"supplier_id": m.SupplierID,
		"title":       m.Title,
		"description": m.Description,
		"price":       m.Price,
		"currency":    m.Currency,
	})
}

func (r *ReadModels) InsertProduct(ctx context.Context, p readmodel.Product) error {
	return r.insert(ctx, readmodel.TableProducts, goqu.Record{
		"id":                    p.ID,
		"supplier_id":           p.SupplierID,
		"name":                  p.Name,
		"type":                  p.Type,
		"price":                 p.Price,
		"external_reference_id": p.ExternalReferenceID,
	})
}

func (r *ReadModels) MenusWithinBudget(ctx context.Context, budget float64) ([]readmodel.Menu, error) {
	var rows []menuRow
	err := r.db.selectAll(ctx, r.db.x, &rows, r.db.goqu.From(readmodel.TableMenus).
		Select("id", "supplier_id", "title", "description", "price", "currency").
		Where(goqu.C("price").Lte(budget)).
		Order(goqu.C("price").Asc(), goqu.C("id").Asc()).
		Prepared(true))
	if err != nil {
		return nil, storageErr("menus within budget", err)
	}
	out := make([]readmodel.Menu, len(rows))
	for i, row := range rows {
		out[i] = readmodel.Menu(row)
	}
	return out, nil
}

func (r *ReadModels) Counts(ctx context.Context) (map[string]int, error) {
	tables := append(append([]string{}, readmodel.ProjectionTables...), readmodel.ReferenceTables...)
	out := make(map[string]int, len(tables))
	for _, table := range tables {
		n, err := r.db.count(ctx, r.db.x, table)
		if err != nil {
			return nil, err
		}
		out[table] = n
	}
	return out, nil
}

func (r *ReadModels) TruncateProjections(ctx context.Context) error {
	return r.db.truncate(ctx, readmodel.ProjectionTables...)
}

func (r *ReadModels) TruncateAll(ctx context.Context) error {
	return r.db.truncate(ctx, append(append([]string{}, readmodel.ProjectionTables...), readmodel.ReferenceTables...)...)
}

var quoteColumns = []any{"id", "booking_id", "supplier_id", "menu_id", "price", "status", "created_at", "updated_at"}

func (r quoteRow) quote() readmodel.Quote {
	return readmodel.Quote{
		ID:         r.ID,
		BookingID:  r.BookingID,
		SupplierID: r.SupplierID,
		MenuID:     r.MenuID,
		Price:      r.Price,
		Status:     r.Status,
		CreatedAt:  fromMicros(r.CreatedAt),
		UpdatedAt:  fromMicros(r.UpdatedAt),
	}
}

var _ readmodel.Store = (*ReadModels)(nil)

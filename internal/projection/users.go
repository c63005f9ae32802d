package projection

import (
	"context"

	"github.com/google/uuid"

	"github.com/samuelvi/eventsourcing-with-ddd-and-cqrs/core/es"
	"github.com/samuelvi/eventsourcing-with-ddd-and-cqrs/internal/domain"
	"github.com/samuelvi/eventsourcing-with-ddd-and-cqrs/internal/readmodel"
)

// Users keeps one user row per e-mail address. Users are created by an
// explicit registration and implicitly by a completed booking wizard.
type Users struct {
	store readmodel.UserStore
}

func NewUsers(store readmodel.UserStore) *Users { return &Users{store: store} }

func (p *Users) Name() string { return UserProjection }

func (p *Users) EventTypes() []string {
	return []string{domain.TypeBookingWizardCompleted, domain.TypeUserRegistered}
}

func (p *Users) LockKey(ev es.Event) (string, error) {
	u, err := p.user(ev, es.StoredEvent{})
	if err != nil {
		return "", err
	}
	return "user_creation_" + u.Email, nil
}

func (p *Users) Project(ctx context.Context, stored es.StoredEvent, ev es.Event) (bool, error) {
	u, err := p.user(ev, stored)
	if err != nil {
		return false, err
	}
	exists, err := p.store.UserExistsByEmail(ctx, u.Email)
	if err != nil || exists {
		return false, err
	}
	return true, p.store.InsertUser(ctx, u)
}

func (p *Users) user(ev es.Event, stored es.StoredEvent) (readmodel.User, error) {
	switch e := ev.(type) {
	case domain.UserRegistered:
		return readmodel.User{ID: e.UserID, Name: e.Name, Email: e.Email, CreatedAt: stored.OccurredOn}, nil
	case domain.BookingWizardCompleted:
		return readmodel.User{
			ID:        implicitUserID(e.ClientEmail),
			Name:      e.ClientName,
			Email:     e.ClientEmail,
			CreatedAt: stored.OccurredOn,
		}, nil
	default:
		return readmodel.User{}, unexpected(UserProjection, ev)
	}
}

// implicitUserID is stable per e-mail so replays recreate the same row.
func implicitUserID(email string) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("mailto:"+email)).String()
}

var _ Projector = (*Users)(nil)

package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
)

// Sync delivers messages inline, in subscription order. Every matching
// handler runs even when an earlier one fails; the errors are joined.
type Sync struct {
	router
	log *slog.Logger
}

func NewSync(log *slog.Logger) *Sync {
	if log == nil {
		log = slog.Default()
	}
	return &Sync{log: log.With(slog.String("bus", "sync"))}
}

func (b *Sync) Subscribe(sub Subscription, mws ...HandlerMiddleware) error {
	_, err := b.add(sub, mws)
	return err
}

func (b *Sync) Publish(ctx context.Context, msg Message) error {
	var errs []error
	for _, sub := range b.match(msg.Stored.EventType) {
		if err := ctx.Err(); err != nil {
			return err
		}
		msgCtx := NewMsgCtx(ctx, b.log.With(slog.String("subscription", sub.Name)), msg)
		if err := sub.Handler.Handle(msgCtx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", sub.Name, err))
		}
	}
	return errors.Join(errs...)
}

var _ Bus = (*Sync)(nil)

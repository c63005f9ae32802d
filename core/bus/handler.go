package bus

import (
	"context"
	"log/slog"
	"time"

	"github.com/samuelvi/eventsourcing-with-ddd-and-cqrs/core/es"
)

// Message is what travels over the bus: the stored envelope plus its decoded
// domain event.
type Message struct {
	Stored es.StoredEvent
	Event  es.Event
	// Replay is set when the message is re-driven by a rebuild.
	Replay bool
}

// MsgCtx provides context for handling a single message.
type MsgCtx struct {
	ctx context.Context
	log *slog.Logger
	msg Message
}

func NewMsgCtx(ctx context.Context, log *slog.Logger, msg Message) MsgCtx {
	if log == nil {
		log = slog.Default()
	}
	return MsgCtx{ctx: ctx, log: log.With(msg.Stored.LogAttrs()), msg: msg}
}

func (c MsgCtx) Context() context.Context { return c.ctx }
func (c MsgCtx) Log() *slog.Logger        { return c.log }
func (c MsgCtx) Message() Message         { return c.msg }
func (c MsgCtx) Event() es.Event          { return c.msg.Event }
func (c MsgCtx) Stored() es.StoredEvent   { return c.msg.Stored }
func (c MsgCtx) EventID() string          { return c.msg.Stored.ID }
func (c MsgCtx) Type() string             { return c.msg.Stored.EventType }
func (c MsgCtx) AggregateID() string      { return c.msg.Stored.AggregateID }
func (c MsgCtx) Replay() bool             { return c.msg.Replay }

type (
	Handler interface {
		Handle(msgCtx MsgCtx) error
	}
	HandleFunc           func(msgCtx MsgCtx) error
	HandlerMiddleware    func(next Handler) Handler
	MiddlewareHandleFunc func(msgCtx MsgCtx, next Handler) error
)

func (f HandleFunc) Handle(msgCtx MsgCtx) error { return f(msgCtx) }

// Chain wraps h so that the first middleware runs outermost. Bus
// implementations outside this package use it to honour Subscribe's
// middlewares.
func Chain(h Handler, middlewares ...HandlerMiddleware) Handler {
	return applyMiddlewares(h, middlewares)
}

func applyMiddlewares(h Handler, middlewares []HandlerMiddleware) Handler {
	for i := len(middlewares) - 1; i >= 0; i-- {
		h = middlewares[i](h)
	}
	return h
}

type middleware struct {
	next Handler
	mw   MiddlewareHandleFunc
}

func (m *middleware) Handle(msgCtx MsgCtx) error { return m.mw(msgCtx, m.next) }

func MiddlewareHandle(mw MiddlewareHandleFunc) HandlerMiddleware {
	return func(next Handler) Handler {
		return &middleware{next: next, mw: mw}
	}
}

// === log ===

func NewLogMiddleware(attrs ...any) HandlerMiddleware {
	return MiddlewareHandle(func(msgCtx MsgCtx, next Handler) (err error) {
		handleAt := time.Now()

		log := msgCtx.Log().With(attrs...)

		err = next.Handle(msgCtx)
		if err != nil {
			log.Error("failed", slog.Any("error", err), slog.Duration("duration", time.Since(handleAt)))
		} else {
			log.Debug("handled", slog.Duration("duration", time.Since(handleAt)))
		}

		return err
	})
}

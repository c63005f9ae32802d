// Package bus delivers published events to the handlers subscribed to their
// type.
//
// Delivery is at-least-once. Per subscription, messages are handled in the
// order they were published; different subscriptions may run concurrently.
// The bus does not persist anything; durability lives in the event store.
//
// Implementations:
//
//   - [Sync] runs handlers on the publisher's goroutine and returns their
//     errors to the publisher.
//   - [Async] gives every subscription its own ordered lane and retries
//     failures with backoff.
//   - adapters/nats.Bus uses JetStream durable consumers so projection
//     workers can run in other processes.
package bus

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
)

var (
	ErrDuplicateSubscription = errors.New("duplicate subscription")
	ErrNoEventTypes          = errors.New("subscription has no event types")
	ErrClosed                = errors.New("bus is closed")
)

type (
	Subscription struct {
		// Name identifies the subscriber, e.g. the projection name.
		Name       string
		EventTypes []string
		Handler    Handler
	}

	Bus interface {
		Subscribe(sub Subscription, mws ...HandlerMiddleware) error
		Publish(ctx context.Context, msg Message) error
	}

	// Purger is implemented by buses that hold messages between publish and
	// delivery. Purge drops every message not yet handed to a handler.
	Purger interface {
		Purge(ctx context.Context) error
	}
)

// Validate checks the fields every bus requires.
func (s Subscription) Validate() error {
	if s.Name == "" {
		return errors.New("subscription name is empty")
	}
	if len(s.EventTypes) == 0 {
		return fmt.Errorf("%w: %s", ErrNoEventTypes, s.Name)
	}
	if s.Handler == nil {
		return fmt.Errorf("subscription %s has no handler", s.Name)
	}
	return nil
}

func (s Subscription) handles(eventType string) bool {
	return slices.Contains(s.EventTypes, eventType)
}

// router keeps subscriptions in registration order.
type router struct {
	mu   sync.RWMutex
	subs []Subscription
}

func (r *router) add(sub Subscription, mws []HandlerMiddleware) (Subscription, error) {
	if err := sub.Validate(); err != nil {
		return sub, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.subs {
		if s.Name == sub.Name {
			return sub, fmt.Errorf("%w: %s", ErrDuplicateSubscription, sub.Name)
		}
	}
	sub.Handler = applyMiddlewares(sub.Handler, mws)
	r.subs = append(r.subs, sub)
	return sub, nil
}

func (r *router) match(eventType string) []Subscription {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []Subscription
	for _, s := range r.subs {
		if s.handles(eventType) {
			out = append(out, s)
		}
	}
	return out
}

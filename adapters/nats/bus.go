package nats

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/samuelvi/eventsourcing-with-ddd-and-cqrs/core/bus"
	"github.com/samuelvi/eventsourcing-with-ddd-and-cqrs/core/es"
	"github.com/samuelvi/eventsourcing-with-ddd-and-cqrs/internal/codec"
)

const (
	defaultBusStream  = "ESDEMO_BUS"
	defaultBusSubject = "esdemo.bus"
)

type BusConfig struct {
	Connect       Connector    // Connect is used to create the underlying NATS connection. If nil, ConnectDefault() is used.
	Log           *slog.Logger // Log for diagnostics (optional)
	StreamName    string
	SubjectPrefix string
	// Registry decodes payloads back into domain events on the consumer side.
	Registry *es.Registry
	// MaxDeliver bounds deliveries per message and subscription (default 5).
	MaxDeliver int
	// Backoff before redelivering a failed message, doubled per attempt
	// (default 100ms).
	Backoff time.Duration
	// MaxBackoff caps the redelivery delay (default 30s).
	MaxBackoff time.Duration
	// MaxAge bounds how long undelivered messages are kept (default 24h).
	MaxAge  time.Duration
	Storage jetstream.StorageType
}

// wireMessage is the payload published on the bus stream.
type wireMessage struct {
	Event  es.StoredEvent `json:"event"`
	Seq    uint64         `json:"seq,omitempty"`
	Replay bool           `json:"replay,omitempty"`
}

// Bus implements bus.Bus with one durable JetStream consumer per
// subscription. A handler error naks the message for redelivery; success
// acks it. Every process subscribing with the same name shares the work.
type Bus struct {
	js            jetstream.JetStream
	closeNc       closeFunc
	stream        jetstream.Stream
	registry      *es.Registry
	subjectPrefix string
	maxDeliver    int
	backoff       time.Duration
	maxBackoff    time.Duration
	log           *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	subs map[string]jetstream.ConsumeContext
}

func NewBus(ctx context.Context, cfg BusConfig) (*Bus, error) {
	if cfg.Registry == nil {
		return nil, errors.New("event registry is required")
	}
	js, closeNc, err := jetStream(cfg.Connect)
	if err != nil {
		return nil, err
	}

	b := &Bus{
		js:            js,
		closeNc:       closeNc,
		registry:      cfg.Registry,
		subjectPrefix: cfg.SubjectPrefix,
		maxDeliver:    cfg.MaxDeliver,
		backoff:       cfg.Backoff,
		maxBackoff:    cfg.MaxBackoff,
		log:           cfg.Log,
		subs:          map[string]jetstream.ConsumeContext{},
	}
	if b.subjectPrefix == "" {
		b.subjectPrefix = defaultBusSubject
	}
	if b.maxDeliver <= 0 {
		b.maxDeliver = 5
	}
	if b.backoff <= 0 {
		b.backoff = 100 * time.Millisecond
	}
	if b.maxBackoff < b.backoff {
		b.maxBackoff = max(30*time.Second, b.backoff)
	}
	maxAge := cfg.MaxAge
	if maxAge <= 0 {
		maxAge = 24 * time.Hour
	}
	streamName := cfg.StreamName
	if streamName == "" {
		streamName = defaultBusStream
	}
	if b.log == nil {
		b.log = slog.Default()
	}
	b.log = b.log.With(slog.String("bus", "nats_js"), slog.String("stream", streamName))

	b.stream, err = ensureStream(ctx, js, jetstream.StreamConfig{
		Name:      streamName,
		Subjects:  []string{b.subjectPrefix + ".>"},
		Retention: jetstream.LimitsPolicy,
		MaxAge:    maxAge,
		Storage:   cfg.Storage,
	})
	if err != nil {
		closeNc()
		return nil, fmt.Errorf("ensure stream %s: %w", streamName, err)
	}

	b.ctx, b.cancel = context.WithCancel(context.Background())
	return b, nil
}

func (b *Bus) subjectFor(eventType string) string {
	return b.subjectPrefix + "." + eventType
}

// Publish stores msg on the bus stream. Live messages are de-duplicated by
// event id; replays are not, so a rebuild can re-drive the same events.
func (b *Bus) Publish(ctx context.Context, msg bus.Message) error {
	data, err := codec.Marshal(wireMessage{Event: msg.Stored, Seq: msg.Stored.Seq, Replay: msg.Replay})
	if err != nil {
		return err
	}
	nm := natsgo.NewMsg(b.subjectFor(msg.Stored.EventType))
	nm.Header.Set(headerEventType, msg.Stored.EventType)
	nm.Header.Set(headerAggregateID, msg.Stored.AggregateID)
	nm.Data = data

	var opts []jetstream.PublishOpt
	if !msg.Replay {
		opts = append(opts, jetstream.WithMsgID(msg.Stored.ID))
	}
	if _, err := b.js.PublishMsg(ctx, nm, opts...); err != nil {
		return fmt.Errorf("publish %s: %w", msg.Stored.ID, err)
	}
	return nil
}

func (b *Bus) Subscribe(sub bus.Subscription, mws ...bus.HandlerMiddleware) error {
	if err := sub.Validate(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[sub.Name]; ok {
		return fmt.Errorf("%w: %s", bus.ErrDuplicateSubscription, sub.Name)
	}

	subjects := make([]string, len(sub.EventTypes))
	for i, t := range sub.EventTypes {
		subjects[i] = b.subjectFor(t)
	}

	ctx, cancel := context.WithTimeout(b.ctx, defaultTimeout)
	defer cancel()
	consumer, err := b.stream.CreateOrUpdateConsumer(ctx, jetstream.ConsumerConfig{
		Durable:        sub.Name,
		FilterSubjects: subjects,
		DeliverPolicy:  jetstream.DeliverAllPolicy,
		AckPolicy:      jetstream.AckExplicitPolicy,
		MaxDeliver:     b.maxDeliver,
	})
	if err != nil {
		return fmt.Errorf("create consumer %s: %w", sub.Name, err)
	}

	handler := bus.Chain(sub.Handler, mws...)
	log := b.log.With(slog.String("subscription", sub.Name))
	cc, err := consumer.Consume(func(msg jetstream.Msg) {
		b.deliver(log, handler, msg)
	})
	if err != nil {
		return fmt.Errorf("consume %s: %w", sub.Name, err)
	}
	b.subs[sub.Name] = cc
	log.Debug("subscribed", slog.Any("subjects", subjects))
	return nil
}

func (b *Bus) deliver(log *slog.Logger, handler bus.Handler, msg jetstream.Msg) {
	var wire wireMessage
	if err := codec.Unmarshal(msg.Data(), &wire); err != nil {
		log.Error("undecodable bus message dropped", slog.String("subject", msg.Subject()), slog.Any("error", err))
		_ = msg.Term()
		return
	}
	wire.Event.Seq = wire.Seq
	ev, err := b.registry.Decode(wire.Event)
	if err != nil {
		log.Error("unknown event dropped", wire.Event.LogAttrs(), slog.Any("error", err))
		_ = msg.Term()
		return
	}

	attempt := uint64(1)
	if md, err := msg.Metadata(); err == nil {
		attempt = md.NumDelivered
	}

	m := bus.Message{Stored: wire.Event, Event: ev, Replay: wire.Replay}
	if err := handler.Handle(bus.NewMsgCtx(b.ctx, log, m)); err != nil {
		if attempt >= uint64(b.maxDeliver) {
			log.Error("giving up on message", wire.Event.LogAttrs(), slog.Uint64("attempt", attempt), slog.Any("error", err))
			_ = msg.Term()
			return
		}
		delay := b.redeliveryDelay(attempt)
		log.Warn("handler failed, redelivering", wire.Event.LogAttrs(), slog.Uint64("attempt", attempt), slog.Duration("delay", delay), slog.Any("error", err))
		_ = msg.NakWithDelay(delay)
		return
	}
	if err := msg.Ack(); err != nil {
		log.Error("ack failed", wire.Event.LogAttrs(), slog.Any("error", err))
	}
}

// redeliveryDelay is the jittered exponential delay before delivery
// attempt+1. The server tracks attempts, so the schedule is replayed up to
// attempt instead of kept per message.
func (b *Bus) redeliveryDelay(attempt uint64) time.Duration {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = b.backoff
	eb.MaxInterval = b.maxBackoff
	eb.Multiplier = 2
	delay := eb.NextBackOff()
	for i := uint64(1); i < attempt; i++ {
		delay = eb.NextBackOff()
	}
	return delay
}

// Purge drops every message still on the bus stream. Durable consumers
// keep their names and continue with messages published afterwards.
func (b *Bus) Purge(ctx context.Context) error {
	if err := b.stream.Purge(ctx); err != nil {
		return fmt.Errorf("purge bus stream: %w", err)
	}
	b.log.Info("bus stream purged")
	return nil
}

// Close stops every consumer and the connection. Durable consumers stay on
// the server and resume where they left off.
func (b *Bus) Close() error {
	b.mu.Lock()
	for name, cc := range b.subs {
		cc.Stop()
		delete(b.subs, name)
	}
	b.mu.Unlock()
	b.cancel()
	b.js.CleanupPublisher()
	b.closeNc()
	return nil
}

var (
	_ bus.Bus    = (*Bus)(nil)
	_ bus.Purger = (*Bus)(nil)
)

package nats

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/samuelvi/eventsourcing-with-ddd-and-cqrs/core/es"
	"github.com/samuelvi/eventsourcing-with-ddd-and-cqrs/internal/codec"
)

const (
	defaultEventsStream     = "ESDEMO_EVENTS"
	defaultEventsSubject    = "esdemo.events"
	defaultCheckpointBucket = "ESDEMO_CHECKPOINTS"
	defaultSnapshotBucket   = "ESDEMO_SNAPSHOTS"

	headerEventType   = "x-event-type"
	headerAggregateID = "x-aggregate-id"

	fetchBatch = 256
)

type StoreConfig struct {
	Connect          Connector    // Connect is used to create the underlying NATS connection. If nil, ConnectDefault() is used.
	Log              *slog.Logger // Log for diagnostics (optional)
	StreamName       string
	SubjectPrefix    string
	CheckpointBucket string
	SnapshotBucket   string
	Storage          jetstream.StorageType
	Metrics          es.Metrics
	Now              func() time.Time
}

// Store implements es.Store. Events live in a stream with one subject per
// aggregate; checkpoints and snapshots live in key value buckets.
type Store struct {
	js            jetstream.JetStream
	closeNc       closeFunc
	stream        jetstream.Stream
	checkpoints   jetstream.KeyValue
	snapshots     jetstream.KeyValue
	subjectPrefix string
	metrics       es.Metrics
	log           *slog.Logger
	now           func() time.Time
}

func NewStore(ctx context.Context, cfg StoreConfig) (*Store, error) {
	js, closeNc, err := jetStream(cfg.Connect)
	if err != nil {
		return nil, err
	}

	s := &Store{
		js:            js,
		closeNc:       closeNc,
		subjectPrefix: cfg.SubjectPrefix,
		metrics:       cfg.Metrics,
		log:           cfg.Log,
		now:           cfg.Now,
	}
	if s.subjectPrefix == "" {
		s.subjectPrefix = defaultEventsSubject
	}
	if s.metrics == nil {
		s.metrics = es.NopMetrics()
	}
	if s.now == nil {
		s.now = time.Now
	}
	streamName := cfg.StreamName
	if streamName == "" {
		streamName = defaultEventsStream
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	s.log = s.log.With(slog.String("store", "nats_js"), slog.String("stream", streamName))

	s.stream, err = ensureStream(ctx, js, jetstream.StreamConfig{
		Name:      streamName,
		Subjects:  []string{s.subjectPrefix + ".>"},
		Retention: jetstream.LimitsPolicy,
		Storage:   cfg.Storage,
	})
	if err != nil {
		closeNc()
		return nil, fmt.Errorf("ensure stream %s: %w", streamName, err)
	}

	bucket := func(name, fallback string) (jetstream.KeyValue, error) {
		if name == "" {
			name = fallback
		}
		return ensureBucket(ctx, js, jetstream.KeyValueConfig{Bucket: name, Storage: cfg.Storage})
	}
	if s.checkpoints, err = bucket(cfg.CheckpointBucket, defaultCheckpointBucket); err != nil {
		closeNc()
		return nil, fmt.Errorf("ensure checkpoint bucket: %w", err)
	}
	if s.snapshots, err = bucket(cfg.SnapshotBucket, defaultSnapshotBucket); err != nil {
		closeNc()
		return nil, fmt.Errorf("ensure snapshot bucket: %w", err)
	}
	return s, nil
}

func (s *Store) Close() error {
	s.js.CleanupPublisher()
	s.closeNc()
	s.log.Debug("closed event store")
	return nil
}

// subjectFor encodes the aggregate id so any id is a single subject token.
func (s *Store) subjectFor(aggregateID string) string {
	return s.subjectPrefix + "." + base64.RawURLEncoding.EncodeToString([]byte(aggregateID))
}

// Append publishes e and derives its position from the stream sequence the
// server assigned. Only Clear removes messages, so the first sequence of the
// stream marks position 1.
func (s *Store) Append(ctx context.Context, e es.StoredEvent) (int, error) {
	if err := e.Validate(); err != nil {
		return 0, fmt.Errorf("append: %w", err)
	}
	defer s.metrics.StoreAppendDuration().ObserveDuration()

	msg := natsgo.NewMsg(s.subjectFor(e.AggregateID))
	msg.Header.Set(headerEventType, e.EventType)
	msg.Header.Set(headerAggregateID, e.AggregateID)
	data, err := codec.Marshal(e)
	if err != nil {
		return 0, err
	}
	msg.Data = data

	ack, err := s.js.PublishMsg(ctx, msg, jetstream.WithMsgID(e.ID))
	if err != nil {
		return 0, storageErr("append", err)
	}
	info, err := s.stream.Info(ctx)
	if err != nil {
		return 0, storageErr("stream info", err)
	}
	pos := int(ack.Sequence - info.State.FirstSeq + 1)
	s.metrics.EventsAppended(e.EventType)
	s.log.Debug("appended", e.LogAttrs(), slog.Uint64("stream_seq", ack.Sequence), slog.Int("position", pos))
	return pos, nil
}

func (s *Store) FindByAggregateID(ctx context.Context, id string) (*es.StoredEvent, error) {
	raw, err := s.stream.GetMsg(ctx, 1, jetstream.WithGetMsgSubject(s.subjectFor(id)))
	if errors.Is(err, jetstream.ErrMsgNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, storageErr("find by aggregate id", err)
	}
	e, err := decodeEvent(raw.Data, raw.Sequence)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (s *Store) FindAll(ctx context.Context) ([]es.StoredEvent, error) {
	info, err := s.stream.Info(ctx)
	if err != nil {
		return nil, storageErr("stream info", err)
	}
	if info.State.Msgs == 0 {
		return nil, nil
	}
	endSeq := info.State.LastSeq

	cc, err := s.stream.OrderedConsumer(ctx, jetstream.OrderedConsumerConfig{
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return nil, storageErr("ordered consumer", err)
	}

	out := make([]es.StoredEvent, 0, info.State.Msgs)
outer:
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		batch, err := cc.Fetch(fetchBatch, jetstream.FetchMaxWait(time.Second))
		if err != nil {
			return nil, storageErr("fetch", err)
		}
		empty := true
		for msg := range batch.Messages() {
			empty = false
			md, err := msg.Metadata()
			if err != nil {
				return nil, storageErr("metadata", err)
			}
			e, err := decodeEvent(msg.Data(), md.Sequence.Stream)
			if err != nil {
				return nil, err
			}
			out = append(out, e)
			if md.Sequence.Stream >= endSeq {
				break outer
			}
		}
		if err := batch.Error(); err != nil && !errors.Is(err, jetstream.ErrNoMessages) {
			return nil, storageErr("fetch", err)
		}
		if empty {
			break
		}
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Before(out[j]) })
	return out, nil
}

func (s *Store) Count(ctx context.Context) (int, error) {
	info, err := s.stream.Info(ctx)
	if err != nil {
		return 0, storageErr("stream info", err)
	}
	return int(info.State.Msgs), nil
}

func (s *Store) Clear(ctx context.Context) error {
	if err := s.stream.Purge(ctx); err != nil {
		return storageErr("purge events", err)
	}
	if err := purgeBucket(ctx, s.snapshots); err != nil {
		return storageErr("purge snapshots", err)
	}
	if err := s.ClearCheckpoints(ctx); err != nil {
		return err
	}
	s.log.Info("event store cleared")
	return nil
}

// === checkpoints ===

func (s *Store) GetCheckpoint(ctx context.Context, projection string) (*es.Checkpoint, error) {
	cp, _, err := s.getCheckpoint(ctx, projection)
	return cp, err
}

func (s *Store) getCheckpoint(ctx context.Context, projection string) (*es.Checkpoint, uint64, error) {
	v, err := s.checkpoints.Get(ctx, projection)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, storageErr("get checkpoint", err)
	}
	var cp es.Checkpoint
	if err := codec.Unmarshal(v.Value(), &cp); err != nil {
		return nil, 0, fmt.Errorf("decode checkpoint %s: %w", projection, err)
	}
	return &cp, v.Revision(), nil
}

// UpsertCheckpoint is a compare-and-set loop so concurrent workers never
// move UpdatedAt backwards.
func (s *Store) UpsertCheckpoint(ctx context.Context, projection string, lastEventID string, at time.Time) error {
	for {
		prev, rev, err := s.getCheckpoint(ctx, projection)
		if err != nil {
			return err
		}
		data, err := codec.Marshal(es.NextCheckpoint(prev, projection, lastEventID, at))
		if err != nil {
			return err
		}
		if prev == nil {
			_, err = s.checkpoints.Create(ctx, projection, data)
		} else {
			_, err = s.checkpoints.Update(ctx, projection, data, rev)
		}
		if err == nil {
			return nil
		}
		if !errors.Is(err, jetstream.ErrKeyExists) && !isWrongSequence(err) {
			return storageErr("upsert checkpoint", err)
		}
		if err := ctx.Err(); err != nil {
			return err
		}
	}
}

func (s *Store) ListCheckpoints(ctx context.Context) ([]es.Checkpoint, error) {
	keys, err := bucketKeys(ctx, s.checkpoints)
	if err != nil {
		return nil, storageErr("list checkpoints", err)
	}
	out := make([]es.Checkpoint, 0, len(keys))
	for _, k := range keys {
		cp, _, err := s.getCheckpoint(ctx, k)
		if err != nil {
			return nil, err
		}
		if cp != nil {
			out = append(out, *cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ProjectionName < out[j].ProjectionName })
	return out, nil
}

func (s *Store) ClearCheckpoints(ctx context.Context) error {
	if err := purgeBucket(ctx, s.checkpoints); err != nil {
		return storageErr("clear checkpoints", err)
	}
	return nil
}

// === snapshots ===

func (s *Store) TakeSnapshot(ctx context.Context, aggregateID string, version int, state map[string]any) (*es.Snapshot, error) {
	snap, err := es.NewSnapshot(aggregateID, version, state, s.now())
	if err != nil {
		return nil, err
	}
	data, err := codec.Marshal(snap)
	if err != nil {
		return nil, err
	}
	_, err = s.snapshots.Create(ctx, snap.ID, data)
	if errors.Is(err, jetstream.ErrKeyExists) {
		return s.getSnapshot(ctx, snap.ID)
	}
	if err != nil {
		return nil, storageErr("take snapshot", err)
	}
	s.log.Debug("snapshot taken", slog.String("snapshot_id", snap.ID), slog.Int("version", version))
	return snap, nil
}

func (s *Store) ListSnapshots(ctx context.Context) ([]es.Snapshot, error) {
	keys, err := bucketKeys(ctx, s.snapshots)
	if err != nil {
		return nil, storageErr("list snapshots", err)
	}
	out := make([]es.Snapshot, 0, len(keys))
	for _, k := range keys {
		snap, err := s.getSnapshot(ctx, k)
		if errors.Is(err, jetstream.ErrKeyNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		out = append(out, *snap)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) getSnapshot(ctx context.Context, key string) (*es.Snapshot, error) {
	v, err := s.snapshots.Get(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, storageErr("get snapshot", err)
	}
	var snap es.Snapshot
	if err := codec.Unmarshal(v.Value(), &snap); err != nil {
		return nil, fmt.Errorf("decode snapshot %s: %w", key, err)
	}
	return &snap, nil
}

func (s *Store) CountSnapshots(ctx context.Context) (int, error) {
	keys, err := bucketKeys(ctx, s.snapshots)
	if err != nil {
		return 0, storageErr("count snapshots", err)
	}
	return len(keys), nil
}

var _ es.Store = (*Store)(nil)

// --- helpers ---

func decodeEvent(data []byte, seq uint64) (es.StoredEvent, error) {
	var e es.StoredEvent
	if err := codec.Unmarshal(data, &e); err != nil {
		return e, fmt.Errorf("decode stored event at seq %d: %w", seq, err)
	}
	e.Seq = seq
	return e, nil
}

func bucketKeys(ctx context.Context, bucket jetstream.KeyValue) ([]string, error) {
	lister, err := bucket.ListKeys(ctx)
	if err != nil {
		return nil, err
	}
	var keys []string
	for k := range lister.Keys() {
		keys = append(keys, k)
	}
	return keys, nil
}

func purgeBucket(ctx context.Context, bucket jetstream.KeyValue) error {
	keys, err := bucketKeys(ctx, bucket)
	if err != nil {
		return err
	}
	for _, k := range keys {
		if err := bucket.Purge(ctx, k); err != nil && !errors.Is(err, jetstream.ErrKeyNotFound) {
			return err
		}
	}
	return nil
}

func storageErr(op string, err error) error {
	return fmt.Errorf("%w: %s: %w", es.ErrStorage, op, err)
}

package nats

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	natsgo "github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/codewandler/cqrs-go/core/es"
)

const (
	defaultSubjectPrefix = "cqrs.es"
	defaultStreamName    = "CQRS_ES"
	fetchBatchSize       = 256

	hdrEventType  = "x-event-type"
	hdrEntityType = "x-entity-type"
	hdrEntityID   = "x-entity-id"
)

// RetentionPolicy defines how messages are retained in the stream.
type RetentionPolicy int

const (
	// RetentionLimits keeps messages until limits (MaxMsgs, MaxBytes, MaxAge) are reached.
	RetentionLimits RetentionPolicy = iota
	// RetentionInterest keeps messages only while there are consumers with interest.
	RetentionInterest
)

func (r RetentionPolicy) toJetStream() jetstream.RetentionPolicy {
	if r == RetentionInterest {
		return jetstream.InterestPolicy
	}
	return jetstream.LimitsPolicy
}

type EventStoreConfig struct {
	Connect       Connector    // If nil, ConnectURL(natsgo.DefaultURL) is used.
	Log           *slog.Logger // Log for diagnostics (optional)
	SubjectPrefix string       // SubjectPrefix is the prefix of every event subject
	StreamName    string

	// DuplicateWindow is how long appends are deduplicated by envelope id
	// (default: 2m).
	DuplicateWindow time.Duration

	// TombstoneBucket holds erased envelopes (default: <stream>_tombstones).
	TombstoneBucket string
	// IDBucket maps envelope ids to stream sequences (default: <stream>_ids).
	// It keeps appends idempotent beyond DuplicateWindow.
	IDBucket string

	Retention RetentionPolicy
	MaxAge    time.Duration
	MaxBytes  int64
	MaxMsgs   int64
}

// EventStore keeps the event log in a JetStream stream, one subject per
// entity: <prefix>.<entity type>.<entity id>. Erased events are removed from
// the stream and their tombstones kept in a key/value bucket. A second bucket
// indexes envelope ids.
type EventStore struct {
	nc            *natsgo.Conn
	closeNc       closeFunc
	js            jetstream.JetStream
	stream        jetstream.Stream
	tombstones    jetstream.KeyValue
	ids           jetstream.KeyValue
	log           *slog.Logger
	subjectPrefix string
	streamName    string
	now           func() time.Time
}

func NewEventStore(cfg EventStoreConfig) (*EventStore, error) {
	doConnect := cfg.Connect
	if doConnect == nil {
		doConnect = ConnectURL(natsgo.DefaultURL)
	}

	nc, closeNc, err := doConnect()
	if err != nil {
		return nil, err
	}

	js, err := jetstream.New(nc)
	if err != nil {
		closeNc()
		return nil, err
	}

	log := cfg.Log
	if log == nil {
		log = slog.Default()
	}

	streamName := strings.ToUpper(cmp.Or(cfg.StreamName, defaultStreamName))
	subjectPrefix := cmp.Or(cfg.SubjectPrefix, defaultSubjectPrefix)

	// 0 means unlimited for these in the stream config
	maxBytes := cmp.Or(cfg.MaxBytes, -1)
	maxMsgs := cmp.Or(cfg.MaxMsgs, -1)

	log = log.With(
		slog.String("store", "nats_js"),
		slog.String("stream", streamName),
		slog.String("subject_prefix", subjectPrefix),
	)

	ctx, cancel := context.WithTimeout(context.Background(), 10*natsgo.DefaultTimeout)
	defer cancel()

	log.Debug("ensuring stream")
	stream, err := js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:       streamName,
		Subjects:   []string{subjectPrefix + ".>"},
		Retention:  cfg.Retention.toJetStream(),
		Storage:    jetstream.FileStorage,
		MaxAge:     cfg.MaxAge,
		MaxBytes:   maxBytes,
		MaxMsgs:    maxMsgs,
		Duplicates: cmp.Or(cfg.DuplicateWindow, 2*time.Minute),
		FirstSeq:   1,
	})
	if err != nil {
		closeNc()
		return nil, fmt.Errorf("ensure stream %s: %w", streamName, err)
	}

	tombstones, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:  cmp.Or(cfg.TombstoneBucket, strings.ToLower(streamName)+"_tombstones"),
		Storage: jetstream.FileStorage,
	})
	if err != nil {
		closeNc()
		return nil, fmt.Errorf("ensure tombstone bucket: %w", err)
	}

	ids, err := js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket:  cmp.Or(cfg.IDBucket, strings.ToLower(streamName)+"_ids"),
		TTL:     cfg.MaxAge,
		Storage: jetstream.FileStorage,
	})
	if err != nil {
		closeNc()
		return nil, fmt.Errorf("ensure id bucket: %w", err)
	}

	log.Debug("ensured stream")

	return &EventStore{
		nc:            nc,
		closeNc:       closeNc,
		js:            js,
		stream:        stream,
		tombstones:    tombstones,
		ids:           ids,
		log:           log,
		subjectPrefix: subjectPrefix,
		streamName:    streamName,
		now:           time.Now,
	}, nil
}

func (e *EventStore) Close() error {
	e.js.CleanupPublisher()
	e.closeNc()
	e.log.Debug("closed event store")
	return nil
}

// === Append ===

func (e *EventStore) Append(ctx context.Context, events []es.Envelope) ([]es.Envelope, error) {
	if len(events) == 0 {
		return nil, es.ErrStoreNoEvents
	}

	startAt := time.Now()
	out := make([]es.Envelope, 0, len(events))
	for i, ev := range events {
		stored, err := e.append(ctx, ev)
		if err != nil {
			return out, fmt.Errorf("append event %d of %d: %w", i+1, len(events), err)
		}
		out = append(out, stored)
	}

	e.log.Debug(
		"append",
		slog.Int("num_events", len(events)),
		slog.Uint64("last_seq", out[len(out)-1].Seq),
		slog.Duration("duration", time.Since(startAt)),
	)
	return out, nil
}

func (e *EventStore) append(ctx context.Context, ev es.Envelope) (es.Envelope, error) {
	if err := ctx.Err(); err != nil {
		return es.Envelope{}, err
	}
	if err := ev.Validate(); err != nil {
		return es.Envelope{}, err
	}

	subject := e.subjectFor(ev.EntityTypeName, ev.EntityID.String())
	msg := natsgo.NewMsg(subject)
	msg.Header.Set(hdrEventType, ev.TypeName)
	msg.Header.Set(hdrEntityType, ev.EntityTypeName)
	msg.Header.Set(hdrEntityID, ev.EntityID.String())

	ev.Seq = 0
	data, err := json.Marshal(ev)
	if err != nil {
		return es.Envelope{}, err
	}
	msg.Data = data

	// within the duplicate window a known id acks with the stored sequence
	ack, err := e.js.PublishMsg(ctx, msg, jetstream.WithMsgID(ev.ID))
	if err != nil {
		return es.Envelope{}, fmt.Errorf("publish %s to %s: %w", ev.TypeName, subject, err)
	}

	seq, err := e.index(ctx, ev.ID, ack.Sequence)
	if err != nil {
		return es.Envelope{}, err
	}
	if ack.Duplicate {
		return e.Event(ctx, ev.ID)
	}
	if seq != ack.Sequence {
		// the id was stored before the duplicate window
		if err := e.stream.DeleteMsg(ctx, ack.Sequence); err != nil {
			return es.Envelope{}, fmt.Errorf("drop duplicate of %s at %d: %w", ev.ID, ack.Sequence, err)
		}
		e.log.Debug("dropped duplicate", slog.String("event_id", ev.ID), slog.Uint64("seq", seq), slog.Uint64("duplicate_seq", ack.Sequence))
		return e.Event(ctx, ev.ID)
	}
	ev.Seq = ack.Sequence
	return ev, nil
}

// index records seq for id unless id is already indexed, and returns the
// indexed sequence.
func (e *EventStore) index(ctx context.Context, id string, seq uint64) (uint64, error) {
	_, err := e.ids.Create(ctx, id, []byte(strconv.FormatUint(seq, 10)))
	if err == nil {
		return seq, nil
	}
	if !isRevisionConflict(err) {
		return 0, fmt.Errorf("index event %s: %w", id, err)
	}
	indexed, err := e.indexedSeq(ctx, id)
	if err != nil {
		return 0, err
	}
	if indexed == 0 {
		return seq, nil
	}
	return indexed, nil
}

// indexedSeq returns 0 for ids missing from the index.
func (e *EventStore) indexedSeq(ctx context.Context, id string) (uint64, error) {
	entry, err := e.ids.Get(ctx, id)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("lookup event %s: %w", id, err)
	}
	seq, err := strconv.ParseUint(string(entry.Value()), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("decode index of %s: %w", id, err)
	}
	return seq, nil
}

// seqOf resolves an id through the index, falling back to a header scan for
// events appended before the index existed.
func (e *EventStore) seqOf(ctx context.Context, id string) (uint64, error) {
	seq, err := e.indexedSeq(ctx, id)
	if err != nil || seq > 0 {
		return seq, err
	}
	return e.findSeq(ctx, id)
}

// === Read ===

func (e *EventStore) EventsSince(
	ctx context.Context,
	entityType string,
	entityID uuid.UUID,
	opts ...es.EventsOption,
) ([]es.Envelope, error) {
	if entityType == "" {
		return nil, errors.New("entity type is empty")
	}
	options := es.NewEventsOptions(opts...)

	subject := e.subjectFor(entityType, entityID.String())
	events, err := e.scan(ctx, subject, options.AfterSeq()+1, 0)
	if err != nil {
		return nil, err
	}
	tombstones, err := e.listTombstones(ctx, entityType+"."+entityID.String()+".*")
	if err != nil {
		return nil, err
	}

	out := make([]es.Envelope, 0, len(events))
	for _, ev := range mergeBySeq(events, tombstones) {
		if options.Match(ev) {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (e *EventStore) Search(ctx context.Context, filter es.SearchFilter) ([]es.Envelope, error) {
	var (
		entityType = "*"
		entityID   = "*"
	)
	if filter.EntityTypeName != "" {
		entityType = filter.EntityTypeName
	}
	if filter.EntityID != uuid.Nil {
		entityID = filter.EntityID.String()
	}

	events, err := e.scan(ctx, e.subjectFor(entityType, entityID), 1, 0)
	if err != nil {
		return nil, err
	}
	tombstones, err := e.listTombstones(ctx, entityType+"."+entityID+".*")
	if err != nil {
		return nil, err
	}

	out := make([]es.Envelope, 0)
	for _, ev := range mergeBySeq(events, tombstones) {
		if !filter.Match(ev) {
			continue
		}
		out = append(out, ev)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// scan reads every message of subject from startSeq up to the last message
// stored when the scan began. limit 0 reads all.
func (e *EventStore) scan(ctx context.Context, subject string, startSeq uint64, limit int) ([]es.Envelope, error) {
	endSeq, err := e.lastSeq(ctx, subject)
	if err != nil || endSeq == 0 || endSeq < startSeq {
		return nil, err
	}

	consumerCfg := jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{subject},
		DeliverPolicy:  jetstream.DeliverAllPolicy,
	}
	if startSeq > 1 {
		consumerCfg.DeliverPolicy = jetstream.DeliverByStartSequencePolicy
		consumerCfg.OptStartSeq = startSeq
	}
	cc, err := e.stream.OrderedConsumer(ctx, consumerCfg)
	if err != nil {
		return nil, fmt.Errorf("create ordered consumer for %s: %w", subject, err)
	}

	out := make([]es.Envelope, 0)
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		mb, err := cc.FetchNoWait(fetchBatchSize)
		if err != nil {
			return nil, err
		}

		empty := true
		for msg := range mb.Messages() {
			empty = false
			ev, err := decodeMsg(msg)
			if err != nil {
				return nil, fmt.Errorf("decode message: %w", err)
			}
			out = append(out, *ev)
			if ev.Seq >= endSeq || (limit > 0 && len(out) >= limit) {
				return out, nil
			}
		}
		if err := mb.Error(); err != nil {
			return nil, err
		}
		if empty {
			return out, nil
		}
	}
}

func (e *EventStore) lastSeq(ctx context.Context, subject string) (uint64, error) {
	m, err := e.stream.GetLastMsgForSubject(ctx, subject)
	if errors.Is(err, jetstream.ErrMsgNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get last message for %s: %w", subject, err)
	}
	return m.Sequence, nil
}

func (e *EventStore) Event(ctx context.Context, eventID string) (es.Envelope, error) {
	if tombstones, err := e.listTombstones(ctx, "*.*."+eventID); err != nil {
		return es.Envelope{}, err
	} else if len(tombstones) > 0 {
		return tombstones[0], nil
	}

	seq, err := e.seqOf(ctx, eventID)
	if err != nil {
		return es.Envelope{}, err
	}
	return e.getEnvelope(ctx, seq)
}

func (e *EventStore) getEnvelope(ctx context.Context, seq uint64) (es.Envelope, error) {
	raw, err := e.stream.GetMsg(ctx, seq)
	if errors.Is(err, jetstream.ErrMsgNotFound) {
		return es.Envelope{}, fmt.Errorf("%w: seq %d", es.ErrEventNotFound, seq)
	}
	if err != nil {
		return es.Envelope{}, fmt.Errorf("get message %d: %w", seq, err)
	}
	var env es.Envelope
	if err := json.Unmarshal(raw.Data, &env); err != nil {
		return es.Envelope{}, err
	}
	env.Seq = raw.Sequence
	return env, nil
}

// === Tombstone ===

func (e *EventStore) Tombstone(ctx context.Context, eventID string) (es.Envelope, error) {
	if existing, err := e.listTombstones(ctx, "*.*."+eventID); err != nil {
		return es.Envelope{}, err
	} else if len(existing) > 0 {
		return existing[0], nil
	}

	seq, err := e.seqOf(ctx, eventID)
	if err != nil {
		return es.Envelope{}, err
	}
	env, err := e.getEnvelope(ctx, seq)
	if err != nil {
		return es.Envelope{}, err
	}

	tombstoned := env.Tombstone(e.now())
	data, err := json.Marshal(tombstoned)
	if err != nil {
		return es.Envelope{}, err
	}
	key := tombstoned.EntityTypeName + "." + tombstoned.EntityID.String() + "." + tombstoned.ID
	if _, err := e.tombstones.Put(ctx, key, data); err != nil {
		return es.Envelope{}, fmt.Errorf("store tombstone: %w", err)
	}
	if err := e.stream.SecureDeleteMsg(ctx, seq); err != nil {
		return es.Envelope{}, fmt.Errorf("erase message %d: %w", seq, err)
	}

	e.log.Info("tombstoned event", slog.String("event_id", eventID), slog.Uint64("seq", seq))
	return tombstoned, nil
}

// findSeq scans the message headers for the envelope id.
func (e *EventStore) findSeq(ctx context.Context, eventID string) (uint64, error) {
	endSeq, err := e.lastSeq(ctx, e.subjectFor("*", "*"))
	if err != nil {
		return 0, err
	}
	if endSeq == 0 {
		return 0, fmt.Errorf("%w: %s", es.ErrEventNotFound, eventID)
	}

	cc, err := e.stream.OrderedConsumer(ctx, jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{e.subjectFor("*", "*")},
		HeadersOnly:    true,
	})
	if err != nil {
		return 0, err
	}
	for {
		mb, err := cc.FetchNoWait(fetchBatchSize)
		if err != nil {
			return 0, err
		}
		empty := true
		for msg := range mb.Messages() {
			empty = false
			md, err := msg.Metadata()
			if err != nil {
				return 0, err
			}
			if msg.Headers().Get(natsgo.MsgIdHdr) == eventID {
				return md.Sequence.Stream, nil
			}
			if md.Sequence.Stream >= endSeq {
				return 0, fmt.Errorf("%w: %s", es.ErrEventNotFound, eventID)
			}
		}
		if err := mb.Error(); err != nil {
			return 0, err
		}
		if empty {
			return 0, fmt.Errorf("%w: %s", es.ErrEventNotFound, eventID)
		}
	}
}

func (e *EventStore) listTombstones(ctx context.Context, pattern string) ([]es.Envelope, error) {
	w, err := e.tombstones.Watch(ctx, pattern, jetstream.IgnoreDeletes())
	if err != nil {
		return nil, fmt.Errorf("watch tombstones: %w", err)
	}
	defer func() { _ = w.Stop() }()

	out := make([]es.Envelope, 0)
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case entry := <-w.Updates():
			// nil marks the end of the initial values
			if entry == nil {
				return out, nil
			}
			var env es.Envelope
			if err := json.Unmarshal(entry.Value(), &env); err != nil {
				return nil, fmt.Errorf("decode tombstone %s: %w", entry.Key(), err)
			}
			out = append(out, env)
		}
	}
}

func mergeBySeq(events, tombstones []es.Envelope) []es.Envelope {
	if len(tombstones) == 0 {
		return events
	}
	out := append(slices.Clone(events), tombstones...)
	slices.SortFunc(out, func(a, b es.Envelope) int { return cmp.Compare(a.Seq, b.Seq) })
	return out
}

// === Stream ===

func (e *EventStore) Subscribe(ctx context.Context, opts ...es.SubscribeOption) (es.Subscription, error) {
	options := es.NewSubscribeOpts(opts...)

	var filterSubjects []string
	for _, f := range options.Filters() {
		switch {
		case f.EntityTypeName != "" && f.EntityID != uuid.Nil:
			filterSubjects = append(filterSubjects, e.subjectFor(f.EntityTypeName, f.EntityID.String()))
		case f.EntityTypeName != "":
			filterSubjects = append(filterSubjects, e.subjectFor(f.EntityTypeName, "*"))
		default:
			return nil, fmt.Errorf("invalid filter: %+v", f)
		}
	}
	if len(filterSubjects) == 0 {
		filterSubjects = []string{e.subjectFor("*", "*")}
	}

	var maxSeq uint64
	for _, s := range filterSubjects {
		seq, err := e.lastSeq(ctx, s)
		if err != nil {
			return nil, err
		}
		maxSeq = max(maxSeq, seq)
	}

	consumerCfg := jetstream.ConsumerConfig{
		DeliverPolicy:     jetstream.DeliverNewPolicy,
		AckPolicy:         jetstream.AckExplicitPolicy,
		FilterSubjects:    filterSubjects,
		InactiveThreshold: 10 * time.Minute,
	}
	if options.DeliverPolicy() == es.DeliverAllPolicy {
		consumerCfg.DeliverPolicy = jetstream.DeliverAllPolicy
		if options.StartSequence() > 1 {
			consumerCfg.DeliverPolicy = jetstream.DeliverByStartSequencePolicy
			consumerCfg.OptStartSeq = options.StartSequence()
		}
	}

	e.log.Debug("subscribe", slog.Any("filter_subjects", filterSubjects), slog.Uint64("max_sequence", maxSeq))

	consumer, err := e.stream.CreateOrUpdateConsumer(ctx, consumerCfg)
	if err != nil {
		return nil, fmt.Errorf("create consumer filter_subjects=%+v: %w", filterSubjects, err)
	}

	msgs, err := consumer.Messages()
	if err != nil {
		return nil, err
	}

	var (
		ch       = make(chan es.Envelope, 64)
		done     = make(chan struct{})
		stopOnce sync.Once
	)
	stop := func() {
		stopOnce.Do(func() {
			close(done)
			msgs.Drain()
		})
	}
	context.AfterFunc(ctx, stop)

	go func() {
		defer e.log.Debug("unsubscribed")
		for {
			msg, err := msgs.Next()
			if err != nil {
				if !errors.Is(err, jetstream.ErrMsgIteratorClosed) {
					e.log.Error("failed to read next message", slog.Any("error", err))
				}
				return
			}
			if err := msg.Ack(); err != nil {
				e.log.Error("failed to ack message", slog.Any("error", err))
				return
			}
			ev, err := decodeMsg(msg)
			if err != nil {
				e.log.Error("failed to decode message", slog.Any("error", err))
				continue
			}
			select {
			case ch <- *ev:
			case <-done:
				return
			}
		}
	}()

	return &jsStoreSubscription{ch: ch, cancel: stop, maxSeq: maxSeq}, nil
}

type jsStoreSubscription struct {
	ch     chan es.Envelope
	cancel func()
	maxSeq uint64
}

func (s *jsStoreSubscription) MaxSequence() uint64      { return s.maxSeq }
func (s *jsStoreSubscription) Cancel()                  { s.cancel() }
func (s *jsStoreSubscription) Chan() <-chan es.Envelope { return s.ch }

// === helpers ===

func decodeMsg(msg jetstream.Msg) (*es.Envelope, error) {
	md, err := msg.Metadata()
	if err != nil {
		return nil, err
	}
	env := &es.Envelope{}
	if err := json.Unmarshal(msg.Data(), env); err != nil {
		return nil, err
	}
	env.Seq = md.Sequence.Stream
	return env, nil
}

func (e *EventStore) subjectFor(entityType, entityID string) string {
	return e.subjectPrefix + "." + entityType + "." + entityID
}

var (
	_ es.StreamingEventStore = (*EventStore)(nil)
	_ es.Subscription        = (*jsStoreSubscription)(nil)
)

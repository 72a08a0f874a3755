package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/codewandler/cqrs-go/core/es"
)

const (
	eventColumns    = "seq, id, kind, type, entity_type, entity_id, version, request_id, user_info, created_at, deleted_at, value"
	pollBatchSize   = 256
	subscriptionBuf = 64
)

// EventStore is the event log in the events table. Seq is the table's
// autoincrement key. Subscriptions poll the table and are woken early by
// appends made through the same EventStore.
type EventStore struct {
	db  *DB
	log *slog.Logger
	now func() time.Time

	mu      sync.Mutex
	changed chan struct{} // closed and replaced on every append
}

func (d *DB) EventStore() *EventStore {
	return &EventStore{
		db:      d,
		log:     d.log.With(slog.String("table", "events")),
		now:     time.Now,
		changed: make(chan struct{}),
	}
}

// === Append ===

func (s *EventStore) Append(ctx context.Context, events []es.Envelope) ([]es.Envelope, error) {
	if len(events) == 0 {
		return nil, es.ErrStoreNoEvents
	}

	out := make([]es.Envelope, 0, len(events))
	var err error
	for _, ev := range events {
		var stored es.Envelope
		if stored, err = s.append(ctx, ev); err != nil {
			break
		}
		out = append(out, stored)
	}

	if len(out) > 0 {
		s.notify()
	}

	s.log.Debug("append", slog.Int("num_events", len(events)), slog.Int("persisted", len(out)))
	if err != nil {
		return out, fmt.Errorf("append event %d of %d: %w", len(out)+1, len(events), err)
	}
	return out, nil
}

func (s *EventStore) append(ctx context.Context, ev es.Envelope) (es.Envelope, error) {
	if err := ctx.Err(); err != nil {
		return es.Envelope{}, err
	}
	if err := ev.Validate(); err != nil {
		return es.Envelope{}, err
	}

	var user sql.NullString
	if ev.CurrentUser != nil {
		data, err := json.Marshal(ev.CurrentUser)
		if err != nil {
			return es.Envelope{}, err
		}
		user = sql.NullString{String: string(data), Valid: true}
	}

	res, err := s.db.sqlDB.ExecContext(ctx, `
INSERT INTO events (id, kind, type, entity_type, entity_id, version, request_id, user_info, created_at, value)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		ev.ID,
		string(ev.Kind),
		ev.TypeName,
		ev.EntityTypeName,
		ev.EntityID.String(),
		ev.Version,
		ev.RequestID.String(),
		user,
		toNanos(ev.CreatedAt),
		[]byte(ev.Value),
	)
	if err != nil {
		if isConstraintError(err) {
			// already stored under this id
			return s.byID(ctx, ev.ID)
		}
		return es.Envelope{}, fmt.Errorf("insert event: %w", err)
	}

	seq, err := res.LastInsertId()
	if err != nil {
		return es.Envelope{}, err
	}
	ev.Seq = uint64(seq)
	ev.CreatedAt = ev.CreatedAt.UTC()
	return ev, nil
}

func (s *EventStore) notify() {
	s.mu.Lock()
	defer s.mu.Unlock()
	close(s.changed)
	s.changed = make(chan struct{})
}

func (s *EventStore) changes() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.changed
}

// === Read ===

func (s *EventStore) EventsSince(
	ctx context.Context,
	entityType string,
	entityID uuid.UUID,
	opts ...es.EventsOption,
) ([]es.Envelope, error) {
	options := es.NewEventsOptions(opts...)

	events, err := s.query(ctx,
		"WHERE entity_type = ? AND entity_id = ? AND seq > ? ORDER BY seq",
		entityType, entityID.String(), options.AfterSeq(),
	)
	if err != nil {
		return nil, err
	}

	out := events[:0]
	for _, ev := range events {
		if options.Match(ev) {
			out = append(out, ev)
		}
	}
	return out, nil
}

func (s *EventStore) Search(ctx context.Context, filter es.SearchFilter) ([]es.Envelope, error) {
	var (
		where []string
		args  []any
	)
	if filter.EntityTypeName != "" {
		where = append(where, "entity_type = ?")
		args = append(args, filter.EntityTypeName)
	}
	if filter.EntityID != uuid.Nil {
		where = append(where, "entity_id = ?")
		args = append(args, filter.EntityID.String())
	}
	if filter.TypeName != "" {
		where = append(where, "type = ?")
		args = append(args, filter.TypeName)
	}
	if !filter.From.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, toNanos(filter.From))
	}
	if !filter.To.IsZero() {
		where = append(where, "created_at <= ?")
		args = append(args, toNanos(filter.To))
	}

	var clause strings.Builder
	if len(where) > 0 {
		clause.WriteString("WHERE ")
		clause.WriteString(strings.Join(where, " AND "))
	}
	clause.WriteString(" ORDER BY seq")
	if filter.Limit > 0 {
		clause.WriteString(" LIMIT ?")
		args = append(args, filter.Limit)
	}

	return s.query(ctx, clause.String(), args...)
}

func (s *EventStore) Event(ctx context.Context, eventID string) (es.Envelope, error) {
	return s.byID(ctx, eventID)
}

func (s *EventStore) byID(ctx context.Context, id string) (es.Envelope, error) {
	events, err := s.query(ctx, "WHERE id = ?", id)
	if err != nil {
		return es.Envelope{}, err
	}
	if len(events) == 0 {
		return es.Envelope{}, fmt.Errorf("%w: %s", es.ErrEventNotFound, id)
	}
	return events[0], nil
}

func (s *EventStore) query(ctx context.Context, clause string, args ...any) ([]es.Envelope, error) {
	rows, err := s.db.sqlDB.QueryContext(ctx, "SELECT "+eventColumns+" FROM events "+clause, args...)
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	out := make([]es.Envelope, 0)
	for rows.Next() {
		ev, err := scanEnvelope(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("read events: %w", err)
	}
	return out, nil
}

func scanEnvelope(rows *sql.Rows) (es.Envelope, error) {
	var (
		ev        es.Envelope
		kind      string
		entityID  string
		requestID string
		user      sql.NullString
		createdAt int64
		deletedAt sql.NullInt64
		value     []byte
	)
	if err := rows.Scan(
		&ev.Seq, &ev.ID, &kind, &ev.TypeName, &ev.EntityTypeName, &entityID,
		&ev.Version, &requestID, &user, &createdAt, &deletedAt, &value,
	); err != nil {
		return es.Envelope{}, fmt.Errorf("scan event: %w", err)
	}

	var err error
	if ev.EntityID, err = uuid.Parse(entityID); err != nil {
		return es.Envelope{}, fmt.Errorf("event %s entity id: %w", ev.ID, err)
	}
	if ev.RequestID, err = uuid.Parse(requestID); err != nil {
		return es.Envelope{}, fmt.Errorf("event %s request id: %w", ev.ID, err)
	}
	if user.Valid {
		ev.CurrentUser = &es.User{}
		if err := json.Unmarshal([]byte(user.String), ev.CurrentUser); err != nil {
			return es.Envelope{}, fmt.Errorf("event %s current user: %w", ev.ID, err)
		}
	}
	if deletedAt.Valid {
		at := fromNanos(deletedAt.Int64)
		ev.DeletedAt = &at
	}
	ev.Kind = es.Kind(kind)
	ev.CreatedAt = fromNanos(createdAt)
	ev.Value = json.RawMessage(value)
	return ev, nil
}

// === Tombstone ===

func (s *EventStore) Tombstone(ctx context.Context, eventID string) (es.Envelope, error) {
	ev, err := s.byID(ctx, eventID)
	if err != nil {
		return es.Envelope{}, err
	}
	if ev.Tombstoned() {
		return ev, nil
	}

	ev = ev.Tombstone(s.now())
	if _, err := s.db.sqlDB.ExecContext(ctx,
		"UPDATE events SET value = ?, deleted_at = ? WHERE id = ? AND deleted_at IS NULL",
		[]byte(ev.Value), toNanos(*ev.DeletedAt), eventID,
	); err != nil {
		return es.Envelope{}, fmt.Errorf("tombstone event %s: %w", eventID, err)
	}

	s.log.Info("tombstoned event", slog.String("event_id", eventID), slog.Uint64("seq", ev.Seq))
	return ev, nil
}

// === Stream ===

func (s *EventStore) maxSeq(ctx context.Context) (uint64, error) {
	var seq sql.NullInt64
	if err := s.db.sqlDB.QueryRowContext(ctx, "SELECT MAX(seq) FROM events").Scan(&seq); err != nil {
		return 0, fmt.Errorf("max seq: %w", err)
	}
	return uint64(seq.Int64), nil
}

func (s *EventStore) Subscribe(ctx context.Context, opts ...es.SubscribeOption) (es.Subscription, error) {
	options := es.NewSubscribeOpts(opts...)

	maxSeq, err := s.maxSeq(ctx)
	if err != nil {
		return nil, err
	}

	after := maxSeq
	if options.DeliverPolicy() == es.DeliverAllPolicy {
		after = 0
		if start := options.StartSequence(); start > 1 {
			after = start - 1
		}
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := &pollSubscription{
		ch:     make(chan es.Envelope, subscriptionBuf),
		cancel: cancel,
		maxSeq: maxSeq,
	}
	go s.poll(subCtx, sub, after, options.Filters())

	s.log.Debug(
		"subscribed",
		slog.String("deliver_policy", string(options.DeliverPolicy())),
		slog.Uint64("after_seq", after),
		slog.Uint64("max_sequence", maxSeq),
	)
	return sub, nil
}

func (s *EventStore) poll(ctx context.Context, sub *pollSubscription, after uint64, filters []es.SubscribeFilter) {
	ticker := time.NewTicker(s.db.cfg.PollInterval)
	defer ticker.Stop()
	defer s.log.Debug("unsubscribed")

	for {
		wake := s.changes()

		events, err := s.query(ctx, "WHERE seq > ? ORDER BY seq LIMIT ?", after, pollBatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.log.Error("failed to poll events", slog.Any("error", err))
		}
		for _, ev := range events {
			after = ev.Seq
			if !es.MatchFilters(ev, filters) {
				continue
			}
			select {
			case sub.ch <- ev:
			case <-ctx.Done():
				return
			}
		}
		if len(events) == pollBatchSize {
			continue
		}

		select {
		case <-ctx.Done():
			return
		case <-wake:
		case <-ticker.C:
		}
	}
}

type pollSubscription struct {
	ch     chan es.Envelope
	cancel context.CancelFunc
	maxSeq uint64
}

func (p *pollSubscription) Cancel()                  { p.cancel() }
func (p *pollSubscription) Chan() <-chan es.Envelope { return p.ch }
func (p *pollSubscription) MaxSequence() uint64      { return p.maxSeq }

var (
	_ es.StreamingEventStore = (*EventStore)(nil)
	_ es.Subscription        = (*pollSubscription)(nil)
)

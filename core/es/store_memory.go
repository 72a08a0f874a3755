package es

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

// InMemoryStore is a complete EventStore for tests and single-process use.
type InMemoryStore struct {
	mu       sync.RWMutex
	log      *slog.Logger
	events   []Envelope // events[i].Seq == i+1
	byID     map[string]int
	byEntity map[EntityKey][]int
	subs     map[string]*inMemorySubscription
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		log:      slog.Default().With(slog.String("store", "memory")),
		byID:     map[string]int{},
		byEntity: map[EntityKey][]int{},
		subs:     map[string]*inMemorySubscription{},
	}
}

func (s *InMemoryStore) Append(ctx context.Context, events []Envelope) ([]Envelope, error) {
	if len(events) == 0 {
		return nil, ErrStoreNoEvents
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var (
		out   = make([]Envelope, 0, len(events))
		added = make([]Envelope, 0, len(events))
		err   error
	)
	for _, e := range events {
		if err = ctx.Err(); err != nil {
			break
		}
		if idx, ok := s.byID[e.ID]; ok {
			out = append(out, s.events[idx])
			continue
		}
		if err = e.Validate(); err != nil {
			break
		}

		e.Seq = uint64(len(s.events) + 1)
		idx := len(s.events)
		s.events = append(s.events, e)
		s.byID[e.ID] = idx
		s.byEntity[e.Key()] = append(s.byEntity[e.Key()], idx)
		out = append(out, e)
		added = append(added, e)
	}

	s.log.Debug(
		"append",
		slog.Int("num_events", len(events)),
		slog.Int("persisted", len(out)),
		slog.Int("added", len(added)),
	)

	s.dispatch(added)

	if err != nil {
		return out, fmt.Errorf("append event %d of %d: %w", len(out)+1, len(events), err)
	}
	return out, nil
}

func (s *InMemoryStore) EventsSince(
	ctx context.Context,
	entityType string,
	entityID uuid.UUID,
	opts ...EventsOption,
) ([]Envelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	options := NewEventsOptions(opts...)

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Envelope, 0)
	for _, idx := range s.byEntity[EntityKey{TypeName: entityType, ID: entityID}] {
		if e := s.events[idx]; options.Match(e) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (s *InMemoryStore) Search(ctx context.Context, filter SearchFilter) ([]Envelope, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]Envelope, 0)
	for _, e := range s.events {
		if !filter.Match(e) {
			continue
		}
		out = append(out, e)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

func (s *InMemoryStore) Event(ctx context.Context, eventID string) (Envelope, error) {
	if err := ctx.Err(); err != nil {
		return Envelope{}, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	idx, ok := s.byID[eventID]
	if !ok {
		return Envelope{}, fmt.Errorf("%w: %s", ErrEventNotFound, eventID)
	}
	return s.events[idx], nil
}

func (s *InMemoryStore) Tombstone(ctx context.Context, eventID string) (Envelope, error) {
	if err := ctx.Err(); err != nil {
		return Envelope{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	idx, ok := s.byID[eventID]
	if !ok {
		return Envelope{}, fmt.Errorf("%w: %s", ErrEventNotFound, eventID)
	}
	if s.events[idx].Tombstoned() {
		return s.events[idx], nil
	}
	s.events[idx] = s.events[idx].Tombstone(time.Now())
	s.log.Info("tombstoned event", s.events[idx].logAttrs())
	return s.events[idx], nil
}

// === Stream ===

func (s *InMemoryStore) Subscribe(ctx context.Context, opts ...SubscribeOption) (Subscription, error) {
	options := NewSubscribeOpts(opts...)

	s.mu.Lock()
	defer s.mu.Unlock()

	subID := gonanoid.Must()
	sub := newInMemorySubscription(options.filters, uint64(len(s.events)), func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subs, subID)
	})

	if options.deliverPolicy == DeliverAllPolicy {
		backlog := make([]Envelope, 0)
		for _, e := range s.events {
			if e.Seq < options.startSequence {
				continue
			}
			if MatchFilters(e, sub.filters) {
				backlog = append(backlog, e)
			}
		}
		sub.push(backlog...)
	}

	s.subs[subID] = sub
	go sub.run()

	context.AfterFunc(ctx, sub.Cancel)

	s.log.Debug(
		"subscribed",
		slog.String("sub_id", subID),
		slog.String("deliver_policy", string(options.deliverPolicy)),
		slog.Uint64("start_seq", options.startSequence),
	)

	return sub, nil
}

// dispatch must be called with s.mu held.
func (s *InMemoryStore) dispatch(events []Envelope) {
	if len(s.subs) == 0 || len(events) == 0 {
		return
	}

	for _, sub := range s.subs {
		matching := make([]Envelope, 0, len(events))
		for _, e := range events {
			if MatchFilters(e, sub.filters) {
				matching = append(matching, e)
			}
		}
		sub.push(matching...)
	}
}

// === Subscription ===

type inMemorySubscription struct {
	filters []SubscribeFilter
	maxSeq  uint64

	mu     sync.Mutex
	queue  []Envelope
	notify chan struct{}

	ch      chan Envelope
	done    chan struct{}
	once    sync.Once
	onClose func()
}

func newInMemorySubscription(filters []SubscribeFilter, maxSeq uint64, onClose func()) *inMemorySubscription {
	return &inMemorySubscription{
		filters: filters,
		maxSeq:  maxSeq,
		notify:  make(chan struct{}, 1),
		ch:      make(chan Envelope),
		done:    make(chan struct{}),
		onClose: onClose,
	}
}

func (i *inMemorySubscription) push(events ...Envelope) {
	if len(events) == 0 {
		return
	}
	i.mu.Lock()
	i.queue = append(i.queue, events...)
	i.mu.Unlock()

	select {
	case i.notify <- struct{}{}:
	default:
	}
}

func (i *inMemorySubscription) run() {
	for {
		i.mu.Lock()
		if len(i.queue) == 0 {
			i.mu.Unlock()
			select {
			case <-i.notify:
				continue
			case <-i.done:
				return
			}
		}
		e := i.queue[0]
		i.queue = i.queue[1:]
		i.mu.Unlock()

		select {
		case i.ch <- e:
		case <-i.done:
			return
		}
	}
}

func (i *inMemorySubscription) Chan() <-chan Envelope { return i.ch }
func (i *inMemorySubscription) MaxSequence() uint64   { return i.maxSeq }
func (i *inMemorySubscription) Cancel() {
	i.once.Do(func() {
		close(i.done)
		i.onClose()
	})
}

var _ StreamingEventStore = (*InMemoryStore)(nil)

package es

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/stretchr/testify/require"
)

type (
	counter struct {
		ID     uuid.UUID `json:"id"`
		Total  int       `json:"total"`
		Events int       `json:"events"`
	}

	added struct {
		CounterID uuid.UUID `json:"counter_id"`
		N         int       `json:"n"`
	}

	reset struct {
		CounterID uuid.UUID `json:"counter_id"`
	}
)

func (e added) EntityID() uuid.UUID { return e.CounterID }
func (e reset) EntityID() uuid.UUID { return e.CounterID }

func newCounterRegistry(t *testing.T) *Registry {
	t.Helper()
	reg := NewRegistry()
	RegisterEntity[counter](reg)
	On(reg, func(ev *added, c *counter) (*counter, error) {
		next := counter{ID: ev.CounterID}
		if c != nil {
			next = *c
		}
		next.Total += ev.N
		next.Events++
		return &next, nil
	})
	On(reg, func(ev *reset, c *counter) (*counter, error) {
		if c == nil {
			return nil, errors.New("reset of unknown counter")
		}
		next := *c
		next.Total = 0
		next.Events++
		return &next, nil
	})
	require.NoError(t, reg.Validate())
	return reg
}

// appendEvents records events through a Register, one flush.
func appendEvents(t *testing.T, store EventStore, reg *Registry, events ...any) []Envelope {
	t.Helper()
	var committed []Envelope
	r := NewRegister(store, reg, OnCommitted(func(_ context.Context, envs []Envelope) {
		committed = append(committed, envs...)
	}))
	r.Events(events...)
	require.NoError(t, r.Flush(t.Context()))
	return committed
}

func rawEnvelope(entityType string, id uuid.UUID, typeName string, version int, value string) Envelope {
	return Envelope{
		ID:             gonanoid.Must(),
		Kind:           KindEvent,
		TypeName:       typeName,
		EntityTypeName: entityType,
		EntityID:       id,
		Version:        version,
		RequestID:      uuid.New(),
		CreatedAt:      time.Now().UTC(),
		Value:          json.RawMessage(value),
	}
}

// === fakes ===

// failingStore fails Append once the store holds failAfter events.
type failingStore struct {
	*InMemoryStore
	mu        sync.Mutex
	failAfter int
	appended  int
	err       error
}

func (s *failingStore) Append(ctx context.Context, events []Envelope) ([]Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Envelope, 0, len(events))
	for _, e := range events {
		if s.failAfter >= 0 && s.appended >= s.failAfter {
			return out, s.err
		}
		stored, err := s.InMemoryStore.Append(ctx, []Envelope{e})
		if err != nil {
			return out, err
		}
		s.appended++
		out = append(out, stored...)
	}
	return out, nil
}

// failingSnapshotter fails every save.
type failingSnapshotter struct {
	*InMemorySnapshotter
	mu    sync.Mutex
	saves int
}

func (s *failingSnapshotter) SaveSnapshot(context.Context, *Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	return errors.New("snapshot storage unavailable")
}

// countingStore counts EventsSince calls and the events they returned.
type countingStore struct {
	*InMemoryStore
	mu     sync.Mutex
	loads  int
	loaded int
}

func (s *countingStore) EventsSince(ctx context.Context, entityType string, id uuid.UUID, opts ...EventsOption) ([]Envelope, error) {
	out, err := s.InMemoryStore.EventsSince(ctx, entityType, id, opts...)
	s.mu.Lock()
	s.loads++
	s.loaded += len(out)
	s.mu.Unlock()
	return out, err
}

func (s *countingStore) lastLoaded() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.loaded
}

func (s *countingStore) resetCounts() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loads, s.loaded = 0, 0
}

package es

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

var (
	ErrSnapshotNotFound = errors.New("snapshot not found")
)

type (
	// Snapshot is a materialized fold of every event of one entity up to and
	// including CutoffSeq. Newer snapshots supersede older ones, which stay
	// available for historical queries.
	Snapshot struct {
		ID             string          `json:"id"`
		EntityTypeName string          `json:"entity_type"`
		EntityID       uuid.UUID       `json:"entity_id"`
		CutoffSeq      uint64          `json:"cutoff_seq"` // seq of the last folded event
		CutoffAt       time.Time       `json:"cutoff_at"`  // created at of the last folded event
		Version        int             `json:"version"`    // entity schema version of Value
		CreatedAt      time.Time       `json:"created_at"`
		Value          json.RawMessage `json:"value"`
	}

	SnapshotLoadOptions struct {
		asOf time.Time
	}

	SnapshotLoadOption interface {
		applyToSnapshotLoad(*SnapshotLoadOptions)
	}

	Snapshotter interface {
		SaveSnapshot(ctx context.Context, snapshot *Snapshot) error
		// LoadSnapshot returns the snapshot with the highest cutoff, or
		// ErrSnapshotNotFound.
		LoadSnapshot(ctx context.Context, entityType string, entityID uuid.UUID, opts ...SnapshotLoadOption) (*Snapshot, error)
	}

	// SnapshotPurger removes every snapshot of an entity. Used after erasing
	// an event so its content does not survive inside a snapshot.
	SnapshotPurger interface {
		PurgeSnapshots(ctx context.Context, entityType string, entityID uuid.UUID) error
	}
)

func NewSnapshotLoadOptions(opts ...SnapshotLoadOption) SnapshotLoadOptions {
	options := SnapshotLoadOptions{}
	for _, opt := range opts {
		opt.applyToSnapshotLoad(&options)
	}
	return options
}

func (o SnapshotLoadOptions) AsOf() time.Time { return o.asOf }

// Match reports whether s is visible to the query.
func (o SnapshotLoadOptions) Match(s *Snapshot) bool {
	return o.asOf.IsZero() || !s.CutoffAt.After(o.asOf)
}

// Envelope renders the snapshot as a snapshot-kind envelope for stores that
// keep both record kinds in one table.
func (s *Snapshot) Envelope() Envelope {
	return Envelope{
		ID:             s.ID,
		Seq:            s.CutoffSeq,
		Kind:           KindSnapshot,
		TypeName:       s.EntityTypeName,
		EntityTypeName: s.EntityTypeName,
		EntityID:       s.EntityID,
		Version:        s.Version,
		CreatedAt:      s.CreatedAt,
		Value:          s.Value,
	}
}

func (s *Snapshot) Key() EntityKey { return EntityKey{TypeName: s.EntityTypeName, ID: s.EntityID} }

func (s *Snapshot) logAttrs() slog.Attr {
	return slog.Group(
		"snapshot",
		slog.String("id", s.ID),
		slog.String("entity_type", s.EntityTypeName),
		slog.String("entity_id", s.EntityID.String()),
		slog.Uint64("cutoff_seq", s.CutoffSeq),
		slog.Time("cutoff_at", s.CutoffAt),
		slog.Int("size", len(s.Value)),
	)
}

// === In-Memory ===

type InMemorySnapshotter struct {
	mu        sync.RWMutex
	snapshots map[EntityKey][]*Snapshot // ordered by CutoffSeq
}

func NewInMemorySnapshotter() *InMemorySnapshotter {
	return &InMemorySnapshotter{
		snapshots: map[EntityKey][]*Snapshot{},
	}
}

func (s *InMemorySnapshotter) SaveSnapshot(_ context.Context, snapshot *Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *snapshot
	key := snapshot.Key()
	list := append(s.snapshots[key], &cp)
	slices.SortStableFunc(list, func(a, b *Snapshot) int {
		switch {
		case a.CutoffSeq < b.CutoffSeq:
			return -1
		case a.CutoffSeq > b.CutoffSeq:
			return 1
		}
		return 0
	})
	s.snapshots[key] = list
	return nil
}

func (s *InMemorySnapshotter) LoadSnapshot(
	_ context.Context,
	entityType string,
	entityID uuid.UUID,
	opts ...SnapshotLoadOption,
) (*Snapshot, error) {
	options := NewSnapshotLoadOptions(opts...)

	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.snapshots[EntityKey{TypeName: entityType, ID: entityID}]
	for i := len(list) - 1; i >= 0; i-- {
		if options.Match(list[i]) {
			cp := *list[i]
			return &cp, nil
		}
	}
	return nil, ErrSnapshotNotFound
}

func (s *InMemorySnapshotter) PurgeSnapshots(_ context.Context, entityType string, entityID uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.snapshots, EntityKey{TypeName: entityType, ID: entityID})
	return nil
}

// Count returns how many snapshots are stored for an entity.
func (s *InMemorySnapshotter) Count(entityType string, entityID uuid.UUID) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.snapshots[EntityKey{TypeName: entityType, ID: entityID}])
}

var (
	_ Snapshotter    = (*InMemorySnapshotter)(nil)
	_ SnapshotPurger = (*InMemorySnapshotter)(nil)
)

package proj

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/codewandler/cqrs-go/core/es"
	"github.com/codewandler/cqrs-go/internal/reflector"
)

var (
	ErrReadModelNotFound = errors.New("read model not found")
)

// ReadModel is a stored projection result. Version is 1 after the first write
// and grows by one with every write.
type ReadModel struct {
	TypeName  string          `json:"type"`
	ID        string          `json:"id"`
	Version   es.Version      `json:"version"`
	Value     json.RawMessage `json:"value"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func (rm *ReadModel) logAttrs() slog.Attr {
	return slog.Group(
		"read_model",
		slog.String("type", rm.TypeName),
		slog.String("id", rm.ID),
		rm.Version.SlogAttr(),
	)
}

// ReadModelStore persists read models with optimistic concurrency.
//
// Store writes rm only if the stored version equals expected (0: absent)
// and fails with es.ErrConcurrencyConflict otherwise. rm.Version is
// expected+1. Delete removes the read model only if its version equals
// expected; deleting an absent read model succeeds.
type ReadModelStore interface {
	Fetch(ctx context.Context, typeName, id string) (*ReadModel, error)
	Store(ctx context.Context, rm ReadModel, expected es.Version) error
	Delete(ctx context.Context, typeName, id string, expected es.Version) error
}

// ReadModelTypeName returns the stored type name of RM: its ReadModelType()
// method, or the Go type name.
func ReadModelTypeName[RM any]() string {
	if n, ok := any(new(RM)).(interface{ ReadModelType() string }); ok {
		return n.ReadModelType()
	}
	return reflector.TypeInfoFor[RM]().ShortName
}

// Get loads and decodes a read model. It returns nil and version 0 when the
// read model does not exist.
func Get[RM any](ctx context.Context, store ReadModelStore, id string) (*RM, es.Version, error) {
	rm, err := store.Fetch(ctx, ReadModelTypeName[RM](), id)
	if errors.Is(err, ErrReadModelNotFound) {
		return nil, 0, nil
	}
	if err != nil {
		return nil, 0, err
	}
	out := new(RM)
	if err := json.Unmarshal(rm.Value, out); err != nil {
		return nil, 0, fmt.Errorf("decode read model %s/%s: %w", rm.TypeName, rm.ID, err)
	}
	return out, rm.Version, nil
}

// === In-Memory ===

type InMemoryStore struct {
	mu   sync.RWMutex
	data map[string]ReadModel
}

func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{data: map[string]ReadModel{}}
}

func key(typeName, id string) string { return typeName + "/" + id }

func (s *InMemoryStore) Fetch(ctx context.Context, typeName, id string) (*ReadModel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	rm, ok := s.data[key(typeName, id)]
	if !ok {
		return nil, ErrReadModelNotFound
	}
	return &rm, nil
}

func (s *InMemoryStore) Store(ctx context.Context, rm ReadModel, expected es.Version) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(rm.TypeName, rm.ID)
	if err := s.data[k].Version.Expect(expected); err != nil {
		return fmt.Errorf("store %s: %w", k, err)
	}
	rm.Version = expected.Next()
	s.data[k] = rm
	return nil
}

func (s *InMemoryStore) Delete(ctx context.Context, typeName, id string, expected es.Version) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(typeName, id)
	cur, ok := s.data[k]
	if !ok {
		return nil
	}
	if err := cur.Version.Expect(expected); err != nil {
		return fmt.Errorf("delete %s: %w", k, err)
	}
	delete(s.data, k)
	return nil
}

// Len returns the number of stored read models of a type.
func (s *InMemoryStore) Len(typeName string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, rm := range s.data {
		if rm.TypeName == typeName {
			n++
		}
	}
	return n
}

var _ ReadModelStore = (*InMemoryStore)(nil)

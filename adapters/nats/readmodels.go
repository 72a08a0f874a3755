package nats

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/codewandler/cqrs-go/core/es"
	"github.com/codewandler/cqrs-go/core/es/proj"
)

const defaultReadModelBucket = "cqrs_read_models"

// ReadModelStore keeps read models in a JetStream key/value bucket. Version
// checks are enforced by conditioning every write on the revision read.
type ReadModelStore struct {
	*bucket
}

func NewReadModelStore(cfg KvConfig) (*ReadModelStore, error) {
	if cfg.Bucket == "" {
		cfg.Bucket = defaultReadModelBucket
	}
	b, err := openBucket(cfg)
	if err != nil {
		return nil, err
	}
	return &ReadModelStore{bucket: b}, nil
}

func (s *ReadModelStore) Fetch(ctx context.Context, typeName, id string) (*proj.ReadModel, error) {
	rm, _, err := s.fetch(ctx, readModelKey(typeName, id))
	return rm, err
}

func (s *ReadModelStore) fetch(ctx context.Context, key string) (*proj.ReadModel, uint64, error) {
	entry, err := s.kv.Get(ctx, key)
	if errors.Is(err, jetstream.ErrKeyNotFound) {
		return nil, 0, proj.ErrReadModelNotFound
	}
	if err != nil {
		return nil, 0, fmt.Errorf("get read model %s: %w", key, err)
	}
	rm := &proj.ReadModel{}
	if err := json.Unmarshal(entry.Value(), rm); err != nil {
		return nil, 0, fmt.Errorf("decode read model %s: %w", key, err)
	}
	return rm, entry.Revision(), nil
}

func (s *ReadModelStore) Store(ctx context.Context, rm proj.ReadModel, expected es.Version) error {
	key := readModelKey(rm.TypeName, rm.ID)
	rm.Version = expected.Next()
	data, err := json.Marshal(rm)
	if err != nil {
		return err
	}

	if expected == 0 {
		_, err := s.kv.Create(ctx, key, data)
		if isRevisionConflict(err) {
			return fmt.Errorf("%w: %s already exists", es.ErrConcurrencyConflict, key)
		}
		return err
	}

	current, rev, err := s.fetch(ctx, key)
	if errors.Is(err, proj.ErrReadModelNotFound) {
		return fmt.Errorf("store %s: %w", key, es.Version(0).Expect(expected))
	}
	if err != nil {
		return err
	}
	if err := current.Version.Expect(expected); err != nil {
		return fmt.Errorf("store %s: %w", key, err)
	}

	if _, err := s.kv.Update(ctx, key, data, rev); err != nil {
		if isRevisionConflict(err) {
			return fmt.Errorf("%w: %s changed concurrently", es.ErrConcurrencyConflict, key)
		}
		return fmt.Errorf("update read model %s: %w", key, err)
	}
	return nil
}

func (s *ReadModelStore) Delete(ctx context.Context, typeName, id string, expected es.Version) error {
	key := readModelKey(typeName, id)
	current, rev, err := s.fetch(ctx, key)
	if errors.Is(err, proj.ErrReadModelNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := current.Version.Expect(expected); err != nil {
		return fmt.Errorf("delete %s: %w", key, err)
	}

	if err := s.kv.Delete(ctx, key, jetstream.LastRevision(rev)); err != nil {
		if isRevisionConflict(err) {
			return fmt.Errorf("%w: %s changed concurrently", es.ErrConcurrencyConflict, key)
		}
		return fmt.Errorf("delete read model %s: %w", key, err)
	}
	return nil
}

// readModelKey encodes the id since read model ids are free-form strings and
// bucket keys are restricted to a small alphabet.
func readModelKey(typeName, id string) string {
	return typeName + "." + base64.RawURLEncoding.EncodeToString([]byte(id))
}

var _ proj.ReadModelStore = (*ReadModelStore)(nil)

package es

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/codewandler/cqrs-go/ports/kv"
)

var (
	ErrCheckpointNotFound = errors.New("checkpoint not found")
)

// CpStore keeps the last sequence a consumer processed.
type CpStore interface {
	Get(ctx context.Context) (lastSeq uint64, err error)
	Set(ctx context.Context, lastSeq uint64) error
}

type InMemCpStore struct {
	mu sync.RWMutex
	v  uint64
}

func NewInMemCpStore() *InMemCpStore {
	return &InMemCpStore{}
}

func (s *InMemCpStore) Get(context.Context) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.v, nil
}

func (s *InMemCpStore) Set(_ context.Context, v uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.v = v
	return nil
}

// KvCpStore keeps the checkpoint of one consumer in a key/value store, under
// the key "checkpoint.<consumer>".
type KvCpStore struct {
	kv  kv.Store
	key string
}

func NewKvCpStore(store kv.Store, consumer string) *KvCpStore {
	return &KvCpStore{kv: kv.Prefix(store, "checkpoint."), key: consumer}
}

func (s *KvCpStore) Get(ctx context.Context) (uint64, error) {
	seq, err := kv.Get[uint64](ctx, s.kv, s.key)
	if errors.Is(err, kv.ErrNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("get checkpoint %s: %w", s.key, err)
	}
	return seq, nil
}

func (s *KvCpStore) Set(ctx context.Context, lastSeq uint64) error {
	if err := kv.Put(ctx, s.kv, s.key, lastSeq, kv.PutOptions{}); err != nil {
		return fmt.Errorf("set checkpoint %s: %w", s.key, err)
	}
	return nil
}

var (
	_ CpStore = (*InMemCpStore)(nil)
	_ CpStore = (*KvCpStore)(nil)
)

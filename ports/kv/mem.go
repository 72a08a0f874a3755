package kv

import (
	"context"
	"sync"
	"time"
)

type memEntry struct {
	entry     Entry
	expiresAt time.Time
}

// MemStore is an in-process Store.
type MemStore struct {
	mu   sync.RWMutex
	data map[string]memEntry
	now  func() time.Time
}

func NewMemStore() *MemStore {
	return &MemStore{data: map[string]memEntry{}, now: time.Now}
}

func (m *MemStore) Put(_ context.Context, key string, entry Entry, opts PutOptions) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	e := memEntry{entry: Entry{Data: append([]byte(nil), entry.Data...)}}
	if opts.TTL > 0 {
		e.expiresAt = m.now().Add(opts.TTL)
	}
	m.data[key] = e
	return nil
}

func (m *MemStore) Get(_ context.Context, key string) (Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.data[key]
	if !ok || (!e.expiresAt.IsZero() && !m.now().Before(e.expiresAt)) {
		return Entry{}, ErrNotFound
	}
	return e.entry, nil
}

func (m *MemStore) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data, key)
	return nil
}

var _ Store = (*MemStore)(nil)

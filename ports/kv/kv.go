// Package kv is the key/value port used for small runtime state such as
// consumer checkpoints. The memory, SQLite and NATS adapters implement it.
package kv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

var ErrNotFound = errors.New("not found")

type Entry struct {
	Data []byte
}

type PutOptions struct {
	// TTL is honored by stores that support per-key expiry.
	TTL time.Duration
}

type Store interface {
	Put(ctx context.Context, key string, entry Entry, opts PutOptions) error
	Get(ctx context.Context, key string) (entry Entry, err error)
	Delete(ctx context.Context, key string) error
}

// Put stores v JSON-encoded.
func Put[T any](ctx context.Context, store Store, key string, v T, opts PutOptions) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s: %w", key, err)
	}
	return store.Put(ctx, key, Entry{Data: data}, opts)
}

// Get loads and decodes the value stored under key.
func Get[T any](ctx context.Context, store Store, key string) (out T, err error) {
	entry, err := store.Get(ctx, key)
	if err != nil {
		return out, err
	}
	if err := json.Unmarshal(entry.Data, &out); err != nil {
		return out, fmt.Errorf("decode %s: %w", key, err)
	}
	return out, nil
}

type prefixed struct {
	store  Store
	prefix string
}

// Prefix scopes store to the keys starting with prefix, so several users can
// share one bucket or table.
func Prefix(store Store, prefix string) Store {
	if p, ok := store.(prefixed); ok {
		return prefixed{store: p.store, prefix: p.prefix + prefix}
	}
	return prefixed{store: store, prefix: prefix}
}

func (p prefixed) Put(ctx context.Context, key string, entry Entry, opts PutOptions) error {
	return p.store.Put(ctx, p.prefix+key, entry, opts)
}

func (p prefixed) Get(ctx context.Context, key string) (Entry, error) {
	return p.store.Get(ctx, p.prefix+key)
}

func (p prefixed) Delete(ctx context.Context, key string) error {
	return p.store.Delete(ctx, p.prefix+key)
}

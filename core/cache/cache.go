package cache

import (
	"sync"
	"time"
)

type PutOptions struct {
	TTL time.Duration
}

type PutOption func(*PutOptions)

// WithTTL expires the entry after ttl. Caches without expiry ignore it.
func WithTTL(ttl time.Duration) PutOption {
	return func(o *PutOptions) { o.TTL = ttl }
}

// Cache is an in-process cache keyed by string. Implementations are safe for
// concurrent use.
type Cache interface {
	Get(key string) (any, bool)
	Put(key string, val any, opts ...PutOption)
	Delete(key string)
}

type TypedOption[T any] func(*Typed[T])

// KeepNewest makes Put ignore values that are not newer than the cached one.
func KeepNewest[T any](newer func(cached, val T) bool) TypedOption[T] {
	return func(t *Typed[T]) { t.newer = newer }
}

// Typed is a view on a Cache that only holds values of type T.
type Typed[T any] struct {
	c     Cache
	newer func(cached, val T) bool
	mu    sync.Mutex // makes compare-and-put atomic
}

func NewTyped[T any](c Cache, opts ...TypedOption[T]) *Typed[T] {
	t := &Typed[T]{c: c}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

func (t *Typed[T]) Get(key string) (out T, ok bool) {
	v, ok := t.c.Get(key)
	if !ok {
		return out, false
	}
	out, ok = v.(T)
	return out, ok
}

// Put stores val and reports whether it did. A value of another type under
// the same key is replaced.
func (t *Typed[T]) Put(key string, val T, opts ...PutOption) bool {
	if t.newer == nil {
		t.c.Put(key, val, opts...)
		return true
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	if cached, ok := t.Get(key); ok && !t.newer(cached, val) {
		return false
	}
	t.c.Put(key, val, opts...)
	return true
}

func (t *Typed[T]) Delete(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.c.Delete(key)
}

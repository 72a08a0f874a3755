package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestLRU_Eviction(t *testing.T) {
	l := NewLRU(LRUOpts{Size: 2})

	l.Put("a", 1)
	l.Put("b", 2)

	// promote a, so b is the oldest
	val, ok := l.Get("a")
	require.True(t, ok)
	require.Equal(t, 1, val)

	l.Put("c", 3)

	_, ok = l.Get("b")
	require.False(t, ok)
	_, ok = l.Get("a")
	require.True(t, ok)
	val, ok = l.Get("c")
	require.True(t, ok)
	require.Equal(t, 3, val)
	require.Equal(t, 2, l.Len())
}

func TestLRU_UpdateAndDelete(t *testing.T) {
	l := NewLRU(LRUOpts{Size: 2})

	l.Put("a", 1)
	l.Put("a", 2)
	val, ok := l.Get("a")
	require.True(t, ok)
	require.Equal(t, 2, val)

	l.Delete("a")
	l.Delete("nonexistent")
	_, ok = l.Get("a")
	require.False(t, ok)
}

func TestLRU_TTL(t *testing.T) {
	clock := &fakeClock{now: time.Unix(1000, 0)}
	l := NewLRU(LRUOpts{Size: 4, Now: clock.Now})

	l.Put("a", 1, WithTTL(50*time.Millisecond))
	l.Put("b", 2)

	_, ok := l.Get("a")
	require.True(t, ok)

	clock.Advance(60 * time.Millisecond)

	_, ok = l.Get("a")
	require.False(t, ok)
	_, ok = l.Get("b")
	require.True(t, ok)

	t.Run("refresh", func(t *testing.T) {
		l.Put("c", 1, WithTTL(50*time.Millisecond))
		clock.Advance(30 * time.Millisecond)
		l.Put("c", 2, WithTTL(50*time.Millisecond))
		clock.Advance(30 * time.Millisecond)
		val, ok := l.Get("c")
		require.True(t, ok)
		require.Equal(t, 2, val)
	})
}

func TestLRU_Close(t *testing.T) {
	l := NewLRU(LRUOpts{Size: 2})
	l.Put("a", 1)
	l.Close()

	_, ok := l.Get("a")
	require.False(t, ok)

	l.Put("b", 2)
	_, ok = l.Get("b")
	require.False(t, ok)
}

func TestLRU_Concurrent(t *testing.T) {
	l := NewLRU(LRUOpts{Size: 16})

	var wg sync.WaitGroup
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				key := fmt.Sprintf("k%d", i%32)
				l.Put(key, i)
				l.Get(key)
				if i%7 == 0 {
					l.Delete(key)
				}
			}
		}(w)
	}
	wg.Wait()
	require.LessOrEqual(t, l.Len(), 16)
}

func TestTyped(t *testing.T) {
	type snap struct{ Seq uint64 }
	c := NewTyped[*snap](NewLRU(LRUOpts{Size: 2}))

	_, ok := c.Get("x")
	require.False(t, ok)

	require.True(t, c.Put("x", &snap{Seq: 5}))
	got, ok := c.Get("x")
	require.True(t, ok)
	require.Equal(t, uint64(5), got.Seq)

	c.Delete("x")
	_, ok = c.Get("x")
	require.False(t, ok)

	t.Run("wrong type", func(t *testing.T) {
		l := NewLRU(LRUOpts{Size: 2})
		l.Put("x", "not a snapshot")
		_, ok := NewTyped[*snap](l).Get("x")
		require.False(t, ok)
	})
}

func TestTyped_KeepNewest(t *testing.T) {
	type snap struct{ Seq uint64 }
	c := NewTyped(
		NewLRU(LRUOpts{Size: 2}),
		KeepNewest(func(cached, s *snap) bool { return s.Seq >= cached.Seq }),
	)

	require.True(t, c.Put("x", &snap{Seq: 10}))
	require.False(t, c.Put("x", &snap{Seq: 5}))
	got, _ := c.Get("x")
	require.Equal(t, uint64(10), got.Seq)

	require.True(t, c.Put("x", &snap{Seq: 10}))
	require.True(t, c.Put("x", &snap{Seq: 15}))
	got, _ = c.Get("x")
	require.Equal(t, uint64(15), got.Seq)

	c.Delete("x")
	require.True(t, c.Put("x", &snap{Seq: 1}))
}

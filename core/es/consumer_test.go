package es

import (
	"errors"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/codewandler/cqrs-go/ports/kv"
)

func TestConsumer(t *testing.T) {
	var (
		reg   = newCounterRegistry(t)
		store = NewInMemoryStore()
		id    = uuid.New()
		rcv   = make(chan MsgCtx, 16)
	)

	// history before start is replayed before Start returns
	appendEvents(t, store, reg, added{CounterID: id, N: 1}, added{CounterID: id, N: 2})

	c := NewConsumer(
		store,
		reg,
		Handle(func(m MsgCtx) error {
			rcv <- m
			return nil
		}),
		WithConsumerName("banana"),
		WithLog(slog.Default()),
		WithMiddlewares(NewLogMiddleware()),
	)
	require.NoError(t, c.Start(t.Context()))
	defer c.Stop()
	require.True(t, c.Live())

	for _, n := range []int{1, 2} {
		m := <-rcv
		require.Equal(t, n, m.Event().(*added).N)
	}

	appendEvents(t, store, reg, added{CounterID: id, N: 3})
	select {
	case m := <-rcv:
		require.True(t, m.Live())
		require.Equal(t, uint64(3), m.Seq())
		require.Equal(t, id, m.EntityID())
		require.Equal(t, "added", m.TypeName())
	case <-time.After(time.Second):
		t.Fatal("timeout")
	}
}

func TestConsumer_WithCheckpoint(t *testing.T) {
	var (
		reg   = newCounterRegistry(t)
		store = NewInMemoryStore()
		id    = uuid.New()
		rcv   = make(chan MsgCtx, 16)
		cp    = NewKvCpStore(kv.NewMemStore(), "banana")
	)

	appendEvents(t, store, reg, added{CounterID: id, N: 1}, added{CounterID: id, N: 2})
	require.NoError(t, cp.Set(t.Context(), 1))

	c := NewConsumer(
		store,
		reg,
		Handle(func(m MsgCtx) error {
			rcv <- m
			return nil
		}),
		WithConsumerName("banana"),
		WithMiddlewares(
			NewCheckpointMiddleware(cp),
			NewLogMiddleware(),
		),
	)
	require.NoError(t, c.Start(t.Context()))
	defer c.Stop()

	m := <-rcv
	require.Equal(t, uint64(2), m.Seq(), "seq 1 is behind the checkpoint")

	appendEvents(t, store, reg, added{CounterID: id, N: 3})
	select {
	case m := <-rcv:
		require.Equal(t, uint64(3), m.Seq())
	case <-time.After(time.Second):
		t.Fatal("timeout")
	}

	require.Eventually(t, func() bool {
		seq, err := cp.Get(t.Context())
		return err == nil && seq == 3
	}, time.Second, 10*time.Millisecond)
}

func TestConsumer_Middlewares(t *testing.T) {
	cp := NewInMemCpStore()
	require.NoError(t, cp.Set(t.Context(), 7))

	h := applyMiddlewares(
		Handle(func(MsgCtx) error { return nil }),
		[]HandlerMiddleware{NewLogMiddleware(), NewCheckpointMiddleware(cp), NewRecoverMiddleware()},
	)

	found, ok := find[Checkpoint](h)
	require.True(t, ok, "checkpoint is found behind the log middleware")
	seq, err := found.GetLastSeq(t.Context())
	require.NoError(t, err)
	require.Equal(t, uint64(7), seq)

	_, ok = find[HandlerLifecycleStart](h)
	require.False(t, ok)
}

func TestConsumer_RecoversPanics(t *testing.T) {
	var (
		reg   = newCounterRegistry(t)
		store = NewInMemoryStore()
		id    = uuid.New()
		rcv   = make(chan MsgCtx, 16)
		cp    = NewInMemCpStore()
	)

	appendEvents(t, store, reg, added{CounterID: id, N: 1}, added{CounterID: id, N: 2})

	c := NewConsumer(
		store,
		reg,
		Handle(func(m MsgCtx) error {
			if m.Event().(*added).N == 1 {
				panic("boom")
			}
			rcv <- m
			return nil
		}),
		WithMiddlewares(
			NewLogMiddleware(),
			NewCheckpointMiddleware(cp),
			NewRecoverMiddleware(),
		),
	)
	require.NoError(t, c.Start(t.Context()))
	defer c.Stop()

	select {
	case m := <-rcv:
		require.Equal(t, uint64(2), m.Seq())
	case <-time.After(time.Second):
		t.Fatal("timeout")
	}
	require.Never(t, func() bool {
		seq, err := cp.Get(t.Context())
		return err != nil || seq != 0
	}, 100*time.Millisecond, 10*time.Millisecond, "checkpoint stays before the failed event")
}

func TestConsumer_FailedEventRedeliveredAfterRestart(t *testing.T) {
	var (
		reg    = newCounterRegistry(t)
		store  = NewInMemoryStore()
		id     = uuid.New()
		cp     = NewKvCpStore(kv.NewMemStore(), "banana")
		failed atomic.Bool
	)

	appendEvents(t, store, reg, added{CounterID: id, N: 1}, added{CounterID: id, N: 2}, added{CounterID: id, N: 3})

	start := func(rcv chan<- uint64) *Consumer {
		c := NewConsumer(
			store,
			reg,
			Handle(func(m MsgCtx) error {
				if m.Event().(*added).N == 2 && failed.CompareAndSwap(false, true) {
					return errors.New("read model unavailable")
				}
				rcv <- m.Seq()
				return nil
			}),
			WithConsumerName("banana"),
			WithMiddlewares(NewLogMiddleware(), NewCheckpointMiddleware(cp)),
		)
		require.NoError(t, c.Start(t.Context()))
		return c
	}

	first := make(chan uint64, 16)
	c := start(first)
	require.Equal(t, uint64(1), <-first)
	require.Equal(t, uint64(3), <-first, "later events are still handled")
	c.Stop()

	seq, err := cp.Get(t.Context())
	require.NoError(t, err)
	require.Equal(t, uint64(1), seq, "checkpoint is held before the failed event")

	second := make(chan uint64, 16)
	c = start(second)
	defer c.Stop()
	require.Equal(t, uint64(2), <-second)
	require.Equal(t, uint64(3), <-second)
	require.Eventually(t, func() bool {
		seq, err := cp.Get(t.Context())
		return err == nil && seq == 3
	}, time.Second, 10*time.Millisecond)
}

func TestConsumer_RetryMiddleware(t *testing.T) {
	var (
		reg      = newCounterRegistry(t)
		store    = NewInMemoryStore()
		id       = uuid.New()
		cp       = NewInMemCpStore()
		attempts atomic.Int32
	)

	appendEvents(t, store, reg, added{CounterID: id, N: 1})

	c := NewConsumer(
		store,
		reg,
		Handle(func(MsgCtx) error {
			if attempts.Add(1) == 1 {
				return errors.New("read model unavailable")
			}
			return nil
		}),
		WithMiddlewares(
			NewCheckpointMiddleware(cp),
			NewRetryMiddleware(func() backoff.BackOff {
				return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 2)
			}),
		),
	)
	require.NoError(t, c.Start(t.Context()))
	defer c.Stop()

	require.Eventually(t, func() bool {
		seq, err := cp.Get(t.Context())
		return err == nil && seq == 1
	}, time.Second, 10*time.Millisecond)
	require.Equal(t, int32(2), attempts.Load())
}

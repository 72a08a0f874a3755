package es

import (
	"bytes"
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func newTestManager(t *testing.T, store EventStore, snapshotter Snapshotter, cfg Config) (*SnapshotManager, *Registry) {
	t.Helper()
	reg := newCounterRegistry(t)
	return NewSnapshotManager(store, snapshotter, reg, WithConfig(cfg)), reg
}

func addN(t *testing.T, store EventStore, reg *Registry, id uuid.UUID, n int) {
	t.Helper()
	events := make([]any, 0, n)
	for i := 0; i < n; i++ {
		events = append(events, added{CounterID: id, N: 1})
	}
	appendEvents(t, store, reg, events...)
}

func TestReconstruct_Undefined(t *testing.T) {
	m, _ := newTestManager(t, NewInMemoryStore(), NewInMemorySnapshotter(), DefaultConfig())

	e, err := m.Reconstruct(t.Context(), "counter", uuid.New())
	require.NoError(t, err)
	require.Nil(t, e)

	c, err := Load[counter](t.Context(), m, uuid.New())
	require.NoError(t, err)
	require.Nil(t, c)

	_, err = m.Reconstruct(t.Context(), "unknown", uuid.New())
	require.ErrorIs(t, err, ErrReconstruction)
	require.ErrorIs(t, err, ErrUnknownType)
}

func TestReconstruct_SnapshotThreshold(t *testing.T) {
	var (
		store       = &countingStore{InMemoryStore: NewInMemoryStore()}
		snapshotter = NewInMemorySnapshotter()
		id          = uuid.New()
	)
	m, reg := newTestManager(t, store, snapshotter, DefaultConfig())

	addN(t, store, reg, id, 4)
	c, err := Load[counter](t.Context(), m, id)
	require.NoError(t, err)
	require.Equal(t, 4, c.Total)
	require.Equal(t, 0, snapshotter.Count("counter", id), "below threshold")

	addN(t, store, reg, id, 1)
	c, err = Load[counter](t.Context(), m, id)
	require.NoError(t, err)
	require.Equal(t, 5, c.Total)
	require.Equal(t, 1, snapshotter.Count("counter", id))

	snap, err := snapshotter.LoadSnapshot(t.Context(), "counter", id)
	require.NoError(t, err)
	require.Equal(t, uint64(5), snap.CutoffSeq)
	require.JSONEq(t, `{"id":"`+id.String()+`","total":5,"events":5}`, string(snap.Value))

	t.Run("tail only", func(t *testing.T) {
		addN(t, store, reg, id, 2)
		store.resetCounts()
		e, err := m.Reconstruct(t.Context(), "counter", id)
		require.NoError(t, err)
		require.Equal(t, 7, e.Value.(*counter).Total)
		require.Equal(t, uint64(7), e.Seq)
		require.Equal(t, 2, store.lastLoaded())
		require.Equal(t, 1, snapshotter.Count("counter", id))
	})

	t.Run("disabled", func(t *testing.T) {
		other := uuid.New()
		m := NewSnapshotManager(store, snapshotter, reg, WithConfig(Config{SnapshotThreshold: 0}))
		addN(t, store, reg, other, 10)
		c, err := Load[counter](t.Context(), m, other)
		require.NoError(t, err)
		require.Equal(t, 10, c.Total)
		require.Equal(t, 0, snapshotter.Count("counter", other))
	})
}

func TestReconstruct_SnapshotTransparency(t *testing.T) {
	var (
		store = NewInMemoryStore()
		id    = uuid.New()
	)
	with, reg := newTestManager(t, store, NewInMemorySnapshotter(), Config{SnapshotThreshold: 2, SnapshotCacheSize: 16})
	without := NewSnapshotManager(store, nil, reg)

	for i := 0; i < 7; i++ {
		appendEvents(t, store, reg, added{CounterID: id, N: i})
		if i == 3 {
			appendEvents(t, store, reg, reset{CounterID: id})
		}

		a, err := with.Reconstruct(t.Context(), "counter", id)
		require.NoError(t, err)
		b, err := without.Reconstruct(t.Context(), "counter", id)
		require.NoError(t, err)
		require.Equal(t, b.Value, a.Value)
		require.Equal(t, b.Seq, a.Seq)
	}
}

func TestReconstruct_AsOf(t *testing.T) {
	var (
		store       = NewInMemoryStore()
		snapshotter = NewInMemorySnapshotter()
		id          = uuid.New()
		now         = time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
		clock       = now
	)
	reg := newCounterRegistry(t)
	m := NewSnapshotManager(store, snapshotter, reg, WithConfig(Config{SnapshotThreshold: 3}))

	record := func(n int) {
		r := NewRegister(store, reg, WithClock(func() time.Time { return clock }))
		r.Events(added{CounterID: id, N: n})
		require.NoError(t, r.Flush(t.Context()))
		clock = clock.Add(time.Minute)
	}
	for i := 1; i <= 3; i++ {
		record(i) // 12:00 +1, 12:01 +2, 12:02 +3
	}

	// live read writes a snapshot at 12:02
	_, err := m.Reconstruct(t.Context(), "counter", id)
	require.NoError(t, err)
	require.Equal(t, 1, snapshotter.Count("counter", id))

	for i := 4; i <= 8; i++ {
		record(i) // 12:03 .. 12:07
	}

	cases := []struct {
		asOf time.Time
		want int
	}{
		{now.Add(-time.Second), 0},
		{now, 1},
		{now.Add(90 * time.Second), 3},
		{now.Add(2 * time.Minute), 6},
		{now.Add(4 * time.Minute), 15},
		{now.Add(time.Hour), 36},
	}
	for _, tc := range cases {
		e, err := m.Reconstruct(t.Context(), "counter", id, AsOf(tc.asOf))
		require.NoError(t, err)
		if tc.want == 0 {
			require.Nil(t, e)
			continue
		}
		require.Equal(t, tc.want, e.Value.(*counter).Total, "as of %s", tc.asOf)
	}

	require.Equal(t, 1, snapshotter.Count("counter", id), "historical reads never write snapshots")
}

func TestReconstruct_SnapshotFailureIsSwallowed(t *testing.T) {
	var (
		store       = NewInMemoryStore()
		snapshotter = &failingSnapshotter{InMemorySnapshotter: NewInMemorySnapshotter()}
		id          = uuid.New()
		logs        = &bytes.Buffer{}
		logMu       sync.Mutex
	)
	reg := newCounterRegistry(t)
	log := slog.New(slog.NewTextHandler(&lockedWriter{w: logs, mu: &logMu}, &slog.HandlerOptions{Level: slog.LevelDebug}))
	m := NewSnapshotManager(store, snapshotter, reg,
		WithConfig(Config{SnapshotThreshold: 1, SnapshotFailureEscalation: 2}),
		WithLog(log),
	)

	addN(t, store, reg, id, 1)
	c, err := Load[counter](t.Context(), m, id)
	require.NoError(t, err)
	require.Equal(t, 1, c.Total)

	addN(t, store, reg, id, 1)
	c, err = Load[counter](t.Context(), m, id)
	require.NoError(t, err)
	require.Equal(t, 2, c.Total)

	require.Equal(t, 2, snapshotter.saves)

	logMu.Lock()
	out := logs.String()
	logMu.Unlock()
	require.Contains(t, out, "level=WARN msg=\"failed to save snapshot\"")
	require.Contains(t, out, "level=ERROR msg=\"snapshot writes keep failing\"")
}

func TestReconstruct_FailuresLeaveNoPartialState(t *testing.T) {
	var (
		store       = NewInMemoryStore()
		snapshotter = NewInMemorySnapshotter()
		id          = uuid.New()
	)
	m, reg := newTestManager(t, store, snapshotter, Config{SnapshotThreshold: 1})

	addN(t, store, reg, id, 2)
	_, err := store.Append(t.Context(), []Envelope{rawEnvelope("counter", id, "multiplied", 1, `{}`)})
	require.NoError(t, err)

	e, err := m.Reconstruct(t.Context(), "counter", id)
	require.Nil(t, e)
	require.ErrorIs(t, err, ErrReconstruction)
	require.ErrorIs(t, err, ErrReducerNotFound)
	require.Equal(t, 0, snapshotter.Count("counter", id))

	t.Run("expired context", func(t *testing.T) {
		other := uuid.New()
		addN(t, store, reg, other, 3)

		ctx, cancel := context.WithCancel(t.Context())
		cancel()
		e, err := m.Reconstruct(ctx, "counter", other)
		require.Nil(t, e)
		require.ErrorIs(t, err, context.Canceled)
		require.Equal(t, 0, snapshotter.Count("counter", other))
	})
}

func TestSnapshotManager_Erase(t *testing.T) {
	var (
		store       = NewInMemoryStore()
		snapshotter = NewInMemorySnapshotter()
		id          = uuid.New()
	)
	m, reg := newTestManager(t, store, snapshotter, Config{SnapshotThreshold: 2, SnapshotCacheSize: 8})

	events := appendEvents(t, store, reg,
		added{CounterID: id, N: 100},
		added{CounterID: id, N: 1},
	)
	c, err := Load[counter](t.Context(), m, id)
	require.NoError(t, err)
	require.Equal(t, 101, c.Total)
	require.Equal(t, 1, snapshotter.Count("counter", id))

	erased, err := m.Erase(t.Context(), events[0].ID)
	require.NoError(t, err)
	require.True(t, erased.Tombstoned())
	require.JSONEq(t, `{}`, string(erased.Value))
	require.Equal(t, 0, snapshotter.Count("counter", id))

	c, err = Load[counter](t.Context(), m, id)
	require.NoError(t, err)
	require.Equal(t, 1, c.Total)
	require.Equal(t, 1, c.Events)

	_, err = m.Erase(t.Context(), "missing")
	require.ErrorIs(t, err, ErrEventNotFound)
}

type lockedWriter struct {
	w  *bytes.Buffer
	mu *sync.Mutex
}

func (l *lockedWriter) Write(p []byte) (int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.w.Write(p)
}

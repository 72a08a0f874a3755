// Package estests holds the contract tests every storage backend runs, plus
// the blog domain used by the runtime's tests.
package estests

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/stretchr/testify/require"

	"github.com/codewandler/cqrs-go/core/es"
	"github.com/codewandler/cqrs-go/core/es/proj"
)

// UniqueType returns an entity type name no other test uses, so contract
// tests can share one backend.
func UniqueType(prefix string) string {
	return prefix + gonanoid.MustGenerate("abcdefghijklmnopqrstuvwxyz", 10)
}

// Envelope builds a valid event envelope with a JSON payload.
func Envelope(entityType string, id uuid.UUID, typeName string, payload string, at time.Time) es.Envelope {
	return es.Envelope{
		ID:             gonanoid.Must(),
		Kind:           es.KindEvent,
		TypeName:       typeName,
		EntityTypeName: entityType,
		EntityID:       id,
		Version:        1,
		RequestID:      uuid.New(),
		CreatedAt:      at.UTC(),
		Value:          json.RawMessage(payload),
	}
}

func appendOK(t *testing.T, store es.EventStore, envs ...es.Envelope) []es.Envelope {
	t.Helper()
	out, err := store.Append(t.Context(), envs)
	require.NoError(t, err)
	require.Len(t, out, len(envs))
	return out
}

func ids(envs []es.Envelope) []string {
	out := make([]string, 0, len(envs))
	for _, e := range envs {
		out = append(out, e.ID)
	}
	return out
}

// EventStoreContract runs the behavior every es.EventStore must show.
func EventStoreContract(t *testing.T, store es.EventStore) {
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	t.Run("append assigns increasing seq", func(t *testing.T) {
		var (
			typ = UniqueType("counter")
			id  = uuid.New()
			a   = Envelope(typ, id, "added", `{"n":1}`, base)
			b   = Envelope(typ, id, "added", `{"n":2}`, base)
		)
		out := appendOK(t, store, a, b)
		require.NotZero(t, out[0].Seq)
		require.Greater(t, out[1].Seq, out[0].Seq)

		events, err := store.EventsSince(t.Context(), typ, id)
		require.NoError(t, err)
		require.Equal(t, []string{a.ID, b.ID}, ids(events))
		require.JSONEq(t, `{"n":2}`, string(events[1].Value))
		require.Equal(t, base, events[0].CreatedAt.UTC())
	})

	t.Run("append is idempotent by id", func(t *testing.T) {
		var (
			typ = UniqueType("counter")
			id  = uuid.New()
			a   = Envelope(typ, id, "added", `{"n":1}`, base)
		)
		first := appendOK(t, store, a)
		again := appendOK(t, store, a)
		require.Equal(t, first[0].Seq, again[0].Seq)

		events, err := store.EventsSince(t.Context(), typ, id)
		require.NoError(t, err)
		require.Len(t, events, 1)
	})

	t.Run("invalid envelope stops the batch", func(t *testing.T) {
		var (
			typ = UniqueType("counter")
			id  = uuid.New()
			a   = Envelope(typ, id, "added", `{"n":1}`, base)
			bad = Envelope(typ, uuid.Nil, "added", `{}`, base)
			c   = Envelope(typ, id, "added", `{"n":3}`, base)
		)
		out, err := store.Append(t.Context(), []es.Envelope{a, bad, c})
		require.ErrorContains(t, err, "entity id is empty")
		require.Equal(t, []string{a.ID}, ids(out))

		events, err := store.EventsSince(t.Context(), typ, id)
		require.NoError(t, err)
		require.Equal(t, []string{a.ID}, ids(events))
	})

	t.Run("append nothing", func(t *testing.T) {
		_, err := store.Append(t.Context(), nil)
		require.ErrorIs(t, err, es.ErrStoreNoEvents)
	})

	t.Run("events since", func(t *testing.T) {
		var (
			typ   = UniqueType("counter")
			id    = uuid.New()
			other = uuid.New()
		)
		out := appendOK(t, store,
			Envelope(typ, id, "added", `{"n":1}`, base),
			Envelope(typ, other, "added", `{"n":1}`, base),
			Envelope(typ, id, "added", `{"n":2}`, base.Add(time.Minute)),
			Envelope(typ, id, "added", `{"n":3}`, base.Add(2*time.Minute)),
		)

		all, err := store.EventsSince(t.Context(), typ, id)
		require.NoError(t, err)
		require.Equal(t, []string{out[0].ID, out[2].ID, out[3].ID}, ids(all))

		after, err := store.EventsSince(t.Context(), typ, id, es.AfterSeq(out[2].Seq))
		require.NoError(t, err)
		require.Equal(t, []string{out[3].ID}, ids(after))

		until, err := store.EventsSince(t.Context(), typ, id, es.Until(base.Add(time.Minute)))
		require.NoError(t, err)
		require.Equal(t, []string{out[0].ID, out[2].ID}, ids(until))

		none, err := store.EventsSince(t.Context(), typ, uuid.New())
		require.NoError(t, err)
		require.Empty(t, none)
	})

	t.Run("search", func(t *testing.T) {
		var (
			typ = UniqueType("counter")
			a   = uuid.New()
			b   = uuid.New()
		)
		out := appendOK(t, store,
			Envelope(typ, a, "added", `{"n":1}`, base),
			Envelope(typ, b, "reset", `{}`, base.Add(time.Minute)),
			Envelope(typ, a, "added", `{"n":2}`, base.Add(2*time.Minute)),
		)

		byType, err := store.Search(t.Context(), es.SearchFilter{EntityTypeName: typ})
		require.NoError(t, err)
		require.Equal(t, ids(out), ids(byType))

		byEvent, err := store.Search(t.Context(), es.SearchFilter{EntityTypeName: typ, TypeName: "reset"})
		require.NoError(t, err)
		require.Equal(t, []string{out[1].ID}, ids(byEvent))

		byEntity, err := store.Search(t.Context(), es.SearchFilter{EntityTypeName: typ, EntityID: a})
		require.NoError(t, err)
		require.Equal(t, []string{out[0].ID, out[2].ID}, ids(byEntity))

		window, err := store.Search(t.Context(), es.SearchFilter{
			EntityTypeName: typ,
			From:           base.Add(time.Minute),
			To:             base.Add(2 * time.Minute),
		})
		require.NoError(t, err)
		require.Equal(t, []string{out[1].ID, out[2].ID}, ids(window))

		limited, err := store.Search(t.Context(), es.SearchFilter{EntityTypeName: typ, Limit: 2})
		require.NoError(t, err)
		require.Equal(t, []string{out[0].ID, out[1].ID}, ids(limited))
	})

	t.Run("event by id", func(t *testing.T) {
		var (
			typ = UniqueType("counter")
			id  = uuid.New()
		)
		out := appendOK(t, store,
			Envelope(typ, id, "added", `{"n":1}`, base),
			Envelope(typ, id, "added", `{"n":2}`, base),
		)

		ev, err := store.Event(t.Context(), out[1].ID)
		require.NoError(t, err)
		require.Equal(t, out[1].Seq, ev.Seq)
		require.Equal(t, id, ev.EntityID)
		require.JSONEq(t, `{"n":2}`, string(ev.Value))

		_, err = store.Tombstone(t.Context(), out[0].ID)
		require.NoError(t, err)
		ev, err = store.Event(t.Context(), out[0].ID)
		require.NoError(t, err)
		require.True(t, ev.Tombstoned())
		require.Equal(t, out[0].Seq, ev.Seq)

		_, err = store.Event(t.Context(), "does-not-exist")
		require.ErrorIs(t, err, es.ErrEventNotFound)
	})

	t.Run("tombstone", func(t *testing.T) {
		var (
			typ = UniqueType("counter")
			id  = uuid.New()
		)
		out := appendOK(t, store,
			Envelope(typ, id, "added", `{"secret":"a"}`, base),
			Envelope(typ, id, "added", `{"n":2}`, base),
		)

		erased, err := store.Tombstone(t.Context(), out[0].ID)
		require.NoError(t, err)
		require.True(t, erased.Tombstoned())
		require.JSONEq(t, `{}`, string(erased.Value))
		require.Equal(t, out[0].Seq, erased.Seq)

		again, err := store.Tombstone(t.Context(), out[0].ID)
		require.NoError(t, err)
		require.Equal(t, erased.ID, again.ID)

		events, err := store.EventsSince(t.Context(), typ, id)
		require.NoError(t, err)
		require.Equal(t, ids(out), ids(events), "tombstones keep their position")
		require.True(t, events[0].Tombstoned())
		require.NotContains(t, string(events[0].Value), "secret")
		require.False(t, events[1].Tombstoned())

		found, err := store.Search(t.Context(), es.SearchFilter{EntityTypeName: typ})
		require.NoError(t, err)
		require.True(t, found[0].Tombstoned())

		_, err = store.Tombstone(t.Context(), "does-not-exist")
		require.ErrorIs(t, err, es.ErrEventNotFound)
	})

	stream, ok := store.(es.Stream)
	if !ok {
		return
	}

	t.Run("subscribe", func(t *testing.T) {
		var (
			typ = UniqueType("counter")
			id  = uuid.New()
		)
		before := appendOK(t, store,
			Envelope(typ, id, "added", `{"n":1}`, base),
			Envelope(typ, id, "added", `{"n":2}`, base),
		)
		appendOK(t, store, Envelope(UniqueType("other"), uuid.New(), "added", `{}`, base))

		sub, err := stream.Subscribe(
			t.Context(),
			es.WithDeliverPolicy(es.DeliverAllPolicy),
			es.WithStartSequence(before[1].Seq),
			es.WithFilters(es.SubscribeFilter{EntityTypeName: typ}),
		)
		require.NoError(t, err)
		defer sub.Cancel()
		require.GreaterOrEqual(t, sub.MaxSequence(), before[1].Seq)

		after := appendOK(t, store, Envelope(typ, id, "added", `{"n":3}`, base))

		got := make([]string, 0, 2)
		for len(got) < 2 {
			select {
			case env := <-sub.Chan():
				got = append(got, env.ID)
			case <-time.After(5 * time.Second):
				t.Fatalf("timeout, received %v", got)
			}
		}
		require.Equal(t, []string{before[1].ID, after[0].ID}, got)
	})
}

// SnapshotterContract runs the behavior every es.Snapshotter must show.
func SnapshotterContract(t *testing.T, snapshotter es.Snapshotter) {
	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	snapshot := func(typ string, id uuid.UUID, cutoff uint64, value string) *es.Snapshot {
		return &es.Snapshot{
			ID:             gonanoid.Must(),
			EntityTypeName: typ,
			EntityID:       id,
			CutoffSeq:      cutoff,
			CutoffAt:       base.Add(time.Duration(cutoff) * time.Minute),
			Version:        1,
			CreatedAt:      base,
			Value:          json.RawMessage(value),
		}
	}

	t.Run("latest and as of", func(t *testing.T) {
		var (
			typ = UniqueType("counter")
			id  = uuid.New()
		)
		_, err := snapshotter.LoadSnapshot(t.Context(), typ, id)
		require.ErrorIs(t, err, es.ErrSnapshotNotFound)

		require.NoError(t, snapshotter.SaveSnapshot(t.Context(), snapshot(typ, id, 5, `{"total":5}`)))
		require.NoError(t, snapshotter.SaveSnapshot(t.Context(), snapshot(typ, id, 10, `{"total":10}`)))

		latest, err := snapshotter.LoadSnapshot(t.Context(), typ, id)
		require.NoError(t, err)
		require.Equal(t, uint64(10), latest.CutoffSeq)
		require.JSONEq(t, `{"total":10}`, string(latest.Value))

		older, err := snapshotter.LoadSnapshot(t.Context(), typ, id, es.AsOf(base.Add(7*time.Minute)))
		require.NoError(t, err)
		require.Equal(t, uint64(5), older.CutoffSeq)

		_, err = snapshotter.LoadSnapshot(t.Context(), typ, id, es.AsOf(base))
		require.ErrorIs(t, err, es.ErrSnapshotNotFound)
	})

	t.Run("older snapshot does not supersede", func(t *testing.T) {
		var (
			typ = UniqueType("counter")
			id  = uuid.New()
		)
		require.NoError(t, snapshotter.SaveSnapshot(t.Context(), snapshot(typ, id, 10, `{"total":10}`)))
		require.NoError(t, snapshotter.SaveSnapshot(t.Context(), snapshot(typ, id, 5, `{"total":5}`)))

		latest, err := snapshotter.LoadSnapshot(t.Context(), typ, id)
		require.NoError(t, err)
		require.Equal(t, uint64(10), latest.CutoffSeq)
	})

	purger, ok := snapshotter.(es.SnapshotPurger)
	if !ok {
		return
	}

	t.Run("purge", func(t *testing.T) {
		var (
			typ = UniqueType("counter")
			id  = uuid.New()
		)
		require.NoError(t, purger.PurgeSnapshots(t.Context(), typ, id), "purging nothing")

		require.NoError(t, snapshotter.SaveSnapshot(t.Context(), snapshot(typ, id, 5, `{"total":5}`)))
		require.NoError(t, snapshotter.SaveSnapshot(t.Context(), snapshot(typ, id, 10, `{"total":10}`)))
		require.NoError(t, purger.PurgeSnapshots(t.Context(), typ, id))

		_, err := snapshotter.LoadSnapshot(t.Context(), typ, id)
		require.ErrorIs(t, err, es.ErrSnapshotNotFound)
		_, err = snapshotter.LoadSnapshot(t.Context(), typ, id, es.AsOf(base.Add(time.Hour)))
		require.ErrorIs(t, err, es.ErrSnapshotNotFound)

		require.NoError(t, snapshotter.SaveSnapshot(t.Context(), snapshot(typ, id, 12, `{"total":12}`)))
		latest, err := snapshotter.LoadSnapshot(t.Context(), typ, id)
		require.NoError(t, err)
		require.Equal(t, uint64(12), latest.CutoffSeq)
	})
}

// ReadModelStoreContract runs the behavior every proj.ReadModelStore must
// show.
func ReadModelStoreContract(t *testing.T, store proj.ReadModelStore) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	rm := func(typ, id, value string) proj.ReadModel {
		return proj.ReadModel{TypeName: typ, ID: id, Value: json.RawMessage(value), UpdatedAt: now}
	}

	t.Run("versions", func(t *testing.T) {
		var (
			typ = UniqueType("view")
			id  = "hello world/ä"
		)
		_, err := store.Fetch(t.Context(), typ, id)
		require.ErrorIs(t, err, proj.ErrReadModelNotFound)

		require.NoError(t, store.Store(t.Context(), rm(typ, id, `{"n":1}`), 0))
		got, err := store.Fetch(t.Context(), typ, id)
		require.NoError(t, err)
		require.Equal(t, es.Version(1), got.Version)
		require.Equal(t, id, got.ID)
		require.JSONEq(t, `{"n":1}`, string(got.Value))

		err = store.Store(t.Context(), rm(typ, id, `{"n":9}`), 0)
		require.ErrorIs(t, err, es.ErrConcurrencyConflict, "create over an existing read model")

		require.NoError(t, store.Store(t.Context(), rm(typ, id, `{"n":2}`), 1))
		err = store.Store(t.Context(), rm(typ, id, `{"n":9}`), 1)
		require.ErrorIs(t, err, es.ErrConcurrencyConflict, "stale version")

		got, err = store.Fetch(t.Context(), typ, id)
		require.NoError(t, err)
		require.Equal(t, es.Version(2), got.Version)
		require.JSONEq(t, `{"n":2}`, string(got.Value))
	})

	t.Run("update of absent read model conflicts", func(t *testing.T) {
		typ := UniqueType("view")
		err := store.Store(t.Context(), rm(typ, "a", `{}`), 3)
		require.ErrorIs(t, err, es.ErrConcurrencyConflict)
	})

	t.Run("delete", func(t *testing.T) {
		typ := UniqueType("view")
		require.NoError(t, store.Delete(t.Context(), typ, "a", 0), "deleting nothing")

		require.NoError(t, store.Store(t.Context(), rm(typ, "a", `{}`), 0))
		require.ErrorIs(t, store.Delete(t.Context(), typ, "a", 2), es.ErrConcurrencyConflict)
		require.NoError(t, store.Delete(t.Context(), typ, "a", 1))

		_, err := store.Fetch(t.Context(), typ, "a")
		require.ErrorIs(t, err, proj.ErrReadModelNotFound)

		require.NoError(t, store.Store(t.Context(), rm(typ, "a", `{"again":true}`), 0), "recreate")
		got, err := store.Fetch(t.Context(), typ, "a")
		require.NoError(t, err)
		require.Equal(t, es.Version(1), got.Version)
	})
}

package nats

import (
	"fmt"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/require"

	"github.com/codewandler/cqrs-go/core/es"
	"github.com/codewandler/cqrs-go/core/es/estests"
	"github.com/codewandler/cqrs-go/ports/kv"
)

func TestNats_EventStore(t *testing.T) {
	slog.SetLogLoggerLevel(slog.LevelDebug)

	connect := NewTestContainer(t)
	store, err := NewEventStore(EventStoreConfig{
		Connect: connect,
		Log:     slog.Default(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	t.Run("stream info", func(t *testing.T) {
		si, err := store.stream.Info(t.Context())
		require.NoError(t, err)
		require.Equal(t, defaultStreamName, si.Config.Name)
		require.Equal(t, uint64(1), si.Config.FirstSeq)
		require.Equal(t, []string{fmt.Sprintf("%s.>", defaultSubjectPrefix)}, si.Config.Subjects)
	})

	estests.EventStoreContract(t, store)

	t.Run("erased payload is gone from the stream", func(t *testing.T) {
		typ := estests.UniqueType("secret")
		env := estests.Envelope(typ, uuid.New(), "noted", `{"secret":"x"}`, time.Now())
		out, err := store.Append(t.Context(), []es.Envelope{env})
		require.NoError(t, err)

		_, err = store.Tombstone(t.Context(), env.ID)
		require.NoError(t, err)

		_, err = store.stream.GetMsg(t.Context(), out[0].Seq)
		require.ErrorIs(t, err, jetstream.ErrMsgNotFound)
	})
}

func TestNats_EventStore_IdempotentBeyondDuplicateWindow(t *testing.T) {
	connect := NewTestContainer(t)
	store, err := NewEventStore(EventStoreConfig{
		Connect:         connect,
		StreamName:      "CQRS_ES_SHORT_WINDOW",
		DuplicateWindow: 200 * time.Millisecond,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	typ := estests.UniqueType("counter")
	env := estests.Envelope(typ, uuid.New(), "added", `{"n":1}`, time.Now())

	first, err := store.Append(t.Context(), []es.Envelope{env})
	require.NoError(t, err)

	time.Sleep(time.Second)

	retried, err := store.Append(t.Context(), []es.Envelope{env})
	require.NoError(t, err)
	require.Equal(t, first[0].Seq, retried[0].Seq)

	events, err := store.Search(t.Context(), es.SearchFilter{EntityTypeName: typ})
	require.NoError(t, err)
	require.Len(t, events, 1)

	ev, err := store.Event(t.Context(), env.ID)
	require.NoError(t, err)
	require.Equal(t, first[0].Seq, ev.Seq)
}

func TestNats_Snapshotter(t *testing.T) {
	connect := NewTestContainer(t)
	s, err := NewSnapshotter(KvConfig{Connect: connect})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	estests.SnapshotterContract(t, s)
}

func TestNats_ReadModelStore(t *testing.T) {
	connect := NewTestContainer(t)
	s, err := NewReadModelStore(KvConfig{Connect: connect})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	estests.ReadModelStoreContract(t, s)
}

func TestNats_KvStore(t *testing.T) {
	connect := NewTestContainer(t)
	s, err := NewKvStore(KvConfig{Connect: connect, Bucket: "checkpoints"})
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	_, err = s.Get(t.Context(), "projections")
	require.ErrorIs(t, err, kv.ErrNotFound)

	cp := es.NewKvCpStore(s, "projections")
	require.NoError(t, cp.Set(t.Context(), 42))
	seq, err := cp.Get(t.Context())
	require.NoError(t, err)
	require.Equal(t, uint64(42), seq)

	require.NoError(t, s.Delete(t.Context(), "projections"))
	require.NoError(t, s.Delete(t.Context(), "projections"), "deleting twice")
}

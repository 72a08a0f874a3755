package kv

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemStore(t *testing.T) {
	s := NewMemStore()

	_, err := Get[uint64](t.Context(), s, "checkpoint.a")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, Put(t.Context(), s, "checkpoint.a", uint64(10), PutOptions{}))
	require.NoError(t, Put(t.Context(), s, "checkpoint.b", uint64(20), PutOptions{}))

	v, err := Get[uint64](t.Context(), s, "checkpoint.a")
	require.NoError(t, err)
	require.Equal(t, uint64(10), v)

	require.NoError(t, s.Delete(t.Context(), "checkpoint.a"))
	_, err = Get[uint64](t.Context(), s, "checkpoint.a")
	require.ErrorIs(t, err, ErrNotFound)

	t.Run("ttl", func(t *testing.T) {
		now := time.Unix(0, 0)
		s.now = func() time.Time { return now }
		require.NoError(t, Put(t.Context(), s, "lease", "x", PutOptions{TTL: time.Second}))
		_, err := Get[string](t.Context(), s, "lease")
		require.NoError(t, err)

		now = now.Add(2 * time.Second)
		_, err = Get[string](t.Context(), s, "lease")
		require.ErrorIs(t, err, ErrNotFound)
	})
}

func TestPrefix(t *testing.T) {
	s := NewMemStore()
	a := Prefix(s, "a.")
	nested := Prefix(a, "b.")

	require.NoError(t, Put(t.Context(), a, "x", 1, PutOptions{}))
	require.NoError(t, Put(t.Context(), nested, "x", 2, PutOptions{}))

	v, err := Get[int](t.Context(), s, "a.x")
	require.NoError(t, err)
	require.Equal(t, 1, v)

	v, err = Get[int](t.Context(), s, "a.b.x")
	require.NoError(t, err)
	require.Equal(t, 2, v)

	require.NoError(t, nested.Delete(t.Context(), "x"))
	_, err = Get[int](t.Context(), a, "b.x")
	require.ErrorIs(t, err, ErrNotFound)

	t.Run("decode error", func(t *testing.T) {
		require.NoError(t, Put(t.Context(), s, "str", "text", PutOptions{}))
		_, err := Get[int](t.Context(), s, "str")
		require.ErrorContains(t, err, "decode str")
	})
}

package es

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestVersion(t *testing.T) {
	v1, v2 := Version(1), Version(2)
	require.True(t, v1 < v2)
	require.True(t, v2 > v1)
	require.Equal(t, v1, Version(1))

	data, err := json.Marshal(v1)
	require.NoError(t, err)
	require.Equal(t, `1`, string(data))

	var x Version
	require.NoError(t, json.Unmarshal([]byte("1234"), &x))
	require.Equal(t, Version(1234), x)
}

func TestVersion_Next(t *testing.T) {
	var v Version
	require.Equal(t, Version(1), v.Next())
	require.Equal(t, Version(6), Version(5).Next())
}

func TestVersion_Expect(t *testing.T) {
	require.NoError(t, Version(0).Expect(0))
	require.NoError(t, Version(3).Expect(3))

	err := Version(0).Expect(2)
	require.ErrorIs(t, err, ErrConcurrencyConflict)
	require.Contains(t, err.Error(), "found none")

	err = Version(4).Expect(3)
	require.ErrorIs(t, err, ErrConcurrencyConflict)
	require.Contains(t, err.Error(), "expected version 3, found 4")
}

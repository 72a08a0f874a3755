package ds

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSet(t *testing.T) {
	s := NewSet("b", "a", "b")
	require.Equal(t, []string{"b", "a"}, s.Values())
	require.Equal(t, 2, s.Len())
	require.True(t, s.Contains("a"))
	require.False(t, s.Contains("c"))

	require.False(t, s.Add("a"))
	require.True(t, s.Add("c"))
	require.Equal(t, []string{"d"}, s.Extend("a", "d", "d"))
	require.Equal(t, []string{"b", "a", "c", "d"}, s.Values())
	require.Equal(t, "[b a c d]", s.String())

	filtered := s.Filter(func(v string) bool { return v != "a" })
	require.Equal(t, []string{"b", "c", "d"}, filtered.Values())
	require.Equal(t, 4, s.Len(), "filter does not mutate")

	vals := s.Values()
	vals[0] = "x"
	require.True(t, s.Contains("b"), "values is a copy")
}

package reflector

import (
	"testing"

	"github.com/stretchr/testify/require"
)

type sample struct{}

func TestTypeInfo(t *testing.T) {
	ti := TypeInfoFor[sample]()
	require.Equal(t, "sample", ti.ShortName)
	require.Equal(t, "github.com/codewandler/cqrs-go/internal/reflector.sample", ti.Name)

	require.Equal(t, ti, TypeInfoOf(&sample{}))
	require.Equal(t, ti, TypeInfoFor[*sample]())
	require.Equal(t, TypeInfo{}, TypeInfoForType(nil))
}

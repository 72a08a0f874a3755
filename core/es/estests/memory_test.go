package estests

import (
	"testing"

	"github.com/codewandler/cqrs-go/core/es"
	"github.com/codewandler/cqrs-go/core/es/proj"
)

func TestInMemoryStore_Contract(t *testing.T) {
	EventStoreContract(t, es.NewInMemoryStore())
}

func TestInMemorySnapshotter_Contract(t *testing.T) {
	SnapshotterContract(t, es.NewInMemorySnapshotter())
}

func TestInMemoryReadModelStore_Contract(t *testing.T) {
	ReadModelStoreContract(t, proj.NewInMemoryStore())
}

package proj

import (
	"errors"
	"fmt"

	"github.com/codewandler/cqrs-go/core/es"
)

var (
	ErrProjection       = errors.New("projection failed")
	ErrRetriesExhausted = errors.New("concurrency retries exhausted")
	ErrProjectionPanic  = errors.New("projection panicked")
)

// ProjectionError is returned for one read model that could not be updated.
// Other read models of the same entity are not affected by it.
type ProjectionError struct {
	ReadModelType string
	ReadModelID   string
	JoinKey       string
	Entity        es.EntityKey
	Attempts      int
	Err           error
}

func (e *ProjectionError) Error() string {
	return fmt.Sprintf(
		"project %s onto %s/%s (join key %s, %d attempts): %v",
		e.Entity, e.ReadModelType, e.ReadModelID, e.JoinKey, e.Attempts, e.Err,
	)
}

func (e *ProjectionError) Unwrap() error { return e.Err }

func (e *ProjectionError) Is(target error) bool { return target == ErrProjection }

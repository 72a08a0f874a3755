package es

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidConfiguration = errors.New("invalid configuration")
	ErrReducerNotFound      = errors.New("reducer not found")
	ErrUnknownType          = errors.New("unknown type")
	ErrReconstruction       = errors.New("reconstruction failed")
	ErrAppendFailure        = errors.New("append failed")
	ErrConcurrencyConflict  = errors.New("concurrency conflict")
	ErrRegisterCompleted    = errors.New("register completed")
	ErrEventNotFound        = errors.New("event not found")
	ErrStoreNoEvents        = errors.New("no events to store")
)

// FoldError identifies the event a reducer or decoder failed on.
type FoldError struct {
	Event Envelope
	Err   error
}

func (e *FoldError) Error() string {
	return fmt.Sprintf(
		"fold %s/%s: event %s (seq=%d, type=%s): %v",
		e.Event.EntityTypeName, e.Event.EntityID, e.Event.ID, e.Event.Seq, e.Event.TypeName, e.Err,
	)
}

func (e *FoldError) Unwrap() error { return e.Err }

// ReconstructionError is returned when an entity cannot be rebuilt. No partial
// entity is ever returned alongside it.
type ReconstructionError struct {
	Entity EntityKey
	Err    error
}

func (e *ReconstructionError) Error() string {
	return fmt.Sprintf("reconstruct %s: %v", e.Entity, e.Err)
}

func (e *ReconstructionError) Unwrap() error { return e.Err }

func (e *ReconstructionError) Is(target error) bool { return target == ErrReconstruction }

// AppendError reports how far an append got before failing.
type AppendError struct {
	Persisted int
	Pending   int
	Err       error
}

func (e *AppendError) Error() string {
	return fmt.Sprintf("append: persisted %d, %d still pending: %v", e.Persisted, e.Pending, e.Err)
}

func (e *AppendError) Unwrap() error { return e.Err }

func (e *AppendError) Is(target error) bool { return target == ErrAppendFailure }

func configErrorf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfiguration, fmt.Sprintf(format, args...))
}

package es

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Entity is reconstructed state. It is never persisted as such; snapshots
// carry its value.
type Entity struct {
	TypeName string
	ID       uuid.UUID
	// Value is the entity, or nil when no event defined it.
	Value any
	// Seq and At are the append sequence and creation time of the last
	// folded event.
	Seq uint64
	At  time.Time
}

func (e *Entity) Key() EntityKey { return EntityKey{TypeName: e.TypeName, ID: e.ID} }

// Fold applies the reducers for events in order, starting from seed.
// Tombstoned events are skipped. Any event without a reducer fails the
// whole fold.
func (r *Registry) Fold(entityType string, events []Envelope, seed any) (state any, err error) {
	state = seed
	for _, env := range events {
		if state, err = r.foldOne(entityType, env, state); err != nil {
			return nil, &FoldError{Event: env, Err: err}
		}
	}
	return state, nil
}

func (r *Registry) foldOne(entityType string, env Envelope, state any) (next any, err error) {
	if env.EntityTypeName != entityType {
		return nil, fmt.Errorf("event belongs to entity type %s", env.EntityTypeName)
	}
	if env.Tombstoned() {
		return state, nil
	}

	r.mu.RLock()
	red, ok := r.reducers[env.TypeName]
	r.mu.RUnlock()
	if !ok || red.entityType != entityType {
		return nil, ErrReducerNotFound
	}

	ev, err := r.DecodeEvent(env)
	if err != nil {
		return nil, err
	}

	defer func() {
		if p := recover(); p != nil {
			next, err = nil, fmt.Errorf("reducer panicked: %v", p)
		}
	}()
	return red.fn(ev, state)
}

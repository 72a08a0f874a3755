package es

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
)

type Kind string

const (
	KindEvent    Kind = "event"
	KindSnapshot Kind = "snapshot"
)

// TombstoneValue is the payload a tombstoned event carries after erasure.
var TombstoneValue = json.RawMessage(`{}`)

// User is the optional identity recorded on events.
type User struct {
	ID       string `json:"id,omitempty"`
	Username string `json:"username,omitempty"`
	Role     string `json:"role,omitempty"`
}

// Envelope is the unit of storage in the EventStore. Once appended it is never
// modified, except by Tombstone which replaces Value with {} and sets DeletedAt.
type Envelope struct {
	// ID is assigned when the event is registered and is the idempotency key
	// for Append.
	ID string `json:"id"`
	// Seq is the append sequence assigned by the store. It totally orders
	// events, including events with equal CreatedAt.
	Seq  uint64 `json:"seq"`
	Kind Kind   `json:"kind"`
	// TypeName identifies the event payload type.
	TypeName       string    `json:"type"`
	EntityTypeName string    `json:"entity_type"`
	EntityID       uuid.UUID `json:"entity_id"`
	// Version is the schema version of Value.
	Version     int        `json:"version"`
	RequestID   uuid.UUID  `json:"request_id"`
	CurrentUser *User      `json:"current_user,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	DeletedAt   *time.Time `json:"deleted_at,omitempty"`
	// Value contains the JSON-encoded event payload.
	Value json.RawMessage `json:"value"`
}

func (e Envelope) Validate() error {
	if e.ID == "" {
		return fmt.Errorf("envelope id is empty")
	}
	if e.Kind != KindEvent {
		return fmt.Errorf("envelope kind %q is not %q", e.Kind, KindEvent)
	}
	if e.CreatedAt.IsZero() {
		return fmt.Errorf("envelope created at is zero")
	}
	if e.EntityID == uuid.Nil {
		return fmt.Errorf("envelope entity id is empty")
	}
	if e.EntityTypeName == "" {
		return fmt.Errorf("envelope entity type is empty")
	}
	if e.TypeName == "" {
		return fmt.Errorf("envelope type is empty")
	}
	if e.Version < 1 {
		return fmt.Errorf("envelope version %d is invalid", e.Version)
	}
	return nil
}

func (e Envelope) Tombstoned() bool { return e.DeletedAt != nil }

// Key returns the entity the event belongs to.
func (e Envelope) Key() EntityKey { return EntityKey{TypeName: e.EntityTypeName, ID: e.EntityID} }

// Tombstone returns a copy of e with the payload erased.
func (e Envelope) Tombstone(at time.Time) Envelope {
	at = at.UTC()
	e.DeletedAt = &at
	e.Value = TombstoneValue
	return e
}

func (e Envelope) logAttrs() slog.Attr {
	return slog.Group(
		"event",
		slog.String("id", e.ID),
		slog.Uint64("seq", e.Seq),
		slog.String("type", e.TypeName),
		slog.String("entity_type", e.EntityTypeName),
		slog.String("entity_id", e.EntityID.String()),
		slog.Int("version", e.Version),
		slog.Time("created_at", e.CreatedAt),
	)
}

// EntityKey identifies one entity instance.
type EntityKey struct {
	TypeName string
	ID       uuid.UUID
}

func (k EntityKey) String() string { return k.TypeName + "/" + k.ID.String() }

func (k EntityKey) logAttrs() slog.Attr {
	return slog.Group(
		"entity",
		slog.String("type", k.TypeName),
		slog.String("id", k.ID.String()),
	)
}

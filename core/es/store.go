package es

import (
	"context"
	"time"

	"github.com/google/uuid"
)

type (
	// EventsOptions narrows an EventsSince query. Adapters read it through
	// NewEventsOptions.
	EventsOptions struct {
		afterSeq uint64
		since    time.Time
		until    time.Time
	}

	EventsOption interface {
		applyToEvents(*EventsOptions)
	}

	AfterSeqOption valueOption[uint64]
	SinceOption    valueOption[time.Time]
	UntilOption    valueOption[time.Time]
)

func (o AfterSeqOption) applyToEvents(opts *EventsOptions) { opts.afterSeq = o.v }
func (o SinceOption) applyToEvents(opts *EventsOptions)    { opts.since = o.v }
func (o UntilOption) applyToEvents(opts *EventsOptions)    { opts.until = o.v }

// AfterSeq returns only events appended after seq.
func AfterSeq(seq uint64) AfterSeqOption { return AfterSeqOption{v: seq} }

// Since returns only events created strictly after t.
func Since(t time.Time) SinceOption { return SinceOption{v: t} }

// Until returns only events created at or before t.
func Until(t time.Time) UntilOption { return UntilOption{v: t} }

func NewEventsOptions(opts ...EventsOption) EventsOptions {
	options := EventsOptions{}
	for _, opt := range opts {
		opt.applyToEvents(&options)
	}
	return options
}

func (o EventsOptions) AfterSeq() uint64 { return o.afterSeq }
func (o EventsOptions) Since() time.Time { return o.since }
func (o EventsOptions) Until() time.Time { return o.until }

func (o EventsOptions) Match(e Envelope) bool {
	if e.Seq <= o.afterSeq {
		return false
	}
	if !o.since.IsZero() && !e.CreatedAt.After(o.since) {
		return false
	}
	if !o.until.IsZero() && e.CreatedAt.After(o.until) {
		return false
	}
	return true
}

// SearchFilter selects events across entities. Zero fields match everything.
type SearchFilter struct {
	EntityTypeName string
	EntityID       uuid.UUID
	TypeName       string
	From           time.Time // inclusive
	To             time.Time // inclusive
	Limit          int
}

func (f SearchFilter) Match(e Envelope) bool {
	if f.EntityTypeName != "" && e.EntityTypeName != f.EntityTypeName {
		return false
	}
	if f.EntityID != uuid.Nil && e.EntityID != f.EntityID {
		return false
	}
	if f.TypeName != "" && e.TypeName != f.TypeName {
		return false
	}
	if !f.From.IsZero() && e.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && e.CreatedAt.After(f.To) {
		return false
	}
	return true
}

// EventStore is the append-only event log.
//
// Append persists envelopes one by one and returns the persisted prefix with
// Seq assigned. When an envelope fails, the returned slice holds everything
// before it. Appending an ID that is already stored returns the stored
// record without writing again.
//
// Event returns one envelope by id, tombstoned if it was erased, or
// ErrEventNotFound. EventsSince and Search return events ordered by Seq.
type EventStore interface {
	Append(ctx context.Context, events []Envelope) ([]Envelope, error)
	Event(ctx context.Context, eventID string) (Envelope, error)
	EventsSince(ctx context.Context, entityType string, entityID uuid.UUID, opts ...EventsOption) ([]Envelope, error)
	Search(ctx context.Context, filter SearchFilter) ([]Envelope, error)
	Tombstone(ctx context.Context, eventID string) (Envelope, error)
}

// StreamingEventStore can push appended events to subscribers.
type StreamingEventStore interface {
	EventStore
	Stream
}

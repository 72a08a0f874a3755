package es

import (
	"context"

	"github.com/google/uuid"
)

type DeliverPolicy string

const (
	DeliverAllPolicy DeliverPolicy = "all"
	DeliverNewPolicy DeliverPolicy = "new"
)

type SubscribeFilter struct {
	EntityTypeName string
	EntityID       uuid.UUID
}

type SubscribeOpts struct {
	deliverPolicy DeliverPolicy
	filters       []SubscribeFilter
	startSequence uint64
}

func (s *SubscribeOpts) DeliverPolicy() DeliverPolicy { return s.deliverPolicy }
func (s *SubscribeOpts) Filters() []SubscribeFilter   { return s.filters }
func (s *SubscribeOpts) StartSequence() uint64        { return s.startSequence }

type SubscribeOption func(opts *SubscribeOpts)

func NewSubscribeOpts(opts ...SubscribeOption) SubscribeOpts {
	options := SubscribeOpts{
		deliverPolicy: DeliverNewPolicy,
	}

	for _, opt := range opts {
		opt(&options)
	}
	return options
}

func WithDeliverPolicy(policy DeliverPolicy) SubscribeOption {
	return func(opts *SubscribeOpts) {
		opts.deliverPolicy = policy
	}
}

func WithFilters(filters ...SubscribeFilter) SubscribeOption {
	return func(opts *SubscribeOpts) {
		opts.filters = filters
	}
}

// WithStartSequence skips events with a lower sequence when delivering all.
func WithStartSequence(startSequence uint64) SubscribeOption {
	return func(opts *SubscribeOpts) {
		opts.startSequence = startSequence
	}
}

type Subscription interface {
	Cancel()
	Chan() <-chan Envelope
	// MaxSequence is the highest sequence stored when the subscription was
	// created. The consumer is live once it has seen it.
	MaxSequence() uint64
}

type Stream interface {
	Subscribe(ctx context.Context, opts ...SubscribeOption) (Subscription, error)
}

// MatchFilters reports whether env passes any of filters. No filters match
// everything.
func MatchFilters(env Envelope, filters []SubscribeFilter) bool {
	if len(filters) == 0 {
		return true
	}
	for _, f := range filters {
		if matchFilter(env, f) {
			return true
		}
	}
	return false
}

func matchFilter(env Envelope, filter SubscribeFilter) bool {
	if filter.EntityTypeName != "" && env.EntityTypeName != filter.EntityTypeName {
		return false
	}
	if filter.EntityID != uuid.Nil && env.EntityID != filter.EntityID {
		return false
	}
	return true
}

package es

import "github.com/codewandler/cqrs-go/core/metrics"

// ESMetrics defines the metrics of the event sourcing runtime. Implementations
// must be safe for concurrent use.
type ESMetrics interface {
	// Store operations
	StoreAppendDuration() metrics.Timer
	EventsAppended(entityType string, count int)
	StoreLoadDuration(entityType string) metrics.Timer

	// Reconstruction
	ReconstructDuration(entityType string, historical bool) metrics.Timer
	EventsFolded(entityType string, count int)
	ReconstructFailed(entityType string)

	// Snapshots
	CacheHit(entityType string)
	CacheMiss(entityType string)
	SnapshotLoadDuration(entityType string) metrics.Timer
	SnapshotSaveDuration(entityType string) metrics.Timer
	SnapshotSaveFailed(entityType string)

	// Projections
	ProjectionDuration(readModel string) metrics.Timer
	ProjectionOutcome(readModel string, outcome string)
	ConcurrencyConflict(readModel string)

	// Consumer
	ConsumerEventDuration(eventType string, live bool) metrics.Timer
	ConsumerEventProcessed(eventType string, live bool, success bool)
	ConsumerLag(consumer string, lag int64)
}

// nopESMetrics is a no-op implementation of ESMetrics.
type nopESMetrics struct{}

func (nopESMetrics) StoreAppendDuration() metrics.Timer     { return metrics.NopTimer() }
func (nopESMetrics) EventsAppended(string, int)             {}
func (nopESMetrics) StoreLoadDuration(string) metrics.Timer { return metrics.NopTimer() }

func (nopESMetrics) ReconstructDuration(string, bool) metrics.Timer { return metrics.NopTimer() }
func (nopESMetrics) EventsFolded(string, int)                       {}
func (nopESMetrics) ReconstructFailed(string)                       {}

func (nopESMetrics) CacheHit(string)                           {}
func (nopESMetrics) CacheMiss(string)                          {}
func (nopESMetrics) SnapshotLoadDuration(string) metrics.Timer { return metrics.NopTimer() }
func (nopESMetrics) SnapshotSaveDuration(string) metrics.Timer { return metrics.NopTimer() }
func (nopESMetrics) SnapshotSaveFailed(string)                 {}

func (nopESMetrics) ProjectionDuration(string) metrics.Timer { return metrics.NopTimer() }
func (nopESMetrics) ProjectionOutcome(string, string)        {}
func (nopESMetrics) ConcurrencyConflict(string)              {}

func (nopESMetrics) ConsumerEventDuration(string, bool) metrics.Timer { return metrics.NopTimer() }
func (nopESMetrics) ConsumerEventProcessed(string, bool, bool)        {}
func (nopESMetrics) ConsumerLag(string, int64)                        {}

// NopESMetrics returns a no-op ESMetrics implementation.
func NopESMetrics() ESMetrics { return nopESMetrics{} }

// ESMetricsOption sets the metrics for ES components.
type ESMetricsOption struct{ m ESMetrics }

// WithMetrics sets the metrics implementation for ES components.
func WithMetrics(m ESMetrics) ESMetricsOption { return ESMetricsOption{m: m} }

// Metrics returns the configured implementation.
func (o ESMetricsOption) Metrics() ESMetrics { return o.m }

package prometheus

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/codewandler/cqrs-go/core/es"
	"github.com/codewandler/cqrs-go/core/metrics"
)

const namespace = "cqrs"

// esMetrics implements es.ESMetrics using Prometheus.
type esMetrics struct {
	// Store metrics
	storeAppendDuration prometheus.Histogram
	eventsAppended      *prometheus.CounterVec
	storeLoadDuration   *prometheus.HistogramVec

	// Reconstruction metrics
	reconstructDuration *prometheus.HistogramVec
	eventsFolded        *prometheus.HistogramVec
	reconstructFailures *prometheus.CounterVec

	// Snapshot metrics
	cacheHits            *prometheus.CounterVec
	cacheMisses          *prometheus.CounterVec
	snapshotLoadDuration *prometheus.HistogramVec
	snapshotSaveDuration *prometheus.HistogramVec
	snapshotSaveFailures *prometheus.CounterVec

	// Projection metrics
	projectionDuration   *prometheus.HistogramVec
	projectionOutcomes   *prometheus.CounterVec
	concurrencyConflicts *prometheus.CounterVec

	// Consumer metrics
	consumerEventDuration *prometheus.HistogramVec
	consumerEvents        *prometheus.CounterVec
	consumerLag           *prometheus.GaugeVec
}

// NewESMetrics creates a Prometheus implementation of es.ESMetrics and
// registers its collectors with reg.
func NewESMetrics(reg prometheus.Registerer) es.ESMetrics {
	m := &esMetrics{
		storeAppendDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "store_append_duration_seconds",
			Help:      "Event store append latency in seconds",
			Buckets:   defaultBuckets,
		}),

		eventsAppended: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_appended_total",
			Help:      "Total number of events appended",
		}, []string{"entity_type"}),

		storeLoadDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "store_load_duration_seconds",
			Help:      "Latency of loading the events of one entity in seconds",
			Buckets:   defaultBuckets,
		}, []string{"entity_type"}),

		reconstructDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconstruct_duration_seconds",
			Help:      "Entity reconstruction latency in seconds",
			Buckets:   defaultBuckets,
		}, []string{"entity_type", "historical"}),

		eventsFolded: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "reconstruct_events_folded",
			Help:      "Number of events folded per reconstruction",
			Buckets:   []float64{0, 1, 2, 5, 10, 25, 50, 100, 1000},
		}, []string{"entity_type"}),

		reconstructFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconstruct_failures_total",
			Help:      "Total number of failed reconstructions",
		}, []string{"entity_type"}),

		cacheHits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_cache_hits_total",
			Help:      "Total number of snapshot cache hits",
		}, []string{"entity_type"}),

		cacheMisses: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_cache_misses_total",
			Help:      "Total number of snapshot cache misses",
		}, []string{"entity_type"}),

		snapshotLoadDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "snapshot_load_duration_seconds",
			Help:      "Snapshot load latency in seconds",
			Buckets:   defaultBuckets,
		}, []string{"entity_type"}),

		snapshotSaveDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "snapshot_save_duration_seconds",
			Help:      "Snapshot save latency in seconds",
			Buckets:   defaultBuckets,
		}, []string{"entity_type"}),

		snapshotSaveFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "snapshot_save_failures_total",
			Help:      "Total number of failed snapshot writes",
		}, []string{"entity_type"}),

		projectionDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "projection_duration_seconds",
			Help:      "Latency of projecting one entity onto one read model in seconds",
			Buckets:   defaultBuckets,
		}, []string{"read_model"}),

		projectionOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "projection_outcomes_total",
			Help:      "Total number of projection results by outcome",
		}, []string{"read_model", "outcome"}),

		concurrencyConflicts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "concurrency_conflicts_total",
			Help:      "Total number of read model version conflicts",
		}, []string{"read_model"}),

		consumerEventDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "consumer_event_duration_seconds",
			Help:      "Event processing time in seconds",
			Buckets:   defaultBuckets,
		}, []string{"event_type", "live"}),

		consumerEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "consumer_events_total",
			Help:      "Total number of events processed",
		}, []string{"event_type", "live", "success"}),

		consumerLag: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "consumer_lag",
			Help:      "Consumer lag (sequences behind)",
		}, []string{"consumer"}),
	}

	reg.MustRegister(
		m.storeAppendDuration,
		m.eventsAppended,
		m.storeLoadDuration,
		m.reconstructDuration,
		m.eventsFolded,
		m.reconstructFailures,
		m.cacheHits,
		m.cacheMisses,
		m.snapshotLoadDuration,
		m.snapshotSaveDuration,
		m.snapshotSaveFailures,
		m.projectionDuration,
		m.projectionOutcomes,
		m.concurrencyConflicts,
		m.consumerEventDuration,
		m.consumerEvents,
		m.consumerLag,
	)

	return m
}

func (m *esMetrics) StoreAppendDuration() metrics.Timer {
	return newTimer(m.storeAppendDuration)
}

func (m *esMetrics) EventsAppended(entityType string, count int) {
	m.eventsAppended.WithLabelValues(entityType).Add(float64(count))
}

func (m *esMetrics) StoreLoadDuration(entityType string) metrics.Timer {
	return newTimer(m.storeLoadDuration.WithLabelValues(entityType))
}

func (m *esMetrics) ReconstructDuration(entityType string, historical bool) metrics.Timer {
	return newTimer(m.reconstructDuration.WithLabelValues(entityType, boolToStr(historical)))
}

func (m *esMetrics) EventsFolded(entityType string, count int) {
	m.eventsFolded.WithLabelValues(entityType).Observe(float64(count))
}

func (m *esMetrics) ReconstructFailed(entityType string) {
	m.reconstructFailures.WithLabelValues(entityType).Inc()
}

func (m *esMetrics) CacheHit(entityType string) {
	m.cacheHits.WithLabelValues(entityType).Inc()
}

func (m *esMetrics) CacheMiss(entityType string) {
	m.cacheMisses.WithLabelValues(entityType).Inc()
}

func (m *esMetrics) SnapshotLoadDuration(entityType string) metrics.Timer {
	return newTimer(m.snapshotLoadDuration.WithLabelValues(entityType))
}

func (m *esMetrics) SnapshotSaveDuration(entityType string) metrics.Timer {
	return newTimer(m.snapshotSaveDuration.WithLabelValues(entityType))
}

func (m *esMetrics) SnapshotSaveFailed(entityType string) {
	m.snapshotSaveFailures.WithLabelValues(entityType).Inc()
}

func (m *esMetrics) ProjectionDuration(readModel string) metrics.Timer {
	return newTimer(m.projectionDuration.WithLabelValues(readModel))
}

func (m *esMetrics) ProjectionOutcome(readModel string, outcome string) {
	m.projectionOutcomes.WithLabelValues(readModel, outcome).Inc()
}

func (m *esMetrics) ConcurrencyConflict(readModel string) {
	m.concurrencyConflicts.WithLabelValues(readModel).Inc()
}

func (m *esMetrics) ConsumerEventDuration(eventType string, live bool) metrics.Timer {
	return newTimer(m.consumerEventDuration.WithLabelValues(eventType, boolToStr(live)))
}

func (m *esMetrics) ConsumerEventProcessed(eventType string, live bool, success bool) {
	m.consumerEvents.WithLabelValues(eventType, boolToStr(live), boolToStr(success)).Inc()
}

func (m *esMetrics) ConsumerLag(consumer string, lag int64) {
	m.consumerLag.WithLabelValues(consumer).Set(float64(lag))
}

var _ es.ESMetrics = (*esMetrics)(nil)

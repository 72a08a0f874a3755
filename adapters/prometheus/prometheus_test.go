package prometheus

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewESMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewESMetrics(reg)

	require.NotNil(t, m)

	// Test store operations
	m.StoreAppendDuration().ObserveDuration()
	m.StoreLoadDuration("Post").ObserveDuration()
	m.EventsAppended("Post", 5)
	m.EventsAppended("Post", 2)

	// Test reconstruction
	m.ReconstructDuration("Post", false).ObserveDuration()
	m.ReconstructDuration("Post", true).ObserveDuration()
	m.EventsFolded("Post", 4)
	m.ReconstructFailed("Post")

	// Test snapshots
	m.CacheHit("Post")
	m.CacheMiss("Post")
	m.SnapshotLoadDuration("Post").ObserveDuration()
	m.SnapshotSaveDuration("Post").ObserveDuration()
	m.SnapshotSaveFailed("Post")

	// Test projections
	m.ProjectionDuration("post").ObserveDuration()
	m.ProjectionOutcome("post", "value")
	m.ProjectionOutcome("post", "value")
	m.ProjectionOutcome("post", "delete")
	m.ConcurrencyConflict("post")

	// Test consumer
	m.ConsumerEventDuration("PostCreated", true).ObserveDuration()
	m.ConsumerEventProcessed("PostCreated", true, true)
	m.ConsumerEventProcessed("PostCreated", false, false)
	m.ConsumerLag("projections", 100)

	mfs, err := reg.Gather()
	require.NoError(t, err)

	names := make(map[string]bool)
	for _, mf := range mfs {
		names[mf.GetName()] = true
	}
	for _, name := range []string{
		"cqrs_store_append_duration_seconds",
		"cqrs_events_appended_total",
		"cqrs_reconstruct_duration_seconds",
		"cqrs_reconstruct_events_folded",
		"cqrs_snapshot_cache_hits_total",
		"cqrs_snapshot_save_failures_total",
		"cqrs_projection_outcomes_total",
		"cqrs_concurrency_conflicts_total",
		"cqrs_consumer_lag",
	} {
		assert.True(t, names[name], name)
	}

	pm := m.(*esMetrics)
	assert.Equal(t, float64(7), testutil.ToFloat64(pm.eventsAppended.WithLabelValues("Post")))
	assert.Equal(t, float64(2), testutil.ToFloat64(pm.projectionOutcomes.WithLabelValues("post", "value")))
	assert.Equal(t, float64(1), testutil.ToFloat64(pm.projectionOutcomes.WithLabelValues("post", "delete")))
	assert.Equal(t, float64(100), testutil.ToFloat64(pm.consumerLag.WithLabelValues("projections")))
	assert.Equal(t, 2, testutil.CollectAndCount(pm.reconstructDuration))
}

func TestNewESMetrics_DuplicateRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	NewESMetrics(reg)
	require.Panics(t, func() { NewESMetrics(reg) })
}

func TestBoolToStr(t *testing.T) {
	assert.Equal(t, "true", boolToStr(true))
	assert.Equal(t, "false", boolToStr(false))
}

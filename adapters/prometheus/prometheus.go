// Package prometheus implements the runtime's metrics interfaces with
// Prometheus collectors.
package prometheus

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/codewandler/cqrs-go/core/metrics"
)

// timer wraps a Prometheus histogram to implement the Timer interface.
type timer struct {
	h     prometheus.Observer
	start time.Time
}

func newTimer(h prometheus.Observer) metrics.Timer {
	return &timer{h: h, start: time.Now()}
}

func (t *timer) ObserveDuration() {
	t.h.Observe(time.Since(t.start).Seconds())
}

// Default histogram buckets for latency metrics (in seconds).
var defaultBuckets = []float64{
	.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10,
}

func boolToStr(b bool) string { return strconv.FormatBool(b) }

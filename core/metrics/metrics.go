// Package metrics holds the instrumentation abstractions shared by the core
// packages, so they do not depend on a metrics backend.
package metrics

import "time"

// Timer measures the duration of an operation. Call ObserveDuration when the
// operation completes:
//
//	defer m.StoreAppendDuration().ObserveDuration()
type Timer interface {
	ObserveDuration()
}

// TimerFunc adapts a function receiving the elapsed time to a Timer started now.
func TimerFunc(observe func(time.Duration)) Timer {
	return &funcTimer{start: time.Now(), observe: observe}
}

type funcTimer struct {
	start   time.Time
	observe func(time.Duration)
}

func (t *funcTimer) ObserveDuration() { t.observe(time.Since(t.start)) }

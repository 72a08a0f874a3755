package app

import (
	"log/slog"
	"time"

	"github.com/codewandler/cqrs-go/core/es"
	"github.com/codewandler/cqrs-go/core/es/proj"
	"github.com/codewandler/cqrs-go/ports/kv"
)

type (
	options struct {
		log         *slog.Logger
		cfg         Config
		snapshotter es.Snapshotter
		metrics     es.ESMetrics
		notifier    proj.Notifier
		checkpoints kv.Store
		now         func() time.Time
	}

	Option interface {
		applyToApp(*options)
	}

	optionFunc func(*options)
)

func (f optionFunc) applyToApp(opts *options) { f(opts) }

func WithLog(l *slog.Logger) Option {
	return optionFunc(func(o *options) { o.log = l })
}

func WithConfig(cfg Config) Option {
	return optionFunc(func(o *options) { o.cfg = cfg })
}

// WithSnapshotter enables snapshots. Without it every reconstruction replays
// the full history.
func WithSnapshotter(s es.Snapshotter) Option {
	return optionFunc(func(o *options) { o.snapshotter = s })
}

func WithMetrics(m es.ESMetrics) Option {
	return optionFunc(func(o *options) { o.metrics = m })
}

// WithNotifier publishes every read model change.
func WithNotifier(n proj.Notifier) Option {
	return optionFunc(func(o *options) { o.notifier = n })
}

// WithCheckpoints persists the consumer position so Start resumes after a
// restart.
func WithCheckpoints(store kv.Store) Option {
	return optionFunc(func(o *options) { o.checkpoints = store })
}

func WithClock(now func() time.Time) Option {
	return optionFunc(func(o *options) { o.now = now })
}

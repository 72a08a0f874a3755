package es

import (
	"log/slog"
	"time"

	"github.com/codewandler/cqrs-go/core/cache"
)

type (
	valueOption[T any] struct{ v T }
	LogOption          struct {
		l *slog.Logger
	}
	ConfigOption       valueOption[Config]
	CacheOption        valueOption[cache.Cache]
	ClockOption        valueOption[func() time.Time]
	AsOfOption         valueOption[time.Time]
	MultiOption[T any] struct{ opts []T }
)

func WithLog(l *slog.Logger) LogOption { return LogOption{l: l} }

// WithConfig replaces DefaultConfig.
func WithConfig(cfg Config) ConfigOption { return ConfigOption{v: cfg} }

// WithSnapshotCache sets the cache holding the latest snapshot per entity.
func WithSnapshotCache(c cache.Cache) CacheOption { return CacheOption{v: c} }

// WithClock sets the clock used for created-at timestamps.
func WithClock(now func() time.Time) ClockOption { return ClockOption{v: now} }

// AsOf reconstructs the entity as it was at t. Historical reads never write
// snapshots.
func AsOf(t time.Time) AsOfOption { return AsOfOption{v: t} }

func (o AsOfOption) applyToSnapshotLoad(opts *SnapshotLoadOptions) { opts.asOf = o.v }
func (o AsOfOption) applyToReconstruct(opts *reconstructOpts)      { opts.asOf = o.v }

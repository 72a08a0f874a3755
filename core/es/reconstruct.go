package es

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"golang.org/x/sync/singleflight"

	"github.com/codewandler/cqrs-go/core/cache"
)

type (
	reconstructOpts struct {
		asOf time.Time
	}

	ReconstructOption interface {
		applyToReconstruct(*reconstructOpts)
	}

	snapshotManagerOpts struct {
		log     *slog.Logger
		cfg     Config
		metrics ESMetrics
		cache   cache.Cache
		now     func() time.Time
	}

	SnapshotManagerOption interface {
		applyToSnapshotManager(*snapshotManagerOpts)
	}
)

func (o LogOption) applyToSnapshotManager(opts *snapshotManagerOpts)       { opts.log = o.l }
func (o ConfigOption) applyToSnapshotManager(opts *snapshotManagerOpts)    { opts.cfg = o.v }
func (o ESMetricsOption) applyToSnapshotManager(opts *snapshotManagerOpts) { opts.metrics = o.m }
func (o CacheOption) applyToSnapshotManager(opts *snapshotManagerOpts)     { opts.cache = o.v }
func (o ClockOption) applyToSnapshotManager(opts *snapshotManagerOpts)     { opts.now = o.v }

// SnapshotManager reconstructs entities from the latest snapshot plus the
// events appended after it, and writes a new snapshot once enough events had
// to be folded.
type SnapshotManager struct {
	log         *slog.Logger
	store       EventStore
	snapshotter Snapshotter
	registry    *Registry
	cfg         Config
	metrics     ESMetrics
	cache       *cache.Typed[*Snapshot]
	loads       singleflight.Group
	now         func() time.Time

	// consecutive failed snapshot writes
	failures atomic.Int64
}

// NewSnapshotManager creates a SnapshotManager. A nil snapshotter disables
// snapshots entirely.
func NewSnapshotManager(
	store EventStore,
	snapshotter Snapshotter,
	registry *Registry,
	opts ...SnapshotManagerOption,
) *SnapshotManager {
	options := snapshotManagerOpts{
		log:     slog.Default(),
		cfg:     DefaultConfig(),
		metrics: NopESMetrics(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt.applyToSnapshotManager(&options)
	}
	if options.cache == nil {
		if options.cfg.SnapshotCacheSize > 0 {
			options.cache = cache.NewLRU(cache.LRUOpts{Size: options.cfg.SnapshotCacheSize})
		} else {
			options.cache = cache.NewNop()
		}
	}

	snapshots := cache.NewTyped(
		options.cache,
		cache.KeepNewest(func(cached, s *Snapshot) bool { return s.CutoffSeq >= cached.CutoffSeq }),
	)

	return &SnapshotManager{
		log:         options.log.With(slog.String("component", "snapshot_manager")),
		store:       store,
		snapshotter: snapshotter,
		registry:    registry,
		cfg:         options.cfg,
		metrics:     options.metrics,
		cache:       snapshots,
		now:         options.now,
	}
}

func (m *SnapshotManager) Registry() *Registry { return m.registry }
func (m *SnapshotManager) Store() EventStore   { return m.store }

// Reconstruct returns the current state of an entity, or nil when no event
// was ever recorded for it. With AsOf, only events created at or before the
// given time are folded and no snapshot is written.
func (m *SnapshotManager) Reconstruct(
	ctx context.Context,
	entityType string,
	id uuid.UUID,
	opts ...ReconstructOption,
) (*Entity, error) {
	options := reconstructOpts{}
	for _, opt := range opts {
		opt.applyToReconstruct(&options)
	}

	var (
		key        = EntityKey{TypeName: entityType, ID: id}
		historical = !options.asOf.IsZero()
		log        = m.log.With(key.logAttrs())
	)

	defer m.metrics.ReconstructDuration(entityType, historical).ObserveDuration()

	entity, folded, err := m.reconstruct(ctx, key, options.asOf, log)
	if err != nil {
		m.metrics.ReconstructFailed(entityType)
		return nil, &ReconstructionError{Entity: key, Err: err}
	}

	if !historical && m.snapshotter != nil && m.cfg.SnapshotThreshold > 0 && folded >= m.cfg.SnapshotThreshold {
		m.saveSnapshot(ctx, entity, log)
	}

	if entity.Seq == 0 {
		return nil, nil
	}
	return entity, nil
}

func (m *SnapshotManager) reconstruct(
	ctx context.Context,
	key EntityKey,
	asOf time.Time,
	log *slog.Logger,
) (*Entity, int, error) {
	if _, err := m.registry.entity(key.TypeName); err != nil {
		return nil, 0, err
	}

	entity := &Entity{TypeName: key.TypeName, ID: key.ID}

	var seed any
	snap := m.latestSnapshot(ctx, key, asOf, log)
	if snap != nil {
		var err error
		seed, err = m.registry.DecodeEntity(key.TypeName, snap.Version, snap.Value)
		if err != nil {
			return nil, 0, fmt.Errorf("decode snapshot %s: %w", snap.ID, err)
		}
		entity.Seq = snap.CutoffSeq
		entity.At = snap.CutoffAt
	}

	evOpts := []EventsOption{AfterSeq(entity.Seq)}
	if !asOf.IsZero() {
		evOpts = append(evOpts, Until(asOf))
	}

	t := m.metrics.StoreLoadDuration(key.TypeName)
	events, err := m.store.EventsSince(ctx, key.TypeName, key.ID, evOpts...)
	t.ObserveDuration()
	if err != nil {
		return nil, 0, fmt.Errorf("load events: %w", err)
	}

	state, err := m.registry.Fold(key.TypeName, events, seed)
	if err != nil {
		return nil, 0, err
	}
	m.metrics.EventsFolded(key.TypeName, len(events))

	if n := len(events); n > 0 {
		entity.Seq = events[n-1].Seq
		entity.At = events[n-1].CreatedAt
	}
	entity.Value = state

	// the result must not be used or persisted past the deadline
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}

	log.Debug(
		"reconstructed",
		slog.Bool("from_snapshot", snap != nil),
		slog.Int("folded", len(events)),
		slog.Uint64("seq", entity.Seq),
	)

	return entity, len(events), nil
}

// latestSnapshot never fails: without a usable snapshot the entity is
// replayed from its first event.
func (m *SnapshotManager) latestSnapshot(ctx context.Context, key EntityKey, asOf time.Time, log *slog.Logger) *Snapshot {
	if m.snapshotter == nil {
		return nil
	}

	if asOf.IsZero() {
		if s, ok := m.cache.Get(key.String()); ok {
			m.metrics.CacheHit(key.TypeName)
			return s
		}
		m.metrics.CacheMiss(key.TypeName)
	}

	flightKey := key.String()
	if !asOf.IsZero() {
		flightKey += "@" + asOf.UTC().Format(time.RFC3339Nano)
	}

	v, err, _ := m.loads.Do(flightKey, func() (any, error) {
		defer m.metrics.SnapshotLoadDuration(key.TypeName).ObserveDuration()
		var opts []SnapshotLoadOption
		if !asOf.IsZero() {
			opts = append(opts, AsOf(asOf))
		}
		return m.snapshotter.LoadSnapshot(ctx, key.TypeName, key.ID, opts...)
	})
	switch {
	case errors.Is(err, ErrSnapshotNotFound):
		return nil
	case err != nil:
		log.Warn("failed to load snapshot, replaying from the first event", slog.Any("error", err))
		return nil
	}

	snap := v.(*Snapshot)
	if asOf.IsZero() {
		m.cache.Put(key.String(), snap)
	}
	return snap
}

func (m *SnapshotManager) saveSnapshot(ctx context.Context, entity *Entity, log *slog.Logger) {
	snap, err := m.newSnapshot(entity)
	if err == nil {
		t := m.metrics.SnapshotSaveDuration(entity.TypeName)
		err = m.snapshotter.SaveSnapshot(ctx, snap)
		t.ObserveDuration()
	}
	if err != nil {
		m.metrics.SnapshotSaveFailed(entity.TypeName)
		failures := m.failures.Add(1)
		attrs := []any{slog.Any("error", err), slog.Int64("consecutive_failures", failures)}
		if esc := m.cfg.SnapshotFailureEscalation; esc > 0 && failures >= int64(esc) {
			log.Error("snapshot writes keep failing", attrs...)
		} else {
			log.Warn("failed to save snapshot", attrs...)
		}
		return
	}

	m.failures.Store(0)
	m.cache.Put(entity.Key().String(), snap)
	log.Debug("snapshot saved", snap.logAttrs())
}

func (m *SnapshotManager) newSnapshot(entity *Entity) (*Snapshot, error) {
	data, err := json.Marshal(entity.Value)
	if err != nil {
		return nil, fmt.Errorf("encode entity: %w", err)
	}
	version, err := m.registry.EntityVersion(entity.TypeName)
	if err != nil {
		return nil, err
	}
	return &Snapshot{
		ID:             gonanoid.Must(),
		EntityTypeName: entity.TypeName,
		EntityID:       entity.ID,
		CutoffSeq:      entity.Seq,
		CutoffAt:       entity.At,
		Version:        version,
		CreatedAt:      m.now().UTC(),
		Value:          data,
	}, nil
}

// Erase tombstones an event and drops every snapshot of its entity so the
// erased payload is not served from a snapshot.
func (m *SnapshotManager) Erase(ctx context.Context, eventID string) (Envelope, error) {
	env, err := m.store.Tombstone(ctx, eventID)
	if err != nil {
		return Envelope{}, err
	}
	m.cache.Delete(env.Key().String())

	log := m.log.With(env.logAttrs())
	if purger, ok := m.snapshotter.(SnapshotPurger); ok {
		if err := purger.PurgeSnapshots(ctx, env.EntityTypeName, env.EntityID); err != nil {
			return env, fmt.Errorf("purge snapshots: %w", err)
		}
		log.Info("erased event and purged snapshots")
	} else if m.snapshotter != nil {
		log.Warn("snapshotter cannot purge, erased content may remain in snapshots")
	}
	return env, nil
}

// Load reconstructs the entity of type S. It returns nil when the entity is
// undefined.
func Load[S any](ctx context.Context, m *SnapshotManager, id uuid.UUID, opts ...ReconstructOption) (*S, error) {
	name, err := EntityTypeName[S](m.registry)
	if err != nil {
		return nil, err
	}
	entity, err := m.Reconstruct(ctx, name, id, opts...)
	if err != nil || entity == nil || entity.Value == nil {
		return nil, err
	}
	s, ok := entity.Value.(*S)
	if !ok {
		return nil, fmt.Errorf("entity %s is %T", name, entity.Value)
	}
	return s, nil
}

package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/codewandler/cqrs-go/core/ds"
	"github.com/codewandler/cqrs-go/core/es"
	"github.com/codewandler/cqrs-go/core/es/proj"
	"github.com/codewandler/cqrs-go/core/perkey"
)

// Meta is the request metadata a command runs with.
type Meta struct {
	RequestID   uuid.UUID
	CurrentUser *es.User
	Context     map[string]any
}

// App wires the event store, reconstruction and projections together.
//
// By default the events of a command are projected right after they were
// flushed. After Start, a consumer follows the event stream instead and
// commands return as soon as their events are durable.
type App struct {
	log        *slog.Logger
	cfg        Config
	store      es.EventStore
	registry   *es.Registry
	snapshots  *es.SnapshotManager
	engine     *proj.Engine
	scheduler  *perkey.Scheduler[es.EntityKey]
	metrics    es.ESMetrics
	cpStore    es.CpStore
	now        func() time.Time
	consuming  atomic.Bool
	consumer   *es.Consumer
	shutdownMu sync.Mutex
}

// New validates the registries and creates an App.
func New(
	store es.EventStore,
	registry *es.Registry,
	projections *proj.Registry,
	readModels proj.ReadModelStore,
	opts ...Option,
) (*App, error) {
	options := options{
		log:     slog.Default(),
		cfg:     DefaultConfig(),
		metrics: es.NopESMetrics(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt.applyToApp(&options)
	}

	if err := registry.Validate(); err != nil {
		return nil, err
	}
	if projections == nil {
		projections = proj.NewRegistry(registry)
	}
	if err := projections.Validate(); err != nil {
		return nil, err
	}

	log := options.log.With(slog.String("component", "app"))

	cpStore := es.CpStore(es.NewInMemCpStore())
	if options.checkpoints != nil {
		cpStore = es.NewKvCpStore(options.checkpoints, options.cfg.ConsumerName)
	}

	a := &App{
		log:      log,
		cfg:      options.cfg,
		store:    store,
		registry: registry,
		snapshots: es.NewSnapshotManager(
			store,
			options.snapshotter,
			registry,
			es.WithLog(options.log),
			es.WithConfig(options.cfg.ES),
			es.WithMetrics(options.metrics),
			es.WithClock(options.now),
		),
		engine: proj.NewEngine(
			readModels,
			projections,
			proj.WithLog(options.log),
			proj.WithConfig(options.cfg.Projection),
			proj.WithMetrics(options.metrics),
			proj.WithNotifier(options.notifier),
			proj.WithClock(options.now),
		),
		scheduler: perkey.New[es.EntityKey](),
		metrics:   options.metrics,
		cpStore:   cpStore,
		now:       options.now,
	}

	log.Debug(
		"created",
		slog.Bool("snapshots", options.snapshotter != nil),
		slog.Int("snapshot_threshold", options.cfg.ES.SnapshotThreshold),
		slog.Any("projected_entities", projections.EntityTypes()),
	)

	return a, nil
}

func (a *App) Registry() *es.Registry          { return a.registry }
func (a *App) Snapshots() *es.SnapshotManager  { return a.snapshots }
func (a *App) ReadModels() proj.ReadModelStore { return a.engine.Store() }
func (a *App) Store() es.EventStore            { return a.store }
func (a *App) Consuming() bool                 { return a.consuming.Load() }

// Dispatch runs a command handler. The command succeeds once its events are
// durable. Projection failures are logged and do not fail the command.
func (a *App) Dispatch(ctx context.Context, meta Meta, handler es.HandlerFunc) (*es.Register, error) {
	r := es.NewRegister(
		a.store,
		a.registry,
		es.WithLog(a.log),
		es.WithClock(a.now),
		es.WithMetrics(a.metrics),
		es.WithRequestID(meta.RequestID),
		es.WithCurrentUser(meta.CurrentUser),
		es.WithRequestContext(meta.Context),
		es.OnCommitted(a.committed),
	)
	return r, es.Execute(ctx, r, handler)
}

func (a *App) committed(ctx context.Context, envelopes []es.Envelope) {
	for _, env := range envelopes {
		a.metrics.EventsAppended(env.EntityTypeName, 1)
	}
	if a.consuming.Load() {
		return
	}
	if err := a.Process(ctx, envelopes); err != nil {
		a.log.Error("failed to project committed events", slog.Any("error", err))
	}
}

// Process reconstructs every entity touched by envelopes and runs its
// projections. Entities are processed in parallel, the same entity one batch
// at a time. Errors of one entity do not affect the others; all are joined.
func (a *App) Process(ctx context.Context, envelopes []es.Envelope) error {
	keys := ds.NewSet[es.EntityKey]()
	for _, env := range envelopes {
		keys.Add(env.Key())
	}

	var (
		values = keys.Values()
		errs   = make([]error, len(values))
		g      = new(errgroup.Group)
	)
	if a.cfg.EntityConcurrency > 0 {
		g.SetLimit(a.cfg.EntityConcurrency)
	}
	for i, key := range values {
		g.Go(func() error {
			errs[i] = a.scheduler.DoContext(ctx, key, func() error {
				return a.processEntity(ctx, key)
			})
			return nil
		})
	}
	_ = g.Wait()

	return errors.Join(errs...)
}

func (a *App) processEntity(ctx context.Context, key es.EntityKey) error {
	rctx, cancel := withTimeout(ctx, a.cfg.ReconstructTimeout)
	entity, err := a.snapshots.Reconstruct(rctx, key.TypeName, key.ID)
	cancel()
	if err != nil {
		return err
	}

	pctx, cancel := withTimeout(ctx, a.cfg.ProjectionTimeout)
	defer cancel()
	return a.engine.Project(pctx, entity)
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}

// Erase tombstones an event, drops the snapshots of its entity and projects
// the entity again without the erased event. When the entity is undefined
// without it, every read model it projected to before is deleted.
func (a *App) Erase(ctx context.Context, eventID string) error {
	env, err := a.store.Event(ctx, eventID)
	if err != nil {
		return err
	}
	key := env.Key()

	return a.scheduler.DoContext(ctx, key, func() error {
		before, err := a.snapshots.Reconstruct(ctx, key.TypeName, key.ID)
		if err != nil {
			return err
		}
		if _, err := a.snapshots.Erase(ctx, eventID); err != nil {
			return err
		}
		after, err := a.snapshots.Reconstruct(ctx, key.TypeName, key.ID)
		if err != nil {
			return err
		}

		pctx, cancel := withTimeout(ctx, a.cfg.ProjectionTimeout)
		defer cancel()
		if after == nil || after.Value == nil {
			a.log.Info("erased event left the entity undefined, retracting its read models", slog.String("entity", key.String()))
			return a.engine.Retract(pctx, before)
		}
		return a.engine.Project(pctx, after)
	})
}

// Rebuild projects every entity of a type again, e.g. after a projection was
// added or changed.
func (a *App) Rebuild(ctx context.Context, entityType string) error {
	events, err := a.store.Search(ctx, es.SearchFilter{EntityTypeName: entityType})
	if err != nil {
		return fmt.Errorf("rebuild %s: %w", entityType, err)
	}
	a.log.Info("rebuilding read models", slog.String("entity_type", entityType), slog.Int("events", len(events)))
	return a.Process(ctx, events)
}

// Start switches to consumer mode: appended events are projected by a
// consumer that follows the store's stream and checkpoints its position.
// Start returns once the consumer caught up.
func (a *App) Start(ctx context.Context) error {
	stream, ok := a.store.(es.Stream)
	if !ok {
		return fmt.Errorf("%w: event store %T cannot be streamed", es.ErrInvalidConfiguration, a.store)
	}

	a.shutdownMu.Lock()
	defer a.shutdownMu.Unlock()
	if a.consumer != nil {
		return nil
	}

	a.consumer = es.NewConsumer(
		stream,
		a.registry,
		es.Handle(func(msgCtx es.MsgCtx) error {
			return a.Process(msgCtx.Context(), []es.Envelope{msgCtx.Envelope()})
		}),
		es.WithConsumerName(a.cfg.ConsumerName),
		es.WithLog(a.log),
		es.WithMetrics(a.metrics),
		es.WithShutdownTimeout(a.cfg.ShutdownTimeout),
		es.WithMiddlewares(
			es.NewLogMiddleware(),
			es.NewCheckpointMiddleware(a.cpStore),
			es.NewRetryMiddleware(a.consumerBackOff),
			es.NewRecoverMiddleware(),
		),
	)
	a.consuming.Store(true)

	if err := a.consumer.Start(ctx); err != nil {
		a.consuming.Store(false)
		a.consumer = nil
		return err
	}
	return nil
}

func (a *App) consumerBackOff() backoff.BackOff {
	return backoff.WithMaxRetries(
		backoff.NewConstantBackOff(a.cfg.ConsumerRetryInterval),
		uint64(max(a.cfg.ConsumerRetries, 0)),
	)
}

// Checkpoint returns the sequence of the last event the consumer processed.
func (a *App) Checkpoint(ctx context.Context) (uint64, error) {
	return a.cpStore.Get(ctx)
}

// Shutdown stops the consumer and waits for running work, at most until ctx
// is done.
func (a *App) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		defer close(done)
		a.shutdownMu.Lock()
		if a.consumer != nil {
			a.consumer.Stop()
		}
		a.shutdownMu.Unlock()
		a.scheduler.Close()
	}()

	select {
	case <-done:
		a.log.Info("shut down")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("shutdown: %w", ctx.Err())
	}
}

package proj

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/sync/errgroup"

	"github.com/codewandler/cqrs-go/core/es"
)

type (
	engineOpts struct {
		log      *slog.Logger
		cfg      Config
		metrics  es.ESMetrics
		notifier Notifier
		now      func() time.Time
	}

	EngineOption interface {
		applyToEngine(*engineOpts)
	}

	logOption      struct{ l *slog.Logger }
	configOption   struct{ cfg Config }
	metricsOption  struct{ m es.ESMetrics }
	notifierOption struct{ n Notifier }
	clockOption    struct{ now func() time.Time }
)

func (o logOption) applyToEngine(opts *engineOpts)      { opts.log = o.l }
func (o configOption) applyToEngine(opts *engineOpts)   { opts.cfg = o.cfg }
func (o metricsOption) applyToEngine(opts *engineOpts)  { opts.metrics = o.m }
func (o notifierOption) applyToEngine(opts *engineOpts) { opts.notifier = o.n }
func (o clockOption) applyToEngine(opts *engineOpts)    { opts.now = o.now }

func WithLog(l *slog.Logger) EngineOption         { return logOption{l: l} }
func WithConfig(cfg Config) EngineOption          { return configOption{cfg: cfg} }
func WithMetrics(m es.ESMetrics) EngineOption     { return metricsOption{m: m} }
func WithNotifier(n Notifier) EngineOption        { return notifierOption{n: n} }
func WithClock(now func() time.Time) EngineOption { return clockOption{now: now} }

// Engine runs the projections of an entity against a ReadModelStore. Every
// read model write is conditioned on the version that was read; conflicts are
// retried with backoff.
type Engine struct {
	log      *slog.Logger
	store    ReadModelStore
	registry *Registry
	cfg      Config
	metrics  es.ESMetrics
	notifier Notifier
	now      func() time.Time
}

func NewEngine(store ReadModelStore, registry *Registry, opts ...EngineOption) *Engine {
	options := engineOpts{
		log:     slog.Default(),
		cfg:     DefaultConfig(),
		metrics: es.NopESMetrics(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt.applyToEngine(&options)
	}
	if options.cfg.Concurrency < 1 {
		options.cfg.Concurrency = 1
	}

	return &Engine{
		log:      options.log.With(slog.String("component", "projection_engine")),
		store:    store,
		registry: registry,
		cfg:      options.cfg,
		metrics:  options.metrics,
		notifier: options.notifier,
		now:      options.now,
	}
}

func (e *Engine) Store() ReadModelStore { return e.store }
func (e *Engine) Registry() *Registry   { return e.registry }

type target struct {
	p  *Projection
	id string
	// retract deletes the read model instead of running the projection
	retract bool
}

// Project applies every projection registered for the entity's type. Read
// models are updated independently: a failing one is reported in the joined
// error as a *ProjectionError and does not stop the others. An undefined
// entity projects nothing.
func (e *Engine) Project(ctx context.Context, entity *es.Entity) error {
	return e.apply(ctx, entity, false)
}

// Retract deletes every read model entity currently projects to. It is used
// when the entity becomes undefined, e.g. after its defining event was erased,
// and must be given the entity as it was before.
func (e *Engine) Retract(ctx context.Context, entity *es.Entity) error {
	return e.apply(ctx, entity, true)
}

func (e *Engine) apply(ctx context.Context, entity *es.Entity, retract bool) error {
	if entity == nil || entity.Value == nil {
		return nil
	}

	var (
		errs    []error
		targets []target
	)
	for _, p := range e.registry.For(entity.TypeName) {
		ids, err := e.targets(p, entity)
		if err != nil {
			errs = append(errs, &ProjectionError{
				ReadModelType: p.readModelType,
				JoinKey:       p.joinKey,
				Entity:        entity.Key(),
				Err:           err,
			})
			continue
		}
		for _, id := range ids {
			targets = append(targets, target{p: p, id: id, retract: retract})
		}
	}

	results := make([]error, len(targets))
	g := new(errgroup.Group)
	g.SetLimit(e.cfg.Concurrency)
	for i, t := range targets {
		g.Go(func() error {
			results[i] = e.projectTarget(ctx, entity, t)
			return nil
		})
	}
	_ = g.Wait()

	return errors.Join(append(errs, results...)...)
}

func (e *Engine) newBackOff(ctx context.Context) backoff.BackOff {
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = e.cfg.RetryInitialInterval
	exp.MaxInterval = e.cfg.RetryMaxInterval
	exp.MaxElapsedTime = 0
	exp.Reset()

	retries := e.cfg.MaxRetries
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(exp, uint64(retries)), ctx)
}

func (e *Engine) projectTarget(ctx context.Context, entity *es.Entity, t target) error {
	rmType := t.p.readModelType
	log := e.log.With(
		slog.Group(
			"projection",
			slog.String("read_model", rmType),
			slog.String("id", t.id),
			slog.String("join_key", t.p.joinKey),
		),
		slog.String("entity", entity.Key().String()),
	)

	defer e.metrics.ProjectionDuration(rmType).ObserveDuration()

	var (
		attempts int
		outcome  Outcome
	)
	err := backoff.Retry(func() error {
		attempts++
		var err error
		outcome, err = e.attempt(ctx, entity, t, log)
		if errors.Is(err, es.ErrConcurrencyConflict) {
			e.metrics.ConcurrencyConflict(rmType)
			log.Debug("conflicting write, retrying", slog.Int("attempt", attempts))
			return err
		}
		if err != nil {
			return backoff.Permanent(err)
		}
		return nil
	}, e.newBackOff(ctx))

	if err == nil {
		e.metrics.ProjectionOutcome(rmType, string(outcome))
		return nil
	}

	if errors.Is(err, es.ErrConcurrencyConflict) {
		e.metrics.ProjectionOutcome(rmType, "exhausted")
		err = fmt.Errorf("%w: %w", ErrRetriesExhausted, err)
	} else {
		e.metrics.ProjectionOutcome(rmType, "failed")
	}
	log.Error("projection failed", slog.Int("attempts", attempts), slog.Any("error", err))

	return &ProjectionError{
		ReadModelType: rmType,
		ReadModelID:   t.id,
		JoinKey:       t.p.joinKey,
		Entity:        entity.Key(),
		Attempts:      attempts,
		Err:           err,
	}
}

// attempt runs one read-compute-write cycle.
func (e *Engine) attempt(ctx context.Context, entity *es.Entity, t target, log *slog.Logger) (Outcome, error) {
	rmType := t.p.readModelType

	current, err := e.store.Fetch(ctx, rmType, t.id)
	switch {
	case errors.Is(err, ErrReadModelNotFound):
		current = nil
	case err != nil:
		return "", fmt.Errorf("fetch read model: %w", err)
	}

	var (
		expected es.Version
		raw      []byte
	)
	if current != nil {
		expected = current.Version
		raw = current.Value
	}

	outcome, value := OutcomeDelete, []byte(nil)
	if !t.retract {
		if outcome, value, err = e.run(t, entity, raw); err != nil {
			return "", err
		}
	}

	// nothing may be written once the caller gave up
	if err := ctx.Err(); err != nil {
		return "", err
	}

	switch outcome {
	case OutcomeNothing:
		return outcome, nil

	case OutcomeDelete:
		if current == nil {
			return OutcomeNothing, nil
		}
		if err := e.store.Delete(ctx, rmType, t.id, expected); err != nil {
			return "", err
		}
		log.Debug("read model deleted", current.logAttrs())
		e.notify(ctx, Change{
			TypeName:  rmType,
			ID:        t.id,
			Version:   expected,
			Deleted:   true,
			ChangedAt: e.now().UTC(),
		}, log)
		return outcome, nil

	default:
		rm := ReadModel{
			TypeName:  rmType,
			ID:        t.id,
			Version:   expected.Next(),
			Value:     value,
			UpdatedAt: e.now().UTC(),
		}
		if err := e.store.Store(ctx, rm, expected); err != nil {
			return "", err
		}
		log.Debug("read model stored", rm.logAttrs())
		e.notify(ctx, Change{
			TypeName:  rmType,
			ID:        t.id,
			Version:   rm.Version,
			Value:     rm.Value,
			ChangedAt: rm.UpdatedAt,
		}, log)
		return outcome, nil
	}
}

// targets evaluates the join key and turns a panic into an error.
func (e *Engine) targets(p *Projection, entity *es.Entity) (ids []string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: join key %s: %v", ErrProjectionPanic, p.joinKey, r)
		}
	}()
	return p.targets(entity.Value)
}

// run calls the projection function and turns a panic into an error.
func (e *Engine) run(t target, entity *es.Entity, raw []byte) (outcome Outcome, value []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrProjectionPanic, r)
		}
	}()
	return t.p.project(entity.Value, t.id, raw)
}

func (e *Engine) notify(ctx context.Context, change Change, log *slog.Logger) {
	if e.notifier == nil {
		return
	}
	if err := e.notifier.Notify(ctx, change); err != nil {
		log.Warn("failed to publish read model change", slog.Any("error", err))
	}
}

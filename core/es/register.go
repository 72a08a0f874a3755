package es

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	gonanoid "github.com/matoous/go-nanoid/v2"
)

type RegisterState string

const (
	RegisterAccumulating RegisterState = "accumulating"
	RegisterFlushing     RegisterState = "flushing"
	RegisterCompleted    RegisterState = "completed"
)

// EntityIDer is implemented by event payloads. It names the entity the event
// belongs to.
type EntityIDer interface {
	EntityID() uuid.UUID
}

// Appender persists envelopes. EventStore implements it.
type Appender interface {
	Append(ctx context.Context, events []Envelope) ([]Envelope, error)
}

// CommitFunc is called with every batch of envelopes a flush persisted.
type CommitFunc func(ctx context.Context, committed []Envelope)

type pendingEvent struct {
	id        string
	createdAt time.Time
	payload   any
}

// Register is the execution context of one command or event handler. It
// carries request metadata and the ordered list of events raised while the
// handler runs.
type Register struct {
	RequestID       uuid.UUID
	CurrentUser     *User
	Context         map[string]any
	ResponseHeaders http.Header

	log      *slog.Logger
	appender Appender
	registry *Registry
	onCommit CommitFunc
	now      func() time.Time
	metrics  ESMetrics

	flushMu sync.Mutex // serializes flushes
	mu      sync.Mutex
	state   RegisterState
	pending []pendingEvent
}

type (
	registerOpts struct {
		log         *slog.Logger
		requestID   uuid.UUID
		currentUser *User
		context     map[string]any
		onCommit    CommitFunc
		now         func() time.Time
		metrics     ESMetrics
	}

	RegisterOption interface {
		applyToRegister(*registerOpts)
	}

	RequestIDOption   valueOption[uuid.UUID]
	CurrentUserOption valueOption[*User]
	RequestCtxOption  valueOption[map[string]any]
	OnCommitOption    valueOption[CommitFunc]
)

func (o LogOption) applyToRegister(opts *registerOpts)         { opts.log = o.l }
func (o ClockOption) applyToRegister(opts *registerOpts)       { opts.now = o.v }
func (o RequestIDOption) applyToRegister(opts *registerOpts)   { opts.requestID = o.v }
func (o CurrentUserOption) applyToRegister(opts *registerOpts) { opts.currentUser = o.v }
func (o RequestCtxOption) applyToRegister(opts *registerOpts)  { opts.context = o.v }
func (o OnCommitOption) applyToRegister(opts *registerOpts)    { opts.onCommit = o.v }
func (o ESMetricsOption) applyToRegister(opts *registerOpts)   { opts.metrics = o.m }

func WithRequestID(id uuid.UUID) RequestIDOption           { return RequestIDOption{v: id} }
func WithCurrentUser(u *User) CurrentUserOption            { return CurrentUserOption{v: u} }
func WithRequestContext(c map[string]any) RequestCtxOption { return RequestCtxOption{v: c} }

// OnCommitted registers fn to receive the envelopes of every successful flush.
func OnCommitted(fn CommitFunc) OnCommitOption { return OnCommitOption{v: fn} }

func NewRegister(appender Appender, registry *Registry, opts ...RegisterOption) *Register {
	options := registerOpts{
		log:     slog.Default(),
		now:     time.Now,
		metrics: NopESMetrics(),
	}
	for _, opt := range opts {
		opt.applyToRegister(&options)
	}
	if options.requestID == uuid.Nil {
		options.requestID = uuid.New()
	}
	if options.context == nil {
		options.context = map[string]any{}
	}

	return &Register{
		RequestID:       options.requestID,
		CurrentUser:     options.currentUser,
		Context:         options.context,
		ResponseHeaders: http.Header{},
		log:             options.log.With(slog.String("request_id", options.requestID.String())),
		appender:        appender,
		registry:        registry,
		onCommit:        options.onCommit,
		now:             options.now,
		metrics:         options.metrics,
		state:           RegisterAccumulating,
	}
}

// Events appends events to the pending list in call order and returns the
// Register for chaining. Each event gets its id and creation time here, so a
// retried flush appends the same envelopes.
func (r *Register) Events(events ...any) *Register {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == RegisterCompleted {
		r.log.Warn("events raised on a completed register are dropped", slog.Int("events", len(events)))
		return r
	}

	for _, ev := range events {
		r.pending = append(r.pending, pendingEvent{
			id:        gonanoid.Must(),
			createdAt: r.now().UTC(),
			payload:   ev,
		})
	}
	return r
}

func (r *Register) State() RegisterState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state
}

// Pending returns the payloads not persisted yet.
func (r *Register) Pending() []any {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]any, 0, len(r.pending))
	for _, p := range r.pending {
		out = append(out, p.payload)
	}
	return out
}

// Flush persists every pending event and removes the persisted ones from the
// pending list. On failure the unpersisted events stay pending and the error
// wraps ErrAppendFailure. Flushing with nothing pending does nothing.
func (r *Register) Flush(ctx context.Context) error {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()

	r.mu.Lock()
	if r.state == RegisterCompleted {
		r.mu.Unlock()
		return ErrRegisterCompleted
	}
	batch := append([]pendingEvent(nil), r.pending...)
	r.state = RegisterFlushing
	r.mu.Unlock()

	defer func() {
		r.mu.Lock()
		if r.state == RegisterFlushing {
			r.state = RegisterAccumulating
		}
		r.mu.Unlock()
	}()

	return r.flush(ctx, batch)
}

func (r *Register) flush(ctx context.Context, batch []pendingEvent) error {
	if len(batch) == 0 {
		return nil
	}

	envelopes, err := r.envelopes(batch)
	if err != nil {
		return &AppendError{Pending: len(batch), Err: err}
	}

	timer := r.metrics.StoreAppendDuration()
	committed, err := r.appender.Append(ctx, envelopes)
	timer.ObserveDuration()

	r.mu.Lock()
	r.pending = r.pending[len(committed):]
	r.mu.Unlock()

	if err != nil {
		r.log.Error(
			"flush failed",
			slog.Int("persisted", len(committed)),
			slog.Int("pending", len(batch)-len(committed)),
			slog.Any("error", err),
		)
		if len(committed) > 0 && r.onCommit != nil {
			r.onCommit(ctx, committed)
		}
		return &AppendError{Persisted: len(committed), Pending: len(batch) - len(committed), Err: err}
	}

	r.log.Debug("flushed", slog.Int("events", len(committed)))
	if r.onCommit != nil {
		r.onCommit(ctx, committed)
	}
	return nil
}

func (r *Register) envelopes(batch []pendingEvent) ([]Envelope, error) {
	out := make([]Envelope, 0, len(batch))
	for _, p := range batch {
		env, err := r.envelope(p)
		if err != nil {
			return nil, err
		}
		out = append(out, env)
	}
	return out, nil
}

func (r *Register) envelope(p pendingEvent) (Envelope, error) {
	info, err := r.registry.EventInfoOf(p.payload)
	if err != nil {
		return Envelope{}, err
	}
	ider, ok := p.payload.(EntityIDer)
	if !ok {
		return Envelope{}, fmt.Errorf("event %s does not implement EntityID()", info.TypeName)
	}
	data, err := json.Marshal(p.payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("encode event %s: %w", info.TypeName, err)
	}
	return Envelope{
		ID:             p.id,
		Kind:           KindEvent,
		TypeName:       info.TypeName,
		EntityTypeName: info.EntityTypeName,
		EntityID:       ider.EntityID(),
		Version:        info.Version,
		RequestID:      r.RequestID,
		CurrentUser:    r.CurrentUser,
		CreatedAt:      p.createdAt,
		Value:          data,
	}, nil
}

// complete flushes whatever is still pending once and ends the Register.
func (r *Register) complete(ctx context.Context) error {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()

	r.mu.Lock()
	if r.state == RegisterCompleted {
		r.mu.Unlock()
		return ErrRegisterCompleted
	}
	batch := append([]pendingEvent(nil), r.pending...)
	r.state = RegisterFlushing
	r.mu.Unlock()

	err := r.flush(ctx, batch)

	r.mu.Lock()
	r.state = RegisterCompleted
	r.mu.Unlock()
	return err
}

// discard ends the Register without persisting what is still pending.
func (r *Register) discard() {
	r.flushMu.Lock()
	defer r.flushMu.Unlock()

	r.mu.Lock()
	defer r.mu.Unlock()
	if n := len(r.pending); n > 0 {
		r.log.Debug("discarding pending events", slog.Int("events", n))
	}
	r.pending = nil
	r.state = RegisterCompleted
}

// HandlerFunc is a command or event handler.
type HandlerFunc func(ctx context.Context, r *Register) error

// Execute runs handler with r. When the handler succeeds, everything still
// pending is flushed exactly once. When it fails, pending events are
// discarded; events flushed explicitly before the failure stay persisted.
func Execute(ctx context.Context, r *Register, handler HandlerFunc) error {
	if err := handler(ctx, r); err != nil {
		r.discard()
		return err
	}
	return r.complete(ctx)
}

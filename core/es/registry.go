package es

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"sync"

	"github.com/codewandler/cqrs-go/internal/reflector"
)

// MigrationFunc upgrades a payload from version N-1 to the version it is
// registered for.
type MigrationFunc func(old json.RawMessage) (json.RawMessage, error)

type (
	typeKind string

	typeDef struct {
		kind       typeKind
		name       string
		goType     reflect.Type
		newFn      func() any
		migrations map[int]MigrationFunc
		explicit   bool
	}

	reducerDef struct {
		entityType string
		eventType  string
		fn         func(ev any, current any) (any, error)
	}
)

const (
	entityKind typeKind = "entity"
	eventKind  typeKind = "event"
)

// currentVersion is the highest declared migration target, or 1.
func (d *typeDef) currentVersion() int {
	v := 1
	for to := range d.migrations {
		v = max(v, to)
	}
	return v
}

func (d *typeDef) migrate(version int, raw json.RawMessage) (json.RawMessage, error) {
	current := d.currentVersion()
	if version > current {
		return nil, fmt.Errorf("%s %s: stored version %d is newer than current version %d", d.kind, d.name, version, current)
	}
	if version < 1 {
		version = 1
	}
	for v := version + 1; v <= current; v++ {
		m, ok := d.migrations[v]
		if !ok {
			return nil, fmt.Errorf("%s %s: no migration to version %d", d.kind, d.name, v)
		}
		var err error
		if raw, err = m(raw); err != nil {
			return nil, fmt.Errorf("%s %s: migrate to version %d: %w", d.kind, d.name, v, err)
		}
	}
	return raw, nil
}

// Registry binds entity types, event types, reducers and schema migrations.
// Registration happens at startup; Validate reports every configuration
// problem at once so nothing surfaces at request time.
type Registry struct {
	mu       sync.RWMutex
	entities map[string]*typeDef
	events   map[string]*typeDef
	byGoType map[reflect.Type]*typeDef
	reducers map[string]reducerDef // event type -> reducer
	errs     []error
}

func NewRegistry() *Registry {
	return &Registry{
		entities: map[string]*typeDef{},
		events:   map[string]*typeDef{},
		byGoType: map[reflect.Type]*typeDef{},
		reducers: map[string]reducerDef{},
	}
}

type (
	typeOptions struct {
		name       string
		migrations []migrationOption
	}

	TypeOption interface {
		applyToType(*typeOptions)
	}

	TypeNameOption  valueOption[string]
	migrationOption struct {
		to int
		fn MigrationFunc
	}
)

func (o TypeNameOption) applyToType(opts *typeOptions) { opts.name = o.v }
func (o migrationOption) applyToType(opts *typeOptions) {
	opts.migrations = append(opts.migrations, o)
}

// WithTypeName overrides the persisted type name.
func WithTypeName(name string) TypeNameOption { return TypeNameOption{v: name} }

// WithMigration registers the upgrade from version to-1 to version to.
// Declared versions of a type must be exactly 2..N.
func WithMigration(to int, fn MigrationFunc) TypeOption { return migrationOption{to: to, fn: fn} }

// RegisterEntity registers S as an entity type.
func RegisterEntity[S any](r *Registry, opts ...TypeOption) {
	r.register(entityKind, reflect.TypeFor[S](), func() any { return new(S) }, true, opts...)
}

// RegisterEvent registers E as an event type. Every event type needs exactly
// one reducer, see On.
func RegisterEvent[E any](r *Registry, opts ...TypeOption) {
	r.register(eventKind, reflect.TypeFor[E](), func() any { return new(E) }, true, opts...)
}

// On registers the reducer folding events of type E into entities of type S.
// E and S are registered with default names if they were not registered yet.
// A reducer returning nil leaves the entity undefined.
func On[E, S any](r *Registry, fn func(ev *E, current *S) (*S, error)) {
	ent := r.register(entityKind, reflect.TypeFor[S](), func() any { return new(S) }, false)
	evt := r.register(eventKind, reflect.TypeFor[E](), func() any { return new(E) }, false)
	if ent == nil || evt == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.reducers[evt.name]; ok {
		r.errs = append(r.errs, configErrorf(
			"duplicate reducer for event %s (entity %s, already reduced by %s)",
			evt.name, ent.name, existing.entityType,
		))
		return
	}

	r.reducers[evt.name] = reducerDef{
		entityType: ent.name,
		eventType:  evt.name,
		fn: func(ev any, current any) (any, error) {
			e, ok := ev.(*E)
			if !ok {
				return nil, fmt.Errorf("reducer for %s got %T", evt.name, ev)
			}
			var cur *S
			if current != nil {
				if cur, ok = current.(*S); !ok {
					return nil, fmt.Errorf("reducer for %s got entity %T", evt.name, current)
				}
			}
			next, err := fn(e, cur)
			if err != nil {
				return nil, err
			}
			if next == nil {
				return nil, nil
			}
			return next, nil
		},
	}
}

func defaultTypeName(kind typeKind, t reflect.Type, newFn func() any) string {
	sample := newFn()
	switch kind {
	case entityKind:
		if n, ok := sample.(interface{ EntityType() string }); ok {
			return n.EntityType()
		}
	case eventKind:
		if n, ok := sample.(interface{ EventType() string }); ok {
			return n.EventType()
		}
	}
	return reflector.TypeInfoForType(t).ShortName
}

func (r *Registry) register(kind typeKind, t reflect.Type, newFn func() any, explicit bool, opts ...TypeOption) *typeDef {
	options := typeOptions{}
	for _, opt := range opts {
		opt.applyToType(&options)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if def, ok := r.byGoType[t]; ok {
		switch {
		case def.kind != kind:
			r.errs = append(r.errs, configErrorf("type %s registered as %s and %s", t, def.kind, kind))
			return nil
		case !explicit:
			return def
		case def.explicit:
			r.errs = append(r.errs, configErrorf("duplicate %s registration for %s", kind, def.name))
			return def
		case options.name != "" && options.name != def.name:
			// a reducer already bound the default name
			r.errs = append(r.errs, configErrorf(
				"%s %s renamed to %s after a reducer referenced it", kind, def.name, options.name,
			))
			return def
		}
		def.explicit = true
		r.addMigrations(def, options.migrations)
		return def
	}

	name := options.name
	if name == "" {
		name = defaultTypeName(kind, t, newFn)
	}

	byName := r.events
	if kind == entityKind {
		byName = r.entities
	}
	if _, ok := byName[name]; ok {
		r.errs = append(r.errs, configErrorf("%s name %s used by more than one type", kind, name))
		return nil
	}

	def := &typeDef{
		kind:       kind,
		name:       name,
		goType:     t,
		newFn:      newFn,
		migrations: map[int]MigrationFunc{},
		explicit:   explicit,
	}
	r.addMigrations(def, options.migrations)
	byName[name] = def
	r.byGoType[t] = def
	return def
}

func (r *Registry) addMigrations(def *typeDef, migrations []migrationOption) {
	for _, m := range migrations {
		if _, ok := def.migrations[m.to]; ok {
			r.errs = append(r.errs, configErrorf("%s %s: duplicate migration to version %d", def.kind, def.name, m.to))
			continue
		}
		def.migrations[m.to] = m.fn
	}
}

// Validate reports duplicate registrations, events without a reducer and
// non-contiguous migration chains.
func (r *Registry) Validate() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	errs := slices.Clone(r.errs)

	for _, name := range sortedKeys(r.events) {
		if _, ok := r.reducers[name]; !ok {
			errs = append(errs, configErrorf("event %s has no reducer", name))
		}
	}

	for _, defs := range []map[string]*typeDef{r.entities, r.events} {
		for _, name := range sortedKeys(defs) {
			def := defs[name]
			for v := range def.migrations {
				if v < 2 {
					errs = append(errs, configErrorf("%s %s: migration to version %d is invalid", def.kind, name, v))
				}
			}
			for v := 2; v <= def.currentVersion(); v++ {
				if _, ok := def.migrations[v]; !ok {
					errs = append(errs, configErrorf("%s %s: migration to version %d is missing", def.kind, name, v))
				}
			}
		}
	}

	return errors.Join(errs...)
}

// EventInfo describes how a payload is recorded.
type EventInfo struct {
	TypeName       string
	EntityTypeName string
	Version        int
}

// EventInfoOf resolves the event type, target entity type and current schema
// version of a payload.
func (r *Registry) EventInfoOf(payload any) (EventInfo, error) {
	t := reflect.TypeOf(payload)
	if t != nil && t.Kind() == reflect.Pointer {
		t = t.Elem()
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	def, ok := r.byGoType[t]
	if !ok || def.kind != eventKind {
		return EventInfo{}, fmt.Errorf("%w: event %T", ErrUnknownType, payload)
	}
	red, ok := r.reducers[def.name]
	if !ok {
		return EventInfo{}, fmt.Errorf("%w: event %s", ErrReducerNotFound, def.name)
	}
	return EventInfo{
		TypeName:       def.name,
		EntityTypeName: red.entityType,
		Version:        def.currentVersion(),
	}, nil
}

// EntityTypeName returns the registered name of entity type S.
func EntityTypeName[S any](r *Registry) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.byGoType[reflect.TypeFor[S]()]
	if !ok || def.kind != entityKind {
		return "", fmt.Errorf("%w: entity %s", ErrUnknownType, reflect.TypeFor[S]())
	}
	return def.name, nil
}

// EntityVersion returns the current schema version of an entity type.
func (r *Registry) EntityVersion(entityType string) (int, error) {
	def, err := r.entity(entityType)
	if err != nil {
		return 0, err
	}
	return def.currentVersion(), nil
}

func (r *Registry) entity(name string) (*typeDef, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.entities[name]
	if !ok {
		return nil, fmt.Errorf("%w: entity %s", ErrUnknownType, name)
	}
	return def, nil
}

// DecodeEvent migrates the payload of env to the current version and decodes it.
func (r *Registry) DecodeEvent(env Envelope) (any, error) {
	r.mu.RLock()
	def, ok := r.events[env.TypeName]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: event %s", ErrUnknownType, env.TypeName)
	}
	return decode(def, env.Version, env.Value)
}

// DecodeEntity migrates a stored entity value to the current version and
// decodes it. A JSON null decodes to nil.
func (r *Registry) DecodeEntity(entityType string, version int, raw json.RawMessage) (any, error) {
	def, err := r.entity(entityType)
	if err != nil {
		return nil, err
	}
	if len(raw) == 0 || string(raw) == "null" {
		return nil, nil
	}
	return decode(def, version, raw)
}

func decode(def *typeDef, version int, raw json.RawMessage) (any, error) {
	raw, err := def.migrate(version, raw)
	if err != nil {
		return nil, err
	}
	v := def.newFn()
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, v); err != nil {
			return nil, fmt.Errorf("decode %s %s: %w", def.kind, def.name, err)
		}
	}
	return v, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}

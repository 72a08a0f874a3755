package proj

import (
	"encoding/json"
	"errors"
	"fmt"
	"reflect"
	"slices"

	"github.com/codewandler/cqrs-go/core/ds"
	"github.com/codewandler/cqrs-go/core/es"
)

// Outcome is what a projection decided for one read model.
type Outcome string

const (
	OutcomeValue   Outcome = "value"
	OutcomeDelete  Outcome = "delete"
	OutcomeNothing Outcome = "nothing"
)

// Result is returned by a projection function. Use Set, Delete or Nothing.
type Result[RM any] struct {
	outcome Outcome
	value   *RM
}

// Set stores v as the new read model. Set(nil) is Nothing.
func Set[RM any](v *RM) Result[RM] {
	if v == nil {
		return Nothing[RM]()
	}
	return Result[RM]{outcome: OutcomeValue, value: v}
}

// Delete removes the read model. Deleting an absent read model is a no-op.
func Delete[RM any]() Result[RM] { return Result[RM]{outcome: OutcomeDelete} }

// Nothing leaves the read model untouched.
func Nothing[RM any]() Result[RM] { return Result[RM]{outcome: OutcomeNothing} }

func (r Result[RM]) Outcome() Outcome {
	if r.outcome == "" {
		return OutcomeNothing
	}
	return r.outcome
}

// JoinKey derives the ids of the read models an entity projects to.
type JoinKey[S any] struct {
	name string
	ids  func(*S) []string
}

// By projects an entity to the one read model whose id is get(entity).
func By[S any](name string, get func(*S) string) JoinKey[S] {
	return JoinKey[S]{
		name: name,
		ids:  func(s *S) []string { return []string{get(s)} },
	}
}

// ByEach projects an entity to one read model per id returned by get. Duplicate
// ids are projected once.
func ByEach[S any](name string, get func(*S) []string) JoinKey[S] {
	return JoinKey[S]{name: name, ids: get}
}

func (k JoinKey[S]) Name() string { return k.name }

// targets returns the distinct non-empty ids in first-seen order.
func (k JoinKey[S]) targets(s *S) []string {
	return ds.NewSet(k.ids(s)...).
		Filter(func(id string) bool { return id != "" }).
		Values()
}

// Func computes the next read model with the given id from the entity and the
// current read model, which is nil when none is stored yet.
type Func[S, RM any] func(entity *S, id string, current *RM) (Result[RM], error)

// Projection maps entities of one type onto read models of one type.
type Projection struct {
	readModelType string
	entityGoType  reflect.Type
	joinKey       string
	entityName    func(*es.Registry) (string, error)
	targets       func(entity any) ([]string, error)
	project       func(entity any, id string, current json.RawMessage) (Outcome, json.RawMessage, error)
}

// New creates a projection from entity type S onto read model type RM.
func New[S, RM any](key JoinKey[S], fn Func[S, RM]) *Projection {
	cast := func(entity any) (*S, error) {
		s, ok := entity.(*S)
		if !ok {
			return nil, fmt.Errorf("projection expects %s, got %T", reflect.TypeFor[*S](), entity)
		}
		return s, nil
	}

	return &Projection{
		readModelType: ReadModelTypeName[RM](),
		entityGoType:  reflect.TypeFor[S](),
		joinKey:       key.name,
		entityName:    es.EntityTypeName[S],
		targets: func(entity any) ([]string, error) {
			s, err := cast(entity)
			if err != nil {
				return nil, err
			}
			return key.targets(s), nil
		},
		project: func(entity any, id string, raw json.RawMessage) (Outcome, json.RawMessage, error) {
			s, err := cast(entity)
			if err != nil {
				return "", nil, err
			}
			var current *RM
			if raw != nil {
				current = new(RM)
				if err := json.Unmarshal(raw, current); err != nil {
					return "", nil, fmt.Errorf("decode current read model: %w", err)
				}
			}
			res, err := fn(s, id, current)
			if err != nil {
				return "", nil, err
			}
			if res.Outcome() != OutcomeValue {
				return res.Outcome(), nil, nil
			}
			data, err := json.Marshal(res.value)
			if err != nil {
				return "", nil, fmt.Errorf("encode read model: %w", err)
			}
			return OutcomeValue, data, nil
		},
	}
}

func (p *Projection) ReadModelType() string { return p.readModelType }
func (p *Projection) JoinKey() string       { return p.joinKey }

func (p *Projection) String() string {
	return fmt.Sprintf("%s->%s(%s)", p.entityGoType.Name(), p.readModelType, p.joinKey)
}

// Registry holds the projections per entity type.
type Registry struct {
	entities *es.Registry
	byEntity map[string][]*Projection
	seen     map[string]struct{}
	errs     []error
}

func NewRegistry(entities *es.Registry) *Registry {
	return &Registry{
		entities: entities,
		byEntity: map[string][]*Projection{},
		seen:     map[string]struct{}{},
	}
}

// Add registers projections. Problems are reported by Validate.
func (r *Registry) Add(projections ...*Projection) *Registry {
	for _, p := range projections {
		name, err := p.entityName(r.entities)
		if err != nil {
			r.errs = append(r.errs, fmt.Errorf("projection %s: %w", p, err))
			continue
		}
		id := name + "|" + p.readModelType + "|" + p.joinKey
		if _, dup := r.seen[id]; dup {
			r.errs = append(r.errs, fmt.Errorf("%w: duplicate projection %s", es.ErrInvalidConfiguration, p))
			continue
		}
		r.seen[id] = struct{}{}
		r.byEntity[name] = append(r.byEntity[name], p)
	}
	return r
}

func (r *Registry) Validate() error {
	if len(r.errs) == 0 {
		return nil
	}
	return fmt.Errorf("projections: %w", errors.Join(r.errs...))
}

// For returns the projections of an entity type in registration order.
func (r *Registry) For(entityType string) []*Projection {
	return slices.Clone(r.byEntity[entityType])
}

// EntityTypes returns the entity types that have projections.
func (r *Registry) EntityTypes() []string {
	out := make([]string, 0, len(r.byEntity))
	for name := range r.byEntity {
		out = append(out, name)
	}
	slices.Sort(out)
	return out
}

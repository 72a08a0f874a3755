package es

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

type (
	namedEvent  struct{ ID uuid.UUID }
	otherEntity struct{}
)

func (namedEvent) EventType() string     { return "counter.named" }
func (n namedEvent) EntityID() uuid.UUID { return n.ID }

func TestRegistry_Names(t *testing.T) {
	reg := newCounterRegistry(t)

	name, err := EntityTypeName[counter](reg)
	require.NoError(t, err)
	require.Equal(t, "counter", name)

	info, err := reg.EventInfoOf(&added{})
	require.NoError(t, err)
	require.Equal(t, EventInfo{TypeName: "added", EntityTypeName: "counter", Version: 1}, info)

	// values and pointers resolve alike
	info2, err := reg.EventInfoOf(added{})
	require.NoError(t, err)
	require.Equal(t, info, info2)

	_, err = reg.EventInfoOf(struct{}{})
	require.ErrorIs(t, err, ErrUnknownType)

	t.Run("EventType method", func(t *testing.T) {
		On(reg, func(*namedEvent, *counter) (*counter, error) { return nil, nil })
		require.NoError(t, reg.Validate())
		info, err := reg.EventInfoOf(namedEvent{})
		require.NoError(t, err)
		require.Equal(t, "counter.named", info.TypeName)
	})

	t.Run("WithTypeName", func(t *testing.T) {
		reg := NewRegistry()
		RegisterEntity[counter](reg, WithTypeName("Counter"))
		RegisterEvent[added](reg, WithTypeName("Added"))
		On(reg, func(*added, *counter) (*counter, error) { return nil, nil })
		require.NoError(t, reg.Validate())

		info, err := reg.EventInfoOf(added{})
		require.NoError(t, err)
		require.Equal(t, EventInfo{TypeName: "Added", EntityTypeName: "Counter", Version: 1}, info)
	})
}

func TestRegistry_Validate(t *testing.T) {
	noop := func(*added, *counter) (*counter, error) { return nil, nil }

	cases := []struct {
		name   string
		setup  func(reg *Registry)
		errMsg string
	}{
		{
			name: "duplicate reducer",
			setup: func(reg *Registry) {
				On(reg, noop)
				On(reg, noop)
			},
			errMsg: "duplicate reducer for event added",
		},
		{
			name: "event reduced by two entities",
			setup: func(reg *Registry) {
				On(reg, noop)
				On(reg, func(*added, *otherEntity) (*otherEntity, error) { return nil, nil })
			},
			errMsg: "already reduced by counter",
		},
		{
			name: "duplicate entity",
			setup: func(reg *Registry) {
				RegisterEntity[counter](reg)
				RegisterEntity[counter](reg)
			},
			errMsg: "duplicate entity registration for counter",
		},
		{
			name: "name used twice",
			setup: func(reg *Registry) {
				RegisterEntity[counter](reg, WithTypeName("x"))
				RegisterEntity[otherEntity](reg, WithTypeName("x"))
			},
			errMsg: "entity name x used by more than one type",
		},
		{
			name: "missing reducer",
			setup: func(reg *Registry) {
				RegisterEvent[reset](reg)
			},
			errMsg: "event reset has no reducer",
		},
		{
			name: "migration gap",
			setup: func(reg *Registry) {
				RegisterEvent[added](reg, WithMigration(3, RawIdentity))
				On(reg, noop)
			},
			errMsg: "event added: migration to version 2 is missing",
		},
		{
			name: "migration to version 1",
			setup: func(reg *Registry) {
				RegisterEntity[counter](reg, WithMigration(1, RawIdentity))
			},
			errMsg: "entity counter: migration to version 1 is invalid",
		},
		{
			name: "duplicate migration",
			setup: func(reg *Registry) {
				RegisterEntity[counter](reg, WithMigration(2, RawIdentity), WithMigration(2, RawIdentity))
			},
			errMsg: "entity counter: duplicate migration to version 2",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			reg := NewRegistry()
			tc.setup(reg)
			err := reg.Validate()
			require.ErrorIs(t, err, ErrInvalidConfiguration)
			require.ErrorContains(t, err, tc.errMsg)
		})
	}

	t.Run("collects every problem", func(t *testing.T) {
		reg := NewRegistry()
		RegisterEvent[reset](reg)
		RegisterEntity[counter](reg, WithMigration(3, RawIdentity))
		err := reg.Validate()
		require.ErrorContains(t, err, "event reset has no reducer")
		require.ErrorContains(t, err, "migration to version 2 is missing")
	})
}

func TestRegistry_Migrations(t *testing.T) {
	reg := NewRegistry()
	RegisterEntity[counter](reg)
	RegisterEvent[added](reg,
		// v1 had "amount"
		WithMigration(2, renameField("amount", "n")),
		// v2 counted in tens
		WithMigration(3, func(old json.RawMessage) (json.RawMessage, error) {
			var m map[string]any
			if err := json.Unmarshal(old, &m); err != nil {
				return nil, err
			}
			m["n"] = m["n"].(float64) * 10
			return json.Marshal(m)
		}),
	)
	On(reg, func(ev *added, c *counter) (*counter, error) {
		return &counter{Total: ev.N}, nil
	})
	require.NoError(t, reg.Validate())

	info, err := reg.EventInfoOf(added{})
	require.NoError(t, err)
	require.Equal(t, 3, info.Version)

	id := uuid.New()
	for _, tc := range []struct {
		version int
		value   string
		want    int
	}{
		{1, `{"amount": 2}`, 20},
		{2, `{"n": 2}`, 20},
		{3, `{"n": 2}`, 2},
	} {
		ev, err := reg.DecodeEvent(rawEnvelope("counter", id, "added", tc.version, tc.value))
		require.NoError(t, err)
		require.Equal(t, tc.want, ev.(*added).N, "version %d", tc.version)
	}

	_, err = reg.DecodeEvent(rawEnvelope("counter", id, "added", 4, `{"n": 2}`))
	require.ErrorContains(t, err, "stored version 4 is newer than current version 3")

	t.Run("entity", func(t *testing.T) {
		reg := NewRegistry()
		RegisterEntity[counter](reg, WithMigration(2, renameField("sum", "total")))
		v, err := reg.DecodeEntity("counter", 1, json.RawMessage(`{"sum": 5}`))
		require.NoError(t, err)
		require.Equal(t, 5, v.(*counter).Total)

		v, err = reg.DecodeEntity("counter", 2, json.RawMessage(`null`))
		require.NoError(t, err)
		require.Nil(t, v)
	})
}

// RawIdentity is a migration that changes nothing.
func RawIdentity(old json.RawMessage) (json.RawMessage, error) { return old, nil }

func renameField(from, to string) MigrationFunc {
	return func(old json.RawMessage) (json.RawMessage, error) {
		var m map[string]any
		if err := json.Unmarshal(old, &m); err != nil {
			return nil, err
		}
		m[to] = m[from]
		delete(m, from)
		return json.Marshal(m)
	}
}

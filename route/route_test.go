package route

import (
	"testing"

	"github.com/stretchr/testify/require"
	"github.com/zjrosen/strand/signal"
)

type targetedCmd struct {
	Calc  string
	Value int
}

func (c *targetedCmd) TypeURL() string          { return "strand.test/TargetedCmd" }
func (c *targetedCmd) IsDefault() bool          { return c.Calc == "" && c.Value == 0 }
func (c *targetedCmd) TargetID() signal.EntityID { return signal.StringID(c.Calc) }

type blindCmd struct {
	Value int
}

func (c *blindCmd) TypeURL() string { return "strand.test/BlindCmd" }
func (c *blindCmd) IsDefault() bool { return c.Value == 0 }

func commandEnv(t *testing.T, payload signal.Message) signal.Envelope {
	t.Helper()
	env, err := signal.Enclose(signal.NewCommand(payload, "actor"))
	require.NoError(t, err)
	return env
}

func eventEnv(t *testing.T, payload signal.Message, producer signal.EntityID) signal.Envelope {
	t.Helper()
	cmd := signal.NewCommand(&targetedCmd{Calc: "c", Value: 1}, "actor")
	env, err := signal.Enclose(signal.NewEvent(payload, producer, signal.Version{Number: 1}, cmd))
	require.NoError(t, err)
	return env
}

func TestCommandRouting_DefaultUsesTarget(t *testing.T) {
	r := NewCommandRouting()

	id, err := r.Apply(commandEnv(t, &targetedCmd{Calc: "calc-1", Value: 3}))
	require.NoError(t, err)
	require.Equal(t, "calc-1", id.Key())
}

func TestCommandRouting_DefaultFailsWithoutTarget(t *testing.T) {
	r := NewCommandRouting()

	_, err := r.Apply(commandEnv(t, &blindCmd{Value: 3}))
	require.ErrorIs(t, err, ErrRouteFailed)
}

func TestCommandRouting_ClassRouteWins(t *testing.T) {
	r := NewCommandRouting()
	err := r.Set("strand.test/TargetedCmd", func(env signal.Envelope) (signal.EntityID, error) {
		return signal.StringID("override"), nil
	})
	require.NoError(t, err)

	id, err := r.Apply(commandEnv(t, &targetedCmd{Calc: "calc-1", Value: 3}))
	require.NoError(t, err)
	require.Equal(t, "override", id.Key())
}

func TestCommandRouting_SetDuplicate(t *testing.T) {
	r := NewCommandRouting()
	fn := func(env signal.Envelope) (signal.EntityID, error) { return signal.StringID("x"), nil }

	require.NoError(t, r.Set("c", fn))
	require.ErrorIs(t, r.Set("c", fn), ErrDuplicateRoute)
}

func TestCommandRouting_Remove(t *testing.T) {
	r := NewCommandRouting()
	fn := func(env signal.Envelope) (signal.EntityID, error) { return signal.StringID("x"), nil }

	require.ErrorIs(t, r.Remove("c"), ErrRouteNotFound)
	require.NoError(t, r.Set("c", fn))
	require.NoError(t, r.Remove("c"))
	require.ErrorIs(t, r.Remove("c"), ErrRouteNotFound)
}

func TestCommandRouting_EmptyIDFails(t *testing.T) {
	r := NewCommandRouting()
	require.NoError(t, r.Set("strand.test/TargetedCmd", func(env signal.Envelope) (signal.EntityID, error) {
		return signal.StringID(""), nil
	}))

	_, err := r.Apply(commandEnv(t, &targetedCmd{Calc: "calc-1", Value: 3}))
	require.ErrorIs(t, err, ErrRouteFailed)
}

func TestEventRouting_DefaultUsesProducer(t *testing.T) {
	r := NewEventRouting()

	ids, err := r.Apply(eventEnv(t, &blindCmd{Value: 7}, signal.StringID("calc-9")))
	require.NoError(t, err)
	require.Len(t, ids, 1)
	require.Equal(t, "calc-9", ids[0].Key())
}

func TestEventRouting_ClassRouteMayReturnEmpty(t *testing.T) {
	r := NewEventRouting()
	require.NoError(t, r.Set("strand.test/BlindCmd", func(env signal.Envelope) ([]signal.EntityID, error) {
		return nil, nil
	}))

	ids, err := r.Apply(eventEnv(t, &blindCmd{Value: 7}, signal.StringID("calc-9")))
	require.NoError(t, err)
	require.Empty(t, ids)
}

func TestEventRouting_CollapsesDuplicates(t *testing.T) {
	r := NewEventRouting()
	require.NoError(t, r.Set("strand.test/BlindCmd", func(env signal.Envelope) ([]signal.EntityID, error) {
		return []signal.EntityID{
			signal.StringID("a"),
			signal.StringID("b"),
			signal.StringID("a"),
		}, nil
	}))

	ids, err := r.Apply(eventEnv(t, &blindCmd{Value: 7}, signal.StringID("calc-9")))
	require.NoError(t, err)
	require.Len(t, ids, 2)
	require.Equal(t, "a", ids[0].Key())
	require.Equal(t, "b", ids[1].Key())
}

func TestUnicastOf(t *testing.T) {
	fn := UnicastOf(func(env signal.Envelope) (signal.EntityID, error) {
		return signal.StringID("one"), nil
	})

	ids, err := fn(signal.Envelope{})
	require.NoError(t, err)
	require.Len(t, ids, 1)
	require.Equal(t, "one", ids[0].Key())
}

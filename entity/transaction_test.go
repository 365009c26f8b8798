package entity

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/zjrosen/strand/internal/clock"
	"github.com/zjrosen/strand/signal"
)

type counterState struct {
	ID    string
	Total int
}

func (s *counterState) TypeURL() string { return "strand.test/Counter" }
func (s *counterState) IsDefault() bool { return s.ID == "" && s.Total == 0 }

func (s *counterState) Clone() State {
	c := *s
	return &c
}

type bumped struct {
	By int
}

func (m *bumped) TypeURL() string { return "strand.test/Bumped" }
func (m *bumped) IsDefault() bool { return m.By == 0 }

func counterEntity() *Entity {
	return &Entity{
		ID:      signal.StringID("counter-1"),
		State:   &counterState{ID: "counter-1"},
		Version: signal.ZeroVersion(),
	}
}

func eventEnv(t require.TestingT, by int, version signal.Version) signal.Envelope {
	cmd := signal.NewCommand(&bumped{By: by}, "actor")
	ev := signal.NewEvent(&bumped{By: by}, signal.StringID("counter-1"), version, cmd)
	env, err := signal.Enclose(ev)
	require.NoError(t, err)
	return env
}

func bump(by int) func(State) error {
	return func(b State) error {
		b.(*counterState).Total += by
		return nil
	}
}

func TestTransaction_CommitAppliesPhases(t *testing.T) {
	ent := counterEntity()
	tx := Start(ent, WithStrategy(FromEvent))

	require.NoError(t, tx.ApplyPhase(eventEnv(t, 3, signal.Version{Number: 1}), bump(3), signal.Version{Number: 1}))
	require.NoError(t, tx.ApplyPhase(eventEnv(t, 5, signal.Version{Number: 2}), bump(5), signal.Version{Number: 2}))

	// The entity is untouched until commit.
	require.Equal(t, 0, ent.State.(*counterState).Total)
	require.Equal(t, 0, ent.Version.Number)

	commit, err := tx.Commit()
	require.NoError(t, err)
	require.Equal(t, 2, commit.Phases)
	require.Equal(t, 8, ent.State.(*counterState).Total)
	require.Equal(t, 2, ent.Version.Number)
}

func TestTransaction_PhaseFailureAbortsAll(t *testing.T) {
	ent := counterEntity()
	ent.State.(*counterState).Total = 10
	tx := Start(ent, WithStrategy(FromEvent))

	require.NoError(t, tx.ApplyPhase(eventEnv(t, 3, signal.Version{Number: 1}), bump(3), signal.Version{Number: 1}))
	tx.RecordEvents(signal.NewCommand(&bumped{By: 3}, "actor"))

	boom := errors.New("boom")
	err := tx.ApplyPhase(eventEnv(t, 5, signal.Version{Number: 2}), func(State) error { return boom }, signal.Version{Number: 2})
	require.ErrorIs(t, err, boom)
	require.True(t, tx.Failed())

	_, err = tx.Commit()
	require.ErrorIs(t, err, ErrTransactionAborted)
	require.ErrorIs(t, err, boom)

	// Pre-transaction state, version and flags all survive.
	require.Equal(t, 10, ent.State.(*counterState).Total)
	require.Equal(t, 0, ent.Version.Number)
	require.Equal(t, LifecycleFlags{}, ent.Flags)
	require.Equal(t, 0, ent.EventCount)
}

func TestTransaction_FromEventRejectsStaleVersion(t *testing.T) {
	ent := counterEntity()
	ent.Version = signal.Version{Number: 5}
	tx := Start(ent, WithStrategy(FromEvent))

	err := tx.ApplyPhase(eventEnv(t, 1, signal.Version{Number: 5}), bump(1), signal.Version{Number: 5})
	require.ErrorIs(t, err, ErrNonMonotonicVersion)
	require.True(t, tx.Failed())
}

func TestTransaction_AutoIncrement(t *testing.T) {
	mc := clock.NewManual(time.Unix(5000, 0))
	ent := counterEntity()
	ent.Version = signal.Version{Number: 7}
	tx := Start(ent, WithStrategy(AutoIncrement), WithClock(mc))

	require.NoError(t, tx.ApplyPhase(eventEnv(t, 1, signal.Version{}), bump(1), signal.Version{}))
	_, err := tx.Commit()
	require.NoError(t, err)
	require.Equal(t, 8, ent.Version.Number)
	require.Equal(t, time.Unix(5000, 0), ent.Version.Timestamp)
}

type rejectTotals struct{}

func (rejectTotals) Validate(m signal.Message) error {
	if s, ok := m.(*counterState); ok && s.Total < 0 {
		return errors.New("total must not go negative")
	}
	return nil
}

func TestTransaction_ConstraintViolation(t *testing.T) {
	ent := counterEntity()
	tx := Start(ent, WithSchema(rejectTotals{}))

	err := tx.ApplyPhase(eventEnv(t, -4, signal.Version{}), bump(-4), signal.Version{})
	require.ErrorIs(t, err, ErrConstraintViolated)
	require.True(t, tx.Failed())
	require.Equal(t, 0, ent.State.(*counterState).Total)
}

func TestTransaction_ClosedRejectsFurtherUse(t *testing.T) {
	ent := counterEntity()
	tx := Start(ent)
	_, err := tx.Commit()
	require.NoError(t, err)

	require.ErrorIs(t, tx.ApplyPhase(eventEnv(t, 1, signal.Version{}), bump(1), signal.Version{}), ErrTransactionClosed)
	_, err = tx.Commit()
	require.ErrorIs(t, err, ErrTransactionClosed)
}

func TestTransaction_LifecycleFlags(t *testing.T) {
	ent := counterEntity()

	tx := Start(ent)
	tx.Archive()
	tx.Delete()
	_, err := tx.Commit()
	require.NoError(t, err)
	require.Equal(t, LifecycleFlags{Archived: true, Deleted: true}, ent.Flags)
	require.False(t, ent.Flags.Alive())

	tx = Start(ent)
	tx.Restore()
	_, err = tx.Commit()
	require.NoError(t, err)
	require.True(t, ent.Flags.Alive())
}

type hookRecorder struct {
	NoOpListener
	calls []string
}

func (h *hookRecorder) OnBeforePhase(Phase) { h.calls = append(h.calls, "before-phase") }

func (h *hookRecorder) OnAfterPhase(Phase) { h.calls = append(h.calls, "after-phase") }

func (h *hookRecorder) OnPhaseFail(Phase, error) { h.calls = append(h.calls, "phase-fail") }

func (h *hookRecorder) OnBeforeCommit(State, signal.Version, LifecycleFlags) {
	h.calls = append(h.calls, "before-commit")
}

func TestTransaction_ListenerHooks(t *testing.T) {
	hooks := &hookRecorder{}
	ent := counterEntity()
	tx := Start(ent, WithListener(hooks))

	require.NoError(t, tx.ApplyPhase(eventEnv(t, 1, signal.Version{}), bump(1), signal.Version{}))
	_, err := tx.Commit()
	require.NoError(t, err)
	require.Equal(t, []string{"before-phase", "after-phase", "before-commit"}, hooks.calls)

	hooks.calls = nil
	tx = Start(counterEntity(), WithListener(hooks))
	boom := errors.New("boom")
	require.Error(t, tx.ApplyPhase(eventEnv(t, 1, signal.Version{}), func(State) error { return boom }, signal.Version{}))
	require.Equal(t, []string{"before-phase", "phase-fail"}, hooks.calls)
}

// Version numbers only ever move strictly upward; any stale version aborts
// the whole transaction.
func TestProperty_VersionMonotonicity(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ent := counterEntity()
		tx := Start(ent, WithStrategy(FromEvent))

		versions := rapid.SliceOfN(rapid.IntRange(1, 20), 1, 10).Draw(t, "versions")
		applied := 0
		failed := false
		last := 0
		for _, n := range versions {
			v := signal.Version{Number: n}
			err := tx.ApplyPhase(eventEnv(t, 1, v), bump(1), v)
			if failed {
				require.ErrorIs(t, err, ErrTransactionClosed)
				continue
			}
			if n > last {
				require.NoError(t, err)
				last = n
				applied++
			} else {
				require.ErrorIs(t, err, ErrNonMonotonicVersion)
				failed = true
			}
		}

		commit, err := tx.Commit()
		if failed {
			require.ErrorIs(t, err, ErrTransactionAborted)
			require.Equal(t, 0, ent.Version.Number)
			require.Equal(t, 0, ent.State.(*counterState).Total)
		} else {
			require.NoError(t, err)
			require.Equal(t, last, ent.Version.Number)
			require.Equal(t, applied, commit.Phases)
		}
	})
}

// Either every phase is reflected by the commit or none is.
func TestProperty_TransactionAtomicity(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		ent := counterEntity()
		start := rapid.IntRange(0, 100).Draw(t, "start")
		ent.State.(*counterState).Total = start

		tx := Start(ent)
		boom := errors.New("boom")
		// Zero is excluded: a zero increment is the default bumped message,
		// which cannot be enclosed.
		nonZero := rapid.IntRange(-5, 5).Filter(func(n int) bool { return n != 0 })
		increments := rapid.SliceOfN(nonZero, 1, 10).Draw(t, "increments")
		failAt := rapid.IntRange(-1, len(increments)-1).Draw(t, "failAt")

		sum := 0
		failed := false
		for i, by := range increments {
			var err error
			if i == failAt {
				err = tx.ApplyPhase(eventEnv(t, by, signal.Version{}), func(State) error { return boom }, signal.Version{})
				require.ErrorIs(t, err, boom)
				failed = true
				break
			}
			err = tx.ApplyPhase(eventEnv(t, by, signal.Version{}), bump(by), signal.Version{})
			require.NoError(t, err)
			sum += by
		}

		_, err := tx.Commit()
		if failed {
			require.ErrorIs(t, err, ErrTransactionAborted)
			require.Equal(t, start, ent.State.(*counterState).Total)
		} else {
			require.NoError(t, err)
			require.Equal(t, start+sum, ent.State.(*counterState).Total)
		}
	})
}

package strand_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/zjrosen/strand"
	"github.com/zjrosen/strand/route"
	"github.com/zjrosen/strand/signal"
)

// Routing totality: command routes resolve to exactly one target or fail with
// ErrRouteFailed; event routes always yield a finite, deduplicated, possibly
// empty set.
func TestRoutingTotality(t *testing.T) {
	rapid.Check(t, func(r *rapid.T) {
		key := rapid.StringMatching(`[a-z0-9-]{0,12}`).Draw(r, "key")
		value := rapid.IntRange(-1000, 1000).Draw(r, "value")

		commands := route.NewCommandRouting()
		cmd := signal.NewCommand(&addNumber{Calc: key, Value: value}, "prop")
		id, err := commands.Apply(signal.Envelope{Signal: cmd})
		if key == "" {
			require.ErrorIs(r, err, route.ErrRouteFailed)
		} else {
			require.NoError(r, err)
			require.Equal(r, key, id.Key())
		}

		events := route.NewEventRouting()
		ev := signal.NewEvent(
			&numberAdded{Calc: key, Value: value},
			signal.StringID(key), signal.Version{Number: 1},
			cmd,
		)
		ids, err := events.Apply(signal.Envelope{Signal: ev})
		require.NoError(r, err)
		if key == "" {
			require.Empty(r, ids, "an event without a producer routes nowhere")
		} else {
			require.Len(r, ids, 1)
			require.Equal(r, key, ids[0].Key())
		}

		// A multicast route with duplicate targets collapses them.
		targets := rapid.SliceOfN(rapid.SampledFrom([]string{"a", "b", "c", ""}), 0, 8).Draw(r, "targets")
		multicast := route.NewEventRouting()
		require.NoError(r, multicast.Set(numberAddedURL, func(signal.Envelope) ([]signal.EntityID, error) {
			out := make([]signal.EntityID, 0, len(targets))
			for _, target := range targets {
				out = append(out, signal.StringID(target))
			}
			return out, nil
		}))
		ids, err = multicast.Apply(signal.Envelope{Signal: ev})
		require.NoError(r, err)

		unique := make(map[string]struct{})
		for _, target := range targets {
			if target != "" {
				unique[target] = struct{}{}
			}
		}
		if len(targets) > 1 {
			require.Len(r, ids, len(unique))
		}
		seen := make(map[string]struct{}, len(ids))
		for _, routed := range ids {
			_, dup := seen[routed.Key()]
			require.False(r, dup, "duplicate target %s", routed.Key())
			seen[routed.Key()] = struct{}{}
		}
	})
}

// Catch-up convergence: after completion the projection state equals the fold
// of the matching history, and every event was applied exactly once.
func TestCatchUpConvergence(t *testing.T) {
	rapid.Check(t, func(r *rapid.T) {
		values := rapid.SliceOfN(rapid.IntRange(1, 100), 0, 30).Draw(r, "values")

		f := newFixture(r, strand.Config{ShardCount: 2, TurbulencePeriod: time.Second})
		repo := sumViewRepo(r)
		require.NoError(r, f.b.Register(repo))

		ctx := context.Background()
		origin := signal.NewCommand(&addNumber{Calc: "view-p", Value: 1}, "seeder")
		now := time.Now()

		want := 0
		history := make([]signal.Signal, 0, len(values))
		for i, v := range values {
			ev := signal.NewEvent(
				&numberAdded{Calc: "view-p", Value: v},
				signal.StringID("view-p"), signal.Version{Number: i + 1},
				origin,
			)
			ev.Context.Timestamp = now.Add(-time.Hour + time.Duration(i)*time.Millisecond)
			history = append(history, ev)
			want += v
		}
		require.NoError(r, f.provider.EventStore().Append(ctx, history...))

		cu, err := f.b.CatchUp(strand.CatchUpRequest{ProjectionType: sumViewType})
		require.NoError(r, err)
		require.NoError(r, cu.Run(ctx))
		f.deliverAll(r)

		ent, err := repo.FindOrCreate(ctx, signal.StringID("view-p"))
		require.NoError(r, err)
		require.Equal(r, want, ent.State.(*sumView).Sum)
		require.Equal(r, len(values), ent.Version.Number)
	})
}

// Package entity holds the stateful side of the context: aggregates, process
// managers and projections, the transaction that applies one signal to one
// instance, and the repository that loads, dispatches to and stores them.
package entity

import "github.com/zjrosen/strand/signal"

// Kind tags the entity variant. Behavior differences between the variants
// live in the repository and the transaction, not in a type hierarchy.
type Kind int

const (
	// KindAggregate is event-sourced: state is the fold of its event
	// history, with optional snapshots.
	KindAggregate Kind = iota
	// KindProcessManager coordinates workflows: handles commands, reacts to
	// events and rejections, may emit commands.
	KindProcessManager
	// KindProjection is the read side: state mutated by events only.
	KindProjection
)

func (k Kind) String() string {
	switch k {
	case KindAggregate:
		return "aggregate"
	case KindProcessManager:
		return "process-manager"
	case KindProjection:
		return "projection"
	default:
		return "unknown"
	}
}

// State is an entity's payload. Clone must deep-copy: the transaction mutates
// the clone and the original stays untouched until commit.
type State interface {
	signal.Message
	Clone() State
}

// LifecycleFlags are the two independent lifecycle bits of an entity.
type LifecycleFlags struct {
	Archived bool
	Deleted  bool
}

// Alive reports whether the entity is neither archived nor deleted.
func (f LifecycleFlags) Alive() bool { return !f.Archived && !f.Deleted }

// Entity is one loaded instance.
type Entity struct {
	ID      signal.EntityID
	State   State
	Version signal.Version
	Flags   LifecycleFlags

	// EventCount is the number of events folded into State over the
	// entity's lifetime. Drives snapshot cadence for aggregates.
	EventCount int
}

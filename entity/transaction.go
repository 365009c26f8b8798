package entity

import (
	"errors"
	"fmt"

	"github.com/zjrosen/strand/internal/clock"
	"github.com/zjrosen/strand/signal"
)

// VersioningStrategy decides how the entity version advances per phase.
type VersioningStrategy int

const (
	// FromEvent copies the applied event's version, enforcing monotonicity.
	// Used by aggregates.
	FromEvent VersioningStrategy = iota
	// AutoIncrement bumps the number and stamps the current time. Used by
	// projections and process managers.
	AutoIncrement
)

var (
	// ErrTransactionClosed is returned when a committed or rolled back
	// transaction is used again.
	ErrTransactionClosed = errors.New("entity: transaction already closed")

	// ErrTransactionAborted is returned by Commit after a failed phase.
	ErrTransactionAborted = errors.New("entity: transaction aborted")

	// ErrNonMonotonicVersion is returned when a FromEvent phase carries a
	// version that is not strictly newer than the entity's.
	ErrNonMonotonicVersion = errors.New("entity: event version not monotonic")

	// ErrConstraintViolated is returned when the builder fails validation
	// after a phase.
	ErrConstraintViolated = errors.New("entity: state constraint violated")
)

// Phase is one applied step of a transaction: the signal being consumed and
// the version the step stamps.
type Phase struct {
	Env     signal.Envelope
	Index   int
	Version signal.Version
}

// Listener observes the transaction lifecycle and decides whether phase
// failures propagate to the repository.
type Listener interface {
	OnBeforePhase(p Phase)
	OnAfterPhase(p Phase)
	OnBeforeCommit(state State, v signal.Version, flags LifecycleFlags)
	OnPhaseFail(p Phase, err error)

	// PropagatesFailure reports whether a phase failure surfaces as a
	// delivery error or is swallowed after the rollback.
	PropagatesFailure() bool
}

// NoOpListener ignores all notifications and swallows phase failures.
type NoOpListener struct{}

func (NoOpListener) OnBeforePhase(Phase) {}

func (NoOpListener) OnAfterPhase(Phase) {}

func (NoOpListener) OnBeforeCommit(State, signal.Version, LifecycleFlags) {}

func (NoOpListener) OnPhaseFail(Phase, error) {}

func (NoOpListener) PropagatesFailure() bool { return false }

// PropagationRequiredListener surfaces phase failures to the repository.
// The repository default.
type PropagationRequiredListener struct {
	NoOpListener
}

func (PropagationRequiredListener) PropagatesFailure() bool { return true }

// Commit is the result of a committed transaction.
type Commit struct {
	State    State
	Version  signal.Version
	Flags    LifecycleFlags
	Events   []signal.Signal
	Commands []signal.Signal
	Phases   int
}

// Transaction stages the application of one signal to one entity. The entity
// is untouched until Commit; a failed phase aborts the whole transaction and
// discards everything staged so far.
type Transaction struct {
	entity   *Entity
	strategy VersioningStrategy
	listener Listener
	clock    clock.Clock
	schema   signal.Registry

	builder  State
	version  signal.Version
	flags    LifecycleFlags
	phases   []Phase
	events   []signal.Signal
	commands []signal.Signal

	aborted   bool
	committed bool
	failure   error
}

// TxOption configures a transaction at start.
type TxOption func(*Transaction)

// WithStrategy sets the versioning strategy.
func WithStrategy(s VersioningStrategy) TxOption {
	return func(tx *Transaction) { tx.strategy = s }
}

// WithListener sets the lifecycle listener.
func WithListener(l Listener) TxOption {
	return func(tx *Transaction) { tx.listener = l }
}

// WithClock sets the time source.
func WithClock(c clock.Clock) TxOption {
	return func(tx *Transaction) { tx.clock = c }
}

// WithSchema sets the registry validating the builder after each phase.
func WithSchema(r signal.Registry) TxOption {
	return func(tx *Transaction) { tx.schema = r }
}

// Start opens a transaction around the entity, snapshotting its state,
// version and flags.
func Start(e *Entity, opts ...TxOption) *Transaction {
	tx := &Transaction{
		entity:   e,
		strategy: AutoIncrement,
		listener: PropagationRequiredListener{},
		clock:    clock.RealClock{},
		schema:   signal.SelfValidating{},
		builder:  e.State.Clone(),
		version:  e.Version,
		flags:    e.Flags,
	}
	for _, opt := range opts {
		opt(tx)
	}
	return tx
}

// Builder returns the mutable working copy of the state.
func (tx *Transaction) Builder() State { return tx.builder }

// Version returns the pending version.
func (tx *Transaction) Version() signal.Version { return tx.version }

// Flags returns the pending lifecycle flags.
func (tx *Transaction) Flags() LifecycleFlags { return tx.flags }

// Failed reports whether a phase aborted the transaction.
func (tx *Transaction) Failed() bool { return tx.aborted }

// Err returns the failure that aborted the transaction, if any.
func (tx *Transaction) Err() error { return tx.failure }

// ApplyPhase runs one step against the builder and advances the version by
// the strategy. eventVersion is consulted only by FromEvent. Any failure
// aborts the transaction; the entity keeps its pre-transaction state.
func (tx *Transaction) ApplyPhase(env signal.Envelope, step func(builder State) error, eventVersion signal.Version) error {
	if tx.committed || tx.aborted {
		return ErrTransactionClosed
	}

	p := Phase{Env: env, Index: len(tx.phases)}
	switch tx.strategy {
	case FromEvent:
		if !eventVersion.After(tx.version) {
			err := fmt.Errorf("%w: %d after %d", ErrNonMonotonicVersion, eventVersion.Number, tx.version.Number)
			tx.fail(p, err)
			return err
		}
		p.Version = eventVersion
	case AutoIncrement:
		p.Version = tx.version.Next(tx.clock.Now())
	}

	tx.listener.OnBeforePhase(p)
	if err := step(tx.builder); err != nil {
		tx.fail(p, err)
		return err
	}
	if err := tx.schema.Validate(tx.builder); err != nil {
		err = fmt.Errorf("%w: %v", ErrConstraintViolated, err)
		tx.fail(p, err)
		return err
	}

	tx.version = p.Version
	tx.phases = append(tx.phases, p)
	tx.listener.OnAfterPhase(p)
	return nil
}

func (tx *Transaction) fail(p Phase, err error) {
	tx.aborted = true
	tx.failure = err
	tx.listener.OnPhaseFail(p, err)
}

// RecordEvents stages produced events for the commit.
func (tx *Transaction) RecordEvents(events ...signal.Signal) {
	tx.events = append(tx.events, events...)
}

// RecordCommands stages produced commands for the commit.
func (tx *Transaction) RecordCommands(commands ...signal.Signal) {
	tx.commands = append(tx.commands, commands...)
}

// Archive sets the archived flag on commit.
func (tx *Transaction) Archive() { tx.flags.Archived = true }

// Delete sets the deleted flag on commit.
func (tx *Transaction) Delete() { tx.flags.Deleted = true }

// Restore clears both lifecycle flags on commit.
func (tx *Transaction) Restore() { tx.flags = LifecycleFlags{} }

// Commit applies the staged state, version and flags to the entity and
// returns everything produced. Fails after an aborted phase.
func (tx *Transaction) Commit() (Commit, error) {
	if tx.committed {
		return Commit{}, ErrTransactionClosed
	}
	if tx.aborted {
		return Commit{}, fmt.Errorf("%w: %w", ErrTransactionAborted, tx.failure)
	}

	tx.listener.OnBeforeCommit(tx.builder, tx.version, tx.flags)

	tx.entity.State = tx.builder
	tx.entity.Version = tx.version
	tx.entity.Flags = tx.flags
	tx.entity.EventCount += len(tx.events)
	tx.committed = true

	return Commit{
		State:    tx.builder,
		Version:  tx.version,
		Flags:    tx.flags,
		Events:   tx.events,
		Commands: tx.commands,
		Phases:   len(tx.phases),
	}, nil
}

// Rollback discards the transaction. The entity is untouched.
func (tx *Transaction) Rollback() {
	tx.aborted = true
}

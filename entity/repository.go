package entity

import (
	"context"
	"errors"
	"fmt"

	"github.com/zjrosen/strand/bus"
	"github.com/zjrosen/strand/delivery"
	"github.com/zjrosen/strand/internal/clock"
	"github.com/zjrosen/strand/internal/log"
	"github.com/zjrosen/strand/internal/pubsub"
	"github.com/zjrosen/strand/model"
	"github.com/zjrosen/strand/route"
	"github.com/zjrosen/strand/signal"
	"github.com/zjrosen/strand/storage"
)

var (
	// ErrMissingState is returned by Validate when no state factory is set.
	ErrMissingState = errors.New("entity: state factory is required")
	// ErrMissingHandlers is returned by Validate when the handler map is
	// empty or nil.
	ErrMissingHandlers = errors.New("entity: handler map is required")
	// ErrNotBound is returned when a repository is used before Bind.
	ErrNotBound = errors.New("entity: repository not bound to a context")
	// ErrMissingApplier is returned when an aggregate produced an event it
	// has no applier for.
	ErrMissingApplier = errors.New("entity: no applier for produced event")
)

// Poster is the bus handle a repository posts produced signals through.
// Satisfied by *bus.Bus.
type Poster interface {
	Post(ctx context.Context, s signal.Signal) bus.Ack
}

// Config describes one entity class and its repository.
type Config struct {
	// Kind of the entity variant.
	Kind Kind

	// TypeURL identifies the entity class; it keys receivers, record
	// storages and catch-up requests.
	TypeURL string

	// NewState creates the fresh state of a new instance.
	NewState func(id signal.EntityID) State

	// Handlers is the descriptor table of the class.
	Handlers *model.Map

	// Commands routes command classes to targets. Defaults to the
	// Targeted-message route.
	Commands *route.CommandRouting

	// Events routes event and rejection classes to targets. Defaults to
	// the producer-id route.
	Events *route.EventRouting

	// Strategy defaults to FromEvent for aggregates, AutoIncrement
	// otherwise.
	Strategy VersioningStrategy

	// Listener defaults to PropagationRequiredListener.
	Listener Listener

	// Schema validates the state builder after each phase. Defaults to
	// signal.SelfValidating.
	Schema signal.Registry

	// SnapshotEvery writes an aggregate snapshot each time this many events
	// have accumulated. 0 disables snapshots.
	SnapshotEvery int

	// Clock is the time source. Defaults to the wall clock.
	Clock clock.Clock
}

// Validate checks the config and fills defaults.
func (cfg *Config) Validate() error {
	if cfg.TypeURL == "" {
		return errors.New("entity: type url is required")
	}
	if cfg.NewState == nil {
		return ErrMissingState
	}
	if cfg.Handlers == nil || cfg.Handlers.Len() == 0 {
		return ErrMissingHandlers
	}
	if cfg.Commands == nil {
		cfg.Commands = route.NewCommandRouting()
	}
	if cfg.Events == nil {
		cfg.Events = route.NewEventRouting()
	}
	if cfg.Listener == nil {
		cfg.Listener = PropagationRequiredListener{}
	}
	if cfg.Schema == nil {
		cfg.Schema = signal.SelfValidating{}
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}
	if cfg.Kind != KindAggregate {
		cfg.Strategy = AutoIncrement
	}
	return nil
}

// Deps are the context resources a repository is bound to at registration.
type Deps struct {
	Delivery     *delivery.Delivery
	EventStore   storage.EventStore
	Records      storage.RecordStorage
	Snapshots    storage.SnapshotStorage
	CommandBus   Poster
	EventBus     Poster
	RejectionBus Poster
	Diagnostics  *pubsub.Broker[Diagnostic]
}

// Repository owns one entity class: its metadata, routing tables and
// storage, and the dispatch endpoints binding it to the buses and the
// delivery substrate.
type Repository struct {
	cfg   Config
	deps  Deps
	bound bool
}

// NewRepository creates a repository from the config.
func NewRepository(cfg Config) (*Repository, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("repository %s: %w", cfg.TypeURL, err)
	}
	return &Repository{cfg: cfg}, nil
}

// TypeURL returns the entity class id.
func (r *Repository) TypeURL() string { return r.cfg.TypeURL }

// Kind returns the entity variant.
func (r *Repository) Kind() Kind { return r.cfg.Kind }

// EventRouting exposes the event routing table; catch-up derives targets
// through it.
func (r *Repository) EventRouting() *route.EventRouting { return r.cfg.Events }

// HandledEventClasses returns the event classes the repository consumes.
// Catch-up requests replay exactly these.
func (r *Repository) HandledEventClasses() []string {
	return r.cfg.Handlers.ClassesOfKind(model.EventReactor, model.EventSubscriber, model.EventApplier)
}

// Bind wires the repository into the context resources and registers it as
// the receiver of its entity type. Called once by the bounded context.
func (r *Repository) Bind(deps Deps) error {
	if deps.Delivery == nil {
		return fmt.Errorf("repository %s: delivery is required", r.cfg.TypeURL)
	}
	if r.cfg.Kind == KindAggregate && deps.EventStore == nil {
		return fmt.Errorf("repository %s: aggregates need an event store", r.cfg.TypeURL)
	}
	if r.cfg.Kind != KindAggregate && deps.Records == nil {
		return fmt.Errorf("repository %s: record storage is required", r.cfg.TypeURL)
	}
	if r.cfg.SnapshotEvery > 0 && deps.Snapshots == nil {
		return fmt.Errorf("repository %s: snapshot storage is required", r.cfg.TypeURL)
	}
	if err := deps.Delivery.RegisterReceiver(r.cfg.TypeURL, r); err != nil {
		return err
	}
	r.deps = deps
	r.bound = true
	return nil
}

// dispatcher binds a class subset of the repository to one bus.
type dispatcher struct {
	repo    *Repository
	classes []string
}

func (d dispatcher) MessageClasses() []string { return d.classes }

func (d dispatcher) Dispatch(ctx context.Context, env signal.Envelope) error {
	return d.repo.enqueue(ctx, env)
}

// CommandDispatcher returns the bus endpoint for the repository's command
// classes, or false if it handles none.
func (r *Repository) CommandDispatcher() (bus.Dispatcher, bool) {
	classes := r.cfg.Handlers.ClassesOfKind(model.CommandHandler, model.CommandSubstitute)
	return dispatcher{repo: r, classes: classes}, len(classes) > 0
}

// EventDispatcher returns the bus endpoint for the repository's event
// classes, or false if it handles none.
func (r *Repository) EventDispatcher() (bus.Dispatcher, bool) {
	classes := r.cfg.Handlers.ClassesOfKind(model.EventReactor, model.EventSubscriber)
	return dispatcher{repo: r, classes: classes}, len(classes) > 0
}

// RejectionDispatcher returns the bus endpoint for the repository's rejection
// classes, or false if it handles none.
func (r *Repository) RejectionDispatcher() (bus.Dispatcher, bool) {
	classes := r.cfg.Handlers.ClassesOfKind(model.RejectionReactor)
	return dispatcher{repo: r, classes: classes}, len(classes) > 0
}

// enqueue routes the envelope and persists it into the target shards.
// Routing failures surface to the bus caller and on the diagnostic channel.
func (r *Repository) enqueue(ctx context.Context, env signal.Envelope) error {
	if !r.bound {
		return ErrNotBound
	}
	ids, err := r.targets(env)
	if err != nil {
		r.diagnose(EvRoutingFailed, "", env.ID(), err)
		return err
	}
	for _, id := range ids {
		if _, err := r.deps.Delivery.Enqueue(ctx, env, id, r.cfg.TypeURL); err != nil {
			return err
		}
	}
	return nil
}

// filterValueOf extracts the handler-selection value a payload may carry.
func filterValueOf(env signal.Envelope) string {
	if f, ok := env.Signal.Payload.(signal.Filtered); ok {
		return f.FilterValue()
	}
	return ""
}

func (r *Repository) targets(env signal.Envelope) ([]signal.EntityID, error) {
	if env.Signal.Kind == signal.KindCommand {
		id, err := r.cfg.Commands.Apply(env)
		if err != nil {
			return nil, err
		}
		return []signal.EntityID{id}, nil
	}
	return r.cfg.Events.Apply(env)
}

// Receive applies one delivered signal to one target instance. It implements
// delivery.Receiver; all failure modes come back as an Outcome, never a
// panic.
func (r *Repository) Receive(ctx context.Context, env signal.Envelope, id signal.EntityID) (outcome delivery.Outcome) {
	defer func() {
		if p := recover(); p != nil {
			err := fmt.Errorf("handler panic: %v", p)
			r.diagnose(EvHandlerFailed, id.Key(), env.ID(), err)
			outcome = delivery.Failed(env.ID(), err)
		}
	}()

	if !r.bound {
		return delivery.Failed(env.ID(), ErrNotBound)
	}

	ent, err := r.FindOrCreate(ctx, id)
	if err != nil {
		r.diagnose(EvEntityStateCorrupted, id.Key(), env.ID(), err)
		return delivery.Failed(env.ID(), err)
	}
	if ent.Flags.Deleted {
		return delivery.Ignored(env.ID(), "entity deleted")
	}

	desc, ok := r.cfg.Handlers.HandlerOf(env.MessageClass(), filterValueOf(env))
	if !ok || desc.Kind == model.EventApplier {
		// Appliers run inside transactions only, never straight off a bus.
		return delivery.Ignored(env.ID(), "no handler for class")
	}

	tx := Start(ent,
		WithStrategy(r.cfg.Strategy),
		WithListener(r.cfg.Listener),
		WithClock(r.cfg.Clock),
		WithSchema(r.cfg.Schema),
	)

	var res model.Result
	if r.cfg.Kind == KindAggregate {
		// Aggregate handlers read state and emit; mutation happens in the
		// applier phases below.
		res = desc.Fn(tx.Builder(), env)
	} else {
		err = tx.ApplyPhase(env, func(b State) error {
			res = desc.Fn(b, env)
			return res.Err
		}, signal.Version{})
		if err != nil && res.Err == nil {
			res.Err = err
		}
	}

	if res.Err != nil {
		tx.Rollback()
		r.diagnose(failureKind(res.Err), id.Key(), env.ID(), res.Err)
		if !r.cfg.Listener.PropagatesFailure() {
			return delivery.Ignored(env.ID(), "failure swallowed by listener policy")
		}
		return delivery.Failed(env.ID(), res.Err)
	}
	if res.Rejection != nil {
		tx.Rollback()
		rejection := signal.NewRejection(res.Rejection, id, env.Signal)
		if r.deps.RejectionBus != nil {
			r.deps.RejectionBus.Post(ctx, rejection)
		}
		log.Debug(log.CatEntity, "command rejected", "type", r.cfg.TypeURL, "entity", id.Key(), "signal", env.ID())
		return delivery.Delivered(env.ID(), 0, 0)
	}

	if res.Archive {
		tx.Archive()
	}
	if res.Delete {
		tx.Delete()
	}
	if res.Restore {
		tx.Restore()
	}

	events, err := r.stageEvents(tx, env, id, res.Events)
	if err != nil {
		r.diagnose(failureKind(err), id.Key(), env.ID(), err)
		if !r.cfg.Listener.PropagatesFailure() {
			return delivery.Ignored(env.ID(), "failure swallowed by listener policy")
		}
		return delivery.Failed(env.ID(), err)
	}
	tx.RecordEvents(events...)

	commands := make([]signal.Signal, 0, len(res.Commands))
	for _, payload := range res.Commands {
		commands = append(commands, signal.NewChildCommand(payload, env.Signal))
	}
	tx.RecordCommands(commands...)

	commit, err := tx.Commit()
	if err != nil {
		r.diagnose(EvHandlerFailed, id.Key(), env.ID(), err)
		return delivery.Failed(env.ID(), err)
	}
	if err := r.persist(ctx, ent, commit); err != nil {
		r.diagnose(EvEntityStateCorrupted, id.Key(), env.ID(), err)
		return delivery.Failed(env.ID(), err)
	}

	// Produced signals go out in handler order, after the commit is durable.
	for _, ev := range commit.Events {
		if r.deps.EventBus != nil {
			r.deps.EventBus.Post(ctx, ev)
		}
	}
	for _, cmd := range commit.Commands {
		if r.deps.CommandBus != nil {
			r.deps.CommandBus.Post(ctx, cmd)
		}
	}
	return delivery.Delivered(env.ID(), len(commit.Events), len(commit.Commands))
}

// stageEvents turns produced payloads into event signals. For aggregates
// each event runs its applier as one transaction phase.
func (r *Repository) stageEvents(tx *Transaction, env signal.Envelope, id signal.EntityID, payloads []signal.Message) ([]signal.Signal, error) {
	if len(payloads) == 0 {
		return nil, nil
	}
	events := make([]signal.Signal, 0, len(payloads))
	for _, payload := range payloads {
		version := signal.Version{Number: tx.Version().Number + 1, Timestamp: r.cfg.Clock.Now()}
		ev := signal.NewEvent(payload, id, version, env.Signal)

		if r.cfg.Kind == KindAggregate {
			applier, ok := r.cfg.Handlers.HandlerOf(ev.MessageClass(), "")
			if !ok || applier.Kind != model.EventApplier {
				err := fmt.Errorf("%w: %s", ErrMissingApplier, ev.MessageClass())
				tx.fail(Phase{Env: env}, err)
				return nil, err
			}
			evEnv := signal.Envelope{Signal: ev}
			err := tx.ApplyPhase(evEnv, func(b State) error {
				return applier.Fn(b, evEnv).Err
			}, version)
			if err != nil {
				return nil, err
			}
		}
		events = append(events, ev)
	}
	return events, nil
}

// persist makes the commit durable: events appended for aggregates, the
// record written for everything with record storage.
func (r *Repository) persist(ctx context.Context, ent *Entity, commit Commit) error {
	if r.cfg.Kind == KindAggregate {
		if len(commit.Events) > 0 {
			if err := r.deps.EventStore.Append(ctx, commit.Events...); err != nil {
				return fmt.Errorf("append events of %s: %w", ent.ID.Key(), err)
			}
		}
		if r.cfg.SnapshotEvery > 0 && ent.EventCount > 0 && ent.EventCount%r.cfg.SnapshotEvery == 0 {
			snap := storage.Snapshot{State: commit.State, Version: commit.Version, EventCount: ent.EventCount}
			if err := r.deps.Snapshots.WriteSnapshot(ctx, ent.ID, snap); err != nil {
				return fmt.Errorf("snapshot %s: %w", ent.ID.Key(), err)
			}
		}
	}
	if r.deps.Records != nil {
		rec := storage.Record{
			ID:       ent.ID,
			State:    commit.State,
			Version:  commit.Version,
			Archived: commit.Flags.Archived,
			Deleted:  commit.Flags.Deleted,
		}
		if err := r.deps.Records.Write(ctx, rec); err != nil {
			return fmt.Errorf("write record of %s: %w", ent.ID.Key(), err)
		}
	}
	return nil
}

// FindOrCreate loads the instance or creates a fresh one. Aggregates replay
// their event history, starting from the latest snapshot when present;
// everything else reads its record.
func (r *Repository) FindOrCreate(ctx context.Context, id signal.EntityID) (*Entity, error) {
	if !r.bound {
		return nil, ErrNotBound
	}
	if r.cfg.Kind == KindAggregate {
		return r.loadAggregate(ctx, id)
	}

	rec, ok, err := r.deps.Records.Read(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("read record of %s: %w", id.Key(), err)
	}
	if !ok {
		return &Entity{ID: id, State: r.cfg.NewState(id), Version: signal.ZeroVersion()}, nil
	}
	state, ok := rec.State.(State)
	if !ok {
		return nil, fmt.Errorf("record of %s holds %T, not an entity state", id.Key(), rec.State)
	}
	return &Entity{
		ID:      id,
		State:   state,
		Version: rec.Version,
		Flags:   LifecycleFlags{Archived: rec.Archived, Deleted: rec.Deleted},
	}, nil
}

func (r *Repository) loadAggregate(ctx context.Context, id signal.EntityID) (*Entity, error) {
	ent := &Entity{ID: id, State: r.cfg.NewState(id), Version: signal.ZeroVersion()}

	if r.deps.Snapshots != nil {
		snap, ok, err := r.deps.Snapshots.ReadSnapshot(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("read snapshot of %s: %w", id.Key(), err)
		}
		if ok {
			state, isState := snap.State.(State)
			if !isState {
				return nil, fmt.Errorf("snapshot of %s holds %T, not an entity state", id.Key(), snap.State)
			}
			ent.State = state.Clone()
			ent.Version = snap.Version
			ent.EventCount = snap.EventCount
		}
	}

	// The snapshot version is a fixed replay floor. Events sharing a
	// timestamp can stream out of version order, so the running version
	// must not gate them.
	floor := ent.Version
	err := r.deps.EventStore.Read(ctx, storage.EventsQuery{ProducerID: id}, func(ev signal.Signal) error {
		if !ev.Version.After(floor) {
			// Already folded into the snapshot.
			return nil
		}
		applier, ok := r.cfg.Handlers.HandlerOf(ev.MessageClass(), "")
		if !ok || applier.Kind != model.EventApplier {
			return fmt.Errorf("%w: %s in history of %s", ErrMissingApplier, ev.MessageClass(), id.Key())
		}
		if res := applier.Fn(ent.State, signal.Envelope{Signal: ev}); res.Err != nil {
			return fmt.Errorf("replay %s on %s: %w", ev.ID, id.Key(), res.Err)
		}
		if ev.Version.After(ent.Version) {
			ent.Version = ev.Version
		}
		ent.EventCount++
		return nil
	})
	if err != nil {
		return nil, err
	}

	if r.deps.Records != nil {
		rec, ok, recErr := r.deps.Records.Read(ctx, id)
		if recErr != nil {
			return nil, fmt.Errorf("read record of %s: %w", id.Key(), recErr)
		}
		if ok {
			ent.Flags = LifecycleFlags{Archived: rec.Archived, Deleted: rec.Deleted}
		}
	}
	return ent, nil
}

// Store persists the entity outside a dispatch, for host applications that
// manage instances directly.
func (r *Repository) Store(ctx context.Context, ent *Entity) error {
	if !r.bound {
		return ErrNotBound
	}
	return r.persist(ctx, ent, Commit{State: ent.State, Version: ent.Version, Flags: ent.Flags})
}

func (r *Repository) diagnose(kind pubsub.EventType, entityID, signalID string, err error) {
	log.ErrorErr(log.CatEntity, "entity failure", err, "type", r.cfg.TypeURL, "entity", entityID, "signal", signalID, "kind", string(kind))
	if r.deps.Diagnostics != nil {
		r.deps.Diagnostics.Publish(kind, Diagnostic{
			EntityType: r.cfg.TypeURL,
			EntityID:   entityID,
			SignalID:   signalID,
			Err:        err,
		})
	}
}

func failureKind(err error) pubsub.EventType {
	if errors.Is(err, ErrConstraintViolated) {
		return EvConstraintViolated
	}
	return EvHandlerFailed
}

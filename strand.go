// Package strand is a signal dispatch and delivery core: commands, events and
// rejections move over class-keyed buses into sharded inboxes, where entity
// repositories apply them transactionally. A BoundedContext assembles the
// pieces: buses, repositories, the delivery substrate, storage, catch-up and
// the integration bridge.
package strand

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/zjrosen/strand/bus"
	"github.com/zjrosen/strand/delivery"
	"github.com/zjrosen/strand/entity"
	"github.com/zjrosen/strand/integration"
	"github.com/zjrosen/strand/internal/clock"
	"github.com/zjrosen/strand/internal/log"
	"github.com/zjrosen/strand/internal/pubsub"
	"github.com/zjrosen/strand/signal"
	"github.com/zjrosen/strand/storage"
	"github.com/zjrosen/strand/storage/memory"
	"github.com/zjrosen/strand/tracing"
)

var (
	// ErrMissingName is returned by Validate when the context has no name.
	ErrMissingName = errors.New("strand: context name is required")
	// ErrDuplicateRepository is returned when an entity type is registered
	// twice.
	ErrDuplicateRepository = errors.New("strand: entity type already registered")
	// ErrUnknownProjection is returned by CatchUp for an unregistered type.
	ErrUnknownProjection = errors.New("strand: projection type not registered")
	// ErrNotProjection is returned by CatchUp when the type is not a
	// projection. Only projections rebuild from history.
	ErrNotProjection = errors.New("strand: catch-up targets projections only")
)

// StorageProvider supplies the persistence of one bounded context.
// Satisfied by memory.Provider and sqlite.Store.
type StorageProvider interface {
	EventStore() storage.EventStore
	Inbox() delivery.InboxStorage
	RecordStorageFor(typeURL string) storage.RecordStorage
	SnapshotStorageFor(typeURL string) storage.SnapshotStorage
}

// Config configures a bounded context.
type Config struct {
	// Name identifies the context, in logs and on the integration wire.
	Name string

	// NodeID identifies this process in the work registry. Defaults to a
	// generated id.
	NodeID string

	// ShardCount fixes the number of delivery shards.
	ShardCount uint32

	// PageSize bounds one delivery read.
	PageSize int

	// IdempotenceWindow is how long delivered signals are remembered.
	IdempotenceWindow time.Duration

	// PollInterval is the idle sleep of delivery workers.
	PollInterval time.Duration

	// Workers sizes the delivery worker pool.
	Workers int

	// TurbulencePeriod is the catch-up window near the present in which
	// replays and live events interleave.
	TurbulencePeriod time.Duration

	// Strategy assigns entities to shards. Defaults to UniformHash.
	Strategy delivery.ShardingStrategy

	// WorkRegistry coordinates shard ownership across nodes. Defaults to
	// an in-memory registry.
	WorkRegistry delivery.WorkRegistry

	// Monitor observes delivery pages.
	Monitor delivery.Monitor

	// Storage supplies event, record, snapshot and inbox persistence.
	// Defaults to the in-memory provider.
	Storage StorageProvider

	// Transport enables the integration bridge when set.
	Transport integration.TransportFactory

	// Codec converts payloads for transports and persistent storage.
	// Defaults to an empty JSON codec.
	Codec signal.Codec

	// Tracer is the tracing provider. Defaults to a disabled one.
	Tracer *tracing.Provider

	// Schema validates posted payloads. Defaults to signal.SelfValidating.
	Schema signal.Registry

	// Clock is the time source. Defaults to the wall clock.
	Clock clock.Clock
}

// Validate checks the config and fills defaults.
func (cfg *Config) Validate() error {
	if cfg.Name == "" {
		return ErrMissingName
	}
	if cfg.Storage == nil {
		cfg.Storage = memory.NewProvider()
	}
	if cfg.Codec == nil {
		cfg.Codec = signal.NewJSONCodec()
	}
	if cfg.Schema == nil {
		cfg.Schema = signal.SelfValidating{}
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}
	if cfg.TurbulencePeriod <= 0 {
		cfg.TurbulencePeriod = delivery.DefaultTurbulencePeriod
	}
	if cfg.Tracer == nil {
		tracer, err := tracing.NewProvider(tracing.Config{})
		if err != nil {
			return err
		}
		cfg.Tracer = tracer
	}
	return nil
}

// BoundedContext is the assembled dispatch fabric of one domain boundary.
type BoundedContext struct {
	cfg Config

	commands   *bus.Bus
	events     *bus.Bus
	rejections *bus.Bus

	delivery    *delivery.Delivery
	diagnostics *pubsub.Broker[entity.Diagnostic]
	bridge      *integration.Bus

	repos map[string]*entity.Repository
}

// New assembles a bounded context from the config.
func New(cfg Config) (*BoundedContext, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	monitor := cfg.Monitor
	if cfg.Tracer.Enabled() {
		monitor = tracing.NewPageMonitor(cfg.Tracer.Tracer(), monitor)
	}

	d, err := delivery.New(delivery.Config{
		NodeID:            cfg.NodeID,
		ShardCount:        cfg.ShardCount,
		PageSize:          cfg.PageSize,
		IdempotenceWindow: cfg.IdempotenceWindow,
		PollInterval:      cfg.PollInterval,
		Workers:           cfg.Workers,
		Strategy:          cfg.Strategy,
		Inbox:             cfg.Storage.Inbox(),
		Registry:          cfg.WorkRegistry,
		Monitor:           monitor,
		Clock:             cfg.Clock,
	})
	if err != nil {
		return nil, fmt.Errorf("context %s: %w", cfg.Name, err)
	}

	busOpts := func(name string) []func(*bus.Config) {
		opts := []func(*bus.Config){bus.WithSchema(cfg.Schema)}
		if cfg.Tracer.Enabled() {
			opts = append(opts, bus.WithObservers(tracing.NewPostObserver(cfg.Tracer.Tracer(), name)))
		}
		return opts
	}

	b := &BoundedContext{
		cfg:         cfg,
		commands:    bus.NewCommandBus(busOpts("commands")...),
		events:      bus.NewEventBus(busOpts("events")...),
		rejections:  bus.NewRejectionBus(busOpts("rejections")...),
		delivery:    d,
		diagnostics: entity.NewDiagnostics(),
		repos:       make(map[string]*entity.Repository),
	}

	if cfg.Transport != nil {
		bridge, err := integration.New(integration.Config{
			ContextName: cfg.Name,
			Transport:   cfg.Transport,
			EventBus:    b.events,
			Codec:       cfg.Codec,
		})
		if err != nil {
			return nil, fmt.Errorf("context %s: %w", cfg.Name, err)
		}
		b.bridge = bridge
	}

	log.Info(log.CatBus, "bounded context assembled", "name", cfg.Name, "shards", d.ShardCount())
	return b, nil
}

// Name returns the context name.
func (b *BoundedContext) Name() string { return b.cfg.Name }

// CommandBus returns the unicast command bus.
func (b *BoundedContext) CommandBus() *bus.Bus { return b.commands }

// EventBus returns the multicast event bus.
func (b *BoundedContext) EventBus() *bus.Bus { return b.events }

// RejectionBus returns the multicast rejection bus.
func (b *BoundedContext) RejectionBus() *bus.Bus { return b.rejections }

// Delivery returns the sharded delivery substrate.
func (b *BoundedContext) Delivery() *delivery.Delivery { return b.delivery }

// Diagnostics returns the broker asynchronous failures are published on.
func (b *BoundedContext) Diagnostics() *pubsub.Broker[entity.Diagnostic] { return b.diagnostics }

// Integration returns the integration bridge, or false when no transport is
// configured.
func (b *BoundedContext) Integration() (*integration.Bus, bool) {
	return b.bridge, b.bridge != nil
}

// Storage returns the storage provider.
func (b *BoundedContext) Storage() StorageProvider { return b.cfg.Storage }

// Register binds the repository into the context: storages, buses, delivery
// receiver, diagnostics.
func (b *BoundedContext) Register(repo *entity.Repository) error {
	typeURL := repo.TypeURL()
	if _, dup := b.repos[typeURL]; dup {
		return fmt.Errorf("%w: %s", ErrDuplicateRepository, typeURL)
	}

	err := repo.Bind(entity.Deps{
		Delivery:     b.delivery,
		EventStore:   b.cfg.Storage.EventStore(),
		Records:      b.cfg.Storage.RecordStorageFor(typeURL),
		Snapshots:    b.cfg.Storage.SnapshotStorageFor(typeURL),
		CommandBus:   b.commands,
		EventBus:     b.events,
		RejectionBus: b.rejections,
		Diagnostics:  b.diagnostics,
	})
	if err != nil {
		return err
	}

	if d, ok := repo.CommandDispatcher(); ok {
		if err := b.commands.Register(d); err != nil {
			return err
		}
	}
	if d, ok := repo.EventDispatcher(); ok {
		if err := b.events.Register(d); err != nil {
			return err
		}
	}
	if d, ok := repo.RejectionDispatcher(); ok {
		if err := b.rejections.Register(d); err != nil {
			return err
		}
	}

	b.repos[typeURL] = repo
	log.Info(log.CatEntity, "repository registered", "context", b.cfg.Name, "type", typeURL, "kind", repo.Kind())
	return nil
}

// PostCommand wraps the payload in a root command and posts it.
func (b *BoundedContext) PostCommand(ctx context.Context, payload signal.Message, actor string) bus.Ack {
	return b.commands.Post(ctx, signal.NewCommand(payload, actor))
}

// CatchUpRequest asks for a projection rebuild from event history.
type CatchUpRequest struct {
	// ProjectionType is the registered projection's type url.
	ProjectionType string

	// TargetIDs restricts the rebuild to specific instances. Empty means
	// all.
	TargetIDs []signal.EntityID

	// SinceWhen is the inclusive lower bound of replayed history.
	SinceWhen time.Time

	// EventTypes restricts the replayed classes. Empty means every class
	// the projection handles.
	EventTypes []string
}

// CatchUp creates the catch-up process for the request. The caller drives it
// with Run; one process per projection type at a time.
func (b *BoundedContext) CatchUp(req CatchUpRequest) (*delivery.CatchUp, error) {
	repo, ok := b.repos[req.ProjectionType]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownProjection, req.ProjectionType)
	}
	if repo.Kind() != entity.KindProjection {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotProjection, req.ProjectionType, repo.Kind())
	}

	eventTypes := req.EventTypes
	if len(eventTypes) == 0 {
		eventTypes = repo.HandledEventClasses()
	}
	return b.delivery.NewCatchUp(delivery.CatchUpConfig{
		ProjectionType:   req.ProjectionType,
		Router:           repo.EventRouting(),
		Store:            b.cfg.Storage.EventStore(),
		EventTypes:       eventTypes,
		TargetIDs:        req.TargetIDs,
		SinceWhen:        req.SinceWhen,
		TurbulencePeriod: b.cfg.TurbulencePeriod,
	})
}

// Start launches the delivery workers.
func (b *BoundedContext) Start(ctx context.Context) error {
	return b.delivery.Start(ctx)
}

// Shutdown stops delivery, closes the integration bridge and flushes traces.
func (b *BoundedContext) Shutdown(ctx context.Context) error {
	b.delivery.Stop()

	var errs []error
	if b.bridge != nil {
		errs = append(errs, b.bridge.Close())
	}
	errs = append(errs, b.cfg.Tracer.Shutdown(ctx))
	return errors.Join(errs...)
}

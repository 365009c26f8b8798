package bus

import (
	"context"
	"errors"
	"fmt"

	"github.com/zjrosen/strand/internal/log"
	"github.com/zjrosen/strand/signal"
)

// Observer is notified after every posted signal with its final ack.
// Tracing and test harnesses hook in here.
type Observer interface {
	OnPosted(env signal.Envelope, ack Ack)
}

// Config configures a bus.
type Config struct {
	// Name identifies the bus in logs ("commands", "events", ...).
	Name string

	// Multicast selects the registry semantics. Unicast buses require
	// exactly one dispatcher per class; multicast deliver to all.
	Multicast bool

	// Schema validates payloads. Defaults to signal.SelfValidating.
	Schema signal.Registry

	// Filters run in order before dispatch.
	Filters []Filter

	// Observers are notified after every post.
	Observers []Observer
}

// Bus is the pipeline of one signal family:
// envelope, validate, filter, resolve, dispatch, acknowledge.
// The bus itself is stateless; registration guards the registry.
type Bus struct {
	name      string
	registry  *Registry
	schema    signal.Registry
	filters   []Filter
	observers []Observer
}

// New creates a bus from the config.
func New(cfg Config) *Bus {
	schema := cfg.Schema
	if schema == nil {
		schema = signal.SelfValidating{}
	}
	return &Bus{
		name:      cfg.Name,
		registry:  NewRegistry(cfg.Multicast),
		schema:    schema,
		filters:   cfg.Filters,
		observers: cfg.Observers,
	}
}

// NewCommandBus creates the unicast command bus.
func NewCommandBus(opts ...func(*Config)) *Bus {
	cfg := Config{Name: "commands", Multicast: false}
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.Multicast = false
	return New(cfg)
}

// NewEventBus creates the multicast event bus.
func NewEventBus(opts ...func(*Config)) *Bus {
	cfg := Config{Name: "events", Multicast: true}
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.Multicast = true
	return New(cfg)
}

// NewRejectionBus creates the multicast rejection bus. Rejections are a
// parallel family to events with their own registry.
func NewRejectionBus(opts ...func(*Config)) *Bus {
	cfg := Config{Name: "rejections", Multicast: true}
	for _, opt := range opts {
		opt(&cfg)
	}
	cfg.Multicast = true
	return New(cfg)
}

// WithSchema sets the schema registry.
func WithSchema(schema signal.Registry) func(*Config) {
	return func(cfg *Config) { cfg.Schema = schema }
}

// WithFilters appends filters to the chain.
func WithFilters(filters ...Filter) func(*Config) {
	return func(cfg *Config) { cfg.Filters = append(cfg.Filters, filters...) }
}

// WithObservers appends post observers.
func WithObservers(observers ...Observer) func(*Config) {
	return func(cfg *Config) { cfg.Observers = append(cfg.Observers, observers...) }
}

// Name returns the bus name.
func (b *Bus) Name() string { return b.name }

// Register adds the dispatcher to the registry.
func (b *Bus) Register(d Dispatcher) error {
	if err := b.registry.Register(d); err != nil {
		return fmt.Errorf("bus %s: %w", b.name, err)
	}
	return nil
}

// Unregister removes all associations of the dispatcher.
func (b *Bus) Unregister(d Dispatcher) {
	b.registry.Unregister(d)
}

// HasDispatcher reports whether the class currently has a dispatcher.
func (b *Bus) HasDispatcher(class string) bool {
	return len(b.registry.DispatchersOf(class)) > 0
}

// Post runs one signal through the pipeline and returns its ack. Dispatch
// failures surface in the ack; they never panic through the bus.
func (b *Bus) Post(ctx context.Context, s signal.Signal) Ack {
	ack := b.post(ctx, s)
	env := signal.Envelope{Signal: s}
	for _, obs := range b.observers {
		obs.OnPosted(env, ack)
	}
	return ack
}

// PostAll posts a batch in order and returns one ack per signal.
func (b *Bus) PostAll(ctx context.Context, signals []signal.Signal) []Ack {
	acks := make([]Ack, 0, len(signals))
	for _, s := range signals {
		acks = append(acks, b.Post(ctx, s))
	}
	return acks
}

func (b *Bus) post(ctx context.Context, s signal.Signal) Ack {
	// 1. Envelope; malformed signals never enter the pipeline.
	env, err := signal.Enclose(s)
	if err != nil {
		log.Warn(log.CatBus, "signal rejected at envelope", "bus", b.name, "signal", s.ID, "error", err)
		return Errored(s.ID, err)
	}

	// 2. Schema validation.
	if err := b.schema.Validate(s.Payload); err != nil {
		log.Warn(log.CatBus, "signal failed validation", "bus", b.name, "signal", s.ID, "error", err)
		return Errored(s.ID, err)
	}

	// 3. Filter chain.
	for _, f := range b.filters {
		switch decision := f.Check(env); decision.Verdict {
		case VerdictAck:
			log.Debug(log.CatBus, "filter short-circuit", "bus", b.name, "filter", f.Name(), "signal", s.ID)
			return decision.Ack
		case VerdictDrop:
			log.Debug(log.CatBus, "filter drop", "bus", b.name, "filter", f.Name(), "signal", s.ID)
			return OK(s.ID)
		}
	}

	// 4. Resolve dispatchers.
	dispatchers := b.registry.DispatchersOf(env.MessageClass())
	if len(dispatchers) == 0 {
		if b.registry.multicast {
			// A dead event is legal: no repository cares about it.
			log.Debug(log.CatBus, "dead message", "bus", b.name, "class", env.MessageClass(), "signal", s.ID)
			return OK(s.ID)
		}
		return Errored(s.ID, fmt.Errorf("%w: %s", ErrNoDispatcher, env.MessageClass()))
	}

	// 5. Dispatch synchronously; blocking belongs to delivery, not here.
	for _, d := range dispatchers {
		if err := d.Dispatch(ctx, env); err != nil {
			var rejection *RejectionError
			if errors.As(err, &rejection) {
				return Rejected(s.ID, rejection.Rejection)
			}
			log.ErrorErr(log.CatBus, "dispatch failed", err, "bus", b.name, "class", env.MessageClass(), "signal", s.ID)
			return Errored(s.ID, err)
		}
	}

	// 6. Acknowledge.
	return OK(s.ID)
}

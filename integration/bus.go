package integration

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/zjrosen/strand/bus"
	"github.com/zjrosen/strand/internal/log"
	"github.com/zjrosen/strand/signal"
)

var (
	// ErrMissingTransport is returned by Validate when no transport is set.
	ErrMissingTransport = errors.New("integration: transport factory is required")
	// ErrMissingEventBus is returned by Validate when no local event bus is
	// set.
	ErrMissingEventBus = errors.New("integration: local event bus is required")
	// ErrMissingCodec is returned by Validate when no payload codec is set.
	ErrMissingCodec = errors.New("integration: payload codec is required")
	// ErrAlreadyBridged is returned when a class is published or subscribed
	// twice.
	ErrAlreadyBridged = errors.New("integration: class already bridged")
)

// LocalBus is the slice of the event bus the integration bridge needs.
// Satisfied by *bus.Bus.
type LocalBus interface {
	Register(d bus.Dispatcher) error
	Post(ctx context.Context, s signal.Signal) bus.Ack
}

// Config configures an integration bus.
type Config struct {
	// ContextName identifies this context on the wire.
	ContextName string

	// Transport provides the channel endpoints. All bridged contexts share
	// the underlying medium.
	Transport TransportFactory

	// EventBus is the local event bus: published classes are tapped off it,
	// subscribed classes are posted into it.
	EventBus LocalBus

	// Codec converts payloads to and from channel bytes.
	Codec signal.Codec
}

// Validate checks the config.
func (cfg *Config) Validate() error {
	if cfg.ContextName == "" {
		return errors.New("integration: context name is required")
	}
	if cfg.Transport == nil {
		return ErrMissingTransport
	}
	if cfg.EventBus == nil {
		return ErrMissingEventBus
	}
	if cfg.Codec == nil {
		return ErrMissingCodec
	}
	return nil
}

// Bus bridges the local event bus to other contexts. Domestic events of the
// published classes go out on their channels; external events of the
// subscribed classes come in marked external and are posted locally.
type Bus struct {
	cfg Config

	mu          sync.Mutex
	publishers  map[string]Publisher
	subscribers map[string]Subscriber
	closed      bool
}

// New creates an integration bus from the config.
func New(cfg Config) (*Bus, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Bus{
		cfg:         cfg,
		publishers:  make(map[string]Publisher),
		subscribers: make(map[string]Subscriber),
	}, nil
}

// Publish exposes the given local event classes to other contexts. The bus
// registers itself on the local event bus as a dispatcher of those classes.
func (b *Bus) Publish(classes ...string) error {
	if len(classes) == 0 {
		return nil
	}
	b.mu.Lock()
	for _, class := range classes {
		if _, dup := b.publishers[class]; dup {
			b.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrAlreadyBridged, class)
		}
		pub, err := b.cfg.Transport.CreatePublisher(ChannelOf(class))
		if err != nil {
			b.mu.Unlock()
			return fmt.Errorf("open channel %s: %w", class, err)
		}
		b.publishers[class] = pub
	}
	b.mu.Unlock()

	if err := b.cfg.EventBus.Register(outbound{bus: b, classes: classes}); err != nil {
		return err
	}
	log.Info(log.CatIntegration, "classes published", "context", b.cfg.ContextName, "count", len(classes))
	return nil
}

// Subscribe requests the given external event classes. Incoming signals are
// posted into the local event bus with the external mark set.
func (b *Bus) Subscribe(classes ...string) error {
	for _, class := range classes {
		b.mu.Lock()
		if _, dup := b.subscribers[class]; dup {
			b.mu.Unlock()
			return fmt.Errorf("%w: %s", ErrAlreadyBridged, class)
		}
		sub, err := b.cfg.Transport.CreateSubscriber(ChannelOf(class))
		if err != nil {
			b.mu.Unlock()
			return fmt.Errorf("open channel %s: %w", class, err)
		}
		b.subscribers[class] = sub
		b.mu.Unlock()

		if err := sub.Observe(b.receive); err != nil {
			return err
		}
	}
	log.Info(log.CatIntegration, "classes subscribed", "context", b.cfg.ContextName, "count", len(classes))
	return nil
}

// Close shuts every channel endpoint down. The transport itself belongs to
// the caller.
func (b *Bus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil
	}
	b.closed = true
	for _, pub := range b.publishers {
		_ = pub.Close()
	}
	for _, sub := range b.subscribers {
		_ = sub.Close()
	}
	return nil
}

// outbound is the event bus dispatcher tapping published classes.
type outbound struct {
	bus     *Bus
	classes []string
}

func (o outbound) MessageClasses() []string { return o.classes }

func (o outbound) Dispatch(ctx context.Context, env signal.Envelope) error {
	return o.bus.broadcast(ctx, env)
}

// broadcast sends one domestic event outward. Signals that themselves came
// in through a bridge are skipped, otherwise two contexts subscribed to each
// other would loop forever.
func (b *Bus) broadcast(ctx context.Context, env signal.Envelope) error {
	if env.External() {
		return nil
	}
	b.mu.Lock()
	pub, ok := b.publishers[env.MessageClass()]
	b.mu.Unlock()
	if !ok {
		return nil
	}

	msg, err := b.encode(env.Signal)
	if err != nil {
		return fmt.Errorf("publish %s: %w", env.ID(), err)
	}
	if err := pub.Publish(ctx, msg); err != nil {
		return fmt.Errorf("publish %s: %w", env.ID(), err)
	}
	log.Debug(log.CatIntegration, "event published", "context", b.cfg.ContextName, "class", env.MessageClass(), "signal", env.ID())
	return nil
}

// receive posts one incoming external message into the local event bus.
// Decode failures are logged and dropped; the publishing context cannot be
// acked anyway.
func (b *Bus) receive(msg ExternalMessage) {
	if msg.Origin == b.cfg.ContextName {
		// Our own broadcast echoed back by the medium.
		return
	}
	s, err := b.decode(msg)
	if err != nil {
		log.ErrorErr(log.CatIntegration, "external message dropped", err, "context", b.cfg.ContextName, "class", msg.TypeURL, "signal", msg.SignalID)
		return
	}
	ack := b.cfg.EventBus.Post(context.Background(), s)
	if ack.Status != bus.StatusOK {
		log.Warn(log.CatIntegration, "external post not acked", "context", b.cfg.ContextName, "signal", msg.SignalID, "status", ack.Status)
	}
}

func (b *Bus) encode(s signal.Signal) (ExternalMessage, error) {
	payload, err := b.cfg.Codec.Marshal(s.Payload)
	if err != nil {
		return ExternalMessage{}, err
	}
	var producer string
	if s.ProducerID != nil {
		producer = s.ProducerID.Key()
	}
	return ExternalMessage{
		SignalID:    s.ID,
		Kind:        s.Kind,
		TypeURL:     s.MessageClass(),
		Payload:     payload,
		ProducerKey: producer,
		Version:     s.Version,
		Context:     s.Context,
		Origin:      b.cfg.ContextName,
	}, nil
}

func (b *Bus) decode(msg ExternalMessage) (signal.Signal, error) {
	payload, err := b.cfg.Codec.Unmarshal(msg.TypeURL, msg.Payload)
	if err != nil {
		return signal.Signal{}, err
	}
	ctx := msg.Context
	ctx.External = true
	return signal.Signal{
		ID:         msg.SignalID,
		Kind:       msg.Kind,
		Payload:    payload,
		Context:    ctx,
		ProducerID: signal.StringID(msg.ProducerKey),
		Version:    msg.Version,
	}, nil
}

package integration

import (
	"context"
	"errors"
	"sync"

	"github.com/zjrosen/strand/internal/log"
	"github.com/zjrosen/strand/internal/pubsub"
)

// ErrObserverSet is returned when Observe is called twice on one subscriber.
var ErrObserverSet = errors.New("integration: subscriber already has an observer")

// InMemoryTransport carries channels over in-process brokers. All contexts of
// one process share a single instance; it is the default transport and the
// one tests run on.
type InMemoryTransport struct {
	mu       sync.Mutex
	channels map[ChannelID]*pubsub.Broker[ExternalMessage]
	closed   bool
}

// NewInMemoryTransport creates an empty transport.
func NewInMemoryTransport() *InMemoryTransport {
	return &InMemoryTransport{channels: make(map[ChannelID]*pubsub.Broker[ExternalMessage])}
}

func (t *InMemoryTransport) brokerOf(channel ChannelID) (*pubsub.Broker[ExternalMessage], error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil, ErrChannelClosed
	}
	b, ok := t.channels[channel]
	if !ok {
		b = pubsub.NewBroker[ExternalMessage]()
		t.channels[channel] = b
	}
	return b, nil
}

// CreatePublisher implements TransportFactory.
func (t *InMemoryTransport) CreatePublisher(channel ChannelID) (Publisher, error) {
	b, err := t.brokerOf(channel)
	if err != nil {
		return nil, err
	}
	return &memoryPublisher{channel: channel, broker: b}, nil
}

// CreateSubscriber implements TransportFactory.
func (t *InMemoryTransport) CreateSubscriber(channel ChannelID) (Subscriber, error) {
	b, err := t.brokerOf(channel)
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &memorySubscriber{channel: channel, broker: b, ctx: ctx, cancel: cancel}, nil
}

// Close shuts every channel down.
func (t *InMemoryTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return nil
	}
	t.closed = true
	for _, b := range t.channels {
		b.Close()
	}
	t.channels = nil
	return nil
}

type memoryPublisher struct {
	channel ChannelID
	broker  *pubsub.Broker[ExternalMessage]
	closed  bool
	mu      sync.Mutex
}

func (p *memoryPublisher) Publish(_ context.Context, msg ExternalMessage) error {
	p.mu.Lock()
	closed := p.closed
	p.mu.Unlock()
	if closed {
		return ErrChannelClosed
	}
	p.broker.Publish(pubsub.EventType(p.channel), msg)
	return nil
}

func (p *memoryPublisher) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

type memorySubscriber struct {
	channel  ChannelID
	broker   *pubsub.Broker[ExternalMessage]
	ctx      context.Context
	cancel   context.CancelFunc
	mu       sync.Mutex
	observed bool
}

// Observe drains the channel on a background goroutine until Close.
func (s *memorySubscriber) Observe(fn func(ExternalMessage)) error {
	s.mu.Lock()
	if s.observed {
		s.mu.Unlock()
		return ErrObserverSet
	}
	s.observed = true
	s.mu.Unlock()

	sub := s.broker.Subscribe(s.ctx)
	log.SafeGo("integration-subscriber-"+string(s.channel), func() {
		for ev := range sub {
			fn(ev.Payload)
		}
	})
	return nil
}

func (s *memorySubscriber) Close() error {
	s.cancel()
	return nil
}

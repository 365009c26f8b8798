package integration_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/strand/bus"
	"github.com/zjrosen/strand/integration"
	"github.com/zjrosen/strand/signal"
)

const crunchedURL = "strand.test/NumberCrunched"

type numberCrunched struct {
	Calc  string
	Value int
}

func (m *numberCrunched) TypeURL() string { return crunchedURL }
func (m *numberCrunched) IsDefault() bool { return m.Calc == "" && m.Value == 0 }

func testCodec() *signal.JSONCodec {
	codec := signal.NewJSONCodec()
	codec.RegisterType(crunchedURL, func() signal.Message { return &numberCrunched{} })
	return codec
}

// capture records every envelope dispatched to it.
type capture struct {
	classes []string
	mu      sync.Mutex
	seen    []signal.Envelope
}

func (c *capture) MessageClasses() []string { return c.classes }

func (c *capture) Dispatch(_ context.Context, env signal.Envelope) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.seen = append(c.seen, env)
	return nil
}

func (c *capture) all() []signal.Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]signal.Envelope(nil), c.seen...)
}

func crunchedEvent(value int) signal.Signal {
	cmd := signal.NewCommand(&numberCrunched{Calc: "calc-1", Value: 1}, "actor")
	return signal.NewEvent(&numberCrunched{Calc: "calc-1", Value: value}, signal.StringID("calc-1"), signal.Version{Number: 1}, cmd)
}

func TestInMemoryTransport_RoundTrip(t *testing.T) {
	transport := integration.NewInMemoryTransport()
	defer transport.Close()

	pub, err := transport.CreatePublisher(integration.ChannelOf(crunchedURL))
	require.NoError(t, err)
	sub, err := transport.CreateSubscriber(integration.ChannelOf(crunchedURL))
	require.NoError(t, err)
	defer sub.Close()

	var mu sync.Mutex
	var got []integration.ExternalMessage
	require.NoError(t, sub.Observe(func(msg integration.ExternalMessage) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, msg)
	}))

	require.NoError(t, pub.Publish(context.Background(), integration.ExternalMessage{
		SignalID: "sig-1",
		TypeURL:  crunchedURL,
		Origin:   "ctx-a",
	}))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(got) == 1 && got[0].SignalID == "sig-1"
	}, time.Second, 5*time.Millisecond)

	require.ErrorIs(t, sub.Observe(func(integration.ExternalMessage) {}), integration.ErrObserverSet)
}

func TestIntegrationBus_BridgesContexts(t *testing.T) {
	transport := integration.NewInMemoryTransport()
	defer transport.Close()

	busA := bus.NewEventBus()
	bridgeA, err := integration.New(integration.Config{
		ContextName: "billing",
		Transport:   transport,
		EventBus:    busA,
		Codec:       testCodec(),
	})
	require.NoError(t, err)
	defer bridgeA.Close()
	require.NoError(t, bridgeA.Publish(crunchedURL))

	busB := bus.NewEventBus()
	local := &capture{classes: []string{crunchedURL}}
	require.NoError(t, busB.Register(local))
	bridgeB, err := integration.New(integration.Config{
		ContextName: "reporting",
		Transport:   transport,
		EventBus:    busB,
		Codec:       testCodec(),
	})
	require.NoError(t, err)
	defer bridgeB.Close()
	require.NoError(t, bridgeB.Subscribe(crunchedURL))

	ev := crunchedEvent(42)
	ack := busA.Post(context.Background(), ev)
	require.Equal(t, bus.StatusOK, ack.Status)

	require.Eventually(t, func() bool { return len(local.all()) == 1 }, time.Second, 5*time.Millisecond)

	got := local.all()[0]
	require.Equal(t, ev.ID, got.ID())
	require.True(t, got.External())
	require.Equal(t, &numberCrunched{Calc: "calc-1", Value: 42}, got.Signal.Payload)
	require.Equal(t, "calc-1", got.Signal.ProducerID.Key())
	require.Equal(t, 1, got.Signal.Version.Number)
}

func TestIntegrationBus_ExternalSignalsAreNotRebroadcast(t *testing.T) {
	transport := integration.NewInMemoryTransport()
	defer transport.Close()

	// Both contexts publish and subscribe the same class; a naive bridge
	// would bounce each event between them forever.
	newSide := func(name string) (*bus.Bus, *capture) {
		eventBus := bus.NewEventBus()
		local := &capture{classes: []string{crunchedURL}}
		require.NoError(t, eventBus.Register(local))
		bridge, err := integration.New(integration.Config{
			ContextName: name,
			Transport:   transport,
			EventBus:    eventBus,
			Codec:       testCodec(),
		})
		require.NoError(t, err)
		t.Cleanup(func() { bridge.Close() })
		require.NoError(t, bridge.Publish(crunchedURL))
		require.NoError(t, bridge.Subscribe(crunchedURL))
		return eventBus, local
	}

	busA, localA := newSide("billing")
	_, localB := newSide("reporting")

	busA.Post(context.Background(), crunchedEvent(7))

	require.Eventually(t, func() bool { return len(localB.all()) == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(50 * time.Millisecond)
	require.Len(t, localB.all(), 1)
	require.Len(t, localA.all(), 1)
	require.False(t, localA.all()[0].External())
}

func TestIntegrationBus_ConfigValidation(t *testing.T) {
	transport := integration.NewInMemoryTransport()
	defer transport.Close()

	_, err := integration.New(integration.Config{ContextName: "x", EventBus: bus.NewEventBus(), Codec: testCodec()})
	require.ErrorIs(t, err, integration.ErrMissingTransport)

	_, err = integration.New(integration.Config{ContextName: "x", Transport: transport, Codec: testCodec()})
	require.ErrorIs(t, err, integration.ErrMissingEventBus)

	_, err = integration.New(integration.Config{ContextName: "x", Transport: transport, EventBus: bus.NewEventBus()})
	require.ErrorIs(t, err, integration.ErrMissingCodec)

	bridge, err := integration.New(integration.Config{
		ContextName: "x",
		Transport:   transport,
		EventBus:    bus.NewEventBus(),
		Codec:       testCodec(),
	})
	require.NoError(t, err)
	defer bridge.Close()
	require.NoError(t, bridge.Publish(crunchedURL))
	require.ErrorIs(t, bridge.Publish(crunchedURL), integration.ErrAlreadyBridged)
	require.NoError(t, bridge.Subscribe(crunchedURL))
	require.ErrorIs(t, bridge.Subscribe(crunchedURL), integration.ErrAlreadyBridged)
}

package bus

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/zjrosen/strand/signal"
)

type addNumber struct {
	Calc  string
	Value int
}

func (m *addNumber) TypeURL() string { return "strand.test/AddNumber" }
func (m *addNumber) IsDefault() bool { return m.Calc == "" && m.Value == 0 }

type numberAdded struct {
	Calc  string
	Value int
}

func (m *numberAdded) TypeURL() string { return "strand.test/NumberAdded" }
func (m *numberAdded) IsDefault() bool { return m.Calc == "" && m.Value == 0 }

// recordingDispatcher collects dispatched envelopes.
type recordingDispatcher struct {
	classes []string
	fail    error

	mu   sync.Mutex
	seen []signal.Envelope
}

func (d *recordingDispatcher) MessageClasses() []string { return d.classes }

func (d *recordingDispatcher) Dispatch(ctx context.Context, env signal.Envelope) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.fail != nil {
		return d.fail
	}
	d.seen = append(d.seen, env)
	return nil
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

func command(value int) signal.Signal {
	return signal.NewCommand(&addNumber{Calc: "calc-1", Value: value}, "actor")
}

func TestRegistry_UnicastRejectsDuplicate(t *testing.T) {
	r := NewRegistry(false)

	first := &recordingDispatcher{classes: []string{"a", "b"}}
	require.NoError(t, r.Register(first))

	second := &recordingDispatcher{classes: []string{"b", "c"}}
	err := r.Register(second)
	require.ErrorIs(t, err, ErrDuplicateHandler)

	// Nothing of the failed registration stuck.
	require.Nil(t, r.DispatchersOf("c"))
}

func TestRegistry_MulticastAppends(t *testing.T) {
	r := NewRegistry(true)

	first := &recordingDispatcher{classes: []string{"a"}}
	second := &recordingDispatcher{classes: []string{"a"}}
	require.NoError(t, r.Register(first))
	require.NoError(t, r.Register(second))

	require.Len(t, r.DispatchersOf("a"), 2)
}

func TestRegistry_EmptyClassesInvalid(t *testing.T) {
	r := NewRegistry(true)
	require.ErrorIs(t, r.Register(&recordingDispatcher{}), ErrInvalidDispatcher)
}

func TestRegistry_UnregisterRemovesAll(t *testing.T) {
	r := NewRegistry(true)
	d := &recordingDispatcher{classes: []string{"a", "b"}}
	require.NoError(t, r.Register(d))

	r.Unregister(d)
	require.Nil(t, r.DispatchersOf("a"))
	require.Nil(t, r.DispatchersOf("b"))
	require.Empty(t, r.RegisteredClasses())
}

func TestBus_PostDispatches(t *testing.T) {
	cmdBus := NewCommandBus()
	d := &recordingDispatcher{classes: []string{"strand.test/AddNumber"}}
	require.NoError(t, cmdBus.Register(d))

	ack := cmdBus.Post(context.Background(), command(3))
	require.Equal(t, StatusOK, ack.Status)
	require.Equal(t, 1, d.count())
}

func TestBus_PostDefaultMessage(t *testing.T) {
	cmdBus := NewCommandBus()
	d := &recordingDispatcher{classes: []string{"strand.test/AddNumber"}}
	require.NoError(t, cmdBus.Register(d))

	ack := cmdBus.Post(context.Background(), signal.NewCommand(&addNumber{}, "actor"))
	require.Equal(t, StatusError, ack.Status)
	require.ErrorIs(t, ack.Err, signal.ErrDefaultMessage)
	require.Equal(t, 0, d.count())
}

func TestBus_CommandWithoutDispatcher(t *testing.T) {
	cmdBus := NewCommandBus()

	ack := cmdBus.Post(context.Background(), command(1))
	require.Equal(t, StatusError, ack.Status)
	require.ErrorIs(t, ack.Err, ErrNoDispatcher)
}

func TestBus_DeadEventIsOK(t *testing.T) {
	evBus := NewEventBus()

	cmd := command(1)
	ev := signal.NewEvent(&numberAdded{Calc: "calc-1", Value: 1}, signal.StringID("calc-1"), signal.Version{Number: 1}, cmd)
	ack := evBus.Post(context.Background(), ev)
	require.Equal(t, StatusOK, ack.Status)
}

func TestBus_MulticastReachesAll(t *testing.T) {
	evBus := NewEventBus()
	first := &recordingDispatcher{classes: []string{"strand.test/NumberAdded"}}
	second := &recordingDispatcher{classes: []string{"strand.test/NumberAdded"}}
	require.NoError(t, evBus.Register(first))
	require.NoError(t, evBus.Register(second))

	cmd := command(1)
	ev := signal.NewEvent(&numberAdded{Calc: "calc-1", Value: 1}, signal.StringID("calc-1"), signal.Version{Number: 1}, cmd)
	ack := evBus.Post(context.Background(), ev)
	require.Equal(t, StatusOK, ack.Status)
	require.Equal(t, 1, first.count())
	require.Equal(t, 1, second.count())
}

func TestBus_DispatchErrorBecomesErrorAck(t *testing.T) {
	cmdBus := NewCommandBus()
	boom := errors.New("boom")
	d := &recordingDispatcher{classes: []string{"strand.test/AddNumber"}, fail: boom}
	require.NoError(t, cmdBus.Register(d))

	ack := cmdBus.Post(context.Background(), command(1))
	require.Equal(t, StatusError, ack.Status)
	require.ErrorIs(t, ack.Err, boom)
}

func TestBus_RejectionErrorBecomesRejectionAck(t *testing.T) {
	cmdBus := NewCommandBus()
	cmd := command(1)
	rejection := signal.NewRejection(&numberAdded{Calc: "calc-1", Value: -1}, signal.StringID("calc-1"), cmd)
	d := &recordingDispatcher{
		classes: []string{"strand.test/AddNumber"},
		fail:    &RejectionError{Rejection: rejection},
	}
	require.NoError(t, cmdBus.Register(d))

	ack := cmdBus.Post(context.Background(), cmd)
	require.Equal(t, StatusRejection, ack.Status)
	require.NotNil(t, ack.Rejection)
	require.Equal(t, rejection.ID, ack.Rejection.ID)
}

func TestBus_FilterShortCircuit(t *testing.T) {
	scheduled := FilterFunc{
		FilterName: "scheduled",
		Fn: func(env signal.Envelope) Decision {
			return ShortCircuit(OK(env.ID()))
		},
	}
	cmdBus := NewCommandBus(WithFilters(scheduled))
	d := &recordingDispatcher{classes: []string{"strand.test/AddNumber"}}
	require.NoError(t, cmdBus.Register(d))

	ack := cmdBus.Post(context.Background(), command(1))
	require.Equal(t, StatusOK, ack.Status)
	require.Equal(t, 0, d.count(), "short-circuited signal must not reach dispatch")
}

func TestBus_FilterDrop(t *testing.T) {
	dropAll := FilterFunc{
		FilterName: "drop-all",
		Fn:         func(env signal.Envelope) Decision { return Drop() },
	}
	cmdBus := NewCommandBus(WithFilters(dropAll))
	d := &recordingDispatcher{classes: []string{"strand.test/AddNumber"}}
	require.NoError(t, cmdBus.Register(d))

	ack := cmdBus.Post(context.Background(), command(1))
	require.Equal(t, StatusOK, ack.Status)
	require.Equal(t, 0, d.count())
}

func TestBus_SchemaValidation(t *testing.T) {
	invalid := errors.New("value out of range")
	schema := schemaFunc(func(m signal.Message) error { return invalid })
	cmdBus := NewCommandBus(WithSchema(schema))
	d := &recordingDispatcher{classes: []string{"strand.test/AddNumber"}}
	require.NoError(t, cmdBus.Register(d))

	ack := cmdBus.Post(context.Background(), command(1))
	require.Equal(t, StatusError, ack.Status)
	require.ErrorIs(t, ack.Err, invalid)
}

type schemaFunc func(m signal.Message) error

func (f schemaFunc) Validate(m signal.Message) error { return f(m) }

func TestBus_PostAllKeepsOrder(t *testing.T) {
	cmdBus := NewCommandBus()
	d := &recordingDispatcher{classes: []string{"strand.test/AddNumber"}}
	require.NoError(t, cmdBus.Register(d))

	signals := []signal.Signal{command(1), command(2), command(3)}
	acks := cmdBus.PostAll(context.Background(), signals)

	require.Len(t, acks, 3)
	for i, ack := range acks {
		require.Equal(t, signals[i].ID, ack.SignalID)
		require.Equal(t, StatusOK, ack.Status)
	}
}

type memoObserver struct {
	mu   sync.Mutex
	acks []Ack
}

func (o *memoObserver) OnPosted(env signal.Envelope, ack Ack) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.acks = append(o.acks, ack)
}

func TestBus_ObserversNotified(t *testing.T) {
	obs := &memoObserver{}
	cmdBus := NewCommandBus(WithObservers(obs))
	d := &recordingDispatcher{classes: []string{"strand.test/AddNumber"}}
	require.NoError(t, cmdBus.Register(d))

	cmdBus.Post(context.Background(), command(1))
	require.Len(t, obs.acks, 1)
	require.Equal(t, StatusOK, obs.acks[0].Status)
}

func TestDedupFilter(t *testing.T) {
	f := NewDedupFilter(time.Hour)
	cmd := command(1)
	env, err := signal.Enclose(cmd)
	require.NoError(t, err)

	require.Equal(t, VerdictAccept, f.Check(env).Verdict)

	decision := f.Check(env)
	require.Equal(t, VerdictAck, decision.Verdict)
	require.Equal(t, StatusOK, decision.Ack.Status)

	other, err := signal.Enclose(command(2))
	require.NoError(t, err)
	require.Equal(t, VerdictAccept, f.Check(other).Verdict)
}

package delivery_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zjrosen/strand/delivery"
	"github.com/zjrosen/strand/internal/clock"
	"github.com/zjrosen/strand/signal"
	"github.com/zjrosen/strand/storage/memory"
)

const calcType = "strand.test/Calculator"

type addNumber struct {
	Calc  string
	Value int
}

func (m *addNumber) TypeURL() string { return "strand.test/AddNumber" }
func (m *addNumber) IsDefault() bool { return m.Calc == "" && m.Value == 0 }

func command(calc string, value int) signal.Signal {
	return signal.NewCommand(&addNumber{Calc: calc, Value: value}, "actor")
}

func envelope(t *testing.T, s signal.Signal) signal.Envelope {
	t.Helper()
	env, err := signal.Enclose(s)
	require.NoError(t, err)
	return env
}

// captureReceiver records received signals, optionally failing chosen ids.
type captureReceiver struct {
	mu        sync.Mutex
	order     []string
	perTarget map[string][]string
	fail      map[string]error
	onReceive func()
}

func newCaptureReceiver() *captureReceiver {
	return &captureReceiver{
		perTarget: make(map[string][]string),
		fail:      make(map[string]error),
	}
}

func (r *captureReceiver) Receive(_ context.Context, env signal.Envelope, id signal.EntityID) delivery.Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.onReceive != nil {
		r.onReceive()
	}
	if err, ok := r.fail[env.ID()]; ok {
		return delivery.Failed(env.ID(), err)
	}
	r.order = append(r.order, env.ID())
	r.perTarget[id.Key()] = append(r.perTarget[id.Key()], env.ID())
	return delivery.Delivered(env.ID(), 1, 0)
}

func (r *captureReceiver) received() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

func newDelivery(t *testing.T, inbox *memory.InboxStorage, mutate ...func(*delivery.Config)) *delivery.Delivery {
	t.Helper()
	cfg := delivery.Config{
		NodeID:     "test-node",
		ShardCount: 4,
		PageSize:   10,
		Inbox:      inbox,
	}
	for _, m := range mutate {
		m(&cfg)
	}
	d, err := delivery.New(cfg)
	require.NoError(t, err)
	return d
}

func TestUniformHash_StableAndInRange(t *testing.T) {
	strategy := delivery.UniformHash{}

	first := strategy.ShardOf(signal.StringID("calc-1"), calcType, 8)
	second := strategy.ShardOf(signal.StringID("calc-1"), calcType, 8)
	require.Equal(t, first, second)
	require.Less(t, first.Index, uint32(8))

	single := strategy.ShardOf(signal.StringID("calc-1"), calcType, 1)
	require.Equal(t, uint32(0), single.Index)
}

func TestWorkRegistry_ExclusivePickUp(t *testing.T) {
	r := delivery.NewInMemoryWorkRegistry(time.Minute)
	shard := delivery.ShardIndex{Index: 0, OfTotal: 1}

	s, ok := r.PickUp(shard, "node-a")
	require.True(t, ok)
	require.NotEmpty(t, s.Token)

	_, ok = r.PickUp(shard, "node-b")
	require.False(t, ok)

	r.Release(s)
	_, ok = r.PickUp(shard, "node-b")
	require.True(t, ok)
}

func TestWorkRegistry_LeaseExpiry(t *testing.T) {
	mc := clock.NewManual(time.Unix(1000, 0))
	r := delivery.NewInMemoryWorkRegistry(time.Second).WithClock(mc)
	shard := delivery.ShardIndex{Index: 0, OfTotal: 1}

	stale, ok := r.PickUp(shard, "node-a")
	require.True(t, ok)

	mc.Advance(2 * time.Second)
	require.False(t, r.Holds(stale))

	fresh, ok := r.PickUp(shard, "node-b")
	require.True(t, ok)
	require.True(t, r.Holds(fresh))

	// The previous holder cannot renew or release the new session.
	_, ok = r.ExtendLease(stale)
	require.False(t, ok)
	r.Release(stale)
	require.True(t, r.Holds(fresh))
}

func TestWorkRegistry_ExtendLease(t *testing.T) {
	mc := clock.NewManual(time.Unix(1000, 0))
	r := delivery.NewInMemoryWorkRegistry(time.Second).WithClock(mc)
	shard := delivery.ShardIndex{Index: 3, OfTotal: 4}

	s, ok := r.PickUp(shard, "node-a")
	require.True(t, ok)

	mc.Advance(800 * time.Millisecond)
	renewed, ok := r.ExtendLease(s)
	require.True(t, ok)

	mc.Advance(800 * time.Millisecond)
	require.True(t, r.Holds(renewed))
}

func TestDelivery_EnqueueAndDeliver(t *testing.T) {
	inbox := memory.NewInboxStorage()
	d := newDelivery(t, inbox, func(cfg *delivery.Config) { cfg.ShardCount = 1 })
	receiver := newCaptureReceiver()
	require.NoError(t, d.RegisterReceiver(calcType, receiver))

	ctx := context.Background()
	var posted []string
	for i := 1; i <= 3; i++ {
		env := envelope(t, command("calc-1", i))
		_, err := d.Enqueue(ctx, env, signal.StringID("calc-1"), calcType)
		require.NoError(t, err)
		posted = append(posted, env.ID())
	}

	stats, picked, err := d.DeliverMessagesFrom(ctx, delivery.ShardIndex{Index: 0, OfTotal: 1})
	require.NoError(t, err)
	require.True(t, picked)
	require.Equal(t, 3, stats.Delivered)
	require.Equal(t, posted, receiver.received())
	require.Equal(t, 0, inbox.Pending())
}

func TestDelivery_DuplicateReportedIgnored(t *testing.T) {
	inbox := memory.NewInboxStorage()

	var pages []delivery.Stats
	monitor := delivery.MonitorFunc(func(s delivery.Stats) { pages = append(pages, s) })
	d := newDelivery(t, inbox, func(cfg *delivery.Config) {
		cfg.ShardCount = 1
		cfg.Monitor = monitor
	})
	receiver := newCaptureReceiver()
	require.NoError(t, d.RegisterReceiver(calcType, receiver))

	ctx := context.Background()
	env := envelope(t, command("calc-1", 7))
	id := signal.StringID("calc-1")
	_, err := d.Enqueue(ctx, env, id, calcType)
	require.NoError(t, err)
	_, err = d.Enqueue(ctx, env, id, calcType)
	require.NoError(t, err)

	stats, _, err := d.DeliverMessagesFrom(ctx, delivery.ShardIndex{Index: 0, OfTotal: 1})
	require.NoError(t, err)
	require.Equal(t, 1, stats.Delivered)
	require.Equal(t, 1, stats.Ignored)
	require.Len(t, receiver.received(), 1)
	require.Len(t, pages, 1)
	require.Equal(t, 1, pages[0].Ignored)
}

func TestDelivery_DuplicateAcrossSessions(t *testing.T) {
	inbox := memory.NewInboxStorage()
	d := newDelivery(t, inbox, func(cfg *delivery.Config) { cfg.ShardCount = 1 })
	receiver := newCaptureReceiver()
	require.NoError(t, d.RegisterReceiver(calcType, receiver))

	ctx := context.Background()
	shard := delivery.ShardIndex{Index: 0, OfTotal: 1}
	env := envelope(t, command("calc-1", 7))
	id := signal.StringID("calc-1")

	_, err := d.Enqueue(ctx, env, id, calcType)
	require.NoError(t, err)
	_, _, err = d.DeliverMessagesFrom(ctx, shard)
	require.NoError(t, err)

	// Re-posting the same signal inside the idempotence window stays a no-op.
	_, err = d.Enqueue(ctx, env, id, calcType)
	require.NoError(t, err)
	stats, _, err := d.DeliverMessagesFrom(ctx, shard)
	require.NoError(t, err)
	require.Equal(t, 0, stats.Delivered)
	require.Equal(t, 1, stats.Ignored)
	require.Len(t, receiver.received(), 1)
}

func TestDelivery_DuplicateAcrossRestarts(t *testing.T) {
	inbox := memory.NewInboxStorage()
	d := newDelivery(t, inbox, func(cfg *delivery.Config) { cfg.ShardCount = 1 })
	receiver := newCaptureReceiver()
	require.NoError(t, d.RegisterReceiver(calcType, receiver))

	ctx := context.Background()
	shard := delivery.ShardIndex{Index: 0, OfTotal: 1}
	env := envelope(t, command("calc-1", 7))
	id := signal.StringID("calc-1")

	_, err := d.Enqueue(ctx, env, id, calcType)
	require.NoError(t, err)
	_, _, err = d.DeliverMessagesFrom(ctx, shard)
	require.NoError(t, err)

	// A fresh process over the same inbox storage starts with an empty
	// in-memory window; the persisted DELIVERED entry still blocks the
	// duplicate.
	restarted := newDelivery(t, inbox, func(cfg *delivery.Config) { cfg.ShardCount = 1 })
	require.NoError(t, restarted.RegisterReceiver(calcType, receiver))
	_, err = restarted.Enqueue(ctx, env, id, calcType)
	require.NoError(t, err)

	stats, _, err := restarted.DeliverMessagesFrom(ctx, shard)
	require.NoError(t, err)
	require.Equal(t, 0, stats.Delivered)
	require.Equal(t, 1, stats.Ignored)
	require.Len(t, receiver.received(), 1)
}

func TestDelivery_FailureInterruptsPage(t *testing.T) {
	inbox := memory.NewInboxStorage()
	d := newDelivery(t, inbox, func(cfg *delivery.Config) { cfg.ShardCount = 1 })
	receiver := newCaptureReceiver()
	require.NoError(t, d.RegisterReceiver(calcType, receiver))

	ctx := context.Background()
	shard := delivery.ShardIndex{Index: 0, OfTotal: 1}
	envs := []signal.Envelope{
		envelope(t, command("calc-1", 1)),
		envelope(t, command("calc-1", 2)),
		envelope(t, command("calc-1", 3)),
	}
	receiver.fail[envs[1].ID()] = errors.New("handler blew up")
	for _, env := range envs {
		_, err := d.Enqueue(ctx, env, signal.StringID("calc-1"), calcType)
		require.NoError(t, err)
	}

	stats, _, err := d.DeliverMessagesFrom(ctx, shard)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Delivered)
	require.Equal(t, 1, stats.Failed)
	require.Equal(t, 1, stats.Interrupted)
	require.Equal(t, 1, inbox.Pending(), "interrupted message stays for the next round")

	// Next round picks up the leftover.
	stats, _, err = d.DeliverMessagesFrom(ctx, shard)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Delivered)
	require.Equal(t, []string{envs[0].ID(), envs[2].ID()}, receiver.received())
}

func TestDelivery_LeaseLossAbandonsPage(t *testing.T) {
	mc := clock.NewManual(time.Unix(1000, 0))
	registry := delivery.NewInMemoryWorkRegistry(time.Second).WithClock(mc)
	inbox := memory.NewInboxStorage()

	receiver := newCaptureReceiver()
	receiver.onReceive = func() { mc.Advance(5 * time.Second) }

	d := newDelivery(t, inbox, func(cfg *delivery.Config) {
		cfg.ShardCount = 1
		cfg.Registry = registry
		cfg.Clock = mc
	})
	require.NoError(t, d.RegisterReceiver(calcType, receiver))

	ctx := context.Background()
	env := envelope(t, command("calc-1", 1))
	_, err := d.Enqueue(ctx, env, signal.StringID("calc-1"), calcType)
	require.NoError(t, err)

	_, picked, err := d.DeliverMessagesFrom(ctx, delivery.ShardIndex{Index: 0, OfTotal: 1})
	require.NoError(t, err)
	require.True(t, picked)

	// The lease expired mid-page, so nothing was marked delivered.
	require.Equal(t, 1, inbox.Pending())
}

func TestDelivery_NoReceiverIgnores(t *testing.T) {
	inbox := memory.NewInboxStorage()
	d := newDelivery(t, inbox, func(cfg *delivery.Config) { cfg.ShardCount = 1 })

	ctx := context.Background()
	env := envelope(t, command("calc-1", 1))
	_, err := d.Enqueue(ctx, env, signal.StringID("calc-1"), calcType)
	require.NoError(t, err)

	stats, _, err := d.DeliverMessagesFrom(ctx, delivery.ShardIndex{Index: 0, OfTotal: 1})
	require.NoError(t, err)
	require.Equal(t, 1, stats.Ignored)
	require.Equal(t, 0, inbox.Pending())
}

func TestDelivery_WorkerPoolDrains(t *testing.T) {
	inbox := memory.NewInboxStorage()
	d := newDelivery(t, inbox, func(cfg *delivery.Config) {
		cfg.ShardCount = 4
		cfg.Workers = 2
		cfg.PollInterval = time.Millisecond
	})
	receiver := newCaptureReceiver()
	require.NoError(t, d.RegisterReceiver(calcType, receiver))

	ctx := context.Background()
	for i := 0; i < 20; i++ {
		calc := string(rune('a' + i%5))
		env := envelope(t, command(calc, i))
		_, err := d.Enqueue(ctx, env, signal.StringID(calc), calcType)
		require.NoError(t, err)
	}

	require.NoError(t, d.Start(ctx))
	defer d.Stop()
	require.ErrorIs(t, d.Start(ctx), delivery.ErrAlreadyRunning)

	require.Eventually(t, func() bool {
		return len(receiver.received()) == 20 && inbox.Pending() == 0
	}, 5*time.Second, 5*time.Millisecond)
}

func TestDelivery_DuplicateReceiverRejected(t *testing.T) {
	d := newDelivery(t, memory.NewInboxStorage())
	require.NoError(t, d.RegisterReceiver(calcType, newCaptureReceiver()))
	require.ErrorIs(t, d.RegisterReceiver(calcType, newCaptureReceiver()), delivery.ErrDuplicateReceiver)
}

func TestDelivery_ConfigRequiresInbox(t *testing.T) {
	_, err := delivery.New(delivery.Config{})
	require.ErrorIs(t, err, delivery.ErrMissingInbox)
}

func TestDelivery_SweepRemovesExpired(t *testing.T) {
	mc := clock.NewManual(time.Unix(1000, 0))
	inbox := memory.NewInboxStorage()
	d := newDelivery(t, inbox, func(cfg *delivery.Config) {
		cfg.ShardCount = 1
		cfg.Clock = mc
		cfg.IdempotenceWindow = time.Minute
	})
	receiver := newCaptureReceiver()
	require.NoError(t, d.RegisterReceiver(calcType, receiver))

	ctx := context.Background()
	shard := delivery.ShardIndex{Index: 0, OfTotal: 1}
	env := envelope(t, command("calc-1", 1))
	_, err := d.Enqueue(ctx, env, signal.StringID("calc-1"), calcType)
	require.NoError(t, err)
	_, _, err = d.DeliverMessagesFrom(ctx, shard)
	require.NoError(t, err)

	// Past the window the delivered row is swept and the signal delivers
	// again on re-enqueue.
	mc.Advance(2 * time.Minute)
	_, err = d.Enqueue(ctx, env, signal.StringID("calc-1"), calcType)
	require.NoError(t, err)
	stats, _, err := d.DeliverMessagesFrom(ctx, shard)
	require.NoError(t, err)
	require.Equal(t, 1, stats.Ignored, "process-local window still remembers the id")
}

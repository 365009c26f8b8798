package delivery

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/zjrosen/strand/internal/clock"
	"github.com/zjrosen/strand/internal/log"
	"github.com/zjrosen/strand/signal"
)

// Defaults applied by Config.Validate.
const (
	DefaultShardCount        = 1
	DefaultPageSize          = 500
	DefaultIdempotenceWindow = 5 * time.Minute
	DefaultPollInterval      = 20 * time.Millisecond
)

var (
	// ErrDuplicateReceiver is returned when a target type already has a receiver.
	ErrDuplicateReceiver = errors.New("receiver already registered for target type")
	// ErrMissingInbox is returned by Validate when no inbox storage is configured.
	ErrMissingInbox = errors.New("inbox storage is required")
	// ErrAlreadyRunning is returned when Start is called twice.
	ErrAlreadyRunning = errors.New("delivery already running")
)

// Receiver is the consumer side of a shard inbox: a repository that applies
// one signal to one target entity. Receive must not panic; entity failures
// come back as an Outcome.
type Receiver interface {
	Receive(ctx context.Context, env signal.Envelope, id signal.EntityID) Outcome
}

// Config configures the delivery substrate.
type Config struct {
	// NodeID identifies this process in the work registry.
	NodeID string

	// ShardCount is the fixed number of shards. Changing it between runs
	// reassigns entities; do so only with drained inboxes.
	ShardCount uint32

	// PageSize bounds how many messages one session reads at a time.
	PageSize int

	// IdempotenceWindow is how long delivered messages are remembered for
	// duplicate elimination.
	IdempotenceWindow time.Duration

	// PollInterval is how long an idle worker sleeps between shard scans.
	PollInterval time.Duration

	// Workers sizes the worker pool. Defaults to min(ShardCount, NumCPU).
	Workers int

	// Strategy assigns entities to shards. Defaults to UniformHash.
	Strategy ShardingStrategy

	// Inbox persists pending messages. Required.
	Inbox InboxStorage

	// Registry coordinates shard ownership. Defaults to an in-memory
	// registry with DefaultLeaseDuration.
	Registry WorkRegistry

	// Monitor observes page delivery. Defaults to NoOpMonitor.
	Monitor Monitor

	// Clock is the time source. Defaults to the wall clock.
	Clock clock.Clock
}

// Validate checks the config and fills defaults.
func (cfg *Config) Validate() error {
	if cfg.Inbox == nil {
		return ErrMissingInbox
	}
	if cfg.NodeID == "" {
		cfg.NodeID = fmt.Sprintf("node-%d", time.Now().UnixNano())
	}
	if cfg.ShardCount == 0 {
		cfg.ShardCount = DefaultShardCount
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = DefaultPageSize
	}
	if cfg.IdempotenceWindow <= 0 {
		cfg.IdempotenceWindow = DefaultIdempotenceWindow
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
		if uint32(cfg.Workers) > cfg.ShardCount {
			cfg.Workers = int(cfg.ShardCount)
		}
	}
	if cfg.Strategy == nil {
		cfg.Strategy = UniformHash{}
	}
	if cfg.Registry == nil {
		cfg.Registry = NewInMemoryWorkRegistry(DefaultLeaseDuration)
	}
	if cfg.Monitor == nil {
		cfg.Monitor = NoOpMonitor{}
	}
	if cfg.Clock == nil {
		cfg.Clock = clock.RealClock{}
	}
	return nil
}

// Delivery owns the shard inboxes, the dedup window and the worker pool.
type Delivery struct {
	cfg    Config
	window *gocache.Cache

	mu        sync.RWMutex
	receivers map[string]Receiver
	paused    map[string]struct{}
	catchUps  map[string]string

	runMu  sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a Delivery from the config.
func New(cfg Config) (*Delivery, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("delivery config: %w", err)
	}
	return &Delivery{
		cfg:       cfg,
		window:    gocache.New(cfg.IdempotenceWindow, 2*cfg.IdempotenceWindow),
		receivers: make(map[string]Receiver),
		paused:    make(map[string]struct{}),
		catchUps:  make(map[string]string),
	}, nil
}

// ShardCount returns the configured number of shards.
func (d *Delivery) ShardCount() uint32 { return d.cfg.ShardCount }

// RegisterReceiver binds the target type to its repository.
func (d *Delivery) RegisterReceiver(targetType string, r Receiver) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if _, ok := d.receivers[targetType]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateReceiver, targetType)
	}
	d.receivers[targetType] = r
	return nil
}

// Enqueue persists the signal for the target into its shard inbox and
// returns the shard it landed in.
func (d *Delivery) Enqueue(ctx context.Context, env signal.Envelope, id signal.EntityID, targetType string) (ShardIndex, error) {
	return d.enqueue(ctx, env, id, targetType, false)
}

// EnqueueReplay persists a catch-up replay. Replays are stamped with the
// event's original timestamp so they sort before live traffic, and they
// bypass the live-dispatch pause of shards under catch-up.
func (d *Delivery) EnqueueReplay(ctx context.Context, env signal.Envelope, id signal.EntityID, targetType string) (ShardIndex, error) {
	return d.enqueue(ctx, env, id, targetType, true)
}

func (d *Delivery) enqueue(ctx context.Context, env signal.Envelope, id signal.EntityID, targetType string, replay bool) (ShardIndex, error) {
	shard := d.cfg.Strategy.ShardOf(id, targetType, d.cfg.ShardCount)
	receivedAt := d.cfg.Clock.Now()
	if replay {
		receivedAt = env.Signal.Context.Timestamp
	}
	msg := InboxMessage{
		Shard:      shard,
		Signal:     env.Signal,
		TargetID:   id,
		TargetType: targetType,
		Status:     StatusToDeliver,
		ReceivedAt: receivedAt,
		Replay:     replay,
	}
	if err := d.cfg.Inbox.Write(ctx, msg); err != nil {
		return shard, fmt.Errorf("enqueue %s to shard %s: %w", env.ID(), shard, err)
	}
	log.Debug(log.CatDelivery, "enqueued", "signal", env.ID(), "target", id.Key(), "type", targetType, "shard", shard.String(), "replay", replay)
	return shard, nil
}

// Start launches the worker pool. Workers scan shards round-robin, each
// starting at a different offset, and sleep PollInterval when a full scan
// finds no work. Stop with the returned context's cancel or Stop.
func (d *Delivery) Start(ctx context.Context) error {
	d.runMu.Lock()
	defer d.runMu.Unlock()

	if d.cancel != nil {
		return ErrAlreadyRunning
	}
	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel

	for w := 0; w < d.cfg.Workers; w++ {
		offset := uint32(w)
		d.wg.Add(1)
		log.SafeGo(fmt.Sprintf("delivery-worker-%d", w), func() {
			defer d.wg.Done()
			d.workerLoop(runCtx, offset)
		})
	}
	log.Info(log.CatDelivery, "delivery started", "node", d.cfg.NodeID, "workers", d.cfg.Workers, "shards", d.cfg.ShardCount)
	return nil
}

// Stop cancels the workers and waits for them to drain.
func (d *Delivery) Stop() {
	d.runMu.Lock()
	cancel := d.cancel
	d.cancel = nil
	d.runMu.Unlock()

	if cancel == nil {
		return
	}
	cancel()
	d.wg.Wait()
	log.Info(log.CatDelivery, "delivery stopped", "node", d.cfg.NodeID)
}

func (d *Delivery) workerLoop(ctx context.Context, offset uint32) {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	for {
		worked := false
		for i := uint32(0); i < d.cfg.ShardCount; i++ {
			if ctx.Err() != nil {
				return
			}
			shard := ShardIndex{Index: (offset + i) % d.cfg.ShardCount, OfTotal: d.cfg.ShardCount}
			stats, picked, err := d.DeliverMessagesFrom(ctx, shard)
			if err != nil {
				log.ErrorErr(log.CatDelivery, "shard session failed", err, "shard", shard.String())
				continue
			}
			if picked && stats.Total() > 0 {
				worked = true
			}
		}
		if !worked {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
		}
	}
}

// DeliverMessagesFrom claims the shard and drains its inbox page by page.
// Returns picked=false when another node holds the shard. Callers outside
// the worker pool (tests, catch-up nudges) may invoke it directly.
func (d *Delivery) DeliverMessagesFrom(ctx context.Context, shard ShardIndex) (Stats, bool, error) {
	session, ok := d.cfg.Registry.PickUp(shard, d.cfg.NodeID)
	if !ok {
		return Stats{Shard: shard}, false, nil
	}
	defer d.cfg.Registry.Release(session)

	stats, err := d.drain(ctx, session)
	if err != nil {
		return stats, true, err
	}

	if removed, err := d.cfg.Inbox.DeleteExpired(ctx, d.cfg.Clock.Now()); err != nil {
		log.Warn(log.CatDelivery, "sweep failed", "shard", shard.String(), "error", err)
	} else if removed > 0 {
		log.Debug(log.CatDelivery, "swept expired messages", "shard", shard.String(), "removed", removed)
	}
	return stats, true, nil
}

func (d *Delivery) drain(ctx context.Context, session Session) (Stats, error) {
	total := Stats{Shard: session.Shard}

	for {
		if ctx.Err() != nil {
			return total, nil
		}
		page, err := d.cfg.Inbox.ReadPage(ctx, session.Shard, d.cfg.PageSize)
		if err != nil {
			return total, fmt.Errorf("read page of shard %s: %w", session.Shard, err)
		}
		runnable := d.withoutPaused(page)
		if len(runnable) == 0 {
			return total, nil
		}

		stats, interrupted, err := d.processPage(ctx, session, runnable)
		total.Delivered += stats.Delivered
		total.Ignored += stats.Ignored
		total.Failed += stats.Failed
		total.Interrupted += stats.Interrupted
		if err != nil {
			return total, err
		}
		d.cfg.Monitor.OnPageDelivered(stats)

		if interrupted || len(page) < d.cfg.PageSize {
			return total, nil
		}
		if _, ok := d.cfg.Registry.ExtendLease(session); !ok {
			log.Warn(log.CatDelivery, "lease lost mid-session", "shard", session.Shard.String(), "node", session.NodeID)
			return total, nil
		}
	}
}

// processPage dispatches one page in order. A handler failure consumes the
// failing message and leaves the rest of the page untouched for the next
// round. Nothing is marked delivered if the lease was lost meanwhile.
func (d *Delivery) processPage(ctx context.Context, session Session, page []InboxMessage) (Stats, bool, error) {
	stats := Stats{Shard: session.Shard}
	var deliveredIDs []string
	seen := make(map[string]struct{}, len(page))
	interrupted := false
	stoppedAt := ""

	// The in-memory window is empty after a restart; ids it misses are
	// checked against the persisted DELIVERED entries in one batch.
	misses := make([]string, 0, len(page))
	for _, msg := range page {
		if _, ok := d.window.Get(msg.ID()); !ok {
			misses = append(misses, msg.ID())
		}
	}
	persisted := map[string]bool{}
	if len(misses) > 0 {
		var err error
		persisted, err = d.cfg.Inbox.RecentlyDelivered(ctx, misses, d.cfg.Clock.Now())
		if err != nil {
			return stats, true, fmt.Errorf("delivered lookup on shard %s: %w", session.Shard, err)
		}
	}

	for _, msg := range page {
		if interrupted {
			stats.Interrupted++
			log.Debug(log.CatDelivery, "message interrupted", "message", msg.ID(), "stopped_at", stoppedAt)
			continue
		}
		_, inWindow := d.window.Get(msg.ID())
		if _, inPage := seen[msg.ID()]; inWindow || inPage || persisted[msg.ID()] {
			stats.Ignored++
			deliveredIDs = append(deliveredIDs, msg.ID())
			log.Debug(log.CatDelivery, "duplicate ignored", "message", msg.ID(), "shard", session.Shard.String())
			continue
		}
		seen[msg.ID()] = struct{}{}

		receiver, ok := d.receiverOf(msg.TargetType)
		if !ok {
			stats.Ignored++
			deliveredIDs = append(deliveredIDs, msg.ID())
			log.Warn(log.CatDelivery, "no receiver for target type", "type", msg.TargetType, "message", msg.ID())
			continue
		}

		outcome := receiver.Receive(ctx, signal.Envelope{Signal: msg.Signal}, msg.TargetID)
		switch outcome.Kind {
		case OutcomeSuccess:
			stats.Delivered++
			deliveredIDs = append(deliveredIDs, msg.ID())
		case OutcomeIgnored:
			stats.Ignored++
			deliveredIDs = append(deliveredIDs, msg.ID())
		default:
			stats.Failed++
			deliveredIDs = append(deliveredIDs, msg.ID())
			interrupted = true
			stoppedAt = msg.ID()
			log.ErrorErr(log.CatDelivery, "delivery failed", outcome.Err, "message", msg.ID(), "shard", session.Shard.String())
		}
	}

	if !d.cfg.Registry.Holds(session) {
		// The lease moved on. Another holder will redeliver; marking now
		// could race with its page.
		log.Warn(log.CatDelivery, "abandoning page, lease expired", "shard", session.Shard.String(), "node", session.NodeID)
		return stats, true, nil
	}
	if len(deliveredIDs) > 0 {
		keepUntil := d.cfg.Clock.Now().Add(d.cfg.IdempotenceWindow)
		if err := d.cfg.Inbox.MarkDelivered(ctx, deliveredIDs, keepUntil); err != nil {
			return stats, true, fmt.Errorf("mark delivered on shard %s: %w", session.Shard, err)
		}
		for _, id := range deliveredIDs {
			d.window.Set(id, struct{}{}, d.cfg.IdempotenceWindow)
		}
	}
	return stats, interrupted, nil
}

func (d *Delivery) receiverOf(targetType string) (Receiver, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	r, ok := d.receivers[targetType]
	return r, ok
}

// pauseLive holds back live (non-replay) messages for the target type while
// a catch-up finalizes.
func (d *Delivery) pauseLive(targetType string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.paused[targetType] = struct{}{}
}

// resumeLive lifts the pause.
func (d *Delivery) resumeLive(targetType string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.paused, targetType)
}

func (d *Delivery) withoutPaused(page []InboxMessage) []InboxMessage {
	d.mu.RLock()
	defer d.mu.RUnlock()

	if len(d.paused) == 0 {
		return page
	}
	runnable := page[:0:0]
	for _, msg := range page {
		if _, held := d.paused[msg.TargetType]; held && !msg.Replay {
			continue
		}
		runnable = append(runnable, msg)
	}
	return runnable
}

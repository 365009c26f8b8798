package delivery

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zjrosen/strand/internal/log"
	"github.com/zjrosen/strand/internal/pubsub"
	"github.com/zjrosen/strand/signal"
	"github.com/zjrosen/strand/storage"
)

// CatchUpStatus is the state of one catch-up process.
type CatchUpStatus int

const (
	CatchUpUndefined CatchUpStatus = iota
	CatchUpStarted
	CatchUpFinalizing
	CatchUpCompleted
)

func (s CatchUpStatus) String() string {
	switch s {
	case CatchUpStarted:
		return "started"
	case CatchUpFinalizing:
		return "finalizing"
	case CatchUpCompleted:
		return "completed"
	}
	return "undefined"
}

// Lifecycle event types published on the catch-up broker.
const (
	EvCatchUpStarted           pubsub.EventType = "catchup.started"
	EvHistoryEventsRecalled    pubsub.EventType = "catchup.history_events_recalled"
	EvHistoryFullyRecalled     pubsub.EventType = "catchup.history_fully_recalled"
	EvLiveEventsPickedUp       pubsub.EventType = "catchup.live_events_picked_up"
	EvCatchUpCompleted         pubsub.EventType = "catchup.completed"
	EvShardProcessingRequested pubsub.EventType = "catchup.shard_processing_requested"
)

// CatchUpEvent is the payload of one lifecycle notification.
type CatchUpEvent struct {
	CatchUpID      string
	ProjectionType string
	Status         CatchUpStatus
	Round          int
	Recalled       int
	Shard          ShardIndex
}

var (
	// ErrCatchUpRunning is returned when the projection type already has an
	// active catch-up.
	ErrCatchUpRunning = errors.New("catch-up already running for projection type")
	// ErrMissingRouter is returned by Validate when no router is configured.
	ErrMissingRouter = errors.New("catch-up router is required")
	// ErrMissingStore is returned by Validate when no event store is configured.
	ErrMissingStore = errors.New("catch-up event store is required")
)

// DefaultTurbulencePeriod is the window near the present in which replays
// and live events may interleave and must be deduplicated.
const DefaultTurbulencePeriod = 500 * time.Millisecond

// Router derives the target projection ids of one event. Satisfied by
// *route.EventRouting.
type Router interface {
	Apply(env signal.Envelope) ([]signal.EntityID, error)
}

// CatchUpConfig describes one catch-up request.
type CatchUpConfig struct {
	// ProjectionType is the target type url of the projection repository.
	ProjectionType string

	// Router maps replayed events to projection ids.
	Router Router

	// Store is the event store history is read from.
	Store storage.EventStore

	// EventTypes restricts replay to the given payload classes. Empty
	// means every class the projection subscribes to; callers pass the
	// repository's handled classes here.
	EventTypes []string

	// TargetIDs restricts replay to specific projection instances. Empty
	// means all instances; targets are then derived round by round from
	// the routing of each replayed event.
	TargetIDs []signal.EntityID

	// SinceWhen is the inclusive lower bound of the replayed history.
	SinceWhen time.Time

	// TurbulencePeriod defaults to DefaultTurbulencePeriod.
	TurbulencePeriod time.Duration

	// PageSize defaults to the delivery page size.
	PageSize int
}

// Validate checks the config and fills defaults.
func (cfg *CatchUpConfig) Validate(d *Delivery) error {
	if cfg.ProjectionType == "" {
		return errors.New("catch-up projection type is required")
	}
	if cfg.Router == nil {
		return ErrMissingRouter
	}
	if cfg.Store == nil {
		return ErrMissingStore
	}
	if cfg.TurbulencePeriod <= 0 {
		cfg.TurbulencePeriod = DefaultTurbulencePeriod
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = d.cfg.PageSize
	}
	return nil
}

// CatchUp replays event history into one projection type while the live
// stream keeps flowing. One process per projection type at a time.
type CatchUp struct {
	id  string
	cfg CatchUpConfig
	d   *Delivery

	stMu         sync.Mutex
	status       CatchUpStatus
	whenLastRead time.Time
	round        int
	affected     map[uint32]ShardIndex

	events *pubsub.Broker[CatchUpEvent]
}

// NewCatchUp creates a catch-up process. It fails when the projection type
// already has one running; the slot frees when Run returns.
func (d *Delivery) NewCatchUp(cfg CatchUpConfig) (*CatchUp, error) {
	if err := cfg.Validate(d); err != nil {
		return nil, fmt.Errorf("catch-up config: %w", err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if _, running := d.catchUps[cfg.ProjectionType]; running {
		return nil, fmt.Errorf("%w: %s", ErrCatchUpRunning, cfg.ProjectionType)
	}
	c := &CatchUp{
		id:       uuid.NewString(),
		cfg:      cfg,
		d:        d,
		status:   CatchUpUndefined,
		affected: make(map[uint32]ShardIndex),
		events:   pubsub.NewBroker[CatchUpEvent](),
	}
	d.catchUps[cfg.ProjectionType] = c.id
	return c, nil
}

// ID returns the catch-up process id.
func (c *CatchUp) ID() string { return c.id }

// Status returns the current FSM state.
func (c *CatchUp) Status() CatchUpStatus {
	c.stMu.Lock()
	defer c.stMu.Unlock()
	return c.status
}

func (c *CatchUp) setStatus(s CatchUpStatus) {
	c.stMu.Lock()
	c.status = s
	c.stMu.Unlock()
}

// Events exposes the lifecycle broker for subscribers.
func (c *CatchUp) Events() *pubsub.Broker[CatchUpEvent] { return c.events }

// Run drives the FSM to completion. It is single-threaded: one goroutine
// per catch-up process.
func (c *CatchUp) Run(ctx context.Context) error {
	defer func() {
		c.d.mu.Lock()
		delete(c.d.catchUps, c.cfg.ProjectionType)
		c.d.mu.Unlock()
		c.events.Close()
	}()

	c.setStatus(CatchUpStarted)
	c.whenLastRead = c.cfg.SinceWhen
	c.publish(EvCatchUpStarted, 0, ShardIndex{})
	log.Info(log.CatCatchUp, "catch-up started", "id", c.id, "projection", c.cfg.ProjectionType, "since", c.whenLastRead)

	for c.Status() != CatchUpCompleted {
		if err := ctx.Err(); err != nil {
			c.d.resumeLive(c.cfg.ProjectionType)
			return err
		}
		var err error
		switch c.Status() {
		case CatchUpStarted:
			err = c.recallHistoricalPage(ctx)
		case CatchUpFinalizing:
			err = c.finalize(ctx)
		}
		if err != nil {
			c.d.resumeLive(c.cfg.ProjectionType)
			return fmt.Errorf("catch-up %s: %w", c.id, err)
		}
	}
	return nil
}

// recallHistoricalPage reads one page of stable history, strictly before the
// turbulence window, and enqueues it as replays. An empty read means the
// remaining history is turbulent: transition to FINALIZING and pause live
// dispatch to the projection.
func (c *CatchUp) recallHistoricalPage(ctx context.Context) error {
	turbulenceStart := c.d.cfg.Clock.Now().Add(-c.cfg.TurbulencePeriod)
	page, err := c.readPage(ctx, c.whenLastRead, turbulenceStart)
	if err != nil {
		return err
	}
	if len(page) == 0 {
		c.setStatus(CatchUpFinalizing)
		c.d.pauseLive(c.cfg.ProjectionType)
		c.publish(EvHistoryFullyRecalled, 0, ShardIndex{})
		log.Info(log.CatCatchUp, "history fully recalled", "id", c.id, "rounds", c.round)
		return nil
	}

	kept := page
	if len(page) == c.cfg.PageSize {
		// The store may hold more events sharing the page's last
		// timestamp; strip it and re-read from there next round so the
		// order stays intact.
		kept = stripLastTimestamp(page)
		if len(kept) == 0 {
			// Every event of the full page shares one timestamp, so paging
			// by time cannot move past it. Read the whole run of that
			// timestamp in one go instead.
			run, err := c.readTimestampRun(ctx, page[0].Context.Timestamp)
			if err != nil {
				return err
			}
			kept = run
		}
	}

	recalled, err := c.enqueuePage(ctx, kept)
	if err != nil {
		return err
	}
	last := kept[len(kept)-1].Context.Timestamp
	if len(kept) < len(page) {
		// Resume at the stripped timestamp: those events were not replayed.
		c.whenLastRead = page[len(page)-1].Context.Timestamp
	} else {
		c.whenLastRead = last.Add(time.Nanosecond)
	}
	c.round++
	c.publish(EvHistoryEventsRecalled, recalled, ShardIndex{})
	log.Debug(log.CatCatchUp, "history page recalled", "id", c.id, "round", c.round, "events", recalled)
	return nil
}

// finalize drains the turbulent remainder. When a read comes back empty the
// process completes: live dispatch resumes and every touched shard gets a
// processing nudge.
func (c *CatchUp) finalize(ctx context.Context) error {
	page, err := c.readPage(ctx, c.whenLastRead, time.Time{})
	if err != nil {
		return err
	}
	if len(page) > 0 {
		recalled, err := c.enqueuePage(ctx, page)
		if err != nil {
			return err
		}
		c.whenLastRead = page[len(page)-1].Context.Timestamp.Add(time.Nanosecond)
		c.publish(EvLiveEventsPickedUp, recalled, ShardIndex{})
		return nil
	}

	c.setStatus(CatchUpCompleted)
	c.d.resumeLive(c.cfg.ProjectionType)
	c.publish(EvCatchUpCompleted, 0, ShardIndex{})
	log.Info(log.CatCatchUp, "catch-up completed", "id", c.id, "projection", c.cfg.ProjectionType, "rounds", c.round)

	for _, shard := range c.affected {
		c.publish(EvShardProcessingRequested, 0, shard)
		if _, _, err := c.d.DeliverMessagesFrom(ctx, shard); err != nil {
			log.Warn(log.CatCatchUp, "post catch-up nudge failed", "id", c.id, "shard", shard.String(), "error", err)
		}
	}
	return nil
}

func (c *CatchUp) readPage(ctx context.Context, since, until time.Time) ([]signal.Signal, error) {
	q := storage.EventsQuery{
		Types: c.cfg.EventTypes,
		Since: since,
		Until: until,
		Limit: c.cfg.PageSize,
	}
	var page []signal.Signal
	err := c.cfg.Store.Read(ctx, q, func(ev signal.Signal) error {
		page = append(page, ev)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read history: %w", err)
	}
	return page, nil
}

// readTimestampRun reads every matching event stamped exactly ts, with no
// page cap.
func (c *CatchUp) readTimestampRun(ctx context.Context, ts time.Time) ([]signal.Signal, error) {
	q := storage.EventsQuery{
		Types: c.cfg.EventTypes,
		Since: ts,
		Until: ts.Add(time.Nanosecond),
	}
	var run []signal.Signal
	err := c.cfg.Store.Read(ctx, q, func(ev signal.Signal) error {
		run = append(run, ev)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read timestamp run: %w", err)
	}
	return run, nil
}

func (c *CatchUp) enqueuePage(ctx context.Context, page []signal.Signal) (int, error) {
	recalled := 0
	for _, ev := range page {
		env := signal.Envelope{Signal: ev}
		ids, err := c.cfg.Router.Apply(env)
		if err != nil {
			return recalled, fmt.Errorf("route replay %s: %w", ev.ID, err)
		}
		for _, id := range ids {
			if !c.targeted(id) {
				continue
			}
			shard, err := c.d.EnqueueReplay(ctx, env, id, c.cfg.ProjectionType)
			if err != nil {
				return recalled, err
			}
			c.affected[shard.Index] = shard
			recalled++
		}
	}
	return recalled, nil
}

func (c *CatchUp) targeted(id signal.EntityID) bool {
	if len(c.cfg.TargetIDs) == 0 {
		return true
	}
	for _, t := range c.cfg.TargetIDs {
		if signal.SameID(t, id) {
			return true
		}
	}
	return false
}

func (c *CatchUp) publish(t pubsub.EventType, recalled int, shard ShardIndex) {
	c.events.Publish(t, CatchUpEvent{
		CatchUpID:      c.id,
		ProjectionType: c.cfg.ProjectionType,
		Status:         c.Status(),
		Round:          c.round,
		Recalled:       recalled,
		Shard:          shard,
	})
}

// stripLastTimestamp drops the trailing events that share the page's last
// timestamp.
func stripLastTimestamp(page []signal.Signal) []signal.Signal {
	last := page[len(page)-1].Context.Timestamp
	cut := len(page)
	for cut > 0 && page[cut-1].Context.Timestamp.Equal(last) {
		cut--
	}
	return page[:cut]
}

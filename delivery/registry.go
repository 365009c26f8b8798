package delivery

import (
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zjrosen/strand/internal/clock"
)

// DefaultLeaseDuration is how long a picked-up shard session stays valid
// without renewal.
const DefaultLeaseDuration = 30 * time.Second

// Session is a node's exclusive claim on one shard. The token is minted per
// pick-up; a stale holder whose lease was re-granted no longer matches and
// must abandon its page.
type Session struct {
	Shard      ShardIndex
	NodeID     string
	Token      string
	LeaseUntil time.Time
}

// WorkRegistry coordinates shard ownership across nodes. Pick-up must be
// atomic: at most one live session per shard at any instant.
type WorkRegistry interface {
	// PickUp claims the shard for the node. Returns false when another
	// node holds an unexpired lease.
	PickUp(shard ShardIndex, nodeID string) (Session, bool)

	// Release gives the shard up. A session with a stale token is ignored.
	Release(s Session)

	// ExtendLease renews the session's lease. Returns false when the
	// session is no longer the holder.
	ExtendLease(s Session) (Session, bool)

	// Holds reports whether the session is still the live holder.
	Holds(s Session) bool
}

// InMemoryWorkRegistry is the single-process WorkRegistry. A compare-and-swap
// under one mutex stands in for the conditional-update semantics a shared
// registry would need.
type InMemoryWorkRegistry struct {
	lease time.Duration
	clock clock.Clock

	mu     sync.Mutex
	shards map[uint32]Session
}

// NewInMemoryWorkRegistry creates a registry with the given lease duration.
func NewInMemoryWorkRegistry(lease time.Duration) *InMemoryWorkRegistry {
	if lease <= 0 {
		lease = DefaultLeaseDuration
	}
	return &InMemoryWorkRegistry{
		lease:  lease,
		clock:  clock.RealClock{},
		shards: make(map[uint32]Session),
	}
}

// WithClock swaps the time source. For tests.
func (r *InMemoryWorkRegistry) WithClock(c clock.Clock) *InMemoryWorkRegistry {
	r.clock = c
	return r
}

// PickUp implements WorkRegistry.
func (r *InMemoryWorkRegistry) PickUp(shard ShardIndex, nodeID string) (Session, bool) {
	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	if held, ok := r.shards[shard.Index]; ok && held.LeaseUntil.After(now) {
		return Session{}, false
	}
	s := Session{
		Shard:      shard,
		NodeID:     nodeID,
		Token:      uuid.NewString(),
		LeaseUntil: now.Add(r.lease),
	}
	r.shards[shard.Index] = s
	return s, true
}

// Release implements WorkRegistry.
func (r *InMemoryWorkRegistry) Release(s Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if held, ok := r.shards[s.Shard.Index]; ok && held.Token == s.Token {
		delete(r.shards, s.Shard.Index)
	}
}

// ExtendLease implements WorkRegistry.
func (r *InMemoryWorkRegistry) ExtendLease(s Session) (Session, bool) {
	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	held, ok := r.shards[s.Shard.Index]
	if !ok || held.Token != s.Token || !held.LeaseUntil.After(now) {
		return Session{}, false
	}
	held.LeaseUntil = now.Add(r.lease)
	r.shards[s.Shard.Index] = held
	return held, true
}

// Holds implements WorkRegistry.
func (r *InMemoryWorkRegistry) Holds(s Session) bool {
	now := r.clock.Now()

	r.mu.Lock()
	defer r.mu.Unlock()

	held, ok := r.shards[s.Shard.Index]
	return ok && held.Token == s.Token && held.LeaseUntil.After(now)
}

package delivery

import (
	"context"
	"time"

	"github.com/zjrosen/strand/signal"
)

// Status of an inbox message.
type Status int

const (
	// StatusToDeliver: persisted, waiting for its shard session.
	StatusToDeliver Status = iota
	// StatusDelivered: dispatched; retained until KeepUntil for dedup.
	StatusDelivered
)

func (s Status) String() string {
	if s == StatusDelivered {
		return "delivered"
	}
	return "to_deliver"
}

// InboxMessage is one pending signal in a shard's inbox.
type InboxMessage struct {
	Shard      ShardIndex
	Signal     signal.Signal
	TargetID   signal.EntityID
	TargetType string
	Status     Status
	ReceivedAt time.Time

	// KeepUntil bounds the idempotence window of a delivered message.
	KeepUntil time.Time

	// Replay marks catch-up replays. Replays bypass the live-dispatch
	// pause of shards under catch-up.
	Replay bool
}

// ID is the content address of the message: one signal delivered to one
// target. Duplicate enqueues share the id and collapse in the dedup window.
func (m InboxMessage) ID() string {
	return m.TargetType + "|" + m.TargetID.Key() + "|" + m.Signal.ID
}

// InboxStorage persists inbox messages. Implementations must be safe for a
// concurrent writer (the enqueue path) and one reader/marker per shard (the
// session holder); mutations must be linearizable per shard.
type InboxStorage interface {
	// Write appends the message. Duplicate ids are stored as separate
	// entries; the delivery dedup window collapses them at read time.
	Write(ctx context.Context, msg InboxMessage) error

	// ReadPage returns up to limit TO_DELIVER messages of the shard,
	// ordered by ReceivedAt ascending, ties broken by signal id.
	ReadPage(ctx context.Context, shard ShardIndex, limit int) ([]InboxMessage, error)

	// MarkDelivered transitions the named messages TO_DELIVER -> DELIVERED
	// and stamps their dedup deadline.
	MarkDelivered(ctx context.Context, ids []string, keepUntil time.Time) error

	// RecentlyDelivered returns which of the ids have a DELIVERED entry
	// whose KeepUntil is still ahead of now. The delivery window falls back
	// to it when a signal id is not in process memory.
	RecentlyDelivered(ctx context.Context, ids []string, now time.Time) (map[string]bool, error)

	// DeleteExpired removes DELIVERED messages whose KeepUntil has passed.
	// Returns the number removed.
	DeleteExpired(ctx context.Context, now time.Time) (int, error)
}

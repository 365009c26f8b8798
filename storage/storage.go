// Package storage declares the persistence interfaces the core consumes.
// Implementations live in the memory and sqlite subpackages; hosting
// applications may provide their own.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/zjrosen/strand/signal"
)

// ErrVersionConflict is returned when an append or write observes a version
// that is not strictly newer than the stored one.
var ErrVersionConflict = errors.New("storage: version conflict")

// EventsQuery selects events from the store. Zero fields mean "any".
type EventsQuery struct {
	// Types restricts to the given payload type URLs.
	Types []string

	// ProducerID restricts to events of one producer.
	ProducerID signal.EntityID

	// Since is the inclusive lower timestamp bound.
	Since time.Time

	// Until is the exclusive upper timestamp bound.
	Until time.Time

	// Limit caps the number of events observed. 0 means no cap.
	Limit int
}

// Matches reports whether the event satisfies the query bounds.
func (q EventsQuery) Matches(ev signal.Signal) bool {
	if len(q.Types) > 0 {
		found := false
		for _, t := range q.Types {
			if ev.MessageClass() == t {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if q.ProducerID != nil && !signal.SameID(q.ProducerID, ev.ProducerID) {
		return false
	}
	ts := ev.Context.Timestamp
	if !q.Since.IsZero() && ts.Before(q.Since) {
		return false
	}
	if !q.Until.IsZero() && !ts.Before(q.Until) {
		return false
	}
	return true
}

// EventStore is the append-only log of events of one bounded context.
type EventStore interface {
	// Append stores the events atomically: either all become visible to
	// readers or none.
	Append(ctx context.Context, events ...signal.Signal) error

	// Read streams matching events to the observer in timestamp-ascending
	// order (ties broken by signal id). A non-nil error from the observer
	// stops the read and is returned.
	Read(ctx context.Context, q EventsQuery, observe func(signal.Signal) error) error
}

// Record is the stored form of a non-event-sourced entity: its state,
// version and lifecycle flags.
type Record struct {
	ID       signal.EntityID
	State    signal.Message
	Version  signal.Version
	Archived bool
	Deleted  bool
}

// RecordStorage stores entity records keyed by id.
type RecordStorage interface {
	Write(ctx context.Context, rec Record) error
	Read(ctx context.Context, id signal.EntityID) (Record, bool, error)
	Delete(ctx context.Context, id signal.EntityID) error

	// Index returns the ids of all stored records. Used by catch-up when a
	// request targets all instances of a projection.
	Index(ctx context.Context) ([]signal.EntityID, error)
}

// Snapshot is a point-in-time capture of an aggregate's state, written every
// N events so replay does not start from the beginning of history.
type Snapshot struct {
	State      signal.Message
	Version    signal.Version
	EventCount int
}

// SnapshotStorage stores aggregate snapshots keyed by id.
type SnapshotStorage interface {
	WriteSnapshot(ctx context.Context, id signal.EntityID, s Snapshot) error
	ReadSnapshot(ctx context.Context, id signal.EntityID) (Snapshot, bool, error)
}

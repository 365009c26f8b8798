// Package memory provides the in-process storage implementations. They are
// the defaults of a bounded context and the workhorses of the test suite.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/zjrosen/strand/delivery"
	"github.com/zjrosen/strand/signal"
	"github.com/zjrosen/strand/storage"
)

// EventStore is an append-only in-memory event log. Events are kept ordered
// by timestamp, ties broken by signal id.
type EventStore struct {
	mu     sync.RWMutex
	events []signal.Signal
}

// NewEventStore creates an empty event store.
func NewEventStore() *EventStore {
	return &EventStore{}
}

// Append implements storage.EventStore. The batch becomes visible atomically.
func (s *EventStore) Append(_ context.Context, events ...signal.Signal) error {
	if len(events) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.events = append(s.events, events...)
	sort.SliceStable(s.events, func(i, j int) bool {
		ti, tj := s.events[i].Context.Timestamp, s.events[j].Context.Timestamp
		if ti.Equal(tj) {
			return s.events[i].ID < s.events[j].ID
		}
		return ti.Before(tj)
	})
	return nil
}

// Read implements storage.EventStore.
func (s *EventStore) Read(ctx context.Context, q storage.EventsQuery, observe func(signal.Signal) error) error {
	s.mu.RLock()
	snapshot := make([]signal.Signal, len(s.events))
	copy(snapshot, s.events)
	s.mu.RUnlock()

	seen := 0
	for _, ev := range snapshot {
		if err := ctx.Err(); err != nil {
			return err
		}
		if !q.Matches(ev) {
			continue
		}
		if err := observe(ev); err != nil {
			return err
		}
		seen++
		if q.Limit > 0 && seen >= q.Limit {
			return nil
		}
	}
	return nil
}

// Len returns the number of stored events.
func (s *EventStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

// RecordStorage is an in-memory record store keyed by entity id.
type RecordStorage struct {
	mu   sync.RWMutex
	recs map[string]storage.Record
}

// NewRecordStorage creates an empty record store.
func NewRecordStorage() *RecordStorage {
	return &RecordStorage{recs: make(map[string]storage.Record)}
}

// Write implements storage.RecordStorage.
func (s *RecordStorage) Write(_ context.Context, rec storage.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.recs[rec.ID.Key()] = rec
	return nil
}

// Read implements storage.RecordStorage.
func (s *RecordStorage) Read(_ context.Context, id signal.EntityID) (storage.Record, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.recs[id.Key()]
	return rec, ok, nil
}

// Delete implements storage.RecordStorage.
func (s *RecordStorage) Delete(_ context.Context, id signal.EntityID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.recs, id.Key())
	return nil
}

// Index implements storage.RecordStorage.
func (s *RecordStorage) Index(_ context.Context) ([]signal.EntityID, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]signal.EntityID, 0, len(s.recs))
	for _, rec := range s.recs {
		ids = append(ids, rec.ID)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Key() < ids[j].Key() })
	return ids, nil
}

// SnapshotStorage is an in-memory snapshot store keyed by entity id.
type SnapshotStorage struct {
	mu    sync.RWMutex
	snaps map[string]storage.Snapshot
}

// NewSnapshotStorage creates an empty snapshot store.
func NewSnapshotStorage() *SnapshotStorage {
	return &SnapshotStorage{snaps: make(map[string]storage.Snapshot)}
}

// WriteSnapshot implements storage.SnapshotStorage.
func (s *SnapshotStorage) WriteSnapshot(_ context.Context, id signal.EntityID, snap storage.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.snaps[id.Key()] = snap
	return nil
}

// ReadSnapshot implements storage.SnapshotStorage.
func (s *SnapshotStorage) ReadSnapshot(_ context.Context, id signal.EntityID) (storage.Snapshot, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snaps[id.Key()]
	return snap, ok, nil
}

// InboxStorage is the in-memory shard inbox. Messages are held per shard in
// arrival order; reads sort by (received_at, signal id).
type InboxStorage struct {
	mu     sync.Mutex
	shards map[uint32][]delivery.InboxMessage
}

// NewInboxStorage creates an empty inbox.
func NewInboxStorage() *InboxStorage {
	return &InboxStorage{shards: make(map[uint32][]delivery.InboxMessage)}
}

// Write implements delivery.InboxStorage.
func (s *InboxStorage) Write(_ context.Context, msg delivery.InboxMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shards[msg.Shard.Index] = append(s.shards[msg.Shard.Index], msg)
	return nil
}

// ReadPage implements delivery.InboxStorage.
func (s *InboxStorage) ReadPage(_ context.Context, shard delivery.ShardIndex, limit int) ([]delivery.InboxMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var page []delivery.InboxMessage
	for _, msg := range s.shards[shard.Index] {
		if msg.Status == delivery.StatusToDeliver {
			page = append(page, msg)
		}
	}
	sort.SliceStable(page, func(i, j int) bool {
		ti, tj := page[i].ReceivedAt, page[j].ReceivedAt
		if ti.Equal(tj) {
			return page[i].Signal.ID < page[j].Signal.ID
		}
		return ti.Before(tj)
	})
	if limit > 0 && len(page) > limit {
		page = page[:limit]
	}
	return page, nil
}

// MarkDelivered implements delivery.InboxStorage.
func (s *InboxStorage) MarkDelivered(_ context.Context, ids []string, keepUntil time.Time) error {
	marked := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		marked[id] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for shard, msgs := range s.shards {
		for i, msg := range msgs {
			if msg.Status != delivery.StatusToDeliver {
				continue
			}
			if _, ok := marked[msg.ID()]; ok {
				msgs[i].Status = delivery.StatusDelivered
				msgs[i].KeepUntil = keepUntil
			}
		}
		s.shards[shard] = msgs
	}
	return nil
}

// RecentlyDelivered implements delivery.InboxStorage.
func (s *InboxStorage) RecentlyDelivered(_ context.Context, ids []string, now time.Time) (map[string]bool, error) {
	want := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		want[id] = struct{}{}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	delivered := make(map[string]bool, len(ids))
	for _, msgs := range s.shards {
		for _, msg := range msgs {
			if msg.Status != delivery.StatusDelivered || !msg.KeepUntil.After(now) {
				continue
			}
			if _, ok := want[msg.ID()]; ok {
				delivered[msg.ID()] = true
			}
		}
	}
	return delivered, nil
}

// DeleteExpired implements delivery.InboxStorage.
func (s *InboxStorage) DeleteExpired(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for shard, msgs := range s.shards {
		kept := msgs[:0]
		for _, msg := range msgs {
			if msg.Status == delivery.StatusDelivered && !msg.KeepUntil.After(now) {
				removed++
				continue
			}
			kept = append(kept, msg)
		}
		s.shards[shard] = kept
	}
	return removed, nil
}

// Pending returns the number of TO_DELIVER messages across all shards.
func (s *InboxStorage) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, msgs := range s.shards {
		for _, msg := range msgs {
			if msg.Status == delivery.StatusToDeliver {
				n++
			}
		}
	}
	return n
}

// Provider bundles the in-memory storages of one bounded context.
type Provider struct {
	mu        sync.Mutex
	events    *EventStore
	inbox     *InboxStorage
	records   map[string]*RecordStorage
	snapshots map[string]*SnapshotStorage
}

// NewProvider creates a provider with empty storages.
func NewProvider() *Provider {
	return &Provider{
		events:    NewEventStore(),
		inbox:     NewInboxStorage(),
		records:   make(map[string]*RecordStorage),
		snapshots: make(map[string]*SnapshotStorage),
	}
}

// EventStore returns the shared event log.
func (p *Provider) EventStore() storage.EventStore { return p.events }

// Inbox returns the shared shard inbox.
func (p *Provider) Inbox() delivery.InboxStorage { return p.inbox }

// RecordStorageFor returns the record store of one entity type.
func (p *Provider) RecordStorageFor(typeURL string) storage.RecordStorage {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.records[typeURL]
	if !ok {
		s = NewRecordStorage()
		p.records[typeURL] = s
	}
	return s
}

// SnapshotStorageFor returns the snapshot store of one entity type.
func (p *Provider) SnapshotStorageFor(typeURL string) storage.SnapshotStorage {
	p.mu.Lock()
	defer p.mu.Unlock()

	s, ok := p.snapshots[typeURL]
	if !ok {
		s = NewSnapshotStorage()
		p.snapshots[typeURL] = s
	}
	return s
}

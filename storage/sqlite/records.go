package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/zjrosen/strand/signal"
	"github.com/zjrosen/strand/storage"
)

// recordStorage implements storage.RecordStorage for one entity type.
type recordStorage struct {
	db         *sql.DB
	codec      signal.Codec
	entityType string
}

var _ storage.RecordStorage = (*recordStorage)(nil)

// RecordStorageFor returns the record storage of the entity type.
func (s *Store) RecordStorageFor(typeURL string) storage.RecordStorage {
	return &recordStorage{db: s.db, codec: s.codec, entityType: typeURL}
}

func (r *recordStorage) Write(ctx context.Context, rec storage.Record) error {
	payload, err := r.codec.Marshal(rec.State)
	if err != nil {
		return fmt.Errorf("encode record %s: %w", rec.ID.Key(), err)
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO records (entity_type, entity_key, payload_type, payload, version, version_at, archived, deleted)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (entity_type, entity_key) DO UPDATE SET
			payload_type = excluded.payload_type,
			payload = excluded.payload,
			version = excluded.version,
			version_at = excluded.version_at,
			archived = excluded.archived,
			deleted = excluded.deleted`,
		r.entityType, rec.ID.Key(), rec.State.TypeURL(), payload,
		rec.Version.Number, nanoOf(rec.Version.Timestamp),
		boolInt(rec.Archived), boolInt(rec.Deleted),
	)
	if err != nil {
		return fmt.Errorf("write record %s: %w", rec.ID.Key(), err)
	}
	return nil
}

func (r *recordStorage) Read(ctx context.Context, id signal.EntityID) (storage.Record, bool, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT payload_type, payload, version, version_at, archived, deleted
		FROM records WHERE entity_type = ? AND entity_key = ?`,
		r.entityType, id.Key(),
	)
	var (
		payloadType       string
		payload           []byte
		version           int
		versionAt         int64
		archived, deleted int
	)
	err := row.Scan(&payloadType, &payload, &version, &versionAt, &archived, &deleted)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.Record{}, false, nil
	}
	if err != nil {
		return storage.Record{}, false, fmt.Errorf("read record %s: %w", id.Key(), err)
	}
	state, err := r.codec.Unmarshal(payloadType, payload)
	if err != nil {
		return storage.Record{}, false, fmt.Errorf("decode record %s: %w", id.Key(), err)
	}
	return storage.Record{
		ID:       id,
		State:    state,
		Version:  signal.Version{Number: version, Timestamp: timeOf(versionAt)},
		Archived: archived == 1,
		Deleted:  deleted == 1,
	}, true, nil
}

func (r *recordStorage) Delete(ctx context.Context, id signal.EntityID) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM records WHERE entity_type = ? AND entity_key = ?`,
		r.entityType, id.Key(),
	)
	if err != nil {
		return fmt.Errorf("delete record %s: %w", id.Key(), err)
	}
	return nil
}

func (r *recordStorage) Index(ctx context.Context) ([]signal.EntityID, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT entity_key FROM records WHERE entity_type = ? ORDER BY entity_key`,
		r.entityType,
	)
	if err != nil {
		return nil, fmt.Errorf("index records: %w", err)
	}
	defer rows.Close()

	var ids []signal.EntityID
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, fmt.Errorf("index records: %w", err)
		}
		ids = append(ids, signal.StringID(key))
	}
	return ids, rows.Err()
}

// snapshotStorage implements storage.SnapshotStorage for one entity type.
type snapshotStorage struct {
	db         *sql.DB
	codec      signal.Codec
	entityType string
}

var _ storage.SnapshotStorage = (*snapshotStorage)(nil)

// SnapshotStorageFor returns the snapshot storage of the entity type.
func (s *Store) SnapshotStorageFor(typeURL string) storage.SnapshotStorage {
	return &snapshotStorage{db: s.db, codec: s.codec, entityType: typeURL}
}

func (r *snapshotStorage) WriteSnapshot(ctx context.Context, id signal.EntityID, snap storage.Snapshot) error {
	payload, err := r.codec.Marshal(snap.State)
	if err != nil {
		return fmt.Errorf("encode snapshot %s: %w", id.Key(), err)
	}
	_, err = r.db.ExecContext(ctx,
		`INSERT INTO snapshots (entity_type, entity_key, payload_type, payload, version, version_at, event_count)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (entity_type, entity_key) DO UPDATE SET
			payload_type = excluded.payload_type,
			payload = excluded.payload,
			version = excluded.version,
			version_at = excluded.version_at,
			event_count = excluded.event_count`,
		r.entityType, id.Key(), snap.State.TypeURL(), payload,
		snap.Version.Number, nanoOf(snap.Version.Timestamp), snap.EventCount,
	)
	if err != nil {
		return fmt.Errorf("write snapshot %s: %w", id.Key(), err)
	}
	return nil
}

func (r *snapshotStorage) ReadSnapshot(ctx context.Context, id signal.EntityID) (storage.Snapshot, bool, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT payload_type, payload, version, version_at, event_count
		FROM snapshots WHERE entity_type = ? AND entity_key = ?`,
		r.entityType, id.Key(),
	)
	var (
		payloadType string
		payload     []byte
		version     int
		versionAt   int64
		eventCount  int
	)
	err := row.Scan(&payloadType, &payload, &version, &versionAt, &eventCount)
	if errors.Is(err, sql.ErrNoRows) {
		return storage.Snapshot{}, false, nil
	}
	if err != nil {
		return storage.Snapshot{}, false, fmt.Errorf("read snapshot %s: %w", id.Key(), err)
	}
	state, err := r.codec.Unmarshal(payloadType, payload)
	if err != nil {
		return storage.Snapshot{}, false, fmt.Errorf("decode snapshot %s: %w", id.Key(), err)
	}
	return storage.Snapshot{
		State:      state,
		Version:    signal.Version{Number: version, Timestamp: timeOf(versionAt)},
		EventCount: eventCount,
	}, true, nil
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// Package sqlite persists events, inbox messages, records and snapshots in a
// SQLite database. Payloads travel through a signal.Codec; everything else is
// plain columns. One Store serves a whole bounded context.
package sqlite

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"

	"github.com/zjrosen/strand/signal"
)

const schema = `
CREATE TABLE IF NOT EXISTS events (
	id           TEXT PRIMARY KEY,
	producer_key TEXT NOT NULL,
	payload_type TEXT NOT NULL,
	payload      BLOB NOT NULL,
	version      INTEGER NOT NULL,
	version_at   INTEGER NOT NULL,
	context      TEXT NOT NULL,
	occurred_at  INTEGER NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS events_producer_version ON events(producer_key, version);
CREATE INDEX IF NOT EXISTS events_occurred ON events(occurred_at, id);

CREATE TABLE IF NOT EXISTS inbox (
	seq          INTEGER PRIMARY KEY AUTOINCREMENT,
	shard_index  INTEGER NOT NULL,
	of_total     INTEGER NOT NULL,
	target_type  TEXT NOT NULL,
	target_key   TEXT NOT NULL,
	signal_id    TEXT NOT NULL,
	kind         INTEGER NOT NULL,
	payload_type TEXT NOT NULL,
	payload      BLOB NOT NULL,
	producer_key TEXT NOT NULL DEFAULT '',
	version      INTEGER NOT NULL DEFAULT 0,
	version_at   INTEGER NOT NULL DEFAULT 0,
	context      TEXT NOT NULL,
	status       INTEGER NOT NULL DEFAULT 0,
	received_at  INTEGER NOT NULL,
	keep_until   INTEGER NOT NULL DEFAULT 0,
	replay       INTEGER NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS inbox_shard_pending ON inbox(shard_index, status, received_at, signal_id);

CREATE TABLE IF NOT EXISTS records (
	entity_type  TEXT NOT NULL,
	entity_key   TEXT NOT NULL,
	payload_type TEXT NOT NULL,
	payload      BLOB NOT NULL,
	version      INTEGER NOT NULL,
	version_at   INTEGER NOT NULL,
	archived     INTEGER NOT NULL DEFAULT 0,
	deleted      INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (entity_type, entity_key)
);

CREATE TABLE IF NOT EXISTS snapshots (
	entity_type  TEXT NOT NULL,
	entity_key   TEXT NOT NULL,
	payload_type TEXT NOT NULL,
	payload      BLOB NOT NULL,
	version      INTEGER NOT NULL,
	version_at   INTEGER NOT NULL,
	event_count  INTEGER NOT NULL,
	PRIMARY KEY (entity_type, entity_key)
);
`

// ErrMissingCodec is returned by Open when no payload codec is given.
var ErrMissingCodec = errors.New("sqlite: payload codec is required")

// Store is a SQLite-backed storage provider.
type Store struct {
	db    *sql.DB
	codec signal.Codec
}

// Open opens (or creates) the database at path and applies the schema.
// Use ":memory:" for an ephemeral store.
func Open(path string, codec signal.Codec) (*Store, error) {
	if codec == nil {
		return nil, ErrMissingCodec
	}
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	if path == ":memory:" {
		// A second pooled connection would see its own empty database.
		db.SetMaxOpenConns(1)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db, codec: codec}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error { return s.db.Close() }

// nanoOf stores a timestamp as integer nanoseconds; the zero time maps to 0
// so it survives the round trip.
func nanoOf(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixNano()
}

func timeOf(n int64) time.Time {
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

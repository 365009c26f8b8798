package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/zjrosen/strand/signal"
	"github.com/zjrosen/strand/storage"
)

const eventColumns = `id, producer_key, payload_type, payload, version, version_at, context, occurred_at`

// eventStore implements storage.EventStore over the events table.
type eventStore struct {
	db    *sql.DB
	codec signal.Codec
}

var _ storage.EventStore = (*eventStore)(nil)

// EventStore returns the context's append-only event log.
func (s *Store) EventStore() storage.EventStore {
	return &eventStore{db: s.db, codec: s.codec}
}

// Append stores the events in one transaction. The version of each event must
// be strictly newer than anything stored for its producer.
func (e *eventStore) Append(ctx context.Context, events ...signal.Signal) error {
	if len(events) == 0 {
		return nil
	}
	tx, err := e.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	defer tx.Rollback()

	for _, ev := range events {
		var producer string
		if ev.ProducerID != nil {
			producer = ev.ProducerID.Key()
		}

		var stored sql.NullInt64
		err := tx.QueryRowContext(ctx, `SELECT MAX(version) FROM events WHERE producer_key = ?`, producer).Scan(&stored)
		if err != nil {
			return fmt.Errorf("read producer version: %w", err)
		}
		if stored.Valid && ev.Version.Number <= int(stored.Int64) {
			return fmt.Errorf("%w: %s version %d, stored %d", storage.ErrVersionConflict, producer, ev.Version.Number, stored.Int64)
		}

		payload, err := e.codec.Marshal(ev.Payload)
		if err != nil {
			return fmt.Errorf("encode event %s: %w", ev.ID, err)
		}
		sctx, err := json.Marshal(ev.Context)
		if err != nil {
			return fmt.Errorf("encode context of %s: %w", ev.ID, err)
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO events (`+eventColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
			ev.ID, producer, ev.MessageClass(), payload,
			ev.Version.Number, nanoOf(ev.Version.Timestamp),
			string(sctx), nanoOf(ev.Context.Timestamp),
		)
		if err != nil {
			return fmt.Errorf("insert event %s: %w", ev.ID, err)
		}
	}
	return tx.Commit()
}

// Read streams matching events in occurred-at order, ties broken by id.
func (e *eventStore) Read(ctx context.Context, q storage.EventsQuery, observe func(signal.Signal) error) error {
	var where []string
	var args []any
	if q.ProducerID != nil {
		where = append(where, "producer_key = ?")
		args = append(args, q.ProducerID.Key())
	}
	if len(q.Types) > 0 {
		where = append(where, "payload_type IN (?"+strings.Repeat(", ?", len(q.Types)-1)+")")
		for _, t := range q.Types {
			args = append(args, t)
		}
	}
	if !q.Since.IsZero() {
		where = append(where, "occurred_at >= ?")
		args = append(args, nanoOf(q.Since))
	}
	if !q.Until.IsZero() {
		where = append(where, "occurred_at < ?")
		args = append(args, nanoOf(q.Until))
	}

	query := `SELECT ` + eventColumns + ` FROM events`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	query += ` ORDER BY occurred_at, id`
	if q.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, q.Limit)
	}

	rows, err := e.db.QueryContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("query events: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		ev, err := scanEvent(rows, e.codec)
		if err != nil {
			return err
		}
		if err := observe(ev); err != nil {
			return err
		}
	}
	return rows.Err()
}

func scanEvent(scanner interface{ Scan(...any) error }, codec signal.Codec) (signal.Signal, error) {
	var (
		id, producer, payloadType, contextJSON string
		payload                                []byte
		version                                int
		versionAt, occurredAt                  int64
	)
	err := scanner.Scan(&id, &producer, &payloadType, &payload, &version, &versionAt, &contextJSON, &occurredAt)
	if err != nil {
		return signal.Signal{}, fmt.Errorf("scan event: %w", err)
	}

	msg, err := codec.Unmarshal(payloadType, payload)
	if err != nil {
		return signal.Signal{}, fmt.Errorf("decode event %s: %w", id, err)
	}
	var sctx signal.Context
	if err := json.Unmarshal([]byte(contextJSON), &sctx); err != nil {
		return signal.Signal{}, fmt.Errorf("decode context of %s: %w", id, err)
	}
	return signal.Signal{
		ID:         id,
		Kind:       signal.KindEvent,
		Payload:    msg,
		Context:    sctx,
		ProducerID: signal.StringID(producer),
		Version:    signal.Version{Number: version, Timestamp: timeOf(versionAt)},
	}, nil
}

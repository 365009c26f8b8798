package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/zjrosen/strand/delivery"
	"github.com/zjrosen/strand/signal"
)

// inboxStorage implements delivery.InboxStorage over the inbox table.
type inboxStorage struct {
	db    *sql.DB
	codec signal.Codec
}

var _ delivery.InboxStorage = (*inboxStorage)(nil)

// Inbox returns the context's shard inbox.
func (s *Store) Inbox() delivery.InboxStorage {
	return &inboxStorage{db: s.db, codec: s.codec}
}

func (i *inboxStorage) Write(ctx context.Context, msg delivery.InboxMessage) error {
	payload, err := i.codec.Marshal(msg.Signal.Payload)
	if err != nil {
		return fmt.Errorf("encode inbox payload %s: %w", msg.Signal.ID, err)
	}
	sctx, err := json.Marshal(msg.Signal.Context)
	if err != nil {
		return fmt.Errorf("encode inbox context %s: %w", msg.Signal.ID, err)
	}
	var producer string
	if msg.Signal.ProducerID != nil {
		producer = msg.Signal.ProducerID.Key()
	}
	replay := 0
	if msg.Replay {
		replay = 1
	}
	_, err = i.db.ExecContext(ctx,
		`INSERT INTO inbox (
			shard_index, of_total, target_type, target_key,
			signal_id, kind, payload_type, payload,
			producer_key, version, version_at,
			context, status, received_at, keep_until, replay
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		msg.Shard.Index, msg.Shard.OfTotal, msg.TargetType, msg.TargetID.Key(),
		msg.Signal.ID, msg.Signal.Kind, msg.Signal.MessageClass(), payload,
		producer, msg.Signal.Version.Number, nanoOf(msg.Signal.Version.Timestamp),
		string(sctx), msg.Status, nanoOf(msg.ReceivedAt), nanoOf(msg.KeepUntil), replay,
	)
	if err != nil {
		return fmt.Errorf("insert inbox message %s: %w", msg.Signal.ID, err)
	}
	return nil
}

func (i *inboxStorage) ReadPage(ctx context.Context, shard delivery.ShardIndex, limit int) ([]delivery.InboxMessage, error) {
	rows, err := i.db.QueryContext(ctx,
		`SELECT shard_index, of_total, target_type, target_key,
			signal_id, kind, payload_type, payload,
			producer_key, version, version_at,
			context, status, received_at, keep_until, replay
		FROM inbox
		WHERE shard_index = ? AND status = ?
		ORDER BY received_at, signal_id
		LIMIT ?`,
		shard.Index, delivery.StatusToDeliver, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("query inbox page: %w", err)
	}
	defer rows.Close()

	var page []delivery.InboxMessage
	for rows.Next() {
		msg, err := i.scanMessage(rows)
		if err != nil {
			return nil, err
		}
		page = append(page, msg)
	}
	return page, rows.Err()
}

func (i *inboxStorage) MarkDelivered(ctx context.Context, ids []string, keepUntil time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	args := make([]any, 0, len(ids)+3)
	args = append(args, delivery.StatusDelivered, nanoOf(keepUntil), delivery.StatusToDeliver)
	for _, id := range ids {
		args = append(args, id)
	}
	_, err := i.db.ExecContext(ctx,
		`UPDATE inbox SET status = ?, keep_until = ?
		WHERE status = ?
		AND target_type || '|' || target_key || '|' || signal_id IN (?`+strings.Repeat(", ?", len(ids)-1)+`)`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("mark delivered: %w", err)
	}
	return nil
}

func (i *inboxStorage) RecentlyDelivered(ctx context.Context, ids []string, now time.Time) (map[string]bool, error) {
	if len(ids) == 0 {
		return map[string]bool{}, nil
	}
	args := make([]any, 0, len(ids)+2)
	args = append(args, delivery.StatusDelivered, nanoOf(now))
	for _, id := range ids {
		args = append(args, id)
	}
	rows, err := i.db.QueryContext(ctx,
		`SELECT DISTINCT target_type || '|' || target_key || '|' || signal_id
		FROM inbox
		WHERE status = ? AND keep_until > ?
		AND target_type || '|' || target_key || '|' || signal_id IN (?`+strings.Repeat(", ?", len(ids)-1)+`)`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("query delivered ids: %w", err)
	}
	defer rows.Close()

	delivered := make(map[string]bool, len(ids))
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan delivered id: %w", err)
		}
		delivered[id] = true
	}
	return delivered, rows.Err()
}

func (i *inboxStorage) DeleteExpired(ctx context.Context, now time.Time) (int, error) {
	res, err := i.db.ExecContext(ctx,
		`DELETE FROM inbox WHERE status = ? AND keep_until > 0 AND keep_until <= ?`,
		delivery.StatusDelivered, nanoOf(now),
	)
	if err != nil {
		return 0, fmt.Errorf("delete expired: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("delete expired: %w", err)
	}
	return int(n), nil
}

func (i *inboxStorage) scanMessage(scanner interface{ Scan(...any) error }) (delivery.InboxMessage, error) {
	var (
		shardIndex, ofTotal                uint32
		targetType, targetKey, signalID    string
		kind, status, version, replay      int
		payloadType, contextJSON, producer string
		payload                            []byte
		versionAt, receivedAt, keepUntil   int64
	)
	err := scanner.Scan(
		&shardIndex, &ofTotal, &targetType, &targetKey,
		&signalID, &kind, &payloadType, &payload,
		&producer, &version, &versionAt,
		&contextJSON, &status, &receivedAt, &keepUntil, &replay,
	)
	if err != nil {
		return delivery.InboxMessage{}, fmt.Errorf("scan inbox message: %w", err)
	}

	msg, err := i.codec.Unmarshal(payloadType, payload)
	if err != nil {
		return delivery.InboxMessage{}, fmt.Errorf("decode inbox payload %s: %w", signalID, err)
	}
	var sctx signal.Context
	if err := json.Unmarshal([]byte(contextJSON), &sctx); err != nil {
		return delivery.InboxMessage{}, fmt.Errorf("decode inbox context %s: %w", signalID, err)
	}

	var producerID signal.EntityID
	if producer != "" {
		producerID = signal.StringID(producer)
	}
	return delivery.InboxMessage{
		Shard: delivery.ShardIndex{Index: shardIndex, OfTotal: ofTotal},
		Signal: signal.Signal{
			ID:         signalID,
			Kind:       signal.Kind(kind),
			Payload:    msg,
			Context:    sctx,
			ProducerID: producerID,
			Version:    signal.Version{Number: version, Timestamp: timeOf(versionAt)},
		},
		TargetID:   signal.StringID(targetKey),
		TargetType: targetType,
		Status:     delivery.Status(status),
		ReceivedAt: timeOf(receivedAt),
		KeepUntil:  timeOf(keepUntil),
		Replay:     replay == 1,
	}, nil
}

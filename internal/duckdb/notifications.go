package duckdb

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/tinytelemetry/beacon/internal/model"
)

// Append adds a notification to a topic and returns its id. Ids increase
// monotonically, so the decimal id doubles as the subscriber offset.
func (s *Store) Append(ctx context.Context, topic string, n model.Notification) (string, error) {
	props := n.Properties
	if props == nil {
		props = map[string]string{}
	}
	raw, err := json.Marshal(props)
	if err != nil {
		return "", fmt.Errorf("duckdb: encode properties: %w", err)
	}

	ctx, cancel := s.queryCtx(ctx)
	defer cancel()
	s.mu.Lock()
	defer s.mu.Unlock()

	var id int64
	err = s.db.QueryRowContext(ctx,
		`INSERT INTO notifications (topic, notification_type, properties, created_at)
		 VALUES (?, ?, ?, ?) RETURNING id`,
		topic, n.Type, string(raw), s.now().UTC()).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("duckdb: append notification: %w", err)
	}
	return strconv.FormatInt(id, 10), nil
}

// Fetch returns up to limit notifications of topic after the given offset,
// in id order. An empty offset reads from the beginning.
func (s *Store) Fetch(ctx context.Context, topic, afterOffset string, limit int) ([]model.Notification, error) {
	var after int64
	if afterOffset != "" {
		v, err := strconv.ParseInt(afterOffset, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("duckdb: invalid offset %q: %w", afterOffset, err)
		}
		after = v
	}

	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, notification_type, properties FROM notifications
		 WHERE topic = ? AND id > ? ORDER BY id LIMIT ?`,
		topic, after, limit)
	if err != nil {
		return nil, fmt.Errorf("duckdb: fetch notifications: %w", err)
	}
	defer rows.Close()

	var out []model.Notification
	for rows.Next() {
		var (
			id    int64
			typ   string
			props string
		)
		if err := rows.Scan(&id, &typ, &props); err != nil {
			return nil, err
		}
		n := model.Notification{ID: strconv.FormatInt(id, 10), Type: typ}
		// Undecodable properties keep the entry so the subscriber skips it
		// and the offset moves past it.
		if err := json.Unmarshal([]byte(props), &n.Properties); err != nil {
			s.logger.Warn("duckdb: undecodable notification properties",
				zap.Int64("id", id),
				zap.Error(err))
			n.Properties = nil
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// LoadOffset returns the last stored offset, or "" when none was stored.
func (s *Store) LoadOffset(ctx context.Context, topic, subscriber string) (string, error) {
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	var id string
	err := s.db.QueryRowContext(ctx,
		`SELECT message_id FROM subscriber_state WHERE topic = ? AND subscriber = ?`,
		topic, subscriber).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("duckdb: load offset: %w", err)
	}
	return id, nil
}

// StoreOffset records the last processed notification id.
func (s *Store) StoreOffset(ctx context.Context, topic, subscriber, offset string) error {
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO subscriber_state (topic, subscriber, message_id, updated_at)
		 VALUES (?, ?, ?, ?)`,
		topic, subscriber, offset, s.now().UTC())
	if err != nil {
		return fmt.Errorf("duckdb: store offset: %w", err)
	}
	return nil
}

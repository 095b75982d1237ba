package duckdb

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tinytelemetry/beacon/internal/events"
	"github.com/tinytelemetry/beacon/internal/model"
)

// SaveEvents upserts events keyed by (run id, status), so a redelivered
// batch overwrites instead of duplicating.
func (s *Store) SaveEvents(ctx context.Context, evs []model.StatusEvent) error {
	if len(evs) == 0 {
		return nil
	}

	// Last write wins within a batch; DuckDB rejects duplicate keys in one
	// transaction.
	latest := make(map[string]int, len(evs))
	for i, ev := range evs {
		latest[ev.Key()] = i
	}

	ctx, cancel := s.queryCtx(ctx)
	defer cancel()
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("duckdb: begin: %w", err)
	}
	defer tx.Rollback() //nolint:errcheck

	stmt, err := tx.PrepareContext(ctx,
		`INSERT OR REPLACE INTO status_events
		 (run_id, status, program_name, namespace, publish_time, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("duckdb: prepare: %w", err)
	}
	defer stmt.Close()

	created := s.now().UTC()
	for i, ev := range evs {
		if latest[ev.Key()] != i {
			continue
		}
		payload, err := json.Marshal(ev)
		if err != nil {
			return fmt.Errorf("duckdb: encode event %s: %w", ev.Key(), err)
		}
		d := ev.Details
		if _, err := stmt.ExecContext(ctx, d.RunID, d.Status, d.ProgramName, d.Namespace,
			ev.PublishTime, string(payload), created); err != nil {
			return fmt.Errorf("duckdb: insert event %s: %w", ev.Key(), err)
		}
	}
	return tx.Commit()
}

// RecentEvents returns the newest events first.
func (s *Store) RecentEvents(ctx context.Context, limit int) ([]model.StatusEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx,
		`SELECT payload FROM status_events
		 ORDER BY publish_time DESC, created_at DESC, run_id, status LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("duckdb: recent events: %w", err)
	}
	defer rows.Close()

	var out []model.StatusEvent
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, err
		}
		var ev model.StatusEvent
		if err := json.Unmarshal([]byte(payload), &ev); err != nil {
			return nil, fmt.Errorf("duckdb: decode event: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// DeleteBefore removes notifications and events created before cutoff and
// returns the number of rows removed. Stored offsets stay valid because
// notification ids are never reused.
func (s *Store) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	ctx, cancel := s.queryCtx(ctx)
	defer cancel()
	s.mu.Lock()
	defer s.mu.Unlock()

	var total int64
	for _, table := range []string{"notifications", "status_events"} {
		res, err := s.db.ExecContext(ctx, "DELETE FROM "+table+" WHERE created_at < ?", cutoff.UTC())
		if err != nil {
			return total, fmt.Errorf("duckdb: delete from %s: %w", table, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, err
		}
		total += n
	}
	return total, nil
}

// EventWriter stores dispatched events in the database.
type EventWriter struct {
	store  *Store
	logger *zap.Logger
}

var _ events.EventWriter = (*EventWriter)(nil)

func NewEventWriter(store *Store) *EventWriter {
	return &EventWriter{store: store, logger: zap.NewNop()}
}

func (w *EventWriter) ID() string { return "duckdb" }

func (w *EventWriter) Initialize(wc events.WriterContext) error {
	if wc.Logger != nil {
		w.logger = wc.Logger
	}
	if w.store == nil {
		return fmt.Errorf("duckdb: writer %s has no store", wc.ID)
	}
	return nil
}

func (w *EventWriter) Write(ctx context.Context, evs []model.StatusEvent) error {
	if err := w.store.SaveEvents(ctx, evs); err != nil {
		return err
	}
	w.logger.Debug("duckdb: events stored", zap.Int("count", len(evs)))
	return nil
}

// Close leaves the store open; it is owned by the caller.
func (w *EventWriter) Close() error { return nil }

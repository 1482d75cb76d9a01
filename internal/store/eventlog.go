package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rendis/flowscript/pkg/schema"
)

// AppendEvent appends an event to the run's log with a monotonically
// increasing per-run sequence, which is written back to event.Sequence.
func (s *LibSQLStore) AppendEvent(ctx context.Context, event *schema.ProgressEvent) error {
	if event.RunID == "" {
		return schema.NewError(schema.ErrCodeValidation, "event has no run id")
	}
	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin event tx: %w", err)
	}
	defer tx.Rollback()

	var seq int64
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM run_events WHERE run_id = ?`, event.RunID,
	).Scan(&seq); err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Sequence = seq

	payload, err := json.Marshal(event)
	if err != nil {
		event.Sequence = 0
		return fmt.Errorf("marshal event: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO run_events (run_id, sequence, event_type, variable, payload, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.RunID, seq, event.Type, nullStr(event.Variable), string(payload), event.Time,
	); err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

// ListEvents returns the run's events with sequence > since, ordered by sequence.
func (s *LibSQLStore) ListEvents(ctx context.Context, runID string, since int64) ([]*schema.ProgressEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT sequence, payload FROM run_events WHERE run_id = ? AND sequence > ? ORDER BY sequence ASC`,
		runID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*schema.ProgressEvent
	for rows.Next() {
		var seq int64
		var payload string
		if err := rows.Scan(&seq, &payload); err != nil {
			return nil, err
		}
		ev := &schema.ProgressEvent{}
		if err := json.Unmarshal([]byte(payload), ev); err != nil {
			return nil, fmt.Errorf("decode event %d: %w", seq, err)
		}
		ev.Sequence = seq
		events = append(events, ev)
	}
	return events, rows.Err()
}

// CheckEventSequence reports a STORE_ERROR when events (as returned by
// ListEvents with since=0) have a gap in their sequence.
func CheckEventSequence(runID string, events []*schema.ProgressEvent) error {
	for i, e := range events {
		expected := int64(i + 1)
		if e.Sequence != expected {
			return schema.NewErrorf(schema.ErrCodeStore,
				"sequence gap in run %s: expected %d, got %d", runID, expected, e.Sequence)
		}
	}
	return nil
}

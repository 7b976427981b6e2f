package index

import (
	"context"
	"fmt"
	"time"

	"github.com/vantle/stepflow/pkg/schema"
)

// Journal provides append operations on the run event journal.
type Journal struct {
	index *Index
}

// NewJournal wraps an Index to provide journal append operations.
func NewJournal(ix *Index) *Journal {
	return &Journal{index: ix}
}

// Append appends an event with a monotonically increasing per-run sequence.
// The assigned sequence and timestamp are written back into the event.
func (j *Journal) Append(ctx context.Context, event *schema.RunEvent) error {
	db := j.index.DB()

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin immediate tx: %w", err)
	}
	defer tx.Rollback()

	// In WAL mode, BeginTx alone may start a deferred transaction, letting
	// concurrent writers interleave the sequence read with the insert. A
	// write-intent statement upgrades the transaction to a write lock first.
	if _, err := tx.ExecContext(ctx,
		`INSERT OR IGNORE INTO schema_version (version, name) VALUES (-1, '_lock_noop')`); err != nil {
		return fmt.Errorf("acquire write lock: %w", err)
	}
	// Clean up the noop row.
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM schema_version WHERE version = -1`); err != nil {
		return fmt.Errorf("cleanup write lock: %w", err)
	}

	var seq int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM run_events WHERE run_id = ?`, event.RunID,
	).Scan(&seq)
	if err != nil {
		return fmt.Errorf("get next sequence: %w", err)
	}
	event.Seq = seq

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}

	payload, err := marshalPayload(event.Payload)
	if err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO run_events (run_id, sequence, event_type, step_id, payload, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		event.RunID, seq, event.Type, nullStr(event.StepID), payload, event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit event: %w", err)
	}
	return nil
}

// Events returns journal entries for a run with sequence > since, ordered by
// sequence ASC.
func (j *Journal) Events(ctx context.Context, runID string, since int64) ([]*schema.RunEvent, error) {
	return j.index.GetEvents(ctx, runID, since)
}

// EventsByType returns journal entries of one event type matching the filter.
func (j *Journal) EventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*schema.RunEvent, error) {
	return j.index.GetEventsByType(ctx, eventType, filter)
}

// Verify checks that a run's journal has contiguous sequences 1..N and
// returns N. A gap means entries were deleted or written outside Append.
func (j *Journal) Verify(ctx context.Context, runID string) (int64, error) {
	events, err := j.index.GetEvents(ctx, runID, 0)
	if err != nil {
		return 0, fmt.Errorf("get events for verify: %w", err)
	}
	for i, e := range events {
		expected := int64(i + 1)
		if e.Seq != expected {
			return 0, schema.NewErrorf(schema.ErrCodePersistence,
				"sequence gap in run %s journal: expected %d, got %d", runID, expected, e.Seq)
		}
	}
	return int64(len(events)), nil
}

// Package index maintains the embedded libSQL run index and event journal.
// Everything in it is derived data: run records on disk stay authoritative,
// and losing the database degrades listing and audit only, never resume.
package index

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/vantle/stepflow/pkg/schema"
)

// Index wraps an embedded libSQL database holding run summaries, the
// append-only run event journal, and scheduler bookkeeping.
type Index struct {
	db *sql.DB
}

// Open opens a libSQL database at the given path. The path should be a
// file URI, e.g. "file:/path/to/stepflow.db".
func Open(dbPath string) (*Index, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &Index{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage (e.g. the journal).
func (ix *Index) DB() *sql.DB { return ix.db }

// Close closes the database.
func (ix *Index) Close() error { return ix.db.Close() }

// Migrate applies all pending database migrations.
func (ix *Index) Migrate(ctx context.Context) error {
	return runMigrations(ctx, ix.db)
}

// Vacuum runs VACUUM on the database.
func (ix *Index) Vacuum(ctx context.Context) error {
	_, err := ix.db.ExecContext(ctx, "VACUUM")
	return err
}

// --- Runs ---

// UpsertRun records or refreshes the indexed view of a run. The engine calls
// this after every checkpoint, so the write must be idempotent.
func (ix *Index) UpsertRun(ctx context.Context, run *RunSummary) error {
	_, err := ix.db.ExecContext(ctx,
		`INSERT INTO runs (run_id, pipeline, status, current_step, record_digest, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(run_id) DO UPDATE SET
		   pipeline=excluded.pipeline, status=excluded.status, current_step=excluded.current_step,
		   record_digest=excluded.record_digest, updated_at=excluded.updated_at`,
		run.RunID, run.Pipeline, string(run.Status), nullStr(run.CurrentStep), nullStr(run.RecordDigest),
		timeOrNow(run.CreatedAt), timeOrNow(run.UpdatedAt),
	)
	return err
}

// GetRun returns the indexed view of one run.
func (ix *Index) GetRun(ctx context.Context, runID string) (*RunSummary, error) {
	run := &RunSummary{}
	var currentStep, digest sql.NullString
	var status string
	err := ix.db.QueryRowContext(ctx,
		`SELECT run_id, pipeline, status, current_step, record_digest, created_at, updated_at
		 FROM runs WHERE run_id = ?`, runID,
	).Scan(&run.RunID, &run.Pipeline, &status, &currentStep, &digest, &run.CreatedAt, &run.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, indexNotFound("run", runID)
	}
	if err != nil {
		return nil, err
	}
	run.Status = schema.RunStatus(status)
	run.CurrentStep = currentStep.String
	run.RecordDigest = digest.String
	return run, nil
}

// ListRuns returns indexed runs matching the filter, newest first.
func (ix *Index) ListRuns(ctx context.Context, filter RunFilter) ([]*RunSummary, error) {
	var where []string
	var args []any

	if filter.Pipeline != "" {
		where = append(where, "pipeline = ?")
		args = append(args, filter.Pipeline)
	}
	if filter.Status != nil {
		where = append(where, "status = ?")
		args = append(args, string(*filter.Status))
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}

	query := "SELECT run_id, pipeline, status, current_step, record_digest, created_at, updated_at FROM runs"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
		if filter.Offset > 0 {
			query += fmt.Sprintf(" OFFSET %d", filter.Offset)
		}
	}

	rows, err := ix.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*RunSummary
	for rows.Next() {
		run := &RunSummary{}
		var currentStep, digest sql.NullString
		var status string
		if err := rows.Scan(&run.RunID, &run.Pipeline, &status, &currentStep, &digest,
			&run.CreatedAt, &run.UpdatedAt); err != nil {
			return nil, err
		}
		run.Status = schema.RunStatus(status)
		run.CurrentStep = currentStep.String
		run.RecordDigest = digest.String
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// DeleteRun removes a run and its journal entries from the index.
func (ix *Index) DeleteRun(ctx context.Context, runID string) error {
	if _, err := ix.db.ExecContext(ctx, `DELETE FROM run_events WHERE run_id = ?`, runID); err != nil {
		return err
	}
	res, err := ix.db.ExecContext(ctx, `DELETE FROM runs WHERE run_id = ?`, runID)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "run", runID)
}

// --- Events (reads; appends go through the Journal) ---

// GetEvents returns journal entries for a run with sequence > since, ordered
// by sequence ASC.
func (ix *Index) GetEvents(ctx context.Context, runID string, since int64) ([]*schema.RunEvent, error) {
	rows, err := ix.db.QueryContext(ctx,
		`SELECT run_id, sequence, event_type, step_id, payload, created_at
		 FROM run_events WHERE run_id = ? AND sequence > ? ORDER BY sequence ASC`,
		runID, since,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

// GetEventsByType returns journal entries of one event type matching the
// filter, newest first.
func (ix *Index) GetEventsByType(ctx context.Context, eventType string, filter EventFilter) ([]*schema.RunEvent, error) {
	var where []string
	var args []any

	where = append(where, "event_type = ?")
	args = append(args, eventType)

	if filter.RunID != "" {
		where = append(where, "run_id = ?")
		args = append(args, filter.RunID)
	}
	if filter.StepID != "" {
		where = append(where, "step_id = ?")
		args = append(args, filter.StepID)
	}
	if filter.Since != nil {
		where = append(where, "created_at >= ?")
		args = append(args, *filter.Since)
	}

	query := `SELECT run_id, sequence, event_type, step_id, payload, created_at FROM run_events`
	query += " WHERE " + strings.Join(where, " AND ")
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := ix.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanEvents(rows)
}

func scanEvents(rows *sql.Rows) ([]*schema.RunEvent, error) {
	var events []*schema.RunEvent
	for rows.Next() {
		e := &schema.RunEvent{}
		var stepID, payload sql.NullString
		if err := rows.Scan(&e.RunID, &e.Seq, &e.Type, &stepID, &payload, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.StepID = stepID.String
		if payload.Valid && payload.String != "" {
			if err := json.Unmarshal([]byte(payload.String), &e.Payload); err != nil {
				return nil, fmt.Errorf("unmarshal event payload: %w", err)
			}
		}
		events = append(events, e)
	}
	return events, rows.Err()
}

// --- Schedules ---

// UpsertSchedule registers or refreshes a schedule, keyed by definition path.
func (ix *Index) UpsertSchedule(ctx context.Context, sched *Schedule) error {
	_, err := ix.db.ExecContext(ctx,
		`INSERT INTO schedules (definition_path, pipeline, cron_spec, enabled, last_run_at, next_run_at, last_run_id, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(definition_path) DO UPDATE SET
		   pipeline=excluded.pipeline, cron_spec=excluded.cron_spec, enabled=excluded.enabled,
		   next_run_at=excluded.next_run_at, updated_at=excluded.updated_at`,
		sched.DefinitionPath, sched.Pipeline, sched.CronSpec, boolInt(sched.Enabled),
		nullTime(sched.LastRunAt), nullTime(sched.NextRunAt), nullStr(sched.LastRunID),
		timeOrNow(sched.CreatedAt), timeOrNow(sched.UpdatedAt),
	)
	return err
}

// GetSchedule returns the schedule registered for a definition path.
func (ix *Index) GetSchedule(ctx context.Context, definitionPath string) (*Schedule, error) {
	sched := &Schedule{}
	var enabled int
	var lastRunAt, nextRunAt sql.NullTime
	var lastRunID sql.NullString
	err := ix.db.QueryRowContext(ctx,
		`SELECT definition_path, pipeline, cron_spec, enabled, last_run_at, next_run_at, last_run_id, created_at, updated_at
		 FROM schedules WHERE definition_path = ?`, definitionPath,
	).Scan(&sched.DefinitionPath, &sched.Pipeline, &sched.CronSpec, &enabled,
		&lastRunAt, &nextRunAt, &lastRunID, &sched.CreatedAt, &sched.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, indexNotFound("schedule", definitionPath)
	}
	if err != nil {
		return nil, err
	}
	sched.Enabled = enabled != 0
	if lastRunAt.Valid {
		sched.LastRunAt = &lastRunAt.Time
	}
	if nextRunAt.Valid {
		sched.NextRunAt = &nextRunAt.Time
	}
	sched.LastRunID = lastRunID.String
	return sched, nil
}

// UpdateSchedule applies the non-nil fields of the update to a schedule.
func (ix *Index) UpdateSchedule(ctx context.Context, definitionPath string, update ScheduleUpdate) error {
	var sets []string
	var args []any

	if update.CronSpec != nil {
		sets = append(sets, "cron_spec = ?")
		args = append(args, *update.CronSpec)
	}
	if update.Enabled != nil {
		sets = append(sets, "enabled = ?")
		args = append(args, boolInt(*update.Enabled))
	}
	if update.LastRunAt != nil {
		sets = append(sets, "last_run_at = ?")
		args = append(args, *update.LastRunAt)
	}
	if update.NextRunAt != nil {
		sets = append(sets, "next_run_at = ?")
		args = append(args, *update.NextRunAt)
	}
	if update.LastRunID != nil {
		sets = append(sets, "last_run_id = ?")
		args = append(args, *update.LastRunID)
	}
	if len(sets) == 0 {
		return nil
	}
	sets = append(sets, "updated_at = CURRENT_TIMESTAMP")
	args = append(args, definitionPath)

	query := fmt.Sprintf("UPDATE schedules SET %s WHERE definition_path = ?", strings.Join(sets, ", "))
	res, err := ix.db.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "schedule", definitionPath)
}

// ListSchedules returns schedules matching the filter, oldest first.
func (ix *Index) ListSchedules(ctx context.Context, filter ScheduleFilter) ([]*Schedule, error) {
	var where []string
	var args []any

	if filter.Enabled != nil {
		where = append(where, "enabled = ?")
		args = append(args, boolInt(*filter.Enabled))
	}

	query := "SELECT definition_path, pipeline, cron_spec, enabled, last_run_at, next_run_at, last_run_id, created_at, updated_at FROM schedules"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC"
	if filter.Limit > 0 {
		query += fmt.Sprintf(" LIMIT %d", filter.Limit)
	}

	rows, err := ix.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var schedules []*Schedule
	for rows.Next() {
		sched := &Schedule{}
		var enabled int
		var lastRunAt, nextRunAt sql.NullTime
		var lastRunID sql.NullString
		if err := rows.Scan(&sched.DefinitionPath, &sched.Pipeline, &sched.CronSpec, &enabled,
			&lastRunAt, &nextRunAt, &lastRunID, &sched.CreatedAt, &sched.UpdatedAt); err != nil {
			return nil, err
		}
		sched.Enabled = enabled != 0
		if lastRunAt.Valid {
			sched.LastRunAt = &lastRunAt.Time
		}
		if nextRunAt.Valid {
			sched.NextRunAt = &nextRunAt.Time
		}
		sched.LastRunID = lastRunID.String
		schedules = append(schedules, sched)
	}
	return schedules, rows.Err()
}

// DeleteSchedule removes the schedule for a definition path.
func (ix *Index) DeleteSchedule(ctx context.Context, definitionPath string) error {
	res, err := ix.db.ExecContext(ctx, `DELETE FROM schedules WHERE definition_path = ?`, definitionPath)
	if err != nil {
		return err
	}
	return checkRowsAffected(res, "schedule", definitionPath)
}

// --- Helpers ---

func indexNotFound(resource, id string) *schema.StepflowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func checkRowsAffected(res sql.Result, resource, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return indexNotFound(resource, id)
	}
	return nil
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func marshalPayload(m map[string]any) (any, error) {
	if len(m) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("marshal event payload: %w", err)
	}
	return string(b), nil
}

package index

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vantle/stepflow/pkg/schema"
)

func newTestIndex(t *testing.T) *Index {
	t.Helper()
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "stepflow.db")
	ix, err := Open("file:" + dbPath)
	require.NoError(t, err)
	require.NoError(t, ix.Migrate(context.Background()))
	t.Cleanup(func() {
		_ = ix.Close()
		_ = os.RemoveAll(dir)
	})
	return ix
}

func testSummary(runID string) *RunSummary {
	now := time.Now().UTC()
	return &RunSummary{
		RunID:        runID,
		Pipeline:     "nightly-encode",
		Status:       schema.RunStatusRunning,
		CurrentStep:  "transcode",
		RecordDigest: "d9a1f3",
		CreatedAt:    now,
		UpdatedAt:    now,
	}
}

// --- Run Tests ---

func TestUpsertAndGetRun(t *testing.T) {
	ix := newTestIndex(t)
	ctx := context.Background()

	require.NoError(t, ix.UpsertRun(ctx, testSummary("run-1")))

	got, err := ix.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, "run-1", got.RunID)
	assert.Equal(t, "nightly-encode", got.Pipeline)
	assert.Equal(t, schema.RunStatusRunning, got.Status)
	assert.Equal(t, "transcode", got.CurrentStep)
	assert.Equal(t, "d9a1f3", got.RecordDigest)
	assert.False(t, got.CreatedAt.IsZero())
}

func TestUpsertRun_RefreshesExistingRow(t *testing.T) {
	ix := newTestIndex(t)
	ctx := context.Background()

	first := testSummary("run-1")
	require.NoError(t, ix.UpsertRun(ctx, first))

	second := testSummary("run-1")
	second.Status = schema.RunStatusCompleted
	second.CurrentStep = ""
	second.RecordDigest = "e4b2c8"
	second.UpdatedAt = first.UpdatedAt.Add(time.Minute)
	require.NoError(t, ix.UpsertRun(ctx, second))

	got, err := ix.GetRun(ctx, "run-1")
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, got.Status)
	assert.Empty(t, got.CurrentStep)
	assert.Equal(t, "e4b2c8", got.RecordDigest)

	list, err := ix.ListRuns(ctx, RunFilter{})
	require.NoError(t, err)
	assert.Len(t, list, 1, "upsert must not duplicate rows")
}

func TestGetRun_NotFound(t *testing.T) {
	ix := newTestIndex(t)
	_, err := ix.GetRun(context.Background(), "nonexistent")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))
}

func TestListRuns_FiltersAndOrder(t *testing.T) {
	ix := newTestIndex(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	seed := []struct {
		id       string
		pipeline string
		status   schema.RunStatus
		offset   time.Duration
	}{
		{"run-a", "encode", schema.RunStatusCompleted, 0},
		{"run-b", "encode", schema.RunStatusFailed, time.Minute},
		{"run-c", "report", schema.RunStatusCompleted, 2 * time.Minute},
	}
	for _, s := range seed {
		sum := testSummary(s.id)
		sum.Pipeline = s.pipeline
		sum.Status = s.status
		sum.CreatedAt = base.Add(s.offset)
		sum.UpdatedAt = sum.CreatedAt
		require.NoError(t, ix.UpsertRun(ctx, sum))
	}

	list, err := ix.ListRuns(ctx, RunFilter{})
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "run-c", list[0].RunID, "newest first")
	assert.Equal(t, "run-a", list[2].RunID)

	list, err = ix.ListRuns(ctx, RunFilter{Pipeline: "encode"})
	require.NoError(t, err)
	assert.Len(t, list, 2)

	failed := schema.RunStatusFailed
	list, err = ix.ListRuns(ctx, RunFilter{Status: &failed})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "run-b", list[0].RunID)

	since := base.Add(90 * time.Second)
	list, err = ix.ListRuns(ctx, RunFilter{Since: &since})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "run-c", list[0].RunID)

	list, err = ix.ListRuns(ctx, RunFilter{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, list, 2)

	list, err = ix.ListRuns(ctx, RunFilter{Limit: 2, Offset: 2})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "run-a", list[0].RunID)
}

func TestDeleteRun_RemovesRowAndJournal(t *testing.T) {
	ix := newTestIndex(t)
	ctx := context.Background()
	journal := NewJournal(ix)

	require.NoError(t, ix.UpsertRun(ctx, testSummary("run-1")))
	require.NoError(t, journal.Append(ctx, &schema.RunEvent{
		RunID: "run-1", Type: schema.EventRunStarted,
	}))

	require.NoError(t, ix.DeleteRun(ctx, "run-1"))

	_, err := ix.GetRun(ctx, "run-1")
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))

	events, err := ix.GetEvents(ctx, "run-1", 0)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestDeleteRun_NotFound(t *testing.T) {
	ix := newTestIndex(t)
	err := ix.DeleteRun(context.Background(), "nonexistent")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))
}

// --- SummaryFromRecord Tests ---

func TestSummaryFromRecord(t *testing.T) {
	def := schema.PipelineDefinition{
		Pipeline: "encode",
		Steps: []schema.StepDefinition{
			{ID: "fetch", Type: "http.get"},
			{ID: "transcode", Type: "shell.run"},
			{ID: "publish", Type: "http.post"},
		},
	}
	rec := schema.NewRunRecord("run-1", def, nil)

	sum := SummaryFromRecord(rec, "abc123")
	assert.Equal(t, "run-1", sum.RunID)
	assert.Equal(t, "encode", sum.Pipeline)
	assert.Equal(t, schema.RunStatusPending, sum.Status)
	assert.Equal(t, "fetch", sum.CurrentStep, "first pending step")
	assert.Equal(t, "abc123", sum.RecordDigest)

	rec.Steps[0].Status = schema.StepStatusCompleted
	rec.Steps[1].Status = schema.StepStatusRunning
	sum = SummaryFromRecord(rec, "abc123")
	assert.Equal(t, "transcode", sum.CurrentStep, "running step wins")

	for _, s := range rec.Steps {
		s.Status = schema.StepStatusCompleted
	}
	rec.Status = schema.RunStatusCompleted
	sum = SummaryFromRecord(rec, "abc123")
	assert.Empty(t, sum.CurrentStep, "finished run has no current step")
}

// --- Schedule Tests ---

func TestUpsertAndGetSchedule(t *testing.T) {
	ix := newTestIndex(t)
	ctx := context.Background()

	next := time.Now().UTC().Add(time.Hour).Truncate(time.Second)
	sched := &Schedule{
		DefinitionPath: "/defs/nightly.yaml",
		Pipeline:       "nightly-encode",
		CronSpec:       "0 2 * * *",
		Enabled:        true,
		NextRunAt:      &next,
	}
	require.NoError(t, ix.UpsertSchedule(ctx, sched))

	got, err := ix.GetSchedule(ctx, "/defs/nightly.yaml")
	require.NoError(t, err)
	assert.Equal(t, "nightly-encode", got.Pipeline)
	assert.Equal(t, "0 2 * * *", got.CronSpec)
	assert.True(t, got.Enabled)
	require.NotNil(t, got.NextRunAt)
	assert.WithinDuration(t, next, *got.NextRunAt, time.Second)
	assert.Nil(t, got.LastRunAt)
}

func TestUpsertSchedule_RefreshesCronSpec(t *testing.T) {
	ix := newTestIndex(t)
	ctx := context.Background()

	sched := &Schedule{
		DefinitionPath: "/defs/nightly.yaml",
		Pipeline:       "nightly-encode",
		CronSpec:       "0 2 * * *",
		Enabled:        true,
	}
	require.NoError(t, ix.UpsertSchedule(ctx, sched))

	sched.CronSpec = "30 3 * * *"
	require.NoError(t, ix.UpsertSchedule(ctx, sched))

	got, err := ix.GetSchedule(ctx, "/defs/nightly.yaml")
	require.NoError(t, err)
	assert.Equal(t, "30 3 * * *", got.CronSpec)

	list, err := ix.ListSchedules(ctx, ScheduleFilter{})
	require.NoError(t, err)
	assert.Len(t, list, 1)
}

func TestGetSchedule_NotFound(t *testing.T) {
	ix := newTestIndex(t)
	_, err := ix.GetSchedule(context.Background(), "/defs/missing.yaml")
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))
}

func TestUpdateSchedule(t *testing.T) {
	ix := newTestIndex(t)
	ctx := context.Background()

	require.NoError(t, ix.UpsertSchedule(ctx, &Schedule{
		DefinitionPath: "/defs/nightly.yaml",
		Pipeline:       "nightly-encode",
		CronSpec:       "0 2 * * *",
		Enabled:        true,
	}))

	last := time.Now().UTC().Truncate(time.Second)
	next := last.Add(24 * time.Hour)
	lastRunID := "nightly-encode-20260825-020000-1a2b3c4d"
	disabled := false
	require.NoError(t, ix.UpdateSchedule(ctx, "/defs/nightly.yaml", ScheduleUpdate{
		Enabled:   &disabled,
		LastRunAt: &last,
		NextRunAt: &next,
		LastRunID: &lastRunID,
	}))

	got, err := ix.GetSchedule(ctx, "/defs/nightly.yaml")
	require.NoError(t, err)
	assert.False(t, got.Enabled)
	require.NotNil(t, got.LastRunAt)
	assert.WithinDuration(t, last, *got.LastRunAt, time.Second)
	require.NotNil(t, got.NextRunAt)
	assert.WithinDuration(t, next, *got.NextRunAt, time.Second)
	assert.Equal(t, lastRunID, got.LastRunID)
}

func TestUpdateSchedule_EmptyUpdateIsNoop(t *testing.T) {
	ix := newTestIndex(t)
	// No row exists; an empty update must not fail on rows-affected.
	require.NoError(t, ix.UpdateSchedule(context.Background(), "/defs/missing.yaml", ScheduleUpdate{}))
}

func TestUpdateSchedule_NotFound(t *testing.T) {
	ix := newTestIndex(t)
	enabled := true
	err := ix.UpdateSchedule(context.Background(), "/defs/missing.yaml", ScheduleUpdate{Enabled: &enabled})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))
}

func TestListSchedules_EnabledFilter(t *testing.T) {
	ix := newTestIndex(t)
	ctx := context.Background()

	base := time.Now().UTC().Add(-time.Hour)
	for i, s := range []*Schedule{
		{DefinitionPath: "/defs/a.yaml", Pipeline: "a", CronSpec: "* * * * *", Enabled: true},
		{DefinitionPath: "/defs/b.yaml", Pipeline: "b", CronSpec: "* * * * *", Enabled: false},
		{DefinitionPath: "/defs/c.yaml", Pipeline: "c", CronSpec: "* * * * *", Enabled: true},
	} {
		s.CreatedAt = base.Add(time.Duration(i) * time.Minute)
		s.UpdatedAt = s.CreatedAt
		require.NoError(t, ix.UpsertSchedule(ctx, s))
	}

	list, err := ix.ListSchedules(ctx, ScheduleFilter{})
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, "/defs/a.yaml", list[0].DefinitionPath, "oldest first")

	enabled := true
	list, err = ix.ListSchedules(ctx, ScheduleFilter{Enabled: &enabled})
	require.NoError(t, err)
	assert.Len(t, list, 2)

	disabled := false
	list, err = ix.ListSchedules(ctx, ScheduleFilter{Enabled: &disabled})
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "/defs/b.yaml", list[0].DefinitionPath)
}

func TestDeleteSchedule(t *testing.T) {
	ix := newTestIndex(t)
	ctx := context.Background()

	require.NoError(t, ix.UpsertSchedule(ctx, &Schedule{
		DefinitionPath: "/defs/a.yaml", Pipeline: "a", CronSpec: "* * * * *", Enabled: true,
	}))
	require.NoError(t, ix.DeleteSchedule(ctx, "/defs/a.yaml"))

	_, err := ix.GetSchedule(ctx, "/defs/a.yaml")
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))

	err = ix.DeleteSchedule(ctx, "/defs/a.yaml")
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))
}

// --- Migration Tests ---

func TestMigrateIdempotent(t *testing.T) {
	ix := newTestIndex(t)
	ctx := context.Background()
	// Migrate already ran in newTestIndex; calling again should be a no-op.
	require.NoError(t, ix.Migrate(ctx))
}

func TestVacuum(t *testing.T) {
	ix := newTestIndex(t)
	require.NoError(t, ix.Vacuum(context.Background()))
}

package runstore

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/vantle/stepflow/pkg/schema"
)

func createRun(t *testing.T, s *Store, runID string) (*RunDir, *schema.RunRecord) {
	t.Helper()
	d, err := s.Create(runID, nil, false)
	require.NoError(t, err)
	return d, schema.NewRunRecord(runID, testDefinition(), nil)
}

func TestPersistLoad_RoundTrip(t *testing.T) {
	s := newTestStore(t)
	d, rec := createRun(t, s, "run-1")

	now := time.Now().UTC().Truncate(time.Second)
	rec.Status = schema.RunStatusRunning
	rec.StartedAt = &now
	rec.Steps[0].Status = schema.StepStatusCompleted
	rec.Steps[0].Result = schema.NewStepResult(map[string]any{"status": "ok"}).
		WithExtra("status_code", 200)
	rec.Steps[0].DurationMs = 1523

	persistDigest, err := d.Persist(rec)
	require.NoError(t, err)
	require.NotEmpty(t, persistDigest)

	loaded, loadDigest, err := d.Load()
	require.NoError(t, err)
	assert.Equal(t, persistDigest, loadDigest, "untouched record must load with the persisted digest")

	assert.Equal(t, "run-1", loaded.RunID)
	assert.Equal(t, schema.RunStatusRunning, loaded.Status)
	assert.Equal(t, "demo", loaded.Pipeline)
	require.Len(t, loaded.Steps, 2)
	assert.Equal(t, schema.StepStatusCompleted, loaded.Steps[0].Status)
	assert.Equal(t, int64(1523), loaded.Steps[0].DurationMs)
	require.NotNil(t, loaded.Steps[0].Result)
	assert.Equal(t, map[string]any{"status": "ok"}, loaded.Steps[0].Result.Output)
	assert.Equal(t, 200, loaded.Steps[0].Result.Extra["status_code"])
	assert.Equal(t, schema.StepStatusPending, loaded.Steps[1].Status)
}

func TestPersist_LeavesNoTemp(t *testing.T) {
	s := newTestStore(t)
	d, rec := createRun(t, s, "run-1")

	_, err := d.Persist(rec)
	require.NoError(t, err)

	_, err = os.Stat(d.RecordPath())
	require.NoError(t, err)
	_, err = os.Stat(d.RecordPath() + tmpSuffix)
	assert.True(t, os.IsNotExist(err))
}

func TestPersist_NilRecord(t *testing.T) {
	s := newTestStore(t)
	d, _ := createRun(t, s, "run-1")

	_, err := d.Persist(nil)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodePersistence, schema.CodeOf(err))
}

func TestLoad_MissingRecord(t *testing.T) {
	s := newTestStore(t)
	d, _ := createRun(t, s, "run-1")

	_, _, err := d.Load()
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeNotFound, schema.CodeOf(err))
}

func TestLoad_CorruptYAML(t *testing.T) {
	s := newTestStore(t)
	d, _ := createRun(t, s, "run-1")
	require.NoError(t, os.WriteFile(d.RecordPath(), []byte("{{{ not yaml"), 0644))

	_, _, err := d.Load()
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodePersistence, schema.CodeOf(err))
}

func TestLoad_UnknownFieldRejected(t *testing.T) {
	s := newTestStore(t)
	d, rec := createRun(t, s, "run-1")
	_, err := d.Persist(rec)
	require.NoError(t, err)

	data, err := os.ReadFile(d.RecordPath())
	require.NoError(t, err)
	data = append(data, []byte("typo_field: oops\n")...)
	require.NoError(t, os.WriteFile(d.RecordPath(), data, 0644))

	_, _, err = d.Load()
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodePersistence, schema.CodeOf(err))
}

func TestLoad_InconsistentRecordFailsValidation(t *testing.T) {
	s := newTestStore(t)
	d, rec := createRun(t, s, "run-1")
	rec.Steps[0].ID = "renamed-by-hand"

	_, err := d.Persist(rec)
	require.NoError(t, err)

	_, _, err = d.Load()
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodePersistence, schema.CodeOf(err))
	assert.Contains(t, err.Error(), "renamed-by-hand")
}

func TestLoad_DigestChangesOnHandEdit(t *testing.T) {
	s := newTestStore(t)
	d, rec := createRun(t, s, "run-1")

	persistDigest, err := d.Persist(rec)
	require.NoError(t, err)

	data, err := os.ReadFile(d.RecordPath())
	require.NoError(t, err)
	data = append(data, []byte("# reviewed by operator\n")...)
	require.NoError(t, os.WriteFile(d.RecordPath(), data, 0644))

	_, loadDigest, err := d.Load()
	require.NoError(t, err)
	assert.NotEqual(t, persistDigest, loadDigest)
}

func TestLoad_MigratesVersionlessRecord(t *testing.T) {
	s := newTestStore(t)
	d, rec := createRun(t, s, "run-1")

	// Simulate a pre-versioning document by round-tripping through a map and
	// dropping the version field.
	data, err := yaml.Marshal(rec)
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, yaml.Unmarshal(data, &doc))
	delete(doc, "schema_version")
	data, err = yaml.Marshal(doc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(d.RecordPath(), data, 0644))

	loaded, _, err := d.Load()
	require.NoError(t, err)
	assert.Equal(t, 1, loaded.SchemaVersion)
}

func TestLoad_NewerSchemaVersionRejected(t *testing.T) {
	s := newTestStore(t)
	d, rec := createRun(t, s, "run-1")
	rec.SchemaVersion = schema.RunRecordSchemaVersion + 1

	_, err := d.Persist(rec)
	require.NoError(t, err)

	_, _, err = d.Load()
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodePersistence, schema.CodeOf(err))
	assert.Contains(t, err.Error(), "newer")
}

// --- temp file recovery ---

func TestRecovery_PromotesTempWhenRecordMissing(t *testing.T) {
	s := newTestStore(t)
	d, rec := createRun(t, s, "run-1")

	data, err := yaml.Marshal(rec)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(d.RecordPath()+tmpSuffix, data, 0644))

	loaded, _, err := d.Load()
	require.NoError(t, err)
	assert.Equal(t, "run-1", loaded.RunID)

	_, err = os.Stat(d.RecordPath() + tmpSuffix)
	assert.True(t, os.IsNotExist(err), "temp must be consumed by promotion")
}

func TestRecovery_PromotesNewerParseableTemp(t *testing.T) {
	s := newTestStore(t)
	d, rec := createRun(t, s, "run-1")

	_, err := d.Persist(rec)
	require.NoError(t, err)

	newer := schema.NewRunRecord("run-1", testDefinition(), nil)
	newer.Status = schema.RunStatusRunning
	newerStart := time.Now().UTC()
	newer.StartedAt = &newerStart
	data, err := yaml.Marshal(newer)
	require.NoError(t, err)
	tmpPath := d.RecordPath() + tmpSuffix
	require.NoError(t, os.WriteFile(tmpPath, data, 0644))

	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(tmpPath, future, future))

	loaded, _, err := d.Load()
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusRunning, loaded.Status, "newer checkpoint must win")
}

func TestRecovery_RemovesOlderTemp(t *testing.T) {
	s := newTestStore(t)
	d, rec := createRun(t, s, "run-1")

	rec.Status = schema.RunStatusCompleted
	_, err := d.Persist(rec)
	require.NoError(t, err)

	stale := schema.NewRunRecord("run-1", testDefinition(), nil)
	data, err := yaml.Marshal(stale)
	require.NoError(t, err)
	tmpPath := d.RecordPath() + tmpSuffix
	require.NoError(t, os.WriteFile(tmpPath, data, 0644))

	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(tmpPath, past, past))

	loaded, _, err := d.Load()
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, loaded.Status, "stale temp must not replace the record")

	_, err = os.Stat(tmpPath)
	assert.True(t, os.IsNotExist(err))
}

func TestRecovery_RemovesTornTemp(t *testing.T) {
	s := newTestStore(t)
	d, rec := createRun(t, s, "run-1")

	_, err := d.Persist(rec)
	require.NoError(t, err)

	tmpPath := d.RecordPath() + tmpSuffix
	require.NoError(t, os.WriteFile(tmpPath, []byte("run_id: torn\nsteps: ["), 0644))
	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(tmpPath, future, future))

	loaded, _, err := d.Load()
	require.NoError(t, err)
	assert.Equal(t, "run-1", loaded.RunID)

	_, err = os.Stat(tmpPath)
	assert.True(t, os.IsNotExist(err), "unparseable temp must be discarded")
}

func TestRecovery_CompletedRunSurvivesCrashLoop(t *testing.T) {
	s := newTestStore(t)
	d, rec := createRun(t, s, "run-1")

	for i := 0; i < 5; i++ {
		rec.UpdatedAt = time.Now().UTC()
		_, err := d.Persist(rec)
		require.NoError(t, err)

		loaded, _, err := d.Load()
		require.NoError(t, err)
		assert.Equal(t, rec.RunID, loaded.RunID)
	}
}

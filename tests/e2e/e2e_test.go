package e2e

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vantle/stepflow/internal/engine"
	"github.com/vantle/stepflow/internal/index"
	"github.com/vantle/stepflow/internal/runstore"
	"github.com/vantle/stepflow/internal/steps"
	"github.com/vantle/stepflow/internal/streaming"
	"github.com/vantle/stepflow/internal/validation"
	"github.com/vantle/stepflow/pkg/schema"
)

// --- Harness: the full stack on temp dirs ---

type harness struct {
	t        *testing.T
	dir      string
	store    *runstore.Store
	ix       *index.Index
	hub      *streaming.MemoryHub
	registry *steps.Registry
	engine   *engine.Engine
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	dir := t.TempDir()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	jsv, err := validation.NewJSONSchemaValidator()
	require.NoError(t, err)

	store, err := runstore.New(filepath.Join(dir, "runs"), jsv)
	require.NoError(t, err)

	ix, err := index.Open("file:" + filepath.Join(dir, "e2e.db"))
	require.NoError(t, err)
	require.NoError(t, ix.Migrate(context.Background()))

	hub := streaming.NewMemoryHub()
	journal, err := streaming.StartJournalWriter(hub, index.NewJournal(ix), logger)
	require.NoError(t, err)

	registry := steps.NewRegistry()
	require.NoError(t, steps.RegisterBuiltins(registry, jsv,
		steps.HTTPConfig{}, steps.FSConfig{}, steps.ShellConfig{}))

	eng, err := engine.New(registry, store, ix, hub, logger)
	require.NoError(t, err)

	t.Cleanup(func() {
		journal.Close()
		_ = ix.Close()
	})

	return &harness{
		t:        t,
		dir:      dir,
		store:    store,
		ix:       ix,
		hub:      hub,
		registry: registry,
		engine:   eng,
	}
}

func (h *harness) register(s steps.Step) {
	h.t.Helper()
	require.NoError(h.t, h.registry.Register(s))
}

// run decodes a definition document and executes it.
func (h *harness) run(doc string, opts engine.RunOptions) (*engine.RunResult, error) {
	h.t.Helper()
	def, err := validation.DecodeDefinition(strings.NewReader(doc))
	require.NoError(h.t, err)
	return h.engine.Run(context.Background(), def, []byte(doc), opts)
}

// record loads the persisted record straight from disk.
func (h *harness) record(runID string) *schema.RunRecord {
	h.t.Helper()
	dir, err := h.store.Open(runID)
	require.NoError(h.t, err)
	rec, _, err := dir.Load()
	require.NoError(h.t, err)
	return rec
}

// --- Spy step: records every invocation ---

type spyStep struct {
	name    string
	execute func(in steps.StepInput) (*schema.StepResult, error)

	mu     sync.Mutex
	inputs []steps.StepInput
}

func newSpy(name string, execute func(in steps.StepInput) (*schema.StepResult, error)) *spyStep {
	return &spyStep{name: name, execute: execute}
}

func (s *spyStep) Name() string { return s.name }

func (s *spyStep) Schema() steps.StepSchema {
	return steps.StepSchema{
		InputSchema: json.RawMessage(`{"type":"object"}`),
		Description: "test spy",
	}
}

func (s *spyStep) Validate(params map[string]any) error { return nil }

func (s *spyStep) Execute(ctx context.Context, in steps.StepInput) (*schema.StepResult, error) {
	s.mu.Lock()
	s.inputs = append(s.inputs, in)
	s.mu.Unlock()
	if s.execute != nil {
		return s.execute(in)
	}
	return schema.NewStepResult(s.name + "-output"), nil
}

func (s *spyStep) Calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.inputs)
}

func (s *spyStep) Input(i int) steps.StepInput {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.inputs[i]
}

// --- Reference resolution through the full stack ---

func TestResolution_FileHandoff(t *testing.T) {
	h := newHarness(t)

	download := newSpy("download", func(in steps.StepInput) (*schema.StepResult, error) {
		return schema.NewStepResult("/run/dl/video.mp4"), nil
	})
	extract := newSpy("extract_frames", nil)
	h.register(download)
	h.register(extract)

	result, err := h.run(`
pipeline: video
steps:
  - id: dl
    type: download
    params:
      url: http://example.com/clip
  - type: extract_frames
    params:
      input: "${dl.output}"
      fps: 24
`, engine.RunOptions{})

	require.NoError(t, err)
	require.NoError(t, result.Error)
	assert.Equal(t, schema.RunStatusCompleted, result.Status)

	require.Equal(t, 1, extract.Calls())
	params := extract.Input(0).Params
	assert.Equal(t, "/run/dl/video.mp4", params["input"])
	assert.Equal(t, 24, params["fps"])

	rec := h.record(result.RunID)
	require.Len(t, rec.Steps, 2)
	assert.Equal(t, "dl", rec.Steps[0].ID)
	assert.Equal(t, "step2", rec.Steps[1].ID)
	for _, st := range rec.Steps {
		assert.Equal(t, schema.StepStatusCompleted, st.Status)
	}
}

func TestResolution_StringInterpolation(t *testing.T) {
	h := newHarness(t)

	download := newSpy("download", func(in steps.StepInput) (*schema.StepResult, error) {
		return schema.NewStepResult("/v/abc.mp4").WithExtra("video_id", "abc123"), nil
	})
	encode := newSpy("encode", nil)
	h.register(download)
	h.register(encode)

	result, err := h.run(`
pipeline: encode
steps:
  - id: dl
    type: download
    params:
      url: http://example.com/clip
  - id: enc
    type: encode
    params:
      name: "${dl.video_id}_24fps"
`, engine.RunOptions{})

	require.NoError(t, err)
	require.NoError(t, result.Error)

	require.Equal(t, 1, encode.Calls())
	assert.Equal(t, "abc123_24fps", encode.Input(0).Params["name"])
}

func TestResolution_TypePreserved(t *testing.T) {
	h := newHarness(t)

	analyze := newSpy("analyze", func(in steps.StepInput) (*schema.StepResult, error) {
		return schema.NewStepResult("done").WithExtra("meta", map[string]any{"n": 5}), nil
	})
	consume := newSpy("consume", nil)
	h.register(analyze)
	h.register(consume)

	result, err := h.run(`
pipeline: typed
steps:
  - id: a
    type: analyze
  - id: b
    type: consume
    params:
      count: "${a.meta.n}"
`, engine.RunOptions{})

	require.NoError(t, err)
	require.NoError(t, result.Error)

	require.Equal(t, 1, consume.Calls())
	// A bare reference carries the value through untouched, not stringified.
	assert.Equal(t, 5, consume.Input(0).Params["count"])
}

func TestRun_DeclarationOrder(t *testing.T) {
	h := newHarness(t)

	var mu sync.Mutex
	var order []string
	mk := func(name string) *spyStep {
		return newSpy(name, func(in steps.StepInput) (*schema.StepResult, error) {
			mu.Lock()
			order = append(order, in.StepID)
			mu.Unlock()
			return schema.NewStepResult(name), nil
		})
	}
	h.register(mk("first"))
	h.register(mk("second"))
	h.register(mk("third"))

	result, err := h.run(`
pipeline: ordered
steps:
  - id: c
    type: third
  - id: a
    type: first
  - id: b
    type: second
`, engine.RunOptions{})

	require.NoError(t, err)
	require.NoError(t, result.Error)
	assert.Equal(t, []string{"c", "a", "b"}, order)
}

// --- Skip, failure isolation, duplicate ids ---

func TestSkipIf_StepNeverInvoked(t *testing.T) {
	h := newHarness(t)

	notify := newSpy("notify", nil)
	h.register(notify)

	result, err := h.run(`
pipeline: skippy
steps:
  - id: announce
    type: notify
    skip_if: "inputs.dry"
`, engine.RunOptions{Inputs: map[string]any{"dry": true}})

	require.NoError(t, err)
	require.NoError(t, result.Error)
	assert.Equal(t, schema.RunStatusCompleted, result.Status)
	assert.Equal(t, 0, notify.Calls())

	rec := h.record(result.RunID)
	assert.Equal(t, schema.StepStatusSkipped, rec.Steps[0].Status)
}

func TestReference_ToSkippedStepFailsBeforeInvocation(t *testing.T) {
	h := newHarness(t)

	fetch := newSpy("fetch", nil)
	use := newSpy("use", nil)
	h.register(fetch)
	h.register(use)

	result, err := h.run(`
pipeline: skipped-dep
steps:
  - id: a
    type: fetch
    skip_if: "true"
  - id: b
    type: use
    params:
      data: "${a.output}"
`, engine.RunOptions{})

	require.NoError(t, err)
	require.Error(t, result.Error)
	assert.True(t, schema.IsCode(result.Error, schema.ErrCodeRefNotFound))
	assert.Equal(t, schema.RunStatusFailed, result.Status)
	// The consumer never ran: resolution failed first.
	assert.Equal(t, 0, use.Calls())
}

func TestRequiredFailure_HaltsRun(t *testing.T) {
	h := newHarness(t)

	boom := newSpy("boom", func(in steps.StepInput) (*schema.StepResult, error) {
		return nil, fmt.Errorf("connection refused")
	})
	after := newSpy("after", nil)
	h.register(boom)
	h.register(after)

	result, err := h.run(`
pipeline: halting
steps:
  - id: explode
    type: boom
  - id: tail
    type: after
`, engine.RunOptions{})

	require.NoError(t, err)
	require.Error(t, result.Error)
	assert.True(t, schema.IsCode(result.Error, schema.ErrCodeStepExecution))
	assert.Equal(t, schema.RunStatusFailed, result.Status)
	assert.Equal(t, 0, after.Calls())

	rec := h.record(result.RunID)
	assert.Equal(t, schema.StepStatusFailed, rec.Steps[0].Status)
	assert.Contains(t, rec.Steps[0].Error, "connection refused")
	assert.Equal(t, schema.StepStatusPending, rec.Steps[1].Status)
}

func TestNonRequiredFailure_RunContinues(t *testing.T) {
	h := newHarness(t)

	flaky := newSpy("flaky", func(in steps.StepInput) (*schema.StepResult, error) {
		return nil, fmt.Errorf("best effort only")
	})
	after := newSpy("after", nil)
	h.register(flaky)
	h.register(after)

	result, err := h.run(`
pipeline: tolerant
steps:
  - id: optional
    type: flaky
    required: false
  - id: tail
    type: after
`, engine.RunOptions{})

	require.NoError(t, err)
	require.NoError(t, result.Error)
	assert.Equal(t, schema.RunStatusCompleted, result.Status)
	assert.Equal(t, 1, after.Calls())

	rec := h.record(result.RunID)
	assert.Equal(t, schema.StepStatusFailed, rec.Steps[0].Status)
	assert.Equal(t, schema.StepStatusCompleted, rec.Steps[1].Status)
}

func TestDuplicateStepIDs_RejectedBeforeExecution(t *testing.T) {
	h := newHarness(t)

	work := newSpy("work", nil)
	h.register(work)

	result, err := h.run(`
pipeline: dupes
steps:
  - id: same
    type: work
  - id: same
    type: work
`, engine.RunOptions{})

	require.Error(t, err)
	assert.Nil(t, result)
	assert.True(t, schema.IsCode(err, schema.ErrCodeDefinition))
	assert.Equal(t, 0, work.Calls())
}

// --- Journal and index observed through the run ---

func TestJournal_RecordsRunLifecycle(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	work := newSpy("work", nil)
	h.register(work)

	result, err := h.run(`
pipeline: journaled
steps:
  - id: only
    type: work
`, engine.RunOptions{})
	require.NoError(t, err)
	require.NoError(t, result.Error)

	// The journal writer drains the hub asynchronously.
	var events []*schema.RunEvent
	require.Eventually(t, func() bool {
		events, err = h.ix.GetEvents(ctx, result.RunID, 0)
		return err == nil && len(events) >= 5
	}, 2*time.Second, 20*time.Millisecond)

	types := make([]string, 0, len(events))
	for _, ev := range events {
		types = append(types, ev.Type)
	}
	assert.Equal(t, []string{
		schema.EventRunCreated,
		schema.EventRunStarted,
		schema.EventStepStarted,
		schema.EventStepCompleted,
		schema.EventRunCompleted,
	}, types)

	// Sequences are contiguous from 1.
	for i, ev := range events {
		assert.Equal(t, int64(i+1), ev.Seq)
	}

	summary, err := h.ix.GetRun(ctx, result.RunID)
	require.NoError(t, err)
	assert.Equal(t, schema.RunStatusCompleted, summary.Status)
	assert.Equal(t, "journaled", summary.Pipeline)
}

func TestInputs_LayerOverDefinitionDefaults(t *testing.T) {
	h := newHarness(t)

	probe := newSpy("probe", nil)
	h.register(probe)

	result, err := h.run(`
pipeline: layered
inputs:
  env: dev
  region: us-east-1
steps:
  - id: deploy
    type: probe
    params:
      env: "${inputs.env}"
      region: "${inputs.region}"
`, engine.RunOptions{Inputs: map[string]any{"env": "prod"}})

	require.NoError(t, err)
	require.NoError(t, result.Error)

	params := probe.Input(0).Params
	assert.Equal(t, "prod", params["env"], "caller input overrides the definition default")
	assert.Equal(t, "us-east-1", params["region"], "untouched defaults stay")
}

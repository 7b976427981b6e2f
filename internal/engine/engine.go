// Package engine executes pipeline runs: a strictly sequential step loop
// with a durable checkpoint after every state change. The run record on disk
// is the only authority; the engine can be killed at any point and a later
// process resumes from the last checkpoint.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/vantle/stepflow/internal/expressions"
	"github.com/vantle/stepflow/internal/index"
	"github.com/vantle/stepflow/internal/refs"
	"github.com/vantle/stepflow/internal/runstore"
	"github.com/vantle/stepflow/internal/steps"
	"github.com/vantle/stepflow/internal/streaming"
	"github.com/vantle/stepflow/internal/validation"
	"github.com/vantle/stepflow/pkg/schema"
)

// RunOptions controls how a new run starts.
type RunOptions struct {
	// RunID names the run; empty generates one from the pipeline name.
	RunID string
	// Force overwrites an existing run directory with the same id.
	Force bool
	// Inputs are layered over the definition's input defaults.
	Inputs map[string]any
	// FromStep starts execution at the named step, leaving earlier steps
	// pending. References into the unexecuted prefix fail at resolution.
	FromStep string
}

// ResumeOptions controls how an existing run continues.
type ResumeOptions struct {
	// FromStep resets the named step and everything after it, then
	// continues from there. Works on completed runs too.
	FromStep string
	// Step executes exactly the named step against the restored context,
	// then parks the run. Mutually exclusive with FromStep.
	Step string
	// ConfirmInterrupted acknowledges a step left running by a dead
	// process: the step is marked failed and re-run as a fresh attempt.
	ConfirmInterrupted bool
}

// RunResult is the outcome of Run or Resume. Error is set when the run
// ended failed; the record always reflects the final persisted state.
type RunResult struct {
	RunID    string
	Pipeline string
	Status   schema.RunStatus
	Error    error
	Record   *schema.RunRecord
}

// StatusReport is a snapshot of a run as Status observed it on disk.
type StatusReport struct {
	Record *schema.RunRecord
	Digest string
	Locked bool
	// Edited reports that the record digest no longer matches the digest
	// the index saw at the last checkpoint, i.e. an operator hand-edit.
	Edited bool
}

// Engine coordinates runs end to end: validate, create or reopen the run
// directory, execute the step loop, checkpoint, and publish events. The
// index and hub are optional; a nil index degrades listing only and a nil
// hub drops events.
type Engine struct {
	registry  *steps.Registry
	store     *runstore.Store
	index     *index.Index
	hub       streaming.EventHub
	validator *validation.PipelineValidator
	resolver  *refs.Resolver
	conds     *expressions.CELEngine
	logger    *slog.Logger
}

// New creates an Engine. registry and store are required; ix and hub may be
// nil. The skip condition engine and reference resolver are built here so
// every run shares their compilation caches.
func New(registry *steps.Registry, store *runstore.Store, ix *index.Index, hub streaming.EventHub, logger *slog.Logger) (*Engine, error) {
	if registry == nil {
		return nil, schema.NewError(schema.ErrCodeInternal, "engine requires a step registry")
	}
	if store == nil {
		return nil, schema.NewError(schema.ErrCodeInternal, "engine requires a run store")
	}
	if logger == nil {
		logger = slog.Default()
	}

	conds, err := expressions.NewCELEngine()
	if err != nil {
		return nil, err
	}
	validator, err := validation.NewPipelineValidator(registry, conds)
	if err != nil {
		return nil, err
	}

	return &Engine{
		registry:  registry,
		store:     store,
		index:     ix,
		hub:       hub,
		validator: validator,
		resolver:  refs.NewResolver(),
		conds:     conds,
		logger:    logger,
	}, nil
}

// Validator exposes the engine's pipeline validator, so callers validate
// with exactly the step types and condition dialect this engine runs.
func (e *Engine) Validator() *validation.PipelineValidator {
	return e.validator
}

// Run starts a new run of the given definition. definitionDoc is the raw
// definition document, snapshotted verbatim into the run directory.
// Definition and reference errors surface before any side effect.
func (e *Engine) Run(ctx context.Context, def *schema.PipelineDefinition, definitionDoc []byte, opts RunOptions) (*RunResult, error) {
	if err := e.validator.ValidateDefinition(def); err != nil {
		return nil, err
	}
	if opts.FromStep != "" && !slices.Contains(def.StepIDs(), opts.FromStep) {
		return nil, schema.NewErrorf(schema.ErrCodeDefinition,
			"pipeline %q has no step %q to start from", def.Pipeline, opts.FromStep)
	}

	runID := opts.RunID
	if runID == "" {
		runID = runstore.NewRunID(def.Pipeline)
	}

	dir, err := e.store.Create(runID, definitionDoc, opts.Force)
	if err != nil {
		return nil, err
	}
	lock, err := dir.AcquireLock()
	if err != nil {
		return nil, err
	}
	defer lock.Release()

	rec := schema.NewRunRecord(runID, *def, opts.Inputs)
	if err := e.checkpoint(ctx, dir, rec); err != nil {
		return nil, err
	}
	e.emit(ctx, schema.EventRunCreated, runID, "", map[string]any{"pipeline": rec.Pipeline})

	now := time.Now().UTC()
	rec.StartedAt = &now
	if err := TransitionRun(rec, schema.RunStatusRunning); err != nil {
		return nil, err
	}
	if err := e.checkpoint(ctx, dir, rec); err != nil {
		return nil, err
	}
	e.emit(ctx, schema.EventRunStarted, runID, "", nil)
	e.logger.Info("run started", "run_id", runID, "pipeline", rec.Pipeline, "steps", len(rec.Steps))

	start := 0
	if opts.FromStep != "" {
		start = rec.StepIndex(opts.FromStep)
	}

	scope := e.newScope(rec)
	return e.execute(ctx, dir, rec, scope, start, -1)
}

// Resume continues an existing run from its last checkpoint. Completed
// steps are never re-invoked; their recorded results are restored into
// scope exactly as persisted, including operator overrides.
func (e *Engine) Resume(ctx context.Context, runID string, opts ResumeOptions) (*RunResult, error) {
	if opts.FromStep != "" && opts.Step != "" {
		return nil, schema.NewError(schema.ErrCodeValidation,
			"from-step and single-step modes are mutually exclusive")
	}

	dir, err := e.store.Open(runID)
	if err != nil {
		return nil, err
	}
	lock, err := dir.AcquireLock()
	if err != nil {
		return nil, err
	}
	defer lock.Release()

	rec, digest, err := dir.Load()
	if err != nil {
		return nil, err
	}
	if err := e.validator.ValidateRecord(rec); err != nil {
		return nil, err
	}
	e.detectEdit(ctx, rec, digest)

	if interrupted := rec.InterruptedStep(); interrupted != nil {
		if !opts.ConfirmInterrupted {
			e.emit(ctx, schema.EventRunInterrupted, runID, interrupted.ID,
				map[string]any{"step_id": interrupted.ID, "confirmed": false})
			return nil, schema.NewErrorf(schema.ErrCodeInterrupted,
				"step %q was left running by a terminated process; pass --confirm-interrupted to mark it failed and re-run it",
				interrupted.ID).WithStep(interrupted.ID)
		}
		e.emit(ctx, schema.EventRunInterrupted, runID, interrupted.ID,
			map[string]any{"step_id": interrupted.ID, "confirmed": true})
		interrupted.Error = "interrupted by process termination"
		if err := TransitionStep(runID, interrupted, schema.StepStatusFailed); err != nil {
			return nil, err
		}
		e.logger.Warn("interrupted step marked failed", "run_id", runID, "step_id", interrupted.ID)
	}

	// Work out where execution (re)starts.
	start := rec.FirstNonCompleted()
	single := -1
	switch {
	case opts.Step != "":
		idx := rec.StepIndex(opts.Step)
		if idx < 0 {
			return nil, schema.NewErrorf(schema.ErrCodeNotFound,
				"run %q has no step %q", runID, opts.Step)
		}
		if rec.Steps[idx].Status != schema.StepStatusPending {
			ResetStep(rec.Steps[idx])
			e.emit(ctx, schema.EventStepRerun, runID, opts.Step, nil)
		}
		start, single = idx, idx
	case opts.FromStep != "":
		idx := rec.StepIndex(opts.FromStep)
		if idx < 0 {
			return nil, schema.NewErrorf(schema.ErrCodeNotFound,
				"run %q has no step %q", runID, opts.FromStep)
		}
		reset := 0
		for i := idx; i < len(rec.Steps); i++ {
			if rec.Steps[i].Status != schema.StepStatusPending {
				ResetStep(rec.Steps[i])
				reset++
			}
		}
		e.emit(ctx, schema.EventStepRerun, runID, opts.FromStep, map[string]any{"reset": reset})
		start = idx
	default:
		if start == len(rec.Steps) && rec.Status == schema.RunStatusCompleted {
			// Nothing left to do; resume of a completed run is a no-op.
			return &RunResult{RunID: runID, Pipeline: rec.Pipeline, Status: rec.Status, Record: rec}, nil
		}
	}

	if rec.Status != schema.RunStatusRunning {
		if err := TransitionRun(rec, schema.RunStatusRunning); err != nil {
			return nil, err
		}
	}
	rec.Error = ""
	rec.CompletedAt = nil
	if rec.StartedAt == nil {
		now := time.Now().UTC()
		rec.StartedAt = &now
	}
	if err := e.checkpoint(ctx, dir, rec); err != nil {
		return nil, err
	}

	payload := map[string]any{}
	if opts.FromStep != "" {
		payload["from_step"] = opts.FromStep
	}
	if opts.Step != "" {
		payload["step"] = opts.Step
	}
	if len(payload) == 0 {
		payload = nil
	}
	e.emit(ctx, schema.EventRunResumed, runID, "", payload)
	e.logger.Info("run resumed", "run_id", runID, "pipeline", rec.Pipeline, "start_step", startStepID(rec, start))

	scope := e.newScope(rec)
	for i := 0; i < start && i < len(rec.Steps); i++ {
		s := rec.Steps[i]
		if s.Status != schema.StepStatusCompleted {
			continue
		}
		if err := scope.Record(s.ID, s.Result); err != nil {
			return nil, err
		}
	}

	return e.execute(ctx, dir, rec, scope, start, single)
}

// Status loads a run's record and reports it without touching the run.
func (e *Engine) Status(ctx context.Context, runID string) (*StatusReport, error) {
	dir, err := e.store.Open(runID)
	if err != nil {
		return nil, err
	}
	rec, digest, err := dir.Load()
	if err != nil {
		return nil, err
	}
	report := &StatusReport{Record: rec, Digest: digest, Locked: dir.IsLocked()}
	if e.index != nil {
		if summary, err := e.index.GetRun(ctx, runID); err == nil {
			report.Edited = summary.RecordDigest != "" && summary.RecordDigest != digest
		}
	}
	return report, nil
}

// detectEdit compares the loaded record digest against the digest the index
// recorded at the last checkpoint. A mismatch means the record was edited by
// hand; the edit is authoritative, so this only leaves an audit trail.
func (e *Engine) detectEdit(ctx context.Context, rec *schema.RunRecord, digest string) {
	if e.index == nil {
		return
	}
	summary, err := e.index.GetRun(ctx, rec.RunID)
	if err != nil || summary.RecordDigest == "" || summary.RecordDigest == digest {
		return
	}
	e.logger.Info("run record was edited by hand", "run_id", rec.RunID)
	e.emit(ctx, schema.EventRunEdited, rec.RunID, "", map[string]any{
		"recorded_digest": summary.RecordDigest,
		"loaded_digest":   digest,
	})
	for _, s := range rec.Steps {
		if s.Overridden {
			e.emit(ctx, schema.EventStepOverridden, rec.RunID, s.ID,
				map[string]any{"fields": s.OverriddenFields})
		}
	}
}

// newScope builds the expression and reference scope for a run.
func (e *Engine) newScope(rec *schema.RunRecord) *expressions.ScopeBuilder {
	return expressions.NewScopeBuilder(rec.Inputs, map[string]any{
		"run_id":   rec.RunID,
		"pipeline": rec.Pipeline,
	})
}

// checkpoint persists the record and refreshes the index row. A persist
// failure is fatal; an index failure degrades listing only and is logged.
// The index write runs on a detached context so the final checkpoints of a
// cancelled run still land.
func (e *Engine) checkpoint(ctx context.Context, dir *runstore.RunDir, rec *schema.RunRecord) error {
	rec.UpdatedAt = time.Now().UTC()
	digest, err := dir.Persist(rec)
	if err != nil {
		return err
	}
	if e.index != nil {
		if err := e.index.UpsertRun(context.WithoutCancel(ctx), index.SummaryFromRecord(rec, digest)); err != nil {
			e.logger.Warn("index update failed", "run_id", rec.RunID, "error", err)
		}
	}
	return nil
}

// emit publishes an event to the hub. Events are derived data: publish
// failures are logged and never affect the run. The detached context lets
// terminal events out even when the run's context is already cancelled.
func (e *Engine) emit(ctx context.Context, eventType, runID, stepID string, payload map[string]any) {
	if e.hub == nil {
		return
	}
	event := schema.RunEvent{
		RunID:   runID,
		Type:    eventType,
		StepID:  stepID,
		Payload: payload,
	}
	if err := e.hub.Publish(context.WithoutCancel(ctx), event); err != nil {
		e.logger.Debug("event publish failed", "run_id", runID, "event", eventType, "error", err)
	}
}

func startStepID(rec *schema.RunRecord, start int) string {
	if start >= 0 && start < len(rec.Steps) {
		return rec.Steps[start].ID
	}
	return ""
}

func stepLabel(rec *schema.RunRecord, i int) string {
	return fmt.Sprintf("%s (%d/%d)", rec.Steps[i].ID, i+1, len(rec.Steps))
}

package engine

import (
	"context"
	"strings"
	"time"

	"github.com/vantle/stepflow/internal/expressions"
	"github.com/vantle/stepflow/internal/runstore"
	"github.com/vantle/stepflow/internal/steps"
	"github.com/vantle/stepflow/pkg/schema"
)

// execute drives the sequential step loop from start. single >= 0 restricts
// execution to exactly that index; the run is parked afterwards when steps
// remain. Every state change checkpoints before the next step begins.
func (e *Engine) execute(ctx context.Context, dir *runstore.RunDir, rec *schema.RunRecord, scope *expressions.ScopeBuilder, start, single int) (*RunResult, error) {
	end := len(rec.Steps)
	if single >= 0 {
		end = single + 1
	}

	for i := start; i < end; i++ {
		step := rec.Steps[i]

		if err := ctx.Err(); err != nil {
			cancelErr := schema.NewErrorf(schema.ErrCodeCancelled,
				"run cancelled before step %q", step.ID).WithCause(err)
			return e.failRun(ctx, dir, rec, cancelErr)
		}

		// Steps that already finished stay finished. Their results still
		// enter the scope in declaration order so prev and references see
		// them, which matters when a resume fills gaps around hand edits.
		if step.Status == schema.StepStatusCompleted || step.Status == schema.StepStatusSkipped {
			if step.Status == schema.StepStatusCompleted && !scope.Has(step.ID) {
				if err := scope.Record(step.ID, step.Result); err != nil {
					return nil, err
				}
			}
			continue
		}

		// A failed step reached by resume starts over as a fresh attempt:
		// previous result and error are discarded and skip_if re-evaluates.
		if step.Status == schema.StepStatusFailed {
			e.emit(ctx, schema.EventStepRerun, rec.RunID, step.ID,
				map[string]any{"previous_error": step.Error})
			ResetStep(step)
		}

		stepDef := &rec.Definition.Steps[i]

		if cond := strings.TrimSpace(stepDef.SkipIf); cond != "" {
			skip, err := e.conds.EvaluateBool(ctx, cond, scope.Build())
			if err != nil {
				condErr := schema.NewErrorf(schema.ErrCodeStepExecution,
					"skip_if for step %q failed to evaluate: %s", step.ID, err.Error()).
					WithStep(step.ID).WithCause(err)
				return e.failRun(ctx, dir, rec, condErr)
			}
			if skip {
				now := time.Now().UTC()
				step.CompletedAt = &now
				if err := TransitionStep(rec.RunID, step, schema.StepStatusSkipped); err != nil {
					return nil, err
				}
				if err := e.checkpoint(ctx, dir, rec); err != nil {
					return nil, err
				}
				e.emit(ctx, schema.EventStepSkipped, rec.RunID, step.ID, map[string]any{"condition": cond})
				e.logger.Info("step skipped", "run_id", rec.RunID, "step", stepLabel(rec, i), "condition", cond)
				continue
			}
		}

		// Resolve references immediately before the attempt, so only steps
		// that already completed are visible. A resolution failure aborts
		// the run with the step untouched; nothing partial is recorded.
		resolved, err := e.resolver.ResolveParams(stepDef.Params, scope, step.ID)
		if err != nil {
			return e.failRun(ctx, dir, rec, err)
		}

		impl, err := e.registry.Get(step.Type)
		if err != nil {
			return e.failRun(ctx, dir, rec, err)
		}

		started := time.Now().UTC()
		step.StartedAt = &started
		step.CompletedAt = nil
		step.DurationMs = 0
		if err := TransitionStep(rec.RunID, step, schema.StepStatusRunning); err != nil {
			return nil, err
		}
		if err := e.checkpoint(ctx, dir, rec); err != nil {
			return nil, err
		}
		e.emit(ctx, schema.EventStepStarted, rec.RunID, step.ID, nil)
		e.logger.Info("step started", "run_id", rec.RunID, "step", stepLabel(rec, i), "type", step.Type)

		result, execErr := invoke(ctx, impl, steps.StepInput{
			Params:  resolved,
			Scope:   scope.Build(),
			RunID:   rec.RunID,
			StepID:  step.ID,
			WorkDir: dir.ArtifactsDir(),
		})

		finished := time.Now().UTC()
		step.CompletedAt = &finished
		step.DurationMs = finished.Sub(started).Milliseconds()

		if execErr != nil {
			step.Error = execErr.Error()
			if err := TransitionStep(rec.RunID, step, schema.StepStatusFailed); err != nil {
				return nil, err
			}
			e.emit(ctx, schema.EventStepFailed, rec.RunID, step.ID, map[string]any{"error": step.Error})

			if stepDef.IsRequired() {
				failErr := schema.NewErrorf(schema.ErrCodeStepExecution,
					"step %q failed: %s", step.ID, execErr.Error()).
					WithStep(step.ID).WithCause(execErr)
				return e.failRun(ctx, dir, rec, failErr)
			}

			if err := e.checkpoint(ctx, dir, rec); err != nil {
				return nil, err
			}
			e.logger.Warn("step failed but is not required, continuing",
				"run_id", rec.RunID, "step", stepLabel(rec, i), "error", step.Error)
			continue
		}

		if result == nil {
			result = schema.NewStepResult(nil)
		}
		step.Result = result
		if err := TransitionStep(rec.RunID, step, schema.StepStatusCompleted); err != nil {
			return nil, err
		}
		if err := scope.Record(step.ID, result); err != nil {
			return nil, err
		}
		if err := e.checkpoint(ctx, dir, rec); err != nil {
			return nil, err
		}
		e.emit(ctx, schema.EventStepCompleted, rec.RunID, step.ID, map[string]any{"duration_ms": step.DurationMs})
		e.logger.Info("step completed", "run_id", rec.RunID, "step", stepLabel(rec, i), "duration_ms", step.DurationMs)
	}

	if hasUnexecutedSteps(rec) {
		return e.parkRun(ctx, dir, rec)
	}
	return e.completeRun(ctx, dir, rec)
}

// hasUnexecutedSteps reports whether any step never ran. A completed run
// must not contain pending or running steps; failed optional steps are fine.
func hasUnexecutedSteps(rec *schema.RunRecord) bool {
	for _, s := range rec.Steps {
		if s.Status == schema.StepStatusPending || s.Status == schema.StepStatusRunning {
			return true
		}
	}
	return false
}

// invoke validates resolved params against the step's contract and executes
// it. A panic inside the step surfaces as a step execution error instead of
// taking the whole process down.
func invoke(ctx context.Context, impl steps.Step, input steps.StepInput) (result *schema.StepResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = schema.NewErrorf(schema.ErrCodeStepExecution,
				"step %q panicked: %v", input.StepID, r).WithStep(input.StepID)
		}
	}()
	if err := impl.Validate(input.Params); err != nil {
		return nil, err
	}
	return impl.Execute(ctx, input)
}

// failRun marks the run failed, checkpoints, and reports the cause. Step
// state is whatever the caller left: a step that never started stays
// pending. The detached context lets the terminal checkpoint and event
// through even when the run's context was cancelled.
func (e *Engine) failRun(ctx context.Context, dir *runstore.RunDir, rec *schema.RunRecord, cause error) (*RunResult, error) {
	rec.Error = cause.Error()
	now := time.Now().UTC()
	rec.CompletedAt = &now
	if err := TransitionRun(rec, schema.RunStatusFailed); err != nil {
		return nil, err
	}
	detached := context.WithoutCancel(ctx)
	if err := e.checkpoint(detached, dir, rec); err != nil {
		return nil, err
	}
	e.emit(detached, schema.EventRunFailed, rec.RunID, "", map[string]any{"error": rec.Error})
	e.logger.Error("run failed", "run_id", rec.RunID, "error", rec.Error)
	return &RunResult{RunID: rec.RunID, Pipeline: rec.Pipeline, Status: rec.Status, Error: cause, Record: rec}, nil
}

// completeRun marks the run completed and checkpoints.
func (e *Engine) completeRun(ctx context.Context, dir *runstore.RunDir, rec *schema.RunRecord) (*RunResult, error) {
	now := time.Now().UTC()
	rec.CompletedAt = &now
	if err := TransitionRun(rec, schema.RunStatusCompleted); err != nil {
		return nil, err
	}
	if err := e.checkpoint(ctx, dir, rec); err != nil {
		return nil, err
	}
	var durationMs int64
	if rec.StartedAt != nil {
		durationMs = now.Sub(*rec.StartedAt).Milliseconds()
	}
	e.emit(ctx, schema.EventRunCompleted, rec.RunID, "", map[string]any{"duration_ms": durationMs})
	e.logger.Info("run completed", "run_id", rec.RunID, "pipeline", rec.Pipeline, "duration_ms", durationMs)
	return &RunResult{RunID: rec.RunID, Pipeline: rec.Pipeline, Status: rec.Status, Record: rec}, nil
}

// parkRun returns a run to pending when execution finished with steps never
// attempted: after single-step mode, or a from-step start that left earlier
// steps behind. A parked run is resumable; nothing is running.
func (e *Engine) parkRun(ctx context.Context, dir *runstore.RunDir, rec *schema.RunRecord) (*RunResult, error) {
	if err := TransitionRun(rec, schema.RunStatusPending); err != nil {
		return nil, err
	}
	if err := e.checkpoint(ctx, dir, rec); err != nil {
		return nil, err
	}
	next := ""
	if i := rec.FirstNonCompleted(); i < len(rec.Steps) {
		next = rec.Steps[i].ID
	}
	e.logger.Info("run parked with steps remaining", "run_id", rec.RunID, "next_step", next)
	return &RunResult{RunID: rec.RunID, Pipeline: rec.Pipeline, Status: rec.Status, Record: rec}, nil
}

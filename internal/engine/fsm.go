package engine

import (
	"github.com/vantle/stepflow/pkg/schema"
)

// ValidRunTransitions defines the allowed lifecycle transitions for runs.
// failed -> running is an explicit resume; completed -> running only happens
// when the operator reruns from a named step. running -> pending parks a run
// after single-step execution so it stays resumable.
var ValidRunTransitions = map[schema.RunStatus][]schema.RunStatus{
	schema.RunStatusPending:   {schema.RunStatusRunning},
	schema.RunStatusRunning:   {schema.RunStatusCompleted, schema.RunStatusFailed, schema.RunStatusPending},
	schema.RunStatusFailed:    {schema.RunStatusRunning},
	schema.RunStatusCompleted: {schema.RunStatusRunning},
}

// ValidStepTransitions defines the allowed lifecycle transitions for step
// attempts. failed -> running is an explicit rerun and starts a new attempt;
// completed and skipped end an attempt for good. A step found running after
// a process died must be confirmed failed before it can run again.
var ValidStepTransitions = map[schema.StepStatus][]schema.StepStatus{
	schema.StepStatusPending:   {schema.StepStatusRunning, schema.StepStatusSkipped},
	schema.StepStatusRunning:   {schema.StepStatusCompleted, schema.StepStatusFailed},
	schema.StepStatusFailed:    {schema.StepStatusRunning},
	schema.StepStatusCompleted: {},
	schema.StepStatusSkipped:   {},
}

// TransitionRun validates and applies a run lifecycle transition, mutating
// the record's status. The caller persists the record.
func TransitionRun(rec *schema.RunRecord, to schema.RunStatus) error {
	from := rec.Status
	if !isValidRunTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid run transition: %s -> %s", from, to).
			WithDetails(map[string]any{"run_id": rec.RunID, "from": string(from), "to": string(to)})
	}
	rec.Status = to
	return nil
}

// TransitionStep validates and applies a step lifecycle transition, mutating
// the step state's status. The caller persists the record.
func TransitionStep(runID string, step *schema.StepState, to schema.StepStatus) error {
	from := step.Status
	if !isValidStepTransition(from, to) {
		return schema.NewErrorf(schema.ErrCodeInvalidTransition,
			"invalid step transition: %s -> %s", from, to).
			WithStep(step.ID).
			WithDetails(map[string]any{"run_id": runID, "from": string(from), "to": string(to)})
	}
	step.Status = to
	return nil
}

// ResetStep returns a step to pending and clears all attempt state so the
// next execution is a fresh attempt. Used when rerunning from a named step.
func ResetStep(step *schema.StepState) {
	step.Status = schema.StepStatusPending
	step.StartedAt = nil
	step.CompletedAt = nil
	step.DurationMs = 0
	step.Result = nil
	step.Error = ""
	step.Overridden = false
	step.OverriddenFields = nil
}

func isValidRunTransition(from, to schema.RunStatus) bool {
	for _, a := range ValidRunTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

func isValidStepTransition(from, to schema.StepStatus) bool {
	for _, a := range ValidStepTransitions[from] {
		if a == to {
			return true
		}
	}
	return false
}

package schema

import "time"

// Event type constants for the run event journal.
const (
	EventRunCreated     = "run_created"
	EventRunStarted     = "run_started"
	EventRunCompleted   = "run_completed"
	EventRunFailed      = "run_failed"
	EventRunResumed     = "run_resumed"
	EventRunInterrupted = "run_interrupted"
	EventRunEdited      = "run_edited" // persisted record changed outside the engine

	EventStepStarted    = "step_started"
	EventStepCompleted  = "step_completed"
	EventStepFailed     = "step_failed"
	EventStepSkipped    = "step_skipped"
	EventStepRerun      = "step_rerun"
	EventStepOverridden = "step_overridden"
)

// RunEvent is one entry in a run's append-only journal. Seq is assigned by
// the journal and is monotonic per run.
type RunEvent struct {
	RunID     string         `json:"run_id"`
	Seq       int64          `json:"seq"`
	Type      string         `json:"type"`
	StepID    string         `json:"step_id,omitempty"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

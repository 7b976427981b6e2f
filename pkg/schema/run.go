package schema

import "time"

// RunRecordSchemaVersion is the version stamped into every persisted run
// record. Loaders migrate older documents forward before validating.
const RunRecordSchemaVersion = 1

// RunStatus represents the lifecycle state of a run.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// Valid reports whether s is a known run status.
func (s RunStatus) Valid() bool {
	switch s {
	case RunStatusPending, RunStatusRunning, RunStatusCompleted, RunStatusFailed:
		return true
	}
	return false
}

// IsTerminal reports whether the run can change state again.
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusCompleted || s == RunStatusFailed
}

// StepStatus represents the lifecycle state of a single step attempt.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
	StepStatusSkipped   StepStatus = "skipped"
)

// Valid reports whether s is a known step status.
func (s StepStatus) Valid() bool {
	switch s {
	case StepStatusPending, StepStatusRunning, StepStatusCompleted, StepStatusFailed, StepStatusSkipped:
		return true
	}
	return false
}

// IsTerminal reports whether the status ends the step's current attempt.
// A failed step may still be rerun explicitly; that is a new attempt.
func (s StepStatus) IsTerminal() bool {
	return s == StepStatusCompleted || s == StepStatusFailed || s == StepStatusSkipped
}

// StepState is the persisted execution state of one step within a run.
type StepState struct {
	ID          string     `yaml:"id" json:"id"`
	Type        string     `yaml:"type" json:"type"`
	Status      StepStatus `yaml:"status" json:"status"`
	StartedAt   *time.Time `yaml:"started_at,omitempty" json:"started_at,omitempty"`
	CompletedAt *time.Time `yaml:"completed_at,omitempty" json:"completed_at,omitempty"`
	DurationMs  int64      `yaml:"duration_ms,omitempty" json:"duration_ms,omitempty"`
	Result      *StepResult `yaml:"result,omitempty" json:"result,omitempty"`
	Error       string     `yaml:"error,omitempty" json:"error,omitempty"`

	// Overridden marks state an operator hand-edited; OverriddenFields names
	// the edited fields when the operator recorded them. Overridden state is
	// authoritative on resume and is never re-validated against disk.
	Overridden       bool     `yaml:"overridden,omitempty" json:"overridden,omitempty"`
	OverriddenFields []string `yaml:"overridden_fields,omitempty" json:"overridden_fields,omitempty"`
}

// RunRecord is the durable record of one pipeline run: definition snapshot,
// effective inputs, and every step's status and full output. The record plus
// its embedded snapshot are jointly sufficient to resume or reproduce the run
// with no other process memory. The document is deliberately hand-editable;
// operator edits are authoritative.
type RunRecord struct {
	SchemaVersion int                `yaml:"schema_version" json:"schema_version"`
	RunID         string             `yaml:"run_id" json:"run_id"`
	Pipeline      string             `yaml:"pipeline" json:"pipeline"`
	Status        RunStatus          `yaml:"status" json:"status"`
	Definition    PipelineDefinition `yaml:"definition" json:"definition"`
	Inputs        map[string]any     `yaml:"inputs,omitempty" json:"inputs,omitempty"`
	Steps         []*StepState       `yaml:"steps" json:"steps"`
	Error         string             `yaml:"error,omitempty" json:"error,omitempty"`
	CreatedAt     time.Time          `yaml:"created_at" json:"created_at"`
	UpdatedAt     time.Time          `yaml:"updated_at" json:"updated_at"`
	StartedAt     *time.Time         `yaml:"started_at,omitempty" json:"started_at,omitempty"`
	CompletedAt   *time.Time         `yaml:"completed_at,omitempty" json:"completed_at,omitempty"`
}

// NewRunRecord seeds a pending record from a definition snapshot: one pending
// StepState per step with effective ids assigned, and run inputs layered over
// the definition's input defaults.
func NewRunRecord(runID string, def PipelineDefinition, inputs map[string]any) *RunRecord {
	now := time.Now().UTC()

	merged := make(map[string]any, len(def.Inputs)+len(inputs))
	for k, v := range def.Inputs {
		merged[k] = v
	}
	for k, v := range inputs {
		merged[k] = v
	}
	if len(merged) == 0 {
		merged = nil
	}

	ids := def.StepIDs()
	steps := make([]*StepState, len(def.Steps))
	for i, sd := range def.Steps {
		steps[i] = &StepState{
			ID:     ids[i],
			Type:   sd.Type,
			Status: StepStatusPending,
		}
	}

	return &RunRecord{
		SchemaVersion: RunRecordSchemaVersion,
		RunID:         runID,
		Pipeline:      def.Pipeline,
		Status:        RunStatusPending,
		Definition:    def,
		Inputs:        merged,
		Steps:         steps,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
}

// Step returns the state for the given step id, or nil if no such step.
func (r *RunRecord) Step(id string) *StepState {
	for _, s := range r.Steps {
		if s.ID == id {
			return s
		}
	}
	return nil
}

// StepIndex returns the position of the given step id, or -1.
func (r *RunRecord) StepIndex(id string) int {
	for i, s := range r.Steps {
		if s.ID == id {
			return i
		}
	}
	return -1
}

// FirstNonCompleted returns the index of the first step that is neither
// completed nor skipped, or len(Steps) when every step finished.
func (r *RunRecord) FirstNonCompleted() int {
	for i, s := range r.Steps {
		if s.Status != StepStatusCompleted && s.Status != StepStatusSkipped {
			return i
		}
	}
	return len(r.Steps)
}

// InterruptedStep returns the first step stuck in running state, or nil.
// A running step inside a freshly loaded record means a previous process
// terminated mid-step; resuming past it requires operator confirmation.
func (r *RunRecord) InterruptedStep() *StepState {
	for _, s := range r.Steps {
		if s.Status == StepStatusRunning {
			return s
		}
	}
	return nil
}

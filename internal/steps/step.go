package steps

import (
	"context"
	"encoding/json"

	"github.com/vantle/stepflow/pkg/schema"
)

// Step is an executable unit of work within a pipeline.
type Step interface {
	Name() string
	Schema() StepSchema
	Execute(ctx context.Context, input StepInput) (*schema.StepResult, error)
	Validate(params map[string]any) error
}

// StepRegistry manages the lifecycle and lookup of available step types.
type StepRegistry interface {
	Register(step Step) error
	Get(name string) (Step, error)
	List() []StepInfo
}

// StepSchema describes the input/output contract of a step type.
type StepSchema struct {
	InputSchema  json.RawMessage `json:"input_schema,omitempty"`
	OutputSchema json.RawMessage `json:"output_schema,omitempty"`
	Description  string          `json:"description,omitempty"`
}

// StepInput is the data handed to a step at execution time. Params are fully
// resolved: every reference expression has already been replaced with the
// value it named. Scope carries the steps/prev/inputs/run namespaces for step
// types that evaluate expressions of their own.
type StepInput struct {
	Params  map[string]any `json:"params"`
	Scope   map[string]any `json:"scope,omitempty"`
	RunID   string         `json:"run_id,omitempty"`
	StepID  string         `json:"step_id,omitempty"`
	WorkDir string         `json:"work_dir,omitempty"`
}

// StepInfo is a summary of a registered step type for listing.
type StepInfo struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

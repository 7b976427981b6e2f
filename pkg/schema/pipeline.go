package schema

import "fmt"

// PipelineDefinition is the declarative pipeline format. Operators author it
// as a YAML document; one definition is loaded per run and snapshotted into
// the RunRecord so the run stays reproducible even if the source file changes.
type PipelineDefinition struct {
	Pipeline    string           `yaml:"pipeline" json:"pipeline"`
	Description string           `yaml:"description,omitempty" json:"description,omitempty"`
	Tags        []string         `yaml:"tags,omitempty" json:"tags,omitempty"`
	Inputs      map[string]any   `yaml:"inputs,omitempty" json:"inputs,omitempty"`
	Schedule    string           `yaml:"schedule,omitempty" json:"schedule,omitempty"`
	Steps       []StepDefinition `yaml:"steps" json:"steps"`
}

// StepDefinition describes a single step in a pipeline.
type StepDefinition struct {
	ID       string         `yaml:"id,omitempty" json:"id,omitempty"`
	Type     string         `yaml:"type" json:"type"`                // registered step type (e.g. "shell.run", "jq.transform")
	Params   map[string]any `yaml:"params,omitempty" json:"params,omitempty"`
	SkipIf   string         `yaml:"skip_if,omitempty" json:"skip_if,omitempty"`     // CEL expression, evaluated before execution
	Required *bool          `yaml:"required,omitempty" json:"required,omitempty"`   // default true; false means failure does not halt the run
}

// IsRequired reports whether a failure of this step halts the run.
// Steps are required unless the definition says otherwise.
func (s *StepDefinition) IsRequired() bool {
	return s.Required == nil || *s.Required
}

// DefaultStepID returns the positional identity assigned to a step that
// declares no explicit id. Index is zero-based; ids read step1, step2, ...
func DefaultStepID(index int) string {
	return fmt.Sprintf("step%d", index+1)
}

// Normalize fills in positional ids for steps that declare none. Loaders call
// it once after decoding so every later layer sees fully identified steps.
func (d *PipelineDefinition) Normalize() {
	for i := range d.Steps {
		if d.Steps[i].ID == "" {
			d.Steps[i].ID = DefaultStepID(i)
		}
	}
}

// StepIDs returns the effective id of every step in declaration order,
// substituting positional identities for steps without an explicit id.
func (d *PipelineDefinition) StepIDs() []string {
	ids := make([]string, len(d.Steps))
	for i, s := range d.Steps {
		if s.ID != "" {
			ids[i] = s.ID
		} else {
			ids[i] = DefaultStepID(i)
		}
	}
	return ids
}

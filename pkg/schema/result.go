package schema

import "sort"

// PrimaryOutputKey is the conventional key later steps chain off when they
// reference a step's result (`${id.output}`).
const PrimaryOutputKey = "output"

// StepResult is the typed container every step execution returns. Output is
// the primary artifact; Extra carries arbitrary auxiliary keys (counts,
// metadata, nested structures). A result is immutable once recorded; the
// engine never rewrites one, and later steps only see it through references.
type StepResult struct {
	Output any            `yaml:"output" json:"output"`
	Extra  map[string]any `yaml:"extra,omitempty" json:"extra,omitempty"`
}

// NewStepResult creates a result with only the primary output set.
func NewStepResult(output any) *StepResult {
	return &StepResult{Output: output}
}

// WithExtra attaches an auxiliary key to the result.
func (r *StepResult) WithExtra(key string, value any) *StepResult {
	if r.Extra == nil {
		r.Extra = make(map[string]any)
	}
	r.Extra[key] = value
	return r
}

// Lookup returns the value addressable under key: the primary output for
// "output", otherwise the extension map entry.
func (r *StepResult) Lookup(key string) (any, bool) {
	if key == PrimaryOutputKey {
		return r.Output, true
	}
	v, ok := r.Extra[key]
	return v, ok
}

// Keys lists the addressable top-level keys, "output" first and the rest
// sorted. Error messages use it to show what a reference could have reached.
func (r *StepResult) Keys() []string {
	keys := make([]string, 0, len(r.Extra)+1)
	keys = append(keys, PrimaryOutputKey)
	extras := make([]string, 0, len(r.Extra))
	for k := range r.Extra {
		if k != PrimaryOutputKey {
			extras = append(extras, k)
		}
	}
	sort.Strings(extras)
	return append(keys, extras...)
}

// AsMap flattens the result into a single map view: the primary output under
// "output" plus every extension key. Values are shared, not copied.
func (r *StepResult) AsMap() map[string]any {
	m := make(map[string]any, len(r.Extra)+1)
	for k, v := range r.Extra {
		m[k] = v
	}
	m[PrimaryOutputKey] = r.Output
	return m
}

// ResultFromMap builds a StepResult from a raw mapping, lifting the "output"
// key into the primary field and keeping everything else as extensions.
func ResultFromMap(m map[string]any) *StepResult {
	r := &StepResult{Output: m[PrimaryOutputKey]}
	for k, v := range m {
		if k == PrimaryOutputKey {
			continue
		}
		if r.Extra == nil {
			r.Extra = make(map[string]any, len(m)-1)
		}
		r.Extra[k] = v
	}
	return r
}

package expressions

import (
	"sort"
	"sync"

	"github.com/vantle/stepflow/pkg/schema"
)

// Reserved scope roots. `prev` always names the most recently completed
// step's result; `inputs` names the run's effective input values.
const (
	RootPrev   = "prev"
	RootInputs = "inputs"
)

// ScopeBuilder is the in-memory execution context of one run: completed step
// results keyed by step id, plus the reserved prev and inputs roots. It
// enforces the engine's immutability rules:
//   - a step's result is frozen (deep-copied) when recorded and never
//     replaced; recording the same id twice is an error
//   - inputs and run metadata are frozen at construction
//
// Scoped to exactly one run; never shared across runs.
type ScopeBuilder struct {
	mu      sync.RWMutex
	steps   map[string]any // step id -> frozen flattened result
	prev    any            // flattened result of the most recently completed step
	prevSet bool
	inputs  map[string]any // effective run inputs (frozen at init)
	run     map[string]any // run metadata: run_id, pipeline (frozen at init)
}

// NewScopeBuilder creates the context for one run. inputs and run metadata
// are deep-copied so later external mutation cannot leak in.
func NewScopeBuilder(inputs, run map[string]any) *ScopeBuilder {
	return &ScopeBuilder{
		steps:  make(map[string]any),
		inputs: deepCopyMap(inputs),
		run:    deepCopyMap(run),
	}
}

// Record registers a completed step's result under its id and as prev.
// The result is frozen at insertion. Recording a duplicate id is rejected:
// results are immutable once recorded.
func (sb *ScopeBuilder) Record(stepID string, result *schema.StepResult) error {
	sb.mu.Lock()
	defer sb.mu.Unlock()

	if _, exists := sb.steps[stepID]; exists {
		return schema.NewErrorf(schema.ErrCodeConflict,
			"step %q result already recorded; results are immutable once recorded", stepID)
	}

	var frozen any
	if result != nil {
		frozen = deepCopyMap(result.AsMap())
	}
	sb.steps[stepID] = frozen
	sb.prev = frozen
	sb.prevSet = true
	return nil
}

// Root returns the addressable value for a reference root: a step id, prev,
// or inputs. The boolean is false when the root is unknown or, for prev,
// when no step has completed yet.
func (sb *ScopeBuilder) Root(name string) (any, bool) {
	sb.mu.RLock()
	defer sb.mu.RUnlock()

	switch name {
	case RootPrev:
		if !sb.prevSet {
			return nil, false
		}
		return sb.prev, true
	case RootInputs:
		if sb.inputs == nil {
			return map[string]any{}, true
		}
		return sb.inputs, true
	}
	v, ok := sb.steps[name]
	return v, ok
}

// Roots returns every addressable root in sorted order, reserved roots last.
// Error messages use it to show what a reference could have named.
func (sb *ScopeBuilder) Roots() []string {
	sb.mu.RLock()
	defer sb.mu.RUnlock()

	roots := make([]string, 0, len(sb.steps)+2)
	for id := range sb.steps {
		roots = append(roots, id)
	}
	sort.Strings(roots)
	roots = append(roots, RootInputs)
	if sb.prevSet {
		roots = append(roots, RootPrev)
	}
	return roots
}

// Has reports whether a step result is recorded under the given id.
func (sb *ScopeBuilder) Has(stepID string) bool {
	sb.mu.RLock()
	defer sb.mu.RUnlock()
	_, ok := sb.steps[stepID]
	return ok
}

// Build snapshots the variable namespace expression engines evaluate
// against: steps, prev, inputs, run. All data is copied; the snapshot is
// safe for concurrent use.
func (sb *ScopeBuilder) Build() map[string]any {
	sb.mu.RLock()
	defer sb.mu.RUnlock()

	scope := map[string]any{
		"steps":  deepCopyMap(sb.steps),
		"inputs": deepCopyMap(sb.inputs),
		"run":    deepCopyMap(sb.run),
	}
	if sb.prevSet {
		scope["prev"] = deepCopyAny(sb.prev)
	} else {
		scope["prev"] = map[string]any{}
	}
	return scope
}

// --- Deep copy utilities ---

// deepCopyMap creates a deep copy of a map[string]any.
func deepCopyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	cp := make(map[string]any, len(m))
	for k, v := range m {
		cp[k] = deepCopyAny(v)
	}
	return cp
}

// deepCopyAny recursively deep-copies a value.
// Handles maps, slices, and primitives (which are inherently immutable).
func deepCopyAny(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return deepCopyMap(val)
	case []any:
		cp := make([]any, len(val))
		for i, item := range val {
			cp[i] = deepCopyAny(item)
		}
		return cp
	default:
		// Primitives (string, float64, bool, nil, int, int64) are value types.
		return v
	}
}

package refs

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/vantle/stepflow/pkg/schema"
)

// Scope provides the values references resolve against: one addressable
// root per completed step plus the reserved prev and inputs roots.
type Scope interface {
	// Root returns the value a reference root addresses, false if unknown.
	Root(name string) (any, bool)
	// Roots lists every addressable root for error messages.
	Roots() []string
}

// Resolver rewrites parameter values containing reference expressions into
// concrete values drawn from the scope. Resolution happens immediately
// before each step runs, so only already-completed steps are visible and
// declaration order yields a correct dependency order with no separate
// graph.
type Resolver struct{}

// NewResolver creates a Resolver.
func NewResolver() *Resolver {
	return &Resolver{}
}

// ResolveParams materializes a step's concrete parameters. The input map is
// never mutated; stepID names the declaring step in errors.
func (r *Resolver) ResolveParams(params map[string]any, scope Scope, stepID string) (map[string]any, error) {
	if len(params) == 0 {
		return nil, nil
	}
	resolved := make(map[string]any, len(params))
	for k, v := range params {
		rv, err := r.resolveValue(v, scope, stepID)
		if err != nil {
			return nil, err
		}
		resolved[k] = rv
	}
	return resolved, nil
}

// resolveValue resolves one parameter value, recursing into maps and lists.
// Non-string leaves pass through unchanged, preserving their original type.
func (r *Resolver) resolveValue(v any, scope Scope, stepID string) (any, error) {
	switch val := v.(type) {
	case string:
		if !HasRef(val) {
			return val, nil
		}
		t, err := Parse(val)
		if err != nil {
			return nil, err
		}
		return r.resolveTemplate(t, scope, stepID)
	case map[string]any:
		out := make(map[string]any, len(val))
		for k, item := range val {
			rv, err := r.resolveValue(item, scope, stepID)
			if err != nil {
				return nil, err
			}
			out[k] = rv
		}
		return out, nil
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			rv, err := r.resolveValue(item, scope, stepID)
			if err != nil {
				return nil, err
			}
			out[i] = rv
		}
		return out, nil
	default:
		return v, nil
	}
}

// resolveTemplate materializes a parsed template. A template that is exactly
// one reference returns the target value with its native type preserved;
// mixed literal/reference templates stringify each resolved value in place.
func (r *Resolver) resolveTemplate(t *Template, scope Scope, stepID string) (any, error) {
	if t.IsLiteral() {
		return t.source, nil
	}

	if t.IsSingleRef() {
		return r.Resolve(t.refs[0], scope, stepID)
	}

	var b strings.Builder
	b.Grow(len(t.source))
	for _, p := range t.parts {
		if p.ref == -1 {
			b.WriteString(p.literal)
			continue
		}
		val, err := r.Resolve(t.refs[p.ref], scope, stepID)
		if err != nil {
			return nil, err
		}
		b.WriteString(stringify(val))
	}
	return b.String(), nil
}

// Resolve materializes a single parsed reference against the scope.
func (r *Resolver) Resolve(ref Ref, scope Scope, stepID string) (any, error) {
	root, ok := scope.Root(ref.Root)
	if !ok {
		available := scope.Roots()
		return nil, schema.NewErrorf(schema.ErrCodeRefNotFound,
			"reference %s: unknown step %q; available: [%s]",
			ref, ref.Root, strings.Join(available, ", ")).
			WithStep(stepID).
			WithDetails(map[string]any{"expression": ref.String(), "available": available})
	}

	return traversePath(root, ref, stepID)
}

// traversePath navigates into nested maps using the reference's path.
func traversePath(root any, ref Ref, stepID string) (any, error) {
	current := root
	for _, seg := range ref.Path {
		switch v := current.(type) {
		case map[string]any:
			val, ok := v[seg]
			if !ok {
				availableKeys := mapKeys(v)
				return nil, schema.NewErrorf(schema.ErrCodeRefPath,
					"reference %s: key %q not found; available: [%s]",
					ref, seg, strings.Join(availableKeys, ", ")).
					WithStep(stepID).
					WithDetails(map[string]any{"expression": ref.String(), "available_fields": availableKeys})
			}
			current = val
		default:
			return nil, schema.NewErrorf(schema.ErrCodeRefPath,
				"reference %s: cannot traverse into %q (value is %T, not an object)",
				ref, seg, current).
				WithStep(stepID).
				WithDetails(map[string]any{"expression": ref.String()})
		}
	}
	return current, nil
}

// stringify converts a resolved value for embedding inside a larger string.
// Strings embed bare; scalars use their literal form; complex values are
// JSON-encoded inline.
func stringify(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case nil:
		return "null"
	case bool:
		if v {
			return "true"
		}
		return "false"
	case float64:
		return fmt.Sprintf("%v", v)
	case int:
		return fmt.Sprintf("%d", v)
	case int64:
		return fmt.Sprintf("%d", v)
	default:
		b, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(b)
	}
}

// mapKeys returns sorted keys from a map[string]any.
func mapKeys(m map[string]any) []string {
	if m == nil {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

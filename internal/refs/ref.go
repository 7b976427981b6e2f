package refs

import (
	"fmt"
	"sort"
	"strings"

	"github.com/vantle/stepflow/pkg/schema"
)

// Reserved reference roots. A reference's root is otherwise an earlier
// step's id.
const (
	RootPrev   = "prev"
	RootInputs = "inputs"
)

const (
	openMarker  = "${"
	closeMarker = "}"
)

// Ref is one parsed reference expression: the root it targets (an earlier
// step id, "prev", or "inputs") and the dot-separated path navigated inside
// the referenced value. Parsing happens once at definition load, so
// malformed references surface before any step executes.
type Ref struct {
	Root string
	Path []string
}

// String reconstructs the reference token, e.g. "${dl.meta.fps}".
func (r Ref) String() string {
	return openMarker + r.Root + "." + strings.Join(r.Path, ".") + closeMarker
}

// IsReserved reports whether the ref targets a reserved root rather than a
// step id.
func (r Ref) IsReserved() bool {
	return r.Root == RootPrev || r.Root == RootInputs
}

// part is one parsed segment of a template: literal text or a reference.
type part struct {
	literal string
	ref     int // index into refs, -1 for literal parts
}

// Template is one parsed parameter string: literal chunks interleaved with
// references. A template with no references passes through unchanged; a
// template that is exactly one reference resolves with native type
// preserved; anything else interpolates into a string.
type Template struct {
	source string
	parts  []part
	refs   []Ref
}

// Source returns the original parameter string.
func (t *Template) Source() string { return t.source }

// Refs returns the parsed references in order of appearance.
func (t *Template) Refs() []Ref { return t.refs }

// IsLiteral reports whether the template contains no references.
func (t *Template) IsLiteral() bool { return len(t.refs) == 0 }

// IsSingleRef reports whether the template is exactly one reference with no
// surrounding literal text.
func (t *Template) IsSingleRef() bool {
	return len(t.refs) == 1 && len(t.parts) == 1 && t.parts[0].ref == 0
}

// HasRef is a cheap check for the reference marker, used to skip parsing
// values that cannot contain references.
func HasRef(s string) bool {
	return strings.Contains(s, openMarker)
}

// Parse parses a parameter string into a Template. Unclosed, empty, nested,
// and path-less references are definition errors.
func Parse(s string) (*Template, error) {
	t := &Template{source: s}

	i := 0
	for i < len(s) {
		idx := strings.Index(s[i:], openMarker)
		if idx == -1 {
			if i < len(s) {
				t.parts = append(t.parts, part{literal: s[i:], ref: -1})
			}
			break
		}

		// Literal text before the marker.
		if idx > 0 {
			t.parts = append(t.parts, part{literal: s[i : i+idx], ref: -1})
		}
		start := i + idx + len(openMarker)

		end := strings.Index(s[start:], closeMarker)
		if end == -1 {
			return nil, schema.NewErrorf(schema.ErrCodeDefinition,
				"unclosed reference in %q", s)
		}
		end += start

		expr := strings.TrimSpace(s[start:end])
		if expr == "" {
			return nil, schema.NewErrorf(schema.ErrCodeDefinition,
				"empty reference ${} in %q", s)
		}
		if strings.Contains(expr, openMarker) {
			return nil, schema.NewErrorf(schema.ErrCodeDefinition,
				"nested reference not allowed in %q", s)
		}

		ref, err := parseExpr(expr)
		if err != nil {
			return nil, err
		}

		t.refs = append(t.refs, ref)
		t.parts = append(t.parts, part{ref: len(t.refs) - 1})

		i = end + len(closeMarker)
	}

	return t, nil
}

// parseExpr parses the inside of a ${...} token into a Ref.
func parseExpr(expr string) (Ref, error) {
	segments := strings.Split(expr, ".")
	if len(segments) < 2 {
		return Ref{}, schema.NewErrorf(schema.ErrCodeDefinition,
			"invalid reference ${%s}: expected ${<step-id>.<path>}", expr)
	}
	for _, seg := range segments {
		if strings.TrimSpace(seg) == "" {
			return Ref{}, schema.NewErrorf(schema.ErrCodeDefinition,
				"invalid reference ${%s}: empty path segment", expr)
		}
	}
	return Ref{Root: segments[0], Path: segments[1:]}, nil
}

// ParamRef locates one reference inside a step's parameter map.
// Param is the dot-joined position of the value holding it (e.g.
// "options.input" for params.options.input).
type ParamRef struct {
	Param string
	Ref   Ref
}

// Extract walks a parameter map, parsing every string value, and returns all
// references found with their positions. The first malformed reference aborts
// with a definition error naming its position.
func Extract(params map[string]any) ([]ParamRef, error) {
	var out []ParamRef
	err := walkStrings(params, "", func(pos, s string) error {
		if !HasRef(s) {
			return nil
		}
		t, err := Parse(s)
		if err != nil {
			if se, ok := err.(*schema.StepflowError); ok {
				se.Details = map[string]any{"param": pos}
			}
			return err
		}
		for _, r := range t.refs {
			out = append(out, ParamRef{Param: pos, Ref: r})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// walkStrings visits every string value in a nested params structure in
// deterministic (sorted-key) order.
func walkStrings(v any, pos string, visit func(pos, s string) error) error {
	switch val := v.(type) {
	case string:
		return visit(pos, val)
	case map[string]any:
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			child := k
			if pos != "" {
				child = pos + "." + k
			}
			if err := walkStrings(val[k], child, visit); err != nil {
				return err
			}
		}
	case []any:
		for i, item := range val {
			child := fmt.Sprintf("%s[%d]", pos, i)
			if pos == "" {
				child = fmt.Sprintf("[%d]", i)
			}
			if err := walkStrings(item, child, visit); err != nil {
				return err
			}
		}
	}
	return nil
}

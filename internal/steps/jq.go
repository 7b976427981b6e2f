package steps

import (
	"context"
	"encoding/json"

	"github.com/vantle/stepflow/internal/expressions"
	"github.com/vantle/stepflow/pkg/schema"
)

// JQSteps returns all jq-related steps.
func JQSteps() []Step {
	return []Step{
		&jqTransformStep{engine: expressions.NewGoJQEngine()},
	}
}

const jqTransformInputSchema = `{
  "type": "object",
  "properties": {
    "filter": {"type": "string", "minLength": 1},
    "data": {},
    "all": {"type": "boolean", "default": false}
  },
  "required": ["filter"]
}`

// --- jq.transform ---

type jqTransformStep struct {
	engine *expressions.GoJQEngine
}

func (s *jqTransformStep) Name() string { return "jq.transform" }

func (s *jqTransformStep) Schema() StepSchema {
	return StepSchema{
		Description: "Apply a jq filter to a prior step result or explicit data. With all=true the result is the full output stream as a list.",
		InputSchema: json.RawMessage(jqTransformInputSchema),
	}
}

func (s *jqTransformStep) Validate(params map[string]any) error {
	filter, ok := params["filter"].(string)
	if !ok || filter == "" {
		return schema.NewError(schema.ErrCodeValidation, "jq.transform: missing required param 'filter'")
	}
	return s.engine.Check(filter)
}

func (s *jqTransformStep) Execute(ctx context.Context, input StepInput) (*schema.StepResult, error) {
	params := input.Params
	if params == nil {
		params = map[string]any{}
	}

	filter, ok := params["filter"].(string)
	if !ok || filter == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "jq.transform: missing required param 'filter'")
	}

	// The input document is the data param when given (typically a reference
	// to a prior result), the whole run scope otherwise.
	var doc any
	if data, ok := params["data"]; ok {
		doc = data
	} else if input.Scope != nil {
		doc = input.Scope
	}

	results, err := s.engine.EvaluateValue(ctx, filter, doc)
	if err != nil {
		return nil, err
	}

	if boolParam(params, "all", false) {
		if results == nil {
			results = []any{}
		}
		return schema.NewStepResult(results).
			WithExtra("count", len(results)), nil
	}

	switch len(results) {
	case 0:
		return schema.NewStepResult(nil), nil
	case 1:
		return schema.NewStepResult(results[0]), nil
	default:
		return schema.NewStepResult(results), nil
	}
}

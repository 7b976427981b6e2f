package steps

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/vantle/stepflow/internal/validation"
	"github.com/vantle/stepflow/pkg/schema"
)

// AssertSteps returns all assertion-related steps.
func AssertSteps(validator *validation.JSONSchemaValidator) []Step {
	return []Step{
		&assertSchemaStep{validator: validator},
	}
}

const assertSchemaInputSchema = `{
  "type": "object",
  "properties": {
    "data": {},
    "schema": {},
    "message": {"type": "string"}
  },
  "required": ["data", "schema"]
}`

// --- assert.schema ---

type assertSchemaStep struct {
	validator *validation.JSONSchemaValidator
}

func (s *assertSchemaStep) Name() string { return "assert.schema" }

func (s *assertSchemaStep) Schema() StepSchema {
	return StepSchema{
		Description: "Fail the run unless data conforms to a JSON Schema",
		InputSchema: json.RawMessage(assertSchemaInputSchema),
	}
}

func (s *assertSchemaStep) Validate(params map[string]any) error {
	if _, ok := params["data"]; !ok {
		return schema.NewError(schema.ErrCodeValidation, "assert.schema: missing required param 'data'")
	}
	if _, ok := params["schema"]; !ok {
		return schema.NewError(schema.ErrCodeValidation, "assert.schema: missing required param 'schema'")
	}
	return nil
}

func (s *assertSchemaStep) Execute(_ context.Context, input StepInput) (*schema.StepResult, error) {
	params := input.Params
	if params == nil {
		params = map[string]any{}
	}

	if err := s.Validate(params); err != nil {
		return nil, err
	}

	// The schema param may arrive as a YAML mapping or as a JSON string.
	var schemaBytes []byte
	switch sv := params["schema"].(type) {
	case string:
		schemaBytes = []byte(sv)
	default:
		b, err := json.Marshal(sv)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "assert.schema: failed to serialize schema: %s", err)
		}
		schemaBytes = b
	}

	if err := s.validator.ValidateData(params["data"], schemaBytes); err != nil {
		msg := "assertion failed: data does not match schema"
		if m, ok := params["message"].(string); ok && m != "" {
			msg = m
		}
		details := map[string]any{"error": err.Error()}
		var sfErr *schema.StepflowError
		if errors.As(err, &sfErr) && sfErr.Details != nil {
			details["violations"] = sfErr.Details["violations"]
		}
		return nil, schema.NewError(schema.ErrCodeStepExecution, msg).WithDetails(details).WithCause(err)
	}

	return schema.NewStepResult(true), nil
}

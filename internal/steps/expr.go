package steps

import (
	"context"
	"encoding/json"

	"github.com/vantle/stepflow/internal/expressions"
	"github.com/vantle/stepflow/pkg/schema"
)

// ExprSteps returns all expression evaluation steps.
func ExprSteps() []Step {
	return []Step{
		&exprEvalStep{engine: expressions.NewExprEngine()},
	}
}

const exprEvalInputSchema = `{
  "type": "object",
  "properties": {
    "expression": {"type": "string", "minLength": 1},
    "data": {}
  },
  "required": ["expression"]
}`

// --- expr.eval ---

type exprEvalStep struct {
	engine *expressions.ExprEngine
}

func (s *exprEvalStep) Name() string { return "expr.eval" }

func (s *exprEvalStep) Schema() StepSchema {
	return StepSchema{
		Description: "Evaluate an Expr program against prior step results, run inputs, or explicit data",
		InputSchema: json.RawMessage(exprEvalInputSchema),
	}
}

func (s *exprEvalStep) Validate(params map[string]any) error {
	expr, ok := params["expression"].(string)
	if !ok || expr == "" {
		return schema.NewError(schema.ErrCodeValidation, "expr.eval: missing required param 'expression'")
	}
	return nil
}

func (s *exprEvalStep) Execute(ctx context.Context, input StepInput) (*schema.StepResult, error) {
	if err := s.Validate(input.Params); err != nil {
		return nil, err
	}
	expression, _ := input.Params["expression"].(string)

	// The program sees the run scope (steps, prev, inputs, run) plus an
	// optional explicit data binding.
	env := make(map[string]any, len(input.Scope)+1)
	for k, v := range input.Scope {
		env[k] = v
	}
	if data, ok := input.Params["data"]; ok {
		env["data"] = data
	}

	result, err := s.engine.Evaluate(ctx, expression, env)
	if err != nil {
		return nil, err
	}

	return schema.NewStepResult(result), nil
}

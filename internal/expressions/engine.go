package expressions

import "context"

// Engine evaluates expressions against a run's variable scope.
// Three implementations: CEL (skip conditions), GoJQ (the jq.transform step),
// Expr (the expr.eval step).
type Engine interface {
	Name() string
	Evaluate(ctx context.Context, expression string, data map[string]any) (any, error)
}

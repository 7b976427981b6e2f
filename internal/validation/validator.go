package validation

import "github.com/vantle/stepflow/pkg/schema"

// TypeLookup answers whether a step type is registered. The step registry
// implements it; tests substitute fakes.
type TypeLookup interface {
	Has(stepType string) bool
}

// ConditionChecker compiles a skip_if condition without evaluating it, so
// definition loading can reject expressions that would only fail mid-run.
type ConditionChecker interface {
	Check(expression string) error
}

// Validator checks pipeline definitions and run records before execution.
// Structural checks use JSON Schema Draft 2020-12.
type Validator interface {
	ValidateDefinition(def *schema.PipelineDefinition) error
	ValidateRecord(rec *schema.RunRecord) error
	ValidateData(data any, dataSchema []byte) error
}

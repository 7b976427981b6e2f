package validation

import (
	"fmt"

	"github.com/vantle/stepflow/pkg/schema"
)

// reservedStepIDs are names the reference grammar claims for itself. A step
// with one of these ids could never be addressed.
var reservedStepIDs = map[string]bool{
	"prev":   true,
	"inputs": true,
}

// shadowStepIDs are names that collide with the top-level namespaces exposed
// to skip_if conditions. Legal, but conditions reading steps.<id> become
// confusing, so they warn.
var shadowStepIDs = map[string]bool{
	"steps":  true,
	"run":    true,
	"output": true,
}

// validateSemantic performs semantic analysis on a normalized definition.
// Checks: step ids unique and not reserved, step types registered, skip_if
// conditions compile.
func validateSemantic(def *schema.PipelineDefinition, types TypeLookup, conds ConditionChecker) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	seen := make(map[string]int, len(def.Steps))
	for i := range def.Steps {
		step := &def.Steps[i]
		path := fmt.Sprintf("steps[%d]", i)

		if reservedStepIDs[step.ID] {
			result.AddError(path+".id", schema.ErrCodeDefinition,
				fmt.Sprintf("step id %q is reserved by the reference grammar", step.ID))
		} else if shadowStepIDs[step.ID] {
			result.AddWarning(path+".id", schema.ErrCodeDefinition,
				fmt.Sprintf("step id %q shadows the %q namespace in skip_if conditions", step.ID, step.ID))
		}

		if first, dup := seen[step.ID]; dup {
			result.AddError(path+".id", schema.ErrCodeDuplicateStepID,
				fmt.Sprintf("duplicate step id %q (first declared at steps[%d])", step.ID, first))
		} else {
			seen[step.ID] = i
		}

		if types != nil && step.Type != "" && !types.Has(step.Type) {
			result.AddError(path+".type", schema.ErrCodeUnknownStepType,
				fmt.Sprintf("step type %q not registered", step.Type))
		}

		if step.SkipIf != "" && conds != nil {
			if err := conds.Check(step.SkipIf); err != nil {
				result.AddError(path+".skip_if", schema.ErrCodeDefinition,
					fmt.Sprintf("skip_if does not compile: %s", compileMessage(err)))
			}
		}
	}

	return result
}

// compileMessage unwraps a checker error down to its message so validation
// output does not nest error codes inside error codes.
func compileMessage(err error) string {
	if sfErr, ok := err.(*schema.StepflowError); ok {
		return sfErr.Message
	}
	return err.Error()
}

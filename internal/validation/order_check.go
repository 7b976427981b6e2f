package validation

import (
	"fmt"

	"github.com/vantle/stepflow/internal/refs"
	"github.com/vantle/stepflow/pkg/schema"
)

// validateOrder checks every reference expression in step params against the
// sequential execution model: a step may only reference steps declared before
// it. Duplicate-free ids are guaranteed by the semantic stage.
func validateOrder(def *schema.PipelineDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	position := make(map[string]int, len(def.Steps))
	skippable := make(map[string]bool)
	for i, id := range def.StepIDs() {
		position[id] = i
		if def.Steps[i].SkipIf != "" {
			skippable[id] = true
		}
	}

	for i := range def.Steps {
		step := &def.Steps[i]
		stepPath := fmt.Sprintf("steps[%d]", i)

		found, err := refs.Extract(step.Params)
		if err != nil {
			result.AddError(stepPath+".params"+paramSuffix(err), schema.ErrCodeDefinition, compileMessage(err))
			continue
		}

		for _, pr := range found {
			path := fmt.Sprintf("%s.params.%s", stepPath, pr.Param)
			root := pr.Ref.Root

			if pr.Ref.IsReserved() {
				if root == "prev" && i == 0 {
					result.AddError(path, schema.ErrCodeDefinition,
						fmt.Sprintf("%s references prev but no step precedes the first step", pr.Ref.String()))
				}
				continue
			}

			pos, known := position[root]
			switch {
			case !known:
				result.AddError(path, schema.ErrCodeDefinition,
					fmt.Sprintf("%s references unknown step %q", pr.Ref.String(), root))
			case pos == i:
				result.AddError(path, schema.ErrCodeDefinition,
					fmt.Sprintf("%s references the step that declares it", pr.Ref.String()))
			case pos > i:
				result.AddError(path, schema.ErrCodeDefinition,
					fmt.Sprintf("%s references step %q which runs later; steps execute strictly in order", pr.Ref.String(), root))
			case skippable[root]:
				result.AddWarning(path, schema.ErrCodeDefinition,
					fmt.Sprintf("%s references step %q which has a skip_if condition; resolution fails at runtime if that step is skipped", pr.Ref.String(), root))
			}
		}
	}

	return result
}

// paramSuffix pulls the offending param position out of an extraction error
// so the issue path points at the exact field.
func paramSuffix(err error) string {
	sfErr, ok := err.(*schema.StepflowError)
	if !ok || sfErr.Details == nil {
		return ""
	}
	if param, ok := sfErr.Details["param"].(string); ok && param != "" {
		return "." + param
	}
	return ""
}

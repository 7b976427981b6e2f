package validation

import "github.com/vantle/stepflow/pkg/schema"

// PipelineValidator orchestrates the three-stage validation pipeline:
// 1. Structural (JSON Schema)
// 2. Semantic (step ids, step types, skip_if conditions)
// 3. Order (reference expressions against sequential execution)
type PipelineValidator struct {
	jsonSchema *JSONSchemaValidator
	types      TypeLookup
	conds      ConditionChecker
}

// NewPipelineValidator creates a PipelineValidator. types and conds may be
// nil to skip registry and condition checks respectively.
func NewPipelineValidator(types TypeLookup, conds ConditionChecker) (*PipelineValidator, error) {
	jsv, err := NewJSONSchemaValidator()
	if err != nil {
		return nil, err
	}
	return &PipelineValidator{
		jsonSchema: jsv,
		types:      types,
		conds:      conds,
	}, nil
}

// Validate runs the full 3-stage pipeline and returns an aggregated result.
// Structural errors short-circuit: semantic and order stages are skipped.
func (pv *PipelineValidator) Validate(def *schema.PipelineDefinition) *schema.ValidationResult {
	if def == nil {
		r := &schema.ValidationResult{}
		r.AddError("/", schema.ErrCodeDefinition, "pipeline definition is nil")
		return r
	}

	// Stage 1: Structural (JSON Schema).
	result := validateStructural(pv.jsonSchema, def)
	if !result.Valid() {
		return result
	}

	// Stage 2: Semantic.
	result.Merge(validateSemantic(def, pv.types, pv.conds))

	// Stage 3: Order (skip if semantic errors — ids may be ambiguous).
	if result.Valid() {
		result.Merge(validateOrder(def))
	}

	return result
}

// ValidateDefinition satisfies the Validator interface.
func (pv *PipelineValidator) ValidateDefinition(def *schema.PipelineDefinition) error {
	return pv.Validate(def).ToError(schema.ErrCodeDefinition)
}

// ValidateRecord delegates to the underlying JSONSchemaValidator.
func (pv *PipelineValidator) ValidateRecord(rec *schema.RunRecord) error {
	return pv.jsonSchema.ValidateRecord(rec)
}

// ValidateData delegates to the underlying JSONSchemaValidator.
func (pv *PipelineValidator) ValidateData(data any, dataSchema []byte) error {
	return pv.jsonSchema.ValidateData(data, dataSchema)
}

// validateStructural wraps JSONSchemaValidator.ValidateDefinition, converting
// its error output into ValidationResult.
func validateStructural(v *JSONSchemaValidator, def *schema.PipelineDefinition) *schema.ValidationResult {
	result := &schema.ValidationResult{}

	err := v.ValidateDefinition(def)
	if err == nil {
		return result
	}

	sfErr, ok := err.(*schema.StepflowError)
	if !ok {
		result.AddError("/", schema.ErrCodeDefinition, err.Error())
		return result
	}

	if sfErr.Details != nil {
		if violations, ok := sfErr.Details["violations"].([]string); ok {
			for _, v := range violations {
				result.AddError("/", schema.ErrCodeDefinition, v)
			}
			return result
		}
	}
	result.AddError("/", schema.ErrCodeDefinition, sfErr.Message)
	return result
}

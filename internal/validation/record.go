package validation

import (
	"fmt"

	"github.com/vantle/stepflow/pkg/schema"
)

// runRecordSchemaJSON is the JSON Schema for persisted run records. Run
// records are hand-editable, so the schema is the first line of defense
// against edits that would corrupt a resume.
const runRecordSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://stepflow.dev/schemas/run-record.json",
  "type": "object",
  "required": ["schema_version", "run_id", "pipeline", "status", "definition", "steps", "created_at", "updated_at"],
  "properties": {
    "schema_version": {
      "type": "integer",
      "minimum": 1
    },
    "run_id": {
      "type": "string",
      "minLength": 1
    },
    "pipeline": { "type": "string" },
    "status": {
      "type": "string",
      "enum": ["pending", "running", "completed", "failed"]
    },
    "definition": { "type": "object" },
    "inputs": { "type": "object" },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/step_state" }
    },
    "error": { "type": "string" },
    "created_at": { "type": "string" },
    "updated_at": { "type": "string" },
    "started_at": { "type": "string" },
    "completed_at": { "type": "string" }
  },
  "additionalProperties": false,
  "$defs": {
    "step_state": {
      "type": "object",
      "required": ["id", "type", "status"],
      "properties": {
        "id": {
          "type": "string",
          "minLength": 1
        },
        "type": { "type": "string" },
        "status": {
          "type": "string",
          "enum": ["pending", "running", "completed", "failed", "skipped"]
        },
        "started_at": { "type": "string" },
        "completed_at": { "type": "string" },
        "duration_ms": {
          "type": "integer",
          "minimum": 0
        },
        "result": {
          "type": "object",
          "properties": {
            "output": {},
            "extra": { "type": "object" }
          }
        },
        "error": { "type": "string" },
        "overridden": { "type": "boolean" },
        "overridden_fields": {
          "type": "array",
          "items": { "type": "string" }
        }
      },
      "additionalProperties": false
    }
  }
}`

// ValidateRecord validates a run record: structure against the run record
// JSON Schema, schema version compatibility, and consistency between the
// step list and the embedded definition snapshot. Failures surface as
// persistence errors because a record that does not validate cannot be
// trusted for status display or resume.
func (v *JSONSchemaValidator) ValidateRecord(rec *schema.RunRecord) error {
	if rec == nil {
		return schema.NewError(schema.ErrCodePersistence, "run record is nil")
	}

	if rec.SchemaVersion > schema.RunRecordSchemaVersion {
		return schema.NewErrorf(schema.ErrCodePersistence,
			"run record schema version %d is newer than supported version %d",
			rec.SchemaVersion, schema.RunRecordSchemaVersion)
	}

	doc, err := toJSONValue(rec)
	if err != nil {
		return schema.NewError(schema.ErrCodePersistence, "failed to serialize run record").WithCause(err)
	}
	if err := v.recordSchema.Validate(doc); err != nil {
		return toStepflowError(err, schema.ErrCodePersistence)
	}

	result := &schema.ValidationResult{}
	checkRecordConsistency(rec, result)
	return result.ToError(schema.ErrCodePersistence)
}

// checkRecordConsistency verifies invariants JSON Schema cannot express:
// the step list mirrors the definition snapshot and the run status agrees
// with the step statuses.
func checkRecordConsistency(rec *schema.RunRecord, result *schema.ValidationResult) {
	ids := rec.Definition.StepIDs()
	if len(rec.Steps) != len(ids) {
		result.AddError("steps", schema.ErrCodePersistence,
			fmt.Sprintf("record has %d steps but the definition snapshot declares %d", len(rec.Steps), len(ids)))
		return
	}

	for i, st := range rec.Steps {
		path := fmt.Sprintf("steps[%d]", i)
		if st.ID != ids[i] {
			result.AddError(path+".id", schema.ErrCodePersistence,
				fmt.Sprintf("step id %q does not match definition snapshot id %q", st.ID, ids[i]))
		}
		if st.Type != rec.Definition.Steps[i].Type {
			result.AddError(path+".type", schema.ErrCodePersistence,
				fmt.Sprintf("step type %q does not match definition snapshot type %q", st.Type, rec.Definition.Steps[i].Type))
		}
	}

	running := 0
	for i, st := range rec.Steps {
		if st.Status == schema.StepStatusRunning {
			running++
			if running > 1 {
				result.AddError(fmt.Sprintf("steps[%d].status", i), schema.ErrCodePersistence,
					"more than one step in running state; execution is strictly sequential")
			}
		}
	}

	if rec.Status == schema.RunStatusCompleted {
		for i, st := range rec.Steps {
			if st.Status == schema.StepStatusPending || st.Status == schema.StepStatusRunning {
				result.AddError(fmt.Sprintf("steps[%d].status", i), schema.ErrCodePersistence,
					fmt.Sprintf("run is marked completed but step %q is still %s", st.ID, st.Status))
			}
		}
	}
}

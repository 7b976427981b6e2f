package validation

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	jsonschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/vantle/stepflow/pkg/schema"
)

// pipelineSchemaJSON is the JSON Schema for PipelineDefinition validation.
// Embedded as a constant to avoid filesystem dependencies.
const pipelineSchemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "$id": "https://stepflow.dev/schemas/pipeline.json",
  "type": "object",
  "required": ["pipeline", "steps"],
  "properties": {
    "pipeline": {
      "type": "string",
      "minLength": 1
    },
    "description": { "type": "string" },
    "tags": {
      "type": "array",
      "items": { "type": "string" }
    },
    "inputs": {
      "type": "object"
    },
    "schedule": { "type": "string" },
    "steps": {
      "type": "array",
      "minItems": 1,
      "items": { "$ref": "#/$defs/step" }
    }
  },
  "additionalProperties": false,
  "$defs": {
    "step": {
      "type": "object",
      "required": ["type"],
      "properties": {
        "id": {
          "type": "string",
          "minLength": 1,
          "pattern": "^[A-Za-z][A-Za-z0-9_-]*$"
        },
        "type": {
          "type": "string",
          "minLength": 1
        },
        "params": {
          "type": "object"
        },
        "skip_if": {
          "type": "string",
          "minLength": 1
        },
        "required": { "type": "boolean" }
      },
      "additionalProperties": false
    }
  }
}`

// JSONSchemaValidator holds the pre-compiled pipeline and run record schemas
// plus a compile cache for caller-supplied data schemas (assert.schema steps).
// It is safe for concurrent use.
type JSONSchemaValidator struct {
	pipelineSchema *jsonschema.Schema
	recordSchema   *jsonschema.Schema

	// mu guards the dynamic schema cache.
	mu    sync.RWMutex
	cache map[string]*jsonschema.Schema
}

// NewJSONSchemaValidator creates a JSONSchemaValidator with both built-in
// schemas pre-compiled.
func NewJSONSchemaValidator() (*JSONSchemaValidator, error) {
	pipeline, err := compileBuiltin("https://stepflow.dev/schemas/pipeline.json", pipelineSchemaJSON)
	if err != nil {
		return nil, fmt.Errorf("pipeline schema: %w", err)
	}
	record, err := compileBuiltin("https://stepflow.dev/schemas/run-record.json", runRecordSchemaJSON)
	if err != nil {
		return nil, fmt.Errorf("run record schema: %w", err)
	}

	return &JSONSchemaValidator{
		pipelineSchema: pipeline,
		recordSchema:   record,
		cache:          make(map[string]*jsonschema.Schema),
	}, nil
}

// ValidateDefinition validates a PipelineDefinition against the pipeline
// JSON Schema. Semantic and ordering rules live in their own stages; this
// stage only rejects structurally malformed documents.
func (v *JSONSchemaValidator) ValidateDefinition(def *schema.PipelineDefinition) error {
	if def == nil {
		return schema.NewError(schema.ErrCodeDefinition, "pipeline definition is nil")
	}

	doc, err := toJSONValue(def)
	if err != nil {
		return schema.NewError(schema.ErrCodeDefinition, "failed to serialize pipeline definition").WithCause(err)
	}

	if err := v.pipelineSchema.Validate(doc); err != nil {
		return toStepflowError(err, schema.ErrCodeDefinition)
	}
	return nil
}

// ValidateData validates arbitrary data against a JSON Schema provided as raw
// bytes. Compiled schemas are cached for subsequent calls with the same bytes.
func (v *JSONSchemaValidator) ValidateData(data any, dataSchema []byte) error {
	if len(dataSchema) == 0 {
		return nil // no schema means no validation needed
	}

	compiled, err := v.getOrCompile(dataSchema)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "invalid data schema").WithCause(err)
	}

	// Round-trip through JSON so numbers become json.Number, which the
	// jsonschema library expects.
	doc, err := toJSONValue(data)
	if err != nil {
		return schema.NewError(schema.ErrCodeValidation, "failed to serialize data").WithCause(err)
	}

	if err := compiled.Validate(doc); err != nil {
		return toStepflowError(err, schema.ErrCodeValidation)
	}
	return nil
}

// getOrCompile returns a cached compiled schema or compiles and caches a new one.
func (v *JSONSchemaValidator) getOrCompile(schemaBytes []byte) (*jsonschema.Schema, error) {
	key := string(schemaBytes)

	v.mu.RLock()
	if cached, ok := v.cache[key]; ok {
		v.mu.RUnlock()
		return cached, nil
	}
	v.mu.RUnlock()

	v.mu.Lock()
	defer v.mu.Unlock()

	// Double-check after acquiring write lock.
	if cached, ok := v.cache[key]; ok {
		return cached, nil
	}

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(key))
	if err != nil {
		return nil, fmt.Errorf("unmarshal schema: %w", err)
	}

	// Each dynamic schema gets a unique URL to avoid collisions in the compiler.
	url := fmt.Sprintf("stepflow://data-schema/%d", len(v.cache))

	// Fresh compiler per dynamic schema to avoid resource collision.
	c := jsonschema.NewCompiler()
	c.AssertFormat()
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add schema resource: %w", err)
	}

	compiled, err := c.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("compile schema: %w", err)
	}

	v.cache[key] = compiled
	return compiled, nil
}

// compileBuiltin compiles one of the embedded schema constants.
func compileBuiltin(url, schemaJSON string) (*jsonschema.Schema, error) {
	c := jsonschema.NewCompiler()
	c.AssertFormat()

	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
	if err != nil {
		return nil, fmt.Errorf("unmarshal: %w", err)
	}
	if err := c.AddResource(url, doc); err != nil {
		return nil, fmt.Errorf("add resource: %w", err)
	}
	return c.Compile(url)
}

// toJSONValue round-trips a Go value through JSON encoding/decoding so that
// numeric values become json.Number (required by the jsonschema library).
func toJSONValue(v any) (any, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return jsonschema.UnmarshalJSON(strings.NewReader(string(b)))
}

// toStepflowError converts a jsonschema.ValidationError into a StepflowError
// with one message per violated constraint.
func toStepflowError(err error, code string) *schema.StepflowError {
	verr, ok := err.(*jsonschema.ValidationError)
	if !ok {
		return schema.NewError(code, err.Error())
	}

	violations := collectViolations(verr)
	if len(violations) == 0 {
		return schema.NewError(code, verr.Error())
	}

	if len(violations) == 1 {
		return schema.NewError(code, violations[0]).
			WithDetails(map[string]any{"violations": violations})
	}

	msg := fmt.Sprintf("validation failed with %d errors", len(violations))
	return schema.NewError(code, msg).
		WithDetails(map[string]any{"violations": violations})
}

// collectViolations walks a ValidationError tree and collects leaf error
// messages with their instance locations.
func collectViolations(verr *jsonschema.ValidationError) []string {
	if len(verr.Causes) == 0 {
		loc := "/"
		if len(verr.InstanceLocation) > 0 {
			loc = "/" + strings.Join(verr.InstanceLocation, "/")
		}
		return []string{fmt.Sprintf("%s: %s", loc, verr.Error())}
	}

	var violations []string
	for _, cause := range verr.Causes {
		violations = append(violations, collectViolations(cause)...)
	}
	return violations
}

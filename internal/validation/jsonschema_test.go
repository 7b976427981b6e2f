package validation

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vantle/stepflow/pkg/schema"
)

func TestNewJSONSchemaValidator(t *testing.T) {
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)
	assert.NotNil(t, v)
	assert.NotNil(t, v.pipelineSchema)
	assert.NotNil(t, v.recordSchema)
}

// --- ValidateDefinition ---

func TestValidateDefinition_Nil(t *testing.T) {
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)

	err = v.ValidateDefinition(nil)
	require.Error(t, err)

	sfErr, ok := err.(*schema.StepflowError)
	require.True(t, ok)
	assert.Equal(t, schema.ErrCodeDefinition, sfErr.Code)
	assert.Contains(t, sfErr.Message, "nil")
}

func TestValidateDefinition_MinimalValid(t *testing.T) {
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)

	def := &schema.PipelineDefinition{
		Pipeline: "demo",
		Steps: []schema.StepDefinition{
			{ID: "dl", Type: "http.fetch"},
		},
	}
	assert.NoError(t, v.ValidateDefinition(def))
}

func TestValidateDefinition_FullValid(t *testing.T) {
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)

	required := false
	def := &schema.PipelineDefinition{
		Pipeline:    "video-pipeline",
		Description: "Download, convert, and publish a clip",
		Tags:        []string{"video", "demo"},
		Inputs:      map[string]any{"fps": 24},
		Schedule:    "0 3 * * *",
		Steps: []schema.StepDefinition{
			{ID: "dl", Type: "http.fetch", Params: map[string]any{"url": "https://example.com/v.mp4"}},
			{ID: "convert", Type: "shell.run", Params: map[string]any{"command": "ffmpeg"}, SkipIf: "inputs.fps == 0"},
			{ID: "notify", Type: "http.fetch", Required: &required},
		},
	}
	assert.NoError(t, v.ValidateDefinition(def))
}

func TestValidateDefinition_MissingName(t *testing.T) {
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)

	def := &schema.PipelineDefinition{
		Steps: []schema.StepDefinition{{ID: "s1", Type: "shell.run"}},
	}
	err = v.ValidateDefinition(def)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeDefinition, schema.CodeOf(err))
}

func TestValidateDefinition_EmptySteps(t *testing.T) {
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)

	def := &schema.PipelineDefinition{Pipeline: "demo", Steps: []schema.StepDefinition{}}
	err = v.ValidateDefinition(def)
	require.Error(t, err)

	sfErr, ok := err.(*schema.StepflowError)
	require.True(t, ok)
	assert.Contains(t, sfErr.Details, "violations")
}

func TestValidateDefinition_MissingStepType(t *testing.T) {
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)

	def := &schema.PipelineDefinition{
		Pipeline: "demo",
		Steps:    []schema.StepDefinition{{ID: "s1"}},
	}
	err = v.ValidateDefinition(def)
	require.Error(t, err)
}

func TestValidateDefinition_BadIDPattern(t *testing.T) {
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)

	cases := []string{"2fast", "has.dot", "has space", "${weird}"}
	for _, id := range cases {
		def := &schema.PipelineDefinition{
			Pipeline: "demo",
			Steps:    []schema.StepDefinition{{ID: id, Type: "shell.run"}},
		}
		assert.Error(t, v.ValidateDefinition(def), "id %q should be rejected", id)
	}
}

func TestValidateDefinition_ViolationPathsReported(t *testing.T) {
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)

	def := &schema.PipelineDefinition{
		Pipeline: "demo",
		Steps:    []schema.StepDefinition{{ID: "has.dot", Type: "shell.run"}},
	}
	err = v.ValidateDefinition(def)
	require.Error(t, err)

	sfErr, ok := err.(*schema.StepflowError)
	require.True(t, ok)
	violations, ok := sfErr.Details["violations"].([]string)
	require.True(t, ok)
	require.NotEmpty(t, violations)
	assert.Contains(t, violations[0], "/steps/0")
}

// --- ValidateData ---

func TestValidateData_Valid(t *testing.T) {
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)

	data := map[string]any{"fps": 24, "codec": "h264"}
	dataSchema := []byte(`{"type":"object","required":["fps"],"properties":{"fps":{"type":"integer","minimum":1}}}`)
	assert.NoError(t, v.ValidateData(data, dataSchema))
}

func TestValidateData_Violation(t *testing.T) {
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)

	data := map[string]any{"fps": 0}
	dataSchema := []byte(`{"type":"object","properties":{"fps":{"type":"integer","minimum":1}}}`)

	err = v.ValidateData(data, dataSchema)
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestValidateData_NoSchema(t *testing.T) {
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)

	assert.NoError(t, v.ValidateData(map[string]any{"x": 1}, nil))
}

func TestValidateData_NonObjectData(t *testing.T) {
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)

	// Scalar data is legal; the schema decides.
	assert.NoError(t, v.ValidateData("abc123", []byte(`{"type":"string","minLength":3}`)))
	assert.Error(t, v.ValidateData("ab", []byte(`{"type":"string","minLength":3}`)))
}

func TestValidateData_InvalidSchema(t *testing.T) {
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)

	err = v.ValidateData(map[string]any{}, []byte(`{not json`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid data schema")
}

func TestValidateData_SchemaCached(t *testing.T) {
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)

	dataSchema := []byte(`{"type":"object"}`)
	require.NoError(t, v.ValidateData(map[string]any{}, dataSchema))

	v.mu.RLock()
	cacheLen := len(v.cache)
	v.mu.RUnlock()
	assert.Equal(t, 1, cacheLen)

	require.NoError(t, v.ValidateData(map[string]any{"a": 1}, dataSchema))

	v.mu.RLock()
	cacheLen2 := len(v.cache)
	v.mu.RUnlock()
	assert.Equal(t, 1, cacheLen2, "same schema bytes reuse the compiled schema")
}

// --- Concurrency ---

func TestJSONSchemaValidator_Concurrent(t *testing.T) {
	v, err := NewJSONSchemaValidator()
	require.NoError(t, err)

	def := &schema.PipelineDefinition{
		Pipeline: "demo",
		Steps:    []schema.StepDefinition{{ID: "s1", Type: "shell.run"}},
	}
	dataSchema := []byte(`{"type":"object","properties":{"n":{"type":"integer"}}}`)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			assert.NoError(t, v.ValidateDefinition(def))
			assert.NoError(t, v.ValidateData(map[string]any{"n": n}, dataSchema))
		}(i)
	}
	wg.Wait()
}

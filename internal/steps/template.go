package steps

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"text/template"

	"github.com/vantle/stepflow/pkg/schema"
)

// TemplateSteps returns all text templating steps.
func TemplateSteps(cfg FSConfig) []Step {
	return []Step{
		&templateRenderStep{cfg: cfg},
	}
}

const templateRenderInputSchema = `{
  "type": "object",
  "properties": {
    "template": {"type": "string"},
    "file": {"type": "string"},
    "vars": {"type": "object", "additionalProperties": true},
    "out": {"type": "string"}
  }
}`

const templateRenderOutputSchema = `{
  "type": "object",
  "properties": {
    "output": {"type": "string", "description": "rendered text"},
    "path": {"type": "string", "description": "set when out was given"},
    "size": {"type": "integer"}
  }
}`

// --- template.render ---

type templateRenderStep struct{ cfg FSConfig }

func (s *templateRenderStep) Name() string { return "template.render" }

func (s *templateRenderStep) Schema() StepSchema {
	return StepSchema{
		Description:  "Render a Go text template against the run scope, optionally writing the result to a file",
		InputSchema:  json.RawMessage(templateRenderInputSchema),
		OutputSchema: json.RawMessage(templateRenderOutputSchema),
	}
}

func (s *templateRenderStep) Validate(params map[string]any) error {
	_, hasText := params["template"].(string)
	file := stringParam(params, "file", "")
	if !hasText && file == "" {
		return schema.NewError(schema.ErrCodeValidation, "template.render: requires either 'template' or 'file'")
	}
	if hasText && file != "" {
		return schema.NewError(schema.ErrCodeValidation, "template.render: 'template' and 'file' are mutually exclusive")
	}
	return nil
}

func (s *templateRenderStep) Execute(_ context.Context, input StepInput) (*schema.StepResult, error) {
	params := input.Params
	if params == nil {
		params = map[string]any{}
	}

	if err := s.Validate(params); err != nil {
		return nil, err
	}

	text, ok := params["template"].(string)
	if !ok {
		path, err := s.cfg.Policy.Resolve(input.WorkDir, stringParam(params, "file", ""), PathAccessRead)
		if err != nil {
			return nil, err
		}
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStepExecution, "template.render: %v", err).WithCause(err)
		}
		text = string(raw)
	}

	// Undefined fields fail the render instead of printing "<no value>".
	tmpl, err := template.New("render").Option("missingkey=error").Parse(text)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "template.render: parse error: %v", err).WithCause(err)
	}

	// Template data is the run scope with explicit vars layered on top.
	data := make(map[string]any, len(input.Scope)+1)
	for k, v := range input.Scope {
		data[k] = v
	}
	if vars, ok := params["vars"].(map[string]any); ok {
		for k, v := range vars {
			data[k] = v
		}
	}

	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStepExecution, "template.render: %v", err).WithCause(err)
	}
	rendered := buf.String()

	result := schema.NewStepResult(rendered).
		WithExtra("size", len(rendered))

	if out := stringParam(params, "out", ""); out != "" {
		path, err := s.cfg.Policy.Resolve(input.WorkDir, out, PathAccessWrite)
		if err != nil {
			return nil, err
		}
		if err := os.WriteFile(path, buf.Bytes(), 0644); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStepExecution, "template.render: write %s: %v", path, err).WithCause(err)
		}
		result.WithExtra("path", path)
	}

	return result, nil
}

package validation

import (
	"errors"
	"io"
	"io/fs"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/vantle/stepflow/pkg/schema"
)

// LoadDefinition reads a pipeline definition from a YAML file and normalizes
// step ids. Decoding is strict: unknown fields are definition errors, which
// catches field typos before they are silently ignored.
func LoadDefinition(path string) (*schema.PipelineDefinition, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, schema.NewErrorf(schema.ErrCodeDefinition, "definition file %s does not exist", path)
		}
		return nil, schema.NewErrorf(schema.ErrCodeDefinition, "open definition file %s: %s", path, err.Error()).WithCause(err)
	}
	defer f.Close()

	def, err := DecodeDefinition(f)
	if err != nil {
		if sfErr, ok := err.(*schema.StepflowError); ok {
			return nil, schema.NewErrorf(sfErr.Code, "%s: %s", path, sfErr.Message).WithCause(sfErr.Cause)
		}
		return nil, err
	}
	return def, nil
}

// DecodeDefinition decodes a pipeline definition from YAML and normalizes
// step ids.
func DecodeDefinition(r io.Reader) (*schema.PipelineDefinition, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)

	var def schema.PipelineDefinition
	if err := dec.Decode(&def); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, schema.NewError(schema.ErrCodeDefinition, "definition is empty")
		}
		return nil, schema.NewErrorf(schema.ErrCodeDefinition, "parse definition: %s", err.Error()).WithCause(err)
	}

	def.Normalize()
	return &def, nil
}

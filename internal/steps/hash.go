package steps

import (
	"context"
	"crypto/hmac"
	"crypto/md5"
	"crypto/sha1"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/hex"
	"encoding/json"
	"hash"
	"io"
	"os"

	"github.com/vantle/stepflow/pkg/schema"
)

// HashSteps returns all digest-related steps.
func HashSteps(cfg FSConfig) []Step {
	return []Step{
		&hashDigestStep{cfg: cfg},
	}
}

const hashDigestInputSchema = `{
  "type": "object",
  "properties": {
    "data": {"type": "string"},
    "file": {"type": "string"},
    "algorithm": {"type": "string", "enum": ["sha256","sha512","sha384","sha1","md5"], "default": "sha256"},
    "hmac_key": {"type": "string"}
  }
}`

const hashDigestOutputSchema = `{
  "type": "object",
  "properties": {
    "output": {"type": "string", "description": "hex-encoded digest"},
    "algorithm": {"type": "string"},
    "size": {"type": "integer"}
  }
}`

// hashFunc returns a new hash.Hash constructor for the given algorithm name.
func hashFunc(algorithm string) (func() hash.Hash, error) {
	switch algorithm {
	case "sha256":
		return sha256.New, nil
	case "sha512":
		return sha512.New, nil
	case "sha384":
		return sha512.New384, nil
	case "sha1":
		return sha1.New, nil
	case "md5":
		return md5.New, nil
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "hash.digest: unsupported algorithm %q", algorithm)
	}
}

// --- hash.digest ---

type hashDigestStep struct{ cfg FSConfig }

func (s *hashDigestStep) Name() string { return "hash.digest" }

func (s *hashDigestStep) Schema() StepSchema {
	return StepSchema{
		Description:  "Compute a cryptographic digest of inline data or a file, optionally keyed (HMAC)",
		InputSchema:  json.RawMessage(hashDigestInputSchema),
		OutputSchema: json.RawMessage(hashDigestOutputSchema),
	}
}

func (s *hashDigestStep) Validate(params map[string]any) error {
	_, hasData := params["data"].(string)
	file := stringParam(params, "file", "")
	if !hasData && file == "" {
		return schema.NewError(schema.ErrCodeValidation, "hash.digest: requires either 'data' or 'file'")
	}
	if hasData && file != "" {
		return schema.NewError(schema.ErrCodeValidation, "hash.digest: 'data' and 'file' are mutually exclusive")
	}
	algorithm := stringParam(params, "algorithm", "sha256")
	_, err := hashFunc(algorithm)
	return err
}

func (s *hashDigestStep) Execute(_ context.Context, input StepInput) (*schema.StepResult, error) {
	params := input.Params
	if params == nil {
		params = map[string]any{}
	}

	if err := s.Validate(params); err != nil {
		return nil, err
	}

	algorithm := stringParam(params, "algorithm", "sha256")
	newHash, err := hashFunc(algorithm)
	if err != nil {
		return nil, err
	}

	var h hash.Hash
	if key := stringParam(params, "hmac_key", ""); key != "" {
		h = hmac.New(newHash, []byte(key))
	} else {
		h = newHash()
	}

	var size int64
	if data, ok := params["data"].(string); ok {
		n, _ := io.WriteString(h, data)
		size = int64(n)
	} else {
		path, err := s.cfg.Policy.Resolve(input.WorkDir, stringParam(params, "file", ""), PathAccessRead)
		if err != nil {
			return nil, err
		}
		f, err := os.Open(path)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStepExecution, "hash.digest: %v", err).WithCause(err)
		}
		defer f.Close()
		size, err = io.Copy(h, f)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStepExecution, "hash.digest: failed to read file: %v", err).WithCause(err)
		}
	}

	return schema.NewStepResult(hex.EncodeToString(h.Sum(nil))).
		WithExtra("algorithm", algorithm).
		WithExtra("size", size), nil
}

package steps

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/vantle/stepflow/pkg/schema"
)

const defaultMaxReadSize = 50 * 1024 * 1024 // 50MB

// FSConfig configures the filesystem steps.
type FSConfig struct {
	Policy      PathPolicy
	MaxReadSize int64
}

// FSSteps returns all filesystem-related steps.
func FSSteps(cfg FSConfig) []Step {
	if cfg.MaxReadSize <= 0 {
		cfg.MaxReadSize = defaultMaxReadSize
	}
	return []Step{
		&fsReadStep{cfg: cfg},
		&fsWriteStep{cfg: cfg},
		&fsCopyStep{cfg: cfg},
		&fsListStep{cfg: cfg},
	}
}

// isBinary checks if data contains null bytes (binary detection heuristic).
func isBinary(data []byte) bool {
	check := data
	if len(check) > 8192 {
		check = check[:8192]
	}
	for _, b := range check {
		if b == 0 {
			return true
		}
	}
	return false
}

// --- JSON Schemas ---

const fsReadInputSchema = `{
  "type": "object",
  "properties": {
    "path": {"type": "string"},
    "encoding": {"type": "string", "enum": ["text","base64","auto"], "default": "auto"}
  },
  "required": ["path"]
}`

const fsReadOutputSchema = `{
  "type": "object",
  "properties": {
    "output": {"type": "string", "description": "file contents"},
    "path": {"type": "string"},
    "encoding": {"type": "string"},
    "size": {"type": "integer"}
  }
}`

const fsWriteInputSchema = `{
  "type": "object",
  "properties": {
    "path": {"type": "string"},
    "content": {},
    "create_dirs": {"type": "boolean", "default": false},
    "mode": {"type": "integer", "default": 420}
  },
  "required": ["path", "content"]
}`

const fsWriteOutputSchema = `{
  "type": "object",
  "properties": {
    "output": {"type": "string", "description": "absolute path written"},
    "size": {"type": "integer"}
  }
}`

const fsCopyInputSchema = `{
  "type": "object",
  "properties": {
    "src": {"type": "string"},
    "dst": {"type": "string"},
    "create_dirs": {"type": "boolean", "default": false}
  },
  "required": ["src", "dst"]
}`

const fsCopyOutputSchema = `{
  "type": "object",
  "properties": {
    "output": {"type": "string", "description": "absolute destination path"},
    "src": {"type": "string"},
    "size": {"type": "integer"},
    "is_dir": {"type": "boolean"}
  }
}`

const fsListInputSchema = `{
  "type": "object",
  "properties": {
    "path": {"type": "string"},
    "pattern": {"type": "string"},
    "recursive": {"type": "boolean", "default": false}
  },
  "required": ["path"]
}`

const fsListOutputSchema = `{
  "type": "object",
  "properties": {
    "output": {
      "type": "array",
      "items": {
        "type": "object",
        "properties": {
          "name": {"type": "string"},
          "path": {"type": "string"},
          "size": {"type": "integer"},
          "modified_at": {"type": "string"},
          "is_dir": {"type": "boolean"}
        }
      }
    },
    "path": {"type": "string"},
    "count": {"type": "integer"}
  }
}`

// --- fs.read ---

type fsReadStep struct{ cfg FSConfig }

func (s *fsReadStep) Name() string { return "fs.read" }

func (s *fsReadStep) Schema() StepSchema {
	return StepSchema{
		Description:  "Read the contents of a file",
		InputSchema:  json.RawMessage(fsReadInputSchema),
		OutputSchema: json.RawMessage(fsReadOutputSchema),
	}
}

func (s *fsReadStep) Validate(params map[string]any) error {
	if stringParam(params, "path", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "fs.read: missing required param 'path'")
	}
	enc := stringParam(params, "encoding", "auto")
	if enc != "text" && enc != "base64" && enc != "auto" {
		return schema.NewErrorf(schema.ErrCodeValidation, "fs.read: invalid encoding %q", enc)
	}
	return nil
}

func (s *fsReadStep) Execute(_ context.Context, input StepInput) (*schema.StepResult, error) {
	params := input.Params
	if params == nil {
		params = map[string]any{}
	}

	if err := s.Validate(params); err != nil {
		return nil, err
	}

	path, err := s.cfg.Policy.Resolve(input.WorkDir, stringParam(params, "path", ""), PathAccessRead)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStepExecution, "fs.read: %v", err).WithCause(err)
	}
	defer f.Close()

	data, err := io.ReadAll(io.LimitReader(f, s.cfg.MaxReadSize))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStepExecution, "fs.read: failed to read file: %v", err).WithCause(err)
	}

	enc := stringParam(params, "encoding", "auto")
	if enc == "auto" {
		if isBinary(data) {
			enc = "base64"
		} else {
			enc = "text"
		}
	}

	var content string
	if enc == "base64" {
		content = base64.StdEncoding.EncodeToString(data)
	} else {
		content = string(data)
	}

	return schema.NewStepResult(content).
		WithExtra("path", path).
		WithExtra("encoding", enc).
		WithExtra("size", len(data)), nil
}

// --- fs.write ---

type fsWriteStep struct{ cfg FSConfig }

func (s *fsWriteStep) Name() string { return "fs.write" }

func (s *fsWriteStep) Schema() StepSchema {
	return StepSchema{
		Description:  "Write content to a file, creating or overwriting it. Non-string content is written as indented JSON.",
		InputSchema:  json.RawMessage(fsWriteInputSchema),
		OutputSchema: json.RawMessage(fsWriteOutputSchema),
	}
}

func (s *fsWriteStep) Validate(params map[string]any) error {
	if stringParam(params, "path", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "fs.write: missing required param 'path'")
	}
	if _, ok := params["content"]; !ok {
		return schema.NewError(schema.ErrCodeValidation, "fs.write: missing required param 'content'")
	}
	return nil
}

func (s *fsWriteStep) Execute(_ context.Context, input StepInput) (*schema.StepResult, error) {
	params := input.Params
	if params == nil {
		params = map[string]any{}
	}

	if err := s.Validate(params); err != nil {
		return nil, err
	}

	path, err := s.cfg.Policy.Resolve(input.WorkDir, stringParam(params, "path", ""), PathAccessWrite)
	if err != nil {
		return nil, err
	}

	var data []byte
	switch content := params["content"].(type) {
	case string:
		data = []byte(content)
	default:
		// Step results referenced into content arrive as maps and lists;
		// persist them as readable JSON.
		b, err := json.MarshalIndent(content, "", "  ")
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStepExecution, "fs.write: failed to encode content: %v", err).WithCause(err)
		}
		data = b
	}

	fileMode := os.FileMode(intParam(params, "mode", 0644))

	if boolParam(params, "create_dirs", false) {
		dir := filepath.Dir(path)
		if _, err := s.cfg.Policy.Resolve(input.WorkDir, dir, PathAccessWrite); err != nil {
			return nil, err
		}
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStepExecution, "fs.write: failed to create directories: %v", err).WithCause(err)
		}
	}

	if err := os.WriteFile(path, data, fileMode); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStepExecution, "fs.write: %v", err).WithCause(err)
	}

	return schema.NewStepResult(path).
		WithExtra("size", len(data)), nil
}

// --- fs.copy ---

type fsCopyStep struct{ cfg FSConfig }

func (s *fsCopyStep) Name() string { return "fs.copy" }

func (s *fsCopyStep) Schema() StepSchema {
	return StepSchema{
		Description:  "Copy a file or directory to a new location",
		InputSchema:  json.RawMessage(fsCopyInputSchema),
		OutputSchema: json.RawMessage(fsCopyOutputSchema),
	}
}

func (s *fsCopyStep) Validate(params map[string]any) error {
	if stringParam(params, "src", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "fs.copy: missing required param 'src'")
	}
	if stringParam(params, "dst", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "fs.copy: missing required param 'dst'")
	}
	return nil
}

func (s *fsCopyStep) Execute(_ context.Context, input StepInput) (*schema.StepResult, error) {
	params := input.Params
	if params == nil {
		params = map[string]any{}
	}

	if err := s.Validate(params); err != nil {
		return nil, err
	}

	src, err := s.cfg.Policy.Resolve(input.WorkDir, stringParam(params, "src", ""), PathAccessRead)
	if err != nil {
		return nil, err
	}
	dst, err := s.cfg.Policy.Resolve(input.WorkDir, stringParam(params, "dst", ""), PathAccessWrite)
	if err != nil {
		return nil, err
	}

	if boolParam(params, "create_dirs", false) {
		dstDir := filepath.Dir(dst)
		if _, err := s.cfg.Policy.Resolve(input.WorkDir, dstDir, PathAccessWrite); err != nil {
			return nil, err
		}
		if err := os.MkdirAll(dstDir, 0755); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStepExecution, "fs.copy: failed to create directories: %v", err).WithCause(err)
		}
	}

	srcInfo, err := os.Stat(src)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStepExecution, "fs.copy: %v", err).WithCause(err)
	}

	var totalSize int64
	if srcInfo.IsDir() {
		totalSize, err = copyDir(src, dst)
	} else {
		totalSize, err = copyFile(src, dst, srcInfo.Mode())
	}
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeStepExecution, "fs.copy: %v", err).WithCause(err)
	}

	return schema.NewStepResult(dst).
		WithExtra("src", src).
		WithExtra("size", totalSize).
		WithExtra("is_dir", srcInfo.IsDir()), nil
}

// copyFile copies a single file from src to dst, preserving the given file mode.
func copyFile(src, dst string, mode os.FileMode) (int64, error) {
	srcFile, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer srcFile.Close()

	dstFile, err := os.OpenFile(dst, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return 0, err
	}
	defer dstFile.Close()

	n, err := io.Copy(dstFile, srcFile)
	if err != nil {
		return 0, err
	}
	return n, nil
}

// copyDir recursively copies a directory from src to dst.
func copyDir(src, dst string) (int64, error) {
	var totalSize int64

	return totalSize, filepath.WalkDir(src, func(p string, d fs.DirEntry, walkErr error) error {
		if walkErr != nil {
			return walkErr
		}

		rel, err := filepath.Rel(src, p)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)

		if d.IsDir() {
			return os.MkdirAll(target, 0755)
		}

		info, err := d.Info()
		if err != nil {
			return err
		}

		n, err := copyFile(p, target, info.Mode())
		if err != nil {
			return err
		}
		totalSize += n
		return nil
	})
}

// --- fs.list ---

type fsListStep struct{ cfg FSConfig }

func (s *fsListStep) Name() string { return "fs.list" }

func (s *fsListStep) Schema() StepSchema {
	return StepSchema{
		Description:  "List files and directories in a path, optionally filtered by glob pattern",
		InputSchema:  json.RawMessage(fsListInputSchema),
		OutputSchema: json.RawMessage(fsListOutputSchema),
	}
}

func (s *fsListStep) Validate(params map[string]any) error {
	if stringParam(params, "path", "") == "" {
		return schema.NewError(schema.ErrCodeValidation, "fs.list: missing required param 'path'")
	}
	return nil
}

func (s *fsListStep) Execute(_ context.Context, input StepInput) (*schema.StepResult, error) {
	params := input.Params
	if params == nil {
		params = map[string]any{}
	}

	if err := s.Validate(params); err != nil {
		return nil, err
	}

	path, err := s.cfg.Policy.Resolve(input.WorkDir, stringParam(params, "path", ""), PathAccessRead)
	if err != nil {
		return nil, err
	}

	pattern := stringParam(params, "pattern", "")
	recursive := boolParam(params, "recursive", false)

	var entries []map[string]any

	if recursive {
		err = filepath.WalkDir(path, func(p string, d fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}
			if p == path {
				return nil
			}
			if pattern != "" {
				matched, matchErr := filepath.Match(pattern, d.Name())
				if matchErr != nil {
					return schema.NewErrorf(schema.ErrCodeValidation, "fs.list: invalid pattern %q: %v", pattern, matchErr)
				}
				if !matched {
					return nil
				}
			}
			info, infoErr := d.Info()
			if infoErr != nil {
				return infoErr
			}
			entries = append(entries, listEntry(d.Name(), p, info))
			return nil
		})
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStepExecution, "fs.list: %v", err).WithCause(err)
		}
	} else if pattern != "" {
		matches, globErr := filepath.Glob(filepath.Join(path, pattern))
		if globErr != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation, "fs.list: invalid pattern %q: %v", pattern, globErr)
		}
		for _, m := range matches {
			info, infoErr := os.Stat(m)
			if infoErr != nil {
				continue
			}
			entries = append(entries, listEntry(filepath.Base(m), m, info))
		}
	} else {
		dirEntries, readErr := os.ReadDir(path)
		if readErr != nil {
			return nil, schema.NewErrorf(schema.ErrCodeStepExecution, "fs.list: %v", readErr).WithCause(readErr)
		}
		for _, d := range dirEntries {
			info, infoErr := d.Info()
			if infoErr != nil {
				continue
			}
			entries = append(entries, listEntry(d.Name(), filepath.Join(path, d.Name()), info))
		}
	}

	if entries == nil {
		entries = []map[string]any{}
	}

	out := make([]any, len(entries))
	for i, e := range entries {
		out[i] = e
	}

	return schema.NewStepResult(out).
		WithExtra("path", path).
		WithExtra("count", len(entries)), nil
}

func listEntry(name, path string, info fs.FileInfo) map[string]any {
	return map[string]any{
		"name":        name,
		"path":        path,
		"size":        info.Size(),
		"modified_at": info.ModTime().UTC().Format(time.RFC3339),
		"is_dir":      info.IsDir(),
		"permissions": fmt.Sprintf("%04o", info.Mode().Perm()),
	}
}

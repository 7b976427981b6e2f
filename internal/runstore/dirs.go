// Package runstore manages per-run directories: a namespace directory per run
// holding the durable run record, a verbatim copy of the definition document,
// and an artifacts directory for step outputs. Records are plain YAML and
// deliberately hand-editable; everything here tolerates operator edits.
package runstore

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/vantle/stepflow/internal/validation"
	"github.com/vantle/stepflow/pkg/schema"
)

const (
	recordFileName     = "run.yaml"
	definitionFileName = "definition.yaml"
	artifactsDirName   = "artifacts"
	lockFileName       = ".lock"
	tmpSuffix          = ".tmp"
)

// runIDPattern keeps ids path-safe: no separators, no leading dots.
var runIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9._-]*$`)

// ValidateRunID rejects ids that could escape the store root or produce
// unusable directory names.
func ValidateRunID(id string) error {
	if id == "" {
		return schema.NewError(schema.ErrCodeValidation, "run id is empty")
	}
	if len(id) > 128 {
		return schema.NewErrorf(schema.ErrCodeValidation, "run id %q exceeds 128 characters", id)
	}
	if !runIDPattern.MatchString(id) {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"run id %q is invalid: must start with a letter or digit and contain only letters, digits, '.', '_', '-'", id)
	}
	return nil
}

// NewRunID generates a run id from the pipeline name, a UTC timestamp, and a
// short random suffix, e.g. "nightly-encode-20260825-143502-ab12cd34".
func NewRunID(pipeline string) string {
	slug := slugify(pipeline)
	if slug == "" {
		slug = "run"
	}
	stamp := time.Now().UTC().Format("20060102-150405")
	return fmt.Sprintf("%s-%s-%s", slug, stamp, uuid.NewString()[:8])
}

// slugify lowercases and maps everything outside [a-z0-9] to '-', collapsing
// repeats and trimming the ends.
func slugify(name string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.Trim(b.String(), "-")
}

// Store manages run directories under one root. Multiple Store values may
// point at the same root; coordination between processes is per-run via
// advisory locks, not per-store.
type Store struct {
	root      string
	validator *validation.JSONSchemaValidator
}

// New creates a Store rooted at dir, creating the root if needed.
func New(root string, validator *validation.JSONSchemaValidator) (*Store, error) {
	if root == "" {
		return nil, schema.NewError(schema.ErrCodeValidation, "run store root is empty")
	}
	if validator == nil {
		return nil, schema.NewError(schema.ErrCodeValidation, "run store requires a validator")
	}
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodePersistence, "create run store root %s: %v", root, err).WithCause(err)
	}
	return &Store{root: root, validator: validator}, nil
}

// Root returns the store's root directory.
func (s *Store) Root() string { return s.root }

// Exists reports whether a run directory for the given id is present.
func (s *Store) Exists(runID string) bool {
	if err := ValidateRunID(runID); err != nil {
		return false
	}
	info, err := os.Stat(filepath.Join(s.root, runID))
	return err == nil && info.IsDir()
}

// Create allocates the run's namespace directory: <root>/<run-id>/ with an
// artifacts/ subdirectory and a verbatim copy of the definition document.
// An existing directory is a collision unless overwrite is set, in which case
// the old run is removed first.
func (s *Store) Create(runID string, definitionDoc []byte, overwrite bool) (*RunDir, error) {
	if err := ValidateRunID(runID); err != nil {
		return nil, err
	}

	dir := filepath.Join(s.root, runID)
	if _, err := os.Stat(dir); err == nil {
		if !overwrite {
			return nil, schema.NewErrorf(schema.ErrCodeConflict,
				"run %q already exists at %s", runID, dir)
		}
		if err := os.RemoveAll(dir); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodePersistence,
				"remove existing run directory %s: %v", dir, err).WithCause(err)
		}
	}

	if err := os.MkdirAll(filepath.Join(dir, artifactsDirName), 0755); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodePersistence,
			"create run directory %s: %v", dir, err).WithCause(err)
	}

	if len(definitionDoc) > 0 {
		defPath := filepath.Join(dir, definitionFileName)
		if err := os.WriteFile(defPath, definitionDoc, 0644); err != nil {
			return nil, schema.NewErrorf(schema.ErrCodePersistence,
				"copy definition into %s: %v", dir, err).WithCause(err)
		}
	}

	return &RunDir{id: runID, dir: dir, validator: s.validator}, nil
}

// Open returns the RunDir for an existing run.
func (s *Store) Open(runID string) (*RunDir, error) {
	if err := ValidateRunID(runID); err != nil {
		return nil, err
	}
	dir := filepath.Join(s.root, runID)
	info, err := os.Stat(dir)
	if err != nil || !info.IsDir() {
		return nil, schema.NewErrorf(schema.ErrCodeNotFound, "run %q not found under %s", runID, s.root)
	}
	return &RunDir{id: runID, dir: dir, validator: s.validator}, nil
}

// List returns the ids of all runs under the root that have a persisted
// record, sorted lexically. The run index serves richer listings; this is the
// ground truth scan that survives index loss.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodePersistence, "read run store root %s: %v", s.root, err).WithCause(err)
	}

	var ids []string
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		recordPath := filepath.Join(s.root, e.Name(), recordFileName)
		if _, err := os.Stat(recordPath); err == nil {
			ids = append(ids, e.Name())
			continue
		}
		// A run that crashed between temp write and rename still counts.
		if _, err := os.Stat(recordPath + tmpSuffix); err == nil {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// RunDir is one run's namespace directory.
type RunDir struct {
	id        string
	dir       string
	validator *validation.JSONSchemaValidator
}

// ID returns the run id.
func (d *RunDir) ID() string { return d.id }

// Dir returns the absolute run directory path.
func (d *RunDir) Dir() string { return d.dir }

// RecordPath returns the path of the persisted run record.
func (d *RunDir) RecordPath() string { return filepath.Join(d.dir, recordFileName) }

// DefinitionPath returns the path of the verbatim definition copy.
func (d *RunDir) DefinitionPath() string { return filepath.Join(d.dir, definitionFileName) }

// ArtifactsDir returns the directory where step outputs land; steps receive
// it as their working directory.
func (d *RunDir) ArtifactsDir() string { return filepath.Join(d.dir, artifactsDirName) }

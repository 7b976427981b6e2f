package steps

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/vantle/stepflow/pkg/schema"
)

// PathPolicy constrains where filesystem and shell steps may read and write.
// Relative paths always resolve against the run's working directory, so a
// definition that sticks to relative paths stays inside its own run namespace.
// Empty allow lists mean unrestricted absolute access; DenyPaths always win.
type PathPolicy struct {
	ReadPaths  []string `json:"read_paths,omitempty" yaml:"read_paths,omitempty"`
	WritePaths []string `json:"write_paths,omitempty" yaml:"write_paths,omitempty"`
	DenyPaths  []string `json:"deny_paths,omitempty" yaml:"deny_paths,omitempty"`
}

// PathAccess indicates the type of filesystem access being requested.
type PathAccess int

const (
	PathAccessRead PathAccess = iota
	PathAccessWrite
)

// Resolve turns a step-supplied path into an absolute one rooted at workDir
// and checks it against the policy. The returned path has symlinks on its
// existing ancestors resolved, so confinement cannot be escaped by linking
// out of an allowed directory.
func (p PathPolicy) Resolve(workDir, path string, mode PathAccess) (string, error) {
	if path == "" {
		return "", schema.NewError(schema.ErrCodeValidation, "path is empty")
	}
	if !filepath.IsAbs(path) && workDir != "" {
		path = filepath.Join(workDir, path)
	}

	clean, err := resolveCleanPath(path)
	if err != nil {
		return "", schema.NewErrorf(schema.ErrCodePathDenied, "invalid path %q: %v", path, err)
	}

	// Deny list always wins. Fail-closed: invalid deny rule denies access.
	for _, deny := range p.DenyPaths {
		base, err := resolveCleanPath(deny)
		if err != nil {
			return "", schema.NewErrorf(schema.ErrCodePathDenied,
				"path %q denied: invalid deny rule %q: %v", path, deny, err)
		}
		if isUnderPath(clean, base) {
			return "", schema.NewErrorf(schema.ErrCodePathDenied, "path %q is denied", path)
		}
	}

	// The run's own directory is always fair game.
	if workDir != "" {
		if wd, err := resolveCleanPath(workDir); err == nil && isUnderPath(clean, wd) {
			return clean, nil
		}
	}

	hasRead := len(p.ReadPaths) > 0
	hasWrite := len(p.WritePaths) > 0
	if !hasRead && !hasWrite {
		return clean, nil
	}

	switch mode {
	case PathAccessWrite:
		if !hasWrite {
			return "", schema.NewErrorf(schema.ErrCodePathDenied,
				"write access to %q denied: no writable paths configured", path)
		}
		if underAny(clean, p.WritePaths) {
			return clean, nil
		}
		return "", schema.NewErrorf(schema.ErrCodePathDenied,
			"write access to %q denied: not under any writable path", path)

	default:
		// Writable paths are implicitly readable.
		if underAny(clean, p.ReadPaths) || underAny(clean, p.WritePaths) {
			return clean, nil
		}
		return "", schema.NewErrorf(schema.ErrCodePathDenied,
			"read access to %q denied: not under any allowed path", path)
	}
}

// underAny reports whether clean sits under at least one valid base in bases.
// Invalid allow entries are skipped; they cannot grant access.
func underAny(clean string, bases []string) bool {
	for _, b := range bases {
		base, err := resolveCleanPath(b)
		if err != nil {
			continue
		}
		if isUnderPath(clean, base) {
			return true
		}
	}
	return false
}

// resolveCleanPath cleans and resolves a path to absolute. Walks up ancestors
// to resolve symlinks on the longest existing prefix, so even paths that do
// not exist yet (new output files) resolve consistently.
func resolveCleanPath(path string) (string, error) {
	if strings.ContainsRune(path, 0) {
		return "", fmt.Errorf("path contains null byte")
	}

	abs, err := filepath.Abs(filepath.Clean(path))
	if err != nil {
		return "", err
	}

	if resolved, err := filepath.EvalSymlinks(abs); err == nil {
		return resolved, nil
	}
	return resolveAncestor(abs), nil
}

// resolveAncestor walks up from path until it finds an existing directory,
// resolves symlinks on that ancestor, and re-appends the unresolved suffix.
func resolveAncestor(path string) string {
	dir := path
	for range 256 {
		parent := filepath.Dir(dir)
		if parent == dir {
			break // reached root
		}
		resolved, err := filepath.EvalSymlinks(parent)
		if err == nil {
			rel, err := filepath.Rel(parent, path)
			if err != nil {
				return path
			}
			return filepath.Join(resolved, rel)
		}
		dir = parent
	}
	return path
}

// isUnderPath returns true if path is under (or equal to) the base directory.
// Uses filepath.Rel to avoid string-prefix false positives (/tmp vs /tmpevil).
func isUnderPath(path, base string) bool {
	if path == base {
		return true
	}
	rel, err := filepath.Rel(base, path)
	if err != nil {
		return false
	}
	return !strings.HasPrefix(rel, "..")
}

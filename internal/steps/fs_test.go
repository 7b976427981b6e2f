package steps

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vantle/stepflow/pkg/schema"
)

func findFSStep(t *testing.T, cfg FSConfig, name string) Step {
	t.Helper()
	for _, s := range FSSteps(cfg) {
		if s.Name() == name {
			return s
		}
	}
	t.Fatalf("%s step not found", name)
	return nil
}

func runFS(t *testing.T, name, workDir string, params map[string]any) (*schema.StepResult, error) {
	t.Helper()
	s := findFSStep(t, FSConfig{}, name)
	return s.Execute(context.Background(), StepInput{Params: params, WorkDir: workDir})
}

// --- fs.read ---

func TestFSRead_Text(t *testing.T) {
	workDir := t.TempDir()
	path := filepath.Join(workDir, "hello.txt")
	require.NoError(t, os.WriteFile(path, []byte("hello world"), 0644))

	res, err := runFS(t, "fs.read", workDir, map[string]any{"path": "hello.txt"})
	require.NoError(t, err)
	assert.Equal(t, "hello world", res.Output)
	assert.Equal(t, "text", res.Extra["encoding"])
	assert.Equal(t, 11, res.Extra["size"])
}

func TestFSRead_BinaryAutoBase64(t *testing.T) {
	workDir := t.TempDir()
	raw := []byte{0x89, 0x50, 0x4e, 0x47, 0x00, 0x01}
	require.NoError(t, os.WriteFile(filepath.Join(workDir, "img.png"), raw, 0644))

	res, err := runFS(t, "fs.read", workDir, map[string]any{"path": "img.png"})
	require.NoError(t, err)
	assert.Equal(t, "base64", res.Extra["encoding"])
	assert.Equal(t, base64.StdEncoding.EncodeToString(raw), res.Output)
}

func TestFSRead_ExplicitBase64(t *testing.T) {
	workDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(workDir, "a.txt"), []byte("abc"), 0644))

	res, err := runFS(t, "fs.read", workDir, map[string]any{"path": "a.txt", "encoding": "base64"})
	require.NoError(t, err)
	assert.Equal(t, "YWJj", res.Output)
}

func TestFSRead_MissingFile(t *testing.T) {
	_, err := runFS(t, "fs.read", t.TempDir(), map[string]any{"path": "ghost.txt"})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeStepExecution, schema.CodeOf(err))
}

func TestFSRead_InvalidEncoding(t *testing.T) {
	_, err := runFS(t, "fs.read", t.TempDir(), map[string]any{"path": "a.txt", "encoding": "hex"})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestFSRead_MaxReadSize(t *testing.T) {
	workDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(workDir, "big.txt"), make([]byte, 1024), 0644))

	s := findFSStep(t, FSConfig{MaxReadSize: 16}, "fs.read")
	res, err := s.Execute(context.Background(), StepInput{
		Params:  map[string]any{"path": "big.txt", "encoding": "base64"},
		WorkDir: workDir,
	})
	require.NoError(t, err)
	assert.Equal(t, 16, res.Extra["size"])
}

// --- fs.write ---

func TestFSWrite_String(t *testing.T) {
	workDir := t.TempDir()

	res, err := runFS(t, "fs.write", workDir, map[string]any{
		"path":    "out.txt",
		"content": "rendered frames: 120",
	})
	require.NoError(t, err)

	written := res.Output.(string)
	data, err := os.ReadFile(written)
	require.NoError(t, err)
	assert.Equal(t, "rendered frames: 120", string(data))
	assert.Equal(t, 20, res.Extra["size"])
}

func TestFSWrite_StructuredContentAsJSON(t *testing.T) {
	workDir := t.TempDir()

	res, err := runFS(t, "fs.write", workDir, map[string]any{
		"path":    "meta.json",
		"content": map[string]any{"fps": 24, "codec": "h264"},
	})
	require.NoError(t, err)

	data, err := os.ReadFile(res.Output.(string))
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(data, &m))
	assert.Equal(t, float64(24), m["fps"])
	assert.Equal(t, "h264", m["codec"])
}

func TestFSWrite_CreateDirs(t *testing.T) {
	workDir := t.TempDir()

	_, err := runFS(t, "fs.write", workDir, map[string]any{
		"path":        "reports/daily/summary.txt",
		"content":     "ok",
		"create_dirs": true,
	})
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(workDir, "reports", "daily", "summary.txt"))
	require.NoError(t, err)
}

func TestFSWrite_MissingDirsFails(t *testing.T) {
	_, err := runFS(t, "fs.write", t.TempDir(), map[string]any{
		"path":    "missing/dir/out.txt",
		"content": "x",
	})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeStepExecution, schema.CodeOf(err))
}

func TestFSWrite_MissingContent(t *testing.T) {
	_, err := runFS(t, "fs.write", t.TempDir(), map[string]any{"path": "out.txt"})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeValidation, schema.CodeOf(err))
}

func TestFSWrite_PolicyDenied(t *testing.T) {
	workDir := t.TempDir()
	s := findFSStep(t, FSConfig{Policy: PathPolicy{DenyPaths: []string{workDir}}}, "fs.write")

	_, err := s.Execute(context.Background(), StepInput{
		Params:  map[string]any{"path": "out.txt", "content": "x"},
		WorkDir: workDir,
	})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodePathDenied, schema.CodeOf(err))
}

// --- fs.copy ---

func TestFSCopy_File(t *testing.T) {
	workDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(workDir, "src.bin"), []byte("payload"), 0644))

	res, err := runFS(t, "fs.copy", workDir, map[string]any{"src": "src.bin", "dst": "dst.bin"})
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(workDir, "dst.bin"))
	require.NoError(t, err)
	assert.Equal(t, "payload", string(data))
	assert.Equal(t, int64(7), res.Extra["size"])
	assert.Equal(t, false, res.Extra["is_dir"])
}

func TestFSCopy_Directory(t *testing.T) {
	workDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(workDir, "frames", "sub"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(workDir, "frames", "a.png"), []byte("aa"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(workDir, "frames", "sub", "b.png"), []byte("bbb"), 0644))

	res, err := runFS(t, "fs.copy", workDir, map[string]any{"src": "frames", "dst": "backup"})
	require.NoError(t, err)
	assert.Equal(t, true, res.Extra["is_dir"])

	data, err := os.ReadFile(filepath.Join(workDir, "backup", "sub", "b.png"))
	require.NoError(t, err)
	assert.Equal(t, "bbb", string(data))
}

func TestFSCopy_MissingSource(t *testing.T) {
	_, err := runFS(t, "fs.copy", t.TempDir(), map[string]any{"src": "nope", "dst": "d"})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeStepExecution, schema.CodeOf(err))
}

// --- fs.list ---

func TestFSList_Flat(t *testing.T) {
	workDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(workDir, "a.txt"), []byte("1"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(workDir, "b.txt"), []byte("22"), 0644))

	res, err := runFS(t, "fs.list", workDir, map[string]any{"path": "."})
	require.NoError(t, err)

	entries := res.Output.([]any)
	require.Len(t, entries, 2)
	assert.Equal(t, 2, res.Extra["count"])

	first := entries[0].(map[string]any)
	assert.Contains(t, []string{"a.txt", "b.txt"}, first["name"])
	assert.NotEmpty(t, first["modified_at"])
}

func TestFSList_Pattern(t *testing.T) {
	workDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(workDir, "f1.png"), []byte("x"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(workDir, "f2.png"), []byte("x"), 0644))
	require.NoError(t, os.WriteFile(filepath.Join(workDir, "notes.txt"), []byte("x"), 0644))

	res, err := runFS(t, "fs.list", workDir, map[string]any{"path": ".", "pattern": "*.png"})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Extra["count"])
}

func TestFSList_Recursive(t *testing.T) {
	workDir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(workDir, "nested"), 0755))
	require.NoError(t, os.WriteFile(filepath.Join(workDir, "nested", "deep.txt"), []byte("x"), 0644))

	res, err := runFS(t, "fs.list", workDir, map[string]any{"path": ".", "recursive": true})
	require.NoError(t, err)

	names := make([]string, 0)
	for _, e := range res.Output.([]any) {
		names = append(names, e.(map[string]any)["name"].(string))
	}
	assert.Contains(t, names, "nested")
	assert.Contains(t, names, "deep.txt")
}

func TestFSList_EmptyDir(t *testing.T) {
	res, err := runFS(t, "fs.list", t.TempDir(), map[string]any{"path": "."})
	require.NoError(t, err)
	assert.Empty(t, res.Output)
	assert.Equal(t, 0, res.Extra["count"])
}

func TestFSList_MissingPath(t *testing.T) {
	_, err := runFS(t, "fs.list", t.TempDir(), map[string]any{"path": "ghost"})
	require.Error(t, err)
	assert.Equal(t, schema.ErrCodeStepExecution, schema.CodeOf(err))
}

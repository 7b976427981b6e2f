package steps

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/vantle/stepflow/pkg/schema"
)

const (
	defaultShellTimeout  = 10 * time.Minute
	defaultMaxOutputSize = 10 * 1024 * 1024 // 10MB
)

// ShellConfig configures the shell.run step.
type ShellConfig struct {
	Policy         PathPolicy
	DefaultTimeout time.Duration
	MaxOutputSize  int64
}

// ShellSteps returns all shell-related steps.
func ShellSteps(cfg ShellConfig) []Step {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = defaultShellTimeout
	}
	if cfg.MaxOutputSize <= 0 {
		cfg.MaxOutputSize = defaultMaxOutputSize
	}
	return []Step{
		&shellRunStep{cfg: cfg},
	}
}

// --- JSON Schemas ---

const shellRunInputSchema = `{
  "type": "object",
  "properties": {
    "command": {"type": "string"},
    "args": {"type": "array", "items": {"type": "string"}},
    "env": {"type": "object", "additionalProperties": {"type": "string"}},
    "cwd": {"type": "string"},
    "stdin": {"type": "string"},
    "timeout": {"type": "string"},
    "shell": {"type": "boolean", "default": true},
    "check": {"type": "boolean", "default": true}
  },
  "required": ["command"]
}`

const shellRunOutputSchema = `{
  "type": "object",
  "properties": {
    "output": {"description": "stdout, auto-parsed JSON if valid, raw string otherwise"},
    "stdout_raw": {"type": "string", "description": "always the raw string output"},
    "stderr": {"type": "string"},
    "exit_code": {"type": "integer"},
    "duration_ms": {"type": "integer"},
    "killed": {"type": "boolean"}
  }
}`

// --- Param helpers ---

func stringSliceParam(m map[string]any, key string) []string {
	v, ok := m[key]
	if !ok {
		return nil
	}
	arr, ok := v.([]any)
	if !ok {
		return nil
	}
	result := make([]string, 0, len(arr))
	for _, item := range arr {
		if s, ok := item.(string); ok {
			result = append(result, s)
		}
	}
	return result
}

func stringMapParam(m map[string]any, key string) map[string]string {
	v, ok := m[key]
	if !ok {
		return nil
	}
	raw, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	result := make(map[string]string, len(raw))
	for k, v := range raw {
		if s, ok := v.(string); ok {
			result[k] = s
		}
	}
	return result
}

// --- shell.run ---

type shellRunStep struct {
	cfg ShellConfig
}

func (s *shellRunStep) Name() string { return "shell.run" }

func (s *shellRunStep) Schema() StepSchema {
	return StepSchema{
		Description:  "Run a system command, capturing stdout, stderr, and exit code. A non-zero exit fails the step unless check is false.",
		InputSchema:  json.RawMessage(shellRunInputSchema),
		OutputSchema: json.RawMessage(shellRunOutputSchema),
	}
}

func (s *shellRunStep) Validate(params map[string]any) error {
	cmd := stringParam(params, "command", "")
	if cmd == "" {
		return schema.NewError(schema.ErrCodeValidation, "shell.run: missing required param 'command'")
	}
	return nil
}

func (s *shellRunStep) Execute(ctx context.Context, input StepInput) (*schema.StepResult, error) {
	params := input.Params
	if params == nil {
		params = map[string]any{}
	}

	if err := s.Validate(params); err != nil {
		return nil, err
	}

	command := stringParam(params, "command", "")
	args := stringSliceParam(params, "args")
	envMap := stringMapParam(params, "env")
	cwd := stringParam(params, "cwd", "")
	stdinStr := stringParam(params, "stdin", "")
	timeoutStr := stringParam(params, "timeout", "")
	shellMode := boolParam(params, "shell", true)
	check := boolParam(params, "check", true)

	// Commands run in the run's own directory unless cwd says otherwise.
	dir := input.WorkDir
	if cwd != "" {
		resolved, err := s.cfg.Policy.Resolve(input.WorkDir, cwd, PathAccessRead)
		if err != nil {
			return nil, err
		}
		dir = resolved
	}

	timeout := s.cfg.DefaultTimeout
	if timeoutStr != "" {
		if d, err := time.ParseDuration(timeoutStr); err == nil {
			timeout = d
		}
	}

	// Own the deadline so a kill is distinguishable from a plain failure.
	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var cmd *exec.Cmd
	if shellMode {
		// Definitions usually carry one interpolated command string; run it
		// through the shell so quoting and pipes behave as written.
		fullCmd := command
		if len(args) > 0 {
			fullCmd = command + " " + strings.Join(args, " ")
		}
		cmd = exec.CommandContext(execCtx, "/bin/sh", "-c", fullCmd)
	} else {
		cmd = exec.CommandContext(execCtx, command, args...)
	}

	if dir != "" {
		cmd.Dir = dir
	}

	if envMap != nil {
		cmd.Env = os.Environ()
		for k, v := range envMap {
			cmd.Env = append(cmd.Env, k+"="+v)
		}
	}

	if stdinStr != "" {
		cmd.Stdin = strings.NewReader(stdinStr)
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	cmd.Stdout = &limitedWriter{w: &stdoutBuf, limit: s.cfg.MaxOutputSize}
	cmd.Stderr = &limitedWriter{w: &stderrBuf, limit: s.cfg.MaxOutputSize}

	start := time.Now()
	runErr := cmd.Run()
	durationMs := time.Since(start).Milliseconds()

	exitCode := 0
	killed := false
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			// Command never ran (e.g. binary not found).
			return nil, schema.NewErrorf(schema.ErrCodeStepExecution, "shell.run: %v", runErr).WithCause(runErr)
		}
		if execCtx.Err() == context.DeadlineExceeded {
			killed = true
		}
	}

	stderrStr := stderrBuf.String()

	if check && killed {
		return nil, schema.NewErrorf(schema.ErrCodeStepExecution,
			"shell.run: command killed after %s timeout", timeout).
			WithDetails(map[string]any{"stderr": stderrStr, "exit_code": exitCode})
	}
	if check && exitCode != 0 {
		return nil, schema.NewErrorf(schema.ErrCodeStepExecution,
			"shell.run: command exited with code %d", exitCode).
			WithDetails(map[string]any{"stderr": stderrStr, "exit_code": exitCode})
	}

	// Auto-parse stdout if it's valid JSON so references reach into it
	// (mirrors http.fetch auto-parsing JSON bodies).
	stdoutStr := stdoutBuf.String()
	var parsedStdout any = stdoutStr
	if stdoutBuf.Len() > 0 && json.Valid(stdoutBuf.Bytes()) {
		var parsed any
		if err := json.Unmarshal(stdoutBuf.Bytes(), &parsed); err == nil {
			parsedStdout = parsed
		}
	}

	return schema.NewStepResult(parsedStdout).
		WithExtra("stdout_raw", stdoutStr).
		WithExtra("stderr", stderrStr).
		WithExtra("exit_code", exitCode).
		WithExtra("duration_ms", durationMs).
		WithExtra("killed", killed), nil
}

// --- limitedWriter ---

// limitedWriter wraps a writer and silently discards bytes beyond the limit.
// Write always reports the full len(p) consumed to prevent the subprocess
// from blocking on a full pipe.
type limitedWriter struct {
	w       io.Writer
	limit   int64
	written int64
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	total := len(p)
	remaining := lw.limit - lw.written
	if remaining <= 0 {
		return total, nil
	}
	if int64(len(p)) > remaining {
		p = p[:remaining]
	}
	n, err := lw.w.Write(p)
	lw.written += int64(n)
	if err != nil {
		return total, err
	}
	return total, nil
}

package builtin

import (
	"bytes"
	"context"
	stderrors "errors"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/archflow/archflow/pkg/errors"
	"github.com/archflow/archflow/pkg/tools"
)

const (
	// defaultShellTimeout bounds a single command.
	defaultShellTimeout = 30 * time.Second

	// defaultMaxOutputSize caps captured stdout/stderr each.
	defaultMaxOutputSize = 1 * 1024 * 1024

	truncationMarker = "\n[output truncated]"
)

// ShellTool executes a command with arguments. The command is run
// directly, never through a shell, so flows cannot inject pipelines or
// expansions. Output passes through the credential redactor before it
// reaches the run context.
type ShellTool struct {
	timeout         time.Duration
	workingDir      string
	allowedCommands []string
	maxOutputSize   int64
	redactor        *tools.Redactor
}

// NewShellTool returns a shell tool with the default timeout and no
// command restrictions.
func NewShellTool() *ShellTool {
	return &ShellTool{
		timeout:       defaultShellTimeout,
		maxOutputSize: defaultMaxOutputSize,
		redactor:      tools.NewRedactor(),
	}
}

// WithTimeout sets the per-command timeout.
func (t *ShellTool) WithTimeout(timeout time.Duration) *ShellTool {
	t.timeout = timeout
	return t
}

// WithWorkingDir sets the directory commands run in.
func (t *ShellTool) WithWorkingDir(dir string) *ShellTool {
	t.workingDir = dir
	return t
}

// WithAllowedCommands restricts execution to the listed commands. An
// empty list allows everything.
func (t *ShellTool) WithAllowedCommands(commands []string) *ShellTool {
	t.allowedCommands = commands
	return t
}

// WithMaxOutputSize caps captured stdout and stderr.
func (t *ShellTool) WithMaxOutputSize(size int64) *ShellTool {
	t.maxOutputSize = size
	return t
}

// Name implements tools.Tool.
func (t *ShellTool) Name() string { return "shell" }

// Description implements tools.Tool.
func (t *ShellTool) Description() string {
	return "Execute a command with arguments"
}

// InputSchema implements tools.Tool.
func (t *ShellTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"command": map[string]any{
				"type":        "string",
				"description": "The command to execute",
			},
			"args": map[string]any{
				"type":        "array",
				"description": "Command arguments",
			},
		},
		"required": []any{"command"},
	}
}

// Execute implements tools.Tool. A non-zero exit reports success=false
// in the result; only a blocked command or malformed input fails the
// step.
func (t *ShellTool) Execute(ctx context.Context, tc *tools.ToolContext) (any, error) {
	command, ok := tc.Input["command"].(string)
	if !ok || command == "" {
		return nil, &errors.ValidationError{
			Field:      "command",
			Message:    "command must be a non-empty string",
			Suggestion: "provide the command to execute",
		}
	}

	var args []string
	if raw, ok := tc.Input["args"]; ok {
		list, ok := raw.([]any)
		if !ok {
			return nil, &errors.ValidationError{
				Field:   "args",
				Message: "args must be an array of strings",
			}
		}
		args = make([]string, len(list))
		for i, a := range list {
			s, ok := a.(string)
			if !ok {
				return nil, &errors.ValidationError{
					Field:   fmt.Sprintf("args[%d]", i),
					Message: "all args must be strings",
				}
			}
			args[i] = s
		}
	}

	if err := t.validateCommand(command); err != nil {
		return nil, err
	}

	execCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, command, args...)
	if t.workingDir != "" {
		cmd.Dir = t.workingDir
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()

	status := "completed"
	exitCode := 0
	switch {
	case execCtx.Err() == context.DeadlineExceeded:
		status = "timeout"
		exitCode = -1
	case runErr != nil:
		var exitErr *exec.ExitError
		if stderrors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			status = "error"
			exitCode = -1
		}
	}

	return map[string]any{
		"success":   status == "completed" && exitCode == 0,
		"stdout":    t.capOutput(stdout.String()),
		"stderr":    t.capOutput(stderr.String()),
		"exit_code": exitCode,
		"status":    status,
	}, nil
}

// capOutput redacts credentials and truncates to the configured cap.
func (t *ShellTool) capOutput(s string) string {
	s = t.redactor.Redact(s)
	if t.maxOutputSize > 0 && int64(len(s)) > t.maxOutputSize {
		s = s[:t.maxOutputSize] + truncationMarker
	}
	return s
}

// validateCommand enforces the allow-list. The blocked-command error
// never names the list, only that policy blocked it.
func (t *ShellTool) validateCommand(command string) error {
	if len(t.allowedCommands) == 0 {
		return nil
	}

	if strings.HasPrefix(command, "./") || strings.HasPrefix(command, "../") ||
		strings.Contains(command, "/..") {
		return fmt.Errorf("command execution blocked by policy")
	}

	base := filepath.Base(command)
	if base == "" || base == "." || base == ".." {
		return fmt.Errorf("command execution blocked by policy")
	}

	for _, allowed := range t.allowedCommands {
		if command == allowed {
			return nil
		}
		if !strings.Contains(command, "/") && base == filepath.Base(allowed) {
			return nil
		}
	}
	return fmt.Errorf("command execution blocked by policy")
}

package plugin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/archflow/archflow/pkg/errors"
	"github.com/archflow/archflow/pkg/tools"
)

// ScriptTool runs a local script with the invocation input as JSON on
// stdin and the script's stdout as the result. Relative commands resolve
// against the definition file's directory and may not escape it.
type ScriptTool struct {
	name        string
	description string
	command     string
	baseDir     string
	schema      map[string]any
	timeout     time.Duration
	maxOutput   int64
}

func newScriptTool(def Definition, baseDir string) (*ScriptTool, error) {
	return &ScriptTool{
		name:        def.Name,
		description: def.Description,
		command:     def.Command,
		baseDir:     baseDir,
		schema:      def.InputSchema,
		timeout:     def.timeout(),
		maxOutput:   def.maxOutput(),
	}, nil
}

// Name implements tools.Tool.
func (t *ScriptTool) Name() string { return t.name }

// Description implements tools.Tool.
func (t *ScriptTool) Description() string { return t.description }

// InputSchema implements tools.Tool.
func (t *ScriptTool) InputSchema() map[string]any {
	if t.schema == nil {
		return map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return t.schema
}

// Execute implements tools.Tool. Stdout that parses as JSON becomes the
// output value; anything else is returned as text. Stderr is carried
// alongside for diagnostics.
func (t *ScriptTool) Execute(ctx context.Context, tc *tools.ToolContext) (any, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	scriptPath, err := t.resolveCommand()
	if err != nil {
		return nil, err
	}

	input, err := json.Marshal(tc.Input)
	if err != nil {
		return nil, fmt.Errorf("plugin %s: marshal input: %w", t.name, err)
	}

	cmd := exec.CommandContext(ctx, scriptPath)
	cmd.Dir = t.baseDir
	cmd.Stdin = bytes.NewReader(input)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	runErr := cmd.Run()
	if ctx.Err() == context.DeadlineExceeded {
		return nil, &errors.TimeoutError{
			Operation: "plugin " + t.name,
			Duration:  t.timeout,
		}
	}
	if runErr != nil {
		return nil, fmt.Errorf("plugin %s: script failed: %w (stderr: %s)",
			t.name, runErr, strings.TrimSpace(stderr.String()))
	}

	out := stdout.Bytes()
	if int64(len(out)) > t.maxOutput {
		return nil, fmt.Errorf("plugin %s: output exceeds %d bytes", t.name, t.maxOutput)
	}

	var parsed any
	if len(out) == 0 {
		parsed = ""
	} else if err := json.Unmarshal(out, &parsed); err != nil {
		parsed = string(out)
	}

	return map[string]any{
		"output": parsed,
		"stderr": stderr.String(),
	}, nil
}

// resolveCommand resolves the script path and rejects relative commands
// that climb out of the plugins directory.
func (t *ScriptTool) resolveCommand() (string, error) {
	if filepath.IsAbs(t.command) {
		return t.command, nil
	}

	baseAbs, err := filepath.Abs(t.baseDir)
	if err != nil {
		return "", fmt.Errorf("plugin %s: resolve base dir: %w", t.name, err)
	}
	scriptAbs, err := filepath.Abs(filepath.Join(t.baseDir, t.command))
	if err != nil {
		return "", fmt.Errorf("plugin %s: resolve command: %w", t.name, err)
	}

	rel, err := filepath.Rel(baseAbs, scriptAbs)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("plugin %s: command %s escapes the plugins directory", t.name, t.command)
	}
	return scriptAbs, nil
}

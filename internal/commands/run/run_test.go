package run

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/archflow/archflow/internal/commands/local"
	"github.com/archflow/archflow/internal/commands/shared"
	"github.com/archflow/archflow/internal/config"
	"github.com/archflow/archflow/pkg/engine"
	pkgerrors "github.com/archflow/archflow/pkg/errors"
	"github.com/archflow/archflow/pkg/flow"
)

func mustParseFlow(t *testing.T, body string) *flow.Flow {
	t.Helper()
	f, err := flow.Parse([]byte(body))
	require.NoError(t, err)
	return f
}

func writeFlow(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

const agentFlow = `
id: greet
entry: reply
params:
  - name: topic
    type: string
steps:
  - id: reply
    type: agent
    config:
      prompt: "greetings about {{input.topic}}"
`

func TestParseInputsMergesFileAndFlags(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "inputs.json")
	require.NoError(t, os.WriteFile(file, []byte(`{"a":"file","b":2}`), 0o644))

	inputs, err := parseInputs([]string{"a=flag", "c=3"}, file)
	require.NoError(t, err)

	assert.Equal(t, "flag", inputs["a"], "flag wins over file")
	assert.Equal(t, float64(2), inputs["b"])
	assert.Equal(t, "3", inputs["c"])
}

func TestParseInputsRejectsBareKeys(t *testing.T) {
	_, err := parseInputs([]string{"novalue"}, "")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "key=value")
}

func TestCoerceInputsConvertsDeclaredTypes(t *testing.T) {
	f := mustParseFlow(t, `
id: typed
entry: s
params:
  - name: count
    type: integer
  - name: ratio
    type: number
  - name: on
    type: boolean
  - name: tags
    type: array
steps:
  - id: s
    type: agent
    config:
      prompt: p
`)

	inputs := coerceInputs(f, map[string]any{
		"count": "7",
		"ratio": "0.5",
		"on":    "true",
		"tags":  `["x","y"]`,
	})

	assert.Equal(t, int64(7), inputs["count"])
	assert.Equal(t, 0.5, inputs["ratio"])
	assert.Equal(t, true, inputs["on"])
	assert.Equal(t, []any{"x", "y"}, inputs["tags"])
}

func TestResolveFlowFromFile(t *testing.T) {
	dir := t.TempDir()
	path := writeFlow(t, dir, "greet.yaml", agentFlow)

	f, flowsDir, err := resolveFlow(config.Default(), path)
	require.NoError(t, err)
	assert.Equal(t, "greet", f.ID)
	assert.Equal(t, dir, flowsDir)
}

func TestResolveFlowInvalidFileExitsTwo(t *testing.T) {
	dir := t.TempDir()
	path := writeFlow(t, dir, "broken.yaml", "id: broken\nsteps: []\n")

	_, _, err := resolveFlow(config.Default(), path)
	require.Error(t, err)

	var exitErr *shared.ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, shared.ExitInvalidFlow, exitErr.Code)
}

func TestResolveFlowUnknownID(t *testing.T) {
	cfg := config.Default()
	cfg.Flows.Dir = t.TempDir()

	_, _, err := resolveFlow(cfg, "no-such-flow")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no-such-flow")
}

func TestRunFlowCompletes(t *testing.T) {
	cfg := config.Default()
	cfg.Metrics.Enabled = false
	rt, err := local.New(cfg, local.Options{MemoryStore: true})
	require.NoError(t, err)
	defer rt.Close()

	f := mustParseFlow(t, agentFlow)
	result, form, err := runFlow(context.Background(), rt, f, map[string]any{"topic": "go"}, 30*time.Second)
	require.NoError(t, err)
	require.Nil(t, form)
	assert.Equal(t, engine.RunStatusCompleted, result.Status)
}

func TestRunFlowTimeoutExitsThree(t *testing.T) {
	cfg := config.Default()
	cfg.Metrics.Enabled = false
	cfg.Flow.DefaultTimeoutMs = int64(time.Hour / time.Millisecond)
	rt, err := local.New(cfg, local.Options{MemoryStore: true})
	require.NoError(t, err)
	defer rt.Close()

	f := mustParseFlow(t, `
id: slow
entry: nap
steps:
  - id: nap
    type: tool
    tool: shell
    config:
      command: sleep
      args: ["5"]
`)

	_, _, err = runFlow(context.Background(), rt, f, nil, 50*time.Millisecond)
	require.Error(t, err)

	var exitErr *shared.ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, shared.ExitTimeout, exitErr.Code)
}

func TestClassifyRunError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code int
	}{
		{"graph error exits 2", &pkgerrors.GraphError{FlowID: "f", Reason: "dangling edge"}, shared.ExitInvalidFlow},
		{"validation error exits 2", &pkgerrors.ValidationError{Field: "entry", Message: "missing"}, shared.ExitInvalidFlow},
		{"timeout exits 3", &pkgerrors.TimeoutError{Operation: "step"}, shared.ExitTimeout},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := classifyRunError(tc.err)
			var exitErr *shared.ExitError
			require.ErrorAs(t, err, &exitErr)
			assert.Equal(t, tc.code, exitErr.Code)
		})
	}
}

func TestClassifyRunErrorPassesPlainErrors(t *testing.T) {
	cause := &pkgerrors.NotFoundError{Resource: "tool", ID: "x"}
	assert.Equal(t, error(cause), classifyRunError(cause))
}

func TestDecodeFields(t *testing.T) {
	form := map[string]any{
		"title": "Approval",
		"fields": []any{
			map[string]any{"name": "reason", "label": "Reason", "required": true},
			map[string]any{"name": "level", "options": []any{"low", "high"}, "default": "low"},
			map[string]any{"name": "ok", "type": "boolean", "default": true},
			map[string]any{"label": "no name, dropped"},
		},
	}

	fields := decodeFields(form)
	require.Len(t, fields, 3)

	assert.Equal(t, "reason", fields[0].name)
	assert.Equal(t, "Reason", fields[0].label)
	assert.True(t, fields[0].required)
	assert.Equal(t, "string", fields[0].kind)

	assert.Equal(t, "select", fields[1].kind)
	assert.Equal(t, []string{"low", "high"}, fields[1].options)
	assert.Equal(t, "low", fields[1].def)

	assert.Equal(t, "boolean", fields[2].kind)
	assert.Equal(t, "true", fields[2].def)
}

func TestEmitResultJSONWritesOutputFile(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "result.json")
	result := &engine.FlowResult{RunID: "FLOW_abc_000", FlowID: "greet", Status: engine.RunStatusCompleted, Output: "done"}

	require.NoError(t, emitResultJSON(result, out))

	data, err := os.ReadFile(out)
	require.NoError(t, err)

	var decoded engine.FlowResult
	require.NoError(t, json.Unmarshal(data, &decoded))
	assert.Equal(t, result.RunID, decoded.RunID)
	assert.Equal(t, "done", decoded.Output)
}

func TestFormatMissingInputsError(t *testing.T) {
	f := mustParseFlow(t, `
id: needy
entry: s
params:
  - name: city
    type: string
    description: Target city
    enum: [london, paris]
steps:
  - id: s
    type: agent
    config:
      prompt: p
`)

	missing := f.MissingParams(nil)
	require.Len(t, missing, 1)

	msg := formatMissingInputsError(missing)
	assert.Contains(t, msg, "city")
	assert.Contains(t, msg, "london, paris")
}

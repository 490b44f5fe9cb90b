package flow

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const linearYAML = `
id: summarize
name: Summarize text
description: Fetch a document and summarize it
entry: fetch
params:
  - name: url
    type: string
    description: Document location
  - name: tone
    type: string
    default: neutral
    enum: [neutral, formal, casual]
steps:
  - id: fetch
    type: tool
    tool: http.get
    config:
      url: "input.url"
    timeout_ms: 5000
    retry:
      max_attempts: 3
      initial_delay_ms: 100
      backoff_multiplier: 2.0
  - id: summarize
    type: agent
    config:
      prompt: "Summarize step.fetch.output"
    transform: ".summary"
connections:
  - source: fetch
    target: summarize
`

func TestParseLinearFlow(t *testing.T) {
	f, err := Parse([]byte(linearYAML))
	require.NoError(t, err)

	assert.Equal(t, "summarize", f.ID)
	assert.Equal(t, "fetch", f.Entry)
	assert.Equal(t, "1.0", f.Version)
	require.Len(t, f.Steps, 2)

	fetch, ok := f.Step("fetch")
	require.True(t, ok)
	assert.Equal(t, StepTool, fetch.Type)
	assert.Equal(t, "http.get", fetch.Tool)
	assert.Equal(t, 5*time.Second, fetch.Timeout())
	require.NotNil(t, fetch.Retry)

	policy, err := fetch.Retry.Policy()
	require.NoError(t, err)
	assert.Equal(t, 3, policy.MaxAttempts)
	assert.Equal(t, 100*time.Millisecond, policy.InitialDelay)
	assert.True(t, policy.FailOnValidationError)
}

func TestParseAppliesDefaults(t *testing.T) {
	f, err := Parse([]byte(`
id: minimal
steps:
  - id: only
    tool: noop
`))
	require.NoError(t, err)

	assert.Equal(t, "minimal", f.Name)
	assert.Equal(t, "only", f.Entry, "entry defaults to the first step")
	assert.Equal(t, StepTool, f.Steps[0].Type, "type inferred from the tool field")
}

func TestParseInfersStepTypes(t *testing.T) {
	f := &Flow{
		ID: "infer",
		Steps: []Step{
			{ID: "a", Tool: "http.get"},
			{ID: "b", Flow: "other"},
			{ID: "c", Config: map[string]any{"prompt": "hi"}},
		},
	}
	f.ApplyDefaults()

	assert.Equal(t, StepTool, f.Steps[0].Type)
	assert.Equal(t, StepChain, f.Steps[1].Type)
	assert.Equal(t, StepAgent, f.Steps[2].Type)
}

func TestParseRejectsBadYAML(t *testing.T) {
	_, err := Parse([]byte("steps: [unclosed"))
	require.Error(t, err)
}

func TestRetryConfigDefaults(t *testing.T) {
	rc := &RetryConfig{MaxAttempts: 2}
	policy, err := rc.Policy()
	require.NoError(t, err)

	assert.Equal(t, 2.0, policy.BackoffMultiplier, "multiplier defaults to 2.0")
	assert.True(t, policy.FailOnValidationError)

	soft := false
	rc = &RetryConfig{MaxAttempts: 2, FailOnValidationError: &soft}
	policy, err = rc.Policy()
	require.NoError(t, err)
	assert.False(t, policy.FailOnValidationError)
}

func TestMissingParams(t *testing.T) {
	f, err := Parse([]byte(linearYAML))
	require.NoError(t, err)

	missing := f.MissingParams(map[string]any{})
	require.Len(t, missing, 1)
	assert.Equal(t, "url", missing[0].Name, "tone has a default and is optional")

	missing = f.MissingParams(map[string]any{"url": "https://example.com"})
	assert.Empty(t, missing)
}

func TestApplyParamDefaults(t *testing.T) {
	f, err := Parse([]byte(linearYAML))
	require.NoError(t, err)

	input := map[string]any{"url": "https://example.com"}
	out := f.ApplyParamDefaults(input)

	assert.Equal(t, "neutral", out["tone"])
	assert.NotContains(t, input, "tone", "input map must not be mutated")
}

func TestCheckInput(t *testing.T) {
	f, err := Parse([]byte(linearYAML))
	require.NoError(t, err)

	assert.Error(t, f.CheckInput(map[string]any{}), "url is required")
	assert.NoError(t, f.CheckInput(map[string]any{"url": "x"}))
	assert.NoError(t, f.CheckInput(map[string]any{"url": "x", "tone": "formal"}))
	assert.Error(t, f.CheckInput(map[string]any{"url": "x", "tone": "sarcastic"}), "tone is enum-restricted")
}

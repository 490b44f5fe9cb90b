package flow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGuardEvaluate(t *testing.T) {
	ctx := map[string]any{
		"input": map[string]any{
			"personas": []any{"security", "performance"},
			"count":    float64(3),
		},
		"step": map[string]any{
			"fetch": map[string]any{
				"output": map[string]any{"status": "ok", "items": []any{1, 2}},
			},
		},
	}

	tests := []struct {
		name  string
		guard string
		want  bool
	}{
		{"empty guard holds", "", true},
		{"equality", `step.fetch.output.status == "ok"`, true},
		{"inequality", `step.fetch.output.status == "error"`, false},
		{"numeric comparison", "input.count > 2", true},
		{"has over list", `has(input.personas, "security")`, true},
		{"includes alias", `includes(input.personas, "billing")`, false},
		{"length of list", "length(step.fetch.output.items) == 2", true},
		{"boolean combination", `input.count > 2 && step.fetch.output.status == "ok"`, true},
	}

	guards := NewGuardEvaluator()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := guards.Evaluate(tt.guard, ctx)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestGuardCompileRejectsSyntaxErrors(t *testing.T) {
	guards := NewGuardEvaluator()
	assert.Error(t, guards.Compile("1 +"))
	assert.NoError(t, guards.Compile("input.ready"))
}

func TestGuardEvaluateNonBoolean(t *testing.T) {
	guards := NewGuardEvaluator()

	_, err := guards.Evaluate("input.count", map[string]any{
		"input": map[string]any{"count": 3},
	})
	require.Error(t, err)
}

func TestGuardCachesPrograms(t *testing.T) {
	guards := NewGuardEvaluator()
	require.NoError(t, guards.Compile("input.ready == true"))

	guards.mu.RLock()
	_, cached := guards.cache["input.ready == true"]
	guards.mu.RUnlock()
	assert.True(t, cached)

	got, err := guards.Evaluate("input.ready == true", map[string]any{
		"input": map[string]any{"ready": true},
	})
	require.NoError(t, err)
	assert.True(t, got)
}

func TestGuardMissingContextKey(t *testing.T) {
	guards := NewGuardEvaluator()

	// Referencing an absent branch is an evaluation error, which the
	// engine downgrades to guard-false with a warning.
	_, err := guards.Evaluate("step.ghost.output.ok == true", map[string]any{
		"step": map[string]any{},
	})
	require.Error(t, err)
}

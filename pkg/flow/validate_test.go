package flow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/archflow/archflow/pkg/errors"
)

func twoStep() *Flow {
	f := &Flow{
		ID:    "two",
		Entry: "a",
		Steps: []Step{
			{ID: "a", Type: StepTool, Tool: "noop"},
			{ID: "b", Type: StepTool, Tool: "noop"},
		},
		Connections: []Connection{
			{Source: "a", Target: "b"},
		},
	}
	return f
}

func TestValidateAcceptsWellFormedFlow(t *testing.T) {
	assert.NoError(t, twoStep().Validate())
}

func TestValidateRejections(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Flow)
		want   string
	}{
		{
			name:   "missing flow id",
			mutate: func(f *Flow) { f.ID = "" },
			want:   "flow id is required",
		},
		{
			name:   "unknown entry",
			mutate: func(f *Flow) { f.Entry = "ghost" },
			want:   "entry step",
		},
		{
			name: "duplicate step id",
			mutate: func(f *Flow) {
				f.Steps = append(f.Steps, Step{ID: "a", Type: StepTool, Tool: "noop"})
			},
			want: "duplicate step id",
		},
		{
			name: "step id with dot",
			mutate: func(f *Flow) {
				f.Steps[1].ID = "b.2"
				f.Connections[0].Target = "b.2"
			},
			want: "not a valid identifier",
		},
		{
			name:   "tool step without tool",
			mutate: func(f *Flow) { f.Steps[0].Tool = "" },
			want:   "must name a registered tool",
		},
		{
			name: "chain step without flow",
			mutate: func(f *Flow) {
				f.Steps[1].Type = StepChain
				f.Steps[1].Tool = ""
			},
			want: "must reference a flow id",
		},
		{
			name: "chain step referencing itself",
			mutate: func(f *Flow) {
				f.Steps[1].Type = StepChain
				f.Steps[1].Tool = ""
				f.Steps[1].Flow = "two"
			},
			want: "must not reference their own flow",
		},
		{
			name: "agent step without prompt",
			mutate: func(f *Flow) {
				f.Steps[1].Type = StepAgent
				f.Steps[1].Tool = ""
			},
			want: "require a prompt",
		},
		{
			name:   "negative timeout",
			mutate: func(f *Flow) { f.Steps[0].TimeoutMs = -1 },
			want:   "timeout must not be negative",
		},
		{
			name:   "invalid retry",
			mutate: func(f *Flow) { f.Steps[0].Retry = &RetryConfig{MaxAttempts: 0} },
			want:   "invalid retry configuration",
		},
		{
			name:   "invalid transform",
			mutate: func(f *Flow) { f.Steps[0].Transform = ".foo |" },
			want:   "invalid jq expression",
		},
		{
			name: "dangling connection target",
			mutate: func(f *Flow) {
				f.Connections = append(f.Connections, Connection{Source: "a", Target: "ghost"})
			},
			want: "does not exist",
		},
		{
			name: "duplicate connection",
			mutate: func(f *Flow) {
				f.Connections = append(f.Connections, Connection{Source: "a", Target: "b"})
			},
			want: "duplicate connection",
		},
		{
			name: "invalid guard",
			mutate: func(f *Flow) {
				f.Connections[0].Guard = "1 +"
			},
			want: "invalid guard",
		},
		{
			name: "unreachable step",
			mutate: func(f *Flow) {
				f.Steps = append(f.Steps, Step{ID: "island", Type: StepTool, Tool: "noop"})
			},
			want: "not reachable from entry",
		},
		{
			name: "bad param type",
			mutate: func(f *Flow) {
				f.Params = []Param{{Name: "x", Type: "uuid"}}
			},
			want: "unknown parameter type",
		},
		{
			name: "enum on non-string param",
			mutate: func(f *Flow) {
				f.Params = []Param{{Name: "x", Type: "number", Enum: []string{"1"}}}
			},
			want: "only supported on string parameters",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := twoStep()
			tt.mutate(f)

			err := f.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)

			var verr *errors.ValidationError
			assert.ErrorAs(t, err, &verr)
		})
	}
}

func TestValidateDistinguishesErrorPathDuplicates(t *testing.T) {
	f := twoStep()
	f.Connections = append(f.Connections, Connection{Source: "a", Target: "b", ErrorPath: true})
	assert.NoError(t, f.Validate(), "same edge on the error path is a distinct connection")
}

func TestValidateAllowsStaticCycles(t *testing.T) {
	f := twoStep()
	f.Connections = append(f.Connections, Connection{
		Source: "b",
		Target: "a",
		Guard:  "step.b.output.iterations < 3",
	})
	assert.NoError(t, f.Validate(), "loops are bounded at run time, not rejected statically")
}

func TestValidateCollectsAllViolations(t *testing.T) {
	f := twoStep()
	f.Steps[0].Tool = ""
	f.Steps[0].TimeoutMs = -5

	err := f.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "must name a registered tool")
	assert.Contains(t, err.Error(), "timeout must not be negative")
}

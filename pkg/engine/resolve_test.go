package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testContext() *ExecutionContext {
	return NewExecutionContext(map[string]any{
		"input": map[string]any{
			"user":  "ada",
			"count": 3,
		},
		"step": map[string]any{
			"fetch": map[string]any{
				"output": map[string]any{
					"url":   "https://example.com",
					"tags":  []any{"a", "b"},
					"meta":  map[string]any{"status": 200},
					"ratio": 0.5,
				},
			},
		},
	})
}

func TestResolveInputs(t *testing.T) {
	ec := testContext()

	tests := []struct {
		name string
		in   any
		want any
	}{
		{
			name: "pure ref keeps the value type",
			in:   "{{input.count}}",
			want: 3,
		},
		{
			name: "pure ref to a map",
			in:   "{{step.fetch.output.meta}}",
			want: map[string]any{"status": 200},
		},
		{
			name: "pure ref with spacing and leading dot",
			in:   "{{ .input.user }}",
			want: "ada",
		},
		{
			name: "embedded ref stringifies",
			in:   "hello {{input.user}}",
			want: "hello ada",
		},
		{
			name: "multiple refs in one string",
			in:   "{{input.user}} fetched {{step.fetch.output.url}}",
			want: "ada fetched https://example.com",
		},
		{
			name: "embedded structured value renders as JSON",
			in:   "tags: {{step.fetch.output.tags}}",
			want: `tags: ["a","b"]`,
		},
		{
			name: "unresolved ref stays verbatim",
			in:   "see {{step.nope.output}}",
			want: "see {{step.nope.output}}",
		},
		{
			name: "unresolved pure ref stays verbatim",
			in:   "{{step.nope.output}}",
			want: "{{step.nope.output}}",
		},
		{
			name: "nested maps resolve recursively",
			in:   map[string]any{"who": "{{input.user}}", "inner": map[string]any{"n": "{{input.count}}"}},
			want: map[string]any{"who": "ada", "inner": map[string]any{"n": 3}},
		},
		{
			name: "slices resolve elementwise",
			in:   []any{"{{input.count}}", "x {{input.user}}"},
			want: []any{3, "x ada"},
		},
		{
			name: "non-strings pass through",
			in:   42,
			want: 42,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := resolveInputs(map[string]any{"v": tt.in}, ec)
			assert.Equal(t, tt.want, got["v"])
		})
	}
}

func TestPureRef(t *testing.T) {
	tests := []struct {
		in   string
		path string
		ok   bool
	}{
		{"{{a.b}}", "a.b", true},
		{"  {{ a.b }}  ", "a.b", true},
		{"{{.a.b}}", "a.b", true},
		{"{{a-b.c_d}}", "a-b.c_d", true},
		{"x{{a}}", "", false},
		{"{{a}}{{b}}", "", false},
		{"{{}}", "", false},
		{"plain", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			path, ok := pureRef(tt.in)
			require.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.path, path)
		})
	}
}

func TestStringify(t *testing.T) {
	assert.Equal(t, "", stringify(nil))
	assert.Equal(t, "plain", stringify("plain"))
	assert.Equal(t, "42", stringify(42))
	assert.Equal(t, "0.5", stringify(0.5))
	assert.Equal(t, "true", stringify(true))
	assert.Equal(t, `{"status":200}`, stringify(map[string]any{"status": 200}))
	assert.Equal(t, `["a","b"]`, stringify([]any{"a", "b"}))
}

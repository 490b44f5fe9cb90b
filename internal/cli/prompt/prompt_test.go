// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package prompt

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatProgressPrefix(t *testing.T) {
	ic := NewInputCollector(NewMockPrompter(true))
	assert.Empty(t, ic.FormatProgressPrefix())

	ic.SetProgress(3, 10)
	assert.Equal(t, "[Input 3 of 10] ", ic.FormatProgressPrefix())
}

func TestCollectInputByType(t *testing.T) {
	tests := []struct {
		name     string
		cfg      PromptConfig
		response any
		want     any
	}{
		{
			name:     "string",
			cfg:      PromptConfig{Name: "city", Type: InputTypeString},
			response: "tokyo",
			want:     "tokyo",
		},
		{
			name:     "number",
			cfg:      PromptConfig{Name: "ratio", Type: InputTypeNumber},
			response: 2.5,
			want:     2.5,
		},
		{
			name:     "integer",
			cfg:      PromptConfig{Name: "count", Type: InputTypeInteger},
			response: 7,
			want:     int64(7),
		},
		{
			name:     "boolean",
			cfg:      PromptConfig{Name: "force", Type: InputTypeBoolean},
			response: true,
			want:     true,
		},
		{
			name:     "enum",
			cfg:      PromptConfig{Name: "env", Type: InputTypeEnum, Options: []string{"dev", "prod"}},
			response: "prod",
			want:     "prod",
		},
		{
			name:     "array",
			cfg:      PromptConfig{Name: "tags", Type: InputTypeArray},
			response: []any{"a", "b"},
			want:     []any{"a", "b"},
		},
		{
			name:     "object",
			cfg:      PromptConfig{Name: "meta", Type: InputTypeObject},
			response: map[string]any{"k": "v"},
			want:     map[string]any{"k": "v"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ic := NewInputCollector(NewMockPrompter(true, tt.response))
			got, err := ic.CollectInput(context.Background(), tt.cfg)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestCollectInputDefaultWhenScriptExhausted(t *testing.T) {
	ic := NewInputCollector(NewMockPrompter(true))
	got, err := ic.CollectInput(context.Background(), PromptConfig{
		Name:    "retries",
		Type:    InputTypeInteger,
		Default: 5,
	})
	require.NoError(t, err)
	assert.Equal(t, int64(5), got)
}

func TestCollectInputUnsupportedType(t *testing.T) {
	ic := NewInputCollector(NewMockPrompter(true))
	_, err := ic.CollectInput(context.Background(), PromptConfig{Name: "x", Type: "blob"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported input type")
}

func TestCollectInputRetriesThenFails(t *testing.T) {
	// Wrong-typed scripted responses fail every attempt.
	mp := NewMockPrompter(true, 1, 2, 3)
	ic := NewInputCollector(mp)

	_, err := ic.CollectInput(context.Background(), PromptConfig{Name: "city", Type: InputTypeString})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "after 3 attempts")
	assert.Len(t, mp.GetCallLog(), MaxRetries)
}

func TestCollectInputsAnswersInOrder(t *testing.T) {
	mp := NewMockPrompter(true, "alpha", true)
	ic := NewInputCollector(mp)

	got, err := ic.CollectInputs(context.Background(), []PromptConfig{
		{Name: "name", Type: InputTypeString},
		{Name: "dry_run", Type: InputTypeBoolean},
	})
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"name": "alpha", "dry_run": true}, got)
	assert.Equal(t, []string{"PromptString(name)", "PromptBool(dry_run)"}, mp.GetCallLog())
}

func TestCollectInputsEmpty(t *testing.T) {
	ic := NewInputCollector(NewMockPrompter(true))
	got, err := ic.CollectInputs(context.Background(), nil)
	require.NoError(t, err)
	assert.Empty(t, got)
}

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
	"fmt"
)

// MockPrompter replays scripted answers so tests can drive prompt
// sessions without a terminal. When the script runs out, prompts with a
// default fall back to it; the rest fail.
type MockPrompter struct {
	responses   []any
	next        int
	interactive bool
	calls       []string
}

// NewMockPrompter scripts a prompter with the given answers in order.
func NewMockPrompter(interactive bool, responses ...any) *MockPrompter {
	return &MockPrompter{
		responses:   responses,
		interactive: interactive,
	}
}

// take records the call and pops the next scripted answer. ok is false
// when the script is exhausted.
func (mp *MockPrompter) take(call, name string) (any, bool) {
	mp.calls = append(mp.calls, fmt.Sprintf("%s(%s)", call, name))
	if mp.next >= len(mp.responses) {
		return nil, false
	}
	resp := mp.responses[mp.next]
	mp.next++
	return resp, true
}

func (mp *MockPrompter) PromptString(ctx context.Context, name, desc string, def string) (string, error) {
	resp, ok := mp.take("PromptString", name)
	if !ok {
		return def, nil
	}
	if s, ok := resp.(string); ok {
		return s, nil
	}
	return "", fmt.Errorf("mock response is not a string")
}

func (mp *MockPrompter) PromptNumber(ctx context.Context, name, desc string, def float64) (float64, error) {
	resp, ok := mp.take("PromptNumber", name)
	if !ok {
		return def, nil
	}
	switch n := resp.(type) {
	case float64:
		return n, nil
	case int:
		return float64(n), nil
	}
	return 0, fmt.Errorf("mock response is not a number")
}

func (mp *MockPrompter) PromptInt(ctx context.Context, name, desc string, def int64) (int64, error) {
	resp, ok := mp.take("PromptInt", name)
	if !ok {
		return def, nil
	}
	switch n := resp.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	}
	return 0, fmt.Errorf("mock response is not an integer")
}

func (mp *MockPrompter) PromptBool(ctx context.Context, name, desc string, def bool) (bool, error) {
	resp, ok := mp.take("PromptBool", name)
	if !ok {
		return def, nil
	}
	if b, ok := resp.(bool); ok {
		return b, nil
	}
	return false, fmt.Errorf("mock response is not a boolean")
}

func (mp *MockPrompter) PromptEnum(ctx context.Context, name, desc string, options []string, def string) (string, error) {
	resp, ok := mp.take("PromptEnum", name)
	if !ok {
		return def, nil
	}
	if s, ok := resp.(string); ok {
		return s, nil
	}
	return "", fmt.Errorf("mock response is not a string")
}

func (mp *MockPrompter) PromptArray(ctx context.Context, name, desc string) ([]any, error) {
	resp, ok := mp.take("PromptArray", name)
	if !ok {
		return nil, fmt.Errorf("no mock response available")
	}
	if arr, ok := resp.([]any); ok {
		return arr, nil
	}
	return nil, fmt.Errorf("mock response is not an array")
}

func (mp *MockPrompter) PromptObject(ctx context.Context, name, desc string) (map[string]any, error) {
	resp, ok := mp.take("PromptObject", name)
	if !ok {
		return nil, fmt.Errorf("no mock response available")
	}
	if obj, ok := resp.(map[string]any); ok {
		return obj, nil
	}
	return nil, fmt.Errorf("mock response is not an object")
}

// IsInteractive returns the configured interactive state.
func (mp *MockPrompter) IsInteractive() bool {
	return mp.interactive
}

// GetCallLog returns the prompts asked so far, in order.
func (mp *MockPrompter) GetCallLog() []string {
	return mp.calls
}

// Reset rewinds the script and clears the call log.
func (mp *MockPrompter) Reset() {
	mp.next = 0
	mp.calls = nil
}

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

// Package prompt collects flow parameters at the terminal. Answers are
// validated per declared type and re-asked a bounded number of times;
// the MockPrompter stands in for the terminal in tests.
package prompt

import (
	"context"
	"fmt"
)

// Prompter asks one question per call. SurveyPrompter talks to the
// terminal; MockPrompter replays scripted answers.
type Prompter interface {
	PromptString(ctx context.Context, name, desc string, def string) (string, error)
	PromptNumber(ctx context.Context, name, desc string, def float64) (float64, error)
	PromptInt(ctx context.Context, name, desc string, def int64) (int64, error)
	PromptBool(ctx context.Context, name, desc string, def bool) (bool, error)
	PromptEnum(ctx context.Context, name, desc string, options []string, def string) (string, error)
	PromptArray(ctx context.Context, name, desc string) ([]any, error)
	PromptObject(ctx context.Context, name, desc string) (map[string]any, error)

	// IsInteractive reports whether questions can actually be shown.
	IsInteractive() bool
}

// InputCollector runs a multi-question session over one Prompter.
type InputCollector struct {
	prompter Prompter
	current  int
	total    int
}

// NewInputCollector creates a collector for the given prompter.
func NewInputCollector(p Prompter) *InputCollector {
	return &InputCollector{prompter: p}
}

// SetProgress positions the session for progress display.
func (ic *InputCollector) SetProgress(current, total int) {
	ic.current, ic.total = current, total
}

// FormatProgressPrefix renders the "[Input n of m] " prefix, empty when
// no session is active.
func (ic *InputCollector) FormatProgressPrefix() string {
	if ic.total == 0 {
		return ""
	}
	return fmt.Sprintf("[Input %d of %d] ", ic.current, ic.total)
}

// ask routes one question to the prompter by declared type.
func (ic *InputCollector) ask(ctx context.Context, cfg PromptConfig) (any, error) {
	switch cfg.Type {
	case InputTypeString:
		return ic.prompter.PromptString(ctx, cfg.Name, cfg.Description, defaultString(cfg.Default))
	case InputTypeNumber:
		def, _ := cfg.Default.(float64)
		return ic.prompter.PromptNumber(ctx, cfg.Name, cfg.Description, def)
	case InputTypeInteger:
		return ic.prompter.PromptInt(ctx, cfg.Name, cfg.Description, defaultInt(cfg.Default))
	case InputTypeBoolean:
		def, _ := cfg.Default.(bool)
		return ic.prompter.PromptBool(ctx, cfg.Name, cfg.Description, def)
	case InputTypeEnum:
		return ic.prompter.PromptEnum(ctx, cfg.Name, cfg.Description, cfg.Options, defaultString(cfg.Default))
	case InputTypeArray:
		return ic.prompter.PromptArray(ctx, cfg.Name, cfg.Description)
	case InputTypeObject:
		return ic.prompter.PromptObject(ctx, cfg.Name, cfg.Description)
	default:
		return nil, fmt.Errorf("unsupported input type: %s", cfg.Type)
	}
}

// CollectInput asks one question, re-asking up to MaxRetries times on
// validation failure. The rejected value itself is never echoed.
func (ic *InputCollector) CollectInput(ctx context.Context, cfg PromptConfig) (any, error) {
	var lastErr error
	for attempt := 1; attempt <= MaxRetries; attempt++ {
		value, err := ic.ask(ctx, cfg)
		if err == nil {
			return value, nil
		}
		lastErr = err
		if attempt < MaxRetries {
			fmt.Printf("Error: %s must be a %s (received invalid value)\n", cfg.Name, cfg.Type)
		}
	}
	return nil, fmt.Errorf("failed to collect input %s after %d attempts: %w", cfg.Name, MaxRetries, lastErr)
}

// CollectInputs asks every question in order and returns the answers by
// parameter name.
func (ic *InputCollector) CollectInputs(ctx context.Context, configs []PromptConfig) (map[string]any, error) {
	answers := make(map[string]any, len(configs))
	ic.total = len(configs)
	for i, cfg := range configs {
		ic.current = i + 1
		value, err := ic.CollectInput(ctx, cfg)
		if err != nil {
			return nil, err
		}
		answers[cfg.Name] = value
	}
	return answers, nil
}

func defaultString(v any) string {
	if v == nil {
		return ""
	}
	return fmt.Sprintf("%v", v)
}

func defaultInt(v any) int64 {
	switch d := v.(type) {
	case int:
		return int64(d)
	case int64:
		return d
	case float64:
		return int64(d)
	}
	return 0
}

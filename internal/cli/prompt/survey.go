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
	"errors"
	"fmt"
	"strconv"

	"github.com/AlecAivazis/survey/v2"
)

// errNotInteractive is returned by every prompt when the terminal is
// unavailable.
var errNotInteractive = errors.New("cannot prompt in non-interactive mode")

// SurveyPrompter asks questions with the survey library, validating
// answers before they are accepted.
type SurveyPrompter struct {
	interactive bool
}

// NewSurveyPrompter creates a terminal prompter. With interactive false
// every question fails, which callers use to surface missing inputs in
// CI instead of hanging.
func NewSurveyPrompter(interactive bool) *SurveyPrompter {
	return &SurveyPrompter{interactive: interactive}
}

// IsInteractive reports whether questions will be shown.
func (sp *SurveyPrompter) IsInteractive() bool {
	return sp.interactive
}

// askText runs one free-text question, validating each keystroke-final
// answer with check before survey accepts it.
func (sp *SurveyPrompter) askText(message, def string, check func(string) error) (string, error) {
	if !sp.interactive {
		return "", errNotInteractive
	}
	var answer string
	q := &survey.Input{Message: message, Default: def}
	err := survey.AskOne(q, &answer, survey.WithValidator(func(ans any) error {
		if s, ok := ans.(string); ok {
			return check(s)
		}
		return nil
	}))
	return answer, err
}

// PromptString asks for a free-form string.
func (sp *SurveyPrompter) PromptString(ctx context.Context, name, desc string, def string) (string, error) {
	return sp.askText(fmt.Sprintf("%s: %s", name, desc), def, ValidateString)
}

// PromptNumber asks for a float.
func (sp *SurveyPrompter) PromptNumber(ctx context.Context, name, desc string, def float64) (float64, error) {
	defStr := ""
	if def != 0 {
		defStr = strconv.FormatFloat(def, 'f', -1, 64)
	}
	answer, err := sp.askText(fmt.Sprintf("%s: %s", name, desc), defStr, func(s string) error {
		_, err := ValidateNumber(s)
		return err
	})
	if err != nil {
		return 0, err
	}
	return ValidateNumber(answer)
}

// PromptInt asks for a whole number.
func (sp *SurveyPrompter) PromptInt(ctx context.Context, name, desc string, def int64) (int64, error) {
	defStr := ""
	if def != 0 {
		defStr = strconv.FormatInt(def, 10)
	}
	answer, err := sp.askText(fmt.Sprintf("%s: %s", name, desc), defStr, func(s string) error {
		_, err := ValidateInteger(s)
		return err
	})
	if err != nil {
		return 0, err
	}
	return ValidateInteger(answer)
}

// PromptBool asks a yes/no question.
func (sp *SurveyPrompter) PromptBool(ctx context.Context, name, desc string, def bool) (bool, error) {
	if !sp.interactive {
		return false, errNotInteractive
	}
	var answer bool
	err := survey.AskOne(&survey.Confirm{
		Message: fmt.Sprintf("%s: %s", name, desc),
		Default: def,
	}, &answer)
	return answer, err
}

// PromptEnum presents the options as a select list.
func (sp *SurveyPrompter) PromptEnum(ctx context.Context, name, desc string, options []string, def string) (string, error) {
	if !sp.interactive {
		return "", errNotInteractive
	}
	if len(options) == 0 {
		return "", fmt.Errorf("no options provided for enum input")
	}
	var answer string
	err := survey.AskOne(&survey.Select{
		Message: fmt.Sprintf("%s: %s", name, desc),
		Options: options,
		Default: def,
	}, &answer)
	return answer, err
}

// PromptArray asks for a list, accepting comma-separated values or a
// JSON array.
func (sp *SurveyPrompter) PromptArray(ctx context.Context, name, desc string) ([]any, error) {
	answer, err := sp.askText(fmt.Sprintf("%s: %s (comma-separated or JSON array)", name, desc), "", func(s string) error {
		_, err := ValidateArray(s)
		return err
	})
	if err != nil {
		return nil, err
	}
	return ValidateArray(answer)
}

// PromptObject asks for a JSON object.
func (sp *SurveyPrompter) PromptObject(ctx context.Context, name, desc string) (map[string]any, error) {
	answer, err := sp.askText(fmt.Sprintf("%s: %s (JSON object)", name, desc), "", func(s string) error {
		_, err := ValidateObject(s)
		return err
	})
	if err != nil {
		return nil, err
	}
	return ValidateObject(answer)
}

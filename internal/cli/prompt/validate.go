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
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"unicode"
)

// ValidateString rejects oversized answers and answers carrying null
// bytes or control characters other than whitespace.
func ValidateString(input string) error {
	if len(input) > MaxInputSize {
		return fmt.Errorf("input exceeds maximum size of %d bytes", MaxInputSize)
	}
	for i, r := range input {
		switch {
		case r == 0:
			return fmt.Errorf("input contains null byte at position %d", i)
		case unicode.IsControl(r) && r != '\n' && r != '\r' && r != '\t':
			return fmt.Errorf("input contains invalid control character at position %d", i)
		}
	}
	return nil
}

// ValidateNumber parses a float answer.
func ValidateNumber(input string) (float64, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return 0, fmt.Errorf("input is empty")
	}
	n, err := strconv.ParseFloat(input, 64)
	if err != nil {
		return 0, fmt.Errorf("input must be a number")
	}
	return n, nil
}

// ValidateInteger parses a whole-number answer.
func ValidateInteger(input string) (int64, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return 0, fmt.Errorf("input is empty")
	}
	n, err := strconv.ParseInt(input, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("input must be a whole number")
	}
	return n, nil
}

// ValidateBool parses y/yes/true/1 and n/no/false/0, case-insensitive.
func ValidateBool(input string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(input)) {
	case "y", "yes", "true", "1":
		return true, nil
	case "n", "no", "false", "0":
		return false, nil
	}
	return false, fmt.Errorf("input must be y/yes/true/1 or n/no/false/0")
}

// ValidateEnum resolves an answer against the option list, accepting
// either the option text (case-insensitive) or its 1-based index.
func ValidateEnum(input string, options []string) (string, error) {
	if len(options) == 0 {
		return "", fmt.Errorf("no options available")
	}
	input = strings.TrimSpace(input)

	if idx, err := strconv.Atoi(input); err == nil {
		if idx < 1 || idx > len(options) {
			return "", fmt.Errorf("selection must be between 1 and %d", len(options))
		}
		return options[idx-1], nil
	}

	for _, opt := range options {
		if strings.EqualFold(input, opt) {
			return opt, nil
		}
	}
	return "", fmt.Errorf("input must be a valid option or number between 1 and %d", len(options))
}

// ValidateArray parses a list answer: a JSON array when it starts with
// '[', otherwise comma-separated values with backslash escaping.
func ValidateArray(input string) ([]any, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return []any{}, nil
	}

	if strings.HasPrefix(input, "[") {
		var arr []any
		if err := json.Unmarshal([]byte(input), &arr); err != nil {
			return nil, fmt.Errorf("invalid JSON array: %w", err)
		}
		return arr, nil
	}

	return splitCSV(input), nil
}

// splitCSV splits on unescaped commas, trimming and dropping empty
// elements.
func splitCSV(input string) []any {
	var (
		out     = make([]any, 0)
		current strings.Builder
		escaped bool
	)
	flush := func() {
		if v := strings.TrimSpace(current.String()); v != "" {
			out = append(out, v)
		}
		current.Reset()
	}
	for _, r := range input {
		switch {
		case escaped:
			current.WriteRune(r)
			escaped = false
		case r == '\\':
			escaped = true
		case r == ',':
			flush()
		default:
			current.WriteRune(r)
		}
	}
	flush()
	return out
}

// ValidateObject parses a JSON object answer and bounds its nesting.
func ValidateObject(input string) (map[string]any, error) {
	input = strings.TrimSpace(input)
	if input == "" {
		return nil, fmt.Errorf("input is empty")
	}

	var obj map[string]any
	if err := json.Unmarshal([]byte(input), &obj); err != nil {
		return nil, fmt.Errorf("invalid JSON object: %w", err)
	}
	if err := checkDepth(obj, 0); err != nil {
		return nil, err
	}
	return obj, nil
}

func checkDepth(v any, depth int) error {
	if depth > MaxNestedDepth {
		return fmt.Errorf("object nesting exceeds maximum depth of %d", MaxNestedDepth)
	}
	switch val := v.(type) {
	case map[string]any:
		for _, nested := range val {
			if err := checkDepth(nested, depth+1); err != nil {
				return err
			}
		}
	case []any:
		for _, nested := range val {
			if err := checkDepth(nested, depth+1); err != nil {
				return err
			}
		}
	}
	return nil
}

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

package run

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/archflow/archflow/internal/cli/prompt"
	"github.com/archflow/archflow/internal/commands/shared"
	"github.com/archflow/archflow/internal/secrets"
	"github.com/archflow/archflow/pkg/flow"
)

// interactiveAllowed reports whether missing inputs may be prompted for.
// The --no-interactive flag wins; otherwise CI detection and the TTY
// check in shared.IsNonInteractive decide.
func interactiveAllowed(noInteractive bool) bool {
	if noInteractive {
		return false
	}
	return !shared.IsNonInteractive()
}

// loadInputFile loads inputs from a JSON file or stdin.
func loadInputFile(path string) (map[string]any, error) {
	var data []byte
	var err error

	if path == "-" {
		stat, _ := os.Stdin.Stat()
		if (stat.Mode() & os.ModeCharDevice) != 0 {
			return nil, fmt.Errorf("--input-file - requires input on stdin (pipe or redirect)")
		}
		data, err = io.ReadAll(os.Stdin)
		if err != nil {
			return nil, fmt.Errorf("failed to read from stdin: %w", err)
		}
	} else {
		data, err = os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read input file: %w", err)
		}
	}

	var inputs map[string]any
	if err := json.Unmarshal(data, &inputs); err != nil {
		return nil, fmt.Errorf("failed to parse JSON input: %w", err)
	}
	return inputs, nil
}

// parseInputs merges --input-file contents with --input key=value pairs.
// Command-line pairs win over file values.
func parseInputs(inputArgs []string, inputFile string) (map[string]any, error) {
	var inputs map[string]any
	if inputFile != "" {
		var err error
		inputs, err = loadInputFile(inputFile)
		if err != nil {
			return nil, err
		}
	} else {
		inputs = make(map[string]any)
	}

	for _, arg := range inputArgs {
		parts := strings.SplitN(arg, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid input format %q (expected key=value)", arg)
		}
		inputs[parts[0]] = parts[1]
	}
	return inputs, nil
}

// coerceInputs converts string values from key=value flags to the
// declared parameter type. Values that do not parse are left as strings
// so flow.CheckInput reports them with the parameter name attached.
func coerceInputs(f *flow.Flow, inputs map[string]any) map[string]any {
	for _, p := range f.Params {
		raw, ok := inputs[p.Name].(string)
		if !ok {
			continue
		}
		switch p.Type {
		case "number":
			if v, err := strconv.ParseFloat(raw, 64); err == nil {
				inputs[p.Name] = v
			}
		case "integer":
			if v, err := strconv.ParseInt(raw, 10, 64); err == nil {
				inputs[p.Name] = v
			}
		case "boolean":
			if v, err := strconv.ParseBool(raw); err == nil {
				inputs[p.Name] = v
			}
		case "array", "object":
			var parsed any
			if err := json.Unmarshal([]byte(raw), &parsed); err == nil {
				inputs[p.Name] = parsed
			}
		}
	}
	return inputs
}

// collectMissing prompts for the flow's missing required parameters in
// declaration order.
func collectMissing(ctx context.Context, prompter prompt.Prompter, missing []flow.Param) (map[string]any, error) {
	collector := prompt.NewInputCollector(prompter)
	return collector.CollectInputs(ctx, prompt.FromParams(missing))
}

// formatMissingInputsError builds the non-interactive failure message for
// absent required parameters.
func formatMissingInputsError(missing []flow.Param) string {
	var sb strings.Builder
	sb.WriteString("Missing required inputs:\n")
	for _, p := range missing {
		typ := p.Type
		if typ == "" {
			typ = "string"
		}
		sb.WriteString(fmt.Sprintf("  - %s (%s): %s\n", p.Name, typ, p.Description))
		if len(p.Enum) > 0 {
			sb.WriteString(fmt.Sprintf("    Valid values: %s\n", strings.Join(p.Enum, ", ")))
		}
	}
	sb.WriteString("\nRun with --help-inputs to see all flow inputs.")
	return sb.String()
}

// showFlowInputs displays the flow's declared parameters.
func showFlowInputs(f *flow.Flow) {
	if len(f.Params) == 0 {
		fmt.Println("This flow has no defined inputs.")
		return
	}

	fmt.Println("Flow Inputs:")
	fmt.Println()
	for _, p := range f.Params {
		required := "required"
		if !p.Required() {
			required = "optional"
		}
		typ := p.Type
		if typ == "" {
			typ = "string"
		}

		fmt.Printf("  %s (%s, %s)\n", p.Name, typ, required)
		if p.Description != "" {
			fmt.Printf("    %s\n", p.Description)
		}
		if p.Default != nil {
			fmt.Printf("    Default: %v\n", p.Default)
		}
		if len(p.Enum) > 0 {
			fmt.Printf("    Valid values: %s\n", strings.Join(p.Enum, ", "))
		}
		fmt.Println()
	}
}

// expandSecretDefaults resolves ${secret:...} references in string input
// values. References that fail to resolve fail the run before it starts,
// not at the step that reads them.
func expandSecretDefaults(ctx context.Context, resolver *secrets.Resolver, inputs map[string]any) error {
	for k, v := range inputs {
		s, ok := v.(string)
		if !ok || !strings.Contains(s, "${secret:") {
			continue
		}
		expanded, err := resolver.Expand(ctx, s)
		if err != nil {
			return fmt.Errorf("input %s: %w", k, err)
		}
		inputs[k] = expanded
	}
	return nil
}

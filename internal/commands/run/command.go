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
	"github.com/spf13/cobra"

	"github.com/archflow/archflow/internal/commands/shared"
)

// NewCommand creates the run command
func NewCommand() *cobra.Command {
	var (
		inputs        []string
		inputFile     string
		outputFile    string
		timeout       string
		noInteractive bool
		helpInputs    bool
		noCache       bool
	)

	cmd := &cobra.Command{
		Use:   "run <flow.yaml|flow-id>",
		Short: "Execute a flow",
		Annotations: map[string]string{
			"group": "execution",
		},
		Long: `Run executes a flow to completion and prints its output.

The argument is either a path to a flow definition file or the id of a
flow registered in the flows directory (see 'archflow flows list').

Inputs:
  --input, -i key=value    Set a declared parameter (repeatable)
  --input-file <path>      JSON object with inputs ('-' reads stdin)

Missing required parameters are prompted for interactively when stdin is
a terminal. In CI, with --no-interactive, or with --json, missing
parameters fail the run instead.

Suspension:
  When a step suspends the run for user input, the prompt is rendered
  inline and the run resumes with the answers. Non-interactive runs print
  the resume token and exit; continue later with 'archflow resume'.

Verbosity levels:
  --verbose  Stream step and tool progress to stderr
  (default)  Show step progress updates
  --quiet    Suppress non-error output`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			// --json implies --no-interactive
			if shared.GetJSON() {
				noInteractive = true
			}

			opts := options{
				target:        args[0],
				inputs:        inputs,
				inputFile:     inputFile,
				outputFile:    outputFile,
				timeout:       timeout,
				noInteractive: noInteractive,
				helpInputs:    helpInputs,
				noCache:       noCache,
			}
			return execute(cmd.Context(), opts)
		},
	}

	cmd.Flags().StringSliceVarP(&inputs, "input", "i", nil, "Flow input in key=value format")
	cmd.Flags().StringVar(&inputFile, "input-file", "", "JSON file with inputs (use '-' for stdin)")
	cmd.Flags().StringVarP(&outputFile, "output", "o", "", "Write flow output to file")
	cmd.Flags().StringVar(&timeout, "timeout", "", "Override flow timeout (e.g. 90s, 5m)")
	cmd.Flags().BoolVar(&noInteractive, "no-interactive", false, "Disable interactive prompts for missing inputs")
	cmd.Flags().BoolVar(&helpInputs, "help-inputs", false, "List the flow's inputs without running")
	cmd.Flags().BoolVar(&noCache, "no-cache", false, "Disable the tool result cache for this run")

	return cmd
}

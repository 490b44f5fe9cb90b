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

// Package resume implements 'archflow resume': continuing a run that a
// step suspended for user input. The resume token printed by 'archflow
// run' (or delivered on the interaction/suspend event) identifies the
// parked run; the answers travel in the resume payload and surface to
// the flow under interaction.userData.
package resume

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/archflow/archflow/internal/commands/local"
	"github.com/archflow/archflow/internal/commands/shared"
	"github.com/archflow/archflow/internal/config"
	"github.com/archflow/archflow/pkg/engine"
)

// NewCommand creates the resume command.
func NewCommand() *cobra.Command {
	var (
		data     []string
		dataFile string
		timeout  string
	)

	cmd := &cobra.Command{
		Use:   "resume <resume-token>",
		Short: "Resume a suspended run",
		Annotations: map[string]string{
			"group": "execution",
		},
		Long: `Resume continues a run that suspended waiting for user input.

The token is one-shot: a successful resume consumes it, and an expired
token is rejected. The answers given with --data (or --data-file) are
visible to the remaining steps as interaction.userData.

Suspension state lives in the state store, so resuming requires the same
store configuration the suspending run used. The in-memory backend
cannot resume across processes.`,
		Example: `  # Resume with answers
  archflow resume 3f2a... --data approved=true --data comment="ship it"

  # Resume with a JSON payload
  archflow resume 3f2a... --data-file answers.json`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runResume(cmd.Context(), args[0], data, dataFile, timeout)
		},
	}

	cmd.Flags().StringSliceVar(&data, "data", nil, "Resume payload entry in key=value format")
	cmd.Flags().StringVar(&dataFile, "data-file", "", "JSON file with the resume payload")
	cmd.Flags().StringVar(&timeout, "timeout", "", "Override flow timeout (e.g. 90s, 5m)")

	return cmd
}

func runResume(ctx context.Context, token string, data []string, dataFile, timeoutFlag string) error {
	cfg, err := config.Load(shared.GetConfigPath())
	if err != nil {
		return err
	}

	var timeout time.Duration
	if timeoutFlag != "" {
		timeout, err = time.ParseDuration(timeoutFlag)
		if err != nil {
			return fmt.Errorf("invalid --timeout %q: %w", timeoutFlag, err)
		}
	}

	userData, err := parseData(data, dataFile)
	if err != nil {
		return err
	}

	rt, err := local.New(cfg, local.Options{})
	if err != nil {
		return err
	}
	defer rt.Close()

	resumeCtx, cancel := context.WithTimeout(ctx, rt.WaitTimeout(timeout))
	defer cancel()

	result, err := rt.Engine.Resume(resumeCtx, token, userData)
	if err != nil {
		return err
	}
	return report(result)
}

// parseData merges --data-file contents with --data key=value pairs;
// pairs win. Values that parse as JSON keep their type, everything else
// stays a string.
func parseData(pairs []string, dataFile string) (map[string]any, error) {
	userData := make(map[string]any)
	if dataFile != "" {
		raw, err := os.ReadFile(dataFile)
		if err != nil {
			return nil, fmt.Errorf("failed to read data file: %w", err)
		}
		if err := json.Unmarshal(raw, &userData); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", dataFile, err)
		}
	}

	for _, pair := range pairs {
		parts := strings.SplitN(pair, "=", 2)
		if len(parts) != 2 {
			return nil, fmt.Errorf("invalid data format %q (expected key=value)", pair)
		}
		var typed any
		if err := json.Unmarshal([]byte(parts[1]), &typed); err == nil {
			userData[parts[0]] = typed
		} else {
			userData[parts[0]] = parts[1]
		}
	}
	return userData, nil
}

func report(result *engine.FlowResult) error {
	if shared.GetJSON() {
		data, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(data))
	}

	switch result.Status {
	case engine.RunStatusCompleted:
		if !shared.GetJSON() && !shared.GetQuiet() {
			printOutput(result.Output)
		}
		return nil
	case engine.RunStatusSuspended:
		// The run suspended again; hand back a fresh token.
		if !shared.GetJSON() {
			fmt.Printf("Run %s suspended again.\n", result.RunID)
			fmt.Printf("Resume with: archflow resume %s\n", result.ResumeToken)
		}
		return nil
	default:
		msg := fmt.Sprintf("run %s %s", result.RunID, result.Status)
		if len(result.Errors) > 0 {
			msg = fmt.Sprintf("%s: %s", msg, result.Errors[0].Message)
		}
		return shared.NewExecutionError(msg, nil)
	}
}

func printOutput(output any) {
	switch v := output.(type) {
	case nil:
	case string:
		fmt.Println(v)
	default:
		if data, err := json.MarshalIndent(v, "", "  "); err == nil {
			fmt.Println(string(data))
		} else {
			fmt.Printf("%v\n", v)
		}
	}
}

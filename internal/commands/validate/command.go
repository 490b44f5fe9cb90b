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

package validate

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/archflow/archflow/internal/commands/shared"
	"github.com/archflow/archflow/internal/config"
	"github.com/archflow/archflow/internal/registry"
	pkgerrors "github.com/archflow/archflow/pkg/errors"
)

// NewCommand creates the validate command.
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate <flow.yaml> [<flow.yaml>...]",
		Short: "Validate flow definitions",
		Annotations: map[string]string{
			"group": "execution",
		},
		Long: `Validate checks flow definitions without running them: YAML syntax,
declared parameters, step types, connection endpoints, entry reachability,
guard expressions, and jq transforms.

Validation applies the configured retry defaults before checking, the same
way 'archflow run' and the daemon load flows, so a definition that
validates here loads everywhere.

Exit code 2 signals an invalid definition; scripts route on it.`,
		Example: `  # Validate one flow
  archflow validate flows/summarize.yaml

  # Validate everything the daemon would load
  archflow validate flows/*.yaml

  # Machine-readable report
  archflow validate flows/summarize.yaml --json`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runValidate(args)
		},
	}

	return cmd
}

// fileReport is the per-file outcome in the JSON response.
type fileReport struct {
	Path   string             `json:"path"`
	FlowID string             `json:"flow_id,omitempty"`
	Valid  bool               `json:"valid"`
	Steps  int                `json:"steps,omitempty"`
	Errors []shared.JSONError `json:"errors,omitempty"`
}

type validateResponse struct {
	shared.JSONResponse
	Files []fileReport `json:"files"`
}

func runValidate(paths []string) error {
	cfg, err := config.Load(shared.GetConfigPath())
	if err != nil {
		return err
	}

	reports := make([]fileReport, 0, len(paths))
	invalid := 0
	for _, path := range paths {
		report := validateFile(cfg, path)
		if !report.Valid {
			invalid++
		}
		reports = append(reports, report)
	}

	if shared.GetJSON() {
		if err := shared.EmitJSON(validateResponse{
			JSONResponse: shared.JSONResponse{Version: "1.0", Command: "validate", Success: invalid == 0},
			Files:        reports,
		}); err != nil {
			return err
		}
	} else {
		printReports(reports)
	}

	if invalid > 0 {
		return shared.NewInvalidFlowError(fmt.Sprintf("%d of %d definitions invalid", invalid, len(paths)), nil)
	}
	return nil
}

// validateFile parses one definition with the configured retry defaults
// and collects every violation, not just the first.
func validateFile(cfg *config.Config, path string) fileReport {
	report := fileReport{Path: path}

	f, err := registry.ParseFile(path, cfg.RetryPolicy())
	if err != nil {
		report.Errors = collectErrors(err)
		return report
	}

	report.FlowID = f.ID
	report.Valid = true
	report.Steps = len(f.Steps)
	return report
}

// collectErrors flattens a joined validation error into JSON errors with
// the taxonomy code and any suggestion the error carries.
func collectErrors(err error) []shared.JSONError {
	var out []shared.JSONError
	for _, e := range flatten(err) {
		je := shared.JSONError{
			Code:    pkgerrors.Code(e),
			Message: e.Error(),
		}
		var ve *pkgerrors.ValidationError
		if errors.As(e, &ve) {
			je.Suggestion = ve.Suggestion
		}
		var ge *pkgerrors.GraphError
		if errors.As(e, &ge) {
			je.StepID = ge.StepID
		}
		out = append(out, je)
	}
	return out
}

// flatten unwraps errors.Join trees into their leaves.
func flatten(err error) []error {
	if err == nil {
		return nil
	}
	if joined, ok := err.(interface{ Unwrap() []error }); ok {
		var leaves []error
		for _, e := range joined.Unwrap() {
			leaves = append(leaves, flatten(e)...)
		}
		return leaves
	}
	return []error{err}
}

func printReports(reports []fileReport) {
	for _, r := range reports {
		if r.Valid {
			label := r.FlowID
			if label == "" {
				label = r.Path
			}
			fmt.Println(shared.RenderOK(fmt.Sprintf("%s: valid (%d steps)", label, r.Steps)))
			continue
		}

		fmt.Fprintln(os.Stderr, shared.RenderError(fmt.Sprintf("%s: invalid", r.Path)))
		for _, e := range r.Errors {
			msg := e.Message
			if e.Suggestion != "" {
				msg += " (" + e.Suggestion + ")"
			}
			fmt.Fprintf(os.Stderr, "  - %s\n", strings.TrimSpace(msg))
		}
	}
}

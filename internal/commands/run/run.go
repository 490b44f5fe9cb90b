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
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/archflow/archflow/internal/cli/format"
	"github.com/archflow/archflow/internal/cli/prompt"
	"github.com/archflow/archflow/internal/cli/timeline"
	"github.com/archflow/archflow/internal/commands/local"
	"github.com/archflow/archflow/internal/commands/shared"
	"github.com/archflow/archflow/internal/config"
	"github.com/archflow/archflow/internal/registry"
	"github.com/archflow/archflow/internal/secrets"
	"github.com/archflow/archflow/pkg/engine"
	pkgerrors "github.com/archflow/archflow/pkg/errors"
	"github.com/archflow/archflow/pkg/flow"
)

type options struct {
	target        string
	inputs        []string
	inputFile     string
	outputFile    string
	timeout       string
	noInteractive bool
	helpInputs    bool
	noCache       bool
}

// execute drives one flow run from the terminal: load the definition,
// assemble the inputs, stream progress while the engine works, walk the
// suspend/resume loop, then render the result with the right exit code.
func execute(ctx context.Context, opts options) error {
	cfg, err := config.Load(shared.GetConfigPath())
	if err != nil {
		return err
	}

	var timeout time.Duration
	if opts.timeout != "" {
		timeout, err = time.ParseDuration(opts.timeout)
		if err != nil {
			return fmt.Errorf("invalid --timeout %q: %w", opts.timeout, err)
		}
	}

	interactive := interactiveAllowed(opts.noInteractive)

	f, flowsDir, err := resolveFlow(cfg, opts.target)
	if err != nil {
		return err
	}

	if opts.helpInputs {
		showFlowInputs(f)
		return nil
	}

	inputs, err := parseInputs(opts.inputs, opts.inputFile)
	if err != nil {
		return err
	}
	inputs = coerceInputs(f, inputs)
	if err := expandSecretDefaults(ctx, secrets.DefaultResolver(), inputs); err != nil {
		return err
	}

	if missing := f.MissingParams(inputs); len(missing) > 0 {
		if !interactive {
			return shared.NewExecutionError(formatMissingInputsError(missing), nil)
		}
		collected, err := collectMissing(ctx, prompt.NewSurveyPrompter(true), missing)
		if err != nil {
			return fmt.Errorf("input collection failed: %w", err)
		}
		for k, v := range collected {
			inputs[k] = v
		}
		inputs = coerceInputs(f, inputs)
	}

	rt, err := local.New(cfg, local.Options{
		FlowsDir:    flowsDir,
		Approve:     true,
		Interactive: interactive,
		NoCache:     opts.noCache,
	})
	if err != nil {
		return err
	}
	defer rt.Close()

	result, form, err := runFlow(ctx, rt, f, inputs, timeout)
	if err != nil {
		return classifyRunError(err)
	}

	// A suspended run hands control back to the user. Interactively the
	// questions are asked inline and the run resumes in-process;
	// otherwise the resume token is the hand-off.
	for result.Status == engine.RunStatusSuspended {
		if !interactive {
			return reportSuspension(result)
		}
		result, form, err = resumeInline(ctx, rt, result, form, timeout)
		if err != nil {
			return classifyRunError(err)
		}
	}

	return report(result, opts.outputFile)
}

// resolveFlow loads the run target: a definition file when the path
// exists, otherwise a flow id looked up in the configured flows
// directory. For file targets the file's own directory becomes the flows
// directory so chain steps resolve against siblings.
func resolveFlow(cfg *config.Config, target string) (*flow.Flow, string, error) {
	if st, err := os.Stat(target); err == nil && !st.IsDir() {
		f, err := registry.ParseFile(target, cfg.RetryPolicy())
		if err != nil {
			return nil, "", shared.NewInvalidFlowError(fmt.Sprintf("invalid flow %s", target), err)
		}
		return f, filepath.Dir(target), nil
	}

	flows, err := registry.New(registry.Config{
		Dir:           cfg.Flows.Dir,
		Include:       cfg.Flows.Include,
		Exclude:       cfg.Flows.Exclude,
		RetryDefaults: cfg.RetryPolicy(),
	})
	if err != nil {
		return nil, "", err
	}
	defer flows.Close()

	f, err := flows.Get(target)
	if err != nil {
		return nil, "", shared.NewExecutionError(
			fmt.Sprintf("flow %q not found (not a file, and not registered under %s)", target, cfg.Flows.Dir), err)
	}
	return f, "", nil
}

// runFlow starts the run, streams its events to the terminal, and waits
// for the first settled result, stopping the run when the deadline hits.
// The second return value is the interaction form captured from the
// stream when the run suspended, nil otherwise.
func runFlow(ctx context.Context, rt *local.Runtime, f *flow.Flow, inputs map[string]any, timeout time.Duration) (*engine.FlowResult, map[string]any, error) {
	runID, err := rt.Engine.Start(ctx, f, inputs)
	if err != nil {
		return nil, nil, err
	}

	ch, unsubscribe := rt.Events.Subscribe(runID)
	renderer := local.NewStreamRenderer(os.Stderr, verbosity())
	go renderer.Consume(ch)
	defer func() {
		unsubscribe()
		renderer.Wait()
	}()

	waitCtx, cancel := context.WithTimeout(ctx, rt.WaitTimeout(timeout))
	defer cancel()

	result, err := rt.Engine.Wait(waitCtx, runID)
	if err == nil {
		return result, renderer.LastForm(), nil
	}
	if waitCtx.Err() != nil {
		// The deadline is the CLI's, not the engine's; the run would keep
		// going detached. Stop it and report the timeout.
		if _, stopErr := rt.Engine.Stop(runID); stopErr != nil {
			rt.Logger.Warn("failed to stop timed-out run")
		}
		return nil, nil, shared.NewTimeoutError(fmt.Sprintf("run %s did not finish in time", runID), waitCtx.Err())
	}
	return nil, nil, err
}

// resumeInline asks the suspend questions at the terminal and resumes the
// run with the answers.
func resumeInline(ctx context.Context, rt *local.Runtime, prev *engine.FlowResult, form map[string]any, timeout time.Duration) (*engine.FlowResult, map[string]any, error) {
	userData, err := collectSuspendInput(prev, form)
	if err != nil {
		return nil, nil, err
	}

	ch, unsubscribe := rt.Events.Subscribe(prev.RunID)
	renderer := local.NewStreamRenderer(os.Stderr, verbosity())
	go renderer.Consume(ch)
	defer func() {
		unsubscribe()
		renderer.Wait()
	}()

	resumeCtx, cancel := context.WithTimeout(ctx, rt.WaitTimeout(timeout))
	defer cancel()
	result, err := rt.Engine.Resume(resumeCtx, prev.ResumeToken, userData)
	if err != nil {
		return nil, nil, err
	}
	return result, renderer.LastForm(), nil
}

// verbosity maps the global flags to a stream verbosity.
func verbosity() local.Verbosity {
	switch {
	case shared.GetJSON(), shared.GetQuiet():
		return local.VerbositySilent
	case shared.GetVerbose():
		return local.VerbosityVerbose
	default:
		return local.VerbosityNormal
	}
}

// reportSuspension prints the resume hand-off for non-interactive runs.
// The suspension itself is a successful outcome; the exit code is 0.
func reportSuspension(result *engine.FlowResult) error {
	if shared.GetJSON() {
		return emitResultJSON(result, "")
	}
	fmt.Printf("Run %s suspended.\n", result.RunID)
	fmt.Printf("Resume with: archflow resume %s [--data key=value]\n", result.ResumeToken)
	return nil
}

// report renders the terminal result and converts failures to exit codes.
func report(result *engine.FlowResult, outputFile string) error {
	if err := emitResultJSON(result, outputFile); err != nil {
		return err
	}

	switch result.Status {
	case engine.RunStatusCompleted:
		if !shared.GetJSON() && !shared.GetQuiet() {
			printOutput(result.Output)
			if shared.GetVerbose() {
				printTimeline(result)
			}
		}
		return nil
	case engine.RunStatusStopped:
		return shared.NewExecutionError(fmt.Sprintf("run %s was stopped", result.RunID), nil)
	default:
		msg := fmt.Sprintf("run %s failed", result.RunID)
		if len(result.Errors) > 0 {
			first := result.Errors[0]
			msg = fmt.Sprintf("run %s failed at step %s: %s", result.RunID, first.StepID, first.Message)
			if first.Code == pkgerrors.CodeStepTimeout {
				return shared.NewTimeoutError(msg, nil)
			}
		}
		return shared.NewExecutionError(msg, nil)
	}
}

// emitResultJSON writes the full FlowResult to --output and, in JSON
// mode, to stdout.
func emitResultJSON(result *engine.FlowResult, outputFile string) error {
	if outputFile == "" && !shared.GetJSON() {
		return nil
	}
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode result: %w", err)
	}
	if outputFile != "" {
		if err := os.WriteFile(outputFile, append(data, '\n'), 0o644); err != nil {
			return fmt.Errorf("failed to write %s: %w", outputFile, err)
		}
	}
	if shared.GetJSON() {
		fmt.Println(string(data))
	}
	return nil
}

// printOutput renders the flow output for humans: strings as markdown,
// everything else as JSON, syntax-highlighted when stdout is a terminal.
func printOutput(output any) {
	isTTY := format.IsTTY()
	switch v := output.(type) {
	case nil:
	case string:
		rendered, err := format.FormatMarkdown(v, isTTY)
		if err != nil {
			rendered = v
		}
		fmt.Println(rendered)
	default:
		data, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			fmt.Printf("%v\n", v)
			return
		}
		rendered, err := format.FormatJSON(string(data), isTTY)
		if err != nil {
			rendered = string(data)
		}
		fmt.Println(rendered)
	}
}

// printTimeline draws the per-step timeline on stderr. Skipped silently
// when the terminal is too narrow or there is nothing to draw.
func printTimeline(result *engine.FlowResult) {
	r, err := timeline.NewRenderer()
	if err != nil {
		return
	}
	out, err := r.Render(result.FlowID, result.Steps)
	if err != nil {
		return
	}
	fmt.Fprint(os.Stderr, "\n"+out)
}

// classifyRunError maps engine rejections onto the CLI exit contract:
// definition problems exit 2, timeouts exit 3, the rest exit 1.
func classifyRunError(err error) error {
	var exitErr *shared.ExitError
	if errors.As(err, &exitErr) {
		return err
	}
	switch pkgerrors.Code(err) {
	case pkgerrors.CodeInvalidWorkflow, pkgerrors.CodeBrokenGraph, pkgerrors.CodeCyclicStep:
		return shared.NewInvalidFlowError("", err)
	case pkgerrors.CodeStepTimeout:
		return shared.NewTimeoutError("", err)
	default:
		return err
	}
}

package flow

import (
	stderrors "errors"
	"fmt"
	"regexp"

	"github.com/itchyny/gojq"

	"github.com/archflow/archflow/pkg/errors"
)

// Step ids appear in context paths (step.<id>.output), so dots and
// whitespace are excluded.
var stepIDPattern = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_-]*$`)

var paramTypes = map[string]bool{
	"string":  true,
	"number":  true,
	"integer": true,
	"boolean": true,
	"object":  true,
	"array":   true,
}

// Validate checks the flow against the structural rules: id and entry
// presence, step id uniqueness and shape, parameter declarations,
// connection endpoints, duplicate edges, reachability from the entry,
// guard compilation, and jq transform compilation. All violations are
// collected and returned joined, so a caller can surface every problem
// at once. Static cycles are legal; loops are bounded at run time.
func (f *Flow) Validate() error {
	var errs []error
	report := func(err error) {
		errs = append(errs, err)
	}

	if f.ID == "" {
		report(&errors.ValidationError{
			Field:      "id",
			Message:    "flow id is required",
			Suggestion: "add an id field to the flow definition",
		})
	}
	if len(f.Steps) == 0 {
		report(&errors.ValidationError{
			Field:      "steps",
			Message:    "flow has no steps",
			Suggestion: "declare at least one step",
		})
		return stderrors.Join(errs...)
	}

	f.validateParams(report)
	seen := f.validateSteps(report)
	f.validateEntry(seen, report)
	f.validateConnections(seen, report)
	f.validateReachability(seen, report)

	return stderrors.Join(errs...)
}

func (f *Flow) validateParams(report func(error)) {
	names := make(map[string]bool, len(f.Params))
	for _, p := range f.Params {
		if p.Name == "" {
			report(&errors.ValidationError{
				Field:   "params",
				Message: "parameter with empty name",
			})
			continue
		}
		if names[p.Name] {
			report(&errors.ValidationError{
				Field:   "params",
				Message: fmt.Sprintf("duplicate parameter %q", p.Name),
			})
		}
		names[p.Name] = true

		if p.Type != "" && !paramTypes[p.Type] {
			report(&errors.ValidationError{
				Field:      fmt.Sprintf("params.%s.type", p.Name),
				Message:    fmt.Sprintf("unknown parameter type %q", p.Type),
				Suggestion: "use one of string, number, integer, boolean, object, array",
			})
		}
		if len(p.Enum) > 0 && p.Type != "" && p.Type != "string" {
			report(&errors.ValidationError{
				Field:      fmt.Sprintf("params.%s.enum", p.Name),
				Message:    "enum values are only supported on string parameters",
				Suggestion: "drop the enum list or change the type to string",
			})
		}
	}
}

// validateSteps checks each step and returns the set of declared ids.
func (f *Flow) validateSteps(report func(error)) map[string]bool {
	seen := make(map[string]bool, len(f.Steps))
	for i := range f.Steps {
		step := &f.Steps[i]

		if step.ID == "" {
			report(&errors.ValidationError{
				Field:      fmt.Sprintf("steps[%d].id", i),
				Message:    "step id is required",
				Suggestion: "give every step a unique id",
			})
			continue
		}
		if !stepIDPattern.MatchString(step.ID) {
			report(&errors.ValidationError{
				Field:      fmt.Sprintf("steps.%s.id", step.ID),
				Message:    fmt.Sprintf("step id %q is not a valid identifier", step.ID),
				Suggestion: "use letters, digits, underscores and hyphens, starting with a letter",
			})
		}
		if seen[step.ID] {
			report(&errors.ValidationError{
				Field:   fmt.Sprintf("steps.%s", step.ID),
				Message: fmt.Sprintf("duplicate step id %q", step.ID),
			})
		}
		seen[step.ID] = true

		f.validateStep(step, report)
	}
	return seen
}

func (f *Flow) validateStep(step *Step, report func(error)) {
	field := func(name string) string {
		return fmt.Sprintf("steps.%s.%s", step.ID, name)
	}

	if !step.Type.Valid() {
		report(&errors.ValidationError{
			Field:      field("type"),
			Message:    fmt.Sprintf("unknown step type %q", step.Type),
			Suggestion: "use one of tool, agent, chain",
		})
		return
	}

	switch step.Type {
	case StepTool:
		if step.Tool == "" {
			report(&errors.ValidationError{
				Field:      field("tool"),
				Message:    "tool steps must name a registered tool",
				Suggestion: "set the tool field, for example tool: http.get",
			})
		}
	case StepChain:
		if step.Flow == "" {
			report(&errors.ValidationError{
				Field:      field("flow"),
				Message:    "chain steps must reference a flow id",
				Suggestion: "set the flow field to the sub-flow's id",
			})
		}
		if step.Flow == f.ID {
			report(&errors.ValidationError{
				Field:      field("flow"),
				Message:    "chain steps must not reference their own flow",
				Suggestion: "model loops with a guarded back edge and an iteration counter",
			})
		}
	case StepAgent:
		if _, ok := step.Config["prompt"]; !ok {
			report(&errors.ValidationError{
				Field:      field("config.prompt"),
				Message:    "agent steps require a prompt",
				Suggestion: "add config.prompt with the model instruction",
			})
		}
	}

	if step.TimeoutMs < 0 {
		report(&errors.ValidationError{
			Field:   field("timeout_ms"),
			Message: fmt.Sprintf("timeout must not be negative, got %d", step.TimeoutMs),
		})
	}

	if step.Retry != nil {
		if _, err := step.Retry.Policy(); err != nil {
			report(&errors.ValidationError{
				Field:   field("retry"),
				Message: fmt.Sprintf("invalid retry configuration: %s", err),
			})
		}
	}

	if step.Transform != "" {
		if _, err := gojq.Parse(step.Transform); err != nil {
			report(&errors.ValidationError{
				Field:      field("transform"),
				Message:    fmt.Sprintf("invalid jq expression: %s", err),
				Suggestion: "check the transform against jq syntax",
			})
		}
	}
}

func (f *Flow) validateEntry(seen map[string]bool, report func(error)) {
	if f.Entry == "" {
		report(&errors.ValidationError{
			Field:      "entry",
			Message:    "flow has no entry step",
			Suggestion: "set entry to the id of the first step",
		})
		return
	}
	if !seen[f.Entry] {
		report(&errors.ValidationError{
			Field:      "entry",
			Message:    fmt.Sprintf("entry step %q does not exist", f.Entry),
			Suggestion: "point entry at a declared step id",
		})
	}
}

func (f *Flow) validateConnections(seen map[string]bool, report func(error)) {
	guards := NewGuardEvaluator()
	type edge struct {
		source, target string
		errorPath      bool
	}
	edges := make(map[edge]bool, len(f.Connections))

	for i, conn := range f.Connections {
		field := fmt.Sprintf("connections[%d]", i)

		if conn.Source == "" || conn.Target == "" {
			report(&errors.ValidationError{
				Field:   field,
				Message: "connections require both source and target",
			})
			continue
		}
		if !seen[conn.Source] {
			report(&errors.ValidationError{
				Field:   field + ".source",
				Message: fmt.Sprintf("connection source %q does not exist", conn.Source),
			})
		}
		if !seen[conn.Target] {
			report(&errors.ValidationError{
				Field:   field + ".target",
				Message: fmt.Sprintf("connection target %q does not exist", conn.Target),
			})
		}

		e := edge{conn.Source, conn.Target, conn.ErrorPath}
		if edges[e] {
			report(&errors.ValidationError{
				Field:   field,
				Message: fmt.Sprintf("duplicate connection %s -> %s (error_path=%t)", conn.Source, conn.Target, conn.ErrorPath),
			})
		}
		edges[e] = true

		if conn.Guard != "" {
			if err := guards.Compile(conn.Guard); err != nil {
				report(&errors.ValidationError{
					Field:   field + ".guard",
					Message: fmt.Sprintf("invalid guard: %s", err),
				})
			}
		}
	}
}

// validateReachability walks normal and error edges from the entry and
// reports every step the walk never reaches.
func (f *Flow) validateReachability(seen map[string]bool, report func(error)) {
	if f.Entry == "" || !seen[f.Entry] {
		return
	}

	adjacent := make(map[string][]string)
	for _, conn := range f.Connections {
		adjacent[conn.Source] = append(adjacent[conn.Source], conn.Target)
	}

	reached := map[string]bool{f.Entry: true}
	queue := []string{f.Entry}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range adjacent[cur] {
			if !reached[next] {
				reached[next] = true
				queue = append(queue, next)
			}
		}
	}

	for _, step := range f.Steps {
		if step.ID != "" && !reached[step.ID] {
			report(&errors.ValidationError{
				Field:      fmt.Sprintf("steps.%s", step.ID),
				Message:    fmt.Sprintf("step %q is not reachable from entry %q", step.ID, f.Entry),
				Suggestion: "connect the step to the graph or remove it",
			})
		}
	}
}

// Package flow defines the workflow model: a directed graph of steps
// joined by guarded connections, parsed from YAML and validated before
// the engine will run it.
//
// The model is deliberately small. A step names what runs (a tool, an
// agent turn, or a chained sub-flow); connections carry the control flow,
// including error-path edges and boolean guard expressions. Branching is
// not exclusive: every connection whose guard holds is followed.
package flow

import (
	"fmt"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/archflow/archflow/pkg/errors"
	"github.com/archflow/archflow/pkg/retry"
)

// StepType classifies what a step executes.
type StepType string

const (
	// StepTool invokes a registered tool.
	StepTool StepType = "tool"

	// StepAgent runs a model turn through the configured adapter.
	StepAgent StepType = "agent"

	// StepChain runs another flow as a child execution.
	StepChain StepType = "chain"
)

// Valid reports whether t is a known step type.
func (t StepType) Valid() bool {
	switch t {
	case StepTool, StepAgent, StepChain:
		return true
	}
	return false
}

// Flow is a parsed workflow definition.
type Flow struct {
	// ID is the flow identifier, used for registry lookups, run routing,
	// and the MCP tool name.
	ID string `yaml:"id" json:"id"`

	// Name is a human-readable title (optional, defaults to ID).
	Name string `yaml:"name,omitempty" json:"name,omitempty"`

	// Description explains what the flow does. Surfaced over MCP.
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// Version tracks the definition schema version (optional, defaults
	// to "1.0").
	Version string `yaml:"version,omitempty" json:"version,omitempty"`

	// Entry is the id of the first step to run. Defaults to the first
	// declared step.
	Entry string `yaml:"entry,omitempty" json:"entry,omitempty"`

	// Params declares the flow's input parameters.
	Params []Param `yaml:"params,omitempty" json:"params,omitempty"`

	// Steps are the nodes of the graph.
	Steps []Step `yaml:"steps" json:"steps"`

	// Connections are the edges. A flow with a single step needs none.
	Connections []Connection `yaml:"connections,omitempty" json:"connections,omitempty"`
}

// Param declares one input parameter. Params without a default are
// required.
type Param struct {
	// Name is the parameter identifier.
	Name string `yaml:"name" json:"name"`

	// Type is one of string, number, integer, boolean, object, array.
	Type string `yaml:"type" json:"type"`

	// Description explains the parameter. Surfaced over MCP.
	Description string `yaml:"description,omitempty" json:"description,omitempty"`

	// Default makes the parameter optional.
	Default any `yaml:"default,omitempty" json:"default,omitempty"`

	// Enum restricts string parameters to the listed values.
	Enum []string `yaml:"enum,omitempty" json:"enum,omitempty"`
}

// Required reports whether the parameter must be supplied by the caller.
func (p Param) Required() bool {
	return p.Default == nil
}

// Step is one node of the graph.
type Step struct {
	// ID is the unique step identifier within the flow. It appears in
	// context paths (step.<id>.output), so it is restricted to
	// identifier characters.
	ID string `yaml:"id" json:"id"`

	// Name is a human-readable step label (optional).
	Name string `yaml:"name,omitempty" json:"name,omitempty"`

	// Type selects what the step executes. Defaults to tool when a tool
	// name is set, chain when a flow reference is set, otherwise agent.
	Type StepType `yaml:"type,omitempty" json:"type,omitempty"`

	// Tool is the registered tool name for tool steps.
	Tool string `yaml:"tool,omitempty" json:"tool,omitempty"`

	// Flow is the sub-flow id for chain steps.
	Flow string `yaml:"flow,omitempty" json:"flow,omitempty"`

	// Config carries the step's input template. Values may reference
	// context paths; the engine resolves them before dispatch.
	Config map[string]any `yaml:"config,omitempty" json:"config,omitempty"`

	// TimeoutMs bounds the step's execution. Zero means the engine
	// default applies.
	TimeoutMs int64 `yaml:"timeout_ms,omitempty" json:"timeout_ms,omitempty"`

	// Retry re-executes the step on failure before declaring it failed.
	Retry *RetryConfig `yaml:"retry,omitempty" json:"retry,omitempty"`

	// Transform is a jq expression applied to the step's output before
	// it is written to the context.
	Transform string `yaml:"transform,omitempty" json:"transform,omitempty"`

	// Parallel dispatches this step's successors concurrently when more
	// than one guard holds.
	Parallel bool `yaml:"parallel,omitempty" json:"parallel,omitempty"`
}

// Timeout returns the step deadline, zero when unset.
func (s Step) Timeout() time.Duration {
	return time.Duration(s.TimeoutMs) * time.Millisecond
}

// Connection is one edge of the graph.
type Connection struct {
	// Source is the id of the step this edge leaves.
	Source string `yaml:"source" json:"source"`

	// Target is the id of the step this edge enters.
	Target string `yaml:"target" json:"target"`

	// Guard is an optional boolean expression over the run context. An
	// absent guard always holds.
	Guard string `yaml:"guard,omitempty" json:"guard,omitempty"`

	// ErrorPath marks the edge as the failure route: it is followed only
	// when the source step failed.
	ErrorPath bool `yaml:"error_path,omitempty" json:"error_path,omitempty"`
}

// RetryConfig is the YAML shape of a step's retry policy.
type RetryConfig struct {
	// MaxAttempts is the total number of invocations, including the first.
	MaxAttempts int `yaml:"max_attempts" json:"max_attempts"`

	// InitialDelayMs is the sleep before the second attempt.
	InitialDelayMs int64 `yaml:"initial_delay_ms,omitempty" json:"initial_delay_ms,omitempty"`

	// BackoffMultiplier scales the delay after each failed attempt.
	// Defaults to 2.0.
	BackoffMultiplier float64 `yaml:"backoff_multiplier,omitempty" json:"backoff_multiplier,omitempty"`

	// OutputSchema validates the step output on each attempt.
	OutputSchema *retry.OutputSchema `yaml:"output_schema,omitempty" json:"output_schema,omitempty"`

	// FailOnValidationError stops on the first schema violation instead
	// of retrying. Defaults to true.
	FailOnValidationError *bool `yaml:"fail_on_validation_error,omitempty" json:"fail_on_validation_error,omitempty"`
}

// Policy converts the YAML shape into a validated retry policy.
func (rc *RetryConfig) Policy() (retry.Policy, error) {
	multiplier := rc.BackoffMultiplier
	if multiplier == 0 {
		multiplier = 2.0
	}
	p, err := retry.NewPolicy(rc.MaxAttempts, time.Duration(rc.InitialDelayMs)*time.Millisecond, multiplier)
	if err != nil {
		return retry.Policy{}, err
	}
	p.Schema = rc.OutputSchema
	if rc.FailOnValidationError != nil {
		p.FailOnValidationError = *rc.FailOnValidationError
	}
	return p, nil
}

// Parse decodes a YAML flow definition, applies defaults, and validates
// it. The returned flow is ready for the engine.
func Parse(data []byte) (*Flow, error) {
	var f Flow
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse flow definition: %w", err)
	}

	f.ApplyDefaults()
	if err := f.Validate(); err != nil {
		return nil, fmt.Errorf("invalid flow %q: %w", f.ID, err)
	}
	return &f, nil
}

// ApplyDefaults fills in the optional fields: version, name, entry, and
// per-step types inferred from what each step references.
func (f *Flow) ApplyDefaults() {
	if f.Version == "" {
		f.Version = "1.0"
	}
	if f.Name == "" {
		f.Name = f.ID
	}
	if f.Entry == "" && len(f.Steps) > 0 {
		f.Entry = f.Steps[0].ID
	}

	for i := range f.Steps {
		step := &f.Steps[i]
		if step.Type != "" {
			continue
		}
		switch {
		case step.Tool != "":
			step.Type = StepTool
		case step.Flow != "":
			step.Type = StepChain
		default:
			step.Type = StepAgent
		}
	}
}

// Step returns the step with the given id.
func (f *Flow) Step(id string) (*Step, bool) {
	for i := range f.Steps {
		if f.Steps[i].ID == id {
			return &f.Steps[i], true
		}
	}
	return nil, false
}

// Param returns the declared parameter with the given name.
func (f *Flow) Param(name string) (*Param, bool) {
	for i := range f.Params {
		if f.Params[i].Name == name {
			return &f.Params[i], true
		}
	}
	return nil, false
}

// MissingParams returns the required parameters absent from input, in
// declaration order.
func (f *Flow) MissingParams(input map[string]any) []Param {
	var missing []Param
	for _, p := range f.Params {
		if !p.Required() {
			continue
		}
		if _, ok := input[p.Name]; !ok {
			missing = append(missing, p)
		}
	}
	return missing
}

// ApplyParamDefaults returns input with declared defaults filled in for
// absent optional parameters. The input map is not modified.
func (f *Flow) ApplyParamDefaults(input map[string]any) map[string]any {
	out := make(map[string]any, len(input)+len(f.Params))
	for k, v := range input {
		out[k] = v
	}
	for _, p := range f.Params {
		if p.Default == nil {
			continue
		}
		if _, ok := out[p.Name]; !ok {
			out[p.Name] = p.Default
		}
	}
	return out
}

// CheckInput verifies the provided input against the declared params:
// required presence and enum membership.
func (f *Flow) CheckInput(input map[string]any) error {
	for _, p := range f.Params {
		v, ok := input[p.Name]
		if !ok {
			if p.Required() {
				return &errors.ValidationError{
					Field:      p.Name,
					Message:    fmt.Sprintf("required parameter %q not provided", p.Name),
					Suggestion: "pass the parameter in the run input",
				}
			}
			continue
		}
		if len(p.Enum) == 0 {
			continue
		}
		s, isString := v.(string)
		if !isString || !containsString(p.Enum, s) {
			return &errors.ValidationError{
				Field:      p.Name,
				Message:    fmt.Sprintf("value %v is not one of the allowed values %v", v, p.Enum),
				Suggestion: "pick one of the declared enum values",
			}
		}
	}
	return nil
}

func containsString(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

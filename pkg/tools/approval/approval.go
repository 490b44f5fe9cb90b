// Package approval gates side-effecting tool execution behind an
// explicit decision. It plugs into the interceptor chain: the
// interceptor asks an Approver before the tool runs and halts the
// invocation when the answer is no.
package approval

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/archflow/archflow/pkg/errors"
	"github.com/archflow/archflow/pkg/tools"
)

// Order places the approval gate after input validation and before
// logging, so denied invocations never reach the tool or the log of
// executed calls.
const Order = 15

// Approver decides whether one tool invocation may proceed.
type Approver interface {
	// Approve reports whether the invocation should run. A false answer
	// without an error is a plain denial; an error fails the invocation
	// with the error's message.
	Approve(ctx context.Context, toolName, description string, input map[string]any) (bool, error)
}

// Interceptor halts invocations of gated tools unless the approver
// allows them.
type Interceptor struct {
	approver Approver
	registry *tools.Registry
	gated    map[string]bool
}

// NewInterceptor builds the approval gate. Only tools named in gated are
// checked; everything else passes through. The registry supplies tool
// descriptions for the approval prompt and may be nil.
func NewInterceptor(approver Approver, registry *tools.Registry, gated ...string) *Interceptor {
	set := make(map[string]bool, len(gated))
	for _, name := range gated {
		set[name] = true
	}
	return &Interceptor{
		approver: approver,
		registry: registry,
		gated:    set,
	}
}

// Name implements tools.Interceptor.
func (i *Interceptor) Name() string { return "approval" }

// Order implements tools.Interceptor.
func (i *Interceptor) Order() int { return Order }

// BeforeExecute implements tools.Interceptor. Denials surface as a
// HaltError naming this interceptor, so callers can tell a refused
// invocation from a tool failure.
func (i *Interceptor) BeforeExecute(ctx context.Context, tc *ToolContext) error {
	if i.approver == nil || !i.gated[tc.ToolName] {
		return nil
	}

	description := ""
	if i.registry != nil {
		if tool, err := i.registry.Get(tc.ToolName); err == nil {
			description = tool.Description()
		}
	}

	ok, err := i.approver.Approve(ctx, tc.ToolName, description, tc.Input)
	if err != nil {
		return &errors.HaltError{
			Interceptor: i.Name(),
			Reason:      fmt.Sprintf("approval failed: %v", err),
		}
	}
	if !ok {
		return &errors.HaltError{
			Interceptor: i.Name(),
			Reason:      fmt.Sprintf("tool %s denied by user", tc.ToolName),
		}
	}
	return nil
}

// AfterExecute implements tools.Interceptor.
func (i *Interceptor) AfterExecute(_ context.Context, _ *ToolContext, result any) (any, error) {
	return result, nil
}

// OnError implements tools.Interceptor.
func (i *Interceptor) OnError(context.Context, *ToolContext, error) {}

// ToolContext aliases the chain's invocation context.
type ToolContext = tools.ToolContext

// CLIApprover prompts on a terminal with a y/N/always question.
// "always" remembers the answer for the rest of the process, keyed by
// tool name. Safe for concurrent use; parallel invocations take turns
// at the prompt.
type CLIApprover struct {
	reader io.Reader
	writer io.Writer

	mu     sync.Mutex
	always map[string]bool
}

// NewCLIApprover prompts on stdin/stderr.
func NewCLIApprover() *CLIApprover {
	return NewCLIApproverWithIO(os.Stdin, os.Stderr)
}

// NewCLIApproverWithIO builds an approver over explicit streams.
func NewCLIApproverWithIO(reader io.Reader, writer io.Writer) *CLIApprover {
	return &CLIApprover{
		reader: reader,
		writer: writer,
		always: make(map[string]bool),
	}
}

// Approve implements Approver.
func (c *CLIApprover) Approve(ctx context.Context, toolName, description string, input map[string]any) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.always[toolName] {
		return true, nil
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	fmt.Fprintf(c.writer, "\nTool approval required:\n")
	fmt.Fprintf(c.writer, "  Tool: %s\n", toolName)
	if description != "" {
		fmt.Fprintf(c.writer, "  Description: %s\n", description)
	}
	if len(input) > 0 {
		fmt.Fprintf(c.writer, "  Input:\n")
		for _, k := range sortedKeys(input) {
			fmt.Fprintf(c.writer, "    %s: %v\n", k, input[k])
		}
	}
	fmt.Fprintf(c.writer, "\nApprove execution? [y/N/always]: ")

	scanner := bufio.NewScanner(c.reader)
	if !scanner.Scan() {
		if err := scanner.Err(); err != nil {
			return false, fmt.Errorf("failed to read approval response: %w", err)
		}
		// EOF defaults to deny.
		return false, nil
	}

	switch strings.ToLower(strings.TrimSpace(scanner.Text())) {
	case "y", "yes":
		return true, nil
	case "always":
		c.always[toolName] = true
		return true, nil
	default:
		return false, nil
	}
}

// StaticApprover answers from a fixed allow list. It backs unattended
// runs where nothing can prompt: listed tools run, everything else is
// refused with an explanatory error.
type StaticApprover struct {
	allowed map[string]bool
}

// NewStaticApprover allows exactly the named tools.
func NewStaticApprover(allowed ...string) *StaticApprover {
	set := make(map[string]bool, len(allowed))
	for _, name := range allowed {
		set[name] = true
	}
	return &StaticApprover{allowed: set}
}

// Approve implements Approver.
func (s *StaticApprover) Approve(_ context.Context, toolName, _ string, _ map[string]any) (bool, error) {
	if s.allowed[toolName] {
		return true, nil
	}
	return false, fmt.Errorf("tool %s requires approval but the run is non-interactive", toolName)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Package builtin provides the stock tools every archflow deployment
// starts with: file read/write, outbound HTTP, and sandboxed shell
// execution. Each tool validates its input against its own schema and
// enforces its guardrails (path roots, host allow-lists, command
// allow-lists, size caps) before touching the outside world.
package builtin

import (
	"github.com/archflow/archflow/pkg/tools"
)

// Register adds the built-in tools with their default guardrails to the
// registry. Callers wanting tighter limits construct the tools directly
// and register them themselves.
func Register(reg *tools.Registry) error {
	for _, t := range []tools.Tool{
		NewFileTool(),
		NewHTTPTool(),
		NewShellTool(),
	} {
		if err := reg.Register(t); err != nil {
			return err
		}
	}
	return nil
}

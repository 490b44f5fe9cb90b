package flow

import (
	"fmt"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"

	"github.com/archflow/archflow/pkg/errors"
)

// GuardEvaluator compiles and evaluates connection guard expressions
// against the run context. Compiled programs are cached, so evaluating
// the same guard across runs costs one map lookup.
//
// Guards are expr-lang boolean expressions. The run context is exposed
// as variables: step outputs under step.<id>.output, flow input under
// input.<name>. Helper functions: has(list, item), includes(list, item),
// length(v).
type GuardEvaluator struct {
	mu    sync.RWMutex
	cache map[string]*vm.Program
}

// NewGuardEvaluator returns an evaluator with an empty program cache.
func NewGuardEvaluator() *GuardEvaluator {
	return &GuardEvaluator{
		cache: make(map[string]*vm.Program),
	}
}

// guardFuncs are the helpers available inside guard expressions.
// "contains" is a reserved string operator in expr, hence has/includes.
func guardFuncs() map[string]any {
	return map[string]any{
		"has":      guardContains,
		"includes": guardContains,
		"length":   guardLen,
	}
}

// Compile checks that the guard parses and returns a boolean. Used by
// flow validation; the compiled program lands in the cache for later
// evaluation.
func (g *GuardEvaluator) Compile(guard string) error {
	if guard == "" {
		return nil
	}
	_, err := g.compile(guard)
	return err
}

// Evaluate runs the guard against the context. An empty guard holds.
func (g *GuardEvaluator) Evaluate(guard string, ctx map[string]any) (bool, error) {
	if guard == "" {
		return true, nil
	}

	program, err := g.compile(guard)
	if err != nil {
		return false, err
	}

	env := guardFuncs()
	for k, v := range ctx {
		env[k] = v
	}

	result, err := expr.Run(program, env)
	if err != nil {
		return false, &errors.ValidationError{
			Field:      "guard",
			Message:    fmt.Sprintf("guard evaluation failed: %s", err),
			Suggestion: "verify that all referenced context keys exist at this point in the flow",
		}
	}

	b, ok := result.(bool)
	if !ok {
		return false, &errors.ValidationError{
			Field:      "guard",
			Message:    fmt.Sprintf("guard must return boolean, got %T", result),
			Suggestion: "use comparison operators or boolean functions",
		}
	}
	return b, nil
}

func (g *GuardEvaluator) compile(guard string) (*vm.Program, error) {
	g.mu.RLock()
	program, ok := g.cache[guard]
	g.mu.RUnlock()
	if ok {
		return program, nil
	}

	program, err := expr.Compile(guard,
		expr.Env(guardFuncs()),
		// Context keys vary per flow; resolve them at run time.
		expr.AllowUndefinedVariables(),
		expr.AsBool(),
	)
	if err != nil {
		return nil, &errors.ValidationError{
			Field:      "guard",
			Message:    fmt.Sprintf("failed to compile guard %q: %s", guard, err),
			Suggestion: "check the expression syntax",
		}
	}

	g.mu.Lock()
	g.cache[guard] = program
	g.mu.Unlock()
	return program, nil
}

func guardContains(list any, item any) bool {
	switch l := list.(type) {
	case []any:
		for _, v := range l {
			if v == item {
				return true
			}
		}
	case []string:
		s, ok := item.(string)
		if !ok {
			return false
		}
		for _, v := range l {
			if v == s {
				return true
			}
		}
	case map[string]any:
		key, ok := item.(string)
		if !ok {
			return false
		}
		_, exists := l[key]
		return exists
	}
	return false
}

func guardLen(v any) int {
	switch val := v.(type) {
	case string:
		return len(val)
	case []any:
		return len(val)
	case []string:
		return len(val)
	case map[string]any:
		return len(val)
	}
	return 0
}

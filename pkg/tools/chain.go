package tools

import (
	"context"
	stderrors "errors"
	"sort"
	"sync"
	"time"

	"github.com/archflow/archflow/pkg/errors"
)

// Interceptor wraps tool execution with before/after/error hooks. The
// chain runs BeforeExecute in ascending order, then the tool, then
// AfterExecute and OnError in reverse order.
type Interceptor interface {
	// Name identifies the interceptor in halt errors and logs.
	Name() string

	// Order positions the interceptor in the chain. Lower runs earlier
	// on the way in; ties keep registration order.
	Order() int

	// BeforeExecute runs before the tool. Returning a HaltError
	// short-circuits the chain: the tool is skipped, and a result the
	// hook placed on the context stands in for the invocation.
	BeforeExecute(ctx context.Context, tc *ToolContext) error

	// AfterExecute runs after a successful invocation, innermost first.
	// The returned value replaces the result; returning an error fails
	// the invocation.
	AfterExecute(ctx context.Context, tc *ToolContext, result any) (any, error)

	// OnError runs after a failed invocation, innermost first. A hook
	// may recover by setting a result on the context; otherwise the
	// original error is re-raised once the walk finishes.
	OnError(ctx context.Context, tc *ToolContext, err error)
}

// Executor is the innermost invocation the chain wraps.
type Executor func(ctx context.Context, tc *ToolContext) (any, error)

// Chain is an ordered interceptor pipeline. Interceptors are sorted
// ascending by Order with registration order breaking ties.
type Chain struct {
	mu           sync.RWMutex
	interceptors []Interceptor
}

// NewChain builds a chain from the given interceptors.
func NewChain(interceptors ...Interceptor) *Chain {
	c := &Chain{}
	for _, ic := range interceptors {
		c.Use(ic)
	}
	return c
}

// Use appends an interceptor and re-sorts the chain. The sort is stable,
// so interceptors with equal Order keep their registration order.
func (c *Chain) Use(ic Interceptor) {
	if ic == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.interceptors = append(c.interceptors, ic)
	sort.SliceStable(c.interceptors, func(i, j int) bool {
		return c.interceptors[i].Order() < c.interceptors[j].Order()
	})
}

// Interceptors returns the chain contents in execution order.
func (c *Chain) Interceptors() []Interceptor {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Interceptor(nil), c.interceptors...)
}

// Execute drives one invocation through the pipeline.
//
// BeforeExecute hooks run in order; a HaltError stops the walk and skips
// the executor, with a recovery result on the context standing in for
// the invocation (the cache-hit path). On executor success the
// AfterExecute hooks run in reverse, each able to transform the result.
// On executor failure the OnError hooks run in reverse; if one of them
// sets a result the invocation recovers, otherwise the original error is
// returned.
func (c *Chain) Execute(ctx context.Context, tc *ToolContext, exec Executor) (any, error) {
	ics := c.Interceptors()
	defer func() { tc.EndedAt = time.Now() }()

	for _, ic := range ics {
		if err := ic.BeforeExecute(ctx, tc); err != nil {
			var halt *errors.HaltError
			if stderrors.As(err, &halt) {
				if result, ok := tc.Result(); ok {
					return result, nil
				}
			}
			tc.SetError(err)
			return nil, err
		}
	}

	result, err := exec(ctx, tc)
	if err != nil {
		tc.SetError(err)
		for i := len(ics) - 1; i >= 0; i-- {
			ics[i].OnError(ctx, tc, err)
		}
		if recovered, ok := tc.Result(); ok {
			return recovered, nil
		}
		return nil, err
	}

	for i := len(ics) - 1; i >= 0; i-- {
		transformed, aerr := ics[i].AfterExecute(ctx, tc, result)
		if aerr != nil {
			tc.SetError(aerr)
			return nil, aerr
		}
		result = transformed
	}

	tc.SetResult(result)
	return result, nil
}

// Package jq evaluates jq expressions against step outputs. The engine
// uses it for step `transform:` clauses; flow validation uses Validate to
// reject broken expressions before a run starts.
package jq

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/itchyny/gojq"
)

const (
	// DefaultTimeout bounds a single expression evaluation.
	DefaultTimeout = 1 * time.Second

	// DefaultMaxInputSize bounds the JSON-encoded size of the input value.
	DefaultMaxInputSize = 10 * 1024 * 1024
)

// Executor evaluates jq expressions with a per-evaluation timeout and an
// input size cap. Compiled programs are cached, so repeated evaluation of
// the same transform (loops, retries) compiles once.
type Executor struct {
	timeout      time.Duration
	maxInputSize int64

	mu    sync.RWMutex
	cache map[string]*gojq.Code
}

// NewExecutor creates an executor. Non-positive arguments select the
// defaults.
func NewExecutor(timeout time.Duration, maxInputSize int64) *Executor {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	if maxInputSize <= 0 {
		maxInputSize = DefaultMaxInputSize
	}

	return &Executor{
		timeout:      timeout,
		maxInputSize: maxInputSize,
		cache:        make(map[string]*gojq.Code),
	}
}

// Execute runs a jq expression against data. An empty expression returns
// data unchanged. A query yielding no values returns nil, a single value
// is returned directly, and multiple values come back as a slice.
func (e *Executor) Execute(ctx context.Context, expression string, data any) (any, error) {
	if expression == "" {
		return data, nil
	}

	if err := e.checkInputSize(data); err != nil {
		return nil, err
	}

	code, err := e.compile(expression)
	if err != nil {
		return nil, err
	}

	execCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	resultCh := make(chan any, 1)
	errCh := make(chan error, 1)

	go func() {
		iter := code.RunWithContext(execCtx, data)

		var results []any
		for {
			v, ok := iter.Next()
			if !ok {
				break
			}
			if err, isErr := v.(error); isErr {
				errCh <- err
				return
			}
			results = append(results, v)
		}

		switch len(results) {
		case 0:
			resultCh <- nil
		case 1:
			resultCh <- results[0]
		default:
			resultCh <- results
		}
	}()

	select {
	case result := <-resultCh:
		return result, nil
	case err := <-errCh:
		return nil, err
	case <-execCtx.Done():
		return nil, fmt.Errorf("jq evaluation timed out after %v", e.timeout)
	}
}

// Validate compiles an expression without running it. Used during flow
// validation to catch syntax errors early.
func (e *Executor) Validate(expression string) error {
	if expression == "" {
		return nil
	}
	_, err := e.compile(expression)
	return err
}

func (e *Executor) compile(expression string) (*gojq.Code, error) {
	e.mu.RLock()
	code, ok := e.cache[expression]
	e.mu.RUnlock()
	if ok {
		return code, nil
	}

	query, err := gojq.Parse(expression)
	if err != nil {
		return nil, fmt.Errorf("invalid jq expression: %w", err)
	}

	code, err = gojq.Compile(query)
	if err != nil {
		return nil, fmt.Errorf("jq compilation failed: %w", err)
	}

	e.mu.Lock()
	e.cache[expression] = code
	e.mu.Unlock()
	return code, nil
}

// checkInputSize rejects inputs whose JSON encoding exceeds the cap.
func (e *Executor) checkInputSize(data any) error {
	encoded, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to marshal transform input: %w", err)
	}

	if int64(len(encoded)) > e.maxInputSize {
		return fmt.Errorf("transform input size (%d bytes) exceeds maximum (%d bytes)",
			len(encoded), e.maxInputSize)
	}
	return nil
}

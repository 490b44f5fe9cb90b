package engine

import (
	"strings"
	"sync"
)

// ExecutionContext is the per-run state tree shared by every step of a
// flow. Values are addressed by dotted paths ("step.fetch.output.url")
// that navigate nested maps; guard expressions see the same tree through
// member access. Safe for concurrent use.
type ExecutionContext struct {
	mu     sync.RWMutex
	values map[string]any
}

// NewExecutionContext builds a context seeded with a deep copy of the
// given tree. A nil seed starts empty.
func NewExecutionContext(seed map[string]any) *ExecutionContext {
	values := map[string]any{}
	if seed != nil {
		values = deepCopyMap(seed)
	}
	return &ExecutionContext{values: values}
}

// Get reads the value at a dotted path. The second return is false when
// any segment of the path is missing or traverses a non-map.
func (c *ExecutionContext) Get(path string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var cur any = c.values
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

// Set writes the value at a dotted path, creating intermediate maps as
// needed. An intermediate that exists but is not a map is replaced.
func (c *ExecutionContext) Set(path string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	parts := strings.Split(path, ".")
	m := c.values
	for _, part := range parts[:len(parts)-1] {
		next, ok := m[part].(map[string]any)
		if !ok {
			next = map[string]any{}
			m[part] = next
		}
		m = next
	}
	m[parts[len(parts)-1]] = value
}

// Snapshot returns a deep copy of the whole tree. Guards evaluate against
// snapshots so an in-flight parallel step can never race an expression.
func (c *ExecutionContext) Snapshot() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return deepCopyMap(c.values)
}

// deepCopyMap copies the map tree. Scalars and values of unknown types
// are shared, matching what a JSON round-trip would preserve.
func deepCopyMap(src map[string]any) map[string]any {
	dst := make(map[string]any, len(src))
	for k, v := range src {
		dst[k] = deepCopyValue(v)
	}
	return dst
}

func deepCopyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return deepCopyMap(t)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = deepCopyValue(e)
		}
		return out
	default:
		return v
	}
}

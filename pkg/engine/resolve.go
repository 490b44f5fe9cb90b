package engine

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// refPattern matches one context reference such as {{step.fetch.output.url}}.
// A leading dot is tolerated.
var refPattern = regexp.MustCompile(`\{\{\s*\.?([A-Za-z0-9_][A-Za-z0-9_.\-]*)\s*\}\}`)

// resolveInputs resolves context references in every value of a step
// configuration. String values consisting of exactly one reference are
// replaced by the referenced value itself, preserving its type; references
// embedded in longer strings are stringified in place. Unresolvable
// references keep their literal text.
func resolveInputs(cfg map[string]any, ec *ExecutionContext) map[string]any {
	resolved := make(map[string]any, len(cfg))
	for k, v := range cfg {
		resolved[k] = resolveValue(v, ec)
	}
	return resolved
}

func resolveValue(v any, ec *ExecutionContext) any {
	switch t := v.(type) {
	case string:
		if path, ok := pureRef(t); ok {
			if value, found := ec.Get(path); found {
				return value
			}
			return t
		}
		return resolveString(t, ec)
	case map[string]any:
		return resolveInputs(t, ec)
	case []any:
		out := make([]any, len(t))
		for i, e := range t {
			out[i] = resolveValue(e, ec)
		}
		return out
	default:
		return v
	}
}

// resolveString replaces every reference embedded in s with the
// stringified context value. References that resolve to nothing are kept
// verbatim so the failure is visible downstream.
func resolveString(s string, ec *ExecutionContext) string {
	return refPattern.ReplaceAllStringFunc(s, func(match string) string {
		sub := refPattern.FindStringSubmatch(match)
		value, found := ec.Get(sub[1])
		if !found {
			return match
		}
		return stringify(value)
	})
}

// pureRef reports whether s is exactly one reference and returns its path.
func pureRef(s string) (string, bool) {
	trimmed := strings.TrimSpace(s)
	loc := refPattern.FindStringSubmatchIndex(trimmed)
	if loc == nil || loc[0] != 0 || loc[1] != len(trimmed) {
		return "", false
	}
	return trimmed[loc[2]:loc[3]], true
}

// stringify renders a context value for embedding in a string. Structured
// values render as compact JSON.
func stringify(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case map[string]any, []any:
		encoded, err := json.Marshal(t)
		if err != nil {
			return fmt.Sprintf("%v", t)
		}
		return string(encoded)
	default:
		return fmt.Sprintf("%v", t)
	}
}

package retry

import (
	"fmt"

	"github.com/archflow/archflow/pkg/errors"
)

// OutputSchema is a declarative constraint on a thunk's result: an
// expected top-level type, required object keys, and per-key type and
// enum restrictions. It covers the subset of JSON Schema the engine needs
// to validate tool and model outputs; extra keys are allowed.
type OutputSchema struct {
	// Type is the expected top-level type: object, array, string,
	// number, integer, or boolean. Empty skips the top-level check.
	Type string `yaml:"type" json:"type"`

	// Required lists object keys that must be present when Type is
	// object.
	Required []string `yaml:"required,omitempty" json:"required,omitempty"`

	// Properties constrains individual object keys.
	Properties map[string]Property `yaml:"properties,omitempty" json:"properties,omitempty"`
}

// Property constrains a single object key.
type Property struct {
	// Type is the expected type of the value.
	Type string `yaml:"type" json:"type"`

	// Enum lists the allowed values. Empty allows any value of the type.
	Enum []string `yaml:"enum,omitempty" json:"enum,omitempty"`
}

// Validate checks the value against the schema and returns every
// violation found. A nil receiver accepts everything.
func (s *OutputSchema) Validate(value any) []errors.SchemaError {
	if s == nil {
		return nil
	}

	var violations []errors.SchemaError
	if s.Type != "" {
		if err := checkType(s.Type, value, ""); err != nil {
			// A top-level type mismatch makes key checks meaningless.
			return []errors.SchemaError{*err}
		}
	}

	obj, ok := value.(map[string]any)
	if !ok {
		return violations
	}

	for _, key := range s.Required {
		if _, exists := obj[key]; !exists {
			violations = append(violations, errors.SchemaError{
				Field:   key,
				Message: "required key missing",
			})
		}
	}

	for key, prop := range s.Properties {
		v, exists := obj[key]
		if !exists {
			continue
		}
		if prop.Type != "" {
			if err := checkType(prop.Type, v, key); err != nil {
				violations = append(violations, *err)
				continue
			}
		}
		if len(prop.Enum) > 0 {
			if err := checkEnum(prop.Enum, v, key); err != nil {
				violations = append(violations, *err)
			}
		}
	}
	return violations
}

func checkType(want string, value any, field string) *errors.SchemaError {
	ok := false
	switch want {
	case "object":
		_, ok = value.(map[string]any)
	case "array":
		_, ok = value.([]any)
	case "string":
		_, ok = value.(string)
	case "number":
		switch value.(type) {
		case float64, float32, int, int32, int64:
			ok = true
		}
	case "integer":
		switch v := value.(type) {
		case int, int32, int64:
			ok = true
		case float64:
			// JSON decodes every number as float64.
			ok = v == float64(int64(v))
		}
	case "boolean":
		_, ok = value.(bool)
	default:
		return &errors.SchemaError{
			Field:   field,
			Message: fmt.Sprintf("unsupported schema type %q", want),
		}
	}
	if !ok {
		return &errors.SchemaError{
			Field:   field,
			Message: fmt.Sprintf("expected %s, got %T", want, value),
		}
	}
	return nil
}

func checkEnum(allowed []string, value any, field string) *errors.SchemaError {
	str, ok := value.(string)
	if !ok {
		return &errors.SchemaError{
			Field:   field,
			Message: fmt.Sprintf("enum constraint requires a string value, got %T", value),
		}
	}
	for _, a := range allowed {
		if a == str {
			return nil
		}
	}
	return &errors.SchemaError{
		Field:   field,
		Message: fmt.Sprintf("value %q not in allowed values %v", str, allowed),
	}
}

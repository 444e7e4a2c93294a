// ABOUTME: Minimal JSON-Schema parameter validation for tool arguments
// ABOUTME: Checks required fields, primitive types, and enum membership

package tools

import (
	"fmt"
)

// ValidationError carries the offending field for client echo.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("parameter %q: %s", e.Field, e.Message)
}

// ValidateParams checks args against a minimal JSON-Schema map
// (type/properties/required/enum). Extra fields are allowed.
func ValidateParams(args map[string]any, schema map[string]any) error {
	if schema == nil {
		return nil
	}

	switch req := schema["required"].(type) {
	case []string:
		for _, name := range req {
			if _, ok := args[name]; !ok {
				return &ValidationError{Field: name, Message: "required field is missing"}
			}
		}
	case []any:
		for _, v := range req {
			name, ok := v.(string)
			if !ok {
				continue
			}
			if _, ok := args[name]; !ok {
				return &ValidationError{Field: name, Message: "required field is missing"}
			}
		}
	}

	properties, _ := schema["properties"].(map[string]any)
	for name, value := range args {
		propSchema, ok := properties[name].(map[string]any)
		if !ok {
			continue
		}
		expected, _ := propSchema["type"].(string)
		if expected != "" && !matchesType(value, expected) {
			return &ValidationError{
				Field:   name,
				Message: fmt.Sprintf("expected %s, got %T", expected, value),
			}
		}
		if enum, ok := propSchema["enum"].([]any); ok && !inEnum(value, enum) {
			return &ValidationError{Field: name, Message: "value not in enum"}
		}
	}
	return nil
}

func matchesType(value any, expected string) bool {
	switch expected {
	case "string":
		_, ok := value.(string)
		return ok
	case "number":
		switch value.(type) {
		case float64, float32, int, int64:
			return true
		}
		return false
	case "integer":
		switch v := value.(type) {
		case int, int64:
			return true
		case float64:
			return v == float64(int64(v))
		}
		return false
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "array":
		_, ok := value.([]any)
		return ok
	case "object":
		_, ok := value.(map[string]any)
		return ok
	default:
		return true
	}
}

func inEnum(value any, enum []any) bool {
	for _, e := range enum {
		if e == value {
			return true
		}
	}
	return false
}

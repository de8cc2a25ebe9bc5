package actions

import (
	"fmt"
	"math"
	"sort"
	"strings"
)

// Schema is the JSON-schema subset action parameters are declared with. It
// doubles as the tool definition handed to the LLM provider, so the field
// names follow the JSON-schema wire format.
type Schema struct {
	Type       string               `json:"type"`
	Properties map[string]*Property `json:"properties"`
	Required   []string             `json:"required,omitempty"`
}

// Property describes a single named parameter.
type Property struct {
	Type        string   `json:"type"`
	Description string   `json:"description,omitempty"`
	Enum        []string `json:"enum,omitempty"`
}

// Validate checks params against the schema and returns a single error
// joining every violation, nil when the params conform. Validation is
// strict: unknown keys are rejected (reserved "__" keys excepted), required
// keys must be present and non-nil, and values are never coerced across
// types.
func (s *Schema) Validate(params map[string]interface{}) error {
	problems := s.Check(params)
	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("invalid parameters: %s", strings.Join(problems, "; "))
}

// Check returns every violation found, empty when params conform.
func (s *Schema) Check(params map[string]interface{}) []string {
	if s == nil {
		return nil
	}

	var problems []string

	for key := range params {
		if strings.HasPrefix(key, "__") {
			continue
		}
		if _, ok := s.Properties[key]; !ok {
			problems = append(problems, fmt.Sprintf("unknown parameter %q", key))
		}
	}

	for _, req := range s.Required {
		if v, ok := params[req]; !ok || v == nil {
			problems = append(problems, fmt.Sprintf("missing required parameter %q", req))
		}
	}

	for key, prop := range s.Properties {
		v, ok := params[key]
		if !ok || v == nil {
			continue
		}
		if msg := prop.conforms(key, v); msg != "" {
			problems = append(problems, msg)
		}
	}

	// Map iteration order is random; callers compare messages in tests and
	// logs, so keep the list stable.
	sort.Strings(problems)

	return problems
}

func (p *Property) conforms(key string, v interface{}) string {
	switch p.Type {
	case "string":
		str, ok := v.(string)
		if !ok {
			return fmt.Sprintf("parameter %q must be string, got %T", key, v)
		}
		if len(p.Enum) > 0 && !containsString(p.Enum, str) {
			return fmt.Sprintf("parameter %q must be one of [%s]", key, strings.Join(p.Enum, ", "))
		}
	case "number":
		switch v.(type) {
		case float64, float32, int, int32, int64:
		default:
			return fmt.Sprintf("parameter %q must be number, got %T", key, v)
		}
	case "integer":
		switch n := v.(type) {
		case int, int32, int64:
		case float64:
			if n != math.Trunc(n) {
				return fmt.Sprintf("parameter %q must be integer, got fractional %v", key, n)
			}
		default:
			return fmt.Sprintf("parameter %q must be integer, got %T", key, v)
		}
	case "boolean":
		if _, ok := v.(bool); !ok {
			return fmt.Sprintf("parameter %q must be boolean, got %T", key, v)
		}
	case "object":
		if _, ok := v.(map[string]interface{}); !ok {
			return fmt.Sprintf("parameter %q must be object, got %T", key, v)
		}
	case "array":
		if _, ok := v.([]interface{}); !ok {
			return fmt.Sprintf("parameter %q must be array, got %T", key, v)
		}
	case "null":
		return fmt.Sprintf("parameter %q must be null", key)
	}
	return ""
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

package tools

import (
	"encoding/json"
	"fmt"
	"strings"
)

// ValidationError reports tool input that fails its declared schema.
// Fields lists every offending field by name.
type ValidationError struct {
	Tool   string
	Fields []string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid input for %s: %s", e.Tool, strings.Join(e.Fields, "; "))
}

// schemaDoc is the subset of JSON Schema the tools declare:
// an object with typed properties and a required list.
type schemaDoc struct {
	Type       string `json:"type"`
	Properties map[string]struct {
		Type string `json:"type"`
	} `json:"properties"`
	Required []string `json:"required"`
}

// ValidateInput checks a tool's input against its declared schema: required
// fields must be present and non-null, and values for declared string/number/
// boolean/integer fields must have the matching runtime type. Fields the
// schema does not declare are tolerated.
func ValidateInput(t Tool, input json.RawMessage) error {
	var schema schemaDoc
	if err := json.Unmarshal(t.InputSchema(), &schema); err != nil {
		return fmt.Errorf("tool %s declares an unparsable schema: %w", t.Name(), err)
	}

	var values map[string]any
	if len(input) == 0 {
		values = map[string]any{}
	} else if err := json.Unmarshal(input, &values); err != nil {
		return &ValidationError{Tool: t.Name(), Fields: []string{"input is not a JSON object"}}
	}

	var problems []string
	for _, req := range schema.Required {
		if v, ok := values[req]; !ok || v == nil {
			problems = append(problems, fmt.Sprintf("missing required field %q", req))
		}
	}
	for name, decl := range schema.Properties {
		v, ok := values[name]
		if !ok || v == nil {
			continue
		}
		if !typeMatches(decl.Type, v) {
			problems = append(problems, fmt.Sprintf("field %q must be a %s", name, decl.Type))
		}
	}
	if len(problems) > 0 {
		return &ValidationError{Tool: t.Name(), Fields: problems}
	}
	return nil
}

func typeMatches(declared string, v any) bool {
	switch declared {
	case "string":
		_, ok := v.(string)
		return ok
	case "number", "integer":
		_, ok := v.(float64)
		return ok
	case "boolean":
		_, ok := v.(bool)
		return ok
	default:
		// Object/array/undeclared types are not checked here.
		return true
	}
}

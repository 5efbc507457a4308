package agentloop

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
)

// ParseArguments decodes raw tool call arguments into an object. Empty input
// is treated as an empty object.
func ParseArguments(raw json.RawMessage) (map[string]interface{}, error) {
	trimmed := strings.TrimSpace(string(raw))
	if trimmed == "" || trimmed == "null" {
		return map[string]interface{}{}, nil
	}
	var args map[string]interface{}
	if err := json.Unmarshal([]byte(trimmed), &args); err != nil {
		return nil, fmt.Errorf("arguments must be a JSON object: %w", err)
	}
	if args == nil {
		args = map[string]interface{}{}
	}
	return args, nil
}

// ValidateArguments checks args against the JSON-schema subset tools declare:
// required fields, primitive types, enums, nested items and
// additionalProperties=false. A nil schema accepts anything.
func ValidateArguments(schema map[string]interface{}, args map[string]interface{}) error {
	if schema == nil {
		return nil
	}
	return validateObject("", schema, args)
}

func validateObject(path string, schema map[string]interface{}, obj map[string]interface{}) error {
	required := schemaStrings(schema["required"])
	for _, field := range required {
		if _, ok := obj[field]; !ok {
			return fmt.Errorf("missing required parameter %q", joinPath(path, field))
		}
	}

	props, _ := schema["properties"].(map[string]interface{})
	closed := schema["additionalProperties"] == false

	keys := make([]string, 0, len(obj))
	for k := range obj {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		value := obj[key]
		prop, ok := props[key].(map[string]interface{})
		if !ok {
			if closed {
				return fmt.Errorf("unexpected parameter %q", joinPath(path, key))
			}
			continue
		}
		if value == nil && !contains(required, key) {
			continue
		}
		if err := validateValue(joinPath(path, key), prop, value); err != nil {
			return err
		}
	}
	return nil
}

func validateValue(path string, schema map[string]interface{}, value interface{}) error {
	if types := schemaStrings(schema["type"]); len(types) > 0 {
		matched := false
		for _, t := range types {
			if matchesType(value, t) {
				matched = true
				break
			}
		}
		if !matched {
			return fmt.Errorf("parameter %q must be %s, got %s", path, strings.Join(types, " or "), jsonType(value))
		}
	}

	if enum, ok := schema["enum"].([]interface{}); ok && len(enum) > 0 {
		found := false
		for _, allowed := range enum {
			if fmt.Sprint(allowed) == fmt.Sprint(value) {
				found = true
				break
			}
		}
		if !found {
			return fmt.Errorf("parameter %q must be one of %v", path, enum)
		}
	}

	switch v := value.(type) {
	case map[string]interface{}:
		return validateObject(path, schema, v)
	case []interface{}:
		items, ok := schema["items"].(map[string]interface{})
		if !ok {
			return nil
		}
		for i, item := range v {
			if err := validateValue(fmt.Sprintf("%s[%d]", path, i), items, item); err != nil {
				return err
			}
		}
	}
	return nil
}

func matchesType(value interface{}, expected string) bool {
	switch expected {
	case "string":
		_, ok := value.(string)
		return ok
	case "number":
		_, ok := value.(float64)
		return ok
	case "integer":
		f, ok := value.(float64)
		return ok && math.Trunc(f) == f
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "object":
		_, ok := value.(map[string]interface{})
		return ok
	case "array":
		_, ok := value.([]interface{})
		return ok
	case "null":
		return value == nil
	}
	// Unknown schema types are not enforced.
	return true
}

func jsonType(value interface{}) string {
	switch v := value.(type) {
	case nil:
		return "null"
	case string:
		return "string"
	case bool:
		return "boolean"
	case float64:
		if math.Trunc(v) == v {
			return "integer"
		}
		return "number"
	case map[string]interface{}:
		return "object"
	case []interface{}:
		return "array"
	default:
		return fmt.Sprintf("%T", value)
	}
}

func schemaStrings(v interface{}) []string {
	switch list := v.(type) {
	case string:
		return []string{list}
	case []string:
		return list
	case []interface{}:
		out := make([]string, 0, len(list))
		for _, item := range list {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}

func joinPath(parent, child string) string {
	if parent == "" {
		return child
	}
	return parent + "." + child
}

package schema

import (
	"encoding/json"
	"fmt"
	"math"
	"reflect"
	"sort"
	"strings"
)

// Result is the outcome of validating a response against a schema.
type Result struct {
	Valid            bool
	Errors           []string
	Parsed           any
	PreambleDetected bool
}

// Summary joins the first n errors for use in prompts and error messages.
func (r *Result) Summary(n int) string {
	if r == nil || len(r.Errors) == 0 {
		return "Unknown schema mismatch."
	}
	errs := r.Errors
	if n > 0 && len(errs) > n {
		errs = errs[:n]
	}
	return strings.Join(errs, "; ")
}

// ValidateText strips fences from a model response, parses it as JSON and
// checks it against a schema definition.
func ValidateText(definition map[string]any, text string) *Result {
	stripped := SanitizeJSON(text, false)
	if stripped == "" {
		return &Result{Errors: []string{"Response body was empty."}}
	}

	var parsed any
	if err := json.Unmarshal([]byte(stripped), &parsed); err != nil {
		salvage := SanitizeJSON(text, true)
		preamble := false
		if salvage != "" && salvage != stripped {
			var parsed any
			preamble = json.Unmarshal([]byte(salvage), &parsed) == nil
		}
		return &Result{
			Errors:           []string{fmt.Sprintf("Response was not valid JSON (%v).", err)},
			PreambleDetected: preamble,
		}
	}

	errs := ValidateValue(definition, parsed, "$")
	return &Result{Valid: len(errs) == 0, Errors: errs, Parsed: parsed}
}

// ValidateValue checks a decoded JSON value against the supported JSON Schema
// subset: type, enum, properties, required, additionalProperties=false,
// items, minItems, oneOf, anyOf and allOf.
func ValidateValue(s map[string]any, value any, pointer string) []string {
	if s == nil {
		return nil
	}
	var errs []string

	if candidates, ok := s["oneOf"].([]any); ok {
		if !anyMatches(candidates, value, pointer) {
			errs = append(errs, pointer+": no oneOf schema matched.")
		}
		return errs
	}
	if candidates, ok := s["anyOf"].([]any); ok {
		if !anyMatches(candidates, value, pointer) {
			errs = append(errs, pointer+": no anyOf schema matched.")
		}
		return errs
	}
	if candidates, ok := s["allOf"].([]any); ok {
		for _, c := range candidates {
			if sub, ok := c.(map[string]any); ok {
				errs = append(errs, ValidateValue(sub, value, pointer)...)
			}
		}
		return errs
	}

	types := normalizeTypes(s["type"])
	if len(types) > 0 && !matchesAny(types, value) {
		return append(errs, fmt.Sprintf("%s: expected %s, received %s", pointer, strings.Join(types, " | "), describe(value)))
	}
	if enum, ok := s["enum"].([]any); ok && !inEnum(enum, value) {
		parts := make([]string, len(enum))
		for i, e := range enum {
			parts[i] = fmt.Sprint(e)
		}
		errs = append(errs, fmt.Sprintf("%s: value %q is not in enum [%s]", pointer, fmt.Sprint(value), strings.Join(parts, ", ")))
	}
	if value == nil && contains(types, "null") {
		return errs
	}

	if isObjectSchema(s, types) {
		obj, ok := value.(map[string]any)
		if !ok {
			return append(errs, fmt.Sprintf("%s: expected object but received %s", pointer, describe(value)))
		}
		if required, ok := s["required"].([]any); ok {
			for _, r := range required {
				key, _ := r.(string)
				if _, present := obj[key]; !present {
					errs = append(errs, fmt.Sprintf("%s: missing required property %q", pointer, key))
				}
			}
		}
		props, _ := s["properties"].(map[string]any)
		if additional, ok := s["additionalProperties"].(bool); ok && !additional && props != nil {
			for _, key := range sortedKeys(obj) {
				if _, known := props[key]; !known {
					errs = append(errs, fmt.Sprintf("%s: property %q is not allowed.", pointer, key))
				}
			}
		}
		for _, key := range sortedKeys(props) {
			sub, ok := props[key].(map[string]any)
			if !ok {
				continue
			}
			if v, present := obj[key]; present {
				errs = append(errs, ValidateValue(sub, v, pointer+"."+key)...)
			}
		}
	}

	if isArraySchema(s, types) {
		arr, ok := value.([]any)
		if !ok {
			return append(errs, fmt.Sprintf("%s: expected array but received %s", pointer, describe(value)))
		}
		if minItems, ok := s["minItems"].(float64); ok && float64(len(arr)) < minItems {
			errs = append(errs, fmt.Sprintf("%s: expected at least %d items (found %d).", pointer, int(minItems), len(arr)))
		}
		if items, ok := s["items"].(map[string]any); ok {
			for i, item := range arr {
				errs = append(errs, ValidateValue(items, item, fmt.Sprintf("%s[%d]", pointer, i))...)
			}
		}
	}
	return errs
}

func anyMatches(candidates []any, value any, pointer string) bool {
	for _, c := range candidates {
		sub, ok := c.(map[string]any)
		if ok && len(ValidateValue(sub, value, pointer)) == 0 {
			return true
		}
	}
	return false
}

func normalizeTypes(t any) []string {
	switch v := t.(type) {
	case string:
		return []string{strings.ToLower(v)}
	case []any:
		var out []string
		for _, e := range v {
			out = append(out, normalizeTypes(e)...)
		}
		return out
	}
	return nil
}

func matchesAny(types []string, value any) bool {
	for _, t := range types {
		if matchesType(t, value) {
			return true
		}
	}
	return false
}

func matchesType(expected string, value any) bool {
	switch expected {
	case "null":
		return value == nil
	case "array":
		_, ok := value.([]any)
		return ok
	case "object":
		_, ok := value.(map[string]any)
		return ok
	case "integer":
		n, ok := value.(float64)
		return ok && n == math.Trunc(n)
	case "number":
		_, ok := value.(float64)
		return ok
	case "string":
		_, ok := value.(string)
		return ok
	case "boolean":
		_, ok := value.(bool)
		return ok
	}
	return false
}

func describe(value any) string {
	switch v := value.(type) {
	case nil:
		return "null"
	case []any:
		return fmt.Sprintf("array(length=%d)", len(v))
	case map[string]any:
		return "object"
	case string:
		if len(v) > 24 {
			return fmt.Sprintf("string(%q…)", v[:24])
		}
		return fmt.Sprintf("string(%q)", v)
	case float64:
		return "number"
	case bool:
		return "boolean"
	}
	return fmt.Sprintf("%T", value)
}

func inEnum(enum []any, value any) bool {
	for _, e := range enum {
		if reflect.DeepEqual(e, value) {
			return true
		}
	}
	return false
}

func isObjectSchema(s map[string]any, types []string) bool {
	if _, ok := s["properties"]; ok {
		return true
	}
	if _, ok := s["required"]; ok {
		return true
	}
	return contains(types, "object")
}

func isArraySchema(s map[string]any, types []string) bool {
	if _, ok := s["items"]; ok {
		return true
	}
	return contains(types, "array")
}

func contains(list []string, want string) bool {
	for _, v := range list {
		if v == want {
			return true
		}
	}
	return false
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

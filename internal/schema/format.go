package schema

import (
	"regexp"
	"strings"
)

// ResponseFormat is the OpenAI-compatible structured output request.
type ResponseFormat struct {
	Type       string            `json:"type"`
	JSONSchema *JSONSchemaFormat `json:"json_schema,omitempty"`
}

// JSONSchemaFormat names a schema inside a ResponseFormat.
type JSONSchemaFormat struct {
	Name   string         `json:"name"`
	Schema map[string]any `json:"schema"`
}

// IsJSONSchema reports whether the format requests schema-constrained output.
func (f *ResponseFormat) IsJSONSchema() bool {
	return f != nil && strings.EqualFold(f.Type, "json_schema")
}

// Definition returns the embedded schema, if any.
func (f *ResponseFormat) Definition() map[string]any {
	if f == nil || f.JSONSchema == nil {
		return nil
	}
	return f.JSONSchema.Schema
}

const defaultFormatName = "miniphi-response"

var nameSanitizer = regexp.MustCompile(`[^\w-]+`)

// SanitizeName turns an arbitrary id into a response_format schema name.
func SanitizeName(name string) string {
	normalized := strings.Trim(nameSanitizer.ReplaceAllString(strings.TrimSpace(name), "-"), "-")
	if normalized == "" {
		return defaultFormatName
	}
	if len(normalized) > 48 {
		normalized = normalized[:48]
	}
	return normalized
}

// BuildResponseFormat wraps a schema definition for the REST transport.
func BuildResponseFormat(definition map[string]any, name string) *ResponseFormat {
	if definition == nil {
		return nil
	}
	return &ResponseFormat{
		Type: "json_schema",
		JSONSchema: &JSONSchemaFormat{
			Name:   SanitizeName(name),
			Schema: definition,
		},
	}
}

var (
	fencePattern = regexp.MustCompile("(?s)^```[a-zA-Z0-9_-]*\\s*\\n?(.*?)\\n?```$")
	thinkPattern = regexp.MustCompile(`(?s)^<think>.*?</think>`)
)

// SanitizeJSON trims a model response down to its JSON payload: leading
// reasoning blocks and a surrounding code fence are removed. With
// allowPreamble it also skips any prose before the first '{' or '[' and after
// the matching closing bracket.
func SanitizeJSON(text string, allowPreamble bool) string {
	out := strings.TrimSpace(text)
	out = strings.TrimSpace(thinkPattern.ReplaceAllString(out, ""))
	if m := fencePattern.FindStringSubmatch(out); m != nil {
		out = strings.TrimSpace(m[1])
	}
	if !allowPreamble || out == "" {
		return out
	}

	start := strings.IndexAny(out, "{[")
	if start < 0 {
		return out
	}
	closer := byte('}')
	if out[start] == '[' {
		closer = ']'
	}
	end := strings.LastIndexByte(out, closer)
	if end <= start {
		return out[start:]
	}
	return out[start : end+1]
}

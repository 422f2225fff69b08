package utils

import (
	"encoding/json"
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// StripCodeFence removes a surrounding markdown code block, as LLMs and
// CLIs commonly wrap structured output in one
func StripCodeFence(text string) string {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "```") {
		return text
	}

	// Drop the opening fence and any language tag on its line
	if nl := strings.IndexByte(text, '\n'); nl >= 0 {
		text = text[nl+1:]
	} else {
		text = strings.TrimPrefix(text, "```")
	}
	if end := strings.LastIndex(text, "```"); end >= 0 {
		text = text[:end]
	}
	return strings.TrimSpace(text)
}

// ParseJSON parses a JSON document, tolerating a surrounding code block
func ParseJSON(text string, result any) error {
	return json.Unmarshal([]byte(StripCodeFence(text)), result)
}

// ParseYAML parses a YAML document, tolerating a surrounding code block
func ParseYAML(text string, result any) error {
	return yaml.Unmarshal([]byte(StripCodeFence(text)), result)
}

// ParseStructured decodes text in the given format ("json" or "yaml").
// Any other format returns the trimmed text unchanged.
func ParseStructured(text, format string) (interface{}, error) {
	var out interface{}
	switch strings.ToLower(format) {
	case "json":
		if err := ParseJSON(text, &out); err != nil {
			return nil, fmt.Errorf("invalid json output: %w", err)
		}
	case "yaml", "yml":
		if err := ParseYAML(text, &out); err != nil {
			return nil, fmt.Errorf("invalid yaml output: %w", err)
		}
		out = normalizeYAML(out)
	default:
		return strings.TrimSpace(text), nil
	}
	return out, nil
}

// normalizeYAML converts map[interface{}]interface{} nodes that older
// documents can produce into JSON compatible maps
func normalizeYAML(v interface{}) interface{} {
	switch t := v.(type) {
	case map[interface{}]interface{}:
		m := make(map[string]interface{}, len(t))
		for k, val := range t {
			m[fmt.Sprint(k)] = normalizeYAML(val)
		}
		return m
	case map[string]interface{}:
		for k, val := range t {
			t[k] = normalizeYAML(val)
		}
		return t
	case []interface{}:
		for i, val := range t {
			t[i] = normalizeYAML(val)
		}
		return t
	default:
		return v
	}
}

package utils

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	templateExpr = regexp.MustCompile(`{{([^}]+)}}`)
	indexedPart  = regexp.MustCompile(`^(.+)\[(\d+)\]$`)
)

// ProcessTemplate renders {{variable}} expressions in template. An
// expression may pipe its value through functions:
//
//	{{result.items[0].body | fromjson | .title}}
//
// Supported functions are fromjson, tojson, trim, upper, lower and .property.
// Missing variables render as the empty string.
func ProcessTemplate(template string, variables map[string]interface{}) (string, error) {
	var firstErr error

	result := templateExpr.ReplaceAllStringFunc(template, func(match string) string {
		if firstErr != nil {
			return match
		}
		expr := strings.TrimSpace(match[2 : len(match)-2])
		value, err := evalTemplateExpr(expr, variables)
		if err != nil {
			firstErr = fmt.Errorf("template expression %q: %w", expr, err)
			return match
		}
		return stringify(value)
	})

	if firstErr != nil {
		return "", firstErr
	}
	return result, nil
}

// ProcessTemplates renders each element of templates
func ProcessTemplates(templates []string, variables map[string]interface{}) ([]string, error) {
	out := make([]string, len(templates))
	for i, t := range templates {
		rendered, err := ProcessTemplate(t, variables)
		if err != nil {
			return nil, err
		}
		out[i] = rendered
	}
	return out, nil
}

func evalTemplateExpr(expr string, variables map[string]interface{}) (interface{}, error) {
	parts := strings.Split(expr, "|")
	value := GetNestedValue(variables, strings.TrimSpace(parts[0]))

	for _, part := range parts[1:] {
		funcName := strings.TrimSpace(part)
		switch {
		case funcName == "fromjson":
			s, ok := value.(string)
			if !ok {
				return nil, fmt.Errorf("fromjson requires string input")
			}
			var decoded interface{}
			if err := json.Unmarshal([]byte(s), &decoded); err != nil {
				return nil, err
			}
			value = decoded
		case funcName == "tojson":
			encoded, err := json.Marshal(value)
			if err != nil {
				return nil, err
			}
			value = string(encoded)
		case funcName == "trim":
			value = strings.TrimSpace(stringify(value))
		case funcName == "upper":
			value = strings.ToUpper(stringify(value))
		case funcName == "lower":
			value = strings.ToLower(stringify(value))
		case strings.HasPrefix(funcName, "."):
			m, ok := value.(map[string]interface{})
			if !ok {
				return nil, fmt.Errorf("cannot access property %s", funcName[1:])
			}
			value = m[funcName[1:]]
		default:
			return nil, fmt.Errorf("unknown function %q", funcName)
		}
	}
	return value, nil
}

// GetNestedValue retrieves a value using dot notation with list indexes,
// e.g. "result.tool_calls[0].function.arguments". It returns nil when any
// segment is missing.
func GetNestedValue(data map[string]interface{}, path string) interface{} {
	var current interface{} = data

	for _, part := range strings.Split(path, ".") {
		name, index := part, -1
		if m := indexedPart.FindStringSubmatch(part); m != nil {
			name = m[1]
			index, _ = strconv.Atoi(m[2])
		}

		currentMap, ok := current.(map[string]interface{})
		if !ok {
			return nil
		}
		current = currentMap[name]

		if index >= 0 {
			list, ok := current.([]interface{})
			if !ok || index >= len(list) {
				return nil
			}
			current = list[index]
		}
	}
	return current
}

func stringify(value interface{}) string {
	switch v := value.(type) {
	case nil:
		return ""
	case string:
		return v
	case map[string]interface{}, []interface{}:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(encoded)
	default:
		return fmt.Sprintf("%v", v)
	}
}

package template

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// coerceConfig walks the schema and coerces every present leaf value into
// its declared type. String inputs from files, CLI pairs and environment
// variables are converted; values already of the right kind pass through.
func coerceConfig(schema *Schema, config map[string]any) error {
	if schema == nil {
		return nil
	}
	for name, prop := range schema.Properties {
		val, ok := config[name]
		if !ok || val == nil {
			continue
		}
		coerced, err := coerceValue(name, prop, val)
		if err != nil {
			return err
		}
		config[name] = coerced
	}
	return nil
}

func coerceValue(path string, prop *Property, val any) (any, error) {
	switch prop.Type {
	case "boolean":
		return coerceBool(path, val)
	case "integer":
		return coerceInt(path, val)
	case "number":
		return coerceNumber(path, val)
	case "array":
		return coerceArray(path, prop, val)
	case "object":
		return coerceObject(path, prop, val)
	case "string":
		if s, ok := val.(string); ok {
			return s, nil
		}
		return fmt.Sprintf("%v", val), nil
	default:
		return val, nil
	}
}

func coerceBool(path string, val any) (any, error) {
	switch v := val.(type) {
	case bool:
		return v, nil
	case string:
		switch strings.ToLower(strings.TrimSpace(v)) {
		case "true", "1", "yes":
			return true, nil
		case "false", "0", "no":
			return false, nil
		}
	case int:
		if v == 0 || v == 1 {
			return v == 1, nil
		}
	}
	return nil, &InvalidConfigurationError{Property: path, Expected: "boolean", Value: val}
}

func coerceInt(path string, val any) (any, error) {
	switch v := val.(type) {
	case int:
		return v, nil
	case int64:
		return int(v), nil
	case float64:
		if v == float64(int(v)) {
			return int(v), nil
		}
	case string:
		if n, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
			return n, nil
		}
	}
	return nil, &InvalidConfigurationError{Property: path, Expected: "integer", Value: val}
}

func coerceNumber(path string, val any) (any, error) {
	switch v := val.(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	case string:
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			return f, nil
		}
	}
	return nil, &InvalidConfigurationError{Property: path, Expected: "number", Value: val}
}

func coerceArray(path string, prop *Property, val any) (any, error) {
	var items []any
	switch v := val.(type) {
	case []any:
		items = v
	case []string:
		items = make([]any, len(v))
		for i, s := range v {
			items[i] = s
		}
	case string:
		trimmed := strings.TrimSpace(v)
		if strings.HasPrefix(trimmed, "[") {
			var parsed []any
			if err := json.Unmarshal([]byte(trimmed), &parsed); err == nil {
				items = parsed
				break
			}
		}
		if trimmed == "" {
			items = nil
			break
		}
		for _, part := range strings.Split(trimmed, ",") {
			items = append(items, strings.TrimSpace(part))
		}
	default:
		return nil, &InvalidConfigurationError{Property: path, Expected: "array", Value: val}
	}

	if prop.Items != nil {
		for i, item := range items {
			coerced, err := coerceValue(fmt.Sprintf("%s[%d]", path, i), prop.Items, item)
			if err != nil {
				return nil, err
			}
			items[i] = coerced
		}
	}
	return items, nil
}

func coerceObject(path string, prop *Property, val any) (any, error) {
	var obj map[string]any
	switch v := val.(type) {
	case map[string]any:
		obj = v
	case string:
		if err := json.Unmarshal([]byte(v), &obj); err != nil {
			return nil, &InvalidConfigurationError{Property: path, Expected: "object", Value: val}
		}
	default:
		return nil, &InvalidConfigurationError{Property: path, Expected: "object", Value: val}
	}

	for name, sub := range prop.Properties {
		v, ok := obj[name]
		if !ok || v == nil {
			continue
		}
		coerced, err := coerceValue(path+"."+name, sub, v)
		if err != nil {
			return nil, err
		}
		obj[name] = coerced
	}
	return obj, nil
}

// stringifyValue renders a resolved configuration value for the container
// environment: booleans and numbers in canonical form, lists comma-joined,
// objects as JSON.
func stringifyValue(val any) string {
	switch v := val.(type) {
	case string:
		return v
	case bool:
		return strconv.FormatBool(v)
	case int:
		return strconv.Itoa(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case []any:
		parts := make([]string, len(v))
		for i, e := range v {
			parts[i] = stringifyValue(e)
		}
		return strings.Join(parts, ",")
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return fmt.Sprintf("%v", v)
		}
		return string(data)
	}
}

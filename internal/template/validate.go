package template

import (
	"fmt"
	"strings"
)

// validateDescriptor checks a parsed descriptor against the platform
// meta-schema: required keys, id shape, transport declaration, and that the
// schema's own defaults validate against the schema.
func validateDescriptor(t *Template, path string) error {
	fail := func(field, msg string) error {
		return &InvalidTemplateError{Path: path, Field: field, Message: msg}
	}

	if t.ID == "" {
		return fail("id", "missing required key")
	}
	if !templateIDPattern.MatchString(t.ID) {
		return fail("id", fmt.Sprintf("%q must be lowercase alphanumeric with hyphens", t.ID))
	}
	if t.Name == "" {
		return fail("name", "missing required key")
	}
	if t.Version == "" {
		return fail("version", "missing required key")
	}
	if t.Image == "" {
		return fail("image", "missing required key")
	}
	if t.Transport.Default == "" {
		return fail("transport.default", "missing required key")
	}
	if len(t.Transport.Supported) == 0 {
		return fail("transport.supported", "missing required key")
	}
	for _, tr := range append([]string{t.Transport.Default}, t.Transport.Supported...) {
		if tr != TransportHTTP && tr != TransportStdio {
			return fail("transport", fmt.Sprintf("unknown transport %q", tr))
		}
	}
	if !t.SupportsTransport(t.Transport.Default) {
		return fail("transport", fmt.Sprintf("default transport %q not in supported set", t.Transport.Default))
	}
	if t.ConfigSchema == nil {
		return fail("config_schema", "missing required key")
	}

	// A template's schema must validate its own declared defaults.
	defaults := schemaDefaults(t.ConfigSchema)
	if err := validateConfig(t.ConfigSchema, defaults, true); err != nil {
		return &InvalidTemplateError{
			Path:    path,
			Field:   "config_schema",
			Message: fmt.Sprintf("declared defaults do not validate: %v", err),
			Cause:   err,
		}
	}

	for _, tool := range t.Tools {
		if tool.Name == "" {
			return fail("tools", "tool with empty name")
		}
	}
	return nil
}

// validateConfig checks a merged configuration against the schema:
// required properties, enum membership, numeric ranges and anyOf/oneOf
// constraint groups. When lenient is true, missing required properties are
// tolerated (used for default-set self-validation, where requireds without
// defaults are legitimate).
func validateConfig(schema *Schema, config map[string]any, lenient bool) error {
	if schema == nil {
		return nil
	}

	if !lenient {
		for _, name := range schema.Required {
			if v, ok := config[name]; !ok || v == nil {
				return &InvalidConfigurationError{
					Property: name,
					Message:  "required property missing",
				}
			}
		}
	}

	for name, prop := range schema.Properties {
		val, ok := config[name]
		if !ok || val == nil {
			continue
		}
		if err := validateProperty(name, prop, val); err != nil {
			return err
		}
	}

	if len(schema.AnyOf) > 0 {
		if !anySatisfied(schema.AnyOf, config) {
			return &InvalidConfigurationError{
				Property:    "anyOf",
				Message:     "no alternative satisfied",
				Suggestions: constraintSuggestions(schema.AnyOf),
			}
		}
	}
	if len(schema.OneOf) > 0 {
		n := countSatisfied(schema.OneOf, config)
		if n != 1 {
			msg := "no alternative satisfied"
			if n > 1 {
				msg = fmt.Sprintf("%d alternatives satisfied, expected exactly one", n)
			}
			return &InvalidConfigurationError{
				Property:    "oneOf",
				Message:     msg,
				Suggestions: constraintSuggestions(schema.OneOf),
			}
		}
	}
	return nil
}

func validateProperty(path string, prop *Property, val any) error {
	if len(prop.Enum) > 0 {
		found := false
		for _, e := range prop.Enum {
			if fmt.Sprintf("%v", e) == fmt.Sprintf("%v", val) {
				found = true
				break
			}
		}
		if !found {
			return &InvalidConfigurationError{
				Property: path,
				Message:  fmt.Sprintf("value %v not in enum %v", val, prop.Enum),
			}
		}
	}

	if prop.Minimum != nil || prop.Maximum != nil {
		if f, ok := asFloat(val); ok {
			if prop.Minimum != nil && f < *prop.Minimum {
				return &InvalidConfigurationError{
					Property: path,
					Message:  fmt.Sprintf("value %v below minimum %v", val, *prop.Minimum),
				}
			}
			if prop.Maximum != nil && f > *prop.Maximum {
				return &InvalidConfigurationError{
					Property: path,
					Message:  fmt.Sprintf("value %v above maximum %v", val, *prop.Maximum),
				}
			}
		}
	}

	if prop.Type == "object" && len(prop.Properties) > 0 {
		nested, ok := val.(map[string]any)
		if !ok {
			return &InvalidConfigurationError{
				Property: path,
				Expected: "object",
				Value:    val,
			}
		}
		for _, name := range prop.Required {
			if v, ok := nested[name]; !ok || v == nil {
				return &InvalidConfigurationError{
					Property: path + "." + name,
					Message:  "required property missing",
				}
			}
		}
		for name, sub := range prop.Properties {
			v, ok := nested[name]
			if !ok || v == nil {
				continue
			}
			if err := validateProperty(path+"."+name, sub, v); err != nil {
				return err
			}
		}
	}
	return nil
}

// constraintSatisfied reports whether a single anyOf/oneOf alternative holds
// for config: all required properties present and nested groups satisfied.
func constraintSatisfied(c *Constraint, config map[string]any) bool {
	for _, name := range c.Required {
		if v, ok := config[name]; !ok || v == nil {
			return false
		}
	}
	if len(c.AnyOf) > 0 && !anySatisfied(c.AnyOf, config) {
		return false
	}
	if len(c.OneOf) > 0 && countSatisfied(c.OneOf, config) != 1 {
		return false
	}
	return true
}

func anySatisfied(cs []*Constraint, config map[string]any) bool {
	for _, c := range cs {
		if constraintSatisfied(c, config) {
			return true
		}
	}
	return false
}

func countSatisfied(cs []*Constraint, config map[string]any) int {
	n := 0
	for _, c := range cs {
		if constraintSatisfied(c, config) {
			n++
		}
	}
	return n
}

// constraintSuggestions renders each alternative's required set as an
// actionable hint.
func constraintSuggestions(cs []*Constraint) []string {
	var out []string
	for _, c := range cs {
		if len(c.Required) > 0 {
			out = append(out, fmt.Sprintf("provide %s", strings.Join(c.Required, ", ")))
		}
		out = append(out, constraintSuggestions(c.AnyOf)...)
		out = append(out, constraintSuggestions(c.OneOf)...)
	}
	return out
}

func asFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	case float32:
		return float64(n), true
	}
	return 0, false
}

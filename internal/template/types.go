package template

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Origin records where a template was discovered.
type Origin string

const (
	OriginBuiltin Origin = "builtin"
	OriginUser    Origin = "user"
)

// Transport names understood by the platform.
const (
	TransportHTTP  = "http"
	TransportStdio = "stdio"
)

// Template is the immutable descriptor of an MCP server: image reference,
// configuration schema and tool metadata. Templates are loaded from disk by
// the Registry and treated as read-only afterwards.
type Template struct {
	ID        string        `yaml:"id" json:"id"`
	Name      string        `yaml:"name" json:"name"`
	Version   string        `yaml:"version" json:"version"`
	Image     string        `yaml:"image" json:"image"`
	Transport TransportSpec `yaml:"transport" json:"transport"`
	Port      int           `yaml:"port,omitempty" json:"port,omitempty"`

	ConfigSchema *Schema `yaml:"config_schema" json:"config_schema"`

	// Tools is the static tool list, used as the last tier of the
	// discovery cascade.
	Tools []ToolSpec `yaml:"tools,omitempty" json:"tools,omitempty"`

	Category string `yaml:"category,omitempty" json:"category,omitempty"`
	Author   string `yaml:"author,omitempty" json:"author,omitempty"`

	// Extra preserves unknown top-level descriptor keys.
	Extra map[string]any `yaml:",inline" json:"-"`

	// Origin and Dir are assigned by the Registry, not the descriptor.
	Origin Origin `yaml:"-" json:"-"`
	Dir    string `yaml:"-" json:"-"`
}

// SupportsTransport reports whether the template declares the given
// transport in its supported set.
func (t *Template) SupportsTransport(transport string) bool {
	for _, s := range t.Transport.Supported {
		if s == transport {
			return true
		}
	}
	return false
}

// TransportSpec declares the default and supported transports.
type TransportSpec struct {
	Default   string   `yaml:"default" json:"default"`
	Supported []string `yaml:"supported" json:"supported"`
}

// ToolSpec is a statically declared tool: name, description and parameter
// schema. Tools belong to a template, not a deployment.
type ToolSpec struct {
	Name        string         `yaml:"name" json:"name"`
	Description string         `yaml:"description,omitempty" json:"description,omitempty"`
	Parameters  map[string]any `yaml:"parameters,omitempty" json:"parameters,omitempty"`
}

// Schema is the JSON-Schema-like configuration schema of a template. Leaf
// properties may carry platform annotations (env_mapping, volume_mount,
// command_arg, sensitive) in addition to the usual validation keywords.
type Schema struct {
	Type       string               `yaml:"type" json:"type"`
	Properties map[string]*Property `yaml:"-" json:"properties"`
	Required   []string             `yaml:"required" json:"required"`
	AnyOf      []*Constraint        `yaml:"anyOf" json:"anyOf"`
	OneOf      []*Constraint        `yaml:"oneOf" json:"oneOf"`

	// propertyOrder preserves descriptor declaration order, which drives
	// command-argument emission.
	propertyOrder []string
}

// PropertyOrder returns property names in descriptor declaration order.
func (s *Schema) PropertyOrder() []string {
	return s.propertyOrder
}

// UnmarshalYAML decodes a schema while recording the declaration order of
// its properties, which plain map decoding would lose.
func (s *Schema) UnmarshalYAML(node *yaml.Node) error {
	type schemaAlias struct {
		Type     string        `yaml:"type"`
		Required []string      `yaml:"required"`
		AnyOf    []*Constraint `yaml:"anyOf"`
		OneOf    []*Constraint `yaml:"oneOf"`
	}
	var alias schemaAlias
	if err := node.Decode(&alias); err != nil {
		return err
	}
	s.Type = alias.Type
	s.Required = alias.Required
	s.AnyOf = alias.AnyOf
	s.OneOf = alias.OneOf
	s.Properties = make(map[string]*Property)

	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("config_schema must be a mapping, got %v", node.Kind)
	}
	for i := 0; i+1 < len(node.Content); i += 2 {
		if node.Content[i].Value != "properties" {
			continue
		}
		props := node.Content[i+1]
		if props.Kind != yaml.MappingNode {
			return fmt.Errorf("config_schema properties must be a mapping")
		}
		for j := 0; j+1 < len(props.Content); j += 2 {
			name := props.Content[j].Value
			var prop Property
			if err := props.Content[j+1].Decode(&prop); err != nil {
				return fmt.Errorf("property %s: %w", name, err)
			}
			s.Properties[name] = &prop
			s.propertyOrder = append(s.propertyOrder, name)
		}
	}
	return nil
}

// Property is a schema node. Nested objects recurse through Properties.
type Property struct {
	Type        string               `yaml:"type" json:"type"`
	Description string               `yaml:"description,omitempty" json:"description,omitempty"`
	Default     any                  `yaml:"default,omitempty" json:"default,omitempty"`
	Enum        []any                `yaml:"enum,omitempty" json:"enum,omitempty"`
	Minimum     *float64             `yaml:"minimum,omitempty" json:"minimum,omitempty"`
	Maximum     *float64             `yaml:"maximum,omitempty" json:"maximum,omitempty"`
	Items       *Property            `yaml:"items,omitempty" json:"items,omitempty"`
	Properties  map[string]*Property `yaml:"properties,omitempty" json:"properties,omitempty"`
	Required    []string             `yaml:"required,omitempty" json:"required,omitempty"`

	// Platform annotations.
	EnvMapping  string `yaml:"env_mapping,omitempty" json:"env_mapping,omitempty"`
	VolumeMount bool   `yaml:"volume_mount,omitempty" json:"volume_mount,omitempty"`
	CommandArg  bool   `yaml:"command_arg,omitempty" json:"command_arg,omitempty"`
	Sensitive   bool   `yaml:"sensitive,omitempty" json:"sensitive,omitempty"`
}

// Constraint is an anyOf/oneOf alternative: a set of required properties,
// possibly with nested alternatives.
type Constraint struct {
	Required []string      `yaml:"required" json:"required"`
	AnyOf    []*Constraint `yaml:"anyOf,omitempty" json:"anyOf,omitempty"`
	OneOf    []*Constraint `yaml:"oneOf,omitempty" json:"oneOf,omitempty"`
}

package template

import (
	"encoding/json"
	"fmt"
	"os"
	"path"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"flotilla/pkg/logging"
)

// reservedEnvVars are the platform identity keys no template configuration
// may emit. Violations surface as ReservedEnvVarError at processing time.
var reservedEnvVars = map[string]struct{}{
	"MCP_TEMPLATE_ID":   {},
	"MCP_DEPLOYMENT_ID": {},
	"MCP_TRANSPORT":     {},
	"MCP_PORT":          {},
	"MCP_CREATED_AT":    {},
	"MCP_MANAGED_BY":    {},
}

// envInputPrefix is the convention for supplying configuration values
// through the process environment: MCP_<PROPERTY> in upper snake case.
const envInputPrefix = "MCP_"

// Layers are the ordered configuration inputs accepted by Process.
// Precedence, lowest first: schema defaults, ConfigFile, Values, Overrides,
// Env.
type Layers struct {
	// ConfigFile is an optional JSON or YAML file of configuration values.
	ConfigFile string

	// Values are --config key=value pairs. Keys may be dotted or
	// double-underscore paths.
	Values map[string]string

	// Overrides are --override a__b__c=value pairs. Terminal values are
	// parsed as JSON when they parse, else kept as strings.
	Overrides map[string]string

	// Env is the process environment consulted for explicit variables.
	// Nil means os.Environ is not consulted (useful in tests).
	Env map[string]string
}

// Mount is a host-to-container bind mount emitted by a volume_mount
// property.
type Mount struct {
	Host      string
	Container string
	ReadOnly  bool
}

func (m Mount) String() string {
	s := m.Host + ":" + m.Container
	if m.ReadOnly {
		s += ":ro"
	}
	return s
}

// Result is the output of configuration processing: the validated runtime
// configuration, the container environment map, bind mounts and command
// arguments.
type Result struct {
	Config  map[string]any
	Env     map[string]string
	Volumes []Mount
	Args    []string

	schema *Schema
}

// Redacted returns the configuration with sensitive leaves masked, for
// echoing and logging. Config and Env themselves hold sensitive values in
// clear; the processor's own log lines carry only counts.
func (r *Result) Redacted() map[string]any {
	out := deepCopyMap(r.Config)
	if r.schema == nil {
		return out
	}
	var mask func(props map[string]*Property, cfg map[string]any)
	mask = func(props map[string]*Property, cfg map[string]any) {
		for name, prop := range props {
			val, ok := cfg[name]
			if !ok {
				continue
			}
			if prop.Sensitive {
				cfg[name] = "********"
			} else if nested, isMap := val.(map[string]any); isMap {
				mask(prop.Properties, nested)
			}
		}
	}
	mask(r.schema.Properties, out)
	return out
}

// Process merges the layered inputs for a template, coerces and validates
// the result against the template's schema, and emits the container
// environment, bind mounts and command arguments.
//
// Processing is deterministic and idempotent: the same template and layers
// always produce identical output.
func Process(t *Template, layers Layers) (*Result, error) {
	schema := t.ConfigSchema
	config := schemaDefaults(schema)

	if layers.ConfigFile != "" {
		fileValues, err := loadConfigFile(layers.ConfigFile)
		if err != nil {
			return nil, err
		}
		mergeLayer(config, fileValues)
	}

	if len(layers.Values) > 0 {
		pairs := make(map[string]any, len(layers.Values))
		for k, v := range layers.Values {
			pairs[k] = v
		}
		mergeLayer(config, pairs)
	}

	for _, key := range sortedKeys(layers.Overrides) {
		raw := layers.Overrides[key]
		setNested(config, expandKey(key), parseOverrideValue(raw))
	}

	applyEnvLayer(schema, config, layers.Env)

	if err := coerceConfig(schema, config); err != nil {
		return nil, err
	}
	if err := validateConfig(schema, config, false); err != nil {
		return nil, err
	}

	result := &Result{
		Config: config,
		Env:    make(map[string]string),
		schema: schema,
	}
	if err := emitOutputs(schema, config, result); err != nil {
		return nil, err
	}

	logging.Debug("Processor", "Processed configuration for %s: %d env vars, %d mounts, %d args",
		t.ID, len(result.Env), len(result.Volumes), len(result.Args))
	return result, nil
}

// schemaDefaults collects declared defaults, recursing into nested objects.
func schemaDefaults(schema *Schema) map[string]any {
	out := make(map[string]any)
	if schema == nil {
		return out
	}
	for name, prop := range schema.Properties {
		if prop.Default != nil {
			out[name] = deepCopyValue(prop.Default)
			continue
		}
		if prop.Type == "object" && len(prop.Properties) > 0 {
			nested := propertyDefaults(prop)
			if len(nested) > 0 {
				out[name] = nested
			}
		}
	}
	return out
}

func propertyDefaults(prop *Property) map[string]any {
	out := make(map[string]any)
	for name, sub := range prop.Properties {
		if sub.Default != nil {
			out[name] = deepCopyValue(sub.Default)
			continue
		}
		if sub.Type == "object" && len(sub.Properties) > 0 {
			nested := propertyDefaults(sub)
			if len(nested) > 0 {
				out[name] = nested
			}
		}
	}
	return out
}

// loadConfigFile reads a JSON or YAML configuration file into a map.
func loadConfigFile(file string) (map[string]any, error) {
	data, err := os.ReadFile(file)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", file, err)
	}
	var values map[string]any
	if err := yaml.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", file, err)
	}
	return values, nil
}

// parseOverrideValue parses an override terminal as JSON when it parses,
// keeping it as a string otherwise.
func parseOverrideValue(raw string) any {
	var parsed any
	if err := json.Unmarshal([]byte(raw), &parsed); err == nil {
		return parsed
	}
	return raw
}

// applyEnvLayer overlays explicit environment variables, the highest
// precedence layer. A property is matched by its env_mapping name or by the
// MCP_<PROPERTY> input convention.
func applyEnvLayer(schema *Schema, config map[string]any, env map[string]string) {
	if schema == nil || len(env) == 0 {
		return
	}
	for name, prop := range schema.Properties {
		if prop.EnvMapping != "" {
			if v, ok := env[prop.EnvMapping]; ok {
				config[name] = v
				continue
			}
		}
		if v, ok := env[envInputPrefix+strings.ToUpper(name)]; ok {
			config[name] = v
		}
	}
}

// emitOutputs walks properties in declaration order and produces the env
// map, bind mounts and command arguments.
func emitOutputs(schema *Schema, config map[string]any, result *Result) error {
	if schema == nil {
		return nil
	}
	for _, name := range schema.PropertyOrder() {
		prop := schema.Properties[name]
		val, ok := config[name]
		if !ok || val == nil {
			continue
		}

		envValue := stringifyValue(val)

		if prop.VolumeMount {
			mounts, containerPaths := parseMounts(name, stringifyValue(val))
			result.Volumes = append(result.Volumes, mounts...)
			if len(containerPaths) > 0 {
				// Inside the container the property refers to the mounted
				// paths, not the host ones.
				envValue = strings.Join(containerPaths, " ")
			}
			if prop.CommandArg {
				result.Args = append(result.Args, containerPaths...)
			}
		} else if prop.CommandArg {
			result.Args = append(result.Args, strings.Fields(stringifyValue(val))...)
		}

		if prop.EnvMapping != "" {
			if _, reserved := reservedEnvVars[prop.EnvMapping]; reserved {
				return &ReservedEnvVarError{Name: prop.EnvMapping}
			}
			result.Env[prop.EnvMapping] = envValue
		}
	}
	return nil
}

// parseMounts splits a volume_mount value into bind mounts. Values may hold
// several paths separated by whitespace or commas; each path may carry an
// explicit container target (host:container[:ro]). Paths without a target
// mount under /mnt.
func parseMounts(property, value string) ([]Mount, []string) {
	var mounts []Mount
	var containerPaths []string

	fields := strings.FieldsFunc(value, func(r rune) bool {
		return r == ' ' || r == '\t' || r == '\n' || r == ','
	})
	for _, field := range fields {
		parts := strings.Split(field, ":")
		switch len(parts) {
		case 1:
			mounts = append(mounts, Mount{Host: field, Container: path.Join("/mnt", field)})
			containerPaths = append(containerPaths, path.Join("/mnt", field))
		case 2:
			mounts = append(mounts, Mount{Host: parts[0], Container: parts[1]})
			containerPaths = append(containerPaths, parts[1])
		case 3:
			if parts[2] == "ro" {
				mounts = append(mounts, Mount{Host: parts[0], Container: parts[1], ReadOnly: true})
				containerPaths = append(containerPaths, parts[1])
				continue
			}
			fallthrough
		default:
			logging.Warn("Processor", "Ignoring malformed volume mount %q for property %s", field, property)
		}
	}
	return mounts, containerPaths
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

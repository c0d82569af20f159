package template

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"
)

func schemaFromYAML(t *testing.T, doc string) *Schema {
	t.Helper()
	var s Schema
	require.NoError(t, yaml.Unmarshal([]byte(doc), &s))
	return &s
}

func testTemplate(t *testing.T, schemaDoc string) *Template {
	t.Helper()
	return &Template{
		ID:      "demo",
		Name:    "Demo",
		Version: "1.0.0",
		Image:   "example/demo:latest",
		Transport: TransportSpec{
			Default:   TransportHTTP,
			Supported: []string{TransportHTTP, TransportStdio},
		},
		ConfigSchema: schemaFromYAML(t, schemaDoc),
	}
}

const basicSchema = `
type: object
properties:
  hello_from:
    type: string
    default: "X"
    env_mapping: HELLO_FROM
  log_level:
    type: string
    default: info
    env_mapping: LOG_LEVEL
  port:
    type: integer
    env_mapping: PORT
`

func TestProcess_DefaultsOnly(t *testing.T) {
	tmpl := testTemplate(t, basicSchema)

	result, err := Process(tmpl, Layers{})
	require.NoError(t, err)

	assert.Equal(t, "X", result.Config["hello_from"])
	assert.Equal(t, "info", result.Config["log_level"])
	assert.Equal(t, "X", result.Env["HELLO_FROM"])
	assert.Equal(t, "info", result.Env["LOG_LEVEL"])

	// Unset properties without defaults contribute nothing.
	_, hasPort := result.Env["PORT"]
	assert.False(t, hasPort)
}

func TestProcess_PrecedenceEnvWins(t *testing.T) {
	tmpl := testTemplate(t, basicSchema)

	dir := t.TempDir()
	configFile := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(configFile, []byte("hello_from: Y\n"), 0644))

	result, err := Process(tmpl, Layers{
		ConfigFile: configFile,
		Values:     map[string]string{"hello_from": "Z"},
		Env:        map[string]string{"MCP_HELLO_FROM": "W"},
	})
	require.NoError(t, err)

	assert.Equal(t, "W", result.Config["hello_from"])
	assert.Equal(t, "W", result.Env["HELLO_FROM"])
}

func TestProcess_PrecedenceWithoutEnv(t *testing.T) {
	tmpl := testTemplate(t, basicSchema)

	dir := t.TempDir()
	configFile := filepath.Join(dir, "config.json")
	require.NoError(t, os.WriteFile(configFile, []byte(`{"hello_from": "Y"}`), 0644))

	tests := []struct {
		name   string
		layers Layers
		want   string
	}{
		{
			name:   "file over defaults",
			layers: Layers{ConfigFile: configFile},
			want:   "Y",
		},
		{
			name: "cli over file",
			layers: Layers{
				ConfigFile: configFile,
				Values:     map[string]string{"hello_from": "Z"},
			},
			want: "Z",
		},
		{
			name: "override over cli",
			layers: Layers{
				ConfigFile: configFile,
				Values:     map[string]string{"hello_from": "Z"},
				Overrides:  map[string]string{"hello_from": "O"},
			},
			want: "O",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := Process(tmpl, tt.layers)
			require.NoError(t, err)
			assert.Equal(t, tt.want, result.Config["hello_from"])
		})
	}
}

func TestProcess_Idempotent(t *testing.T) {
	tmpl := testTemplate(t, basicSchema)
	layers := Layers{
		Values: map[string]string{"hello_from": "twice", "port": "8080"},
	}

	first, err := Process(tmpl, layers)
	require.NoError(t, err)
	second, err := Process(tmpl, layers)
	require.NoError(t, err)

	firstJSON, err := json.Marshal(first.Config)
	require.NoError(t, err)
	secondJSON, err := json.Marshal(second.Config)
	require.NoError(t, err)
	assert.Equal(t, firstJSON, secondJSON)
	assert.Equal(t, first.Env, second.Env)
	assert.Equal(t, first.Volumes, second.Volumes)
	assert.Equal(t, first.Args, second.Args)
}

func TestProcess_TypeCoercion(t *testing.T) {
	const schema = `
type: object
properties:
  enabled:
    type: boolean
  count:
    type: integer
  ratio:
    type: number
  tags:
    type: array
  extra:
    type: object
`
	tmpl := testTemplate(t, schema)

	tests := []struct {
		name   string
		values map[string]string
		key    string
		want   any
	}{
		{"bool true", map[string]string{"enabled": "true"}, "enabled", true},
		{"bool yes", map[string]string{"enabled": "yes"}, "enabled", true},
		{"bool zero", map[string]string{"enabled": "0"}, "enabled", false},
		{"integer", map[string]string{"count": "42"}, "count", 42},
		{"number", map[string]string{"ratio": "0.5"}, "ratio", 0.5},
		{"csv list", map[string]string{"tags": "a, b,c"}, "tags", []any{"a", "b", "c"}},
		{"json list", map[string]string{"tags": `["x","y"]`}, "tags", []any{"x", "y"}},
		{"json object", map[string]string{"extra": `{"k":"v"}`}, "extra", map[string]any{"k": "v"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := Process(tmpl, Layers{Values: tt.values})
			require.NoError(t, err)
			assert.Equal(t, tt.want, result.Config[tt.key])
		})
	}
}

func TestProcess_CoercionFailureNamesProperty(t *testing.T) {
	const schema = `
type: object
properties:
  count:
    type: integer
`
	tmpl := testTemplate(t, schema)

	_, err := Process(tmpl, Layers{Values: map[string]string{"count": "not-a-number"}})
	require.Error(t, err)

	var cfgErr *InvalidConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.Equal(t, "count", cfgErr.Property)
	assert.Equal(t, "integer", cfgErr.Expected)
}

func TestProcess_NestedOverrides(t *testing.T) {
	const schema = `
type: object
properties:
  server:
    type: object
    properties:
      host:
        type: string
        default: localhost
      limits:
        type: object
        properties:
          max:
            type: integer
`
	tmpl := testTemplate(t, schema)

	result, err := Process(tmpl, Layers{
		Overrides: map[string]string{
			"server__limits__max": "10",
			"server.host":         "example.com",
		},
	})
	require.NoError(t, err)

	server := result.Config["server"].(map[string]any)
	assert.Equal(t, "example.com", server["host"])
	limits := server["limits"].(map[string]any)
	assert.EqualValues(t, 10, limits["max"])
}

func TestProcess_DeeplyNestedOverride(t *testing.T) {
	tmpl := testTemplate(t, "type: object\nproperties: {}")

	result, err := Process(tmpl, Layers{
		Overrides: map[string]string{
			"a__b__c__d__e__f__g__h": `"deep"`,
		},
	})
	require.NoError(t, err)

	cursor := result.Config
	for _, key := range []string{"a", "b", "c", "d", "e", "f", "g"} {
		next, ok := cursor[key].(map[string]any)
		require.True(t, ok, "missing level %s", key)
		cursor = next
	}
	assert.Equal(t, "deep", cursor["h"])
}

func TestProcess_VolumeMounts(t *testing.T) {
	const schema = `
type: object
properties:
  data_dir:
    type: string
    env_mapping: DATA_DIR
    volume_mount: true
`
	tmpl := testTemplate(t, schema)

	t.Run("default container path", func(t *testing.T) {
		result, err := Process(tmpl, Layers{Values: map[string]string{"data_dir": "/host/data"}})
		require.NoError(t, err)
		require.Len(t, result.Volumes, 1)
		assert.Equal(t, "/host/data", result.Volumes[0].Host)
		assert.Equal(t, "/mnt/host/data", result.Volumes[0].Container)
		// Inside the container the env var points at the mounted path.
		assert.Equal(t, "/mnt/host/data", result.Env["DATA_DIR"])
	})

	t.Run("explicit container path", func(t *testing.T) {
		result, err := Process(tmpl, Layers{Values: map[string]string{"data_dir": "/host/data:/srv/data"}})
		require.NoError(t, err)
		require.Len(t, result.Volumes, 1)
		assert.Equal(t, "/srv/data", result.Volumes[0].Container)
	})

	t.Run("multiple paths", func(t *testing.T) {
		result, err := Process(tmpl, Layers{Values: map[string]string{"data_dir": "/p1 /p2,/p3"}})
		require.NoError(t, err)
		assert.Len(t, result.Volumes, 3)
	})

	t.Run("malformed entry skipped", func(t *testing.T) {
		result, err := Process(tmpl, Layers{Values: map[string]string{"data_dir": "/a:/b:/c:/d"}})
		require.NoError(t, err)
		assert.Empty(t, result.Volumes)
	})
}

func TestProcess_CommandArgs(t *testing.T) {
	const schema = `
type: object
properties:
  first_arg:
    type: string
    command_arg: true
  shared_path:
    type: string
    volume_mount: true
    command_arg: true
`
	tmpl := testTemplate(t, schema)

	result, err := Process(tmpl, Layers{Values: map[string]string{
		"first_arg":   "--verbose --debug",
		"shared_path": "/shared",
	}})
	require.NoError(t, err)

	// Declaration order is preserved; the mounted property contributes its
	// container path.
	assert.Equal(t, []string{"--verbose", "--debug", "/mnt/shared"}, result.Args)
}

func TestProcess_ReservedEnvVar(t *testing.T) {
	const schema = `
type: object
properties:
  sneaky:
    type: string
    default: x
    env_mapping: MCP_TEMPLATE_ID
`
	tmpl := testTemplate(t, schema)

	_, err := Process(tmpl, Layers{})
	require.Error(t, err)
	var reserved *ReservedEnvVarError
	require.ErrorAs(t, err, &reserved)
	assert.Equal(t, "MCP_TEMPLATE_ID", reserved.Name)
}

func TestProcess_RequiredAndConstraints(t *testing.T) {
	const schema = `
type: object
required: [api_key]
properties:
  api_key:
    type: string
    sensitive: true
    env_mapping: API_KEY
  mode:
    type: string
    enum: [fast, safe]
  level:
    type: integer
    minimum: 1
    maximum: 10
`
	tmpl := testTemplate(t, schema)

	t.Run("missing required", func(t *testing.T) {
		_, err := Process(tmpl, Layers{})
		require.Error(t, err)
	})

	t.Run("enum violation", func(t *testing.T) {
		_, err := Process(tmpl, Layers{Values: map[string]string{"api_key": "k", "mode": "warp"}})
		require.Error(t, err)
	})

	t.Run("range violation", func(t *testing.T) {
		_, err := Process(tmpl, Layers{Values: map[string]string{"api_key": "k", "level": "11"}})
		require.Error(t, err)
	})

	t.Run("valid with redaction", func(t *testing.T) {
		result, err := Process(tmpl, Layers{Values: map[string]string{"api_key": "secret", "mode": "fast"}})
		require.NoError(t, err)
		assert.Equal(t, "secret", result.Env["API_KEY"])
		assert.Equal(t, "********", result.Redacted()["api_key"])
	})
}

func TestProcess_AnyOfConstraints(t *testing.T) {
	const schema = `
type: object
properties:
  password:
    type: string
  token:
    type: string
anyOf:
  - required: [password]
  - required: [token]
`
	tmpl := testTemplate(t, schema)

	_, err := Process(tmpl, Layers{})
	require.Error(t, err)
	var cfgErr *InvalidConfigurationError
	require.ErrorAs(t, err, &cfgErr)
	assert.NotEmpty(t, cfgErr.Suggestions)

	_, err = Process(tmpl, Layers{Values: map[string]string{"token": "t"}})
	assert.NoError(t, err)
}

func TestProcess_OneOfRejectsMultiple(t *testing.T) {
	const schema = `
type: object
properties:
  basic_auth:
    type: string
  oauth_token:
    type: string
oneOf:
  - required: [basic_auth]
  - required: [oauth_token]
`
	tmpl := testTemplate(t, schema)

	_, err := Process(tmpl, Layers{Values: map[string]string{
		"basic_auth":  "a",
		"oauth_token": "b",
	}})
	require.Error(t, err)
}

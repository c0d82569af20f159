package template

import (
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const demoDescriptor = `
id: demo
name: Demo Server
version: 1.0.0
image: example/demo:latest
transport:
  default: http
  supported: [http, stdio]
config_schema:
  type: object
  properties:
    hello_from:
      type: string
      default: "X"
tools:
  - name: say_hello
    description: Greets the caller.
category: examples
custom_field: preserved
`

func writeTemplate(t *testing.T, dir, id, descriptor string) {
	t.Helper()
	templateDir := filepath.Join(dir, id)
	require.NoError(t, os.MkdirAll(templateDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(templateDir, "template.yaml"), []byte(descriptor), 0644))
}

func TestRegistry_LoadAndGet(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "demo", demoDescriptor)

	registry, err := NewRegistry(dir)
	require.NoError(t, err)

	tmpl, err := registry.Get("demo")
	require.NoError(t, err)
	assert.Equal(t, "Demo Server", tmpl.Name)
	assert.Equal(t, "example/demo:latest", tmpl.Image)
	assert.Equal(t, OriginBuiltin, tmpl.Origin)
	assert.Equal(t, "preserved", tmpl.Extra["custom_field"])
	require.Len(t, tmpl.Tools, 1)
	assert.Equal(t, "say_hello", tmpl.Tools[0].Name)
}

func TestRegistry_NotFound(t *testing.T) {
	registry, err := NewRegistry(t.TempDir())
	require.NoError(t, err)

	_, err = registry.Get("missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrTemplateNotFound))

	var notFound *NotFoundError
	require.ErrorAs(t, err, &notFound)
	assert.Equal(t, "missing", notFound.ID)
}

func TestRegistry_InvalidDescriptorSkipped(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "demo", demoDescriptor)
	writeTemplate(t, dir, "broken", "id: BROKEN_ID\nname: x\n")

	registry, err := NewRegistry(dir)
	require.NoError(t, err)

	assert.Len(t, registry.List(), 1)
	_, err = registry.Get("broken")
	assert.Error(t, err)
}

func TestRegistry_DescriptorValidation(t *testing.T) {
	tests := []struct {
		name       string
		descriptor string
		field      string
	}{
		{
			name:       "bad id",
			descriptor: "id: Bad_Id\nname: x\nversion: 1\nimage: i\ntransport: {default: http, supported: [http]}\nconfig_schema: {type: object}\n",
			field:      "id",
		},
		{
			name:       "missing image",
			descriptor: "id: ok\nname: x\nversion: 1\ntransport: {default: http, supported: [http]}\nconfig_schema: {type: object}\n",
			field:      "image",
		},
		{
			name:       "default transport unsupported",
			descriptor: "id: ok\nname: x\nversion: 1\nimage: i\ntransport: {default: stdio, supported: [http]}\nconfig_schema: {type: object}\n",
			field:      "transport",
		},
		{
			name:       "missing config schema",
			descriptor: "id: ok\nname: x\nversion: 1\nimage: i\ntransport: {default: http, supported: [http]}\n",
			field:      "config_schema",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeTemplate(t, dir, "tpl", tt.descriptor)

			_, err := NewRegistry(dir)
			require.Error(t, err)
			var invalid *InvalidTemplateError
			require.ErrorAs(t, err, &invalid)
			assert.Equal(t, tt.field, invalid.Field)
		})
	}
}

func TestRegistry_DefaultsMustValidate(t *testing.T) {
	const descriptor = `
id: bad-defaults
name: x
version: "1"
image: i
transport: {default: http, supported: [http]}
config_schema:
  type: object
  properties:
    mode:
      type: string
      enum: [fast, safe]
      default: warp
`
	dir := t.TempDir()
	writeTemplate(t, dir, "bad-defaults", descriptor)

	_, err := NewRegistry(dir)
	require.Error(t, err)
	var invalid *InvalidTemplateError
	require.ErrorAs(t, err, &invalid)
	assert.Equal(t, "config_schema", invalid.Field)
}

func TestRegistry_UserOverridesBuiltin(t *testing.T) {
	builtin := t.TempDir()
	user := t.TempDir()
	writeTemplate(t, builtin, "demo", demoDescriptor)

	userDescriptor := demoDescriptor + "author: someone\n"
	writeTemplate(t, user, "demo", userDescriptor)

	registry, err := NewRegistry(builtin, user)
	require.NoError(t, err)

	tmpl, err := registry.Get("demo")
	require.NoError(t, err)
	assert.Equal(t, OriginUser, tmpl.Origin)
	assert.Equal(t, "someone", tmpl.Author)
}

func TestRegistry_RefreshPicksUpChanges(t *testing.T) {
	dir := t.TempDir()
	writeTemplate(t, dir, "demo", demoDescriptor)

	registry, err := NewRegistry(dir)
	require.NoError(t, err)

	changes := registry.Subscribe()
	writeTemplate(t, dir, "second",
		"id: second\nname: Second\nversion: \"1\"\nimage: example/second:latest\ntransport: {default: stdio, supported: [stdio]}\nconfig_schema: {type: object}\n")

	require.NoError(t, registry.Refresh())
	assert.Len(t, registry.List(), 2)

	select {
	case id := <-changes:
		assert.Equal(t, "second", id)
	default:
		t.Fatal("expected a change notification for the new template")
	}
}

func TestRegistry_JSONDescriptor(t *testing.T) {
	dir := t.TempDir()
	templateDir := filepath.Join(dir, "jsondemo")
	require.NoError(t, os.MkdirAll(templateDir, 0755))
	descriptor := `{
  "id": "jsondemo",
  "name": "JSON Demo",
  "version": "1.0.0",
  "image": "example/json:latest",
  "transport": {"default": "http", "supported": ["http"]},
  "config_schema": {"type": "object", "properties": {}}
}`
	require.NoError(t, os.WriteFile(filepath.Join(templateDir, "template.json"), []byte(descriptor), 0644))

	registry, err := NewRegistry(dir)
	require.NoError(t, err)

	tmpl, err := registry.Get("jsondemo")
	require.NoError(t, err)
	assert.Equal(t, "JSON Demo", tmpl.Name)
}

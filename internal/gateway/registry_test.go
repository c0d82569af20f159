package gateway

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFileRegistry(t *testing.T) (*Registry, string) {
	t.Helper()
	file := filepath.Join(t.TempDir(), "registry.json")
	r, err := NewRegistry(file)
	require.NoError(t, err)
	return r, file
}

func httpInstance(id string) *Instance {
	return &Instance{
		ID:        id,
		Transport: TransportHTTP,
		Endpoint:  "http://127.0.0.1:7071",
		Status:    StatusHealthy,
		Weight:    1,
	}
}

func TestRegistry_WriteThenLoadRoundTrip(t *testing.T) {
	r, file := newFileRegistry(t)

	require.NoError(t, r.Register("demo", httpInstance("a"), nil))
	require.NoError(t, r.Register("demo", httpInstance("b"), nil))
	require.NoError(t, r.SetPolicy("demo", Policy{Strategy: StrategyWeighted, MaxRetries: 2, PoolSize: 1, TimeoutSec: 30}))

	reloaded, err := NewRegistry(file)
	require.NoError(t, err)

	tr, ok := reloaded.Snapshot("demo")
	require.True(t, ok)
	require.Len(t, tr.Instances, 2)
	assert.Equal(t, StrategyWeighted, tr.Policy.Strategy)
	assert.Equal(t, 2, tr.Policy.MaxRetries)

	ids := []string{tr.Instances[0].ID, tr.Instances[1].ID}
	assert.ElementsMatch(t, []string{"a", "b"}, ids)
}

func TestRegistry_UnknownFieldsSurviveRoundTrip(t *testing.T) {
	file := filepath.Join(t.TempDir(), "registry.json")
	seed := `{
  "templates": {
    "demo": {
      "instances": [{"id": "a", "template_id": "demo", "transport": "http", "status": "healthy", "weight": 1}],
      "policy": {"strategy": "round_robin", "max_retries": 3, "pool_size": 3, "timeout": 60},
      "x_future_field": {"nested": true}
    }
  },
  "version": 7,
  "x_document_extra": "keep-me"
}`
	require.NoError(t, os.WriteFile(file, []byte(seed), 0644))

	r, err := NewRegistry(file)
	require.NoError(t, err)
	assert.Equal(t, 7, r.Version())

	// Any mutation rewrites the file; the unknown fields must survive.
	require.NoError(t, r.Register("demo", httpInstance("b"), nil))

	data, err := os.ReadFile(file)
	require.NoError(t, err)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Equal(t, "keep-me", doc["x_document_extra"])

	templates := doc["templates"].(map[string]any)
	demo := templates["demo"].(map[string]any)
	assert.Contains(t, demo, "x_future_field")
}

func TestRegistry_PersistIsAtomic(t *testing.T) {
	r, file := newFileRegistry(t)
	require.NoError(t, r.Register("demo", httpInstance("a"), nil))

	// The temp file never lingers and the target always parses.
	_, err := os.Stat(file + ".tmp")
	assert.True(t, os.IsNotExist(err))

	data, err := os.ReadFile(file)
	require.NoError(t, err)
	var doc map[string]any
	assert.NoError(t, json.Unmarshal(data, &doc))
}

func TestRegistry_PersistFailureRollsBack(t *testing.T) {
	dir := t.TempDir()
	file := filepath.Join(dir, "registry.json")
	r, err := NewRegistry(file)
	require.NoError(t, err)
	require.NoError(t, r.Register("demo", httpInstance("a"), nil))

	// Make the directory unwritable so the temp-file write fails.
	require.NoError(t, os.Chmod(dir, 0555))
	t.Cleanup(func() { _ = os.Chmod(dir, 0755) })

	err = r.Register("demo", httpInstance("b"), nil)
	require.Error(t, err)

	tr, ok := r.Snapshot("demo")
	require.True(t, ok)
	assert.Len(t, tr.Instances, 1, "failed mutation must not survive in memory")
}

func TestRegistry_Deregister(t *testing.T) {
	r, _ := newFileRegistry(t)
	require.NoError(t, r.Register("demo", httpInstance("a"), nil))
	require.NoError(t, r.Register("demo", httpInstance("b"), nil))

	removed, err := r.Deregister("demo", "a")
	require.NoError(t, err)
	assert.True(t, removed)

	removed, err = r.Deregister("demo", "a")
	require.NoError(t, err)
	assert.False(t, removed)

	// The template disappears with its last instance.
	removed, err = r.Deregister("demo", "b")
	require.NoError(t, err)
	assert.True(t, removed)
	_, ok := r.Snapshot("demo")
	assert.False(t, ok)
}

func TestRegistry_SnapshotIsolation(t *testing.T) {
	r, _ := newFileRegistry(t)
	require.NoError(t, r.Register("demo", httpInstance("a"), nil))

	tr, ok := r.Snapshot("demo")
	require.True(t, ok)
	tr.Instances[0].Status = StatusUnhealthy

	fresh, _ := r.Snapshot("demo")
	assert.Equal(t, StatusHealthy, fresh.Instances[0].Status,
		"mutating a snapshot must not leak into the registry")
}

func TestRegistry_UpdateHealthMonotonic(t *testing.T) {
	r, _ := newFileRegistry(t)
	inst := httpInstance("a")
	inst.Status = StatusUnknown
	require.NoError(t, r.Register("demo", inst, nil))

	thresholds := HealthThresholds{MaxConsecutiveFailures: 3, MinConsecutiveSuccesses: 1}
	base := time.Now()

	r.UpdateHealth("demo", "a", true, base.Add(2*time.Second), thresholds)
	tr, _ := r.Snapshot("demo")
	require.Equal(t, StatusHealthy, tr.Instances[0].Status)

	// A probe issued earlier must not override the newer result.
	r.UpdateHealth("demo", "a", false, base.Add(time.Second), thresholds)
	tr, _ = r.Snapshot("demo")
	assert.Equal(t, StatusHealthy, tr.Instances[0].Status)
	assert.Zero(t, tr.Instances[0].ConsecutiveFailures)
}

func TestRegistry_InstanceStatusForDeployments(t *testing.T) {
	r, _ := newFileRegistry(t)
	inst := httpInstance("a")
	inst.DeploymentID = "dep-42"
	require.NoError(t, r.Register("demo", inst, nil))

	healthy, known := r.InstanceStatus("demo", "dep-42")
	assert.True(t, known)
	assert.True(t, healthy)

	_, known = r.InstanceStatus("demo", "dep-unknown")
	assert.False(t, known)
}

func TestRegistry_InMemoryMode(t *testing.T) {
	r, err := NewRegistry("")
	require.NoError(t, err)
	require.NoError(t, r.Register("demo", httpInstance("a"), nil))
	assert.Len(t, r.HealthyInstances("demo"), 1)
}

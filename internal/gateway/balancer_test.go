package gateway

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func instances(specs ...Instance) []*Instance {
	out := make([]*Instance, len(specs))
	for i := range specs {
		inst := specs[i]
		if inst.Status == "" {
			inst.Status = StatusHealthy
		}
		if inst.Weight == 0 {
			inst.Weight = 1
		}
		out[i] = &inst
	}
	return out
}

func TestSelect_NoHealthyInstances(t *testing.T) {
	b := NewBalancer()

	_, err := b.Select("demo", nil, StrategyRoundRobin, nil)
	assert.ErrorIs(t, err, ErrNoHealthyInstances)

	pool := instances(Instance{ID: "a", Status: StatusUnhealthy})
	_, err = b.Select("demo", pool, StrategyRoundRobin, nil)
	assert.ErrorIs(t, err, ErrNoHealthyInstances)
}

func TestSelect_NeverReturnsUnhealthy(t *testing.T) {
	b := NewBalancer()
	pool := instances(
		Instance{ID: "a"},
		Instance{ID: "b", Status: StatusUnhealthy},
		Instance{ID: "c", Status: StatusUnknown},
	)

	for _, strategy := range []Strategy{
		StrategyRoundRobin, StrategyLeastConnections, StrategyWeighted,
		StrategyHealthBased, StrategyRandom,
	} {
		for i := 0; i < 20; i++ {
			inst, err := b.Select("demo", pool, strategy, nil)
			require.NoError(t, err)
			assert.Equal(t, "a", inst.ID, "strategy %s picked a non-healthy instance", strategy)
		}
	}
}

func TestSelect_RoundRobinFairness(t *testing.T) {
	b := NewBalancer()
	pool := instances(Instance{ID: "a"}, Instance{ID: "b"}, Instance{ID: "c"})

	var sequence []string
	for i := 0; i < 9; i++ {
		inst, err := b.Select("demo", pool, StrategyRoundRobin, nil)
		require.NoError(t, err)
		sequence = append(sequence, inst.ID)
	}
	assert.Equal(t, []string{"a", "b", "c", "a", "b", "c", "a", "b", "c"}, sequence)
}

func TestSelect_SingleInstance(t *testing.T) {
	b := NewBalancer()
	pool := instances(Instance{ID: "only"})

	for i := 0; i < 5; i++ {
		inst, err := b.Select("demo", pool, StrategyRoundRobin, nil)
		require.NoError(t, err)
		assert.Equal(t, "only", inst.ID)
	}
}

func TestSelect_Exclusion(t *testing.T) {
	b := NewBalancer()
	pool := instances(Instance{ID: "a"}, Instance{ID: "b"})

	inst, err := b.Select("demo", pool, StrategyRoundRobin, map[string]bool{"a": true})
	require.NoError(t, err)
	assert.Equal(t, "b", inst.ID)

	_, err = b.Select("demo", pool, StrategyRoundRobin, map[string]bool{"a": true, "b": true})
	assert.ErrorIs(t, err, ErrNoHealthyInstances)
}

func TestSelect_LeastConnections(t *testing.T) {
	b := NewBalancer()
	pool := instances(Instance{ID: "a"}, Instance{ID: "b"})

	b.RecordStart("demo", "a")
	b.RecordStart("demo", "a")
	b.RecordStart("demo", "b")

	inst, err := b.Select("demo", pool, StrategyLeastConnections, nil)
	require.NoError(t, err)
	assert.Equal(t, "b", inst.ID)

	b.RecordEnd("demo", "a")
	b.RecordEnd("demo", "a")
	b.RecordEnd("demo", "b")
	// Tied now: ties break round-robin, so both get picked over time.
	seen := map[string]int{}
	for i := 0; i < 10; i++ {
		inst, err := b.Select("demo", pool, StrategyLeastConnections, nil)
		require.NoError(t, err)
		seen[inst.ID]++
	}
	assert.Len(t, seen, 2)
}

func TestSelect_WeightedDistribution(t *testing.T) {
	b := NewBalancer()
	pool := instances(
		Instance{ID: "heavy", Weight: 3},
		Instance{ID: "light", Weight: 1},
	)

	counts := map[string]int{}
	for i := 0; i < 40; i++ {
		inst, err := b.Select("demo", pool, StrategyWeighted, nil)
		require.NoError(t, err)
		counts[inst.ID]++
	}
	assert.Equal(t, 30, counts["heavy"])
	assert.Equal(t, 10, counts["light"])
}

func TestSelect_WeightZeroNeverSelected(t *testing.T) {
	b := NewBalancer()
	pool := []*Instance{
		{ID: "on", Status: StatusHealthy, Weight: 2},
		{ID: "off", Status: StatusHealthy, Weight: 0},
	}

	for i := 0; i < 20; i++ {
		inst, err := b.Select("demo", pool, StrategyWeighted, nil)
		require.NoError(t, err)
		assert.Equal(t, "on", inst.ID)
	}
}

func TestSelect_AllWeightZeroIsUniform(t *testing.T) {
	b := NewBalancer()
	pool := []*Instance{
		{ID: "a", Status: StatusHealthy, Weight: 0},
		{ID: "b", Status: StatusHealthy, Weight: 0},
	}

	counts := map[string]int{}
	for i := 0; i < 20; i++ {
		inst, err := b.Select("demo", pool, StrategyWeighted, nil)
		require.NoError(t, err)
		counts[inst.ID]++
	}
	assert.Equal(t, 10, counts["a"])
	assert.Equal(t, 10, counts["b"])
}

func TestSelect_HealthBased(t *testing.T) {
	b := NewBalancer()

	good := &Instance{ID: "good", Status: StatusHealthy, Weight: 1,
		probeHistory: []bool{true, true, true, true}}
	shaky := &Instance{ID: "shaky", Status: StatusHealthy, Weight: 1,
		probeHistory: []bool{false, false, true, true}}
	pool := []*Instance{good, shaky}

	for i := 0; i < 10; i++ {
		inst, err := b.Select("demo", pool, StrategyHealthBased, nil)
		require.NoError(t, err)
		assert.Equal(t, "good", inst.ID)
	}
}

func TestSelect_RandomCoversPool(t *testing.T) {
	b := NewBalancer()
	pool := instances(Instance{ID: "a"}, Instance{ID: "b"}, Instance{ID: "c"})

	seen := map[string]bool{}
	for i := 0; i < 200; i++ {
		inst, err := b.Select("demo", pool, StrategyRandom, nil)
		require.NoError(t, err)
		seen[inst.ID] = true
	}
	assert.Len(t, seen, 3)
}

func TestSelect_PerTemplateCounters(t *testing.T) {
	b := NewBalancer()
	poolA := instances(Instance{ID: "a1"}, Instance{ID: "a2"})
	poolB := instances(Instance{ID: "b1"}, Instance{ID: "b2"})

	first, err := b.Select("alpha", poolA, StrategyRoundRobin, nil)
	require.NoError(t, err)
	second, err := b.Select("beta", poolB, StrategyRoundRobin, nil)
	require.NoError(t, err)

	// Each template starts its own rotation.
	assert.Equal(t, "a1", first.ID)
	assert.Equal(t, "b1", second.ID)
}

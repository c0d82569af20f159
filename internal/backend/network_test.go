package backend

import (
	"fmt"
	"net/netip"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChooseSubnet_EmptyExisting(t *testing.T) {
	subnet, err := ChooseSubnet(nil, "")
	require.NoError(t, err)
	assert.Equal(t, "10.100.0.0/24", subnet)
}

func TestChooseSubnet_SkipsOccupied(t *testing.T) {
	existing := []string{
		"10.100.0.0/24",
		"10.100.1.0/24",
		"10.100.3.0/24",
	}
	subnet, err := ChooseSubnet(existing, "")
	require.NoError(t, err)
	assert.Equal(t, "10.100.2.0/24", subnet)
}

func TestChooseSubnet_NeverIntersectsExisting(t *testing.T) {
	existing := []string{
		"10.100.0.0/22",
		"10.100.64.0/18",
		"172.17.0.0/16",
		"192.168.1.0/24",
	}
	subnet, err := ChooseSubnet(existing, "")
	require.NoError(t, err)
	require.NotEmpty(t, subnet)

	chosen := netip.MustParsePrefix(subnet)
	for _, s := range existing {
		assert.False(t, chosen.Overlaps(netip.MustParsePrefix(s)),
			"chosen %s overlaps existing %s", subnet, s)
	}
}

func TestChooseSubnet_RotatesOnSupernetExhaustion(t *testing.T) {
	// The whole preferred /16 is taken; allocation moves to the next pool.
	existing := []string{"10.100.0.0/16"}
	subnet, err := ChooseSubnet(existing, "")
	require.NoError(t, err)
	assert.Equal(t, "10.101.0.0/24", subnet)
}

func TestChooseSubnet_ExhaustionFallsBackToNoIPAM(t *testing.T) {
	existing := []string{
		"10.100.0.0/16",
		"10.101.0.0/16",
		"10.102.0.0/16",
		"10.103.0.0/16",
		"10.104.0.0/16",
	}
	subnet, err := ChooseSubnet(existing, "")
	require.NoError(t, err)
	assert.Empty(t, subnet)
}

func TestChooseSubnet_IgnoresMalformedAndIPv6(t *testing.T) {
	existing := []string{
		"not-a-cidr",
		"",
		"fd00::/64",
		"2001:db8::/32",
		"10.100.0.0/24",
	}
	subnet, err := ChooseSubnet(existing, "")
	require.NoError(t, err)
	assert.Equal(t, "10.100.1.0/24", subnet)
}

func TestChooseSubnet_IgnoresNonPrivate(t *testing.T) {
	// A public range in the runtime's report cannot block allocation.
	subnet, err := ChooseSubnet([]string{"8.8.8.0/24"}, "")
	require.NoError(t, err)
	assert.Equal(t, "10.100.0.0/24", subnet)
}

func TestChooseSubnet_Override(t *testing.T) {
	tests := []struct {
		name     string
		existing []string
		override string
		want     string
	}{
		{
			name:     "valid override wins",
			override: "10.200.5.0/24",
			want:     "10.200.5.0/24",
		},
		{
			name:     "non-private override falls back",
			override: "8.8.0.0/24",
			want:     "10.100.0.0/24",
		},
		{
			name:     "malformed override falls back",
			override: "garbage",
			want:     "10.100.0.0/24",
		},
		{
			name:     "overlapping override falls back",
			existing: []string{"10.200.0.0/16"},
			override: "10.200.5.0/24",
			want:     "10.100.0.0/24",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			subnet, err := ChooseSubnet(tt.existing, tt.override)
			require.NoError(t, err)
			assert.Equal(t, tt.want, subnet)
		})
	}
}

func TestChooseSubnet_Deterministic(t *testing.T) {
	existing := []string{"10.100.0.0/24", "10.100.2.0/24"}
	first, err := ChooseSubnet(existing, "")
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := ChooseSubnet(existing, "")
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
	assert.Equal(t, "10.100.1.0/24", first)
}

func TestCarve24s_CountAndOrder(t *testing.T) {
	super := netip.MustParsePrefix("10.100.0.0/16")
	carved := carve24s(super)
	require.Len(t, carved, 256)
	assert.Equal(t, "10.100.0.0/24", carved[0].String())
	assert.Equal(t, "10.100.255.0/24", carved[255].String())

	for i := 1; i < len(carved); i++ {
		assert.True(t, carved[i-1].Addr().Less(carved[i].Addr()),
			fmt.Sprintf("carved subnets out of order at %d", i))
	}
}

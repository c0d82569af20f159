package backend

import (
	"fmt"
	"net/netip"

	"flotilla/pkg/logging"
)

// Candidate supernets walked in order when allocating the shared network's
// subnet. Each is carved into /24s; the first /24 that does not intersect
// any existing network wins. Ties break numeric-lowest-first because the
// walk itself is ordered.
var defaultSupernets = []string{
	"10.100.0.0/16",
	"10.101.0.0/16",
	"10.102.0.0/16",
	"10.103.0.0/16",
	"10.104.0.0/16",
}

// ChooseSubnet selects a /24 for the shared bridge network.
//
// existing holds the subnets currently present on the host in CIDR form;
// malformed and non-private entries are ignored with a warning, IPv6
// entries are ignored silently.
// override is the MCP_SUBNET value: when valid (private, non-overlapping)
// it is returned as-is, otherwise allocation falls back to scanning.
//
// An empty return with nil error means every candidate pool is exhausted;
// the caller should create the network without explicit IPAM rather than
// fail.
func ChooseSubnet(existing []string, override string) (string, error) {
	used := parseExisting(existing)

	if override != "" {
		p, err := netip.ParsePrefix(override)
		switch {
		case err != nil:
			logging.Warn("Backend", "MCP_SUBNET %q is not a valid CIDR, falling back to allocation", override)
		case !p.Addr().Is4() || !p.Addr().IsPrivate():
			logging.Warn("Backend", "MCP_SUBNET %q is not a private IPv4 range, falling back to allocation", override)
		case overlapsAny(p, used):
			logging.Warn("Backend", "MCP_SUBNET %q overlaps an existing network, falling back to allocation", override)
		default:
			return p.Masked().String(), nil
		}
	}

	for _, supernet := range defaultSupernets {
		super := netip.MustParsePrefix(supernet)
		for _, candidate := range carve24s(super) {
			if !overlapsAny(candidate, used) {
				return candidate.String(), nil
			}
		}
	}

	logging.Warn("Backend", "All candidate subnet pools are exhausted, creating network without explicit IPAM")
	return "", nil
}

// parseExisting canonicalizes the host's subnet list, dropping entries the
// allocator cannot reason about.
func parseExisting(existing []string) []netip.Prefix {
	var out []netip.Prefix
	for _, s := range existing {
		if s == "" {
			continue
		}
		p, err := netip.ParsePrefix(s)
		if err != nil {
			logging.Warn("Backend", "Ignoring malformed network subnet %q", s)
			continue
		}
		if !p.Addr().Is4() {
			continue // IPv6 cannot collide with the IPv4 pools
		}
		if !p.Addr().IsPrivate() {
			logging.Warn("Backend", "Ignoring non-private network subnet %q", s)
			continue
		}
		out = append(out, p.Masked())
	}
	return out
}

// carve24s enumerates the /24 networks inside a supernet in ascending
// order.
func carve24s(super netip.Prefix) []netip.Prefix {
	if super.Bits() > 24 {
		return []netip.Prefix{super}
	}
	count := 1 << (24 - super.Bits())
	out := make([]netip.Prefix, 0, count)

	addr := super.Masked().Addr()
	for i := 0; i < count; i++ {
		p, err := addr.Prefix(24)
		if err != nil {
			break
		}
		out = append(out, p)
		addr = next24(addr)
	}
	return out
}

// next24 advances an IPv4 address to the start of the following /24.
func next24(addr netip.Addr) netip.Addr {
	a4 := addr.As4()
	if a4[2] == 0xff {
		a4[1]++
		a4[2] = 0
	} else {
		a4[2]++
	}
	a4[3] = 0
	return netip.AddrFrom4(a4)
}

func overlapsAny(p netip.Prefix, used []netip.Prefix) bool {
	for _, u := range used {
		if p.Overlaps(u) {
			return true
		}
	}
	return false
}

// NetworkAllocationError reports an unrecoverable network setup failure.
type NetworkAllocationError struct {
	Network string
	Cause   error
}

func (e *NetworkAllocationError) Error() string {
	return fmt.Sprintf("allocating network %s: %v", e.Network, e.Cause)
}

func (e *NetworkAllocationError) Unwrap() error { return e.Cause }

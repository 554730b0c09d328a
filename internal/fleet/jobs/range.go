package jobs

import (
	"fmt"
	"net/netip"
)

// maxRangeBits rejects ranges wider than a /20 (4094 hosts); provisioning a
// block that large in one job is an operator mistake.
const maxRangeBits = 20

// NormalizeRange validates an IPv4 CIDR and returns its canonical masked
// form. Host bits in the input are cleared; a host-form range like
// 203.0.113.5/29 normalizes to 203.0.113.0/29. The canonical form is what
// gets persisted, so range lookups can cast it as a cidr literal.
func NormalizeRange(cidr string) (string, error) {
	prefix, err := netip.ParsePrefix(cidr)
	if err != nil {
		return "", fmt.Errorf("invalid range %q: %w", cidr, err)
	}
	if !prefix.Addr().Is4() {
		return "", fmt.Errorf("invalid range %q: only IPv4 ranges are supported", cidr)
	}
	prefix = prefix.Masked()
	if prefix.Bits() < maxRangeBits {
		return "", fmt.Errorf("range %q is too large: at most a /%d may be provisioned per job", cidr, maxRangeBits)
	}
	return prefix.String(), nil
}

// ExpandRange expands an IPv4 CIDR into its usable host addresses. The
// network and broadcast addresses are excluded by host-iteration semantics,
// and the gateway (first usable host) is excluded from the candidate set.
// For /31 and /32 there is no gateway and every address is a host.
func ExpandRange(cidr string) (gateway string, hosts []string, err error) {
	normalized, err := NormalizeRange(cidr)
	if err != nil {
		return "", nil, err
	}
	prefix := netip.MustParsePrefix(normalized)

	if prefix.Bits() >= 31 {
		for addr := prefix.Addr(); prefix.Contains(addr); addr = addr.Next() {
			hosts = append(hosts, addr.String())
		}
		return "", hosts, nil
	}

	network := prefix.Addr()
	gw := network.Next()
	for addr := gw.Next(); prefix.Contains(addr.Next()); addr = addr.Next() {
		hosts = append(hosts, addr.String())
	}
	return gw.String(), hosts, nil
}

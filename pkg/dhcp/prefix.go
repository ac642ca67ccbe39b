package dhcp

import (
	"net"
	"net/netip"

	"github.com/apparentlymart/go-cidr/cidr"
)

// NthSubPrefix returns sub-prefix n of length subPrefLen inside delegated,
// e.g. 2001:db8:1000::/56, 64, 1 -> 2001:db8:1000:1::/64. It returns an
// invalid prefix when the sub-prefix does not fit.
func NthSubPrefix(delegated netip.Prefix, subPrefLen, n int) netip.Prefix {
	bits := delegated.Bits()
	if !delegated.IsValid() || subPrefLen < bits || subPrefLen > delegated.Addr().BitLen() {
		return netip.Prefix{}
	}
	sub, err := cidr.Subnet(prefixToIPNet(delegated.Masked()), subPrefLen-bits, n)
	if err != nil {
		return netip.Prefix{}
	}
	ip, ok := netip.AddrFromSlice(sub.IP)
	if !ok {
		return netip.Prefix{}
	}
	ones, _ := sub.Mask.Size()
	return netip.PrefixFrom(ip.Unmap(), ones)
}

// PrefixLength returns the length of the longest prefix containing addr,
// 128 when none does.
func PrefixLength(prefixes []netip.Prefix, addr netip.Addr) int {
	best := -1
	for _, p := range prefixes {
		if p.Contains(addr) && p.Bits() > best {
			best = p.Bits()
		}
	}
	if best < 0 {
		return 128
	}
	return best
}

// FormatPrefixes renders prefixes in the persisted "prefix/len" form.
func FormatPrefixes(prefixes []netip.Prefix) []string {
	out := make([]string, 0, len(prefixes))
	for _, p := range prefixes {
		out = append(out, p.String())
	}
	return out
}

// ParsePrefixes parses persisted prefixes, skipping malformed entries.
func ParsePrefixes(in []string) []netip.Prefix {
	var out []netip.Prefix
	for _, s := range in {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			continue
		}
		out = append(out, p)
	}
	return out
}

func prefixToIPNet(p netip.Prefix) *net.IPNet {
	addr := p.Addr()
	return &net.IPNet{
		IP:   addr.AsSlice(),
		Mask: net.CIDRMask(p.Bits(), addr.BitLen()),
	}
}

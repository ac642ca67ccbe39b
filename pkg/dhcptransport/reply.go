package dhcptransport

import (
	"net"
	"net/netip"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv6"
	"github.com/insomniacslk/dhcp/iana"

	"github.com/psaab/dhcp6c/pkg/dhcp"
)

// ParseReply extracts what the state machine acts on from an ADVERTISE or
// REPLY. A failing IA status is reported when the message status itself
// is success.
func ParseReply(msg *dhcpv6.Message) *dhcp.Reply {
	r := &dhcp.Reply{
		Type:         msg.MessageType,
		Status:       iana.StatusSuccess,
		PrefixStatus: iana.StatusSuccess,
	}
	if sc := msg.Options.Status(); sc != nil {
		r.Status = sc.StatusCode
	}

	addIA := func(opts dhcpv6.IdentityOptions) {
		r.HasIA = true
		if sc := opts.Status(); sc != nil && r.Status == iana.StatusSuccess {
			r.Status = sc.StatusCode
		}
		for _, a := range opts.Addresses() {
			if ip, ok := addrFromIP(a.IPv6Addr); ok {
				r.Addresses = append(r.Addresses, ip)
			}
		}
	}
	for _, ia := range msg.Options.IANA() {
		addIA(ia.Options)
	}
	for _, ia := range msg.Options.IATA() {
		addIA(ia.Options)
	}
	for _, pd := range msg.Options.IAPD() {
		if sc := pd.Options.Status(); sc != nil {
			r.PrefixStatus = sc.StatusCode
		}
		r.Prefixes = append(r.Prefixes, delegatedPrefixes(pd)...)
	}

	for _, ip := range msg.Options.DNS() {
		r.Nameservers = append(r.Nameservers, ip.String())
	}
	if l := msg.Options.DomainSearchList(); l != nil {
		r.Domains = append(r.Domains, l.Labels...)
	}
	for _, ip := range sntpServers(msg) {
		r.Timeservers = append(r.Timeservers, ip.String())
	}
	for _, ip := range msg.Options.NTPServers() {
		r.Timeservers = append(r.Timeservers, ip.String())
	}
	return r
}

// delegatedPrefixes returns the IA_PD prefixes of one IA.
func delegatedPrefixes(pd *dhcpv6.OptIAPD) []netip.Prefix {
	var out []netip.Prefix
	for _, prefix := range pd.Options.Prefixes() {
		if prefix.Prefix == nil {
			continue
		}
		ones, _ := prefix.Prefix.Mask.Size()
		ip, ok := addrFromIP(prefix.Prefix.IP)
		if !ok {
			continue
		}
		out = append(out, netip.PrefixFrom(ip, ones))
	}
	return out
}

// sntpServers decodes option 31 (RFC 4075), a plain list of addresses.
func sntpServers(msg *dhcpv6.Message) []net.IP {
	var out []net.IP
	for _, opt := range msg.Options.Get(dhcpv6.OptionSNTPServerList) {
		data := opt.ToBytes()
		for len(data) >= net.IPv6len {
			out = append(out, net.IP(data[:net.IPv6len]))
			data = data[net.IPv6len:]
		}
	}
	return out
}

// leaseFrom reads T1/T2 from the first IA and sets the expiry to the
// longest valid lifetime granted. ok is false without an IA.
func leaseFrom(msg *dhcpv6.Message, now time.Time) (l dhcp.Lease, ok bool) {
	var valid time.Duration
	if ia := msg.Options.OneIANA(); ia != nil {
		ok = true
		l.T1, l.T2 = ia.T1, ia.T2
		for _, a := range ia.Options.Addresses() {
			valid = max(valid, a.ValidLifetime)
		}
	} else if ia := msg.Options.OneIATA(); ia != nil {
		ok = true
		for _, a := range ia.Options.Addresses() {
			valid = max(valid, a.ValidLifetime)
		}
	}
	if pd := msg.Options.OneIAPD(); pd != nil {
		if !ok {
			l.T1, l.T2 = pd.T1, pd.T2
		}
		ok = true
		for _, p := range pd.Options.Prefixes() {
			valid = max(valid, p.ValidLifetime)
		}
	}
	if !ok {
		return dhcp.Lease{}, false
	}
	l.Start = now
	if valid > 0 {
		l.Expiry = now.Add(valid)
	}
	return l, true
}

func addrFromIP(ip net.IP) (netip.Addr, bool) {
	a, ok := netip.AddrFromSlice(ip)
	if !ok {
		return netip.Addr{}, false
	}
	return a.Unmap(), true
}

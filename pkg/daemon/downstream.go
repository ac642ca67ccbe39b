package daemon

import (
	"fmt"
	"log/slog"
	"net"
	"net/netip"

	"github.com/vishvananda/netlink"

	"github.com/psaab/dhcp6c/pkg/config"
	"github.com/psaab/dhcp6c/pkg/dhcp"
)

// linkHandle is the subset of *netlink.Handle used for downstream links.
type linkHandle interface {
	LinkByName(name string) (netlink.Link, error)
	AddrReplace(link netlink.Link, addr *netlink.Addr) error
	AddrDel(link netlink.Link, addr *netlink.Addr) error
}

// downstream splits a delegated prefix over downstream interfaces. The
// n-th configured interface receives sub-prefix n of its configured length
// and the first host address of it. Used from the loop only.
type downstream struct {
	h        linkHandle
	assigned map[string]netip.Prefix // interface -> address/len
}

func newDownstream(h linkHandle) *downstream {
	return &downstream{h: h, assigned: make(map[string]netip.Prefix)}
}

// apply assigns sub-prefixes of delegated[0]. No delegation withdraws
// every address assigned earlier.
func (d *downstream) apply(cfgs []config.DownstreamConfig, delegated []netip.Prefix) {
	if d == nil || len(cfgs) == 0 {
		return
	}
	want := make(map[string]netip.Prefix, len(cfgs))
	if len(delegated) > 0 {
		for i, dc := range cfgs {
			sub := dhcp.NthSubPrefix(delegated[0], dc.SubPrefLen, i)
			if !sub.IsValid() {
				slog.Warn("DHCPv6: sub-prefix does not fit delegation",
					"interface", dc.Name, "delegated", delegated[0], "length", dc.SubPrefLen, "index", i)
				continue
			}
			want[dc.Name] = netip.PrefixFrom(sub.Addr().Next(), sub.Bits())
		}
	}

	for _, dc := range cfgs {
		old, had := d.assigned[dc.Name]
		next, ok := want[dc.Name]
		if had && ok && old == next {
			continue
		}
		if had {
			if err := d.addrDel(dc.Name, old); err != nil {
				slog.Warn("DHCPv6: failed to withdraw downstream prefix", "interface", dc.Name, "addr", old, "err", err)
			}
			delete(d.assigned, dc.Name)
		}
		if !ok {
			continue
		}
		if err := d.addrReplace(dc.Name, next); err != nil {
			slog.Warn("DHCPv6: failed to assign downstream prefix", "interface", dc.Name, "addr", next, "err", err)
			continue
		}
		slog.Info("DHCPv6: downstream prefix assigned", "interface", dc.Name, "addr", next)
		d.assigned[dc.Name] = next
	}
}

func (d *downstream) addrReplace(ifname string, p netip.Prefix) error {
	link, err := d.h.LinkByName(ifname)
	if err != nil {
		return fmt.Errorf("link lookup %s: %w", ifname, err)
	}
	return d.h.AddrReplace(link, nlAddr(p))
}

func (d *downstream) addrDel(ifname string, p netip.Prefix) error {
	link, err := d.h.LinkByName(ifname)
	if err != nil {
		return fmt.Errorf("link lookup %s: %w", ifname, err)
	}
	return d.h.AddrDel(link, nlAddr(p))
}

func nlAddr(p netip.Prefix) *netlink.Addr {
	return &netlink.Addr{IPNet: &net.IPNet{
		IP:   net.IP(p.Addr().AsSlice()),
		Mask: net.CIDRMask(p.Bits(), 128),
	}}
}

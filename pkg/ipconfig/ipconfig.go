// Package ipconfig applies DHCPv6-assigned addresses to interfaces via
// netlink.
package ipconfig

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"

	"github.com/vishvananda/netlink"
	"golang.org/x/sys/unix"

	"github.com/psaab/dhcp6c/pkg/dhcp"
)

// Privacy modes for temporary addresses (RFC 4941).
const (
	PrivacySystem   = "system"
	PrivacyEnabled  = "enabled"
	PrivacyDisabled = "disabled"
)

// DefaultSysctlDir holds the per-interface IPv6 sysctls.
const DefaultSysctlDir = "/proc/sys/net/ipv6/conf"

// Handle is the subset of *netlink.Handle used here.
type Handle interface {
	LinkByIndex(index int) (netlink.Link, error)
	AddrReplace(link netlink.Link, addr *netlink.Addr) error
	AddrDel(link netlink.Link, addr *netlink.Addr) error
}

// Config is the IPv6 configuration of one interface. It is used from the
// session reactor only.
type Config struct {
	h         Handle
	ifindex   int
	ifname    string
	privacy   string
	sysctlDir string

	local     netip.Addr
	prefixLen int
	prefixes  []string
}

var _ dhcp.IPConfig = (*Config)(nil)

// New returns the configuration of ifindex. privacy is one of the
// Privacy* modes; PrivacySystem follows the interface's use_tempaddr.
func New(h Handle, ifindex int, ifname, privacy string) *Config {
	if privacy == "" {
		privacy = PrivacySystem
	}
	return &Config{
		h:         h,
		ifindex:   ifindex,
		ifname:    ifname,
		privacy:   privacy,
		sysctlDir: DefaultSysctlDir,
	}
}

// Restore seeds the state saved by a previous run without touching the
// interface.
func (c *Config) Restore(addr netip.Addr, prefixLen int, prefixes []string) {
	c.local = addr
	c.prefixLen = prefixLen
	c.prefixes = append([]string(nil), prefixes...)
}

// LocalAddress implements dhcp.IPConfig.
func (c *Config) LocalAddress() netip.Addr { return c.local }

// PrefixLen returns the prefix length of the local address.
func (c *Config) PrefixLen() int { return c.prefixLen }

// SetLocalAddress installs addr on the interface. Duplicate address
// detection has already run, so the kernel is told to skip it.
func (c *Config) SetLocalAddress(addr netip.Addr, prefixLen int) error {
	link, err := c.h.LinkByIndex(c.ifindex)
	if err != nil {
		return fmt.Errorf("link lookup %s: %w", c.ifname, err)
	}
	nladdr := &netlink.Addr{
		IPNet: &net.IPNet{IP: net.IP(addr.AsSlice()), Mask: net.CIDRMask(prefixLen, 128)},
		Flags: unix.IFA_F_NODAD,
	}
	if err := c.h.AddrReplace(link, nladdr); err != nil {
		return fmt.Errorf("addr replace %s on %s: %w", addr, c.ifname, err)
	}
	c.local = addr
	c.prefixLen = prefixLen
	slog.Info("DHCPv6: address configured", "interface", c.ifname, "addr", addr, "prefixlen", prefixLen)
	return nil
}

// RemoveAddress deletes the current local address. An address already gone
// from the interface is not an error.
func (c *Config) RemoveAddress() error {
	if !c.local.IsValid() {
		return nil
	}
	addr := c.local
	c.local = netip.Addr{}
	link, err := c.h.LinkByIndex(c.ifindex)
	if err != nil {
		return fmt.Errorf("link lookup %s: %w", c.ifname, err)
	}
	nladdr := &netlink.Addr{
		IPNet: &net.IPNet{IP: net.IP(addr.AsSlice()), Mask: net.CIDRMask(c.prefixLen, 128)},
	}
	if err := c.h.AddrDel(link, nladdr); err != nil {
		if errors.Is(err, syscall.EADDRNOTAVAIL) || errors.Is(err, syscall.ESRCH) {
			return nil
		}
		slog.Warn("DHCPv6: failed to remove address",
			"interface", c.ifname, "addr", addr, "err", err)
		return fmt.Errorf("addr del %s on %s: %w", addr, c.ifname, err)
	}
	return nil
}

// PrivacyEnabled implements dhcp.IPConfig.
func (c *Config) PrivacyEnabled() bool {
	switch c.privacy {
	case PrivacyEnabled:
		return true
	case PrivacyDisabled:
		return false
	}
	b, err := os.ReadFile(filepath.Join(c.sysctlDir, c.ifname, "use_tempaddr"))
	if err != nil {
		return false
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(b)))
	return err == nil && n > 0
}

// Prefixes implements dhcp.IPConfig.
func (c *Config) Prefixes() []string { return append([]string(nil), c.prefixes...) }

// SetPrefixes implements dhcp.IPConfig.
func (c *Config) SetPrefixes(prefixes []string) {
	c.prefixes = append([]string(nil), prefixes...)
}

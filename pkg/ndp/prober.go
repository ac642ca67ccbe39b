// Package ndp probes for duplicate IPv6 addresses with neighbor
// solicitations (RFC 4862 section 5.4).
package ndp

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
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"golang.org/x/net/icmp"
	"golang.org/x/net/ipv6"

	"github.com/psaab/dhcp6c/pkg/dhcp"
)

// DefaultSysctlDir holds the per-interface IPv6 sysctls.
const DefaultSysctlDir = "/proc/sys/net/ipv6/conf"

// PacketConn is the subset of *ipv6.PacketConn used to send one probe.
type PacketConn interface {
	WriteTo(b []byte, cm *ipv6.ControlMessage, dst net.Addr) (int, error)
	ReadFrom(b []byte) (int, *ipv6.ControlMessage, net.Addr, error)
	SetReadDeadline(t time.Time) error
	Close() error
}

// Prober implements dhcp.Prober with raw ICMPv6 sockets.
type Prober struct {
	r dhcp.Reactor
	// SysctlDir overrides DefaultSysctlDir.
	SysctlDir string
	// Listen opens the probe socket for an interface.
	Listen func(ifi *net.Interface) (PacketConn, error)
	// Interface resolves an interface index.
	Interface func(index int) (*net.Interface, error)
}

var _ dhcp.Prober = (*Prober)(nil)

// New returns a prober delivering results on r.
func New(r dhcp.Reactor) *Prober {
	return &Prober{
		r:         r,
		SysctlDir: DefaultSysctlDir,
		Listen:    listenICMPv6,
		Interface: net.InterfaceByIndex,
	}
}

// DADTransmits implements dhcp.Prober.
func (p *Prober) DADTransmits(ifindex int) int {
	ifi, err := p.Interface(ifindex)
	if err != nil {
		return 1
	}
	return readDADTransmits(p.SysctlDir, ifi.Name)
}

func readDADTransmits(dir, ifname string) int {
	b, err := os.ReadFile(filepath.Join(dir, ifname, "dad_transmits"))
	if err != nil {
		return 1
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(b)))
	if err != nil || n < 0 {
		return 1
	}
	return n
}

// ProbeDuplicate implements dhcp.Prober. The solicitation is written
// before returning, so send errors are reported synchronously; the reply
// or the timeout is posted to the reactor later.
func (p *Prober) ProbeDuplicate(ifindex int, timeout time.Duration, addr netip.Addr,
	onReply func(addr netip.Addr, na *dhcp.NeighborAdvert)) error {
	if !addr.Is6() || addr.Is4In6() {
		return fmt.Errorf("probe %s: not an IPv6 address", addr)
	}
	ifi, err := p.Interface(ifindex)
	if err != nil {
		return fmt.Errorf("probe %s: %w", addr, err)
	}
	conn, err := p.Listen(ifi)
	if err != nil {
		return fmt.Errorf("probe %s on %s: %w", addr, ifi.Name, err)
	}
	b, err := marshalSolicitation(addr)
	if err != nil {
		conn.Close()
		return err
	}
	cm := &ipv6.ControlMessage{
		Src:      net.IPv6unspecified,
		IfIndex:  ifi.Index,
		HopLimit: 255,
	}
	dst := &net.IPAddr{IP: net.IP(SolicitedNode(addr).AsSlice()), Zone: ifi.Name}
	if _, err := conn.WriteTo(b, cm, dst); err != nil {
		conn.Close()
		return fmt.Errorf("probe %s on %s: %w", addr, ifi.Name, err)
	}
	slog.Debug("DAD probe sent", "interface", ifi.Name, "addr", addr)

	deadline := time.Now().Add(timeout)
	go func() {
		defer conn.Close()
		na := waitAdvert(conn, addr, deadline)
		p.r.Post(func() { onReply(addr, na) })
	}()
	return nil
}

// waitAdvert reads until an advertisement for target arrives or the
// deadline passes.
func waitAdvert(conn PacketConn, target netip.Addr, deadline time.Time) *dhcp.NeighborAdvert {
	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil
	}
	buf := make([]byte, 1500)
	for {
		n, _, src, err := conn.ReadFrom(buf)
		if err != nil {
			var ne net.Error
			if !errors.As(err, &ne) || !ne.Timeout() {
				slog.Debug("DAD probe read failed", "addr", target, "err", err)
			}
			return nil
		}
		na, ok := parseAdvert(buf[:n])
		if !ok || na.Target != target {
			continue
		}
		if ia, ok := src.(*net.IPAddr); ok {
			if a, ok := netip.AddrFromSlice(ia.IP); ok {
				na.Source = a.WithZone(ia.Zone)
			}
		}
		return na
	}
}

// SolicitedNode returns the solicited-node multicast group of addr,
// ff02::1:ffXX:XXXX.
func SolicitedNode(addr netip.Addr) netip.Addr {
	a := addr.As16()
	return netip.AddrFrom16([16]byte{
		0xff, 0x02, 10: 0, 11: 0x01, 12: 0xff,
		13: a[13], 14: a[14], 15: a[15],
	})
}

// marshalSolicitation builds a DAD solicitation for target. It carries no
// source link-layer option since the source is unspecified. The kernel
// fills in the checksum on raw ICMPv6 sockets.
func marshalSolicitation(target netip.Addr) ([]byte, error) {
	buf := gopacket.NewSerializeBuffer()
	err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{},
		&layers.ICMPv6{
			TypeCode: layers.CreateICMPv6TypeCode(layers.ICMPv6TypeNeighborSolicitation, 0),
		},
		&layers.ICMPv6NeighborSolicitation{
			TargetAddress: net.IP(target.AsSlice()),
		},
	)
	if err != nil {
		return nil, fmt.Errorf("serialize neighbor solicitation: %w", err)
	}
	return buf.Bytes(), nil
}

// parseAdvert decodes an ICMPv6 neighbor advertisement.
func parseAdvert(b []byte) (*dhcp.NeighborAdvert, bool) {
	packet := gopacket.NewPacket(b, layers.LayerTypeICMPv6, gopacket.Default)
	l := packet.Layer(layers.LayerTypeICMPv6NeighborAdvertisement)
	if l == nil {
		return nil, false
	}
	adv := l.(*layers.ICMPv6NeighborAdvertisement)
	target, ok := netip.AddrFromSlice(adv.TargetAddress)
	if !ok {
		return nil, false
	}
	na := &dhcp.NeighborAdvert{Target: target}
	for _, opt := range adv.Options {
		if opt.Type == layers.ICMPv6OptTargetAddress && len(opt.Data) >= 6 {
			na.HardwareAddr = net.HardwareAddr(append([]byte(nil), opt.Data[:6]...))
		}
	}
	return na, true
}

func listenICMPv6(ifi *net.Interface) (PacketConn, error) {
	c, err := icmp.ListenPacket("ip6:ipv6-icmp", "::")
	if err != nil {
		return nil, err
	}
	pc := c.IPv6PacketConn()
	var f ipv6.ICMPFilter
	f.SetAll(true)
	f.Accept(ipv6.ICMPTypeNeighborAdvertisement)
	if err := pc.SetICMPFilter(&f); err != nil {
		c.Close()
		return nil, fmt.Errorf("icmp filter: %w", err)
	}
	if err := pc.SetMulticastInterface(ifi); err != nil {
		c.Close()
		return nil, fmt.Errorf("multicast interface: %w", err)
	}
	if err := pc.SetMulticastHopLimit(255); err != nil {
		c.Close()
		return nil, fmt.Errorf("multicast hop limit: %w", err)
	}
	return pc, nil
}

package dhcptransport

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"syscall"

	"github.com/insomniacslk/dhcp/dhcpv6"
	"golang.org/x/sys/unix"

	"github.com/psaab/dhcp6c/pkg/dhcp"
)

// Factory opens one client socket per interface. It implements
// dhcp.TransportFactory.
type Factory struct {
	r dhcp.Reactor
	// Listen opens the client socket on the named interface.
	Listen func(ifname string) (net.PacketConn, error)
	// Dst overrides the server address, All_DHCP_Relay_Agents_and_Servers
	// on the interface by default.
	Dst func(ifname string) net.Addr
}

var _ dhcp.TransportFactory = (*Factory)(nil)

// NewFactory returns a factory posting replies to r.
func NewFactory(r dhcp.Reactor) *Factory {
	return &Factory{r: r, Listen: ListenClient, Dst: serverAddr}
}

// NewTransport implements dhcp.TransportFactory.
func (f *Factory) NewTransport(ifindex int, duid dhcpv6.DUID) (dhcp.Transport, error) {
	ifi, err := net.InterfaceByIndex(ifindex)
	if err != nil {
		return nil, fmt.Errorf("interface %d: %w", ifindex, err)
	}
	conn, err := f.Listen(ifi.Name)
	if err != nil {
		return nil, err
	}
	return New(f.r, conn, f.Dst(ifi.Name), ifi.Name, duid, IAIDFor(ifi)), nil
}

func serverAddr(ifname string) net.Addr {
	return &net.UDPAddr{
		IP:   dhcpv6.AllDHCPRelayAgentsAndServers,
		Port: dhcpv6.DefaultServerPort,
		Zone: ifname,
	}
}

// ListenClient binds udp6 port 546 on ifname. SO_BINDTODEVICE keeps
// replies on other links away and SO_REUSEADDR lets one client socket per
// interface share the port.
func ListenClient(ifname string) (net.PacketConn, error) {
	lc := net.ListenConfig{
		Control: func(network, address string, c syscall.RawConn) error {
			var sockErr error
			err := c.Control(func(fd uintptr) {
				if err := unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEADDR, 1); err != nil {
					sockErr = fmt.Errorf("SO_REUSEADDR: %w", err)
					return
				}
				if err := unix.SetsockoptString(int(fd), unix.SOL_SOCKET, unix.SO_BINDTODEVICE, ifname); err != nil {
					sockErr = fmt.Errorf("SO_BINDTODEVICE %s: %w", ifname, err)
				}
			})
			if err != nil {
				return err
			}
			return sockErr
		},
	}
	addr := net.JoinHostPort("::", strconv.Itoa(dhcpv6.DefaultClientPort))
	conn, err := lc.ListenPacket(context.Background(), "udp6", addr)
	if err != nil {
		return nil, fmt.Errorf("bind udp6/%d on %s: %w", dhcpv6.DefaultClientPort, ifname, err)
	}
	return conn, nil
}

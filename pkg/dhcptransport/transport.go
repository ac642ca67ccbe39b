// Package dhcptransport sends DHCPv6 client messages over UDP and turns
// server replies into dhcp.Reply events on the session reactor.
package dhcptransport

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv6"

	"github.com/psaab/dhcp6c/pkg/dhcp"
)

// ErrClosed is returned by Send after Close.
var ErrClosed = errors.New("dhcpv6 transport closed")

// Transport is a dhcp.Transport bound to one interface. All methods except
// Close must be called on the reactor goroutine.
type Transport struct {
	r      dhcp.Reactor
	conn   net.PacketConn
	dst    net.Addr
	ifname string
	duid   dhcpv6.DUID
	iaid   [4]byte

	handlers   map[dhcp.Event]func(*dhcp.Reply)
	serverID   dhcpv6.DUID
	retransmit bool
	xid        dhcpv6.TransactionID
	sentType   dhcpv6.MessageType
	firstSent  time.Time
	lease      dhcp.Lease
	closed     bool
}

var _ dhcp.Transport = (*Transport)(nil)

// New wraps conn and starts reading replies from it. Messages go to dst.
func New(r dhcp.Reactor, conn net.PacketConn, dst net.Addr, ifname string, duid dhcpv6.DUID, iaid [4]byte) *Transport {
	t := &Transport{
		r:        r,
		conn:     conn,
		dst:      dst,
		ifname:   ifname,
		duid:     duid,
		iaid:     iaid,
		handlers: make(map[dhcp.Event]func(*dhcp.Reply)),
	}
	go t.readLoop()
	return t
}

// IAIDFor derives the IAID from the last four bytes of the hardware
// address, or from the interface index when there is none.
func IAIDFor(ifi *net.Interface) [4]byte {
	var iaid [4]byte
	if hw := ifi.HardwareAddr; len(hw) >= 4 {
		copy(iaid[:], hw[len(hw)-4:])
		return iaid
	}
	binary.BigEndian.PutUint32(iaid[:], uint32(ifi.Index))
	return iaid
}

// Handle implements dhcp.Transport.
func (t *Transport) Handle(ev dhcp.Event, fn func(*dhcp.Reply)) {
	if fn == nil {
		delete(t.handlers, ev)
		return
	}
	t.handlers[ev] = fn
}

// ClearHandlers implements dhcp.Transport.
func (t *Transport) ClearHandlers() { clear(t.handlers) }

// SetRetransmit implements dhcp.Transport.
func (t *Transport) SetRetransmit() { t.retransmit = true }

// ClearRetransmit implements dhcp.Transport.
func (t *Transport) ClearRetransmit() { t.retransmit = false }

// Lease implements dhcp.Transport.
func (t *Transport) Lease() dhcp.Lease { return t.lease }

// ServerID returns the server identifier learned from the last
// ADVERTISE or REPLY.
func (t *Transport) ServerID() dhcpv6.DUID { return t.serverID }

// Send builds msg and writes it to the servers. A retransmission of the
// previous message type keeps its transaction ID and reports the elapsed
// time since the first attempt.
func (t *Transport) Send(m *dhcp.Message) error {
	if t.closed {
		return ErrClosed
	}
	now := t.r.Now()
	if !t.retransmit || m.Type != t.sentType {
		xid, err := dhcpv6.GenerateTransactionID()
		if err != nil {
			return fmt.Errorf("transaction id: %w", err)
		}
		t.xid = xid
		t.firstSent = now
	}
	t.sentType = m.Type
	msg := t.build(m, now.Sub(t.firstSent))
	if _, err := t.conn.WriteTo(msg.ToBytes(), t.dst); err != nil {
		return fmt.Errorf("write %s: %w", m.Type, err)
	}
	slog.Debug("DHCPv6: sent", "interface", t.ifname, "message", m.Type, "xid", t.xid)
	return nil
}

func (t *Transport) build(m *dhcp.Message, elapsed time.Duration) *dhcpv6.Message {
	msg := &dhcpv6.Message{MessageType: m.Type, TransactionID: t.xid}
	msg.AddOption(dhcpv6.OptClientID(t.duid))
	if m.ServerID && t.serverID != nil {
		msg.AddOption(dhcpv6.OptServerID(t.serverID))
	}
	msg.AddOption(dhcpv6.OptElapsedTime(elapsed))
	if m.RapidCommit {
		msg.AddOption(&dhcpv6.OptionGeneric{OptionCode: dhcpv6.OptionRapidCommit})
	}
	if len(m.Requested) > 0 {
		msg.AddOption(dhcpv6.OptRequestedOption(m.Requested...))
	}
	switch m.IA {
	case dhcp.IANA:
		ia := &dhcpv6.OptIANA{IaId: t.iaid, T1: m.T1, T2: m.T2}
		for _, a := range m.Addresses {
			ia.Options.Add(&dhcpv6.OptIAAddress{IPv6Addr: net.IP(a.AsSlice())})
		}
		msg.AddOption(ia)
	case dhcp.IATA:
		ia := &dhcpv6.OptIATA{IaId: t.iaid}
		for _, a := range m.Addresses {
			ia.Options.Add(&dhcpv6.OptIAAddress{IPv6Addr: net.IP(a.AsSlice())})
		}
		msg.AddOption(ia)
	case dhcp.IAPD:
		pd := &dhcpv6.OptIAPD{IaId: t.iaid, T1: m.T1, T2: m.T2}
		for _, p := range m.Prefixes {
			pd.Options.Add(&dhcpv6.OptIAPrefix{Prefix: prefixToIPNet(p)})
		}
		msg.AddOption(pd)
	}
	return msg
}

// Close closes the socket. Replies already queued on the reactor are
// dropped.
func (t *Transport) Close() error {
	if t.closed {
		return nil
	}
	t.closed = true
	return t.conn.Close()
}

func (t *Transport) readLoop() {
	buf := make([]byte, 65536)
	for {
		n, from, err := t.conn.ReadFrom(buf)
		if err != nil {
			if !errors.Is(err, net.ErrClosed) {
				slog.Warn("DHCPv6: read failed", "interface", t.ifname, "err", err)
			}
			return
		}
		msg, err := dhcpv6.MessageFromBytes(bytes.Clone(buf[:n]))
		if err != nil {
			slog.Debug("DHCPv6: dropping malformed packet",
				"interface", t.ifname, "from", from, "err", err)
			continue
		}
		t.r.Post(func() { t.dispatch(msg) })
	}
}

// eventFor maps a server message to the exchange it answers.
func eventFor(got, sent dhcpv6.MessageType, rapid bool) (dhcp.Event, bool) {
	if got == dhcpv6.MessageTypeAdvertise {
		return dhcp.EventAdvertise, sent == dhcpv6.MessageTypeSolicit
	}
	if got != dhcpv6.MessageTypeReply {
		return 0, false
	}
	switch sent {
	case dhcpv6.MessageTypeSolicit:
		return dhcp.EventSolicitation, rapid
	case dhcpv6.MessageTypeRequest:
		return dhcp.EventRequest, true
	case dhcpv6.MessageTypeRenew:
		return dhcp.EventRenew, true
	case dhcpv6.MessageTypeRebind:
		return dhcp.EventRebind, true
	case dhcpv6.MessageTypeRelease:
		return dhcp.EventRelease, true
	case dhcpv6.MessageTypeDecline:
		return dhcp.EventDecline, true
	case dhcpv6.MessageTypeInformationRequest:
		return dhcp.EventInformationRequest, true
	}
	return 0, false
}

// dispatch runs on the reactor.
func (t *Transport) dispatch(msg *dhcpv6.Message) {
	if t.closed || msg.TransactionID != t.xid {
		return
	}
	if cid := msg.Options.ClientID(); cid != nil && !bytes.Equal(cid.ToBytes(), t.duid.ToBytes()) {
		return
	}
	rapid := msg.GetOneOption(dhcpv6.OptionRapidCommit) != nil
	ev, ok := eventFor(msg.MessageType, t.sentType, rapid)
	if !ok {
		return
	}
	fn := t.handlers[ev]
	if fn == nil {
		return
	}
	if sid := msg.Options.ServerID(); sid != nil {
		t.serverID = sid
	}
	now := t.r.Now()
	if msg.MessageType == dhcpv6.MessageTypeReply {
		if l, ok := leaseFrom(msg, now); ok {
			t.lease = l
		}
	}
	slog.Debug("DHCPv6: received", "interface", t.ifname, "message", msg.MessageType, "event", ev)
	fn(ParseReply(msg))
}

func prefixToIPNet(p netip.Prefix) *net.IPNet {
	return &net.IPNet{
		IP:   net.IP(p.Addr().AsSlice()),
		Mask: net.CIDRMask(p.Bits(), 128),
	}
}

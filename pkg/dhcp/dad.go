package dhcp

import (
	"log/slog"
	"net/netip"
	"slices"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv6"
)

// dadProbeTimeout is how long a probe waits for a defending advertisement.
const dadProbeTimeout = time.Second

type dadState int

const (
	dadPending dadState = iota
	dadFinalized
)

// dadCoordinator probes every address of a reply and resumes the session
// once all probes answered. It keeps its own references to the transport
// and IP configuration so it can finish after the session moved on.
type dadCoordinator struct {
	s        *session
	network  Network
	ifindex  int
	tr       Transport
	svc      Service
	ipc      IPConfig
	prefixes []netip.Prefix

	pending int
	issued  bool
	state   dadState

	succeeded []netip.Addr
	failed    []netip.Addr
}

func (s *session) startDAD(svc Service, ipc IPConfig, addrs []netip.Addr) {
	d := &dadCoordinator{
		s:        s,
		network:  s.network,
		ifindex:  s.ifindex,
		tr:       s.tr,
		svc:      svc,
		ipc:      ipc,
		prefixes: slices.Clone(s.prefixes),
	}
	d.begin(addrs)
}

func (d *dadCoordinator) begin(addrs []netip.Addr) {
	prober := d.s.m.prober
	if prober.DADTransmits(d.ifindex) == 0 {
		for _, a := range addrs {
			d.commit(a)
		}
		d.state = dadFinalized
		d.report(StatusSucceed)
		return
	}
	if len(addrs) == 0 {
		d.state = dadFinalized
		d.report(StatusSucceed)
		return
	}
	for _, a := range addrs {
		d.pending++
		if err := prober.ProbeDuplicate(d.ifindex, dadProbeTimeout, a, d.onProbeReply); err != nil {
			slog.Debug("DHCPv6: DAD probe not sent",
				"interface", d.network.Name(), "addr", a, "err", err)
			d.onProbeReply(a, nil)
		}
	}
	d.issued = true
	d.maybeFinalize()
}

// onProbeReply records one probe outcome. A nil advert means nobody
// defended addr.
func (d *dadCoordinator) onProbeReply(addr netip.Addr, na *NeighborAdvert) {
	if d.state == dadFinalized {
		return
	}
	if na == nil {
		d.succeeded = append(d.succeeded, addr)
		d.s.m.stats.dadPassed.Add(1)
	} else {
		slog.Warn("DHCPv6: duplicate address detected",
			"interface", d.network.Name(), "addr", addr, "defender", na.Source)
		d.failed = append(d.failed, addr)
		d.s.m.stats.dadDefended.Add(1)
	}
	d.pending--
	d.maybeFinalize()
}

func (d *dadCoordinator) maybeFinalize() {
	if !d.issued || d.pending > 0 || d.state == dadFinalized {
		return
	}
	d.state = dadFinalized
	d.finalize()
}

func (d *dadCoordinator) finalize() {
	for _, a := range d.succeeded {
		d.commit(a)
	}
	switch {
	case len(d.failed) > 0:
		d.decline()
	case len(d.succeeded) > 0:
		d.report(StatusSucceed)
	default:
		d.report(StatusFail)
	}
}

// commit installs addr unless it already is the local address.
func (d *dadCoordinator) commit(addr netip.Addr) {
	if cur := d.ipc.LocalAddress(); cur.IsValid() && cur == addr {
		return
	}
	plen := PrefixLength(d.prefixes, addr)
	if err := d.ipc.RemoveAddress(); err != nil {
		slog.Debug("DHCPv6: remove old address", "interface", d.network.Name(), "err", err)
	}
	if err := d.ipc.SetLocalAddress(addr, plen); err != nil {
		slog.Warn("DHCPv6: failed to set address",
			"interface", d.network.Name(), "addr", addr, "err", err)
		return
	}
	slog.Info("DHCPv6: address committed",
		"interface", d.network.Name(), "addr", netip.PrefixFrom(addr, plen))
	d.svc.Save()
}

// report resumes the session unless it was stopped meanwhile.
func (d *dadCoordinator) report(st Status) {
	if d.s.stopped {
		return
	}
	d.s.report(st, nil)
}

// decline sends DECLINE for the defended addresses and reports RESTART
// once, on the reply or after DecTimeout. A stopped session has closed its
// transport, so nothing is sent.
func (d *dadCoordinator) decline() {
	s := d.s
	if s.stopped {
		slog.Debug("DHCPv6: session stopped, not declining",
			"interface", d.network.Name(), "addrs", d.failed)
		return
	}
	s.m.stats.declines.Add(1)
	l := d.tr.Lease()
	msg := &Message{
		Type:      dhcpv6.MessageTypeDecline,
		ServerID:  true,
		IA:        s.iaKind(),
		T1:        l.T1,
		T2:        l.T2,
		Addresses: slices.Clone(d.failed),
	}
	done := false
	restart := func() {
		if done {
			return
		}
		done = true
		d.report(StatusRestart)
	}
	s.phase = nil
	s.state = StateDeclining
	s.arm(DecTimeout, func() {
		d.tr.Handle(EventDecline, nil)
		restart()
	})
	d.tr.ClearHandlers()
	d.tr.Handle(EventDecline, func(*Reply) {
		if !s.stopped {
			s.clearTimer()
		}
		restart()
	})
	if err := d.tr.Send(msg); err != nil {
		slog.Warn("DHCPv6: decline failed", "interface", d.network.Name(), "err", err)
	}
}

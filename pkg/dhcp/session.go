package dhcp

import (
	"fmt"
	"log/slog"
	"net/netip"
	"slices"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv6"
	"github.com/insomniacslk/dhcp/iana"
)

// session is the protocol state of one network. All fields are owned by
// the reactor goroutine.
type session struct {
	m       *Manager
	network Network
	ifindex int
	cb      Callback

	pd        bool
	stateless bool
	started   bool
	stopped   bool

	tr Transport
	// timeout holds every single-shot wait of the session: initial delay,
	// retransmission, renew/rebind scheduling and decline. mrd bounds the
	// whole confirm exchange.
	timeout Timer
	mrd     Timer

	state    State
	phase    *phase
	msg      *Message
	register func(Transport)
	rt       time.Duration
	count    int
	useTA    bool
	t1, t2   time.Duration

	addrs       []netip.Addr
	prefixes    []netip.Prefix
	nameservers []string
	timeservers []string
	domains     []string
}

func (s *session) name() string { return s.network.Name() }

// arm replaces the pending timeout with f after d.
func (s *session) arm(d time.Duration, f func()) {
	if s.timeout != nil {
		s.timeout.Stop()
	}
	var t Timer
	t = s.m.r.AfterFunc(d, func() {
		if s.timeout == t {
			s.timeout = nil
		}
		f()
	})
	s.timeout = t
}

func (s *session) armMRD(d time.Duration, f func()) {
	if s.mrd != nil {
		s.mrd.Stop()
	}
	var t Timer
	t = s.m.r.AfterFunc(d, func() {
		if s.mrd == t {
			s.mrd = nil
		}
		f()
	})
	s.mrd = t
}

func (s *session) clearTimer() {
	if s.timeout != nil {
		s.timeout.Stop()
		s.timeout = nil
	}
	if s.mrd != nil {
		s.mrd.Stop()
		s.mrd = nil
	}
}

// report hands a phase outcome to the caller. Timers are always cleared
// first.
func (s *session) report(st Status, prefixes []netip.Prefix) {
	s.clearTimer()
	switch st {
	case StatusSucceed:
		s.count = 0
		s.state = StateBound
	case StatusFail:
		s.state = StateIdle
	}
	s.m.stats.callback(st)
	slog.Info("DHCPv6: session status",
		"interface", s.name(), "pd", s.pd, "status", st)
	if s.cb != nil {
		s.cb(s.network, st, prefixes)
	}
}

func (s *session) lookupService() (Service, error) {
	svc, err := s.m.dir.LookupService(s.network)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return svc, nil
}

// ensureTransport creates the transport on first use, loading the DUID of
// svc.
func (s *session) ensureTransport(svc Service) error {
	if s.tr != nil {
		return nil
	}
	duid, err := s.m.duids.LoadOrCreateDUID(svc.Identifier(), s.ifindex)
	if err != nil {
		return fmt.Errorf("load DUID: %w", err)
	}
	tr, err := s.m.transports.NewTransport(s.ifindex, duid)
	if err != nil {
		return fmt.Errorf("create transport: %w", err)
	}
	s.tr = tr
	return nil
}

func (s *session) dropTransport() {
	if s.tr == nil {
		return
	}
	s.tr.ClearHandlers()
	if err := s.tr.Close(); err != nil {
		slog.Debug("DHCPv6: transport close", "interface", s.name(), "err", err)
	}
	s.tr = nil
}

// exchange clears every handler left from the previous phase, registers
// the new ones and sends msg.
func (s *session) exchange(msg *Message, register func(Transport)) error {
	s.msg = msg
	s.register = register
	s.tr.ClearHandlers()
	register(s.tr)
	if err := s.tr.Send(msg); err != nil {
		return fmt.Errorf("send %s: %w", msg.Type, err)
	}
	return nil
}

// begin enters p: RT is seeded, the retransmission timer armed and the
// first message sent. A send failure cancels the timer.
func (s *session) begin(p *phase, msg *Message, register func(Transport)) error {
	s.phase = p
	s.state = p.state
	s.rt = initialRT(p.irt, s.m.rnd)
	s.arm(s.rt, s.retransmit)
	if err := s.exchange(msg, register); err != nil {
		s.clearTimer()
		return err
	}
	return nil
}

// retransmit is the timeout handler shared by every phase.
func (s *session) retransmit() {
	p := s.phase
	if p.lease {
		if s.checkRestart() {
			return
		}
		if p == renewPhase && s.pastT2() {
			s.startRebind()
			return
		}
	}
	if p.mrc > 0 {
		if s.count >= p.mrc {
			slog.Info("DHCPv6: retransmissions exhausted",
				"interface", s.name(), "message", p.msg, "count", s.count)
			s.count = 0
			s.report(StatusFail, nil)
			return
		}
		s.count++
	}
	s.rt = calcDelay(s.rt, p.mrt, s.m.rnd)
	s.m.stats.retransmit(p.msg)
	slog.Debug("DHCPv6: retransmit",
		"interface", s.name(), "message", p.msg, "rt", s.rt)
	s.arm(s.rt, s.retransmit)
	s.tr.SetRetransmit()
	if err := s.tr.Send(s.msg); err != nil {
		slog.Warn("DHCPv6: retransmit failed",
			"interface", s.name(), "message", p.msg, "err", err)
	}
}

// resendLater is the rate-limited re-send used when a reply asks for the
// same message again. It waits RT, sends, and waits RT for a reply before
// trying again, bounded by ReqMaxRC.
func (s *session) resendLater() {
	if s.count >= ReqMaxRC {
		slog.Info("DHCPv6: resend attempts exhausted",
			"interface", s.name(), "count", s.count)
		s.count = 0
		s.report(StatusFail, nil)
		return
	}
	s.count++
	s.rt = calcDelay(s.rt, ReqMaxRT, s.m.rnd)
	s.arm(s.rt, func() {
		s.tr.SetRetransmit()
		s.rt = calcDelay(s.rt, ReqMaxRT, s.m.rnd)
		s.arm(s.rt, s.resendLater)
		s.m.stats.retransmit(s.msg.Type)
		if err := s.exchange(s.msg, s.register); err != nil {
			slog.Warn("DHCPv6: resend failed", "interface", s.name(), "err", err)
		}
	})
}

func (s *session) iaKind() IAKind {
	if s.useTA {
		return IATA
	}
	return IANA
}

// leaseMessage builds REQUEST, RENEW, REBIND and RELEASE messages carrying
// the session's IA.
func (s *session) leaseMessage(typ dhcpv6.MessageType, serverID bool) *Message {
	l := s.tr.Lease()
	msg := &Message{Type: typ, ServerID: serverID, T1: l.T1, T2: l.T2}
	if s.pd {
		msg.Requested = pdOptions
		msg.IA = IAPD
		msg.Prefixes = slices.Clone(s.prefixes)
	} else {
		msg.Requested = addrOptions
		msg.IA = s.iaKind()
		msg.Addresses = slices.Clone(s.addrs)
	}
	return msg
}

func (s *session) replyHandler(p *phase) func(Transport) {
	return func(tr Transport) {
		tr.Handle(p.event, func(r *Reply) { s.onReply(p, r) })
	}
}

func (s *session) startSolicitation() {
	var err error
	if s.pd {
		err = s.solicitPD()
	} else {
		err = s.solicit()
	}
	if err != nil {
		slog.Warn("DHCPv6: solicit failed", "interface", s.name(), "pd", s.pd, "err", err)
		s.started = false
		s.report(StatusFail, nil)
	}
}

func (s *session) solicit() error {
	svc, err := s.lookupService()
	if err != nil {
		return err
	}
	if err := s.ensureTransport(svc); err != nil {
		return err
	}
	if ipc := svc.IPConfig(); ipc != nil {
		s.useTA = ipc.PrivacyEnabled()
	}
	msg := &Message{
		Type:        dhcpv6.MessageTypeSolicit,
		RapidCommit: true,
		Requested:   addrOptions,
		IA:          s.iaKind(),
	}
	return s.begin(solicitPhase, msg, func(tr Transport) {
		tr.Handle(EventSolicitation, s.onRapidCommit)
		tr.Handle(EventAdvertise, s.onAdvertise)
	})
}

// onRapidCommit handles a REPLY to SOLICIT from a server honouring rapid
// commit.
func (s *session) onRapidCommit(r *Reply) {
	s.clearTimer()
	s.tr.ClearRetransmit()
	if r.Status != iana.StatusSuccess {
		s.report(StatusFail, nil)
		return
	}
	s.bind(r)
}

func (s *session) onAdvertise(r *Reply) {
	s.clearTimer()
	s.tr.ClearRetransmit()
	if r.Status != iana.StatusSuccess {
		s.report(StatusFail, nil)
		return
	}
	s.count = 0
	if s.pd {
		s.prefixes = slices.Clone(r.Prefixes)
	} else {
		s.addrs = slices.Clone(r.Addresses)
	}
	if err := s.request(true); err != nil {
		slog.Warn("DHCPv6: request failed", "interface", s.name(), "err", err)
	}
}

func (s *session) request(withAddrs bool) error {
	msg := s.leaseMessage(dhcpv6.MessageTypeRequest, true)
	if !withAddrs {
		msg.Addresses = nil
	}
	return s.begin(requestPhase, msg, s.replyHandler(requestPhase))
}

func (s *session) renew() error {
	return s.begin(renewPhase, s.leaseMessage(dhcpv6.MessageTypeRenew, true),
		s.replyHandler(renewPhase))
}

func (s *session) rebind() error {
	return s.begin(rebindPhase, s.leaseMessage(dhcpv6.MessageTypeRebind, false),
		s.replyHandler(rebindPhase))
}

func (s *session) startRenew() {
	if s.checkRestart() {
		return
	}
	if err := s.renew(); err != nil {
		slog.Warn("DHCPv6: renew failed", "interface", s.name(), "err", err)
	}
}

func (s *session) startRebind() {
	if s.checkRestart() {
		return
	}
	if err := s.rebind(); err != nil {
		slog.Warn("DHCPv6: rebind failed", "interface", s.name(), "err", err)
	}
}

// reissue sends the message of p again from a fresh RT.
func (s *session) reissue(p *phase) {
	var err error
	switch p {
	case requestPhase:
		err = s.request(true)
	case renewPhase:
		err = s.renew()
	case rebindPhase, confirmPhase:
		err = s.rebind()
	}
	if err != nil {
		slog.Warn("DHCPv6: reissue failed", "interface", s.name(), "phase", p.name, "err", err)
	}
}

// onReply dispatches a REPLY on its status code (RFC 3315 section 18.1.8).
func (s *session) onReply(p *phase, r *Reply) {
	s.clearTimer()
	s.tr.ClearRetransmit()
	if s.pd {
		s.onPDReply(r)
		return
	}
	switch r.Status {
	case iana.StatusNoBinding:
		if err := s.request(false); err != nil {
			slog.Warn("DHCPv6: request failed", "interface", s.name(), "err", err)
		}
	case iana.StatusUseMulticast:
		s.reissue(p)
	case iana.StatusNotOnLink:
		if p != requestPhase {
			s.report(StatusFail, nil)
			return
		}
		s.dropTransport()
		s.startSolicitation()
	case iana.StatusUnspecFail:
		if p != requestPhase {
			s.report(StatusFail, nil)
			return
		}
		s.resendLater()
	default:
		if !r.HasIA {
			s.resendLater()
			return
		}
		if r.Status != iana.StatusSuccess {
			s.report(StatusFail, nil)
			return
		}
		s.bind(r)
	}
}

// bind applies a successful reply: learned servers go to the service and
// assigned addresses through duplicate address detection.
func (s *session) bind(r *Reply) {
	s.addrs = slices.Clone(r.Addresses)
	svc, err := s.lookupService()
	if err != nil {
		slog.Warn("DHCPv6: service lookup failed", "interface", s.name(), "err", err)
		s.report(StatusFail, nil)
		return
	}
	if s.setOtherAddresses(svc, r) {
		svc.Save()
	}
	if len(r.Addresses) == 0 {
		s.report(StatusSucceed, nil)
		return
	}
	ipc := svc.IPConfig()
	if ipc == nil {
		s.report(StatusFail, nil)
		return
	}
	s.startDAD(svc, ipc, r.Addresses)
}

// setOtherAddresses pushes domains, nameservers and timeservers to svc
// and reports whether any of them changed. Server lists are only replaced
// when they changed.
func (s *session) setOtherAddresses(svc Service, r *Reply) bool {
	changed := false
	if len(r.Domains) > 0 && !slices.Equal(r.Domains, s.domains) {
		s.domains = slices.Clone(r.Domains)
		svc.UpdateSearchDomains(slices.Clone(r.Domains))
		changed = true
	}
	if !slices.Equal(r.Nameservers, s.nameservers) {
		changed = true
		for _, ns := range s.nameservers {
			if err := svc.RemoveNameserver(ns); err != nil {
				slog.Debug("DHCPv6: remove nameserver", "interface", s.name(), "addr", ns, "err", err)
			}
		}
		s.nameservers = slices.Clone(r.Nameservers)
		for _, ns := range s.nameservers {
			if err := svc.AppendNameserver(ns); err != nil {
				slog.Debug("DHCPv6: append nameserver", "interface", s.name(), "addr", ns, "err", err)
			}
		}
	}
	if !slices.Equal(r.Timeservers, s.timeservers) {
		changed = true
		for _, ts := range s.timeservers {
			if err := svc.RemoveTimeserver(ts); err != nil {
				slog.Debug("DHCPv6: remove timeserver", "interface", s.name(), "addr", ts, "err", err)
			}
		}
		s.timeservers = slices.Clone(r.Timeservers)
		for _, ts := range s.timeservers {
			if err := svc.AppendTimeserver(ts); err != nil {
				slog.Debug("DHCPv6: append timeserver", "interface", s.name(), "addr", ts, "err", err)
			}
		}
	}
	return changed
}

func (s *session) startInfoRequest() {
	if err := s.infoRequest(); err != nil {
		slog.Warn("DHCPv6: information-request failed", "interface", s.name(), "err", err)
		s.started = false
		s.report(StatusFail, nil)
	}
}

func (s *session) infoRequest() error {
	svc, err := s.lookupService()
	if err != nil {
		return err
	}
	if err := s.ensureTransport(svc); err != nil {
		return err
	}
	msg := &Message{
		Type:      dhcpv6.MessageTypeInformationRequest,
		Requested: addrOptions,
	}
	return s.begin(infoPhase, msg, func(tr Transport) {
		tr.Handle(EventInformationRequest, s.onInfoReply)
	})
}

func (s *session) onInfoReply(r *Reply) {
	s.clearTimer()
	s.tr.ClearRetransmit()
	if svc, err := s.lookupService(); err == nil && s.setOtherAddresses(svc, r) {
		svc.Save()
	}
	if r.Status == iana.StatusSuccess {
		s.report(StatusSucceed, nil)
		return
	}
	s.report(StatusFail, nil)
}

// expired reports whether the lease is past its expiry. Prefix delegation
// keeps the lease through its last second.
func (s *session) expired(now time.Time) bool {
	l := s.tr.Lease()
	if l.Expiry.IsZero() {
		return false
	}
	if s.pd {
		return now.After(l.Expiry)
	}
	return !now.Before(l.Expiry)
}

// checkRestart reports FAIL from a zero-delay timer when the lease already
// expired, so no message is sent for a dead binding (RFC 3315 section
// 18.1.4).
func (s *session) checkRestart() bool {
	now := s.m.r.Now()
	if !s.expired(now) {
		return false
	}
	slog.Info("DHCPv6: lease expired",
		"interface", s.name(), "pd", s.pd, "by", now.Sub(s.tr.Lease().Expiry))
	s.arm(0, func() { s.report(StatusFail, nil) })
	return true
}

func (s *session) pastT2() bool {
	if s.t2 == 0 || s.t2 == Infinity {
		return false
	}
	return !s.m.r.Now().Before(s.tr.Lease().Start.Add(s.t2))
}

// scheduleRenewal arms RENEW at T1 or REBIND at T2 relative to start.
// Nothing is scheduled for an infinite T2; a zero T2 only bounds RENEW by
// the lease expiry.
func (s *session) scheduleRenewal(start time.Time) {
	if s.t2 == Infinity {
		return
	}
	now := s.m.r.Now()
	switch {
	case s.t2 != 0 && !now.Before(start.Add(s.t2)):
		slog.Info("DHCPv6: rebind now", "interface", s.name(), "pd", s.pd)
		s.arm(0, s.startRebind)
	case now.Before(start.Add(s.t1)):
		d := start.Add(s.t1).Sub(now)
		slog.Info("DHCPv6: renew scheduled", "interface", s.name(), "pd", s.pd, "after", d)
		s.arm(d, s.startRenew)
	case s.t2 == 0:
		slog.Info("DHCPv6: renew now", "interface", s.name(), "pd", s.pd)
		s.arm(0, s.startRenew)
	default:
		d := start.Add(s.t2).Sub(now)
		slog.Info("DHCPv6: rebind scheduled", "interface", s.name(), "pd", s.pd, "after", d)
		s.arm(d, s.startRebind)
	}
}

func (s *session) release() error {
	msg := s.leaseMessage(dhcpv6.MessageTypeRelease, true)
	s.phase = nil
	s.state = StateIdle
	return s.exchange(msg, func(tr Transport) {
		tr.Handle(EventRelease, func(*Reply) {})
	})
}

// destroy cancels the timers and drops the transport.
func (s *session) destroy() {
	s.clearTimer()
	s.stopped = true
	s.dropTransport()
	if r, ok := s.network.(Retainer); ok {
		r.Release()
	}
}

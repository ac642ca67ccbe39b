package dhcp

import (
	"fmt"
	"log/slog"
	"net/netip"
	"slices"

	"github.com/insomniacslk/dhcp/dhcpv6"
	"github.com/insomniacslk/dhcp/iana"
)

// StartPD starts prefix delegation on the network with the given
// interface index. When prefixes is empty the prefixes persisted in the
// interface's IPConfig are tried first: known prefixes are confirmed with
// a REBIND bounded by CnfMaxRD, otherwise a fresh SOLICIT goes out.
// A negative index is ignored.
func (m *Manager) StartPD(index int, prefixes []netip.Prefix, cb Callback) error {
	if index < 0 {
		return nil
	}
	if m.closed {
		return ErrInvalid
	}
	n, err := m.dir.NetworkByIndex(index)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	svc, err := m.dir.LookupService(n)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if old := m.pdSessions[index]; old != nil && old.started {
		return ErrAlreadyRunning
	}

	s := m.newSession(n, cb)
	s.pd = true
	s.started = true
	if len(prefixes) == 0 {
		if ipc := svc.IPConfig(); ipc != nil {
			prefixes = ParsePrefixes(ipc.Prefixes())
		}
	}
	s.prefixes = slices.Clone(prefixes)
	if old := m.pdSessions[index]; old != nil {
		old.destroy()
	}
	retain(n)
	m.pdSessions[index] = s

	if len(s.prefixes) == 0 {
		err = s.solicitPD()
	} else {
		slog.Info("DHCPv6: confirming delegated prefixes",
			"interface", n.Name(), "prefixes", s.prefixes)
		err = s.rebindWithConfirm()
	}
	if err != nil {
		s.clearTimer()
		s.started = false
		return err
	}
	return nil
}

func (s *session) solicitPD() error {
	svc, err := s.lookupService()
	if err != nil {
		return err
	}
	if err := s.ensureTransport(svc); err != nil {
		return err
	}
	msg := &Message{
		Type:      dhcpv6.MessageTypeSolicit,
		Requested: pdOptions,
		IA:        IAPD,
	}
	return s.begin(solicitPhase, msg, func(tr Transport) {
		tr.Handle(EventAdvertise, s.onAdvertise)
	})
}

// rebindWithConfirm re-validates persisted prefixes. The whole exchange is
// bounded by CnfMaxRD regardless of retransmissions.
func (s *session) rebindWithConfirm() error {
	svc, err := s.lookupService()
	if err != nil {
		return err
	}
	if err := s.ensureTransport(svc); err != nil {
		return err
	}
	s.armMRD(CnfMaxRD, s.onConfirmExpired)
	msg := s.leaseMessage(dhcpv6.MessageTypeRebind, false)
	return s.begin(confirmPhase, msg, s.replyHandler(confirmPhase))
}

func (s *session) onConfirmExpired() {
	slog.Info("DHCPv6: prefix confirmation timed out", "interface", s.name())
	s.clearTimer()
	s.tr.ClearRetransmit()
	s.tr.ClearHandlers()
	s.report(StatusFail, nil)
}

func (s *session) onPDReply(r *Reply) {
	if r.Status == iana.StatusNoBinding {
		if err := s.request(true); err != nil {
			slog.Warn("DHCPv6: prefix request failed", "interface", s.name(), "err", err)
		}
		return
	}
	s.setPrefixes(r)
}

// setPrefixes replaces the delegated prefixes with the reply's and
// persists them.
func (s *session) setPrefixes(r *Reply) {
	s.prefixes = slices.Clone(r.Prefixes)
	if r.Status == iana.StatusNoPrefixAvail || r.PrefixStatus == iana.StatusNoPrefixAvail {
		s.report(StatusFail, nil)
		return
	}
	if svc, err := s.lookupService(); err == nil {
		if ipc := svc.IPConfig(); ipc != nil {
			ipc.SetPrefixes(FormatPrefixes(s.prefixes))
		}
		svc.Save()
	}
	slog.Info("DHCPv6: prefixes delegated", "interface", s.name(), "prefixes", s.prefixes)
	s.report(StatusSucceed, slices.Clone(s.prefixes))
}

// StartPDRenew schedules RENEW/REBIND of the delegated prefixes. A zero T1
// defaults to two minutes (RFC 3633 section 9).
func (m *Manager) StartPDRenew(index int, cb Callback) error {
	s := m.pdSessions[index]
	if s == nil || s.tr == nil {
		return ErrNotFound
	}
	s.clearTimer()
	l := s.tr.Lease()
	if l.T1 == Infinity {
		return nil
	}
	s.t1, s.t2 = l.T1, l.T2
	if s.t1 == 0 {
		s.t1 = pdRenewDefaultT1
	}
	s.cb = cb
	if s.checkRestart() {
		return nil
	}
	s.scheduleRenewal(l.Start)
	return nil
}

// StartPDRelease sends RELEASE for the delegated prefixes without waiting
// for the reply.
func (m *Manager) StartPDRelease(index int) error {
	if m.closed {
		return nil
	}
	s := m.pdSessions[index]
	if s == nil {
		return ErrNotFound
	}
	if s.tr == nil {
		return nil
	}
	s.clearTimer()
	return s.release()
}

// StopPD releases the delegated prefixes and removes the session.
func (m *Manager) StopPD(index int) {
	s := m.pdSessions[index]
	if s == nil {
		return
	}
	if err := m.StartPDRelease(index); err != nil {
		slog.Debug("DHCPv6: prefix release", "interface", s.name(), "err", err)
	}
	delete(m.pdSessions, index)
	s.destroy()
}

// AbandonPD removes the prefix delegation session without sending
// anything, the counterpart of Stop for address sessions.
func (m *Manager) AbandonPD(index int) {
	s := m.pdSessions[index]
	if s == nil {
		return
	}
	slog.Info("DHCPv6: abandoning prefix delegation", "interface", s.name())
	delete(m.pdSessions, index)
	s.destroy()
}

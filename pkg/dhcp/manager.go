// Package dhcp implements the DHCPv6 client state machine: stateful
// address assignment, stateless information requests and prefix
// delegation, with RFC 3315 retransmission and duplicate address
// detection of assigned addresses.
//
// Every Manager method and every callback runs on the goroutine of the
// Reactor the Manager was created with.
package dhcp

import (
	"fmt"
	"log/slog"
	"net/netip"
	"slices"
	"sort"
	"time"
)

// Options wires a Manager to its collaborators. Reactor, Directory, DUIDs
// and Transports are required.
type Options struct {
	Reactor    Reactor
	Directory  Directory
	DUIDs      DUIDStore
	Transports TransportFactory
	// Prober runs duplicate address detection. Nil disables it.
	Prober Prober
	// Random overrides the jitter source.
	Random RandomSource
}

// Manager owns the address and prefix delegation sessions.
type Manager struct {
	r          Reactor
	rnd        RandomSource
	dir        Directory
	duids      DUIDStore
	transports TransportFactory
	prober     Prober

	sessions   map[Network]*session
	pdSessions map[int]*session
	closed     bool

	stats *Stats
}

// New creates a Manager with empty registries.
func New(opts Options) *Manager {
	m := &Manager{
		r:          opts.Reactor,
		rnd:        opts.Random,
		dir:        opts.Directory,
		duids:      opts.DUIDs,
		transports: opts.Transports,
		prober:     opts.Prober,
		sessions:   make(map[Network]*session),
		pdSessions: make(map[int]*session),
		stats:      newStats(),
	}
	if m.rnd == nil {
		m.rnd = defaultRandom
	}
	if m.prober == nil {
		m.prober = noProber{}
	}
	return m
}

// Stats returns the protocol counters of m.
func (m *Manager) Stats() *Stats { return m.stats }

// Close stops every session without sending anything. Operations after
// Close fail with ErrInvalid, releases are no-ops.
func (m *Manager) Close() {
	for n, s := range m.sessions {
		s.destroy()
		delete(m.sessions, n)
	}
	for idx, s := range m.pdSessions {
		s.destroy()
		delete(m.pdSessions, idx)
	}
	m.closed = true
}

func (m *Manager) newSession(n Network, cb Callback) *session {
	return &session{
		m:       m,
		network: n,
		ifindex: n.Index(),
		cb:      cb,
		state:   StateIdle,
	}
}

func retain(n Network) {
	if r, ok := n.(Retainer); ok {
		r.Retain()
	}
}

// register replaces the address session of n.
func (m *Manager) register(n Network, s *session) {
	if old := m.sessions[n]; old != nil {
		old.destroy()
	}
	retain(n)
	m.sessions[n] = s
}

// Start begins stateful address assignment on n after a random initial
// delay of up to SolMaxDelay. prefixes seeds the prefix list used to pick
// the prefix length of assigned addresses.
func (m *Manager) Start(n Network, prefixes []netip.Prefix, cb Callback) error {
	if m.closed {
		return ErrInvalid
	}
	if old := m.sessions[n]; old != nil && old.started {
		return ErrAlreadyRunning
	}
	if _, err := m.dir.LookupService(n); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	s := m.newSession(n, cb)
	s.prefixes = slices.Clone(prefixes)
	s.started = true
	m.register(n, s)

	d := initialDelay(m.rnd)
	slog.Info("DHCPv6: starting solicitation", "interface", n.Name(), "delay", d)
	s.arm(d, s.startSolicitation)
	return nil
}

// StartStatelessInfo requests configuration only (RFC 3736) after a random
// initial delay of up to InfMaxDelay.
func (m *Manager) StartStatelessInfo(n Network, cb Callback) error {
	if m.closed {
		return ErrInvalid
	}
	if old := m.sessions[n]; old != nil && old.started {
		return ErrAlreadyRunning
	}
	s := m.newSession(n, cb)
	s.stateless = true
	s.started = true
	m.register(n, s)

	d := initialDelay(m.rnd)
	slog.Info("DHCPv6: starting information-request", "interface", n.Name(), "delay", d)
	s.arm(d, s.startInfoRequest)
	return nil
}

// StartRenew schedules RENEW at T1 and REBIND at T2 of the bound lease.
// When the server left T1 to the client, T1 and T2 become 0.5 and 0.8 of
// the lease lifetime.
func (m *Manager) StartRenew(n Network, cb Callback) error {
	s := m.sessions[n]
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
		secs := int64(l.Expiry.Sub(l.Start) / time.Second)
		s.t1 = time.Duration(secs/2) * time.Second
		s.t2 = time.Duration(secs/10*8) * time.Second
	}
	s.cb = cb
	if s.checkRestart() {
		return nil
	}
	s.scheduleRenewal(l.Start)
	return nil
}

// StartRelease sends RELEASE for the addresses of n without waiting for a
// reply. A session that never created its transport has nothing to
// release.
func (m *Manager) StartRelease(n Network) error {
	if m.closed {
		return nil
	}
	s := m.sessions[n]
	if s == nil {
		return ErrNotFound
	}
	if s.stateless {
		return ErrStateless
	}
	if s.tr == nil {
		return nil
	}
	s.clearTimer()
	return s.release()
}

// Stop removes the address session of n. Nothing is sent.
func (m *Manager) Stop(n Network) {
	s := m.sessions[n]
	if s == nil {
		return
	}
	slog.Info("DHCPv6: stopping session", "interface", n.Name())
	delete(m.sessions, n)
	s.destroy()
}

// SessionInfo is a point-in-time view of one session.
type SessionInfo struct {
	Interface   string
	Index       int
	Mode        string
	State       State
	Started     bool
	Addresses   []netip.Addr
	Prefixes    []netip.Prefix
	Nameservers []string
	Timeservers []string
	Lease       Lease
}

func (s *session) mode() string {
	switch {
	case s.pd:
		return "pd"
	case s.stateless:
		return "stateless"
	default:
		return "stateful"
	}
}

func (s *session) info() SessionInfo {
	si := SessionInfo{
		Interface:   s.name(),
		Index:       s.ifindex,
		Mode:        s.mode(),
		State:       s.state,
		Started:     s.started,
		Addresses:   slices.Clone(s.addrs),
		Prefixes:    slices.Clone(s.prefixes),
		Nameservers: slices.Clone(s.nameservers),
		Timeservers: slices.Clone(s.timeservers),
	}
	if s.tr != nil {
		si.Lease = s.tr.Lease()
	}
	return si
}

// Snapshot returns every session sorted by interface name, address
// sessions before prefix delegation.
func (m *Manager) Snapshot() []SessionInfo {
	out := make([]SessionInfo, 0, len(m.sessions)+len(m.pdSessions))
	for _, s := range m.sessions {
		out = append(out, s.info())
	}
	for _, s := range m.pdSessions {
		out = append(out, s.info())
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Interface != out[j].Interface {
			return out[i].Interface < out[j].Interface
		}
		return out[i].Mode != "pd" && out[j].Mode == "pd"
	})
	return out
}

type noProber struct{}

func (noProber) DADTransmits(int) int { return 0 }

func (noProber) ProbeDuplicate(int, time.Duration, netip.Addr, func(netip.Addr, *NeighborAdvert)) error {
	return nil
}

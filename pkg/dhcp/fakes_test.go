package dhcp

import (
	"errors"
	"net"
	"net/netip"
	"slices"
	"testing"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv6"
	"github.com/insomniacslk/dhcp/iana"
)

// fakeReactor is a manual clock. Timers only run from Advance.
type fakeReactor struct {
	now    time.Time
	seq    int
	timers []*fakeTimer
}

type fakeTimer struct {
	at      time.Time
	seq     int
	f       func()
	stopped bool
	fired   bool
}

func (t *fakeTimer) Stop() bool {
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

func (t *fakeTimer) active() bool { return !t.stopped && !t.fired }

func newFakeReactor() *fakeReactor {
	return &fakeReactor{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (r *fakeReactor) Now() time.Time { return r.now }

func (r *fakeReactor) AfterFunc(d time.Duration, f func()) Timer {
	t := &fakeTimer{at: r.now.Add(d), seq: r.seq, f: f}
	r.seq++
	r.timers = append(r.timers, t)
	return t
}

func (r *fakeReactor) Post(f func()) { r.AfterFunc(0, f) }

// Advance moves the clock by d, running due timers in deadline order.
func (r *fakeReactor) Advance(d time.Duration) {
	end := r.now.Add(d)
	for {
		t := r.next(end)
		if t == nil {
			break
		}
		if t.at.After(r.now) {
			r.now = t.at
		}
		t.fired = true
		t.f()
	}
	r.now = end
}

func (r *fakeReactor) next(end time.Time) *fakeTimer {
	var best *fakeTimer
	for _, t := range r.timers {
		if !t.active() || t.at.After(end) {
			continue
		}
		if best == nil || t.at.Before(best.at) || (t.at.Equal(best.at) && t.seq < best.seq) {
			best = t
		}
	}
	return best
}

func (r *fakeReactor) active() int {
	n := 0
	for _, t := range r.timers {
		if t.active() {
			n++
		}
	}
	return n
}

type fakeTransport struct {
	handlers    map[Event]func(*Reply)
	sent        []*Message
	retransmits int
	lease       Lease
	sendErr     error
	closed      bool
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{handlers: make(map[Event]func(*Reply))}
}

func (t *fakeTransport) Handle(ev Event, fn func(*Reply)) {
	if fn == nil {
		delete(t.handlers, ev)
		return
	}
	t.handlers[ev] = fn
}

func (t *fakeTransport) ClearHandlers() { clear(t.handlers) }

func (t *fakeTransport) Send(msg *Message) error {
	if t.sendErr != nil {
		return t.sendErr
	}
	t.sent = append(t.sent, msg)
	return nil
}

func (t *fakeTransport) SetRetransmit()   { t.retransmits++ }
func (t *fakeTransport) ClearRetransmit() {}
func (t *fakeTransport) Lease() Lease     { return t.lease }

func (t *fakeTransport) Close() error {
	t.closed = true
	return nil
}

// deliver runs the handler registered for ev. It reports false when none
// is registered.
func (t *fakeTransport) deliver(ev Event, r *Reply) bool {
	fn, ok := t.handlers[ev]
	if !ok {
		return false
	}
	fn(r)
	return true
}

func (t *fakeTransport) last() *Message {
	if len(t.sent) == 0 {
		return nil
	}
	return t.sent[len(t.sent)-1]
}

func (t *fakeTransport) count(typ dhcpv6.MessageType) int {
	n := 0
	for _, m := range t.sent {
		if m.Type == typ {
			n++
		}
	}
	return n
}

type fakeFactory struct {
	created []*fakeTransport
	err     error
}

func (f *fakeFactory) NewTransport(int, dhcpv6.DUID) (Transport, error) {
	if f.err != nil {
		return nil, f.err
	}
	tr := newFakeTransport()
	f.created = append(f.created, tr)
	return tr, nil
}

func (f *fakeFactory) current() *fakeTransport {
	if len(f.created) == 0 {
		return nil
	}
	return f.created[len(f.created)-1]
}

type fakeNetwork struct {
	index int
	name  string
	refs  int
}

func (n *fakeNetwork) Index() int   { return n.index }
func (n *fakeNetwork) Name() string { return n.name }
func (n *fakeNetwork) Retain()      { n.refs++ }
func (n *fakeNetwork) Release()     { n.refs-- }

type fakeIPConfig struct {
	local    netip.Addr
	plen     int
	commits  []netip.Prefix
	removes  int
	privacy  bool
	prefixes []string
}

func (c *fakeIPConfig) LocalAddress() netip.Addr { return c.local }

func (c *fakeIPConfig) SetLocalAddress(addr netip.Addr, plen int) error {
	c.local, c.plen = addr, plen
	c.commits = append(c.commits, netip.PrefixFrom(addr, plen))
	return nil
}

func (c *fakeIPConfig) RemoveAddress() error {
	c.removes++
	c.local = netip.Addr{}
	return nil
}

func (c *fakeIPConfig) PrivacyEnabled() bool   { return c.privacy }
func (c *fakeIPConfig) Prefixes() []string     { return slices.Clone(c.prefixes) }
func (c *fakeIPConfig) SetPrefixes(p []string) { c.prefixes = slices.Clone(p) }

type fakeService struct {
	id          string
	ipc         *fakeIPConfig
	nameservers []string
	timeservers []string
	domains     []string
	saves       int
}

func (s *fakeService) Identifier() string { return s.id }

func (s *fakeService) IPConfig() IPConfig {
	if s.ipc == nil {
		return nil
	}
	return s.ipc
}

func (s *fakeService) AppendNameserver(a string) error {
	s.nameservers = append(s.nameservers, a)
	return nil
}

func (s *fakeService) RemoveNameserver(a string) error {
	s.nameservers = slices.DeleteFunc(s.nameservers, func(x string) bool { return x == a })
	return nil
}

func (s *fakeService) AppendTimeserver(a string) error {
	s.timeservers = append(s.timeservers, a)
	return nil
}

func (s *fakeService) RemoveTimeserver(a string) error {
	s.timeservers = slices.DeleteFunc(s.timeservers, func(x string) bool { return x == a })
	return nil
}

func (s *fakeService) UpdateSearchDomains(d []string) { s.domains = d }
func (s *fakeService) Save()                          { s.saves++ }

type fakeDirectory struct {
	networks map[int]*fakeNetwork
	services map[int]*fakeService
}

var errNoService = errors.New("no service")

func (d *fakeDirectory) LookupService(n Network) (Service, error) {
	svc, ok := d.services[n.Index()]
	if !ok {
		return nil, errNoService
	}
	return svc, nil
}

func (d *fakeDirectory) NetworkByIndex(index int) (Network, error) {
	n, ok := d.networks[index]
	if !ok {
		return nil, errNoService
	}
	return n, nil
}

type probe struct {
	addr    netip.Addr
	onReply func(netip.Addr, *NeighborAdvert)
}

type fakeProber struct {
	transmits int
	probes    []probe
	fail      map[netip.Addr]error
}

func (p *fakeProber) DADTransmits(int) int { return p.transmits }

func (p *fakeProber) ProbeDuplicate(_ int, _ time.Duration, addr netip.Addr,
	onReply func(netip.Addr, *NeighborAdvert)) error {
	if err := p.fail[addr]; err != nil {
		return err
	}
	p.probes = append(p.probes, probe{addr: addr, onReply: onReply})
	return nil
}

// answer completes the probe for addr; defended sends an advertisement.
func (p *fakeProber) answer(t *testing.T, addr netip.Addr, defended bool) {
	t.Helper()
	for _, pr := range p.probes {
		if pr.addr != addr {
			continue
		}
		var na *NeighborAdvert
		if defended {
			na = &NeighborAdvert{Target: addr, Source: netip.MustParseAddr("fe80::99")}
		}
		pr.onReply(addr, na)
		return
	}
	t.Fatalf("no probe for %s", addr)
}

type fakeDUIDs struct{}

func (fakeDUIDs) LoadOrCreateDUID(string, int) (dhcpv6.DUID, error) {
	return &dhcpv6.DUIDLL{
		HWType:        iana.HWTypeEthernet,
		LinkLayerAddr: net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
	}, nil
}

type report struct {
	status   Status
	prefixes []netip.Prefix
}

type harness struct {
	r       *fakeReactor
	factory *fakeFactory
	dir     *fakeDirectory
	net     *fakeNetwork
	svc     *fakeService
	ipc     *fakeIPConfig
	prober  *fakeProber
	m       *Manager
	reports []report
}

// exactRandom makes every jittered value equal its base and the initial
// delay zero.
func exactRandom() uint32 { return 1000 }

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		r:       newFakeReactor(),
		factory: &fakeFactory{},
		net:     &fakeNetwork{index: 2, name: "eth0"},
		ipc:     &fakeIPConfig{},
		prober:  &fakeProber{transmits: 1},
	}
	h.svc = &fakeService{id: "ethernet_020000000001", ipc: h.ipc}
	h.dir = &fakeDirectory{
		networks: map[int]*fakeNetwork{2: h.net},
		services: map[int]*fakeService{2: h.svc},
	}
	h.m = New(Options{
		Reactor:    h.r,
		Directory:  h.dir,
		DUIDs:      fakeDUIDs{},
		Transports: h.factory,
		Prober:     h.prober,
		Random:     exactRandom,
	})
	return h
}

func (h *harness) cb(_ Network, st Status, prefixes []netip.Prefix) {
	h.reports = append(h.reports, report{status: st, prefixes: prefixes})
}

func (h *harness) tr() *fakeTransport { return h.factory.current() }

func (h *harness) statuses() []Status {
	out := make([]Status, 0, len(h.reports))
	for _, r := range h.reports {
		out = append(out, r.status)
	}
	return out
}

// startRequesting drives a stateful session up to its first REQUEST for
// addrs.
func (h *harness) startRequesting(t *testing.T, prefixes []netip.Prefix, addrs ...netip.Addr) {
	t.Helper()
	if err := h.m.Start(h.net, prefixes, h.cb); err != nil {
		t.Fatalf("Start: %v", err)
	}
	h.r.Advance(0)
	if !h.tr().deliver(EventAdvertise, &Reply{
		Type:      dhcpv6.MessageTypeAdvertise,
		Status:    iana.StatusSuccess,
		HasIA:     true,
		Addresses: addrs,
	}) {
		t.Fatal("no advertise handler registered")
	}
	if got := h.tr().last().Type; got != dhcpv6.MessageTypeRequest {
		t.Fatalf("last message = %s, want REQUEST", got)
	}
}

// bind drives a stateful session to a committed lease without DAD.
func (h *harness) bind(t *testing.T, addrs ...netip.Addr) {
	t.Helper()
	h.prober.transmits = 0
	h.startRequesting(t, nil, addrs...)
	h.tr().deliver(EventRequest, &Reply{
		Type:      dhcpv6.MessageTypeReply,
		Status:    iana.StatusSuccess,
		HasIA:     true,
		Addresses: addrs,
	})
	if len(h.reports) != 1 || h.reports[0].status != StatusSucceed {
		t.Fatalf("reports = %v, want one succeed", h.statuses())
	}
	h.reports = nil
}

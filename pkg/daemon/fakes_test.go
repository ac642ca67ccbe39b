package daemon

import (
	"context"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv6"
	"github.com/insomniacslk/dhcp/iana"
	"github.com/vishvananda/netlink"

	"github.com/psaab/dhcp6c/pkg/config"
	"github.com/psaab/dhcp6c/pkg/dhcp"
	"github.com/psaab/dhcp6c/pkg/logging"
	"github.com/psaab/dhcp6c/pkg/service"
	"github.com/psaab/dhcp6c/pkg/statestore"
)

type fakeTransport struct {
	handlers map[dhcp.Event]func(*dhcp.Reply)
	sent     []dhcpv6.MessageType
	lease    dhcp.Lease
	closed   bool
}

func (t *fakeTransport) Handle(ev dhcp.Event, fn func(*dhcp.Reply)) {
	if fn == nil {
		delete(t.handlers, ev)
		return
	}
	t.handlers[ev] = fn
}

func (t *fakeTransport) ClearHandlers() { clear(t.handlers) }

func (t *fakeTransport) Send(msg *dhcp.Message) error {
	t.sent = append(t.sent, msg.Type)
	return nil
}

func (t *fakeTransport) SetRetransmit()   {}
func (t *fakeTransport) ClearRetransmit() {}
func (t *fakeTransport) Lease() dhcp.Lease {
	return t.lease
}

func (t *fakeTransport) Close() error {
	t.closed = true
	return nil
}

func (t *fakeTransport) last() dhcpv6.MessageType {
	if len(t.sent) == 0 {
		return 0
	}
	return t.sent[len(t.sent)-1]
}

type fakeFactory struct {
	trs []*fakeTransport
}

func (f *fakeFactory) NewTransport(int, dhcpv6.DUID) (dhcp.Transport, error) {
	now := time.Now()
	tr := &fakeTransport{
		handlers: make(map[dhcp.Event]func(*dhcp.Reply)),
		lease: dhcp.Lease{
			Start:  now,
			T1:     time.Hour,
			T2:     2 * time.Hour,
			Expiry: now.Add(3 * time.Hour),
		},
	}
	f.trs = append(f.trs, tr)
	return tr, nil
}

func (f *fakeFactory) current() *fakeTransport {
	if len(f.trs) == 0 {
		return nil
	}
	return f.trs[len(f.trs)-1]
}

type fakeDUIDs struct{}

func (fakeDUIDs) LoadOrCreateDUID(string, int) (dhcpv6.DUID, error) {
	return &dhcpv6.DUIDLL{
		HWType:        iana.HWTypeEthernet,
		LinkLayerAddr: net.HardwareAddr{0x02, 0, 0, 0, 0, 0x01},
	}, nil
}

type fakeIdentities struct {
	mu      sync.Mutex
	cleared []string
}

func (f *fakeIdentities) DUIDs(context.Context) ([]statestore.DUIDInfo, error) {
	return []statestore.DUIDInfo{{Service: "dhcp6c_eth0", Type: "ll", HexBytes: "00030001020000000001"}}, nil
}

func (f *fakeIdentities) ClearDUID(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared = append(f.cleared, id)
	return nil
}

type fakeHealth struct {
	mu    sync.Mutex
	bound map[string]bool
}

func (f *fakeHealth) SetBound(iface string, bound bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.bound[iface] = bound
}

func (f *fakeHealth) get(iface string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.bound[iface]
}

// fakeLinks records address changes as "replace|del <ifname> <addr>".
type fakeLinks struct {
	ops []string
	err error
}

func (f *fakeLinks) LinkByName(name string) (netlink.Link, error) {
	if name == "missing0" {
		return nil, fmt.Errorf("link %s not found", name)
	}
	return &netlink.Dummy{LinkAttrs: netlink.LinkAttrs{Name: name}}, nil
}

func (f *fakeLinks) record(op string, link netlink.Link, addr *netlink.Addr) error {
	if f.err != nil {
		return f.err
	}
	f.ops = append(f.ops, fmt.Sprintf("%s %s %s", op, link.Attrs().Name, addr.IPNet))
	return nil
}

func (f *fakeLinks) AddrReplace(link netlink.Link, addr *netlink.Addr) error {
	return f.record("replace", link, addr)
}

func (f *fakeLinks) AddrDel(link netlink.Link, addr *netlink.Addr) error {
	return f.record("del", link, addr)
}

type harness struct {
	loop    *dhcp.Loop
	c       *controller
	factory *fakeFactory
	ids     *fakeIdentities
	health  *fakeHealth
	links   *fakeLinks
	events  *logging.EventBuffer
}

func newHarness(t *testing.T, ifcs ...config.InterfaceConfig) *harness {
	t.Helper()
	loop := dhcp.NewLoop()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		loop.Run(ctx)
		close(done)
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	h := &harness{
		loop:    loop,
		factory: &fakeFactory{},
		ids:     &fakeIdentities{},
		health:  &fakeHealth{bound: make(map[string]bool)},
		links:   &fakeLinks{},
		events:  logging.NewEventBuffer(32),
	}
	dir := service.NewDirectory(nil, nil, nil)
	mgr := dhcp.New(dhcp.Options{
		Reactor:    loop,
		Directory:  dir,
		DUIDs:      fakeDUIDs{},
		Transports: h.factory,
		Random:     func() uint32 { return 0 },
	})
	h.c = &controller{
		loop:        loop,
		mgr:         mgr,
		dir:         dir,
		ids:         h.ids,
		events:      h.events,
		health:      h.health,
		down:        newDownstream(h.links),
		retryPeriod: 10 * time.Millisecond,
		ifaces:      make(map[string]*ifaceState),
	}
	for i, ifc := range ifcs {
		if ifc.Privacy == "" {
			ifc.Privacy = "disabled"
		}
		if err := h.c.add(context.Background(), ifc, i+2); err != nil {
			t.Fatalf("add %s: %v", ifc.Name, err)
		}
	}
	return h
}

func (h *harness) call(t *testing.T, f func()) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.loop.Call(ctx, func() error { f(); return nil }); err != nil {
		t.Fatalf("loop call: %v", err)
	}
}

// waitSent waits until transport n (1-based) has sent typ last.
func (h *harness) waitSent(t *testing.T, n int, typ dhcpv6.MessageType) *fakeTransport {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		var tr *fakeTransport
		var last dhcpv6.MessageType
		h.call(t, func() {
			if len(h.factory.trs) >= n {
				tr = h.factory.trs[n-1]
				last = tr.last()
			}
		})
		if tr != nil && last == typ {
			return tr
		}
		if time.Now().After(deadline) {
			t.Fatalf("transport %d: last sent %v, want %v", n, last, typ)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func (h *harness) deliver(t *testing.T, ev dhcp.Event, r *dhcp.Reply) {
	t.Helper()
	var ok bool
	h.call(t, func() {
		tr := h.factory.current()
		if tr == nil {
			return
		}
		fn := tr.handlers[ev]
		if fn == nil {
			return
		}
		ok = true
		fn(r)
	})
	if !ok {
		t.Fatalf("no handler for %s", ev)
	}
}

func (h *harness) statuses(iface string) []string {
	var out []string
	recs := h.events.Latest(100, iface)
	for i := len(recs) - 1; i >= 0; i-- {
		out = append(out, recs[i].Status)
	}
	return out
}

func mustPrefix(s string) netip.Prefix { return netip.MustParsePrefix(s) }

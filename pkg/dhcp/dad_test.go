package dhcp

import (
	"errors"
	"net/netip"
	"slices"
	"testing"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv6"
	"github.com/insomniacslk/dhcp/iana"
)

// replyWith drives a session to a bound REPLY carrying addrs and leaves
// the probes pending.
func replyWith(t *testing.T, h *harness, addrs ...netip.Addr) {
	t.Helper()
	h.startRequesting(t, nil, addrs...)
	h.tr().deliver(EventRequest, &Reply{
		Type:      dhcpv6.MessageTypeReply,
		Status:    iana.StatusSuccess,
		HasIA:     true,
		Addresses: addrs,
	})
}

func TestDADFanIn(t *testing.T) {
	h := newHarness(t)
	replyWith(t, h, addr1, addr2, addr3)
	if len(h.prober.probes) != 3 {
		t.Fatalf("probes = %d, want 3", len(h.prober.probes))
	}

	h.prober.answer(t, addr3, false)
	h.prober.answer(t, addr1, true)
	if len(h.ipc.commits) != 0 || len(h.reports) != 0 {
		t.Fatalf("finalized with a probe outstanding")
	}
	h.prober.answer(t, addr2, false)

	want := []netip.Prefix{netip.PrefixFrom(addr3, 128), netip.PrefixFrom(addr2, 128)}
	if !slices.Equal(h.ipc.commits, want) {
		t.Errorf("commits = %v, want %v", h.ipc.commits, want)
	}
	decline := h.tr().last()
	if decline.Type != dhcpv6.MessageTypeDecline {
		t.Fatalf("last = %s, want DECLINE", decline.Type)
	}
	if !slices.Equal(decline.Addresses, []netip.Addr{addr1}) {
		t.Errorf("declined = %v, want [%s]", decline.Addresses, addr1)
	}
	if len(h.reports) != 0 {
		t.Fatalf("reports before decline reply = %v", h.statuses())
	}

	h.tr().deliver(EventDecline, &Reply{Type: dhcpv6.MessageTypeReply})
	h.r.Advance(time.Minute)
	if got := h.statuses(); !slices.Equal(got, []Status{StatusRestart}) {
		t.Errorf("reports = %v, want [restart]", got)
	}
	passed, defended, declines := h.m.Stats().DAD()
	if passed != 2 || defended != 1 || declines != 1 {
		t.Errorf("DAD stats = %d/%d/%d, want 2/1/1", passed, defended, declines)
	}
}

func TestDADDeclineTimeout(t *testing.T) {
	h := newHarness(t)
	replyWith(t, h, addr1)
	h.prober.answer(t, addr1, true)

	h.r.Advance(DecTimeout)
	if got := h.statuses(); !slices.Equal(got, []Status{StatusRestart}) {
		t.Fatalf("reports = %v, want [restart]", got)
	}
	if h.tr().deliver(EventDecline, &Reply{}) {
		t.Error("decline handler still registered after timeout")
	}
	if len(h.ipc.commits) != 0 {
		t.Errorf("commits = %v, want none", h.ipc.commits)
	}
}

func TestDADAllDefendedDeclines(t *testing.T) {
	h := newHarness(t)
	replyWith(t, h, addr1, addr2)
	h.prober.answer(t, addr2, true)
	h.prober.answer(t, addr1, true)
	if got := h.tr().last().Addresses; !slices.Equal(got, []netip.Addr{addr2, addr1}) {
		t.Errorf("declined = %v, want arrival order", got)
	}
}

func TestDADProbeErrorCountsAsClear(t *testing.T) {
	h := newHarness(t)
	h.prober.fail = map[netip.Addr]error{addr1: errors.New("network unreachable")}
	replyWith(t, h, addr1, addr2)
	h.prober.answer(t, addr2, false)

	want := []netip.Prefix{netip.PrefixFrom(addr1, 128), netip.PrefixFrom(addr2, 128)}
	if !slices.Equal(h.ipc.commits, want) {
		t.Errorf("commits = %v, want %v", h.ipc.commits, want)
	}
	if got := h.statuses(); !slices.Equal(got, []Status{StatusSucceed}) {
		t.Errorf("reports = %v, want [succeed]", got)
	}
}

func TestDADSkipsCurrentAddress(t *testing.T) {
	h := newHarness(t)
	h.prober.transmits = 0
	h.ipc.local = addr1
	replyWith(t, h, addr1)
	if len(h.ipc.commits) != 0 || h.ipc.removes != 0 {
		t.Errorf("commits = %v removes = %d, want untouched", h.ipc.commits, h.ipc.removes)
	}
	if got := h.statuses(); !slices.Equal(got, []Status{StatusSucceed}) {
		t.Errorf("reports = %v, want [succeed]", got)
	}
}

func TestDADAfterStop(t *testing.T) {
	h := newHarness(t)
	replyWith(t, h, addr1)
	h.m.Stop(h.net)
	h.prober.answer(t, addr1, false)
	if len(h.ipc.commits) != 1 {
		t.Errorf("commits = %v, want the probed address", h.ipc.commits)
	}
	if len(h.reports) != 0 {
		t.Errorf("reports = %v, want none after Stop", h.statuses())
	}
}

func TestDADDefendedAfterStop(t *testing.T) {
	h := newHarness(t)
	replyWith(t, h, addr1)
	h.m.Stop(h.net)
	h.prober.answer(t, addr1, true)
	if got := h.tr().count(dhcpv6.MessageTypeDecline); got != 0 {
		t.Errorf("declines sent = %d, want 0 after Stop", got)
	}
	if _, _, declines := h.m.Stats().DAD(); declines != 0 {
		t.Errorf("decline counter = %d, want 0", declines)
	}
	if len(h.reports) != 0 {
		t.Errorf("reports = %v, want none after Stop", h.statuses())
	}
}

func TestPrefixLength(t *testing.T) {
	prefixes := []netip.Prefix{
		netip.MustParsePrefix("2001:db8::/48"),
		netip.MustParsePrefix("2001:db8::/64"),
		netip.MustParsePrefix("2001:db8:1::/64"),
	}
	tests := []struct {
		addr string
		want int
	}{
		{"2001:db8::10", 64},
		{"2001:db8:0:5::1", 48},
		{"2001:db8:1::1", 64},
		{"2001:db9::1", 128},
	}
	for _, tt := range tests {
		if got := PrefixLength(prefixes, netip.MustParseAddr(tt.addr)); got != tt.want {
			t.Errorf("PrefixLength(%s) = %d, want %d", tt.addr, got, tt.want)
		}
	}
}

package ndp

import (
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"golang.org/x/net/ipv6"

	"github.com/psaab/dhcp6c/pkg/dhcp"
)

func TestSolicitedNode(t *testing.T) {
	tests := []struct {
		addr string
		want string
	}{
		{"2001:db8::1", "ff02::1:ff00:1"},
		{"fe80::1234:5678:9abc:def0", "ff02::1:ffbc:def0"},
		{"2001:db8:1:2:a:b:c:d", "ff02::1:ff0c:d"},
	}
	for _, tt := range tests {
		got := SolicitedNode(netip.MustParseAddr(tt.addr))
		if got != netip.MustParseAddr(tt.want) {
			t.Errorf("SolicitedNode(%s) = %s, want %s", tt.addr, got, tt.want)
		}
	}
}

func TestMarshalSolicitation(t *testing.T) {
	target := netip.MustParseAddr("2001:db8::42")
	b, err := marshalSolicitation(target)
	if err != nil {
		t.Fatalf("marshalSolicitation: %v", err)
	}
	if len(b) != 24 {
		t.Fatalf("len = %d, want 24", len(b))
	}
	if b[0] != 135 || b[1] != 0 {
		t.Errorf("type/code = %d/%d, want 135/0", b[0], b[1])
	}
	got, _ := netip.AddrFromSlice(b[8:24])
	if got != target {
		t.Errorf("target = %s, want %s", got, target)
	}
}

func buildAdvert(t *testing.T, target netip.Addr, mac net.HardwareAddr) []byte {
	t.Helper()
	adv := &layers.ICMPv6NeighborAdvertisement{
		Flags:         0x20,
		TargetAddress: net.IP(target.AsSlice()),
	}
	if mac != nil {
		adv.Options = layers.ICMPv6Options{{Type: layers.ICMPv6OptTargetAddress, Data: mac}}
	}
	buf := gopacket.NewSerializeBuffer()
	err := gopacket.SerializeLayers(buf, gopacket.SerializeOptions{},
		&layers.ICMPv6{TypeCode: layers.CreateICMPv6TypeCode(layers.ICMPv6TypeNeighborAdvertisement, 0)},
		adv,
	)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	return buf.Bytes()
}

func TestParseAdvert(t *testing.T) {
	target := netip.MustParseAddr("2001:db8::42")
	mac := net.HardwareAddr{0x02, 0, 0, 0, 0, 0x01}

	na, ok := parseAdvert(buildAdvert(t, target, mac))
	if !ok {
		t.Fatal("parseAdvert rejected an advertisement")
	}
	if na.Target != target {
		t.Errorf("Target = %s, want %s", na.Target, target)
	}
	if na.HardwareAddr.String() != mac.String() {
		t.Errorf("HardwareAddr = %s, want %s", na.HardwareAddr, mac)
	}

	sol, err := marshalSolicitation(target)
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := parseAdvert(sol); ok {
		t.Error("parseAdvert accepted a solicitation")
	}
	if _, ok := parseAdvert([]byte{136, 0}); ok {
		t.Error("parseAdvert accepted a truncated packet")
	}
}

func TestReadDADTransmits(t *testing.T) {
	dir := t.TempDir()
	write := func(ifname, v string) {
		if err := os.MkdirAll(filepath.Join(dir, ifname), 0o755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(dir, ifname, "dad_transmits"), []byte(v), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	write("eth0", "3\n")
	write("eth1", "0\n")
	write("eth2", "garbage")

	tests := []struct {
		ifname string
		want   int
	}{
		{"eth0", 3},
		{"eth1", 0},
		{"eth2", 1},
		{"missing", 1},
	}
	for _, tt := range tests {
		if got := readDADTransmits(dir, tt.ifname); got != tt.want {
			t.Errorf("readDADTransmits(%s) = %d, want %d", tt.ifname, got, tt.want)
		}
	}
}

// chanReactor runs posted callbacks on the test goroutine.
type chanReactor struct{ ch chan func() }

func (r *chanReactor) Now() time.Time { return time.Now() }
func (r *chanReactor) Post(f func())  { r.ch <- f }
func (r *chanReactor) AfterFunc(d time.Duration, f func()) dhcp.Timer {
	return time.AfterFunc(d, func() { r.Post(f) })
}

type fakeConn struct {
	written []byte
	dst     net.Addr
	cm      *ipv6.ControlMessage
	replies chan []byte
	closed  chan struct{}
}

func newFakeConn() *fakeConn {
	return &fakeConn{replies: make(chan []byte, 4), closed: make(chan struct{})}
}

func (c *fakeConn) WriteTo(b []byte, cm *ipv6.ControlMessage, dst net.Addr) (int, error) {
	c.written, c.cm, c.dst = append([]byte(nil), b...), cm, dst
	return len(b), nil
}

func (c *fakeConn) ReadFrom(b []byte) (int, *ipv6.ControlMessage, net.Addr, error) {
	select {
	case pkt := <-c.replies:
		return copy(b, pkt), nil, &net.IPAddr{IP: net.ParseIP("fe80::99"), Zone: "eth0"}, nil
	case <-time.After(200 * time.Millisecond):
		return 0, nil, nil, timeoutError{}
	}
}

func (c *fakeConn) SetReadDeadline(time.Time) error { return nil }
func (c *fakeConn) Close() error                    { close(c.closed); return nil }

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

func newTestProber(conn *fakeConn) (*Prober, *chanReactor) {
	r := &chanReactor{ch: make(chan func(), 4)}
	p := New(r)
	p.Interface = func(int) (*net.Interface, error) { return &net.Interface{Index: 2, Name: "eth0"}, nil }
	p.Listen = func(*net.Interface) (PacketConn, error) { return conn, nil }
	return p, r
}

func TestProbeDefended(t *testing.T) {
	conn := newFakeConn()
	p, r := newTestProber(conn)
	target := netip.MustParseAddr("2001:db8::42")

	// A reply for another target is skipped.
	conn.replies <- buildAdvert(t, netip.MustParseAddr("2001:db8::43"), nil)
	conn.replies <- buildAdvert(t, target, net.HardwareAddr{2, 0, 0, 0, 0, 9})

	var got *dhcp.NeighborAdvert
	err := p.ProbeDuplicate(2, time.Second, target, func(addr netip.Addr, na *dhcp.NeighborAdvert) {
		if addr != target {
			t.Errorf("addr = %s, want %s", addr, target)
		}
		got = na
	})
	if err != nil {
		t.Fatalf("ProbeDuplicate: %v", err)
	}
	(<-r.ch)()
	if got == nil {
		t.Fatal("probe not reported as defended")
	}
	if got.Source != netip.MustParseAddr("fe80::99%eth0") {
		t.Errorf("Source = %s, want fe80::99%%eth0", got.Source)
	}
	<-conn.closed

	if conn.cm.HopLimit != 255 || conn.cm.IfIndex != 2 {
		t.Errorf("control message = %+v, want hop limit 255 on ifindex 2", conn.cm)
	}
	if !conn.cm.Src.Equal(net.IPv6unspecified) {
		t.Errorf("source = %s, want ::", conn.cm.Src)
	}
	dst := conn.dst.(*net.IPAddr)
	if !dst.IP.Equal(net.ParseIP("ff02::1:ff00:42")) {
		t.Errorf("dst = %s, want ff02::1:ff00:42", dst.IP)
	}
}

func TestProbeTimeout(t *testing.T) {
	conn := newFakeConn()
	p, r := newTestProber(conn)

	called := false
	err := p.ProbeDuplicate(2, time.Second, netip.MustParseAddr("2001:db8::42"),
		func(_ netip.Addr, na *dhcp.NeighborAdvert) {
			called = true
			if na != nil {
				t.Errorf("na = %+v, want nil", na)
			}
		})
	if err != nil {
		t.Fatalf("ProbeDuplicate: %v", err)
	}
	(<-r.ch)()
	if !called {
		t.Error("onReply not called")
	}
}

func TestProbeRejectsIPv4(t *testing.T) {
	p, _ := newTestProber(newFakeConn())
	err := p.ProbeDuplicate(2, time.Second, netip.MustParseAddr("192.0.2.1"),
		func(netip.Addr, *dhcp.NeighborAdvert) {})
	if err == nil {
		t.Error("ProbeDuplicate accepted an IPv4 address")
	}
}

package daemon

import (
	"errors"
	"net/netip"
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/psaab/dhcp6c/pkg/config"
	"github.com/psaab/dhcp6c/pkg/networkd"
)

func TestDownstreamApply(t *testing.T) {
	links := &fakeLinks{}
	d := newDownstream(links)
	cfgs := []config.DownstreamConfig{
		{Name: "lan0", SubPrefLen: 64},
		{Name: "lan1", SubPrefLen: 60},
		{Name: "lan2", SubPrefLen: 48},
	}

	d.apply(cfgs, []netip.Prefix{mustPrefix("2001:db8:100::/56")})
	want := []string{
		"replace lan0 2001:db8:100::1/64",
		"replace lan1 2001:db8:100:10::1/60",
	}
	if !slices.Equal(links.ops, want) {
		t.Fatalf("ops = %v, want %v", links.ops, want)
	}

	links.ops = nil
	d.apply(cfgs, []netip.Prefix{mustPrefix("2001:db8:100::/56")})
	if len(links.ops) != 0 {
		t.Errorf("unchanged delegation produced %v", links.ops)
	}

	d.apply(cfgs, []netip.Prefix{mustPrefix("2001:db8:200::/56")})
	want = []string{
		"del lan0 2001:db8:100::1/64",
		"replace lan0 2001:db8:200::1/64",
		"del lan1 2001:db8:100:10::1/60",
		"replace lan1 2001:db8:200:10::1/60",
	}
	if !slices.Equal(links.ops, want) {
		t.Errorf("ops = %v, want %v", links.ops, want)
	}

	links.ops = nil
	d.apply(cfgs, nil)
	want = []string{
		"del lan0 2001:db8:200::1/64",
		"del lan1 2001:db8:200:10::1/60",
	}
	if !slices.Equal(links.ops, want) {
		t.Errorf("ops = %v, want %v", links.ops, want)
	}
	if len(d.assigned) != 0 {
		t.Errorf("assigned = %v after withdrawal", d.assigned)
	}
}

func TestDownstreamErrors(t *testing.T) {
	links := &fakeLinks{}
	d := newDownstream(links)
	delegated := []netip.Prefix{mustPrefix("2001:db8:100::/56")}

	d.apply([]config.DownstreamConfig{{Name: "missing0", SubPrefLen: 64}}, delegated)
	if len(d.assigned) != 0 {
		t.Errorf("assigned = %v for a missing link", d.assigned)
	}

	links.err = errors.New("permission denied")
	d.apply([]config.DownstreamConfig{{Name: "lan0", SubPrefLen: 64}}, delegated)
	if _, ok := d.assigned["lan0"]; ok {
		t.Error("failed assignment recorded")
	}

	var nilDown *downstream
	nilDown.apply([]config.DownstreamConfig{{Name: "lan0", SubPrefLen: 64}}, delegated)
}

func TestAPIAuth(t *testing.T) {
	if auth := apiAuth(config.APIConfig{Listen: "127.0.0.1:8546"}); auth != nil {
		t.Errorf("apiAuth without credentials = %+v, want nil", auth)
	}
	auth := apiAuth(config.APIConfig{
		Users:   map[string]string{"admin": "secret"},
		APIKeys: []string{"tok-1", "tok-2"},
	})
	if auth == nil || !auth.APIKeys["tok-2"] || auth.Users["admin"] != "secret" {
		t.Errorf("apiAuth = %+v", auth)
	}
}

func TestRemoveStaleNetworkd(t *testing.T) {
	dir := t.TempDir()
	nd := networkd.New(dir)
	nd.Reload = func() error { return nil }
	for _, name := range []string{"eth0", "old0"} {
		if err := nd.Apply(networkd.InterfaceConfig{Name: name, Nameservers: []string{"2001:db8::53"}}); err != nil {
			t.Fatal(err)
		}
	}

	cfg := &config.Config{Interfaces: []config.InterfaceConfig{{Name: "eth0"}}}
	removeStaleNetworkd(nd, cfg)

	if got := nd.ManagedInterfaces(); !slices.Equal(got, []string{"eth0"}) {
		t.Errorf("managed = %v, want [eth0]", got)
	}
	if _, err := os.Stat(filepath.Join(dir, "10-dhcp6c-old0.network")); !os.IsNotExist(err) {
		t.Errorf("old0 file still present: %v", err)
	}
}

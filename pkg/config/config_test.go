package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const sample = `
state_path: /tmp/dhcp6c.db
duid_type: ll
interfaces:
  - name: wan0
    mode: pd
    prefixes: ["2001:db8:100::/56"]
    downstream:
      - name: lan0
      - name: lan1
        sub_prefix_length: 60
  - name: eth0
    privacy: enabled
api:
  listen: "[::1]:8546"
  users:
    admin: secret
  api_keys: [tok-1]
grpc:
  listen: "127.0.0.1:50061"
syslog:
  - host: 192.0.2.1
    severity: warning
networkd:
  enabled: true
`

func TestParse(t *testing.T) {
	cfg, err := Parse([]byte(sample))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.StatePath != "/tmp/dhcp6c.db" || cfg.DUIDType != "ll" {
		t.Errorf("state_path/duid_type = %q/%q", cfg.StatePath, cfg.DUIDType)
	}
	if len(cfg.Interfaces) != 2 {
		t.Fatalf("interfaces = %d, want 2", len(cfg.Interfaces))
	}

	wan := cfg.Interface("wan0")
	if wan == nil || wan.Mode != ModePD {
		t.Fatalf("wan0 = %+v", wan)
	}
	if got := wan.Downstream[0].SubPrefLen; got != DefaultSubPrefLen {
		t.Errorf("lan0 sub_prefix_length = %d, want %d", got, DefaultSubPrefLen)
	}
	if got := wan.Downstream[1].SubPrefLen; got != 60 {
		t.Errorf("lan1 sub_prefix_length = %d, want 60", got)
	}

	eth := cfg.Interface("eth0")
	if eth.Mode != ModeStateful || eth.Privacy != "enabled" {
		t.Errorf("eth0 mode/privacy = %q/%q", eth.Mode, eth.Privacy)
	}
	if wan.Privacy != "system" {
		t.Errorf("wan0 privacy = %q, want system", wan.Privacy)
	}
	if cfg.Syslog[0].Port != DefaultSyslogPort {
		t.Errorf("syslog port = %d, want %d", cfg.Syslog[0].Port, DefaultSyslogPort)
	}
	if cfg.RetryPeriod != DefaultRetryPeriod {
		t.Errorf("retry_period = %d, want %d", cfg.RetryPeriod, DefaultRetryPeriod)
	}
	if cfg.API.Users["admin"] != "secret" || len(cfg.API.APIKeys) != 1 {
		t.Errorf("api auth = %v/%v", cfg.API.Users, cfg.API.APIKeys)
	}
	if !cfg.Networkd.Enabled {
		t.Error("networkd not enabled")
	}
	if cfg.Interface("missing") != nil {
		t.Error("Interface(missing) != nil")
	}
}

func TestDefaults(t *testing.T) {
	cfg, err := Parse([]byte("interfaces:\n  - name: eth0\n"))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if cfg.StatePath != DefaultStatePath {
		t.Errorf("StatePath = %q, want %q", cfg.StatePath, DefaultStatePath)
	}
	if cfg.DUIDType != "llt" {
		t.Errorf("DUIDType = %q, want llt", cfg.DUIDType)
	}
	if cfg.API.Listen != DefaultAPIListen {
		t.Errorf("API.Listen = %q, want %q", cfg.API.Listen, DefaultAPIListen)
	}
	if cfg.GRPC.Listen != "" {
		t.Errorf("GRPC.Listen = %q, want empty", cfg.GRPC.Listen)
	}
}

func TestValidateErrors(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"duid type", "duid_type: en\n", "duid_type"},
		{"missing name", "interfaces:\n  - mode: pd\n", "missing name"},
		{"duplicate", "interfaces:\n  - name: eth0\n  - name: eth0\n", "duplicate interface"},
		{"mode", "interfaces:\n  - name: eth0\n    mode: dynamic\n", "mode"},
		{"privacy", "interfaces:\n  - name: eth0\n    privacy: maybe\n", "privacy"},
		{"prefix", "interfaces:\n  - name: eth0\n    prefixes: [nope]\n", "prefixes[0]"},
		{"downstream mode", "interfaces:\n  - name: eth0\n    downstream:\n      - name: lan0\n", "requires mode pd"},
		{"sub prefix", "interfaces:\n  - name: eth0\n    mode: pd\n    downstream:\n      - name: lan0\n        sub_prefix_length: 129\n", "out of range"},
		{"syslog host", "syslog:\n  - port: 514\n", "missing host"},
		{"api listen", "api:\n  listen: nowhere\n", "api.listen"},
		{"retry", "retry_period: -1\n", "retry_period"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("Parse succeeded")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want it to mention %q", err, tt.want)
			}
		})
	}
}

func TestLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "dhcp6c.yaml")
	if err := os.WriteFile(path, []byte(sample), 0644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.Interfaces) != 2 {
		t.Errorf("interfaces = %d, want 2", len(cfg.Interfaces))
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Load of a missing file succeeded")
	}
}

// Package config loads the dhcp6cd YAML configuration.
package config

import (
	"fmt"
	"net"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Session modes.
const (
	ModeStateful  = "stateful"
	ModeStateless = "stateless"
	ModePD        = "pd"
)

const (
	DefaultStatePath   = "/var/lib/dhcp6c/state.db"
	DefaultAPIListen   = "127.0.0.1:8546"
	DefaultSyslogPort  = 514
	DefaultSubPrefLen  = 64
	DefaultRetryPeriod = 10 // seconds
)

// Config is the daemon configuration.
type Config struct {
	StatePath  string            `yaml:"state_path"`
	DUIDType   string            `yaml:"duid_type"` // llt, ll or uuid
	Interfaces []InterfaceConfig `yaml:"interfaces"`
	API        APIConfig         `yaml:"api"`
	GRPC       GRPCConfig        `yaml:"grpc"`
	Syslog     []SyslogConfig    `yaml:"syslog"`
	Networkd   NetworkdConfig    `yaml:"networkd"`
	// RetryPeriod is how long to wait before restarting a failed session,
	// in seconds.
	RetryPeriod int `yaml:"retry_period"`
}

// InterfaceConfig configures the sessions of one interface.
type InterfaceConfig struct {
	Name string `yaml:"name"`
	// Mode is stateful (IA_NA/IA_TA), stateless (information only) or pd.
	Mode string `yaml:"mode"`
	// Privacy is enabled, disabled or system (follow use_tempaddr).
	Privacy string `yaml:"privacy"`
	// Prefixes are requested again on start, "prefix/len" each.
	Prefixes []string `yaml:"prefixes"`
	// Downstream interfaces each receive one sub-prefix of a delegation.
	Downstream []DownstreamConfig `yaml:"downstream"`
}

// DownstreamConfig assigns a sub-prefix of the delegated prefix.
type DownstreamConfig struct {
	Name       string `yaml:"name"`
	SubPrefLen int    `yaml:"sub_prefix_length"`
}

// APIConfig configures the HTTP API. With no users and no keys the API is
// unauthenticated.
type APIConfig struct {
	Listen  string            `yaml:"listen"`
	Users   map[string]string `yaml:"users"` // username -> password
	APIKeys []string          `yaml:"api_keys"`
}

type GRPCConfig struct {
	Listen string `yaml:"listen"`
}

// SyslogConfig defines a syslog forwarding destination.
type SyslogConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`     // default 514
	Severity string `yaml:"severity"` // error, warning, info, debug or "" (no filter)
	Facility string `yaml:"facility"` // default daemon
}

type NetworkdConfig struct {
	Enabled bool   `yaml:"enabled"`
	Dir     string `yaml:"dir"`
}

// Load reads, defaults and validates the file at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML document.
func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}

	return &cfg, nil
}

func (c *Config) applyDefaults() {
	if c.StatePath == "" {
		c.StatePath = DefaultStatePath
	}
	if c.DUIDType == "" {
		c.DUIDType = "llt"
	}
	if c.API.Listen == "" {
		c.API.Listen = DefaultAPIListen
	}
	if c.RetryPeriod == 0 {
		c.RetryPeriod = DefaultRetryPeriod
	}
	for i := range c.Interfaces {
		ifc := &c.Interfaces[i]
		if ifc.Mode == "" {
			ifc.Mode = ModeStateful
		}
		if ifc.Privacy == "" {
			ifc.Privacy = "system"
		}
		for j := range ifc.Downstream {
			if ifc.Downstream[j].SubPrefLen == 0 {
				ifc.Downstream[j].SubPrefLen = DefaultSubPrefLen
			}
		}
	}
	for i := range c.Syslog {
		if c.Syslog[i].Port == 0 {
			c.Syslog[i].Port = DefaultSyslogPort
		}
	}
}

// Validate checks the configuration after defaults were applied.
func (c *Config) Validate() error {
	switch c.DUIDType {
	case "llt", "ll", "uuid":
	default:
		return fmt.Errorf("duid_type %q: want llt, ll or uuid", c.DUIDType)
	}
	if c.RetryPeriod < 0 {
		return fmt.Errorf("retry_period must not be negative")
	}
	seen := make(map[string]bool)
	for i, ifc := range c.Interfaces {
		if ifc.Name == "" {
			return fmt.Errorf("interfaces[%d]: missing name", i)
		}
		if seen[ifc.Name] {
			return fmt.Errorf("interfaces[%d]: duplicate interface %s", i, ifc.Name)
		}
		seen[ifc.Name] = true
		switch ifc.Mode {
		case ModeStateful, ModeStateless, ModePD:
		default:
			return fmt.Errorf("interfaces.%s.mode %q: want stateful, stateless or pd", ifc.Name, ifc.Mode)
		}
		switch ifc.Privacy {
		case "enabled", "disabled", "system":
		default:
			return fmt.Errorf("interfaces.%s.privacy %q: want enabled, disabled or system", ifc.Name, ifc.Privacy)
		}
		for j, p := range ifc.Prefixes {
			if _, _, err := net.ParseCIDR(p); err != nil {
				return fmt.Errorf("interfaces.%s.prefixes[%d]: %w", ifc.Name, j, err)
			}
		}
		if len(ifc.Downstream) > 0 && ifc.Mode != ModePD {
			return fmt.Errorf("interfaces.%s.downstream requires mode pd", ifc.Name)
		}
		for j, d := range ifc.Downstream {
			if d.Name == "" {
				return fmt.Errorf("interfaces.%s.downstream[%d]: missing name", ifc.Name, j)
			}
			if d.SubPrefLen < 1 || d.SubPrefLen > 128 {
				return fmt.Errorf("interfaces.%s.downstream[%d].sub_prefix_length %d out of range", ifc.Name, j, d.SubPrefLen)
			}
		}
	}
	for i, s := range c.Syslog {
		if s.Host == "" {
			return fmt.Errorf("syslog[%d]: missing host", i)
		}
		if s.Port < 1 || s.Port > 65535 {
			return fmt.Errorf("syslog[%d].port %d out of range", i, s.Port)
		}
	}
	for name, addr := range map[string]string{"api.listen": c.API.Listen, "grpc.listen": c.GRPC.Listen} {
		if addr == "" {
			continue
		}
		if _, port, err := net.SplitHostPort(addr); err != nil {
			return fmt.Errorf("%s: %w", name, err)
		} else if _, err := strconv.Atoi(port); err != nil {
			return fmt.Errorf("%s: bad port %q", name, port)
		}
	}
	return nil
}

// Interface returns the configuration of the named interface.
func (c *Config) Interface(name string) *InterfaceConfig {
	for i := range c.Interfaces {
		if c.Interfaces[i].Name == name {
			return &c.Interfaces[i]
		}
	}
	return nil
}

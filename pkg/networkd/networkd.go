// Package networkd publishes DHCPv6-learned name and time servers to
// systemd-networkd.
package networkd

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
)

const (
	// DefaultNetworkDir is the systemd-networkd configuration directory.
	DefaultNetworkDir = "/etc/systemd/network"
	// filePrefix distinguishes dhcp6c-managed files from manually created ones.
	filePrefix = "10-dhcp6c-"
	// dropInName is written into the .d directory of external .network files.
	dropInName = "50-dhcp6c.conf"
)

// InterfaceConfig is what networkd learns about one interface.
type InterfaceConfig struct {
	Name        string
	Nameservers []string
	Timeservers []string
	Domains     []string
}

// Manager writes .network files or drop-ins and reloads networkd when
// they change.
type Manager struct {
	networkDir string
	// Reload is run after files changed.
	Reload func() error
}

// New creates a manager writing under dir, DefaultNetworkDir when empty.
func New(dir string) *Manager {
	if dir == "" {
		dir = DefaultNetworkDir
	}
	return &Manager{
		networkDir: dir,
		Reload:     networkctlReload,
	}
}

func networkctlReload() error {
	if err := exec.Command("networkctl", "reload").Run(); err != nil {
		return fmt.Errorf("networkctl reload: %w", err)
	}
	return nil
}

// Apply writes the configuration of ifc. An interface already matched by
// a .network file not owned by dhcp6c gets a drop-in next to that file so
// the existing configuration stays in effect.
func (m *Manager) Apply(ifc InterfaceConfig) error {
	var path, content string
	if ext, ok := FindExternallyManaged(m.networkDir)[ifc.Name]; ok {
		dir := filepath.Join(m.networkDir, ext+".d")
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("create drop-in dir: %w", err)
		}
		path = filepath.Join(dir, dropInName)
		content = generateDropIn(ifc)
	} else {
		path = filepath.Join(m.networkDir, filePrefix+ifc.Name+".network")
		content = generateNetwork(ifc)
	}
	if !writeIfChanged(path, content) {
		return nil
	}
	slog.Info("networkd config updated, reloading", "interface", ifc.Name)
	return m.Reload()
}

// Remove deletes every file written for ifname.
func (m *Manager) Remove(ifname string) error {
	paths := []string{filepath.Join(m.networkDir, filePrefix+ifname+".network")}
	if ext, ok := FindExternallyManaged(m.networkDir)[ifname]; ok {
		paths = append(paths, filepath.Join(m.networkDir, ext+".d", dropInName))
	}
	removed := false
	for _, path := range paths {
		if err := os.Remove(path); err == nil {
			removed = true
		} else if !os.IsNotExist(err) {
			slog.Warn("failed to remove networkd file", "path", path, "err", err)
		}
	}
	if !removed {
		return nil
	}
	return m.Reload()
}

// FindExternallyManaged scans dir for .network files not written by
// dhcp6c and maps each interface name they match to the file name.
func FindExternallyManaged(dir string) map[string]string {
	result := make(map[string]string)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return result
	}
	// ReadDir sorts by name; networkd applies the first matching file.
	for _, entry := range entries {
		name := entry.Name()
		if strings.HasPrefix(name, filePrefix) || !strings.HasSuffix(name, ".network") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			continue
		}
		for _, line := range strings.Split(string(data), "\n") {
			line = strings.TrimSpace(line)
			if !strings.HasPrefix(line, "Name=") {
				continue
			}
			for _, ifName := range strings.Fields(strings.TrimPrefix(line, "Name=")) {
				if _, seen := result[ifName]; !seen {
					result[ifName] = name
				}
			}
		}
	}
	return result
}

func generateNetwork(ifc InterfaceConfig) string {
	var b strings.Builder
	b.WriteString("# Managed by dhcp6cd - do not edit\n")
	b.WriteString("[Match]\n")
	fmt.Fprintf(&b, "Name=%s\n", ifc.Name)

	b.WriteString("\n[Network]\n")
	b.WriteString("LinkLocalAddressing=ipv6\n")
	b.WriteString("IPv6AcceptRA=yes\n")
	b.WriteString("KeepConfiguration=yes\n")
	writeServers(&b, ifc)

	// Addresses come from dhcp6cd, not from networkd's own client.
	b.WriteString("\n[IPv6AcceptRA]\n")
	b.WriteString("DHCPv6Client=no\n")
	return b.String()
}

func generateDropIn(ifc InterfaceConfig) string {
	var b strings.Builder
	b.WriteString("# Managed by dhcp6cd - do not edit\n")
	b.WriteString("[Network]\n")
	writeServers(&b, ifc)
	return b.String()
}

func writeServers(b *strings.Builder, ifc InterfaceConfig) {
	for _, ns := range ifc.Nameservers {
		fmt.Fprintf(b, "DNS=%s\n", ns)
	}
	if len(ifc.Timeservers) > 0 {
		fmt.Fprintf(b, "NTP=%s\n", strings.Join(ifc.Timeservers, " "))
	}
	if len(ifc.Domains) > 0 {
		fmt.Fprintf(b, "Domains=%s\n", strings.Join(ifc.Domains, " "))
	}
}

// ManagedInterfaces lists the interfaces with a dhcp6c-owned .network file.
func (m *Manager) ManagedInterfaces() []string {
	matches, _ := filepath.Glob(filepath.Join(m.networkDir, filePrefix+"*.network"))
	var out []string
	for _, path := range matches {
		name := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(path), filePrefix), ".network")
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// writeIfChanged writes content to path only if the content differs from
// the existing file. Returns true if the file was written.
func writeIfChanged(path, content string) bool {
	existing, err := os.ReadFile(path)
	if err == nil && string(existing) == content {
		return false
	}

	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		slog.Warn("failed to write networkd file", "path", path, "err", err)
		return false
	}

	slog.Info("wrote networkd file", "path", path)
	return true
}

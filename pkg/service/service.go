// Package service keeps the per-interface configuration DHCPv6 sessions
// report and publishes it to the state store and systemd-networkd.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"slices"
	"sync"

	"github.com/psaab/dhcp6c/pkg/dhcp"
	"github.com/psaab/dhcp6c/pkg/ipconfig"
	"github.com/psaab/dhcp6c/pkg/networkd"
	"github.com/psaab/dhcp6c/pkg/statestore"
)

var (
	ErrExists   = errors.New("service entry already exists")
	ErrInvalid  = errors.New("invalid service entry")
	ErrNotFound = errors.New("service entry not found")
)

// StateStore persists service state.
type StateStore interface {
	SaveService(ctx context.Context, serviceID string, st *statestore.ServiceState) error
	LoadService(ctx context.Context, serviceID string) (*statestore.ServiceState, error)
}

// Publisher hands learned servers to the system resolver.
type Publisher interface {
	Apply(ifc networkd.InterfaceConfig) error
}

// Network is an interface a session can run on. One value exists per
// interface so it can key the session registries.
type Network struct {
	index int
	name  string

	mu   sync.Mutex
	refs int
}

var _ dhcp.Retainer = (*Network)(nil)

func (n *Network) Index() int   { return n.index }
func (n *Network) Name() string { return n.name }

// Retain implements dhcp.Retainer.
func (n *Network) Retain() {
	n.mu.Lock()
	n.refs++
	n.mu.Unlock()
}

// Release implements dhcp.Retainer.
func (n *Network) Release() {
	n.mu.Lock()
	n.refs--
	n.mu.Unlock()
}

// Refs returns the number of sessions holding n.
func (n *Network) Refs() int {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.refs
}

// Service collects the configuration learned on one interface.
type Service struct {
	id    string
	net   *Network
	ipc   *ipconfig.Config
	store StateStore
	pub   Publisher

	mu          sync.Mutex
	nameservers []string
	timeservers []string
	domains     []string
}

var _ dhcp.Service = (*Service)(nil)

// Identifier implements dhcp.Service.
func (s *Service) Identifier() string { return s.id }

// Network returns the interface the service belongs to.
func (s *Service) Network() *Network { return s.net }

// IPConfig implements dhcp.Service.
func (s *Service) IPConfig() dhcp.IPConfig { return s.ipc }

func appendEntry(list []string, v string) ([]string, error) {
	if v == "" {
		return list, ErrInvalid
	}
	if slices.Contains(list, v) {
		return list, fmt.Errorf("%s: %w", v, ErrExists)
	}
	return append(list, v), nil
}

func removeEntry(list []string, v string) ([]string, error) {
	if v == "" {
		return list, ErrInvalid
	}
	i := slices.Index(list, v)
	if i < 0 {
		return list, fmt.Errorf("%s: %w", v, ErrNotFound)
	}
	return slices.Delete(list, i, i+1), nil
}

// AppendNameserver implements dhcp.Service.
func (s *Service) AppendNameserver(addr string) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nameservers, err = appendEntry(s.nameservers, addr)
	return err
}

// RemoveNameserver implements dhcp.Service.
func (s *Service) RemoveNameserver(addr string) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nameservers, err = removeEntry(s.nameservers, addr)
	return err
}

// AppendTimeserver implements dhcp.Service.
func (s *Service) AppendTimeserver(addr string) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timeservers, err = appendEntry(s.timeservers, addr)
	return err
}

// RemoveTimeserver implements dhcp.Service.
func (s *Service) RemoveTimeserver(addr string) (err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.timeservers, err = removeEntry(s.timeservers, addr)
	return err
}

// UpdateSearchDomains implements dhcp.Service.
func (s *Service) UpdateSearchDomains(domains []string) {
	s.mu.Lock()
	s.domains = slices.Clone(domains)
	s.mu.Unlock()
}

// Servers returns copies of the current name servers, time servers and
// search domains.
func (s *Service) Servers() (ns, ts, domains []string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.nameservers), slices.Clone(s.timeservers), slices.Clone(s.domains)
}

// Save implements dhcp.Service. Failures are logged.
func (s *Service) Save() {
	ns, ts, domains := s.Servers()
	st := &statestore.ServiceState{
		Prefixes:    s.ipc.Prefixes(),
		Nameservers: ns,
		Timeservers: ts,
		Domains:     domains,
	}
	if a := s.ipc.LocalAddress(); a.IsValid() {
		st.Address = a.String()
		st.PrefixLen = s.ipc.PrefixLen()
	}
	if s.store != nil {
		if err := s.store.SaveService(context.Background(), s.id, st); err != nil {
			slog.Warn("DHCPv6: failed to save service", "service", s.id, "err", err)
		}
	}
	if s.pub != nil {
		ifc := networkd.InterfaceConfig{
			Name:        s.net.name,
			Nameservers: ns,
			Timeservers: ts,
			Domains:     domains,
		}
		if err := s.pub.Apply(ifc); err != nil {
			slog.Warn("DHCPv6: failed to publish servers", "interface", s.net.name, "err", err)
		}
	}
}

// restore seeds the address and prefixes saved by a previous run. Servers
// are relearned from the next reply.
func (s *Service) restore(ctx context.Context) error {
	if s.store == nil {
		return nil
	}
	st, err := s.store.LoadService(ctx, s.id)
	if err != nil {
		return err
	}
	var addr netip.Addr
	if st.Address != "" {
		if a, err := netip.ParseAddr(st.Address); err == nil {
			addr = a
		}
	}
	s.ipc.Restore(addr, st.PrefixLen, st.Prefixes)
	return nil
}

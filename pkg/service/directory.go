package service

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/psaab/dhcp6c/pkg/dhcp"
	"github.com/psaab/dhcp6c/pkg/ipconfig"
)

// Directory holds the services of the configured interfaces.
type Directory struct {
	store StateStore
	pub   Publisher
	h     ipconfig.Handle

	mu      sync.Mutex
	byIndex map[int]*Service
	byName  map[string]*Service
}

var _ dhcp.Directory = (*Directory)(nil)

// NewDirectory creates an empty directory. store and pub may be nil.
func NewDirectory(h ipconfig.Handle, store StateStore, pub Publisher) *Directory {
	return &Directory{
		store:   store,
		pub:     pub,
		h:       h,
		byIndex: make(map[int]*Service),
		byName:  make(map[string]*Service),
	}
}

// Add registers the interface and restores its saved state. privacy is
// one of the ipconfig Privacy* modes.
func (d *Directory) Add(ctx context.Context, index int, name, privacy string) (*Service, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if _, ok := d.byIndex[index]; ok {
		return nil, fmt.Errorf("interface %s: %w", name, ErrExists)
	}
	svc := &Service{
		id:    "dhcp6c_" + name,
		net:   &Network{index: index, name: name},
		ipc:   ipconfig.New(d.h, index, name, privacy),
		store: d.store,
		pub:   d.pub,
	}
	if err := svc.restore(ctx); err != nil {
		return nil, fmt.Errorf("restore %s: %w", name, err)
	}
	d.byIndex[index] = svc
	d.byName[name] = svc
	return svc, nil
}

// ByName returns the service of an interface.
func (d *Directory) ByName(name string) (*Service, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	svc, ok := d.byName[name]
	return svc, ok
}

// Services returns every service ordered by interface name.
func (d *Directory) Services() []*Service {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]*Service, 0, len(d.byName))
	for _, svc := range d.byName {
		out = append(out, svc)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].net.name < out[j].net.name })
	return out
}

// LookupService implements dhcp.Directory.
func (d *Directory) LookupService(n dhcp.Network) (dhcp.Service, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	svc, ok := d.byIndex[n.Index()]
	if !ok || svc.net != n {
		return nil, fmt.Errorf("interface %s: %w", n.Name(), ErrNotFound)
	}
	return svc, nil
}

// NetworkByIndex implements dhcp.Directory.
func (d *Directory) NetworkByIndex(index int) (dhcp.Network, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	svc, ok := d.byIndex[index]
	if !ok {
		return nil, fmt.Errorf("ifindex %d: %w", index, ErrNotFound)
	}
	return svc.net, nil
}

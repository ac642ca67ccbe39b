package dhcp

import (
	"errors"
	"net"
	"net/netip"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv6"
)

// Status is the outcome reported to a session's Callback.
type Status int

const (
	StatusSucceed Status = iota
	StatusFail
	StatusRestart
)

func (s Status) String() string {
	switch s {
	case StatusSucceed:
		return "succeed"
	case StatusFail:
		return "fail"
	case StatusRestart:
		return "restart"
	default:
		return "unknown"
	}
}

var (
	ErrAlreadyRunning = errors.New("dhcpv6 session already running")
	ErrInvalid        = errors.New("dhcpv6: invalid network or service")
	ErrNotFound       = errors.New("dhcpv6 session not found")
	ErrStateless      = errors.New("dhcpv6: stateless session has no addresses")
)

// Callback is invoked on the reactor when a session finishes a phase.
// prefixes is only set for successful prefix delegation.
type Callback func(n Network, status Status, prefixes []netip.Prefix)

// Network identifies the interface a session runs on. Implementations are
// used as map keys and must be comparable.
type Network interface {
	Index() int
	Name() string
}

// Retainer is implemented by networks that track how many sessions hold
// them. Retain is called when a session is registered and Release when it
// is removed.
type Retainer interface {
	Retain()
	Release()
}

// Directory resolves networks and the services bound to them.
type Directory interface {
	LookupService(n Network) (Service, error)
	NetworkByIndex(index int) (Network, error)
}

// Service receives the configuration learned from replies. Notification
// errors are logged and otherwise ignored.
type Service interface {
	Identifier() string
	IPConfig() IPConfig
	AppendNameserver(addr string) error
	RemoveNameserver(addr string) error
	AppendTimeserver(addr string) error
	RemoveTimeserver(addr string) error
	UpdateSearchDomains(domains []string)
	Save()
}

// IPConfig is the IPv6 configuration of one interface.
type IPConfig interface {
	LocalAddress() netip.Addr
	SetLocalAddress(addr netip.Addr, prefixLen int) error
	RemoveAddress() error
	PrivacyEnabled() bool
	// Prefixes returns delegated prefixes persisted as "prefix/len".
	Prefixes() []string
	SetPrefixes(prefixes []string)
}

// NeighborAdvert is a neighbor advertisement defending a probed address.
type NeighborAdvert struct {
	Target       netip.Addr
	Source       netip.Addr
	HardwareAddr net.HardwareAddr
}

// Prober runs duplicate address detection. onReply must be invoked on the
// reactor, with a nil advert when nobody defended addr before timeout.
type Prober interface {
	// DADTransmits reports how many probes the platform sends per address,
	// 1 when unknown.
	DADTransmits(ifindex int) int
	ProbeDuplicate(ifindex int, timeout time.Duration, addr netip.Addr,
		onReply func(addr netip.Addr, na *NeighborAdvert)) error
}

// DUIDStore loads the client identifier of a service, creating and
// persisting one on first use.
type DUIDStore interface {
	LoadOrCreateDUID(serviceID string, ifindex int) (dhcpv6.DUID, error)
}

// TransportFactory builds transports bound to an interface.
type TransportFactory interface {
	NewTransport(ifindex int, duid dhcpv6.DUID) (Transport, error)
}

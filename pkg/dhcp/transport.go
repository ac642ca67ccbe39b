package dhcp

import (
	"net/netip"
	"time"

	"github.com/insomniacslk/dhcp/dhcpv6"
	"github.com/insomniacslk/dhcp/iana"
)

// Event names the exchange a reply completes.
type Event int

const (
	// EventSolicitation fires on a rapid-commit REPLY to SOLICIT.
	EventSolicitation Event = iota
	EventAdvertise
	EventRequest
	EventRenew
	EventRebind
	EventRelease
	EventDecline
	EventInformationRequest
)

var eventNames = [...]string{
	EventSolicitation:       "solicitation",
	EventAdvertise:          "advertise",
	EventRequest:            "request",
	EventRenew:              "renew",
	EventRebind:             "rebind",
	EventRelease:            "release",
	EventDecline:            "decline",
	EventInformationRequest: "information-request",
}

func (e Event) String() string {
	if int(e) < len(eventNames) {
		return eventNames[e]
	}
	return "unknown"
}

// IAKind selects the identity association carried by a message.
type IAKind int

const (
	IANone IAKind = iota
	IANA
	IATA
	IAPD
)

// Message describes the next message a Transport builds and sends.
type Message struct {
	Type        dhcpv6.MessageType
	ServerID    bool
	RapidCommit bool
	// Requested fills the option request option.
	Requested []dhcpv6.OptionCode
	IA        IAKind
	T1, T2    time.Duration
	Addresses []netip.Addr
	Prefixes  []netip.Prefix
}

// Reply is the content of a server reply that the state machine acts on.
type Reply struct {
	Type   dhcpv6.MessageType
	Status iana.StatusCode
	// HasIA reports whether an IA_NA or IA_TA was present.
	HasIA        bool
	Addresses    []netip.Addr
	Prefixes     []netip.Prefix
	PrefixStatus iana.StatusCode
	Nameservers  []string
	Timeservers  []string
	Domains      []string
}

// Infinity is the lifetime value meaning "never renew".
const Infinity = 0xffffffff * time.Second

// Lease is the renewal bookkeeping of the last bound reply. T1 and T2 are
// offsets from Start.
type Lease struct {
	T1, T2 time.Duration
	Start  time.Time
	Expiry time.Time
}

// Transport sends DHCPv6 messages and dispatches replies to the handler
// registered for the pending exchange. Handlers run on the reactor.
type Transport interface {
	// Handle registers fn for ev, replacing any previous handler. A nil fn
	// removes it.
	Handle(ev Event, fn func(r *Reply))
	ClearHandlers()
	Send(msg *Message) error
	// SetRetransmit keeps the transaction ID and elapsed time of the
	// previous message for the next Send.
	SetRetransmit()
	ClearRetransmit()
	Lease() Lease
	Close() error
}

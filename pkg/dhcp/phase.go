package dhcp

import (
	"time"

	"github.com/insomniacslk/dhcp/dhcpv6"
)

// State is the protocol phase of a session.
type State int

const (
	StateIdle State = iota
	StateSoliciting
	StateRequesting
	StateBound
	StateRenewing
	StateRebinding
	StateConfirming
	StateInfoRequesting
	StateDeclining
)

var stateNames = [...]string{
	StateIdle:           "idle",
	StateSoliciting:     "soliciting",
	StateRequesting:     "requesting",
	StateBound:          "bound",
	StateRenewing:       "renewing",
	StateRebinding:      "rebinding",
	StateConfirming:     "confirming",
	StateInfoRequesting: "info-requesting",
	StateDeclining:      "declining",
}

func (s State) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// phase describes one retransmitted exchange: the message that goes out,
// the event that completes it and how its retransmission timeout evolves.
type phase struct {
	name  string
	msg   dhcpv6.MessageType
	event Event
	state State
	irt   time.Duration
	mrt   time.Duration
	// mrc bounds retransmissions; 0 retransmits until something else
	// ends the phase.
	mrc int
	// lease phases give up once the lease expired.
	lease bool
}

var (
	solicitPhase = &phase{
		name: "solicit", msg: dhcpv6.MessageTypeSolicit, event: EventAdvertise,
		state: StateSoliciting, irt: SolTimeout, mrt: SolMaxRT,
	}
	requestPhase = &phase{
		name: "request", msg: dhcpv6.MessageTypeRequest, event: EventRequest,
		state: StateRequesting, irt: ReqTimeout, mrt: ReqMaxRT, mrc: ReqMaxRC,
	}
	renewPhase = &phase{
		name: "renew", msg: dhcpv6.MessageTypeRenew, event: EventRenew,
		state: StateRenewing, irt: RenTimeout, mrt: RenMaxRT, lease: true,
	}
	rebindPhase = &phase{
		name: "rebind", msg: dhcpv6.MessageTypeRebind, event: EventRebind,
		state: StateRebinding, irt: RebTimeout, mrt: RebMaxRT, lease: true,
	}
	confirmPhase = &phase{
		name: "rebind-confirm", msg: dhcpv6.MessageTypeRebind, event: EventRebind,
		state: StateConfirming, irt: CnfTimeout, mrt: CnfMaxRT,
	}
	infoPhase = &phase{
		name: "information-request", msg: dhcpv6.MessageTypeInformationRequest,
		event: EventInformationRequest, state: StateInfoRequesting,
		irt: InfTimeout, mrt: InfMaxRT,
	}
)

var (
	addrOptions = []dhcpv6.OptionCode{
		dhcpv6.OptionDNSRecursiveNameServer,
		dhcpv6.OptionDomainSearchList,
		dhcpv6.OptionSNTPServerList,
	}
	pdOptions = []dhcpv6.OptionCode{
		dhcpv6.OptionDNSRecursiveNameServer,
		dhcpv6.OptionSNTPServerList,
	}
)

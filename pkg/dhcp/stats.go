package dhcp

import (
	"sync/atomic"

	"github.com/insomniacslk/dhcp/dhcpv6"
)

// Stats holds protocol counters. Readers may run on any goroutine.
type Stats struct {
	retransmits map[dhcpv6.MessageType]*atomic.Uint64
	callbacks   [3]atomic.Uint64

	dadPassed   atomic.Uint64
	dadDefended atomic.Uint64
	declines    atomic.Uint64
}

var countedMessages = []dhcpv6.MessageType{
	dhcpv6.MessageTypeSolicit,
	dhcpv6.MessageTypeRequest,
	dhcpv6.MessageTypeRenew,
	dhcpv6.MessageTypeRebind,
	dhcpv6.MessageTypeInformationRequest,
}

func newStats() *Stats {
	s := &Stats{retransmits: make(map[dhcpv6.MessageType]*atomic.Uint64)}
	for _, t := range countedMessages {
		s.retransmits[t] = new(atomic.Uint64)
	}
	return s
}

func (s *Stats) retransmit(t dhcpv6.MessageType) {
	if c, ok := s.retransmits[t]; ok {
		c.Add(1)
	}
}

func (s *Stats) callback(st Status) {
	if int(st) < len(s.callbacks) {
		s.callbacks[st].Add(1)
	}
}

// Retransmits returns retransmission counts keyed by message name.
func (s *Stats) Retransmits() map[string]uint64 {
	out := make(map[string]uint64, len(s.retransmits))
	for t, c := range s.retransmits {
		out[t.String()] = c.Load()
	}
	return out
}

// Callbacks returns reported outcomes keyed by status name.
func (s *Stats) Callbacks() map[string]uint64 {
	out := make(map[string]uint64, len(s.callbacks))
	for i := range s.callbacks {
		out[Status(i).String()] = s.callbacks[i].Load()
	}
	return out
}

// DAD returns probed addresses nobody defended, defended addresses and
// DECLINE messages sent.
func (s *Stats) DAD() (passed, defended, declines uint64) {
	return s.dadPassed.Load(), s.dadDefended.Load(), s.declines.Load()
}

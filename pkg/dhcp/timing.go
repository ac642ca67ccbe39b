package dhcp

import (
	"math/rand/v2"
	"time"
)

// Transmission and retransmission parameters, RFC 3315 section 5.5.
const (
	SolMaxDelay = 1 * time.Second
	SolTimeout  = 1 * time.Second
	SolMaxRT    = 120 * time.Second
	ReqTimeout  = 1 * time.Second
	ReqMaxRT    = 30 * time.Second
	ReqMaxRC    = 10
	CnfMaxDelay = 1 * time.Second
	CnfTimeout  = 1 * time.Second
	CnfMaxRT    = 4 * time.Second
	CnfMaxRD    = 10 * time.Second
	RenTimeout  = 10 * time.Second
	RenMaxRT    = 600 * time.Second
	RebTimeout  = 10 * time.Second
	RebMaxRT    = 600 * time.Second
	InfMaxDelay = 1 * time.Second
	InfTimeout  = 1 * time.Second
	InfMaxRT    = 120 * time.Second
	DecTimeout  = 1 * time.Second
	DecMaxRC    = 5
)

// pdRenewDefaultT1 is used when a delegating server leaves T1 to the
// client (RFC 3633 section 9).
const pdRenewDefaultT1 = 120 * time.Second

// RandomSource returns uniformly distributed 32-bit values.
type RandomSource func() uint32

func defaultRandom() uint32 { return rand.Uint32() }

// computeRandom returns val with RFC 3315 section 14 jitter applied:
// val - val/10 + rand(0, 2*val/10), in millisecond resolution.
func computeRandom(val time.Duration, r uint32) time.Duration {
	ms := int64(val / time.Millisecond)
	n := int64(r & 0x7fffffff)
	return time.Duration(ms-ms/10+(n%2000)*ms/10/1000) * time.Millisecond
}

// initialRT returns the first retransmission timeout for base.
func initialRT(base time.Duration, rnd RandomSource) time.Duration {
	return computeRandom(base, rnd())
}

// calcDelay returns the next retransmission timeout. Once rt passes half
// of mrt the timeout flattens to a jittered mrt.
func calcDelay(rt, mrt time.Duration, rnd RandomSource) time.Duration {
	if mrt != 0 && rt > mrt/2 {
		return computeRandom(mrt, rnd())
	}
	return rt + computeRandom(rt, rnd())
}

// initialDelay is the anti-storm wait before the first message of a
// session, 0-999ms.
func initialDelay(rnd RandomSource) time.Duration {
	return time.Duration(int64(rnd()&0x7fffffff)%1000) * time.Millisecond
}

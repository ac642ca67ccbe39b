package api

// Response is the envelope of every API reply.
type Response struct {
	Success bool   `json:"success"`
	Data    any    `json:"data,omitempty"`
	Error   string `json:"error,omitempty"`
}

// StatusInfo summarizes the daemon.
type StatusInfo struct {
	Uptime   string `json:"uptime"`
	Sessions int    `json:"sessions"`
	Bound    int    `json:"bound"`
}

// SessionEntry is one DHCPv6 session.
type SessionEntry struct {
	Interface   string   `json:"interface"`
	Index       int      `json:"index"`
	Mode        string   `json:"mode"`
	State       string   `json:"state"`
	Started     bool     `json:"started"`
	Addresses   []string `json:"addresses"`
	Prefixes    []string `json:"prefixes"`
	Nameservers []string `json:"nameservers"`
	Timeservers []string `json:"timeservers"`
	LeaseStart  string   `json:"lease_start,omitempty"`
	T1          string   `json:"t1,omitempty"`
	T2          string   `json:"t2,omitempty"`
	Expiry      string   `json:"expiry,omitempty"`
}

// StatisticsInfo holds the protocol counters.
type StatisticsInfo struct {
	Retransmits map[string]uint64 `json:"retransmits"`
	Callbacks   map[string]uint64 `json:"callbacks"`
	DADPassed   uint64            `json:"dad_passed"`
	DADDefended uint64            `json:"dad_defended"`
	Declines    uint64            `json:"declines"`
}

// IdentifierEntry is the DUID stored for a service.
type IdentifierEntry struct {
	Service string `json:"service"`
	Type    string `json:"type"`
	DUID    string `json:"duid"`
	Display string `json:"display"`
}

// EventEntry is a session outcome.
type EventEntry struct {
	Time      string   `json:"time"`
	Interface string   `json:"interface"`
	Mode      string   `json:"mode"`
	Status    string   `json:"status"`
	Prefixes  []string `json:"prefixes,omitempty"`
}

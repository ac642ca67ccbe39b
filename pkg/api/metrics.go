package api

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/psaab/dhcp6c/pkg/dhcp"
)

// scrapeTimeout bounds how long a scrape waits for the protocol loop.
const scrapeTimeout = 2 * time.Second

// dhcp6cCollector implements prometheus.Collector, reading session state
// and protocol counters on each scrape.
type dhcp6cCollector struct {
	srv *Server

	// Session gauges
	sessions       *prometheus.Desc
	sessionState   *prometheus.Desc
	addresses      *prometheus.Desc
	prefixes       *prometheus.Desc
	leaseExpiry    *prometheus.Desc
	leaseRemaining *prometheus.Desc

	// Protocol counters
	callbacksTotal   *prometheus.Desc
	retransmitsTotal *prometheus.Desc
	dadTotal         *prometheus.Desc
	declinesTotal    *prometheus.Desc
}

func newCollector(srv *Server) *dhcp6cCollector {
	return &dhcp6cCollector{
		srv: srv,

		sessions: prometheus.NewDesc(
			"dhcp6c_sessions",
			"Number of sessions per mode and state.",
			[]string{"mode", "state"}, nil,
		),
		sessionState: prometheus.NewDesc(
			"dhcp6c_session_bound",
			"Whether the session holds a lease (1) or not (0).",
			[]string{"interface", "mode"}, nil,
		),
		addresses: prometheus.NewDesc(
			"dhcp6c_session_addresses",
			"Addresses assigned by the session.",
			[]string{"interface", "mode"}, nil,
		),
		prefixes: prometheus.NewDesc(
			"dhcp6c_session_prefixes",
			"Prefixes assigned or delegated to the session.",
			[]string{"interface", "mode"}, nil,
		),
		leaseExpiry: prometheus.NewDesc(
			"dhcp6c_lease_expiry_timestamp_seconds",
			"Unix time the lease of the session expires.",
			[]string{"interface", "mode"}, nil,
		),
		leaseRemaining: prometheus.NewDesc(
			"dhcp6c_lease_remaining_seconds",
			"Seconds until the lease of the session expires.",
			[]string{"interface", "mode"}, nil,
		),
		callbacksTotal: prometheus.NewDesc(
			"dhcp6c_callbacks_total",
			"Session outcomes reported, per status.",
			[]string{"status"}, nil,
		),
		retransmitsTotal: prometheus.NewDesc(
			"dhcp6c_retransmissions_total",
			"Retransmitted messages, per message type.",
			[]string{"message"}, nil,
		),
		dadTotal: prometheus.NewDesc(
			"dhcp6c_dad_total",
			"Duplicate address detection outcomes.",
			[]string{"result"}, nil,
		),
		declinesTotal: prometheus.NewDesc(
			"dhcp6c_declines_total",
			"DECLINE messages sent for defended addresses.",
			nil, nil,
		),
	}
}

func (c *dhcp6cCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.sessions
	ch <- c.sessionState
	ch <- c.addresses
	ch <- c.prefixes
	ch <- c.leaseExpiry
	ch <- c.leaseRemaining
	ch <- c.callbacksTotal
	ch <- c.retransmitsTotal
	ch <- c.dadTotal
	ch <- c.declinesTotal
}

func (c *dhcp6cCollector) Collect(ch chan<- prometheus.Metric) {
	c.collectSessions(ch)
	c.collectCounters(ch)
}

func (c *dhcp6cCollector) collectSessions(ch chan<- prometheus.Metric) {
	if c.srv.backend == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), scrapeTimeout)
	defer cancel()
	sessions, err := c.srv.backend.Sessions(ctx)
	if err != nil {
		slog.Warn("metrics: session snapshot failed", "err", err)
		return
	}

	type key struct{ mode, state string }
	counts := make(map[key]int)
	now := time.Now()
	for _, si := range sessions {
		counts[key{si.Mode, si.State.String()}]++

		bound := 0.0
		if si.State == dhcp.StateBound {
			bound = 1
		}
		ch <- prometheus.MustNewConstMetric(c.sessionState, prometheus.GaugeValue, bound, si.Interface, si.Mode)
		ch <- prometheus.MustNewConstMetric(c.addresses, prometheus.GaugeValue, float64(len(si.Addresses)), si.Interface, si.Mode)
		ch <- prometheus.MustNewConstMetric(c.prefixes, prometheus.GaugeValue, float64(len(si.Prefixes)), si.Interface, si.Mode)

		if exp := si.Lease.Expiry; !exp.IsZero() {
			ch <- prometheus.MustNewConstMetric(c.leaseExpiry, prometheus.GaugeValue, float64(exp.Unix()), si.Interface, si.Mode)
			remaining := exp.Sub(now).Seconds()
			if remaining < 0 {
				remaining = 0
			}
			ch <- prometheus.MustNewConstMetric(c.leaseRemaining, prometheus.GaugeValue, remaining, si.Interface, si.Mode)
		}
	}
	for k, n := range counts {
		ch <- prometheus.MustNewConstMetric(c.sessions, prometheus.GaugeValue, float64(n), k.mode, k.state)
	}
}

func (c *dhcp6cCollector) collectCounters(ch chan<- prometheus.Metric) {
	st := c.srv.stats
	if st == nil {
		return
	}
	for status, n := range st.Callbacks() {
		ch <- prometheus.MustNewConstMetric(c.callbacksTotal, prometheus.CounterValue, float64(n), status)
	}
	for msg, n := range st.Retransmits() {
		ch <- prometheus.MustNewConstMetric(c.retransmitsTotal, prometheus.CounterValue, float64(n), msg)
	}
	passed, defended, declines := st.DAD()
	ch <- prometheus.MustNewConstMetric(c.dadTotal, prometheus.CounterValue, float64(passed), "passed")
	ch <- prometheus.MustNewConstMetric(c.dadTotal, prometheus.CounterValue, float64(defended), "defended")
	ch <- prometheus.MustNewConstMetric(c.declinesTotal, prometheus.CounterValue, float64(declines))
}

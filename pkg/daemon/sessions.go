package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"sort"
	"time"

	"github.com/psaab/dhcp6c/pkg/config"
	"github.com/psaab/dhcp6c/pkg/dhcp"
	"github.com/psaab/dhcp6c/pkg/logging"
	"github.com/psaab/dhcp6c/pkg/service"
	"github.com/psaab/dhcp6c/pkg/statestore"
)

// healthReporter publishes whether an interface holds a lease.
type healthReporter interface {
	SetBound(iface string, bound bool)
}

type nopHealth struct{}

func (nopHealth) SetBound(string, bool) {}

// identityStore lists and clears client identifiers.
type identityStore interface {
	DUIDs(ctx context.Context) ([]statestore.DUIDInfo, error)
	ClearDUID(serviceID string) error
}

// ifaceState is one configured interface. Everything except cfg and svc
// is owned by the loop.
type ifaceState struct {
	cfg   config.InterfaceConfig
	svc   *service.Service
	gen   int
	retry dhcp.Timer
}

func (ifs *ifaceState) network() *service.Network { return ifs.svc.Network() }

func (ifs *ifaceState) cancelRetry() {
	if ifs.retry != nil {
		ifs.retry.Stop()
		ifs.retry = nil
	}
}

// controller runs one session per configured interface and reacts to
// their outcomes. The interface set is fixed before the loop starts.
type controller struct {
	loop        *dhcp.Loop
	mgr         *dhcp.Manager
	dir         *service.Directory
	ids         identityStore
	events      *logging.EventBuffer
	health      healthReporter
	down        *downstream
	retryPeriod time.Duration

	ifaces map[string]*ifaceState
}

func (c *controller) add(ctx context.Context, ifc config.InterfaceConfig, index int) error {
	svc, err := c.dir.Add(ctx, index, ifc.Name, ifc.Privacy)
	if err != nil {
		return err
	}
	c.ifaces[ifc.Name] = &ifaceState{cfg: ifc, svc: svc}
	return nil
}

func (c *controller) sorted() []*ifaceState {
	out := make([]*ifaceState, 0, len(c.ifaces))
	for _, ifs := range c.ifaces {
		out = append(out, ifs)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].cfg.Name < out[j].cfg.Name })
	return out
}

func (c *controller) lookup(iface string) (*ifaceState, error) {
	ifs := c.ifaces[iface]
	if ifs == nil {
		return nil, fmt.Errorf("interface %s: %w", iface, dhcp.ErrNotFound)
	}
	return ifs, nil
}

// startAll starts every configured session.
func (c *controller) startAll(ctx context.Context) error {
	return c.loop.Call(ctx, func() error {
		for _, ifs := range c.sorted() {
			c.start(ifs)
		}
		return nil
	})
}

func (c *controller) start(ifs *ifaceState) {
	ifs.cancelRetry()
	ifs.gen++
	cb := c.callback(ifs, ifs.gen)
	n := ifs.network()
	prefixes := dhcp.ParsePrefixes(ifs.cfg.Prefixes)

	var err error
	switch ifs.cfg.Mode {
	case config.ModePD:
		err = c.mgr.StartPD(n.Index(), prefixes, cb)
	case config.ModeStateless:
		err = c.mgr.StartStatelessInfo(n, cb)
	default:
		err = c.mgr.Start(n, prefixes, cb)
	}
	if err != nil {
		slog.Warn("DHCPv6: failed to start session",
			"interface", ifs.cfg.Name, "mode", ifs.cfg.Mode, "err", err)
		c.stop(ifs)
		c.scheduleRetry(ifs)
	}
}

// stop drops the session without sending anything.
func (c *controller) stop(ifs *ifaceState) {
	ifs.cancelRetry()
	n := ifs.network()
	if ifs.cfg.Mode == config.ModePD {
		c.mgr.AbandonPD(n.Index())
		c.down.apply(ifs.cfg.Downstream, nil)
	} else {
		c.mgr.Stop(n)
	}
	c.health.SetBound(ifs.cfg.Name, false)
}

func (c *controller) restart(ifs *ifaceState) {
	c.stop(ifs)
	c.start(ifs)
}

func (c *controller) scheduleRetry(ifs *ifaceState) {
	ifs.cancelRetry()
	slog.Info("DHCPv6: retrying session", "interface", ifs.cfg.Name, "after", c.retryPeriod)
	ifs.retry = c.loop.AfterFunc(c.retryPeriod, func() {
		ifs.retry = nil
		c.start(ifs)
	})
}

// callback reacts to the outcomes of session generation gen. Restarts are
// posted so the session finishes reporting before it is replaced.
func (c *controller) callback(ifs *ifaceState, gen int) dhcp.Callback {
	var cb dhcp.Callback
	cb = func(_ dhcp.Network, st dhcp.Status, prefixes []netip.Prefix) {
		c.record(ifs, st, prefixes)
		switch st {
		case dhcp.StatusSucceed:
			c.health.SetBound(ifs.cfg.Name, true)
			c.renew(ifs, prefixes, cb)
		case dhcp.StatusRestart:
			c.health.SetBound(ifs.cfg.Name, false)
			c.loop.Post(func() {
				if ifs.gen == gen {
					c.restart(ifs)
				}
			})
		case dhcp.StatusFail:
			c.health.SetBound(ifs.cfg.Name, false)
			c.loop.Post(func() {
				if ifs.gen == gen {
					c.stop(ifs)
					c.scheduleRetry(ifs)
				}
			})
		}
	}
	return cb
}

// renew arms the next renewal of a bound session. Delegated prefixes are
// split over the downstream interfaces first.
func (c *controller) renew(ifs *ifaceState, prefixes []netip.Prefix, cb dhcp.Callback) {
	var err error
	switch ifs.cfg.Mode {
	case config.ModePD:
		c.down.apply(ifs.cfg.Downstream, prefixes)
		err = c.mgr.StartPDRenew(ifs.network().Index(), cb)
	case config.ModeStateful:
		err = c.mgr.StartRenew(ifs.network(), cb)
	}
	if err != nil {
		slog.Warn("DHCPv6: failed to schedule renewal", "interface", ifs.cfg.Name, "err", err)
	}
}

func (c *controller) record(ifs *ifaceState, st dhcp.Status, prefixes []netip.Prefix) {
	if c.events == nil {
		return
	}
	rec := logging.EventRecord{
		Time:      c.loop.Now(),
		Interface: ifs.cfg.Name,
		Mode:      ifs.cfg.Mode,
		Status:    st.String(),
	}
	if len(prefixes) > 0 {
		rec.Prefixes = dhcp.FormatPrefixes(prefixes)
	}
	c.events.Add(rec)
}

// shutdown releases every lease and closes the manager.
func (c *controller) shutdown(ctx context.Context) error {
	return c.loop.Call(ctx, func() error {
		for _, ifs := range c.sorted() {
			ifs.cancelRetry()
			n := ifs.network()
			switch ifs.cfg.Mode {
			case config.ModePD:
				c.mgr.StopPD(n.Index())
				c.down.apply(ifs.cfg.Downstream, nil)
			case config.ModeStateful:
				if err := c.mgr.StartRelease(n); err != nil && !errors.Is(err, dhcp.ErrNotFound) {
					slog.Warn("DHCPv6: release failed", "interface", ifs.cfg.Name, "err", err)
				}
				c.mgr.Stop(n)
			default:
				c.mgr.Stop(n)
			}
			c.health.SetBound(ifs.cfg.Name, false)
		}
		c.mgr.Close()
		return nil
	})
}

// Sessions implements api.Backend.
func (c *controller) Sessions(ctx context.Context) ([]dhcp.SessionInfo, error) {
	var out []dhcp.SessionInfo
	err := c.loop.Call(ctx, func() error {
		out = c.mgr.Snapshot()
		return nil
	})
	return out, err
}

// Renew implements api.Backend. The session is restarted: delegated
// prefixes are confirmed, addresses solicited again.
func (c *controller) Renew(ctx context.Context, iface string) error {
	ifs, err := c.lookup(iface)
	if err != nil {
		return err
	}
	return c.loop.Call(ctx, func() error {
		slog.Info("DHCPv6: renewing on request", "interface", iface)
		c.restart(ifs)
		return nil
	})
}

// Release implements api.Backend.
func (c *controller) Release(ctx context.Context, iface string) error {
	ifs, err := c.lookup(iface)
	if err != nil {
		return err
	}
	return c.loop.Call(ctx, func() error {
		ifs.cancelRetry()
		n := ifs.network()
		if ifs.cfg.Mode == config.ModePD {
			if err := c.mgr.StartPDRelease(n.Index()); err != nil {
				return err
			}
			c.down.apply(ifs.cfg.Downstream, nil)
		} else if err := c.mgr.StartRelease(n); err != nil {
			return err
		}
		c.health.SetBound(iface, false)
		return nil
	})
}

// Identifiers implements api.Backend.
func (c *controller) Identifiers(ctx context.Context) ([]statestore.DUIDInfo, error) {
	if c.ids == nil {
		return nil, nil
	}
	return c.ids.DUIDs(ctx)
}

// ClearIdentifier implements api.Backend. The session restarts with a
// freshly generated identifier.
func (c *controller) ClearIdentifier(ctx context.Context, iface string) error {
	ifs, err := c.lookup(iface)
	if err != nil {
		return err
	}
	if c.ids == nil {
		return nil
	}
	if err := c.ids.ClearDUID(ifs.svc.Identifier()); err != nil {
		return fmt.Errorf("clear DUID of %s: %w", iface, err)
	}
	return c.loop.Call(ctx, func() error {
		c.restart(ifs)
		return nil
	})
}

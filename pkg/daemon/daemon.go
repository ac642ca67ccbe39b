// Package daemon implements the dhcp6cd daemon lifecycle.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/vishvananda/netlink"

	"github.com/psaab/dhcp6c/pkg/api"
	"github.com/psaab/dhcp6c/pkg/config"
	"github.com/psaab/dhcp6c/pkg/dhcp"
	"github.com/psaab/dhcp6c/pkg/dhcptransport"
	"github.com/psaab/dhcp6c/pkg/grpcapi"
	"github.com/psaab/dhcp6c/pkg/logging"
	"github.com/psaab/dhcp6c/pkg/ndp"
	"github.com/psaab/dhcp6c/pkg/networkd"
	"github.com/psaab/dhcp6c/pkg/service"
	"github.com/psaab/dhcp6c/pkg/statestore"
)

// DefaultConfigFile is read when Options.ConfigFile is empty.
const DefaultConfigFile = "/etc/dhcp6c/dhcp6c.yaml"

// shutdownTimeout bounds the release of every lease on shutdown.
const shutdownTimeout = 5 * time.Second

// Options configures the daemon.
type Options struct {
	ConfigFile string
	// Syslog is the installed slog handler; syslog destinations from the
	// configuration are attached to it. May be nil.
	Syslog *logging.SyslogSlogHandler
}

// Daemon is the main dhcp6c daemon.
type Daemon struct {
	opts Options
}

// New creates a new Daemon.
func New(opts Options) *Daemon {
	if opts.ConfigFile == "" {
		opts.ConfigFile = DefaultConfigFile
	}
	return &Daemon{opts: opts}
}

// Run starts the daemon and blocks until shutdown.
func (d *Daemon) Run(ctx context.Context) error {
	slog.Info("starting dhcp6c daemon",
		"config", d.opts.ConfigFile,
		"pid", os.Getpid())

	cfg, err := config.Load(d.opts.ConfigFile)
	if err != nil {
		return err
	}
	applySyslogConfig(d.opts.Syslog, cfg)

	store, err := statestore.Open(cfg.StatePath)
	if err != nil {
		return fmt.Errorf("open state store: %w", err)
	}
	defer store.Close()
	store.DUIDType = cfg.DUIDType

	h, err := netlink.NewHandle()
	if err != nil {
		return fmt.Errorf("netlink handle: %w", err)
	}
	defer h.Close()

	var pub service.Publisher
	if cfg.Networkd.Enabled {
		nd := networkd.New(cfg.Networkd.Dir)
		removeStaleNetworkd(nd, cfg)
		pub = nd
	}

	loop := dhcp.NewLoop()
	dir := service.NewDirectory(h, store, pub)
	mgr := dhcp.New(dhcp.Options{
		Reactor:    loop,
		Directory:  dir,
		DUIDs:      store,
		Transports: dhcptransport.NewFactory(loop),
		Prober:     ndp.New(loop),
	})

	names := make([]string, 0, len(cfg.Interfaces))
	for _, ifc := range cfg.Interfaces {
		names = append(names, ifc.Name)
	}
	var health healthReporter = nopHealth{}
	var grpcSrv *grpcapi.Server
	if cfg.GRPC.Listen != "" {
		grpcSrv = grpcapi.NewServer(cfg.GRPC.Listen, names)
		health = grpcSrv
	}

	events := logging.NewEventBuffer(1000)
	c := &controller{
		loop:        loop,
		mgr:         mgr,
		dir:         dir,
		ids:         store,
		events:      events,
		health:      health,
		down:        newDownstream(h),
		retryPeriod: time.Duration(cfg.RetryPeriod) * time.Second,
		ifaces:      make(map[string]*ifaceState),
	}
	for _, ifc := range cfg.Interfaces {
		link, err := h.LinkByName(ifc.Name)
		if err != nil {
			slog.Warn("interface not found, skipping", "interface", ifc.Name, "err", err)
			continue
		}
		if err := c.add(ctx, ifc, link.Attrs().Index); err != nil {
			slog.Warn("failed to add interface", "interface", ifc.Name, "err", err)
		}
	}

	// Handle signals for clean shutdown
	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	// The loop outlives ctx so shutdown can still release leases.
	loopCtx, stopLoop := context.WithCancel(context.Background())
	var loopWG sync.WaitGroup
	loopWG.Add(1)
	go func() {
		defer loopWG.Done()
		loop.Run(loopCtx)
	}()

	if err := c.startAll(ctx); err != nil {
		slog.Warn("failed to start sessions", "err", err)
	}

	var wg sync.WaitGroup
	errCh := make(chan error, 2)
	if cfg.API.Listen != "" {
		srv := api.NewServer(api.Config{
			Addr:    cfg.API.Listen,
			Auth:    apiAuth(cfg.API),
			Backend: c,
			Stats:   mgr.Stats(),
			Events:  events,
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := srv.Run(ctx); err != nil {
				errCh <- fmt.Errorf("HTTP API: %w", err)
			}
		}()
	}
	if grpcSrv != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := grpcSrv.Run(ctx); err != nil {
				errCh <- fmt.Errorf("gRPC: %w", err)
			}
		}()
	}

	var runErr error
	select {
	case runErr = <-errCh:
		slog.Error("server failed, shutting down", "err", runErr)
	case <-ctx.Done():
		slog.Info("signal received, shutting down")
	}

	stop()
	wg.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	if err := c.shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Warn("release on shutdown incomplete", "err", err)
	}
	cancel()
	stopLoop()
	loopWG.Wait()

	logFinalStats(mgr.Stats())
	slog.Info("shutdown complete")
	return runErr
}

// apiAuth returns nil when the API has no credentials configured.
func apiAuth(cfg config.APIConfig) *api.AuthConfig {
	if len(cfg.Users) == 0 && len(cfg.APIKeys) == 0 {
		return nil
	}
	auth := &api.AuthConfig{
		Users:   cfg.Users,
		APIKeys: make(map[string]bool, len(cfg.APIKeys)),
	}
	for _, k := range cfg.APIKeys {
		auth.APIKeys[k] = true
	}
	return auth
}

// removeStaleNetworkd deletes dhcp6c-owned networkd files of interfaces
// that are no longer configured.
func removeStaleNetworkd(nd *networkd.Manager, cfg *config.Config) {
	for _, name := range nd.ManagedInterfaces() {
		if cfg.Interface(name) != nil {
			continue
		}
		if err := nd.Remove(name); err != nil {
			slog.Warn("failed to remove stale networkd file", "interface", name, "err", err)
		} else {
			slog.Info("removed stale networkd file", "interface", name)
		}
	}
}

// logFinalStats logs the protocol counters before exit.
func logFinalStats(st *dhcp.Stats) {
	attrs := make([]any, 0, 16)
	add := func(prefix string, m map[string]uint64) {
		keys := make([]string, 0, len(m))
		for k := range m {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			attrs = append(attrs, prefix+k, m[k])
		}
	}
	add("callbacks_", st.Callbacks())
	add("retransmits_", st.Retransmits())
	passed, defended, declines := st.DAD()
	attrs = append(attrs, "dad_passed", passed, "dad_defended", defended, "declines", declines)
	slog.Info("final statistics", attrs...)
}

// applySyslogConfig constructs syslog clients from the config and attaches
// them to the slog handler.
func applySyslogConfig(h *logging.SyslogSlogHandler, cfg *config.Config) {
	if h == nil || len(cfg.Syslog) == 0 {
		return
	}
	var clients []*logging.SyslogClient
	for _, dest := range cfg.Syslog {
		client, err := logging.NewSyslogClient(dest.Host, dest.Port)
		if err != nil {
			slog.Warn("failed to create syslog client",
				"host", dest.Host, "err", err)
			continue
		}
		client.MinSeverity = logging.ParseSeverity(dest.Severity)
		client.Facility = logging.ParseFacility(dest.Facility)
		slog.Info("syslog destination configured",
			"host", dest.Host, "port", dest.Port)
		clients = append(clients, client)
	}
	if len(clients) > 0 {
		h.SetClients(clients)
	}
}

// dhcp6cd is the DHCPv6 client daemon.
//
// It runs stateful, stateless and prefix delegation sessions on the
// configured interfaces and serves their state over HTTP and gRPC.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"

	"github.com/psaab/dhcp6c/pkg/daemon"
	"github.com/psaab/dhcp6c/pkg/logging"
)

func main() {
	configFile := flag.String("config", daemon.DefaultConfigFile, "configuration file path")
	logLevel := flag.String("log-level", "info", "log level: debug, info, warn or error")
	flag.Parse()

	var level slog.Level
	if err := level.UnmarshalText([]byte(*logLevel)); err != nil {
		fmt.Fprintf(os.Stderr, "dhcp6cd: invalid -log-level %q\n", *logLevel)
		os.Exit(2)
	}

	// Set up structured logging; syslog destinations attach later.
	handler := logging.NewSyslogSlogHandler(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	}))
	defer handler.Close()
	slog.SetDefault(slog.New(handler))

	d := daemon.New(daemon.Options{
		ConfigFile: *configFile,
		Syslog:     handler,
	})

	if err := d.Run(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "dhcp6cd: %v\n", err)
		os.Exit(1)
	}
}

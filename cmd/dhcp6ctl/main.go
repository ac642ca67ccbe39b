// dhcp6ctl is the interactive client for dhcp6cd.
//
// It talks to the dhcp6cd HTTP API. With arguments it runs one command
// and exits, otherwise it starts a shell.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/chzyer/readline"

	"github.com/psaab/dhcp6c/pkg/api"
)

var errExit = errors.New("exit")

func main() {
	addr := flag.String("addr", "http://127.0.0.1:8546", "dhcp6cd HTTP API address")
	apiKey := flag.String("api-key", os.Getenv("DHCP6C_API_KEY"), "API key sent as X-API-Key")
	flag.Parse()

	c := &ctl{client: newClient(*addr, *apiKey), out: os.Stdout}

	if flag.NArg() > 0 {
		if err := c.dispatch(strings.Join(flag.Args(), " ")); err != nil && err != errExit {
			fmt.Fprintf(os.Stderr, "dhcp6ctl: %v\n", err)
			os.Exit(1)
		}
		return
	}

	// Verify connectivity
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	st, err := c.client.status(ctx)
	cancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "dhcp6ctl: cannot reach dhcp6cd at %s: %v\n", *addr, err)
		os.Exit(1)
	}

	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "dhcp6c> ",
		HistoryFile:     "/tmp/dhcp6ctl_history",
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
		AutoComplete:    completer,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "dhcp6ctl: readline: %v\n", err)
		os.Exit(1)
	}
	defer rl.Close()

	fmt.Printf("dhcp6ctl: connected to dhcp6cd (uptime: %s, %d sessions)\n", st.Uptime, st.Sessions)
	fmt.Println("Type 'help' for commands")
	fmt.Println()

	for {
		line, err := rl.Readline()
		if err != nil {
			if err == readline.ErrInterrupt {
				continue
			}
			if err == io.EOF {
				break
			}
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
			break
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if err := c.dispatch(line); err != nil {
			if err == errExit {
				break
			}
			fmt.Fprintf(os.Stderr, "error: %v\n", err)
		}
	}
}

var completer = readline.NewPrefixCompleter(
	readline.PcItem("show",
		readline.PcItem("sessions"),
		readline.PcItem("statistics"),
		readline.PcItem("identifiers"),
		readline.PcItem("events"),
	),
	readline.PcItem("renew"),
	readline.PcItem("release"),
	readline.PcItem("clear", readline.PcItem("identifier")),
	readline.PcItem("monitor", readline.PcItem("events")),
	readline.PcItem("help"),
	readline.PcItem("exit"),
)

type ctl struct {
	client *client
	out    io.Writer
}

func (c *ctl) dispatch(line string) error {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	switch parts[0] {
	case "show":
		return c.handleShow(ctx, parts[1:])

	case "renew", "release":
		if len(parts) != 2 {
			return fmt.Errorf("usage: %s <interface>", parts[0])
		}
		if err := c.client.action(ctx, "/api/v1/sessions/"+parts[1]+"/"+parts[0]); err != nil {
			return err
		}
		fmt.Fprintf(c.out, "%s: %s requested\n", parts[1], parts[0])
		return nil

	case "clear":
		if len(parts) != 3 || parts[1] != "identifier" {
			return fmt.Errorf("usage: clear identifier <interface>")
		}
		if err := c.client.action(ctx, "/api/v1/identifiers/"+parts[2]+"/clear"); err != nil {
			return err
		}
		fmt.Fprintf(c.out, "%s: identifier cleared, session restarted\n", parts[2])
		return nil

	case "monitor":
		if len(parts) < 2 || parts[1] != "events" {
			return fmt.Errorf("usage: monitor events [interface]")
		}
		return c.monitor(optional(parts, 2))

	case "quit", "exit":
		return errExit

	case "?", "help":
		c.showHelp()
		return nil

	default:
		return fmt.Errorf("unknown command: %s", parts[0])
	}
}

func optional(parts []string, i int) string {
	if len(parts) > i {
		return parts[i]
	}
	return ""
}

func (c *ctl) handleShow(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return fmt.Errorf("usage: show sessions|statistics|identifiers|events")
	}
	switch args[0] {
	case "sessions":
		sessions, err := c.client.sessions(ctx, optional(args, 1))
		if err != nil {
			return err
		}
		writeSessions(c.out, sessions)
	case "statistics":
		st, err := c.client.statistics(ctx)
		if err != nil {
			return err
		}
		writeStatistics(c.out, st)
	case "identifiers":
		ids, err := c.client.identifiers(ctx)
		if err != nil {
			return err
		}
		writeIdentifiers(c.out, ids)
	case "events":
		events, err := c.client.events(ctx, optional(args, 1), 20)
		if err != nil {
			return err
		}
		for _, e := range events {
			writeEvent(c.out, e)
		}
	default:
		return fmt.Errorf("unknown show command: %s", args[0])
	}
	return nil
}

// monitor prints events until interrupted.
func (c *ctl) monitor(iface string) error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	fmt.Fprintln(c.out, "monitoring events, ^C to stop")
	err := c.client.streamEvents(ctx, iface, func(e api.EventEntry) { writeEvent(c.out, e) })
	if ctx.Err() != nil {
		return nil
	}
	return err
}

func (c *ctl) showHelp() {
	fmt.Fprint(c.out, `Commands:
  show sessions [interface]     session state and leases
  show statistics               protocol counters
  show identifiers              client DUIDs
  show events [interface]       recent session outcomes
  monitor events [interface]    follow session outcomes
  renew <interface>             restart the exchange now
  release <interface>           release the lease
  clear identifier <interface>  forget the DUID and restart
  exit
`)
}

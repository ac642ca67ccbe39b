package main

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"text/tabwriter"

	"github.com/psaab/dhcp6c/pkg/api"
)

func writeSessions(w io.Writer, sessions []api.SessionEntry) {
	if len(sessions) == 0 {
		fmt.Fprintln(w, "No sessions")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "Interface\tMode\tState\tAssigned\tExpires")
	for _, s := range sessions {
		assigned := append(append([]string{}, s.Addresses...), s.Prefixes...)
		expires := s.Expiry
		if expires == "" {
			expires = "-"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", s.Interface, s.Mode, s.State, orDash(assigned), expires)
	}
	tw.Flush()

	for _, s := range sessions {
		if len(s.Nameservers) == 0 && len(s.Timeservers) == 0 {
			continue
		}
		fmt.Fprintf(w, "%s:", s.Interface)
		if len(s.Nameservers) > 0 {
			fmt.Fprintf(w, " dns %s", strings.Join(s.Nameservers, ","))
		}
		if len(s.Timeservers) > 0 {
			fmt.Fprintf(w, " ntp %s", strings.Join(s.Timeservers, ","))
		}
		fmt.Fprintln(w)
	}
}

func orDash(v []string) string {
	if len(v) == 0 {
		return "-"
	}
	return strings.Join(v, ",")
}

func writeStatistics(w io.Writer, st api.StatisticsInfo) {
	fmt.Fprintln(w, "Callbacks:")
	writeCounters(w, st.Callbacks)
	fmt.Fprintln(w, "Retransmissions:")
	writeCounters(w, st.Retransmits)
	fmt.Fprintf(w, "Duplicate address detection: %d passed, %d defended, %d declines\n",
		st.DADPassed, st.DADDefended, st.Declines)
}

func writeCounters(w io.Writer, m map[string]uint64) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "  %-22s %d\n", k, m[k])
	}
}

func writeIdentifiers(w io.Writer, ids []api.IdentifierEntry) {
	if len(ids) == 0 {
		fmt.Fprintln(w, "No identifiers")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "Service\tType\tDUID")
	for _, id := range ids {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", id.Service, id.Type, id.DUID)
	}
	tw.Flush()
}

func writeEvent(w io.Writer, e api.EventEntry) {
	fmt.Fprintf(w, "%s %s %s %s", e.Time, e.Interface, e.Mode, e.Status)
	if len(e.Prefixes) > 0 {
		fmt.Fprintf(w, " %s", strings.Join(e.Prefixes, ","))
	}
	fmt.Fprintln(w)
}

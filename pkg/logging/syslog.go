// Package logging forwards slog records to remote syslog collectors.
package logging

import (
	"fmt"
	"net"
	"os"
	"time"
)

// Syslog severity levels (RFC 3164).
const (
	SyslogError   = 3
	SyslogWarning = 4
	SyslogInfo    = 6
	SyslogDebug   = 7
)

// Syslog facilities (RFC 3164).
const (
	FacilityKern   = 0
	FacilityUser   = 1
	FacilityDaemon = 3
	FacilityAuth   = 4
	FacilitySyslog = 5
	FacilityLocal0 = 16
	FacilityLocal1 = 17
	FacilityLocal2 = 18
	FacilityLocal3 = 19
	FacilityLocal4 = 20
	FacilityLocal5 = 21
	FacilityLocal6 = 22
	FacilityLocal7 = 23
)

// tag is the program name carried in every message.
const tag = "dhcp6c"

// SyslogClient sends UDP syslog messages (RFC 3164).
type SyslogClient struct {
	conn        net.Conn
	hostname    string
	Facility    int // default FacilityDaemon
	MinSeverity int // 0 = no filter, else SyslogError(3)/SyslogWarning(4)/SyslogInfo(6)/SyslogDebug(7)
}

// NewSyslogClient creates a new UDP syslog client connected to host:port.
func NewSyslogClient(host string, port int) (*SyslogClient, error) {
	addr := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	conn, err := net.Dial("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial syslog %s: %w", addr, err)
	}
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = tag
	}
	return &SyslogClient{conn: conn, hostname: hostname, Facility: FacilityDaemon}, nil
}

// Send sends a syslog message with the given severity.
func (s *SyslogClient) Send(severity int, msg string) error {
	priority := s.Facility*8 + severity
	ts := time.Now().Format(time.Stamp) // "Jan _2 15:04:05"
	line := fmt.Sprintf("<%d>%s %s %s[%d]: %s", priority, ts, s.hostname, tag, os.Getpid(), msg)
	_, err := s.conn.Write([]byte(line))
	return err
}

// ShouldSend returns true if the event severity passes this client's filter.
// Lower severity number = higher priority (error=3 < warning=4 < info=6).
func (s *SyslogClient) ShouldSend(severity int) bool {
	return s.MinSeverity == 0 || severity <= s.MinSeverity
}

// ParseSeverity converts a severity name to its numeric value.
// Returns 0 (no filter) for unrecognized names.
func ParseSeverity(name string) int {
	switch name {
	case "error":
		return SyslogError
	case "warning":
		return SyslogWarning
	case "info":
		return SyslogInfo
	case "debug":
		return SyslogDebug
	default:
		return 0
	}
}

// ParseFacility converts a facility name to its numeric value. Unknown
// names map to FacilityDaemon.
func ParseFacility(name string) int {
	switch name {
	case "kern":
		return FacilityKern
	case "user":
		return FacilityUser
	case "auth":
		return FacilityAuth
	case "syslog":
		return FacilitySyslog
	case "local0":
		return FacilityLocal0
	case "local1":
		return FacilityLocal1
	case "local2":
		return FacilityLocal2
	case "local3":
		return FacilityLocal3
	case "local4":
		return FacilityLocal4
	case "local5":
		return FacilityLocal5
	case "local6":
		return FacilityLocal6
	case "local7":
		return FacilityLocal7
	default:
		return FacilityDaemon
	}
}

// Close closes the underlying connection.
func (s *SyslogClient) Close() error {
	return s.conn.Close()
}

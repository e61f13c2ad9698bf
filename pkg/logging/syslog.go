package logging

import (
	"fmt"
	"log/slog"
	"net"
	"os"
	"strconv"
	"strings"
	"time"
)

// Syslog severity levels (RFC 5424).
const (
	SyslogError   = 3
	SyslogWarning = 4
	SyslogInfo    = 6
	SyslogDebug   = 7
)

// Syslog facility: local0 (16).
const syslogFacility = 16

// sdID names the structured data element carrying session fields.
const sdID = "netboot@32473"

// sdKeys are the record attributes moved into structured data, in the
// order they are emitted.
var sdKeys = []string{"interface", "state", "xid"}

// field is one rendered record attribute.
type field struct {
	key, value string
}

// SyslogClient sends RFC 5424 messages over UDP.
type SyslogClient struct {
	conn     net.Conn
	hostname string
	app      string
	pid      int

	MinSeverity int // 0 = no filter
}

// NewSyslogClient creates a UDP syslog client connected to host:port. app
// is the APP-NAME; "netbootd" if empty.
func NewSyslogClient(host string, port int, app string) (*SyslogClient, error) {
	addr := net.JoinHostPort(host, strconv.Itoa(port))
	conn, err := net.Dial("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial syslog %s: %w", addr, err)
	}
	hostname, _ := os.Hostname()
	if hostname == "" {
		hostname = "-"
	}
	if app == "" {
		app = "netbootd"
	}
	return &SyslogClient{conn: conn, hostname: hostname, app: app, pid: os.Getpid()}, nil
}

// send writes one record.
func (s *SyslogClient) send(severity int, ts time.Time, msg string, fields []field) error {
	_, err := s.conn.Write([]byte(s.format(severity, ts, msg, fields)))
	return err
}

// format renders
//
//	<PRI>1 TIMESTAMP HOST APP PID MSGID [netboot@32473 interface=".." ...] MSG k=v ...
//
// MSGID is the subsystem prefix of msg ("DHCP", "IPv6"). Fields named in
// sdKeys go to structured data, the rest follow the message.
func (s *SyslogClient) format(severity int, ts time.Time, msg string, fields []field) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<%d>1 %s %s %s %d %s ",
		syslogFacility*8+severity, ts.Format("2006-01-02T15:04:05.000000Z07:00"),
		s.hostname, s.app, s.pid, msgID(msg))

	var sd, rest []field
	for _, k := range sdKeys {
		for _, f := range fields {
			if f.key == k {
				sd = append(sd, f)
			}
		}
	}
	for _, f := range fields {
		if !isSDKey(f.key) {
			rest = append(rest, f)
		}
	}

	if len(sd) == 0 {
		b.WriteByte('-')
	} else {
		b.WriteString("[" + sdID)
		for _, f := range sd {
			fmt.Fprintf(&b, " %s=\"%s\"", f.key, sdEscape(f.value))
		}
		b.WriteByte(']')
	}
	b.WriteByte(' ')
	b.WriteString(msg)
	if len(rest) > 0 {
		b.WriteByte(' ')
		b.WriteString(joinFields(rest))
	}
	return b.String()
}

// ShouldSend reports whether severity passes the client's filter. Lower
// numbers are more severe.
func (s *SyslogClient) ShouldSend(severity int) bool {
	return s.MinSeverity == 0 || severity <= s.MinSeverity
}

// Close closes the underlying connection.
func (s *SyslogClient) Close() error {
	return s.conn.Close()
}

// ParseSeverity converts a severity name to its numeric value, 0 (no
// filter) for unrecognized names.
func ParseSeverity(name string) int {
	switch name {
	case "error":
		return SyslogError
	case "warning", "warn":
		return SyslogWarning
	case "info":
		return SyslogInfo
	case "debug":
		return SyslogDebug
	default:
		return 0
	}
}

func levelToSyslog(level slog.Level) int {
	switch {
	case level >= slog.LevelError:
		return SyslogError
	case level >= slog.LevelWarn:
		return SyslogWarning
	case level >= slog.LevelInfo:
		return SyslogInfo
	default:
		return SyslogDebug
	}
}

// msgID returns the "SUBSYS" of a "SUBSYS: text" message, or "-".
func msgID(msg string) string {
	i := strings.Index(msg, ": ")
	if i <= 0 || i > 32 || strings.ContainsAny(msg[:i], " \t") {
		return "-"
	}
	return msg[:i]
}

func isSDKey(key string) bool {
	for _, k := range sdKeys {
		if k == key {
			return true
		}
	}
	return false
}

// sdEscape escapes a structured data parameter value.
func sdEscape(v string) string {
	return strings.NewReplacer(`\`, `\\`, `"`, `\"`, `]`, `\]`).Replace(v)
}

package logging

import (
	"bytes"
	"log/slog"
	"net"
	"strings"
	"testing"
	"time"
)

func TestParseLevel(t *testing.T) {
	tests := []struct {
		name    string
		want    slog.Level
		wantErr bool
	}{
		{"debug", slog.LevelDebug, false},
		{"INFO", slog.LevelInfo, false},
		{"", slog.LevelInfo, false},
		{"warn", slog.LevelWarn, false},
		{"warning", slog.LevelWarn, false},
		{"error", slog.LevelError, false},
		{"loud", slog.LevelInfo, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseLevel(tt.name)
			if (err != nil) != tt.wantErr {
				t.Fatalf("ParseLevel(%q) err = %v, wantErr %v", tt.name, err, tt.wantErr)
			}
			if got != tt.want {
				t.Errorf("ParseLevel(%q) = %v, want %v", tt.name, got, tt.want)
			}
		})
	}
}

func TestParseSeverity(t *testing.T) {
	tests := []struct {
		name string
		want int
	}{
		{"error", SyslogError},
		{"warning", SyslogWarning},
		{"info", SyslogInfo},
		{"debug", SyslogDebug},
		{"unknown", 0},
	}
	for _, tt := range tests {
		if got := ParseSeverity(tt.name); got != tt.want {
			t.Errorf("ParseSeverity(%q) = %d, want %d", tt.name, got, tt.want)
		}
	}
}

func TestHandlerBuffer(t *testing.T) {
	var out bytes.Buffer
	buf := NewBuffer(3)
	h := NewHandler(slog.NewTextHandler(&out, &slog.HandlerOptions{Level: slog.LevelInfo}), buf)
	log := slog.New(h).With("component", "dhcp")

	log.Debug("hidden")
	log.Info("DHCP: entering state", "interface", "net0", "state", "request")
	log.WithGroup("lease").Warn("DHCP: failed", "err", "timeout")

	if !strings.Contains(out.String(), "DHCP: entering state") {
		t.Errorf("base handler output missing record: %q", out.String())
	}
	got := buf.Latest(10, Filter{})
	if len(got) != 2 {
		t.Fatalf("got %d records, want 2", len(got))
	}
	if got[0].Message != "DHCP: failed" || got[0].Level != "WARN" {
		t.Errorf("newest record = %+v", got[0])
	}
	if want := "component=dhcp lease.err=timeout"; got[0].Attrs != want {
		t.Errorf("attrs = %q, want %q", got[0].Attrs, want)
	}
	if want := "component=dhcp interface=net0 state=request"; got[1].Attrs != want {
		t.Errorf("attrs = %q, want %q", got[1].Attrs, want)
	}
}

func TestBufferWrapAndFilter(t *testing.T) {
	buf := NewBuffer(3)
	sub := buf.Subscribe(8)
	defer sub.Close()

	for i, msg := range []string{"one", "two", "three", "four"} {
		level := "INFO"
		if i%2 == 1 {
			level = "WARN"
		}
		buf.Add(Record{Time: time.Unix(int64(i), 0), Level: level, Message: msg, Attrs: "n=" + msg})
	}

	all := buf.Latest(10, Filter{})
	if len(all) != 3 || all[0].Message != "four" || all[2].Message != "two" {
		t.Fatalf("Latest = %+v", all)
	}
	warn := buf.Latest(10, Filter{Level: "warn"})
	if len(warn) != 2 {
		t.Errorf("got %d WARN records, want 2", len(warn))
	}
	if m := buf.Latest(10, Filter{Match: "N=THR"}); len(m) != 1 || m[0].Message != "three" {
		t.Errorf("match filter = %+v", m)
	}
	if m := buf.Latest(1, Filter{}); len(m) != 1 {
		t.Errorf("limit ignored: %d records", len(m))
	}
	if len(sub.C) != 4 {
		t.Errorf("subscriber got %d records, want 4", len(sub.C))
	}
}

func TestSyslogForwarding(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Skipf("no UDP loopback: %v", err)
	}
	defer pc.Close()
	port := pc.LocalAddr().(*net.UDPAddr).Port

	client, err := NewSyslogClient("127.0.0.1", port, "")
	if err != nil {
		t.Fatalf("NewSyslogClient: %v", err)
	}
	client.MinSeverity = SyslogWarning

	var out bytes.Buffer
	h := NewHandler(slog.NewTextHandler(&out, nil), nil)
	h.SetClients([]*SyslogClient{client})
	defer h.Close()
	log := slog.New(h)

	log.Info("not forwarded")
	log.Error("IPv6: no route", "dst", "2001:db8::1")

	pc.SetReadDeadline(time.Now().Add(2 * time.Second))
	b := make([]byte, 1024)
	n, _, err := pc.ReadFrom(b)
	if err != nil {
		t.Fatalf("read syslog: %v", err)
	}
	msg := string(b[:n])
	if !strings.HasPrefix(msg, "<131>1 ") {
		t.Errorf("priority: got %q", msg)
	}
	if !strings.Contains(msg, " netbootd ") || !strings.Contains(msg, " IPv6 - IPv6: no route dst=2001:db8::1") {
		t.Errorf("message: got %q", msg)
	}
}

func TestSyslogFormat(t *testing.T) {
	c := &SyslogClient{hostname: "h", app: "netbootd", pid: 42}
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)

	tests := []struct {
		name   string
		msg    string
		fields []field
		want   string
	}{
		{
			name: "session fields",
			msg:  "DHCP: entering state",
			fields: []field{
				{"xid", "0x1234"}, {"err", "timeout"},
				{"interface", "net0"}, {"state", "request"},
			},
			want: `<134>1 2024-01-02T03:04:05.000000Z h netbootd 42 DHCP ` +
				`[netboot@32473 interface="net0" state="request" xid="0x1234"] DHCP: entering state err=timeout`,
		},
		{
			name: "no structured data",
			msg:  "started",
			want: "<134>1 2024-01-02T03:04:05.000000Z h netbootd 42 - - started",
		},
		{
			name:   "escaped value",
			msg:    "IPv6: bad header",
			fields: []field{{"interface", `a"b]c\`}},
			want: `<134>1 2024-01-02T03:04:05.000000Z h netbootd 42 IPv6 ` +
				`[netboot@32473 interface="a\"b\]c\\"] IPv6: bad header`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := c.format(SyslogInfo, ts, tt.msg, tt.fields); got != tt.want {
				t.Errorf("format:\n got %s\nwant %s", got, tt.want)
			}
		})
	}
}

func TestMsgID(t *testing.T) {
	for msg, want := range map[string]string{
		"DHCP: entering state": "DHCP",
		"no subsystem here":    "-",
		"two words: text":      "-",
		": leading":            "-",
	} {
		if got := msgID(msg); got != want {
			t.Errorf("msgID(%q) = %q, want %q", msg, got, want)
		}
	}
}

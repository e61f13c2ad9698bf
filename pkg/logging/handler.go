// Package logging sets up the process slog handler. Records go to a base
// text handler and are additionally kept in a ring buffer for the status
// API and forwarded to remote syslog servers.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
)

// ParseLevel converts a level name to an slog level.
func ParseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	}
	return slog.LevelInfo, fmt.Errorf("unknown log level %q", name)
}

// sinks is shared by a handler and every handler derived from it.
type sinks struct {
	mu      sync.RWMutex
	buffer  *Buffer
	clients []*SyslogClient
}

// Handler is an slog.Handler writing to a base handler, a Buffer and
// syslog clients.
type Handler struct {
	base   slog.Handler
	sinks  *sinks
	attrs  []slog.Attr
	groups []string
}

// NewHandler wraps base. buf may be nil.
func NewHandler(base slog.Handler, buf *Buffer) *Handler {
	return &Handler{base: base, sinks: &sinks{buffer: buf}}
}

// Setup installs a text handler writing to w at level as the default
// logger and returns it.
func Setup(w io.Writer, level slog.Level, buf *Buffer) *Handler {
	h := NewHandler(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}), buf)
	slog.SetDefault(slog.New(h))
	return h
}

// SetClients replaces the syslog clients. Old clients are closed.
func (h *Handler) SetClients(clients []*SyslogClient) {
	h.sinks.mu.Lock()
	old := h.sinks.clients
	h.sinks.clients = clients
	h.sinks.mu.Unlock()

	for _, c := range old {
		c.Close()
	}
}

// Close closes all syslog clients.
func (h *Handler) Close() {
	h.SetClients(nil)
}

// Enabled implements slog.Handler.
func (h *Handler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.base.Enabled(ctx, level)
}

// Handle implements slog.Handler.
func (h *Handler) Handle(ctx context.Context, r slog.Record) error {
	err := h.base.Handle(ctx, r)

	h.sinks.mu.RLock()
	buf := h.sinks.buffer
	clients := h.sinks.clients
	h.sinks.mu.RUnlock()

	if buf == nil && len(clients) == 0 {
		return err
	}
	fields := collectAttrs(r, h.attrs, h.groups)
	if buf != nil {
		buf.Add(Record{Time: r.Time, Level: r.Level.String(), Message: r.Message, Attrs: joinFields(fields)})
	}
	if len(clients) > 0 {
		severity := levelToSyslog(r.Level)
		for _, c := range clients {
			if c.ShouldSend(severity) {
				c.send(severity, r.Time, r.Message, fields)
			}
		}
	}
	return err
}

// WithAttrs implements slog.Handler.
func (h *Handler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &Handler{
		base:   h.base.WithAttrs(attrs),
		sinks:  h.sinks,
		attrs:  append(append([]slog.Attr{}, h.attrs...), attrs...),
		groups: h.groups,
	}
}

// WithGroup implements slog.Handler.
func (h *Handler) WithGroup(name string) slog.Handler {
	return &Handler{
		base:   h.base.WithGroup(name),
		sinks:  h.sinks,
		attrs:  h.attrs,
		groups: append(append([]string{}, h.groups...), name),
	}
}

// collectAttrs renders the handler and record attributes in order.
// Record attributes are qualified by the open groups.
func collectAttrs(r slog.Record, preAttrs []slog.Attr, groups []string) []field {
	fields := make([]field, 0, len(preAttrs)+r.NumAttrs())
	for _, a := range preAttrs {
		fields = append(fields, field{a.Key, a.Value.String()})
	}
	prefix := ""
	if len(groups) > 0 {
		prefix = strings.Join(groups, ".") + "."
	}
	r.Attrs(func(a slog.Attr) bool {
		fields = append(fields, field{prefix + a.Key, a.Value.String()})
		return true
	})
	return fields
}

// joinFields formats fields as "key=value key=value".
func joinFields(fields []field) string {
	var b strings.Builder
	for i, f := range fields {
		if i > 0 {
			b.WriteByte(' ')
		}
		b.WriteString(f.key)
		b.WriteByte('=')
		b.WriteString(f.value)
	}
	return b.String()
}

package logging

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"
)

// forwarder holds the syslog destinations. Every handler derived from a
// SyslogSlogHandler shares it, so SetClients reaches loggers created
// earlier with With or WithGroup.
type forwarder struct {
	clients atomic.Pointer[[]*SyslogClient]
}

func (f *forwarder) send(severity int, msg string) {
	p := f.clients.Load()
	if p == nil {
		return
	}
	for _, c := range *p {
		if c.ShouldSend(severity) {
			c.Send(severity, msg)
		}
	}
}

// SyslogSlogHandler writes every record to a base handler and forwards it
// as a single "message key=value ..." line to the configured syslog
// collectors.
type SyslogSlogHandler struct {
	base slog.Handler
	fwd  *forwarder
	// attrs holds the attributes added with WithAttrs, already rendered.
	attrs string
	// group is the dotted key prefix of the open groups.
	group string
}

func NewSyslogSlogHandler(base slog.Handler) *SyslogSlogHandler {
	return &SyslogSlogHandler{base: base, fwd: &forwarder{}}
}

// SetClients replaces the syslog clients and closes the previous ones.
func (h *SyslogSlogHandler) SetClients(clients []*SyslogClient) {
	old := h.fwd.clients.Swap(&clients)
	if old == nil {
		return
	}
	for _, c := range *old {
		c.Close()
	}
}

func (h *SyslogSlogHandler) Close() {
	h.SetClients(nil)
}

func (h *SyslogSlogHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.base.Enabled(ctx, level)
}

func (h *SyslogSlogHandler) Handle(ctx context.Context, r slog.Record) error {
	err := h.base.Handle(ctx, r)
	if p := h.fwd.clients.Load(); p == nil || len(*p) == 0 {
		return err
	}

	var b strings.Builder
	b.WriteString(r.Message)
	b.WriteString(h.attrs)
	r.Attrs(func(a slog.Attr) bool {
		appendAttr(&b, h.group, a)
		return true
	})
	h.fwd.send(slogLevelToSyslog(r.Level), b.String())
	return err
}

func (h *SyslogSlogHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	var b strings.Builder
	b.WriteString(h.attrs)
	for _, a := range attrs {
		appendAttr(&b, h.group, a)
	}
	return &SyslogSlogHandler{
		base:  h.base.WithAttrs(attrs),
		fwd:   h.fwd,
		attrs: b.String(),
		group: h.group,
	}
}

func (h *SyslogSlogHandler) WithGroup(name string) slog.Handler {
	if name == "" {
		return h
	}
	return &SyslogSlogHandler{
		base:  h.base.WithGroup(name),
		fwd:   h.fwd,
		attrs: h.attrs,
		group: h.group + name + ".",
	}
}

// appendAttr writes " key=value", flattening group values into dotted
// keys. Empty attributes are dropped.
func appendAttr(b *strings.Builder, group string, a slog.Attr) {
	a.Value = a.Value.Resolve()
	if a.Equal(slog.Attr{}) {
		return
	}
	if a.Value.Kind() == slog.KindGroup {
		if a.Key != "" {
			group += a.Key + "."
		}
		for _, ga := range a.Value.Group() {
			appendAttr(b, group, ga)
		}
		return
	}
	b.WriteByte(' ')
	b.WriteString(group)
	b.WriteString(a.Key)
	b.WriteByte('=')
	b.WriteString(a.Value.String())
}

func slogLevelToSyslog(level slog.Level) int {
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

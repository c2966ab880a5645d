package sip

import (
	"bytes"
	"log/slog"
	"strings"
	"sync/atomic"
)

// TraceVerbosity controls how much of each SIP message is logged.
type TraceVerbosity int32

const (
	// TraceOff disables message tracing.
	TraceOff TraceVerbosity = iota
	// TraceHeaders logs only the start line and headers (no body).
	TraceHeaders
	// TraceFull logs the complete raw message including the SDP body.
	TraceFull
)

// ParseTraceVerbosity converts a config setting to a TraceVerbosity.
// Unknown values turn tracing off.
func ParseTraceVerbosity(s string) TraceVerbosity {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "headers":
		return TraceHeaders
	case "full":
		return TraceFull
	default:
		return TraceOff
	}
}

// String returns the config spelling of the verbosity level.
func (v TraceVerbosity) String() string {
	switch v {
	case TraceHeaders:
		return "headers"
	case TraceFull:
		return "full"
	default:
		return "off"
	}
}

// MessageTracer logs raw SIP messages crossing any transport at debug level.
// A nil *MessageTracer is valid and traces nothing.
type MessageTracer struct {
	logger    *slog.Logger
	verbosity atomic.Int32
}

// NewMessageTracer creates a tracer at the given verbosity.
func NewMessageTracer(logger *slog.Logger, verbosity TraceVerbosity) *MessageTracer {
	t := &MessageTracer{
		logger: logger.With("subsystem", "tracer"),
	}
	t.verbosity.Store(int32(verbosity))
	return t
}

// SetVerbosity updates the tracing verbosity at runtime.
func (t *MessageTracer) SetVerbosity(v TraceVerbosity) {
	t.verbosity.Store(int32(v))
	t.logger.Info("sip message tracing verbosity changed", "verbosity", v.String())
}

// Verbosity returns the current tracing verbosity.
func (t *MessageTracer) Verbosity() TraceVerbosity {
	if t == nil {
		return TraceOff
	}
	return TraceVerbosity(t.verbosity.Load())
}

// Recv traces a message read from remote.
func (t *MessageTracer) Recv(kind TransportKind, remote string, raw []byte) {
	t.trace("sip recv", "recv", kind, remote, raw)
}

// Send traces a message written to remote.
func (t *MessageTracer) Send(kind TransportKind, remote string, raw []byte) {
	t.trace("sip send", "send", kind, remote, raw)
}

func (t *MessageTracer) trace(msg, direction string, kind TransportKind, remote string, raw []byte) {
	v := t.Verbosity()
	if v == TraceOff {
		return
	}
	t.logger.Debug(msg,
		"direction", direction,
		"transport", kind,
		"remote_addr", remote,
		"message", formatTrace(raw, v),
	)
}

// formatTrace applies the verbosity filter to raw message bytes.
func formatTrace(raw []byte, v TraceVerbosity) string {
	if v == TraceFull {
		return string(raw)
	}
	// Headers only: cut at the blank line. Header-only or malformed
	// messages are logged whole.
	if idx := bytes.Index(raw, []byte("\r\n\r\n")); idx >= 0 {
		return string(raw[:idx])
	}
	return string(raw)
}

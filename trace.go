package wirejson

import (
	"context"
	"encoding/json"
	"log/slog"
)

// TraceLevel controls how much traffic reaches the tracer. It has no effect
// on message processing.
type TraceLevel int32

const (
	TraceOff TraceLevel = iota
	TraceMessages
	TraceVerbose
)

func (l TraceLevel) String() string {
	switch l {
	case TraceMessages:
		return "messages"
	case TraceVerbose:
		return "verbose"
	default:
		return "off"
	}
}

// ParseTraceLevel maps the wire names to levels. Unknown names disable
// tracing.
func ParseTraceLevel(s string) TraceLevel {
	switch s {
	case "messages":
		return TraceMessages
	case "verbose":
		return TraceVerbose
	default:
		return TraceOff
	}
}

// Tracer is the optional diagnostic sink for a connection. Sent and Received
// observe every message once the level is above TraceOff; payload bytes are
// only supplied at TraceVerbose. Log receives the peer's $/logTrace output.
type Tracer interface {
	Sent(msg Message, payload []byte)
	Received(msg Message, payload []byte)
	Log(message, verbose string)
}

type slogTracer struct {
	logger *slog.Logger
}

func (t slogTracer) Sent(msg Message, payload []byte)     { t.log("sent message", msg, payload) }
func (t slogTracer) Received(msg Message, payload []byte) { t.log("received message", msg, payload) }

func (t slogTracer) Log(message, verbose string) {
	if verbose != "" {
		t.logger.Debug("trace log", slog.String("message", message), slog.String("verbose", verbose))
		return
	}
	t.logger.Debug("trace log", slog.String("message", message))
}

func (t slogTracer) log(what string, msg Message, payload []byte) {
	attrs := make([]any, 0, 6)
	switch m := msg.(type) {
	case *Request:
		attrs = append(attrs, slog.String("kind", "request"), slog.String("method", m.Method), slog.String("id", m.ID.String()))
	case *Notification:
		attrs = append(attrs, slog.String("kind", "notification"), slog.String("method", m.Method))
	case *Response:
		attrs = append(attrs, slog.String("kind", "response"), slog.String("id", m.ID.String()))
		if m.Error != nil {
			attrs = append(attrs, slog.Int("code", m.Error.Code))
		}
	}
	if payload != nil {
		attrs = append(attrs, slog.String("payload", string(payload)))
	}
	t.logger.Debug(what, attrs...)
}

type setTraceParams struct {
	Value string `json:"value"`
}

type logTraceParams struct {
	Message string `json:"message"`
	Verbose string `json:"verbose,omitempty"`
}

// SetTrace adjusts the trace level. The peer can do the same remotely with a
// $/setTrace notification.
func (c *Conn) SetTrace(level TraceLevel) {
	c.traceLevel.Store(int32(level))
}

// LogTrace sends trace output to the peer as a $/logTrace notification. It
// is suppressed entirely at TraceOff, and the verbose text only travels at
// TraceVerbose.
func (c *Conn) LogTrace(ctx context.Context, message, verbose string) error {
	switch TraceLevel(c.traceLevel.Load()) {
	case TraceOff:
		return nil
	case TraceVerbose:
		return c.Notify(ctx, MethodLogTrace, logTraceParams{Message: message, Verbose: verbose})
	default:
		return c.Notify(ctx, MethodLogTrace, logTraceParams{Message: message})
	}
}

func (c *Conn) handleSetTrace(n *Notification) {
	var p setTraceParams
	if err := json.Unmarshal(n.Params, &p); err != nil {
		c.logger.Debug("malformed $/setTrace params", slog.String("err", err.Error()))
		return
	}
	c.SetTrace(ParseTraceLevel(p.Value))
}

func (c *Conn) handleLogTrace(n *Notification) {
	if TraceLevel(c.traceLevel.Load()) == TraceOff {
		return
	}
	var p logTraceParams
	if err := json.Unmarshal(n.Params, &p); err != nil {
		c.logger.Debug("malformed $/logTrace params", slog.String("err", err.Error()))
		return
	}
	c.tracer.Log(p.Message, p.Verbose)
}

func (c *Conn) traceSent(msg Message, payload []byte) {
	switch TraceLevel(c.traceLevel.Load()) {
	case TraceOff:
		return
	case TraceVerbose:
		c.tracer.Sent(msg, payload)
	default:
		c.tracer.Sent(msg, nil)
	}
}

func (c *Conn) traceReceived(msg Message, payload []byte) {
	switch TraceLevel(c.traceLevel.Load()) {
	case TraceOff:
		return
	case TraceVerbose:
		c.tracer.Received(msg, payload)
	default:
		c.tracer.Received(msg, nil)
	}
}

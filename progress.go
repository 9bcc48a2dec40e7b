package wirejson

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

// ProgressToken correlates a stream of $/progress notifications with one
// logical operation. Tokens share the id value space: numbers or strings.
type ProgressToken = ID

// ProgressHandler receives one progress value. Handlers run on the
// connection's dispatch loop so that delivery order matches wire order; they
// must return quickly and never call back into the connection synchronously.
type ProgressHandler func(value json.RawMessage)

// ProgressParams is the payload of a $/progress notification.
type ProgressParams struct {
	Token ProgressToken   `json:"token"`
	Value json.RawMessage `json:"value"`
}

const (
	fieldPartialResultToken = "partialResultToken"
	fieldWorkDoneToken      = "workDoneToken"
)

func newProgressToken() ProgressToken { return StringID(uuid.NewString()) }

// PartialResultToken lifts the partial-result token out of request params,
// if the requester embedded one.
func PartialResultToken(params json.RawMessage) (ProgressToken, bool) {
	return tokenField(params, fieldPartialResultToken)
}

// WorkDoneTokenFromParams lifts the work-done token out of request params,
// if the requester embedded one.
func WorkDoneTokenFromParams(params json.RawMessage) (ProgressToken, bool) {
	return tokenField(params, fieldWorkDoneToken)
}

func tokenField(params json.RawMessage, field string) (ProgressToken, bool) {
	r := gjson.GetBytes(params, field)
	switch r.Type {
	case gjson.String, gjson.Number:
		return idFromJSON(r), true
	default:
		return ProgressToken{}, false
	}
}

func injectToken(params json.RawMessage, field string, tok ProgressToken) (json.RawMessage, error) {
	if len(params) == 0 {
		params = json.RawMessage("{}")
	}
	var value any
	if tok.kind == idNumber {
		value = tok.num
	} else {
		value = tok.str
	}
	out, err := sjson.SetBytes(params, field, value)
	if err != nil {
		return nil, fmt.Errorf("embed %s: %w", field, err)
	}
	return json.RawMessage(out), nil
}

// Progress sends one $/progress value against a token the peer is watching.
// Responders call it any number of times before settling the originating
// request.
func (c *Conn) Progress(ctx context.Context, token ProgressToken, value any) error {
	raw, err := marshalJSON(value)
	if err != nil {
		return fmt.Errorf("marshal progress value: %w", err)
	}
	return c.Notify(ctx, MethodProgress, ProgressParams{Token: token, Value: raw})
}

// WorkDoneKind tags the three phases of a work-done stream.
type WorkDoneKind string

const (
	WorkDoneBegin  WorkDoneKind = "begin"
	WorkDoneReport WorkDoneKind = "report"
	WorkDoneEnd    WorkDoneKind = "end"
)

// WorkDoneValue is one phase of a work-done progress stream: exactly one
// begin, any number of reports, then one end.
type WorkDoneValue struct {
	Kind        WorkDoneKind `json:"kind"`
	Title       string       `json:"title,omitempty"`
	Message     string       `json:"message,omitempty"`
	Percentage  uint32       `json:"percentage,omitempty"`
	Cancellable bool         `json:"cancellable,omitempty"`
}

// WorkDoneHandler observes work-done streams whose tokens this side
// allocated on the peer's behalf. It runs on the dispatch loop.
type WorkDoneHandler func(token ProgressToken, value WorkDoneValue)

type workDoneCreateResult struct {
	Token ProgressToken `json:"token"`
}

// WorkDone streams begin/report/end values against a token the peer
// allocated. Obtain one through CreateWorkDone; always finish with End so
// the peer can retire the token.
type WorkDone struct {
	c     *Conn
	token ProgressToken
}

// CreateWorkDone asks the peer to allocate a work-done progress token. The
// roles reverse here: the responder of some long-running operation becomes
// the requester of the token, and the peer both mints the token and watches
// the stream. Fails if the peer was built without a work-done handler.
func (c *Conn) CreateWorkDone(ctx context.Context) (*WorkDone, error) {
	var res workDoneCreateResult
	if err := c.Call(ctx, MethodWorkDoneProgressCreate, struct{}{}, &res); err != nil {
		return nil, err
	}
	return &WorkDone{c: c, token: res.Token}, nil
}

// Token returns the peer-allocated token.
func (w *WorkDone) Token() ProgressToken { return w.token }

// Begin opens the stream.
func (w *WorkDone) Begin(ctx context.Context, title, message string) error {
	return w.c.Progress(ctx, w.token, WorkDoneValue{Kind: WorkDoneBegin, Title: title, Message: message})
}

// Report sends an intermediate update; percentage zero is omitted from the
// wire.
func (w *WorkDone) Report(ctx context.Context, message string, percentage uint32) error {
	return w.c.Progress(ctx, w.token, WorkDoneValue{Kind: WorkDoneReport, Message: message, Percentage: percentage})
}

// End closes the stream and retires the token on the peer.
func (w *WorkDone) End(ctx context.Context, message string) error {
	return w.c.Progress(ctx, w.token, WorkDoneValue{Kind: WorkDoneEnd, Message: message})
}

// handleWorkDoneCreate serves window/workDoneProgress/create: mint a token,
// route its values to the configured sink, and hand the token back in the
// result. The routing entry retires itself when the end value arrives.
func (c *Conn) handleWorkDoneCreate(req *Request) {
	sink := c.workDone
	if sink == nil {
		c.respond(req.ID, nil, newResponseError(CodeMethodNotFound, "work done progress is not supported by this peer"))
		return
	}
	tok := newProgressToken()
	c.mu.Lock()
	c.progress[tok] = func(value json.RawMessage) {
		var v WorkDoneValue
		if err := json.Unmarshal(value, &v); err != nil {
			c.logger.Debug("malformed work done value", slog.String("err", err.Error()))
			return
		}
		sink(tok, v)
		if v.Kind == WorkDoneEnd {
			c.mu.Lock()
			delete(c.progress, tok)
			c.mu.Unlock()
		}
	}
	c.mu.Unlock()
	c.respond(req.ID, workDoneCreateResult{Token: tok}, nil)
}

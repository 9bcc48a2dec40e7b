package wirejson

import (
	"encoding/json"
	"strconv"

	"github.com/tidwall/gjson"
)

const (
	// Version is the JSON-RPC protocol version stamped on every message.
	Version = "2.0"

	// MethodCancelRequest is the reserved notification asking the peer to
	// cancel an in-flight request by id.
	MethodCancelRequest = "$/cancelRequest"
	// MethodProgress is the reserved notification carrying one progress value
	// for a token.
	MethodProgress = "$/progress"
	// MethodWorkDoneProgressCreate is the reserved request through which a
	// responder asks its peer to allocate a work-done progress token.
	MethodWorkDoneProgressCreate = "window/workDoneProgress/create"
	// MethodSetTrace is the reserved notification adjusting the peer's trace
	// level.
	MethodSetTrace = "$/setTrace"
	// MethodLogTrace is the reserved notification carrying trace output.
	MethodLogTrace = "$/logTrace"
	// MethodPing is the reserved keepalive request answered with an empty
	// result.
	MethodPing = "$/ping"
)

const nullLiteral = "null"

type idKind int8

const (
	idAbsent idKind = iota
	idNumber
	idString
)

// ID identifies a request on one direction of a connection. The wire accepts
// both numbers and strings; the zero value means "no id".
type ID struct {
	kind idKind
	num  int64
	str  string
}

// Int64ID returns a numeric id.
func Int64ID(n int64) ID { return ID{kind: idNumber, num: n} }

// StringID returns a string id.
func StringID(s string) ID { return ID{kind: idString, str: s} }

// IsValid reports whether the id is present.
func (id ID) IsValid() bool { return id.kind != idAbsent }

func (id ID) String() string {
	switch id.kind {
	case idNumber:
		return strconv.FormatInt(id.num, 10)
	case idString:
		return id.str
	default:
		return ""
	}
}

// MarshalJSON encodes the id as a number, a string, or null when absent.
func (id ID) MarshalJSON() ([]byte, error) {
	switch id.kind {
	case idNumber:
		return strconv.AppendInt(nil, id.num, 10), nil
	case idString:
		return json.Marshal(id.str)
	default:
		return []byte(nullLiteral), nil
	}
}

// UnmarshalJSON accepts a number, a string, or null.
func (id *ID) UnmarshalJSON(data []byte) error {
	if string(data) == nullLiteral {
		*id = ID{}
		return nil
	}
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*id = StringID(s)
		return nil
	}
	n, err := strconv.ParseInt(string(data), 10, 64)
	if err != nil {
		return newResponseError(CodeInvalidRequest, "invalid request id %s", data)
	}
	*id = Int64ID(n)
	return nil
}

func idFromJSON(r gjson.Result) ID {
	switch r.Type {
	case gjson.String:
		return StringID(r.Str)
	case gjson.Number:
		return Int64ID(r.Int())
	default:
		return ID{}
	}
}

// Message is one of *Request, *Notification, or *Response.
type Message interface {
	isMessage()
}

// Request expects exactly one Response carrying the same id.
type Request struct {
	ID     ID              `json:"id"`
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Notification is a request without an id; it never produces a response.
type Notification struct {
	Method string          `json:"method"`
	Params json.RawMessage `json:"params,omitempty"`
}

// Response settles the request with the matching id. Exactly one of Result
// and Error is set.
type Response struct {
	ID     ID              `json:"id"`
	Result json.RawMessage `json:"result,omitempty"`
	Error  *ResponseError  `json:"error,omitempty"`
}

func (*Request) isMessage()      {}
func (*Notification) isMessage() {}
func (*Response) isMessage()     {}

// MarshalJSON stamps the protocol version onto the request.
func (r *Request) MarshalJSON() ([]byte, error) {
	type wire struct {
		Version string          `json:"jsonrpc"`
		ID      ID              `json:"id"`
		Method  string          `json:"method"`
		Params  json.RawMessage `json:"params,omitempty"`
	}
	return json.Marshal(wire{Version, r.ID, r.Method, r.Params})
}

// MarshalJSON stamps the protocol version onto the notification.
func (n *Notification) MarshalJSON() ([]byte, error) {
	type wire struct {
		Version string          `json:"jsonrpc"`
		Method  string          `json:"method"`
		Params  json.RawMessage `json:"params,omitempty"`
	}
	return json.Marshal(wire{Version, n.Method, n.Params})
}

// MarshalJSON stamps the protocol version onto the response. A response
// without an error always carries a result member, null when the handler
// produced none.
func (r *Response) MarshalJSON() ([]byte, error) {
	type wire struct {
		Version string          `json:"jsonrpc"`
		ID      ID              `json:"id"`
		Result  json.RawMessage `json:"result,omitempty"`
		Error   *ResponseError  `json:"error,omitempty"`
	}
	w := wire{Version: Version, ID: r.ID, Error: r.Error}
	if r.Error == nil {
		w.Result = r.Result
		if len(w.Result) == 0 {
			w.Result = json.RawMessage(nullLiteral)
		}
	}
	return json.Marshal(w)
}

// EncodeMessage serializes a message into one JSON body.
func EncodeMessage(msg Message) ([]byte, error) {
	return json.Marshal(msg)
}

// DecodeMessage classifies and parses one JSON body. A body with both a
// method and an id is a request, with only a method a notification, and with
// a result or error member a response. Failures carry CodeParseError for
// unparseable JSON and CodeInvalidRequest for well-formed JSON that is not a
// message.
func DecodeMessage(data []byte) (Message, error) {
	if !gjson.ValidBytes(data) {
		return nil, newResponseError(CodeParseError, "invalid json body")
	}
	probe := gjson.GetManyBytes(data, "jsonrpc", "method", "id", "result", "error")
	version, method, id, result, errMember := probe[0], probe[1], probe[2], probe[3], probe[4]

	if version.Str != Version {
		return nil, newResponseError(CodeInvalidRequest, "unsupported jsonrpc version %q", version.Str)
	}
	if method.Exists() && method.Type != gjson.String {
		return nil, newResponseError(CodeInvalidRequest, "method is not a string")
	}
	hasID := id.Exists() && id.Type != gjson.Null
	if hasID && id.Type != gjson.String && id.Type != gjson.Number {
		return nil, newResponseError(CodeInvalidRequest, "id is neither a string nor a number")
	}

	switch {
	case method.Exists() && hasID:
		req := &Request{ID: idFromJSON(id), Method: method.Str}
		if p := gjson.GetBytes(data, "params"); p.Exists() {
			req.Params = json.RawMessage(p.Raw)
		}
		return req, nil
	case method.Exists():
		n := &Notification{Method: method.Str}
		if p := gjson.GetBytes(data, "params"); p.Exists() {
			n.Params = json.RawMessage(p.Raw)
		}
		return n, nil
	case result.Exists() || errMember.Exists():
		if result.Exists() && errMember.Exists() {
			return nil, newResponseError(CodeInvalidRequest, "response carries both result and error")
		}
		resp := &Response{ID: idFromJSON(id)}
		if errMember.Exists() {
			var re ResponseError
			if err := json.Unmarshal([]byte(errMember.Raw), &re); err != nil {
				return nil, newResponseError(CodeInvalidRequest, "malformed error member: %v", err)
			}
			resp.Error = &re
		} else {
			resp.Result = json.RawMessage(result.Raw)
		}
		return resp, nil
	default:
		return nil, newResponseError(CodeInvalidRequest, "message has neither method nor result")
	}
}

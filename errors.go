package wirejson

import (
	"encoding/json"
	"errors"
	"fmt"
)

// JSON-RPC error codes carried on the wire. The first five are defined by the
// JSON-RPC 2.0 specification.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	// CodeRequestCancelled is the reserved code for a request that was
	// cooperatively cancelled before its handler produced a result. Callers
	// should treat it as a distinct outcome rather than a generic failure.
	CodeRequestCancelled = -32800
)

var (
	// ErrConnClosed rejects pending calls when the transport closes
	// underneath the connection.
	ErrConnClosed = errors.New("wirejson: connection closed")

	// ErrConnDisposed rejects pending calls when the connection is disposed
	// locally via Close.
	ErrConnDisposed = errors.New("wirejson: connection disposed")

	// ErrAlreadyListening is returned by Listen when the dispatch loop has
	// already been started once.
	ErrAlreadyListening = errors.New("wirejson: connection already listening")

	// ErrRequestCancelled is the sentinel a request handler returns after
	// observing cancellation on its token. The connection encodes it as a
	// CodeRequestCancelled response.
	ErrRequestCancelled = errors.New("wirejson: request cancelled")
)

// ResponseError is the error member of a response message. It implements
// error so decoded failures flow back through Call unchanged.
type ResponseError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *ResponseError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// IsRequestCancelled reports whether err represents a cancelled request,
// either as the local sentinel or as a decoded CodeRequestCancelled response.
func IsRequestCancelled(err error) bool {
	if errors.Is(err, ErrRequestCancelled) {
		return true
	}
	var re *ResponseError
	return errors.As(err, &re) && re.Code == CodeRequestCancelled
}

func newResponseError(code int, format string, args ...any) *ResponseError {
	return &ResponseError{Code: code, Message: fmt.Sprintf(format, args...)}
}

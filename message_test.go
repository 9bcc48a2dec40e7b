package wirejson_test

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/halteske/wirejson"
)

func TestMessageRoundTrip(t *testing.T) {
	// Every encoded message must decode back with identical fields.
	messages := []wirejson.Message{
		&wirejson.Request{
			ID:     wirejson.Int64ID(1),
			Method: "workspace/symbol",
			Params: json.RawMessage(`{"query":"main"}`),
		},
		&wirejson.Request{
			ID:     wirejson.StringID("req-abc"),
			Method: "shutdown",
		},
		&wirejson.Notification{
			Method: "textDocument/didOpen",
			Params: json.RawMessage(`{"uri":"file:///tmp/a.go"}`),
		},
		&wirejson.Response{
			ID:     wirejson.Int64ID(1),
			Result: json.RawMessage(`[{"name":"main"}]`),
		},
		&wirejson.Response{
			ID: wirejson.StringID("req-abc"),
			Error: &wirejson.ResponseError{
				Code:    wirejson.CodeInvalidParams,
				Message: "bad params",
				Data:    json.RawMessage(`{"field":"query"}`),
			},
		},
	}

	for _, msg := range messages {
		data, err := wirejson.EncodeMessage(msg)
		if err != nil {
			t.Fatalf("failed to encode message: %v", err)
		}
		decoded, err := wirejson.DecodeMessage(data)
		if err != nil {
			t.Fatalf("failed to decode message: %v", err)
		}

		switch want := msg.(type) {
		case *wirejson.Request:
			got, ok := decoded.(*wirejson.Request)
			if !ok {
				t.Fatalf("decoded wrong type %T, want *Request", decoded)
			}
			if got.ID != want.ID {
				t.Errorf("got id %s, want %s", got.ID, want.ID)
			}
			if got.Method != want.Method {
				t.Errorf("got method %q, want %q", got.Method, want.Method)
			}
			if string(got.Params) != string(want.Params) {
				t.Errorf("got params %s, want %s", got.Params, want.Params)
			}
		case *wirejson.Notification:
			got, ok := decoded.(*wirejson.Notification)
			if !ok {
				t.Fatalf("decoded wrong type %T, want *Notification", decoded)
			}
			if got.Method != want.Method {
				t.Errorf("got method %q, want %q", got.Method, want.Method)
			}
			if string(got.Params) != string(want.Params) {
				t.Errorf("got params %s, want %s", got.Params, want.Params)
			}
		case *wirejson.Response:
			got, ok := decoded.(*wirejson.Response)
			if !ok {
				t.Fatalf("decoded wrong type %T, want *Response", decoded)
			}
			if got.ID != want.ID {
				t.Errorf("got id %s, want %s", got.ID, want.ID)
			}
			if string(got.Result) != string(want.Result) {
				t.Errorf("got result %s, want %s", got.Result, want.Result)
			}
			if want.Error != nil {
				if got.Error == nil {
					t.Fatal("decoded response lost its error")
				}
				if got.Error.Code != want.Error.Code {
					t.Errorf("got error code %d, want %d", got.Error.Code, want.Error.Code)
				}
				if got.Error.Message != want.Error.Message {
					t.Errorf("got error message %q, want %q", got.Error.Message, want.Error.Message)
				}
				if string(got.Error.Data) != string(want.Error.Data) {
					t.Errorf("got error data %s, want %s", got.Error.Data, want.Error.Data)
				}
			}
		}
	}
}

func TestResponseWithoutResultEmitsNull(t *testing.T) {
	data, err := wirejson.EncodeMessage(&wirejson.Response{ID: wirejson.Int64ID(3)})
	if err != nil {
		t.Fatalf("failed to encode response: %v", err)
	}

	var body map[string]json.RawMessage
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatalf("failed to unmarshal body: %v", err)
	}
	result, ok := body["result"]
	if !ok {
		t.Fatal("response body is missing the result member")
	}
	if string(result) != "null" {
		t.Errorf("got result %s, want null", result)
	}
	if _, ok := body["error"]; ok {
		t.Error("response body carries an unexpected error member")
	}
}

func TestRequestStampsVersion(t *testing.T) {
	data, err := wirejson.EncodeMessage(&wirejson.Request{ID: wirejson.Int64ID(1), Method: "m"})
	if err != nil {
		t.Fatalf("failed to encode request: %v", err)
	}
	var body map[string]json.RawMessage
	if err := json.Unmarshal(data, &body); err != nil {
		t.Fatalf("failed to unmarshal body: %v", err)
	}
	if string(body["jsonrpc"]) != `"2.0"` {
		t.Errorf("got jsonrpc %s, want \"2.0\"", body["jsonrpc"])
	}
}

func TestDecodeMessageClassification(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantType string
		wantCode int
	}{
		{
			name:     "request",
			body:     `{"jsonrpc":"2.0","id":7,"method":"ping"}`,
			wantType: "request",
		},
		{
			name:     "string id request",
			body:     `{"jsonrpc":"2.0","id":"seven","method":"ping"}`,
			wantType: "request",
		},
		{
			name:     "notification",
			body:     `{"jsonrpc":"2.0","method":"exit"}`,
			wantType: "notification",
		},
		{
			name:     "null id notification",
			body:     `{"jsonrpc":"2.0","id":null,"method":"exit"}`,
			wantType: "notification",
		},
		{
			name:     "response",
			body:     `{"jsonrpc":"2.0","id":7,"result":{"ok":true}}`,
			wantType: "response",
		},
		{
			name:     "null result response",
			body:     `{"jsonrpc":"2.0","id":7,"result":null}`,
			wantType: "response",
		},
		{
			name:     "error response",
			body:     `{"jsonrpc":"2.0","id":7,"error":{"code":-32601,"message":"nope"}}`,
			wantType: "response",
		},
		{
			name:     "invalid json",
			body:     `{"jsonrpc":"2.0","id":7`,
			wantCode: wirejson.CodeParseError,
		},
		{
			name:     "missing version",
			body:     `{"id":7,"method":"ping"}`,
			wantCode: wirejson.CodeInvalidRequest,
		},
		{
			name:     "wrong version",
			body:     `{"jsonrpc":"1.0","id":7,"method":"ping"}`,
			wantCode: wirejson.CodeInvalidRequest,
		},
		{
			name:     "method not a string",
			body:     `{"jsonrpc":"2.0","id":7,"method":42}`,
			wantCode: wirejson.CodeInvalidRequest,
		},
		{
			name:     "boolean id",
			body:     `{"jsonrpc":"2.0","id":true,"method":"ping"}`,
			wantCode: wirejson.CodeInvalidRequest,
		},
		{
			name:     "both result and error",
			body:     `{"jsonrpc":"2.0","id":7,"result":1,"error":{"code":1,"message":"m"}}`,
			wantCode: wirejson.CodeInvalidRequest,
		},
		{
			name:     "neither method nor result",
			body:     `{"jsonrpc":"2.0","id":7}`,
			wantCode: wirejson.CodeInvalidRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg, err := wirejson.DecodeMessage([]byte(tt.body))
			if tt.wantCode != 0 {
				if err == nil {
					t.Fatalf("expected decode error, got %T", msg)
				}
				var re *wirejson.ResponseError
				if !errors.As(err, &re) {
					t.Fatalf("error %v is not a *ResponseError", err)
				}
				if re.Code != tt.wantCode {
					t.Errorf("got error code %d, want %d", re.Code, tt.wantCode)
				}
				return
			}
			if err != nil {
				t.Fatalf("failed to decode message: %v", err)
			}

			var gotType string
			switch msg.(type) {
			case *wirejson.Request:
				gotType = "request"
			case *wirejson.Notification:
				gotType = "notification"
			case *wirejson.Response:
				gotType = "response"
			}
			if gotType != tt.wantType {
				t.Errorf("classified as %s, want %s", gotType, tt.wantType)
			}
		})
	}
}

func TestIDMarshalling(t *testing.T) {
	numeric, err := json.Marshal(wirejson.Int64ID(42))
	if err != nil {
		t.Fatalf("failed to marshal numeric id: %v", err)
	}
	if string(numeric) != "42" {
		t.Errorf("got %s, want 42", numeric)
	}

	str, err := json.Marshal(wirejson.StringID("abc"))
	if err != nil {
		t.Fatalf("failed to marshal string id: %v", err)
	}
	if string(str) != `"abc"` {
		t.Errorf(`got %s, want "abc"`, str)
	}

	absent, err := json.Marshal(wirejson.ID{})
	if err != nil {
		t.Fatalf("failed to marshal zero id: %v", err)
	}
	if string(absent) != "null" {
		t.Errorf("got %s, want null", absent)
	}

	var id wirejson.ID
	if err := json.Unmarshal([]byte("null"), &id); err != nil {
		t.Fatalf("failed to unmarshal null id: %v", err)
	}
	if id.IsValid() {
		t.Error("null id should not be valid")
	}
	if err := json.Unmarshal([]byte("3.5"), &id); err == nil {
		t.Error("expected an error for a fractional id")
	}
	if err := json.Unmarshal([]byte(`"req-9"`), &id); err != nil {
		t.Fatalf("failed to unmarshal string id: %v", err)
	}
	if id != wirejson.StringID("req-9") {
		t.Errorf("got id %s, want req-9", id)
	}
}

func TestIDsAreComparable(t *testing.T) {
	// Number and string ids never collide, and equal ids match as map keys.
	seen := map[wirejson.ID]bool{
		wirejson.Int64ID(7):    true,
		wirejson.StringID("7"): true,
	}
	if len(seen) != 2 {
		t.Fatalf("got %d distinct ids, want 2", len(seen))
	}
	if !seen[wirejson.Int64ID(7)] {
		t.Error("numeric id lookup failed")
	}
	if !seen[wirejson.StringID("7")] {
		t.Error("string id lookup failed")
	}
}

func TestIsRequestCancelled(t *testing.T) {
	if !wirejson.IsRequestCancelled(wirejson.ErrRequestCancelled) {
		t.Error("sentinel not recognised")
	}
	re := &wirejson.ResponseError{Code: wirejson.CodeRequestCancelled, Message: "request cancelled"}
	if !wirejson.IsRequestCancelled(re) {
		t.Error("response error with the cancellation code not recognised")
	}
	if wirejson.IsRequestCancelled(errors.New("other")) {
		t.Error("unrelated error misclassified as cancellation")
	}
	if wirejson.IsRequestCancelled(&wirejson.ResponseError{Code: wirejson.CodeInternalError}) {
		t.Error("unrelated response error misclassified as cancellation")
	}
}

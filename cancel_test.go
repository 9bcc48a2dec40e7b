package wirejson_test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/halteske/wirejson"
)

func TestTokenSourceLatch(t *testing.T) {
	src := wirejson.NewTokenSource()
	tok := src.Token()

	if tok.Cancelled() {
		t.Error("fresh token reports cancelled")
	}
	select {
	case <-tok.Done():
		t.Error("fresh token's Done channel is closed")
	default:
	}

	src.Cancel()

	if !tok.Cancelled() {
		t.Error("token not cancelled after Cancel")
	}
	select {
	case <-tok.Done():
	default:
		t.Error("Done channel not closed after Cancel")
	}

	// Cancelling and disposing again are no-ops.
	src.Cancel()
	src.Dispose()
	src.Dispose()
	if !tok.Cancelled() {
		t.Error("token lost its cancellation")
	}
}

func TestCancelRequestSettlesWithCancelledCode(t *testing.T) {
	client, server := newConnPair(t, nil, nil)

	started := make(chan struct{})
	server.HandleRequest("work/run", func(_ context.Context, _ string, _ json.RawMessage, tok wirejson.CancelToken) (any, error) {
		close(started)
		for !tok.Cancelled() {
			time.Sleep(5 * time.Millisecond)
		}
		return nil, wirejson.ErrRequestCancelled
	})

	callDone := make(chan error, 1)
	go func() {
		callDone <- client.Call(context.Background(), "work/run", nil, nil)
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for handler to start")
	}

	// The first call on a fresh connection carries id 1. An explicit
	// cancellation notification settles it with the cancellation code while
	// the caller keeps waiting.
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Notify(ctx, wirejson.MethodCancelRequest, wirejson.CancelParams{ID: wirejson.Int64ID(1)}); err != nil {
		t.Fatalf("failed to send cancellation: %v", err)
	}

	select {
	case err := <-callDone:
		var re *wirejson.ResponseError
		if !errors.As(err, &re) {
			t.Fatalf("error %v is not a *ResponseError", err)
		}
		if re.Code != wirejson.CodeRequestCancelled {
			t.Errorf("got error code %d, want %d", re.Code, wirejson.CodeRequestCancelled)
		}
		if !wirejson.IsRequestCancelled(err) {
			t.Error("IsRequestCancelled does not recognise the settlement")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for cancelled call to settle")
	}
}

func TestCancelViaContextReturnsPromptly(t *testing.T) {
	client, server := newConnPair(t, nil, nil)

	started := make(chan struct{})
	handlerErr := make(chan error, 1)
	server.HandleRequest("work/run", func(_ context.Context, _ string, _ json.RawMessage, tok wirejson.CancelToken) (any, error) {
		close(started)
		<-tok.Done()
		handlerErr <- wirejson.ErrRequestCancelled
		return nil, wirejson.ErrRequestCancelled
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	callDone := make(chan error, 1)
	go func() {
		callDone <- client.Call(ctx, "work/run", nil, nil)
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for handler to start")
	}

	cancel()

	// The caller gets its context error back without waiting for the
	// responder to settle.
	select {
	case err := <-callDone:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("got %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for call to return")
	}

	// The responder still observed the cancellation and retired the request.
	select {
	case err := <-handlerErr:
		if !wirejson.IsRequestCancelled(err) {
			t.Errorf("handler settled with %v, want a cancellation", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for handler to observe cancellation")
	}
}

func TestCancelAfterSettleIsNoOp(t *testing.T) {
	client, server := newConnPair(t, nil, nil)

	server.HandleRequest("quick", func(context.Context, string, json.RawMessage, wirejson.CancelToken) (any, error) {
		return map[string]bool{"done": true}, nil
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var res map[string]bool
	if err := client.Call(ctx, "quick", nil, &res); err != nil {
		t.Fatalf("failed to call quick method: %v", err)
	}
	if !res["done"] {
		t.Fatalf("got result %v", res)
	}

	// Cancelling the already settled request must change nothing.
	if err := client.Notify(ctx, wirejson.MethodCancelRequest, wirejson.CancelParams{ID: wirejson.Int64ID(1)}); err != nil {
		t.Fatalf("failed to send late cancellation: %v", err)
	}

	res = nil
	if err := client.Call(ctx, "quick", nil, &res); err != nil {
		t.Fatalf("connection unusable after late cancellation: %v", err)
	}
	if !res["done"] {
		t.Errorf("second call got result %v", res)
	}
}

func TestFileCancellationMarkers(t *testing.T) {
	folder, err := wirejson.NewCancellationFolder()
	if err != nil {
		t.Fatalf("failed to create cancellation folder: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(folder) })

	strategy := wirejson.FileCancellation(folder)
	defer strategy.Receiver.Close()

	id := wirejson.Int64ID(9)
	src, err := strategy.Receiver.NewSource(id)
	if err != nil {
		t.Fatalf("failed to create token source: %v", err)
	}
	tok := src.Token()
	if tok.Cancelled() {
		t.Fatal("token cancelled before any marker exists")
	}

	// The sender side writes a marker file; no message crosses a wire.
	if err := strategy.Sender.SendCancel(context.Background(), nil, id); err != nil {
		t.Fatalf("failed to write cancellation marker: %v", err)
	}

	deadline := time.Now().Add(5 * time.Second)
	for !tok.Cancelled() {
		if time.Now().After(deadline) {
			t.Fatal("marker never detected by polling")
		}
		time.Sleep(5 * time.Millisecond)
	}
	select {
	case <-tok.Done():
	default:
		t.Error("Done channel not closed after detection")
	}

	// Cleanup removes the marker again.
	strategy.Sender.Cleanup(id)
	entries, err := os.ReadDir(folder)
	if err != nil {
		t.Fatalf("failed to read cancellation folder: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("folder still holds %d markers after cleanup", len(entries))
	}

	// A fresh source for another request starts uncancelled.
	src2, err := strategy.Receiver.NewSource(wirejson.Int64ID(10))
	if err != nil {
		t.Fatalf("failed to create second source: %v", err)
	}
	if src2.Token().Cancelled() {
		t.Error("unrelated token reports cancelled")
	}
	src.Dispose()
	src2.Dispose()
}

func TestFileCancellationStringIDMarkers(t *testing.T) {
	folder, err := wirejson.NewCancellationFolder()
	if err != nil {
		t.Fatalf("failed to create cancellation folder: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(folder) })

	strategy := wirejson.FileCancellation(folder)
	defer strategy.Receiver.Close()

	id := wirejson.StringID("req/with:odd chars")
	src, err := strategy.Receiver.NewSource(id)
	if err != nil {
		t.Fatalf("failed to create token source: %v", err)
	}
	if err := strategy.Sender.SendCancel(context.Background(), nil, id); err != nil {
		t.Fatalf("failed to write cancellation marker: %v", err)
	}

	tok := src.Token()
	deadline := time.Now().Add(5 * time.Second)
	for !tok.Cancelled() {
		if time.Now().After(deadline) {
			t.Fatal("marker for string id never detected")
		}
		time.Sleep(5 * time.Millisecond)
	}
	strategy.Sender.Cleanup(id)
}

// recordingStream captures every frame written through it.
type recordingStream struct {
	wirejson.Stream

	mu      sync.Mutex
	written [][]byte
}

func (r *recordingStream) WriteMessage(p []byte) error {
	r.mu.Lock()
	r.written = append(r.written, append([]byte(nil), p...))
	r.mu.Unlock()
	return r.Stream.WriteMessage(p)
}

func (r *recordingStream) frames() [][]byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([][]byte, len(r.written))
	copy(out, r.written)
	return out
}

func TestFileCancellationEndToEnd(t *testing.T) {
	folder, err := wirejson.NewCancellationFolder()
	if err != nil {
		t.Fatalf("failed to create cancellation folder: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(folder) })

	cs, ss := newStreamPair()
	recorder := &recordingStream{Stream: cs}

	client := wirejson.NewConn(recorder, wirejson.WithCancellation(wirejson.FileCancellation(folder)))
	server := wirejson.NewConn(ss, wirejson.WithCancellation(wirejson.FileCancellation(folder)))
	go func() { _ = client.Listen(context.Background()) }()
	go func() { _ = server.Listen(context.Background()) }()
	t.Cleanup(func() {
		client.Close()
		server.Close()
	})

	started := make(chan struct{})
	handlerDone := make(chan struct{})
	server.HandleRequest("work/run", func(_ context.Context, _ string, _ json.RawMessage, tok wirejson.CancelToken) (any, error) {
		close(started)
		for !tok.Cancelled() {
			time.Sleep(5 * time.Millisecond)
		}
		close(handlerDone)
		return nil, wirejson.ErrRequestCancelled
	})

	ctx, cancel := context.WithCancel(context.Background())
	callDone := make(chan error, 1)
	go func() {
		callDone <- client.Call(ctx, "work/run", nil, nil)
	}()

	select {
	case <-started:
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for handler to start")
	}

	cancel()

	select {
	case err := <-callDone:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("got %v, want context.Canceled", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for call to return")
	}
	select {
	case <-handlerDone:
	case <-time.After(5 * time.Second):
		t.Fatal("handler never saw the marker")
	}

	// The marker is removed once the settlement makes it back.
	deadline := time.Now().Add(5 * time.Second)
	for {
		entries, err := os.ReadDir(folder)
		if err != nil {
			t.Fatalf("failed to read cancellation folder: %v", err)
		}
		if len(entries) == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("marker never cleaned up, %d left", len(entries))
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Cancellation travelled through the filesystem only.
	for _, frame := range recorder.frames() {
		if bytes.Contains(frame, []byte(wirejson.MethodCancelRequest)) {
			t.Fatalf("cancellation notification leaked onto the wire: %s", frame)
		}
	}
}

func TestTokenBehaviourMatchesAcrossStrategies(t *testing.T) {
	folder, err := wirejson.NewCancellationFolder()
	if err != nil {
		t.Fatalf("failed to create cancellation folder: %v", err)
	}
	t.Cleanup(func() { os.RemoveAll(folder) })

	fileStrategy := wirejson.FileCancellation(folder)
	defer fileStrategy.Receiver.Close()
	messageStrategy := wirejson.MessageCancellation()
	defer messageStrategy.Receiver.Close()

	id := wirejson.Int64ID(77)
	tests := []struct {
		name      string
		newSource func() (wirejson.TokenSource, error)
		trigger   func(src wirejson.TokenSource) error
		cleanup   func()
	}{
		{
			name:      "message",
			newSource: func() (wirejson.TokenSource, error) { return messageStrategy.Receiver.NewSource(id) },
			// The dispatch loop cancels the source when $/cancelRequest
			// arrives.
			trigger: func(src wirejson.TokenSource) error { src.Cancel(); return nil },
			cleanup: func() {},
		},
		{
			name:      "file",
			newSource: func() (wirejson.TokenSource, error) { return fileStrategy.Receiver.NewSource(id) },
			// The requester drops a marker file instead of sending anything.
			trigger: func(wirejson.TokenSource) error {
				return fileStrategy.Sender.SendCancel(context.Background(), nil, id)
			},
			cleanup: func() { fileStrategy.Sender.Cleanup(id) },
		},
	}

	// A worker polling the token contract cannot tell the strategies apart.
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src, err := tt.newSource()
			if err != nil {
				t.Fatalf("failed to create token source: %v", err)
			}
			defer src.Dispose()
			defer tt.cleanup()
			tok := src.Token()

			if tok.Cancelled() {
				t.Fatal("token cancelled before any cancellation")
			}
			select {
			case <-tok.Done():
				t.Fatal("Done closed before any cancellation")
			default:
			}

			if err := tt.trigger(src); err != nil {
				t.Fatalf("failed to trigger cancellation: %v", err)
			}

			deadline := time.Now().Add(5 * time.Second)
			for !tok.Cancelled() {
				if time.Now().After(deadline) {
					t.Fatal("cancellation never observed")
				}
				time.Sleep(5 * time.Millisecond)
			}
			select {
			case <-tok.Done():
			case <-time.After(5 * time.Second):
				t.Fatal("Done never closed")
			}
		})
	}
}

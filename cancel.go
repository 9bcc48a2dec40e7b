package wirejson

import (
	"context"
	"sync"
)

// CancelToken is the cooperative cancellation contract a request handler
// observes. A token starts uncancelled and latches to cancelled at most
// once; it never reverts. Handlers poll Cancelled between units of work or
// select on Done.
type CancelToken interface {
	Cancelled() bool
	Done() <-chan struct{}
}

// TokenSource owns one CancelToken. Cancel is idempotent; Dispose releases
// any watchers behind the token without un-cancelling it.
type TokenSource interface {
	Token() CancelToken
	Cancel()
	Dispose()
}

// CancellationSender is the requester half of a cancellation strategy: how
// this side tells the peer that an outgoing request should be abandoned, and
// how it cleans up after the request settles regardless of outcome.
type CancellationSender interface {
	SendCancel(ctx context.Context, c *Conn, id ID) error
	Cleanup(id ID)
}

// CancellationReceiver is the responder half: it mints the token source for
// each inbound request id. Close releases receiver-wide resources when the
// connection tears down.
type CancellationReceiver interface {
	NewSource(id ID) (TokenSource, error)
	Close() error
}

// CancellationStrategy pairs the two halves. It is chosen once per
// connection via WithCancellation; both strategies present identical token
// behavior to handlers.
type CancellationStrategy struct {
	Sender   CancellationSender
	Receiver CancellationReceiver
}

// MessageCancellation is the default strategy: cancellation travels in-band
// as a $/cancelRequest notification and the responder flips the token for
// the named id.
func MessageCancellation() CancellationStrategy {
	return CancellationStrategy{
		Sender:   messageSender{},
		Receiver: messageReceiver{},
	}
}

// CancelParams is the payload of a $/cancelRequest notification.
type CancelParams struct {
	ID ID `json:"id"`
}

type messageSender struct{}

func (messageSender) SendCancel(ctx context.Context, c *Conn, id ID) error {
	return c.Notify(ctx, MethodCancelRequest, CancelParams{ID: id})
}

func (messageSender) Cleanup(ID) {}

type messageReceiver struct{}

func (messageReceiver) NewSource(ID) (TokenSource, error) { return NewTokenSource(), nil }

func (messageReceiver) Close() error { return nil }

// NewTokenSource returns an in-memory token source. Layers above the
// connection use it to build their own cancellation scopes.
func NewTokenSource() TokenSource {
	return &latchSource{done: make(chan struct{})}
}

type latchSource struct {
	once sync.Once
	done chan struct{}
}

func (s *latchSource) Token() CancelToken { return latchToken{s} }

func (s *latchSource) Cancel() {
	s.once.Do(func() { close(s.done) })
}

func (s *latchSource) Dispose() {}

type latchToken struct {
	src *latchSource
}

func (t latchToken) Cancelled() bool {
	select {
	case <-t.src.done:
		return true
	default:
		return false
	}
}

func (t latchToken) Done() <-chan struct{} { return t.src.done }

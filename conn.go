package wirejson

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

type connState int32

const (
	stateNew connState = iota
	stateListening
	stateClosed
	stateDisposed
)

const defaultPingTimeoutThreshold = 3

// RequestHandler produces the result for one inbound request. The context is
// cancelled when the peer cancels the request or the connection tears down;
// the token exposes the same cancellation for polling loops. A handler that
// observes cancellation returns ErrRequestCancelled; any other error becomes
// an error response.
type RequestHandler func(ctx context.Context, method string, params json.RawMessage, tok CancelToken) (any, error)

// NotificationHandler consumes one inbound notification. It never produces a
// response.
type NotificationHandler func(ctx context.Context, method string, params json.RawMessage)

// ErrorHandler observes connection-level faults: transport errors, malformed
// bodies, handler panics. msg is the offending message when known, nil
// otherwise.
type ErrorHandler func(err error, msg Message)

// CloseHandler fires once when the transport closes underneath the
// connection; err is nil when the peer closed cleanly.
type CloseHandler func(err error)

// DisposeHandler fires once when the connection is disposed locally.
type DisposeHandler func()

// UnhandledNotificationHandler observes notifications no handler was
// registered for.
type UnhandledNotificationHandler func(n *Notification)

type pendingCall struct {
	id     ID
	ch     chan callResult
	tokens []ProgressToken
}

type callResult struct {
	resp *Response
	err  error
}

type inboundCall struct {
	src    TokenSource
	cancel context.CancelFunc
}

// Conn multiplexes requests, responses, and notifications over one Stream.
// Both sides of a connection are peers: either may send requests, serve
// them, and stream progress. A Conn is inert until Listen starts its
// dispatch loop.
type Conn struct {
	stream   Stream
	logger   *slog.Logger
	strategy CancellationStrategy
	tracer   Tracer

	onError     ErrorHandler
	onClose     CloseHandler
	onDispose   DisposeHandler
	onUnhandled UnhandledNotificationHandler
	workDone    WorkDoneHandler

	pingInterval         time.Duration
	pingTimeoutThreshold int

	traceLevel atomic.Int32
	nextID     atomic.Int64
	state      atomic.Int32

	mu           sync.Mutex
	pending      map[ID]*pendingCall
	progress     map[ProgressToken]ProgressHandler
	inbound      map[ID]*inboundCall
	reqHandlers  map[string]RequestHandler
	noteHandlers map[string][]NotificationHandler

	handlers     sync.WaitGroup
	teardownOnce sync.Once
	done         chan struct{}
	causeErr     error

	baseCtx    context.Context
	baseCancel context.CancelFunc
}

// ConnOption configures a connection before it starts listening.
type ConnOption func(*Conn)

// WithLogger attaches a structured logger to the connection.
func WithLogger(logger *slog.Logger) ConnOption {
	return func(c *Conn) {
		c.logger = logger.With(
			slog.String("package", "wirejson"),
			slog.String("component", "conn"),
		)
	}
}

// WithCancellation selects the cancellation strategy for both directions of
// the connection. The default is MessageCancellation.
func WithCancellation(strategy CancellationStrategy) ConnOption {
	return func(c *Conn) {
		c.strategy = strategy
	}
}

// WithTracer replaces the default slog-backed tracer.
func WithTracer(t Tracer) ConnOption {
	return func(c *Conn) {
		c.tracer = t
	}
}

// WithTraceLevel sets the initial trace level.
func WithTraceLevel(level TraceLevel) ConnOption {
	return func(c *Conn) {
		c.traceLevel.Store(int32(level))
	}
}

// WithErrorHandler observes connection faults instead of the default error
// log.
func WithErrorHandler(h ErrorHandler) ConnOption {
	return func(c *Conn) {
		c.onError = h
	}
}

// WithCloseHandler observes transport closure.
func WithCloseHandler(h CloseHandler) ConnOption {
	return func(c *Conn) {
		c.onClose = h
	}
}

// WithDisposeHandler observes local disposal.
func WithDisposeHandler(h DisposeHandler) ConnOption {
	return func(c *Conn) {
		c.onDispose = h
	}
}

// WithUnhandledNotificationHandler observes notifications nothing was
// registered for; without it they are logged at debug level.
func WithUnhandledNotificationHandler(h UnhandledNotificationHandler) ConnOption {
	return func(c *Conn) {
		c.onUnhandled = h
	}
}

// WithWorkDoneHandler enables the work-done creation request on this side:
// when the peer asks for a token, the connection mints one and routes the
// begin/report/end stream to h.
func WithWorkDoneHandler(h WorkDoneHandler) ConnOption {
	return func(c *Conn) {
		c.workDone = h
	}
}

// WithPingInterval enables the keepalive loop: the connection pings the peer
// on this interval once listening.
func WithPingInterval(interval time.Duration) ConnOption {
	return func(c *Conn) {
		c.pingInterval = interval
	}
}

// WithPingTimeoutThreshold sets how many consecutive ping failures close the
// connection.
func WithPingTimeoutThreshold(threshold int) ConnOption {
	return func(c *Conn) {
		c.pingTimeoutThreshold = threshold
	}
}

// NewConn wraps a stream in a connection. The connection does not read from
// the stream until Listen is called.
func NewConn(stream Stream, opts ...ConnOption) *Conn {
	c := &Conn{
		stream:               stream,
		logger:               slog.Default(),
		strategy:             MessageCancellation(),
		pingTimeoutThreshold: defaultPingTimeoutThreshold,
		pending:              make(map[ID]*pendingCall),
		progress:             make(map[ProgressToken]ProgressHandler),
		inbound:              make(map[ID]*inboundCall),
		reqHandlers:          make(map[string]RequestHandler),
		noteHandlers:         make(map[string][]NotificationHandler),
		done:                 make(chan struct{}),
	}
	c.baseCtx, c.baseCancel = context.WithCancel(context.Background())
	for _, opt := range opts {
		opt(c)
	}
	if c.tracer == nil {
		c.tracer = slogTracer{logger: c.logger}
	}
	return c
}

// HandleRequest registers the handler for a request method, replacing any
// previous registration. The method "*" registers the fallback consulted
// when no exact handler matches.
func (c *Conn) HandleRequest(method string, h RequestHandler) {
	c.mu.Lock()
	c.reqHandlers[method] = h
	c.mu.Unlock()
}

// HandleNotification registers a handler for a notification method.
// Handlers accumulate: every handler registered for the method runs. The
// method "*" registers fallback handlers consulted when a method has none.
func (c *Conn) HandleNotification(method string, h NotificationHandler) {
	c.mu.Lock()
	c.noteHandlers[method] = append(c.noteHandlers[method], h)
	c.mu.Unlock()
}

func (c *Conn) aliveErr() error {
	switch connState(c.state.Load()) {
	case stateClosed:
		return ErrConnClosed
	case stateDisposed:
		return ErrConnDisposed
	default:
		return nil
	}
}

// Listen runs the dispatch loop until the transport closes, a fatal
// transport error occurs, ctx is cancelled, or Close is called. It returns
// nil after a clean peer close or local disposal, the cause otherwise.
func (c *Conn) Listen(ctx context.Context) error {
	if !c.state.CompareAndSwap(int32(stateNew), int32(stateListening)) {
		switch connState(c.state.Load()) {
		case stateListening:
			return ErrAlreadyListening
		case stateDisposed:
			return ErrConnDisposed
		default:
			return ErrConnClosed
		}
	}

	stopWatch := make(chan struct{})
	defer close(stopWatch)
	go func() {
		select {
		case <-ctx.Done():
			c.teardown(ctx.Err(), false)
		case <-stopWatch:
		}
	}()

	if c.pingInterval > 0 {
		go c.pingLoop(ctx)
	}

	for {
		data, err := c.stream.ReadMessage()
		if err != nil {
			if connState(c.state.Load()) != stateListening {
				break
			}
			if errors.Is(err, io.EOF) {
				c.teardown(nil, false)
				break
			}
			c.eventError(err, nil)
			c.teardown(err, false)
			break
		}
		c.dispatch(data)
	}

	c.handlers.Wait()
	<-c.done
	return c.causeErr
}

// Close disposes the connection: the state becomes terminal, every pending
// call is rejected with ErrConnDisposed exactly once, inbound handler
// contexts are cancelled, and the transport is closed. Safe to call more
// than once.
func (c *Conn) Close() error {
	c.teardown(nil, true)
	return nil
}

func (c *Conn) teardown(cause error, disposed bool) {
	c.teardownOnce.Do(func() {
		if disposed {
			c.state.Store(int32(stateDisposed))
		} else {
			c.state.Store(int32(stateClosed))
		}
		c.causeErr = cause
		c.baseCancel()

		c.mu.Lock()
		pend := c.pending
		c.pending = make(map[ID]*pendingCall)
		inb := c.inbound
		c.inbound = make(map[ID]*inboundCall)
		c.progress = make(map[ProgressToken]ProgressHandler)
		c.mu.Unlock()

		rejection := ErrConnClosed
		if disposed {
			rejection = ErrConnDisposed
		}
		for id, p := range pend {
			c.strategy.Sender.Cleanup(id)
			p.ch <- callResult{err: rejection}
		}
		for _, in := range inb {
			in.cancel()
			in.src.Dispose()
		}
		if err := c.strategy.Receiver.Close(); err != nil {
			c.logger.Debug("failed to close cancellation receiver", slog.String("err", err.Error()))
		}
		if err := c.stream.Close(); err != nil {
			c.logger.Debug("failed to close stream", slog.String("err", err.Error()))
		}

		if disposed {
			if c.onDispose != nil {
				c.onDispose()
			}
		} else if c.onClose != nil {
			c.onClose(cause)
		}
		close(c.done)
	})
}

// CallOption adjusts one outgoing request.
type CallOption func(*callConfig)

type callConfig struct {
	partial  ProgressHandler
	workDone ProgressHandler
}

// WithPartialResults mints a progress token, embeds it in the request params
// as partialResultToken, and routes every $/progress value for it to h. The
// handler is registered before the request is written so no value can be
// missed, and retired when the call settles.
func WithPartialResults(h ProgressHandler) CallOption {
	return func(cfg *callConfig) {
		cfg.partial = h
	}
}

// WithWorkDoneToken is the same machinery parameterized for the
// workDoneToken params field.
func WithWorkDoneToken(h ProgressHandler) CallOption {
	return func(cfg *callConfig) {
		cfg.workDone = h
	}
}

// Call sends a request and blocks until the peer settles it or the
// connection tears down. A non-nil result receives the unmarshalled result
// member; error responses come back as *ResponseError. Cancelling ctx sends
// the strategy's cancellation to the peer and returns ctx.Err immediately;
// the eventual response is still accepted and dropped, and the peer is
// expected to answer with CodeRequestCancelled if its handler honours the
// token.
func (c *Conn) Call(ctx context.Context, method string, params, result any, opts ...CallOption) error {
	if err := c.aliveErr(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := marshalJSON(params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}

	var cfg callConfig
	for _, opt := range opts {
		opt(&cfg)
	}

	id := Int64ID(c.nextID.Add(1))
	p := &pendingCall{id: id, ch: make(chan callResult, 1)}

	type tokenReg struct {
		field string
		h     ProgressHandler
	}
	var regs []tokenReg
	if cfg.partial != nil {
		regs = append(regs, tokenReg{fieldPartialResultToken, cfg.partial})
	}
	if cfg.workDone != nil {
		regs = append(regs, tokenReg{fieldWorkDoneToken, cfg.workDone})
	}
	for _, reg := range regs {
		tok := newProgressToken()
		if raw, err = injectToken(raw, reg.field, tok); err != nil {
			return err
		}
		p.tokens = append(p.tokens, tok)
	}

	c.mu.Lock()
	if err := c.aliveErr(); err != nil {
		c.mu.Unlock()
		return err
	}
	c.pending[id] = p
	for i, reg := range regs {
		c.progress[p.tokens[i]] = reg.h
	}
	c.mu.Unlock()

	req := &Request{ID: id, Method: method, Params: raw}
	if err := c.send(req); err != nil {
		c.mu.Lock()
		if c.pending[id] == p {
			delete(c.pending, id)
			for _, tok := range p.tokens {
				delete(c.progress, tok)
			}
		}
		c.mu.Unlock()
		c.strategy.Sender.Cleanup(id)
		c.eventError(err, req)
		return err
	}

	select {
	case res := <-p.ch:
		if res.err != nil {
			return res.err
		}
		if res.resp.Error != nil {
			return res.resp.Error
		}
		if result != nil && len(res.resp.Result) > 0 && string(res.resp.Result) != nullLiteral {
			if err := json.Unmarshal(res.resp.Result, result); err != nil {
				return fmt.Errorf("unmarshal result: %w", err)
			}
		}
		return nil
	case <-ctx.Done():
		if err := c.strategy.Sender.SendCancel(context.Background(), c, id); err != nil {
			c.logger.Debug("failed to send cancellation",
				slog.String("id", id.String()),
				slog.String("err", err.Error()))
		}
		return ctx.Err()
	}
}

// Notify sends a notification. It returns once the message is written; no
// response will ever arrive for it.
func (c *Conn) Notify(ctx context.Context, method string, params any) error {
	if err := c.aliveErr(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	raw, err := marshalJSON(params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	n := &Notification{Method: method, Params: raw}
	if err := c.send(n); err != nil {
		c.eventError(err, n)
		return err
	}
	return nil
}

func (c *Conn) send(msg Message) error {
	data, err := EncodeMessage(msg)
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	c.traceSent(msg, data)
	if err := c.stream.WriteMessage(data); err != nil {
		return fmt.Errorf("write message: %w", err)
	}
	return nil
}

func (c *Conn) dispatch(data []byte) {
	msg, err := DecodeMessage(data)
	if err != nil {
		c.eventError(err, nil)
		var re *ResponseError
		if !errors.As(err, &re) {
			re = newResponseError(CodeParseError, "%v", err)
		}
		if serr := c.send(&Response{Error: re}); serr != nil {
			c.logger.Debug("failed to send decode error response", slog.String("err", serr.Error()))
		}
		return
	}
	c.traceReceived(msg, data)

	switch m := msg.(type) {
	case *Response:
		c.handleResponse(m)
	case *Request:
		c.handleRequest(m)
	case *Notification:
		c.handleNotification(m)
	}
}

func (c *Conn) handleResponse(resp *Response) {
	c.mu.Lock()
	p, ok := c.pending[resp.ID]
	if ok {
		delete(c.pending, resp.ID)
		for _, tok := range p.tokens {
			delete(c.progress, tok)
		}
	}
	c.mu.Unlock()

	if !ok {
		// Late, duplicate, or cancelled long ago. Tolerated by design.
		c.logger.Debug("dropped response with no pending request", slog.String("id", resp.ID.String()))
		return
	}
	c.strategy.Sender.Cleanup(resp.ID)
	p.ch <- callResult{resp: resp}
}

func (c *Conn) handleRequest(req *Request) {
	switch req.Method {
	case MethodPing:
		c.respond(req.ID, json.RawMessage("{}"), nil)
		return
	case MethodWorkDoneProgressCreate:
		c.handleWorkDoneCreate(req)
		return
	}

	c.mu.Lock()
	h, ok := c.reqHandlers[req.Method]
	if !ok {
		h, ok = c.reqHandlers["*"]
	}
	c.mu.Unlock()
	if !ok {
		c.respond(req.ID, nil, newResponseError(CodeMethodNotFound, "method not found: %s", req.Method))
		return
	}

	src, err := c.strategy.Receiver.NewSource(req.ID)
	if err != nil {
		c.eventError(fmt.Errorf("cancellation source for %s: %w", req.Method, err), req)
		c.respond(req.ID, nil, newResponseError(CodeInternalError, "cancellation source: %v", err))
		return
	}
	hctx, hcancel := context.WithCancel(c.baseCtx)
	c.mu.Lock()
	c.inbound[req.ID] = &inboundCall{src: src, cancel: hcancel}
	c.mu.Unlock()

	c.handlers.Add(1)
	go func() {
		defer c.handlers.Done()
		result, herr := c.runHandler(hctx, h, req, src.Token())

		c.mu.Lock()
		delete(c.inbound, req.ID)
		c.mu.Unlock()
		src.Dispose()
		hcancel()

		c.respond(req.ID, result, herr)
	}()
}

func (c *Conn) runHandler(ctx context.Context, h RequestHandler, req *Request, tok CancelToken) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = newResponseError(CodeInternalError, "handler panicked: %v", r)
			c.eventError(fmt.Errorf("handler for %s panicked: %v", req.Method, r), req)
		}
	}()
	return h(ctx, req.Method, req.Params, tok)
}

func (c *Conn) respond(id ID, result any, herr error) {
	if c.aliveErr() != nil {
		return
	}
	resp := &Response{ID: id}
	switch {
	case herr == nil:
		raw, err := marshalJSON(result)
		if err != nil {
			resp.Error = newResponseError(CodeInternalError, "marshal result: %v", err)
		} else {
			resp.Result = raw
		}
	case IsRequestCancelled(herr):
		var re *ResponseError
		if errors.As(herr, &re) && re.Code == CodeRequestCancelled {
			resp.Error = re
		} else {
			resp.Error = newResponseError(CodeRequestCancelled, "request cancelled")
		}
	default:
		var re *ResponseError
		if errors.As(herr, &re) {
			resp.Error = re
		} else {
			resp.Error = newResponseError(CodeInternalError, "%v", herr)
		}
	}
	if err := c.send(resp); err != nil {
		c.eventError(err, resp)
	}
}

func (c *Conn) handleNotification(n *Notification) {
	switch n.Method {
	case MethodCancelRequest:
		c.handleCancelRequest(n)
		return
	case MethodProgress:
		c.handleProgress(n)
		return
	case MethodSetTrace:
		c.handleSetTrace(n)
		return
	case MethodLogTrace:
		c.handleLogTrace(n)
		return
	}

	c.mu.Lock()
	hs := c.noteHandlers[n.Method]
	if len(hs) == 0 {
		hs = c.noteHandlers["*"]
	}
	hs = append([]NotificationHandler(nil), hs...)
	c.mu.Unlock()

	if len(hs) == 0 {
		if c.onUnhandled != nil {
			c.onUnhandled(n)
			return
		}
		c.logger.Debug("unhandled notification", slog.String("method", n.Method))
		return
	}
	for _, h := range hs {
		c.handlers.Add(1)
		go func(h NotificationHandler) {
			defer c.handlers.Done()
			defer func() {
				if r := recover(); r != nil {
					c.eventError(fmt.Errorf("notification handler for %s panicked: %v", n.Method, r), n)
				}
			}()
			h(c.baseCtx, n.Method, n.Params)
		}(h)
	}
}

func (c *Conn) handleCancelRequest(n *Notification) {
	var p CancelParams
	if err := json.Unmarshal(n.Params, &p); err != nil {
		c.logger.Debug("malformed $/cancelRequest params", slog.String("err", err.Error()))
		return
	}
	c.mu.Lock()
	in := c.inbound[p.ID]
	c.mu.Unlock()
	if in == nil {
		// Already settled or never seen. Late cancels are a no-op.
		return
	}
	in.src.Cancel()
	in.cancel()
}

func (c *Conn) handleProgress(n *Notification) {
	var p ProgressParams
	if err := json.Unmarshal(n.Params, &p); err != nil {
		c.logger.Debug("malformed $/progress params", slog.String("err", err.Error()))
		return
	}
	c.mu.Lock()
	h := c.progress[p.Token]
	c.mu.Unlock()
	if h == nil {
		c.logger.Debug("dropped progress for unknown token", slog.String("token", p.Token.String()))
		return
	}
	// On the dispatch loop: delivery order is wire order, and every value
	// lands before the originating call settles.
	h(p.Value)
}

func (c *Conn) eventError(err error, msg Message) {
	if c.onError != nil {
		c.onError(err, msg)
		return
	}
	c.logger.Error("connection error", slog.String("err", err.Error()))
}

func (c *Conn) pingLoop(ctx context.Context) {
	ticker := time.NewTicker(c.pingInterval)
	defer ticker.Stop()
	failed := 0
	for {
		select {
		case <-c.done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			pctx, cancel := context.WithTimeout(ctx, c.pingInterval)
			err := c.Call(pctx, MethodPing, nil, nil)
			cancel()
			if err == nil {
				failed = 0
				continue
			}
			if c.aliveErr() != nil {
				return
			}
			failed++
			c.logger.Error("failed to ping peer", slog.String("err", err.Error()))
			if failed > c.pingTimeoutThreshold {
				err := fmt.Errorf("too many ping failures: %d", failed)
				c.eventError(err, nil)
				c.teardown(err, false)
				return
			}
		}
	}
}

func marshalJSON(v any) (json.RawMessage, error) {
	switch t := v.(type) {
	case nil:
		return nil, nil
	case json.RawMessage:
		return t, nil
	default:
		data, err := json.Marshal(v)
		if err != nil {
			return nil, err
		}
		return data, nil
	}
}

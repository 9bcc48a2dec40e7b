package wirejson

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"

	"github.com/google/uuid"
	"github.com/tidwall/gjson"
	"github.com/tmaxmax/go-sse"
)

// SSEServer accepts header-free message streams over Server-Sent Events.
// Server-to-client traffic flows over the SSE channel; client-to-server
// messages arrive as HTTP POSTs. Each connecting client becomes one Stream,
// handed out by Accept. The HandleSSE and HandleMessage http.Handlers can be
// mounted on any HTTP framework.
type SSEServer struct {
	messageURL string
	logger     *slog.Logger

	mu       sync.Mutex
	sessions map[string]*sseServerStream
	closed   bool

	incoming chan Stream
	done     chan struct{}
}

// SSEServerOption configures an SSEServer.
type SSEServerOption func(*SSEServer)

// WithSSEServerLogger attaches a structured logger to the server.
func WithSSEServerLogger(logger *slog.Logger) SSEServerOption {
	return func(s *SSEServer) {
		s.logger = logger.With(
			slog.String("package", "wirejson"),
			slog.String("component", "sse-server"),
		)
	}
}

// NewSSEServer creates an SSE server whose clients post their messages to
// messageURL. The returned server must be closed with Close when no longer
// needed.
func NewSSEServer(messageURL string, opts ...SSEServerOption) *SSEServer {
	s := &SSEServer{
		messageURL: messageURL,
		logger:     slog.Default(),
		sessions:   make(map[string]*sseServerStream),
		incoming:   make(chan Stream, 5),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Accept blocks until the next client connects and returns its stream. It
// returns net.ErrClosed once the server is closed.
func (s *SSEServer) Accept(ctx context.Context) (Stream, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		return nil, net.ErrClosed
	case st := <-s.incoming:
		return st, nil
	}
}

// Close shuts the server down: every active session stream is closed and
// Accept unblocks. Safe to call more than once.
func (s *SSEServer) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	sessions := make([]*sseServerStream, 0, len(s.sessions))
	for _, st := range s.sessions {
		sessions = append(sessions, st)
	}
	s.mu.Unlock()

	close(s.done)
	for _, st := range sessions {
		st.Close()
	}
	return nil
}

// HandleSSE returns the http.Handler for SSE connections over GET requests.
// The handler upgrades the connection, assigns a session ID, and tells the
// client its message endpoint through an initial "endpoint" event. The
// request stays open until the stream or the server closes.
func (s *SSEServer) HandleSSE() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sess, err := sse.Upgrade(w, r)
		if err != nil {
			nErr := fmt.Errorf("failed to upgrade session: %w", err)
			s.logger.Error("failed to upgrade session", slog.String("err", nErr.Error()))
			http.Error(w, nErr.Error(), http.StatusInternalServerError)
			return
		}

		sessID := uuid.NewString()
		endpoint := fmt.Sprintf("%s?sessionID=%s", s.messageURL, sessID)

		msg := sse.Message{
			Type: sse.Type("endpoint"),
		}
		msg.AppendData(endpoint)
		if err := sess.Send(&msg); err != nil {
			s.logger.Error("failed to write SSE endpoint", slog.String("err", err.Error()))
			return
		}
		if err := sess.Flush(); err != nil {
			s.logger.Error("failed to flush SSE endpoint", slog.String("err", err.Error()))
			return
		}

		st := &sseServerStream{
			id:      sessID,
			sess:    sess,
			inbound: make(chan []byte, 5),
			done:    make(chan struct{}),
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			return
		}
		s.sessions[sessID] = st
		s.mu.Unlock()

		defer func() {
			s.mu.Lock()
			delete(s.sessions, sessID)
			s.mu.Unlock()
		}()

		select {
		case s.incoming <- st:
		case <-s.done:
			return
		}

		// The sse session is only valid while this handler runs, so hold the
		// request open for the lifetime of the stream.
		select {
		case <-st.done:
		case <-s.done:
			st.Close()
		}
	})
}

// HandleMessage returns the http.Handler for client messages posted to the
// message endpoint. It expects a sessionID query parameter and one JSON
// message body per request, and routes the body to the matching stream.
func (s *SSEServer) HandleMessage() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sessID := r.URL.Query().Get("sessionID")
		if sessID == "" {
			s.logger.Warn("missing sessionID query parameter")
			http.Error(w, "missing sessionID query parameter", http.StatusBadRequest)
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			s.logger.Warn("failed to read message body", slog.String("err", err.Error()))
			http.Error(w, "failed to read message body", http.StatusBadRequest)
			return
		}
		if !gjson.ValidBytes(body) {
			s.logger.Warn("invalid message body", slog.String("sessionID", sessID))
			http.Error(w, "message body is not valid JSON", http.StatusBadRequest)
			return
		}

		s.mu.Lock()
		st := s.sessions[sessID]
		s.mu.Unlock()
		if st == nil {
			// Might already be closed.
			http.Error(w, "unknown session", http.StatusNotFound)
			return
		}

		select {
		case st.inbound <- body:
		case <-st.done:
			http.Error(w, "session is closed", http.StatusGone)
		case <-s.done:
			http.Error(w, "server is closed", http.StatusServiceUnavailable)
		}
	})
}

type sseServerStream struct {
	id   string
	sess *sse.Session

	writeMu sync.Mutex
	inbound chan []byte

	closeOnce sync.Once
	done      chan struct{}
}

func (s *sseServerStream) ReadMessage() ([]byte, error) {
	select {
	case data := <-s.inbound:
		return data, nil
	case <-s.done:
		return nil, io.EOF
	}
}

func (s *sseServerStream) WriteMessage(p []byte) error {
	select {
	case <-s.done:
		return fmt.Errorf("session is closed")
	default:
	}

	msg := &sse.Message{
		Type: sse.Type("message"),
	}
	msg.AppendData(string(p))

	// The sse session is not safe for concurrent sends.
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := s.sess.Send(msg); err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	if err := s.sess.Flush(); err != nil {
		return fmt.Errorf("failed to flush message: %w", err)
	}
	return nil
}

func (s *sseServerStream) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
	})
	return nil
}

// SSEClient connects to an SSEServer. Server-to-client messages stream over
// the SSE channel; WriteMessage posts to the endpoint the server announced.
// Instances should be created using NewSSEClient.
type SSEClient struct {
	httpClient *http.Client
	connectURL string
	logger     *slog.Logger

	maxPayloadSize int
}

// SSEClientOption represents the options for the SSEClient.
type SSEClientOption func(*SSEClient)

// WithSSEClientLogger attaches a structured logger to the client.
func WithSSEClientLogger(logger *slog.Logger) SSEClientOption {
	return func(c *SSEClient) {
		c.logger = logger.With(
			slog.String("package", "wirejson"),
			slog.String("component", "sse-client"),
		)
	}
}

// WithSSEClientMaxPayloadSize caps the size of events accepted from the
// server. Oversized events end the stream.
func WithSSEClientMaxPayloadSize(size int) SSEClientOption {
	return func(c *SSEClient) {
		c.maxPayloadSize = size
	}
}

// NewSSEClient creates an SSE client that connects to connectURL. A nil
// httpClient selects http.DefaultClient.
func NewSSEClient(connectURL string, httpClient *http.Client, opts ...SSEClientOption) *SSEClient {
	cli := httpClient
	if cli == nil {
		cli = http.DefaultClient
	}
	c := &SSEClient{
		httpClient: cli,
		connectURL: connectURL,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect establishes the SSE connection and waits for the server to
// announce the message endpoint. The returned stream stays live until
// closed, the server disconnects, or ctx is cancelled.
func (c *SSEClient) Connect(ctx context.Context) (Stream, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.connectURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to SSE server: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		return nil, fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}

	st := &sseClientStream{
		client:  c.httpClient,
		logger:  c.logger,
		body:    resp.Body,
		inbound: make(chan []byte, 5),
		ready:   make(chan error, 1),
		done:    make(chan struct{}),
	}
	go st.readLoop(c.maxPayloadSize)

	// No messages flow until the server names the message endpoint.
	select {
	case err := <-st.ready:
		if err != nil {
			st.Close()
			return nil, err
		}
	case <-ctx.Done():
		st.Close()
		return nil, ctx.Err()
	}
	return st, nil
}

type sseClientStream struct {
	client     *http.Client
	logger     *slog.Logger
	body       io.ReadCloser
	messageURL string

	inbound chan []byte
	ready   chan error

	closeOnce sync.Once
	done      chan struct{}
}

func (s *sseClientStream) readLoop(maxPayloadSize int) {
	defer close(s.inbound)

	var config *sse.ReadConfig
	if maxPayloadSize > 0 {
		config = &sse.ReadConfig{
			MaxEventSize: maxPayloadSize,
		}
	}

	for ev, err := range sse.Read(s.body, config) {
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				s.logger.Error("failed to read SSE message", slog.String("err", err.Error()))
			}
			return
		}

		switch ev.Type {
		case "endpoint":
			u, err := url.Parse(ev.Data)
			if err != nil {
				s.ready <- fmt.Errorf("parse endpoint URL: %w", err)
				return
			}
			if u.String() == "" {
				s.ready <- errors.New("empty endpoint URL")
				return
			}
			s.messageURL = u.String()
			s.ready <- nil
		case "message":
			if s.messageURL == "" {
				s.logger.Error("received message before endpoint URL")
				continue
			}
			select {
			case s.inbound <- []byte(ev.Data):
			case <-s.done:
				return
			}
		default:
			s.logger.Error("unhandled event type", slog.String("type", ev.Type))
		}
	}
}

func (s *sseClientStream) ReadMessage() ([]byte, error) {
	select {
	case data, ok := <-s.inbound:
		if !ok {
			return nil, io.EOF
		}
		return data, nil
	case <-s.done:
		return nil, io.EOF
	}
}

func (s *sseClientStream) WriteMessage(p []byte) error {
	select {
	case <-s.done:
		return fmt.Errorf("session is closed")
	default:
	}

	req, err := http.NewRequest(http.MethodPost, s.messageURL, bytes.NewReader(p))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("unexpected status code: %d", resp.StatusCode)
	}
	return nil
}

func (s *sseClientStream) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		s.body.Close()
	})
	return nil
}

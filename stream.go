package wirejson

import (
	"bufio"
	"fmt"
	"io"
	"net/textproto"
	"strconv"
	"strings"
	"sync"

	"github.com/elnormous/contenttype"
)

// Stream carries complete message payloads across a transport. ReadMessage
// blocks until one whole payload is available and returns io.EOF on a clean
// peer close; WriteMessage emits one payload as a single atomic unit, safe
// for concurrent callers. Implementations frame however their transport
// requires; the connection core never sees partial messages.
type Stream interface {
	ReadMessage() ([]byte, error)
	WriteMessage(p []byte) error
	Close() error
}

const (
	headerContentLength = "Content-Length"
	headerContentType   = "Content-Type"
)

// StreamOption configures a HeaderStream.
type StreamOption func(*HeaderStream)

// WithContentType makes the writer emit a Content-Type header on every frame.
func WithContentType(ct string) StreamOption {
	return func(s *HeaderStream) {
		s.contentType = ct
	}
}

// HeaderStream frames messages with an ASCII header block: a Content-Length
// header, an optional Content-Type header, a blank line, then exactly that
// many payload bytes. Partial frames are buffered across underlying reads.
type HeaderStream struct {
	br *bufio.Reader
	tp *textproto.Reader

	writeMu sync.Mutex
	bw      *bufio.Writer

	contentType string

	closeOnce sync.Once
	closeErr  error
	closers   []io.Closer
}

// NewHeaderStream frames messages over a duplex byte channel such as a
// net.Conn.
func NewHeaderStream(rwc io.ReadWriteCloser, opts ...StreamOption) *HeaderStream {
	return newHeaderStream(rwc, rwc, []io.Closer{rwc}, opts)
}

func newHeaderStream(r io.Reader, w io.Writer, closers []io.Closer, opts []StreamOption) *HeaderStream {
	br := bufio.NewReader(r)
	s := &HeaderStream{
		br:      br,
		tp:      textproto.NewReader(br),
		bw:      bufio.NewWriter(w),
		closers: closers,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ReadMessage reads one framed payload. A malformed or truncated header
// block fails with a CodeParseError error; the stream is not usable
// afterwards because the frame boundary is lost.
func (s *HeaderStream) ReadMessage() ([]byte, error) {
	header, err := s.tp.ReadMIMEHeader()
	if err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, newResponseError(CodeParseError, "malformed frame header: %v", err)
	}

	cl := header.Get(headerContentLength)
	if cl == "" {
		return nil, newResponseError(CodeParseError, "frame header is missing %s", headerContentLength)
	}
	length, err := strconv.ParseInt(strings.TrimSpace(cl), 10, 32)
	if err != nil || length < 0 {
		return nil, newResponseError(CodeParseError, "invalid %s value %q", headerContentLength, cl)
	}

	if ct := header.Get(headerContentType); ct != "" {
		mt := contenttype.NewMediaType(ct)
		if mt.Type == "" {
			return nil, newResponseError(CodeParseError, "malformed %s value %q", headerContentType, ct)
		}
		if cs, ok := mt.Parameters["charset"]; ok && !strings.EqualFold(cs, "utf-8") {
			return nil, newResponseError(CodeParseError, "unsupported charset %q", cs)
		}
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(s.br, body); err != nil {
		return nil, newResponseError(CodeParseError, "truncated frame body: %v", err)
	}
	return body, nil
}

// WriteMessage writes the header block and payload as one atomic frame.
func (s *HeaderStream) WriteMessage(p []byte) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.contentType != "" {
		fmt.Fprintf(s.bw, "%s: %d\r\n%s: %s\r\n\r\n", headerContentLength, len(p), headerContentType, s.contentType)
	} else {
		fmt.Fprintf(s.bw, "%s: %d\r\n\r\n", headerContentLength, len(p))
	}
	if _, err := s.bw.Write(p); err != nil {
		return fmt.Errorf("write frame: %w", err)
	}
	if err := s.bw.Flush(); err != nil {
		return fmt.Errorf("flush frame: %w", err)
	}
	return nil
}

// Close closes the underlying channel. Safe to call more than once.
func (s *HeaderStream) Close() error {
	s.closeOnce.Do(func() {
		for _, c := range s.closers {
			if err := c.Close(); err != nil && s.closeErr == nil {
				s.closeErr = err
			}
		}
	})
	return s.closeErr
}

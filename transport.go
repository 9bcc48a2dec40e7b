package wirejson

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
)

// Stdio frames messages over standard input and output, the usual transport
// for a child process serving its parent.
func Stdio(opts ...StreamOption) *HeaderStream {
	return newHeaderStream(os.Stdin, os.Stdout, []io.Closer{os.Stdin, os.Stdout}, opts)
}

// NodeIPC frames messages over the channel a Node.js parent passes to a
// forked child: file descriptor 3 for reading and stdout for writing.
func NodeIPC(opts ...StreamOption) *HeaderStream {
	in := os.NewFile(3, "node-ipc-in")
	return newHeaderStream(in, os.Stdout, []io.Closer{in}, opts)
}

// Dial connects a framed stream over a socket. The network is "tcp" for
// sockets or "unix" for named pipes.
func Dial(ctx context.Context, network, addr string, opts ...StreamOption) (*HeaderStream, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s %s: %w", network, addr, err)
	}
	return NewHeaderStream(conn, opts...), nil
}

// StreamListener accepts framed streams from inbound socket connections.
type StreamListener struct {
	ln   net.Listener
	opts []StreamOption
}

// Listen announces on a socket address and frames every accepted connection.
// The network is "tcp" for sockets or "unix" for named pipes.
func Listen(network, addr string, opts ...StreamOption) (*StreamListener, error) {
	ln, err := net.Listen(network, addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s %s: %w", network, addr, err)
	}
	return &StreamListener{ln: ln, opts: opts}, nil
}

// Accept blocks for the next connection.
func (l *StreamListener) Accept() (*HeaderStream, error) {
	conn, err := l.ln.Accept()
	if err != nil {
		return nil, err
	}
	return NewHeaderStream(conn, l.opts...), nil
}

// Addr returns the listening address.
func (l *StreamListener) Addr() net.Addr { return l.ln.Addr() }

// Close stops accepting connections.
func (l *StreamListener) Close() error { return l.ln.Close() }

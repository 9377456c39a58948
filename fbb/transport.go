package fbb

import (
	"fmt"
	"io"
	"net"
	"time"
)

// Transport is the byte-stream capability a Session drives the
// protocol over. Implementations do no framing of their own beyond
// delivering bytes in order; the session does its line and block
// delimiting on top.
//
// Receive returns an empty slice with a nil error when no data
// arrived within the transport's own timeout; a closed or failed
// connection is a connection error.
type Transport interface {
	Connect() error
	Send(data []byte) error
	Receive(maxLen int) ([]byte, error)
	Close() error
}

// TCPTransport is a direct TCP byte stream, the usual carrier for
// telnet-style BBS forwarding links and for testing.
type TCPTransport struct {
	Host    string
	Port    int
	Timeout time.Duration

	conn net.Conn
}

// NewTCPTransport returns a TCP transport dialing host:port.
func NewTCPTransport(host string, port int, timeout time.Duration) *TCPTransport {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &TCPTransport{Host: host, Port: port, Timeout: timeout}
}

// NewConnTransport wraps an established connection (an accepted
// socket, a net.Pipe end) as a Transport. Connect is a no-op.
func NewConnTransport(conn net.Conn, timeout time.Duration) *TCPTransport {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &TCPTransport{Timeout: timeout, conn: conn}
}

func (t *TCPTransport) Connect() error {
	if t.conn != nil {
		return nil
	}
	addr := fmt.Sprintf("%s:%d", t.Host, t.Port)
	conn, err := net.DialTimeout("tcp", addr, t.Timeout)
	if err != nil {
		return WrapError(ErrConnection, "dial "+addr, err)
	}
	t.conn = conn
	return nil
}

func (t *TCPTransport) Send(data []byte) error {
	if t.conn == nil {
		return NewError(ErrConnection, "not connected")
	}
	if err := t.conn.SetWriteDeadline(time.Now().Add(t.Timeout)); err != nil {
		return WrapError(ErrConnection, "set write deadline", err)
	}
	if _, err := t.conn.Write(data); err != nil {
		return WrapError(ErrConnection, "send", err)
	}
	return nil
}

func (t *TCPTransport) Receive(maxLen int) ([]byte, error) {
	if t.conn == nil {
		return nil, NewError(ErrConnection, "not connected")
	}
	if maxLen <= 0 {
		maxLen = 1024
	}
	if err := t.conn.SetReadDeadline(time.Now().Add(t.Timeout)); err != nil {
		return nil, WrapError(ErrConnection, "set read deadline", err)
	}
	buf := make([]byte, maxLen)
	n, err := t.conn.Read(buf)
	if n > 0 {
		return buf[:n], nil
	}
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return nil, nil // no data yet
		}
		if err == io.EOF {
			return nil, WrapError(ErrConnection, "connection closed by peer", err)
		}
		return nil, WrapError(ErrConnection, "receive", err)
	}
	return nil, nil
}

// Close never surfaces an error to the caller; a failed close of a
// dying socket is not actionable.
func (t *TCPTransport) Close() error {
	if t.conn != nil {
		t.conn.Close()
		t.conn = nil
	}
	return nil
}

package transport

import (
	"errors"
	"io"
	"net"
)

// TCPConn is the raw-stream transport (spec.md §4.A): readSome forwards
// the network read directly, with no framing of its own.
type TCPConn struct {
	closeOnce
	conn net.Conn
	kind Kind // KindTCP or KindTelnet; Telnet semantics live one layer up
}

// NewTCPConn wraps conn for the given kind (KindTCP or KindTelnet — the
// two are identical at this layer).
func NewTCPConn(conn net.Conn, kind Kind) *TCPConn {
	return &TCPConn{conn: conn, kind: kind}
}

func (c *TCPConn) ReadSome(maxBytes int) ([]byte, error) {
	buf := make([]byte, maxBytes)
	n, err := c.conn.Read(buf)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return buf[:n], nil
		}
		return buf[:n], ErrTransportFault
	}
	return buf[:n], nil
}

func (c *TCPConn) Write(b []byte) error {
	_, err := c.conn.Write(b)
	if err != nil {
		return ErrTransportFault
	}
	return nil
}

func (c *TCPConn) Close(reason string) error {
	return c.do(func() error { return c.conn.Close() })
}

func (c *TCPConn) PeerAddress() string {
	return c.conn.RemoteAddr().String()
}

func (c *TCPConn) Kind() Kind { return c.kind }

package transport

import (
	"errors"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// maxFrameBytes bounds a single inbound WebSocket frame (spec.md §9 open
// question: undefined by the source, this module caps at 64 KiB and
// treats an oversized frame as a fatal protocol error for the session).
const maxFrameBytes = 64 * 1024

// ErrFrameTooLarge is the read error for a frame exceeding maxFrameBytes.
var ErrFrameTooLarge = errors.New("transport: frame exceeds maximum size")

// WSConn adapts a message-oriented *websocket.Conn to the byte-stream
// Conn contract: incoming frames are concatenated into a queue that
// ReadSome drains; each outbound Write becomes one frame (spec.md §4.A).
type WSConn struct {
	closeOnce
	conn       *websocket.Conn
	kind       Kind // KindWS or KindWSTelnet
	textFrames bool

	frames chan []byte
	done   chan struct{}

	errMu   sync.Mutex
	readErr error

	writeMu  sync.Mutex
	leftover []byte
}

// NewWSConn wraps conn. textFrames selects text (vs binary) outbound
// frames (spec.md §6.3: both carry the session byte stream identically).
// pingInterval/pingTimeout drive the transport-owned heartbeat; a missed
// pong closes the connection as a fatal transport failure.
func NewWSConn(conn *websocket.Conn, kind Kind, textFrames bool, pingInterval, pingTimeout time.Duration) *WSConn {
	c := &WSConn{
		conn:       conn,
		kind:       kind,
		textFrames: textFrames,
		frames:     make(chan []byte, 64),
		done:       make(chan struct{}),
	}

	// Each pong must arrive within one ping interval plus pingTimeout of
	// the previous one (or of the connection opening); otherwise the read
	// deadline expires and readPump reports ErrTransportFault.
	pongWait := pingTimeout
	if pongWait <= 0 {
		pongWait = pingInterval
	}
	if pingInterval > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
	}
	conn.SetPongHandler(func(string) error {
		if pingInterval > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(pingInterval + pongWait))
		}
		return nil
	})

	go c.readPump()
	if pingInterval > 0 {
		go c.heartbeat(pingInterval, pingTimeout)
	}
	return c
}

func (c *WSConn) readPump() {
	defer close(c.frames)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			// A missed pong expires the read deadline set by the pong
			// handler, which surfaces here as a plain net.Error timeout,
			// not a websocket close frame — still a fatal transport
			// failure (spec.md §4.A), not an orderly EOF.
			var netErr net.Error
			if websocket.IsUnexpectedCloseError(err,
				websocket.CloseNormalClosure, websocket.CloseGoingAway) ||
				(errors.As(err, &netErr) && netErr.Timeout()) {
				c.setReadErr(ErrTransportFault)
			}
			return
		}
		if len(data) > maxFrameBytes {
			c.setReadErr(ErrFrameTooLarge)
			return
		}
		select {
		case c.frames <- data:
		case <-c.done:
			return
		}
	}
}

func (c *WSConn) heartbeat(interval, timeout time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	deadline := timeout
	if deadline <= 0 {
		deadline = interval
	}

	for {
		select {
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(deadline))
			c.writeMu.Unlock()
			if err != nil {
				_ = c.Close("ping failed")
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *WSConn) setReadErr(err error) {
	c.errMu.Lock()
	c.readErr = err
	c.errMu.Unlock()
}

func (c *WSConn) getReadErr() error {
	c.errMu.Lock()
	defer c.errMu.Unlock()
	return c.readErr
}

func (c *WSConn) ReadSome(maxBytes int) ([]byte, error) {
	if len(c.leftover) == 0 {
		frame, ok := <-c.frames
		if !ok {
			return nil, c.getReadErr()
		}
		c.leftover = frame
	}

	if maxBytes >= len(c.leftover) {
		out := c.leftover
		c.leftover = nil
		return out, nil
	}
	out := c.leftover[:maxBytes]
	c.leftover = c.leftover[maxBytes:]
	return out, nil
}

func (c *WSConn) Write(b []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	messageType := websocket.BinaryMessage
	if c.textFrames {
		messageType = websocket.TextMessage
	}
	if err := c.conn.WriteMessage(messageType, b); err != nil {
		return ErrTransportFault
	}
	return nil
}

func (c *WSConn) Close(reason string) error {
	return c.do(func() error {
		close(c.done)
		c.writeMu.Lock()
		_ = c.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, reason),
			time.Now().Add(time.Second))
		c.writeMu.Unlock()
		return c.conn.Close()
	})
}

func (c *WSConn) PeerAddress() string {
	return c.conn.RemoteAddr().String()
}

func (c *WSConn) Kind() Kind { return c.kind }

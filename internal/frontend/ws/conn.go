package ws

import (
	"errors"
	"fmt"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrMessageTooLarge is returned by ReadLine when a client sends a message
// larger than the configured limit.
var ErrMessageTooLarge = errors.New("message exceeds maximum size")

// closeGrace bounds how long Close waits to send the close frame.
const closeGrace = time.Second

// Conn presents a WebSocket as a line transport: each inbound text message
// is one line and each written line is one text message.
type Conn struct {
	ws           *websocket.Conn
	readTimeout  time.Duration
	writeTimeout time.Duration
	mu           sync.Mutex

	closeOnce sync.Once
	closeErr  error
}

// NewConn wraps an upgraded WebSocket connection.
//
// Precondition: ws must be an open connection.
func NewConn(ws *websocket.Conn, readTimeout, writeTimeout time.Duration, maxMessageSize int64) *Conn {
	if maxMessageSize > 0 {
		ws.SetReadLimit(maxMessageSize)
	}
	return &Conn{
		ws:           ws,
		readTimeout:  readTimeout,
		writeTimeout: writeTimeout,
	}
}

// ReadLine returns the next text message with any trailing line terminator
// removed. Binary messages are skipped.
//
// Postcondition: Returns io.EOF when the peer closes normally, an error
// wrapping ErrMessageTooLarge for oversized messages, or the read error.
func (c *Conn) ReadLine() (string, error) {
	for {
		if c.readTimeout > 0 {
			_ = c.ws.SetReadDeadline(time.Now().Add(c.readTimeout))
		}
		kind, data, err := c.ws.ReadMessage()
		if err != nil {
			switch {
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
				return "", io.EOF
			case errors.Is(err, websocket.ErrReadLimit):
				return "", fmt.Errorf("reading message from %s: %w", c.ws.RemoteAddr(), ErrMessageTooLarge)
			default:
				return "", err
			}
		}
		if kind != websocket.TextMessage {
			continue
		}
		return strings.TrimRight(string(data), "\r\n"), nil
	}
}

// WriteLine sends text as a single text message. Concurrent callers are
// serialized; gorilla/websocket allows one writer at a time.
func (c *Conn) WriteLine(text string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	return c.ws.WriteMessage(websocket.TextMessage, []byte(text))
}

// Close sends a normal close frame and closes the connection. Sending the
// frame waits for any in-flight write, up to closeGrace. It is safe to call
// more than once and concurrently with ReadLine and WriteLine.
func (c *Conn) Close() error {
	c.closeOnce.Do(func() {
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeGrace))
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}

// Abort closes the underlying connection without a close frame. It never
// waits on a writer stuck behind a peer that stopped reading; that write
// fails instead. Later Close calls are no-ops.
func (c *Conn) Abort() error {
	c.closeOnce.Do(func() {
		c.closeErr = c.ws.Close()
	})
	return c.closeErr
}

// RemoteAddr returns the peer's network address.
func (c *Conn) RemoteAddr() net.Addr {
	return c.ws.RemoteAddr()
}

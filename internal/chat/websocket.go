package chat

import (
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/gorilla/websocket"
)

const closeGracePeriod = time.Second

type wsConn struct {
	conn    *websocket.Conn
	opts    ConnOptions
	pending []string
}

// NewWSConn adapts a WebSocket to LineConn. Every text or binary frame is
// split on "\n"; each piece is one line.
func NewWSConn(conn *websocket.Conn, opts ConnOptions) LineConn {
	opts = opts.withDefaults()
	conn.SetReadLimit(int64(opts.MaxLineBytes))
	return &wsConn{conn: conn, opts: opts}
}

func (c *wsConn) ReadLine() (string, error) {
	for len(c.pending) == 0 {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			switch {
			case errors.Is(err, websocket.ErrReadLimit):
				return "", ErrLineTooLong
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				return "", io.EOF
			default:
				return "", fmt.Errorf("read: %w", err)
			}
		}
		text := strings.TrimSuffix(strings.TrimSuffix(string(data), "\n"), "\r")
		for _, line := range strings.Split(text, "\n") {
			c.pending = append(c.pending, strings.TrimSuffix(line, "\r"))
		}
	}

	line := c.pending[0]
	c.pending = c.pending[1:]
	return line, nil
}

func (c *wsConn) WriteLine(line string) error {
	if c.opts.WriteTimeout > 0 {
		if err := c.conn.SetWriteDeadline(c.opts.Clock.Now().Add(c.opts.WriteTimeout)); err != nil {
			return fmt.Errorf("set write deadline: %w", err)
		}
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, []byte(line)); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	return nil
}

// Close sends a best-effort close frame before dropping the connection.
// WriteControl may run concurrently with WriteLine.
func (c *wsConn) Close() error {
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	_ = c.conn.WriteControl(websocket.CloseMessage, msg, c.opts.Clock.Now().Add(closeGracePeriod))
	return c.conn.Close()
}

func (c *wsConn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

func (c *wsConn) Transport() string { return "websocket" }

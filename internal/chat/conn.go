package chat

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/jonboulle/clockwork"
)

const (
	defaultMaxLineBytes = 64 * 1024
	defaultWriteTimeout = 10 * time.Second
)

// LineConn is a client connection carrying newline-delimited messages.
// ReadLine and WriteLine may run concurrently with each other, but each must
// only be called from one goroutine at a time.
type LineConn interface {
	ReadLine() (string, error)
	WriteLine(line string) error
	Close() error
	RemoteAddr() string
	Transport() string
}

type ConnOptions struct {
	MaxLineBytes int
	WriteTimeout time.Duration // negative disables write deadlines
	Clock        clockwork.Clock
}

func (o ConnOptions) withDefaults() ConnOptions {
	if o.MaxLineBytes <= 0 {
		o.MaxLineBytes = defaultMaxLineBytes
	}
	if o.WriteTimeout == 0 {
		o.WriteTimeout = defaultWriteTimeout
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	return o
}

type tcpConn struct {
	conn   net.Conn
	reader *bufio.Reader
	writer *bufio.Writer
	opts   ConnOptions
}

func NewTCPConn(conn net.Conn, opts ConnOptions) LineConn {
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	return &tcpConn{
		conn:   conn,
		reader: bufio.NewReader(conn),
		writer: bufio.NewWriter(conn),
		opts:   opts.withDefaults(),
	}
}

// ReadLine returns the next complete line with its "\n" or "\r\n" removed.
// Bytes left without a delimiter when the peer closes are discarded and
// reported as io.ErrUnexpectedEOF.
func (c *tcpConn) ReadLine() (string, error) {
	var line []byte
	for {
		frag, err := c.reader.ReadSlice('\n')
		line = append(line, frag...)
		// Room for a "\r\n" delimiter on top of the content limit.
		if len(line) > c.opts.MaxLineBytes+2 {
			return "", ErrLineTooLong
		}

		switch {
		case err == nil:
			text := trimDelimiter(string(line))
			if len(text) > c.opts.MaxLineBytes {
				return "", ErrLineTooLong
			}
			return text, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF):
			if len(line) > 0 {
				return "", io.ErrUnexpectedEOF
			}
			return "", io.EOF
		default:
			return "", fmt.Errorf("read: %w", err)
		}
	}
}

func (c *tcpConn) WriteLine(line string) error {
	if c.opts.WriteTimeout > 0 {
		if err := c.conn.SetWriteDeadline(c.opts.Clock.Now().Add(c.opts.WriteTimeout)); err != nil {
			return fmt.Errorf("set write deadline: %w", err)
		}
	}
	if _, err := c.writer.WriteString(line + "\n"); err != nil {
		return fmt.Errorf("write: %w", err)
	}
	if err := c.writer.Flush(); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	return nil
}

func (c *tcpConn) Close() error {
	return c.conn.Close()
}

func (c *tcpConn) RemoteAddr() string {
	return c.conn.RemoteAddr().String()
}

func (c *tcpConn) Transport() string { return "tcp" }

func trimDelimiter(line string) string {
	n := len(line)
	if n > 0 && line[n-1] == '\n' {
		n--
		if n > 0 && line[n-1] == '\r' {
			n--
		}
	}
	return line[:n]
}

package chat

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/jonboulle/clockwork"
)

// Directory is the part of the Registry a session talks to.
type Directory interface {
	Register(id ConnectionID, mb *Mailbox) error
	Deregister(id ConnectionID)
	BroadcastExcept(sender ConnectionID, msg Message)
}

type SessionOptions struct {
	Greeting    string
	MailboxSize int
	Clock       clockwork.Clock
	Logger      *slog.Logger
}

func (o SessionOptions) withDefaults() SessionOptions {
	if o.Greeting == "" {
		o.Greeting = DefaultGreeting
	}
	if o.Clock == nil {
		o.Clock = clockwork.NewRealClock()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	return o
}

type sessionState int32

const (
	sessionActive sessionState = iota
	sessionTerminated
)

type session struct {
	id      ConnectionID
	conn    LineConn
	mailbox *Mailbox
	dir     Directory
	logger  *slog.Logger

	state        atomic.Int32
	shutdownOnce sync.Once
}

// HandleSession runs one client from greeting to disconnect and returns once
// both its read and write loops have exited.
func HandleSession(ctx context.Context, conn LineConn, dir Directory, opts SessionOptions) {
	opts = opts.withDefaults()
	id := NewConnectionID()
	s := &session{
		id:      id,
		conn:    conn,
		mailbox: NewMailbox(opts.MailboxSize),
		dir:     dir,
		logger: opts.Logger.With(
			"conn_id", id.String(),
			"remote_addr", conn.RemoteAddr(),
			"transport", conn.Transport(),
		),
	}

	ConnectionsTotal.WithLabelValues(conn.Transport()).Inc()
	start := opts.Clock.Now()
	defer func() {
		SessionDuration.Observe(opts.Clock.Since(start).Seconds())
	}()

	if err := dir.Register(s.id, s.mailbox); err != nil {
		s.logger.Warn("register failed", "error", err)
		_ = conn.Close()
		return
	}

	// The write loop is not running yet, so the greeting is always the first
	// line on the wire even if broadcasts are already queued.
	if err := conn.WriteLine(opts.Greeting); err != nil {
		s.shutdown("greeting failed")
		return
	}
	s.logger.Info("client joined")

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		s.shutdown(s.writeLoop(ctx))
	}()

	s.shutdown(s.readLoop())
	<-writerDone
}

func (s *session) readLoop() string {
	for {
		line, err := s.conn.ReadLine()
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				return "eof"
			case errors.Is(err, io.ErrUnexpectedEOF):
				s.logger.Debug("partial line discarded")
				return "eof"
			case errors.Is(err, ErrLineTooLong):
				return "line too long"
			case s.terminated():
				return "closed"
			default:
				s.logger.Debug("read failed", "error", err)
				return "read error"
			}
		}
		if line == "" {
			continue
		}
		s.dir.BroadcastExcept(s.id, Message(line))
	}
}

func (s *session) writeLoop(ctx context.Context) string {
	for {
		msg, err := s.mailbox.Receive(ctx)
		if err != nil {
			if errors.Is(err, ErrMailboxClosed) {
				return "mailbox closed"
			}
			return "server shutdown"
		}
		if err := s.conn.WriteLine(string(msg)); err != nil {
			if !s.terminated() {
				s.logger.Debug("write failed", "error", err)
			}
			return "write error"
		}
	}
}

// shutdown tears the session down exactly once, whichever loop gets here first.
func (s *session) shutdown(reason string) {
	s.shutdownOnce.Do(func() {
		s.state.Store(int32(sessionTerminated))
		s.mailbox.Close()
		s.dir.Deregister(s.id)
		_ = s.conn.Close()
		s.logger.Info("client left", "reason", reason)
	})
}

func (s *session) terminated() bool {
	return sessionState(s.state.Load()) == sessionTerminated
}

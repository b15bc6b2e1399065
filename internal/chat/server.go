package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
)

const maxAcceptDelay = time.Second

type ServerConfig struct {
	Addr         string
	Greeting     string
	MailboxSize  int
	MaxLineBytes int
	WriteTimeout time.Duration
	Clock        clockwork.Clock
}

type Server struct {
	cfg      ServerConfig
	logger   *slog.Logger
	reg      *Registry
	upgrader websocket.Upgrader

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	closed   bool
	sessions sync.WaitGroup
}

// NewServer creates a server and starts its registry. Call Shutdown to release it.
func NewServer(cfg ServerConfig, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:    cfg,
		logger: logger,
		reg:    NewRegistry(256, logger),
		upgrader: websocket.Upgrader{
			// No credentials ride on the connection, so any origin may join.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
		ctx:    ctx,
		cancel: cancel,
	}
	go s.reg.Run()
	return s
}

func (s *Server) Registry() *Registry {
	return s.reg
}

// ListenAndServe binds cfg.Addr and serves it until ctx is cancelled or the
// server is shut down.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.cfg.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln and runs a session for each. It returns nil
// when ctx is cancelled or Shutdown is called, and an error when ln fails for
// any other reason.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	closeListener := func() { _ = ln.Close() }
	stopCtx := context.AfterFunc(ctx, closeListener)
	defer stopCtx()
	stopServer := context.AfterFunc(s.ctx, closeListener)
	defer stopServer()

	s.logger.Info("server started", "addr", ln.Addr().String())

	var delay time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || s.ctx.Err() != nil {
				return nil
			}
			if !isTransientAcceptError(err) {
				return fmt.Errorf("accept: %w", err)
			}

			delay = nextAcceptDelay(delay)
			s.logger.Warn("accept failed, retrying", "error", err, "delay", delay)
			select {
			case <-s.cfg.Clock.After(delay):
			case <-ctx.Done():
			case <-s.ctx.Done():
			}
			continue
		}
		delay = 0

		s.logger.Info("client connected", "addr", conn.RemoteAddr().String())
		s.serveConn(NewTCPConn(conn, s.connOptions()))
	}
}

// WebSocketHandler upgrades requests and relays their frames through the same
// registry as TCP clients.
func (s *Server) WebSocketHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := s.upgrader.Upgrade(w, r, nil)
		if err != nil {
			// Upgrade has already replied with an HTTP error.
			s.logger.Warn("websocket upgrade failed", "error", err)
			return
		}

		s.logger.Info("client connected", "addr", conn.RemoteAddr().String())
		s.serveConn(NewWSConn(conn, s.connOptions()))
	})
}

// Shutdown stops accepting, closes every client and waits for their sessions
// to finish or for ctx to expire.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down")

	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.reg.CloseAll()

	done := make(chan struct{})
	go func() {
		s.sessions.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	s.reg.Stop()
	s.reg.Wait()

	s.logger.Info("shutdown complete")
	return err
}

func (s *Server) serveConn(conn LineConn) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		_ = conn.Close()
		return
	}
	s.sessions.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.sessions.Done()
		HandleSession(s.ctx, conn, s.reg, SessionOptions{
			Greeting:    s.cfg.Greeting,
			MailboxSize: s.cfg.MailboxSize,
			Clock:       s.cfg.Clock,
			Logger:      s.logger,
		})
	}()
}

func (s *Server) connOptions() ConnOptions {
	return ConnOptions{
		MaxLineBytes: s.cfg.MaxLineBytes,
		WriteTimeout: s.cfg.WriteTimeout,
		Clock:        s.cfg.Clock,
	}
}

func isTransientAcceptError(err error) bool {
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return errors.Is(err, syscall.ECONNABORTED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EMFILE) ||
		errors.Is(err, syscall.ENFILE)
}

func nextAcceptDelay(delay time.Duration) time.Duration {
	if delay == 0 {
		return 5 * time.Millisecond
	}
	delay *= 2
	if delay > maxAcceptDelay {
		delay = maxAcceptDelay
	}
	return delay
}

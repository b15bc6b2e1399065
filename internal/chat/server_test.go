package chat

import (
	"bufio"
	"context"
	"errors"
	"net"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClient struct {
	t      *testing.T
	conn   net.Conn
	reader *bufio.Reader
}

func dial(t *testing.T, addr string) *testClient {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &testClient{t: t, conn: conn, reader: bufio.NewReader(conn)}
}

func (c *testClient) readLine(timeout time.Duration) (string, error) {
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	line, err := c.reader.ReadString('\n')
	return strings.TrimRight(line, "\r\n"), err
}

func (c *testClient) expect(want string) {
	c.t.Helper()
	line, err := c.readLine(2 * time.Second)
	require.NoError(c.t, err, "waiting for %q", want)
	assert.Equal(c.t, want, line)
}

func (c *testClient) expectNothing() {
	c.t.Helper()
	line, err := c.readLine(150 * time.Millisecond)
	var ne net.Error
	require.True(c.t, errors.As(err, &ne) && ne.Timeout(), "unexpected line %q (err %v)", line, err)
}

func (c *testClient) send(line string) {
	c.t.Helper()
	_, err := c.conn.Write([]byte(line + "\n"))
	require.NoError(c.t, err)
}

func startTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	srv := NewServer(ServerConfig{WriteTimeout: time.Second}, nil)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ctx, ln) }()

	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-serveErr)
		shutdownCtx, stop := context.WithTimeout(context.Background(), 2*time.Second)
		defer stop()
		assert.NoError(t, srv.Shutdown(shutdownCtx))
	})
	return srv, ln.Addr().String()
}

func TestServer_RelayScenario(t *testing.T) {
	srv, addr := startTestServer(t)

	c1 := dial(t, addr)
	c1.expect("LOGIN")
	c2 := dial(t, addr)
	c2.expect("LOGIN")
	c3 := dial(t, addr)
	c3.expect("LOGIN")

	c2.send("hello")
	c1.expect("hello")
	c3.expect("hello")
	c2.expectNothing()

	require.NoError(t, c1.conn.Close())
	require.Eventually(t, func() bool { return srv.Registry().Len() == 2 }, 2*time.Second, 10*time.Millisecond)

	c3.send("ping")
	c2.expect("ping")
	c3.expectNothing()
}

func TestServer_GreetingIsNotRelayed(t *testing.T) {
	_, addr := startTestServer(t)

	first := dial(t, addr)
	first.expect("LOGIN")

	second := dial(t, addr)
	second.expect("LOGIN")

	first.expectNothing()
}

func TestServer_PerSenderOrder(t *testing.T) {
	_, addr := startTestServer(t)

	a := dial(t, addr)
	a.expect("LOGIN")
	b := dial(t, addr)
	b.expect("LOGIN")

	a.send("one")
	a.send("two")
	a.send("three")

	b.expect("one")
	b.expect("two")
	b.expect("three")
}

func TestServer_PartialLineDroppedOnDisconnect(t *testing.T) {
	srv, addr := startTestServer(t)

	sender := dial(t, addr)
	sender.expect("LOGIN")
	listener := dial(t, addr)
	listener.expect("LOGIN")

	_, err := sender.conn.Write([]byte("no newline"))
	require.NoError(t, err)
	require.NoError(t, sender.conn.Close())

	require.Eventually(t, func() bool { return srv.Registry().Len() == 1 }, 2*time.Second, 10*time.Millisecond)
	listener.expectNothing()
}

func TestServer_ShutdownDisconnectsClients(t *testing.T) {
	srv := NewServer(ServerConfig{}, nil)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(context.Background(), ln) }()

	c := dial(t, ln.Addr().String())
	c.expect("LOGIN")

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))
	require.NoError(t, <-serveErr)

	_, err = c.readLine(time.Second)
	assert.Error(t, err)
}

func TestServer_ServeFailsWhenListenerDies(t *testing.T) {
	srv := NewServer(ServerConfig{}, nil)
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(context.Background(), ln) }()

	time.Sleep(20 * time.Millisecond)
	require.NoError(t, ln.Close())

	select {
	case err := <-serveErr:
		assert.ErrorIs(t, err, net.ErrClosed)
	case <-time.After(2 * time.Second):
		t.Fatal("Serve did not return")
	}
}

func TestServer_ListenAndServeBindFailure(t *testing.T) {
	taken, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = taken.Close() })

	srv := NewServer(ServerConfig{Addr: taken.Addr().String()}, nil)
	t.Cleanup(func() { _ = srv.Shutdown(context.Background()) })

	err = srv.ListenAndServe(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listen")
}

func TestServer_WebSocketAndTCPShareRelay(t *testing.T) {
	srv, addr := startTestServer(t)

	hs := httptest.NewServer(srv.WebSocketHandler())
	t.Cleanup(hs.Close)

	wsURL := "ws" + strings.TrimPrefix(hs.URL, "http")
	ws, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = ws.Close() })

	readWS := func() string {
		t.Helper()
		require.NoError(t, ws.SetReadDeadline(time.Now().Add(2*time.Second)))
		_, data, err := ws.ReadMessage()
		require.NoError(t, err)
		return string(data)
	}
	assert.Equal(t, "LOGIN", readWS())

	tcp := dial(t, addr)
	tcp.expect("LOGIN")

	tcp.send("from tcp")
	assert.Equal(t, "from tcp", readWS())

	require.NoError(t, ws.WriteMessage(websocket.TextMessage, []byte("from ws")))
	tcp.expect("from ws")
}

func TestServer_TransientAcceptErrorIsRetried(t *testing.T) {
	clock := clockwork.NewFakeClockAt(time.Now())
	srv := NewServer(ServerConfig{Clock: clock, WriteTimeout: -1}, nil)

	ln := newScriptedListener(&net.OpError{Op: "accept", Net: "tcp", Err: timeoutError{}})
	ctx, cancel := context.WithCancel(context.Background())
	serveErr := make(chan error, 1)
	go func() { serveErr <- srv.Serve(ctx, ln) }()

	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-serveErr)
		shutdownCtx, stop := context.WithTimeout(context.Background(), 2*time.Second)
		defer stop()
		assert.NoError(t, srv.Shutdown(shutdownCtx))
	})

	// Serve is parked on the back-off timer.
	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	require.NoError(t, clock.BlockUntilContext(waitCtx, 1))

	server, client := net.Pipe()
	t.Cleanup(func() { _ = client.Close() })
	ln.conns <- server
	clock.Advance(nextAcceptDelay(0))

	c := &testClient{t: t, conn: client, reader: bufio.NewReader(client)}
	c.expect("LOGIN")

	select {
	case err := <-serveErr:
		t.Fatalf("Serve returned after a transient error: %v", err)
	default:
	}
}

func TestIsTransientAcceptError(t *testing.T) {
	assert.False(t, isTransientAcceptError(net.ErrClosed))
	assert.True(t, isTransientAcceptError(&net.OpError{Op: "accept", Err: timeoutError{}}))
}

func TestNextAcceptDelay(t *testing.T) {
	assert.Equal(t, 5*time.Millisecond, nextAcceptDelay(0))
	assert.Equal(t, 10*time.Millisecond, nextAcceptDelay(5*time.Millisecond))
	assert.Equal(t, maxAcceptDelay, nextAcceptDelay(maxAcceptDelay))
}

type timeoutError struct{}

func (timeoutError) Error() string   { return "i/o timeout" }
func (timeoutError) Timeout() bool   { return true }
func (timeoutError) Temporary() bool { return true }

// scriptedListener returns the queued errors before handing out conns.
type scriptedListener struct {
	errs      chan error
	conns     chan net.Conn
	closed    chan struct{}
	closeOnce sync.Once
}

func newScriptedListener(errs ...error) *scriptedListener {
	l := &scriptedListener{
		errs:   make(chan error, len(errs)),
		conns:  make(chan net.Conn, 1),
		closed: make(chan struct{}),
	}
	for _, err := range errs {
		l.errs <- err
	}
	return l
}

func (l *scriptedListener) Accept() (net.Conn, error) {
	select {
	case err := <-l.errs:
		return nil, err
	default:
	}
	select {
	case conn := <-l.conns:
		return conn, nil
	case <-l.closed:
		return nil, net.ErrClosed
	}
}

func (l *scriptedListener) Close() error {
	l.closeOnce.Do(func() { close(l.closed) })
	return nil
}

func (l *scriptedListener) Addr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)}
}

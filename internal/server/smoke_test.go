package server

import (
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/kstaniek/go-apa102-server/internal/link"
	"github.com/kstaniek/go-apa102-server/internal/metrics"
	"github.com/kstaniek/go-apa102-server/internal/pixel"
)

// captureSink records committed frames.
type captureSink struct {
	mu      sync.Mutex
	n       int
	cur     []pixel.Pixel
	commits [][]pixel.Pixel
}

func newCaptureSink(n int) *captureSink { return &captureSink{n: n, cur: make([]pixel.Pixel, n)} }

func (c *captureSink) Len() int { return c.n }
func (c *captureSink) Set(i int, p pixel.Pixel) {
	c.mu.Lock()
	c.cur[i] = p
	c.mu.Unlock()
}
func (c *captureSink) Commit() error {
	c.mu.Lock()
	c.commits = append(c.commits, append([]pixel.Pixel(nil), c.cur...))
	c.mu.Unlock()
	return nil
}
func (c *captureSink) count() int { c.mu.Lock(); defer c.mu.Unlock(); return len(c.commits) }

var frame3 = []byte{31, 255, 0, 0, 10, 0, 255, 0, 5, 0, 0, 255}

func startServer(t *testing.T, opts ...ServerOption) (*Server, context.CancelFunc) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	srv := NewServer(append([]ServerOption{WithListenAddr("127.0.0.1:0")}, opts...)...)
	go func() {
		if err := srv.Serve(ctx); err != nil {
			t.Logf("Serve returned: %v", err)
		}
	}()
	t.Cleanup(func() {
		cancel()
		sctx, c := context.WithTimeout(context.Background(), 2*time.Second)
		defer c()
		_ = srv.Shutdown(sctx)
	})
	return srv, cancel
}

func waitReady(t *testing.T, srv *Server) {
	t.Helper()
	select {
	case <-srv.Ready():
	case <-time.After(time.Second):
		t.Fatalf("server did not signal readiness")
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timeout waiting for %s", what)
}

// TestSmokeServer streams a fragmented frame through a real TCP connection.
func TestSmokeServer(t *testing.T) {
	sink := newCaptureSink(3)
	srv, _ := startServer(t, WithSink(sink))
	waitReady(t, srv)

	conn, err := net.DialTimeout("tcp", srv.Addr(), time.Second)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	for _, part := range [][]byte{frame3[:5], frame3[5:9], frame3[9:]} {
		if _, err := conn.Write(part); err != nil {
			t.Fatalf("write: %v", err)
		}
		time.Sleep(5 * time.Millisecond)
	}
	waitFor(t, "commit", func() bool { return sink.count() == 1 })
	sink.mu.Lock()
	got := sink.commits[0]
	sink.mu.Unlock()
	if got[0].Red != 255 || got[1].Green != 255 || got[2].Blue != 255 || got[0].Brightness != 31 {
		t.Fatalf("unexpected frame %+v", got)
	}
}

// TestListenerWaitsForLink verifies nothing is bound before the link is joined.
func TestListenerWaitsForLink(t *testing.T) {
	gate := link.NewGate()
	srv, _ := startServer(t, WithSink(newCaptureSink(1)), WithLinkGate(gateWaiter{gate}))
	select {
	case <-srv.Ready():
		t.Fatalf("listener bound before link joined")
	case <-time.After(50 * time.Millisecond):
	}
	gate.Set()
	waitReady(t, srv)
}

type gateWaiter struct{ g *link.Gate }

func (w gateWaiter) WaitForLinkJoined(ctx context.Context) error { return w.g.Wait(ctx) }

// TestSingleSessionPolicy rejects a second client and frees the slot when the
// first disconnects.
func TestSingleSessionPolicy(t *testing.T) {
	sink := newCaptureSink(3)
	srv, _ := startServer(t, WithSink(sink))
	waitReady(t, srv)
	rejectedBefore := metrics.Snap().Rejected

	first, err := net.Dial("tcp", srv.Addr())
	if err != nil {
		t.Fatalf("dial first: %v", err)
	}
	waitFor(t, "session bind", srv.SessionActive)

	second, err := net.Dial("tcp", srv.Addr())
	if err != nil {
		t.Fatalf("dial second: %v", err)
	}
	_ = second.SetReadDeadline(time.Now().Add(time.Second))
	buf := make([]byte, 1)
	if _, err := second.Read(buf); err == nil {
		t.Fatalf("second connection should be closed by server")
	}
	second.Close()
	if metrics.Snap().Rejected <= rejectedBefore {
		t.Fatalf("rejection not counted")
	}

	first.Close()
	waitFor(t, "slot release", func() bool { return !srv.SessionActive() })

	third, err := net.Dial("tcp", srv.Addr())
	if err != nil {
		t.Fatalf("dial third: %v", err)
	}
	defer third.Close()
	if _, err := third.Write(frame3); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitFor(t, "commit on new session", func() bool { return sink.count() == 1 })
}

// TestIdleClientSurvivesReadDeadline keeps a quiet session bound across timeouts.
func TestIdleClientSurvivesReadDeadline(t *testing.T) {
	sink := newCaptureSink(3)
	srv, _ := startServer(t, WithSink(sink), WithReadDeadline(20*time.Millisecond))
	waitReady(t, srv)
	conn, err := net.Dial("tcp", srv.Addr())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	time.Sleep(80 * time.Millisecond)
	if !srv.SessionActive() {
		t.Fatalf("idle session dropped on read timeout")
	}
	if _, err := conn.Write(frame3); err != nil {
		t.Fatalf("write: %v", err)
	}
	waitFor(t, "commit after idle", func() bool { return sink.count() == 1 })
}

func TestServeWithoutSink(t *testing.T) {
	if err := NewServer().Serve(context.Background()); err != ErrNoSink {
		t.Fatalf("expected ErrNoSink, got %v", err)
	}
}

// TestListenRetriesUntilPortFree holds the port, then frees it and expects the
// server to bind on a later attempt instead of giving up.
func TestListenRetriesUntilPortFree(t *testing.T) {
	orig := listenRetryMin
	listenRetryMin = 10 * time.Millisecond
	t.Cleanup(func() { listenRetryMin = orig })

	held, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := held.Addr().String()
	srv, _ := startServer(t, WithSink(newCaptureSink(1)), WithListenAddr(addr))

	waitFor(t, "bind failure recorded", func() bool { return srv.LastError() != nil })
	if got := mapErrToMetric(srv.LastError()); got != metrics.ErrListen {
		t.Fatalf("expected %s label, got %s (%v)", metrics.ErrListen, got, srv.LastError())
	}
	select {
	case <-srv.Ready():
		t.Fatalf("ready while the port is held")
	default:
	}

	held.Close()
	select {
	case <-srv.Ready():
	case <-time.After(2 * time.Second):
		t.Fatalf("server did not bind after the port was freed")
	}
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial after rebind: %v", err)
	}
	conn.Close()
}

func TestServeReturnsAfterShutdown(t *testing.T) {
	srv := NewServer(WithSink(newCaptureSink(1)), WithListenAddr("127.0.0.1:0"))
	done := make(chan error, 1)
	go func() { done <- srv.Serve(context.Background()) }()
	waitReady(t, srv)
	if err := srv.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("expected nil from Serve, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Serve kept running after Shutdown")
	}
}

// stubListener hands out a single connection.
type stubListener struct {
	conn net.Conn
	used bool
}

func (l *stubListener) Accept() (net.Conn, error) {
	if l.used {
		return nil, net.ErrClosed
	}
	l.used = true
	return l.conn, nil
}
func (l *stubListener) Close() error   { return nil }
func (l *stubListener) Addr() net.Addr { return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)} }

// TestShutdownRejectsLateAccept covers a connection accepted after Shutdown
// began: it must be closed without starting a session.
func TestShutdownRejectsLateAccept(t *testing.T) {
	sink := newCaptureSink(1)
	srv := NewServer(WithSink(sink))
	if err := srv.Shutdown(context.Background()); err != nil {
		t.Fatalf("shutdown: %v", err)
	}
	client, server := net.Pipe()
	defer client.Close()
	if err := srv.acceptOnce(context.Background(), &stubListener{conn: server}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
	if srv.SessionActive() {
		t.Fatalf("session slot taken after shutdown")
	}
	_ = client.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := client.Read(make([]byte, 1)); err != io.EOF {
		t.Fatalf("expected late connection closed (EOF), got %v", err)
	}
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		t.Fatalf("second shutdown: %v", err)
	}
}

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/kstaniek/go-apa102-server/internal/events"
	"github.com/kstaniek/go-apa102-server/internal/ingest"
	"github.com/kstaniek/go-apa102-server/internal/logging"
	"github.com/kstaniek/go-apa102-server/internal/metrics"
)

// LinkWaiter blocks until the network link is usable.
type LinkWaiter interface {
	WaitForLinkJoined(ctx context.Context) error
}

// Server owns the TCP listener and binds at most one connection at a time to
// an ingest session writing into the strip.
type Server struct {
	mu   sync.RWMutex
	addr string
	sink ingest.Sink
	link LinkWaiter
	bus  *events.Bus

	readDeadline time.Duration
	readChunk    int
	readyOnce    sync.Once
	readyCh      chan struct{}
	lastErrMu    sync.Mutex
	lastErr      error
	errCh        chan error
	listener     net.Listener

	// active is the single session slot.
	active     atomic.Bool
	connMu     sync.Mutex
	activeConn net.Conn
	closing    bool // set by Shutdown under connMu; no session starts afterwards

	wg            sync.WaitGroup
	logger        *slog.Logger
	nextConnID    uint64
	totalAccepted atomic.Uint64
	totalRejected atomic.Uint64
	totalFrames   atomic.Uint64
	totalDropped  atomic.Uint64
}

const (
	defaultReadDeadline = 60 * time.Second
	defaultPort         = 4242
)

// DefaultListenAddr is the ingest port used when none is configured.
var DefaultListenAddr = fmt.Sprintf(":%d", defaultPort)

// sleepFn paces retries after transient accept errors.
var sleepFn = time.Sleep

// Bind retry backoff bounds.
var (
	listenRetryMin = 500 * time.Millisecond
	listenRetryMax = 10 * time.Second
)

type ServerOption func(*Server)

func NewServer(opts ...ServerOption) *Server {
	s := &Server{
		readDeadline: defaultReadDeadline,
		readyCh:      make(chan struct{}),
		errCh:        make(chan error, 1),
		logger:       logging.L(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.addr == "" {
		s.addr = DefaultListenAddr
	}
	return s
}

func WithListenAddr(a string) ServerOption   { return func(s *Server) { s.addr = a } }
func WithSink(sink ingest.Sink) ServerOption { return func(s *Server) { s.sink = sink } }
func WithLinkGate(w LinkWaiter) ServerOption { return func(s *Server) { s.link = w } }
func WithEvents(b *events.Bus) ServerOption  { return func(s *Server) { s.bus = b } }

func WithReadDeadline(d time.Duration) ServerOption {
	return func(s *Server) {
		if d > 0 {
			s.readDeadline = d
		}
	}
}

// WithReadChunk sets the per-read buffer size, which bounds how many bytes a
// single read can contribute (and drop) at a frame boundary.
func WithReadChunk(n int) ServerOption {
	return func(s *Server) {
		if n > 0 {
			s.readChunk = n
		}
	}
}

func WithLogger(l *slog.Logger) ServerOption {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

func (s *Server) Addr() string           { s.mu.RLock(); defer s.mu.RUnlock(); return s.addr }
func (s *Server) setAddr(a string)       { s.mu.Lock(); s.addr = a; s.mu.Unlock() }
func (s *Server) SetListenAddr(a string) { s.setAddr(a) }
func (s *Server) Ready() <-chan struct{} { return s.readyCh }
func (s *Server) Errors() <-chan error   { return s.errCh }

// SessionActive reports whether the single session slot is taken.
func (s *Server) SessionActive() bool { return s.active.Load() }

func (s *Server) setError(err error) {
	if err == nil {
		return
	}
	s.lastErrMu.Lock()
	s.lastErr = err
	s.lastErrMu.Unlock()
	select {
	case s.errCh <- err:
	default:
	}
}
func (s *Server) LastError() error { s.lastErrMu.Lock(); defer s.lastErrMu.Unlock(); return s.lastErr }

// Serve waits for the link gate, then accepts TCP clients until ctx is done or
// Shutdown is called. Bind, accept and connection failures are logged and
// retried; only a missing sink is returned as an error.
func (s *Server) Serve(ctx context.Context) error {
	if s.sink == nil {
		return ErrNoSink
	}
	if s.link != nil {
		s.logger.Info("await_link_joined")
		if err := s.link.WaitForLinkJoined(ctx); err != nil {
			return nil
		}
	}
	ln, err := s.listen(ctx)
	if err != nil {
		return nil
	}
	// connMu spans the check and the store so Shutdown either sees the
	// listener or Serve sees closing.
	s.connMu.Lock()
	if s.closing {
		s.connMu.Unlock()
		_ = ln.Close()
		return nil
	}
	s.mu.Lock()
	s.addr = ln.Addr().String()
	s.listener = ln
	s.mu.Unlock()
	s.connMu.Unlock()
	s.readyOnce.Do(func() { close(s.readyCh) })
	s.logger.Info("tcp_listen", "addr", s.Addr(), "frame_bytes", s.sink.Len()*4)
	go func() { <-ctx.Done(); _ = ln.Close() }()
	for {
		if err := s.acceptOnce(ctx, ln); err != nil {
			if !errors.Is(err, context.Canceled) && ctx.Err() == nil {
				s.logger.Info("tcp_listener_closed", "error", err)
			}
			return nil
		}
	}
}

// listen binds the configured address, retrying with exponential backoff
// until it succeeds or ctx is done.
func (s *Server) listen(ctx context.Context) (net.Listener, error) {
	var lc net.ListenConfig
	backoff := listenRetryMin
	for {
		addr := s.Addr()
		ln, err := lc.Listen(ctx, "tcp", addr)
		if err == nil {
			return ln, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		wrap := fmt.Errorf("%w: %v", ErrListen, err)
		metrics.IncError(mapErrToMetric(wrap))
		s.setError(wrap)
		s.logger.Warn("listen_error", "addr", addr, "error", err, "retry_in", backoff)
		t := time.NewTimer(backoff)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
		backoff = min(backoff*2, listenRetryMax)
	}
}

// acceptOnce accepts a single connection and either binds it to a new session
// or rejects it when the slot is taken. Returns a wrapped error only when the
// listener itself is unusable.
func (s *Server) acceptOnce(ctx context.Context, ln net.Listener) error {
	conn, err := ln.Accept()
	if err != nil {
		select {
		case <-ctx.Done():
			return context.Canceled
		default:
		}
		if errors.Is(err, net.ErrClosed) {
			return fmt.Errorf("%w: %v", ErrAccept, err)
		}
		wrap := fmt.Errorf("%w: %v", ErrAccept, err)
		metrics.IncError(mapErrToMetric(wrap))
		s.setError(wrap)
		s.logger.Warn("accept_error", "error", err)
		sleepFn(200 * time.Millisecond)
		return nil
	}
	connID := atomic.AddUint64(&s.nextConnID, 1)
	connLogger := s.logger.With("conn_id", connID, "remote", conn.RemoteAddr().String())
	if !s.active.CompareAndSwap(false, true) {
		s.totalRejected.Add(1)
		metrics.IncSessionRejected()
		connLogger.Warn("session_reject_busy")
		if err := conn.Close(); err != nil {
			connLogger.Debug("close_error", "error", err)
		}
		return nil
	}
	// Register with wg under connMu so Shutdown never waits on a counter a
	// late accept could still raise.
	s.connMu.Lock()
	if s.closing {
		s.connMu.Unlock()
		s.active.Store(false)
		_ = conn.Close()
		connLogger.Debug("session_reject_shutdown")
		return context.Canceled
	}
	s.activeConn = conn
	s.wg.Add(1)
	s.connMu.Unlock()
	s.totalAccepted.Add(1)
	metrics.IncSessionAccepted()
	metrics.SetSessionActive(true)
	if tcp, ok := conn.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
		_ = tcp.SetKeepAlive(true)
		_ = tcp.SetKeepAlivePeriod(30 * time.Second)
	}
	connLogger.Info("session_open")
	s.bus.Publish(events.Session{Remote: conn.RemoteAddr().String(), Open: true, At: time.Now()})
	s.startSession(ctx, conn, connLogger)
	return nil
}

// release closes conn and frees the session slot.
func (s *Server) release(conn net.Conn, sess *ingest.Session, logger *slog.Logger) {
	if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		logger.Debug("close_error", "error", err)
	}
	s.connMu.Lock()
	if s.activeConn == conn {
		s.activeConn = nil
	}
	s.connMu.Unlock()
	frames, dropped := sess.Frames(), sess.Dropped()
	s.totalFrames.Add(frames)
	s.totalDropped.Add(dropped)
	metrics.SetSessionActive(false)
	s.active.Store(false)
	logger.Info("session_closed", "frames", frames, "dropped_bytes", dropped)
	s.bus.Publish(events.Session{Remote: conn.RemoteAddr().String(), Frames: frames, At: time.Now()})
}

// Shutdown closes the listener and the active connection, then waits for the
// session goroutine. No session starts once Shutdown has begun.
func (s *Server) Shutdown(ctx context.Context) error {
	s.connMu.Lock()
	s.closing = true
	s.connMu.Unlock()
	s.mu.Lock()
	ln := s.listener
	s.listener = nil
	s.mu.Unlock()
	if ln != nil {
		_ = ln.Close()
	}
	s.connMu.Lock()
	if s.activeConn != nil {
		_ = s.activeConn.Close()
	}
	s.connMu.Unlock()
	done := make(chan struct{})
	go func() { s.wg.Wait(); close(done) }()
	select {
	case <-ctx.Done():
		return fmt.Errorf("%w: shutdown timeout: %v", ErrContext, ctx.Err())
	case <-done:
		s.logger.Info("shutdown_summary", "accepted", s.totalAccepted.Load(), "rejected", s.totalRejected.Load(), "frames", s.totalFrames.Load(), "dropped_bytes", s.totalDropped.Load())
		return nil
	}
}

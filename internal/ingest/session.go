// Package ingest turns a fragmented TCP byte stream into whole-frame strip commits.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"

	"github.com/kstaniek/go-apa102-server/internal/logging"
	"github.com/kstaniek/go-apa102-server/internal/metrics"
	"github.com/kstaniek/go-apa102-server/internal/pixel"
	"github.com/kstaniek/go-apa102-server/internal/strip"
	"github.com/kstaniek/go-apa102-server/internal/wire"
)

// State of a session's frame assembly.
type State int

const (
	AwaitingBytes State = iota
	Accumulating
	FrameComplete // transient, only observable from inside a commit
	Closed
)

func (s State) String() string {
	switch s {
	case AwaitingBytes:
		return "awaiting_bytes"
	case Accumulating:
		return "accumulating"
	case FrameComplete:
		return "frame_complete"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

var (
	ErrClosed = errors.New("ingest session closed")
	ErrCommit = errors.New("ingest commit")
)

const defaultReadChunk = 1460 // one TCP segment on a typical 1500 MTU link

// Sink is the strip side of a session.
type Sink interface {
	Len() int
	Set(index int, p pixel.Pixel)
	Commit() error
}

var _ Sink = (*strip.Buffer)(nil)

// Session owns one connection's ingest buffer. Feed and Serve must not be
// called concurrently; Close may be called from any goroutine.
type Session struct {
	mu      sync.Mutex
	sink    Sink
	codec   wire.Codec
	buf     []byte // capacity is exactly one frame
	fill    int
	state   State
	frames  uint64
	dropped uint64

	readChunk int
	onClose   func(*Session)
	closeOnce sync.Once
	logger    *slog.Logger
}

type Option func(*Session)

// WithOnClose registers a callback run once when the session closes.
func WithOnClose(fn func(*Session)) Option { return func(s *Session) { s.onClose = fn } }

func WithReadChunk(n int) Option {
	return func(s *Session) {
		if n > 0 {
			s.readChunk = n
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(s *Session) {
		if l != nil {
			s.logger = l
		}
	}
}

// NewSession allocates an ingest buffer sized for one full frame of sink.
func NewSession(sink Sink, opts ...Option) *Session {
	s := &Session{
		sink:      sink,
		buf:       make([]byte, pixel.FrameSize(sink.Len())),
		state:     AwaitingBytes,
		readChunk: defaultReadChunk,
		logger:    logging.L(),
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// FrameSize is the exact byte count that completes a frame.
func (s *Session) FrameSize() int { return pixel.FrameSize(s.sink.Len()) }

// Feed appends chunk to the ingest buffer. Bytes beyond the current frame's
// remaining capacity are dropped, including bytes following a frame completed
// by this same chunk. When the buffer fills, every pixel is written and the
// strip committed; committed reports that. Dropped bytes are not an error.
func (s *Session) Feed(chunk []byte) (committed bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == Closed {
		return false, ErrClosed
	}
	if len(chunk) == 0 {
		return false, nil
	}
	n := copy(s.buf[s.fill:], chunk)
	s.fill += n
	metrics.AddIngestBytes(n)
	if excess := len(chunk) - n; excess > 0 {
		s.dropped += uint64(excess)
		metrics.AddDroppedBytes(excess)
		s.logger.Debug("ingest_drop", "bytes", excess, "fill", s.fill)
	}
	if s.fill < len(s.buf) {
		s.state = Accumulating
		return false, nil
	}
	s.state = FrameComplete
	err = s.commitLocked()
	s.fill = 0
	s.state = AwaitingBytes
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *Session) commitLocked() error {
	if _, err := s.codec.Decode(s.buf, s.sink.Set); err != nil {
		return err
	}
	if err := s.sink.Commit(); err != nil {
		return fmt.Errorf("%w: %w", ErrCommit, err)
	}
	s.frames++
	metrics.IncFrames()
	return nil
}

// Serve reads from r until EOF, a read error, ctx cancellation or Close. EOF
// is a normal end whether or not a partial frame is pending. Commit failures
// are logged and do not end the session.
func (s *Session) Serve(ctx context.Context, r io.Reader) error {
	defer s.Close()
	chunk := make([]byte, s.readChunk)
	for {
		if ctx.Err() != nil {
			return nil
		}
		n, err := r.Read(chunk)
		if n > 0 {
			if _, ferr := s.Feed(chunk[:n]); ferr != nil {
				if errors.Is(ferr, ErrClosed) {
					return nil
				}
				metrics.IncError(metrics.ErrStripTx)
				s.logger.Warn("ingest_commit_error", "error", ferr)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, net.ErrClosed) {
				if f := s.Fill(); f > 0 {
					s.logger.Debug("ingest_partial_frame_discarded", "bytes", f)
				}
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() && ctx.Err() == nil {
				continue
			}
			return err
		}
	}
}

// Close releases the ingest buffer and runs the on-close callback once.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.state = Closed
		s.buf = nil
		s.fill = 0
		s.mu.Unlock()
		if s.onClose != nil {
			s.onClose(s)
		}
	})
}

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Fill is the number of bytes accumulated toward the current frame.
func (s *Session) Fill() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fill
}

func (s *Session) Frames() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

func (s *Session) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

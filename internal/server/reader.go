package server

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"github.com/kstaniek/go-apa102-server/internal/ingest"
	"github.com/kstaniek/go-apa102-server/internal/metrics"
)

// deadlineReader refreshes the read deadline before every read so an idle
// client surfaces as a timeout the session loop can skip over.
type deadlineReader struct {
	conn net.Conn
	d    time.Duration
}

func (r deadlineReader) Read(p []byte) (int, error) {
	_ = r.conn.SetReadDeadline(time.Now().Add(r.d))
	return r.conn.Read(p)
}

// startSession runs the session for conn. The caller has already added it to wg.
func (s *Server) startSession(ctx context.Context, conn net.Conn, logger *slog.Logger) {
	var opts []ingest.Option
	opts = append(opts, ingest.WithLogger(logger))
	if s.readChunk > 0 {
		opts = append(opts, ingest.WithReadChunk(s.readChunk))
	}
	var sess *ingest.Session
	opts = append(opts, ingest.WithOnClose(func(*ingest.Session) { s.release(conn, sess, logger) }))
	sess = ingest.NewSession(s.sink, opts...)
	// wg was raised by acceptOnce
	go func() {
		defer s.wg.Done()
		if err := sess.Serve(ctx, deadlineReader{conn: conn, d: s.readDeadline}); err != nil {
			wrap := fmt.Errorf("%w: %v", ErrConnRead, err)
			metrics.IncError(mapErrToMetric(wrap))
			s.setError(wrap)
			logger.Warn("session_read_error", "error", wrap)
		}
	}()
}

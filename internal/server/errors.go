package server

import (
	"errors"

	"github.com/kstaniek/go-apa102-server/internal/ingest"
	"github.com/kstaniek/go-apa102-server/internal/metrics"
)

// Sentinel errors used for wrapping so callers can classify via errors.Is.
var (
	ErrListen   = errors.New("listen")
	ErrAccept   = errors.New("accept")
	ErrConnRead = errors.New("conn_read")
	ErrContext  = errors.New("context_cancelled")
	ErrNoSink   = errors.New("no strip sink configured")
)

// mapErrToMetric maps wrapped sentinel errors to metrics labels.
func mapErrToMetric(err error) string {
	switch {
	case errors.Is(err, ingest.ErrCommit):
		return metrics.ErrStripTx
	case errors.Is(err, ErrConnRead):
		return metrics.ErrTCPRead
	case errors.Is(err, ErrAccept):
		return metrics.ErrTCPAccept
	case errors.Is(err, ErrListen):
		return metrics.ErrListen
	case errors.Is(err, ErrContext):
		return "context"
	default:
		return "other"
	}
}

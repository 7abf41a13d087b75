package main

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/kstaniek/go-apa102-server/internal/metrics"
)

func startMetricsLogger(ctx context.Context, interval time.Duration, l *slog.Logger, wg *sync.WaitGroup) {
	if interval <= 0 {
		return
	}
	wg.Add(1)
	go func() {
		defer wg.Done()
		t := time.NewTicker(interval)
		defer t.Stop()
		for {
			select {
			case <-t.C:
				logSnapshot(l, metrics.Snap())
			case <-ctx.Done():
				return
			}
		}
	}()
}

func logSnapshot(l *slog.Logger, snap metrics.Snapshot) {
	l.Info("metrics_snapshot",
		"ingest_bytes", snap.IngestBytes,
		"dropped_bytes", snap.DroppedBytes,
		"frames", snap.Frames,
		"strip_tx", snap.StripTx,
		"sessions", snap.Accepted,
		"rejected", snap.Rejected,
		"session_active", snap.SessionActive,
		"join_attempts", snap.JoinAttempts,
		"join_failures", snap.JoinFailures,
		"link_lost", snap.LinkLost,
		"link_joined", snap.LinkUp,
		"malformed", snap.Malformed,
		"errors", snap.Errors,
	)
}

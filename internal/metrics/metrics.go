package metrics

import (
	"net/http"
	"sync"
	"sync/atomic"

	"github.com/kstaniek/go-apa102-server/internal/logging"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Prometheus counters
var (
	IngestBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ingest_bytes_total",
		Help: "Total bytes accepted into ingest buffers.",
	})
	IngestDroppedBytes = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ingest_dropped_bytes_total",
		Help: "Total bytes dropped because a chunk overran the frame boundary.",
	})
	FramesCommitted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "frames_committed_total",
		Help: "Total complete frames committed to the strip.",
	})
	StripTxBuffers = promauto.NewCounter(prometheus.CounterOpts{
		Name: "strip_tx_buffers_total",
		Help: "Total hardware buffers written to the strip transport.",
	})
	SessionsAccepted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sessions_accepted_total",
		Help: "Total ingest connections bound to a session.",
	})
	SessionsRejected = promauto.NewCounter(prometheus.CounterOpts{
		Name: "sessions_rejected_total",
		Help: "Total connections rejected because a session was already active.",
	})
	SessionActive = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "session_active",
		Help: "1 while an ingest session is bound, 0 otherwise.",
	})
	JoinAttempts = promauto.NewCounter(prometheus.CounterOpts{
		Name: "link_join_attempts_total",
		Help: "Total wireless association attempts.",
	})
	JoinFailures = promauto.NewCounter(prometheus.CounterOpts{
		Name: "link_join_cycle_failures_total",
		Help: "Total join cycles that exhausted their attempts.",
	})
	LinkLost = promauto.NewCounter(prometheus.CounterOpts{
		Name: "link_lost_total",
		Help: "Total joined -> not joined transitions detected by the health check.",
	})
	LinkUp = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "link_joined",
		Help: "1 while the wireless link is joined.",
	})
	RadioReady = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "radio_ready",
		Help: "1 once the radio completed bring-up.",
	})
	BuildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "build_info",
		Help: "Build metadata (value is always 1).",
	}, []string{"version", "commit", "date"})
	Errors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "errors_total",
		Help: "Error counters by subsystem.",
	}, []string{"where"})
	MalformedQuads = promauto.NewCounter(prometheus.CounterOpts{
		Name: "malformed_quads_total",
		Help: "Total rejected or out-of-range ingest quads (partial quad, brightness > 31).",
	})
	readinessMu sync.RWMutex
	readinessFn func() bool
)

// Error label constants (stable label values to bound cardinality)
const (
	ErrTCPRead       = "tcp_read"
	ErrTCPAccept     = "tcp_accept"
	ErrListen        = "tcp_listen"
	ErrStripTx       = "strip_tx"
	ErrStripOverflow = "strip_tx_overflow"
	ErrSerialWrite   = "serial_write"
	ErrSPIWrite      = "spi_write"
	ErrJoin          = "link_join"
	ErrLinkStatus    = "link_status"
	ErrRadio         = "radio"
)

// StartHTTP serves Prometheus metrics at /metrics and readiness at /ready.
func StartHTTP(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ready", func(w http.ResponseWriter, r *http.Request) {
		if IsReady() {
			w.WriteHeader(http.StatusOK)
			_, _ = w.Write([]byte("ready\n"))
			return
		}
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("not ready\n"))
	})

	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}
	go func() {
		logging.L().Info("metrics_listen", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logging.L().Error("metrics_http_error", "error", err)
		}
	}()
	return srv
}

// Local mirrored counters for easy logging (avoid Prometheus scraping in-process)
var (
	localIngestBytes   uint64
	localDropped       uint64
	localFrames        uint64
	localStripTx       uint64
	localAccepted      uint64
	localRejected      uint64
	localSessionActive uint64
	localJoinAttempts  uint64
	localJoinFailures  uint64
	localLinkLost      uint64
	localLinkUp        uint64
	localRadioReady    uint64
	localErrors        uint64
	localMalformed     uint64
)

// Snapshot is a cheap copy of local counters.
type Snapshot struct {
	IngestBytes   uint64
	DroppedBytes  uint64
	Frames        uint64
	StripTx       uint64
	Accepted      uint64
	Rejected      uint64
	SessionActive uint64
	JoinAttempts  uint64
	JoinFailures  uint64
	LinkLost      uint64
	LinkUp        uint64
	RadioReady    uint64
	Errors        uint64 // sum across error labels
	Malformed     uint64
}

func Snap() Snapshot {
	return Snapshot{
		IngestBytes:   atomic.LoadUint64(&localIngestBytes),
		DroppedBytes:  atomic.LoadUint64(&localDropped),
		Frames:        atomic.LoadUint64(&localFrames),
		StripTx:       atomic.LoadUint64(&localStripTx),
		Accepted:      atomic.LoadUint64(&localAccepted),
		Rejected:      atomic.LoadUint64(&localRejected),
		SessionActive: atomic.LoadUint64(&localSessionActive),
		JoinAttempts:  atomic.LoadUint64(&localJoinAttempts),
		JoinFailures:  atomic.LoadUint64(&localJoinFailures),
		LinkLost:      atomic.LoadUint64(&localLinkLost),
		LinkUp:        atomic.LoadUint64(&localLinkUp),
		RadioReady:    atomic.LoadUint64(&localRadioReady),
		Errors:        atomic.LoadUint64(&localErrors),
		Malformed:     atomic.LoadUint64(&localMalformed),
	}
}

// Wrapper helpers to keep call sites simple.
func AddIngestBytes(n int) {
	IngestBytes.Add(float64(n))
	atomic.AddUint64(&localIngestBytes, uint64(n))
}

// AddDroppedBytes records bytes discarded by the frame boundary drop policy.
func AddDroppedBytes(n int) {
	IngestDroppedBytes.Add(float64(n))
	atomic.AddUint64(&localDropped, uint64(n))
}

func IncFrames() {
	FramesCommitted.Inc()
	atomic.AddUint64(&localFrames, 1)
}

func IncStripTx() {
	StripTxBuffers.Inc()
	atomic.AddUint64(&localStripTx, 1)
}

func IncSessionAccepted() {
	SessionsAccepted.Inc()
	atomic.AddUint64(&localAccepted, 1)
}

func IncSessionRejected() {
	SessionsRejected.Inc()
	atomic.AddUint64(&localRejected, 1)
}

func SetSessionActive(active bool) {
	v := boolToUint(active)
	SessionActive.Set(float64(v))
	atomic.StoreUint64(&localSessionActive, v)
}

func IncJoinAttempt() {
	JoinAttempts.Inc()
	atomic.AddUint64(&localJoinAttempts, 1)
}

func IncJoinFailure() {
	JoinFailures.Inc()
	atomic.AddUint64(&localJoinFailures, 1)
}

func IncLinkLost() {
	LinkLost.Inc()
	atomic.AddUint64(&localLinkLost, 1)
}

func SetLinkUp(up bool) {
	v := boolToUint(up)
	LinkUp.Set(float64(v))
	atomic.StoreUint64(&localLinkUp, v)
}

func SetRadioReady(ready bool) {
	v := boolToUint(ready)
	RadioReady.Set(float64(v))
	atomic.StoreUint64(&localRadioReady, v)
}

func IncError(label string) {
	Errors.WithLabelValues(label).Inc()
	atomic.AddUint64(&localErrors, 1)
}

func IncMalformed() {
	MalformedQuads.Inc()
	atomic.AddUint64(&localMalformed, 1)
}

func boolToUint(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}

// InitBuildInfo sets the build info gauge (should be called once at startup).
func InitBuildInfo(version, commit, date string) {
	BuildInfo.WithLabelValues(version, commit, date).Set(1)
	// Pre-register common error label series so first error does not log a registration latency.
	for _, lbl := range []string{
		ErrTCPRead, ErrTCPAccept, ErrListen,
		ErrStripTx, ErrStripOverflow, ErrSerialWrite, ErrSPIWrite,
		ErrJoin, ErrLinkStatus, ErrRadio,
	} {
		Errors.WithLabelValues(lbl).Add(0)
	}
}

// SetReadinessFunc registers a function used by /ready and IsReady.
func SetReadinessFunc(fn func() bool) { readinessMu.Lock(); readinessFn = fn; readinessMu.Unlock() }

// IsReady invokes the registered readiness function if present.
func IsReady() bool {
	readinessMu.RLock()
	fn := readinessFn
	readinessMu.RUnlock()
	if fn == nil { // if not set yet, treat as ready so metrics endpoint doesn't flap
		return true
	}
	return fn()
}

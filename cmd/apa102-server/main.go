package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"

	"github.com/coreos/go-systemd/v22/daemon"

	"github.com/kstaniek/go-apa102-server/internal/events"
	"github.com/kstaniek/go-apa102-server/internal/link"
	"github.com/kstaniek/go-apa102-server/internal/metrics"
	"github.com/kstaniek/go-apa102-server/internal/server"
	"github.com/kstaniek/go-apa102-server/internal/statusled"
	"github.com/kstaniek/go-apa102-server/internal/strip"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg, showVersion := parseFlags()
	if showVersion {
		fmt.Printf("apa102-server %s (commit %s, built %s)\n", version, commit, date)
		return 0
	}
	if cfg == nil {
		return 2
	}
	l := setupLogger(cfg.logFormat, cfg.logLevel)
	l.Info("build_info", "version", version, "commit", commit, "date", date)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	var wg sync.WaitGroup
	bus := events.New()
	startMetricsLogger(ctx, cfg.logMetricsEvery, l, &wg)

	if cfg.statusLED != "" {
		led, err := statusled.Open(cfg.statusLED, cfg.statusLEDActiveLow)
		if err != nil {
			l.Warn("status_led_unavailable", "pin", cfg.statusLED, "error", err)
		} else {
			defer led.Follow(bus)()
			defer func() { _ = led.Set(false) }()
		}
	}

	tx, cleanup, err := initBackend(ctx, cfg, l, &wg)
	if err != nil {
		l.Error("backend_init_error", "error", err)
		return 1
	}
	buf := strip.New(cfg.stripLength, tx)
	if err := buf.Commit(); err != nil {
		l.Warn("strip_initial_clear_error", "error", err)
	}
	l.Info("strip_config", "backend", cfg.backend, "length", buf.Len(), "buffer_bytes", buf.Size())

	sup, err := initSupervisor(cfg, bus, l)
	if err != nil {
		l.Error("link_init_error", "error", err)
		cleanup()
		return 1
	}

	fatal := make(chan error, 1)
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := sup.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
			fatal <- err
		}
	}()

	srv := server.NewServer(
		server.WithSink(buf),
		server.WithLinkGate(sup),
		server.WithEvents(bus),
		server.WithLogger(l),
		server.WithReadDeadline(cfg.clientReadTO),
		server.WithReadChunk(cfg.readChunk),
	)
	srv.SetListenAddr(cfg.listenAddr)
	// Serve retries bind and accept failures itself; none of them end the process.
	go func() {
		if err := srv.Serve(ctx); err != nil {
			l.Error("tcp_server_error", "error", err)
		}
	}()

	// Once the listener is bound: tell systemd and start mDNS.
	go func() {
		select {
		case <-srv.Ready():
		case <-ctx.Done():
			return
		}
		notifySystemd(daemon.SdNotifyReady, l)
		port := listenPort(srv.Addr())
		startMDNS(ctx, cfg, port, bus, "", l)
	}()

	// Ready when the link is joined and the listener is bound.
	metrics.SetReadinessFunc(func() bool {
		select {
		case <-srv.Ready():
		default:
			return false
		}
		return sup.LinkJoined() && ctx.Err() == nil
	})
	if cfg.metricsAddr != "" {
		metrics.InitBuildInfo(version, commit, date)
		srvHTTP := metrics.StartHTTP(cfg.metricsAddr)
		defer func() { _ = srvHTTP.Shutdown(context.Background()) }()
	}

	code := 0
	sigCh := make(chan os.Signal, 2)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case s := <-sigCh:
		l.Info("shutdown_signal", "signal", s.String())
	case err := <-fatal:
		if errors.Is(err, link.ErrRadioBringUp) {
			l.Error("fatal_radio", "error", err)
		}
		code = 1
	}
	notifySystemd(daemon.SdNotifyStopping, l)
	cancel()
	sctx, scancel := context.WithTimeout(context.Background(), closeGrace)
	if err := srv.Shutdown(sctx); err != nil {
		l.Warn("shutdown_error", "error", err)
	}
	scancel()
	blankStrip(buf, l)
	cleanup()
	wg.Wait()
	logSnapshot(l, metrics.Snap())
	return code
}

// listenPort extracts the port from a bound host:port address.
func listenPort(addr string) int {
	_, p, err := net.SplitHostPort(addr)
	if err != nil {
		return 0
	}
	n, _ := strconv.Atoi(p)
	return n
}

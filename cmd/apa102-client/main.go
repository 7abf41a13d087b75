// Command apa102-client streams a test animation to an apa102-server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/grandcat/zeroconf"

	"github.com/kstaniek/go-apa102-server/internal/logging"
	"github.com/kstaniek/go-apa102-server/internal/pixel"
	"github.com/kstaniek/go-apa102-server/internal/wire"
)

const mdnsServiceType = "_apa102._tcp"

func main() {
	os.Exit(run())
}

func run() int {
	var (
		addr       = flag.String("addr", "", "Server host:port (empty discovers via mDNS)")
		length     = flag.Int("length", 60, "Number of LEDs on the strip")
		fps        = flag.Float64("fps", 24, "Frames per second")
		brightness = flag.Int("brightness", 5, "Global brightness 0..31")
		width      = flag.Float64("blob-width", 15, "Blob width in pixels")
		period     = flag.Float64("period", 10, "Seconds for the blob to cross the strip")
		duration   = flag.Duration("duration", 0, "Stop after this long (0 runs until interrupted)")
		logLevel   = flag.String("log-level", "info", "Log level: debug|info|warn|error")
	)
	flag.Parse()

	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(*logLevel)); err != nil {
		fmt.Fprintf(os.Stderr, "invalid log-level: %s\n", *logLevel)
		return 2
	}
	l := logging.New("text", lvl, os.Stderr)
	logging.Set(l)

	if *length < 1 || *fps <= 0 || *period <= 0 || *width <= 0 || *brightness < 0 || *brightness > int(pixel.MaxBrightness) {
		l.Error("invalid_arguments", "length", *length, "fps", *fps, "period", *period, "blob_width", *width, "brightness", *brightness)
		return 2
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if *duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *duration)
		defer cancel()
	}

	target := *addr
	if target == "" {
		var err error
		if target, err = discover(ctx, 5*time.Second); err != nil {
			l.Error("discover_failed", "error", err)
			return 1
		}
	}

	d := net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", target)
	if err != nil {
		l.Error("dial_failed", "addr", target, "error", err)
		return 1
	}
	defer conn.Close()
	if tc, ok := conn.(*net.TCPConn); ok {
		_ = tc.SetNoDelay(true)
	}
	l.Info("connected", "addr", target, "length", *length, "fps", *fps)

	pattern := newBlob(*length, uint8(*brightness), *width, *fps, *period)
	frames, err := stream(ctx, conn, pattern.Next, time.Duration(float64(time.Second) / *fps))
	l.Info("stream_end", "frames", frames)
	if err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		l.Error("stream_error", "error", err)
		return 1
	}
	// leave the strip dark
	var codec wire.Codec
	_, _ = codec.EncodeTo(conn, make([]pixel.Pixel, *length))
	return 0
}

// stream writes one frame per tick until ctx is done or a write fails. It
// returns the number of frames sent.
func stream(ctx context.Context, conn net.Conn, next func() []pixel.Pixel, every time.Duration) (int, error) {
	var codec wire.Codec
	t := time.NewTicker(every)
	defer t.Stop()
	frames := 0
	for {
		if _, err := codec.EncodeTo(conn, next()); err != nil {
			return frames, err
		}
		frames++
		select {
		case <-ctx.Done():
			return frames, ctx.Err()
		case <-t.C:
		}
	}
}

// discover browses for the first advertised server.
func discover(ctx context.Context, timeout time.Duration) (string, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return "", fmt.Errorf("mdns resolver: %w", err)
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	entries := make(chan *zeroconf.ServiceEntry)
	if err := resolver.Browse(ctx, mdnsServiceType, "local.", entries); err != nil {
		return "", fmt.Errorf("mdns browse: %w", err)
	}
	for {
		select {
		case e, ok := <-entries:
			if !ok {
				return "", errors.New("no server found")
			}
			if len(e.AddrIPv4) == 0 {
				continue
			}
			logging.L().Info("discovered", "instance", e.Instance, "addr", e.AddrIPv4[0], "port", e.Port)
			return net.JoinHostPort(e.AddrIPv4[0].String(), strconv.Itoa(e.Port)), nil
		case <-ctx.Done():
			return "", errors.New("no server found")
		}
	}
}

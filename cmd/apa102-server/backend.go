package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"periph.io/x/conn/v3/physic"

	"github.com/kstaniek/go-apa102-server/internal/serial"
	"github.com/kstaniek/go-apa102-server/internal/spidev"
	"github.com/kstaniek/go-apa102-server/internal/strip"
)

// Hooks for tests.
var (
	openSerialPort = serial.Open
	openSPI        = func(name string, clock physic.Frequency) (spiDevice, error) { return spidev.Open(name, clock) }
)

type spiDevice interface {
	Write([]byte) error
	Close() error
}

// initBackend selects the strip transport and returns it with a cleanup that
// stops the transmit worker and releases the device. The transmit worker
// outlives ctx so the strip can still be blanked during shutdown.
func initBackend(ctx context.Context, cfg *appConfig, l *slog.Logger, wg *sync.WaitGroup) (strip.Transport, func(), error) {
	txCtx := context.WithoutCancel(ctx)
	switch cfg.backend {
	case "spi":
		dev, err := openSPI(cfg.spiPort, physic.Frequency(cfg.spiClockHz)*physic.Hertz)
		if err != nil {
			return nil, func() {}, err
		}
		w := spidev.NewTXWriter(txCtx, dev.Write, cfg.txQueue)
		return w, func() {
			w.Close()
			if err := dev.Close(); err != nil {
				l.Warn("spi_close_error", "error", err)
			}
		}, nil
	case "serial":
		sp, err := openSerialPort(cfg.serialDev, cfg.baud, cfg.serialReadTO)
		if err != nil {
			return nil, func() {}, fmt.Errorf("open serial: %w", err)
		}
		l.Info("serial_open", "device", cfg.serialDev, "baud", cfg.baud)
		w := serial.NewTXWriter(txCtx, sp, serial.Codec{}, cfg.txQueue)
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer l.Info("bridge_monitor_end")
			if err := w.MonitorStatus(ctx); err != nil {
				l.Error("bridge_monitor_error", "error", err)
			}
		}()
		return w, func() {
			w.Close()
			_ = sp.Close()
		}, nil
	case "null":
		l.Info("null_backend", "peek_pixels", nullPeekPixels)
		return &strip.NullTransport{Logger: l, Peek: nullPeekPixels}, func() {}, nil
	default:
		return nil, func() {}, fmt.Errorf("unknown backend %q (use spi|serial|null)", cfg.backend)
	}
}

// blankStrip clears the strip and waits for the write so the LEDs go dark
// before the transport is closed.
func blankStrip(buf *strip.Buffer, l *slog.Logger) {
	buf.Clear()
	if err := buf.Commit(); err != nil {
		l.Warn("strip_blank_error", "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), closeGrace)
	defer cancel()
	if err := buf.Wait(ctx); err != nil {
		l.Warn("strip_blank_error", "error", err)
	}
}

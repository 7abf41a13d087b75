// Package spidev drives an APA102 strip over a periph.io SPI port.
package spidev

import (
	"context"
	"errors"
	"fmt"
	"io"

	"periph.io/x/conn/v3"
	"periph.io/x/conn/v3/physic"
	"periph.io/x/conn/v3/spi"
	"periph.io/x/conn/v3/spi/spireg"
	"periph.io/x/host/v3"

	"github.com/kstaniek/go-apa102-server/internal/logging"
	"github.com/kstaniek/go-apa102-server/internal/metrics"
	"github.com/kstaniek/go-apa102-server/internal/transport"
)

var (
	ErrOpen       = errors.New("spi open")
	ErrTxOverflow = errors.New("spi tx overflow")
	ErrWrite      = errors.New("spi write")
)

// DefaultClock matches what APA102 strips tolerate over long cable runs.
const DefaultClock = 1 * physic.MegaHertz

// Conn is the subset of spi.Conn used for transmission.
type Conn interface {
	Tx(w, r []byte) error
}

// Package-level hooks for tests.
var (
	hostInit = func() error { _, err := host.Init(); return err }
	openPort = func(name string) (spi.PortCloser, error) { return spireg.Open(name) }
)

// Device is an opened SPI port connected in mode 0, 8 bits per word.
type Device struct {
	port  io.Closer
	conn  Conn
	chunk int
}

// Open initializes the host drivers and connects to the named SPI port ("" picks the first).
func Open(name string, clock physic.Frequency) (*Device, error) {
	if err := hostInit(); err != nil {
		return nil, fmt.Errorf("%w: host init: %v", ErrOpen, err)
	}
	p, err := openPort(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrOpen, err)
	}
	if clock <= 0 {
		clock = DefaultClock
	}
	c, err := p.Connect(clock, spi.Mode0, 8)
	if err != nil {
		_ = p.Close()
		return nil, fmt.Errorf("%w: connect: %v", ErrOpen, err)
	}
	d := &Device{port: p, conn: c}
	if l, ok := c.(conn.Limits); ok {
		d.chunk = l.MaxTxSize()
	}
	logging.L().Info("spi_open", "port", name, "clock", clock.String(), "max_tx", d.chunk)
	return d, nil
}

// Write sends buf, split into transfers no larger than the driver limit.
func (d *Device) Write(buf []byte) error {
	return writeChunked(d.conn, buf, d.chunk)
}

// Close releases the port.
func (d *Device) Close() error { return d.port.Close() }

func writeChunked(c Conn, buf []byte, chunk int) error {
	if chunk <= 0 {
		chunk = len(buf)
	}
	for off := 0; off < len(buf); off += chunk {
		end := min(off+chunk, len(buf))
		if err := c.Tx(buf[off:end], nil); err != nil {
			return fmt.Errorf("%w: %v", ErrWrite, err)
		}
	}
	return nil
}

// TXWriter is a strip transport writing hardware buffers to SPI from a single goroutine.
type TXWriter struct{ base *transport.AsyncTx }

// NewTXWriter wraps write (usually Device.Write) in an asynchronous queue of depth buf.
func NewTXWriter(parent context.Context, write func([]byte) error, buf int) *TXWriter {
	hooks := transport.Hooks{
		OnError: func(err error) {
			metrics.IncError(metrics.ErrSPIWrite)
			logging.L().Error("spi_write_error", "error", err)
		},
		OnAfter: func() { metrics.IncStripTx() },
		OnDrop: func() error {
			metrics.IncError(metrics.ErrStripOverflow)
			return ErrTxOverflow
		},
	}
	return &TXWriter{base: transport.NewAsyncTx(parent, buf, write, hooks)}
}

// Transmit queues a hardware buffer.
func (w *TXWriter) Transmit(buf []byte, done func(error)) error { return w.base.Transmit(buf, done) }

// Close stops the writer.
func (w *TXWriter) Close() { w.base.Close() }

package serial

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/kstaniek/go-apa102-server/internal/logging"
	"github.com/kstaniek/go-apa102-server/internal/metrics"
	"github.com/kstaniek/go-apa102-server/internal/transport"
)

var (
	ErrTxOverflow  = errors.New("serial tx overflow")
	ErrSerialWrite = errors.New("serial write")
)

// TXWriter is a strip transport forwarding hardware buffers to a UART bridge.
// All writes go through one goroutine.
type TXWriter struct {
	base  *transport.AsyncTx
	port  Port
	codec Codec
}

// NewTXWriter creates a TXWriter with a queue of depth buf.
func NewTXWriter(parent context.Context, sp Port, codec Codec, buf int) *TXWriter {
	w := &TXWriter{port: sp, codec: codec}
	send := func(b []byte) error {
		env, err := codec.Encode(b)
		if err != nil {
			return err
		}
		if _, err := sp.Write(env); err != nil {
			return fmt.Errorf("%w: %v", ErrSerialWrite, err)
		}
		return nil
	}
	hooks := transport.Hooks{
		OnError: func(err error) {
			metrics.IncError(metrics.ErrSerialWrite)
			logging.L().Error("serial_write_error", "error", err)
		},
		OnAfter: func() { metrics.IncStripTx() },
		OnDrop: func() error {
			metrics.IncError(metrics.ErrStripOverflow)
			return ErrTxOverflow
		},
	}
	w.base = transport.NewAsyncTx(parent, buf, send, hooks)
	return w
}

// Transmit queues a hardware buffer for the bridge.
func (w *TXWriter) Transmit(buf []byte, done func(error)) error { return w.base.Transmit(buf, done) }

// Close stops the writer and waits for pending goroutine exit.
func (w *TXWriter) Close() { w.base.Close() }

// MonitorStatus reads status envelopes the bridge sends back after each buffer
// and logs non-OK codes. It returns when ctx is done or the port fails.
func (w *TXWriter) MonitorStatus(ctx context.Context) error {
	var in bytes.Buffer
	chunk := make([]byte, 64)
	for {
		if ctx.Err() != nil {
			return nil
		}
		n, err := w.port.Read(chunk)
		if n > 0 {
			in.Write(chunk[:n])
			w.codec.DecodeStream(&in, 16, func(p []byte) {
				if len(p) == 0 || p[0] == StatusOK {
					return
				}
				metrics.IncError(metrics.ErrStripTx)
				logging.L().Warn("bridge_status", "code", p[0])
			})
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				// tarm/serial reports EOF on read timeout
				sleepFn(10 * time.Millisecond)
				continue
			}
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("serial read: %w", err)
		}
	}
}

var sleepFn = time.Sleep

package serial

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/kstaniek/go-apa102-server/internal/metrics"
)

type fakePort struct {
	mu      sync.Mutex
	written bytes.Buffer
	rx      [][]byte
	failW   error
	closed  bool
}

func (p *fakePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, errors.New("port closed")
	}
	if len(p.rx) == 0 {
		return 0, io.EOF
	}
	n := copy(b, p.rx[0])
	p.rx = p.rx[1:]
	return n, nil
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failW != nil {
		return 0, p.failW
	}
	return p.written.Write(b)
}

func (p *fakePort) Close() error {
	p.mu.Lock()
	p.closed = true
	p.mu.Unlock()
	return nil
}

func (p *fakePort) bytes() []byte {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]byte(nil), p.written.Bytes()...)
}

func TestTXWriterWritesEnvelope(t *testing.T) {
	port := &fakePort{}
	w := NewTXWriter(context.Background(), port, Codec{}, 2)
	defer w.Close()
	hw := []byte{0, 0, 0, 0, 0xE5, 1, 2, 3, 0xFF, 0xFF, 0xFF, 0xFF}
	res := make(chan error, 1)
	if err := w.Transmit(hw, func(err error) { res <- err }); err != nil {
		t.Fatalf("transmit: %v", err)
	}
	select {
	case err := <-res:
		if err != nil {
			t.Fatalf("completion: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("timeout")
	}
	want, _ := Codec{}.Encode(hw)
	if !bytes.Equal(port.bytes(), want) {
		t.Fatalf("written % X want % X", port.bytes(), want)
	}
}

func TestTXWriterWriteError(t *testing.T) {
	port := &fakePort{failW: errors.New("unplugged")}
	w := NewTXWriter(context.Background(), port, Codec{}, 1)
	defer w.Close()
	res := make(chan error, 1)
	_ = w.Transmit([]byte{1}, func(err error) { res <- err })
	select {
	case err := <-res:
		if !errors.Is(err, ErrSerialWrite) {
			t.Fatalf("expected ErrSerialWrite, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatalf("timeout")
	}
}

func TestMonitorStatusCountsBridgeErrors(t *testing.T) {
	orig := sleepFn
	sleepFn = func(time.Duration) {}
	defer func() { sleepFn = orig }()

	ok, _ := Codec{}.Encode([]byte{StatusOK})
	bad, _ := Codec{}.Encode([]byte{StatusChecksum})
	port := &fakePort{rx: [][]byte{ok, bad[:3], bad[3:]}}
	w := NewTXWriter(context.Background(), port, Codec{}, 1)
	defer w.Close()

	before := metrics.Snap().Errors
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- w.MonitorStatus(ctx) }()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) && metrics.Snap().Errors == before {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("monitor: %v", err)
	}
	if metrics.Snap().Errors != before+1 {
		t.Fatalf("expected exactly one bridge error, got %d", metrics.Snap().Errors-before)
	}
}

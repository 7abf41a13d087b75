package strip

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/kstaniek/go-apa102-server/internal/pixel"
)

// Hardware record layout. Every record on the wire is four bytes; pixel
// records start with the 0b111 marker followed by 5 bits of global brightness.
const (
	RecordSize   = 4
	recordMarker = 0xE0
)

// ErrCommit wraps transport failures returned synchronously from Commit.
var ErrCommit = errors.New("strip commit")

// Transport accepts a formatted hardware buffer. When Transmit returns nil the
// transport owns buf until it invokes done exactly once.
type Transport interface {
	Transmit(buf []byte, done func(error)) error
}

// Buffer owns the APA102 hardware buffer: a zero start record, Len pixel
// records and an all-ones end record. Mutations block while a previous commit
// is still in flight.
type Buffer struct {
	mu     sync.Mutex
	length int
	hw     []byte
	tx     Transport
	idle   chan struct{} // closed while no transmission owns hw

	txMu   sync.Mutex
	lastTx error
}

// New allocates a cleared buffer for a strip of length pixels. length must be positive.
func New(length int, tx Transport) *Buffer {
	if length < 1 {
		panic(fmt.Sprintf("strip: invalid length %d", length))
	}
	b := &Buffer{
		length: length,
		hw:     make([]byte, (length+2)*RecordSize),
		tx:     tx,
		idle:   make(chan struct{}),
	}
	close(b.idle)
	end := b.hw[(length+1)*RecordSize:]
	for i := range end {
		end[i] = 0xFF
	}
	b.clearLocked()
	return b
}

// Len returns the configured strip length.
func (b *Buffer) Len() int { return b.length }

// Size returns the hardware buffer size in bytes.
func (b *Buffer) Size() int { return len(b.hw) }

// SetPixel stores one pixel. Out-of-range indices are ignored. Brightness is
// masked to 5 bits.
func (b *Buffer) SetPixel(index int, red, green, blue, brightness uint8) {
	if index < 0 || index >= b.length {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.awaitIdle()
	b.putLocked(index, red, green, blue, brightness)
}

// Set stores p at index; same semantics as SetPixel.
func (b *Buffer) Set(index int, p pixel.Pixel) {
	b.SetPixel(index, p.Red, p.Green, p.Blue, p.Brightness)
}

// Clear sets every pixel to zero brightness and colour.
func (b *Buffer) Clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.awaitIdle()
	b.clearLocked()
}

// Commit hands the whole hardware buffer to the transport and returns without
// waiting for the transmission. The buffer is not copied; the next mutation
// waits for the transport's completion.
func (b *Buffer) Commit() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.awaitIdle()
	done := make(chan struct{})
	b.idle = done
	var once sync.Once
	release := func(err error) {
		once.Do(func() {
			b.setLastTx(err)
			close(done)
		})
	}
	err := b.tx.Transmit(b.hw, release)
	if err != nil {
		// never handed off, unless the transport also completed it
		release(err)
		return fmt.Errorf("%w: %v", ErrCommit, err)
	}
	return nil
}

// Wait blocks until no transmission owns the buffer or ctx is done. It
// returns the completion error of the most recent transmission.
func (b *Buffer) Wait(ctx context.Context) error {
	b.mu.Lock()
	idle := b.idle
	b.mu.Unlock()
	select {
	case <-idle:
		return b.LastTxError()
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LastTxError returns the error reported by the most recent completed transmission.
func (b *Buffer) LastTxError() error {
	b.txMu.Lock()
	defer b.txMu.Unlock()
	return b.lastTx
}

// setLastTx may run inside Transmit while Commit holds mu, hence txMu.
func (b *Buffer) setLastTx(err error) {
	b.txMu.Lock()
	b.lastTx = err
	b.txMu.Unlock()
}

// awaitIdle must be called with mu held. Completion callbacks never take mu
// before closing idle, so waiting here cannot deadlock.
func (b *Buffer) awaitIdle() { <-b.idle }

func (b *Buffer) putLocked(index int, red, green, blue, brightness uint8) {
	r := b.hw[(index+1)*RecordSize:]
	r[0] = recordMarker | (brightness & pixel.MaxBrightness)
	r[1] = blue
	r[2] = green
	r[3] = red
}

func (b *Buffer) clearLocked() {
	for i := 0; i < b.length; i++ {
		b.putLocked(i, 0, 0, 0, 0)
	}
}

// DecodeRecord converts a 4-byte hardware pixel record back to a Pixel.
func DecodeRecord(r []byte) pixel.Pixel {
	return pixel.Pixel{
		Brightness: r[0] & pixel.MaxBrightness,
		Blue:       r[1],
		Green:      r[2],
		Red:        r[3],
	}
}

// pixel reads back pixel i (test accessor).
func (b *Buffer) pixel(i int) pixel.Pixel {
	b.mu.Lock()
	defer b.mu.Unlock()
	return DecodeRecord(b.hw[(i+1)*RecordSize:])
}

// record returns a copy of hardware record i, where 0 is the start sentinel
// and Len()+1 the end sentinel (test accessor).
func (b *Buffer) record(i int) [RecordSize]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	var r [RecordSize]byte
	copy(r[:], b.hw[i*RecordSize:])
	return r
}

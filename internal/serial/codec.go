package serial

import (
	"bytes"
	"errors"

	"github.com/kstaniek/go-apa102-server/internal/metrics"
)

// Envelope framing used on the UART link to the strip bridge:
//
//	[0x2D, 0xD4, lenHi, lenLo, data..., checksum]
//
// len counts data bytes plus the checksum byte. checksum = 0x2D + lenHi +
// lenLo + sum(data) (mod 256).
const (
	pre0 = 0x2D
	pre1 = 0xD4

	headerSize = 4
	// MaxPayload bounds a single envelope; 16-bit length minus the checksum byte.
	MaxPayload = 0xFFFF - 1
)

// ErrPayloadTooLarge is returned when a buffer does not fit one envelope.
var ErrPayloadTooLarge = errors.New("serial payload too large")

// Codec frames hardware buffers for the UART bridge.
type Codec struct{}

// Status codes reported back by the bridge after each buffer.
const (
	StatusOK       byte = 0x00
	StatusChecksum byte = 0x01
	StatusOverrun  byte = 0x02
)

// CompactBuffer reclaims consumed prefix capacity when underlying buffer
// grows too large relative to unread bytes. It returns true if compaction
// occurred.
func CompactBuffer(b *bytes.Buffer) bool {
	data := b.Bytes()
	if len(data) < 1024 {
		return false
	}
	if cap(data) > 0 && len(data)*4 < cap(data) {
		clone := make([]byte, len(data))
		copy(clone, data)
		b.Reset()
		_, _ = b.Write(clone)
		return true
	}
	return false
}

// Encode wraps data in one envelope.
func (Codec) Encode(data []byte) ([]byte, error) {
	n := len(data)
	if n > MaxPayload {
		return nil, ErrPayloadTooLarge
	}
	ln := n + 1
	frame := make([]byte, headerSize+n+1)
	frame[0] = pre0
	frame[1] = pre1
	frame[2] = byte(ln >> 8)
	frame[3] = byte(ln)
	sum := byte(pre0) + frame[2] + frame[3]
	for i, b := range data {
		frame[headerSize+i] = b
		sum += b
	}
	frame[headerSize+n] = sum
	return frame, nil
}

// DecodeStream consumes complete envelopes from in and emits their payloads
// via out. Garbage before a preamble is skipped; bad checksums are counted
// and resynchronized one byte at a time. Incomplete trailing data stays in in.
func (Codec) DecodeStream(in *bytes.Buffer, maxLen int, out func([]byte)) {
	header := []byte{pre0, pre1}
	for {
		_ = CompactBuffer(in)
		data := in.Bytes()
		if len(data) < headerSize {
			return
		}
		i := bytes.Index(data, header)
		if i < 0 {
			// keep last byte in case it is the first preamble byte
			last := data[len(data)-1]
			in.Reset()
			_ = in.WriteByte(last)
			return
		}
		if i > 0 {
			in.Next(i)
			continue
		}
		ln := int(data[2])<<8 | int(data[3])
		if ln < 1 || ln > maxLen+1 {
			metrics.IncMalformed()
			in.Next(1)
			continue
		}
		req := headerSize + ln
		if len(data) < req {
			return
		}
		sum := byte(pre0) + data[2] + data[3]
		for _, b := range data[headerSize : req-1] {
			sum += b
		}
		if sum != data[req-1] {
			metrics.IncMalformed()
			in.Next(1)
			continue
		}
		payload := make([]byte, ln-1)
		copy(payload, data[headerSize:req-1])
		out(payload)
		in.Next(req)
	}
}

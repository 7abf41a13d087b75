package wire

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/kstaniek/go-apa102-server/internal/metrics"
	"github.com/kstaniek/go-apa102-server/internal/pixel"
)

// Codec encodes/decodes raw ingest frames. Stateless and safe for concurrent use.
//
// The wire format has no header: a frame is N concatenated quads
// [brightness(0..31), red, green, blue]. Receivers align purely by byte count.
type Codec struct{}

// ErrPartialQuad is returned when a frame length is not a multiple of the quad size.
var ErrPartialQuad = errors.New("ingest: partial quad")

// Encode packs a frame into its wire representation.
func (c *Codec) Encode(frame []pixel.Pixel) []byte {
	if len(frame) == 0 {
		return nil
	}
	var buf bytes.Buffer
	buf.Grow(pixel.FrameSize(len(frame)))
	_, _ = c.EncodeTo(&buf, frame)
	return buf.Bytes()
}

// EncodeTo writes the wire representation of frame to w in a single Write and
// returns bytes written.
func (c *Codec) EncodeTo(w io.Writer, frame []pixel.Pixel) (int, error) {
	out := make([]byte, pixel.FrameSize(len(frame)))
	for i, p := range frame {
		p.PutQuad(out[i*pixel.QuadSize:])
	}
	n, err := w.Write(out)
	if err != nil {
		return n, fmt.Errorf("ingest encode: %w", err)
	}
	return n, nil
}

// Decode walks whole quads in frame and invokes onPixel with the pixel index.
// It returns the number of pixels decoded. Quads whose brightness exceeds the
// 5-bit range are still delivered (the hardware masks them) but are counted
// as malformed.
func (c *Codec) Decode(frame []byte, onPixel func(int, pixel.Pixel)) (int, error) {
	if len(frame)%pixel.QuadSize != 0 {
		metrics.IncMalformed()
		return 0, fmt.Errorf("ingest decode: %w (%d bytes)", ErrPartialQuad, len(frame))
	}
	n := len(frame) / pixel.QuadSize
	for i := 0; i < n; i++ {
		p := pixel.FromQuad(frame[i*pixel.QuadSize:])
		if p.Brightness > pixel.MaxBrightness {
			metrics.IncMalformed()
		}
		onPixel(i, p)
	}
	return n, nil
}

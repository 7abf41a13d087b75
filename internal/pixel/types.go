package pixel

// Wire/hardware constants shared by the ingest path and the strip buffer.
const (
	QuadSize      = 4    // bytes per pixel on the wire: brightness, red, green, blue
	MaxBrightness = 0x1F // APA102 global brightness is 5 bits; also used as mask
)

// Pixel is one addressable LED value as received from a client.
// Brightness is 0..31; out-of-range values are masked when written to hardware.
type Pixel struct {
	Brightness uint8
	Red        uint8
	Green      uint8
	Blue       uint8
}

// FromQuad decodes a wire quad laid out as [brightness, red, green, blue].
// q must hold at least QuadSize bytes.
func FromQuad(q []byte) Pixel {
	return Pixel{Brightness: q[0], Red: q[1], Green: q[2], Blue: q[3]}
}

// PutQuad writes p in wire order into q (len >= QuadSize).
func (p Pixel) PutQuad(q []byte) {
	q[0] = p.Brightness & MaxBrightness
	q[1] = p.Red
	q[2] = p.Green
	q[3] = p.Blue
}

// FrameSize returns the encoded size of a full frame for a strip of n pixels.
func FrameSize(n int) int { return n * QuadSize }

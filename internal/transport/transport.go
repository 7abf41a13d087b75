package transport

import (
	"io"

	"github.com/kstaniek/go-apa102-server/internal/pixel"
	"github.com/kstaniek/go-apa102-server/internal/wire"
)

// FrameDecoder walks a complete ingest frame pixel by pixel.
type FrameDecoder interface {
	Decode(frame []byte, onPixel func(int, pixel.Pixel)) (int, error)
}

// FrameEncoder packs pixels into the ingest wire format (used by clients).
type FrameEncoder interface {
	Encode([]pixel.Pixel) []byte
	EncodeTo(w io.Writer, frame []pixel.Pixel) (int, error)
}

// BufferSink accepts a fully formatted hardware buffer for asynchronous
// transmission. When Transmit returns nil, done is invoked exactly once after
// the write finished (or was abandoned); the caller must not touch buf before.
type BufferSink interface {
	Transmit(buf []byte, done func(error)) error
}

// Closer is implemented by sinks owning a background worker or device handle.
type Closer interface {
	Close()
}

var (
	_ FrameDecoder = (*wire.Codec)(nil)
	_ FrameEncoder = (*wire.Codec)(nil)
	_ BufferSink   = (*AsyncTx)(nil)
)

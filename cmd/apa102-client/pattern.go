package main

import (
	"math"

	"github.com/kstaniek/go-apa102-server/internal/pixel"
)

type rgb struct{ r, g, b uint8 }

// blob renders a Gaussian blob sliding across a solid background. The blob
// crosses the strip once per period and wraps when fully off the far end.
type blob struct {
	length     int
	background rgb
	color      rgb
	brightness uint8
	width      float64
	step       float64 // pixels per frame
	pos        float64
	frame      []pixel.Pixel
}

func newBlob(length int, brightness uint8, width float64, fps float64, periodSec float64) *blob {
	return &blob{
		length:     length,
		background: rgb{64, 88, 222},
		color:      rgb{237, 115, 21},
		brightness: brightness & pixel.MaxBrightness,
		width:      width,
		step:       float64(length) / periodSec / fps,
		pos:        -width,
		frame:      make([]pixel.Pixel, length),
	}
}

// Next renders the current frame and advances the blob. The returned slice is
// reused by the following call.
func (b *blob) Next() []pixel.Pixel {
	sigma := b.width / 3
	for i := range b.frame {
		d := float64(i) - b.pos
		w := math.Exp(-(d * d) / (2 * sigma * sigma))
		w = min(1, max(0, w))
		b.frame[i] = pixel.Pixel{
			Brightness: b.brightness,
			Red:        mix(b.background.r, b.color.r, w),
			Green:      mix(b.background.g, b.color.g, w),
			Blue:       mix(b.background.b, b.color.b, w),
		}
	}
	b.pos += b.step
	if b.pos > float64(b.length)+b.width {
		b.pos = -b.width
	}
	return b.frame
}

func mix(a, c uint8, w float64) uint8 {
	return uint8(float64(a)*(1-w) + float64(c)*w)
}

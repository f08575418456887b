// Package imaging turns raw microscope planes into 8-bit stills and annotates them.
package imaging

import (
	"image"
	"math"
)

// Normalize stretches pix linearly so the minimum becomes 0 and the maximum
// 255, truncating toward zero. A frame with no contrast comes out black.
func Normalize(pix []float32, width, height int) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, width, height))
	n := min(len(pix), width*height)
	if n == 0 {
		return img
	}

	lo, hi := float32(math.Inf(1)), float32(math.Inf(-1))
	for _, v := range pix[:n] {
		if v < lo {
			lo = v
		}
		if v > hi {
			hi = v
		}
	}

	span := hi - lo
	if span <= 0 || math.IsInf(float64(span), 0) || math.IsNaN(float64(span)) {
		return img
	}

	for i, v := range pix[:n] {
		scaled := (v - lo) / span * 255
		switch {
		case scaled >= 255:
			img.Pix[i] = 255
		case scaled > 0:
			img.Pix[i] = uint8(scaled)
		}
	}
	return img
}

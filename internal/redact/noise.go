package redact

import (
	"image"
	"math"
	"math/rand/v2"
)

// DefaultNoiseFraction is the share of pixels touched by FingerprintNoise.
const DefaultNoiseFraction = 0.015

// FingerprintNoise flips the least significant bit of one random colour
// channel on ceil(fraction * pixels) randomly chosen pixels. The change is
// invisible but defeats byte-exact fingerprinting of exported stills.
// It returns the number of flips performed.
func FingerprintNoise(img *image.RGBA, fraction float64, rng *rand.Rand) int {
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	total := w * h
	if total == 0 || fraction <= 0 {
		return 0
	}
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}

	count := int(math.Ceil(float64(total) * fraction))
	for i := 0; i < count; i++ {
		p := rng.IntN(total)
		x, y := p%w, p/w
		off := y*img.Stride + x*4
		img.Pix[off+rng.IntN(3)] ^= 1
	}
	return count
}

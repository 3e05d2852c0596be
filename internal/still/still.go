// Package still exports photos from the safe surface.
package still

import (
	"bufio"
	"errors"
	"fmt"
	"image"
	"image/png"
	"io"
	"math/rand/v2"
	"os"
	"path/filepath"
	"time"

	"github.com/andresmejia3/veil/internal/redact"
	"github.com/andresmejia3/veil/internal/utils"
)

// ErrNoFrame means nothing has been published yet.
var ErrNoFrame = errors.New("no safe frame available")

// Source hands out private copies of the safe frame.
type Source interface {
	Snapshot() (*image.RGBA, uint64)
}

// Options tune the export.
type Options struct {
	NoiseFraction float64    // share of pixels perturbed; 0 disables noise
	Rand          *rand.Rand // nil seeds from the runtime
}

// DefaultOptions applies the standard fingerprint noise.
func DefaultOptions() Options {
	return Options{NoiseFraction: redact.DefaultNoiseFraction}
}

// Result describes one exported photo.
type Result struct {
	Path    string
	Seq     uint64
	Width   int
	Height  int
	Flipped int
}

// Export writes the current safe frame as PNG to w.
func Export(w io.Writer, src Source, opts Options) (Result, error) {
	img, seq := src.Snapshot()
	if img == nil {
		return Result{}, ErrNoFrame
	}

	rng := opts.Rand
	if rng == nil {
		rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	flipped := 0
	if opts.NoiseFraction > 0 {
		flipped = redact.FingerprintNoise(img, opts.NoiseFraction, rng)
	}

	if err := png.Encode(w, img); err != nil {
		return Result{}, fmt.Errorf("png encode: %w", err)
	}
	return Result{
		Seq:     seq,
		Width:   img.Rect.Dx(),
		Height:  img.Rect.Dy(),
		Flipped: flipped,
	}, nil
}

// Save exports to path, or to a timestamped file in dir when path is empty.
func Save(path, dir string, src Source, opts Options, now time.Time) (Result, error) {
	if path == "" {
		path = filepath.Join(dir, utils.GenerateFilename("photo", "png", now))
	}

	f, err := os.Create(path)
	if err != nil {
		return Result{}, fmt.Errorf("failed to create %s: %w", path, err)
	}
	bw := bufio.NewWriter(f)
	res, err := Export(bw, src, opts)
	if err == nil {
		err = bw.Flush()
	}
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return Result{}, err
	}
	res.Path = path
	return res, nil
}

// Package redact obscures rectangular regions of an RGBA buffer in place.
//
// Every operation clips its region to the buffer bounds first, so callers may
// pass regions that are partially or fully outside the image.
package redact

import (
	"image"

	"github.com/andresmejia3/veil/internal/types"
)

// Apply redacts rect using the given style. A style without a block size,
// including any unknown value, gets BlackBox.
func Apply(img *image.RGBA, rect image.Rectangle, style types.CoverStyle) {
	size := style.BlockSize()
	if style == types.BlackBox || size < 2 {
		BlackBox(img, rect)
		return
	}
	Pixelate(img, rect, size)
}

// Pixelate replaces every blockSize x blockSize cell of rect with the mean of
// its R, G and B channels. Edge cells are clipped to the region. Alpha is left alone.
func Pixelate(img *image.RGBA, rect image.Rectangle, blockSize int) {
	// Clip rect to image bounds to prevent panics
	rect = rect.Intersect(img.Bounds())
	if rect.Empty() {
		return
	}
	if blockSize < 1 {
		blockSize = 1
	}

	stride := img.Stride
	pix := img.Pix
	imgMinX, imgMinY := img.Rect.Min.X, img.Rect.Min.Y

	for y := rect.Min.Y; y < rect.Max.Y; y += blockSize {
		y2 := min(y+blockSize, rect.Max.Y)
		for x := rect.Min.X; x < rect.Max.X; x += blockSize {
			x2 := min(x+blockSize, rect.Max.X)

			// 1. Accumulate the cell
			var r, g, b uint64
			for by := y; by < y2; by++ {
				rowStart := (by - imgMinY) * stride
				for bx := x; bx < x2; bx++ {
					off := rowStart + (bx-imgMinX)*4
					r += uint64(pix[off])
					g += uint64(pix[off+1])
					b += uint64(pix[off+2])
				}
			}

			// 2. Round to nearest, so a uniform cell maps to itself
			count := uint64((x2 - x) * (y2 - y))
			mr := uint8((r + count/2) / count)
			mg := uint8((g + count/2) / count)
			mb := uint8((b + count/2) / count)

			// 3. Write the mean back
			for by := y; by < y2; by++ {
				rowStart := (by - imgMinY) * stride
				for bx := x; bx < x2; bx++ {
					off := rowStart + (bx-imgMinX)*4
					pix[off] = mr
					pix[off+1] = mg
					pix[off+2] = mb
				}
			}
		}
	}
}

// BlackBox fills rect with opaque black.
//
// The whole axis-aligned rectangle is filled. Rounding the corners would
// either leave the detected box's corner pixels visible or require painting
// outside the region, and neither is acceptable.
func BlackBox(img *image.RGBA, rect image.Rectangle) {
	rect = rect.Intersect(img.Bounds())
	if rect.Empty() {
		return
	}

	stride := img.Stride
	pix := img.Pix
	imgMinX, imgMinY := img.Rect.Min.X, img.Rect.Min.Y
	for y := rect.Min.Y; y < rect.Max.Y; y++ {
		rowStart := (y-imgMinY)*stride + (rect.Min.X-imgMinX)*4
		for x := 0; x < rect.Dx(); x++ {
			off := rowStart + x*4
			pix[off] = 0
			pix[off+1] = 0
			pix[off+2] = 0
			pix[off+3] = 255
		}
	}
}

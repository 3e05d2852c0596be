// Package overlay draws the interview self-view as a picture-in-picture.
// The self-view is never redacted.
package overlay

import (
	"image"
	"image/color"
	"image/draw"
	"math"

	"github.com/andresmejia3/veil/internal/types"
	xdraw "golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

// Style holds the PiP geometry and decoration.
type Style struct {
	Margin      int     // gap to the buffer's bottom-right corner
	WidthRatio  float64 // PiP width as a fraction of buffer width
	Radius      int
	BorderWidth int
	BorderColor color.RGBA
	Label       string
	LabelColor  color.NRGBA
}

// DefaultStyle returns the standard bottom-right self-view look.
func DefaultStyle() Style {
	return Style{
		Margin:      16,
		WidthRatio:  0.28,
		Radius:      12,
		BorderWidth: 2,
		BorderColor: color.RGBA{0x26, 0x26, 0x26, 0xff},
		Label:       "You",
		LabelColor:  color.NRGBA{255, 255, 255, 178},
	}
}

// Layout is where the PiP lands inside the buffer.
type Layout struct {
	PiP    image.Rectangle
	Border image.Rectangle
}

// Compute places a selfW x selfH view in dst. ok is false when it does not fit.
func Compute(dst image.Rectangle, selfW, selfH int, st Style) (Layout, bool) {
	if selfW <= 0 || selfH <= 0 {
		return Layout{}, false
	}
	w := int(math.Round(float64(dst.Dx()) * st.WidthRatio))
	h := int(math.Round(float64(w) * float64(selfH) / float64(selfW)))
	if w <= 0 || h <= 0 {
		return Layout{}, false
	}
	x := dst.Max.X - w - st.Margin
	y := dst.Max.Y - h - st.Margin
	pip := image.Rect(x, y, x+w, y+h)
	border := pip.Inset(-st.BorderWidth)
	if !border.In(dst) {
		return Layout{}, false
	}
	return Layout{PiP: pip, Border: border}, true
}

// Draw composites self into dst. It reports false, leaving dst untouched,
// when there is no usable self frame or the PiP does not fit.
func Draw(dst *image.RGBA, self *types.Frame, st Style) bool {
	if !self.Valid() {
		return false
	}
	l, ok := Compute(dst.Bounds(), self.Width, self.Height, st)
	if !ok {
		return false
	}

	// 1. Border: a filled rounded rect the PiP is drawn over
	if st.BorderWidth > 0 {
		draw.DrawMask(dst, l.Border, image.NewUniform(st.BorderColor), image.Point{},
			roundedMask(l.Border.Dx(), l.Border.Dy(), st.Radius+st.BorderWidth), image.Point{}, draw.Over)
	}

	// 2. Self frame, scaled and clipped to the rounded rect
	scaled := image.NewRGBA(image.Rect(0, 0, l.PiP.Dx(), l.PiP.Dy()))
	xdraw.BiLinear.Scale(scaled, scaled.Bounds(), self.RGBA(), self.RGBA().Bounds(), xdraw.Src, nil)
	draw.DrawMask(dst, l.PiP, scaled, image.Point{}, roundedMask(l.PiP.Dx(), l.PiP.Dy(), st.Radius), image.Point{}, draw.Over)

	// 3. Label, right aligned near the top edge
	if st.Label != "" {
		drawLabel(dst, l.PiP, st)
	}
	return true
}

func drawLabel(dst *image.RGBA, pip image.Rectangle, st Style) {
	face := basicfont.Face7x13
	d := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(st.LabelColor),
		Face: face,
	}
	width := d.MeasureString(st.Label).Ceil()
	baseline := pip.Min.Y + int(math.Round(float64(dst.Bounds().Dy())*0.025))
	if floor := pip.Min.Y + face.Ascent + 2; baseline < floor {
		baseline = floor
	}
	d.Dot = fixed.P(pip.Max.X-8-width, baseline)
	d.DrawString(st.Label)
}

// roundedMask is an opaque w x h rounded rectangle with hard edges.
func roundedMask(w, h, r int) *image.Alpha {
	m := image.NewAlpha(image.Rect(0, 0, w, h))
	if r*2 > w {
		r = w / 2
	}
	if r*2 > h {
		r = h / 2
	}
	rf := float64(r)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			px, py := float64(x)+0.5, float64(y)+0.5
			dx := math.Max(0, math.Max(rf-px, px-(float64(w)-rf)))
			dy := math.Max(0, math.Max(rf-py, py-(float64(h)-rf)))
			if dx*dx+dy*dy <= rf*rf {
				m.Pix[y*m.Stride+x] = 0xff
			}
		}
	}
	return m
}

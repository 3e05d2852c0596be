package types

import (
	"fmt"
	"image"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Frame is one RGBA picture from a camera session.
// Frames handed out by a session are immutable; copy before mutating.
type Frame struct {
	Seq       uint64
	Width     int
	Height    int
	Pix       []byte // RGBA, stride Width*4
	Timestamp time.Time
	Source    uuid.UUID // camera session that produced the frame, zero when unknown
}

// Valid reports whether the pixel slice matches the declared dimensions.
func (f *Frame) Valid() bool {
	return f != nil && f.Width > 0 && f.Height > 0 && len(f.Pix) == f.Width*f.Height*4
}

// RGBA wraps the frame's bytes without copying.
func (f *Frame) RGBA() *image.RGBA {
	return &image.RGBA{
		Pix:    f.Pix,
		Stride: f.Width * 4,
		Rect:   image.Rect(0, 0, f.Width, f.Height),
	}
}

// Box is a raw detection in the coordinate space of the image handed to the model.
type Box struct {
	X1, Y1, X2, Y2 float64
	Score          float64
}

// FaceRegion is a padded, clamped detection in frame (display) pixels.
type FaceRegion struct {
	X          int     `json:"x"`
	Y          int     `json:"y"`
	Width      int     `json:"width"`
	Height     int     `json:"height"`
	Confidence float64 `json:"confidence"`
}

// Rect converts the region to an image.Rectangle.
func (r FaceRegion) Rect() image.Rectangle {
	return image.Rect(r.X, r.Y, r.X+r.Width, r.Y+r.Height)
}

// CoverStyle selects how detected faces are obscured.
type CoverStyle int32

const (
	Light CoverStyle = iota
	Medium
	Heavy
	BlackBox
)

var styleNames = map[CoverStyle]string{
	Light:    "light",
	Medium:   "medium",
	Heavy:    "heavy",
	BlackBox: "blackbox",
}

// BlockSize returns the pixelation cell size, or 0 for BlackBox.
func (s CoverStyle) BlockSize() int {
	switch s {
	case Light:
		return 8
	case Medium:
		return 14
	case Heavy:
		return 24
	}
	return 0
}

func (s CoverStyle) String() string {
	if n, ok := styleNames[s]; ok {
		return n
	}
	return fmt.Sprintf("CoverStyle(%d)", int32(s))
}

// ParseCoverStyle accepts the lower-case style names used in config files and flags.
func ParseCoverStyle(s string) (CoverStyle, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for style, name := range styleNames {
		if name == s {
			return style, nil
		}
	}
	return Medium, fmt.Errorf("%w: %q (want light, medium, heavy or blackbox)", ErrUnsupportedStyle, s)
}

// Facing is the physical direction a camera points.
type Facing int

const (
	Environment Facing = iota // rear
	User                      // front
)

// Toggle returns the opposite facing.
func (f Facing) Toggle() Facing {
	if f == Environment {
		return User
	}
	return Environment
}

func (f Facing) String() string {
	if f == User {
		return "user"
	}
	return "environment"
}

// ParseFacing accepts "environment"/"rear"/"back" and "user"/"front".
func ParseFacing(s string) (Facing, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "environment", "rear", "back", "":
		return Environment, nil
	case "user", "front":
		return User, nil
	}
	return Environment, fmt.Errorf("invalid facing %q (want environment or user)", s)
}

// Role tags a camera session as the redacted scene feed or the unredacted self-view.
type Role int

const (
	Scene Role = iota
	Self
)

func (r Role) String() string {
	if r == Self {
		return "self"
	}
	return "scene"
}

//go:build !gocv

package detector

import (
	"context"
	"errors"
	"image"

	"github.com/andresmejia3/veil/internal/types"
)

// ErrCascadeUnavailable is returned when the binary was built without OpenCV.
var ErrCascadeUnavailable = errors.New("cascade model requires building with -tags gocv")

// CascadeModel is unavailable in builds without the gocv tag.
type CascadeModel struct{}

// NewCascadeModel always fails without the gocv build tag.
func NewCascadeModel(path string) (*CascadeModel, error) {
	return nil, ErrCascadeUnavailable
}

func (m *CascadeModel) Detect(ctx context.Context, img *image.RGBA) ([]types.Box, error) {
	return nil, ErrCascadeUnavailable
}

func (m *CascadeModel) Close() error { return nil }

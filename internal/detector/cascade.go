//go:build gocv

package detector

import (
	"context"
	"fmt"
	"image"
	"sync"

	"github.com/andresmejia3/veil/internal/types"
	"gocv.io/x/gocv"
)

// CascadeModel detects faces with an OpenCV Haar cascade.
type CascadeModel struct {
	mu         sync.Mutex
	classifier gocv.CascadeClassifier
}

// NewCascadeModel loads a cascade file such as haarcascade_frontalface_default.xml.
func NewCascadeModel(path string) (*CascadeModel, error) {
	classifier := gocv.NewCascadeClassifier()
	if !classifier.Load(path) {
		classifier.Close()
		return nil, fmt.Errorf("error reading cascade file: %s", path)
	}
	return &CascadeModel{classifier: classifier}, nil
}

func (m *CascadeModel) Detect(ctx context.Context, img *image.RGBA) ([]types.Box, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	mat, err := gocv.ImageToMatRGBA(img)
	if err != nil {
		return nil, fmt.Errorf("failed to convert frame: %w", err)
	}
	defer mat.Close()

	gray := gocv.NewMat()
	defer gray.Close()
	gocv.CvtColor(mat, &gray, gocv.ColorRGBAToGray)

	m.mu.Lock()
	rects := m.classifier.DetectMultiScale(gray)
	m.mu.Unlock()

	boxes := make([]types.Box, 0, len(rects))
	for _, r := range rects {
		// Haar cascades carry no score; a hit is a hit.
		boxes = append(boxes, types.Box{
			X1:    float64(r.Min.X),
			Y1:    float64(r.Min.Y),
			X2:    float64(r.Max.X),
			Y2:    float64(r.Max.Y),
			Score: 1,
		})
	}
	return boxes, nil
}

func (m *CascadeModel) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.classifier.Close()
}

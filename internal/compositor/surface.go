package compositor

import (
	"context"
	"image"
	"sync"
)

// Surface is the single safe frame every consumer reads. It only ever holds
// fully composited frames; each publish replaces the whole picture at once.
type Surface struct {
	mu      sync.RWMutex
	img     *image.RGBA
	seq     uint64
	changed chan struct{} // closed on publish, then replaced
}

// NewSurface returns an empty surface.
func NewSurface() *Surface {
	return &Surface{changed: make(chan struct{})}
}

// publish copies src in. Only the compositor calls it.
func (s *Surface) publish(src *image.RGBA) {
	s.mu.Lock()
	if s.img == nil || s.img.Bounds() != src.Bounds() {
		// A new size gets a fresh buffer, so nothing of the old size survives
		s.img = image.NewRGBA(src.Bounds())
	}
	copy(s.img.Pix, src.Pix)
	s.seq++
	close(s.changed)
	s.changed = make(chan struct{})
	s.mu.Unlock()
}

// Snapshot returns a private copy of the current frame and its sequence
// number, or nil and 0 before the first publish.
func (s *Surface) Snapshot() (*image.RGBA, uint64) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.img == nil {
		return nil, 0
	}
	cp := image.NewRGBA(s.img.Bounds())
	copy(cp.Pix, s.img.Pix)
	return cp, s.seq
}

// View calls fn with the current frame under the read lock. fn must not
// retain or modify img. It reports false when nothing is published yet.
func (s *Surface) View(fn func(img *image.RGBA, seq uint64)) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.img == nil {
		return false
	}
	fn(s.img, s.seq)
	return true
}

// Seq returns the number of frames published so far.
func (s *Surface) Seq() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.seq
}

// Wait blocks until a frame newer than after is published.
func (s *Surface) Wait(ctx context.Context, after uint64) (uint64, error) {
	for {
		s.mu.RLock()
		seq, ch := s.seq, s.changed
		s.mu.RUnlock()
		if seq > after {
			return seq, nil
		}
		select {
		case <-ch:
		case <-ctx.Done():
			return seq, ctx.Err()
		}
	}
}

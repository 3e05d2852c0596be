package compositor

import (
	"context"
	"image"
	"image/color"
	"sync"
	"testing"
	"time"

	"github.com/andresmejia3/veil/internal/detector"
	"github.com/andresmejia3/veil/internal/overlay"
	"github.com/andresmejia3/veil/internal/redact"
	"github.com/andresmejia3/veil/internal/types"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

// --- fakes ---

type fakeSource struct {
	mu    sync.Mutex
	scene *types.Frame
	self  *types.Frame
}

func (s *fakeSource) SceneFrame() *types.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scene
}

func (s *fakeSource) SelfFrame() *types.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.self
}

func (s *fakeSource) set(scene, self *types.Frame) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.scene, s.self = scene, self
}

type fakeDetector struct {
	mu       sync.Mutex
	regions  []types.FaceRegion
	ready    bool
	discards int
	panics   bool
}

func (d *fakeDetector) Tick(frame *image.RGBA) []types.FaceRegion {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.panics {
		panic("model exploded")
	}
	return d.regions
}

func (d *fakeDetector) Ready() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ready
}

func (d *fakeDetector) Discard() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.discards++
	d.ready = false
}

func (d *fakeDetector) Stats() detector.Stats {
	d.mu.Lock()
	defer d.mu.Unlock()
	return detector.Stats{Faces: len(d.regions), Ready: d.ready, Interval: 4}
}

func (d *fakeDetector) setReady(ready bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.ready = ready
}

// gateModel blocks inside Detect until released.
type gateModel struct {
	entered chan struct{}
	release chan struct{}
	once    sync.Once
}

func newGateModel() *gateModel {
	return &gateModel{entered: make(chan struct{}), release: make(chan struct{})}
}

func (m *gateModel) Detect(ctx context.Context, img *image.RGBA) ([]types.Box, error) {
	m.once.Do(func() { close(m.entered) })
	<-m.release
	return []types.Box{{X1: 10, Y1: 10, X2: 60, Y2: 60, Score: 0.9}}, nil
}

func (m *gateModel) Close() error { return nil }

// --- helpers ---

func gradientFrame(w, h int) *types.Frame {
	pix := make([]byte, w*h*4)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			i := (y*w + x) * 4
			pix[i] = uint8(x)
			pix[i+1] = uint8(y)
			pix[i+2] = uint8(x + y)
			pix[i+3] = 255
		}
	}
	return &types.Frame{Seq: 1, Width: w, Height: h, Pix: pix, Timestamp: time.Now()}
}

func solidFrame(w, h int, c color.RGBA) *types.Frame {
	pix := make([]byte, w*h*4)
	for i := 0; i < len(pix); i += 4 {
		pix[i], pix[i+1], pix[i+2], pix[i+3] = c.R, c.G, c.B, c.A
	}
	return &types.Frame{Width: w, Height: h, Pix: pix}
}

func cloneRGBA(f *types.Frame) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, f.Width, f.Height))
	copy(img.Pix, f.Pix)
	return img
}

func newTestCompositor(t *testing.T, src Source, det Detector, opts ...Option) *Compositor {
	t.Helper()
	c, err := New(src, det, DefaultConfig(), opts...)
	require.NoError(t, err)
	return c
}

// --- tests ---

func TestTickPublishesOnlyRedactedFrames(t *testing.T) {
	raw := gradientFrame(640, 480)
	src := &fakeSource{scene: raw}
	region := types.FaceRegion{X: 92, Y: 90, Width: 66, Height: 70, Confidence: 0.9}
	det := &fakeDetector{regions: []types.FaceRegion{region}, ready: true}
	c := newTestCompositor(t, src, det)
	c.SetCoverStyle(types.Heavy)

	require.True(t, c.Tick())

	want := cloneRGBA(raw)
	redact.Apply(want, region.Rect(), types.Heavy)

	got, seq := c.Surface().Snapshot()
	require.Equal(t, uint64(1), seq)
	require.Equal(t, want.Pix, got.Pix)

	// The raw pattern must be gone from inside the region
	rawImg := cloneRGBA(raw)
	differs := false
	for y := region.Y; y < region.Y+region.Height; y++ {
		for x := region.X; x < region.X+region.Width; x++ {
			if got.RGBAAt(x, y) != rawImg.RGBAAt(x, y) {
				differs = true
			}
		}
	}
	require.True(t, differs)

	// The style switch lands on the next tick
	c.SetCoverStyle(types.BlackBox)
	require.True(t, c.Tick())
	got, _ = c.Surface().Snapshot()
	require.Equal(t, color.RGBA{0, 0, 0, 255}, got.RGBAAt(region.X, region.Y))
	require.Equal(t, color.RGBA{0, 0, 0, 255}, got.RGBAAt(region.X+region.Width-1, region.Y+region.Height-1))
	require.Equal(t, rawImg.RGBAAt(region.X-1, region.Y), got.RGBAAt(region.X-1, region.Y))
}

func TestTickWithheldUntilDetectorReady(t *testing.T) {
	src := &fakeSource{scene: gradientFrame(64, 48)}
	det := &fakeDetector{}
	c := newTestCompositor(t, src, det)

	require.False(t, c.Tick())
	img, seq := c.Surface().Snapshot()
	require.Nil(t, img)
	require.Zero(t, seq)
	require.Equal(t, uint64(1), c.Telemetry().Skipped)

	det.setReady(true)
	require.True(t, c.Tick())
	require.Equal(t, uint64(1), c.Surface().Seq())
}

func TestTickWithoutSceneFrame(t *testing.T) {
	c := newTestCompositor(t, &fakeSource{}, &fakeDetector{ready: true})
	require.False(t, c.Tick())
	require.Zero(t, c.Writes())
}

func TestTickPanicIsAbsorbed(t *testing.T) {
	src := &fakeSource{scene: gradientFrame(64, 48)}
	det := &fakeDetector{ready: true, panics: true}
	c := newTestCompositor(t, src, det)

	require.NotPanics(t, func() {
		require.False(t, c.Tick())
	})
	require.Zero(t, c.Surface().Seq())
}

func TestResizeDropsStaleRegions(t *testing.T) {
	src := &fakeSource{scene: gradientFrame(640, 480)}
	det := &fakeDetector{regions: []types.FaceRegion{{X: 10, Y: 10, Width: 40, Height: 40}}, ready: true}
	c := newTestCompositor(t, src, det)

	require.True(t, c.Tick())

	// Rotation: the old region set no longer applies
	src.set(gradientFrame(480, 640), nil)
	require.False(t, c.Tick())
	require.Equal(t, 1, det.discards)

	// The surface still shows the last safe frame at the old size
	img, _ := c.Surface().Snapshot()
	require.Equal(t, image.Rect(0, 0, 640, 480), img.Bounds())

	det.setReady(true)
	require.True(t, c.Tick())
	img, _ = c.Surface().Snapshot()
	require.Equal(t, image.Rect(0, 0, 480, 640), img.Bounds())
	require.Equal(t, 480, c.Telemetry().Width)
}

func TestCameraSwitchDropsStaleRegions(t *testing.T) {
	rear := gradientFrame(640, 480)
	rear.Source = uuid.New()
	src := &fakeSource{scene: rear}
	det := &fakeDetector{regions: []types.FaceRegion{{X: 10, Y: 10, Width: 40, Height: 40}}, ready: true}
	c := newTestCompositor(t, src, det)

	require.True(t, c.Tick())
	require.True(t, c.Tick())
	require.Equal(t, 0, det.discards)

	// Flip: same resolution, different session
	front := gradientFrame(640, 480)
	front.Source = uuid.New()
	src.set(front, nil)
	require.False(t, c.Tick())
	require.Equal(t, 1, det.discards)
	require.Equal(t, uint64(2), c.Surface().Seq())

	det.setReady(true)
	require.True(t, c.Tick())
	require.Equal(t, 1, det.discards)
}

func TestSelfViewOnlyWhenSelfFrameLive(t *testing.T) {
	raw := gradientFrame(640, 480)
	src := &fakeSource{scene: raw}
	det := &fakeDetector{ready: true}
	c := newTestCompositor(t, src, det)

	// Degraded: no self frame, scene fills the whole surface
	require.True(t, c.Tick())
	got, _ := c.Surface().Snapshot()
	require.Equal(t, raw.Pix, got.Pix)
	require.False(t, c.Telemetry().SelfView)

	selfColor := color.RGBA{10, 200, 30, 255}
	src.set(raw, solidFrame(320, 240, selfColor))
	require.True(t, c.Tick())

	l, ok := overlay.Compute(image.Rect(0, 0, 640, 480), 320, 240, overlay.DefaultStyle())
	require.True(t, ok)
	got, _ = c.Surface().Snapshot()
	center := image.Pt((l.PiP.Min.X+l.PiP.Max.X)/2, l.PiP.Max.Y-10)
	require.Equal(t, selfColor, got.RGBAAt(center.X, center.Y))
	require.True(t, c.Telemetry().SelfView)
}

func TestSelfViewIsNotRedacted(t *testing.T) {
	raw := gradientFrame(640, 480)
	selfColor := color.RGBA{200, 100, 50, 255}
	src := &fakeSource{scene: raw, self: solidFrame(320, 240, selfColor)}
	l, _ := overlay.Compute(image.Rect(0, 0, 640, 480), 320, 240, overlay.DefaultStyle())

	// A face detected right where the PiP goes
	region := types.FaceRegion{X: l.PiP.Min.X, Y: l.PiP.Min.Y, Width: l.PiP.Dx(), Height: l.PiP.Dy()}
	det := &fakeDetector{regions: []types.FaceRegion{region}, ready: true}
	c := newTestCompositor(t, src, det)
	c.SetCoverStyle(types.BlackBox)

	require.True(t, c.Tick())
	got, _ := c.Surface().Snapshot()
	require.Equal(t, selfColor, got.RGBAAt(l.PiP.Min.X+l.PiP.Dx()/2, l.PiP.Max.Y-10))
}

func TestFaceCountThrottled(t *testing.T) {
	now := time.Unix(0, 0)
	var counts []int
	src := &fakeSource{scene: gradientFrame(64, 48)}
	det := &fakeDetector{regions: []types.FaceRegion{{X: 1, Y: 1, Width: 5, Height: 5}}, ready: true}
	c := newTestCompositor(t, src, det,
		WithClock(func() time.Time { return now }),
		WithFaceCountHandler(func(n int) { counts = append(counts, n) }),
	)

	for i := 0; i < 5; i++ {
		require.True(t, c.Tick())
		now = now.Add(100 * time.Millisecond)
	}
	// Ticks at 0, 100, 200, 300, 400 ms: reported at 0 and 300
	require.Equal(t, []int{1, 1}, counts)
	require.Equal(t, 1, c.Telemetry().Faces)
}

func TestStopFreezesBufferWithDetectionInFlight(t *testing.T) {
	model := newGateModel()
	det, err := detector.New(model, detector.DefaultConfig())
	require.NoError(t, err)

	src := &fakeSource{scene: gradientFrame(320, 240)}
	cfg := DefaultConfig()
	cfg.FPS = 200
	c, err := New(src, det, cfg)
	require.NoError(t, err)

	c.Start(context.Background())
	select {
	case <-model.entered:
	case <-time.After(5 * time.Second):
		t.Fatal("detection never started")
	}

	c.Stop()
	frozen := c.Writes()
	require.NotZero(t, frozen)

	// The detection finishes after teardown
	close(model.release)
	time.Sleep(50 * time.Millisecond)

	require.False(t, c.Tick())
	require.Equal(t, frozen, c.Writes())
	require.Zero(t, c.Surface().Seq())
	require.False(t, det.Ready())
}

func TestLoopPublishesAndStopsIdempotently(t *testing.T) {
	src := &fakeSource{scene: gradientFrame(64, 48)}
	det := &fakeDetector{ready: true}
	cfg := DefaultConfig()
	cfg.FPS = 100
	c, err := New(src, det, cfg)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c.Start(ctx)
	c.Start(ctx)
	seq, err := c.Surface().Wait(ctx, 0)
	require.NoError(t, err)
	require.GreaterOrEqual(t, seq, uint64(1))

	done := c.Done()
	c.Stop()
	c.Stop()
	select {
	case <-done:
	default:
		t.Fatal("loop still running after Stop")
	}
	require.Equal(t, 1, det.discards)
}

func TestNewValidates(t *testing.T) {
	_, err := New(nil, &fakeDetector{}, DefaultConfig())
	require.Error(t, err)

	cfg := DefaultConfig()
	cfg.FPS = 0
	_, err = New(&fakeSource{}, &fakeDetector{}, cfg)
	require.Error(t, err)
}

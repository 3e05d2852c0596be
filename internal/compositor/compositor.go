// Package compositor runs the render loop. Each tick draws the raw scene
// frame into a private offscreen buffer, redacts every detected face, draws
// the interview self-view, and only then copies the result to the Surface.
// Nothing outside this package ever sees the offscreen buffer.
package compositor

import (
	"context"
	"errors"
	"fmt"
	"image"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andresmejia3/veil/internal/detector"
	"github.com/andresmejia3/veil/internal/overlay"
	"github.com/andresmejia3/veil/internal/redact"
	"github.com/andresmejia3/veil/internal/types"
	"github.com/google/uuid"
)

// Source supplies camera frames. SelfFrame returns nil unless a self stream
// is live. camera.Manager satisfies it.
type Source interface {
	SceneFrame() *types.Frame
	SelfFrame() *types.Frame
}

// Detector is the face detector as seen by the render loop.
type Detector interface {
	Tick(frame *image.RGBA) []types.FaceRegion
	Ready() bool
	Discard()
	Stats() detector.Stats
}

// Telemetry is a best-effort snapshot for display.
type Telemetry struct {
	Faces     int     `json:"faces"`
	LatencyMs float64 `json:"latency_ms"`
	Interval  int     `json:"interval_frames"`
	Ready     bool    `json:"ready"`
	Style     string  `json:"cover_style"`
	SelfView  bool    `json:"self_view"`
	Width     int     `json:"width"`
	Height    int     `json:"height"`
	Ticks     uint64  `json:"ticks"`
	Published uint64  `json:"published"`
	Skipped   uint64  `json:"skipped"`
	Failures  uint64  `json:"detection_failures"`
}

// Config holds render loop settings.
type Config struct {
	FPS               int
	CoverStyle        types.CoverStyle
	Overlay           overlay.Style
	FaceCountInterval time.Duration // minimum gap between OnFaceCount calls
}

// DefaultConfig returns 30 fps, Medium cover and the standard PiP.
func DefaultConfig() Config {
	return Config{
		FPS:               30,
		CoverStyle:        types.Medium,
		Overlay:           overlay.DefaultStyle(),
		FaceCountInterval: 300 * time.Millisecond,
	}
}

// Compositor owns the offscreen buffer and the safe Surface.
type Compositor struct {
	src     Source
	det     Detector
	cfg     Config
	surface *Surface
	log     *slog.Logger
	now     func() time.Time

	onFaceCount func(int)
	lastCountAt time.Time

	style    atomic.Int32
	stopped  atomic.Bool
	writes   atomic.Uint64
	ticks    atomic.Uint64
	publish  atomic.Uint64
	skipped  atomic.Uint64
	selfView atomic.Bool
	faces    atomic.Int64

	tickMu    sync.Mutex // one tick at a time
	offscreen *image.RGBA
	source    uuid.UUID // session the offscreen geometry and regions belong to

	runMu   sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// Option customises a Compositor.
type Option func(*Compositor)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Compositor) {
		c.log = l
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(c *Compositor) {
		c.now = now
	}
}

// WithFaceCountHandler registers a throttled face-count callback. It runs on
// the render goroutine and must return quickly.
func WithFaceCountHandler(fn func(count int)) Option {
	return func(c *Compositor) {
		c.onFaceCount = fn
	}
}

// New wires a compositor to its frame source and detector.
func New(src Source, det Detector, cfg Config, opts ...Option) (*Compositor, error) {
	if src == nil || det == nil {
		return nil, errors.New("compositor: source and detector are required")
	}
	if cfg.FPS <= 0 {
		return nil, fmt.Errorf("compositor: fps must be positive, got %d", cfg.FPS)
	}
	c := &Compositor{
		src:     src,
		det:     det,
		cfg:     cfg,
		surface: NewSurface(),
		log:     slog.Default(),
		now:     time.Now,
	}
	c.style.Store(int32(cfg.CoverStyle))
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Surface returns the safe output surface.
func (c *Compositor) Surface() *Surface { return c.surface }

// SetCoverStyle takes effect on the next tick.
func (c *Compositor) SetCoverStyle(s types.CoverStyle) { c.style.Store(int32(s)) }

// CoverStyle returns the current style.
func (c *Compositor) CoverStyle() types.CoverStyle { return types.CoverStyle(c.style.Load()) }

// Writes counts offscreen buffer mutations.
func (c *Compositor) Writes() uint64 { return c.writes.Load() }

// Start launches the render loop. Calling it while running is a no-op.
func (c *Compositor) Start(ctx context.Context) {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	if c.running {
		select {
		case <-c.done:
			// The parent context ended the previous loop
		default:
			return
		}
	}
	c.running = true
	c.stopped.Store(false)

	ctx, c.cancel = context.WithCancel(ctx)
	c.done = make(chan struct{})
	go c.loop(ctx, c.done)
	c.log.Debug("Render loop started", "fps", c.cfg.FPS)
}

// Stop ends the loop, waits for the current tick and drops any detection
// still in flight. Safe to call repeatedly.
func (c *Compositor) Stop() {
	// No tick may touch the buffer from here on, even one already scheduled
	c.stopped.Store(true)

	c.runMu.Lock()
	defer c.runMu.Unlock()
	if !c.running {
		return
	}
	c.cancel()
	<-c.done
	c.running = false
	c.det.Discard()
	c.log.Debug("Render loop stopped", "ticks", c.ticks.Load(), "published", c.publish.Load())
}

// Done is closed when the running loop exits. It is nil before Start.
func (c *Compositor) Done() <-chan struct{} {
	c.runMu.Lock()
	defer c.runMu.Unlock()
	return c.done
}

func (c *Compositor) loop(ctx context.Context, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(time.Second / time.Duration(c.cfg.FPS))
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if ctx.Err() != nil {
				return
			}
			c.Tick()
		}
	}
}

// Tick runs one render iteration and reports whether a frame was published.
// Any failure, including a panic, skips the tick without publishing.
func (c *Compositor) Tick() (published bool) {
	c.tickMu.Lock()
	defer c.tickMu.Unlock()

	c.ticks.Add(1)
	defer func() {
		if r := recover(); r != nil {
			c.log.Error("Render tick panicked, frame withheld", "panic", r)
			published = false
		}
		if !published {
			c.skipped.Add(1)
		}
	}()

	if c.stopped.Load() {
		return false
	}

	// 1. Raw scene into the offscreen buffer
	frame := c.src.SceneFrame()
	if !frame.Valid() {
		return false
	}
	c.resize(frame.Width, frame.Height, frame.Source)
	if c.stopped.Load() {
		return false
	}
	copy(c.offscreen.Pix, frame.Pix)
	c.writes.Add(1)

	// 2. Detect, or reuse the last regions
	regions := c.det.Tick(c.offscreen)
	if !c.det.Ready() {
		// No region set exists yet for this geometry
		return false
	}

	// 3. Redact
	style := c.CoverStyle()
	for _, r := range regions {
		if c.stopped.Load() {
			return false
		}
		redact.Apply(c.offscreen, r.Rect(), style)
		c.writes.Add(1)
	}

	// 4. Self-view on top, unredacted
	drewSelf := false
	if self := c.src.SelfFrame(); self != nil && !c.stopped.Load() {
		drewSelf = overlay.Draw(c.offscreen, self, c.cfg.Overlay)
		if drewSelf {
			c.writes.Add(1)
		}
	}
	c.selfView.Store(drewSelf)

	// 5. Publish
	if c.stopped.Load() {
		return false
	}
	now := c.now()
	c.surface.publish(c.offscreen)
	c.publish.Add(1)

	c.reportFaces(len(regions), now)
	return true
}

// resize reallocates the offscreen buffer when the scene size changes.
// Regions computed for the old size or the old camera session are dropped.
func (c *Compositor) resize(w, h int, source uuid.UUID) {
	sameSize := c.offscreen != nil && c.offscreen.Rect.Dx() == w && c.offscreen.Rect.Dy() == h
	if sameSize && source == c.source {
		return
	}
	if c.offscreen != nil {
		c.log.Info("Scene changed, withholding until the next detection",
			"from", c.offscreen.Rect.Size(), "to", image.Pt(w, h), "session", source)
		c.det.Discard()
	}
	c.source = source
	if !sameSize {
		c.offscreen = image.NewRGBA(image.Rect(0, 0, w, h))
	}
}

func (c *Compositor) reportFaces(n int, now time.Time) {
	c.faces.Store(int64(n))
	if c.onFaceCount == nil {
		return
	}
	if !c.lastCountAt.IsZero() && now.Sub(c.lastCountAt) < c.cfg.FaceCountInterval {
		return
	}
	c.lastCountAt = now
	c.onFaceCount(n)
}

// Telemetry returns the current counters.
func (c *Compositor) Telemetry() Telemetry {
	st := c.det.Stats()
	t := Telemetry{
		Faces:     int(c.faces.Load()),
		LatencyMs: float64(st.Latency) / float64(time.Millisecond),
		Interval:  st.Interval,
		Ready:     st.Ready,
		Style:     c.CoverStyle().String(),
		SelfView:  c.selfView.Load(),
		Ticks:     c.ticks.Load(),
		Published: c.publish.Load(),
		Skipped:   c.skipped.Load(),
		Failures:  st.Failures,
	}
	c.surface.View(func(img *image.RGBA, _ uint64) {
		t.Width, t.Height = img.Rect.Dx(), img.Rect.Dy()
	})
	return t
}

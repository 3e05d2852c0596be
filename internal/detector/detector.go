// Package detector runs a face-detection model alongside the render loop.
//
// Tick is called once per rendered frame. It never waits on inference: a
// request is started on a downsampled copy of the frame and its result is
// collected at the start of a later tick. Between cycles, and after failed
// cycles, the previous region set is returned unchanged.
package detector

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andresmejia3/veil/internal/types"
	xdraw "golang.org/x/image/draw"
)

// Model is a face-detection backend. Boxes are returned in the coordinate
// space of img, which is already downsampled to Config.WorkSize.
type Model interface {
	Detect(ctx context.Context, img *image.RGBA) ([]types.Box, error)
	Close() error
}

// Config holds the detector's tuning values.
type Config struct {
	WorkSize        int           // long edge of the image handed to the model
	InitialInterval int           // render ticks between detection cycles at start
	MinInterval     int           // floor of the adaptive interval
	MaxInterval     int           // cap of the adaptive interval
	SlowThreshold   time.Duration // latency above which the interval grows
	FastThreshold   time.Duration // latency below which the interval shrinks
	PadX            float64       // horizontal padding as a fraction of box width
	PadY            float64       // vertical padding as a fraction of box height
	MinConfidence   float64
	Timeout         time.Duration // per-inference deadline
}

// DefaultConfig returns the standard tuning.
func DefaultConfig() Config {
	return Config{
		WorkSize:        256,
		InitialInterval: 4,
		MinInterval:     3,
		MaxInterval:     8,
		SlowThreshold:   80 * time.Millisecond,
		FastThreshold:   30 * time.Millisecond,
		PadX:            0.15,
		PadY:            0.20,
		MinConfidence:   0,
		Timeout:         5 * time.Second,
	}
}

// Validate checks the config for values the scheduler cannot work with.
func (c Config) Validate() error {
	if c.WorkSize < 16 {
		return fmt.Errorf("work size must be at least 16, got %d", c.WorkSize)
	}
	if c.MinInterval < 1 || c.MaxInterval < c.MinInterval {
		return fmt.Errorf("invalid interval bounds [%d,%d]", c.MinInterval, c.MaxInterval)
	}
	if c.InitialInterval < c.MinInterval || c.InitialInterval > c.MaxInterval {
		return fmt.Errorf("initial interval %d outside [%d,%d]", c.InitialInterval, c.MinInterval, c.MaxInterval)
	}
	if c.FastThreshold >= c.SlowThreshold {
		return fmt.Errorf("fast threshold %s must be below slow threshold %s", c.FastThreshold, c.SlowThreshold)
	}
	if c.PadX < 0 || c.PadY < 0 {
		return fmt.Errorf("padding must not be negative")
	}
	if c.MinConfidence < 0 || c.MinConfidence > 1 {
		return fmt.Errorf("min confidence must be between 0.0 and 1.0, got %f", c.MinConfidence)
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	return nil
}

// Stats is a read-only telemetry snapshot.
type Stats struct {
	Faces    int
	Latency  time.Duration
	Interval int
	Cycles   uint64
	Failures uint64
	Ready    bool
}

type result struct {
	gen      uint64
	boxes    []types.Box
	invScale float64
	width    int
	height   int
	latency  time.Duration
	err      error
}

// Detector schedules model calls and owns the current region set.
type Detector struct {
	model Model
	cfg   Config
	now   func() time.Time
	log   *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu            sync.Mutex
	frameCounter  uint64
	interval      int
	regions       []types.FaceRegion
	latency       time.Duration
	cycles        uint64
	failures      uint64
	ready         bool
	pending       chan result // reply slot of the in-flight call, nil when idle
	pendingCancel context.CancelFunc

	gen   atomic.Uint64
	stats atomic.Pointer[Stats]
}

// Option customises a Detector.
type Option func(*Detector)

// WithClock replaces time.Now for latency measurement.
func WithClock(now func() time.Time) Option {
	return func(d *Detector) {
		d.now = now
	}
}

// WithLogger sets the logger used for debug output.
func WithLogger(l *slog.Logger) Option {
	return func(d *Detector) {
		d.log = l
	}
}

// New wraps model with the adaptive scheduler.
func New(model Model, cfg Config, opts ...Option) (*Detector, error) {
	if model == nil {
		return nil, fmt.Errorf("detector: model is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("detector: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Detector{
		model:    model,
		cfg:      cfg,
		now:      time.Now,
		log:      slog.Default(),
		ctx:      ctx,
		cancel:   cancel,
		interval: cfg.InitialInterval,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.publishStats()
	return d, nil
}

// Tick collects a finished result if one is ready, starts a new request when
// the interval is due, and returns the current region set. The returned slice
// is never modified afterwards and must not be modified by the caller.
//
// frame is read synchronously (it is downsampled before Tick returns), so the
// caller may mutate it freely once Tick is done.
func (d *Detector) Tick(frame *image.RGBA) []types.FaceRegion {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.collect()

	if frame == nil || frame.Bounds().Empty() {
		return d.regions
	}

	d.frameCounter++
	due := d.frameCounter%uint64(d.interval) == 0
	// Until the first cycle lands there is nothing to reuse, so retry eagerly.
	if (due || !d.ready) && d.pending == nil {
		d.launch(frame)
	}
	return d.regions
}

// Ready reports whether at least one detection cycle has completed since
// construction or the last Discard.
func (d *Detector) Ready() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ready
}

// Stats returns the latest telemetry snapshot. Safe from any goroutine.
func (d *Detector) Stats() Stats {
	return *d.stats.Load()
}

// Discard abandons any in-flight request. Its result, if it ever arrives, is
// dropped. The detector must produce a fresh cycle before it is Ready again.
func (d *Detector) Discard() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.gen.Add(1)
	if d.pendingCancel != nil {
		d.pendingCancel()
	}
	d.pending = nil
	d.pendingCancel = nil
	d.ready = false
	d.publishStats()
}

// Close discards pending work and releases the model.
func (d *Detector) Close() error {
	d.Discard()
	d.cancel()
	return d.model.Close()
}

// collect applies a completed result. Caller holds d.mu.
func (d *Detector) collect() {
	if d.pending == nil {
		return
	}
	var r result
	select {
	case r = <-d.pending:
	default:
		return
	}
	d.pending = nil
	d.pendingCancel = nil

	if r.gen != d.gen.Load() {
		return
	}

	if r.err != nil {
		// Keep the previous regions: a failed cycle means "still covered".
		d.failures++
		d.log.Debug("Face detection failed, reusing last regions", "error", r.err, "regions", len(d.regions))
		d.publishStats()
		return
	}

	d.regions = toRegions(r.boxes, r.invScale, r.width, r.height, d.cfg)
	d.latency = r.latency
	d.interval = nextInterval(d.interval, r.latency, d.cfg)
	d.cycles++
	d.ready = true
	d.publishStats()
}

// launch downsamples frame and starts the model call. Caller holds d.mu.
func (d *Detector) launch(frame *image.RGBA) {
	b := frame.Bounds()
	long := max(b.Dx(), b.Dy())
	scale := float64(d.cfg.WorkSize) / float64(long)
	sw := max(1, int(math.Round(float64(b.Dx())*scale)))
	sh := max(1, int(math.Round(float64(b.Dy())*scale)))

	work := image.NewRGBA(image.Rect(0, 0, sw, sh))
	xdraw.ApproxBiLinear.Scale(work, work.Bounds(), frame, b, xdraw.Src, nil)

	// long/WorkSize rather than 1/scale keeps common ratios exact.
	invScale := float64(long) / float64(d.cfg.WorkSize)
	reply := make(chan result, 1)
	ctx, cancel := context.WithTimeout(d.ctx, d.cfg.Timeout)
	d.pending = reply
	d.pendingCancel = cancel

	gen := d.gen.Load()
	w, h := b.Dx(), b.Dy()
	go func() {
		defer cancel()
		start := d.now()
		boxes, err := d.model.Detect(ctx, work)
		if err != nil {
			err = fmt.Errorf("%w: %w", types.ErrDetectionFailure, err)
		}
		reply <- result{
			gen:      gen,
			boxes:    boxes,
			invScale: invScale,
			width:    w,
			height:   h,
			latency:  d.now().Sub(start),
			err:      err,
		}
	}()
}

func (d *Detector) publishStats() {
	d.stats.Store(&Stats{
		Faces:    len(d.regions),
		Latency:  d.latency,
		Interval: d.interval,
		Cycles:   d.cycles,
		Failures: d.failures,
		Ready:    d.ready,
	})
}

// nextInterval applies one step of the adaptive schedule.
func nextInterval(cur int, latency time.Duration, cfg Config) int {
	switch {
	case latency > cfg.SlowThreshold:
		return min(cfg.MaxInterval, cur+1)
	case latency < cfg.FastThreshold && cur > cfg.MinInterval:
		return max(cfg.MinInterval, cur-1)
	}
	return cur
}

// toRegions maps model boxes back to frame space, pads them, clamps them to
// the frame and drops anything left with zero area.
func toRegions(boxes []types.Box, invScale float64, width, height int, cfg Config) []types.FaceRegion {
	bounds := image.Rect(0, 0, width, height)
	regions := make([]types.FaceRegion, 0, len(boxes))
	for _, b := range boxes {
		if b.Score < cfg.MinConfidence {
			continue
		}
		x1, x2 := math.Min(b.X1, b.X2)*invScale, math.Max(b.X1, b.X2)*invScale
		y1, y2 := math.Min(b.Y1, b.Y2)*invScale, math.Max(b.Y1, b.Y2)*invScale
		padX := (x2 - x1) * cfg.PadX
		padY := (y2 - y1) * cfg.PadY

		r := image.Rect(
			int(math.Floor(x1-padX)),
			int(math.Floor(y1-padY)),
			int(math.Ceil(x2+padX)),
			int(math.Ceil(y2+padY)),
		).Intersect(bounds)
		if r.Empty() {
			continue
		}
		regions = append(regions, types.FaceRegion{
			X:          r.Min.X,
			Y:          r.Min.Y,
			Width:      r.Dx(),
			Height:     r.Dy(),
			Confidence: b.Score,
		})
	}
	return regions
}

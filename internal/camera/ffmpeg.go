package camera

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/andresmejia3/veil/internal/types"
	"github.com/andresmejia3/veil/internal/utils"
)

// FFmpegConfig configures the ffmpeg-backed driver.
type FFmpegConfig struct {
	Format       string   // ffmpeg input format; "" reads Devices as video files
	Devices      []string // fixed device list; empty enumerates /dev/video*
	Width        int
	Height       int
	FPS          int
	Loop         bool // loop file inputs
	StartTimeout time.Duration
	SysfsRoot    string // video4linux class directory, for labels
	DevGlob      string
}

// DefaultInputFormat returns ffmpeg's camera input format for the host OS.
func DefaultInputFormat() string {
	switch runtime.GOOS {
	case "darwin":
		return "avfoundation"
	case "windows":
		return "dshow"
	}
	return "v4l2"
}

// FFmpegDriver captures cameras through an ffmpeg child process per stream.
type FFmpegDriver struct {
	cfg FFmpegConfig
}

// NewFFmpegDriver fills unset fields with defaults.
func NewFFmpegDriver(cfg FFmpegConfig) *FFmpegDriver {
	if cfg.Width <= 0 || cfg.Height <= 0 {
		cfg.Width, cfg.Height = 1280, 720
	}
	if cfg.FPS <= 0 {
		cfg.FPS = 30
	}
	if cfg.StartTimeout <= 0 {
		cfg.StartTimeout = 5 * time.Second
	}
	if cfg.SysfsRoot == "" {
		cfg.SysfsRoot = "/sys/class/video4linux"
	}
	if cfg.DevGlob == "" {
		cfg.DevGlob = "/dev/video*"
	}
	return &FFmpegDriver{cfg: cfg}
}

// Enumerate lists configured devices, or video4linux nodes when none are set.
func (d *FFmpegDriver) Enumerate(ctx context.Context) ([]DeviceInfo, error) {
	paths := d.cfg.Devices
	if len(paths) == 0 {
		if d.cfg.Format != "v4l2" {
			return nil, fmt.Errorf("%w: no devices configured for input format %q", types.ErrDeviceUnavailable, d.cfg.Format)
		}
		var err error
		paths, err = filepath.Glob(d.cfg.DevGlob)
		if err != nil {
			return nil, err
		}
		sort.Strings(paths)
	}

	devices := make([]DeviceInfo, 0, len(paths))
	for _, p := range paths {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		label := d.label(p)
		facing, known := InferFacing(label)
		devices = append(devices, DeviceInfo{ID: p, Label: label, Facing: facing, FacingKnown: known})
	}
	return devices, nil
}

func (d *FFmpegDriver) label(path string) string {
	name, err := os.ReadFile(filepath.Join(d.cfg.SysfsRoot, filepath.Base(path), "name"))
	if err != nil {
		return filepath.Base(path)
	}
	return strings.TrimSpace(string(name))
}

// Open resolves c to a device and waits for the first frame, so that setup
// failures are reported here and not from the render loop.
func (d *FFmpegDriver) Open(ctx context.Context, c Constraints) (Stream, error) {
	info, err := d.resolve(ctx, c)
	if err != nil {
		return nil, err
	}

	in := utils.CaptureInput{
		Format: d.cfg.Format,
		Device: info.ID,
		Width:  d.cfg.Width,
		Height: d.cfg.Height,
		FPS:    d.cfg.FPS,
		Loop:   d.cfg.Loop,
	}
	if c.Width > 0 && c.Height > 0 {
		in.Width, in.Height = c.Width, c.Height
	}
	if c.FPS > 0 {
		in.FPS = c.FPS
	}

	s, err := startFFmpegStream(info, in)
	if err != nil {
		return nil, err
	}

	select {
	case <-s.first:
		return s, nil
	case <-s.done:
		s.cancel()
		return nil, classifyFFmpeg(info.ID, s.cmd.Stderr.String(), s.waitErr)
	case <-ctx.Done():
		s.Close()
		return nil, ctx.Err()
	case <-time.After(d.cfg.StartTimeout):
		s.Close()
		return nil, fmt.Errorf("%w: no frame from %s within %s", types.ErrDeviceUnavailable, info.ID, d.cfg.StartTimeout)
	}
}

// resolve applies the device-id, then label, then position fallback.
func (d *FFmpegDriver) resolve(ctx context.Context, c Constraints) (DeviceInfo, error) {
	devices, err := d.Enumerate(ctx)
	if err != nil {
		return DeviceInfo{}, err
	}
	if c.DeviceID != "" {
		for _, dev := range devices {
			if dev.ID == c.DeviceID {
				return dev, nil
			}
		}
		if len(d.cfg.Devices) == 0 && d.cfg.Format != "v4l2" {
			return DeviceInfo{ID: c.DeviceID}, nil
		}
		return DeviceInfo{}, fmt.Errorf("%w: %s", types.ErrDeviceUnavailable, c.DeviceID)
	}
	if len(devices) == 0 {
		return DeviceInfo{}, fmt.Errorf("%w: no cameras found", types.ErrDeviceUnavailable)
	}
	if c.AnyFacing {
		return devices[0], nil
	}
	if dev, ok := pickByFacing(devices, c.Facing); ok {
		return dev, nil
	}
	// No labels: first node is treated as rear, last as front
	if c.Facing == types.User {
		return devices[len(devices)-1], nil
	}
	return devices[0], nil
}

func classifyFFmpeg(device, stderr string, waitErr error) error {
	lower := strings.ToLower(stderr)
	msg := strings.TrimSpace(stderr)
	if msg == "" && waitErr != nil {
		msg = waitErr.Error()
	}
	switch {
	case strings.Contains(lower, "permission denied"), strings.Contains(lower, "not authorized"):
		return fmt.Errorf("%w: %s: %s", types.ErrPermissionDenied, device, msg)
	default:
		return fmt.Errorf("%w: %s: %s", types.ErrDeviceUnavailable, device, msg)
	}
}

// ffmpegStream keeps only the newest decoded frame.
type ffmpegStream struct {
	info      DeviceInfo
	cmd       *utils.SafeCommand
	cancel    context.CancelFunc
	frameSize int
	width     int
	height    int

	latest    atomic.Pointer[types.Frame]
	seq       atomic.Uint64
	first     chan struct{}
	firstOnce sync.Once
	done      chan struct{}
	waitErr   error
	closeOnce sync.Once
}

func startFFmpegStream(info DeviceInfo, in utils.CaptureInput) (*ffmpegStream, error) {
	// The process outlives the Open call, so it gets its own context
	ctx, cancel := context.WithCancel(context.Background())
	cmd := utils.NewFFmpegCapture(ctx, in)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to get stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
	}

	s := &ffmpegStream{
		info:      info,
		cmd:       cmd,
		cancel:    cancel,
		frameSize: in.Width * in.Height * 4,
		width:     in.Width,
		height:    in.Height,
		first:     make(chan struct{}),
		done:      make(chan struct{}),
	}
	go s.readLoop(stdout)
	return s, nil
}

func (s *ffmpegStream) readLoop(stdout io.Reader) {
	defer close(s.done)

	reader := bufio.NewReaderSize(stdout, s.frameSize)
	for {
		pix := make([]byte, s.frameSize)
		if _, err := io.ReadFull(reader, pix); err != nil {
			break
		}
		s.latest.Store(&types.Frame{
			Seq:       s.seq.Add(1),
			Width:     s.width,
			Height:    s.height,
			Pix:       pix,
			Timestamp: time.Now(),
		})
		s.firstOnce.Do(func() { close(s.first) })
	}

	// Drain so ffmpeg never blocks on a full pipe during shutdown
	io.Copy(io.Discard, reader)
	s.waitErr = s.cmd.Wait()
}

func (s *ffmpegStream) Latest() *types.Frame { return s.latest.Load() }

func (s *ffmpegStream) Device() DeviceInfo { return s.info }

// Close kills ffmpeg and waits for the read loop, so the device is free on return.
func (s *ffmpegStream) Close() error {
	s.closeOnce.Do(func() {
		s.cancel()
		<-s.done
		s.latest.Store(nil)
	})
	var exitErr interface{ ExitCode() int }
	if s.waitErr != nil && !errors.As(s.waitErr, &exitErr) && !errors.Is(s.waitErr, context.Canceled) {
		return s.waitErr
	}
	return nil
}

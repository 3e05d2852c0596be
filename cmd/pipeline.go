package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/andresmejia3/veil/internal/camera"
	"github.com/andresmejia3/veil/internal/compositor"
	"github.com/andresmejia3/veil/internal/config"
	"github.com/andresmejia3/veil/internal/detector"
	"github.com/andresmejia3/veil/internal/logging"
	"github.com/andresmejia3/veil/internal/overlay"
	"github.com/andresmejia3/veil/internal/types"
	"github.com/andresmejia3/veil/internal/utils"
	"github.com/andresmejia3/veil/internal/worker"
	"github.com/spf13/pflag"
)

// Options holds the flags shared by live and snap. Only flags the user set
// override the config file.
type Options struct {
	CoverStyle  string
	Facing      string
	Interview   bool
	Model       string
	Script      string
	Devices     []string
	PreviewAddr string
	RecordPath  string
	OutputPath  string
	Duration    time.Duration
}

func bindPipelineFlags(fs *pflag.FlagSet, opts *Options) {
	fs.StringVarP(&opts.CoverStyle, "style", "s", "medium", "Cover style: light, medium, heavy, blackbox")
	fs.StringVarP(&opts.Facing, "facing", "f", "environment", "Scene camera facing: environment (rear) or user (front)")
	fs.BoolVarP(&opts.Interview, "interview", "i", false, "Show the self camera as an unredacted picture-in-picture")
	fs.StringVarP(&opts.Model, "model", "m", "python", "Face detection model: python or cascade")
	fs.StringVar(&opts.Script, "script", "python/detect.py", "Python detection script (model=python)")
	fs.StringSliceVar(&opts.Devices, "device", nil, "Camera device(s) or video files; first is the scene, second the self view")
}

// applyOptions copies explicitly set flags over cfg and validates the result.
func applyOptions(cfg config.Config, fs *pflag.FlagSet, opts Options) (config.Config, error) {
	if fs.Changed("style") {
		cfg.CoverStyle = opts.CoverStyle
	}
	if fs.Changed("facing") {
		cfg.Facing = opts.Facing
	}
	if fs.Changed("interview") {
		cfg.Interview = opts.Interview
	}
	if fs.Changed("model") {
		cfg.Detector.Model = opts.Model
	}
	if fs.Changed("script") {
		cfg.Detector.Script = opts.Script
	}
	if fs.Changed("device") {
		cfg.Camera.Devices = opts.Devices
	}
	if fs.Lookup("preview") != nil && fs.Changed("preview") {
		cfg.Preview.Addr = opts.PreviewAddr
	}
	return cfg, cfg.Validate()
}

// pipeline is the camera, detector and compositor wired together.
type pipeline struct {
	cfg     config.Config
	log     *slog.Logger
	cameras *camera.Manager
	det     *detector.Detector
	comp    *compositor.Compositor
	model   detector.Model
}

func newModel(ctx context.Context, cfg config.DetectorConfig) (detector.Model, error) {
	switch cfg.Model {
	case "cascade":
		return detector.NewCascadeModel(cfg.Cascade)
	default:
		if err := utils.RequireBinary("python3"); err != nil {
			return nil, err
		}
		return worker.NewPythonWorker(ctx, 0, cfg.Script)
	}
}

func buildPipeline(ctx context.Context, cfg config.Config, opts ...compositor.Option) (*pipeline, error) {
	log := logging.GetLogger()

	// 1. Detection model
	if err := utils.RequireBinary("ffmpeg"); err != nil {
		return nil, err
	}
	model, err := newModel(ctx, cfg.Detector)
	if err != nil {
		return nil, fmt.Errorf("failed to start %s model: %w", cfg.Detector.Model, err)
	}
	det, err := detector.New(model, cfg.Detector.ToDetector(), detector.WithLogger(log))
	if err != nil {
		model.Close()
		return nil, err
	}

	// 2. Cameras
	driver := camera.NewFFmpegDriver(cfg.Camera.FFmpeg())
	cams := camera.NewManager(driver,
		camera.WithLogger(log),
		camera.WithFacing(cfg.SceneFacing()),
		camera.WithFPS(cfg.FPS),
		camera.WithResolution(
			camera.Size{Width: cfg.Camera.Width, Height: cfg.Camera.Height},
			camera.Size{Width: cfg.Camera.SelfWidth, Height: cfg.Camera.SelfHeight},
		),
	)

	// 3. Render loop
	comp, err := compositor.New(cams, det, compositor.Config{
		FPS:               cfg.FPS,
		CoverStyle:        cfg.Style(),
		Overlay:           overlay.DefaultStyle(),
		FaceCountInterval: 300 * time.Millisecond,
	}, append([]compositor.Option{compositor.WithLogger(log)}, opts...)...)
	if err != nil {
		det.Close()
		return nil, err
	}

	return &pipeline{cfg: cfg, log: log, cameras: cams, det: det, comp: comp, model: model}, nil
}

// start opens the cameras and launches the loop. supported is false when
// interview mode fell back to a single camera.
func (p *pipeline) start(ctx context.Context) (supported bool, err error) {
	if p.cfg.Interview {
		supported, err = p.cameras.EnterInterview(ctx)
	} else {
		_, err = p.cameras.StartScene(ctx, p.cfg.SceneFacing())
		supported = true
	}
	if err != nil {
		return false, describeCameraError(err)
	}
	p.comp.Start(ctx)
	return supported, nil
}

// close stops the loop before releasing cameras, so no tick reads a closed stream.
func (p *pipeline) close() error {
	p.comp.Stop()
	return errors.Join(p.cameras.StopAll(), p.det.Close())
}

func describeCameraError(err error) error {
	switch {
	case errors.Is(err, types.ErrPermissionDenied):
		return fmt.Errorf("camera access was denied (check video group membership or OS privacy settings): %w", err)
	case errors.Is(err, types.ErrDeviceUnavailable):
		return fmt.Errorf("no usable camera found (try --device): %w", err)
	}
	return err
}

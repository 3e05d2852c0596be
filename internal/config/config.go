// Package config loads veil's TOML configuration.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/andresmejia3/veil/internal/camera"
	"github.com/andresmejia3/veil/internal/detector"
	"github.com/andresmejia3/veil/internal/types"
	"github.com/pelletier/go-toml/v2"
)

// Duration reads values such as "80ms" or "5s".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(b []byte) error {
	v, err := time.ParseDuration(string(b))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

type Config struct {
	CoverStyle string `toml:"cover_style"`
	Facing     string `toml:"facing"`
	Interview  bool   `toml:"interview"`
	FPS        int    `toml:"fps"`

	Camera   CameraConfig   `toml:"camera"`
	Detector DetectorConfig `toml:"detector"`
	Recorder RecorderConfig `toml:"recorder"`
	Preview  PreviewConfig  `toml:"preview"`
	Log      LogConfig      `toml:"log"`
	Database DatabaseConfig `toml:"database"`
}

type CameraConfig struct {
	Format       string   `toml:"format"`  // ffmpeg input format; "file" plays Devices as video files
	Devices      []string `toml:"devices"` // fixed device list; empty enumerates
	Width        int      `toml:"width"`
	Height       int      `toml:"height"`
	SelfWidth    int      `toml:"self_width"`
	SelfHeight   int      `toml:"self_height"`
	Loop         bool     `toml:"loop"`
	StartTimeout Duration `toml:"start_timeout"`
}

type DetectorConfig struct {
	Model           string   `toml:"model"` // python or cascade
	Script          string   `toml:"script"`
	Cascade         string   `toml:"cascade"`
	WorkSize        int      `toml:"work_size"`
	InitialInterval int      `toml:"initial_interval"`
	MinInterval     int      `toml:"min_interval"`
	MaxInterval     int      `toml:"max_interval"`
	SlowThreshold   Duration `toml:"slow_threshold"`
	FastThreshold   Duration `toml:"fast_threshold"`
	PadX            float64  `toml:"pad_x"`
	PadY            float64  `toml:"pad_y"`
	MinConfidence   float64  `toml:"min_confidence"`
	Timeout         Duration `toml:"timeout"`
}

type RecorderConfig struct {
	FPS     int    `toml:"fps"`
	Bitrate int    `toml:"bitrate"`
	Dir     string `toml:"dir"`
}

type PreviewConfig struct {
	Addr           string   `toml:"addr"` // empty disables the preview server
	AllowedOrigins []string `toml:"allowed_origins"`
}

type LogConfig struct {
	Level string `toml:"level"`
}

type DatabaseConfig struct {
	URL            string   `toml:"url"` // empty disables the run log
	SampleInterval Duration `toml:"sample_interval"`
}

// Default returns the built-in configuration.
func Default() Config {
	dc := detector.DefaultConfig()
	return Config{
		CoverStyle: types.Medium.String(),
		Facing:     types.Environment.String(),
		FPS:        30,
		Camera: CameraConfig{
			Format:       camera.DefaultInputFormat(),
			Width:        1280,
			Height:       720,
			SelfWidth:    640,
			SelfHeight:   480,
			StartTimeout: Duration{5 * time.Second},
		},
		Detector: DetectorConfig{
			Model:           "python",
			Script:          "python/detect.py",
			Cascade:         "haarcascade_frontalface_default.xml",
			WorkSize:        dc.WorkSize,
			InitialInterval: dc.InitialInterval,
			MinInterval:     dc.MinInterval,
			MaxInterval:     dc.MaxInterval,
			SlowThreshold:   Duration{dc.SlowThreshold},
			FastThreshold:   Duration{dc.FastThreshold},
			PadX:            dc.PadX,
			PadY:            dc.PadY,
			MinConfidence:   0.5,
			Timeout:         Duration{dc.Timeout},
		},
		Recorder: RecorderConfig{FPS: 30, Bitrate: 4_000_000, Dir: "."},
		Preview:  PreviewConfig{Addr: "127.0.0.1:8090"},
		Log:      LogConfig{Level: "warn"},
		Database: DatabaseConfig{SampleInterval: Duration{2 * time.Second}},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config: %w", err)
	}
	if err := toml.Unmarshal(data, &cfg); err != nil {
		var derr *toml.DecodeError
		if errors.As(err, &derr) {
			row, col := derr.Position()
			return cfg, fmt.Errorf("%s:%d:%d: %w", path, row, col, err)
		}
		return cfg, fmt.Errorf("failed to parse config: %w", err)
	}
	return cfg, cfg.Validate()
}

// Validate rejects values the pipeline cannot run with.
func (c Config) Validate() error {
	var errs []error
	if _, err := types.ParseCoverStyle(c.CoverStyle); err != nil {
		errs = append(errs, err)
	}
	if _, err := types.ParseFacing(c.Facing); err != nil {
		errs = append(errs, err)
	}
	if c.FPS <= 0 || c.FPS > 120 {
		errs = append(errs, fmt.Errorf("fps must be in [1,120], got %d", c.FPS))
	}
	if c.Camera.Width <= 0 || c.Camera.Height <= 0 {
		errs = append(errs, fmt.Errorf("invalid camera resolution %dx%d", c.Camera.Width, c.Camera.Height))
	}
	if c.Camera.SelfWidth <= 0 || c.Camera.SelfHeight <= 0 {
		errs = append(errs, fmt.Errorf("invalid self camera resolution %dx%d", c.Camera.SelfWidth, c.Camera.SelfHeight))
	}
	switch c.Detector.Model {
	case "python", "cascade":
	default:
		errs = append(errs, fmt.Errorf("unknown detector model %q (want python or cascade)", c.Detector.Model))
	}
	if err := c.Detector.ToDetector().Validate(); err != nil {
		errs = append(errs, fmt.Errorf("detector: %w", err))
	}
	if c.Recorder.FPS <= 0 || c.Recorder.FPS > 120 {
		errs = append(errs, fmt.Errorf("recorder fps must be in [1,120], got %d", c.Recorder.FPS))
	}
	if c.Recorder.Bitrate < 0 {
		errs = append(errs, fmt.Errorf("recorder bitrate must not be negative"))
	}
	if c.Database.URL != "" && c.Database.SampleInterval.Duration <= 0 {
		errs = append(errs, fmt.Errorf("database sample interval must be positive"))
	}
	return errors.Join(errs...)
}

// ToDetector converts the [detector] section.
func (d DetectorConfig) ToDetector() detector.Config {
	return detector.Config{
		WorkSize:        d.WorkSize,
		InitialInterval: d.InitialInterval,
		MinInterval:     d.MinInterval,
		MaxInterval:     d.MaxInterval,
		SlowThreshold:   d.SlowThreshold.Duration,
		FastThreshold:   d.FastThreshold.Duration,
		PadX:            d.PadX,
		PadY:            d.PadY,
		MinConfidence:   d.MinConfidence,
		Timeout:         d.Timeout.Duration,
	}
}

// Style returns the parsed cover style. Call after Validate.
func (c Config) Style() types.CoverStyle {
	s, _ := types.ParseCoverStyle(c.CoverStyle)
	return s
}

// SceneFacing returns the parsed facing. Call after Validate.
func (c Config) SceneFacing() types.Facing {
	f, _ := types.ParseFacing(c.Facing)
	return f
}

// FFmpeg builds the camera driver settings.
func (c CameraConfig) FFmpeg() camera.FFmpegConfig {
	format := c.Format
	if format == "file" {
		format = ""
	}
	return camera.FFmpegConfig{
		Format:       format,
		Devices:      c.Devices,
		Width:        c.Width,
		Height:       c.Height,
		Loop:         c.Loop,
		StartTimeout: c.StartTimeout.Duration,
	}
}

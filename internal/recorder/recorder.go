// Package recorder streams the safe surface to an encoder at a fixed frame
// rate. It reads only published frames, never camera input.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"image"
	"io"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/andresmejia3/veil/internal/utils"
	xdraw "golang.org/x/image/draw"
)

// ErrNoFrames means the recorder stopped before any safe frame existed.
var ErrNoFrames = errors.New("no safe frame was published")

// Source is the read side of the safe surface.
type Source interface {
	View(fn func(img *image.RGBA, seq uint64)) bool
	Wait(ctx context.Context, after uint64) (uint64, error)
}

// Sink receives raw RGBA frames of the size it was opened with.
type Sink interface {
	io.Writer
	Close() error
}

// SinkFactory opens a sink once the recording size is known.
type SinkFactory func(ctx context.Context, width, height, fps int) (Sink, error)

// Stats describes a recording in progress.
type Stats struct {
	Frames     uint64
	Duplicates uint64 // frames re-sent because nothing new was published
	Width      int
	Height     int
}

// Recorder samples a Source at FPS.
type Recorder struct {
	src  Source
	open SinkFactory
	fps  int
	log  *slog.Logger

	frames     atomic.Uint64
	duplicates atomic.Uint64
	width      atomic.Int64
	height     atomic.Int64
}

// New creates a recorder. fps must be positive.
func New(src Source, open SinkFactory, fps int, log *slog.Logger) (*Recorder, error) {
	if fps <= 0 {
		return nil, fmt.Errorf("recorder: fps must be positive, got %d", fps)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Recorder{src: src, open: open, fps: fps, log: log}, nil
}

// Run records until ctx is done, then closes the sink and returns its error.
// The recording size is fixed by the first safe frame; later frames of a
// different size are scaled to fit.
func (r *Recorder) Run(ctx context.Context) error {
	// 1. Wait for the first safe frame
	if _, err := r.src.Wait(ctx, 0); err != nil {
		return ErrNoFrames
	}
	var size image.Point
	r.src.View(func(img *image.RGBA, _ uint64) {
		size = img.Rect.Size()
	})
	r.width.Store(int64(size.X))
	r.height.Store(int64(size.Y))

	// 2. Open the encoder
	sink, err := r.open(ctx, size.X, size.Y, r.fps)
	if err != nil {
		return fmt.Errorf("failed to open recording sink: %w", err)
	}
	r.log.Info("Recording started", "width", size.X, "height", size.Y, "fps", r.fps)

	// 3. Fixed-rate sampling loop
	buf := image.NewRGBA(image.Rect(0, 0, size.X, size.Y))
	var lastSeq uint64
	ticker := time.NewTicker(time.Second / time.Duration(r.fps))
	defer ticker.Stop()

	var writeErr error
loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-ticker.C:
			seq := r.sample(buf)
			if seq == lastSeq {
				r.duplicates.Add(1)
			}
			lastSeq = seq
			if _, err := sink.Write(buf.Pix); err != nil {
				writeErr = fmt.Errorf("recording write failed: %w", err)
				break loop
			}
			r.frames.Add(1)
		}
	}

	closeErr := sink.Close()
	r.log.Info("Recording finished", "frames", r.frames.Load(), "duplicates", r.duplicates.Load())
	return errors.Join(writeErr, closeErr)
}

// sample copies the current safe frame into buf, scaling on a size change.
func (r *Recorder) sample(buf *image.RGBA) uint64 {
	var seq uint64
	r.src.View(func(img *image.RGBA, s uint64) {
		seq = s
		if img.Rect.Eq(buf.Rect) {
			copy(buf.Pix, img.Pix)
			return
		}
		xdraw.ApproxBiLinear.Scale(buf, buf.Rect, img, img.Rect, xdraw.Src, nil)
	})
	return seq
}

// Stats returns the current counters.
func (r *Recorder) Stats() Stats {
	return Stats{
		Frames:     r.frames.Load(),
		Duplicates: r.duplicates.Load(),
		Width:      int(r.width.Load()),
		Height:     int(r.height.Load()),
	}
}

// FFmpegSink encodes frames with an ffmpeg child process.
type FFmpegSink struct {
	cmd   *utils.SafeCommand
	stdin io.WriteCloser
}

// FFmpegSinkFactory returns a SinkFactory writing an H.264 file at path.
func FFmpegSinkFactory(path string, bitrate int) SinkFactory {
	return func(ctx context.Context, width, height, fps int) (Sink, error) {
		// The encoder must outlive ctx so it can flush after the stop signal
		cmd := utils.NewFFmpegEncoder(context.WithoutCancel(ctx), path, fps, width, height, bitrate)
		stdin, err := cmd.StdinPipe()
		if err != nil {
			return nil, fmt.Errorf("failed to get stdin pipe: %w", err)
		}
		if err := cmd.Start(); err != nil {
			return nil, fmt.Errorf("failed to start ffmpeg: %w", err)
		}
		return &FFmpegSink{cmd: cmd, stdin: stdin}, nil
	}
}

func (s *FFmpegSink) Write(p []byte) (int, error) { return s.stdin.Write(p) }

// Close ends the input stream and waits for ffmpeg to finish the file.
func (s *FFmpegSink) Close() error {
	s.stdin.Close()
	if err := s.cmd.Wait(); err != nil {
		return fmt.Errorf("ffmpeg encoder: %w: %s", err, s.cmd.Stderr.String())
	}
	return nil
}

package utils

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"time"
)

// --- 1. Process Safety & Command Wrapping ---

// SafeCommand wraps a standard exec.Cmd with a buffer to catch Stderr (worker and ffmpeg logs)
// This ensures we don't lose critical crash information if a child process dies.
type SafeCommand struct {
	*exec.Cmd
	Stderr *bytes.Buffer
}

// NewSafeCommand initializes a command and attaches a buffer to its Stderr pipe
// It prepares the command for execution but does not start it.
// The process is killed when ctx is cancelled.
func NewSafeCommand(ctx context.Context, name string, args ...string) *SafeCommand {
	cmd := exec.CommandContext(ctx, name, args...)
	stderr := &bytes.Buffer{}
	cmd.Stderr = stderr
	return &SafeCommand{Cmd: cmd, Stderr: stderr}
}

// ShowError prints a formatted error box and dumps captured child logs if a SafeCommand is provided.
func ShowError(context string, err error, s *SafeCommand) {
	fmt.Fprintf(os.Stderr, "\n---------------------------------------------------------\n")
	fmt.Fprintf(os.Stderr, "🚨 VEIL ERROR: %s\n", context)
	if err != nil {
		fmt.Fprintf(os.Stderr, "DETAILS: %v\n", err)
	}

	// If we have a SafeCommand and it captured logs, print them.
	if s != nil && s.Stderr != nil && s.Stderr.Len() > 0 {
		fmt.Fprintf(os.Stderr, "\nCHILD PROCESS LOGS:\n%s\n", s.Stderr.String())
	}
	fmt.Fprintf(os.Stderr, "---------------------------------------------------------\n")
}

// Die is the unified exit strategy for commands that cannot return an error.
func Die(context string, err error, s *SafeCommand) {
	ShowError(context, err, s)
	os.Exit(1)
}

// --- 2. Video Engine (Shared by camera capture & recording) ---

// CaptureInput describes where ffmpeg should read frames from.
type CaptureInput struct {
	Format string // ffmpeg input format: v4l2, avfoundation, dshow, or "" for files
	Device string // device path, device name, or file path
	Width  int
	Height int
	FPS    int
	Loop   bool // loop file inputs, read at native rate
}

// CaptureArgs builds the ffmpeg arguments that decode in into raw RGBA on stdout.
func CaptureArgs(in CaptureInput) []string {
	args := []string{"-hide_banner", "-loglevel", "error"}
	if in.Format != "" {
		args = append(args, "-f", in.Format)
		if in.Width > 0 && in.Height > 0 {
			args = append(args, "-video_size", fmt.Sprintf("%dx%d", in.Width, in.Height))
		}
		if in.FPS > 0 {
			args = append(args, "-framerate", strconv.Itoa(in.FPS))
		}
	} else {
		// Files are paced at their native rate so they behave like a camera
		args = append(args, "-re")
		if in.Loop {
			args = append(args, "-stream_loop", "-1")
		}
	}
	args = append(args, "-i", in.Device, "-an")
	// Devices may ignore -video_size; scaling pins the raw frame length
	if in.Width > 0 && in.Height > 0 {
		args = append(args, "-vf", fmt.Sprintf("scale=%d:%d", in.Width, in.Height))
	}
	return append(args, "-f", "rawvideo", "-pix_fmt", "rgba", "pipe:1")
}

// NewFFmpegCapture creates a decoder process producing raw RGBA frames on stdout.
func NewFFmpegCapture(ctx context.Context, in CaptureInput) *SafeCommand {
	return NewSafeCommand(ctx, "ffmpeg", CaptureArgs(in)...)
}

// NewFFmpegEncoder creates an encoder process reading raw RGBA frames from stdin.
func NewFFmpegEncoder(ctx context.Context, outputPath string, fps, width, height, bitrate int) *SafeCommand {
	args := []string{
		"-hide_banner", "-loglevel", "error", "-y",
		"-f", "rawvideo",
		"-pix_fmt", "rgba",
		"-s", fmt.Sprintf("%dx%d", width, height),
		"-r", strconv.Itoa(fps),
		"-i", "pipe:0",
		"-c:v", "libx264",
		"-pix_fmt", "yuv420p",
	}
	if bitrate > 0 {
		args = append(args, "-b:v", strconv.Itoa(bitrate))
	}
	args = append(args, "-movflags", "+faststart", outputPath)
	return NewSafeCommand(ctx, "ffmpeg", args...)
}

// RequireBinary reports a readable error when an external tool is missing.
func RequireBinary(name string) error {
	if _, err := exec.LookPath(name); err != nil {
		return fmt.Errorf("%s not found in PATH: %w", name, err)
	}
	return nil
}

// --- 3. Files ---

// GenerateFilename returns a timestamped export name such as
// veil-photo-2026-10-19T07-23-11.png.
func GenerateFilename(prefix, ext string, now time.Time) string {
	ts := now.UTC().Format("2006-01-02T15-04-05")
	return fmt.Sprintf("veil-%s-%s.%s", prefix, ts, strings.TrimPrefix(ext, "."))
}

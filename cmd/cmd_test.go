package cmd

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/andresmejia3/veil/internal/camera"
	"github.com/andresmejia3/veil/internal/compositor"
	"github.com/andresmejia3/veil/internal/config"
	"github.com/andresmejia3/veil/internal/store"
	"github.com/andresmejia3/veil/internal/types"
	"github.com/google/uuid"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/require"
)

func TestResolveDBURL(t *testing.T) {
	env := map[string]string{
		"POSTGRES_HOST":     "db",
		"POSTGRES_USER":     "veil",
		"POSTGRES_PASSWORD": "secret",
		"POSTGRES_DB":       "runs",
	}
	getenv := func(k string) string { return env[k] }
	none := func(string) string { return "" }

	tests := []struct {
		name       string
		flag       string
		configured string
		getenv     func(string) string
		want       string
	}{
		{"flag wins", "postgres://flag", "postgres://cfg", getenv, "postgres://flag"},
		{"config file", "", "postgres://cfg", getenv, "postgres://cfg"},
		{"environment", "", "", getenv, "postgres://veil:secret@db:5432/runs"},
		{"nothing configured", "", "", none, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := resolveDBURL(tt.flag, tt.configured, tt.getenv); got != tt.want {
				t.Errorf("resolveDBURL() = %q, want %q", got, tt.want)
			}
		})
	}
}

func newPipelineFlags(t *testing.T, args ...string) (*pflag.FlagSet, Options) {
	t.Helper()
	var opts Options
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	bindPipelineFlags(fs, &opts)
	fs.StringVarP(&opts.PreviewAddr, "preview", "p", "127.0.0.1:8090", "")
	require.NoError(t, fs.Parse(args))
	return fs, opts
}

func TestApplyOptionsOnlyChangedFlags(t *testing.T) {
	base := config.Default()
	base.CoverStyle = "heavy"
	base.Facing = "user"

	fs, opts := newPipelineFlags(t, "--interview", "--device", "rear.mp4,front.mp4", "-p", "")
	cfg, err := applyOptions(base, fs, opts)
	require.NoError(t, err)

	// Unset flags keep the config file values even though their defaults differ
	require.Equal(t, "heavy", cfg.CoverStyle)
	require.Equal(t, "user", cfg.Facing)
	require.True(t, cfg.Interview)
	require.Equal(t, []string{"rear.mp4", "front.mp4"}, cfg.Camera.Devices)
	require.Empty(t, cfg.Preview.Addr)
}

func TestApplyOptionsValidates(t *testing.T) {
	fs, opts := newPipelineFlags(t, "--style", "opaque")
	_, err := applyOptions(config.Default(), fs, opts)
	require.Error(t, err)
	require.True(t, errors.Is(err, types.ErrUnsupportedStyle))
}

func TestResolveRecordPath(t *testing.T) {
	now := time.Date(2026, 10, 19, 7, 23, 11, 0, time.UTC)
	require.Equal(t, "", resolveRecordPath("", "out", now))
	require.Equal(t, "clip.mp4", resolveRecordPath("clip.mp4", "out", now))
	require.Equal(t, filepath.Join("out", "veil-recording-2026-10-19T07-23-11.mp4"), resolveRecordPath("auto", "out", now))
}

type fakeRunStore struct {
	mu       sync.Mutex
	beginErr error
	began    []store.Run
	samples  []store.Sample
	ended    []store.Summary
}

func (f *fakeRunStore) BeginRun(ctx context.Context, r store.Run) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.beginErr != nil {
		return f.beginErr
	}
	f.began = append(f.began, r)
	return nil
}

func (f *fakeRunStore) RecordSample(ctx context.Context, runID uuid.UUID, s store.Sample) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.samples = append(f.samples, s)
	return nil
}

func (f *fakeRunStore) EndRun(ctx context.Context, runID uuid.UUID, s store.Summary) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ended = append(f.ended, s)
	return nil
}

func (f *fakeRunStore) sampleCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.samples)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestRunLoggerRecordsSession(t *testing.T) {
	db := &fakeRunStore{}
	l := &runLogger{db: db, id: uuid.New(), log: quietLogger()}
	l.begin(context.Background(), store.Run{ID: l.id, Command: "live"})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		l.sample(ctx, 5*time.Millisecond, func() compositor.Telemetry {
			return compositor.Telemetry{Faces: 2, Published: 10}
		})
	}()

	require.Eventually(t, func() bool { return db.sampleCount() >= 2 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	<-done

	l.end(store.Summary{Published: 10, Output: "clip.mp4"})
	require.Len(t, db.began, 1)
	require.Len(t, db.ended, 1)
	require.Equal(t, "clip.mp4", db.ended[0].Output)
	require.Equal(t, 2, db.samples[0].Faces)
}

func TestRunLoggerNoopWhenUnavailable(t *testing.T) {
	db := &fakeRunStore{beginErr: errors.New("connection refused")}
	l := &runLogger{db: db, id: uuid.New(), log: quietLogger()}
	l.begin(context.Background(), store.Run{ID: l.id})

	// Returns immediately instead of ticking
	l.sample(context.Background(), time.Millisecond, func() compositor.Telemetry { return compositor.Telemetry{} })
	l.end(store.Summary{})
	require.Empty(t, db.samples)
	require.Empty(t, db.ended)

	// A missing database is not an error either
	nilLog := newRunLogger(nil, uuid.New(), quietLogger())
	nilLog.begin(context.Background(), store.Run{})
	nilLog.end(store.Summary{})
	require.False(t, nilLog.ok)
}

type listDriver struct {
	devices []camera.DeviceInfo
	err     error
}

func (d listDriver) Enumerate(ctx context.Context) ([]camera.DeviceInfo, error) {
	return d.devices, d.err
}

func (d listDriver) Open(ctx context.Context, c camera.Constraints) (camera.Stream, error) {
	return nil, types.ErrDeviceUnavailable
}

func TestListDevices(t *testing.T) {
	var buf bytes.Buffer
	m := camera.NewManager(listDriver{devices: []camera.DeviceInfo{{ID: "/dev/video4", Label: "Front Camera"}}})
	require.NoError(t, listDevices(context.Background(), &buf, m))
	require.Contains(t, buf.String(), "/dev/video4")

	denied := camera.NewManager(listDriver{err: types.ErrPermissionDenied})
	err := listDevices(context.Background(), &buf, denied)
	require.ErrorIs(t, err, types.ErrPermissionDenied)
	require.Contains(t, err.Error(), "camera access was denied")
}

func TestPrintDevices(t *testing.T) {
	var buf bytes.Buffer
	printDevices(&buf, []camera.DeviceInfo{
		{ID: "/dev/video0", Label: "Integrated Rear Camera", Facing: types.Environment, FacingKnown: true},
		{ID: "/dev/video2", Label: "USB Webcam", Facing: types.Environment},
	})
	out := buf.String()
	require.Contains(t, out, "DEVICE")
	require.Contains(t, out, "/dev/video0")
	require.Contains(t, out, "environment")
	require.Contains(t, out, "unknown")
	require.NotContains(t, out, "Interview mode needs two cameras")

	buf.Reset()
	printDevices(&buf, []camera.DeviceInfo{{ID: "/dev/video0"}})
	require.Contains(t, buf.String(), "Interview mode needs two cameras")

	buf.Reset()
	printDevices(&buf, nil)
	require.Equal(t, "No cameras found.\n", buf.String())
}

func TestPrintRuns(t *testing.T) {
	started := time.Date(2026, 10, 19, 7, 0, 0, 0, time.UTC)
	ended := started.Add(90 * time.Second)
	id := uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

	var buf bytes.Buffer
	printRuns(&buf, []store.Run{
		{ID: id, Command: "live", Interview: true, CoverStyle: "heavy", StartedAt: started, EndedAt: &ended, Published: 2700, Skipped: 4, Samples: 45, PeakFaces: 3, Output: "clip.mp4"},
		{ID: uuid.New(), Command: "snap", CoverStyle: "medium", StartedAt: started},
	})
	out := buf.String()
	require.Contains(t, out, "6ba7b810")
	require.Contains(t, out, "live (interview, no self view)")
	require.Contains(t, out, "1m30s")
	require.Contains(t, out, "clip.mp4")
	require.Contains(t, out, "running")
	require.Contains(t, out, "PEAK")
	require.Regexp(t, `45\s+3\s+clip\.mp4`, out)

	buf.Reset()
	printRuns(&buf, nil)
	require.Equal(t, "No runs found in database.\n", buf.String())
}

func TestRemoveOutputs(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{
		"veil-recording-2026-10-19T07-23-11.mp4",
		"veil-photo-2026-10-19T07-23-11.png",
		"holiday.mp4",
		"notes.txt",
	} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644))
	}

	n, err := removeOutputs(dir)
	require.NoError(t, err)
	require.Equal(t, 2, n)

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var left []string
	for _, e := range entries {
		left = append(left, e.Name())
	}
	require.Equal(t, "holiday.mp4,notes.txt", strings.Join(left, ","))
}

func TestConfirm(t *testing.T) {
	require.True(t, confirm(strings.NewReader("y\n"), "ok?"))
	require.True(t, confirm(strings.NewReader("YES\n"), "ok?"))
	require.False(t, confirm(strings.NewReader("\n"), "ok?"))
}

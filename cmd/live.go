package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/andresmejia3/veil/internal/compositor"
	"github.com/andresmejia3/veil/internal/config"
	"github.com/andresmejia3/veil/internal/preview"
	"github.com/andresmejia3/veil/internal/recorder"
	"github.com/andresmejia3/veil/internal/store"
	"github.com/andresmejia3/veil/internal/utils"
	"github.com/google/uuid"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

var liveOpts Options

var liveCmd = &cobra.Command{
	Use:   "live",
	Short: "Run the redacting camera with preview and optional recording",
	Long: `Opens the scene camera (and the self camera with --interview), redacts every
detected face and serves the result on the preview address. Nothing is shown,
recorded or saved until the first detection pass has finished.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := applyOptions(Cfg, cmd.Flags(), liveOpts)
		if err != nil {
			return err
		}
		return runLive(cmd.Context(), cfg, liveOpts)
	},
}

func init() {
	bindPipelineFlags(liveCmd.Flags(), &liveOpts)
	liveCmd.Flags().StringVarP(&liveOpts.PreviewAddr, "preview", "p", "127.0.0.1:8090", "Preview listen address (empty disables)")
	liveCmd.Flags().StringVarP(&liveOpts.RecordPath, "record", "r", "", "Record the redacted output to this file, or \"auto\" for a timestamped name in the recorder dir")
	liveCmd.Flags().DurationVarP(&liveOpts.Duration, "duration", "d", 0, "Stop after this long (0 runs until Ctrl+C)")
	rootCmd.AddCommand(liveCmd)
}

// runLive drives one live session until ctx ends, the duration passes or the loop dies.
func runLive(ctx context.Context, cfg config.Config, opts Options) error {
	if opts.Duration > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, opts.Duration)
		defer cancel()
	}

	bar := progressbar.NewOptions(-1,
		progressbar.OptionSetDescription("🛡️  Veil starting"),
		progressbar.OptionSetWriter(os.Stderr), // Write bar to Stderr
		progressbar.OptionShowCount(),
		progressbar.OptionSpinnerType(14),
	)

	// 1. Camera, detector and render loop
	var comp *compositor.Compositor
	p, err := buildPipeline(ctx, cfg, compositor.WithFaceCountHandler(func(n int) {
		t := comp.Telemetry()
		bar.Describe(fmt.Sprintf("🛡️  Live | faces: %d | detect: %.0fms every %d frames", n, t.LatencyMs, t.Interval))
		bar.Set64(int64(t.Published))
	}))
	if err != nil {
		return err
	}
	comp = p.comp

	supported, err := p.start(ctx)
	if err != nil {
		p.close()
		return err
	}
	fmt.Fprintf(os.Stderr, "📷 Scene camera: %s (%s)\n", p.cameras.Scene().DeviceID, p.cameras.Scene().Facing)
	if cfg.Interview && !supported {
		fmt.Fprintln(os.Stderr, "⚠️  Self camera unavailable: interview mode is running full-frame without the picture-in-picture")
	}

	// 2. Run log
	runID := uuid.New()
	runLog := newRunLogger(DB, runID, p.log)
	runLog.begin(ctx, store.Run{
		ID:          runID,
		Command:     "live",
		SceneDevice: p.cameras.Scene().DeviceID,
		Interview:   cfg.Interview,
		SelfView:    cfg.Interview && supported,
		CoverStyle:  cfg.CoverStyle,
	})

	// Helpers stop with the session, including when the loop dies on its own
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	var wg sync.WaitGroup
	errs := make(chan error, 2)

	// 3. Recorder, built first so a bad config fails before anything runs
	var rec *recorder.Recorder
	recordPath := resolveRecordPath(opts.RecordPath, cfg.Recorder.Dir, time.Now())
	if recordPath != "" {
		rec, err = recorder.New(comp.Surface(), recorder.FFmpegSinkFactory(recordPath, cfg.Recorder.Bitrate), cfg.Recorder.FPS, p.log)
		if err != nil {
			p.close()
			runLog.end(store.Summary{})
			return err
		}
		wg.Go(func() {
			if err := rec.Run(runCtx); err != nil {
				errs <- fmt.Errorf("recording: %w", err)
			}
		})
		fmt.Fprintf(os.Stderr, "🎬 Recording to %s\n", recordPath)
	}

	// 4. Display path
	if cfg.Preview.Addr != "" {
		srv := preview.NewServer(comp, p.log, false,
			preview.WithCameras(p.cameras),
			preview.WithAllowedOrigins(cfg.Preview.AllowedOrigins...),
		)
		wg.Go(func() {
			if err := srv.ListenAndServe(runCtx, cfg.Preview.Addr); err != nil {
				errs <- err
			}
		})
		fmt.Fprintf(os.Stderr, "🖥️  Preview: http://%s/stream\n", cfg.Preview.Addr)
	}

	// 5. Telemetry samples
	wg.Go(func() {
		runLog.sample(runCtx, cfg.Database.SampleInterval.Duration, comp.Telemetry)
	})

	select {
	case <-ctx.Done():
	case <-comp.Done():
	}

	// 6. Teardown: helpers flush, then the loop stops and drops any
	// in-flight detection, then the cameras are released
	cancelRun()
	wg.Wait()
	close(errs)
	closeErr := p.close()
	bar.Finish()

	t := comp.Telemetry()
	output := ""
	if rec != nil {
		output = recordPath
	}
	runLog.end(store.Summary{SelfView: t.SelfView, Published: t.Published, Skipped: t.Skipped, Output: output})

	fmt.Fprintf(os.Stderr, "\n🏁 Session ended. %d frames shown, %d withheld.\n", t.Published, t.Skipped)
	if rec != nil {
		st := rec.Stats()
		fmt.Fprintf(os.Stderr, "💾 Recorded %d frames (%dx%d) to %s\n", st.Frames, st.Width, st.Height, recordPath)
	}

	if closeErr != nil {
		p.log.Warn("Teardown reported errors", "error", closeErr)
	}
	if err, ok := <-errs; ok {
		return err
	}
	return nil
}

// resolveRecordPath expands "auto" to a timestamped file in dir.
func resolveRecordPath(flag, dir string, now time.Time) string {
	if flag != "auto" {
		return flag
	}
	return filepath.Join(dir, utils.GenerateFilename("recording", "mp4", now))
}

// runStore is the subset of the run log used during a session.
type runStore interface {
	BeginRun(ctx context.Context, r store.Run) error
	RecordSample(ctx context.Context, runID uuid.UUID, s store.Sample) error
	EndRun(ctx context.Context, runID uuid.UUID, s store.Summary) error
}

// runLogger writes a session to the run log. A nil store or a failed
// BeginRun turns every call into a no-op: the log never stops a capture.
type runLogger struct {
	db  runStore
	id  uuid.UUID
	log *slog.Logger
	ok  bool
}

func newRunLogger(db *store.Store, id uuid.UUID, log *slog.Logger) *runLogger {
	l := &runLogger{id: id, log: log}
	if db != nil {
		l.db = db
	}
	return l
}

func (l *runLogger) begin(ctx context.Context, r store.Run) {
	if l.db == nil {
		return
	}
	if err := l.db.BeginRun(ctx, r); err != nil {
		l.log.Warn("Run log unavailable", "error", err)
		return
	}
	l.ok = true
}

// sample records telemetry every interval until ctx is done.
func (l *runLogger) sample(ctx context.Context, every time.Duration, read func() compositor.Telemetry) {
	if !l.ok || every <= 0 {
		return
	}
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			t := read()
			err := l.db.RecordSample(ctx, l.id, store.Sample{
				At:        now,
				Faces:     t.Faces,
				LatencyMs: t.LatencyMs,
				Interval:  t.Interval,
				Published: t.Published,
				Skipped:   t.Skipped,
			})
			if err != nil && ctx.Err() == nil {
				l.log.Warn("Failed to record telemetry sample", "error", err)
			}
		}
	}
}

func (l *runLogger) end(sum store.Summary) {
	if !l.ok {
		return
	}
	// The session context is usually cancelled by now
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := l.db.EndRun(ctx, l.id, sum); err != nil {
		l.log.Warn("Failed to close run log entry", "error", err)
	}
}

package cmd

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/andresmejia3/veil/internal/config"
	"github.com/andresmejia3/veil/internal/still"
	"github.com/andresmejia3/veil/internal/store"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var snapOpts Options

var snapCmd = &cobra.Command{
	Use:   "snap",
	Short: "Take one redacted photo",
	Long: `Runs the camera until the first fully redacted frame is available and saves
it as PNG. Fingerprint noise is added to the low bits before encoding.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := applyOptions(Cfg, cmd.Flags(), snapOpts)
		if err != nil {
			return err
		}
		return runSnap(cmd.Context(), cfg, snapOpts)
	},
}

func init() {
	bindPipelineFlags(snapCmd.Flags(), &snapOpts)
	snapCmd.Flags().StringVarP(&snapOpts.OutputPath, "output", "o", "", "Output PNG path (default: veil-photo-<timestamp>.png in the recorder dir)")
	snapCmd.Flags().DurationVarP(&snapOpts.Duration, "timeout", "t", 30*time.Second, "Give up if no safe frame is ready in time")
	rootCmd.AddCommand(snapCmd)
}

func runSnap(ctx context.Context, cfg config.Config, opts Options) error {
	p, err := buildPipeline(ctx, cfg)
	if err != nil {
		return err
	}
	if _, err := p.start(ctx); err != nil {
		p.close()
		return err
	}
	fmt.Fprintln(os.Stderr, "⏳ Waiting for the first redacted frame...")

	runID := uuid.New()
	runLog := newRunLogger(DB, runID, p.log)
	runLog.begin(ctx, store.Run{
		ID:          runID,
		Command:     "snap",
		SceneDevice: p.cameras.Scene().DeviceID,
		Interview:   cfg.Interview,
		CoverStyle:  cfg.CoverStyle,
	})

	// 1. Block until the compositor publishes
	waitCtx, cancel := context.WithTimeout(ctx, opts.Duration)
	_, waitErr := p.comp.Surface().Wait(waitCtx, 0)
	cancel()

	// 2. Export from the safe surface only
	var res still.Result
	if waitErr == nil {
		res, err = still.Save(opts.OutputPath, cfg.Recorder.Dir, p.comp.Surface(), still.DefaultOptions(), time.Now())
	}

	t := p.comp.Telemetry()
	closeErr := p.close()
	runLog.end(store.Summary{SelfView: t.SelfView, Published: t.Published, Skipped: t.Skipped, Output: res.Path})

	if waitErr != nil {
		return fmt.Errorf("no redacted frame within %s: %w", opts.Duration, waitErr)
	}
	if err != nil {
		return err
	}
	if closeErr != nil {
		p.log.Warn("Teardown reported errors", "error", closeErr)
	}
	fmt.Fprintf(os.Stderr, "📸 Saved %s (%dx%d, %d faces covered)\n", res.Path, res.Width, res.Height, t.Faces)
	return nil
}

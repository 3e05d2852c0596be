package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/andresmejia3/veil/internal/utils"
	"github.com/spf13/cobra"
)

var (
	resetDB         bool
	resetRecordings bool
	resetYes        bool
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Reset local state (run log, saved recordings and photos)",
	Long:  "Clears all data. By default, it resets everything. Use flags to clear specific components.",
	Run: func(cmd *cobra.Command, args []string) {
		// If no flags are set, default to clearing EVERYTHING
		if !resetDB && !resetRecordings {
			resetDB = true
			resetRecordings = true
		}

		reader := bufio.NewReader(os.Stdin)

		if resetDB {
			switch {
			case DB == nil:
				fmt.Fprintln(os.Stderr, "⚠️  No database configured, skipping run log (use --db or POSTGRES_HOST)")
			case resetYes || confirm(reader, "⚠️  Are you sure you want to DROP all run log tables?"):
				fmt.Println("🗑️  Clearing Run Log...")
				if err := DB.Reset(cmd.Context()); err != nil {
					utils.Die("Failed to reset database", err, nil)
				}
			}
		}

		if resetRecordings {
			if resetYes || confirm(reader, fmt.Sprintf("⚠️  Are you sure you want to delete all veil recordings and photos in %s?", Cfg.Recorder.Dir)) {
				fmt.Println("🗑️  Clearing Recordings and Photos...")
				n, err := removeOutputs(Cfg.Recorder.Dir)
				if err != nil {
					fmt.Fprintf(os.Stderr, "⚠️  Some files could not be removed: %v\n", err)
				}
				fmt.Printf("   Removed %d file(s)\n", n)
			}
		}

		fmt.Println("✨ Reset Complete.")
	},
}

func init() {
	resetCmd.Flags().BoolVar(&resetDB, "runs", false, "Clear the PostgreSQL run log")
	resetCmd.Flags().BoolVar(&resetRecordings, "recordings", false, "Delete generated recordings and photos")
	resetCmd.Flags().BoolVarP(&resetYes, "yes", "y", false, "Do not ask for confirmation")
	rootCmd.AddCommand(resetCmd)
}

func confirm(r io.Reader, prompt string) bool {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}
	fmt.Printf("%s [y/N]: ", prompt)
	res, _ := br.ReadString('\n')
	res = strings.TrimSpace(strings.ToLower(res))
	return res == "y" || res == "yes"
}

// removeOutputs deletes files named by utils.GenerateFilename. Anything else
// in dir is left alone.
func removeOutputs(dir string) (int, error) {
	var errs []error
	removed := 0
	for _, pattern := range []string{"veil-recording-*.mp4", "veil-photo-*.png"} {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return removed, err
		}
		for _, m := range matches {
			if err := os.Remove(m); err != nil {
				errs = append(errs, err)
				continue
			}
			removed++
		}
	}
	return removed, errors.Join(errs...)
}

package cmd

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/andresmejia3/veil/internal/store"
	"github.com/andresmejia3/veil/internal/utils"
	"github.com/spf13/cobra"
)

var runsLimit int

var runsCmd = &cobra.Command{
	Use:         "runs",
	Short:       "List recent capture runs from the run log",
	Annotations: map[string]string{annotationDB: ""},
	Run: func(cmd *cobra.Command, args []string) {
		runs, err := DB.ListRuns(cmd.Context(), runsLimit)
		if err != nil {
			utils.Die("Failed to list runs", err, nil)
		}
		printRuns(os.Stdout, runs)
	},
}

func init() {
	runsCmd.Flags().IntVarP(&runsLimit, "limit", "n", 20, "Number of runs to show")
	rootCmd.AddCommand(runsCmd)
}

func printRuns(out io.Writer, runs []store.Run) {
	if len(runs) == 0 {
		fmt.Fprintln(out, "No runs found in database.")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "ID\tCOMMAND\tSTARTED\tDURATION\tSTYLE\tSHOWN\tWITHHELD\tSAMPLES\tPEAK\tOUTPUT")
	fmt.Fprintln(w, "--\t-------\t-------\t--------\t-----\t-----\t--------\t-------\t----\t------")

	for _, r := range runs {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%d\t%d\t%d\t%s\n",
			r.ID.String()[:8],
			runMode(r),
			r.StartedAt.Local().Format("2006-01-02 15:04"),
			runDuration(r),
			r.CoverStyle,
			r.Published,
			r.Skipped,
			r.Samples,
			r.PeakFaces,
			dashIfEmpty(r.Output),
		)
	}
	w.Flush()
}

func runMode(r store.Run) string {
	switch {
	case r.Interview && r.SelfView:
		return r.Command + " (interview)"
	case r.Interview:
		return r.Command + " (interview, no self view)"
	}
	return r.Command
}

func runDuration(r store.Run) string {
	if r.EndedAt == nil {
		return "running"
	}
	return r.EndedAt.Sub(r.StartedAt).Round(time.Second).String()
}

func dashIfEmpty(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

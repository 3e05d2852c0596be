package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/andresmejia3/veil/internal/camera"
	"github.com/spf13/cobra"
)

var devicesCmd = &cobra.Command{
	Use:   "devices",
	Short: "List cameras and their inferred facing",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDevices(cmd.Context(), os.Stdout)
	},
}

func init() {
	rootCmd.AddCommand(devicesCmd)
}

func runDevices(ctx context.Context, out io.Writer) error {
	return listDevices(ctx, out, camera.NewManager(camera.NewFFmpegDriver(Cfg.Camera.FFmpeg())))
}

func listDevices(ctx context.Context, out io.Writer, m *camera.Manager) error {
	devices, err := m.Devices(ctx)
	if err != nil {
		return describeCameraError(err)
	}
	printDevices(out, devices)
	return nil
}

func printDevices(out io.Writer, devices []camera.DeviceInfo) {
	if len(devices) == 0 {
		fmt.Fprintln(out, "No cameras found.")
		return
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "DEVICE\tLABEL\tFACING")
	fmt.Fprintln(w, "------\t-----\t------")

	for _, d := range devices {
		facing := d.Facing.String()
		if !d.FacingKnown {
			facing = "unknown"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\n", d.ID, d.Label, facing)
	}
	w.Flush()

	if len(devices) < 2 {
		fmt.Fprintln(out, "\nInterview mode needs two cameras; it will run without the self view.")
	}
}

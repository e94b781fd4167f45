// Command speedcam measures vehicle speeds in traffic video and flags the
// vehicles that exceed a configured limit.
package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/banshee-data/speedcam/internal/monitoring"
	"github.com/banshee-data/speedcam/internal/version"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var quiet bool
	root := &cobra.Command{
		Use:   "speedcam",
		Short: "Estimate vehicle speeds from fixed-camera traffic video",
		Long: `speedcam tracks vehicles across the frames of a traffic video, estimates
their speed from a pixel-to-metre calibration and flags the ones that stay
above the speed limit for long enough.

Detections come either from the built-in motion detector or from a JSON
lines log produced by an external object detector. Results can be written
as JSON lines, recorded in a sqlite database, drawn onto an annotated copy
of the video and summarised as a report.`,
		Version:      version.String(),
		SilenceUsage: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if quiet {
				monitoring.SetLogger(nil)
			}
		},
	}
	root.PersistentFlags().BoolVarP(&quiet, "quiet", "q", false, "suppress diagnostic logging")

	root.AddCommand(
		newAnalyzeCmd(),
		newReplayCmd(),
		newRunsCmd(),
		newReportCmd(),
		newMigrateCmd(),
	)
	return root
}

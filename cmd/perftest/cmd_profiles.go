package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/irisor/perf-tester/internal/throttle"
)

var profilesCmd = &cobra.Command{
	Use:   "profiles",
	Short: "List the throttling profiles",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return printProfiles(cmd)
	},
}

func printProfiles(cmd *cobra.Command) error {
	w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "MODE\tDOWN (Mbps)\tUP (Mbps)\tLATENCY (ms)\tCPU\tVIEWPORT\tMOBILE")
	for _, p := range throttle.All() {
		fmt.Fprintf(w, "%s\t%.2f\t%.2f\t%.0f\t%.0fx\t%dx%d@%g\t%t\n",
			p.Name,
			p.DownloadBps/(1024*1024),
			p.UploadBps/(1024*1024),
			p.LatencyMs,
			p.CPUSlowdownFactor,
			p.Viewport.Width, p.Viewport.Height, p.Viewport.DeviceScaleFactor,
			p.Viewport.Mobile)
	}
	return w.Flush()
}

package cli

import (
	"github.com/spf13/cobra"

	"arb-alerts/internal/app"
)

var (
	replaySite   string
	replayFilter string
	replaySend   bool
)

var replayCmd = &cobra.Command{
	Use:   "replay SNAPSHOT",
	Short: "Parse a saved raw HTML snapshot through the extraction pipeline",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Replay(cmd.Context(), app.ReplayOptions{
			SnapshotPath: args[0],
			Site:         replaySite,
			Filter:       replayFilter,
			Send:         replaySend,
		})
	},
}

func init() {
	replayCmd.Flags().StringVar(&replaySite, "site", "", "Site id (default: derived from the snapshot filename)")
	replayCmd.Flags().StringVar(&replayFilter, "filter", "", "Filter id (default: derived from the snapshot filename)")
	replayCmd.Flags().BoolVar(&replaySend, "send", false, "Dispatch parsed alerts through the configured channels")
}

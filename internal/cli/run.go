package cli

import (
	"github.com/spf13/cobra"

	"arb-alerts/internal/app"
)

var runFilters []string

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the orchestrator",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Run(cmd.Context(), app.RunOptions{Filters: runFilters})
	},
}

func init() {
	runCmd.Flags().StringSliceVar(&runFilters, "filters", nil, "Filter ids to watch (default: all configured filters)")
}

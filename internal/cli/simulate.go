package cli

import (
	"github.com/spf13/cobra"

	"arb-alerts/internal/app"
)

var (
	simulateSite   string
	simulateFilter string
	simulateProfit float64
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Send a synthetic alert through routing and delivery",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().SimulateAlert(cmd.Context(), app.SimulateOptions{
			Site:      simulateSite,
			Filter:    simulateFilter,
			ProfitPct: simulateProfit,
		})
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateSite, "site", "", "Site id the synthetic alert claims to come from")
	simulateCmd.Flags().StringVar(&simulateFilter, "filter", "", "Filter id used for channel routing")
	simulateCmd.Flags().Float64Var(&simulateProfit, "profit", 3.4, "Profit percentage of the synthetic alert")
}

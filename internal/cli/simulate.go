package cli

import (
	"errors"

	"github.com/spf13/cobra"

	"balance-swing-alerts/internal/app"
)

var (
	simulatePair     string
	simulatePrevious float64
	simulateCurrent  float64
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "Feed two synthetic balances through the alert rule and notifier",
	RunE: func(cmd *cobra.Command, args []string) error {
		if simulatePair == "" {
			return errors.New("--pair is required")
		}
		if simulatePrevious < 0 || simulateCurrent < 0 {
			return errors.New("--previous and --current must not be negative")
		}

		return getApp().SimulateAlert(cmd.Context(), app.SimulateOptions{
			Pair:     simulatePair,
			Previous: simulatePrevious,
			Current:  simulateCurrent,
		})
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulatePair, "pair", "", "Pair key, e.g. binance_BTC")
	simulateCmd.Flags().Float64Var(&simulatePrevious, "previous", 0, "Earlier balance")
	simulateCmd.Flags().Float64Var(&simulateCurrent, "current", 0, "Later balance")
}

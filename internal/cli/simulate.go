package cli

import (
	"time"

	"github.com/spf13/cobra"

	"panicwatch/internal/app"
)

var (
	simulateHRV      string
	simulateHeart    string
	simulateIntraday string
	simulateDate     string
	simulateNotify   bool
)

var simulateCmd = &cobra.Command{
	Use:   "simulate",
	Short: "Run the detectors over tracker payloads saved on disk",
	RunE: func(cmd *cobra.Command, args []string) error {
		day, err := parseDateFlag("date", simulateDate)
		if err != nil {
			return err
		}
		opts := app.SimulateOptions{
			HRVPath:       simulateHRV,
			HeartRatePath: simulateHeart,
			IntradayPath:  simulateIntraday,
			Notify:        simulateNotify,
		}
		if day != nil {
			opts.Day = *day
		} else {
			opts.Day = getApp().Today(time.Now())
		}
		return getApp().Simulate(cmd.Context(), opts)
	},
}

func init() {
	simulateCmd.Flags().StringVar(&simulateHRV, "hrv", "", "HRV payload file")
	simulateCmd.Flags().StringVar(&simulateHeart, "heart", "", "Daily heart-rate payload file")
	simulateCmd.Flags().StringVar(&simulateIntraday, "intraday", "", "Intraday heart-rate payload file")
	simulateCmd.Flags().StringVar(&simulateDate, "date", "", "Day of the intraday payload (YYYY-MM-DD, defaults to today)")
	simulateCmd.Flags().BoolVar(&simulateNotify, "notify", false, "Send an alert for every detected event")
}

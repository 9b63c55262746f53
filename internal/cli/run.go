package cli

import (
	"github.com/spf13/cobra"

	"panicwatch/internal/app"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run the polling scheduler and the HTTP server",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Run(cmd.Context())
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run only the HTTP server; cycles start from webhook deliveries",
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Serve(cmd.Context())
	},
}

var (
	ingestToday  string
	ingestFrom   string
	ingestDryRun bool
)

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Run a single ingestion cycle",
	RunE: func(cmd *cobra.Command, args []string) error {
		today, err := parseDateFlag("today", ingestToday)
		if err != nil {
			return err
		}
		from, err := parseDateFlag("from", ingestFrom)
		if err != nil {
			return err
		}
		return getApp().Ingest(cmd.Context(), app.IngestOptions{Today: today, From: from, DryRun: ingestDryRun})
	},
}

func init() {
	ingestCmd.Flags().StringVar(&ingestToday, "today", "", "Treat this date as today (YYYY-MM-DD)")
	ingestCmd.Flags().StringVar(&ingestFrom, "from", "", "Reprocess starting at this date instead of the watermark (YYYY-MM-DD)")
	ingestCmd.Flags().BoolVar(&ingestDryRun, "dry-run", false, "Keep events in memory and leave the database untouched")
}

package cli

import (
	"github.com/spf13/cobra"

	"panicwatch/internal/app"
)

var (
	exportFrom      string
	exportTo        string
	exportPNGPath   string
	exportCSVPath   string
	exportMaxEvents int
)

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export detection events as CSV and/or a PNG chart",
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := app.ExportOptions{
			PNGPath:   exportPNGPath,
			CSVPath:   exportCSVPath,
			MaxEvents: exportMaxEvents,
		}

		var err error
		if opts.From, err = parseDateFlag("from", exportFrom); err != nil {
			return err
		}
		if opts.To, err = parseDateFlag("to", exportTo); err != nil {
			return err
		}

		return getApp().Export(cmd.Context(), opts)
	},
}

func init() {
	exportCmd.Flags().StringVar(&exportFrom, "from", "", "First event date, inclusive (YYYY-MM-DD)")
	exportCmd.Flags().StringVar(&exportTo, "to", "", "Last event date, inclusive (YYYY-MM-DD)")
	exportCmd.Flags().StringVar(&exportPNGPath, "png", "", "Path to write PNG chart")
	exportCmd.Flags().StringVar(&exportCSVPath, "csv", "", "Path to write CSV data")
	exportCmd.Flags().IntVar(&exportMaxEvents, "max-events", 0, "Maximum events to export (defaults to config)")
}

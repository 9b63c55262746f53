package cli

import (
	"github.com/spf13/cobra"

	"panicwatch/internal/app"
)

var (
	eventsFrom  string
	eventsTo    string
	eventsLimit int
)

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "List recorded detection events",
	RunE: func(cmd *cobra.Command, args []string) error {
		from, err := parseDateFlag("from", eventsFrom)
		if err != nil {
			return err
		}
		to, err := parseDateFlag("to", eventsTo)
		if err != nil {
			return err
		}
		return getApp().Events(cmd.Context(), app.EventsOptions{From: from, To: to, Limit: eventsLimit})
	},
}

var eventShowCmd = &cobra.Command{
	Use:   "show <id>",
	Short: "Print one event with its metrics and criteria",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().ShowEvent(cmd.Context(), args[0])
	},
}

var confirmCmd = &cobra.Command{
	Use:   "confirm <id>",
	Short: "Mark an event as a confirmed panic episode",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return getApp().Confirm(cmd.Context(), args[0])
	},
}

func init() {
	eventsCmd.Flags().StringVar(&eventsFrom, "from", "", "First event date, inclusive (YYYY-MM-DD)")
	eventsCmd.Flags().StringVar(&eventsTo, "to", "", "Last event date, inclusive (YYYY-MM-DD)")
	eventsCmd.Flags().IntVar(&eventsLimit, "limit", 0, "Maximum number of events to print (0 for all)")
	eventsCmd.AddCommand(eventShowCmd)
}

package app

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"text/tabwriter"
	"time"

	"panicwatch/internal/alerting"
	"panicwatch/internal/detection"
	"panicwatch/internal/recorder"
	"panicwatch/internal/storage"
)

// Events prints detection events within an optional date range.
func (a *App) Events(ctx context.Context, opts EventsOptions) error {
	store, closeStore, err := a.requireStore(ctx, "list events")
	if err != nil {
		return err
	}
	defer closeStore()

	events, err := recorder.New(store, a.Logger).QueryLimit(ctx, opts.From, opts.To, opts.Limit)
	if err != nil {
		return err
	}
	a.printEvents(events)
	return nil
}

// ShowEvent prints one event in full.
func (a *App) ShowEvent(ctx context.Context, id string) error {
	store, closeStore, err := a.requireStore(ctx, "show event")
	if err != nil {
		return err
	}
	defer closeStore()

	rec, err := recorder.New(store, a.Logger).Get(ctx, id)
	if err != nil {
		return err
	}

	fmt.Fprintf(a.Out, "id:          %s\n", rec.ID)
	fmt.Fprintf(a.Out, "type:        %s\n", rec.Type)
	fmt.Fprintf(a.Out, "date:        %s\n", rec.Date.Format(detection.DateLayout))
	fmt.Fprintf(a.Out, "occurred_at: %s\n", rec.OccurredAt.Format(time.RFC3339))
	fmt.Fprintf(a.Out, "detected_at: %s\n", rec.DetectedAt.Format(time.RFC3339))
	fmt.Fprintf(a.Out, "reason:      %s\n", rec.Reason)
	fmt.Fprintf(a.Out, "confirmed:   %t\n", rec.Confirmed)
	if rec.ConfirmedAt != nil {
		fmt.Fprintf(a.Out, "confirmed_at: %s\n", rec.ConfirmedAt.Format(time.RFC3339))
	}
	fmt.Fprintf(a.Out, "metrics:     %s\n", formatMap(rec.Metrics))
	fmt.Fprintf(a.Out, "criteria:    %s\n", formatMap(rec.Criteria))
	return nil
}

// Confirm marks one event as confirmed.
func (a *App) Confirm(ctx context.Context, id string) error {
	store, closeStore, err := a.requireStore(ctx, "confirm event")
	if err != nil {
		return err
	}
	defer closeStore()

	if err := recorder.New(store, a.Logger).Confirm(ctx, id); err != nil {
		return err
	}
	fmt.Fprintf(a.Out, "confirmed %s\n", id)
	return nil
}

func (a *App) printEvents(events []storage.EventRecord) {
	if len(events) == 0 {
		fmt.Fprintln(a.Out, "no events found")
		return
	}

	writer := tabwriter.NewWriter(a.Out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tDate\tOccurred\tType\tConfirmed\tMetrics")
	for _, ev := range events {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%t\t%s\n",
			ev.ID,
			ev.Date.Format(detection.DateLayout),
			ev.OccurredAt.Format(time.RFC3339),
			ev.Type,
			ev.Confirmed,
			sanitizeInline(formatMap(ev.Metrics)),
		)
	}
	writer.Flush()
}

func formatMap(m map[string]any) string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+alerting.FormatValue(m[k]))
	}
	return strings.Join(parts, " ")
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}

package app

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"time"

	chart "github.com/wcharczuk/go-chart/v2"

	"panicwatch/internal/detection"
	"panicwatch/internal/recorder"
	"panicwatch/internal/storage"
)

var exportTypes = []detection.EventType{
	detection.TypeHRVRate,
	detection.TypeHeartRateZone,
	detection.TypeHeartRateSpike,
}

// Export renders detection events as CSV and/or a PNG of events per day.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}
	if opts.From != nil && opts.To != nil && opts.From.After(*opts.To) {
		return errors.New("from must not be after to")
	}

	opts.MaxEvents = a.Config.ResolveMaxEvents(opts.MaxEvents)

	store, closeStore, err := a.requireStore(ctx, "export")
	if err != nil {
		return err
	}
	defer closeStore()

	events, err := recorder.New(store, a.Logger).QueryLimit(ctx, opts.From, opts.To, opts.MaxEvents)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		a.Logger.Info().Msg("no events found for export window")
		return nil
	}
	a.Logger.Info().Int("exported", len(events)).Int("max_events", opts.MaxEvents).Msg("exporting events")

	if opts.CSVPath != "" {
		if err := writeEventsCSV(opts.CSVPath, events); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writeEventsPNG(opts.PNGPath, events); err != nil {
			return err
		}
	}

	return nil
}

func writeEventsCSV(path string, events []storage.EventRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	defer writer.Flush()

	header := []string{"id", "type", "date", "occurred_at", "detected_at", "confirmed", "reason", "metrics", "criteria"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, ev := range events {
		metrics, err := json.Marshal(ev.Metrics)
		if err != nil {
			return err
		}
		criteria, err := json.Marshal(ev.Criteria)
		if err != nil {
			return err
		}
		confirmed := "false"
		if ev.Confirmed {
			confirmed = "true"
		}
		record := []string{
			ev.ID.String(),
			string(ev.Type),
			ev.Date.Format(detection.DateLayout),
			ev.OccurredAt.Format(time.RFC3339),
			ev.DetectedAt.Format(time.RFC3339),
			confirmed,
			ev.Reason,
			string(metrics),
			string(criteria),
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

// dailyCounts returns one x value per calendar day between the first and the last
// event (at least two, so the chart has a range) and per-type counts aligned to it.
func dailyCounts(events []storage.EventRecord) ([]time.Time, map[detection.EventType][]float64) {
	first, last := events[0].Date, events[0].Date
	for _, ev := range events[1:] {
		if ev.Date.Before(first) {
			first = ev.Date
		}
		if ev.Date.After(last) {
			last = ev.Date
		}
	}
	first = time.Date(first.Year(), first.Month(), first.Day(), 0, 0, 0, 0, time.UTC)
	last = time.Date(last.Year(), last.Month(), last.Day(), 0, 0, 0, 0, time.UTC)
	if !last.After(first) {
		last = first.AddDate(0, 0, 1)
	}

	var days []time.Time
	index := make(map[string]int)
	for d := first; !d.After(last); d = d.AddDate(0, 0, 1) {
		index[d.Format(detection.DateLayout)] = len(days)
		days = append(days, d)
	}

	counts := make(map[detection.EventType][]float64, len(exportTypes))
	for _, typ := range exportTypes {
		counts[typ] = make([]float64, len(days))
	}
	for _, ev := range events {
		series, ok := counts[ev.Type]
		if !ok {
			continue
		}
		series[index[ev.Date.Format(detection.DateLayout)]]++
	}
	return days, counts
}

func writeEventsPNG(path string, events []storage.EventRecord) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	days, counts := dailyCounts(events)

	series := make([]chart.Series, 0, len(exportTypes))
	for _, typ := range exportTypes {
		series = append(series, chart.TimeSeries{
			Name:    string(typ),
			XValues: days,
			YValues: counts[typ],
		})
	}

	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeDateValueFormatter,
		},
		YAxis: chart.YAxis{
			Name: "Events per day",
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.0f")
			},
		},
		Series: series,
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}

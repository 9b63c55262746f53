package app

import (
	"context"
	"errors"
	"fmt"
	"os"

	"panicwatch/internal/alerting"
	"panicwatch/internal/detection"
	"panicwatch/internal/fetcher"
)

// Simulate runs the detectors over tracker payloads saved on disk and prints the
// events they would record. Nothing is persisted.
func (a *App) Simulate(ctx context.Context, opts SimulateOptions) error {
	if opts.HRVPath == "" && opts.HeartRatePath == "" && opts.IntradayPath == "" {
		return errors.New("at least one of --hrv, --heart or --intraday must be provided")
	}

	var notifier alerting.Notifier
	if opts.Notify {
		notifier = a.newNotifier()
		if notifier == nil {
			return errors.New("no alert channel configured")
		}
	}

	thresholds := a.Config.ParsedThresholds()
	tracker := fetcher.NewTracker(nil, fetcher.TrackerOptions{Location: a.location()}, a.Logger)

	var events []detection.Event
	if opts.HRVPath != "" {
		found, err := simulateSeries(opts.HRVPath, tracker.DecodeHRV, detection.HRVDetector{Thresholds: thresholds}.Scan)
		if err != nil {
			return fmt.Errorf("hrv: %w", err)
		}
		events = append(events, found...)
	}
	if opts.HeartRatePath != "" {
		found, err := simulateSeries(opts.HeartRatePath, tracker.DecodeHeartRateDaily, detection.ZoneDetector{Thresholds: thresholds}.Scan)
		if err != nil {
			return fmt.Errorf("heart rate: %w", err)
		}
		events = append(events, found...)
	}
	if opts.IntradayPath != "" {
		decode := func(payload []byte) ([]detection.HeartRateSample, error) {
			return tracker.DecodeHeartRateIntraday(payload, opts.Day)
		}
		found, err := simulateSeries(opts.IntradayPath, decode, detection.SpikeDetector{Thresholds: thresholds}.Scan)
		if err != nil {
			return fmt.Errorf("intraday: %w", err)
		}
		events = append(events, found...)
	}

	if len(events) == 0 {
		fmt.Fprintln(a.Out, "no events detected")
		return nil
	}
	for _, ev := range events {
		fmt.Fprintf(a.Out, "%s\t%s\t%s\t%s\n", ev.Type, ev.Date.Format(detection.DateLayout), ev.Reason, formatMap(ev.Metrics))
		if notifier != nil {
			note := alerting.Notification{
				Type:          ev.Type,
				Date:          ev.Date,
				OccurredAt:    ev.OccurredAt,
				Reason:        ev.Reason,
				Metrics:       ev.Metrics,
				Channels:      a.Config.Alerting.Channels,
				AdditionalMsg: "(simulated)",
			}
			if err := notifier.Notify(ctx, note); err != nil {
				return err
			}
		}
	}
	return nil
}

func simulateSeries[T any](path string, decode func([]byte) ([]T, error), scan func([]T) ([]detection.Event, error)) ([]detection.Event, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	samples, err := decode(payload)
	if err != nil {
		return nil, err
	}
	return scan(samples)
}

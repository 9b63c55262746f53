package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"panicwatch/internal/detection"
	"panicwatch/internal/recorder"
	"panicwatch/internal/service"
	"panicwatch/internal/storage"
)

// Ingest runs a single ingestion cycle and prints its summary.
func (a *App) Ingest(ctx context.Context, opts IngestOptions) error {
	var (
		events    storage.EventStore
		watermark storage.WatermarkStore
		locker    storage.AdvisoryLocker
	)

	if opts.DryRun {
		a.Logger.Warn().Msg("ingest dry-run: nothing is written to the database")
		mem := storage.NewMemory()
		events, watermark = mem, mem
	} else {
		store, closeStore, err := a.requireStore(ctx, "ingest")
		if err != nil {
			return err
		}
		defer closeStore()
		events, watermark, locker = store, store, store
	}

	if opts.From != nil {
		watermark = &startOverride{WatermarkStore: watermark, from: *opts.From}
	}

	svc := service.New(a.Config, service.Dependencies{
		Source:    a.newTracker(ctx),
		Recorder:  recorder.New(events, a.Logger),
		Watermark: watermark,
		Notifier:  a.newNotifier(),
		Locker:    locker,
	}, a.Logger)

	now := time.Now()
	if opts.Today != nil {
		now = *opts.Today
	}

	result, err := svc.ProcessCycle(ctx, now)
	if err != nil {
		return err
	}
	a.printCycle(result)
	if result.Skipped {
		return errors.New("another ingestion cycle holds the advisory lock")
	}
	if !result.Complete {
		return fmt.Errorf("ingestion incomplete: %s", strings.Join(result.Failures, "; "))
	}
	return nil
}

func (a *App) printCycle(result service.CycleResult) {
	if result.Skipped {
		fmt.Fprintln(a.Out, "cycle skipped: advisory lock held elsewhere")
		return
	}
	fmt.Fprintf(a.Out, "range:     %s .. %s\n", result.From.Format(detection.DateLayout), result.To.Format(detection.DateLayout))
	fmt.Fprintf(a.Out, "detected:  %d\n", result.Detected)
	fmt.Fprintf(a.Out, "recorded:  %d\n", len(result.Recorded))
	fmt.Fprintf(a.Out, "complete:  %t\n", result.Complete)
	if !result.Watermark.IsZero() {
		fmt.Fprintf(a.Out, "watermark: %s\n", result.Watermark.Format(detection.DateLayout))
	}
	for _, failure := range result.Failures {
		fmt.Fprintf(a.Out, "failure:   %s\n", sanitizeInline(failure))
	}
}

// startOverride reprocesses from a given date. Writes still go to the
// underlying store, which never moves the watermark backwards.
type startOverride struct {
	storage.WatermarkStore
	from time.Time
}

func (s *startOverride) LastProcessed(context.Context) (time.Time, bool, error) {
	return s.from, true, nil
}

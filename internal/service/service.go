package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"panicwatch/internal/alerting"
	"panicwatch/internal/config"
	"panicwatch/internal/detection"
	"panicwatch/internal/fetcher"
	"panicwatch/internal/scheduler"
	"panicwatch/internal/storage"
)

// ErrSchedulerNotConfigured is returned by Run when no scheduler was wired.
var ErrSchedulerNotConfigured = errors.New("service: scheduler not configured")

// EventRecorder persists detection events.
type EventRecorder interface {
	Record(ctx context.Context, ev detection.Event) (uuid.UUID, error)
}

// Dependencies groups the collaborators of a Service. Scheduler, Notifier and
// Locker are optional.
type Dependencies struct {
	Scheduler *scheduler.Scheduler
	Source    fetcher.HealthSource
	Recorder  EventRecorder
	Watermark storage.WatermarkStore
	Notifier  alerting.Notifier
	Locker    storage.AdvisoryLocker
}

// Service orchestrates fetch, detect, record and watermark advancement.
type Service struct {
	scheduler *scheduler.Scheduler
	source    fetcher.HealthSource
	recorder  EventRecorder
	watermark storage.WatermarkStore
	notifier  alerting.Notifier
	locker    storage.AdvisoryLocker
	lockKey   int64
	logger    zerolog.Logger

	hrv   detection.HRVDetector
	zone  detection.ZoneDetector
	spike detection.SpikeDetector

	loc          *time.Location
	maxRangeDays int
	alertsOn     bool
	channels     []string

	// one cycle at a time per process
	sem chan struct{}
}

// New constructs the ingestion service.
func New(cfg *config.Config, deps Dependencies, logger zerolog.Logger) *Service {
	loc, err := cfg.Location()
	if err != nil {
		loc = time.UTC
	}
	thresholds := cfg.ParsedThresholds()

	locker := deps.Locker
	if locker == nil {
		if l, ok := deps.Watermark.(storage.AdvisoryLocker); ok {
			locker = l
		}
	}

	maxRange := cfg.Tracker.MaxRangeDays
	if maxRange <= 0 {
		maxRange = 30
	}

	return &Service{
		scheduler:    deps.Scheduler,
		source:       deps.Source,
		recorder:     deps.Recorder,
		watermark:    deps.Watermark,
		notifier:     deps.Notifier,
		locker:       locker,
		lockKey:      cfg.Scheduler.AdvisoryLockKey,
		logger:       logger.With().Str("component", "service").Logger(),
		hrv:          detection.HRVDetector{Thresholds: thresholds},
		zone:         detection.ZoneDetector{Thresholds: thresholds},
		spike:        detection.SpikeDetector{Thresholds: thresholds},
		loc:          loc,
		maxRangeDays: maxRange,
		alertsOn:     cfg.Alerting.Enabled,
		channels:     cfg.Alerting.Channels,
		sem:          make(chan struct{}, 1),
	}
}

// Run drives ProcessCycle from the scheduler until ctx is cancelled.
func (s *Service) Run(ctx context.Context) error {
	if s.scheduler == nil {
		return ErrSchedulerNotConfigured
	}
	return s.scheduler.Run(ctx, func(ctx context.Context, now time.Time) error {
		_, err := s.ProcessCycle(ctx, now)
		return err
	})
}

// CycleResult summarises one ingestion cycle.
type CycleResult struct {
	From      time.Time
	To        time.Time
	Skipped   bool
	Complete  bool
	Watermark time.Time
	Detected  int
	Recorded  []uuid.UUID
	Failures  []string
}

// ProcessCycle ingests [watermark, today] where today is now in the tracker timezone.
// The watermark advances chunk by chunk and stops at the first chunk that did not
// fully succeed, so the next cycle starts over from there.
func (s *Service) ProcessCycle(ctx context.Context, now time.Time) (CycleResult, error) {
	select {
	case s.sem <- struct{}{}:
	case <-ctx.Done():
		return CycleResult{}, ctx.Err()
	}
	defer func() { <-s.sem }()

	unlock, proceed, err := s.acquireLock(ctx)
	if err != nil {
		return CycleResult{}, err
	}
	if !proceed {
		s.logger.Debug().Time("now", now).Msg("skip cycle because advisory lock held elsewhere")
		return CycleResult{Skipped: true}, nil
	}
	if unlock != nil {
		defer unlock()
	}

	today := s.civil(now)
	result := CycleResult{From: today, To: today, Complete: true}

	last, ok, err := s.watermark.LastProcessed(ctx)
	if err != nil {
		return CycleResult{}, fmt.Errorf("read watermark: %w", err)
	}
	if ok {
		// stored dates carry no zone; read them as civil dates in the tracker timezone
		result.Watermark = time.Date(last.Year(), last.Month(), last.Day(), 0, 0, 0, 0, s.loc)
		if result.Watermark.Before(today) {
			result.From = result.Watermark
		}
	}
	from := result.From

	s.logger.Info().
		Str("from", from.Format(detection.DateLayout)).
		Str("to", today.Format(detection.DateLayout)).
		Bool("first_run", !ok).
		Msg("ingestion cycle started")

	for _, chunk := range s.chunks(from, today) {
		outcome := s.processChunk(ctx, chunk[0], chunk[1])
		result.Detected += outcome.detected
		result.Recorded = append(result.Recorded, outcome.recorded...)
		result.Failures = append(result.Failures, outcome.failures...)

		if ctx.Err() != nil {
			result.Complete = false
			return result, ctx.Err()
		}
		if len(outcome.failures) > 0 {
			result.Complete = false
			break
		}
		if err := s.watermark.SetLastProcessed(ctx, chunk[1]); err != nil {
			result.Complete = false
			result.Failures = append(result.Failures, fmt.Sprintf("watermark: %v", err))
			s.logger.Error().Err(err).
				Str("date", chunk[1].Format(detection.DateLayout)).
				Msg("failed to advance watermark")
			return result, fmt.Errorf("advance watermark to %s: %w", chunk[1].Format(detection.DateLayout), err)
		}
		result.Watermark = chunk[1]
	}

	event := s.logger.Info()
	if !result.Complete {
		event = s.logger.Warn().Strs("failures", result.Failures)
	}
	event.
		Str("from", from.Format(detection.DateLayout)).
		Str("to", today.Format(detection.DateLayout)).
		Int("detected", result.Detected).
		Int("recorded", len(result.Recorded)).
		Bool("complete", result.Complete).
		Msg("ingestion cycle finished")
	return result, nil
}

type chunkOutcome struct {
	detected int
	recorded []uuid.UUID
	failures []string
}

// series is the per-detector slot filled by one errgroup goroutine.
type series struct {
	name   string
	events []detection.Event
	err    error
}

func (s *Service) processChunk(ctx context.Context, from, to time.Time) chunkOutcome {
	hrv := &series{name: "hrv"}
	zone := &series{name: "heart_rate_zone"}
	spike := &series{name: "heart_rate_spike"}

	// series fail independently
	var g errgroup.Group
	if s.enabled(hrv.name, s.hrv.Ready()) {
		g.Go(func() error {
			samples, err := s.source.HRV(ctx, from, to)
			if err != nil {
				hrv.err = fmt.Errorf("fetch hrv: %w", err)
				return nil
			}
			hrv.events, hrv.err = s.hrv.Scan(samples)
			return nil
		})
	}
	if s.enabled(zone.name, s.zone.Ready()) {
		g.Go(func() error {
			days, err := s.source.HeartRateDaily(ctx, from, to)
			if err != nil {
				zone.err = fmt.Errorf("fetch heart rate: %w", err)
				return nil
			}
			zone.events, zone.err = s.zone.Scan(days)
			return nil
		})
	}
	if s.enabled(spike.name, s.spike.Ready()) {
		g.Go(func() error {
			for day := from; !day.After(to); day = day.AddDate(0, 0, 1) {
				samples, err := s.source.HeartRateIntraday(ctx, day)
				if err != nil {
					spike.err = fmt.Errorf("fetch intraday heart rate %s: %w", day.Format(detection.DateLayout), err)
					return nil
				}
				events, err := s.spike.Scan(samples)
				if err != nil {
					spike.err = err
					return nil
				}
				spike.events = append(spike.events, events...)
			}
			return nil
		})
	}
	_ = g.Wait()

	var out chunkOutcome
	for _, sr := range []*series{hrv, zone, spike} {
		if sr.err != nil {
			out.failures = append(out.failures, fmt.Sprintf("%s: %v", sr.name, sr.err))
			s.logger.Error().Err(sr.err).
				Str("series", sr.name).
				Str("from", from.Format(detection.DateLayout)).
				Str("to", to.Format(detection.DateLayout)).
				Bool("transient", isTransient(sr.err)).
				Msg("series unavailable, detection skipped")
			continue
		}
		out.detected += len(sr.events)
		for _, ev := range sr.events {
			id, err := s.recorder.Record(ctx, ev)
			if err != nil {
				out.failures = append(out.failures, fmt.Sprintf("record %s: %v", ev.Type, err))
				s.logger.Error().Err(err).
					Str("type", string(ev.Type)).
					Str("date", ev.Date.Format(detection.DateLayout)).
					Msg("failed to record event")
				continue
			}
			out.recorded = append(out.recorded, id)
			s.notify(ctx, id, ev)
		}
	}
	return out
}

// enabled logs and reports false when a detector's thresholds are invalid.
// A disabled detector does not hold the watermark back.
func (s *Service) enabled(name string, readyErr error) bool {
	if readyErr == nil {
		return true
	}
	s.logger.Warn().Err(readyErr).Str("series", name).Msg("detector disabled by invalid thresholds")
	return false
}

func (s *Service) notify(ctx context.Context, id uuid.UUID, ev detection.Event) {
	if !s.alertsOn || s.notifier == nil {
		return
	}
	note := alerting.Notification{
		EventID:    id.String(),
		Type:       ev.Type,
		Date:       ev.Date,
		OccurredAt: ev.OccurredAt,
		Reason:     ev.Reason,
		Metrics:    ev.Metrics,
		Channels:   s.channels,
	}
	if err := s.notifier.Notify(ctx, note); err != nil {
		s.logger.Error().Err(err).Str("event_id", id.String()).Msg("failed to dispatch alert")
	}
}

// chunks splits [from, to] into inclusive ranges of at most maxRangeDays days.
func (s *Service) chunks(from, to time.Time) [][2]time.Time {
	var out [][2]time.Time
	for start := from; !start.After(to); {
		end := start.AddDate(0, 0, s.maxRangeDays-1)
		if end.After(to) {
			end = to
		}
		out = append(out, [2]time.Time{start, end})
		start = end.AddDate(0, 0, 1)
	}
	return out
}

// civil returns midnight of t's calendar date in the tracker timezone.
func (s *Service) civil(t time.Time) time.Time {
	return detection.Day(t.In(s.loc))
}

func (s *Service) acquireLock(ctx context.Context) (func(), bool, error) {
	if s.lockKey == 0 || s.locker == nil {
		return nil, true, nil
	}
	unlock, acquired, err := s.locker.TryAdvisoryLock(ctx, s.lockKey)
	if err != nil {
		return nil, false, fmt.Errorf("acquire advisory lock: %w", err)
	}
	if !acquired {
		return nil, false, nil
	}
	return unlock, true, nil
}

func isTransient(err error) bool {
	var unavailable *fetcher.UnavailableError
	return errors.As(err, &unavailable) && unavailable.Transient
}

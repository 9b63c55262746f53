package service

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"panicwatch/internal/alerting"
	"panicwatch/internal/config"
	"panicwatch/internal/detection"
	"panicwatch/internal/fetcher"
	"panicwatch/internal/recorder"
	"panicwatch/internal/storage"
)

var cycleNow = time.Date(2024, 3, 10, 15, 0, 0, 0, time.UTC)

func day(offset int) time.Time {
	return time.Date(2024, 3, 10+offset, 0, 0, 0, 0, time.UTC)
}

func f(v float64) *float64 { return &v }

type rangeCall struct{ from, to time.Time }

// fakeSource returns one matching sample per series and day.
type fakeSource struct {
	mu            sync.Mutex
	hrvCalls      []rangeCall
	dailyCalls    []rangeCall
	intradayCalls []time.Time

	hrvErr   func(from, to time.Time) error
	dailyErr error
	delay    time.Duration
	active   atomic.Int32
	peak     atomic.Int32
}

func (s *fakeSource) enter() func() {
	n := s.active.Add(1)
	for {
		p := s.peak.Load()
		if n <= p || s.peak.CompareAndSwap(p, n) {
			break
		}
	}
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	return func() { s.active.Add(-1) }
}

func (s *fakeSource) HRV(ctx context.Context, from, to time.Time) ([]detection.HRVSample, error) {
	defer s.enter()()
	s.mu.Lock()
	s.hrvCalls = append(s.hrvCalls, rangeCall{from, to})
	s.mu.Unlock()
	if s.hrvErr != nil {
		if err := s.hrvErr(from, to); err != nil {
			return nil, err
		}
	}
	var out []detection.HRVSample
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		out = append(out, detection.HRVSample{
			Minute: d.Add(3 * time.Hour), RMSSD: f(25), HF: f(1200), LF: f(1100), Coverage: f(0.95),
		})
	}
	return out, nil
}

func (s *fakeSource) HeartRateDaily(ctx context.Context, from, to time.Time) ([]detection.DailyHeartRate, error) {
	s.mu.Lock()
	s.dailyCalls = append(s.dailyCalls, rangeCall{from, to})
	s.mu.Unlock()
	if s.dailyErr != nil {
		return nil, s.dailyErr
	}
	var out []detection.DailyHeartRate
	for d := from; !d.After(to); d = d.AddDate(0, 0, 1) {
		out = append(out, detection.DailyHeartRate{
			Date:      d,
			RestingHR: f(60),
			Zones: []detection.HeartRateZone{
				{Name: "Out of Range", Minutes: 1200},
				{Name: "Fat Burn", Minutes: 8},
				{Name: "Cardio", Minutes: 4},
			},
		})
	}
	return out, nil
}

func (s *fakeSource) HeartRateIntraday(ctx context.Context, d time.Time) ([]detection.HeartRateSample, error) {
	s.mu.Lock()
	s.intradayCalls = append(s.intradayCalls, d)
	s.mu.Unlock()
	start := d.Add(8 * time.Hour)
	var out []detection.HeartRateSample
	for i, bpm := range []float64{60, 75, 90, 95, 60} {
		out = append(out, detection.HeartRateSample{Time: start.Add(time.Duration(i) * time.Minute), BPM: bpm})
	}
	return out, nil
}

// flakyWatermark fails the next n writes.
type flakyWatermark struct {
	*storage.Memory
	failures int
}

func (w *flakyWatermark) SetLastProcessed(ctx context.Context, d time.Time) error {
	if w.failures > 0 {
		w.failures--
		return errors.New("database unavailable")
	}
	return w.Memory.SetLastProcessed(ctx, d)
}

type busyLocker struct{ calls int }

func (l *busyLocker) TryAdvisoryLock(context.Context, int64) (func(), bool, error) {
	l.calls++
	return nil, false, nil
}

type captureNotifier struct {
	mu    sync.Mutex
	notes []alerting.Notification
}

func (n *captureNotifier) Notify(_ context.Context, note alerting.Notification) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.notes = append(n.notes, note)
	return nil
}

func testConfig() *config.Config {
	return &config.Config{
		Tracker:    config.TrackerConfig{MaxRangeDays: 30, Timezone: "UTC"},
		Thresholds: detection.DefaultThresholds(),
	}
}

type harness struct {
	svc    *Service
	source *fakeSource
	events *storage.Memory
	wm     storage.WatermarkStore
}

func newHarness(t *testing.T, cfg *config.Config, source *fakeSource, wm storage.WatermarkStore, extra func(*Dependencies)) harness {
	t.Helper()
	events := storage.NewMemory()
	if wm == nil {
		wm = storage.NewMemory()
	}
	deps := Dependencies{
		Source:    source,
		Recorder:  recorder.New(events, zerolog.Nop()),
		Watermark: wm,
	}
	if extra != nil {
		extra(&deps)
	}
	return harness{svc: New(cfg, deps, zerolog.Nop()), source: source, events: events, wm: wm}
}

func listTypes(t *testing.T, m *storage.Memory) map[detection.EventType]int {
	t.Helper()
	recs, err := m.ListEvents(context.Background(), storage.EventFilter{})
	require.NoError(t, err)
	out := make(map[detection.EventType]int)
	for _, r := range recs {
		out[r.Type]++
	}
	return out
}

func TestFirstRunProcessesTodayOnly(t *testing.T) {
	h := newHarness(t, testConfig(), &fakeSource{}, nil, nil)

	res, err := h.svc.ProcessCycle(context.Background(), cycleNow)
	require.NoError(t, err)
	assert.True(t, res.Complete)
	assert.Equal(t, day(0), res.From)
	assert.Equal(t, day(0), res.To)
	assert.Len(t, res.Recorded, 3)

	require.Len(t, h.source.hrvCalls, 1)
	assert.Equal(t, rangeCall{day(0), day(0)}, h.source.hrvCalls[0])
	assert.Equal(t, []time.Time{day(0)}, h.source.intradayCalls)

	assert.Equal(t, map[detection.EventType]int{
		detection.TypeHRVRate:        1,
		detection.TypeHeartRateZone:  1,
		detection.TypeHeartRateSpike: 1,
	}, listTypes(t, h.events))

	last, ok, err := h.wm.LastProcessed(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, day(0), last)
}

func TestRangeStartsAtWatermark(t *testing.T) {
	wm := storage.NewMemory()
	require.NoError(t, wm.SetLastProcessed(context.Background(), day(-2)))
	h := newHarness(t, testConfig(), &fakeSource{}, wm, nil)

	res, err := h.svc.ProcessCycle(context.Background(), cycleNow)
	require.NoError(t, err)
	assert.Equal(t, day(-2), res.From)
	assert.Equal(t, []rangeCall{{day(-2), day(0)}}, h.source.dailyCalls)
	assert.Equal(t, []time.Time{day(-2), day(-1), day(0)}, h.source.intradayCalls)
	assert.Len(t, res.Recorded, 9)
}

func TestFailedWatermarkWriteReprocessesSameRange(t *testing.T) {
	wm := &flakyWatermark{Memory: storage.NewMemory(), failures: 1}
	h := newHarness(t, testConfig(), &fakeSource{}, wm, nil)

	first, err := h.svc.ProcessCycle(context.Background(), cycleNow)
	require.Error(t, err)
	assert.False(t, first.Complete)
	_, ok, err := wm.LastProcessed(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)

	second, err := h.svc.ProcessCycle(context.Background(), cycleNow)
	require.NoError(t, err)
	assert.True(t, second.Complete)
	assert.Equal(t, first.From, second.From)
	assert.Equal(t, first.To, second.To)
	assert.Len(t, second.Recorded, len(first.Recorded))

	// no duplicate suppression: both runs are stored
	assert.Equal(t, map[detection.EventType]int{
		detection.TypeHRVRate:        2,
		detection.TypeHeartRateZone:  2,
		detection.TypeHeartRateSpike: 2,
	}, listTypes(t, h.events))

	last, ok, err := wm.LastProcessed(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, day(0), last)
}

func TestUnavailableSeriesHoldsWatermark(t *testing.T) {
	source := &fakeSource{dailyErr: &fetcher.UnavailableError{
		URL: "https://tracker.test/heart", Status: http.StatusInternalServerError, Err: fetcher.ErrNotAvailable,
	}}
	h := newHarness(t, testConfig(), source, nil, nil)

	res, err := h.svc.ProcessCycle(context.Background(), cycleNow)
	require.NoError(t, err)
	assert.False(t, res.Complete)
	require.Len(t, res.Failures, 1)
	assert.Contains(t, res.Failures[0], "heart_rate_zone")

	assert.Equal(t, map[detection.EventType]int{
		detection.TypeHRVRate:        1,
		detection.TypeHeartRateSpike: 1,
	}, listTypes(t, h.events))

	_, ok, err := h.wm.LastProcessed(context.Background())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestInvalidThresholdsDisableOnlyDependentDetector(t *testing.T) {
	cfg := testConfig()
	cfg.Thresholds[detection.KeySpikeIncrease] = "fast"
	h := newHarness(t, cfg, &fakeSource{}, nil, nil)

	res, err := h.svc.ProcessCycle(context.Background(), cycleNow)
	require.NoError(t, err)
	assert.True(t, res.Complete)
	assert.Empty(t, h.source.intradayCalls)
	assert.Equal(t, map[detection.EventType]int{
		detection.TypeHRVRate:       1,
		detection.TypeHeartRateZone: 1,
	}, listTypes(t, h.events))

	_, ok, err := h.wm.LastProcessed(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestLongRangeIsChunked(t *testing.T) {
	wm := storage.NewMemory()
	require.NoError(t, wm.SetLastProcessed(context.Background(), day(-44)))
	h := newHarness(t, testConfig(), &fakeSource{}, wm, nil)

	res, err := h.svc.ProcessCycle(context.Background(), cycleNow)
	require.NoError(t, err)
	assert.True(t, res.Complete)
	assert.Equal(t, []rangeCall{{day(-44), day(-15)}, {day(-14), day(0)}}, h.source.hrvCalls)
	assert.Len(t, h.source.intradayCalls, 45)
	assert.Equal(t, day(0), res.Watermark)
}

func TestChunkFailureStopsAtLastGoodChunk(t *testing.T) {
	wm := storage.NewMemory()
	require.NoError(t, wm.SetLastProcessed(context.Background(), day(-44)))
	source := &fakeSource{hrvErr: func(from, _ time.Time) error {
		if from.Equal(day(-14)) {
			return &fetcher.UnavailableError{Status: http.StatusTooManyRequests, Transient: true, Err: fetcher.ErrNotAvailable}
		}
		return nil
	}}
	h := newHarness(t, testConfig(), source, wm, nil)

	res, err := h.svc.ProcessCycle(context.Background(), cycleNow)
	require.NoError(t, err)
	assert.False(t, res.Complete)

	last, ok, err := wm.LastProcessed(context.Background())
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, day(-15), last)
}

func TestAdvisoryLockHeldSkipsCycle(t *testing.T) {
	cfg := testConfig()
	cfg.Scheduler.AdvisoryLockKey = 42
	locker := &busyLocker{}
	h := newHarness(t, cfg, &fakeSource{}, nil, func(d *Dependencies) { d.Locker = locker })

	res, err := h.svc.ProcessCycle(context.Background(), cycleNow)
	require.NoError(t, err)
	assert.True(t, res.Skipped)
	assert.Equal(t, 1, locker.calls)
	assert.Empty(t, h.source.hrvCalls)
}

func TestRecordedEventsAreAlerted(t *testing.T) {
	cfg := testConfig()
	cfg.Alerting.Enabled = true
	cfg.Alerting.Channels = []string{"telegram"}
	notifier := &captureNotifier{}
	h := newHarness(t, cfg, &fakeSource{}, nil, func(d *Dependencies) { d.Notifier = notifier })

	res, err := h.svc.ProcessCycle(context.Background(), cycleNow)
	require.NoError(t, err)
	require.Len(t, notifier.notes, 3)
	ids := make(map[string]bool)
	for _, id := range res.Recorded {
		ids[id.String()] = true
	}
	for _, note := range notifier.notes {
		assert.True(t, ids[note.EventID])
		assert.Equal(t, []string{"telegram"}, note.Channels)
	}
}

func TestCyclesAreSerialised(t *testing.T) {
	source := &fakeSource{delay: 20 * time.Millisecond}
	h := newHarness(t, testConfig(), source, nil, nil)

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := h.svc.ProcessCycle(context.Background(), cycleNow)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), source.peak.Load())
	assert.Len(t, source.hrvCalls, 4)
}

func TestProcessCycleHonoursCancelledContextWhileWaiting(t *testing.T) {
	h := newHarness(t, testConfig(), &fakeSource{}, nil, nil)
	h.svc.sem <- struct{}{}
	defer func() { <-h.svc.sem }()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := h.svc.ProcessCycle(ctx, cycleNow)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestRunWithoutScheduler(t *testing.T) {
	h := newHarness(t, testConfig(), &fakeSource{}, nil, nil)
	assert.ErrorIs(t, h.svc.Run(context.Background()), ErrSchedulerNotConfigured)
}

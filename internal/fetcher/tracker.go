package fetcher

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"panicwatch/internal/detection"
)

const defaultTrackerBaseURL = "https://api.fitbit.com"

var minuteLayouts = []string{
	"2006-01-02T15:04:05.000",
	"2006-01-02T15:04:05",
	time.RFC3339,
}

// TrackerOptions parameterise the tracker API client.
type TrackerOptions struct {
	BaseURL  string
	Location *time.Location
}

// Tracker maps tracker endpoints onto typed series.
type Tracker struct {
	fetcher JSONFetcher
	baseURL string
	loc     *time.Location
	logger  zerolog.Logger
}

// NewTracker constructs a tracker client on top of a JSON fetcher.
func NewTracker(f JSONFetcher, opts TrackerOptions, logger zerolog.Logger) *Tracker {
	baseURL := strings.TrimRight(opts.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultTrackerBaseURL
	}
	loc := opts.Location
	if loc == nil {
		loc = time.UTC
	}
	return &Tracker{
		fetcher: f,
		baseURL: baseURL,
		loc:     loc,
		logger:  logger.With().Str("component", "tracker").Logger(),
	}
}

// Location returns the zone in which tracker wall-clock timestamps are interpreted.
func (t *Tracker) Location() *time.Location { return t.loc }

// HRVURL builds the intraday HRV endpoint for a date range.
func (t *Tracker) HRVURL(from, to time.Time) string {
	if t.sameDay(from, to) {
		return fmt.Sprintf("%s/1/user/-/hrv/date/%s/all.json", t.baseURL, t.formatDate(from))
	}
	return fmt.Sprintf("%s/1/user/-/hrv/date/%s/%s/all.json", t.baseURL, t.formatDate(from), t.formatDate(to))
}

// HeartRateDailyURL builds the daily heart-rate summary endpoint for a date range.
func (t *Tracker) HeartRateDailyURL(from, to time.Time) string {
	return fmt.Sprintf("%s/1/user/-/activities/heart/date/%s/%s.json", t.baseURL, t.formatDate(from), t.formatDate(to))
}

// HeartRateIntradayURL builds the 1-minute heart-rate endpoint for one day.
func (t *Tracker) HeartRateIntradayURL(day time.Time) string {
	return fmt.Sprintf("%s/1/user/-/activities/heart/date/%s/1d/1min.json", t.baseURL, t.formatDate(day))
}

// SleepURL builds the sleep log endpoint for one day.
func (t *Tracker) SleepURL(day time.Time) string {
	return fmt.Sprintf("%s/1.2/user/-/sleep/date/%s.json", t.baseURL, t.formatDate(day))
}

// SubscriptionURL builds the subscription endpoint for a subscriber id.
func (t *Tracker) SubscriptionURL(id string) string {
	return fmt.Sprintf("%s/1/user/-/apiSubscriptions/%s.json", t.baseURL, id)
}

// HRV fetches minute-level HRV samples for the inclusive range.
func (t *Tracker) HRV(ctx context.Context, from, to time.Time) ([]detection.HRVSample, error) {
	payload, err := t.fetcher.Fetch(ctx, t.HRVURL(from, to))
	if err != nil {
		return nil, err
	}
	return t.DecodeHRV(payload)
}

// HeartRateDaily fetches daily heart-rate summaries for the inclusive range.
func (t *Tracker) HeartRateDaily(ctx context.Context, from, to time.Time) ([]detection.DailyHeartRate, error) {
	payload, err := t.fetcher.Fetch(ctx, t.HeartRateDailyURL(from, to))
	if err != nil {
		return nil, err
	}
	return t.DecodeHeartRateDaily(payload)
}

// HeartRateIntraday fetches the 1-minute heart-rate series of one day.
func (t *Tracker) HeartRateIntraday(ctx context.Context, day time.Time) ([]detection.HeartRateSample, error) {
	payload, err := t.fetcher.Fetch(ctx, t.HeartRateIntradayURL(day))
	if err != nil {
		return nil, err
	}
	return t.DecodeHeartRateIntraday(payload, day)
}

// Sleep returns the raw sleep log of one day.
func (t *Tracker) Sleep(ctx context.Context, day time.Time) (json.RawMessage, error) {
	return t.fetcher.Fetch(ctx, t.SleepURL(day))
}

// Subscribe registers the webhook subscription. The fetcher must support POST.
func (t *Tracker) Subscribe(ctx context.Context, id string) (json.RawMessage, error) {
	poster, ok := t.fetcher.(interface {
		Post(ctx context.Context, url string) (json.RawMessage, error)
	})
	if !ok {
		return nil, fmt.Errorf("fetcher does not support POST")
	}
	return poster.Post(ctx, t.SubscriptionURL(id))
}

type hrvPayload struct {
	HRV []struct {
		DateTime string `json:"dateTime"`
		Minutes  []struct {
			Minute string `json:"minute"`
			Value  struct {
				RMSSD    *float64 `json:"rmssd"`
				Coverage *float64 `json:"coverage"`
				HF       *float64 `json:"hf"`
				LF       *float64 `json:"lf"`
			} `json:"value"`
		} `json:"minutes"`
	} `json:"hrv"`
}

// DecodeHRV converts an HRV payload into samples ordered by minute.
func (t *Tracker) DecodeHRV(payload []byte) ([]detection.HRVSample, error) {
	var p hrvPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("decode hrv payload: %w", err)
	}

	var samples []detection.HRVSample
	for _, entry := range p.HRV {
		for _, m := range entry.Minutes {
			minute, err := t.parseMinute(m.Minute)
			if err != nil {
				t.logger.Warn().Err(err).Str("minute", m.Minute).Msg("skipping hrv sample with bad timestamp")
				continue
			}
			samples = append(samples, detection.HRVSample{
				Minute:   minute,
				RMSSD:    m.Value.RMSSD,
				HF:       m.Value.HF,
				LF:       m.Value.LF,
				Coverage: m.Value.Coverage,
			})
		}
	}
	sort.SliceStable(samples, func(i, j int) bool { return samples[i].Minute.Before(samples[j].Minute) })
	return samples, nil
}

type heartRatePayload struct {
	ActivitiesHeart []struct {
		DateTime string `json:"dateTime"`
		Value    struct {
			RestingHeartRate *float64 `json:"restingHeartRate"`
			HeartRateZones   []struct {
				Name    string  `json:"name"`
				Minutes float64 `json:"minutes"`
				Min     float64 `json:"min"`
				Max     float64 `json:"max"`
			} `json:"heartRateZones"`
		} `json:"value"`
	} `json:"activities-heart"`
	Intraday struct {
		Dataset []struct {
			Time  string  `json:"time"`
			Value float64 `json:"value"`
		} `json:"dataset"`
	} `json:"activities-heart-intraday"`
}

// DecodeHeartRateDaily converts a heart-rate payload into daily summaries.
func (t *Tracker) DecodeHeartRateDaily(payload []byte) ([]detection.DailyHeartRate, error) {
	var p heartRatePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("decode heart rate payload: %w", err)
	}

	days := make([]detection.DailyHeartRate, 0, len(p.ActivitiesHeart))
	for _, entry := range p.ActivitiesHeart {
		date, err := time.ParseInLocation(detection.DateLayout, entry.DateTime, t.loc)
		if err != nil {
			t.logger.Warn().Err(err).Str("date", entry.DateTime).Msg("skipping heart rate day with bad date")
			continue
		}
		day := detection.DailyHeartRate{Date: date, RestingHR: entry.Value.RestingHeartRate}
		for _, z := range entry.Value.HeartRateZones {
			day.Zones = append(day.Zones, detection.HeartRateZone{Name: z.Name, Minutes: z.Minutes, Min: z.Min, Max: z.Max})
		}
		days = append(days, day)
	}
	return days, nil
}

// DecodeHeartRateIntraday converts the intraday dataset of day into ordered samples.
func (t *Tracker) DecodeHeartRateIntraday(payload []byte, day time.Time) ([]detection.HeartRateSample, error) {
	var p heartRatePayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, fmt.Errorf("decode intraday payload: %w", err)
	}

	y, m, d := day.In(t.loc).Date()
	samples := make([]detection.HeartRateSample, 0, len(p.Intraday.Dataset))
	for _, point := range p.Intraday.Dataset {
		clock, err := time.Parse("15:04:05", point.Time)
		if err != nil {
			t.logger.Warn().Err(err).Str("time", point.Time).Msg("skipping intraday sample with bad time")
			continue
		}
		at := time.Date(y, m, d, clock.Hour(), clock.Minute(), clock.Second(), 0, t.loc)
		samples = append(samples, detection.HeartRateSample{Time: at, BPM: point.Value})
	}
	sort.SliceStable(samples, func(i, j int) bool { return samples[i].Time.Before(samples[j].Time) })
	return samples, nil
}

func (t *Tracker) parseMinute(value string) (time.Time, error) {
	var lastErr error
	for _, layout := range minuteLayouts {
		ts, err := time.ParseInLocation(layout, value, t.loc)
		if err == nil {
			return ts, nil
		}
		lastErr = err
	}
	return time.Time{}, lastErr
}

// formatDate renders the civil date of v in the tracker timezone.
func (t *Tracker) formatDate(v time.Time) string {
	return v.In(t.loc).Format(detection.DateLayout)
}

var (
	_ HealthSource = (*Tracker)(nil)
	_ SleepSource  = (*Tracker)(nil)
)

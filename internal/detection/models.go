package detection

import (
	"math"
	"time"
)

// DateLayout is the civil-date format used by the tracker API and the event store.
const DateLayout = "2006-01-02"

// EventType names the heuristic that flagged an event.
type EventType string

const (
	TypeHRVRate        EventType = "hrv_rate"
	TypeHeartRateZone  EventType = "heart_rate_zone"
	TypeHeartRateSpike EventType = "heart_rate_spike"
)

// Event is a candidate panic episode produced by a detector. It carries no
// identity; the recorder assigns one when it is persisted.
type Event struct {
	Type       EventType
	Date       time.Time
	OccurredAt time.Time
	Metrics    map[string]any
	Criteria   map[string]any
	Reason     string
}

// HRVSample is one minute of heart-rate-variability data. Fields the tracker
// omitted are nil; use the accessors to read them with their defaults.
type HRVSample struct {
	Minute   time.Time
	RMSSD    *float64
	HF       *float64
	LF       *float64
	Coverage *float64
}

// RMSSDOrDefault returns +Inf when rmssd is missing so the sample never matches by omission.
func (s HRVSample) RMSSDOrDefault() float64 {
	if s.RMSSD == nil {
		return math.Inf(1)
	}
	return *s.RMSSD
}

// HFOrDefault returns 0 when hf is missing.
func (s HRVSample) HFOrDefault() float64 { return valueOr(s.HF, 0) }

// LFOrDefault returns 0 when lf is missing.
func (s HRVSample) LFOrDefault() float64 { return valueOr(s.LF, 0) }

// CoverageOrDefault returns 0 when coverage is missing.
func (s HRVSample) CoverageOrDefault() float64 { return valueOr(s.Coverage, 0) }

// HeartRateZone is the time spent in one named heart-rate zone during a day.
type HeartRateZone struct {
	Name    string
	Minutes float64
	Min     float64
	Max     float64
}

// DailyHeartRate summarises one day of heart-rate activity.
type DailyHeartRate struct {
	Date      time.Time
	RestingHR *float64
	Zones     []HeartRateZone
}

// RestingOrDefault returns 0 when the resting rate is missing.
func (d DailyHeartRate) RestingOrDefault() float64 { return valueOr(d.RestingHR, 0) }

// HeartRateSample is one intraday heart-rate reading.
type HeartRateSample struct {
	Time time.Time
	BPM  float64
}

// Day truncates t to midnight in its own location.
func Day(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, 0, 0, 0, 0, t.Location())
}

func valueOr(v *float64, def float64) float64 {
	if v == nil {
		return def
	}
	return *v
}

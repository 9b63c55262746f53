package detection

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Threshold keys as they appear in configuration and in event criteria.
const (
	KeyRMSSD             = "rmssd"
	KeyHF                = "hf"
	KeyLF                = "lf"
	KeyCoverage          = "coverage"
	KeyZoneMinutes       = "hr_zone_minutes"
	KeyHRIncrease        = "hr_increase"
	KeySpikeIncrease     = "hr_spike_increase"
	KeySustainedDuration = "hr_sustained_duration"
)

// ErrThresholdsInvalid is returned by a detector whose thresholds failed to parse.
var ErrThresholdsInvalid = errors.New("detection: thresholds invalid")

// DefaultThresholds returns the reference threshold policy in its configuration form.
func DefaultThresholds() map[string]string {
	return map[string]string{
		KeyRMSSD:             "30",
		KeyHF:                "1000",
		KeyLF:                "1000",
		KeyCoverage:          "0.9",
		KeyZoneMinutes:       "10",
		KeyHRIncrease:        "1.5",
		KeySpikeIncrease:     "10",
		KeySustainedDuration: "2m",
	}
}

// Thresholds is the parsed threshold set shared by all detectors.
type Thresholds struct {
	RMSSD             float64
	HF                float64
	LF                float64
	Coverage          float64
	ZoneMinutes       float64
	HRIncrease        float64
	SpikeIncrease     float64
	SustainedDuration time.Duration

	invalid map[string]error
}

// ParseThresholds parses every key eagerly. Keys that are missing or malformed
// are remembered so the detectors depending on them fail closed.
func ParseThresholds(raw map[string]string) Thresholds {
	t := Thresholds{invalid: make(map[string]error)}
	normalized := make(map[string]string, len(raw))
	for k, v := range raw {
		normalized[strings.ToLower(strings.TrimSpace(k))] = strings.TrimSpace(v)
	}

	numbers := map[string]*float64{
		KeyRMSSD:         &t.RMSSD,
		KeyHF:            &t.HF,
		KeyLF:            &t.LF,
		KeyCoverage:      &t.Coverage,
		KeyZoneMinutes:   &t.ZoneMinutes,
		KeyHRIncrease:    &t.HRIncrease,
		KeySpikeIncrease: &t.SpikeIncrease,
	}
	for key, dst := range numbers {
		value, ok := normalized[key]
		if !ok || value == "" {
			t.invalid[key] = errors.New("not configured")
			continue
		}
		d, err := decimal.NewFromString(value)
		if err != nil {
			t.invalid[key] = fmt.Errorf("parse %q: %w", value, err)
			continue
		}
		f := d.InexactFloat64()
		if math.IsInf(f, 0) || math.IsNaN(f) {
			t.invalid[key] = fmt.Errorf("parse %q: out of range", value)
			continue
		}
		*dst = f
	}

	value, ok := normalized[KeySustainedDuration]
	switch {
	case !ok || value == "":
		t.invalid[KeySustainedDuration] = errors.New("not configured")
	default:
		d, err := parseDuration(value)
		if err != nil {
			t.invalid[KeySustainedDuration] = err
		} else {
			t.SustainedDuration = d
		}
	}

	return t
}

// bare numbers are minutes
func parseDuration(value string) (time.Duration, error) {
	var d time.Duration
	if minutes, err := decimal.NewFromString(value); err == nil {
		nanos := minutes.Mul(decimal.NewFromInt(int64(time.Minute)))
		if nanos.Abs().GreaterThan(decimal.NewFromInt(math.MaxInt64)) {
			return 0, fmt.Errorf("duration %q out of range", value)
		}
		d = time.Duration(nanos.IntPart())
	} else {
		parsed, err := time.ParseDuration(value)
		if err != nil {
			return 0, fmt.Errorf("parse %q: %w", value, err)
		}
		d = parsed
	}
	if d <= 0 {
		return 0, fmt.Errorf("duration %q must be positive", value)
	}
	return d, nil
}

// Check reports whether all the given keys parsed. The returned error wraps ErrThresholdsInvalid.
func (t Thresholds) Check(keys ...string) error {
	var problems []string
	for _, key := range keys {
		if err, bad := t.invalid[key]; bad {
			problems = append(problems, fmt.Sprintf("%s: %v", key, err))
		}
	}
	if len(problems) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %s", ErrThresholdsInvalid, strings.Join(problems, "; "))
}

// Invalid returns the keys that failed to parse, sorted.
func (t Thresholds) Invalid() []string {
	keys := make([]string, 0, len(t.invalid))
	for k := range t.invalid {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Subset returns the named thresholds in their recorded form.
func (t Thresholds) Subset(keys ...string) map[string]any {
	out := make(map[string]any, len(keys))
	for _, key := range keys {
		switch key {
		case KeyRMSSD:
			out[key] = t.RMSSD
		case KeyHF:
			out[key] = t.HF
		case KeyLF:
			out[key] = t.LF
		case KeyCoverage:
			out[key] = t.Coverage
		case KeyZoneMinutes:
			out[key] = t.ZoneMinutes
		case KeyHRIncrease:
			out[key] = t.HRIncrease
		case KeySpikeIncrease:
			out[key] = t.SpikeIncrease
		case KeySustainedDuration:
			out[key] = t.SustainedDuration.String()
		}
	}
	return out
}

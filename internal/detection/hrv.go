package detection

// HRVDetector flags minutes whose HRV profile indicates high arousal.
type HRVDetector struct {
	Thresholds Thresholds
}

var hrvKeys = []string{KeyRMSSD, KeyHF, KeyLF, KeyCoverage}

// Ready reports whether the thresholds this detector needs parsed.
func (d HRVDetector) Ready() error { return d.Thresholds.Check(hrvKeys...) }

// Scan evaluates each sample independently and emits one event per matching minute.
func (d HRVDetector) Scan(samples []HRVSample) ([]Event, error) {
	if err := d.Ready(); err != nil {
		return nil, err
	}

	t := d.Thresholds
	var events []Event
	for _, s := range samples {
		rmssd := s.RMSSDOrDefault()
		hf := s.HFOrDefault()
		lf := s.LFOrDefault()
		coverage := s.CoverageOrDefault()

		if rmssd > t.RMSSD || hf < t.HF || lf < t.LF || coverage < t.Coverage {
			continue
		}

		events = append(events, Event{
			Type:       TypeHRVRate,
			Date:       Day(s.Minute),
			OccurredAt: s.Minute,
			Metrics: map[string]any{
				KeyRMSSD:    rmssd,
				KeyHF:       hf,
				KeyLF:       lf,
				KeyCoverage: coverage,
			},
			Criteria: t.Subset(hrvKeys...),
			Reason:   "HRV analysis",
		})
	}
	return events, nil
}

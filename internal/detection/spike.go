package detection

import "time"

const clockLayout = "15:04:05"

// SpikeDetector flags sustained runs of rapid heart-rate increase within one day.
type SpikeDetector struct {
	Thresholds Thresholds
}

// elevatedRun accumulates consecutive elevated transitions. It lives for one Scan only.
type elevatedRun struct {
	start    time.Time
	duration time.Duration
	last     HeartRateSample
}

// Ready reports whether the thresholds this detector needs parsed.
func (d SpikeDetector) Ready() error {
	return d.Thresholds.Check(KeySpikeIncrease, KeySustainedDuration)
}

// Scan walks consecutive sample pairs. Samples must be ordered by time.
func (d SpikeDetector) Scan(samples []HeartRateSample) ([]Event, error) {
	if err := d.Ready(); err != nil {
		return nil, err
	}

	var (
		events []Event
		run    *elevatedRun
	)
	for i := 1; i < len(samples); i++ {
		prev, cur := samples[i-1], samples[i]

		if cur.BPM-prev.BPM >= d.Thresholds.SpikeIncrease {
			if run == nil {
				run = &elevatedRun{start: prev.Time}
			}
			run.duration += cur.Time.Sub(prev.Time).Truncate(time.Second)
			run.last = cur
			continue
		}

		if run != nil && d.qualifies(run) {
			events = append(events, d.event(run, false))
		}
		run = nil
	}

	if run != nil && d.qualifies(run) {
		events = append(events, d.event(run, true))
	}
	return events, nil
}

func (d SpikeDetector) qualifies(run *elevatedRun) bool {
	return run.duration > 0 && run.duration >= d.Thresholds.SustainedDuration
}

func (d SpikeDetector) event(run *elevatedRun, openEnded bool) Event {
	reason := "Heart rate spike analysis"
	if openEnded {
		reason = "Sustained heart rate spike at end of series"
	}
	return Event{
		Type:       TypeHeartRateSpike,
		Date:       Day(run.start),
		OccurredAt: run.start,
		Metrics: map[string]any{
			"start_time": run.start.Format(clockLayout),
			"end_time":   run.last.Time.Format(clockLayout),
			"duration":   run.duration.Seconds(),
			"max_hr":     run.last.BPM,
			"open_ended": openEnded,
		},
		Criteria: d.Thresholds.Subset(KeySpikeIncrease, KeySustainedDuration),
		Reason:   reason,
	}
}

package detection

var elevatedZones = map[string]bool{
	"Fat Burn": true,
	"Cardio":   true,
	"Peak":     true,
}

// ZoneDetector flags days with sustained time in elevated heart-rate zones.
type ZoneDetector struct {
	Thresholds Thresholds
}

// Ready reports whether the thresholds this detector needs parsed.
func (d ZoneDetector) Ready() error {
	return d.Thresholds.Check(KeyZoneMinutes, KeyHRIncrease)
}

// Scan emits one event per day whose elevated-zone minutes reach hr_zone_minutes.
// hr_threshold is derived from the resting rate and recorded, but it does not gate.
func (d ZoneDetector) Scan(days []DailyHeartRate) ([]Event, error) {
	if err := d.Ready(); err != nil {
		return nil, err
	}

	t := d.Thresholds
	var events []Event
	for _, day := range days {
		elevated := 0.0
		for _, zone := range day.Zones {
			if elevatedZones[zone.Name] {
				elevated += zone.Minutes
			}
		}

		resting := day.RestingOrDefault()
		hrThreshold := resting * t.HRIncrease

		if elevated < t.ZoneMinutes {
			continue
		}

		events = append(events, Event{
			Type:       TypeHeartRateZone,
			Date:       Day(day.Date),
			OccurredAt: day.Date,
			Metrics: map[string]any{
				"resting_hr":       resting,
				"elevated_minutes": elevated,
				"hr_threshold":     hrThreshold,
			},
			Criteria: t.Subset(KeyZoneMinutes, KeyHRIncrease),
			Reason:   "Heart rate zone analysis",
		})
	}
	return events, nil
}

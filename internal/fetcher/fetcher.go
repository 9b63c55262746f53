package fetcher

import (
	"context"
	"encoding/json"
	"time"

	"panicwatch/internal/detection"
)

// JSONFetcher retrieves a JSON payload from the tracker API.
type JSONFetcher interface {
	Fetch(ctx context.Context, url string) (json.RawMessage, error)
}

// HealthSource exposes the tracker series consumed by an ingestion cycle.
type HealthSource interface {
	HRV(ctx context.Context, from, to time.Time) ([]detection.HRVSample, error)
	HeartRateDaily(ctx context.Context, from, to time.Time) ([]detection.DailyHeartRate, error)
	HeartRateIntraday(ctx context.Context, day time.Time) ([]detection.HeartRateSample, error)
}

// SleepSource exposes the raw sleep log for a date.
type SleepSource interface {
	Sleep(ctx context.Context, day time.Time) (json.RawMessage, error)
}

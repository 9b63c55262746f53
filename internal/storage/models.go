package storage

import (
	"time"

	"github.com/google/uuid"

	"panicwatch/internal/detection"
)

// WatermarkType is the type tag of the single watermark row.
const WatermarkType = "last_processed_date"

// EventRecord is a persisted detection event.
type EventRecord struct {
	ID          uuid.UUID
	Type        detection.EventType
	Date        time.Time
	OccurredAt  time.Time
	DetectedAt  time.Time
	Metrics     map[string]any
	Criteria    map[string]any
	Reason      string
	Confirmed   bool
	ConfirmedAt *time.Time
}

// ConfirmOutcome reports what a confirmation did.
type ConfirmOutcome int

const (
	// ConfirmApplied means the event flipped from unconfirmed to confirmed.
	ConfirmApplied ConfirmOutcome = iota
	// ConfirmNotFound means no event has the identifier.
	ConfirmNotFound
	// ConfirmUnchanged means the event exists but was already confirmed.
	ConfirmUnchanged
)

// EventFilter narrows an event listing. Nil bounds are open; bounds are inclusive dates.
type EventFilter struct {
	From  *time.Time
	To    *time.Time
	Limit int
}

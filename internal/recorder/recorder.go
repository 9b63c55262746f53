package recorder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"panicwatch/internal/detection"
	"panicwatch/internal/storage"
)

var (
	// ErrMalformedID is returned when an identifier is not a valid uuid.
	ErrMalformedID = errors.New("recorder: malformed event id")
	// ErrNotFound is returned when no event carries the identifier.
	ErrNotFound = errors.New("recorder: event not found")
	// ErrAlreadyConfirmed is returned when the event exists but was confirmed before.
	ErrAlreadyConfirmed = errors.New("recorder: event already confirmed")
)

// Recorder is the only writer of detection events.
type Recorder struct {
	store  storage.EventStore
	now    func() time.Time
	logger zerolog.Logger
}

// New wires a Recorder over an event store.
func New(store storage.EventStore, logger zerolog.Logger) *Recorder {
	return &Recorder{
		store:  store,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger.With().Str("component", "recorder").Logger(),
	}
}

// Record persists ev with a fresh identifier, unconfirmed.
func (r *Recorder) Record(ctx context.Context, ev detection.Event) (uuid.UUID, error) {
	rec := storage.EventRecord{
		ID:         uuid.New(),
		Type:       ev.Type,
		Date:       ev.Date,
		OccurredAt: ev.OccurredAt,
		DetectedAt: r.now(),
		Metrics:    ev.Metrics,
		Criteria:   ev.Criteria,
		Reason:     ev.Reason,
	}
	if rec.Metrics == nil {
		rec.Metrics = map[string]any{}
	}
	if rec.Criteria == nil {
		rec.Criteria = map[string]any{}
	}

	if err := r.store.InsertEvent(ctx, rec); err != nil {
		return uuid.Nil, fmt.Errorf("record %s event: %w", ev.Type, err)
	}

	r.logger.Info().
		Str("event_id", rec.ID.String()).
		Str("type", string(rec.Type)).
		Str("date", rec.Date.Format(detection.DateLayout)).
		Msg("detection event recorded")
	return rec.ID, nil
}

// Confirm marks the event as confirmed. It succeeds at most once per event.
func (r *Recorder) Confirm(ctx context.Context, id string) error {
	parsed, err := parseID(id)
	if err != nil {
		return err
	}

	outcome, err := r.store.ConfirmEvent(ctx, parsed)
	if err != nil {
		return fmt.Errorf("confirm event %s: %w", parsed, err)
	}
	switch outcome {
	case storage.ConfirmNotFound:
		return ErrNotFound
	case storage.ConfirmUnchanged:
		return ErrAlreadyConfirmed
	}

	r.logger.Info().Str("event_id", parsed.String()).Msg("detection event confirmed")
	return nil
}

// Get loads one event.
func (r *Recorder) Get(ctx context.Context, id string) (storage.EventRecord, error) {
	parsed, err := parseID(id)
	if err != nil {
		return storage.EventRecord{}, err
	}
	rec, err := r.store.GetEvent(ctx, parsed)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return storage.EventRecord{}, ErrNotFound
		}
		return storage.EventRecord{}, fmt.Errorf("get event %s: %w", parsed, err)
	}
	return rec, nil
}

// Query lists events whose date falls in [from, to]. Nil bounds are open.
func (r *Recorder) Query(ctx context.Context, from, to *time.Time) ([]storage.EventRecord, error) {
	return r.QueryLimit(ctx, from, to, 0)
}

// QueryLimit is Query with an upper bound on the number of rows; limit <= 0 means no bound.
func (r *Recorder) QueryLimit(ctx context.Context, from, to *time.Time, limit int) ([]storage.EventRecord, error) {
	events, err := r.store.ListEvents(ctx, storage.EventFilter{From: from, To: to, Limit: limit})
	if err != nil {
		return nil, fmt.Errorf("query events: %w", err)
	}
	return events, nil
}

func parseID(id string) (uuid.UUID, error) {
	parsed, err := uuid.Parse(id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("%w: %q", ErrMalformedID, id)
	}
	return parsed, nil
}

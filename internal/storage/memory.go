package storage

import (
	"context"
	"fmt"
	"maps"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"panicwatch/internal/detection"
)

// Memory is an in-process EventStore and WatermarkStore used for dry runs and tests.
type Memory struct {
	mu        sync.Mutex
	events    map[uuid.UUID]EventRecord
	order     []uuid.UUID
	watermark *time.Time
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{events: make(map[uuid.UUID]EventRecord)}
}

// InsertEvent stores a copy of rec.
func (m *Memory) InsertEvent(ctx context.Context, rec EventRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.events[rec.ID]; exists {
		return fmt.Errorf("insert event: duplicate id %s", rec.ID)
	}
	m.events[rec.ID] = cloneRecord(rec)
	m.order = append(m.order, rec.ID)
	return nil
}

// ConfirmEvent flips confirmed under the store lock.
func (m *Memory) ConfirmEvent(ctx context.Context, id uuid.UUID) (ConfirmOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.events[id]
	if !ok {
		return ConfirmNotFound, nil
	}
	if rec.Confirmed {
		return ConfirmUnchanged, nil
	}
	now := time.Now().UTC()
	rec.Confirmed = true
	rec.ConfirmedAt = &now
	m.events[id] = rec
	return ConfirmApplied, nil
}

// GetEvent returns the event with id or ErrNotFound.
func (m *Memory) GetEvent(ctx context.Context, id uuid.UUID) (EventRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.events[id]
	if !ok {
		return EventRecord{}, ErrNotFound
	}
	return cloneRecord(rec), nil
}

// ListEvents mirrors the SQL listing: inclusive date bounds, ordered by date then occurrence.
func (m *Memory) ListEvents(ctx context.Context, filter EventFilter) ([]EventRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	from, to := "", ""
	if filter.From != nil {
		from = filter.From.Format(detection.DateLayout)
	}
	if filter.To != nil {
		to = filter.To.Format(detection.DateLayout)
	}

	out := make([]EventRecord, 0, len(m.order))
	for _, id := range m.order {
		rec := m.events[id]
		date := rec.Date.Format(detection.DateLayout)
		if from != "" && date < from {
			continue
		}
		if to != "" && date > to {
			continue
		}
		out = append(out, cloneRecord(rec))
	}
	sort.SliceStable(out, func(i, j int) bool {
		di, dj := out[i].Date.Format(detection.DateLayout), out[j].Date.Format(detection.DateLayout)
		if di != dj {
			return di < dj
		}
		return out[i].OccurredAt.Before(out[j].OccurredAt)
	})
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// LastProcessed returns the watermark, if any.
func (m *Memory) LastProcessed(ctx context.Context) (time.Time, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.watermark == nil {
		return time.Time{}, false, nil
	}
	return *m.watermark, true, nil
}

// SetLastProcessed advances the watermark; it never moves backwards.
func (m *Memory) SetLastProcessed(ctx context.Context, day time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d := detection.Day(day)
	if m.watermark != nil && !d.After(*m.watermark) {
		return nil
	}
	m.watermark = &d
	return nil
}

// cloneRecord detaches the maps and confirmed_at pointer from the stored copy.
func cloneRecord(rec EventRecord) EventRecord {
	rec.Metrics = maps.Clone(rec.Metrics)
	rec.Criteria = maps.Clone(rec.Criteria)
	if rec.ConfirmedAt != nil {
		at := *rec.ConfirmedAt
		rec.ConfirmedAt = &at
	}
	return rec
}

var (
	_ EventStore     = (*Memory)(nil)
	_ WatermarkStore = (*Memory)(nil)
)

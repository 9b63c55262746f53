package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"panicwatch/internal/detection"
)

var (
	// ErrNotConfigured indicates the storage pool was not initialised.
	ErrNotConfigured = errors.New("storage: pool not configured")
	// ErrNotFound is returned when a requested entity does not exist.
	ErrNotFound = errors.New("storage: not found")
)

const (
	insertEventSQL = `INSERT INTO detection_events (
        id,
        event_type,
        event_date,
        occurred_at,
        detected_at,
        metrics,
        criteria,
        reason,
        confirmed
    ) VALUES (
        $1,$2,$3::date,$4,$5,$6,$7,$8,FALSE
    );`

	// The conditional update is the compare-and-set; concurrent confirmations
	// of the same id serialise on the row lock and only one sees NOT confirmed.
	confirmEventSQL = `WITH updated AS (
        UPDATE detection_events
        SET confirmed = TRUE, confirmed_at = now()
        WHERE id = $1 AND NOT confirmed
        RETURNING id
    )
    SELECT
        EXISTS (SELECT 1 FROM detection_events WHERE id = $1),
        EXISTS (SELECT 1 FROM updated);`

	selectEventColumns = `SELECT
        id,
        event_type,
        to_char(event_date, 'YYYY-MM-DD'),
        occurred_at,
        detected_at,
        metrics,
        criteria,
        reason,
        confirmed,
        confirmed_at
    FROM detection_events`

	getEventSQL = selectEventColumns + `
    WHERE id = $1;`

	listEventsSQL = selectEventColumns + `
    WHERE ($1::date IS NULL OR event_date >= $1::date)
      AND ($2::date IS NULL OR event_date <= $2::date)
    ORDER BY event_date, occurred_at
    LIMIT $3::bigint;`

	countEventsSQL = `SELECT COUNT(*) FROM detection_events;`

	getWatermarkSQL = `SELECT to_char(last_date, 'YYYY-MM-DD') FROM sync_state WHERE state_type = $1;`

	upsertWatermarkSQL = `INSERT INTO sync_state (state_type, last_date, updated_at)
    VALUES ($1, $2::date, now())
    ON CONFLICT (state_type) DO UPDATE
    SET last_date  = GREATEST(sync_state.last_date, EXCLUDED.last_date),
        updated_at = now();`

	tryAdvisoryLockSQL = `SELECT pg_try_advisory_lock($1);`
	advisoryUnlockSQL  = `SELECT pg_advisory_unlock($1);`
)

// EventStore defines operations for detection event persistence.
type EventStore interface {
	InsertEvent(ctx context.Context, rec EventRecord) error
	ConfirmEvent(ctx context.Context, id uuid.UUID) (ConfirmOutcome, error)
	GetEvent(ctx context.Context, id uuid.UUID) (EventRecord, error)
	ListEvents(ctx context.Context, filter EventFilter) ([]EventRecord, error)
}

// WatermarkStore tracks the last date whose ingestion completed.
type WatermarkStore interface {
	LastProcessed(ctx context.Context) (time.Time, bool, error)
	SetLastProcessed(ctx context.Context, day time.Time) error
}

// AdvisoryLocker exposes advisory lock helpers.
type AdvisoryLocker interface {
	TryAdvisoryLock(ctx context.Context, key int64) (unlock func(), acquired bool, err error)
}

// Store aggregates access to detection events and the sync watermark.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wires a pgx pool into a Store.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Close releases the underlying pool resources.
func (s *Store) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// TryAdvisoryLock attempts to acquire a postgres advisory lock and returns a release func.
func (s *Store) TryAdvisoryLock(ctx context.Context, key int64) (func(), bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, false, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire connection: %w", err)
	}

	var acquired bool
	if err := conn.QueryRow(ctx, tryAdvisoryLockSQL, key).Scan(&acquired); err != nil {
		conn.Release()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !acquired {
		conn.Release()
		return nil, false, nil
	}

	unlock := func() {
		ctxUnlock, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		// session-level lock; releasing the connection without unlocking would leak it
		if _, err := conn.Exec(ctxUnlock, advisoryUnlockSQL, key); err != nil {
			conn.Conn().Close(ctxUnlock)
		}
		conn.Release()
	}
	return unlock, true, nil
}

func (s *Store) getPool() (*pgxpool.Pool, error) {
	if s == nil || s.pool == nil {
		return nil, ErrNotConfigured
	}
	return s.pool, nil
}

// InsertEvent persists a new detection event.
func (s *Store) InsertEvent(ctx context.Context, rec EventRecord) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}

	metrics, err := json.Marshal(rec.Metrics)
	if err != nil {
		return fmt.Errorf("marshal metrics: %w", err)
	}
	criteria, err := json.Marshal(rec.Criteria)
	if err != nil {
		return fmt.Errorf("marshal criteria: %w", err)
	}

	if _, err := pool.Exec(ctx, insertEventSQL,
		rec.ID,
		string(rec.Type),
		rec.Date.Format(detection.DateLayout),
		rec.OccurredAt,
		rec.DetectedAt,
		metrics,
		criteria,
		rec.Reason,
	); err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// ConfirmEvent flips confirmed to true if, and only if, it is still false.
func (s *Store) ConfirmEvent(ctx context.Context, id uuid.UUID) (ConfirmOutcome, error) {
	pool, err := s.getPool()
	if err != nil {
		return ConfirmNotFound, err
	}

	var matched, modified bool
	if err := pool.QueryRow(ctx, confirmEventSQL, id).Scan(&matched, &modified); err != nil {
		return ConfirmNotFound, fmt.Errorf("confirm event: %w", err)
	}
	switch {
	case modified:
		return ConfirmApplied, nil
	case matched:
		return ConfirmUnchanged, nil
	default:
		return ConfirmNotFound, nil
	}
}

// GetEvent loads one event by identifier.
func (s *Store) GetEvent(ctx context.Context, id uuid.UUID) (EventRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return EventRecord{}, err
	}

	rows, err := pool.Query(ctx, getEventSQL, id)
	if err != nil {
		return EventRecord{}, fmt.Errorf("get event: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if rows.Err() != nil {
			return EventRecord{}, rows.Err()
		}
		return EventRecord{}, ErrNotFound
	}
	return scanEvent(rows)
}

// ListEvents lists events within an inclusive date range.
func (s *Store) ListEvents(ctx context.Context, filter EventFilter) ([]EventRecord, error) {
	pool, err := s.getPool()
	if err != nil {
		return nil, err
	}

	var from, to, limit any
	if filter.From != nil {
		from = filter.From.Format(detection.DateLayout)
	}
	if filter.To != nil {
		to = filter.To.Format(detection.DateLayout)
	}
	if filter.Limit > 0 {
		limit = int64(filter.Limit)
	}

	rows, err := pool.Query(ctx, listEventsSQL, from, to, limit)
	if err != nil {
		return nil, fmt.Errorf("list events: %w", err)
	}
	defer rows.Close()

	events := make([]EventRecord, 0)
	for rows.Next() {
		rec, scanErr := scanEvent(rows)
		if scanErr != nil {
			return nil, scanErr
		}
		events = append(events, rec)
	}
	if rows.Err() != nil {
		return nil, rows.Err()
	}
	return events, nil
}

// CountEvents counts stored events.
func (s *Store) CountEvents(ctx context.Context) (int64, error) {
	pool, err := s.getPool()
	if err != nil {
		return 0, err
	}
	var count int64
	if scanErr := pool.QueryRow(ctx, countEventsSQL).Scan(&count); scanErr != nil {
		return 0, fmt.Errorf("count events: %w", scanErr)
	}
	return count, nil
}

// LastProcessed returns the watermark in UTC, or ok=false when nothing was processed yet.
func (s *Store) LastProcessed(ctx context.Context) (time.Time, bool, error) {
	pool, err := s.getPool()
	if err != nil {
		return time.Time{}, false, err
	}

	var raw string
	if err := pool.QueryRow(ctx, getWatermarkSQL, WatermarkType).Scan(&raw); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("get watermark: %w", err)
	}
	day, err := time.Parse(detection.DateLayout, raw)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("parse watermark %q: %w", raw, err)
	}
	return day, true, nil
}

// SetLastProcessed upserts the watermark. It never moves backwards.
func (s *Store) SetLastProcessed(ctx context.Context, day time.Time) error {
	pool, err := s.getPool()
	if err != nil {
		return err
	}
	if _, err := pool.Exec(ctx, upsertWatermarkSQL, WatermarkType, day.Format(detection.DateLayout)); err != nil {
		return fmt.Errorf("set watermark: %w", err)
	}
	return nil
}

func scanEvent(rows pgx.Rows) (EventRecord, error) {
	var (
		rec         EventRecord
		eventType   string
		dateStr     string
		metrics     []byte
		criteria    []byte
		confirmedAt *time.Time
	)

	if err := rows.Scan(
		&rec.ID,
		&eventType,
		&dateStr,
		&rec.OccurredAt,
		&rec.DetectedAt,
		&metrics,
		&criteria,
		&rec.Reason,
		&rec.Confirmed,
		&confirmedAt,
	); err != nil {
		return EventRecord{}, err
	}

	date, err := time.Parse(detection.DateLayout, dateStr)
	if err != nil {
		return EventRecord{}, fmt.Errorf("parse event date: %w", err)
	}
	rec.Date = date
	rec.Type = detection.EventType(eventType)
	rec.ConfirmedAt = confirmedAt

	if err := json.Unmarshal(metrics, &rec.Metrics); err != nil {
		return EventRecord{}, fmt.Errorf("decode metrics: %w", err)
	}
	if err := json.Unmarshal(criteria, &rec.Criteria); err != nil {
		return EventRecord{}, fmt.Errorf("decode criteria: %w", err)
	}
	return rec, nil
}

var (
	_ EventStore     = (*Store)(nil)
	_ WatermarkStore = (*Store)(nil)
	_ AdvisoryLocker = (*Store)(nil)
)

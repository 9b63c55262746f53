package recorder

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"panicwatch/internal/detection"
	"panicwatch/internal/storage"
)

func spikeEvent(day string) detection.Event {
	date, _ := time.Parse(detection.DateLayout, day)
	return detection.Event{
		Type:       detection.TypeHeartRateSpike,
		Date:       date,
		OccurredAt: date.Add(8 * time.Hour),
		Metrics:    map[string]any{"max_hr": 90.0},
		Criteria:   map[string]any{detection.KeySpikeIncrease: 10.0},
		Reason:     "Sustained heart rate spike",
	}
}

func TestRecordAssignsIdentityAndDefaults(t *testing.T) {
	store := storage.NewMemory()
	r := New(store, zerolog.Nop())
	fixed := time.Date(2024, 3, 2, 9, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return fixed }

	id, err := r.Record(context.Background(), spikeEvent("2024-03-01"))
	require.NoError(t, err)
	assert.Equal(t, uuid.Version(4), id.Version())

	rec, err := r.Get(context.Background(), id.String())
	require.NoError(t, err)
	assert.False(t, rec.Confirmed)
	assert.Nil(t, rec.ConfirmedAt)
	assert.Equal(t, fixed, rec.DetectedAt)
	assert.Equal(t, "Sustained heart rate spike", rec.Reason)
	assert.Equal(t, detection.TypeHeartRateSpike, rec.Type)
}

func TestRecordDistinctIdentifiers(t *testing.T) {
	r := New(storage.NewMemory(), zerolog.Nop())
	a, err := r.Record(context.Background(), spikeEvent("2024-03-01"))
	require.NoError(t, err)
	b, err := r.Record(context.Background(), spikeEvent("2024-03-01"))
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

type failingStore struct {
	storage.EventStore
	err error
}

func (f failingStore) InsertEvent(context.Context, storage.EventRecord) error { return f.err }

func TestRecordPropagatesStoreFailure(t *testing.T) {
	boom := errors.New("connection reset")
	r := New(failingStore{EventStore: storage.NewMemory(), err: boom}, zerolog.Nop())
	_, err := r.Record(context.Background(), spikeEvent("2024-03-01"))
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
}

func TestConfirmOutcomes(t *testing.T) {
	ctx := context.Background()
	r := New(storage.NewMemory(), zerolog.Nop())
	id, err := r.Record(ctx, spikeEvent("2024-03-01"))
	require.NoError(t, err)

	require.NoError(t, r.Confirm(ctx, id.String()))
	assert.ErrorIs(t, r.Confirm(ctx, id.String()), ErrAlreadyConfirmed)
	assert.ErrorIs(t, r.Confirm(ctx, uuid.NewString()), ErrNotFound)
	assert.ErrorIs(t, r.Confirm(ctx, "not-a-uuid"), ErrMalformedID)

	rec, err := r.Get(ctx, id.String())
	require.NoError(t, err)
	assert.True(t, rec.Confirmed)
	assert.NotNil(t, rec.ConfirmedAt)
}

func TestConfirmConcurrentSucceedsOnce(t *testing.T) {
	ctx := context.Background()
	r := New(storage.NewMemory(), zerolog.Nop())
	id, err := r.Record(ctx, spikeEvent("2024-03-01"))
	require.NoError(t, err)

	const workers = 16
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		succeeded int
		already   int
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := r.Confirm(ctx, id.String())
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				succeeded++
			case errors.Is(err, ErrAlreadyConfirmed):
				already++
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, succeeded)
	assert.Equal(t, workers-1, already)
}

func TestGetErrors(t *testing.T) {
	r := New(storage.NewMemory(), zerolog.Nop())
	_, err := r.Get(context.Background(), "xyz")
	assert.ErrorIs(t, err, ErrMalformedID)
	_, err = r.Get(context.Background(), uuid.NewString())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestQueryInclusiveRange(t *testing.T) {
	ctx := context.Background()
	r := New(storage.NewMemory(), zerolog.Nop())
	for _, day := range []string{"2024-02-28", "2024-03-01", "2024-03-02", "2024-03-05"} {
		_, err := r.Record(ctx, spikeEvent(day))
		require.NoError(t, err)
	}

	from := time.Date(2024, 3, 1, 0, 0, 0, 0, time.UTC)
	to := time.Date(2024, 3, 2, 0, 0, 0, 0, time.UTC)
	events, err := r.Query(ctx, &from, &to)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, "2024-03-01", events[0].Date.Format(detection.DateLayout))
	assert.Equal(t, "2024-03-02", events[1].Date.Format(detection.DateLayout))

	all, err := r.Query(ctx, nil, nil)
	require.NoError(t, err)
	assert.Len(t, all, 4)

	capped, err := r.QueryLimit(ctx, nil, nil, 3)
	require.NoError(t, err)
	assert.Len(t, capped, 3)
}

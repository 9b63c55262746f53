package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func noopLogger() zerolog.Logger {
	return zerolog.Nop()
}

type recordedWaits struct {
	waits []time.Duration
}

func (r *recordedWaits) wait(ctx context.Context, d time.Duration) error {
	r.waits = append(r.waits, d)
	return ctx.Err()
}

// rateLimitedServer answers 429 for the first n requests and 200 afterwards.
func rateLimitedServer(t *testing.T, n int32) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) <= n {
			w.WriteHeader(http.StatusTooManyRequests)
			_ = json.NewEncoder(w).Encode(map[string]any{
				"success": false,
				"errors":  []map[string]string{{"errorType": "system", "message": "Too Many Requests"}},
			})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"hrv": []any{}})
	}))
	t.Cleanup(srv.Close)
	return srv, &calls
}

func TestBackoffRetriesThenSucceeds(t *testing.T) {
	for _, n := range []int32{0, 1, 3, 4} {
		srv, calls := rateLimitedServer(t, n)
		rec := &recordedWaits{}
		b := NewBackoff(srv.Client(), BackoffOptions{InitialBackoff: time.Second, MaxRetries: 5, Wait: rec.wait}, noopLogger())

		payload, err := b.Fetch(context.Background(), srv.URL)
		require.NoError(t, err, "n=%d", n)
		assert.JSONEq(t, `{"hrv":[]}`, string(payload))
		assert.Len(t, rec.waits, int(n))
		assert.Equal(t, n+1, calls.Load())
		for i, d := range rec.waits {
			assert.Equal(t, time.Second<<i, d)
		}
	}
}

func TestBackoffGivesUpAfterMaxRetries(t *testing.T) {
	for _, n := range []int32{5, 8} {
		srv, calls := rateLimitedServer(t, n)
		rec := &recordedWaits{}
		b := NewBackoff(srv.Client(), BackoffOptions{InitialBackoff: 2 * time.Second, MaxRetries: 5, Wait: rec.wait}, noopLogger())

		_, err := b.Fetch(context.Background(), srv.URL)
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrNotAvailable)

		var unavailable *UnavailableError
		require.True(t, errors.As(err, &unavailable))
		assert.True(t, unavailable.Transient)

		assert.Equal(t, []time.Duration{2 * time.Second, 4 * time.Second, 8 * time.Second, 16 * time.Second, 32 * time.Second}, rec.waits)
		assert.Equal(t, int32(5), calls.Load())
	}
}

func TestBackoffPayloadRateLimitIsRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			_ = json.NewEncoder(w).Encode(map[string]any{
				"success": false,
				"errors":  []map[string]string{{"message": "Too Many Requests"}},
			})
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	rec := &recordedWaits{}
	b := NewBackoff(srv.Client(), BackoffOptions{Wait: rec.wait}, noopLogger())
	_, err := b.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Equal(t, []time.Duration{2 * time.Second}, rec.waits)
}

func TestBackoffTerminalErrorsAreNotRetried(t *testing.T) {
	cases := map[string]http.HandlerFunc{
		"server error": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`{"errors":[{"message":"boom"}]}`))
		},
		"unauthorized": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"errors":[{"errorType":"invalid_token","message":"Access token expired"}]}`))
		},
		"success false": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`{"success":false,"errors":[{"message":"Bad Request"}]}`))
		},
		"malformed": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`<html>oops</html>`))
		},
	}

	for name, handler := range cases {
		t.Run(name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				calls.Add(1)
				handler(w, r)
			}))
			defer srv.Close()

			rec := &recordedWaits{}
			b := NewBackoff(srv.Client(), BackoffOptions{Wait: rec.wait}, noopLogger())
			_, err := b.Fetch(context.Background(), srv.URL)
			require.ErrorIs(t, err, ErrNotAvailable)

			var unavailable *UnavailableError
			require.True(t, errors.As(err, &unavailable))
			assert.False(t, unavailable.Transient)
			assert.Empty(t, rec.waits)
			assert.Equal(t, int32(1), calls.Load())
		})
	}
}

func TestBackoffHonorsCancellation(t *testing.T) {
	srv, _ := rateLimitedServer(t, 100)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	b := NewBackoff(srv.Client(), BackoffOptions{InitialBackoff: time.Hour}, noopLogger())
	start := time.Now()
	_, err := b.Fetch(ctx, srv.URL)
	require.ErrorIs(t, err, ErrNotAvailable)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestBackoffPostAcceptsCreated(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"subscriptionId":"1"}`))
	}))
	defer srv.Close()

	b := NewBackoff(srv.Client(), BackoffOptions{}, noopLogger())
	payload, err := b.Post(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.JSONEq(t, `{"subscriptionId":"1"}`, string(payload))
}

func TestAuthenticatedClientSendsBearer(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{}`))
	}))
	defer srv.Close()

	client := NewAuthenticatedClient(context.Background(), "secret", time.Second)
	b := NewBackoff(client, BackoffOptions{}, noopLogger())
	_, err := b.Fetch(context.Background(), srv.URL)
	require.NoError(t, err)
}

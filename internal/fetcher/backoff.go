package fetcher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const (
	tooManyRequestsMessage = "Too Many Requests"
	maxErrorBody           = 512
)

// ErrNotAvailable is matched by every error the backoff fetcher returns for
// data it could not obtain.
var ErrNotAvailable = errors.New("tracker data not available")

// UnavailableError describes why a payload could not be obtained.
type UnavailableError struct {
	URL       string
	Status    int
	Body      string
	Transient bool
	Err       error
}

func (e *UnavailableError) Error() string {
	var b strings.Builder
	b.WriteString("tracker data not available")
	if e.Transient {
		b.WriteString(" (rate limited)")
	}
	if e.Status != 0 {
		fmt.Fprintf(&b, " status=%d", e.Status)
	}
	fmt.Fprintf(&b, " url=%s", e.URL)
	if e.Err != nil {
		fmt.Fprintf(&b, ": %v", e.Err)
	}
	if e.Body != "" {
		fmt.Fprintf(&b, ": %s", e.Body)
	}
	return b.String()
}

func (e *UnavailableError) Unwrap() error { return e.Err }

// Is makes every UnavailableError match ErrNotAvailable.
func (e *UnavailableError) Is(target error) bool { return target == ErrNotAvailable }

// WaitFunc blocks for d or until ctx is done.
type WaitFunc func(ctx context.Context, d time.Duration) error

// BackoffOptions parameterise the retry policy.
type BackoffOptions struct {
	InitialBackoff time.Duration
	MaxRetries     int
	UserAgent      string
	Wait           WaitFunc
}

// Backoff issues requests against a rate-limited upstream, retrying on 429
// with exponentially growing waits.
type Backoff struct {
	opts   BackoffOptions
	client *http.Client
	logger zerolog.Logger
}

// NewBackoff wraps an authenticated client with the retry policy.
func NewBackoff(client *http.Client, opts BackoffOptions, logger zerolog.Logger) *Backoff {
	if client == nil {
		client = http.DefaultClient
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 2 * time.Second
	}
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 5
	}
	if opts.Wait == nil {
		opts.Wait = sleepContext
	}
	return &Backoff{
		opts:   opts,
		client: client,
		logger: logger.With().Str("component", "backoff_fetcher").Logger(),
	}
}

// Fetch GETs url and returns the payload. Only rate-limit responses are retried;
// after MaxRetries waits the fetcher gives up.
func (b *Backoff) Fetch(ctx context.Context, url string) (json.RawMessage, error) {
	return b.do(ctx, http.MethodGet, url)
}

// Post issues a POST with an empty body under the same retry policy.
func (b *Backoff) Post(ctx context.Context, url string) (json.RawMessage, error) {
	return b.do(ctx, http.MethodPost, url)
}

func (b *Backoff) do(ctx context.Context, method, url string) (json.RawMessage, error) {
	backoff := b.opts.InitialBackoff

	for retries := 0; retries < b.opts.MaxRetries; {
		status, payload, err := b.request(ctx, method, url)
		if err != nil {
			b.logger.Error().Err(err).Str("url", url).Msg("tracker request failed")
			return nil, &UnavailableError{URL: url, Err: err}
		}

		var env envelope
		decodeErr := json.Unmarshal(payload, &env)

		if status == http.StatusTooManyRequests || (decodeErr == nil && env.rateLimited()) {
			b.logger.Warn().Str("url", url).Dur("backoff", backoff).Int("retry", retries+1).Msg("rate limit hit, backing off")
			if err := b.opts.Wait(ctx, backoff); err != nil {
				return nil, &UnavailableError{URL: url, Status: status, Transient: true, Err: err}
			}
			backoff *= 2
			retries++
			continue
		}

		if decodeErr != nil {
			b.logger.Error().Int("status", status).Str("url", url).Str("body", excerpt(payload)).Msg("malformed tracker payload")
			return nil, &UnavailableError{URL: url, Status: status, Body: excerpt(payload), Err: fmt.Errorf("decode payload: %w", decodeErr)}
		}

		if accepted(method, status) && env.succeeded() {
			return json.RawMessage(payload), nil
		}

		b.logger.Error().Int("status", status).Str("url", url).Str("body", excerpt(payload)).Msg("tracker request rejected")
		return nil, &UnavailableError{URL: url, Status: status, Body: excerpt(payload)}
	}

	b.logger.Error().Str("url", url).Int("max_retries", b.opts.MaxRetries).Msg("max retries reached")
	return nil, &UnavailableError{URL: url, Status: http.StatusTooManyRequests, Transient: true, Err: errors.New("max retries reached")}
}

func (b *Backoff) request(ctx context.Context, method, url string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return 0, nil, err
	}
	req.Header.Set("Accept", "application/json")
	if ua := strings.TrimSpace(b.opts.UserAgent); ua != "" {
		req.Header.Set("User-Agent", ua)
	}

	resp, err := b.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return resp.StatusCode, nil, err
	}
	return resp.StatusCode, payload, nil
}

// envelope captures the error fields the tracker may embed in any payload.
type envelope struct {
	Success *bool `json:"success"`
	Errors  []struct {
		ErrorType string `json:"errorType"`
		Message   string `json:"message"`
	} `json:"errors"`
}

func (e envelope) succeeded() bool {
	return e.Success == nil || *e.Success
}

func (e envelope) rateLimited() bool {
	for _, item := range e.Errors {
		if item.Message == tooManyRequestsMessage {
			return true
		}
	}
	return false
}

// subscriptions answer 201 Created
func accepted(method string, status int) bool {
	if method == http.MethodPost {
		return status >= 200 && status < 300
	}
	return status == http.StatusOK
}

func excerpt(payload []byte) string {
	s := strings.TrimSpace(string(payload))
	if len(s) > maxErrorBody {
		return s[:maxErrorBody] + "..."
	}
	return s
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

var _ JSONFetcher = (*Backoff)(nil)

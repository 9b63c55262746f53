package fetcher

import (
	"context"
	"net/http"
	"time"

	"golang.org/x/oauth2"
)

// NewAuthenticatedClient returns an HTTP client that attaches the bearer token
// to every request. Obtaining and refreshing the token is the caller's concern.
func NewAuthenticatedClient(ctx context.Context, accessToken string, timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	base := &http.Client{Timeout: timeout}
	if accessToken == "" {
		return base
	}

	ctx = context.WithValue(ctx, oauth2.HTTPClient, base)
	client := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: accessToken,
		TokenType:   "Bearer",
	}))
	client.Timeout = timeout
	return client
}

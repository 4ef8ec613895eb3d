package graph

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	graphScope = "https://graph.microsoft.com/.default"

	// expirySkew retires a token this long before its reported expiry.
	expirySkew = 5 * time.Minute
)

// accessToken is one bearer token and the instant it stops being used.
type accessToken struct {
	value   string
	retires time.Time
}

func (t accessToken) usable(now time.Time) bool {
	return t.value != "" && now.Before(t.retires)
}

// tokenCache holds the client-credentials token for one application.
// Concurrent callers share a single in-flight refresh.
type tokenCache struct {
	endpoint string
	form     url.Values
	client   *http.Client
	now      func() time.Time

	mu      sync.Mutex
	current accessToken
}

func newTokenCache(tokenURL, clientID, clientSecret string, httpClient *http.Client) *tokenCache {
	return &tokenCache{
		endpoint: tokenURL,
		form: url.Values{
			"grant_type":    {"client_credentials"},
			"client_id":     {clientID},
			"client_secret": {clientSecret},
			"scope":         {graphScope},
		},
		client: httpClient,
		now:    time.Now,
	}
}

// Token returns the cached token, requesting a new one once it retires.
func (tc *tokenCache) Token(ctx context.Context) (string, error) {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	if tc.current.usable(tc.now()) {
		return tc.current.value, nil
	}
	return tc.acquire(ctx)
}

// ForceRefresh drops the cached token and requests a new one, for a token
// the API has rejected.
func (tc *tokenCache) ForceRefresh(ctx context.Context) (string, error) {
	tc.mu.Lock()
	defer tc.mu.Unlock()

	tc.current = accessToken{}
	return tc.acquire(ctx)
}

// acquire posts the client credentials to the token endpoint. tc.mu must be held.
func (tc *tokenCache) acquire(ctx context.Context) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tc.endpoint, strings.NewReader(tc.form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to create token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := tc.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("token request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read token response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		var oe oauthError
		if json.Unmarshal(body, &oe) == nil && oe.Code != "" {
			return "", fmt.Errorf("token endpoint returned %d: %w", resp.StatusCode, &oe)
		}
		return "", fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", fmt.Errorf("failed to parse token response: %w", err)
	}
	if tr.AccessToken == "" {
		return "", errors.New("token response missing access_token")
	}

	lifetime := time.Duration(tr.ExpiresIn) * time.Second
	tc.current = accessToken{
		value:   tr.AccessToken,
		retires: tc.now().Add(lifetime - expirySkew),
	}
	return tr.AccessToken, nil
}

package stt

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"
)

// TokenFetcher obtains a fresh provider auth token.
type TokenFetcher func(ctx context.Context) (string, error)

// TokenCache reuses a provider auth token for a fixed lifetime. Concurrent
// callers share one fetch.
type TokenCache struct {
	fetch TokenFetcher
	ttl   time.Duration
	now   func() time.Time

	mu      sync.Mutex
	token   string
	expires time.Time
}

// NewTokenCache creates a cache that refetches after ttl
func NewTokenCache(fetch TokenFetcher, ttl time.Duration) *TokenCache {
	return &TokenCache{fetch: fetch, ttl: ttl, now: time.Now}
}

// Get returns a cached token or fetches a new one
func (c *TokenCache) Get(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && c.now().Before(c.expires) {
		return c.token, nil
	}
	token, err := c.fetch(ctx)
	if err != nil {
		return "", fmt.Errorf("fetch stt token: %w", err)
	}
	c.token = token
	c.expires = c.now().Add(c.ttl)
	return token, nil
}

// Invalidate drops the cached token, for example after an auth failure
func (c *TokenCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = ""
	c.expires = time.Time{}
}

// AssemblyAITokenFetcher returns a fetcher for temporary streaming tokens
// valid for expiresIn.
func AssemblyAITokenFetcher(client *http.Client, baseURL, apiKey string, expiresIn time.Duration) TokenFetcher {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return func(ctx context.Context) (string, error) {
		url := fmt.Sprintf("%s/v3/token?expires_in_seconds=%d", baseURL, int(expiresIn.Seconds()))
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return "", err
		}
		req.Header.Set("Authorization", apiKey)

		resp, err := client.Do(req)
		if err != nil {
			return "", err
		}
		defer resp.Body.Close()

		if resp.StatusCode != http.StatusOK {
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			return "", fmt.Errorf("token request failed with status %d: %s", resp.StatusCode, string(body))
		}

		var out struct {
			Token string `json:"token"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
			return "", fmt.Errorf("decode token response: %w", err)
		}
		if out.Token == "" {
			return "", fmt.Errorf("token response missing token")
		}
		return out.Token, nil
	}
}

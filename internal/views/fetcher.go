package views

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"

	"judgesync/internal/cache"
)

const (
	DefaultFetchTimeout = 10 * time.Second
	maxBodySize         = 8 << 20
)

// Fetcher loads view data over HTTP
type Fetcher struct {
	httpClient *http.Client
}

// NewFetcher creates a Fetcher whose requests are bounded by timeout
func NewFetcher(timeout time.Duration) *Fetcher {
	if timeout <= 0 {
		timeout = DefaultFetchTimeout
	}
	transport := &http.Transport{
		MaxIdleConns:        20,
		MaxIdleConnsPerHost: 10,
		IdleConnTimeout:     90 * time.Second,
	}
	return &Fetcher{
		httpClient: &http.Client{
			Transport: transport,
			Timeout:   timeout,
		},
	}
}

// Fetch performs a GET against the view's URL
func (f *Fetcher) Fetch(ctx context.Context, v View) (cache.Snapshot, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, v.URL, nil)
	if err != nil {
		return cache.Snapshot{}, fmt.Errorf("failed to create HTTP request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	for k, val := range v.Headers {
		req.Header.Set(k, val)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return cache.Snapshot{}, fmt.Errorf("HTTP request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodySize))
	if err != nil {
		return cache.Snapshot{}, fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return cache.Snapshot{}, fmt.Errorf("HTTP error %d: %s", resp.StatusCode, string(body))
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "application/json"
	}
	return cache.Snapshot{
		Data:        body,
		ContentType: contentType,
		FetchedAt:   time.Now(),
	}, nil
}

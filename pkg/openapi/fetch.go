package openapi

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// maxSpecSize caps fetched documents at 10 MiB.
const maxSpecSize = 10 << 20

// HTTPFetcher retrieves OpenAPI documents over HTTP.
type HTTPFetcher struct {
	Client *http.Client
}

// NewHTTPFetcher creates a fetcher with a 30 s timeout.
func NewHTTPFetcher() *HTTPFetcher {
	return &HTTPFetcher{Client: &http.Client{Timeout: 30 * time.Second}}
}

// Fetch downloads a spec document.
func (f *HTTPFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("build spec request: %w", err)
	}
	req.Header.Set("Accept", "application/json, application/yaml, text/yaml")

	resp, err := f.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch spec: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch spec: upstream returned %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxSpecSize+1))
	if err != nil {
		return nil, fmt.Errorf("read spec body: %w", err)
	}
	if len(body) > maxSpecSize {
		return nil, fmt.Errorf("spec document exceeds %d bytes", maxSpecSize)
	}
	return body, nil
}

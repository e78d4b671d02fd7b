package geoapi

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"time"
)

// Client probes the vector-tile API for published collections. Freshly
// written result layers take a moment to appear, so the probe retries a
// fixed number of times before giving up.
type Client struct {
	baseURL       string
	httpClient    *http.Client
	retries       int
	retryInterval time.Duration
}

type Option func(*Client)

func WithRetries(retries int, interval time.Duration) Option {
	return func(c *Client) {
		if retries > 0 {
			c.retries = retries
		}
		if interval > 0 {
			c.retryInterval = interval
		}
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

func NewClient(baseURL string, opts ...Option) *Client {
	client := &Client{
		baseURL:       baseURL,
		httpClient:    &http.Client{Timeout: 10 * time.Second},
		retries:       30,
		retryInterval: 3 * time.Second,
	}
	for _, opt := range opts {
		opt(client)
	}
	return client
}

// CollectionExists checks whether the collection is served right now.
func (c *Client) CollectionExists(ctx context.Context, collectionID string) (bool, error) {
	url := fmt.Sprintf("%s/collections/%s", c.baseURL, collectionID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return false, fmt.Errorf("build collection request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("probe collection %s: %w", collectionID, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
		return true, nil
	case resp.StatusCode == http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("probe collection %s: unexpected status %d", collectionID, resp.StatusCode)
	}
}

// WaitForCollection polls until the collection is reachable or the retry
// budget is spent.
func (c *Client) WaitForCollection(ctx context.Context, collectionID string) error {
	var lastErr error
	for attempt := 0; attempt < c.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.retryInterval):
			}
		}
		exists, err := c.CollectionExists(ctx, collectionID)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			lastErr = err
			log.Printf("[geoapi] probe attempt %d for %s: %v", attempt+1, collectionID, err)
			continue
		}
		if exists {
			return nil
		}
		lastErr = fmt.Errorf("collection %s not published yet", collectionID)
	}
	return fmt.Errorf("collection %s unreachable after %d attempts: %w", collectionID, c.retries, lastErr)
}

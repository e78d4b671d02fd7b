package routing

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"time"
)

// IsochroneRequest is the payload sent to the routing engine. The engine's
// internals are opaque to this service; it just returns reachable areas.
type IsochroneRequest struct {
	RoutingMode string      `json:"routing_mode"`
	Latitude    []float64   `json:"latitude"`
	Longitude   []float64   `json:"longitude"`
	TravelCost  TravelCost  `json:"travel_cost"`
}

// TravelCost bounds the isochrone computation.
type TravelCost struct {
	MaxTraveltime int `json:"max_traveltime"`
	Steps         int `json:"steps"`
	Speed         int `json:"speed,omitempty"`
}

// IsochroneFeature is one reachable-area polygon with its travel cost.
type IsochroneFeature struct {
	Geometry   json.RawMessage `json:"geometry"`
	TravelCost int             `json:"travel_cost"`
}

type isochroneResponse struct {
	Features []IsochroneFeature `json:"features"`
}

// Client calls the routing engine over HTTP with bounded retries.
type Client struct {
	baseURL       string
	authToken     string
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

func WithAuthToken(token string) Option {
	return func(c *Client) {
		c.authToken = token
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
		httpClient:    &http.Client{Timeout: 60 * time.Second},
		retries:       10,
		retryInterval: 3 * time.Second,
	}
	for _, opt := range opts {
		opt(client)
	}
	return client
}

// ComputeIsochrones requests reachable areas for the given starting points.
func (c *Client) ComputeIsochrones(ctx context.Context, req IsochroneRequest) ([]IsochroneFeature, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal isochrone request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt < c.retries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(c.retryInterval):
			}
		}
		features, err := c.post(ctx, body)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			log.Printf("[routing] isochrone attempt %d: %v", attempt+1, err)
			continue
		}
		return features, nil
	}
	return nil, fmt.Errorf("routing engine unreachable after %d attempts: %w", c.retries, lastErr)
}

func (c *Client) post(ctx context.Context, body []byte) ([]IsochroneFeature, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/isochrone", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build isochrone request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.authToken != "" {
		req.Header.Set("Authorization", c.authToken)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call routing engine: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("routing engine returned %d: %s", resp.StatusCode, payload)
	}

	var decoded isochroneResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("decode isochrone response: %w", err)
	}
	return decoded.Features, nil
}

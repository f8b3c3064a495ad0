package search

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"time"
)

// Client is a JSON-over-HTTP Provider for search APIs that accept
// q/country/hl/type query parameters and return {"results": [...]}.
type Client struct {
	endpoint string
	apiKey   string
	client   *http.Client
}

// NewClient builds a Client for the given API endpoint.
func NewClient(endpoint, apiKey string) *Client {
	return &Client{
		endpoint: endpoint,
		apiKey:   apiKey,
		client:   &http.Client{Timeout: 20 * time.Second},
	}
}

type searchResponse struct {
	Results []Result `json:"results"`
}

// Search runs one query. Malformed response bodies are logged and come
// back empty; non-2xx statuses are errors because an auth or rate-limit
// failure likely affects every subsequent query.
func (c *Client) Search(ctx context.Context, query string, opts Options) ([]Result, error) {
	u, err := url.Parse(c.endpoint)
	if err != nil {
		return nil, fmt.Errorf("bad search endpoint: %w", err)
	}
	params := u.Query()
	params.Set("q", query)
	if opts.Country != "" {
		params.Set("country", opts.Country)
	}
	if opts.Language != "" {
		params.Set("hl", opts.Language)
	}
	if opts.ResultType != "" {
		params.Set("type", string(opts.ResultType))
	}
	u.RawQuery = params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, err
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read search response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("search api status %d for %q", resp.StatusCode, query)
	}

	var parsed searchResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		log.Printf("search: malformed response for %q: %v", query, err)
		return nil, nil
	}
	var results []Result
	for _, r := range parsed.Results {
		if r.URL == "" {
			continue
		}
		results = append(results, r)
	}
	return results, nil
}

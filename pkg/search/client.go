// Package search implements the web search collaborator against a
// SearxNG-style JSON endpoint.
package search

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"golang.org/x/time/rate"

	"github.com/euglena-ai/euglena/pkg/action"
	"github.com/euglena-ai/euglena/pkg/config"
)

// Client queries the search service. It satisfies action.SearchProvider.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewClient builds a search client from configuration.
func NewClient(cfg *config.SearchConfig) *Client {
	c := &Client{
		baseURL:    cfg.BaseURL,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
	if cfg.RequestsPerSecond > 0 {
		c.limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), cfg.Burst)
	}
	return c
}

// OverrideHTTPClientForTest swaps the HTTP client; used by tests.
func (c *Client) OverrideHTTPClientForTest(httpClient *http.Client) {
	c.httpClient = httpClient
}

type searchResponse struct {
	Results []struct {
		Title   string `json:"title"`
		URL     string `json:"url"`
		Content string `json:"content"`
	} `json:"results"`
}

// Search runs one query and returns up to n hits.
func (c *Client) Search(ctx context.Context, query string, n int) ([]action.SearchHit, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	q := url.Values{}
	q.Set("q", query)
	q.Set("format", "json")
	endpoint := fmt.Sprintf("%s/search?%s", c.baseURL, q.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("building search request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusBadRequest {
		return nil, action.Permanent(fmt.Errorf("search returned HTTP %d for %q", resp.StatusCode, query))
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search returned HTTP %d for %q", resp.StatusCode, query)
	}

	var body searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("decoding search response: %w", err)
	}

	hits := make([]action.SearchHit, 0, n)
	for _, r := range body.Results {
		if len(hits) >= n {
			break
		}
		hits = append(hits, action.SearchHit{
			Title:       r.Title,
			URL:         r.URL,
			Description: r.Content,
		})
	}
	return hits, nil
}

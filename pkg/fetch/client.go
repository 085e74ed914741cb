// Package fetch implements the page extraction collaborator: a service that
// fetches a URL and returns its main content as markdown.
package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"golang.org/x/time/rate"

	"github.com/euglena-ai/euglena/pkg/action"
	"github.com/euglena-ai/euglena/pkg/config"
)

// Client calls the extraction service. It satisfies action.PageFetcher.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
}

// NewClient builds a fetch client from configuration.
func NewClient(cfg *config.FetchConfig) *Client {
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

type extractRequest struct {
	URL string `json:"url"`
}

type extractResponse struct {
	URL      string `json:"url"`
	Title    string `json:"title"`
	Markdown string `json:"markdown"`
}

// Fetch extracts the main content of one URL.
func (c *Client) Fetch(ctx context.Context, pageURL string) (*action.Page, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}
	body, err := json.Marshal(extractRequest{URL: pageURL})
	if err != nil {
		return nil, fmt.Errorf("marshaling extract request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/extract", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("building extract request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("extract request: %w", err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		// The page itself is bad (blocked, 404, unsupported type). Retrying
		// will not help.
		return nil, action.Permanent(fmt.Errorf("extract returned HTTP %d for %s", resp.StatusCode, pageURL))
	default:
		return nil, fmt.Errorf("extract returned HTTP %d for %s", resp.StatusCode, pageURL)
	}

	var out extractResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decoding extract response: %w", err)
	}
	if out.Markdown == "" {
		return nil, action.Permanent(fmt.Errorf("extract returned empty content for %s", pageURL))
	}

	page := &action.Page{URL: out.URL, Title: out.Title, Content: out.Markdown}
	if page.URL == "" {
		page.URL = pageURL
	}
	return page, nil
}

package fetch

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/euglena-ai/euglena/pkg/action"
	"github.com/euglena-ai/euglena/pkg/config"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := config.DefaultFetchConfig()
	cfg.BaseURL = srv.URL
	return NewClient(cfg)
}

func TestFetchExtractsPage(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/extract", r.URL.Path)

		var req struct {
			URL string `json:"url"`
		}
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "https://en.wikipedia.org/wiki/Giant_panda", req.URL)

		_, _ = w.Write([]byte(`{"url": "https://en.wikipedia.org/wiki/Giant_panda",
			"title": "Giant panda", "markdown": "Pandas eat bamboo."}`))
	})

	page, err := c.Fetch(context.Background(), "https://en.wikipedia.org/wiki/Giant_panda")
	require.NoError(t, err)
	assert.Equal(t, "Giant panda", page.Title)
	assert.Equal(t, "Pandas eat bamboo.", page.Content)
}

func TestFetchClientErrorIsPermanent(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	_, err := c.Fetch(context.Background(), "https://example.com/missing")
	require.Error(t, err)
	assert.False(t, action.Retryable(err))
}

func TestFetchEmptyContentIsPermanent(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"url": "https://example.com", "markdown": ""}`))
	})

	_, err := c.Fetch(context.Background(), "https://example.com")
	require.Error(t, err)
	assert.False(t, action.Retryable(err))
}

func TestFetchServerErrorIsRetryable(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	})

	_, err := c.Fetch(context.Background(), "https://example.com")
	require.Error(t, err)
	assert.True(t, action.Retryable(err))
}

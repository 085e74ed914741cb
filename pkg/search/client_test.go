package search

import (
	"context"
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

	cfg := config.DefaultSearchConfig()
	cfg.BaseURL = srv.URL
	return NewClient(cfg)
}

func TestSearchParsesResults(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "panda diet", r.URL.Query().Get("q"))
		assert.Equal(t, "json", r.URL.Query().Get("format"))
		_, _ = w.Write([]byte(`{"results": [
			{"title": "Giant panda", "url": "https://en.wikipedia.org/wiki/Giant_panda", "content": "bamboo"},
			{"title": "Panda diet", "url": "https://example.com/diet", "content": "what pandas eat"},
			{"title": "Extra", "url": "https://example.com/extra", "content": "x"}
		]}`))
	})

	hits, err := c.Search(context.Background(), "panda diet", 2)
	require.NoError(t, err)
	require.Len(t, hits, 2, "results are capped at n")
	assert.Equal(t, "Giant panda", hits[0].Title)
	assert.Equal(t, "bamboo", hits[0].Description)
}

func TestSearchBadRequestIsPermanent(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
	})

	_, err := c.Search(context.Background(), "", 5)
	require.Error(t, err)
	assert.False(t, action.Retryable(err))
}

func TestSearchServerErrorIsRetryable(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	})

	_, err := c.Search(context.Background(), "panda", 5)
	require.Error(t, err)
	assert.True(t, action.Retryable(err))
}

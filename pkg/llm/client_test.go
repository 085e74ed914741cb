package llm

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/euglena-ai/euglena/pkg/config"
	"github.com/euglena-ai/euglena/pkg/telemetry"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := config.DefaultLLMConfig()
	cfg.BaseURL = srv.URL + "/v1"
	cfg.APIKey = "test-key"
	return NewClient(cfg)
}

func completionHandler(content string, promptTokens, completionTokens int) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprintf(w, `{
			"id": "cmpl-1", "object": "chat.completion", "model": "gpt-4o-mini",
			"choices": [{"index": 0, "message": {"role": "assistant", "content": %q}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": %d, "completion_tokens": %d, "total_tokens": %d}
		}`, content, promptTokens, completionTokens, promptTokens+completionTokens)
	}
}

func TestCompleteCountsTokensOnce(t *testing.T) {
	c := newTestClient(t, completionHandler("bamboo", 10, 5))

	sess, err := telemetry.NewSession("corr-1", "")
	require.NoError(t, err)
	traced := c.WithTrace(sess)

	promptBefore := testutil.ToFloat64(telemetry.LLMTokens.WithLabelValues("prompt"))
	completionBefore := testutil.ToFloat64(telemetry.LLMTokens.WithLabelValues("completion"))

	out, err := traced.Complete(context.Background(), "system", "user")
	require.NoError(t, err)
	assert.Equal(t, "bamboo", out)

	// Tracing mirrors usage into the session; the process counter moves by
	// exactly the reported usage.
	assert.InDelta(t, 10,
		testutil.ToFloat64(telemetry.LLMTokens.WithLabelValues("prompt"))-promptBefore, 1e-9)
	assert.InDelta(t, 5,
		testutil.ToFloat64(telemetry.LLMTokens.WithLabelValues("completion"))-completionBefore, 1e-9)

	counters := sess.Counters()
	assert.Equal(t, 1, counters.LLMCalls)
	assert.Equal(t, 10, counters.PromptTokens)
	assert.Equal(t, 5, counters.CompletionTokens)
}

func TestCompleteEmptyChoices(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id": "cmpl-2", "object": "chat.completion", "choices": []}`))
	})

	_, err := c.Complete(context.Background(), "system", "user")
	assert.ErrorIs(t, err, ErrEmptyCompletion)
}

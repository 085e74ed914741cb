package slack

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"unicode/utf8"

	goslack "github.com/slack-go/slack"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewServiceRequiresTokenAndChannel(t *testing.T) {
	assert.Nil(t, NewService(ServiceConfig{Token: "", Channel: "C1"}))
	assert.Nil(t, NewService(ServiceConfig{Token: "xoxb-x", Channel: ""}))
	assert.NotNil(t, NewService(ServiceConfig{Token: "xoxb-x", Channel: "C1"}))
}

func TestNilServiceIsNoop(t *testing.T) {
	var s *Service
	// Must not panic.
	s.NotifyTaskTerminal(context.Background(), TaskTerminalInput{CorrelationID: "x"})
}

func TestNotifyTaskTerminalPostsMessage(t *testing.T) {
	var captured string
	mock := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseForm())
		captured = r.FormValue("blocks")
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"ok":true,"channel":"C1","ts":"1724500000.000100"}`))
	}))
	defer mock.Close()

	client := NewClientWithAPIURL("xoxb-test", "C1", mock.URL+"/")
	s := NewServiceWithClient(client, "https://dash.example.com")

	s.NotifyTaskTerminal(context.Background(), TaskTerminalInput{
		CorrelationID: "11111111-2222-3333-4444-555555555555",
		Mandate:       "what do pandas eat",
		Status:        "completed",
		Success:       true,
		Ticks:         6,
		Deliverable:   "Giant pandas eat bamboo almost exclusively.",
	})

	require.NotEmpty(t, captured, "chat.postMessage must carry blocks")
	assert.Contains(t, captured, "what do pandas eat")
	assert.Contains(t, captured, "bamboo")
	assert.Contains(t, captured, "dash.example.com/tasks/11111111-2222-3333-4444-555555555555")
}

func TestBuildTerminalMessageErrorBranch(t *testing.T) {
	blocks := BuildTerminalMessage(TaskTerminalInput{
		CorrelationID: "abc",
		Mandate:       "m",
		Status:        "error",
		Error:         "engine invariant violation",
	}, "")
	require.NotEmpty(t, blocks)

	header, ok := blocks[0].(*goslack.HeaderBlock)
	require.True(t, ok)
	assert.Contains(t, header.Text.Text, "error")
}

func TestTruncateAddsEllipsis(t *testing.T) {
	long := strings.Repeat("a", 600)
	got := truncate(long, 500)
	assert.Len(t, got, 503) // 500 bytes plus the multibyte ellipsis
	assert.True(t, strings.HasSuffix(got, "…"))

	// Multi-byte input stays valid UTF-8 after the cut.
	wide := truncate(strings.Repeat("熊", 200), 500)
	assert.True(t, utf8.ValidString(wide))
	assert.True(t, strings.HasSuffix(wide, "…"))
}

package api

import (
	"bufio"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/euglena-ai/euglena/pkg/contract"
	"github.com/euglena-ai/euglena/pkg/taskstore"
)

// readEvent scans one SSE event, returning its name and data line.
func readEvent(t *testing.T, r *bufio.Reader) (event, data string) {
	t.Helper()
	for {
		line, err := r.ReadString('\n')
		require.NoError(t, err)
		line = strings.TrimRight(line, "\n")
		switch {
		case strings.HasPrefix(line, "event: "):
			event = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			data = strings.TrimPrefix(line, "data: ")
		case strings.HasPrefix(line, ":"):
			// keep-alive comment
		case line == "":
			if event != "" || data != "" {
				return event, data
			}
		}
	}
}

func TestStreamTaskLiveUpdates(t *testing.T) {
	store := newFakeStore()
	store.tasks["task-1"] = &taskstore.Task{
		CorrelationID: "task-1",
		Mandate:       "what do pandas eat",
		State:         contract.TaskInProgress,
		Tick:          1,
		Seq:           2,
	}
	srv := newTestServer(t, testServerConfig(), store, &fakePublisher{}, nil)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/v1/tasks/task-1/stream")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	event, data := readEvent(t, reader)
	assert.Equal(t, "snapshot", event)
	assert.Contains(t, data, `"state":"in_progress"`)

	// The subscription is live once the snapshot is out.
	go func() {
		for i := 0; i < 50; i++ {
			srv.StatusHub().Publish(contract.StatusEnvelope{
				Type:          contract.StatusCompleted,
				CorrelationID: "task-1",
				Seq:           3,
				Tick:          4,
				Result:        &contract.TaskResult{Success: true, FinalDeliverable: "bamboo"},
			})
			time.Sleep(10 * time.Millisecond)
		}
	}()

	event, data = readEvent(t, reader)
	assert.Equal(t, "status", event)
	assert.Contains(t, data, `"bamboo"`)

	// A terminal envelope closes the stream.
	_, err = io.ReadAll(reader)
	assert.NoError(t, err)
}

func TestStreamTerminalTaskClosesAfterSnapshot(t *testing.T) {
	store := newFakeStore()
	store.tasks["task-2"] = &taskstore.Task{
		CorrelationID: "task-2",
		Mandate:       "done already",
		State:         contract.TaskCompleted,
		Result:        &contract.TaskResult{Success: true, FinalDeliverable: "answer"},
	}
	srv := newTestServer(t, testServerConfig(), store, &fakePublisher{}, nil)

	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/v1/tasks/task-2/stream")
	require.NoError(t, err)
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	event, data := readEvent(t, reader)
	assert.Equal(t, "snapshot", event)
	assert.Contains(t, data, `"answer"`)

	rest, err := io.ReadAll(reader)
	require.NoError(t, err)
	assert.Empty(t, rest)
}

func TestStreamUnknownTask(t *testing.T) {
	srv := newTestServer(t, testServerConfig(), newFakeStore(), &fakePublisher{}, nil)
	ts := httptest.NewServer(srv.Router())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/api/v1/tasks/unknown/stream")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

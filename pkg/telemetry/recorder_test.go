package telemetry

import (
	"bufio"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionAppendsInOrder(t *testing.T) {
	s, err := NewSession("corr-1", "")
	require.NoError(t, err)

	s.Record("custom", map[string]any{"n": 1})
	s.RecordTiming("search", 120*time.Millisecond)
	s.DocumentSeen("https://example.org")

	events := s.Snapshot()
	require.Len(t, events, 3)
	assert.Equal(t, "custom", events[0].Event)
	assert.Equal(t, EventTiming, events[1].Event)
	assert.Equal(t, EventDocumentSeen, events[2].Event)
	assert.Equal(t, 1, s.Counters().DocumentsSeen)
}

func TestSessionCounters(t *testing.T) {
	s, err := NewSession("corr-2", "")
	require.NoError(t, err)

	s.VectorStore(3)
	s.VectorRetrieve(2)
	s.LLMUsage(100, 50)
	s.LLMUsage(10, 5)

	c := s.Counters()
	assert.Equal(t, 3, c.VectorWrites)
	assert.Equal(t, 2, c.VectorReads)
	assert.Equal(t, 2, c.LLMCalls)
	assert.Equal(t, 110, c.PromptTokens)
	assert.Equal(t, 55, c.CompletionTokens)
}

func TestSessionTraceFile(t *testing.T) {
	dir := t.TempDir()
	s, err := NewSession("corr-3", dir)
	require.NoError(t, err)

	s.Record("custom", map[string]any{"k": "v"})
	require.NoError(t, s.Finalize(map[string]any{"success": true}))

	f, err := os.Open(filepath.Join(dir, "corr-3.ndjson"))
	require.NoError(t, err)
	defer f.Close()

	var lines []Event
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		var ev Event
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &ev))
		lines = append(lines, ev)
	}
	require.NoError(t, scanner.Err())

	require.Len(t, lines, 2)
	assert.Equal(t, "custom", lines[0].Event)
	assert.Equal(t, EventSummary, lines[1].Event)
	assert.Equal(t, true, lines[1].Payload["success"])
}

func TestSessionFinalizeIsTerminal(t *testing.T) {
	s, err := NewSession("corr-4", "")
	require.NoError(t, err)
	require.NoError(t, s.Finalize(nil))

	// Appends after finalize are dropped; double-finalize is a no-op.
	s.Record("late", nil)
	require.NoError(t, s.Finalize(nil))
	events := s.Snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, EventSummary, events[0].Event)
}

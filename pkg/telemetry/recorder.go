// Package telemetry provides the per-mandate trace recorder and the
// process-wide Prometheus metrics. A Session is an append-only sequence of
// events plus typed counters, optionally mirrored to a newline-delimited JSON
// trace file. A single sequenced writer appends; consumers read snapshots.
package telemetry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Event names used across the system.
const (
	EventTiming         = "timing"
	EventDocumentSeen   = "document_seen"
	EventChromaStore    = "chroma_store"
	EventChromaRetrieve = "chroma_retrieve"
	EventLLMUsage       = "llm_usage"
	EventSummary        = "summary"
)

// maxBufferedEvents bounds the in-memory ring. The trace file, when enabled,
// always receives every event.
const maxBufferedEvents = 4096

// Event is one trace line: {ts, event, payload}.
type Event struct {
	TS      time.Time      `json:"ts"`
	Event   string         `json:"event"`
	Payload map[string]any `json:"payload,omitempty"`
}

// Counters aggregates per-session activity.
type Counters struct {
	DocumentsSeen    int `json:"documents_seen"`
	VectorWrites     int `json:"vector_writes"`
	VectorReads      int `json:"vector_reads"`
	LLMCalls         int `json:"llm_calls"`
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// Session records the trace for one correlation id.
type Session struct {
	correlationID string

	mu       sync.Mutex
	events   []Event
	dropped  int
	counters Counters
	file     *os.File
	enc      *json.Encoder
	done     bool
}

// NewSession creates a recorder for the given correlation id. When traceDir
// is non-empty the trace is mirrored to <traceDir>/<correlation_id>.ndjson.
func NewSession(correlationID, traceDir string) (*Session, error) {
	s := &Session{correlationID: correlationID}
	if traceDir != "" {
		if err := os.MkdirAll(traceDir, 0o755); err != nil {
			return nil, fmt.Errorf("creating trace dir: %w", err)
		}
		path := filepath.Join(traceDir, correlationID+".ndjson")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, fmt.Errorf("opening trace file: %w", err)
		}
		s.file = f
		s.enc = json.NewEncoder(f)
	}
	return s, nil
}

// CorrelationID returns the id this session traces.
func (s *Session) CorrelationID() string { return s.correlationID }

// Record appends an event with the given payload.
func (s *Session) Record(event string, payload map[string]any) {
	s.append(Event{TS: time.Now().UTC(), Event: event, Payload: payload})
}

// RecordTiming appends a timing event for a named operation.
func (s *Session) RecordTiming(name string, d time.Duration) {
	s.Record(EventTiming, map[string]any{"name": name, "ms": d.Milliseconds()})
}

// DocumentSeen counts a fetched or retrieved document.
func (s *Session) DocumentSeen(url string) {
	s.mu.Lock()
	s.counters.DocumentsSeen++
	s.mu.Unlock()
	s.Record(EventDocumentSeen, map[string]any{"url": url})
}

// VectorStore counts a write of n documents to the vector store.
func (s *Session) VectorStore(n int) {
	s.mu.Lock()
	s.counters.VectorWrites += n
	s.mu.Unlock()
	s.Record(EventChromaStore, map[string]any{"count": n})
}

// VectorRetrieve counts a retrieval of n documents from the vector store.
func (s *Session) VectorRetrieve(n int) {
	s.mu.Lock()
	s.counters.VectorReads += n
	s.mu.Unlock()
	s.Record(EventChromaRetrieve, map[string]any{"count": n})
}

// LLMUsage records token usage for one LLM call.
func (s *Session) LLMUsage(promptTokens, completionTokens int) {
	s.mu.Lock()
	s.counters.LLMCalls++
	s.counters.PromptTokens += promptTokens
	s.counters.CompletionTokens += completionTokens
	s.mu.Unlock()
	s.Record(EventLLMUsage, map[string]any{
		"prompt_tokens":     promptTokens,
		"completion_tokens": completionTokens,
	})
}

// Snapshot returns a copy of the buffered events.
func (s *Session) Snapshot() []Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Event, len(s.events))
	copy(out, s.events)
	return out
}

// Counters returns a copy of the aggregated counters.
func (s *Session) Counters() Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counters
}

// Finalize appends a summary event carrying the counters plus any extra
// payload, then closes the trace file. Further appends are dropped.
func (s *Session) Finalize(extra map[string]any) error {
	s.mu.Lock()
	if s.done {
		s.mu.Unlock()
		return nil
	}
	payload := map[string]any{"counters": s.counters, "dropped_events": s.dropped}
	for k, v := range extra {
		payload[k] = v
	}
	s.mu.Unlock()

	s.Record(EventSummary, payload)

	s.mu.Lock()
	defer s.mu.Unlock()
	s.done = true
	if s.file != nil {
		if err := s.file.Close(); err != nil {
			return fmt.Errorf("closing trace file: %w", err)
		}
		s.file = nil
		s.enc = nil
	}
	return nil
}

func (s *Session) append(ev Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.done {
		return
	}
	if len(s.events) >= maxBufferedEvents {
		s.events = s.events[1:]
		s.dropped++
	}
	s.events = append(s.events, ev)
	if s.enc != nil {
		// Best-effort: a trace write failure never fails the engine.
		_ = s.enc.Encode(ev)
	}
}

// Package action implements the four leaf actions (search, visit, think,
// save) behind a capability-set interface, plus the registry mapping action
// types to implementations. Actions receive the DAG node carrying their
// inputs and an IO bundle exposing the external collaborators.
package action

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/euglena-ai/euglena/pkg/dag"
	"github.com/euglena-ai/euglena/pkg/telemetry"
)

// Sentinel errors.
var (
	// ErrUnknownAction is returned when no implementation is registered for
	// an action type.
	ErrUnknownAction = errors.New("action: unknown action type")

	// ErrMissingInput is returned when a required detail is absent.
	ErrMissingInput = errors.New("action: missing required input")
)

// permanentError marks an error as non-retryable (malformed input, 4xx,
// blocked domain). Everything else is treated as transient.
type permanentError struct{ err error }

func (e *permanentError) Error() string { return e.err.Error() }
func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err so Retryable reports false for it.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// Retryable reports whether err should be retried at the action layer.
// Context cancellation and permanent errors are not retryable.
func Retryable(err error) bool {
	if err == nil {
		return false
	}
	var pe *permanentError
	if errors.As(err, &pe) {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	return true
}

// SearchHit is one result from the search provider.
type SearchHit struct {
	Title       string `json:"title"`
	URL         string `json:"url"`
	Description string `json:"description"`
}

// SearchProvider queries the web search collaborator.
type SearchProvider interface {
	Search(ctx context.Context, query string, n int) ([]SearchHit, error)
}

// Page is extracted main content for one URL.
type Page struct {
	URL     string `json:"url"`
	Title   string `json:"title,omitempty"`
	Content string `json:"content"`
}

// PageFetcher fetches a URL and extracts its main content.
type PageFetcher interface {
	Fetch(ctx context.Context, url string) (*Page, error)
}

// VectorStore persists and retrieves documents for memory.
type VectorStore interface {
	Add(ctx context.Context, ids, documents []string, metadatas []map[string]any) error
	Query(ctx context.Context, queries []string, nResults int) ([][]string, error)
}

// ChatModel is the LLM chat collaborator.
type ChatModel interface {
	// Complete returns free-text output for a system/user prompt pair.
	Complete(ctx context.Context, system, user string) (string, error)
	// CompleteJSON returns output constrained to a single JSON object.
	CompleteJSON(ctx context.Context, system, user string) (string, error)
}

// IO bundles the external collaborators handed to each action, plus the
// telemetry session for the running mandate. Trace may be nil.
type IO struct {
	Search  SearchProvider
	Fetch   PageFetcher
	Vectors VectorStore
	Chat    ChatModel
	Trace   *telemetry.Session
}

// Result is the outcome of one action execution. On failure, Retryable
// decides between BLOCKED-with-cooldown and terminal FAILED.
type Result struct {
	Success   bool
	Retryable bool
	Err       error
	Payload   map[string]any
}

func success(payload map[string]any) Result {
	return Result{Success: true, Payload: payload}
}

func failure(err error) Result {
	return Result{Success: false, Retryable: Retryable(err), Err: err}
}

// Action is the capability set of one leaf action.
type Action interface {
	// Type identifies the action.
	Type() dag.ActionType
	// Validate checks the node carries the required inputs.
	Validate(n *dag.Node) error
	// Fingerprint returns a stable key over the action's normalized inputs,
	// used for memoization and idempotent retries.
	Fingerprint(n *dag.Node) string
	// Execute performs the action.
	Execute(ctx context.Context, n *dag.Node, io IO) Result
}

// Registry maps action types to implementations.
type Registry struct {
	actions map[dag.ActionType]Action
}

// NewRegistry returns a registry with all four leaf actions registered.
func NewRegistry() *Registry {
	r := &Registry{actions: make(map[dag.ActionType]Action)}
	for _, a := range []Action{&searchAction{}, &visitAction{}, &thinkAction{}, &saveAction{}} {
		r.actions[a.Type()] = a
	}
	return r
}

// Get returns the implementation for an action type.
func (r *Registry) Get(t dag.ActionType) (Action, error) {
	a, ok := r.actions[t]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAction, t)
	}
	return a, nil
}

// fingerprint hashes the action type plus its normalized inputs.
func fingerprint(t dag.ActionType, inputs map[string]any) string {
	b, _ := json.Marshal(inputs)
	sum := sha256.Sum256(append([]byte(t), b...))
	return string(t) + ":" + hex.EncodeToString(sum[:8])
}

// --- detail readers ---

func stringDetail(n *dag.Node, key dag.DetailKey) string {
	if v, ok := n.Details[key].(string); ok {
		return strings.TrimSpace(v)
	}
	return ""
}

func intDetail(n *dag.Node, key dag.DetailKey, def int) int {
	switch v := n.Details[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return def
	}
}

func stringsDetail(n *dag.Node, key dag.DetailKey) []string {
	switch v := n.Details[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, e := range v {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}

func mapsDetail(n *dag.Node, key dag.DetailKey) []map[string]any {
	switch v := n.Details[key].(type) {
	case []map[string]any:
		return v
	case []any:
		out := make([]map[string]any, 0, len(v))
		for _, e := range v {
			if m, ok := e.(map[string]any); ok {
				out = append(out, m)
			}
		}
		return out
	default:
		return nil
	}
}

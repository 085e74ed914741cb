// Package policy holds the pluggable strategies driving the reasoning
// engine: expansion, evaluation, selection, decomposition, merge, and
// memoization. Each policy is a narrow interface parameterized by Settings;
// the engine composes them without knowing the concrete implementations.
package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/euglena-ai/euglena/pkg/config"
	"github.com/euglena-ai/euglena/pkg/dag"
)

// Settings is the flat strategy parameter map, loaded once at startup.
type Settings struct {
	MaxDepth               int
	MaxChildren            int
	DecompositionThreshold float64
	AllowUnscoredSelection bool
	MinScoreThreshold      float64
	EnableRecursiveMerge   bool
	ActionMaxRetries       int

	// ActionRetryBackoffSteps is the cooldown ladder: attempt k waits
	// steps[min(k-1, len-1)]. Steps grow exponentially by default.
	ActionRetryBackoffSteps []time.Duration
}

// DefaultSettings returns the built-in strategy defaults.
func DefaultSettings() Settings {
	return Settings{
		MaxDepth:               3,
		MaxChildren:            4,
		DecompositionThreshold: 0.8,
		AllowUnscoredSelection: false,
		MinScoreThreshold:      0.0,
		EnableRecursiveMerge:   true,
		ActionMaxRetries:       3,
		ActionRetryBackoffSteps: []time.Duration{
			1 * time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second,
		},
	}
}

// SettingsFromConfig overlays the engine configuration on the built-in
// defaults. An empty backoff ladder keeps the default exponential one.
func SettingsFromConfig(cfg *config.EngineConfig) Settings {
	s := DefaultSettings()
	s.MaxDepth = cfg.MaxDepth
	s.MaxChildren = cfg.MaxChildren
	s.DecompositionThreshold = cfg.DecompositionThreshold
	s.AllowUnscoredSelection = cfg.AllowUnscoredSelection
	s.MinScoreThreshold = cfg.MinScoreThreshold
	s.EnableRecursiveMerge = cfg.EnableRecursiveMerge
	s.ActionMaxRetries = cfg.ActionMaxRetries
	if len(cfg.ActionRetryBackoffSteps) > 0 {
		s.ActionRetryBackoffSteps = cfg.ActionRetryBackoffSteps
	}
	return s
}

// Backoff returns the cooldown after the given (1-based) attempt count.
func (s Settings) Backoff(attempts int) time.Duration {
	if len(s.ActionRetryBackoffSteps) == 0 {
		return time.Second
	}
	idx := attempts - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(s.ActionRetryBackoffSteps) {
		idx = len(s.ActionRetryBackoffSteps) - 1
	}
	return s.ActionRetryBackoffSteps[idx]
}

// ExpansionPolicy produces candidate sub-problems for a node.
type ExpansionPolicy interface {
	Expand(ctx context.Context, d *dag.DAG, n *dag.Node) ([]dag.Idea, error)
}

// EvaluationPolicy scores nodes. Scores are unbounded reals; higher is better.
type EvaluationPolicy interface {
	Evaluate(ctx context.Context, d *dag.DAG, n *dag.Node) (float64, error)
	EvaluateBatch(ctx context.Context, d *dag.DAG, parent *dag.Node, ids []string) (map[string]float64, error)
}

// SelectionPolicy picks the next child to work on, or nil when none
// qualifies.
type SelectionPolicy interface {
	Select(d *dag.DAG, parent *dag.Node) *dag.Node
}

// DecompositionPolicy decides whether a node should be expanded further.
type DecompositionPolicy interface {
	ShouldDecompose(d *dag.DAG, n *dag.Node) bool
}

// MergePolicy owns the expansion→merge closure.
type MergePolicy interface {
	// AreChildrenReady reports whether every child of n is terminal.
	AreChildrenReady(d *dag.DAG, n *dag.Node) bool
	// ShouldCreateMergeNode reports whether n needs a MERGE child now.
	ShouldCreateMergeNode(d *dag.DAG, n *dag.Node) bool
	// CreateMergeNode folds child results into n and attaches a MERGE child.
	CreateMergeNode(d *dag.DAG, n *dag.Node) (*dag.Node, error)
	// Merge rebuilds n's merged_results from its children; with recursive,
	// the fold propagates toward the root.
	Merge(d *dag.DAG, n *dag.Node, recursive bool) error
}

// MemoPolicy short-circuits repeated action executions.
type MemoPolicy interface {
	// Key returns the namespace-scoped memo key for a node, if it has one.
	Key(n *dag.Node) (namespace, key string, ok bool)
	// Lookup returns the cached action_result for a key.
	Lookup(namespace, key string) (map[string]any, bool)
	// Store caches an action_result under a key.
	Store(namespace, key string, result map[string]any)
}

// Set bundles one policy per concern plus the shared settings.
type Set struct {
	Expansion     ExpansionPolicy
	Evaluation    EvaluationPolicy
	Selection     SelectionPolicy
	Decomposition DecompositionPolicy
	Merge         MergePolicy
	Memo          MemoPolicy
	Settings      Settings
}

// CooldownUntil reads a node's action cooldown deadline. Accepts both the
// in-memory time.Time and the RFC3339 string a JSON round-trip produces.
func CooldownUntil(n *dag.Node) time.Time {
	switch v := n.Details[dag.DetailActionCooldownUntil].(type) {
	case time.Time:
		return v
	case string:
		if t, err := time.Parse(time.RFC3339Nano, v); err == nil {
			return t
		}
	}
	return time.Time{}
}

// Sanitize converts v into a JSON-safe value (maps, slices, numbers, strings,
// bools, nil). Values that cannot be marshaled collapse to their string form.
func Sanitize(v any) any {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	var out any
	if err := json.Unmarshal(b, &out); err != nil {
		return string(b)
	}
	return out
}

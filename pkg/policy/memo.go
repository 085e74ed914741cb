package policy

import (
	"sync"

	"github.com/euglena-ai/euglena/pkg/action"
	"github.com/euglena-ai/euglena/pkg/dag"
)

// defaultMemoNamespace scopes cache entries for nodes that do not set one.
const defaultMemoNamespace = "default"

// MemoCache is the default memoization policy: an in-memory namespace-scoped
// cache keyed by action fingerprints. A hit short-circuits execution and the
// cached action_result is copied onto the node, so identical inputs never
// re-invoke the external service.
type MemoCache struct {
	registry *action.Registry

	mu      sync.RWMutex
	entries map[string]map[string]any
}

// NewMemoCache creates the default memo policy over the action registry.
func NewMemoCache(registry *action.Registry) *MemoCache {
	return &MemoCache{
		registry: registry,
		entries:  make(map[string]map[string]any),
	}
}

// Key implements MemoPolicy: leaf action nodes are keyed by their action
// fingerprint; everything else has no memo key. An explicit memo_key on the
// node wins over the computed fingerprint.
func (m *MemoCache) Key(n *dag.Node) (string, string, bool) {
	if !n.IsLeafAction() {
		return "", "", false
	}
	namespace := defaultMemoNamespace
	if ns, ok := n.Details[dag.DetailMemoNamespace].(string); ok && ns != "" {
		namespace = ns
	}
	if n.MemoKey != "" {
		return namespace, n.MemoKey, true
	}
	a, err := m.registry.Get(n.Action())
	if err != nil {
		return "", "", false
	}
	return namespace, a.Fingerprint(n), true
}

// Lookup implements MemoPolicy.
func (m *MemoCache) Lookup(namespace, key string) (map[string]any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.entries[namespace+"\x00"+key]
	if !ok {
		return nil, false
	}
	out := make(map[string]any, len(v))
	for k, val := range v {
		out[k] = val
	}
	return out, true
}

// Store implements MemoPolicy.
func (m *MemoCache) Store(namespace, key string, result map[string]any) {
	cp := make(map[string]any, len(result))
	for k, v := range result {
		cp[k] = v
	}
	m.mu.Lock()
	m.entries[namespace+"\x00"+key] = cp
	m.mu.Unlock()
}

// Len returns the number of cached entries.
func (m *MemoCache) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

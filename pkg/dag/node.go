// Package dag implements the idea DAG: a tree of problem sub-goals rooted at
// the user's mandate, extended with multi-parent merge nodes. The engine
// (pkg/engine) drives nodes through their lifecycle; this package owns the
// structure and its invariants.
package dag

import (
	"fmt"
)

// Status is the lifecycle state of a node.
type Status string

// Node status constants.
const (
	StatusPending Status = "PENDING"
	StatusActive  Status = "ACTIVE"
	StatusDone    Status = "DONE"
	StatusFailed  Status = "FAILED"
	StatusBlocked Status = "BLOCKED"
	StatusSkipped Status = "SKIPPED"
)

// Terminal reports whether the status is a resting state the engine will not
// revisit. BLOCKED counts as terminal for merge-readiness but the engine may
// still retry a blocked action once its cooldown elapses.
func (s Status) Terminal() bool {
	switch s {
	case StatusDone, StatusFailed, StatusBlocked, StatusSkipped:
		return true
	default:
		return false
	}
}

// StatusValidator returns an error if s is not a recognized status.
func StatusValidator(s Status) error {
	switch s {
	case StatusPending, StatusActive, StatusDone, StatusFailed, StatusBlocked, StatusSkipped:
		return nil
	default:
		return fmt.Errorf("dag: invalid status %q", s)
	}
}

// ActionType identifies a leaf action or the merge pseudo-action.
type ActionType string

// Action type constants.
const (
	ActionSearch ActionType = "SEARCH"
	ActionVisit  ActionType = "VISIT"
	ActionThink  ActionType = "THINK"
	ActionSave   ActionType = "SAVE"
	ActionMerge  ActionType = "MERGE"
)

// LeafActionTypes is the set of actions executable by the action registry.
// MERGE is excluded: merge synthesis is owned by the merge policy.
var LeafActionTypes = []ActionType{ActionSearch, ActionVisit, ActionThink, ActionSave}

// DetailKey names an entry in a node's details mapping. The set is closed:
// UpdateDetails rejects keys outside it.
type DetailKey string

// Detail keys.
const (
	DetailAction              DetailKey = "action"
	DetailQuery               DetailKey = "query"
	DetailURL                 DetailKey = "url"
	DetailLink                DetailKey = "link"
	DetailText                DetailKey = "text"
	DetailPattern             DetailKey = "pattern"
	DetailFlags               DetailKey = "flags"
	DetailDocuments           DetailKey = "documents"
	DetailMetadatas           DetailKey = "metadatas"
	DetailQueries             DetailKey = "queries"
	DetailNResults            DetailKey = "n_results"
	DetailEvaluation          DetailKey = "evaluation"
	DetailRationale           DetailKey = "rationale"
	DetailActionResult        DetailKey = "action_result"
	DetailActionResults       DetailKey = "action_results"
	DetailActionAttempts      DetailKey = "action_attempts"
	DetailActionMaxRetries    DetailKey = "action_max_retries"
	DetailActionCooldownUntil DetailKey = "action_cooldown_until"
	DetailActionRetryable     DetailKey = "action_retryable"
	DetailActionError         DetailKey = "action_error"
	DetailMergedResults       DetailKey = "merged_results"
	DetailMergeSummary        DetailKey = "merge_summary"
	DetailMergeFailure        DetailKey = "merge_failure"
	DetailExpansionMeta       DetailKey = "expansion_meta"
	DetailExecuteAllChildren  DetailKey = "execute_all_children"
	DetailMemoNamespace       DetailKey = "memo_namespace"
	DetailIntent              DetailKey = "intent"
	DetailParentGoal          DetailKey = "parent_goal"
	DetailIsLeaf              DetailKey = "is_leaf"
)

var knownDetailKeys = map[DetailKey]struct{}{
	DetailAction: {}, DetailQuery: {}, DetailURL: {}, DetailLink: {},
	DetailText: {}, DetailPattern: {}, DetailFlags: {}, DetailDocuments: {},
	DetailMetadatas: {}, DetailQueries: {}, DetailNResults: {},
	DetailEvaluation: {}, DetailRationale: {}, DetailActionResult: {},
	DetailActionResults: {}, DetailActionAttempts: {}, DetailActionMaxRetries: {},
	DetailActionCooldownUntil: {}, DetailActionRetryable: {}, DetailActionError: {},
	DetailMergedResults: {}, DetailMergeSummary: {}, DetailMergeFailure: {},
	DetailExpansionMeta: {}, DetailExecuteAllChildren: {}, DetailMemoNamespace: {},
	DetailIntent: {}, DetailParentGoal: {}, DetailIsLeaf: {},
}

// KnownDetailKey reports whether k belongs to the closed detail-key set.
func KnownDetailKey(k DetailKey) bool {
	_, ok := knownDetailKeys[k]
	return ok
}

// Details is a node's dynamic payload, keyed by the closed DetailKey set.
type Details map[DetailKey]any

// Clone returns a shallow copy of the details map.
func (d Details) Clone() Details {
	out := make(Details, len(d))
	for k, v := range d {
		out[k] = v
	}
	return out
}

// Node is a single sub-goal in the idea DAG.
type Node struct {
	ID       string   `json:"node_id"`
	Title    string   `json:"title"`
	Status   Status   `json:"status"`
	Score    *float64 `json:"score,omitempty"`
	ParentID string   `json:"parent_id,omitempty"`

	// ParentIDs holds the additional parents of a merge node. The full
	// parentage of a node is ParentID plus ParentIDs.
	ParentIDs []string `json:"parent_ids,omitempty"`

	Children []string `json:"children"`
	MemoKey  string   `json:"memo_key,omitempty"`
	Details  Details  `json:"details"`
}

// Action returns the node's action type, or "" when none is set.
func (n *Node) Action() ActionType {
	switch v := n.Details[DetailAction].(type) {
	case ActionType:
		return v
	case string:
		return ActionType(v)
	default:
		return ""
	}
}

// IsMergeNode reports whether n synthesizes sibling results: action MERGE
// with at least two parents.
func (n *Node) IsMergeNode() bool {
	return n.Action() == ActionMerge && len(n.AllParentIDs()) >= 2
}

// IsLeafAction reports whether n is an executable leaf: an action from the
// leaf set and no children.
func (n *Node) IsLeafAction() bool {
	if len(n.Children) > 0 {
		return false
	}
	a := n.Action()
	for _, t := range LeafActionTypes {
		if a == t {
			return true
		}
	}
	return false
}

// AllParentIDs returns the full parentage: the canonical parent (if any)
// followed by merge parents, deduplicated, in insertion order.
func (n *Node) AllParentIDs() []string {
	out := make([]string, 0, 1+len(n.ParentIDs))
	seen := make(map[string]struct{}, 1+len(n.ParentIDs))
	if n.ParentID != "" {
		out = append(out, n.ParentID)
		seen[n.ParentID] = struct{}{}
	}
	for _, id := range n.ParentIDs {
		if _, dup := seen[id]; dup {
			continue
		}
		out = append(out, id)
		seen[id] = struct{}{}
	}
	return out
}

// HasParent reports whether id appears anywhere in n's parentage.
func (n *Node) HasParent(id string) bool {
	for _, p := range n.AllParentIDs() {
		if p == id {
			return true
		}
	}
	return false
}

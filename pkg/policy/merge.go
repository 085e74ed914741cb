package policy

import (
	"fmt"

	"github.com/euglena-ai/euglena/pkg/dag"
)

// MergeSummary is the child-status count fold recorded on a merged parent.
type MergeSummary struct {
	Total   int `json:"total"`
	Success int `json:"success"`
	Failed  int `json:"failed"`
	Blocked int `json:"blocked"`
	Skipped int `json:"skipped"`
}

// SimpleMergePolicy owns the expansion→merge closure: once every child of an
// expansion node is terminal it folds the child results into the parent and
// attaches a MERGE child pointing back at all of them. Because every
// completed expansion produces exactly one merge, the DAG is structurally an
// expansion–merge tree of pairs.
type SimpleMergePolicy struct {
	settings Settings
}

// NewSimpleMergePolicy creates the default merge policy.
func NewSimpleMergePolicy(settings Settings) *SimpleMergePolicy {
	return &SimpleMergePolicy{settings: settings}
}

// AreChildrenReady implements MergePolicy. Merge children count as ready even
// on failure: every terminal status qualifies.
func (p *SimpleMergePolicy) AreChildrenReady(d *dag.DAG, n *dag.Node) bool {
	children := p.nonMergeChildren(d, n)
	if len(children) == 0 {
		return false
	}
	for _, c := range children {
		if !c.Status.Terminal() {
			return false
		}
	}
	return true
}

// ShouldCreateMergeNode implements MergePolicy.
func (p *SimpleMergePolicy) ShouldCreateMergeNode(d *dag.DAG, n *dag.Node) bool {
	if !p.settings.EnableRecursiveMerge {
		return false
	}
	if len(p.nonMergeChildren(d, n)) < 2 {
		return false
	}
	if d.MergeChild(n.ID) != nil {
		return false
	}
	return p.AreChildrenReady(d, n)
}

// CreateMergeNode implements MergePolicy: fold first, then attach the MERGE
// child whose parents are all of n's children.
func (p *SimpleMergePolicy) CreateMergeNode(d *dag.DAG, n *dag.Node) (*dag.Node, error) {
	if err := p.Merge(d, n, false); err != nil {
		return nil, err
	}
	children := p.nonMergeChildren(d, n)
	parentIDs := make([]string, 0, len(children))
	for _, c := range children {
		parentIDs = append(parentIDs, c.ID)
	}
	merge, err := d.MergeNodes(parentIDs, "merge: "+n.Title, dag.Details{
		dag.DetailParentGoal: n.Title,
	})
	if err != nil {
		return nil, fmt.Errorf("attaching merge node under %q: %w", n.Title, err)
	}
	return merge, nil
}

// Merge implements MergePolicy. merged_results is rebuilt from the children
// in insertion order: MERGE children contribute their synthesized result,
// leaf actions their raw result, inner expansions their own merged_results.
// Everything passes through the JSON-safe sanitizer.
func (p *SimpleMergePolicy) Merge(d *dag.DAG, n *dag.Node, recursive bool) error {
	children := p.nonMergeChildren(d, n)
	if len(children) == 0 {
		return nil
	}

	var summary MergeSummary
	merged := make([]any, 0, len(children))
	for _, c := range children {
		summary.Total++
		switch c.Status {
		case dag.StatusDone:
			summary.Success++
		case dag.StatusFailed:
			summary.Failed++
		case dag.StatusBlocked:
			summary.Blocked++
		case dag.StatusSkipped:
			summary.Skipped++
		}
		merged = append(merged, Sanitize(p.contribution(d, c)))
	}

	if err := d.UpdateDetails(n.ID, dag.Details{
		dag.DetailMergedResults: merged,
		dag.DetailMergeSummary: map[string]any{
			"total":   summary.Total,
			"success": summary.Success,
			"failed":  summary.Failed,
			"blocked": summary.Blocked,
			"skipped": summary.Skipped,
		},
	}); err != nil {
		return err
	}

	// Failure propagation: the parent collapses only when every child failed
	// outright — zero successes and zero blocked.
	if summary.Success == 0 && summary.Blocked == 0 && summary.Failed > 0 {
		if err := d.UpdateDetails(n.ID, dag.Details{
			dag.DetailMergeFailure: fmt.Sprintf("all %d children failed", summary.Failed),
		}); err != nil {
			return err
		}
		if err := d.UpdateStatus(n.ID, dag.StatusFailed); err != nil {
			return err
		}
	}

	if recursive && n.ParentID != "" {
		parent, err := d.Node(n.ParentID)
		if err != nil {
			return err
		}
		return p.Merge(d, parent, true)
	}
	return nil
}

// contribution picks what one child adds to merged_results.
func (p *SimpleMergePolicy) contribution(d *dag.DAG, c *dag.Node) map[string]any {
	entry := map[string]any{
		"node_id": c.ID,
		"title":   c.Title,
		"status":  string(c.Status),
	}
	switch {
	case c.IsLeafAction():
		if r, ok := c.Details[dag.DetailActionResult]; ok {
			entry["result"] = r
		}
		if e, ok := c.Details[dag.DetailActionError]; ok {
			entry["error"] = e
		}
	default:
		// Inner expansion: prefer its merge child's synthesis, fall back to
		// its own merged_results.
		if mc := d.MergeChild(c.ID); mc != nil {
			if r, ok := mc.Details[dag.DetailActionResult]; ok {
				entry["result"] = r
			}
		}
		if _, ok := entry["result"]; !ok {
			if mr, ok := c.Details[dag.DetailMergedResults]; ok {
				entry["result"] = mr
			}
		}
	}
	return entry
}

// nonMergeChildren returns n's children excluding any MERGE node, in
// insertion order.
func (p *SimpleMergePolicy) nonMergeChildren(d *dag.DAG, n *dag.Node) []*dag.Node {
	var out []*dag.Node
	for _, c := range d.ChildNodes(n.ID) {
		if c.IsMergeNode() {
			continue
		}
		out = append(out, c)
	}
	return out
}

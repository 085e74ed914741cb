package policy

import (
	"github.com/euglena-ai/euglena/pkg/dag"
)

// ThresholdDecomposition is the default decomposition policy: a node should
// decompose iff it carries no action, sits above the depth limit, scores
// below the decomposition threshold (unscored counts as below), and its
// children are not already all terminal.
type ThresholdDecomposition struct {
	settings Settings
}

// NewThresholdDecomposition creates the default decomposition policy.
func NewThresholdDecomposition(settings Settings) *ThresholdDecomposition {
	return &ThresholdDecomposition{settings: settings}
}

// ShouldDecompose implements DecompositionPolicy.
func (p *ThresholdDecomposition) ShouldDecompose(d *dag.DAG, n *dag.Node) bool {
	if n.Action() != "" {
		return false
	}
	depth, err := d.Depth(n.ID)
	if err != nil || depth >= p.settings.MaxDepth {
		return false
	}
	if n.Score != nil && *n.Score >= p.settings.DecompositionThreshold {
		return false
	}
	if len(n.Children) > 0 {
		allTerminal := true
		for _, c := range d.ChildNodes(n.ID) {
			if !c.Status.Terminal() {
				allTerminal = false
				break
			}
		}
		if allTerminal {
			return false
		}
	}
	return true
}

package policy

import (
	"time"

	"github.com/euglena-ai/euglena/pkg/dag"
)

// BestScoreSelection is the default selection policy: highest score among
// non-terminal children, ties broken by insertion order. BLOCKED children are
// skipped until their action cooldown elapses; children scored below
// MinScoreThreshold are never selected.
type BestScoreSelection struct {
	settings Settings
	now      func() time.Time
}

// NewBestScoreSelection creates the default selection policy.
func NewBestScoreSelection(settings Settings) *BestScoreSelection {
	return &BestScoreSelection{settings: settings, now: time.Now}
}

// WithClock overrides the clock; used by tests to control cooldowns.
func (p *BestScoreSelection) WithClock(now func() time.Time) *BestScoreSelection {
	p.now = now
	return p
}

// Select implements SelectionPolicy.
func (p *BestScoreSelection) Select(d *dag.DAG, parent *dag.Node) *dag.Node {
	requireScore := !p.settings.AllowUnscoredSelection
	var best *dag.Node
	for _, c := range d.ChildNodes(parent.ID) {
		if !p.selectable(c) {
			continue
		}
		if c.Score == nil {
			if requireScore {
				continue
			}
			if best == nil {
				best = c
			}
			continue
		}
		if *c.Score < p.settings.MinScoreThreshold {
			continue
		}
		if best == nil || best.Score == nil || *c.Score > *best.Score {
			best = c
		}
	}
	return best
}

// selectable reports whether a child may receive work this tick. BLOCKED
// nodes become selectable again once their cooldown deadline passes.
func (p *BestScoreSelection) selectable(n *dag.Node) bool {
	switch n.Status {
	case dag.StatusPending, dag.StatusActive:
		return true
	case dag.StatusBlocked:
		until := CooldownUntil(n)
		return !until.IsZero() && !p.now().Before(until)
	default:
		return false
	}
}

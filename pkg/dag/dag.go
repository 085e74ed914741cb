package dag

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// Sentinel errors for DAG operations.
var (
	// ErrNodeNotFound is returned when a node id does not exist in the DAG.
	ErrNodeNotFound = errors.New("dag: node not found")

	// ErrUnknownDetailKey is returned when a details write uses a key outside
	// the closed DetailKey set.
	ErrUnknownDetailKey = errors.New("dag: unknown detail key")

	// ErrNeedTwoParents is returned when a merge is attempted with fewer than
	// two parents.
	ErrNeedTwoParents = errors.New("dag: merge requires at least two parents")
)

// Idea is an expansion candidate produced by an expansion policy, before it
// becomes a node.
type Idea struct {
	Title   string
	Details Details
	Score   *float64
}

// DAG is the in-memory idea graph for a single mandate. It is not safe for
// concurrent use: exactly one engine mutates it (spec'd single-threaded
// cooperative model).
type DAG struct {
	nodes  map[string]*Node
	rootID string
}

// New creates a DAG with a single PENDING root node carrying the mandate as
// its title.
func New(mandate string, details Details) *DAG {
	root := &Node{
		ID:      uuid.NewString(),
		Title:   mandate,
		Status:  StatusPending,
		Details: Details{},
	}
	for k, v := range details {
		root.Details[k] = v
	}
	return &DAG{
		nodes:  map[string]*Node{root.ID: root},
		rootID: root.ID,
	}
}

// RootID returns the id of the root node.
func (d *DAG) RootID() string { return d.rootID }

// Root returns the root node.
func (d *DAG) Root() *Node { return d.nodes[d.rootID] }

// Node returns the node with the given id, or an error if absent.
func (d *DAG) Node(id string) (*Node, error) {
	n, ok := d.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	return n, nil
}

// Len returns the number of nodes currently in the DAG.
func (d *DAG) Len() int { return len(d.nodes) }

// AddChild creates a PENDING child of parentID and returns it. The child is
// appended to the parent's ordered children list.
func (d *DAG) AddChild(parentID, title string, details Details) (*Node, error) {
	parent, err := d.Node(parentID)
	if err != nil {
		return nil, err
	}
	if err := validateDetails(details); err != nil {
		return nil, err
	}
	child := &Node{
		ID:       uuid.NewString(),
		Title:    title,
		Status:   StatusPending,
		ParentID: parent.ID,
		Details:  Details{},
	}
	for k, v := range details {
		child.Details[k] = v
	}
	d.nodes[child.ID] = child
	parent.Children = append(parent.Children, child.ID)
	return child, nil
}

// MergeNodes creates a MERGE node whose parents are parentIDs. The first
// parent becomes the canonical ParentID (used by tree walks); the rest are
// recorded in ParentIDs. Every parent's children list gains the new node.
func (d *DAG) MergeNodes(parentIDs []string, title string, details Details) (*Node, error) {
	if len(parentIDs) < 2 {
		return nil, ErrNeedTwoParents
	}
	parents := make([]*Node, 0, len(parentIDs))
	for _, id := range parentIDs {
		p, err := d.Node(id)
		if err != nil {
			return nil, err
		}
		parents = append(parents, p)
	}
	if err := validateDetails(details); err != nil {
		return nil, err
	}

	merge := &Node{
		ID:        uuid.NewString(),
		Title:     title,
		Status:    StatusPending,
		ParentID:  parents[0].ID,
		ParentIDs: parentIDs[1:],
		Details:   Details{DetailAction: ActionMerge},
	}
	for k, v := range details {
		merge.Details[k] = v
	}
	d.nodes[merge.ID] = merge
	for _, p := range parents {
		p.Children = append(p.Children, merge.ID)
	}
	return merge, nil
}

// UpdateStatus sets the status of a node.
func (d *DAG) UpdateStatus(id string, status Status) error {
	n, err := d.Node(id)
	if err != nil {
		return err
	}
	if err := StatusValidator(status); err != nil {
		return err
	}
	n.Status = status
	return nil
}

// UpdateDetails shallow-merges details into the node's mapping. Keys outside
// the closed set are rejected and nothing is written.
func (d *DAG) UpdateDetails(id string, details Details) error {
	n, err := d.Node(id)
	if err != nil {
		return err
	}
	if err := validateDetails(details); err != nil {
		return err
	}
	if n.Details == nil {
		n.Details = Details{}
	}
	for k, v := range details {
		n.Details[k] = v
	}
	return nil
}

// Evaluate records a score on the node.
func (d *DAG) Evaluate(id string, score float64) error {
	n, err := d.Node(id)
	if err != nil {
		return err
	}
	s := score
	n.Score = &s
	return nil
}

// Expand attaches each idea as a PENDING child of parentID, in order, and
// returns the created nodes.
func (d *DAG) Expand(parentID string, ideas []Idea) ([]*Node, error) {
	created := make([]*Node, 0, len(ideas))
	for _, idea := range ideas {
		child, err := d.AddChild(parentID, idea.Title, idea.Details)
		if err != nil {
			return created, err
		}
		if idea.Score != nil {
			s := *idea.Score
			child.Score = &s
		}
		created = append(created, child)
	}
	return created, nil
}

// SelectBestChild returns the highest-scored non-terminal child of parentID,
// breaking ties by insertion order. With requireScore, unscored children are
// skipped; otherwise unscored children rank below any scored one. Returns nil
// when no child qualifies.
func (d *DAG) SelectBestChild(parentID string, requireScore bool) (*Node, error) {
	parent, err := d.Node(parentID)
	if err != nil {
		return nil, err
	}
	var best *Node
	for _, cid := range parent.Children {
		c, ok := d.nodes[cid]
		if !ok || c.Status.Terminal() {
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
		if best == nil || best.Score == nil || *c.Score > *best.Score {
			best = c
		}
	}
	return best, nil
}

// LeafNodes returns all nodes with no children, in depth-first order.
func (d *DAG) LeafNodes() []*Node {
	var out []*Node
	d.Walk(func(n *Node) bool {
		if len(n.Children) == 0 {
			out = append(out, n)
		}
		return true
	})
	return out
}

// Walk visits nodes depth-first from the root, children in insertion order.
// Merge nodes (which appear under several parents) are visited once, under
// their canonical parent. Returning false from fn stops the walk.
func (d *DAG) Walk(fn func(*Node) bool) {
	visited := make(map[string]struct{}, len(d.nodes))
	var visit func(id string) bool
	visit = func(id string) bool {
		n, ok := d.nodes[id]
		if !ok {
			return true
		}
		if _, dup := visited[id]; dup {
			return true
		}
		visited[id] = struct{}{}
		if !fn(n) {
			return false
		}
		for _, cid := range n.Children {
			if c, ok := d.nodes[cid]; ok && c.ParentID != id && c.IsMergeNode() {
				// Visit merge nodes under their canonical parent only.
				continue
			}
			if !visit(cid) {
				return false
			}
		}
		return true
	}
	visit(d.rootID)
}

// Depth returns the number of edges from the root to the node, following
// canonical parents. The root has depth 0.
func (d *DAG) Depth(id string) (int, error) {
	n, err := d.Node(id)
	if err != nil {
		return 0, err
	}
	depth := 0
	for n.ParentID != "" {
		p, ok := d.nodes[n.ParentID]
		if !ok {
			break
		}
		depth++
		n = p
	}
	return depth, nil
}

// RemoveSubtree deletes all descendants of id (via canonical-parent edges),
// keeping the node itself. Merge nodes hanging off removed descendants are
// removed as well. Used by the engine to garbage-collect completed branches.
func (d *DAG) RemoveSubtree(id string) error {
	n, err := d.Node(id)
	if err != nil {
		return err
	}
	var collect func(nd *Node, doomed map[string]struct{})
	collect = func(nd *Node, doomed map[string]struct{}) {
		for _, cid := range nd.Children {
			c, ok := d.nodes[cid]
			if !ok {
				continue
			}
			if _, dup := doomed[cid]; dup {
				continue
			}
			doomed[cid] = struct{}{}
			collect(c, doomed)
		}
	}
	doomed := make(map[string]struct{})
	collect(n, doomed)
	for did := range doomed {
		delete(d.nodes, did)
	}
	n.Children = nil
	// Scrub dangling child references from surviving nodes (merge edges).
	for _, s := range d.nodes {
		kept := s.Children[:0]
		for _, cid := range s.Children {
			if _, gone := doomed[cid]; !gone {
				kept = append(kept, cid)
			}
		}
		s.Children = kept
	}
	return nil
}

// BranchPair is the derived (expansion, merge) view of one decomposition
// step. Merge is nil until the expansion's MERGE child exists.
type BranchPair struct {
	Expansion *Node
	Merge     *Node
}

// Complete reports whether the pair has a DONE merge node.
func (bp BranchPair) Complete() bool {
	return bp.Merge != nil && bp.Merge.Status == StatusDone
}

// NeedsMerge reports whether the expansion's children are all terminal but no
// merge child exists yet.
func (bp BranchPair) NeedsMerge(d *DAG) bool {
	if bp.Merge != nil || len(bp.Expansion.Children) == 0 {
		return false
	}
	for _, cid := range bp.Expansion.Children {
		c, ok := d.nodes[cid]
		if !ok {
			continue
		}
		if !c.Status.Terminal() {
			return false
		}
	}
	return true
}

// BranchPairs returns the pair view for every expansion node (a node with
// children and no action of its own).
func (d *DAG) BranchPairs() []BranchPair {
	var out []BranchPair
	d.Walk(func(n *Node) bool {
		if len(n.Children) == 0 || n.Action() != "" {
			return true
		}
		bp := BranchPair{Expansion: n}
		for _, cid := range n.Children {
			if c, ok := d.nodes[cid]; ok && c.IsMergeNode() {
				bp.Merge = c
				break
			}
		}
		out = append(out, bp)
		return true
	})
	return out
}

// MergeChild returns the MERGE child of a node, or nil.
func (d *DAG) MergeChild(id string) *Node {
	n, err := d.Node(id)
	if err != nil {
		return nil
	}
	for _, cid := range n.Children {
		if c, ok := d.nodes[cid]; ok && c.IsMergeNode() {
			return c
		}
	}
	return nil
}

// ChildNodes returns the resolved children of a node in insertion order.
func (d *DAG) ChildNodes(id string) []*Node {
	n, err := d.Node(id)
	if err != nil {
		return nil
	}
	out := make([]*Node, 0, len(n.Children))
	for _, cid := range n.Children {
		if c, ok := d.nodes[cid]; ok {
			out = append(out, c)
		}
	}
	return out
}

func validateDetails(details Details) error {
	for k := range details {
		if !KnownDetailKey(k) {
			return fmt.Errorf("%w: %q", ErrUnknownDetailKey, k)
		}
	}
	return nil
}

package dag

import (
	"encoding/json"
	"fmt"
)

// Snapshot is the serializable form of a DAG: every node plus the root id.
// Nodes are emitted in depth-first order so diffs stay stable across runs.
type Snapshot struct {
	RootID string  `json:"root_id"`
	Nodes  []*Node `json:"nodes"`
}

// Snapshot returns a point-in-time serializable copy of the DAG. Node structs
// are copied; details maps are shallow-copied.
func (d *DAG) Snapshot() Snapshot {
	snap := Snapshot{RootID: d.rootID, Nodes: make([]*Node, 0, len(d.nodes))}
	seen := make(map[string]struct{}, len(d.nodes))
	d.Walk(func(n *Node) bool {
		cp := *n
		cp.Children = append([]string(nil), n.Children...)
		cp.ParentIDs = append([]string(nil), n.ParentIDs...)
		cp.Details = n.Details.Clone()
		snap.Nodes = append(snap.Nodes, &cp)
		seen[n.ID] = struct{}{}
		return true
	})
	// Walk skips nodes unreachable via canonical edges (none in a healthy
	// DAG); include them anyway so a snapshot is always complete.
	for id, n := range d.nodes {
		if _, ok := seen[id]; ok {
			continue
		}
		cp := *n
		cp.Details = n.Details.Clone()
		snap.Nodes = append(snap.Nodes, &cp)
	}
	return snap
}

// MarshalJSON serializes the DAG via its snapshot.
func (d *DAG) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.Snapshot())
}

// FromSnapshot reconstructs a DAG from a snapshot.
func FromSnapshot(snap Snapshot) (*DAG, error) {
	if snap.RootID == "" {
		return nil, fmt.Errorf("dag: snapshot has no root id")
	}
	d := &DAG{nodes: make(map[string]*Node, len(snap.Nodes)), rootID: snap.RootID}
	for _, n := range snap.Nodes {
		cp := *n
		if cp.Details == nil {
			cp.Details = Details{}
		}
		d.nodes[cp.ID] = &cp
	}
	if _, ok := d.nodes[snap.RootID]; !ok {
		return nil, fmt.Errorf("%w: root %s", ErrNodeNotFound, snap.RootID)
	}
	return d, nil
}

// UnmarshalJSON deserializes a DAG produced by MarshalJSON.
func (d *DAG) UnmarshalJSON(b []byte) error {
	var snap Snapshot
	if err := json.Unmarshal(b, &snap); err != nil {
		return err
	}
	restored, err := FromSnapshot(snap)
	if err != nil {
		return err
	}
	*d = *restored
	return nil
}

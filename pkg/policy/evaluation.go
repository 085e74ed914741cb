package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/euglena-ai/euglena/pkg/action"
	"github.com/euglena-ai/euglena/pkg/dag"
)

const evaluationSystemPrompt = `You are scoring candidate steps of a research agent.
Score each candidate by how directly it advances the stated goal.
Scores are real numbers; higher is better; 1.0 means directly actionable and on-target.
Respond with a single JSON object: {"scores": {"<index>": <score>, ...}}
using the candidate indexes given in the prompt.`

// LLMEvaluation scores nodes with one batched LLM call. On model failure it
// falls back to a fixed heuristic so a scoring outage never stalls a mandate:
// leaf actions get 1.0, sub-problems 0.5.
type LLMEvaluation struct {
	chat action.ChatModel
}

// NewLLMEvaluation creates the default evaluation policy.
func NewLLMEvaluation(chat action.ChatModel) *LLMEvaluation {
	return &LLMEvaluation{chat: chat}
}

// Evaluate implements EvaluationPolicy for a single node.
func (p *LLMEvaluation) Evaluate(ctx context.Context, d *dag.DAG, n *dag.Node) (float64, error) {
	parent := n
	if n.ParentID != "" {
		if pn, err := d.Node(n.ParentID); err == nil {
			parent = pn
		}
	}
	scores, err := p.EvaluateBatch(ctx, d, parent, []string{n.ID})
	if err != nil {
		return 0, err
	}
	return scores[n.ID], nil
}

// EvaluateBatch implements EvaluationPolicy for a sibling batch.
func (p *LLMEvaluation) EvaluateBatch(ctx context.Context, d *dag.DAG, parent *dag.Node, ids []string) (map[string]float64, error) {
	if len(ids) == 0 {
		return map[string]float64{}, nil
	}

	nodes := make([]*dag.Node, 0, len(ids))
	for _, id := range ids {
		n, err := d.Node(id)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, n)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\n\nCandidates:\n", parent.Title)
	for i, n := range nodes {
		kind := "sub-problem"
		if a := n.Action(); a != "" {
			kind = string(a)
		}
		fmt.Fprintf(&b, "%d. [%s] %s\n", i, kind, n.Title)
	}

	raw, err := p.chat.CompleteJSON(ctx, evaluationSystemPrompt, b.String())
	if err != nil {
		return p.heuristic(nodes), nil
	}
	// Accept {"scores": {...}} or the bare index→score map.
	var wrapped struct {
		Scores map[string]float64 `json:"scores"`
	}
	scores := map[string]float64{}
	if err := json.Unmarshal([]byte(raw), &wrapped); err == nil && len(wrapped.Scores) > 0 {
		scores = wrapped.Scores
	} else if err := json.Unmarshal([]byte(raw), &scores); err != nil || len(scores) == 0 {
		return p.heuristic(nodes), nil
	}

	out := make(map[string]float64, len(nodes))
	fallback := p.heuristic(nodes)
	for i, n := range nodes {
		if s, ok := scores[strconv.Itoa(i)]; ok {
			out[n.ID] = s
		} else {
			out[n.ID] = fallback[n.ID]
		}
	}
	return out, nil
}

func (p *LLMEvaluation) heuristic(nodes []*dag.Node) map[string]float64 {
	out := make(map[string]float64, len(nodes))
	for _, n := range nodes {
		if n.IsLeafAction() {
			out[n.ID] = 1.0
		} else {
			out[n.ID] = 0.5
		}
	}
	return out
}

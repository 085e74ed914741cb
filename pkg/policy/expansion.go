package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/euglena-ai/euglena/pkg/action"
	"github.com/euglena-ai/euglena/pkg/dag"
)

// ErrEmptyExpansion is returned when the model produced no usable ideas.
// The engine treats it as a policy violation and fails the node.
var ErrEmptyExpansion = errors.New("policy: expansion produced no ideas")

const expansionSystemPrompt = `You are the planner of a research agent.
Decompose the given sub-problem into at most %d next steps.
Each step is either a further sub-problem (no action) or a directly executable
leaf action. Allowed actions: SEARCH (needs "query"), VISIT (needs "url"),
THINK (needs "text"), SAVE (needs "documents").
Respond with a single JSON object:
{"ideas": [{"title": "...", "action": "SEARCH|VISIT|THINK|SAVE|", "query": "...",
"url": "...", "text": "...", "documents": ["..."], "score": 0.0, "rationale": "..."}]}`

// LLMExpansion is the default expansion policy: it formats the path to the
// node plus recent errors and retrieved memories into a prompt and parses the
// model's JSON reply into ideas.
type LLMExpansion struct {
	chat     action.ChatModel
	vectors  action.VectorStore
	settings Settings
}

// NewLLMExpansion creates the default expansion policy. vectors may be nil
// (no memory retrieval).
func NewLLMExpansion(chat action.ChatModel, vectors action.VectorStore, settings Settings) *LLMExpansion {
	return &LLMExpansion{chat: chat, vectors: vectors, settings: settings}
}

// expansionIdea is the wire shape of one model-proposed idea.
type expansionIdea struct {
	Title     string   `json:"title"`
	Action    string   `json:"action"`
	Query     string   `json:"query"`
	URL       string   `json:"url"`
	Text      string   `json:"text"`
	Documents []string `json:"documents"`
	Score     *float64 `json:"score"`
	Rationale string   `json:"rationale"`
}

type expansionReply struct {
	Ideas []expansionIdea `json:"ideas"`
}

// Expand implements ExpansionPolicy.
func (p *LLMExpansion) Expand(ctx context.Context, d *dag.DAG, n *dag.Node) ([]dag.Idea, error) {
	if p.settings.MaxChildren <= 0 {
		return nil, fmt.Errorf("%w: max_children is 0", ErrEmptyExpansion)
	}

	prompt := p.buildPrompt(ctx, d, n)
	system := fmt.Sprintf(expansionSystemPrompt, p.settings.MaxChildren)

	raw, err := p.chat.CompleteJSON(ctx, system, prompt)
	if err != nil {
		return nil, fmt.Errorf("expansion LLM call: %w", err)
	}

	var reply expansionReply
	if err := json.Unmarshal([]byte(raw), &reply); err != nil {
		return nil, fmt.Errorf("%w: malformed reply: %v", ErrEmptyExpansion, err)
	}

	ideas := make([]dag.Idea, 0, len(reply.Ideas))
	for _, ri := range reply.Ideas {
		idea, ok := p.toIdea(ri)
		if !ok {
			continue
		}
		ideas = append(ideas, idea)
		if len(ideas) >= p.settings.MaxChildren {
			break
		}
	}
	if len(ideas) == 0 {
		return nil, ErrEmptyExpansion
	}
	return ideas, nil
}

// toIdea converts a model idea, dropping entries with unknown actions or
// missing required inputs. Action children must be leaf-executable.
func (p *LLMExpansion) toIdea(ri expansionIdea) (dag.Idea, bool) {
	title := strings.TrimSpace(ri.Title)
	if title == "" {
		return dag.Idea{}, false
	}
	details := dag.Details{}
	switch at := dag.ActionType(strings.ToUpper(strings.TrimSpace(ri.Action))); at {
	case "":
		// Further-decomposable sub-problem.
	case dag.ActionSearch:
		if ri.Query == "" {
			return dag.Idea{}, false
		}
		details[dag.DetailAction] = at
		details[dag.DetailQuery] = ri.Query
	case dag.ActionVisit:
		if ri.URL == "" {
			return dag.Idea{}, false
		}
		details[dag.DetailAction] = at
		details[dag.DetailURL] = ri.URL
	case dag.ActionThink:
		details[dag.DetailAction] = at
		if ri.Text != "" {
			details[dag.DetailText] = ri.Text
		}
	case dag.ActionSave:
		if len(ri.Documents) == 0 {
			return dag.Idea{}, false
		}
		details[dag.DetailAction] = at
		details[dag.DetailDocuments] = ri.Documents
	default:
		return dag.Idea{}, false
	}
	if ri.Rationale != "" {
		details[dag.DetailRationale] = ri.Rationale
	}
	return dag.Idea{Title: title, Details: details, Score: ri.Score}, true
}

// buildPrompt assembles the path from the root to n, recent sibling errors,
// and retrieved memories.
func (p *LLMExpansion) buildPrompt(ctx context.Context, d *dag.DAG, n *dag.Node) string {
	var b strings.Builder

	b.WriteString("Problem path (root first):\n")
	for i, title := range p.pathTitles(d, n) {
		fmt.Fprintf(&b, "%s- %s\n", strings.Repeat("  ", i), title)
	}

	if errs := p.recentErrors(d, n); len(errs) > 0 {
		b.WriteString("\nRecent failures to avoid repeating:\n")
		for _, e := range errs {
			fmt.Fprintf(&b, "- %s\n", e)
		}
	}

	if p.vectors != nil {
		if groups, err := p.vectors.Query(ctx, []string{n.Title}, 3); err == nil && len(groups) > 0 {
			var memories []string
			for _, g := range groups {
				memories = append(memories, g...)
			}
			if len(memories) > 0 {
				b.WriteString("\nRelevant saved memories:\n")
				for _, m := range memories {
					fmt.Fprintf(&b, "- %s\n", truncate(m, 300))
				}
			}
		}
	}

	b.WriteString("\nDecompose the last path entry.")
	return b.String()
}

func (p *LLMExpansion) pathTitles(d *dag.DAG, n *dag.Node) []string {
	var rev []string
	cur := n
	for cur != nil {
		rev = append(rev, cur.Title)
		if cur.ParentID == "" {
			break
		}
		parent, err := d.Node(cur.ParentID)
		if err != nil {
			break
		}
		cur = parent
	}
	out := make([]string, len(rev))
	for i := range rev {
		out[i] = rev[len(rev)-1-i]
	}
	return out
}

func (p *LLMExpansion) recentErrors(d *dag.DAG, n *dag.Node) []string {
	var out []string
	for _, c := range d.ChildNodes(n.ID) {
		if c.Status != dag.StatusFailed {
			continue
		}
		if msg, ok := c.Details[dag.DetailActionError].(string); ok && msg != "" {
			out = append(out, fmt.Sprintf("%s: %s", c.Title, truncate(msg, 200)))
		}
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	// Back up to a rune boundary so the cut never splits a multi-byte rune.
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "…"
}

package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/euglena-ai/euglena/pkg/dag"
)

// wordsPerTick sizes the final deliverable: roughly this many words per
// consumed tick, so longer runs yield proportionally richer reports.
const wordsPerTick = 50

const finalSystemPrompt = `You are a research writer. Compose the final ` +
	`deliverable for the given mandate from the collected findings. Respond ` +
	`with a JSON object {"deliverable": "...", "summary": "..."} where ` +
	`deliverable is the report itself and summary is a short account of the ` +
	`actions taken.`

const mergeSystemPrompt = `You are a research editor. Fold the sibling ` +
	`results below into one coherent answer to the stated goal. Reply with ` +
	`plain text only.`

// synthesize builds the run's final Result from whatever state the DAG
// reached. It runs regardless of success; with no ticks consumed, or no
// model available, it degrades to concatenating collected deliverables.
func (e *Engine) synthesize(ctx context.Context, ticks int) *Result {
	res := &Result{
		Deliverables:  append([]string(nil), e.deliverables...),
		History:       append([]string(nil), e.history...),
		Notes:         e.joinedNotes(),
		ActionSummary: e.actionSummary(),
		TicksUsed:     ticks,
	}

	if ticks == 0 || e.io.Chat == nil || ctx.Err() != nil {
		res.FinalDeliverable = e.fallbackDeliverable()
		return res
	}

	prompt := e.finalPrompt(ticks)
	reply, err := e.io.Chat.CompleteJSON(ctx, finalSystemPrompt, prompt)
	if err != nil {
		e.log.Warn("Final synthesis failed, using fallback", "error", err)
		res.FinalDeliverable = e.fallbackDeliverable()
		return res
	}

	var parsed struct {
		Deliverable string `json:"deliverable"`
		Summary     string `json:"summary"`
	}
	if err := json.Unmarshal([]byte(reply), &parsed); err != nil || parsed.Deliverable == "" {
		res.FinalDeliverable = e.fallbackDeliverable()
		return res
	}
	res.FinalDeliverable = parsed.Deliverable
	if parsed.Summary != "" {
		res.ActionSummary = parsed.Summary
	}
	e.trace("final_synthesis", map[string]any{
		"ticks": ticks, "deliverable_len": len(parsed.Deliverable),
	})
	return res
}

func (e *Engine) finalPrompt(ticks int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Mandate: %s\n", e.dag.Root().Title)
	fmt.Fprintf(&b, "Target length: about %d words.\n", wordsPerTick*ticks)

	if fold := rawFold(e.dag.Root()); fold != "" {
		b.WriteString("\nFolded branch results:\n")
		b.WriteString(fold)
		b.WriteString("\n")
	}
	if len(e.deliverables) > 0 {
		b.WriteString("\nCollected findings:\n")
		for _, d := range e.deliverables {
			fmt.Fprintf(&b, "- %s\n", snippet(d, 800))
		}
	}
	if len(e.history) > 0 {
		b.WriteString("\nRun history:\n")
		for _, h := range e.history {
			fmt.Fprintf(&b, "- %s\n", h)
		}
	}
	if notes := e.joinedNotes(); notes != "" {
		b.WriteString("\nNotes and caveats:\n")
		b.WriteString(notes)
		b.WriteString("\n")
	}
	if e.io.Vectors != nil {
		if hits, err := e.io.Vectors.Query(context.Background(), []string{e.dag.Root().Title}, 3); err == nil {
			for _, docs := range hits {
				for _, doc := range docs {
					fmt.Fprintf(&b, "\nRelated memory: %s\n", snippet(doc, 300))
				}
			}
		}
	}
	return b.String()
}

// fallbackDeliverable joins whatever findings exist; used when no model is
// reachable or no ticks were consumed.
func (e *Engine) fallbackDeliverable() string {
	if fold := rawFold(e.dag.Root()); fold != "" {
		return fold
	}
	if len(e.deliverables) > 0 {
		return strings.Join(e.deliverables, "\n\n")
	}
	return fmt.Sprintf("No findings collected for: %s", e.dag.Root().Title)
}

// synthesizeMerge asks the model to fold an expansion node's merged child
// results into one text.
func (e *Engine) synthesizeMerge(ctx context.Context, expansion *dag.Node) (string, error) {
	if e.io.Chat == nil {
		return rawFold(expansion), nil
	}
	var b strings.Builder
	fmt.Fprintf(&b, "Goal: %s\n\nSibling results:\n", expansion.Title)
	fold := rawFold(expansion)
	if fold == "" {
		return "", fmt.Errorf("engine: no merged results on %s", expansion.ID)
	}
	b.WriteString(fold)
	return e.io.Chat.Complete(ctx, mergeSystemPrompt, b.String())
}

// rawFold renders a node's merged_results entries as plain text, in order.
func rawFold(n *dag.Node) string {
	entries, ok := n.Details[dag.DetailMergedResults].([]any)
	if !ok {
		return ""
	}
	var b strings.Builder
	for _, entry := range entries {
		m, ok := entry.(map[string]any)
		if !ok {
			continue
		}
		title, _ := m["title"].(string)
		status, _ := m["status"].(string)
		fmt.Fprintf(&b, "[%s] %s", status, title)
		if errText, ok := m["error"].(string); ok && errText != "" {
			fmt.Fprintf(&b, ": %s", errText)
		}
		if result, ok := m["result"].(map[string]any); ok {
			if text, ok := result["text"].(string); ok && text != "" {
				fmt.Fprintf(&b, ": %s", text)
			} else if content, ok := result["content"].(string); ok && content != "" {
				fmt.Fprintf(&b, ": %s", snippet(content, 400))
			}
		}
		b.WriteString("\n")
	}
	return strings.TrimRight(b.String(), "\n")
}

func (e *Engine) joinedNotes() string {
	return strings.Join(e.notes, "\n")
}

// actionSummary renders the per-action outcome counters, deterministically
// ordered by the canonical action list.
func (e *Engine) actionSummary() string {
	order := append([]dag.ActionType{}, dag.LeafActionTypes...)
	order = append(order, dag.ActionMerge)
	outcomes := []string{"success", "failed", "blocked", "memo_hit"}

	var parts []string
	for _, a := range order {
		for _, o := range outcomes {
			if c := e.actionCounts[string(a)+":"+o]; c > 0 {
				parts = append(parts, fmt.Sprintf("%s %s=%d", a, o, c))
			}
		}
	}
	if len(parts) == 0 {
		return "no actions executed"
	}
	return strings.Join(parts, ", ")
}

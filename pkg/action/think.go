package action

import (
	"context"
	"fmt"
	"time"

	"github.com/euglena-ai/euglena/pkg/dag"
)

const thinkSystemPrompt = "You are a focused research assistant. " +
	"Reason about the given sub-problem and answer concisely with your conclusion."

// thinkAction is a pure LLM call with no external I/O.
type thinkAction struct{}

func (a *thinkAction) Type() dag.ActionType { return dag.ActionThink }

// prompt returns the node's free text, falling back to its title.
func (a *thinkAction) prompt(n *dag.Node) string {
	if t := stringDetail(n, dag.DetailText); t != "" {
		return t
	}
	return n.Title
}

func (a *thinkAction) Validate(n *dag.Node) error {
	if a.prompt(n) == "" {
		return fmt.Errorf("%w: %s requires %q or a title", ErrMissingInput, dag.ActionThink, dag.DetailText)
	}
	return nil
}

func (a *thinkAction) Fingerprint(n *dag.Node) string {
	return fingerprint(dag.ActionThink, map[string]any{"prompt": a.prompt(n)})
}

func (a *thinkAction) Execute(ctx context.Context, n *dag.Node, io IO) Result {
	if err := a.Validate(n); err != nil {
		return failure(Permanent(err))
	}

	start := time.Now()
	text, err := io.Chat.Complete(ctx, thinkSystemPrompt, a.prompt(n))
	if io.Trace != nil {
		io.Trace.RecordTiming("think", time.Since(start))
	}
	if err != nil {
		return failure(fmt.Errorf("think: %w", err))
	}
	return success(map[string]any{"text": text})
}

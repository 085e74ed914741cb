package action

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/euglena-ai/euglena/pkg/dag"
)

// defaultSearchResults caps search hits when the node does not say otherwise.
const defaultSearchResults = 5

// searchAction queries the web search provider.
type searchAction struct{}

func (a *searchAction) Type() dag.ActionType { return dag.ActionSearch }

func (a *searchAction) Validate(n *dag.Node) error {
	if stringDetail(n, dag.DetailQuery) == "" {
		return fmt.Errorf("%w: %s requires %q", ErrMissingInput, dag.ActionSearch, dag.DetailQuery)
	}
	return nil
}

func (a *searchAction) Fingerprint(n *dag.Node) string {
	return fingerprint(dag.ActionSearch, map[string]any{
		"query":     strings.ToLower(stringDetail(n, dag.DetailQuery)),
		"n_results": intDetail(n, dag.DetailNResults, defaultSearchResults),
	})
}

func (a *searchAction) Execute(ctx context.Context, n *dag.Node, io IO) Result {
	if err := a.Validate(n); err != nil {
		return failure(Permanent(err))
	}
	query := stringDetail(n, dag.DetailQuery)
	nResults := intDetail(n, dag.DetailNResults, defaultSearchResults)

	start := time.Now()
	hits, err := io.Search.Search(ctx, query, nResults)
	if io.Trace != nil {
		io.Trace.RecordTiming("search", time.Since(start))
	}
	if err != nil {
		return failure(fmt.Errorf("search %q: %w", query, err))
	}

	out := make([]map[string]any, 0, len(hits))
	for _, h := range hits {
		out = append(out, map[string]any{
			"title":       h.Title,
			"url":         h.URL,
			"description": h.Description,
		})
	}
	return success(map[string]any{"hits": out})
}

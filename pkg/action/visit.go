package action

import (
	"context"
	"fmt"
	"net/url"
	"time"

	"github.com/euglena-ai/euglena/pkg/dag"
)

// visitAction fetches a URL and extracts its main content.
type visitAction struct{}

func (a *visitAction) Type() dag.ActionType { return dag.ActionVisit }

// target reads the node's URL, accepting the legacy "link" key as fallback.
func (a *visitAction) target(n *dag.Node) string {
	if u := stringDetail(n, dag.DetailURL); u != "" {
		return u
	}
	return stringDetail(n, dag.DetailLink)
}

func (a *visitAction) Validate(n *dag.Node) error {
	raw := a.target(n)
	if raw == "" {
		return fmt.Errorf("%w: %s requires %q", ErrMissingInput, dag.ActionVisit, dag.DetailURL)
	}
	u, err := url.Parse(raw)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("%w: malformed url %q", ErrMissingInput, raw)
	}
	return nil
}

func (a *visitAction) Fingerprint(n *dag.Node) string {
	return fingerprint(dag.ActionVisit, map[string]any{"url": a.target(n)})
}

func (a *visitAction) Execute(ctx context.Context, n *dag.Node, io IO) Result {
	if err := a.Validate(n); err != nil {
		return failure(Permanent(err))
	}
	target := a.target(n)

	start := time.Now()
	page, err := io.Fetch.Fetch(ctx, target)
	if io.Trace != nil {
		io.Trace.RecordTiming("visit", time.Since(start))
	}
	if err != nil {
		return failure(fmt.Errorf("visit %q: %w", target, err))
	}
	if io.Trace != nil {
		io.Trace.DocumentSeen(page.URL)
	}

	payload := map[string]any{"content": page.Content, "url": page.URL}
	if page.Title != "" {
		payload["title"] = page.Title
	}
	return success(payload)
}

// Package engine implements the per-tick reasoning scheduler. Given a DAG
// rooted at the mandate and a tick budget, it drives the DAG to a terminal
// state: root DONE (success), root FAILED (failure), or budget exhausted
// (partial). Each tick performs exactly one unit of progress on exactly one
// node; external I/O happens only inside that unit.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/euglena-ai/euglena/pkg/action"
	"github.com/euglena-ai/euglena/pkg/dag"
	"github.com/euglena-ai/euglena/pkg/policy"
	"github.com/euglena-ai/euglena/pkg/telemetry"
)

// ErrInvariant marks engine-internal invariant violations (missing node id,
// malformed structure). Fatal per task: the worker fails the record.
var ErrInvariant = errors.New("engine: invariant violation")

// errCancelled is the internal signal that the current tick was aborted by
// context cancellation.
var errCancelled = errors.New("engine: cancelled")

// Result is the outcome of one engine run.
type Result struct {
	Success          bool     `json:"success"`
	Deliverables     []string `json:"deliverables"`
	Notes            string   `json:"notes"`
	FinalDeliverable string   `json:"final_deliverable"`
	ActionSummary    string   `json:"action_summary"`
	History          []string `json:"history"`
	TicksUsed        int      `json:"ticks_used"`
}

// TickInfo is handed to the progress callback once per consumed tick.
type TickInfo struct {
	Tick              int
	MaxTicks          int
	HistoryLength     int
	NotesLen          int
	DeliverablesCount int
}

// Engine drives one DAG for one mandate. Not safe for concurrent use: the
// cooperative model is single-threaded per mandate.
type Engine struct {
	dag      *dag.DAG
	policies *policy.Set
	registry *action.Registry
	io       action.IO
	log      *slog.Logger
	now      func() time.Time

	// OnTick, when set, is invoked after every consumed tick.
	OnTick func(TickInfo)

	history      []string
	notes        []string
	deliverables []string
	actionCounts map[string]int
}

// New creates an engine over the given DAG, policies, action registry and
// collaborator bundle.
func New(d *dag.DAG, policies *policy.Set, registry *action.Registry, io action.IO) *Engine {
	return &Engine{
		dag:          d,
		policies:     policies,
		registry:     registry,
		io:           io,
		log:          slog.With("component", "engine"),
		now:          time.Now,
		actionCounts: make(map[string]int),
	}
}

// WithClock overrides the engine clock; used by tests to drive cooldowns.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	if sel, ok := e.policies.Selection.(*policy.BestScoreSelection); ok {
		sel.WithClock(now)
	}
	return e
}

// Run drives the DAG until the root is terminal or the tick budget is
// exhausted, then performs final synthesis from whatever state exists. A
// cancelled context never surfaces as an error: it yields a partial result
// with Success=false.
func (e *Engine) Run(ctx context.Context, maxTicks int) (*Result, error) {
	root := e.dag.Root()
	ticks := 0
	cancelled := false

	for ; ticks < maxTicks; ticks++ {
		if root.Status.Terminal() {
			break
		}
		if ctx.Err() != nil {
			cancelled = true
			break
		}
		if err := e.Step(ctx, ticks); err != nil {
			if errors.Is(err, errCancelled) {
				cancelled = true
				ticks++
				e.publishTick(ticks, maxTicks)
				break
			}
			return nil, err
		}
		telemetry.EngineTicks.Inc()
		e.publishTick(ticks+1, maxTicks)
	}

	res := e.synthesize(ctx, ticks)
	res.Success = root.Status == dag.StatusDone && !cancelled
	if cancelled {
		e.note("run cancelled before completion")
		res.Notes = e.joinedNotes()
	}
	return res, nil
}

// Step performs one unit of progress. It is idempotent on no-op ticks: a
// terminal or waiting target leaves the DAG untouched.
func (e *Engine) Step(ctx context.Context, tick int) error {
	root := e.dag.Root()
	if root == nil {
		return fmt.Errorf("%w: DAG has no root", ErrInvariant)
	}
	if !root.Status.Terminal() {
		e.gcTerminalBranches()
	}

	target, err := e.pickTarget(root)
	if err != nil {
		return err
	}

	switch {
	case target.IsMergeNode() && e.actionable(target):
		return e.executeMergeNode(ctx, tick, target)
	case target.IsLeafAction() && e.actionable(target):
		return e.executeAction(ctx, tick, target)
	case e.needsMerge(target):
		merge, err := e.policies.Merge.CreateMergeNode(e.dag, target)
		if err != nil {
			return fmt.Errorf("%w: creating merge node: %v", ErrInvariant, err)
		}
		e.recordHistory(tick, fmt.Sprintf("merge node created under %q covering %d children",
			target.Title, len(merge.AllParentIDs())))
		e.trace("merge_created", map[string]any{"node_id": merge.ID, "parent": target.ID})
		e.propagateFailure(target)
		return nil
	case e.readyToFold(target):
		return e.foldWithoutMerge(tick, target)
	case e.needsExpansion(target):
		return e.expand(ctx, tick, target)
	default:
		// Terminal or waiting: the tick is still consumed.
		return nil
	}
}

// pickTarget walks from the root: at each expansion node an actionable merge
// child wins, otherwise descend into the selection policy's pick. When no
// descendant is actionable the node itself is the target.
func (e *Engine) pickTarget(n *dag.Node) (*dag.Node, error) {
	for {
		if len(n.Children) == 0 || n.Action() != "" {
			return n, nil
		}
		if mc := e.dag.MergeChild(n.ID); mc != nil && e.actionable(mc) {
			return mc, nil
		}
		next := e.policies.Selection.Select(e.dag, n)
		if next == nil {
			return n, nil
		}
		if next.ID == n.ID {
			return nil, fmt.Errorf("%w: selection returned parent %s", ErrInvariant, n.ID)
		}
		n = next
	}
}

// actionable reports whether a node may execute this tick: PENDING, ACTIVE,
// or BLOCKED with an elapsed cooldown.
func (e *Engine) actionable(n *dag.Node) bool {
	switch n.Status {
	case dag.StatusPending, dag.StatusActive:
		return true
	case dag.StatusBlocked:
		until := policy.CooldownUntil(n)
		return !until.IsZero() && !e.now().Before(until)
	default:
		return false
	}
}

// needsMerge reports whether target is an expansion node whose children are
// all terminal with no MERGE child attached yet.
func (e *Engine) needsMerge(n *dag.Node) bool {
	if n.Action() != "" || len(n.Children) == 0 || n.Status.Terminal() {
		return false
	}
	return e.policies.Merge.ShouldCreateMergeNode(e.dag, n)
}

// readyToFold reports whether target is an expansion node whose children are
// all terminal but which cannot carry a merge node: a single child, or
// recursive merge disabled. The fold happens directly on the parent.
func (e *Engine) readyToFold(n *dag.Node) bool {
	if n.Action() != "" || len(n.Children) == 0 || n.Status.Terminal() {
		return false
	}
	if e.dag.MergeChild(n.ID) != nil {
		return false
	}
	return e.policies.Merge.AreChildrenReady(e.dag, n) &&
		!e.policies.Merge.ShouldCreateMergeNode(e.dag, n)
}

// foldWithoutMerge folds child results into the parent directly when no
// merge node applies, then completes the parent.
func (e *Engine) foldWithoutMerge(tick int, n *dag.Node) error {
	if err := e.policies.Merge.Merge(e.dag, n, true); err != nil {
		return fmt.Errorf("%w: folding %s: %v", ErrInvariant, n.ID, err)
	}
	if !n.Status.Terminal() {
		if err := e.dag.UpdateStatus(n.ID, dag.StatusDone); err != nil {
			return fmt.Errorf("%w: %v", ErrInvariant, err)
		}
		if fold := rawFold(n); fold != "" {
			e.deliverables = append(e.deliverables, fold)
		}
	}
	e.recordHistory(tick, fmt.Sprintf("folded %q", n.Title))
	e.trace("folded", map[string]any{"node_id": n.ID})
	e.afterTerminal(n)
	return nil
}

// needsExpansion reports whether target should receive children this tick.
func (e *Engine) needsExpansion(n *dag.Node) bool {
	if n.Status.Terminal() || n.Action() != "" || len(n.Children) > 0 {
		return false
	}
	return e.policies.Decomposition.ShouldDecompose(e.dag, n)
}

// expand invokes the expansion policy, attaches the ideas, and scores the
// batch. An empty or malformed expansion is a policy violation: the node
// fails and merge treats it as terminal.
func (e *Engine) expand(ctx context.Context, tick int, n *dag.Node) error {
	ideas, err := e.policies.Expansion.Expand(ctx, e.dag, n)
	if err != nil {
		if ctx.Err() != nil {
			return e.markCancelled(n)
		}
		e.log.Warn("Expansion failed", "node_id", n.ID, "error", err)
		_ = e.dag.UpdateDetails(n.ID, dag.Details{dag.DetailActionError: err.Error()})
		if uerr := e.dag.UpdateStatus(n.ID, dag.StatusFailed); uerr != nil {
			return fmt.Errorf("%w: %v", ErrInvariant, uerr)
		}
		e.note(fmt.Sprintf("expansion of %q failed: %v", n.Title, err))
		e.recordHistory(tick, fmt.Sprintf("expansion of %q failed", n.Title))
		e.propagateFailure(n)
		return nil
	}

	children, err := e.dag.Expand(n.ID, ideas)
	if err != nil {
		return fmt.Errorf("%w: attaching ideas: %v", ErrInvariant, err)
	}

	// Score the batch: only children the expansion left unscored.
	var unscored []string
	for _, c := range children {
		if c.Score == nil {
			unscored = append(unscored, c.ID)
		}
	}
	if len(unscored) > 0 {
		scores, err := e.policies.Evaluation.EvaluateBatch(ctx, e.dag, n, unscored)
		if err == nil {
			for id, s := range scores {
				_ = e.dag.Evaluate(id, s)
			}
		} else {
			e.log.Warn("Batch evaluation failed", "node_id", n.ID, "error", err)
		}
	}

	if err := e.dag.UpdateStatus(n.ID, dag.StatusActive); err != nil {
		return fmt.Errorf("%w: %v", ErrInvariant, err)
	}
	e.recordHistory(tick, fmt.Sprintf("expanded %q into %d ideas", n.Title, len(children)))
	e.trace("expanded", map[string]any{"node_id": n.ID, "children": len(children)})
	return nil
}

// executeAction runs a leaf action with memoization and retry/backoff.
func (e *Engine) executeAction(ctx context.Context, tick int, n *dag.Node) error {
	act, err := e.registry.Get(n.Action())
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvariant, err)
	}

	// Memo hit: copy the cached result, never re-invoke the service.
	if ns, key, ok := e.policies.Memo.Key(n); ok {
		if cached, hit := e.policies.Memo.Lookup(ns, key); hit {
			if err := e.dag.UpdateDetails(n.ID, dag.Details{dag.DetailActionResult: cached}); err != nil {
				return fmt.Errorf("%w: %v", ErrInvariant, err)
			}
			if err := e.dag.UpdateStatus(n.ID, dag.StatusDone); err != nil {
				return fmt.Errorf("%w: %v", ErrInvariant, err)
			}
			e.countAction(n.Action(), "memo_hit")
			e.recordHistory(tick, fmt.Sprintf("%s %q served from memo", n.Action(), n.Title))
			e.afterTerminal(n)
			return nil
		}
	}

	attempts := detailInt(n, dag.DetailActionAttempts, 0) + 1
	if err := e.dag.UpdateStatus(n.ID, dag.StatusActive); err != nil {
		return fmt.Errorf("%w: %v", ErrInvariant, err)
	}
	res := act.Execute(ctx, n, e.io)
	if err := e.dag.UpdateDetails(n.ID, dag.Details{dag.DetailActionAttempts: attempts}); err != nil {
		return fmt.Errorf("%w: %v", ErrInvariant, err)
	}

	if res.Success {
		payload := policy.Sanitize(res.Payload)
		if err := e.dag.UpdateDetails(n.ID, dag.Details{dag.DetailActionResult: payload}); err != nil {
			return fmt.Errorf("%w: %v", ErrInvariant, err)
		}
		if err := e.dag.UpdateStatus(n.ID, dag.StatusDone); err != nil {
			return fmt.Errorf("%w: %v", ErrInvariant, err)
		}
		if ns, key, ok := e.policies.Memo.Key(n); ok {
			if m, isMap := payload.(map[string]any); isMap {
				e.policies.Memo.Store(ns, key, m)
			}
		}
		e.countAction(n.Action(), "success")
		e.recordHistory(tick, fmt.Sprintf("%s %q succeeded", n.Action(), n.Title))
		e.trace("action_done", map[string]any{"node_id": n.ID, "action": string(n.Action())})
		e.collectDeliverable(n)
		e.afterTerminal(n)
		return nil
	}

	// Cancellation mid-action: BLOCK the node and signal the run loop.
	if ctx.Err() != nil || errors.Is(res.Err, context.Canceled) {
		return e.markCancelled(n)
	}

	_ = e.dag.UpdateDetails(n.ID, dag.Details{
		dag.DetailActionError:     res.Err.Error(),
		dag.DetailActionRetryable: res.Retryable,
	})
	maxRetries := detailInt(n, dag.DetailActionMaxRetries, e.policies.Settings.ActionMaxRetries)

	switch {
	case !res.Retryable:
		if err := e.dag.UpdateStatus(n.ID, dag.StatusFailed); err != nil {
			return fmt.Errorf("%w: %v", ErrInvariant, err)
		}
		e.countAction(n.Action(), "failed")
		e.note(fmt.Sprintf("%s %q failed permanently: %v", n.Action(), n.Title, res.Err))
		e.recordHistory(tick, fmt.Sprintf("%s %q failed (permanent)", n.Action(), n.Title))
		e.afterTerminal(n)
	case attempts < maxRetries:
		cooldown := e.policies.Settings.Backoff(attempts)
		_ = e.dag.UpdateDetails(n.ID, dag.Details{
			dag.DetailActionCooldownUntil: e.now().Add(cooldown),
		})
		if err := e.dag.UpdateStatus(n.ID, dag.StatusBlocked); err != nil {
			return fmt.Errorf("%w: %v", ErrInvariant, err)
		}
		e.countAction(n.Action(), "blocked")
		e.recordHistory(tick, fmt.Sprintf("%s %q blocked, retry in %s", n.Action(), n.Title, cooldown))
	default:
		if err := e.dag.UpdateStatus(n.ID, dag.StatusFailed); err != nil {
			return fmt.Errorf("%w: %v", ErrInvariant, err)
		}
		e.countAction(n.Action(), "failed")
		e.note(fmt.Sprintf("%s %q exhausted %d retries: %v", n.Action(), n.Title, maxRetries, res.Err))
		e.recordHistory(tick, fmt.Sprintf("%s %q failed after %d attempts", n.Action(), n.Title, attempts))
		e.afterTerminal(n)
	}
	e.trace("action_failed", map[string]any{
		"node_id": n.ID, "action": string(n.Action()), "attempts": attempts,
		"retryable": res.Retryable,
	})
	return nil
}

// executeMergeNode synthesizes the merge node's parents' results and folds
// the completion upward toward the root.
func (e *Engine) executeMergeNode(ctx context.Context, tick int, merge *dag.Node) error {
	expansion, err := e.expansionOf(merge)
	if err != nil {
		return err
	}

	text, err := e.synthesizeMerge(ctx, expansion)
	if err != nil {
		if ctx.Err() != nil {
			return e.markCancelled(merge)
		}
		// Merge synthesis failure is contained: fall back to the raw fold so
		// the branch still progresses.
		e.log.Warn("Merge synthesis failed, using raw fold", "node_id", merge.ID, "error", err)
		text = rawFold(expansion)
	}

	if err := e.dag.UpdateDetails(merge.ID, dag.Details{
		dag.DetailActionResult: map[string]any{"text": text},
	}); err != nil {
		return fmt.Errorf("%w: %v", ErrInvariant, err)
	}
	if err := e.dag.UpdateStatus(merge.ID, dag.StatusDone); err != nil {
		return fmt.Errorf("%w: %v", ErrInvariant, err)
	}

	// The pair is complete: the expansion progresses toward the root.
	if !expansion.Status.Terminal() {
		if err := e.dag.UpdateStatus(expansion.ID, dag.StatusDone); err != nil {
			return fmt.Errorf("%w: %v", ErrInvariant, err)
		}
	}
	if err := e.policies.Merge.Merge(e.dag, expansion, true); err != nil {
		e.log.Warn("Recursive merge fold failed", "node_id", expansion.ID, "error", err)
	}

	e.deliverables = append(e.deliverables, text)
	e.countAction(dag.ActionMerge, "success")
	e.recordHistory(tick, fmt.Sprintf("merged %q", expansion.Title))
	e.trace("merge_done", map[string]any{"node_id": merge.ID, "expansion": expansion.ID})
	e.afterTerminal(expansion)
	return nil
}

// expansionOf resolves the expansion node a merge child belongs to: the
// canonical parent of its first parent.
func (e *Engine) expansionOf(merge *dag.Node) (*dag.Node, error) {
	parents := merge.AllParentIDs()
	if len(parents) == 0 {
		return nil, fmt.Errorf("%w: merge node %s has no parents", ErrInvariant, merge.ID)
	}
	first, err := e.dag.Node(parents[0])
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvariant, err)
	}
	if first.ParentID == "" {
		return nil, fmt.Errorf("%w: merge parent %s has no expansion", ErrInvariant, first.ID)
	}
	expansion, err := e.dag.Node(first.ParentID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvariant, err)
	}
	return expansion, nil
}

// markCancelled blocks the current node with a cancellation error and
// signals the run loop to stop and synthesize from partial state.
func (e *Engine) markCancelled(n *dag.Node) error {
	_ = e.dag.UpdateDetails(n.ID, dag.Details{dag.DetailActionError: "cancelled"})
	_ = e.dag.UpdateStatus(n.ID, dag.StatusBlocked)
	return errCancelled
}

// afterTerminal propagates failure upward after a node reached a terminal
// state: a parent whose children are all terminal with no DONE and no
// BLOCKED becomes FAILED.
func (e *Engine) afterTerminal(n *dag.Node) {
	e.propagateFailure(n)
}

func (e *Engine) propagateFailure(n *dag.Node) {
	cur := n
	for cur.ParentID != "" {
		parent, err := e.dag.Node(cur.ParentID)
		if err != nil {
			return
		}
		if parent.Status.Terminal() {
			return
		}
		children := e.dag.ChildNodes(parent.ID)
		anyDone, anyBlocked, anyOpen, anyFailed := false, false, false, false
		for _, c := range children {
			if c.IsMergeNode() {
				continue
			}
			switch c.Status {
			case dag.StatusDone:
				anyDone = true
			case dag.StatusBlocked:
				anyBlocked = true
			case dag.StatusFailed, dag.StatusSkipped:
				if c.Status == dag.StatusFailed {
					anyFailed = true
				}
			default:
				anyOpen = true
			}
		}
		if anyDone || anyBlocked || anyOpen || !anyFailed {
			return
		}
		_ = e.dag.UpdateDetails(parent.ID, dag.Details{
			dag.DetailMergeFailure: "all children failed",
		})
		_ = e.dag.UpdateStatus(parent.ID, dag.StatusFailed)
		e.trace("branch_failed", map[string]any{"node_id": parent.ID})
		cur = parent
	}
}

// gcTerminalBranches prunes the descendants of completed top-level branches.
// The branch node survives, carrying its fold, so final synthesis loses
// nothing; the subtree's nodes are released.
func (e *Engine) gcTerminalBranches() {
	root := e.dag.Root()
	for _, branch := range e.dag.ChildNodes(root.ID) {
		if branch.IsMergeNode() || !branch.Status.Terminal() || len(branch.Children) == 0 {
			continue
		}
		mc := e.dag.MergeChild(branch.ID)
		if mc == nil || !mc.Status.Terminal() {
			continue
		}
		// Keep the merge synthesis on the branch node before pruning.
		if r, ok := mc.Details[dag.DetailActionResult]; ok {
			_ = e.dag.UpdateDetails(branch.ID, dag.Details{dag.DetailActionResults: r})
		}
		if err := e.dag.RemoveSubtree(branch.ID); err != nil {
			e.log.Warn("Branch GC failed", "node_id", branch.ID, "error", err)
			continue
		}
		e.trace("branch_gc", map[string]any{"node_id": branch.ID})
	}
}

// collectDeliverable keeps human-readable leaf outputs for final synthesis.
func (e *Engine) collectDeliverable(n *dag.Node) {
	result, ok := n.Details[dag.DetailActionResult].(map[string]any)
	if !ok {
		return
	}
	if text, ok := result["text"].(string); ok && text != "" {
		e.deliverables = append(e.deliverables, text)
	}
	if content, ok := result["content"].(string); ok && content != "" {
		url, _ := result["url"].(string)
		e.deliverables = append(e.deliverables, fmt.Sprintf("%s (source: %s)", snippet(content, 500), url))
	}
	if hits, ok := result["hits"].([]any); ok {
		for _, h := range hits {
			if hm, ok := h.(map[string]any); ok {
				e.deliverables = append(e.deliverables,
					fmt.Sprintf("%v — %v", hm["title"], hm["url"]))
			}
		}
	}
}

func (e *Engine) publishTick(tick, maxTicks int) {
	if e.OnTick == nil {
		return
	}
	e.OnTick(TickInfo{
		Tick:              tick,
		MaxTicks:          maxTicks,
		HistoryLength:     len(e.history),
		NotesLen:          len(e.joinedNotes()),
		DeliverablesCount: len(e.deliverables),
	})
}

func (e *Engine) countAction(a dag.ActionType, outcome string) {
	e.actionCounts[string(a)+":"+outcome]++
	telemetry.Actions.WithLabelValues(string(a), outcome).Inc()
}

func (e *Engine) recordHistory(tick int, entry string) {
	e.history = append(e.history, fmt.Sprintf("tick %d: %s", tick+1, entry))
}

func (e *Engine) note(s string) { e.notes = append(e.notes, s) }

func (e *Engine) trace(event string, payload map[string]any) {
	if e.io.Trace != nil {
		e.io.Trace.Record(event, payload)
	}
}

func detailInt(n *dag.Node, key dag.DetailKey, def int) int {
	switch v := n.Details[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return def
	}
}

func snippet(s string, n int) string {
	if len(s) <= n {
		return s
	}
	// Back up to a rune boundary so the cut never splits a multi-byte rune.
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "…"
}

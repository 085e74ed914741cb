package policy

import (
	"github.com/euglena-ai/euglena/pkg/action"
)

// NewDefaultSet wires the default policy per concern: LLM expansion and
// evaluation, best-score selection, threshold decomposition, simple merge,
// and fingerprint memoization.
func NewDefaultSet(chat action.ChatModel, vectors action.VectorStore, registry *action.Registry, settings Settings) *Set {
	return &Set{
		Expansion:     NewLLMExpansion(chat, vectors, settings),
		Evaluation:    NewLLMEvaluation(chat),
		Selection:     NewBestScoreSelection(settings),
		Decomposition: NewThresholdDecomposition(settings),
		Merge:         NewSimpleMergePolicy(settings),
		Memo:          NewMemoCache(registry),
		Settings:      settings,
	}
}

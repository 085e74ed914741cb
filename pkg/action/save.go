package action

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/euglena-ai/euglena/pkg/dag"
)

// saveAction writes documents to the vector store. Document ids are derived
// from the content hash, so redelivered or retried saves never double-write.
type saveAction struct{}

func (a *saveAction) Type() dag.ActionType { return dag.ActionSave }

func (a *saveAction) Validate(n *dag.Node) error {
	docs := stringsDetail(n, dag.DetailDocuments)
	if len(docs) == 0 {
		return fmt.Errorf("%w: %s requires %q", ErrMissingInput, dag.ActionSave, dag.DetailDocuments)
	}
	metas := mapsDetail(n, dag.DetailMetadatas)
	if len(metas) > 0 && len(metas) != len(docs) {
		return fmt.Errorf("%w: metadatas length %d does not match documents length %d",
			ErrMissingInput, len(metas), len(docs))
	}
	return nil
}

func (a *saveAction) Fingerprint(n *dag.Node) string {
	return fingerprint(dag.ActionSave, map[string]any{
		"ids": DocumentIDs(stringsDetail(n, dag.DetailDocuments)),
	})
}

func (a *saveAction) Execute(ctx context.Context, n *dag.Node, io IO) Result {
	if err := a.Validate(n); err != nil {
		return failure(Permanent(err))
	}
	docs := stringsDetail(n, dag.DetailDocuments)
	metas := mapsDetail(n, dag.DetailMetadatas)
	if len(metas) == 0 {
		metas = make([]map[string]any, len(docs))
		for i := range metas {
			metas[i] = map[string]any{}
		}
	}
	ids := DocumentIDs(docs)

	start := time.Now()
	err := io.Vectors.Add(ctx, ids, docs, metas)
	if io.Trace != nil {
		io.Trace.RecordTiming("save", time.Since(start))
	}
	if err != nil {
		return failure(fmt.Errorf("save %d documents: %w", len(docs), err))
	}
	if io.Trace != nil {
		io.Trace.VectorStore(len(docs))
	}

	return success(map[string]any{"ids": ids})
}

// DocumentIDs derives deterministic vector-store ids from document content.
func DocumentIDs(docs []string) []string {
	ids := make([]string, len(docs))
	for i, doc := range docs {
		sum := sha256.Sum256([]byte(doc))
		ids[i] = "doc-" + hex.EncodeToString(sum[:12])
	}
	return ids
}

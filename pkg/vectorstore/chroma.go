// Package vectorstore adapts a Chroma collection to the engine's VectorStore
// interface. The adapter is deliberately thin: everything above it speaks
// ids, documents, and plain metadata maps.
package vectorstore

import (
	"context"
	"fmt"
	"log/slog"

	chroma "github.com/amikos-tech/chroma-go/pkg/api/v2"

	"github.com/euglena-ai/euglena/pkg/config"
)

// Store is a Chroma-backed document memory. It satisfies action.VectorStore.
type Store struct {
	client     chroma.Client
	collection chroma.Collection
	log        *slog.Logger
}

// New connects to Chroma and opens (or creates) the configured collection.
func New(ctx context.Context, cfg *config.VectorConfig) (*Store, error) {
	client, err := chroma.NewHTTPClient(chroma.WithBaseURL(cfg.URL))
	if err != nil {
		return nil, fmt.Errorf("connecting to chroma at %s: %w", cfg.URL, err)
	}
	collection, err := client.GetOrCreateCollection(ctx, cfg.Collection)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("opening collection %q: %w", cfg.Collection, err)
	}
	return &Store{
		client:     client,
		collection: collection,
		log:        slog.With("component", "vectorstore", "collection", cfg.Collection),
	}, nil
}

// Add upserts documents under the given ids. Metadatas may be nil; when
// present it must be aligned with documents.
func (s *Store) Add(ctx context.Context, ids, documents []string, metadatas []map[string]any) error {
	if len(ids) != len(documents) {
		return fmt.Errorf("vectorstore: %d ids for %d documents", len(ids), len(documents))
	}
	if metadatas != nil && len(metadatas) != len(documents) {
		return fmt.Errorf("vectorstore: %d metadatas for %d documents", len(metadatas), len(documents))
	}

	docIDs := make([]chroma.DocumentID, len(ids))
	for i, id := range ids {
		docIDs[i] = chroma.DocumentID(id)
	}
	opts := []chroma.CollectionAddOption{
		chroma.WithIDs(docIDs...),
		chroma.WithTexts(documents...),
	}
	if metadatas != nil {
		converted := make([]chroma.DocumentMetadata, len(metadatas))
		for i, m := range metadatas {
			converted[i] = toDocumentMetadata(m)
		}
		opts = append(opts, chroma.WithMetadatas(converted...))
	}
	if err := s.collection.Add(ctx, opts...); err != nil {
		return fmt.Errorf("adding %d documents: %w", len(documents), err)
	}
	return nil
}

// Query returns the closest documents per query, aligned with the input.
func (s *Store) Query(ctx context.Context, queries []string, nResults int) ([][]string, error) {
	if len(queries) == 0 {
		return nil, nil
	}
	res, err := s.collection.Query(ctx,
		chroma.WithQueryTexts(queries...),
		chroma.WithNResults(nResults),
	)
	if err != nil {
		return nil, fmt.Errorf("querying %d texts: %w", len(queries), err)
	}

	groups := res.GetDocumentsGroups()
	out := make([][]string, len(groups))
	for i, group := range groups {
		docs := make([]string, 0, len(group))
		for _, doc := range group {
			docs = append(docs, doc.ContentString())
		}
		out[i] = docs
	}
	return out, nil
}

// Close releases the Chroma client.
func (s *Store) Close() error {
	return s.client.Close()
}

// toDocumentMetadata converts a plain metadata map to Chroma attributes.
// Unsupported value types are stringified.
func toDocumentMetadata(m map[string]any) chroma.DocumentMetadata {
	attrs := make([]*chroma.MetaAttribute, 0, len(m))
	for k, v := range m {
		switch val := v.(type) {
		case string:
			attrs = append(attrs, chroma.NewStringAttribute(k, val))
		case bool:
			attrs = append(attrs, chroma.NewBoolAttribute(k, val))
		case int:
			attrs = append(attrs, chroma.NewIntAttribute(k, int64(val)))
		case int64:
			attrs = append(attrs, chroma.NewIntAttribute(k, val))
		case float64:
			attrs = append(attrs, chroma.NewFloatAttribute(k, val))
		default:
			attrs = append(attrs, chroma.NewStringAttribute(k, fmt.Sprint(val)))
		}
	}
	return chroma.NewDocumentMetadata(attrs...)
}

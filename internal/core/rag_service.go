package core

import (
	"context"
	"fmt"
	"strings"

	"github.com/wutangasaf/aml-detection/internal/store"
	"github.com/wutangasaf/aml-detection/internal/vectorstore"
)

const (
	DefaultSearchLimit = 8   // Number of passages to retrieve for context
	PreviewLength      = 500 // Characters of passage text kept per source
	unknownLabel       = "Unknown"
)

type SearchOptions struct {
	Limit        int
	SourceFilter string
}

// Retriever embeds a query and looks it up in the vector index. It holds no
// state between calls.
type Retriever struct {
	embedder Embedder
	index    vectorstore.Index
}

func NewRetriever(embedder Embedder, index vectorstore.Index) *Retriever {
	return &Retriever{embedder: embedder, index: index}
}

// Search returns the index's hits, in the index's order, as sources. Any
// failure yields ErrRetrieval and no sources.
func (r *Retriever) Search(ctx context.Context, query string, opts SearchOptions) ([]store.Source, error) {
	if strings.TrimSpace(query) == "" {
		return nil, NewValidationError("query", "must not be empty")
	}
	limit := opts.Limit
	if limit == 0 {
		limit = DefaultSearchLimit
	}
	if limit < 0 {
		return nil, NewValidationError("limit", "must be positive")
	}

	queryEmbedding, err := r.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("%w: failed to get query embedding: %w", ErrRetrieval, err)
	}

	hits, err := r.index.NearestNeighbors(ctx, queryEmbedding, limit, opts.SourceFilter)
	if err != nil {
		return nil, fmt.Errorf("%w: vector search failed: %w", ErrRetrieval, err)
	}

	sources := make([]store.Source, 0, len(hits))
	for _, hit := range hits {
		sources = append(sources, toSource(hit))
	}
	return sources, nil
}

func toSource(hit vectorstore.Hit) store.Source {
	src := store.Source{
		Source:      metaOrUnknown(hit.Metadata, vectorstore.MetaSource),
		Filename:    metaOrUnknown(hit.Metadata, vectorstore.MetaFilename),
		TextPreview: preview(hit.Text, PreviewLength),
	}
	if hit.Score != nil {
		src.Score = *hit.Score
	}
	return src
}

func metaOrUnknown(meta map[string]string, key string) string {
	if v := strings.TrimSpace(meta[key]); v != "" {
		return v
	}
	return unknownLabel
}

func preview(text string, n int) string {
	runes := []rune(text)
	if len(runes) <= n {
		return text
	}
	return string(runes[:n])
}

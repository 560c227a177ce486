package vectorstore

import "context"

// Hit is one nearest-neighbor match returned by an Index.
// Metadata values are whatever the backend stored; the Retriever clamps
// missing fields.
type Hit struct {
	ID       string
	Text     string
	Score    *float64
	Metadata map[string]string
}

// Index answers nearest-neighbor queries over passage embeddings.
// Hits are returned relevance-descending. An unrecognized sourceFilter yields
// an empty result, not an error.
type Index interface {
	NearestNeighbors(ctx context.Context, vector []float32, limit int, sourceFilter string) ([]Hit, error)
}

// Metadata keys shared by every backend.
const (
	MetaSource   = "source"
	MetaFilename = "filename"
)

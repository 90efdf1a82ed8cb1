package vectorindex

import (
	"context"
	"errors"
	"fmt"

	"quillai/pkg/ai"
	"quillai/pkg/domain"
)

// DefaultTopK is how many chunks a chat turn retrieves.
const DefaultTopK = 4

// ErrEmptyVector is returned for zero-length vectors.
var ErrEmptyVector = errors.New("embedding vector is empty")

// Record is a chunk together with its embedding.
type Record struct {
	domain.Chunk
	Vector []float32
}

// Match is a retrieved chunk and its cosine similarity to the query.
type Match struct {
	domain.Chunk
	Score float64
}

// Index stores vectors partitioned by namespace. Namespaces are file IDs, so
// a query never sees another file's chunks.
type Index interface {
	Upsert(ctx context.Context, namespace string, records []Record) error
	Query(ctx context.Context, namespace string, vector []float32, k int) ([]Match, error)
	DeleteNamespace(ctx context.Context, namespace string) error
}

// Searcher embeds query text with the same embedder used at ingest time and
// runs it against an index.
type Searcher struct {
	Embedder ai.Embedder
	Index    Index
	TopK     int
}

// Search returns the chunks of namespace most similar to query.
func (s Searcher) Search(ctx context.Context, namespace, query string) ([]Match, error) {
	vec, err := s.Embedder.EmbedText(ctx, query, ai.TaskQuery)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}
	k := s.TopK
	if k <= 0 {
		k = DefaultTopK
	}
	return s.Index.Query(ctx, namespace, vec, k)
}

func validateDim(vec []float32, dim int) error {
	if len(vec) == 0 {
		return ErrEmptyVector
	}
	if dim > 0 && len(vec) != dim {
		return fmt.Errorf("embedding dimension mismatch: got %d, want %d", len(vec), dim)
	}
	return nil
}

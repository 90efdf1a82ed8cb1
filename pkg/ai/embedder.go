package ai

import (
	"context"
	"fmt"
)

// Task types passed to embedders. Providers that distinguish document and
// query embeddings translate them; the rest ignore them.
const (
	TaskDocument = "document"
	TaskQuery    = "query"
)

// Embedder provides embeddings for text.
type Embedder interface {
	EmbedText(ctx context.Context, text, taskType string) ([]float32, error)
}

// BatchEmbedder optionally supports embedding multiple texts at once.
type BatchEmbedder interface {
	EmbedTexts(ctx context.Context, texts []string, taskType string) ([][]float32, error)
}

// EmbedAll embeds texts with a single batch call when e supports it and
// falls back to one call per text otherwise.
func EmbedAll(ctx context.Context, e Embedder, texts []string, taskType string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	if b, ok := e.(BatchEmbedder); ok {
		vecs, err := b.EmbedTexts(ctx, texts, taskType)
		if err != nil {
			return nil, err
		}
		if len(vecs) != len(texts) {
			return nil, fmt.Errorf("embedder returned %d vectors for %d texts", len(vecs), len(texts))
		}
		return vecs, nil
	}
	out := make([][]float32, 0, len(texts))
	for _, text := range texts {
		vec, err := e.EmbedText(ctx, text, taskType)
		if err != nil {
			return nil, err
		}
		out = append(out, vec)
	}
	return out, nil
}

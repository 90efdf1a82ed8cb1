package ai

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"time"
)

const (
	defaultVoyageBaseURL = "https://api.voyageai.com/v1"
	// DefaultVoyageModel is the code-tuned model documents are indexed with.
	DefaultVoyageModel = "voyage-code-2"
)

// VoyageEmbedder calls the Voyage AI embeddings API.
type VoyageEmbedder struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewVoyageEmbedder builds a Voyage embedder. baseURL may be empty.
func NewVoyageEmbedder(apiKey, baseURL, model string) (*VoyageEmbedder, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, fmt.Errorf("voyage api key required")
	}
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = defaultVoyageBaseURL
	}
	if strings.TrimSpace(model) == "" {
		model = DefaultVoyageModel
	}
	return &VoyageEmbedder{
		apiKey:     apiKey,
		baseURL:    baseURL,
		model:      model,
		httpClient: &http.Client{Timeout: 60 * time.Second},
	}, nil
}

// EmbedText returns the embedding of a single text.
func (v *VoyageEmbedder) EmbedText(ctx context.Context, text, taskType string) ([]float32, error) {
	vecs, err := v.EmbedTexts(ctx, []string{text}, taskType)
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedTexts embeds texts in one request, preserving input order.
func (v *VoyageEmbedder) EmbedTexts(ctx context.Context, texts []string, taskType string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("embedding text required")
	}
	reqBody := voyageEmbedRequest{Input: texts, Model: v.model}
	switch taskType {
	case TaskDocument, TaskQuery:
		reqBody.InputType = taskType
	}
	var resp voyageEmbedResponse
	if _, err := postJSON(ctx, v.httpClient, v.baseURL+"/embeddings", bearer(v.apiKey), reqBody, &resp, "voyage"); err != nil {
		return nil, err
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("voyage returned %d embeddings for %d inputs", len(resp.Data), len(texts))
	}
	sort.Slice(resp.Data, func(i, j int) bool { return resp.Data[i].Index < resp.Data[j].Index })
	out := make([][]float32, len(resp.Data))
	for i, d := range resp.Data {
		out[i] = d.Embedding
	}
	return out, nil
}

type voyageEmbedRequest struct {
	Input     []string `json:"input"`
	Model     string   `json:"model"`
	InputType string   `json:"input_type,omitempty"`
}

type voyageEmbedResponse struct {
	Data []struct {
		Embedding []float32 `json:"embedding"`
		Index     int       `json:"index"`
	} `json:"data"`
}

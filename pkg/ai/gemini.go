package ai

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const defaultGeminiBaseURL = "https://generativelanguage.googleapis.com/v1beta"

// GeminiEmbedder calls the Google AI Studio embedding endpoints.
type GeminiEmbedder struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewGeminiEmbedder constructs an embedder. baseURL may be empty.
func NewGeminiEmbedder(apiKey, baseURL, model string) (*GeminiEmbedder, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, fmt.Errorf("gemini api key required")
	}
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = defaultGeminiBaseURL
	}
	model = strings.TrimPrefix(strings.TrimSpace(model), "models/")
	if model == "" {
		model = "text-embedding-004"
	}
	return &GeminiEmbedder{
		apiKey:     apiKey,
		baseURL:    baseURL,
		model:      model,
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// EmbedText implements Embedder.
func (g *GeminiEmbedder) EmbedText(ctx context.Context, text, taskType string) ([]float32, error) {
	var resp struct {
		Embedding geminiValues `json:"embedding"`
	}
	if _, err := postJSON(ctx, g.httpClient, g.endpoint("embedContent"), nil, g.request(text, taskType), &resp, "gemini"); err != nil {
		return nil, err
	}
	if len(resp.Embedding.Values) == 0 {
		return nil, fmt.Errorf("gemini embed response missing values")
	}
	return resp.Embedding.Values, nil
}

// EmbedTexts implements BatchEmbedder via batchEmbedContents.
func (g *GeminiEmbedder) EmbedTexts(ctx context.Context, texts []string, taskType string) ([][]float32, error) {
	reqs := make([]geminiEmbedRequest, len(texts))
	for i, text := range texts {
		reqs[i] = g.request(text, taskType)
	}
	var resp struct {
		Embeddings []geminiValues `json:"embeddings"`
	}
	body := map[string]any{"requests": reqs}
	if _, err := postJSON(ctx, g.httpClient, g.endpoint("batchEmbedContents"), nil, body, &resp, "gemini"); err != nil {
		return nil, err
	}
	out := make([][]float32, len(resp.Embeddings))
	for i, e := range resp.Embeddings {
		out[i] = e.Values
	}
	return out, nil
}

func (g *GeminiEmbedder) endpoint(method string) string {
	return fmt.Sprintf("%s/models/%s:%s?key=%s", g.baseURL, g.model, method, url.QueryEscape(g.apiKey))
}

func (g *GeminiEmbedder) request(text, taskType string) geminiEmbedRequest {
	req := geminiEmbedRequest{Model: "models/" + g.model}
	req.Content.Parts = []geminiPart{{Text: text}}
	switch taskType {
	case TaskDocument:
		req.TaskType = "RETRIEVAL_DOCUMENT"
	case TaskQuery:
		req.TaskType = "RETRIEVAL_QUERY"
	}
	return req
}

type geminiPart struct {
	Text string `json:"text"`
}

type geminiEmbedRequest struct {
	Model   string `json:"model"`
	Content struct {
		Parts []geminiPart `json:"parts"`
	} `json:"content"`
	TaskType string `json:"taskType,omitempty"`
}

type geminiValues struct {
	Values []float32 `json:"values"`
}

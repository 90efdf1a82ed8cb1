package ai

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const defaultOllamaBaseURL = "http://127.0.0.1:11434"

// OllamaClient calls a local Ollama server for embeddings and chat.
type OllamaClient struct {
	baseURL    string
	embedModel string
	chatModel  string
	dimensions int
	httpClient *http.Client
	chatClient *http.Client
}

// OllamaConfig selects models for an OllamaClient.
type OllamaConfig struct {
	BaseURL    string
	EmbedModel string
	ChatModel  string
	Dimensions int
}

// NewOllamaClient constructs a client. Empty BaseURL means localhost.
func NewOllamaClient(cfg OllamaConfig) *OllamaClient {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultOllamaBaseURL
	}
	return &OllamaClient{
		baseURL:    baseURL,
		embedModel: strings.TrimSpace(cfg.EmbedModel),
		chatModel:  strings.TrimSpace(cfg.ChatModel),
		dimensions: cfg.Dimensions,
		httpClient: &http.Client{Timeout: 60 * time.Second},
		chatClient: &http.Client{},
	}
}

// EmbedText implements Embedder. Ollama has no task types.
func (c *OllamaClient) EmbedText(ctx context.Context, text, _ string) ([]float32, error) {
	if strings.TrimSpace(text) == "" {
		return nil, fmt.Errorf("embedding text required")
	}
	vecs, status, err := c.embed(ctx, text)
	if err != nil {
		if status == http.StatusNotFound || status == http.StatusMethodNotAllowed {
			return c.embedLegacy(ctx, text)
		}
		return nil, err
	}
	return vecs[0], nil
}

// EmbedTexts implements BatchEmbedder via /api/embed.
func (c *OllamaClient) EmbedTexts(ctx context.Context, texts []string, _ string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("embedding text required")
	}
	vecs, _, err := c.embed(ctx, texts)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("ollama returned %d embeddings for %d inputs", len(vecs), len(texts))
	}
	return vecs, nil
}

func (c *OllamaClient) embed(ctx context.Context, input any) ([][]float32, int, error) {
	if c.embedModel == "" {
		return nil, 0, fmt.Errorf("ollama embedding model required")
	}
	reqBody := ollamaEmbedRequest{Model: c.embedModel, Input: input, Dimensions: c.dimensions}
	var resp ollamaEmbedResponse
	status, err := postJSON(ctx, c.httpClient, c.baseURL+"/api/embed", nil, reqBody, &resp, "ollama")
	if err != nil {
		return nil, status, err
	}
	if len(resp.Embeddings) == 0 {
		return nil, status, fmt.Errorf("ollama embed response missing embeddings")
	}
	return resp.Embeddings, status, nil
}

// embedLegacy targets servers that predate /api/embed.
func (c *OllamaClient) embedLegacy(ctx context.Context, text string) ([]float32, error) {
	var resp struct {
		Embedding []float32 `json:"embedding"`
	}
	reqBody := map[string]string{"model": c.embedModel, "prompt": text}
	if _, err := postJSON(ctx, c.httpClient, c.baseURL+"/api/embeddings", nil, reqBody, &resp, "ollama"); err != nil {
		return nil, err
	}
	if len(resp.Embedding) == 0 {
		return nil, fmt.Errorf("ollama embedding response missing embedding")
	}
	return resp.Embedding, nil
}

// Stream implements ChatStreamer over /api/chat, which answers with one
// JSON object per line.
func (c *OllamaClient) Stream(ctx context.Context, req ChatRequest, onDelta func(string) error) (string, error) {
	if c.chatModel == "" {
		return "", fmt.Errorf("ollama chat model required")
	}
	messages := make([]ollamaChatMessage, 0, len(req.Messages)+1)
	if strings.TrimSpace(req.System) != "" {
		messages = append(messages, ollamaChatMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		messages = append(messages, ollamaChatMessage{Role: m.Role, Content: m.Content})
	}
	body := ollamaChatRequest{Model: c.chatModel, Messages: messages, Stream: true}
	if req.Temperature > 0 {
		body.Options = map[string]any{"temperature": req.Temperature}
	}
	resp, err := send(ctx, c.chatClient, c.baseURL+"/api/chat", nil, body, "ollama")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	out := &collector{onDelta: onDelta}
	sc := bufio.NewScanner(resp.Body)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var chunk ollamaChatChunk
		if err := json.Unmarshal([]byte(line), &chunk); err != nil {
			return out.b.String(), fmt.Errorf("ollama decode chunk: %w", err)
		}
		if chunk.Error != "" {
			return out.b.String(), &UpstreamError{Provider: "ollama", Status: http.StatusBadGateway, Message: chunk.Error}
		}
		if err := out.add(chunk.Message.Content); err != nil {
			return out.b.String(), err
		}
		if chunk.Done {
			return out.b.String(), nil
		}
	}
	if err := ctx.Err(); err != nil {
		return out.b.String(), err
	}
	if err := sc.Err(); err != nil {
		return out.b.String(), err
	}
	return out.b.String(), errors.New("ollama stream ended before done")
}

type ollamaEmbedRequest struct {
	Model      string `json:"model"`
	Input      any    `json:"input"`
	Dimensions int    `json:"dimensions,omitempty"`
}

type ollamaEmbedResponse struct {
	Embeddings [][]float32 `json:"embeddings"`
}

type ollamaChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []ollamaChatMessage `json:"messages"`
	Stream   bool                `json:"stream"`
	Options  map[string]any      `json:"options,omitempty"`
}

type ollamaChatChunk struct {
	Message ollamaChatMessage `json:"message"`
	Done    bool              `json:"done"`
	Error   string            `json:"error"`
}

package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

// OpenAICompatStreamer streams from any OpenAI-compatible /chat/completions
// endpoint (vLLM, LiteLLM, LocalAI, OpenRouter and similar).
type OpenAICompatStreamer struct {
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
}

// NewOpenAICompatStreamer builds a streamer. baseURL includes the /v1
// prefix, e.g. "http://localhost:8000/v1"; apiKey may be empty for local models.
func NewOpenAICompatStreamer(baseURL, apiKey, model string) (*OpenAICompatStreamer, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, fmt.Errorf("openai-compat base url required")
	}
	if strings.TrimSpace(model) == "" {
		return nil, fmt.Errorf("openai-compat model required")
	}
	return &OpenAICompatStreamer{
		baseURL:    baseURL,
		apiKey:     strings.TrimSpace(apiKey),
		model:      strings.TrimSpace(model),
		httpClient: &http.Client{},
	}, nil
}

// Stream implements ChatStreamer.
func (g *OpenAICompatStreamer) Stream(ctx context.Context, req ChatRequest, onDelta func(string) error) (string, error) {
	messages := make([]oaiMessage, 0, len(req.Messages)+1)
	if strings.TrimSpace(req.System) != "" {
		messages = append(messages, oaiMessage{Role: "system", Content: req.System})
	}
	for _, m := range req.Messages {
		messages = append(messages, oaiMessage{Role: m.Role, Content: m.Content})
	}
	body := oaiChatRequest{
		Model:       g.model,
		Messages:    messages,
		Stream:      true,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
	}
	resp, err := send(ctx, g.httpClient, g.baseURL+"/chat/completions", bearer(g.apiKey), body, "openai-compat")
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	out := &collector{onDelta: onDelta}
	done := false
	err = readSSE(ctx, resp.Body, func(ev sseEvent) error {
		if done || ev.Data == "" {
			return nil
		}
		if ev.Data == "[DONE]" {
			done = true
			return nil
		}
		var chunk oaiStreamChunk
		if err := json.Unmarshal([]byte(ev.Data), &chunk); err != nil {
			return fmt.Errorf("openai-compat decode chunk: %w", err)
		}
		if chunk.Error != nil && chunk.Error.Message != "" {
			return &UpstreamError{Provider: "openai-compat", Status: http.StatusBadGateway, Message: chunk.Error.Message}
		}
		for _, c := range chunk.Choices {
			if err := out.add(c.Delta.Content); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return out.b.String(), err
	}
	if !done {
		return out.b.String(), fmt.Errorf("openai-compat stream ended before [DONE]")
	}
	return out.b.String(), nil
}

type oaiMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type oaiChatRequest struct {
	Model       string       `json:"model"`
	Messages    []oaiMessage `json:"messages"`
	Stream      bool         `json:"stream"`
	MaxTokens   int          `json:"max_tokens,omitempty"`
	Temperature float64      `json:"temperature,omitempty"`
}

type oaiStreamChunk struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error,omitempty"`
}

package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

const (
	defaultAnthropicBaseURL = "https://api.anthropic.com"
	anthropicVersion        = "2023-06-01"
	// DefaultAnthropicModel answers chat turns unless configured otherwise.
	DefaultAnthropicModel = "claude-3-sonnet-20240229"
)

// AnthropicStreamer streams completions from the Anthropic Messages API.
type AnthropicStreamer struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewAnthropicStreamer builds a streamer. The HTTP client has no overall
// timeout; the request context bounds the stream.
func NewAnthropicStreamer(apiKey, baseURL, model string) (*AnthropicStreamer, error) {
	apiKey = strings.TrimSpace(apiKey)
	if apiKey == "" {
		return nil, fmt.Errorf("anthropic api key required")
	}
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = defaultAnthropicBaseURL
	}
	if strings.TrimSpace(model) == "" {
		model = DefaultAnthropicModel
	}
	return &AnthropicStreamer{apiKey: apiKey, baseURL: baseURL, model: model, httpClient: &http.Client{}}, nil
}

// Stream implements ChatStreamer.
func (a *AnthropicStreamer) Stream(ctx context.Context, req ChatRequest, onDelta func(string) error) (string, error) {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	body := anthropicRequest{
		Model:       a.model,
		MaxTokens:   maxTokens,
		System:      req.System,
		Stream:      true,
		Temperature: req.Temperature,
	}
	for _, m := range req.Messages {
		body.Messages = append(body.Messages, anthropicMessage{Role: m.Role, Content: m.Content})
	}
	headers := func(h http.Header) {
		h.Set("x-api-key", a.apiKey)
		h.Set("anthropic-version", anthropicVersion)
		h.Set("Accept", "text/event-stream")
	}
	resp, err := send(ctx, a.httpClient, a.baseURL+"/v1/messages", headers, body, "anthropic")
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
		var payload anthropicEvent
		if err := json.Unmarshal([]byte(ev.Data), &payload); err != nil {
			return fmt.Errorf("anthropic decode event: %w", err)
		}
		switch payload.Type {
		case "content_block_delta":
			if payload.Delta.Type == "text_delta" {
				return out.add(payload.Delta.Text)
			}
		case "message_stop":
			done = true
		case "error":
			return &UpstreamError{Provider: "anthropic", Status: http.StatusBadGateway, Message: payload.Error.Message}
		}
		return nil
	})
	if err != nil {
		return out.b.String(), err
	}
	if !done {
		return out.b.String(), fmt.Errorf("anthropic stream ended before message_stop")
	}
	return out.b.String(), nil
}

type anthropicMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type anthropicRequest struct {
	Model       string             `json:"model"`
	MaxTokens   int                `json:"max_tokens"`
	System      string             `json:"system,omitempty"`
	Messages    []anthropicMessage `json:"messages"`
	Stream      bool               `json:"stream"`
	Temperature float64            `json:"temperature,omitempty"`
}

type anthropicEvent struct {
	Type  string `json:"type"`
	Delta struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"delta"`
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

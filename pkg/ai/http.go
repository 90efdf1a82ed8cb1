package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// UpstreamError is returned when a provider answers with a non-2xx status.
type UpstreamError struct {
	Provider string
	Status   int
	Message  string
}

func (e *UpstreamError) Error() string {
	return fmt.Sprintf("%s api error (%d): %s", e.Provider, e.Status, e.Message)
}

type headerFunc func(http.Header)

func bearer(token string) headerFunc {
	return func(h http.Header) {
		if token != "" {
			h.Set("Authorization", "Bearer "+token)
		}
	}
}

// postJSON sends payload and decodes the response into out.
func postJSON(ctx context.Context, client *http.Client, url string, headers headerFunc, payload, out any, provider string) (int, error) {
	resp, err := send(ctx, client, url, headers, payload, provider)
	if err != nil {
		var ue *UpstreamError
		if errors.As(err, &ue) {
			return ue.Status, err
		}
		return 0, err
	}
	defer resp.Body.Close()
	if out == nil {
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("%s decode: %w", provider, err)
	}
	return resp.StatusCode, nil
}

// send posts payload and returns the open response on success. The caller
// closes the body.
func send(ctx context.Context, client *http.Client, url string, headers headerFunc, payload any, provider string) (*http.Response, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if headers != nil {
		headers(req.Header)
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s request: %w", provider, err)
	}
	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, &UpstreamError{Provider: provider, Status: resp.StatusCode, Message: errorMessage(raw, resp.Status)}
	}
	return resp, nil
}

// errorMessage pulls a message out of the common provider error shapes.
func errorMessage(raw []byte, fallback string) string {
	var shaped struct {
		Error   json.RawMessage `json:"error"`
		Detail  string          `json:"detail"`
		Message string          `json:"message"`
	}
	if json.Unmarshal(raw, &shaped) == nil {
		if len(shaped.Error) > 0 {
			var nested struct {
				Message string `json:"message"`
			}
			if json.Unmarshal(shaped.Error, &nested) == nil && nested.Message != "" {
				return nested.Message
			}
			var plain string
			if json.Unmarshal(shaped.Error, &plain) == nil && plain != "" {
				return plain
			}
		}
		if shaped.Detail != "" {
			return shaped.Detail
		}
		if shaped.Message != "" {
			return shaped.Message
		}
	}
	if s := strings.TrimSpace(string(raw)); s != "" {
		return s
	}
	return fallback
}

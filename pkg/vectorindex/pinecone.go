package vectorindex

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"quillai/pkg/domain"
)

const (
	pineconeAPIVersion = "2024-07"
	pineconeBatchSize  = 100
)

// PineconeIndex talks to a Pinecone index data plane over REST.
type PineconeIndex struct {
	host       string
	apiKey     string
	httpClient *http.Client
}

// NewPineconeIndex builds a client for the index host, e.g.
// "https://quill-abc123.svc.us-east-1.pinecone.io".
func NewPineconeIndex(host, apiKey string) (*PineconeIndex, error) {
	host = strings.TrimRight(strings.TrimSpace(host), "/")
	if host == "" {
		return nil, fmt.Errorf("pinecone index host required")
	}
	if !strings.HasPrefix(host, "http://") && !strings.HasPrefix(host, "https://") {
		host = "https://" + host
	}
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("pinecone api key required")
	}
	return &PineconeIndex{host: host, apiKey: apiKey, httpClient: &http.Client{Timeout: 30 * time.Second}}, nil
}

func (p *PineconeIndex) Upsert(ctx context.Context, namespace string, records []Record) error {
	for start := 0; start < len(records); start += pineconeBatchSize {
		end := min(start+pineconeBatchSize, len(records))
		vectors := make([]pineconeVector, 0, end-start)
		for _, r := range records[start:end] {
			if err := validateDim(r.Vector, 0); err != nil {
				return err
			}
			meta := map[string]any{"text": r.Text, "pageNumber": r.Page, "fileId": namespace}
			for k, v := range r.Meta {
				if _, reserved := meta[k]; !reserved {
					meta[k] = v
				}
			}
			vectors = append(vectors, pineconeVector{ID: r.ID, Values: r.Vector, Metadata: meta})
		}
		body := map[string]any{"vectors": vectors, "namespace": namespace}
		if err := p.post(ctx, "/vectors/upsert", body, nil); err != nil {
			return err
		}
	}
	return nil
}

func (p *PineconeIndex) Query(ctx context.Context, namespace string, vector []float32, k int) ([]Match, error) {
	if err := validateDim(vector, 0); err != nil {
		return nil, err
	}
	if k <= 0 {
		return []Match{}, nil
	}
	body := map[string]any{
		"vector":          vector,
		"topK":            k,
		"namespace":       namespace,
		"includeMetadata": true,
	}
	var resp struct {
		Matches []struct {
			ID       string         `json:"id"`
			Score    float64        `json:"score"`
			Metadata map[string]any `json:"metadata"`
		} `json:"matches"`
	}
	if err := p.post(ctx, "/query", body, &resp); err != nil {
		return nil, err
	}
	out := make([]Match, 0, len(resp.Matches))
	for _, m := range resp.Matches {
		chunk := domain.Chunk{ID: m.ID, FileID: namespace}
		for key, v := range m.Metadata {
			switch key {
			case "text":
				chunk.Text, _ = v.(string)
			case "pageNumber":
				if f, ok := v.(float64); ok {
					chunk.Page = int(f)
				}
			case "fileId":
			default:
				if chunk.Meta == nil {
					chunk.Meta = map[string]string{}
				}
				chunk.Meta[key] = stringify(v)
			}
		}
		out = append(out, Match{Chunk: chunk, Score: m.Score})
	}
	return out, nil
}

// DeleteNamespace removes every vector of namespace. Pinecone answers 404
// for a namespace that was never written, which is treated as success.
func (p *PineconeIndex) DeleteNamespace(ctx context.Context, namespace string) error {
	body := map[string]any{"deleteAll": true, "namespace": namespace}
	err := p.post(ctx, "/vectors/delete", body, nil)
	var se *statusError
	if errors.As(err, &se) && se.status == http.StatusNotFound {
		return nil
	}
	return err
}

type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("pinecone api error (%d): %s", e.status, e.body)
}

func (p *PineconeIndex) post(ctx context.Context, path string, payload, out any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.host+path, bytes.NewReader(raw))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Api-Key", p.apiKey)
	req.Header.Set("X-Pinecone-API-Version", pineconeAPIVersion)
	resp, err := p.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("pinecone request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return &statusError{status: resp.StatusCode, body: strings.TrimSpace(string(msg))}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("pinecone decode: %w", err)
	}
	return nil
}

type pineconeVector struct {
	ID       string         `json:"id"`
	Values   []float32      `json:"values"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

func stringify(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		b, _ := json.Marshal(t)
		return string(b)
	}
}

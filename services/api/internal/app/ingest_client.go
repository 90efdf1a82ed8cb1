package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"quillai/internal/servicetoken"
)

// Service token parameters for calls into the ingest service.
const (
	IngestAudience     = "ingest"
	IngestEnqueueScope = "ingest:enqueue"
)

// IngestClient dispatches ingestion to the ingest service over HTTP.
type IngestClient struct {
	baseURL    string
	signer     *servicetoken.Signer
	httpClient *http.Client
}

func NewIngestClient(baseURL string, signer *servicetoken.Signer) (*IngestClient, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("ingest base url required")
	}
	if signer == nil {
		return nil, errors.New("internal signer is required")
	}
	return &IngestClient{
		baseURL:    baseURL,
		signer:     signer,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}, nil
}

func (c *IngestClient) Dispatch(ctx context.Context, fileID string) error {
	payload, err := json.Marshal(map[string]string{"fileId": fileID})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/ingest/jobs", bytes.NewReader(payload))
	if err != nil {
		return err
	}
	token, err := c.signer.Sign(IngestAudience, IngestEnqueueScope)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		var errResp struct {
			Error string `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		msg := errResp.Error
		if msg == "" {
			msg = resp.Status
		}
		return fmt.Errorf("ingest error: %s", msg)
	}
	return nil
}

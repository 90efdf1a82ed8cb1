// Package client is the Go SDK for the public API. Query results are kept in
// a QueryCache keyed by query name and parameters; mutations invalidate the
// queries they affect.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"quillai/pkg/billing"
	"quillai/pkg/domain"
)

// Query names used as cache keys.
const (
	QueryUserFiles   = "getUserFiles"
	QueryFile        = "getFile"
	QueryFileStatus  = "getFileUploadStatus"
	QueryMessages    = "getFileMessages"
	QueryBillingPlan = "getSubscriptionPlan"
)

// Client calls the public API over HTTP as one user.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	cache      *QueryCache
}

// Config configures a Client. A zero CacheTTL disables caching.
type Config struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	CacheTTL   time.Duration
}

// APIError represents an error response from the API.
type APIError struct {
	Status    int
	Code      string
	Message   string
	RequestID string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s (%s)", e.Message, e.Code)
	}
	return e.Message
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	apiErr, ok := err.(*APIError)
	return ok && apiErr.Status == http.StatusNotFound
}

// New constructs a client.
func New(cfg Config) *Client {
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		// no overall timeout: chat answers stream for as long as the model runs
		httpClient = &http.Client{}
	}
	var cache *QueryCache
	if cfg.CacheTTL > 0 {
		cache = NewQueryCache(cfg.CacheTTL)
	}
	return &Client{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		token:      strings.TrimSpace(cfg.Token),
		httpClient: httpClient,
		cache:      cache,
	}
}

// Cache exposes the query cache; nil when caching is disabled.
func (c *Client) Cache() *QueryCache {
	return c.cache
}

type authCallbackResponse struct {
	Success bool        `json:"success"`
	Created bool        `json:"created"`
	User    domain.User `json:"user"`
}

// AuthCallback binds the token's identity to an account, reporting whether
// it was created by this call.
func (c *Client) AuthCallback(ctx context.Context) (domain.User, bool, error) {
	var resp authCallbackResponse
	if err := c.doJSON(ctx, http.MethodPost, "/api/auth/callback", nil, &resp); err != nil {
		return domain.User{}, false, err
	}
	return resp.User, resp.Created, nil
}

type listFilesResponse struct {
	Items []domain.File `json:"items"`
	Count int           `json:"count"`
}

func (c *Client) Files(ctx context.Context) ([]domain.File, error) {
	return cached(c, QueryUserFiles, nil, func() ([]domain.File, error) {
		var resp listFilesResponse
		if err := c.doJSON(ctx, http.MethodGet, "/api/files", nil, &resp); err != nil {
			return nil, err
		}
		return resp.Items, nil
	})
}

func (c *Client) File(ctx context.Context, id string) (domain.File, error) {
	return cached(c, QueryFile, []string{id}, func() (domain.File, error) {
		var f domain.File
		err := c.doJSON(ctx, http.MethodGet, "/api/files/"+url.PathEscape(id), nil, &f)
		return f, err
	})
}

// FileByKey resolves a file by its content key. It is never cached since
// callers poll it.
func (c *Client) FileByKey(ctx context.Context, key string) (domain.File, error) {
	var f domain.File
	err := c.doJSON(ctx, http.MethodGet, "/api/files/by-key/"+url.PathEscape(key), nil, &f)
	return f, err
}

// FileStatus is never cached since callers poll it.
func (c *Client) FileStatus(ctx context.Context, id string) (domain.FileStatus, error) {
	var resp struct {
		Status domain.FileStatus `json:"status"`
	}
	if err := c.doJSON(ctx, http.MethodGet, "/api/files/"+url.PathEscape(id)+"/status", nil, &resp); err != nil {
		return "", err
	}
	return resp.Status, nil
}

// SaveFileInput mirrors the upload result the API expects back.
type SaveFileInput struct {
	Key        string `json:"key"`
	FileName   string `json:"fileName"`
	URL        string `json:"url"`
	StorageKey string `json:"storageKey"`
}

// SaveFile records an uploaded file and starts its ingestion.
func (c *Client) SaveFile(ctx context.Context, in SaveFileInput) (domain.File, error) {
	var f domain.File
	if err := c.doJSON(ctx, http.MethodPost, "/api/files", in, &f); err != nil {
		return domain.File{}, err
	}
	c.cache.InvalidateQuery(QueryUserFiles)
	return f, nil
}

func (c *Client) DeleteFile(ctx context.Context, id string) (domain.File, error) {
	var f domain.File
	if err := c.doJSON(ctx, http.MethodDelete, "/api/files/"+url.PathEscape(id), nil, &f); err != nil {
		return domain.File{}, err
	}
	c.cache.InvalidateQuery(QueryUserFiles)
	c.cache.Invalidate(QueryFile, id)
	c.cache.InvalidateQuery(QueryMessages)
	return f, nil
}

// Messages returns one page of history, newest first. A zero limit uses
// the server default.
func (c *Client) Messages(ctx context.Context, fileID, cursor string, limit int) (domain.MessagePage, error) {
	params := []string{fileID, cursor, strconv.Itoa(limit)}
	return cached(c, QueryMessages, params, func() (domain.MessagePage, error) {
		q := url.Values{}
		if cursor != "" {
			q.Set("cursor", cursor)
		}
		if limit > 0 {
			q.Set("limit", strconv.Itoa(limit))
		}
		path := "/api/files/" + url.PathEscape(fileID) + "/messages"
		if len(q) > 0 {
			path += "?" + q.Encode()
		}
		var page domain.MessagePage
		err := c.doJSON(ctx, http.MethodGet, path, nil, &page)
		return page, err
	})
}

func (c *Client) Plan(ctx context.Context) (billing.SubscriptionPlan, error) {
	return cached(c, QueryBillingPlan, nil, func() (billing.SubscriptionPlan, error) {
		var plan billing.SubscriptionPlan
		err := c.doJSON(ctx, http.MethodGet, "/api/billing/plan", nil, &plan)
		return plan, err
	})
}

// BillingSession returns a Stripe checkout or billing-portal URL.
func (c *Client) BillingSession(ctx context.Context) (string, error) {
	var resp struct {
		URL string `json:"url"`
	}
	if err := c.doJSON(ctx, http.MethodPost, "/api/billing/session", nil, &resp); err != nil {
		return "", err
	}
	c.cache.InvalidateQuery(QueryBillingPlan)
	return resp.URL, nil
}

// UploadResult is returned by Upload and fed back into SaveFile.
type UploadResult struct {
	Key        string `json:"key"`
	URL        string `json:"url"`
	FileName   string `json:"fileName"`
	StorageKey string `json:"storageKey"`
}

// SaveInput converts the result for SaveFile.
func (r UploadResult) SaveInput() SaveFileInput {
	return SaveFileInput{Key: r.Key, FileName: r.FileName, URL: r.URL, StorageKey: r.StorageKey}
}

// Upload sends one PDF after checking it against the plan ceiling. An
// oversized file fails with ErrFileTooLarge before any request is made.
func (c *Client) Upload(ctx context.Context, plan billing.Plan, name string, size int64, r io.Reader) (UploadResult, error) {
	if err := CheckSize(plan, name, size); err != nil {
		return UploadResult{}, err
	}
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	part, err := writer.CreateFormFile("file", name)
	if err != nil {
		return UploadResult{}, err
	}
	if _, err := io.Copy(part, r); err != nil {
		return UploadResult{}, err
	}
	if err := writer.Close(); err != nil {
		return UploadResult{}, err
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/api/upload", body)
	if err != nil {
		return UploadResult{}, err
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return UploadResult{}, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		var errResp struct {
			Message string `json:"message"`
		}
		_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&errResp)
		msg := errResp.Message
		if msg == "" {
			msg = resp.Status
		}
		return UploadResult{}, &APIError{Status: resp.StatusCode, Message: msg}
	}
	var out UploadResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return UploadResult{}, fmt.Errorf("decode upload response: %w", err)
	}
	return out, nil
}

// SendMessage posts a question and hands each answer fragment to onDelta as
// it arrives. It returns the full answer.
func (c *Client) SendMessage(ctx context.Context, fileID, message string, onDelta func(string) error) (string, error) {
	payload, err := json.Marshal(map[string]string{"fileId": fileID, "message": message})
	if err != nil {
		return "", err
	}
	req, err := c.newRequest(ctx, http.MethodPost, "/api/message", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return "", decodeAPIError(resp)
	}
	// the user message is persisted even when the stream breaks
	defer c.cache.InvalidateQuery(QueryMessages)
	return ReadStream(resp.Body, onDelta)
}

func (c *Client) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	return req, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(payload)
	}
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		return decodeAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s response: %w", path, err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	var errResp struct {
		Error     string `json:"error"`
		Code      string `json:"code"`
		RequestID string `json:"requestId"`
	}
	_ = json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&errResp)
	msg := errResp.Error
	if msg == "" {
		msg = resp.Status
	}
	return &APIError{
		Status:    resp.StatusCode,
		Code:      strings.TrimSpace(errResp.Code),
		Message:   msg,
		RequestID: errResp.RequestID,
	}
}

// cached serves a query from the cache or runs fetch and stores its result.
func cached[T any](c *Client, query string, params []string, fetch func() (T, error)) (T, error) {
	if v, ok := c.cache.Get(query, params...); ok {
		if typed, ok := v.(T); ok {
			return typed, nil
		}
	}
	v, err := fetch()
	if err != nil {
		return v, err
	}
	c.cache.Set(query, v, params...)
	return v, nil
}

package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"google.golang.org/api/option"
)

// GCSConfig configures a Google Cloud Storage bucket.
type GCSConfig struct {
	Bucket string
	// Credentials is a service-account JSON document or a path to one.
	// Empty falls back to application default credentials.
	Credentials string
	// EmulatorHost points the client at a fake-gcs-server style emulator.
	EmulatorHost  string
	PublicBaseURL string
	URLExpiry     time.Duration
}

// GCSStore implements ObjectStore on a GCS bucket.
type GCSStore struct {
	client    *storage.Client
	bucket    string
	publicURL string
	expiry    time.Duration
}

// NewGCSStore creates a storage client for cfg.
func NewGCSStore(ctx context.Context, cfg GCSConfig) (*GCSStore, error) {
	if strings.TrimSpace(cfg.Bucket) == "" {
		return nil, errors.New("gcs bucket is required")
	}
	client, err := storage.NewClient(ctx, gcsClientOptions(cfg)...)
	if err != nil {
		return nil, fmt.Errorf("init gcs client: %w", err)
	}
	expiry := cfg.URLExpiry
	if expiry <= 0 {
		expiry = 7 * 24 * time.Hour
	}
	publicURL := strings.TrimRight(strings.TrimSpace(cfg.PublicBaseURL), "/")
	if publicURL == "" && cfg.EmulatorHost != "" {
		publicURL = strings.TrimRight(strings.TrimSpace(cfg.EmulatorHost), "/")
	}
	return &GCSStore{client: client, bucket: cfg.Bucket, publicURL: publicURL, expiry: expiry}, nil
}

func gcsClientOptions(cfg GCSConfig) []option.ClientOption {
	if host := strings.TrimRight(strings.TrimSpace(cfg.EmulatorHost), "/"); host != "" {
		_ = os.Setenv("STORAGE_EMULATOR_HOST", host)
		return []option.ClientOption{option.WithoutAuthentication()}
	}
	opts := []option.ClientOption{option.WithScopes(storage.ScopeReadWrite)}
	creds := strings.TrimSpace(cfg.Credentials)
	switch {
	case creds == "":
	case strings.HasPrefix(creds, "{"):
		opts = append(opts, option.WithCredentialsJSON([]byte(creds)))
	default:
		opts = append(opts, option.WithCredentialsFile(creds))
	}
	return opts
}

// Put writes an object and reports its digest.
func (g *GCSStore) Put(ctx context.Context, key string, r io.Reader, _ int64, contentType string) (ObjectInfo, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()
	w := g.client.Bucket(g.bucket).Object(key).NewWriter(ctx)
	w.ContentType = contentType
	hr := newHashingReader(r)
	if _, err := io.Copy(w, hr); err != nil {
		_ = w.Close()
		return ObjectInfo{}, fmt.Errorf("write gcs object: %w", err)
	}
	if err := w.Close(); err != nil {
		return ObjectInfo{}, fmt.Errorf("close gcs writer: %w", err)
	}
	return hr.info(key), nil
}

// URL returns a public URL when a base is configured, otherwise a V4 signed URL.
func (g *GCSStore) URL(_ context.Context, key string) (string, error) {
	if g.publicURL != "" {
		return fmt.Sprintf("%s/%s/%s", g.publicURL, url.PathEscape(g.bucket), key), nil
	}
	u, err := g.client.Bucket(g.bucket).SignedURL(key, &storage.SignedURLOptions{
		Scheme:  storage.SigningSchemeV4,
		Method:  "GET",
		Expires: time.Now().Add(g.expiry),
	})
	if err != nil {
		return "", fmt.Errorf("sign gcs url: %w", err)
	}
	return u, nil
}

// Open streams an object. The returned reader owns its context.
func (g *GCSStore) Open(ctx context.Context, key string) (io.ReadCloser, error) {
	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	r, err := g.client.Bucket(g.bucket).Object(key).NewReader(ctx)
	if err != nil {
		cancel()
		if errors.Is(err, storage.ErrObjectNotExist) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("open gcs reader: %w", err)
	}
	return &readCloserWithCancel{ReadCloser: r, cancel: cancel}, nil
}

// Delete removes an object; a missing object is not an error.
func (g *GCSStore) Delete(ctx context.Context, key string) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	err := g.client.Bucket(g.bucket).Object(key).Delete(ctx)
	if err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
		return fmt.Errorf("delete gcs object %q: %w", key, err)
	}
	return nil
}

// Close releases the underlying client.
func (g *GCSStore) Close() error {
	return g.client.Close()
}

type readCloserWithCancel struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (r *readCloserWithCancel) Close() error {
	err := r.ReadCloser.Close()
	r.cancel()
	return err
}

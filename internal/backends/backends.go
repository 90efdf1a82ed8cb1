// Package backends builds the configured storage, index, model and queue
// clients shared by the api and ingest services.
package backends

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"quillai/pkg/ai"
	"quillai/pkg/queue"
	"quillai/pkg/storage"
	"quillai/pkg/store"
	"quillai/pkg/vectorindex"
)

type DatabaseConfig struct {
	Driver string `yaml:"driver"`
	URL    string `yaml:"url"`
}

type StorageConfig struct {
	Driver          string `yaml:"driver"` // minio | gcs | memory
	Bucket          string `yaml:"bucket"`
	PublicBaseURL   string `yaml:"publicBaseURL"`
	URLExpiryHours  int    `yaml:"urlExpiryHours"`
	MinioEndpoint   string `yaml:"minioEndpoint"`
	MinioAccessKey  string `yaml:"minioAccessKey"`
	MinioSecretKey  string `yaml:"minioSecretKey"`
	MinioUseSSL     bool   `yaml:"minioUseSSL"`
	GCSCredentials  string `yaml:"gcsCredentials"`
	GCSEmulatorHost string `yaml:"gcsEmulatorHost"`
}

type VectorConfig struct {
	Driver         string `yaml:"driver"` // pgvector | pinecone | memory
	Dimensions     int    `yaml:"dimensions"`
	PineconeHost   string `yaml:"pineconeHost"`
	PineconeAPIKey string `yaml:"pineconeAPIKey"`
}

type EmbeddingConfig struct {
	Provider   string `yaml:"provider"` // voyage | ollama | gemini
	APIKey     string `yaml:"apiKey"`
	BaseURL    string `yaml:"baseURL"`
	Model      string `yaml:"model"`
	Dimensions int    `yaml:"dimensions"`
}

type ChatConfig struct {
	Provider  string `yaml:"provider"` // anthropic | openai | ollama
	APIKey    string `yaml:"apiKey"`
	BaseURL   string `yaml:"baseURL"`
	Model     string `yaml:"model"`
	MaxTokens int    `yaml:"maxTokens"`
}

type QueueConfig struct {
	Driver            string `yaml:"driver"` // redis | amqp
	RedisAddr         string `yaml:"redisAddr"`
	RedisPassword     string `yaml:"redisPassword"`
	Stream            string `yaml:"stream"`
	Group             string `yaml:"group"`
	AMQPURL           string `yaml:"amqpURL"`
	MaxRetries        int    `yaml:"maxRetries"`
	RetryDelaySeconds int    `yaml:"retryDelaySeconds"`
}

func (c DatabaseConfig) Validate() error {
	if strings.TrimSpace(c.URL) == "" {
		return errors.New("config: database.url is required (set in config.yaml or DATABASE_URL)")
	}
	if _, err := store.Dialector(c.Driver, c.URL); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

func (c StorageConfig) Validate() error {
	switch driver(c.Driver, "minio") {
	case "minio":
		if c.MinioEndpoint == "" || c.MinioAccessKey == "" || c.MinioSecretKey == "" || c.Bucket == "" {
			return errors.New("config: storage.driver=minio requires minioEndpoint, minioAccessKey, minioSecretKey and bucket")
		}
	case "gcs":
		if strings.TrimSpace(c.Bucket) == "" {
			return errors.New("config: storage.driver=gcs requires bucket")
		}
	case "memory":
	default:
		return fmt.Errorf("config: unknown storage.driver %q", c.Driver)
	}
	return nil
}

func (c VectorConfig) Validate() error {
	switch driver(c.Driver, "pgvector") {
	case "pgvector":
		if c.Dimensions <= 0 {
			return errors.New("config: vector.driver=pgvector requires dimensions > 0")
		}
	case "pinecone":
		if strings.TrimSpace(c.PineconeHost) == "" || strings.TrimSpace(c.PineconeAPIKey) == "" {
			return errors.New("config: vector.driver=pinecone requires pineconeHost and pineconeAPIKey (or PINECONE_API_KEY)")
		}
	case "memory":
	default:
		return fmt.Errorf("config: unknown vector.driver %q", c.Driver)
	}
	return nil
}

func (c EmbeddingConfig) Validate() error {
	switch driver(c.Provider, "voyage") {
	case "voyage", "gemini":
		if strings.TrimSpace(c.APIKey) == "" {
			return fmt.Errorf("config: embedding.provider=%s requires apiKey", driver(c.Provider, "voyage"))
		}
	case "ollama":
		if strings.TrimSpace(c.Model) == "" {
			return errors.New("config: embedding.provider=ollama requires model")
		}
	default:
		return fmt.Errorf("config: unknown embedding.provider %q", c.Provider)
	}
	return nil
}

func (c ChatConfig) Validate() error {
	switch driver(c.Provider, "anthropic") {
	case "anthropic":
		if strings.TrimSpace(c.APIKey) == "" {
			return errors.New("config: chat.provider=anthropic requires apiKey (or ANTHROPIC_API_KEY)")
		}
	case "openai":
		if strings.TrimSpace(c.BaseURL) == "" || strings.TrimSpace(c.Model) == "" {
			return errors.New("config: chat.provider=openai requires baseURL and model")
		}
	case "ollama":
		if strings.TrimSpace(c.Model) == "" {
			return errors.New("config: chat.provider=ollama requires model")
		}
	default:
		return fmt.Errorf("config: unknown chat.provider %q", c.Provider)
	}
	if c.MaxTokens < 0 {
		return errors.New("config: chat.maxTokens must be >= 0")
	}
	return nil
}

func (c QueueConfig) Validate() error {
	switch driver(c.Driver, "redis") {
	case "redis":
		if strings.TrimSpace(c.RedisAddr) == "" {
			return errors.New("config: queue.driver=redis requires redisAddr (or REDIS_ADDR)")
		}
	case "amqp":
		if strings.TrimSpace(c.AMQPURL) == "" {
			return errors.New("config: queue.driver=amqp requires amqpURL (or AMQP_URL)")
		}
	default:
		return fmt.Errorf("config: unknown queue.driver %q", c.Driver)
	}
	if c.MaxRetries < 0 || c.RetryDelaySeconds < 0 {
		return errors.New("config: queue retry settings must be >= 0")
	}
	return nil
}

func driver(v, fallback string) string {
	v = strings.ToLower(strings.TrimSpace(v))
	if v == "" {
		return fallback
	}
	return v
}

// OpenStore opens the relational store and runs migrations.
func OpenStore(cfg DatabaseConfig) (*store.GormStore, error) {
	dialector, err := store.Dialector(cfg.Driver, cfg.URL)
	if err != nil {
		return nil, err
	}
	return store.NewGormStore(cfg.URL, store.WithDialector(dialector))
}

// OpenObjectStore returns the object store and a closer for its client.
func OpenObjectStore(ctx context.Context, cfg StorageConfig) (storage.ObjectStore, io.Closer, error) {
	expiry := time.Duration(cfg.URLExpiryHours) * time.Hour
	switch driver(cfg.Driver, "minio") {
	case "minio":
		s, err := storage.NewMinioStore(ctx, storage.MinioConfig{
			Endpoint:      cfg.MinioEndpoint,
			AccessKey:     cfg.MinioAccessKey,
			SecretKey:     cfg.MinioSecretKey,
			Bucket:        cfg.Bucket,
			UseSSL:        cfg.MinioUseSSL,
			PublicBaseURL: cfg.PublicBaseURL,
			URLExpiry:     expiry,
		})
		return s, nopCloser{}, err
	case "gcs":
		s, err := storage.NewGCSStore(ctx, storage.GCSConfig{
			Bucket:        cfg.Bucket,
			Credentials:   cfg.GCSCredentials,
			EmulatorHost:  cfg.GCSEmulatorHost,
			PublicBaseURL: cfg.PublicBaseURL,
			URLExpiry:     expiry,
		})
		if err != nil {
			return nil, nil, err
		}
		return s, s, nil
	case "memory":
		return storage.NewMemoryStore(cfg.PublicBaseURL), nopCloser{}, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

// OpenIndex returns the vector index. pgvector shares the store's database.
func OpenIndex(cfg VectorConfig, db *store.GormStore) (vectorindex.Index, error) {
	switch driver(cfg.Driver, "pgvector") {
	case "pgvector":
		if db == nil {
			return nil, errors.New("pgvector index requires the relational store")
		}
		return vectorindex.NewPGVectorIndex(db.DB(), cfg.Dimensions)
	case "pinecone":
		return vectorindex.NewPineconeIndex(cfg.PineconeHost, cfg.PineconeAPIKey)
	case "memory":
		return vectorindex.NewMemoryIndex(), nil
	default:
		return nil, fmt.Errorf("unknown vector driver %q", cfg.Driver)
	}
}

func NewEmbedder(cfg EmbeddingConfig) (ai.Embedder, error) {
	switch driver(cfg.Provider, "voyage") {
	case "voyage":
		return ai.NewVoyageEmbedder(cfg.APIKey, cfg.BaseURL, cfg.Model)
	case "gemini":
		return ai.NewGeminiEmbedder(cfg.APIKey, cfg.BaseURL, cfg.Model)
	case "ollama":
		return ai.NewOllamaClient(ai.OllamaConfig{
			BaseURL:    cfg.BaseURL,
			EmbedModel: cfg.Model,
			Dimensions: cfg.Dimensions,
		}), nil
	default:
		return nil, fmt.Errorf("unknown embedding provider %q", cfg.Provider)
	}
}

func NewChatStreamer(cfg ChatConfig) (ai.ChatStreamer, error) {
	switch driver(cfg.Provider, "anthropic") {
	case "anthropic":
		return ai.NewAnthropicStreamer(cfg.APIKey, cfg.BaseURL, cfg.Model)
	case "openai":
		return ai.NewOpenAICompatStreamer(cfg.BaseURL, cfg.APIKey, cfg.Model)
	case "ollama":
		return ai.NewOllamaClient(ai.OllamaConfig{BaseURL: cfg.BaseURL, ChatModel: cfg.Model}), nil
	default:
		return nil, fmt.Errorf("unknown chat provider %q", cfg.Provider)
	}
}

// OpenQueue connects the ingestion job queue.
func OpenQueue(cfg QueueConfig, consumer string, logger *slog.Logger) (queue.JobQueue, error) {
	stream := strings.TrimSpace(cfg.Stream)
	if stream == "" {
		stream = "quill:ingest:jobs"
	}
	switch driver(cfg.Driver, "redis") {
	case "redis":
		return queue.NewRedisJobQueue(queue.RedisQueueConfig{
			Addr:       cfg.RedisAddr,
			Password:   cfg.RedisPassword,
			Stream:     stream,
			Group:      cfg.Group,
			Consumer:   consumer,
			MaxRetries: cfg.MaxRetries,
			RetryDelay: time.Duration(cfg.RetryDelaySeconds) * time.Second,
			Logger:     logger,
		})
	case "amqp":
		return queue.NewAMQPJobQueue(queue.AMQPQueueConfig{
			URL:        cfg.AMQPURL,
			Queue:      stream,
			MaxRetries: cfg.MaxRetries,
			Logger:     logger,
		})
	default:
		return nil, fmt.Errorf("unknown queue driver %q", cfg.Driver)
	}
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"quillai/internal/backends"
	"quillai/internal/util"
)

// ConfigPath is read when Load gets an empty path and CONFIG_FILE is unset.
const ConfigPath = "config.yaml"

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port string         `yaml:"port"`
	Log  util.LogConfig `yaml:"log"`

	// InternalJWTVerifyPublicKeys is a kid=path list for key rotation;
	// InternalJWTPublicKeyPath alone registers one key under InternalJWTKeyID.
	InternalJWTPublicKeyPath    string   `yaml:"internalJwtPublicKeyPath"`
	InternalJWTVerifyPublicKeys string   `yaml:"internalJwtVerifyPublicKeys"`
	InternalJWTKeyID            string   `yaml:"internalJwtKeyId"`
	AllowedIssuers              []string `yaml:"allowedIssuers"`

	Database  backends.DatabaseConfig  `yaml:"database"`
	Storage   backends.StorageConfig   `yaml:"storage"`
	Vector    backends.VectorConfig    `yaml:"vector"`
	Embedding backends.EmbeddingConfig `yaml:"embedding"`
	Queue     backends.QueueConfig     `yaml:"queue"`

	Concurrency       int `yaml:"concurrency"`
	BatchSize         int `yaml:"batchSize"`
	JobTimeoutSeconds int `yaml:"jobTimeoutSeconds"`
}

// Load reads config from path (defaults to CONFIG_FILE, then config.yaml).
func Load(path string) (FileConfig, error) {
	cfg := FileConfig{}
	if path == "" {
		path = os.Getenv("CONFIG_FILE")
	}
	if path == "" {
		path = ConfigPath
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	applyEnv(&cfg)
	applyDefaults(&cfg)
	if err := validateConfig(cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *FileConfig) {
	if v := os.Getenv("INGEST_PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("QUILL_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("QUILL_LOG_FILE"); v != "" {
		cfg.Log.File = v
	}
	if v := os.Getenv("QUILL_INTERNAL_JWT_PUBLIC_KEY_PATH"); v != "" {
		cfg.InternalJWTPublicKeyPath = v
	}
	if v := os.Getenv("QUILL_INTERNAL_JWT_VERIFY_PUBLIC_KEYS"); v != "" {
		cfg.InternalJWTVerifyPublicKeys = v
	}
	if v := os.Getenv("QUILL_INTERNAL_JWT_KEY_ID"); v != "" {
		cfg.InternalJWTKeyID = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Database.URL = v
	}
	if v := os.Getenv("QUILL_DATABASE_DRIVER"); v != "" {
		cfg.Database.Driver = v
	}
	if v := os.Getenv("MINIO_ENDPOINT"); v != "" {
		cfg.Storage.MinioEndpoint = v
	}
	if v := os.Getenv("MINIO_ACCESS_KEY"); v != "" {
		cfg.Storage.MinioAccessKey = v
	}
	if v := os.Getenv("MINIO_SECRET_KEY"); v != "" {
		cfg.Storage.MinioSecretKey = v
	}
	if v := os.Getenv("QUILL_STORAGE_BUCKET"); v != "" {
		cfg.Storage.Bucket = v
	}
	if v := os.Getenv("GOOGLE_APPLICATION_CREDENTIALS"); v != "" && cfg.Storage.GCSCredentials == "" {
		cfg.Storage.GCSCredentials = v
	}
	if v := os.Getenv("PINECONE_API_KEY"); v != "" {
		cfg.Vector.PineconeAPIKey = v
	}
	if v := os.Getenv("PINECONE_HOST"); v != "" {
		cfg.Vector.PineconeHost = v
	}
	if v := os.Getenv("VOYAGE_AI_API_KEY"); v != "" && isProvider(cfg.Embedding.Provider, "voyage") {
		cfg.Embedding.APIKey = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.Queue.RedisAddr = v
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.Queue.RedisPassword = v
	}
	if v := os.Getenv("AMQP_URL"); v != "" {
		cfg.Queue.AMQPURL = v
	}
	if v := os.Getenv("INGEST_QUEUE_DRIVER"); v != "" {
		cfg.Queue.Driver = v
	}
	if v := os.Getenv("INGEST_QUEUE_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Queue.MaxRetries = n
		}
	}
	if v := os.Getenv("INGEST_QUEUE_RETRY_DELAY_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Queue.RetryDelaySeconds = n
		}
	}
	if v := os.Getenv("INGEST_CONCURRENCY"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Concurrency = n
		}
	}
	if v := os.Getenv("INGEST_BATCH_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.BatchSize = n
		}
	}
}

func applyDefaults(cfg *FileConfig) {
	if cfg.Embedding.Model == "" && isProvider(cfg.Embedding.Provider, "voyage") {
		cfg.Embedding.Model = "voyage-code-2"
	}
	if strings.TrimSpace(cfg.InternalJWTKeyID) == "" {
		cfg.InternalJWTKeyID = "internal-active"
	}
	if len(cfg.AllowedIssuers) == 0 {
		cfg.AllowedIssuers = []string{"api"}
	}
	if cfg.Concurrency == 0 {
		cfg.Concurrency = 2
	}
	if cfg.JobTimeoutSeconds == 0 {
		cfg.JobTimeoutSeconds = 600
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml or INGEST_PORT)")
	}
	keys, err := cfg.VerifyPublicKeys()
	if err != nil {
		return err
	}
	if len(keys) == 0 {
		return errors.New("config: internal service auth requires QUILL_INTERNAL_JWT_PUBLIC_KEY_PATH or QUILL_INTERNAL_JWT_VERIFY_PUBLIC_KEYS")
	}
	for _, check := range []func() error{
		cfg.Database.Validate,
		cfg.Storage.Validate,
		cfg.Vector.Validate,
		cfg.Embedding.Validate,
		cfg.Queue.Validate,
	} {
		if err := check(); err != nil {
			return err
		}
	}
	if cfg.Concurrency < 0 || cfg.BatchSize < 0 || cfg.JobTimeoutSeconds < 0 {
		return errors.New("config: concurrency, batchSize and jobTimeoutSeconds must be >= 0")
	}
	return nil
}

// VerifyPublicKeys returns kid to key-file path for the service token
// verifier.
func (c FileConfig) VerifyPublicKeys() (map[string]string, error) {
	keys := make(map[string]string)
	for _, entry := range strings.Split(c.InternalJWTVerifyPublicKeys, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		kid, path, ok := strings.Cut(entry, "=")
		kid, path = strings.TrimSpace(kid), strings.TrimSpace(path)
		if !ok || kid == "" || path == "" {
			return nil, fmt.Errorf("config: internalJwtVerifyPublicKeys entry %q must be kid=path", entry)
		}
		keys[kid] = path
	}
	if path := strings.TrimSpace(c.InternalJWTPublicKeyPath); path != "" {
		if _, exists := keys[c.InternalJWTKeyID]; !exists {
			keys[c.InternalJWTKeyID] = path
		}
	}
	return keys, nil
}

// isProvider treats an empty provider as the default one.
func isProvider(configured, name string) bool {
	configured = strings.TrimSpace(configured)
	return configured == "" || strings.EqualFold(configured, name)
}

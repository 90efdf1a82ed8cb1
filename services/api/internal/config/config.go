package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"quillai/internal/backends"
	"quillai/internal/util"
)

// ConfigPath is read when Load gets an empty path and CONFIG_FILE is unset.
const ConfigPath = "config.yaml"

// Ingestion dispatch modes.
const (
	IngestInline = "inline"
	IngestHTTP   = "http"
	IngestQueue  = "queue"
)

// FileConfig represents configuration loaded from YAML.
type FileConfig struct {
	Port               string         `yaml:"port"`
	Log                util.LogConfig `yaml:"log"`
	AppBaseURL         string         `yaml:"appBaseURL"`
	TrustedProxyCIDRs  []string       `yaml:"trustedProxyCidrs"`
	CORSAllowedOrigins []string       `yaml:"corsAllowedOrigins"`

	AuthIssuer   string `yaml:"authIssuer"`
	AuthJWKSURL  string `yaml:"authJwksURL"`
	AuthAudience string `yaml:"authAudience"`
	JWTLeeway    string `yaml:"jwtLeeway"`

	RedisAddr                string `yaml:"redisAddr"`
	RedisPassword            string `yaml:"redisPassword"`
	ChatRateLimitPerMinute   int    `yaml:"chatRateLimitPerMinute"`
	UploadRateLimitPerMinute int    `yaml:"uploadRateLimitPerMinute"`

	Database  backends.DatabaseConfig  `yaml:"database"`
	Storage   backends.StorageConfig   `yaml:"storage"`
	Vector    backends.VectorConfig    `yaml:"vector"`
	Embedding backends.EmbeddingConfig `yaml:"embedding"`
	Chat      backends.ChatConfig      `yaml:"chat"`
	Ingest    IngestConfig             `yaml:"ingest"`
	Stripe    StripeConfig             `yaml:"stripe"`
}

type IngestConfig struct {
	Mode                      string               `yaml:"mode"`
	ServiceURL                string               `yaml:"serviceURL"`
	InternalJWTPrivateKeyPath string               `yaml:"internalJwtPrivateKeyPath"`
	InternalJWTKeyID          string               `yaml:"internalJwtKeyId"`
	Concurrency               int                  `yaml:"concurrency"`
	TimeoutSeconds            int                  `yaml:"timeoutSeconds"`
	BatchSize                 int                  `yaml:"batchSize"`
	Queue                     backends.QueueConfig `yaml:"queue"`
}

type StripeConfig struct {
	SecretKey     string `yaml:"secretKey"`
	WebhookSecret string `yaml:"webhookSecret"`
	ProPriceID    string `yaml:"proPriceID"`
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
	if v := os.Getenv("QUILL_PORT"); v != "" {
		cfg.Port = v
	}
	if v := os.Getenv("QUILL_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("QUILL_LOG_FILE"); v != "" {
		cfg.Log.File = v
	}
	if v := os.Getenv("QUILL_APP_BASE_URL"); v != "" {
		cfg.AppBaseURL = strings.TrimSpace(v)
	}
	if v := os.Getenv("QUILL_TRUSTED_PROXY_CIDRS"); v != "" {
		cfg.TrustedProxyCIDRs = splitCSV(v)
	}
	if v := os.Getenv("QUILL_CORS_ALLOWED_ORIGINS"); v != "" {
		cfg.CORSAllowedOrigins = splitCSV(v)
	}
	if v := os.Getenv("QUILL_AUTH_ISSUER"); v != "" {
		cfg.AuthIssuer = v
	}
	if v := os.Getenv("QUILL_AUTH_JWKS_URL"); v != "" {
		cfg.AuthJWKSURL = v
	}
	if v := os.Getenv("QUILL_AUTH_AUDIENCE"); v != "" {
		cfg.AuthAudience = v
	}
	if v := os.Getenv("JWT_LEEWAY"); v != "" {
		cfg.JWTLeeway = v
	}
	if v := os.Getenv("REDIS_ADDR"); v != "" {
		cfg.RedisAddr = v
		if cfg.Ingest.Queue.RedisAddr == "" {
			cfg.Ingest.Queue.RedisAddr = v
		}
	}
	if v := os.Getenv("REDIS_PASSWORD"); v != "" {
		cfg.RedisPassword = v
	}
	if v := os.Getenv("QUILL_CHAT_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.ChatRateLimitPerMinute = n
		}
	}
	if v := os.Getenv("QUILL_UPLOAD_RATE_LIMIT_PER_MINUTE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.UploadRateLimitPerMinute = n
		}
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
	if v := os.Getenv("ANTHROPIC_API_KEY"); v != "" && isProvider(cfg.Chat.Provider, "anthropic") {
		cfg.Chat.APIKey = v
	}
	if v := os.Getenv("QUILL_INGEST_MODE"); v != "" {
		cfg.Ingest.Mode = strings.ToLower(strings.TrimSpace(v))
	}
	if v := os.Getenv("QUILL_INGEST_URL"); v != "" {
		cfg.Ingest.ServiceURL = v
	}
	if v := os.Getenv("QUILL_INTERNAL_JWT_PRIVATE_KEY_PATH"); v != "" {
		cfg.Ingest.InternalJWTPrivateKeyPath = v
	}
	if v := os.Getenv("AMQP_URL"); v != "" {
		cfg.Ingest.Queue.AMQPURL = v
	}
	if v := os.Getenv("STRIPE_SECRET_KEY"); v != "" {
		cfg.Stripe.SecretKey = v
	}
	if v := os.Getenv("STRIPE_WEBHOOK_SECRET"); v != "" {
		cfg.Stripe.WebhookSecret = v
	}
	if v := os.Getenv("STRIPE_PRO_PRICE_ID"); v != "" {
		cfg.Stripe.ProPriceID = v
	}
}

func applyDefaults(cfg *FileConfig) {
	if cfg.Embedding.Model == "" && isProvider(cfg.Embedding.Provider, "voyage") {
		cfg.Embedding.Model = "voyage-code-2"
	}
	if cfg.Chat.Model == "" && isProvider(cfg.Chat.Provider, "anthropic") {
		cfg.Chat.Model = "claude-3-sonnet-20240229"
	}
	cfg.Ingest.Mode = strings.ToLower(strings.TrimSpace(cfg.Ingest.Mode))
	if cfg.Ingest.Mode == "" {
		cfg.Ingest.Mode = IngestInline
	}
	if cfg.ChatRateLimitPerMinute == 0 {
		cfg.ChatRateLimitPerMinute = 20
	}
	if cfg.UploadRateLimitPerMinute == 0 {
		cfg.UploadRateLimitPerMinute = 5
	}
}

func validateConfig(cfg FileConfig) error {
	if cfg.Port == "" {
		return errors.New("config: port is required (set in config.yaml)")
	}
	if strings.TrimSpace(cfg.AuthIssuer) == "" {
		return errors.New("config: authIssuer is required (set in config.yaml or QUILL_AUTH_ISSUER)")
	}
	if _, err := ParseJWTLeeway(cfg.JWTLeeway); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if strings.TrimSpace(cfg.RedisAddr) == "" {
		return errors.New("config: redisAddr is required for distributed rate limiting")
	}
	if cfg.ChatRateLimitPerMinute < 0 || cfg.UploadRateLimitPerMinute < 0 {
		return errors.New("config: rate limits must be >= 0")
	}
	if u, err := url.Parse(strings.TrimSpace(cfg.AppBaseURL)); err != nil || u.Scheme == "" || u.Host == "" {
		return errors.New("config: appBaseURL must be an absolute URL (set in config.yaml or QUILL_APP_BASE_URL)")
	}
	for _, check := range []func() error{
		cfg.Database.Validate,
		cfg.Storage.Validate,
		cfg.Vector.Validate,
		cfg.Embedding.Validate,
		cfg.Chat.Validate,
	} {
		if err := check(); err != nil {
			return err
		}
	}
	switch cfg.Ingest.Mode {
	case IngestInline:
	case IngestHTTP:
		if strings.TrimSpace(cfg.Ingest.ServiceURL) == "" {
			return errors.New("config: ingest.mode=http requires ingest.serviceURL (or QUILL_INGEST_URL)")
		}
		if strings.TrimSpace(cfg.Ingest.InternalJWTPrivateKeyPath) == "" {
			return errors.New("config: ingest.mode=http requires ingest.internalJwtPrivateKeyPath")
		}
	case IngestQueue:
		if err := cfg.Ingest.Queue.Validate(); err != nil {
			return err
		}
	default:
		return fmt.Errorf("config: unknown ingest.mode %q", cfg.Ingest.Mode)
	}
	if cfg.Ingest.Concurrency < 0 || cfg.Ingest.TimeoutSeconds < 0 || cfg.Ingest.BatchSize < 0 {
		return errors.New("config: ingest concurrency, timeoutSeconds and batchSize must be >= 0")
	}
	if cfg.Stripe.SecretKey != "" && cfg.Stripe.ProPriceID == "" {
		return errors.New("config: stripe.proPriceID is required when stripe.secretKey is set")
	}
	return nil
}

// Timeout returns the per-run limit for inline ingestion.
func (c IngestConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutSeconds) * time.Second
}

// isProvider treats an empty provider as the default one.
func isProvider(configured, name string) bool {
	configured = strings.TrimSpace(configured)
	return configured == "" || strings.EqualFold(configured, name)
}

func splitCSV(value string) []string {
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		out = append(out, part)
	}
	return out
}

// ParseJWTLeeway parses optional JWT leeway duration string.
func ParseJWTLeeway(leewayStr string) (time.Duration, error) {
	if leewayStr == "" {
		return 0, nil
	}
	dur, err := time.ParseDuration(leewayStr)
	if err != nil {
		return 0, fmt.Errorf("invalid jwtLeeway duration: %w", err)
	}
	return dur, nil
}

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

const baseConfig = `
port: "8080"
appBaseURL: "http://localhost:3000"
authIssuer: "https://quill.kinde.com"
redisAddr: "localhost:6379"
database:
  driver: sqlite
  url: "file::memory:"
storage:
  driver: memory
vector:
  driver: memory
embedding:
  apiKey: "voyage-test"
chat:
  apiKey: "anthropic-test"
`

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, baseConfig))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Embedding.Model != "voyage-code-2" {
		t.Fatalf("embedding.model = %q, want voyage-code-2", cfg.Embedding.Model)
	}
	if cfg.Chat.Model != "claude-3-sonnet-20240229" {
		t.Fatalf("chat.model = %q", cfg.Chat.Model)
	}
	if cfg.Ingest.Mode != IngestInline {
		t.Fatalf("ingest.mode = %q, want inline", cfg.Ingest.Mode)
	}
	if cfg.ChatRateLimitPerMinute != 20 || cfg.UploadRateLimitPerMinute != 5 {
		t.Fatalf("rate limits = %d/%d, want 20/5", cfg.ChatRateLimitPerMinute, cfg.UploadRateLimitPerMinute)
	}
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("QUILL_PORT", "9090")
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-env")
	t.Setenv("VOYAGE_AI_API_KEY", "pa-env")
	t.Setenv("STRIPE_SECRET_KEY", "sk_test_env")
	t.Setenv("STRIPE_PRO_PRICE_ID", "price_pro")
	t.Setenv("QUILL_CORS_ALLOWED_ORIGINS", "http://a.test, http://b.test")
	t.Setenv("QUILL_CHAT_RATE_LIMIT_PER_MINUTE", "7")
	t.Setenv("QUILL_INGEST_MODE", "QUEUE")
	t.Setenv("REDIS_ADDR", "redis:6379")

	cfg, err := Load(writeConfig(t, baseConfig))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Port != "9090" {
		t.Fatalf("port = %q, want 9090", cfg.Port)
	}
	if cfg.Chat.APIKey != "sk-ant-env" || cfg.Embedding.APIKey != "pa-env" {
		t.Fatalf("provider keys = %q/%q", cfg.Chat.APIKey, cfg.Embedding.APIKey)
	}
	if cfg.Stripe.SecretKey != "sk_test_env" || cfg.Stripe.ProPriceID != "price_pro" {
		t.Fatalf("stripe = %+v", cfg.Stripe)
	}
	if got := strings.Join(cfg.CORSAllowedOrigins, "|"); got != "http://a.test|http://b.test" {
		t.Fatalf("cors origins = %q", got)
	}
	if cfg.ChatRateLimitPerMinute != 7 {
		t.Fatalf("chat rate limit = %d, want 7", cfg.ChatRateLimitPerMinute)
	}
	if cfg.Ingest.Mode != IngestQueue || cfg.Ingest.Queue.RedisAddr != "redis:6379" {
		t.Fatalf("ingest = %+v", cfg.Ingest)
	}
}

func TestLoadReadsConfigFileEnv(t *testing.T) {
	t.Setenv("CONFIG_FILE", writeConfig(t, baseConfig))
	if _, err := Load(""); err != nil {
		t.Fatalf("load config from CONFIG_FILE: %v", err)
	}
}

func TestProviderKeyEnvIgnoredForOtherProviders(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "sk-ant-env")
	content := strings.Replace(baseConfig, "chat:\n  apiKey: \"anthropic-test\"", "chat:\n  provider: ollama\n  model: llama3", 1)
	cfg, err := Load(writeConfig(t, content))
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.Chat.APIKey != "" {
		t.Fatalf("chat.apiKey = %q, want empty for ollama", cfg.Chat.APIKey)
	}
}

func TestValidateConfigRejects(t *testing.T) {
	base := func() FileConfig {
		cfg := FileConfig{
			Port:       "8080",
			AppBaseURL: "http://localhost:3000",
			AuthIssuer: "https://quill.kinde.com",
			RedisAddr:  "localhost:6379",
		}
		cfg.Database.Driver = "sqlite"
		cfg.Database.URL = "file::memory:"
		cfg.Storage.Driver = "memory"
		cfg.Vector.Driver = "memory"
		cfg.Embedding.APIKey = "k"
		cfg.Chat.APIKey = "k"
		cfg.Ingest.Mode = IngestInline
		return cfg
	}
	if err := validateConfig(base()); err != nil {
		t.Fatalf("validateConfig(base) = %v", err)
	}

	tests := []struct {
		name   string
		mutate func(*FileConfig)
	}{
		{"missing port", func(c *FileConfig) { c.Port = "" }},
		{"missing issuer", func(c *FileConfig) { c.AuthIssuer = " " }},
		{"bad leeway", func(c *FileConfig) { c.JWTLeeway = "soon" }},
		{"missing redis", func(c *FileConfig) { c.RedisAddr = "" }},
		{"negative rate limit", func(c *FileConfig) { c.UploadRateLimitPerMinute = -1 }},
		{"relative app url", func(c *FileConfig) { c.AppBaseURL = "/dashboard" }},
		{"gcs without bucket", func(c *FileConfig) { c.Storage.Driver = "gcs" }},
		{"pinecone without host", func(c *FileConfig) { c.Vector.Driver = "pinecone"; c.Vector.PineconeAPIKey = "k" }},
		{"http ingest without url", func(c *FileConfig) { c.Ingest.Mode = IngestHTTP }},
		{"queue ingest without redis", func(c *FileConfig) { c.Ingest.Mode = IngestQueue }},
		{"unknown ingest mode", func(c *FileConfig) { c.Ingest.Mode = "cron" }},
		{"stripe without price", func(c *FileConfig) { c.Stripe.SecretKey = "sk_test" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(&cfg)
			if err := validateConfig(cfg); err == nil {
				t.Fatalf("validateConfig() expected error")
			}
		})
	}
}

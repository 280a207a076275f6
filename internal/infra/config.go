package infra

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

const (
	StoreDriverPostgres = "postgres"
	StoreDriverMemory   = "memory"
)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv      string `env:"APP_ENV" envDefault:"development"`
	Port        string `env:"PORT" envDefault:"8080"`
	StoreDriver string `env:"STORE_DRIVER" envDefault:"postgres"`
	DatabaseURL string `env:"DATABASE_URL"`
	RedisURL    string `env:"REDIS_URL"`
	AutoMigrate bool   `env:"AUTO_MIGRATE" envDefault:"false"`

	JWTSecret        string        `env:"JWT_SECRET"`
	WebhookSecret    string        `env:"WEBHOOK_SECRET"`
	WebhookTolerance time.Duration `env:"WEBHOOK_TOLERANCE" envDefault:"5m"`
	NoncePruneEvery  time.Duration `env:"NONCE_PRUNE_INTERVAL" envDefault:"10m"`
	PublicBaseURL    string        `env:"PUBLIC_BASE_URL"`

	EngineBaseURL  string        `env:"ENGINE_BASE_URL" envDefault:"http://localhost:9000"`
	EngineAPIKey   string        `env:"ENGINE_API_KEY"`
	EngineTimeout  time.Duration `env:"ENGINE_TIMEOUT" envDefault:"30s"`
	EngineProvider string        `env:"ENGINE_PROVIDER" envDefault:"render-engine"`
	EngineModel    string        `env:"ENGINE_MODEL" envDefault:"enhance-v1"`

	JobCost           int `env:"JOB_COST" envDefault:"1"`
	MaxImageDimension int `env:"MAX_IMAGE_DIMENSION" envDefault:"8192"`
	MaxMasks          int `env:"MAX_MASKS" envDefault:"64"`

	RelayEmbedded    bool          `env:"RELAY_EMBEDDED" envDefault:"false"`
	RelayInterval    time.Duration `env:"RELAY_INTERVAL" envDefault:"2s"`
	RelayBatchSize   int           `env:"RELAY_BATCH_SIZE" envDefault:"25"`
	RelayConcurrency int           `env:"RELAY_CONCURRENCY" envDefault:"4"`
	RelayMaxAttempts int           `env:"RELAY_MAX_ATTEMPTS" envDefault:"10"`
	RelayLease       time.Duration `env:"RELAY_LEASE" envDefault:"1m"`

	SSEKeepalive time.Duration `env:"SSE_KEEPALIVE" envDefault:"15s"`

	HTTPReadTimeout  time.Duration `env:"HTTP_READ_TIMEOUT" envDefault:"15s"`
	HTTPWriteTimeout time.Duration `env:"HTTP_WRITE_TIMEOUT" envDefault:"30s"`
	HTTPIdleTimeout  time.Duration `env:"HTTP_IDLE_TIMEOUT" envDefault:"60s"`
	RateLimitPerMin  int           `env:"RATE_LIMIT_PER_MINUTE" envDefault:"30"`
	CORSOrigins      []string      `env:"CORS_ALLOWED_ORIGINS" envSeparator:","`
}

// LoadConfig loads configuration from environment variables and applies defaults where needed.
func LoadConfig() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}

	cfg.StoreDriver = strings.ToLower(strings.TrimSpace(cfg.StoreDriver))
	switch cfg.StoreDriver {
	case StoreDriverPostgres:
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("DATABASE_URL is required")
		}
	case StoreDriverMemory:
	default:
		return nil, fmt.Errorf("STORE_DRIVER %q is not supported", cfg.StoreDriver)
	}

	if cfg.JWTSecret == "" {
		return nil, fmt.Errorf("JWT_SECRET is required")
	}
	if cfg.WebhookSecret == "" {
		return nil, fmt.Errorf("WEBHOOK_SECRET is required")
	}

	if cfg.PublicBaseURL == "" {
		cfg.PublicBaseURL = "http://localhost:" + cfg.Port
	}
	cfg.PublicBaseURL = strings.TrimRight(cfg.PublicBaseURL, "/")

	origins := cfg.CORSOrigins[:0]
	for _, o := range cfg.CORSOrigins {
		if o = strings.TrimSpace(o); o != "" {
			origins = append(origins, o)
		}
	}
	cfg.CORSOrigins = origins

	if cfg.RelayConcurrency <= 0 {
		cfg.RelayConcurrency = 1
	}
	if cfg.RelayBatchSize <= 0 {
		cfg.RelayBatchSize = 1
	}

	return cfg, nil
}

// IsDevelopment reports whether the service runs with developer defaults.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}

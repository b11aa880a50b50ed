package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

// Config holds the environment driven configuration for the gallery service.
type Config struct {
	// Service
	ServiceName      string        `env:"SERVICE_NAME" envDefault:"gallery-api"`
	ServiceNamespace string        `env:"SERVICE_NAMESPACE" envDefault:"aperture"`
	Environment      string        `env:"ENVIRONMENT" envDefault:"development"`
	HTTPPort         int           `env:"HTTP_PORT" envDefault:"8380"`
	MetricsPort      int           `env:"METRICS_PORT" envDefault:"9391"`
	LogLevel         string        `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat        string        `env:"LOG_FORMAT" envDefault:"console"`
	ShutdownTimeout  time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`
	EnableSwagger    bool          `env:"ENABLE_SWAGGER" envDefault:"true"`

	// Database
	DBPostgresqlWriteDSN string        `env:"DB_POSTGRESQL_WRITE_DSN,notEmpty"`
	DBPostgresqlRead1DSN string        `env:"DB_POSTGRESQL_READ1_DSN"`
	DBMaxIdleConns       int           `env:"DB_MAX_IDLE_CONNS" envDefault:"5"`
	DBMaxOpenConns       int           `env:"DB_MAX_OPEN_CONNS" envDefault:"15"`
	DBConnLifetime       time.Duration `env:"DB_CONN_MAX_LIFETIME" envDefault:"30m"`
	AutoMigrate          bool          `env:"AUTO_MIGRATE" envDefault:"true"`

	// InvokeAI backend
	InvokeAIBaseURL string        `env:"INVOKEAI_BASE_URL" envDefault:"http://localhost:9090"`
	InvokeAIAPIKey  string        `env:"INVOKEAI_API_KEY"`
	InvokeAITimeout time.Duration `env:"INVOKEAI_TIMEOUT" envDefault:"30s"`
	InvokeAIMode    string        `env:"INVOKEAI_MODE" envDefault:"local"` // "local" or "remote"
	PollInterval    time.Duration `env:"INVOKEAI_POLL_INTERVAL" envDefault:"2s"`

	// Correlation
	CorrelationWindow time.Duration `env:"CORRELATION_WINDOW" envDefault:"5m"`

	// Retrieval retry policy
	RetryInitialDelay time.Duration `env:"RETRIEVAL_RETRY_INITIAL_DELAY" envDefault:"2s"`
	RetryMaxDelay     time.Duration `env:"RETRIEVAL_RETRY_MAX_DELAY" envDefault:"2m"`
	RetryMultiplier   float64       `env:"RETRIEVAL_RETRY_MULTIPLIER" envDefault:"2"`
	RetryMaxAttempts  int           `env:"RETRIEVAL_RETRY_MAX_ATTEMPTS" envDefault:"5"`
	RetrievalWorkers  int           `env:"RETRIEVAL_WORKERS" envDefault:"4"`

	// Model cache
	ModelRefreshInterval time.Duration `env:"MODEL_REFRESH_INTERVAL" envDefault:"15m"`
	ModelRefreshEnabled  bool          `env:"MODEL_REFRESH_ENABLED" envDefault:"true"`

	// Orphan images
	OrphanRetention       time.Duration `env:"ORPHAN_RETENTION" envDefault:"720h"`
	OrphanCleanupEnabled  bool          `env:"ORPHAN_CLEANUP_ENABLED" envDefault:"true"`
	OrphanCleanupInterval int           `env:"ORPHAN_CLEANUP_INTERVAL_MINUTES" envDefault:"60"`

	// Storage
	StorageBackend      string `env:"STORAGE_BACKEND" envDefault:"local"` // "s3" or "local"
	LocalStoragePath    string `env:"LOCAL_STORAGE_PATH" envDefault:"./gallery-data"`
	LocalStorageBaseURL string `env:"LOCAL_STORAGE_BASE_URL"`

	S3Endpoint     string `env:"S3_ENDPOINT"`
	S3Region       string `env:"S3_REGION" envDefault:"us-west-2"`
	S3Bucket       string `env:"S3_BUCKET"`
	S3AccessKeyID  string `env:"S3_ACCESS_KEY_ID"`
	S3SecretKey    string `env:"S3_SECRET_ACCESS_KEY"`
	S3UsePathStyle bool   `env:"S3_USE_PATH_STYLE" envDefault:"true"`

	MaxImageBytes int64 `env:"MAX_IMAGE_BYTES" envDefault:"52428800"`

	// Observability
	EnableTracing bool   `env:"ENABLE_TRACING" envDefault:"false"`
	OTLPEndpoint  string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTLPHeaders   string `env:"OTEL_EXPORTER_OTLP_HEADERS"`

	// Authentication (optional; the gallery trusts an upstream gateway by default)
	AuthEnabled bool   `env:"AUTH_ENABLED" envDefault:"false"`
	AuthIssuer  string `env:"AUTH_ISSUER"`
	AuthJWKSURL string `env:"AUTH_JWKS_URL"`
}

// Load parses environment variables into Config.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parse env config: %w", err)
	}

	cfg.S3Bucket = strings.TrimSpace(cfg.S3Bucket)
	cfg.S3AccessKeyID = strings.TrimSpace(cfg.S3AccessKeyID)
	cfg.S3SecretKey = strings.TrimSpace(cfg.S3SecretKey)
	cfg.InvokeAIBaseURL = strings.TrimRight(strings.TrimSpace(cfg.InvokeAIBaseURL), "/")

	if cfg.InvokeAIBaseURL == "" {
		return nil, fmt.Errorf("INVOKEAI_BASE_URL must not be empty")
	}
	mode := strings.ToLower(strings.TrimSpace(cfg.InvokeAIMode))
	if mode != "local" && mode != "remote" {
		return nil, fmt.Errorf("INVOKEAI_MODE must be \"local\" or \"remote\", got %q", cfg.InvokeAIMode)
	}
	cfg.InvokeAIMode = mode

	if cfg.RetryMaxAttempts < 1 {
		cfg.RetryMaxAttempts = 1
	}
	if cfg.RetrievalWorkers < 1 {
		cfg.RetrievalWorkers = 1
	}
	if cfg.MaxImageBytes <= 0 {
		cfg.MaxImageBytes = 50 * 1024 * 1024
	}

	if cfg.AuthEnabled {
		if strings.TrimSpace(cfg.AuthIssuer) == "" {
			return nil, fmt.Errorf("AUTH_ISSUER is required when AUTH_ENABLED is true")
		}
		if strings.TrimSpace(cfg.AuthJWKSURL) == "" {
			return nil, fmt.Errorf("AUTH_JWKS_URL is required when AUTH_ENABLED is true")
		}
	}

	return cfg, nil
}

// GetDatabaseWriteDSN returns the write database connection string.
func (c *Config) GetDatabaseWriteDSN() string {
	return c.DBPostgresqlWriteDSN
}

// GetDatabaseReadDSN returns the read database connection string, falling
// back to the write DSN when no replica is configured.
func (c *Config) GetDatabaseReadDSN() string {
	if c.DBPostgresqlRead1DSN != "" {
		return c.DBPostgresqlRead1DSN
	}
	return c.GetDatabaseWriteDSN()
}

// Addr returns the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}

// MetricsAddr returns the metrics listen address.
func (c *Config) MetricsAddr() string {
	return fmt.Sprintf(":%d", c.MetricsPort)
}

// IsLocalStorage returns true if local storage backend is configured.
func (c *Config) IsLocalStorage() bool {
	return strings.ToLower(strings.TrimSpace(c.StorageBackend)) == "local"
}

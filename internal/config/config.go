package config

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Config is parsed from the environment. Secrets are never logged.
type Config struct {
	DatabaseURL string `env:"DATABASE_URL" envDefault:"postgres://localhost:5432/sessioncore?sslmode=disable"`

	RedisURL            string        `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`
	RedisRetryAttempts  int           `env:"REDIS_RETRY_ATTEMPTS" envDefault:"3"`
	RedisRetryInterval  time.Duration `env:"REDIS_RETRY_INTERVAL" envDefault:"2s"`
	RedisConnectTimeout time.Duration `env:"REDIS_CONNECT_TIMEOUT" envDefault:"15s"`

	JWTIssuer        string        `env:"JWT_ISSUER" envDefault:"sessioncore"`
	JWTAudience      string        `env:"JWT_AUDIENCE" envDefault:"identity-platform"`
	JWTAccessSecret  string        `env:"JWT_ACCESS_SECRET,required"`
	JWTRefreshSecret string        `env:"JWT_REFRESH_SECRET,required"`
	AccessTokenTTL   time.Duration `env:"ACCESS_TOKEN_TTL" envDefault:"15m"`
	RefreshTokenTTL  time.Duration `env:"REFRESH_TOKEN_TTL" envDefault:"720h"`

	SessionTTL            time.Duration `env:"SESSION_TTL" envDefault:"24h"`
	SessionIdleExtension  time.Duration `env:"SESSION_IDLE_EXTENSION" envDefault:"30m"`
	MaxConcurrentSessions int           `env:"MAX_CONCURRENT_SESSIONS" envDefault:"5"`
	ContextCacheTTL       time.Duration `env:"CONTEXT_CACHE_TTL" envDefault:"60s"`
	AnalyticsCacheTTL     time.Duration `env:"ANALYTICS_CACHE_TTL" envDefault:"30s"`

	LockTTL         time.Duration `env:"LOCK_TTL" envDefault:"10s"`
	LockMaxRetries  int           `env:"LOCK_MAX_RETRIES" envDefault:"5"`
	LockBaseBackoff time.Duration `env:"LOCK_BASE_BACKOFF" envDefault:"50ms"`

	BreakerFailureThreshold int           `env:"BREAKER_FAILURE_THRESHOLD" envDefault:"5"`
	BreakerSuccessThreshold int           `env:"BREAKER_SUCCESS_THRESHOLD" envDefault:"2"`
	BreakerCooldown         time.Duration `env:"BREAKER_COOLDOWN" envDefault:"30s"`

	AuditBufferSize int `env:"AUDIT_BUFFER_SIZE" envDefault:"256"`

	OTELServiceName          string `env:"OTEL_SERVICE_NAME" envDefault:"sessioncore"`
	OTELEnvironment          string `env:"OTEL_ENVIRONMENT" envDefault:"dev"`
	OTELExporterOTLPEndpoint string `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	OTELExporterOTLPInsecure bool   `env:"OTEL_EXPORTER_OTLP_INSECURE" envDefault:"true"`
	OTELMetricsEnabled       bool   `env:"OTEL_METRICS_ENABLED" envDefault:"false"`
	OTELLogsEnabled          bool   `env:"OTEL_LOGS_ENABLED" envDefault:"false"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
}

// Load parses and validates the configuration from the environment.
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		recordConfigValidationEvent(context.Background(), cfg.OTELEnvironment, "error", "parse")
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		recordConfigValidationEvent(context.Background(), cfg.OTELEnvironment, "error", "validation")
		return nil, fmt.Errorf("validate config: %w", err)
	}
	recordConfigValidationEvent(context.Background(), cfg.OTELEnvironment, "success", "none")
	return &cfg, nil
}

const minSecretLength = 32

func (c *Config) Validate() error {
	var errs []error
	if len(c.JWTAccessSecret) < minSecretLength {
		errs = append(errs, fmt.Errorf("JWT_ACCESS_SECRET must be at least %d bytes", minSecretLength))
	}
	if len(c.JWTRefreshSecret) < minSecretLength {
		errs = append(errs, fmt.Errorf("JWT_REFRESH_SECRET must be at least %d bytes", minSecretLength))
	}
	if c.JWTAccessSecret != "" && c.JWTAccessSecret == c.JWTRefreshSecret {
		errs = append(errs, errors.New("access and refresh secrets must differ"))
	}
	if c.AccessTokenTTL <= 0 {
		errs = append(errs, errors.New("ACCESS_TOKEN_TTL must be positive"))
	}
	if c.RefreshTokenTTL <= c.AccessTokenTTL {
		errs = append(errs, errors.New("REFRESH_TOKEN_TTL must exceed ACCESS_TOKEN_TTL"))
	}
	if c.SessionTTL <= 0 {
		errs = append(errs, errors.New("SESSION_TTL must be positive"))
	}
	if c.AccessTokenTTL > c.SessionTTL {
		// An access token outliving its session could validate from the
		// context cache after the row has expired.
		errs = append(errs, errors.New("ACCESS_TOKEN_TTL must not exceed SESSION_TTL"))
	}
	if c.MaxConcurrentSessions < 1 {
		errs = append(errs, errors.New("MAX_CONCURRENT_SESSIONS must be at least 1"))
	}
	if c.LockTTL <= 0 || c.LockMaxRetries < 0 || c.LockBaseBackoff <= 0 {
		errs = append(errs, errors.New("lock settings must be positive"))
	}
	if c.BreakerFailureThreshold < 1 || c.BreakerSuccessThreshold < 1 || c.BreakerCooldown <= 0 {
		errs = append(errs, errors.New("circuit breaker settings must be positive"))
	}
	return errors.Join(errs...)
}

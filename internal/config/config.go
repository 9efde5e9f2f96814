package config

import (
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Port                  string        `mapstructure:"PORT"`
	Env                   string        `mapstructure:"ENV"`
	DatabaseURL           string        `mapstructure:"DATABASE_URL"`
	DBMaxConns            int32         `mapstructure:"DB_MAX_CONNS"`
	DBMinConns            int32         `mapstructure:"DB_MIN_CONNS"`
	RedisURL              string        `mapstructure:"REDIS_URL"`
	AuthIssuer            string        `mapstructure:"AUTH_ISSUER"`
	AuthJWKSURL           string        `mapstructure:"AUTH_JWKS_URL"`
	AuthAudience          string        `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey        string        `mapstructure:"AUTH_SIGNING_KEY"`
	CORSOrigins           []string      `mapstructure:"CORS_ORIGINS"`
	DefaultOrganization   string        `mapstructure:"DEFAULT_ORGANIZATION"`
	StorageBackend        string        `mapstructure:"STORAGE_BACKEND"`
	StorageDir            string        `mapstructure:"STORAGE_DIR"`
	S3Bucket              string        `mapstructure:"S3_BUCKET"`
	S3Region              string        `mapstructure:"S3_REGION"`
	S3PresignTTL          time.Duration `mapstructure:"S3_PRESIGN_TTL"`
	SendGridAPIKey        string        `mapstructure:"SENDGRID_API_KEY"`
	MailFrom              string        `mapstructure:"MAIL_FROM"`
	WorkerCount           int           `mapstructure:"WORKER_COUNT"`
	ProgressBackend       string        `mapstructure:"PROGRESS_BACKEND"`
	MaxUploadSize         string        `mapstructure:"MAX_UPLOAD_SIZE"`
	ActivityRetentionDays int           `mapstructure:"ACTIVITY_RETENTION_DAYS"`
	ReviewReminderDays    int           `mapstructure:"REVIEW_REMINDER_DAYS"`
	RateLimitRPS          float64       `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst        int           `mapstructure:"RATE_LIMIT_BURST"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("DEFAULT_ORGANIZATION", "Default Organization")
	v.SetDefault("STORAGE_BACKEND", "local")
	v.SetDefault("STORAGE_DIR", "./media")
	v.SetDefault("S3_REGION", "us-east-1")
	v.SetDefault("S3_PRESIGN_TTL", "15m")
	v.SetDefault("MAIL_FROM", "no-reply@dcplant.local")
	v.SetDefault("WORKER_COUNT", 2)
	v.SetDefault("PROGRESS_BACKEND", "memory")
	v.SetDefault("MAX_UPLOAD_SIZE", "512M")
	v.SetDefault("ACTIVITY_RETENTION_DAYS", 0)
	v.SetDefault("REVIEW_REMINDER_DAYS", 3)
	v.SetDefault("RATE_LIMIT_RPS", 20)
	v.SetDefault("RATE_LIMIT_BURST", 40)

	// Bind env vars explicitly so Unmarshal picks them up
	for _, key := range []string{
		"PORT", "ENV", "DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS", "REDIS_URL",
		"AUTH_ISSUER", "AUTH_JWKS_URL", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY",
		"CORS_ORIGINS", "DEFAULT_ORGANIZATION",
		"STORAGE_BACKEND", "STORAGE_DIR", "S3_BUCKET", "S3_REGION", "S3_PRESIGN_TTL",
		"SENDGRID_API_KEY", "MAIL_FROM",
		"WORKER_COUNT", "PROGRESS_BACKEND", "MAX_UPLOAD_SIZE",
		"ACTIVITY_RETENTION_DAYS", "REVIEW_REMINDER_DAYS",
		"RATE_LIMIT_RPS", "RATE_LIMIT_BURST",
	} {
		_ = v.BindEnv(key)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if len(cfg.CORSOrigins) <= 1 {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() && cfg.AuthSigningKey == "" && cfg.AuthJWKSURL == "" {
		log.Println("WARNING: ENV=development without AUTH_SIGNING_KEY or AUTH_JWKS_URL.")
		log.Println("WARNING: Development auth is active, identity is read from X-Dev-* headers.")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// DevAuth reports whether requests are authenticated from development headers
// instead of bearer tokens.
func (c *Config) DevAuth() bool {
	return c.IsDev() && c.AuthSigningKey == "" && c.AuthJWKSURL == ""
}

// Validate checks that the configuration is safe to run.
func (c *Config) Validate() error {
	if !c.IsDev() && c.AuthSigningKey == "" && c.AuthJWKSURL == "" {
		return fmt.Errorf("AUTH_SIGNING_KEY or AUTH_JWKS_URL must be set when ENV=%q", c.Env)
	}

	switch c.StorageBackend {
	case "memory", "local":
	case "s3":
		if c.S3Bucket == "" {
			return fmt.Errorf("S3_BUCKET is required when STORAGE_BACKEND is \"s3\"")
		}
	default:
		return fmt.Errorf("STORAGE_BACKEND must be \"memory\", \"local\", or \"s3\", got %q", c.StorageBackend)
	}
	if c.IsProduction() && c.StorageBackend == "memory" {
		return fmt.Errorf("STORAGE_BACKEND=memory is not allowed in production")
	}

	switch c.ProgressBackend {
	case "memory":
	case "redis":
		if c.RedisURL == "" {
			return fmt.Errorf("REDIS_URL is required when PROGRESS_BACKEND is \"redis\"")
		}
	default:
		return fmt.Errorf("PROGRESS_BACKEND must be \"memory\" or \"redis\", got %q", c.ProgressBackend)
	}

	if c.WorkerCount < 1 {
		return fmt.Errorf("WORKER_COUNT must be at least 1, got %d", c.WorkerCount)
	}
	if c.ActivityRetentionDays < 0 {
		return fmt.Errorf("ACTIVITY_RETENTION_DAYS must not be negative")
	}
	if c.RateLimitRPS > 0 && c.RateLimitBurst < 1 {
		return fmt.Errorf("RATE_LIMIT_BURST must be at least 1 when RATE_LIMIT_RPS is set")
	}
	return nil
}

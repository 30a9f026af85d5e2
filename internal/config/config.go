// Package config loads and validates app config from env and an optional .env file using Viper.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Storage backends selectable with STORAGE_BACKEND.
const (
	BackendMemory   = "memory"
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
	BackendRedis    = "redis"
)

// Config holds application configuration loaded from the environment.
type Config struct {
	// StorageBackend selects where sessions, tokens and users are kept: memory, postgres, sqlite or redis.
	StorageBackend string `mapstructure:"STORAGE_BACKEND"`
	// DatabaseURL is the Postgres DSN; required when StorageBackend is postgres.
	DatabaseURL string `mapstructure:"DATABASE_URL"`
	// SQLitePath is the sqlite DSN (e.g. file:sessions.db).
	SQLitePath string `mapstructure:"SQLITE_PATH"`
	// RedisAddr is host:port of the Redis server; required when StorageBackend is redis.
	RedisAddr string `mapstructure:"REDIS_ADDR"`
	// RedisPrefix namespaces every key written to Redis.
	RedisPrefix string `mapstructure:"REDIS_PREFIX"`

	// DigestAlgorithm is the token secret digest: sha256, argon2id or bcrypt.
	DigestAlgorithm string `mapstructure:"DIGEST_ALGORITHM"`
	// BcryptCost is the bcrypt cost factor (4–31); default 12. Used for passwords and the bcrypt digest.
	BcryptCost int `mapstructure:"BCRYPT_COST"`
	// TokenSecretBytes is the number of random bytes in each token secret (16–128).
	TokenSecretBytes int `mapstructure:"TOKEN_SECRET_BYTES"`

	// SessionTTLRaw is the session lifetime (e.g. "168h"); "0" disables expiry.
	SessionTTLRaw string `mapstructure:"SESSION_TTL"`
	// SessionExtraFields is a comma-separated list of extra persisted session columns.
	SessionExtraFields string `mapstructure:"SESSION_EXTRA_FIELDS"`
	// InvalidateOnRefresh makes token rotation revoke the superseded token.
	InvalidateOnRefresh bool `mapstructure:"INVALIDATE_ON_REFRESH"`

	// LogLevel is debug, info, warn or error.
	LogLevel string `mapstructure:"LOG_LEVEL"`

	// OTLPEndpoint is the OTLP gRPC collector (e.g. localhost:4317). Empty disables export.
	OTLPEndpoint string `mapstructure:"OTEL_EXPORTER_OTLP_ENDPOINT"`
	// OTLPInsecure forces a plaintext connection to the collector.
	OTLPInsecure bool `mapstructure:"OTEL_EXPORTER_OTLP_INSECURE"`
	// ServiceName is reported as service.name on traces and metrics.
	ServiceName string `mapstructure:"OTEL_SERVICE_NAME"`
}

// Load reads .env (if present), then builds and validates Config from the environment via Viper.
// Missing .env is ignored (e.g. in CI). Env vars override .env. Returns an error if required fields are invalid.
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("STORAGE_BACKEND", BackendMemory)
	v.SetDefault("DATABASE_URL", "")
	v.SetDefault("SQLITE_PATH", "file:sessions.db")
	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("REDIS_PREFIX", "sess")
	v.SetDefault("DIGEST_ALGORITHM", "sha256")
	v.SetDefault("BCRYPT_COST", 12)
	v.SetDefault("TOKEN_SECRET_BYTES", 32)
	v.SetDefault("SESSION_TTL", "168h") // 7d
	v.SetDefault("SESSION_EXTRA_FIELDS", "")
	v.SetDefault("INVALIDATE_ON_REFRESH", false)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("OTEL_EXPORTER_OTLP_ENDPOINT", "")
	v.SetDefault("OTEL_EXPORTER_OTLP_INSECURE", false)
	v.SetDefault("OTEL_SERVICE_NAME", "sessioncore")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	c.StorageBackend = strings.ToLower(strings.TrimSpace(c.StorageBackend))
	switch c.StorageBackend {
	case BackendMemory:
	case BackendPostgres:
		if c.DatabaseURL == "" {
			return errors.New("config: DATABASE_URL must be set when STORAGE_BACKEND=postgres")
		}
	case BackendSQLite:
		if c.SQLitePath == "" {
			return errors.New("config: SQLITE_PATH must be set when STORAGE_BACKEND=sqlite")
		}
	case BackendRedis:
		if c.RedisAddr == "" {
			return errors.New("config: REDIS_ADDR must be set when STORAGE_BACKEND=redis")
		}
	default:
		return fmt.Errorf("config: unknown STORAGE_BACKEND %q", c.StorageBackend)
	}

	c.DigestAlgorithm = strings.ToLower(strings.TrimSpace(c.DigestAlgorithm))
	switch c.DigestAlgorithm {
	case "sha256", "argon2id", "bcrypt":
	default:
		return fmt.Errorf("config: unknown DIGEST_ALGORITHM %q", c.DigestAlgorithm)
	}

	if c.BcryptCost == 0 {
		c.BcryptCost = 12
	}
	if c.BcryptCost < 4 || c.BcryptCost > 31 {
		return errors.New("config: BCRYPT_COST must be between 4 and 31")
	}
	if c.TokenSecretBytes == 0 {
		c.TokenSecretBytes = 32
	}
	if c.TokenSecretBytes < 16 || c.TokenSecretBytes > 128 {
		return errors.New("config: TOKEN_SECRET_BYTES must be between 16 and 128")
	}
	// bcrypt reads at most 72 bytes; base64url of more than 54 random bytes exceeds that.
	if c.DigestAlgorithm == "bcrypt" && c.TokenSecretBytes > 54 {
		return errors.New("config: TOKEN_SECRET_BYTES must be at most 54 with DIGEST_ALGORITHM=bcrypt")
	}

	if _, err := c.parseSessionTTL(); err != nil {
		return err
	}

	switch strings.ToLower(c.LogLevel) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown LOG_LEVEL %q", c.LogLevel)
	}
	return nil
}

func (c *Config) parseSessionTTL() (time.Duration, error) {
	if c.SessionTTLRaw == "" || c.SessionTTLRaw == "0" {
		return 0, nil
	}
	d, err := time.ParseDuration(c.SessionTTLRaw)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("config: invalid SESSION_TTL %q", c.SessionTTLRaw)
	}
	return d, nil
}

// SessionTTL returns the parsed session lifetime. Zero means sessions do not expire.
func (c *Config) SessionTTL() time.Duration {
	d, _ := c.parseSessionTTL()
	return d
}

// SessionExtraFieldsList returns the extra session columns from the comma-separated config.
func (c *Config) SessionExtraFieldsList() []string {
	if c == nil || c.SessionExtraFields == "" {
		return nil
	}
	parts := strings.Split(c.SessionExtraFields, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

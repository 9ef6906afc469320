package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Claim policies for the dispatcher's transient "sending" state.
const (
	ClaimPolicyClaim  = "claim"
	ClaimPolicyDirect = "direct"
)

// Config holds all configuration for the application
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Log        LogConfig        `mapstructure:"log"`
	Security   SecurityConfig   `mapstructure:"security"`
	Dispatcher DispatcherConfig `mapstructure:"dispatcher"`
	Gmail      GmailConfig      `mapstructure:"gmail"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host           string   `mapstructure:"host"`
	Port           int      `mapstructure:"port"`
	AllowedOrigins []string `mapstructure:"allowed_origins"`
	TLS            struct {
		Enabled  bool   `mapstructure:"enabled"`
		CertFile string `mapstructure:"cert_file"`
		KeyFile  string `mapstructure:"key_file"`
	} `mapstructure:"tls"`
}

// DatabaseConfig holds PostgreSQL configuration
type DatabaseConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Name           string `mapstructure:"name"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	SSLMode        string `mapstructure:"ssl_mode"`
	MaxConnections int    `mapstructure:"max_connections"`
}

// DSN returns the PostgreSQL connection string
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// RedisConfig holds Redis configuration
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// Addr returns the Redis address
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// LogConfig holds logging configuration
type LogConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// SecurityConfig holds security-related configuration
type SecurityConfig struct {
	// TokenEncryptionKey seals OAuth tokens at rest. Any string works; a key
	// is derived from it with HKDF.
	TokenEncryptionKey string             `mapstructure:"token_encryption_key"`
	APITokens          APITokenConfig     `mapstructure:"api_tokens"`
	RateLimiting       RateLimitingConfig `mapstructure:"rate_limiting"`
}

// APITokenConfig holds bearer token configuration for the HTTP API.
// When Secret is empty the API is unauthenticated (trusted network deployments).
type APITokenConfig struct {
	Secret string        `mapstructure:"secret"`
	Issuer string        `mapstructure:"issuer"`
	TTL    time.Duration `mapstructure:"ttl"`
}

// RateLimitingConfig holds rate limiting configuration
type RateLimitingConfig struct {
	Enabled    bool          `mapstructure:"enabled"`
	SendLimit  int           `mapstructure:"send_limit"`
	SendWindow time.Duration `mapstructure:"send_window"`
}

// DispatcherConfig holds scheduled-send loop configuration
type DispatcherConfig struct {
	// Enabled starts the dispatch loop inside the server process.
	Enabled bool `mapstructure:"enabled"`
	// PollInterval is the sleep between ticks (default: 60s).
	PollInterval time.Duration `mapstructure:"poll_interval"`
	// SendTimeout bounds a single transmission (default: 30s).
	SendTimeout time.Duration `mapstructure:"send_timeout"`
	// PageSize is the due-query page size.
	PageSize int `mapstructure:"page_size"`
	// Workers is the number of records processed concurrently within a tick.
	Workers int `mapstructure:"workers"`
	// ClaimPolicy is "claim" (write sending before transmitting) or "direct".
	ClaimPolicy string `mapstructure:"claim_policy"`
	// ReclaimAfter returns abandoned sending records to scheduled.
	ReclaimAfter time.Duration `mapstructure:"reclaim_after"`
	// MaxAttempts bounds transient-failure retries within one tick (1 = no retry).
	MaxAttempts int `mapstructure:"max_attempts"`
	// RetryBackoff is the first retry delay; it doubles on each retry.
	RetryBackoff time.Duration `mapstructure:"retry_backoff"`
	// DistributedLock takes a Redis lease around each tick.
	DistributedLock bool          `mapstructure:"distributed_lock"`
	LockTTL         time.Duration `mapstructure:"lock_ttl"`
}

// GmailConfig holds the OAuth client used for delegated Gmail credentials
type GmailConfig struct {
	ClientID     string `mapstructure:"client_id"`
	ClientSecret string `mapstructure:"client_secret"`
	// RedirectURL is the credential return address used by the external consent flow.
	RedirectURL string `mapstructure:"redirect_url"`
	// Endpoint overrides the Gmail API base URL (proxies, local fakes).
	Endpoint string `mapstructure:"endpoint"`
	// TokenURL overrides the OAuth token endpoint.
	TokenURL string `mapstructure:"token_url"`
}

// Load reads configuration from file and environment variables
func Load() (*Config, error) {
	v := viper.New()

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("./config")
	v.AddConfigPath("/etc/premail")

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix("PREMAIL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate checks values viper cannot check on its own
func (c *Config) Validate() error {
	d := c.Dispatcher
	if d.PollInterval <= 0 {
		return errors.New("dispatcher.poll_interval must be positive")
	}
	if d.SendTimeout <= 0 {
		return errors.New("dispatcher.send_timeout must be positive")
	}
	if d.PageSize <= 0 {
		return errors.New("dispatcher.page_size must be positive")
	}
	if d.Workers <= 0 {
		return errors.New("dispatcher.workers must be positive")
	}
	if d.MaxAttempts <= 0 {
		return errors.New("dispatcher.max_attempts must be positive")
	}
	switch d.ClaimPolicy {
	case ClaimPolicyClaim, ClaimPolicyDirect:
	default:
		return fmt.Errorf("dispatcher.claim_policy must be %q or %q, got %q", ClaimPolicyClaim, ClaimPolicyDirect, d.ClaimPolicy)
	}

	window := d.SendWindow()
	if d.ClaimPolicy == ClaimPolicyClaim {
		reclaim := d.ReclaimAfter
		if reclaim <= 0 {
			reclaim = defaultReclaimAfter
		}
		if reclaim <= window {
			return fmt.Errorf("dispatcher.reclaim_after (%s) must exceed the worst-case send window (%s)", reclaim, window)
		}
	}
	if d.DistributedLock {
		ttl := d.LockTTL
		if ttl <= 0 {
			ttl = d.PollInterval
		}
		if ttl < window {
			return fmt.Errorf("dispatcher.lock_ttl (%s) must cover the worst-case send window (%s)", ttl, window)
		}
	}
	return nil
}

// defaultReclaimAfter is used by the dispatcher when reclaim_after is unset
const defaultReclaimAfter = 10 * time.Minute

// SendWindow is the longest one record can stay in sending: every attempt
// timing out, the doubling backoffs between them and the final store write.
func (d DispatcherConfig) SendWindow() time.Duration {
	window := time.Duration(d.MaxAttempts+1) * d.SendTimeout
	backoff := d.RetryBackoff
	for i := 1; i < d.MaxAttempts; i++ {
		window += backoff
		backoff *= 2
	}
	return window
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.allowed_origins", []string{"http://localhost:3000", "http://localhost:5173"})
	v.SetDefault("server.tls.enabled", false)

	// Database defaults
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.name", "premail")
	v.SetDefault("database.user", "premail")
	v.SetDefault("database.password", "")
	v.SetDefault("database.ssl_mode", "disable")
	v.SetDefault("database.max_connections", 25)

	// Redis defaults
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)

	// Log defaults
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "json")

	// Security defaults
	v.SetDefault("security.token_encryption_key", "")
	v.SetDefault("security.api_tokens.secret", "")
	v.SetDefault("security.api_tokens.issuer", "premail")
	v.SetDefault("security.api_tokens.ttl", "1h")
	v.SetDefault("security.rate_limiting.enabled", true)
	v.SetDefault("security.rate_limiting.send_limit", 30)
	v.SetDefault("security.rate_limiting.send_window", "1m")

	// Dispatcher defaults
	v.SetDefault("dispatcher.enabled", true)
	v.SetDefault("dispatcher.poll_interval", "60s")
	v.SetDefault("dispatcher.send_timeout", "30s")
	v.SetDefault("dispatcher.page_size", 100)
	v.SetDefault("dispatcher.workers", 1)
	v.SetDefault("dispatcher.claim_policy", ClaimPolicyClaim)
	v.SetDefault("dispatcher.reclaim_after", "10m")
	v.SetDefault("dispatcher.max_attempts", 1)
	v.SetDefault("dispatcher.retry_backoff", "2s")
	v.SetDefault("dispatcher.distributed_lock", false)
	v.SetDefault("dispatcher.lock_ttl", "5m")

	// Gmail defaults
	v.SetDefault("gmail.client_id", "")
	v.SetDefault("gmail.client_secret", "")
	v.SetDefault("gmail.redirect_url", "http://localhost:5173/settings")
	v.SetDefault("gmail.endpoint", "")
	v.SetDefault("gmail.token_url", "")
}

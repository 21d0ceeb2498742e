// Package config loads the oauth-core process configuration from the
// environment, optionally seeded from a .env file.
package config

import (
	"crypto/tls"
	"fmt"
	"log"
	"os"
	"runtime"
	"slices"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	oauth "github.com/giantswarm/oauth-core"
	"github.com/giantswarm/oauth-core/security"
	"github.com/giantswarm/oauth-core/server"
	"github.com/giantswarm/oauth-core/storage/valkey"
)

// Storage back-ends selectable through STORAGE_BACKEND
const (
	StorageMemory = "memory"
	StorageBolt   = "bolt"
	StorageValkey = "valkey"
)

var storageBackends = []string{StorageMemory, StorageBolt, StorageValkey}

// Config holds all environment-based configuration for oauth-core.
type Config struct {
	// Environment controls log format
	Environment string `env:"ENVIRONMENT" envDefault:"development"`
	LogLevel    string `env:"LOG_LEVEL" envDefault:"info"`

	ListenAddr      string        `env:"LISTEN_ADDR" envDefault:":8080"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"10s"`

	// Metrics are served on their own listener so they are never exposed
	// next to the token endpoint.
	MetricsEnabled bool   `env:"METRICS_ENABLED" envDefault:"true"`
	MetricsAddr    string `env:"METRICS_ADDR" envDefault:":9090"`

	// Issuer and signing key are required.
	Issuer     string `env:"ISSUER"`
	SigningKey string `env:"SIGNING_KEY"`

	AuthorizationCodeTTL  int64 `env:"AUTHORIZATION_CODE_TTL" envDefault:"600"`
	AccessTokenTTL        int64 `env:"ACCESS_TOKEN_TTL" envDefault:"900"`
	RefreshTokenTTL       int64 `env:"REFRESH_TOKEN_TTL" envDefault:"2592000"`
	ClockSkewGracePeriod  int64 `env:"CLOCK_SKEW_GRACE_PERIOD" envDefault:"5"`
	AllowPKCEPlain        bool  `env:"ALLOW_PKCE_PLAIN" envDefault:"false"`
	AllowEmptyScopeTokens bool  `env:"ALLOW_EMPTY_SCOPE_TOKENS" envDefault:"false"`
	BcryptCost            int   `env:"BCRYPT_COST"`

	AuditEnabled    bool          `env:"AUDIT_ENABLED" envDefault:"true"`
	JanitorInterval time.Duration `env:"JANITOR_INTERVAL" envDefault:"5m"`

	// Per-IP rate limit of the token endpoints. Zero disables it.
	RateLimitRPS      int `env:"RATE_LIMIT_RPS" envDefault:"10"`
	RateLimitBurst    int `env:"RATE_LIMIT_BURST" envDefault:"20"`
	TrustedProxyCount int `env:"TRUSTED_PROXY_COUNT" envDefault:"0"`

	StorageBackend string `env:"STORAGE_BACKEND" envDefault:"memory"`
	BoltPath       string `env:"BOLT_PATH" envDefault:"data/oauth.db"`

	ValkeyAddr      string `env:"VALKEY_ADDR"`
	ValkeyPassword  string `env:"VALKEY_PASSWORD"`
	ValkeyDB        int    `env:"VALKEY_DB" envDefault:"0"`
	ValkeyKeyPrefix string `env:"VALKEY_KEY_PREFIX" envDefault:"oauth:"`
	ValkeyTLS       bool   `env:"VALKEY_TLS" envDefault:"false"`
}

// warnInsecureEnvFile warns when a .env file holding the signing key is
// readable by group or others.
func warnInsecureEnvFile() {
	if runtime.GOOS == "windows" {
		return
	}

	info, err := os.Stat(".env")
	if err != nil {
		return
	}
	if mode := info.Mode().Perm(); mode&0o077 != 0 {
		log.Printf("WARNING: .env file has insecure permissions %04o; recommended 0600", mode)
	}
}

// Load reads configuration from environment variables.
// A .env file in the working directory is loaded first if present; variables
// already set in the environment take precedence.
func Load() (*Config, error) {
	_ = godotenv.Load()

	warnInsecureEnvFile()

	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.Issuer == "" {
		return fmt.Errorf("ISSUER is required")
	}
	if len(c.SigningKey) < security.MinSigningSecretLength {
		return fmt.Errorf("SIGNING_KEY must be at least %d bytes", security.MinSigningSecretLength)
	}
	if !slices.Contains(storageBackends, c.StorageBackend) {
		return fmt.Errorf("STORAGE_BACKEND must be one of %v, got %q", storageBackends, c.StorageBackend)
	}

	switch c.StorageBackend {
	case StorageBolt:
		if c.BoltPath == "" {
			return fmt.Errorf("BOLT_PATH is required when STORAGE_BACKEND is bolt")
		}
	case StorageValkey:
		if c.ValkeyAddr == "" {
			return fmt.Errorf("VALKEY_ADDR is required when STORAGE_BACKEND is valkey")
		}
	}

	if c.JanitorInterval <= 0 {
		return fmt.Errorf("JANITOR_INTERVAL must be positive")
	}
	if c.RateLimitRPS < 0 || c.RateLimitBurst < 0 || c.TrustedProxyCount < 0 {
		return fmt.Errorf("rate limit settings must not be negative")
	}
	return nil
}

// IsProduction returns true when the environment is set to production.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}

// ServerConfig returns the authorization server configuration. TTLs are
// clamped by server.New.
func (c *Config) ServerConfig() *server.Config {
	return &server.Config{
		Issuer:                c.Issuer,
		AuthorizationCodeTTL:  c.AuthorizationCodeTTL,
		AccessTokenTTL:        c.AccessTokenTTL,
		RefreshTokenTTL:       c.RefreshTokenTTL,
		ClockSkewGracePeriod:  c.ClockSkewGracePeriod,
		AllowPKCEPlain:        c.AllowPKCEPlain,
		AllowEmptyScopeTokens: c.AllowEmptyScopeTokens,
		AccessTokenSigningKey: []byte(c.SigningKey),
		BcryptCost:            c.BcryptCost,
	}
}

// HandlerConfig returns the HTTP handler configuration.
func (c *Config) HandlerConfig() oauth.Config {
	return oauth.Config{
		RateLimit: oauth.RateLimitConfig{
			Rate:              c.RateLimitRPS,
			Burst:             c.RateLimitBurst,
			TrustedProxyCount: c.TrustedProxyCount,
		},
	}
}

// ValkeyConfig returns the Valkey store configuration.
func (c *Config) ValkeyConfig() valkey.Config {
	cfg := valkey.Config{
		Address:   c.ValkeyAddr,
		Password:  c.ValkeyPassword,
		DB:        c.ValkeyDB,
		KeyPrefix: c.ValkeyKeyPrefix,
	}
	if c.ValkeyTLS {
		cfg.TLS = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return cfg
}

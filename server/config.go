package server

import (
	"fmt"
	"log/slog"
	"net/url"
	"time"

	"github.com/giantswarm/oauth-core/security"
)

// Time-based configuration limits (seconds)
const (
	DefaultAuthorizationCodeTTL = 600 // 10 minutes
	MinAuthorizationCodeTTL     = 60
	MaxAuthorizationCodeTTL     = 600

	DefaultAccessTokenTTL = 900 // 15 minutes
	MinAccessTokenTTL     = 60
	MaxAccessTokenTTL     = 3600

	DefaultRefreshTokenTTL = 2592000 // 30 days
)

// Config holds the authorization server configuration. It is built once at
// startup and passed to New; the server never reads ambient global state.
type Config struct {
	// Issuer is the server's issuer identifier (base URL), used as the "iss"
	// claim of access tokens
	Issuer string

	// AuthorizationCodeTTL is how long authorization codes are valid
	AuthorizationCodeTTL int64 // seconds, default: 600 (10 minutes), clamped to 60-600

	// AccessTokenTTL is how long access tokens are valid
	AccessTokenTTL int64 // seconds, default: 900 (15 minutes), clamped to 60-3600

	// RefreshTokenTTL is how long each refresh token of a family is valid
	RefreshTokenTTL int64 // seconds, default: 2592000 (30 days)

	// AllowPKCEPlain allows the 'plain' code_challenge_method for confidential clients
	// WARNING: The 'plain' method is deprecated in OAuth 2.1
	// Public clients must always use S256, regardless of this setting
	// Default: false
	AllowPKCEPlain bool

	// AllowEmptyScopeTokens controls what happens when scope re-derivation
	// yields no scopes (for example after an API product was disabled).
	// When false the request fails with invalid_scope and nothing changes.
	// When true a valid token carrying no scopes is issued.
	// Default: false
	AllowEmptyScopeTokens bool

	// AccessTokenSigningKey is the secret access tokens are signed with
	// (HKDF-derived HS256 key). Must be at least 32 bytes.
	AccessTokenSigningKey []byte

	// BcryptCost is the bcrypt cost used for client secrets
	// Default: bcrypt.DefaultCost
	BcryptCost int

	// HashWorkers bounds how many bcrypt operations run at once
	// Default: GOMAXPROCS
	HashWorkers int

	// ClockSkewGracePeriod is the grace period for expiry checks (in seconds)
	// Default: 5 seconds
	ClockSkewGracePeriod int64
}

// AuthorizationCodeLifetime returns AuthorizationCodeTTL as a duration.
func (c *Config) AuthorizationCodeLifetime() time.Duration {
	return time.Duration(c.AuthorizationCodeTTL) * time.Second
}

// AccessTokenLifetime returns AccessTokenTTL as a duration.
func (c *Config) AccessTokenLifetime() time.Duration {
	return time.Duration(c.AccessTokenTTL) * time.Second
}

// RefreshTokenLifetime returns RefreshTokenTTL as a duration.
func (c *Config) RefreshTokenLifetime() time.Duration {
	return time.Duration(c.RefreshTokenTTL) * time.Second
}

// Validate reports configuration that cannot work at all.
func (c *Config) Validate() error {
	if c.Issuer == "" {
		return fmt.Errorf("issuer is required")
	}
	u, err := url.Parse(c.Issuer)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("issuer must be an absolute URL, got %q", c.Issuer)
	}
	if len(c.AccessTokenSigningKey) < security.MinSigningSecretLength {
		return fmt.Errorf("access token signing key must be at least %d bytes", security.MinSigningSecretLength)
	}
	if c.RefreshTokenTTL < 0 {
		return fmt.Errorf("refresh token TTL must not be negative")
	}
	return nil
}

// applySecureDefaults applies secure-by-default configuration values
func applySecureDefaults(config *Config, logger *slog.Logger) *Config {
	applyTimeDefaults(config, logger)
	logSecurityWarnings(config, logger)
	return config
}

// applyTimeDefaults sets default values for time-based configuration and
// clamps TTLs into their accepted ranges
func applyTimeDefaults(config *Config, logger *slog.Logger) {
	if config.AuthorizationCodeTTL == 0 {
		config.AuthorizationCodeTTL = DefaultAuthorizationCodeTTL
	}
	if config.AccessTokenTTL == 0 {
		config.AccessTokenTTL = DefaultAccessTokenTTL
	}
	if config.RefreshTokenTTL == 0 {
		config.RefreshTokenTTL = DefaultRefreshTokenTTL
	}
	if config.ClockSkewGracePeriod == 0 {
		config.ClockSkewGracePeriod = 5
	}

	config.AuthorizationCodeTTL = clampTTL(logger, "AuthorizationCodeTTL",
		config.AuthorizationCodeTTL, MinAuthorizationCodeTTL, MaxAuthorizationCodeTTL)
	config.AccessTokenTTL = clampTTL(logger, "AccessTokenTTL",
		config.AccessTokenTTL, MinAccessTokenTTL, MaxAccessTokenTTL)
}

func clampTTL(logger *slog.Logger, name string, value, lo, hi int64) int64 {
	clamped := min(max(value, lo), hi)
	if clamped != value {
		logger.Warn("TTL out of range, clamping",
			"setting", name,
			"configured_seconds", value,
			"effective_seconds", clamped)
	}
	return clamped
}

// logSecurityWarnings logs warnings for insecure configuration settings
func logSecurityWarnings(config *Config, logger *slog.Logger) {
	if config.AllowPKCEPlain {
		logger.Warn("⚠️  SECURITY WARNING: Plain PKCE method is ALLOWED for confidential clients",
			"risk", "Weak code challenge protection",
			"recommendation", "Set AllowPKCEPlain=false to require S256",
			"learn_more", "https://datatracker.ietf.org/doc/html/rfc7636#section-4.2")
	}
	if config.AllowEmptyScopeTokens {
		logger.Warn("⚠️  CONFIGURATION NOTICE: Tokens without scopes may be issued",
			"risk", "Clients receive credentials that authorize nothing instead of an error",
			"recommendation", "Set AllowEmptyScopeTokens=false to fail with invalid_scope")
	}
	if config.RefreshTokenTTL > 90*24*3600 {
		logger.Warn("⚠️  SECURITY NOTICE: Long refresh token lifetime",
			"refresh_token_ttl_seconds", config.RefreshTokenTTL,
			"recommendation", "Keep refresh tokens at or below 90 days")
	}
}

package config

import (
	"crypto/tls"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSigningKey = "test-signing-key-that-is-32-bytes!!"

// clearConfigEnv unsets all config env vars so tests start clean.
func clearConfigEnv(t *testing.T) {
	t.Helper()

	for _, key := range []string{
		"ENVIRONMENT", "LOG_LEVEL", "LISTEN_ADDR", "SHUTDOWN_TIMEOUT",
		"METRICS_ENABLED", "METRICS_ADDR", "ISSUER", "SIGNING_KEY",
		"AUTHORIZATION_CODE_TTL", "ACCESS_TOKEN_TTL", "REFRESH_TOKEN_TTL",
		"CLOCK_SKEW_GRACE_PERIOD", "ALLOW_PKCE_PLAIN", "ALLOW_EMPTY_SCOPE_TOKENS",
		"BCRYPT_COST", "AUDIT_ENABLED", "JANITOR_INTERVAL",
		"RATE_LIMIT_RPS", "RATE_LIMIT_BURST", "TRUSTED_PROXY_COUNT",
		"STORAGE_BACKEND", "BOLT_PATH",
		"VALKEY_ADDR", "VALKEY_PASSWORD", "VALKEY_DB", "VALKEY_KEY_PREFIX", "VALKEY_TLS",
	} {
		t.Setenv(key, "")
		os.Unsetenv(key)
	}
}

// setRequiredEnv sets the minimum env vars for a valid config.
func setRequiredEnv(t *testing.T) {
	t.Helper()
	t.Setenv("ISSUER", "https://auth.example.com")
	t.Setenv("SIGNING_KEY", testSigningKey)
}

// --- Load ---

func TestLoad_Defaults(t *testing.T) {
	clearConfigEnv(t)
	setRequiredEnv(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "development", cfg.Environment)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, ":8080", cfg.ListenAddr)
	assert.Equal(t, 10*time.Second, cfg.ShutdownTimeout)
	assert.True(t, cfg.MetricsEnabled)
	assert.Equal(t, ":9090", cfg.MetricsAddr)
	assert.Equal(t, int64(600), cfg.AuthorizationCodeTTL)
	assert.Equal(t, int64(900), cfg.AccessTokenTTL)
	assert.Equal(t, int64(2592000), cfg.RefreshTokenTTL)
	assert.Equal(t, int64(5), cfg.ClockSkewGracePeriod)
	assert.False(t, cfg.AllowPKCEPlain)
	assert.False(t, cfg.AllowEmptyScopeTokens)
	assert.True(t, cfg.AuditEnabled)
	assert.Equal(t, 5*time.Minute, cfg.JanitorInterval)
	assert.Equal(t, 10, cfg.RateLimitRPS)
	assert.Equal(t, 20, cfg.RateLimitBurst)
	assert.Equal(t, StorageMemory, cfg.StorageBackend)
	assert.Equal(t, "oauth:", cfg.ValkeyKeyPrefix)
	assert.False(t, cfg.IsProduction())
}

func TestLoad_Overrides(t *testing.T) {
	clearConfigEnv(t)
	setRequiredEnv(t)
	t.Setenv("ENVIRONMENT", "production")
	t.Setenv("ACCESS_TOKEN_TTL", "300")
	t.Setenv("ALLOW_EMPTY_SCOPE_TOKENS", "true")
	t.Setenv("JANITOR_INTERVAL", "30s")
	t.Setenv("STORAGE_BACKEND", "bolt")
	t.Setenv("BOLT_PATH", "/var/lib/oauth/oauth.db")

	cfg, err := Load()
	require.NoError(t, err)

	assert.True(t, cfg.IsProduction())
	assert.Equal(t, int64(300), cfg.AccessTokenTTL)
	assert.True(t, cfg.AllowEmptyScopeTokens)
	assert.Equal(t, 30*time.Second, cfg.JanitorInterval)
	assert.Equal(t, StorageBolt, cfg.StorageBackend)
	assert.Equal(t, "/var/lib/oauth/oauth.db", cfg.BoltPath)
}

func TestLoad_InvalidNumber(t *testing.T) {
	clearConfigEnv(t)
	setRequiredEnv(t)
	t.Setenv("ACCESS_TOKEN_TTL", "fifteen minutes")

	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing config")
}

func TestLoad_Validation(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{
			name:    "missing issuer",
			env:     map[string]string{"ISSUER": ""},
			wantErr: "ISSUER",
		},
		{
			name:    "short signing key",
			env:     map[string]string{"SIGNING_KEY": "too-short"},
			wantErr: "SIGNING_KEY",
		},
		{
			name:    "unknown storage backend",
			env:     map[string]string{"STORAGE_BACKEND": "postgres"},
			wantErr: "STORAGE_BACKEND",
		},
		{
			name:    "valkey without address",
			env:     map[string]string{"STORAGE_BACKEND": "valkey"},
			wantErr: "VALKEY_ADDR",
		},
		{
			name:    "zero janitor interval",
			env:     map[string]string{"JANITOR_INTERVAL": "0s"},
			wantErr: "JANITOR_INTERVAL",
		},
		{
			name:    "negative rate limit",
			env:     map[string]string{"RATE_LIMIT_RPS": "-1"},
			wantErr: "rate limit",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clearConfigEnv(t)
			setRequiredEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			_, err := Load()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

// --- Conversions ---

func TestConfig_validate_BoltPath(t *testing.T) {
	cfg := &Config{
		Issuer:          "https://auth.example.com",
		SigningKey:      testSigningKey,
		StorageBackend:  StorageBolt,
		JanitorInterval: time.Minute,
	}
	err := cfg.validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BOLT_PATH")
}

func TestConfig_ServerConfig(t *testing.T) {
	cfg := &Config{
		Issuer:                "https://auth.example.com",
		SigningKey:            testSigningKey,
		AuthorizationCodeTTL:  300,
		AccessTokenTTL:        600,
		RefreshTokenTTL:       86400,
		ClockSkewGracePeriod:  2,
		AllowPKCEPlain:        true,
		AllowEmptyScopeTokens: true,
		BcryptCost:            12,
	}

	sc := cfg.ServerConfig()
	assert.Equal(t, cfg.Issuer, sc.Issuer)
	assert.Equal(t, []byte(testSigningKey), sc.AccessTokenSigningKey)
	assert.Equal(t, int64(300), sc.AuthorizationCodeTTL)
	assert.Equal(t, int64(600), sc.AccessTokenTTL)
	assert.Equal(t, int64(86400), sc.RefreshTokenTTL)
	assert.Equal(t, int64(2), sc.ClockSkewGracePeriod)
	assert.True(t, sc.AllowPKCEPlain)
	assert.True(t, sc.AllowEmptyScopeTokens)
	assert.Equal(t, 12, sc.BcryptCost)
}

func TestConfig_HandlerConfig(t *testing.T) {
	cfg := &Config{RateLimitRPS: 5, RateLimitBurst: 15, TrustedProxyCount: 1}

	hc := cfg.HandlerConfig()
	assert.Equal(t, 5, hc.RateLimit.Rate)
	assert.Equal(t, 15, hc.RateLimit.Burst)
	assert.Equal(t, 1, hc.RateLimit.TrustedProxyCount)
}

func TestConfig_ValkeyConfig(t *testing.T) {
	cfg := &Config{ValkeyAddr: "localhost:6379", ValkeyPassword: "pw", ValkeyDB: 2, ValkeyKeyPrefix: "test:"}

	vc := cfg.ValkeyConfig()
	assert.Equal(t, "localhost:6379", vc.Address)
	assert.Equal(t, "pw", vc.Password)
	assert.Equal(t, 2, vc.DB)
	assert.Equal(t, "test:", vc.KeyPrefix)
	assert.Nil(t, vc.TLS)

	cfg.ValkeyTLS = true
	vc = cfg.ValkeyConfig()
	require.NotNil(t, vc.TLS)
	assert.Equal(t, uint16(tls.VersionTLS12), vc.TLS.MinVersion)
}

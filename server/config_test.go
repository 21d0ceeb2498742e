package server

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
	"time"
)

func TestApplyTimeDefaults(t *testing.T) {
	tests := []struct {
		name       string
		config     Config
		wantCode   int64
		wantAccess int64
		wantRefr   int64
		wantSkew   int64
	}{
		{
			name:       "zero values get defaults",
			config:     Config{},
			wantCode:   DefaultAuthorizationCodeTTL,
			wantAccess: DefaultAccessTokenTTL,
			wantRefr:   DefaultRefreshTokenTTL,
			wantSkew:   5,
		},
		{
			name:       "values in range are kept",
			config:     Config{AuthorizationCodeTTL: 120, AccessTokenTTL: 1800, RefreshTokenTTL: 3600, ClockSkewGracePeriod: 2},
			wantCode:   120,
			wantAccess: 1800,
			wantRefr:   3600,
			wantSkew:   2,
		},
		{
			name:       "values above the limits are clamped",
			config:     Config{AuthorizationCodeTTL: 3600, AccessTokenTTL: 86400},
			wantCode:   MaxAuthorizationCodeTTL,
			wantAccess: MaxAccessTokenTTL,
			wantRefr:   DefaultRefreshTokenTTL,
			wantSkew:   5,
		},
		{
			name:       "values below the limits are clamped",
			config:     Config{AuthorizationCodeTTL: 1, AccessTokenTTL: 10},
			wantCode:   MinAuthorizationCodeTTL,
			wantAccess: MinAccessTokenTTL,
			wantRefr:   DefaultRefreshTokenTTL,
			wantSkew:   5,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := tt.config
			applyTimeDefaults(&config, slog.New(slog.DiscardHandler))

			if config.AuthorizationCodeTTL != tt.wantCode {
				t.Errorf("AuthorizationCodeTTL = %d, want %d", config.AuthorizationCodeTTL, tt.wantCode)
			}
			if config.AccessTokenTTL != tt.wantAccess {
				t.Errorf("AccessTokenTTL = %d, want %d", config.AccessTokenTTL, tt.wantAccess)
			}
			if config.RefreshTokenTTL != tt.wantRefr {
				t.Errorf("RefreshTokenTTL = %d, want %d", config.RefreshTokenTTL, tt.wantRefr)
			}
			if config.ClockSkewGracePeriod != tt.wantSkew {
				t.Errorf("ClockSkewGracePeriod = %d, want %d", config.ClockSkewGracePeriod, tt.wantSkew)
			}
		})
	}
}

func TestApplyTimeDefaults_WarnsWhenClamping(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	config := Config{AccessTokenTTL: 86400}
	applyTimeDefaults(&config, logger)

	if !strings.Contains(buf.String(), "AccessTokenTTL") {
		t.Errorf("expected a clamping warning for AccessTokenTTL, got %q", buf.String())
	}
}

func TestLogSecurityWarnings(t *testing.T) {
	tests := []struct {
		name     string
		config   Config
		wantText string
	}{
		{"plain PKCE", Config{AllowPKCEPlain: true}, "Plain PKCE"},
		{"empty scope tokens", Config{AllowEmptyScopeTokens: true}, "without scopes"},
		{"long refresh lifetime", Config{RefreshTokenTTL: 365 * 24 * 3600}, "Long refresh token lifetime"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logSecurityWarnings(&tt.config, slog.New(slog.NewTextHandler(&buf, nil)))
			if !strings.Contains(buf.String(), tt.wantText) {
				t.Errorf("log = %q, want it to contain %q", buf.String(), tt.wantText)
			}
		})
	}

	var buf bytes.Buffer
	logSecurityWarnings(&Config{RefreshTokenTTL: DefaultRefreshTokenTTL}, slog.New(slog.NewTextHandler(&buf, nil)))
	if buf.Len() != 0 {
		t.Errorf("secure config logged warnings: %q", buf.String())
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		config  Config
		wantErr bool
	}{
		{"valid", Config{Issuer: testIssuer, AccessTokenSigningKey: testSigningKey}, false},
		{"missing issuer", Config{AccessTokenSigningKey: testSigningKey}, true},
		{"relative issuer", Config{Issuer: "/auth", AccessTokenSigningKey: testSigningKey}, true},
		{"short signing key", Config{Issuer: testIssuer, AccessTokenSigningKey: []byte("short")}, true},
		{"negative refresh TTL", Config{Issuer: testIssuer, AccessTokenSigningKey: testSigningKey, RefreshTokenTTL: -1}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.config.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_Lifetimes(t *testing.T) {
	config := Config{AuthorizationCodeTTL: 60, AccessTokenTTL: 900, RefreshTokenTTL: 3600}

	if got := config.AuthorizationCodeLifetime(); got != time.Minute {
		t.Errorf("AuthorizationCodeLifetime() = %v", got)
	}
	if got := config.AccessTokenLifetime(); got != 15*time.Minute {
		t.Errorf("AccessTokenLifetime() = %v", got)
	}
	if got := config.RefreshTokenLifetime(); got != time.Hour {
		t.Errorf("RefreshTokenLifetime() = %v", got)
	}
}

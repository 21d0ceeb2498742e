package server

import (
	"errors"
	"strings"
	"testing"

	"github.com/giantswarm/oauth-core/internal/testutil"
	"github.com/giantswarm/oauth-core/storage"
)

func TestServer_ValidatePKCE(t *testing.T) {
	srv, _, _ := setupTestServer(t)
	challenge, verifier := testutil.GeneratePKCEPair()
	_, otherVerifier := testutil.GeneratePKCEPair()

	tests := []struct {
		name      string
		challenge string
		method    string
		verifier  string
		wantErr   bool
	}{
		{"valid S256", challenge, PKCEMethodS256, verifier, false},
		{"fixed S256 pair", "VlaMDXZnH8zcuz5C5kKpL5thAbXryrdZdA2uZXANkCg", PKCEMethodS256, "dBjftJeZ4CVP-mJ92K9qlSaeNNyH6cR7Xw6oZ0uB2Fs", false},
		{"no PKCE at all", "", "", "", false},
		{"wrong verifier", challenge, PKCEMethodS256, otherVerifier, true},
		{"missing verifier", challenge, PKCEMethodS256, "", true},
		{"verifier without challenge", "", "", verifier, true},
		{"verifier too short", challenge, PKCEMethodS256, strings.Repeat("a", MinCodeVerifierLength-1), true},
		{"verifier too long", challenge, PKCEMethodS256, strings.Repeat("a", MaxCodeVerifierLength+1), true},
		{"verifier with invalid characters", challenge, PKCEMethodS256, strings.Repeat("a", 42) + "+", true},
		{"plain while disabled", verifier, PKCEMethodPlain, verifier, true},
		{"unknown method", challenge, "S512", verifier, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := srv.validatePKCE(tt.challenge, tt.method, tt.verifier)
			if (err != nil) != tt.wantErr {
				t.Errorf("validatePKCE() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestServer_ValidatePKCE_Plain(t *testing.T) {
	srv, _, _ := setupTestServer(t, func(c *Config) { c.AllowPKCEPlain = true })
	_, verifier := testutil.GeneratePKCEPair()

	if err := srv.validatePKCE(verifier, PKCEMethodPlain, verifier); err != nil {
		t.Errorf("validatePKCE(plain) error = %v", err)
	}
	if err := srv.validatePKCE(verifier, PKCEMethodPlain, verifier[:len(verifier)-1]+"x"); err == nil {
		t.Error("validatePKCE(plain) accepted a different verifier")
	}
}

func TestServer_ValidateCodeChallenge(t *testing.T) {
	srv, _, _ := setupTestServer(t)
	public := &storage.Client{Type: storage.ClientTypePublic}
	confidential := &storage.Client{Type: storage.ClientTypeConfidential}
	challenge, _ := testutil.GeneratePKCEPair()

	tests := []struct {
		name      string
		client    *storage.Client
		challenge string
		method    string
		wantErr   bool
	}{
		{"public S256", public, challenge, PKCEMethodS256, false},
		{"confidential S256", confidential, challenge, PKCEMethodS256, false},
		{"confidential without PKCE", confidential, "", "", false},
		{"public without PKCE", public, "", "", true},
		{"public plain", public, challenge, PKCEMethodPlain, true},
		{"confidential plain while disabled", confidential, challenge, PKCEMethodPlain, true},
		{"method without challenge", confidential, "", PKCEMethodS256, true},
		{"challenge without method", public, challenge, "", true},
		{"unsupported method", public, challenge, "S512", true},
		{"short challenge", public, "abc", PKCEMethodS256, true},
		{"challenge with invalid characters", public, strings.Repeat("a", 42) + "/", PKCEMethodS256, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := srv.validateCodeChallenge(tt.client, tt.challenge, tt.method)
			if (err != nil) != tt.wantErr {
				t.Fatalf("validateCodeChallenge() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err != nil && !errors.Is(err, ErrInvalidRequest) {
				t.Errorf("error = %v, want it to match ErrInvalidRequest", err)
			}
		})
	}
}

func TestValidateClientMetadata(t *testing.T) {
	tests := []struct {
		name      string
		metadata  storage.ClientMetadata
		wantField string
	}{
		{"empty", storage.ClientMetadata{}, ""},
		{"valid", storage.ClientMetadata{HomepageURL: "https://a.example", TermsOfServiceURL: "http://a.example/tos"}, ""},
		{"relative logo", storage.ClientMetadata{LogoURL: "/logo.png"}, "logo_url"},
		{"first bad field wins", storage.ClientMetadata{HomepageURL: "ftp://x", PolicyURL: "nope"}, "homepage_url"},
		{"too long", storage.ClientMetadata{PolicyURL: "https://a.example/" + strings.Repeat("p", MaxMetadataURLLength)}, "policy_url"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateClientMetadata(tt.metadata)
			if tt.wantField == "" {
				if err != nil {
					t.Fatalf("validateClientMetadata() error = %v", err)
				}
				return
			}
			var vErr *ValidationError
			if !errors.As(err, &vErr) {
				t.Fatalf("error = %v, want *ValidationError", err)
			}
			if vErr.Field != tt.wantField {
				t.Errorf("Field = %q, want %q", vErr.Field, tt.wantField)
			}
		})
	}
}

package security

import (
	"net/http/httptest"
	"testing"
)

func TestSetSecurityHeaders(t *testing.T) {
	tests := []struct {
		name     string
		issuer   string
		wantHSTS bool
	}{
		{"https issuer", "https://auth.example.com", true},
		{"http issuer", "http://localhost:8080", false},
		{"invalid issuer", "://bad", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			SetSecurityHeaders(rec, tt.issuer)

			if got := rec.Header().Get("Cache-Control"); got != "no-store" {
				t.Errorf("Cache-Control = %q, want no-store", got)
			}
			if got := rec.Header().Get("X-Frame-Options"); got != "DENY" {
				t.Errorf("X-Frame-Options = %q, want DENY", got)
			}
			hasHSTS := rec.Header().Get("Strict-Transport-Security") != ""
			if hasHSTS != tt.wantHSTS {
				t.Errorf("HSTS present = %v, want %v", hasHSTS, tt.wantHSTS)
			}
		})
	}
}

func TestSetCORSHeaders(t *testing.T) {
	rec := httptest.NewRecorder()
	SetCORSHeaders(rec, "https://app.example")

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example" {
		t.Errorf("Access-Control-Allow-Origin = %q", got)
	}
	if got := rec.Header().Get("Vary"); got != "Origin" {
		t.Errorf("Vary = %q, want Origin", got)
	}
}

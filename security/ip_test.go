package security

import (
	"net/http/httptest"
	"testing"
)

func TestGetClientIP(t *testing.T) {
	tests := []struct {
		name              string
		remoteAddr        string
		xff               string
		trustedProxyCount int
		want              string
	}{
		{
			name:       "direct connection",
			remoteAddr: "198.51.100.4:54321",
			want:       "198.51.100.4",
		},
		{
			name:       "xff ignored without trusted proxies",
			remoteAddr: "198.51.100.4:54321",
			xff:        "203.0.113.9",
			want:       "198.51.100.4",
		},
		{
			// Client -> proxy (appends client IP) -> us
			name:              "one trusted proxy",
			remoteAddr:        "10.0.0.1:443",
			xff:               "203.0.113.9",
			trustedProxyCount: 1,
			want:              "203.0.113.9",
		},
		{
			name:              "spoofed entries left of the client are ignored",
			remoteAddr:        "10.0.0.1:443",
			xff:               "1.1.1.1, 203.0.113.9",
			trustedProxyCount: 1,
			want:              "203.0.113.9",
		},
		{
			name:              "two trusted proxies",
			remoteAddr:        "10.0.0.1:443",
			xff:               "203.0.113.9, 10.0.0.2",
			trustedProxyCount: 2,
			want:              "203.0.113.9",
		},
		{
			name:              "invalid xff falls back to remote addr",
			remoteAddr:        "10.0.0.1:443",
			xff:               "not-an-ip",
			trustedProxyCount: 1,
			want:              "10.0.0.1",
		},
		{
			name:       "remote addr without port",
			remoteAddr: "198.51.100.4",
			want:       "198.51.100.4",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest("POST", "/oauth/token", nil)
			r.RemoteAddr = tt.remoteAddr
			if tt.xff != "" {
				r.Header.Set("X-Forwarded-For", tt.xff)
			}
			if got := GetClientIP(r, tt.trustedProxyCount); got != tt.want {
				t.Errorf("GetClientIP() = %q, want %q", got, tt.want)
			}
		})
	}
}

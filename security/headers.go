package security

import (
	"net/http"
	"net/url"
)

// SetSecurityHeaders hardens a token endpoint response. Token responses carry
// credentials, so they must never be cached or framed (RFC 6749 §5.1).
func SetSecurityHeaders(w http.ResponseWriter, issuer string) {
	h := w.Header()
	h.Set("X-Frame-Options", "DENY")
	h.Set("X-Content-Type-Options", "nosniff")
	h.Set("Content-Security-Policy", "default-src 'none'; frame-ancestors 'none'")
	h.Set("Referrer-Policy", "no-referrer")

	if parsed, err := url.Parse(issuer); err == nil && parsed.Scheme == "https" {
		h.Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
	}

	h.Set("Cache-Control", "no-store")
	h.Set("Pragma", "no-cache")
}

// SetCORSHeaders allows origin to read the response. Callers must have checked
// the origin against the client's authorized domains first.
func SetCORSHeaders(w http.ResponseWriter, origin string) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", origin)
	h.Set("Access-Control-Allow-Methods", "POST, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Authorization, Content-Type")
	h.Set("Access-Control-Max-Age", "3600")
	h.Add("Vary", "Origin")
}

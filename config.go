package oauth

// DefaultMaxRequestBodyBytes bounds token endpoint form bodies
const DefaultMaxRequestBodyBytes = 64 << 10 // 64 KiB

// Config holds the HTTP handler configuration. Business rules are configured
// on server.Config; this only covers the transport.
type Config struct {
	// Rate limiting configuration
	RateLimit RateLimitConfig

	// MaxRequestBodyBytes bounds the size of a form body.
	// Default: 64 KiB
	MaxRequestBodyBytes int64
}

// RateLimitConfig holds per-IP rate limiting configuration
type RateLimitConfig struct {
	// Rate is requests per second allowed per IP. Zero disables limiting.
	Rate int

	// Burst is the maximum burst size allowed per IP.
	// Default: Rate
	Burst int

	// TrustedProxyCount is the number of reverse proxies in front of the
	// server that append to X-Forwarded-For. Zero ignores the header.
	// Only set this behind proxies you control.
	TrustedProxyCount int
}

func (c Config) withDefaults() Config {
	if c.MaxRequestBodyBytes <= 0 {
		c.MaxRequestBodyBytes = DefaultMaxRequestBodyBytes
	}
	if c.RateLimit.Rate > 0 && c.RateLimit.Burst <= 0 {
		c.RateLimit.Burst = c.RateLimit.Rate
	}
	return c
}

// Package security provides the security primitives of the authorization
// server: credential hashing, access-token signing, audit logging, rate
// limiting and HTTP response hardening.
//
// # Credential hashing
//
// Client secrets are hashed with bcrypt on a bounded worker pool (Hasher) so
// CPU-heavy comparisons never queue behind each other without limit.
// Authorization codes and refresh tokens carry 256 bits of entropy and are
// stored under their SHA-256 digest (HashToken), which allows constant-time
// lookup by hash.
//
// # Access tokens
//
// Signer issues self-contained HS256 tokens. The signing key is derived with
// HKDF from the configured secret so the raw secret is never used as a key.
//
// # Audit logging
//
// Auditor writes "security_audit" records. User identifiers are hashed before
// they reach the log; credential values never do.
//
// # Request correlation
//
// EnsureRequestID keeps a well-formed upstream X-Request-ID or mints a new
// one; WithRequestID and GetRequestID carry it through the context into logs.
//
// # Rate Limiting
//
// RateLimiter is a per-identifier token bucket with LRU eviction to bound
// memory under distributed attacks.
//
//	limiter := security.NewRateLimiter(10, 20, logger)
//	defer limiter.Stop()
//
//	if !limiter.Allow(clientIP) {
//		http.Error(w, "Rate limit exceeded", http.StatusTooManyRequests)
//		return
//	}
package security

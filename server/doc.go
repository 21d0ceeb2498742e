// Package server implements the OAuth 2.0 authorization server core.
//
// It holds the business rules of the system on top of a [storage.Store]:
//   - Client registry: clients, secrets, redirect URIs and authorized origins
//   - Scope catalog: API products, scopes and per-client grants
//   - Consent: the scopes each user approved for each client
//   - Authorization codes with PKCE (RFC 7636)
//   - Access tokens (self-contained HS256 JWTs) and refresh token families
//   - Refresh token rotation with reuse detection and family revocation
//
// Scopes are re-derived on every code issuance, token mint and rotation as
// requested ∩ consented ∩ effective allowed, where the effective allowed set
// of a client is computed live from the catalog. Disabling an API product or
// revoking consent therefore narrows live grants without touching tokens.
//
// Code redemption and refresh rotation rely on the store's compare-and-swap
// operations, so under concurrent requests exactly one caller wins. Presenting
// a used code or refresh token again revokes the whole token family.
//
// Errors wrap a small set of sentinels (ErrInvalidClient, ErrInvalidGrant,
// ErrInvalidScope, ...) that map directly to OAuth error codes. Back-end
// failures are reported as *StorageError.
//
// Example usage:
//
//	store := memory.New()
//	defer store.Close()
//
//	srv, err := server.New(store, &server.Config{
//	    Issuer:                "https://auth.example.com",
//	    AccessTokenSigningKey: signingKey,
//	}, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	srv.SetAuditor(security.NewAuditor(logger, true))
package server

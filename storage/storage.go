// Package storage defines the persistence contract of the authorization server:
// clients, the scope catalog, consent grants, authorization codes and refresh
// token families.
//
// Business rules (scope resolution, reuse detection, revocation policy) live in
// the server package. Stores only guarantee that every mutating method is a
// single transaction and that the two compare-and-swap operations,
// RedeemAuthorizationCode and RotateRefreshToken, have exactly one winner.
package storage

import (
	"context"
	"time"
)

// ClientStore manages client registrations and everything a client owns:
// secrets, redirect URIs and authorized origins.
type ClientStore interface {
	// CreateClient persists a new client. Returns ErrAlreadyExists if the ID is taken.
	CreateClient(ctx context.Context, client *Client) error

	// GetClient retrieves a client by ID. Returns ErrNotFound if unknown.
	GetClient(ctx context.Context, clientID string) (*Client, error)

	// ListClientsByOwner lists the clients registered by a user.
	ListClientsByOwner(ctx context.Context, ownerID string) ([]*Client, error)

	// DeactivateClient marks the client inactive, revokes its unredeemed
	// authorization codes and revokes every refresh token it holds with the
	// given reason, all in one transaction. Returns the number of refresh
	// tokens that were newly revoked.
	DeactivateClient(ctx context.Context, clientID, reason string, at time.Time) (int, error)

	// AddRedirectURI registers a redirect URI. Returns ErrAlreadyExists for duplicates.
	AddRedirectURI(ctx context.Context, uri *RedirectURI) error

	// RemoveRedirectURI removes a redirect URI. Returns ErrNotFound if it was not registered.
	RemoveRedirectURI(ctx context.Context, clientID, uri string) error

	// ListRedirectURIs returns the client's registered redirect URIs.
	ListRedirectURIs(ctx context.Context, clientID string) ([]string, error)

	// AddAuthorizedDomain registers a CORS origin. Returns ErrAlreadyExists for duplicates.
	AddAuthorizedDomain(ctx context.Context, domain *AuthorizedDomain) error

	// ListAuthorizedDomains returns the client's authorized origins.
	ListAuthorizedDomains(ctx context.Context, clientID string) ([]string, error)

	// CreateClientSecret persists a hashed secret.
	CreateClientSecret(ctx context.Context, secret *ClientSecret) error

	// ListClientSecrets returns every secret of the client, active or not.
	ListClientSecrets(ctx context.Context, clientID string) ([]*ClientSecret, error)

	// DeactivateClientSecret flips a secret's active flag. Returns ErrNotFound if unknown.
	DeactivateClientSecret(ctx context.Context, clientID, secretID string) error
}

// CatalogStore manages API products, scopes and the per-client membership
// rows. It never stores a materialized effective scope set.
type CatalogStore interface {
	CreateAPIProduct(ctx context.Context, product *APIProduct) error
	GetAPIProduct(ctx context.Context, name string) (*APIProduct, error)
	CreateScope(ctx context.Context, scope *Scope) error
	GetScope(ctx context.Context, name string) (*Scope, error)

	// ListScopesByProduct returns the names of the scopes currently in a product.
	ListScopesByProduct(ctx context.Context, product string) ([]string, error)

	// SetAPIProductEnabled adds or removes a ClientEnabledAPIProduct row. Idempotent.
	SetAPIProductEnabled(ctx context.Context, clientID, product string, enabled bool) error
	ListEnabledAPIProducts(ctx context.Context, clientID string) ([]string, error)

	// SetScopeAllowed adds or removes a ClientAllowedScope row. Idempotent.
	SetScopeAllowed(ctx context.Context, clientID, scope string, allowed bool) error
	ListAllowedScopes(ctx context.Context, clientID string) ([]string, error)
}

// ConsentStore manages consent grants. There is at most one active grant per
// (user, client); revoked grants are kept as history.
type ConsentStore interface {
	// GetActiveConsent returns the active grant. Returns ErrNotFound if none.
	GetActiveConsent(ctx context.Context, userID, clientID string) (*ConsentGrant, error)

	// UpsertConsent replaces the granted scopes of the active grant, or inserts
	// grant as the new active row when none exists. Returns the stored grant.
	UpsertConsent(ctx context.Context, grant *ConsentGrant) (*ConsentGrant, error)

	// RevokeConsent deactivates the active grant. Returns ErrNotFound if none.
	RevokeConsent(ctx context.Context, userID, clientID string, at time.Time) error

	// ListConsentHistory returns every grant for (user, client), oldest first.
	ListConsentHistory(ctx context.Context, userID, clientID string) ([]*ConsentGrant, error)
}

// CodeStore manages authorization codes, keyed by the SHA-256 hash of the raw code.
type CodeStore interface {
	SaveAuthorizationCode(ctx context.Context, code *AuthorizationCode) error

	// GetAuthorizationCode returns the code by hash. Returns ErrNotFound if unknown.
	GetAuthorizationCode(ctx context.Context, codeHash string) (*AuthorizationCode, error)

	// RedeemAuthorizationCode atomically flips the code from unused to used
	// (conditioned on Used=false and Revoked=false), records root.FamilyID on
	// it and inserts root, in one transaction.
	// Returns ErrAuthorizationCodeUsed if the swap did not happen and
	// ErrNotFound if the code is unknown. Nothing is written on failure.
	RedeemAuthorizationCode(ctx context.Context, codeHash string, root *RefreshToken, at time.Time) error
}

// RefreshTokenStore manages refresh tokens and their families.
type RefreshTokenStore interface {
	// SaveRefreshToken inserts a token (normally the root of a new family).
	SaveRefreshToken(ctx context.Context, token *RefreshToken) error

	// GetRefreshToken returns a token by ID. Returns ErrNotFound if unknown.
	GetRefreshToken(ctx context.Context, id string) (*RefreshToken, error)

	// GetRefreshTokenByHash returns a token by the SHA-256 hash of its raw value.
	GetRefreshTokenByHash(ctx context.Context, tokenHash string) (*RefreshToken, error)

	// RotateRefreshToken atomically flips currentID from unused to used
	// (conditioned on Used=false and Revoked=false) and inserts child in the
	// same transaction. Returns ErrRefreshTokenUsed if another request won,
	// ErrRefreshTokenRevoked if the token was revoked, ErrNotFound if unknown.
	RotateRefreshToken(ctx context.Context, currentID string, child *RefreshToken, at time.Time) error

	// RevokeRefreshTokenFamily revokes every token of the family that is not
	// already revoked and returns how many were revoked.
	RevokeRefreshTokenFamily(ctx context.Context, familyID, reason string, at time.Time) (int, error)

	// ListRefreshTokenFamily returns every token of a family, oldest first.
	ListRefreshTokenFamily(ctx context.Context, familyID string) ([]*RefreshToken, error)
}

// Janitor removes records that can no longer affect any decision.
// Correctness never depends on it running.
type Janitor interface {
	// DeleteExpired removes refresh token families in which every token is
	// revoked or expired before the given instant, then expired authorization
	// codes whose minted family is gone (see FamilyExpired and CodeExpired).
	// It returns how many records were removed.
	DeleteExpired(ctx context.Context, before time.Time) (int, error)
}

// Store is the full persistence contract used by the server package.
type Store interface {
	ClientStore
	CatalogStore
	ConsentStore
	CodeStore
	RefreshTokenStore
	Janitor

	// Close releases the backend's resources.
	Close() error
}

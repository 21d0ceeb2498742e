package server

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/giantswarm/oauth-core/internal/util"
	"github.com/giantswarm/oauth-core/security"
	"github.com/giantswarm/oauth-core/storage"
)

// TokenTypeBearer is the only token type issued.
const TokenTypeBearer = "Bearer"

// TokenResponse is the result of a successful code redemption or rotation.
type TokenResponse struct {
	AccessToken  string
	TokenType    string
	ExpiresAt    time.Time
	ExpiresIn    int64 // seconds
	RefreshToken string
	Scopes       []string

	// FamilyID identifies the refresh token family. It is not sent to clients.
	FamilyID string
}

// Scope returns the granted scopes as a space-delimited string.
func (r *TokenResponse) Scope() string {
	return util.JoinScope(r.Scopes)
}

// requireScopes applies the empty scope policy: unless AllowEmptyScopeTokens
// is set, a grant with no scopes left fails with ErrInvalidScope.
func (s *Server) requireScopes(scopes []string) error {
	if len(scopes) == 0 && !s.Config.AllowEmptyScopeTokens {
		return fmt.Errorf("%w: no grantable scopes", ErrInvalidScope)
	}
	return nil
}

// MintAccessToken signs a self-contained access token for userID acting
// through clientID. Access tokens are not persisted and not rotated.
func (s *Server) MintAccessToken(_ context.Context, clientID, userID string, scopes []string) (string, time.Time, error) {
	now := s.now()
	expiresAt := now.Add(s.Config.AccessTokenLifetime())

	token, err := s.signer.Sign(clientID, userID, util.NormalizeScopes(scopes), now, expiresAt)
	if err != nil {
		return "", time.Time{}, err
	}
	return token, expiresAt, nil
}

// newRefreshToken builds an unsaved refresh token and returns its raw value.
func (s *Server) newRefreshToken(clientID, userID, familyID, parentID string, scopes []string) (string, *storage.RefreshToken) {
	raw := security.GenerateToken()
	now := s.now()
	return raw, &storage.RefreshToken{
		ID:        uuid.NewString(),
		TokenHash: security.HashToken(raw),
		Hint:      util.Hint(raw),
		ClientID:  clientID,
		UserID:    userID,
		FamilyID:  familyID,
		ParentID:  parentID,
		Scopes:    util.NormalizeScopes(scopes),
		CreatedAt: now,
		ExpiresAt: now.Add(s.Config.RefreshTokenLifetime()),
	}
}

// MintRootRefreshToken creates and stores the root of a new token family.
// Code redemption builds its root the same way but inserts it atomically
// with the code's compare-and-swap.
func (s *Server) MintRootRefreshToken(ctx context.Context, clientID, userID string, scopes []string) (string, *storage.RefreshToken, error) {
	raw, token := s.newRefreshToken(clientID, userID, uuid.NewString(), "", scopes)
	if err := s.store.SaveRefreshToken(ctx, token); err != nil {
		return "", nil, storageError("save_refresh_token", err)
	}
	return raw, token, nil
}

// ValidateAccessToken verifies an access token and returns its claims. The
// signature, issuer and expiry are checked, the client must still be active,
// and the scope claim is narrowed to what consent and the catalog allow now.
// All rejections wrap security.ErrInvalidAccessToken.
func (s *Server) ValidateAccessToken(ctx context.Context, raw string) (*security.AccessTokenClaims, error) {
	ctx, span := s.startSpan(ctx, "validate_access_token")
	defer span.End()

	claims, err := s.signer.Verify(raw, s.now())
	if err != nil {
		s.Logger.Debug("Access token rejected", "reason", err.Error())
		return nil, err
	}

	client, err := s.GetClient(ctx, claims.ClientID)
	if err != nil {
		if isNotFound(err) {
			return nil, fmt.Errorf("%w: unknown client", security.ErrInvalidAccessToken)
		}
		return nil, err
	}
	if !client.Active {
		return nil, fmt.Errorf("%w: client deactivated", security.ErrInvalidAccessToken)
	}

	scopes, err := s.narrowScopes(ctx, claims.Subject, claims.ClientID, claims.Scopes())
	if err != nil {
		if errors.Is(err, ErrAccessDenied) {
			return nil, fmt.Errorf("%w: consent revoked", security.ErrInvalidAccessToken)
		}
		return nil, err
	}
	claims.Scope = util.JoinScope(scopes)
	return claims, nil
}

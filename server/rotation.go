package server

import (
	"context"
	"errors"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oauth-core/instrumentation"
	"github.com/giantswarm/oauth-core/internal/util"
	"github.com/giantswarm/oauth-core/security"
	"github.com/giantswarm/oauth-core/storage"
)

// Rotate exchanges a refresh token for a child token of the same family and
// a fresh access token. requested may narrow the scopes but never widen them;
// empty means "same as the current token".
//
// Rotation is not idempotent. A token that was already rotated, whether by a
// retry, a replay or a concurrent request that won the race, is treated as
// stolen: the whole family is revoked and ErrTokenReuseDetected is returned.
func (s *Server) Rotate(ctx context.Context, rawRefreshToken string, requested []string) (_ *TokenResponse, err error) {
	ctx, span := s.startSpan(ctx, "rotate")
	defer func() {
		instrumentation.RecordError(span, err)
		span.End()
	}()

	current, err := s.lookupRefreshToken(ctx, rawRefreshToken)
	if err != nil {
		return nil, err
	}
	return s.rotate(ctx, current, requested)
}

// RefreshGrant is the refresh_token grant of the token endpoint: it
// authenticates the client, checks the token was issued to it, then rotates.
func (s *Server) RefreshGrant(ctx context.Context, creds ClientCredentials, rawRefreshToken string, requested []string) (_ *TokenResponse, err error) {
	ctx, span := s.startSpan(ctx, "refresh_grant")
	defer func() {
		instrumentation.RecordError(span, err)
		span.End()
	}()
	instrumentation.AddOAuthFlowAttributes(span, creds.ClientID, "", "")

	client, err := s.VerifyClientAuth(ctx, creds)
	if err != nil {
		return nil, err
	}

	current, err := s.lookupRefreshToken(ctx, rawRefreshToken)
	if err != nil {
		return nil, err
	}
	if current.ClientID != client.ClientID {
		return nil, s.invalidGrant("rotate", client.ClientID, "refresh token issued to another client")
	}
	return s.rotate(ctx, current, requested)
}

func (s *Server) lookupRefreshToken(ctx context.Context, raw string) (*storage.RefreshToken, error) {
	if raw == "" {
		return nil, s.invalidGrant("rotate", "", "missing refresh token")
	}
	tokenHash := security.HashToken(raw)
	token, err := s.store.GetRefreshTokenByHash(ctx, tokenHash)
	if err != nil {
		if isNotFound(err) {
			return nil, s.invalidGrant("rotate", "", "unknown refresh token "+util.SafeTruncate(tokenHash, tokenIDLogLength))
		}
		return nil, storageError("get_refresh_token_by_hash", err)
	}
	return token, nil
}

func (s *Server) rotate(ctx context.Context, current *storage.RefreshToken, requested []string) (*TokenResponse, error) {
	const op = "rotate"
	span := trace.SpanFromContext(ctx)
	instrumentation.AddTokenFamilyAttributes(span, current.FamilyID)

	if current.Revoked {
		return nil, s.invalidGrant(op, current.ClientID, "refresh token revoked: "+current.RevokedReason)
	}
	if current.Used {
		return nil, s.handleTokenReuse(ctx, current)
	}
	if s.isExpired(current.ExpiresAt) {
		return nil, s.invalidGrant(op, current.ClientID, "refresh token expired")
	}

	client, err := s.GetClient(ctx, current.ClientID)
	if err != nil {
		if isNotFound(err) {
			return nil, s.invalidGrant(op, current.ClientID, "client no longer exists")
		}
		return nil, err
	}
	if !client.Active {
		return nil, s.invalidGrant(op, current.ClientID, "client deactivated")
	}

	// The child never holds more than its parent, and never more than consent
	// and the catalog allow right now.
	base := current.Scopes
	if requested = util.NormalizeScopes(requested); len(requested) > 0 {
		base = util.IntersectScopes(requested, current.Scopes)
	}
	scopes, err := s.narrowScopes(ctx, current.UserID, current.ClientID, base)
	if err != nil {
		if errors.Is(err, ErrAccessDenied) {
			return nil, s.invalidGrant(op, current.ClientID, "consent revoked")
		}
		return nil, err
	}
	if err := s.requireScopes(scopes); err != nil {
		return nil, err
	}

	rawChild, child := s.newRefreshToken(current.ClientID, current.UserID, current.FamilyID, current.ID, scopes)
	if err := s.store.RotateRefreshToken(ctx, current.ID, child, s.now()); err != nil {
		switch {
		case errors.Is(err, storage.ErrRefreshTokenUsed):
			// A concurrent rotation won the swap. Its child may already be in
			// the client's hands, but two holders of one lineage mean the
			// token leaked, so the family dies.
			return nil, s.handleTokenReuse(ctx, current)
		case errors.Is(err, storage.ErrRefreshTokenRevoked):
			return nil, s.invalidGrant(op, current.ClientID, "refresh token revoked concurrently")
		case isNotFound(err):
			return nil, s.invalidGrant(op, current.ClientID, "refresh token deleted")
		}
		return nil, storageError("rotate_refresh_token", err)
	}

	accessToken, expiresAt, err := s.MintAccessToken(ctx, current.ClientID, current.UserID, scopes)
	if err != nil {
		return nil, err
	}

	scope := util.JoinScope(scopes)
	s.metrics().RecordTokenRotated(ctx, current.ClientID)
	s.Auditor.LogTokenRotated(current.UserID, current.ClientID, current.FamilyID, scope)
	s.Logger.Debug("Rotated refresh token",
		"client_id", current.ClientID,
		"family_id", current.FamilyID,
		"parent_id", current.ID,
		"scope", scope)

	return &TokenResponse{
		AccessToken:  accessToken,
		TokenType:    TokenTypeBearer,
		ExpiresAt:    expiresAt,
		ExpiresIn:    s.Config.AccessTokenTTL,
		RefreshToken: rawChild,
		Scopes:       scopes,
		FamilyID:     current.FamilyID,
	}, nil
}

// handleTokenReuse revokes every token of the family, including any child
// issued from the reused token.
func (s *Server) handleTokenReuse(ctx context.Context, token *storage.RefreshToken) error {
	span := trace.SpanFromContext(ctx)
	instrumentation.SetSpanAttributes(span, attribute.Bool(instrumentation.AttrTokenReuse, true))
	s.metrics().RecordTokenReuseDetected(ctx)

	revoked, err := s.store.RevokeRefreshTokenFamily(ctx, token.FamilyID, storage.RevokedReasonReuseDetected, s.now())
	if err != nil {
		return storageError("revoke_refresh_token_family", err)
	}
	s.metrics().RecordFamilyRevoked(ctx, storage.RevokedReasonReuseDetected)

	if s.allowSecurityLog("token_reuse:" + token.UserID + ":" + token.ClientID) {
		s.Auditor.LogTokenReuse(token.UserID, token.ClientID, token.FamilyID, revoked)
		s.Logger.Warn("Refresh token reuse detected, token family revoked",
			"client_id", token.ClientID,
			"family_id", token.FamilyID,
			"token_id", token.ID,
			"tokens_revoked", revoked)
	}
	return ErrTokenReuseDetected
}

// RevokeFamily revokes every refresh token of a family and returns how many
// were revoked. Unknown families revoke nothing.
func (s *Server) RevokeFamily(ctx context.Context, familyID, reason string) (int, error) {
	if familyID == "" || reason == "" {
		return 0, validationError("family_id", "family and reason are required")
	}

	revoked, err := s.store.RevokeRefreshTokenFamily(ctx, familyID, reason, s.now())
	if err != nil {
		return 0, storageError("revoke_refresh_token_family", err)
	}
	if revoked == 0 {
		return 0, nil
	}

	s.metrics().RecordFamilyRevoked(ctx, reason)

	var userID, clientID string
	if family, err := s.store.ListRefreshTokenFamily(ctx, familyID); err == nil && len(family) > 0 {
		userID, clientID = family[0].UserID, family[0].ClientID
	}
	s.Auditor.LogFamilyRevoked(userID, clientID, familyID, reason, revoked)
	s.Logger.Info("Revoked token family",
		"family_id", familyID,
		"reason", reason,
		"tokens_revoked", revoked)
	return revoked, nil
}

// RevokeToken implements RFC 7009 token revocation for an authenticated
// client. Revoking any refresh token revokes its whole family. Unknown
// tokens, access tokens and tokens of other clients succeed without effect,
// as the RFC requires the response not to reveal them.
func (s *Server) RevokeToken(ctx context.Context, creds ClientCredentials, raw string) (err error) {
	ctx, span := s.startSpan(ctx, "revoke_token")
	defer func() {
		instrumentation.RecordError(span, err)
		span.End()
	}()

	client, err := s.VerifyClientAuth(ctx, creds)
	if err != nil {
		return err
	}
	if raw == "" {
		return validationError("token", "token is required")
	}

	token, err := s.store.GetRefreshTokenByHash(ctx, security.HashToken(raw))
	if err != nil {
		if isNotFound(err) {
			s.Logger.Debug("Revocation of unknown token ignored", "client_id", client.ClientID)
			return nil
		}
		return storageError("get_refresh_token_by_hash", err)
	}
	if token.ClientID != client.ClientID {
		s.Logger.Debug("Revocation of another client's token ignored", "client_id", client.ClientID)
		return nil
	}

	if _, err := s.RevokeFamily(ctx, token.FamilyID, storage.RevokedReasonClientRequest); err != nil {
		return fmt.Errorf("failed to revoke token: %w", err)
	}
	s.Auditor.LogEvent(security.Event{
		Type:      security.EventTokenRevoked,
		UserID:    token.UserID,
		ClientID:  client.ClientID,
		IPAddress: creds.IPAddress,
		Details:   map[string]any{"family_id": token.FamilyID},
	})
	return nil
}

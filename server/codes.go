package server

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/giantswarm/oauth-core/instrumentation"
	"github.com/giantswarm/oauth-core/internal/util"
	"github.com/giantswarm/oauth-core/security"
	"github.com/giantswarm/oauth-core/storage"
)

// IssueCodeRequest is an approved authorization request.
type IssueCodeRequest struct {
	ClientID            string
	UserID              string
	RedirectURI         string
	Scopes              []string
	CodeChallenge       string
	CodeChallengeMethod string
}

// IssuedCode is returned once; only the code's hash is stored.
type IssuedCode struct {
	Code      string
	ExpiresAt time.Time
	Scopes    []string
}

// RedeemCodeRequest is an authorization_code grant at the token endpoint.
type RedeemCodeRequest struct {
	Code         string
	ClientID     string
	ClientSecret string
	RedirectURI  string
	CodeVerifier string

	// IPAddress is recorded in audit events only.
	IPAddress string
}

// invalidGrant logs the internal reason of a rejected grant at debug level
// and returns the generic error the client sees.
func (s *Server) invalidGrant(op, clientID, reason string) error {
	s.Logger.Debug("Grant rejected",
		"operation", op,
		"client_id", clientID,
		"reason", reason)
	return fmt.Errorf("%w: the grant is invalid, expired or revoked", ErrInvalidGrant)
}

// IssueCode issues a single-use authorization code bound to the client, the
// user, the exact redirect URI, the resolved scopes and the PKCE challenge.
func (s *Server) IssueCode(ctx context.Context, req IssueCodeRequest) (_ *IssuedCode, err error) {
	ctx, span := s.startSpan(ctx, "issue_code")
	defer func() {
		instrumentation.RecordError(span, err)
		span.End()
	}()
	instrumentation.AddOAuthFlowAttributes(span, req.ClientID, req.UserID, "")

	if req.UserID == "" {
		return nil, validationError("user_id", "user is required")
	}

	client, err := s.GetClient(ctx, req.ClientID)
	if err != nil {
		if isNotFound(err) {
			return nil, errInvalidClient()
		}
		return nil, err
	}
	if !client.Active {
		return nil, errInvalidClient()
	}

	registered, err := s.store.ListRedirectURIs(ctx, client.ClientID)
	if err != nil {
		return nil, storageError("list_redirect_uris", err)
	}
	if !slices.Contains(registered, req.RedirectURI) {
		s.Auditor.LogEvent(security.Event{
			Type:     security.EventInvalidRedirect,
			UserID:   req.UserID,
			ClientID: client.ClientID,
			Details:  map[string]any{"redirect_uri": sanitizeURIForLogging(req.RedirectURI)},
		})
		return nil, validationError("redirect_uri", "redirect_uri is not registered for this client")
	}

	if err := s.validateCodeChallenge(client, req.CodeChallenge, req.CodeChallengeMethod); err != nil {
		return nil, err
	}

	scopes, err := s.ResolveScopes(ctx, req.UserID, client.ClientID, util.NormalizeScopes(req.Scopes))
	if err != nil {
		return nil, err
	}
	if len(scopes) == 0 {
		// A code for nothing is never useful, whatever the token policy.
		return nil, fmt.Errorf("%w: none of the requested scopes are consented and allowed", ErrInvalidScope)
	}

	raw := security.GenerateToken()
	now := s.now()
	code := &storage.AuthorizationCode{
		CodeHash:            security.HashToken(raw),
		Hint:                util.Hint(raw),
		ClientID:            client.ClientID,
		UserID:              req.UserID,
		RedirectURI:         req.RedirectURI,
		Scopes:              scopes,
		CodeChallenge:       req.CodeChallenge,
		CodeChallengeMethod: req.CodeChallengeMethod,
		CreatedAt:           now,
		ExpiresAt:           now.Add(s.Config.AuthorizationCodeLifetime()),
	}
	if err := s.store.SaveAuthorizationCode(ctx, code); err != nil {
		return nil, storageError("save_authorization_code", err)
	}

	scope := util.JoinScope(scopes)
	s.metrics().RecordCodeIssued(ctx, client.ClientID)
	s.Auditor.LogCodeIssued(req.UserID, client.ClientID, scope)
	s.Logger.Debug("Issued authorization code",
		"client_id", client.ClientID,
		"code_hash_prefix", util.SafeTruncate(code.CodeHash, tokenIDLogLength),
		"scope", scope)

	return &IssuedCode{Code: raw, ExpiresAt: code.ExpiresAt, Scopes: scopes}, nil
}

// RedeemCode exchanges an authorization code for an access token and the
// root refresh token of a new family.
//
// Marking the code used and inserting the root token happen in one storage
// transaction conditioned on the code being unused, so at most one
// redemption of a code ever succeeds. Presenting an already redeemed code
// again revokes the family it produced.
func (s *Server) RedeemCode(ctx context.Context, req RedeemCodeRequest) (_ *TokenResponse, err error) {
	ctx, span := s.startSpan(ctx, "redeem_code")
	defer func() {
		instrumentation.RecordError(span, err)
		span.End()
	}()
	instrumentation.AddOAuthFlowAttributes(span, req.ClientID, "", "")

	client, err := s.VerifyClientAuth(ctx, ClientCredentials{
		ClientID:     req.ClientID,
		ClientSecret: req.ClientSecret,
		IPAddress:    req.IPAddress,
	})
	if err != nil {
		return nil, err
	}

	resp, err := s.redeemCode(ctx, client, req)
	s.metrics().RecordCodeRedeemed(ctx, client.ClientID, err == nil)
	return resp, err
}

func (s *Server) redeemCode(ctx context.Context, client *storage.Client, req RedeemCodeRequest) (*TokenResponse, error) {
	const op = "redeem_code"

	if req.Code == "" {
		return nil, s.invalidGrant(op, client.ClientID, "missing code")
	}
	codeHash := security.HashToken(req.Code)

	code, err := s.store.GetAuthorizationCode(ctx, codeHash)
	if err != nil {
		if isNotFound(err) {
			return nil, s.invalidGrant(op, client.ClientID, "unknown code")
		}
		return nil, storageError("get_authorization_code", err)
	}

	if code.ClientID != client.ClientID {
		return nil, s.invalidGrant(op, client.ClientID, "code issued to another client")
	}

	if code.Used {
		return nil, s.handleCodeReuse(ctx, code)
	}
	if code.Revoked {
		return nil, s.invalidGrant(op, client.ClientID, "code revoked")
	}
	if s.isExpired(code.ExpiresAt) {
		return nil, s.invalidGrant(op, client.ClientID, "code expired")
	}

	// The redirect URI must equal the one stored with the code, not just any
	// URI registered for the client.
	if req.RedirectURI != code.RedirectURI {
		s.Auditor.LogEvent(security.Event{
			Type:      security.EventInvalidRedirect,
			UserID:    code.UserID,
			ClientID:  client.ClientID,
			IPAddress: req.IPAddress,
			Details:   map[string]any{"redirect_uri": sanitizeURIForLogging(req.RedirectURI)},
		})
		return nil, s.invalidGrant(op, client.ClientID, "redirect_uri mismatch")
	}

	if err := s.validatePKCE(code.CodeChallenge, code.CodeChallengeMethod, req.CodeVerifier); err != nil {
		s.metrics().RecordPKCEValidationFailed(ctx, code.CodeChallengeMethod)
		if s.allowSecurityLog("pkce:" + client.ClientID) {
			s.Auditor.LogEvent(security.Event{
				Type:      security.EventPKCEValidationFailed,
				UserID:    code.UserID,
				ClientID:  client.ClientID,
				IPAddress: req.IPAddress,
				Details:   map[string]any{"method": code.CodeChallengeMethod, "reason": err.Error()},
			})
		}
		return nil, s.invalidGrant(op, client.ClientID, err.Error())
	}

	scopes, err := s.narrowScopes(ctx, code.UserID, client.ClientID, code.Scopes)
	if err != nil {
		if errors.Is(err, ErrAccessDenied) {
			return nil, s.invalidGrant(op, client.ClientID, "consent revoked since issuance")
		}
		return nil, err
	}
	if err := s.requireScopes(scopes); err != nil {
		return nil, err
	}

	rawRefresh, root := s.newRefreshToken(client.ClientID, code.UserID, uuid.NewString(), "", scopes)
	if err := s.store.RedeemAuthorizationCode(ctx, codeHash, root, s.now()); err != nil {
		switch {
		case errors.Is(err, storage.ErrAuthorizationCodeUsed):
			// Lost the race against a concurrent redemption; nothing was written.
			return nil, s.invalidGrant(op, client.ClientID, "code redeemed concurrently")
		case isNotFound(err):
			return nil, s.invalidGrant(op, client.ClientID, "code deleted")
		}
		return nil, storageError("redeem_authorization_code", err)
	}

	accessToken, expiresAt, err := s.MintAccessToken(ctx, client.ClientID, code.UserID, scopes)
	if err != nil {
		return nil, err
	}

	scope := util.JoinScope(scopes)
	s.Auditor.LogCodeRedeemed(code.UserID, client.ClientID, root.FamilyID, scope)
	s.Logger.Debug("Authorization code redeemed",
		"client_id", client.ClientID,
		"family_id", root.FamilyID,
		"scope", scope)

	return &TokenResponse{
		AccessToken:  accessToken,
		TokenType:    TokenTypeBearer,
		ExpiresAt:    expiresAt,
		ExpiresIn:    s.Config.AccessTokenTTL,
		RefreshToken: rawRefresh,
		Scopes:       scopes,
		FamilyID:     root.FamilyID,
	}, nil
}

// handleCodeReuse revokes the family minted from an already redeemed code
// (RFC 6749 §4.1.2: the code was likely intercepted).
func (s *Server) handleCodeReuse(ctx context.Context, code *storage.AuthorizationCode) error {
	span := trace.SpanFromContext(ctx)
	instrumentation.SetSpanAttributes(span, attribute.Bool(instrumentation.AttrCodeReuse, true))
	s.metrics().RecordCodeReuseDetected(ctx)

	revoked := 0
	if code.FamilyID != "" {
		n, err := s.store.RevokeRefreshTokenFamily(ctx, code.FamilyID, storage.RevokedReasonCodeReuse, s.now())
		if err != nil {
			return storageError("revoke_refresh_token_family", err)
		}
		revoked = n
		s.metrics().RecordFamilyRevoked(ctx, storage.RevokedReasonCodeReuse)
	}

	if s.allowSecurityLog("code_reuse:" + code.UserID + ":" + code.ClientID) {
		s.Auditor.LogCodeReuse(code.UserID, code.ClientID, code.FamilyID, revoked)
		s.Logger.Warn("Authorization code reuse detected, token family revoked",
			"client_id", code.ClientID,
			"family_id", code.FamilyID,
			"tokens_revoked", revoked)
	}
	return ErrTokenReuseDetected
}

package server

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/giantswarm/oauth-core/internal/util"
	"github.com/giantswarm/oauth-core/security"
	"github.com/giantswarm/oauth-core/storage"
)

// GetActiveConsent returns the user's active consent for the client, or nil
// if there is none.
func (s *Server) GetActiveConsent(ctx context.Context, userID, clientID string) (*storage.ConsentGrant, error) {
	grant, err := s.store.GetActiveConsent(ctx, userID, clientID)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, storageError("get_active_consent", err)
	}
	return grant, nil
}

// RecordConsent stores the scopes a user approved for a client, replacing
// the scopes of the active grant if there is one. Every approved scope must
// be in the client's effective allowed scopes at the time of recording.
func (s *Server) RecordConsent(ctx context.Context, userID, clientID string, approved []string) (*storage.ConsentGrant, error) {
	if userID == "" {
		return nil, validationError("user_id", "user is required")
	}
	approved = util.NormalizeScopes(approved)
	if len(approved) == 0 {
		return nil, validationError("scope", "at least one scope must be approved")
	}

	client, err := s.GetClient(ctx, clientID)
	if err != nil {
		if isNotFound(err) {
			return nil, validationError("client_id", "unknown client")
		}
		return nil, err
	}
	if !client.Active {
		return nil, validationError("client_id", "client is deactivated")
	}

	effective, err := s.EffectiveAllowedScopes(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if !util.IsSubset(approved, effective) {
		return nil, fmt.Errorf("%w: approved scopes exceed what the client is allowed", ErrInvalidScope)
	}

	now := s.now()
	grant, err := s.store.UpsertConsent(ctx, &storage.ConsentGrant{
		ID:            uuid.NewString(),
		UserID:        userID,
		ClientID:      clientID,
		GrantedScopes: approved,
		Active:        true,
		CreatedAt:     now,
		UpdatedAt:     now,
	})
	if err != nil {
		return nil, storageError("upsert_consent", err)
	}

	s.Auditor.LogEvent(security.Event{
		Type:     security.EventConsentRecorded,
		UserID:   userID,
		ClientID: clientID,
		Details:  map[string]any{"scope": util.JoinScope(approved)},
	})
	return grant, nil
}

// RevokeConsent deactivates the user's consent for the client. The grant is
// kept as history. Refresh tokens of the pair stop rotating because scope
// re-derivation finds no consent.
func (s *Server) RevokeConsent(ctx context.Context, userID, clientID string) error {
	if err := s.store.RevokeConsent(ctx, userID, clientID, s.now()); err != nil {
		if isNotFound(err) {
			return validationError("consent", "no active consent")
		}
		return storageError("revoke_consent", err)
	}

	s.Auditor.LogEvent(security.Event{
		Type:     security.EventConsentRevoked,
		UserID:   userID,
		ClientID: clientID,
	})
	return nil
}

// ListConsentHistory returns every consent grant of the pair, oldest first.
func (s *Server) ListConsentHistory(ctx context.Context, userID, clientID string) ([]*storage.ConsentGrant, error) {
	grants, err := s.store.ListConsentHistory(ctx, userID, clientID)
	if err != nil {
		return nil, storageError("list_consent_history", err)
	}
	return grants, nil
}

// ResolveScopes returns requested ∩ consented ∩ effective allowed scopes,
// sorted. An empty requested set stands for everything consented. The result
// may be empty; callers decide what an empty set means. Without an active
// consent it fails with ErrAccessDenied.
//
// It is evaluated on every code issuance, token mint and rotation, so catalog
// or consent changes narrow live grants without touching stored rows.
func (s *Server) ResolveScopes(ctx context.Context, userID, clientID string, requested []string) ([]string, error) {
	grant, err := s.GetActiveConsent(ctx, userID, clientID)
	if err != nil {
		return nil, err
	}
	if grant == nil {
		return nil, fmt.Errorf("%w: no consent for client", ErrAccessDenied)
	}

	effective, err := s.EffectiveAllowedScopes(ctx, clientID)
	if err != nil {
		return nil, err
	}

	if len(requested) == 0 {
		requested = grant.GrantedScopes
	}
	return util.IntersectScopes(requested, grant.GrantedScopes, effective), nil
}

// narrowScopes re-derives the live subset of scopes a token was granted.
// Unlike ResolveScopes, an empty input stays empty.
func (s *Server) narrowScopes(ctx context.Context, userID, clientID string, granted []string) ([]string, error) {
	scopes, err := s.ResolveScopes(ctx, userID, clientID, granted)
	if err != nil {
		return nil, err
	}
	if len(granted) == 0 {
		return []string{}, nil
	}
	return scopes, nil
}

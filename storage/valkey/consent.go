package valkey

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/giantswarm/oauth-core/storage"
)

// ============================================================
// ConsentStore Implementation
// ============================================================

// consentRecord is the part of a grant that never changes after insert.
type consentRecord struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	ClientID  string    `json:"client_id"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Store) getConsent(ctx context.Context, id string) (*storage.ConsentGrant, error) {
	fields, err := s.client.Do(ctx, s.client.B().Hgetall().Key(s.key(segConsent, id)).Build()).AsStrMap()
	if err != nil {
		return nil, fmt.Errorf("failed to get consent: %w", err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: consent %s", storage.ErrNotFound, id)
	}

	var rec consentRecord
	if err := json.Unmarshal([]byte(fields["data"]), &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal consent: %w", err)
	}
	grant := &storage.ConsentGrant{
		ID:        rec.ID,
		UserID:    rec.UserID,
		ClientID:  rec.ClientID,
		Active:    fields["active"] == "1",
		CreatedAt: rec.CreatedAt,
		UpdatedAt: parseTime(fields["updated_at"]),
		RevokedAt: parseTime(fields["revoked_at"]),
	}
	if err := json.Unmarshal([]byte(fields["scopes"]), &grant.GrantedScopes); err != nil {
		return nil, fmt.Errorf("failed to unmarshal consent scopes: %w", err)
	}
	return grant, nil
}

// GetActiveConsent implements storage.ConsentStore.
func (s *Store) GetActiveConsent(ctx context.Context, userID, clientID string) (_ *storage.ConsentGrant, err error) {
	defer s.observe(ctx, "get_active_consent")(&err)

	id, err := s.client.Do(ctx, s.client.B().Get().Key(s.key(segConsentActive, userID, clientID)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, fmt.Errorf("%w: consent %s/%s", storage.ErrNotFound, userID, clientID)
		}
		return nil, fmt.Errorf("failed to get active consent: %w", err)
	}
	return s.getConsent(ctx, id)
}

// UpsertConsent implements storage.ConsentStore.
func (s *Store) UpsertConsent(ctx context.Context, grant *storage.ConsentGrant) (_ *storage.ConsentGrant, err error) {
	defer s.observe(ctx, "upsert_consent")(&err)

	data, err := marshal(consentRecord{
		ID:        grant.ID,
		UserID:    grant.UserID,
		ClientID:  grant.ClientID,
		CreatedAt: grant.CreatedAt,
	})
	if err != nil {
		return nil, err
	}
	scopes := grant.GrantedScopes
	if scopes == nil {
		scopes = []string{}
	}
	scopesJSON, err := marshal(scopes)
	if err != nil {
		return nil, err
	}

	id, err := upsertConsentScript.Exec(ctx, s.client,
		[]string{
			s.key(segConsentActive, grant.UserID, grant.ClientID),
			s.key(segConsentHistory, grant.UserID, grant.ClientID),
		},
		[]string{grant.ID, data, scopesJSON, formatTime(grant.UpdatedAt), s.prefix + segConsent},
	).ToString()
	if err != nil {
		return nil, fmt.Errorf("failed to upsert consent: %w", err)
	}
	return s.getConsent(ctx, id)
}

// RevokeConsent implements storage.ConsentStore.
func (s *Store) RevokeConsent(ctx context.Context, userID, clientID string, at time.Time) (err error) {
	defer s.observe(ctx, "revoke_consent")(&err)

	result, err := revokeConsentScript.Exec(ctx, s.client,
		[]string{s.key(segConsentActive, userID, clientID)},
		[]string{formatTime(at), s.prefix + segConsent},
	).ToString()
	if err != nil {
		return fmt.Errorf("failed to revoke consent: %w", err)
	}
	if result == "NOT_FOUND" {
		return fmt.Errorf("%w: consent %s/%s", storage.ErrNotFound, userID, clientID)
	}
	return nil
}

// ListConsentHistory implements storage.ConsentStore.
func (s *Store) ListConsentHistory(ctx context.Context, userID, clientID string) (_ []*storage.ConsentGrant, err error) {
	defer s.observe(ctx, "list_consent_history")(&err)

	ids, err := s.client.Do(ctx,
		s.client.B().Lrange().Key(s.key(segConsentHistory, userID, clientID)).Start(0).Stop(-1).Build(),
	).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("failed to list consent history: %w", err)
	}

	out := make([]*storage.ConsentGrant, 0, len(ids))
	for _, id := range ids {
		grant, err := s.getConsent(ctx, id)
		if err != nil {
			return nil, err
		}
		out = append(out, grant)
	}
	return out, nil
}

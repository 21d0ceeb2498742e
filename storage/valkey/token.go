package valkey

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/giantswarm/oauth-core/internal/util"
	"github.com/giantswarm/oauth-core/storage"
)

func isNotFound(err error) bool {
	return errors.Is(err, storage.ErrNotFound)
}

// ============================================================
// CodeStore Implementation
// ============================================================

// SaveAuthorizationCode implements storage.CodeStore.
func (s *Store) SaveAuthorizationCode(ctx context.Context, code *storage.AuthorizationCode) (err error) {
	defer s.observe(ctx, "save_authorization_code")(&err)

	if err := validateStringLength(code.ClientID, MaxIDLength, "client_id"); err != nil {
		return err
	}
	data, err := marshal(code)
	if err != nil {
		return err
	}

	result, err := saveCodeScript.Exec(ctx, s.client,
		[]string{s.key(segCode, code.CodeHash), s.key(segClientCodes, code.ClientID), s.prefix + segCodeExpiry},
		[]string{data, code.ClientID, code.CodeHash, score(code.ExpiresAt)},
	).ToString()
	if err != nil {
		return fmt.Errorf("failed to store authorization code: %w", err)
	}
	if result == "EXISTS" {
		return fmt.Errorf("%w: authorization code", storage.ErrAlreadyExists)
	}

	s.logger.Debug("Saved authorization code", "code_hash_prefix", util.SafeTruncate(code.CodeHash, tokenIDLogLength))
	return nil
}

// GetAuthorizationCode implements storage.CodeStore.
func (s *Store) GetAuthorizationCode(ctx context.Context, codeHash string) (_ *storage.AuthorizationCode, err error) {
	defer s.observe(ctx, "get_authorization_code")(&err)

	fields, err := s.client.Do(ctx, s.client.B().Hgetall().Key(s.key(segCode, codeHash)).Build()).AsStrMap()
	if err != nil {
		return nil, fmt.Errorf("failed to get authorization code: %w", err)
	}
	if fields["data"] == "" {
		return nil, fmt.Errorf("%w: authorization code %s", storage.ErrNotFound, util.SafeTruncate(codeHash, tokenIDLogLength))
	}

	var code storage.AuthorizationCode
	if err := json.Unmarshal([]byte(fields["data"]), &code); err != nil {
		return nil, fmt.Errorf("failed to unmarshal authorization code: %w", err)
	}
	code.Used = fields["used"] == "1"
	code.UsedAt = parseTime(fields["used_at"])
	code.Revoked = fields["revoked"] == "1"
	code.FamilyID = fields["family_id"]
	return &code, nil
}

// RedeemAuthorizationCode implements storage.CodeStore.
func (s *Store) RedeemAuthorizationCode(ctx context.Context, codeHash string, root *storage.RefreshToken, at time.Time) (err error) {
	defer s.observe(ctx, "redeem_authorization_code")(&err)

	keys, args, err := s.tokenScriptInput(root)
	if err != nil {
		return err
	}

	result, err := redeemCodeScript.Exec(ctx, s.client,
		append([]string{s.key(segCode, codeHash)}, keys...),
		append([]string{formatTime(at), root.FamilyID}, args...),
	).ToString()
	if err != nil {
		return fmt.Errorf("failed to execute atomic code redemption: %w", err)
	}

	switch result {
	case "NOT_FOUND":
		return fmt.Errorf("%w: authorization code %s", storage.ErrNotFound, util.SafeTruncate(codeHash, tokenIDLogLength))
	case "USED":
		return storage.ErrAuthorizationCodeUsed
	case "EXISTS":
		return fmt.Errorf("%w: refresh token %s", storage.ErrAlreadyExists, root.ID)
	}

	s.logger.Debug("Authorization code redeemed",
		"code_hash_prefix", util.SafeTruncate(codeHash, tokenIDLogLength),
		"family_id", root.FamilyID)
	return nil
}

// ============================================================
// RefreshTokenStore Implementation
// ============================================================

// tokenScriptInput returns the five keys and four arguments the
// insert_token Lua helper expects for token.
func (s *Store) tokenScriptInput(token *storage.RefreshToken) ([]string, []string, error) {
	for field, v := range map[string]string{"client_id": token.ClientID, "user_id": token.UserID, "family_id": token.FamilyID} {
		if err := validateStringLength(v, MaxIDLength, field); err != nil {
			return nil, nil, err
		}
	}

	fresh := token.Clone()
	fresh.Used, fresh.UsedAt = false, time.Time{}
	fresh.Revoked, fresh.RevokedAt, fresh.RevokedReason = false, time.Time{}, ""
	data, err := marshal(fresh)
	if err != nil {
		return nil, nil, err
	}

	familyScore := score(token.CreatedAt)
	if familyScore == "" {
		familyScore = "0"
	}

	keys := []string{
		s.key(segToken, token.ID),
		s.key(segTokenHash, token.TokenHash),
		s.key(segFamily, token.FamilyID),
		s.key(segClientTokens, token.ClientID),
		s.prefix + segTokenExpiry,
	}
	args := []string{data, token.ID, familyScore, score(token.ExpiresAt)}
	return keys, args, nil
}

// SaveRefreshToken implements storage.RefreshTokenStore.
func (s *Store) SaveRefreshToken(ctx context.Context, token *storage.RefreshToken) (err error) {
	defer s.observe(ctx, "save_refresh_token")(&err)

	keys, args, err := s.tokenScriptInput(token)
	if err != nil {
		return err
	}
	result, err := saveTokenScript.Exec(ctx, s.client, keys, args).ToString()
	if err != nil {
		return fmt.Errorf("failed to store refresh token: %w", err)
	}
	if result == "EXISTS" {
		return fmt.Errorf("%w: refresh token %s", storage.ErrAlreadyExists, token.ID)
	}
	return nil
}

// decodeToken merges the insert-time JSON with the current flag fields.
func decodeToken(fields map[string]string) (*storage.RefreshToken, error) {
	var token storage.RefreshToken
	if err := json.Unmarshal([]byte(fields["data"]), &token); err != nil {
		return nil, fmt.Errorf("failed to unmarshal refresh token: %w", err)
	}
	token.Used = fields["used"] == "1"
	token.UsedAt = parseTime(fields["used_at"])
	token.Revoked = fields["revoked"] == "1"
	token.RevokedAt = parseTime(fields["revoked_at"])
	token.RevokedReason = fields["revoked_reason"]
	return &token, nil
}

func (s *Store) getToken(ctx context.Context, id string) (*storage.RefreshToken, error) {
	fields, err := s.client.Do(ctx, s.client.B().Hgetall().Key(s.key(segToken, id)).Build()).AsStrMap()
	if err != nil {
		return nil, fmt.Errorf("failed to get refresh token: %w", err)
	}
	if fields["data"] == "" {
		return nil, fmt.Errorf("%w: refresh token %s", storage.ErrNotFound, id)
	}
	return decodeToken(fields)
}

// GetRefreshToken implements storage.RefreshTokenStore.
func (s *Store) GetRefreshToken(ctx context.Context, id string) (_ *storage.RefreshToken, err error) {
	defer s.observe(ctx, "get_refresh_token")(&err)
	return s.getToken(ctx, id)
}

// GetRefreshTokenByHash implements storage.RefreshTokenStore.
func (s *Store) GetRefreshTokenByHash(ctx context.Context, tokenHash string) (_ *storage.RefreshToken, err error) {
	defer s.observe(ctx, "get_refresh_token_by_hash")(&err)

	id, err := s.client.Do(ctx, s.client.B().Get().Key(s.key(segTokenHash, tokenHash)).Build()).ToString()
	if err != nil {
		if isNilError(err) {
			return nil, fmt.Errorf("%w: refresh token %s", storage.ErrNotFound, util.SafeTruncate(tokenHash, tokenIDLogLength))
		}
		return nil, fmt.Errorf("failed to look up refresh token: %w", err)
	}
	return s.getToken(ctx, id)
}

// RotateRefreshToken implements storage.RefreshTokenStore.
func (s *Store) RotateRefreshToken(ctx context.Context, currentID string, child *storage.RefreshToken, at time.Time) (err error) {
	defer s.observe(ctx, "rotate_refresh_token")(&err)

	keys, args, err := s.tokenScriptInput(child)
	if err != nil {
		return err
	}

	result, err := rotateTokenScript.Exec(ctx, s.client,
		append([]string{s.key(segToken, currentID)}, keys...),
		append([]string{formatTime(at)}, args...),
	).ToString()
	if err != nil {
		return fmt.Errorf("failed to execute atomic refresh token rotation: %w", err)
	}

	switch result {
	case "NOT_FOUND":
		return fmt.Errorf("%w: refresh token %s", storage.ErrNotFound, currentID)
	case "REVOKED":
		return storage.ErrRefreshTokenRevoked
	case "USED":
		return storage.ErrRefreshTokenUsed
	case "EXISTS":
		return fmt.Errorf("%w: refresh token %s", storage.ErrAlreadyExists, child.ID)
	}

	s.logger.Debug("Rotated refresh token", "family_id", child.FamilyID)
	return nil
}

// RevokeRefreshTokenFamily implements storage.RefreshTokenStore.
func (s *Store) RevokeRefreshTokenFamily(ctx context.Context, familyID, reason string, at time.Time) (_ int, err error) {
	defer s.observe(ctx, "revoke_refresh_token_family")(&err)

	revoked, err := revokeFamilyScript.Exec(ctx, s.client,
		[]string{s.key(segFamily, familyID)},
		[]string{s.prefix + segToken, reason, formatTime(at)},
	).AsInt64()
	if err != nil {
		return 0, fmt.Errorf("failed to revoke token family: %w", err)
	}

	if revoked > 0 {
		s.logger.Debug("Revoked refresh token family",
			"family_id", familyID,
			"reason", reason,
			"tokens_revoked", revoked)
	}
	return int(revoked), nil
}

// ListRefreshTokenFamily implements storage.RefreshTokenStore.
func (s *Store) ListRefreshTokenFamily(ctx context.Context, familyID string) (_ []*storage.RefreshToken, err error) {
	defer s.observe(ctx, "list_refresh_token_family")(&err)

	ids, err := s.client.Do(ctx, s.client.B().Zrange().Key(s.key(segFamily, familyID)).Min("0").Max("-1").Build()).AsStrSlice()
	if err != nil {
		return nil, fmt.Errorf("failed to list token family: %w", err)
	}

	out := make([]*storage.RefreshToken, 0, len(ids))
	for _, id := range ids {
		token, err := s.getToken(ctx, id)
		if err != nil {
			if isNotFound(err) {
				continue
			}
			return nil, err
		}
		out = append(out, token)
	}
	return out, nil
}

// ============================================================
// Janitor Implementation
// ============================================================

// DeleteExpired implements storage.Janitor.
func (s *Store) DeleteExpired(ctx context.Context, before time.Time) (_ int, err error) {
	defer s.observe(ctx, "delete_expired")(&err)

	removed, err := deleteExpiredScript.Exec(ctx, s.client,
		[]string{s.prefix + segCodeExpiry, s.prefix + segTokenExpiry},
		[]string{score(before), s.prefix},
	).AsInt64()
	if err != nil {
		return 0, fmt.Errorf("failed to delete expired records: %w", err)
	}
	return int(removed), nil
}

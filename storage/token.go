package storage

import (
	"slices"
	"time"
)

// Reasons recorded on revoked refresh tokens.
const (
	// RevokedReasonReuseDetected marks a family killed because a rotated token was presented again.
	RevokedReasonReuseDetected = "reuse_detected"

	// RevokedReasonCodeReuse marks a family killed because its authorization code was replayed.
	RevokedReasonCodeReuse = "code_reuse_detected"

	// RevokedReasonClientDeactivated marks tokens of a deactivated client.
	RevokedReasonClientDeactivated = "client_deactivated"

	// RevokedReasonClientRequest marks a family revoked through the revocation endpoint.
	RevokedReasonClientRequest = "revoked_by_client"
)

// AuthorizationCode is a single-use code awaiting redemption. It is keyed by
// the SHA-256 hash of the raw code; the raw value is never persisted.
type AuthorizationCode struct {
	CodeHash            string    `json:"code_hash"`
	Hint                string    `json:"hint"`
	ClientID            string    `json:"client_id"`
	UserID              string    `json:"user_id"`
	RedirectURI         string    `json:"redirect_uri"`
	Scopes              []string  `json:"scopes"`
	CodeChallenge       string    `json:"code_challenge,omitempty"`
	CodeChallengeMethod string    `json:"code_challenge_method,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
	ExpiresAt           time.Time `json:"expires_at"`
	Used                bool      `json:"used"`
	UsedAt              time.Time `json:"used_at,omitzero"`
	Revoked             bool      `json:"revoked"`

	// FamilyID is the refresh token family minted when the code was redeemed.
	FamilyID string `json:"family_id,omitempty"`
}

// Clone returns a deep copy safe to hand out of a store.
func (c *AuthorizationCode) Clone() *AuthorizationCode {
	if c == nil {
		return nil
	}
	cp := *c
	cp.Scopes = slices.Clone(c.Scopes)
	return &cp
}

// RefreshToken is one link of a token family. Within a family at most one
// token is neither used nor revoked: the current token.
type RefreshToken struct {
	ID            string    `json:"id"`
	TokenHash     string    `json:"token_hash"`
	Hint          string    `json:"hint"`
	ClientID      string    `json:"client_id"`
	UserID        string    `json:"user_id"`
	FamilyID      string    `json:"family_id"`
	ParentID      string    `json:"parent_id,omitempty"`
	Scopes        []string  `json:"scopes"`
	Used          bool      `json:"used"`
	UsedAt        time.Time `json:"used_at,omitzero"`
	Revoked       bool      `json:"revoked"`
	RevokedAt     time.Time `json:"revoked_at,omitzero"`
	RevokedReason string    `json:"revoked_reason,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
	ExpiresAt     time.Time `json:"expires_at"`
}

// Clone returns a deep copy safe to hand out of a store.
func (t *RefreshToken) Clone() *RefreshToken {
	if t == nil {
		return nil
	}
	cp := *t
	cp.Scopes = slices.Clone(t.Scopes)
	return &cp
}

// IsCurrent reports whether the token may still be rotated.
func (t *RefreshToken) IsCurrent() bool {
	return !t.Used && !t.Revoked
}

// Revoke marks the token revoked unless it already is. It reports whether
// anything changed.
func (t *RefreshToken) Revoke(reason string, at time.Time) bool {
	if t.Revoked {
		return false
	}
	t.Revoked = true
	t.RevokedAt = at
	t.RevokedReason = reason
	return true
}

// FamilyExpired reports whether every token of a family is revoked or expired
// before the given instant. Families are swept as a whole: while any member
// is live, its used ancestors must stay so that presenting one again is
// still detected as reuse.
func FamilyExpired(members []*RefreshToken, before time.Time) bool {
	for _, t := range members {
		if t.Revoked {
			continue
		}
		if t.ExpiresAt.IsZero() || !t.ExpiresAt.Before(before) {
			return false
		}
	}
	return true
}

// CodeExpired reports whether a code can be swept. A redeemed code is kept
// while the family it minted still exists, so a replay can revoke it.
func CodeExpired(code *AuthorizationCode, before time.Time, familyExists bool) bool {
	if code.ExpiresAt.IsZero() || !code.ExpiresAt.Before(before) {
		return false
	}
	return code.FamilyID == "" || !familyExists
}

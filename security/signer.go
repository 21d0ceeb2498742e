package security

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/crypto/hkdf"
)

const (
	// MinSigningSecretLength is the minimum length of the configured signing secret
	MinSigningSecretLength = 32

	accessTokenKeyInfo = "oauth-core access token signing key v1"
)

// ErrInvalidAccessToken is returned for any access token that fails verification.
var ErrInvalidAccessToken = errors.New("invalid access token")

// AccessTokenClaims are the claims carried by a self-contained access token.
type AccessTokenClaims struct {
	jwt.RegisteredClaims
	ClientID string `json:"client_id"`
	Scope    string `json:"scope"`
}

// Scopes returns the scope claim as a slice.
func (c *AccessTokenClaims) Scopes() []string {
	return strings.Fields(c.Scope)
}

// Signer issues and verifies HS256 access tokens.
type Signer struct {
	key    []byte
	issuer string
}

// DeriveKey expands secret into a 32-byte key bound to purpose using HKDF-SHA256.
func DeriveKey(secret []byte, purpose string) ([]byte, error) {
	key := make([]byte, 32)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, nil, []byte(purpose)), key); err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	return key, nil
}

// NewSigner creates a signer whose key is derived from secret.
func NewSigner(secret []byte, issuer string) (*Signer, error) {
	if len(secret) < MinSigningSecretLength {
		return nil, fmt.Errorf("signing secret must be at least %d bytes", MinSigningSecretLength)
	}
	key, err := DeriveKey(secret, accessTokenKeyInfo)
	if err != nil {
		return nil, err
	}
	return &Signer{key: key, issuer: issuer}, nil
}

// Sign issues an access token for userID acting through clientID.
func (s *Signer) Sign(clientID, userID string, scopes []string, issuedAt, expiresAt time.Time) (string, error) {
	claims := AccessTokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        uuid.NewString(),
			Issuer:    s.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(issuedAt),
			NotBefore: jwt.NewNumericDate(issuedAt),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		ClientID: clientID,
		Scope:    strings.Join(scopes, " "),
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.key)
	if err != nil {
		return "", fmt.Errorf("failed to sign access token: %w", err)
	}
	return signed, nil
}

// Verify checks signature, issuer and lifetime of raw as of now.
// Every failure is reported as ErrInvalidAccessToken.
func (s *Signer) Verify(raw string, now time.Time) (*AccessTokenClaims, error) {
	claims := &AccessTokenClaims{}
	_, err := jwt.ParseWithClaims(raw, claims,
		func(*jwt.Token) (any, error) { return s.key, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
		jwt.WithLeeway(DefaultClockSkewGracePeriod),
		jwt.WithTimeFunc(func() time.Time { return now }),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidAccessToken, err)
	}
	if claims.ClientID == "" || claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing identity claims", ErrInvalidAccessToken)
	}
	return claims, nil
}

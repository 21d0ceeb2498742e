package storage

import "errors"

// Sentinel errors returned by every Store implementation. Callers match them
// with errors.Is; implementations may wrap them with extra context.
var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("storage: not found")

	// ErrAlreadyExists is returned when a unique key is already taken.
	ErrAlreadyExists = errors.New("storage: already exists")

	// ErrAuthorizationCodeUsed is returned by RedeemAuthorizationCode when the
	// compare-and-swap on the code's used flag loses (or the code was revoked).
	ErrAuthorizationCodeUsed = errors.New("storage: authorization code already used")

	// ErrRefreshTokenUsed is returned by RotateRefreshToken when the token was
	// already rotated by another request.
	ErrRefreshTokenUsed = errors.New("storage: refresh token already used") //nolint:gosec // G101: error text, not a credential

	// ErrRefreshTokenRevoked is returned by RotateRefreshToken when the token
	// (and therefore its family) was revoked before the swap.
	ErrRefreshTokenRevoked = errors.New("storage: refresh token revoked") //nolint:gosec // G101: error text, not a credential
)

// ContractErrors are the outcomes defined by the storage contract. They are
// expected during normal operation and are not counted as backend failures.
var ContractErrors = []error{
	ErrNotFound,
	ErrAlreadyExists,
	ErrAuthorizationCodeUsed,
	ErrRefreshTokenUsed,
	ErrRefreshTokenRevoked,
}

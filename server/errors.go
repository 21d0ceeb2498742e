package server

import (
	"errors"
	"fmt"
)

// Error kinds returned by the server. Callers match them with errors.Is; the
// wrapped text is safe to show to clients.
var (
	// ErrInvalidClient covers every client authentication failure. The message
	// never says which check failed.
	ErrInvalidClient = errors.New("invalid_client")

	// ErrInvalidGrant covers unknown, expired, used, revoked or mismatched
	// codes and refresh tokens.
	ErrInvalidGrant = errors.New("invalid_grant")

	// ErrInvalidScope is returned when requested scopes exceed what is allowed
	// or consented, or when nothing is left after re-derivation.
	ErrInvalidScope = errors.New("invalid_scope")

	// ErrInvalidRequest is returned for malformed input.
	ErrInvalidRequest = errors.New("invalid_request")

	// ErrAccessDenied is returned when the user has not consented.
	ErrAccessDenied = errors.New("access_denied")

	// ErrUnauthorizedClient is returned when a client may not use a grant,
	// e.g. a refresh token presented by a client other than its owner.
	ErrUnauthorizedClient = errors.New("unauthorized_client")

	// ErrTokenReuseDetected is returned when a refresh token or authorization
	// code was presented again after use. The affected family has been
	// revoked by the time the caller sees it. It wraps ErrInvalidGrant.
	ErrTokenReuseDetected = fmt.Errorf("%w: token reuse detected", ErrInvalidGrant)

	// ErrForbidden is returned when a principal may not perform an action.
	ErrForbidden = errors.New("forbidden")
)

// ValidationError reports a rejected input field. It wraps ErrInvalidRequest.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}

// Unwrap lets errors.Is match ErrInvalidRequest.
func (e *ValidationError) Unwrap() error {
	return ErrInvalidRequest
}

func validationError(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// StorageError wraps a back-end failure. The operation had no effect; the
// details are for logs only.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("storage failure during %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func storageError(op string, err error) error {
	return &StorageError{Op: op, Err: err}
}

// IsStorageError reports whether err was caused by a back-end failure.
func IsStorageError(err error) bool {
	var se *StorageError
	return errors.As(err, &se)
}

package oauth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/giantswarm/oauth-core/server"
)

// OAuth error codes as constants
const (
	ErrorCodeInvalidRequest       = "invalid_request"
	ErrorCodeInvalidGrant         = "invalid_grant"
	ErrorCodeInvalidClient        = "invalid_client"
	ErrorCodeInvalidScope         = "invalid_scope"
	ErrorCodeUnauthorizedClient   = "unauthorized_client"
	ErrorCodeUnsupportedGrantType = "unsupported_grant_type"
	ErrorCodeServerError          = "server_error"
	ErrorCodeAccessDenied         = "access_denied"
	ErrorCodeRateLimitExceeded    = "rate_limit_exceeded"
)

// Descriptions sent for errors whose details must stay in the logs.
const (
	descClientAuthFailed = "Client authentication failed"
	descInvalidGrant     = "The grant is invalid, expired or revoked"
	descServerError      = "The server encountered an unexpected condition"
)

// Error represents an OAuth 2.0 error response (RFC 6749 §5.2)
type Error struct {
	Code        string // OAuth error code (e.g., "invalid_request", "invalid_grant")
	Description string // Human-readable error description
	Status      int    // HTTP status code
}

// Error implements the error interface
func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Description)
}

// NewError creates a new OAuth error
func NewError(code, description string, status int) *Error {
	return &Error{
		Code:        code,
		Description: description,
		Status:      status,
	}
}

// Common OAuth errors
var (
	// ErrInvalidRequest indicates the request is malformed or missing required parameters
	ErrInvalidRequest = func(desc string) *Error {
		return NewError(ErrorCodeInvalidRequest, desc, http.StatusBadRequest)
	}

	// ErrInvalidGrant indicates the authorization code or refresh token is invalid or expired
	ErrInvalidGrant = func(desc string) *Error {
		return NewError(ErrorCodeInvalidGrant, desc, http.StatusBadRequest)
	}

	// ErrInvalidClient indicates client authentication failed
	ErrInvalidClient = func(desc string) *Error {
		return NewError(ErrorCodeInvalidClient, desc, http.StatusUnauthorized)
	}

	// ErrInvalidScope indicates the requested scope is invalid or exceeds the grant
	ErrInvalidScope = func(desc string) *Error {
		return NewError(ErrorCodeInvalidScope, desc, http.StatusBadRequest)
	}

	// ErrUnauthorizedClient indicates the client is not authorized for the requested grant
	ErrUnauthorizedClient = func(desc string) *Error {
		return NewError(ErrorCodeUnauthorizedClient, desc, http.StatusBadRequest)
	}

	// ErrUnsupportedGrantType indicates the grant type is not supported
	ErrUnsupportedGrantType = func(desc string) *Error {
		return NewError(ErrorCodeUnsupportedGrantType, desc, http.StatusBadRequest)
	}

	// ErrServerError indicates an internal server error occurred
	ErrServerError = func(desc string) *Error {
		return NewError(ErrorCodeServerError, desc, http.StatusInternalServerError)
	}

	// ErrAccessDenied indicates the user or authorization server denied the request
	ErrAccessDenied = func(desc string) *Error {
		return NewError(ErrorCodeAccessDenied, desc, http.StatusForbidden)
	}

	// ErrRateLimitExceeded indicates the caller sent too many requests
	ErrRateLimitExceeded = func(desc string) *Error {
		return NewError(ErrorCodeRateLimitExceeded, desc, http.StatusTooManyRequests)
	}
)

// FromServerError maps an error returned by the server package to the OAuth
// error sent to the client. Storage failures and unknown errors become a
// generic server_error; their details only go to the logs.
func FromServerError(err error) *Error {
	if err == nil {
		return nil
	}

	var oauthErr *Error
	if errors.As(err, &oauthErr) {
		return oauthErr
	}
	if server.IsStorageError(err) {
		return ErrServerError(descServerError)
	}

	switch {
	case errors.Is(err, server.ErrInvalidClient):
		return ErrInvalidClient(descClientAuthFailed)
	case errors.Is(err, server.ErrInvalidGrant):
		// Covers reuse detection: the client is not told its family died.
		return ErrInvalidGrant(descInvalidGrant)
	case errors.Is(err, server.ErrInvalidScope):
		return ErrInvalidScope(describe(err, server.ErrInvalidScope))
	case errors.Is(err, server.ErrUnauthorizedClient):
		return ErrUnauthorizedClient(describe(err, server.ErrUnauthorizedClient))
	case errors.Is(err, server.ErrAccessDenied), errors.Is(err, server.ErrForbidden):
		return ErrAccessDenied("The request was denied")
	case errors.Is(err, server.ErrInvalidRequest):
		return ErrInvalidRequest(describe(err, server.ErrInvalidRequest))
	}
	return ErrServerError(descServerError)
}

// describe returns the client-safe text of err without its sentinel prefix.
func describe(err, sentinel error) string {
	var redirectErr *server.RedirectURISecurityError
	if errors.As(err, &redirectErr) {
		return redirectErr.ClientMessage
	}
	var validationErr *server.ValidationError
	if errors.As(err, &validationErr) {
		return validationErr.Error()
	}

	msg := strings.TrimPrefix(err.Error(), sentinel.Error())
	msg = strings.TrimPrefix(msg, ": ")
	if msg == "" {
		return sentinel.Error()
	}
	return msg
}

package security

// Event type constants for security audit logging.
const (
	// Client lifecycle events

	// EventClientRegistered is logged when a new client is registered
	EventClientRegistered = "client_registered"

	// EventClientDeactivated is logged when a client is deactivated and its grants revoked
	EventClientDeactivated = "client_deactivated"

	// EventClientSecretIssued is logged when a new secret is issued to a confidential client
	EventClientSecretIssued = "client_secret_issued" //nolint:gosec // G101: event type name, not a credential

	// EventClientSecretDeactivated is logged when a client secret is deactivated
	EventClientSecretDeactivated = "client_secret_deactivated" //nolint:gosec // G101: event type name, not a credential

	// Consent events

	// EventConsentRecorded is logged when a user approves scopes for a client
	EventConsentRecorded = "consent_recorded"

	// EventConsentRevoked is logged when a user withdraws consent
	EventConsentRevoked = "consent_revoked"

	// Authorization code events

	// EventAuthorizationCodeIssued is logged when an authorization code is issued
	EventAuthorizationCodeIssued = "authorization_code_issued"

	// EventAuthorizationCodeRedeemed is logged when a code is exchanged for tokens
	EventAuthorizationCodeRedeemed = "authorization_code_redeemed"

	// EventAuthorizationCodeReuseDetected is logged when a redeemed code is presented again
	EventAuthorizationCodeReuseDetected = "authorization_code_reuse_detected"

	// Token lifecycle events

	// EventTokenRotated is logged when a refresh token is rotated into a child
	EventTokenRotated = "token_rotated" //nolint:gosec // G101: event type name, not a credential

	// EventTokenRevoked is logged when a client revokes a token through the revocation endpoint
	EventTokenRevoked = "token_revoked" //nolint:gosec // G101: event type name, not a credential

	// EventRefreshTokenReuseDetected is logged when a rotated refresh token is presented again
	EventRefreshTokenReuseDetected = "refresh_token_reuse_detected" //nolint:gosec // G101: event type name, not a credential

	// EventTokenFamilyRevoked is logged when a whole refresh token family is revoked
	EventTokenFamilyRevoked = "token_family_revoked" //nolint:gosec // G101: event type name, not a credential

	// Security violation events

	// EventAuthFailure is logged when client authentication fails
	EventAuthFailure = "auth_failure"

	// EventPKCEValidationFailed is logged when a code_verifier does not match the stored challenge
	EventPKCEValidationFailed = "pkce_validation_failed"

	// EventInvalidRedirect is logged when a redirect URI does not match the registered one
	EventInvalidRedirect = "invalid_redirect"

	// EventRateLimitExceeded is logged when a rate limit is exceeded
	EventRateLimitExceeded = "rate_limit_exceeded"
)

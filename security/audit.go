package security

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"log/slog"
	"time"
)

// Auditor handles security event logging with PII protection.
type Auditor struct {
	logger  *slog.Logger
	enabled bool
}

// NewAuditor creates a new security auditor
func NewAuditor(logger *slog.Logger, enabled bool) *Auditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Auditor{
		logger:  logger,
		enabled: enabled,
	}
}

// Event represents a security audit event
type Event struct {
	Type      string
	UserID    string
	ClientID  string
	IPAddress string
	Details   map[string]any
	Timestamp time.Time
}

// LogEvent logs a security event with the user ID hashed
func (a *Auditor) LogEvent(event Event) {
	if a == nil || !a.enabled {
		return
	}

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	level := slog.LevelInfo
	if isAlert(event.Type) {
		level = slog.LevelWarn
	}

	a.logger.Log(context.Background(), level, "security_audit",
		"event_type", event.Type,
		"user_id_hash", hashForLogging(event.UserID),
		"client_id", event.ClientID,
		"ip_address", event.IPAddress,
		"details", event.Details,
		"timestamp", event.Timestamp,
	)
}

// isAlert reports whether an event signals a likely attack.
func isAlert(eventType string) bool {
	switch eventType {
	case EventRefreshTokenReuseDetected, EventAuthorizationCodeReuseDetected, EventTokenFamilyRevoked:
		return true
	}
	return false
}

// LogCodeIssued logs an issued authorization code
func (a *Auditor) LogCodeIssued(userID, clientID, scope string) {
	a.LogEvent(Event{
		Type:     EventAuthorizationCodeIssued,
		UserID:   userID,
		ClientID: clientID,
		Details:  map[string]any{"scope": scope},
	})
}

// LogCodeRedeemed logs a successful code redemption and the family it started
func (a *Auditor) LogCodeRedeemed(userID, clientID, familyID, scope string) {
	a.LogEvent(Event{
		Type:     EventAuthorizationCodeRedeemed,
		UserID:   userID,
		ClientID: clientID,
		Details:  map[string]any{"family_id": familyID, "scope": scope},
	})
}

// LogCodeReuse logs the replay of an already redeemed authorization code
func (a *Auditor) LogCodeReuse(userID, clientID, familyID string, revoked int) {
	a.LogEvent(Event{
		Type:     EventAuthorizationCodeReuseDetected,
		UserID:   userID,
		ClientID: clientID,
		Details:  map[string]any{"family_id": familyID, "tokens_revoked": revoked},
	})
}

// LogTokenRotated logs a refresh token rotation
func (a *Auditor) LogTokenRotated(userID, clientID, familyID, scope string) {
	a.LogEvent(Event{
		Type:     EventTokenRotated,
		UserID:   userID,
		ClientID: clientID,
		Details:  map[string]any{"family_id": familyID, "scope": scope},
	})
}

// LogTokenReuse logs refresh token reuse and the size of the revoked family
func (a *Auditor) LogTokenReuse(userID, clientID, familyID string, revoked int) {
	a.LogEvent(Event{
		Type:     EventRefreshTokenReuseDetected,
		UserID:   userID,
		ClientID: clientID,
		Details:  map[string]any{"family_id": familyID, "tokens_revoked": revoked},
	})
}

// LogFamilyRevoked logs the revocation of a token family
func (a *Auditor) LogFamilyRevoked(userID, clientID, familyID, reason string, revoked int) {
	a.LogEvent(Event{
		Type:     EventTokenFamilyRevoked,
		UserID:   userID,
		ClientID: clientID,
		Details:  map[string]any{"family_id": familyID, "reason": reason, "tokens_revoked": revoked},
	})
}

// LogAuthFailure logs a failed client authentication. The reason is internal
// only; callers always see the same error.
func (a *Auditor) LogAuthFailure(clientID, ipAddress, reason string) {
	a.LogEvent(Event{
		Type:      EventAuthFailure,
		ClientID:  clientID,
		IPAddress: ipAddress,
		Details:   map[string]any{"reason": reason},
	})
}

// LogRateLimitExceeded logs a rate limit violation
func (a *Auditor) LogRateLimitExceeded(ipAddress string) {
	a.LogEvent(Event{
		Type:      EventRateLimitExceeded,
		IPAddress: ipAddress,
	})
}

// LogClientRegistered logs when a new client is registered
func (a *Auditor) LogClientRegistered(ownerID, clientID, clientType string) {
	a.LogEvent(Event{
		Type:     EventClientRegistered,
		UserID:   ownerID,
		ClientID: clientID,
		Details:  map[string]any{"client_type": clientType},
	})
}

// LogClientDeactivated logs a client deactivation and how many tokens it killed
func (a *Auditor) LogClientDeactivated(actorID, clientID string, revoked int) {
	a.LogEvent(Event{
		Type:     EventClientDeactivated,
		UserID:   actorID,
		ClientID: clientID,
		Details:  map[string]any{"tokens_revoked": revoked},
	})
}

// hashForLogging creates a SHA256 hash of sensitive data for logging
func hashForLogging(sensitive string) string {
	if sensitive == "" {
		return "<empty>"
	}
	hash := sha256.Sum256([]byte(sensitive))
	return hex.EncodeToString(hash[:])[:16]
}

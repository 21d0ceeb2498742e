package security

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestNewAuditor(t *testing.T) {
	tests := []struct {
		name    string
		logger  *slog.Logger
		enabled bool
	}{
		{name: "enabled with logger", logger: slog.Default(), enabled: true},
		{name: "disabled with logger", logger: slog.Default(), enabled: false},
		{name: "enabled with nil logger", logger: nil, enabled: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			auditor := NewAuditor(tt.logger, tt.enabled)
			if auditor == nil {
				t.Fatal("NewAuditor() returned nil")
			}
			if auditor.enabled != tt.enabled {
				t.Errorf("enabled = %v, want %v", auditor.enabled, tt.enabled)
			}
			if auditor.logger == nil {
				t.Error("logger should not be nil")
			}
		})
	}
}

func TestAuditor_LogEvent(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, nil))

	tests := []struct {
		name    string
		enabled bool
		wantLog bool
	}{
		{name: "enabled", enabled: true, wantLog: true},
		{name: "disabled", enabled: false, wantLog: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf.Reset()
			auditor := NewAuditor(logger, tt.enabled)

			auditor.LogEvent(Event{
				Type:      "test_event",
				UserID:    "user-123",
				ClientID:  "client-456",
				IPAddress: "192.168.1.1",
			})

			if hasLog := buf.Len() > 0; hasLog != tt.wantLog {
				t.Errorf("LogEvent() logged = %v, want %v", hasLog, tt.wantLog)
			}
		})
	}
}

func TestAuditor_NilIsSafe(t *testing.T) {
	var auditor *Auditor
	auditor.LogEvent(Event{Type: "test_event"})
}

func TestAuditor_HashesUserID(t *testing.T) {
	var buf bytes.Buffer
	auditor := NewAuditor(slog.New(slog.NewTextHandler(&buf, nil)), true)

	auditor.LogCodeIssued("alice@example.com", "client-1", "galleries.read")

	out := buf.String()
	if strings.Contains(out, "alice@example.com") {
		t.Error("audit log must not contain the raw user ID")
	}
	if !strings.Contains(out, hashForLogging("alice@example.com")) {
		t.Error("audit log should contain the hashed user ID")
	}
	if !strings.Contains(out, EventAuthorizationCodeIssued) {
		t.Error("audit log should contain the event type")
	}
}

func TestAuditor_ReuseEventsAreWarnings(t *testing.T) {
	var buf bytes.Buffer
	auditor := NewAuditor(slog.New(slog.NewTextHandler(&buf, nil)), true)

	auditor.LogTokenReuse("user-1", "client-1", "family-1", 3)

	out := buf.String()
	if !strings.Contains(out, "level=WARN") {
		t.Errorf("reuse event should be logged at WARN, got: %s", out)
	}
	if !strings.Contains(out, EventRefreshTokenReuseDetected) {
		t.Errorf("missing event type, got: %s", out)
	}
}

func TestAuditor_EventHelpers(t *testing.T) {
	tests := []struct {
		name      string
		log       func(a *Auditor)
		wantEvent string
	}{
		{"code redeemed", func(a *Auditor) { a.LogCodeRedeemed("u", "c", "f", "s") }, EventAuthorizationCodeRedeemed},
		{"code reuse", func(a *Auditor) { a.LogCodeReuse("u", "c", "f", 1) }, EventAuthorizationCodeReuseDetected},
		{"token rotated", func(a *Auditor) { a.LogTokenRotated("u", "c", "f", "s") }, EventTokenRotated},
		{"family revoked", func(a *Auditor) { a.LogFamilyRevoked("u", "c", "f", "reuse_detected", 2) }, EventTokenFamilyRevoked},
		{"auth failure", func(a *Auditor) { a.LogAuthFailure("c", "192.0.2.1", "secret mismatch") }, EventAuthFailure},
		{"rate limit", func(a *Auditor) { a.LogRateLimitExceeded("192.0.2.1") }, EventRateLimitExceeded},
		{"client registered", func(a *Auditor) { a.LogClientRegistered("u", "c", "public") }, EventClientRegistered},
		{"client deactivated", func(a *Auditor) { a.LogClientDeactivated("u", "c", 4) }, EventClientDeactivated},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			tt.log(NewAuditor(slog.New(slog.NewTextHandler(&buf, nil)), true))
			if !strings.Contains(buf.String(), "event_type="+tt.wantEvent) {
				t.Errorf("log output %q does not contain event %s", buf.String(), tt.wantEvent)
			}
		})
	}
}

package valkey

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/giantswarm/oauth-core/storage"
	"github.com/giantswarm/oauth-core/storage/storagetest"
)

// testStore creates a test store connected to a local Valkey instance.
// Tests will be skipped if VALKEY_TEST_ADDR is not set or connection fails.
// Each test gets a unique prefix to ensure test isolation.
func testStore(t *testing.T) *Store {
	t.Helper()

	addr := os.Getenv("VALKEY_TEST_ADDR")
	if addr == "" {
		t.Skip("Skipping test: VALKEY_TEST_ADDR not set")
	}

	// Generate a unique prefix for this test to ensure isolation
	prefix := fmt.Sprintf("oauthtest:%s:", strings.ReplaceAll(t.Name(), "/", ":"))

	store, err := New(Config{
		Address:   addr,
		KeyPrefix: prefix,
	})
	if err != nil {
		t.Skipf("Skipping test: could not connect to Valkey at %s: %v", addr, err)
	}

	cleanupTestKeys(t, store)
	t.Cleanup(func() { cleanupTestKeys(t, store) })
	return store
}

// cleanupTestKeys removes all test keys from Valkey
func cleanupTestKeys(t *testing.T, s *Store) {
	t.Helper()

	ctx := context.Background()
	pattern := s.prefix + "*"

	var cursor uint64
	for {
		result, err := s.client.Do(ctx,
			s.client.B().Scan().Cursor(cursor).Match(pattern).Count(100).Build(),
		).AsScanEntry()
		if err != nil {
			t.Logf("Warning: failed to scan for cleanup: %v", err)
			return
		}

		for _, key := range result.Elements {
			_ = s.client.Do(ctx, s.client.B().Del().Key(key).Build())
		}

		cursor = result.Cursor
		if cursor == 0 {
			break
		}
	}
}

// ============================================================
// Config Tests
// ============================================================

func TestNew_MissingAddress(t *testing.T) {
	_, err := New(Config{})
	if err == nil {
		t.Error("Expected error for missing address")
	}
}

func TestNew_InvalidAddress(t *testing.T) {
	_, err := New(Config{Address: "invalid:99999"})
	if err == nil {
		t.Error("Expected error for invalid address")
	}
}

// ============================================================
// Conformance
// ============================================================

func TestStore_Conformance(t *testing.T) {
	if os.Getenv("VALKEY_TEST_ADDR") == "" {
		t.Skip("Skipping test: VALKEY_TEST_ADDR not set")
	}
	storagetest.Run(t, func(t *testing.T) storage.Store {
		return testStore(t)
	})
}

// ============================================================
// Valkey-specific behaviour
// ============================================================

func TestStore_RejectsOversizedIDs(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()

	err := s.CreateClient(ctx, &storage.Client{ClientID: strings.Repeat("a", MaxIDLength+1)})
	if err == nil {
		t.Fatal("Expected error for oversized client ID")
	}

	err = s.SaveRefreshToken(ctx, &storage.RefreshToken{
		ID:        "t1",
		TokenHash: "h1",
		FamilyID:  strings.Repeat("f", MaxIDLength+1),
	})
	if err == nil {
		t.Fatal("Expected error for oversized family ID")
	}
}

func TestStore_DeleteExpiredCleansIndexes(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	token := &storage.RefreshToken{
		ID:        "t1",
		TokenHash: "h1",
		ClientID:  "c1",
		FamilyID:  "f1",
		CreatedAt: now.Add(-2 * time.Hour),
		ExpiresAt: now.Add(-time.Hour),
	}
	if err := s.SaveRefreshToken(ctx, token); err != nil {
		t.Fatalf("SaveRefreshToken() error = %v", err)
	}

	n, err := s.DeleteExpired(ctx, now)
	if err != nil {
		t.Fatalf("DeleteExpired() error = %v", err)
	}
	if n != 1 {
		t.Errorf("DeleteExpired() = %d, want 1", n)
	}

	for _, key := range []string{
		s.key(segTokenHash, "h1"),
		s.key(segFamily, "f1"),
		s.key(segClientTokens, "c1"),
	} {
		exists, err := s.client.Do(ctx, s.client.B().Exists().Key(key).Build()).AsInt64()
		if err != nil {
			t.Fatalf("EXISTS %s error = %v", key, err)
		}
		if exists != 0 {
			t.Errorf("index key %s should be gone", key)
		}
	}
}

func TestStore_SaveAuthorizationCodeIndexes(t *testing.T) {
	s := testStore(t)
	ctx := context.Background()
	expires := time.Date(2026, 3, 1, 12, 10, 0, 0, time.UTC)

	code := &storage.AuthorizationCode{
		CodeHash:  "code-1",
		ClientID:  "c1",
		UserID:    "u1",
		ExpiresAt: expires,
	}
	if err := s.SaveAuthorizationCode(ctx, code); err != nil {
		t.Fatalf("SaveAuthorizationCode() error = %v", err)
	}

	member, err := s.client.Do(ctx, s.client.B().Sismember().Key(s.key(segClientCodes, "c1")).Member("code-1").Build()).AsBool()
	if err != nil {
		t.Fatalf("SISMEMBER error = %v", err)
	}
	if !member {
		t.Error("code missing from the client codes index")
	}

	sc, err := s.client.Do(ctx, s.client.B().Zscore().Key(s.prefix+segCodeExpiry).Member("code-1").Build()).AsFloat64()
	if err != nil {
		t.Fatalf("ZSCORE error = %v", err)
	}
	if int64(sc) != expires.UnixMilli() {
		t.Errorf("expiry score = %v, want %d", sc, expires.UnixMilli())
	}

	got, err := s.GetAuthorizationCode(ctx, "code-1")
	if err != nil {
		t.Fatalf("GetAuthorizationCode() error = %v", err)
	}
	if got.Used || got.Revoked {
		t.Error("a new code must be neither used nor revoked")
	}

	if err := s.SaveAuthorizationCode(ctx, code); !errors.Is(err, storage.ErrAlreadyExists) {
		t.Errorf("second SaveAuthorizationCode() error = %v, want ErrAlreadyExists", err)
	}
}

func TestKeyHelpers(t *testing.T) {
	s := &Store{prefix: "oauth:"}

	tests := []struct {
		got  string
		want string
	}{
		{s.key(segClient, "c1"), "oauth:client:c1"},
		{s.key(segConsentActive, "u1", "c1"), "oauth:consent_active:u1:c1"},
		{s.key(segToken, "t1"), "oauth:rt:t1"},
		{s.prefix + segTokenExpiry, "oauth:expiry:tokens"},
	}
	for _, tt := range tests {
		if tt.got != tt.want {
			t.Errorf("key = %q, want %q", tt.got, tt.want)
		}
	}
}

func TestTimeEncoding(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.FixedZone("CET", 3600))

	if got := parseTime(formatTime(at)); !got.Equal(at) {
		t.Errorf("round trip = %v, want %v", got, at)
	}
	if formatTime(time.Time{}) != "" {
		t.Error("zero time should encode as empty string")
	}
	if !parseTime("").IsZero() || !parseTime("garbage").IsZero() {
		t.Error("empty or invalid input should decode to the zero time")
	}
	if score(time.Time{}) != "" {
		t.Error("zero time should have no score")
	}
}

package server

import (
	"context"
	"testing"
	"time"

	"golang.org/x/crypto/bcrypt"

	"github.com/giantswarm/oauth-core/internal/testutil"
	"github.com/giantswarm/oauth-core/storage"
	"github.com/giantswarm/oauth-core/storage/memory"
)

const (
	testIssuer      = "https://auth.example.com"
	testRedirectURI = "https://app.example/cb"
	testOtherURI    = "https://app.example/other"
	testUserID      = "user-123"
	testProduct     = "galleries_api"
	scopeRead       = "galleries.read"
	scopeWrite      = "galleries.write"
)

var (
	testSigningKey = []byte("test-signing-key-that-is-32-bytes!!")
	testBaseTime   = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	testAdmin     = Principal{UserID: "admin-1", Role: RoleAdmin}
	testDeveloper = Principal{UserID: "dev-1", Role: RoleDeveloper}
)

// setupTestServer creates a server over a fresh memory store with a mock
// clock. Options adjust the config before New applies defaults.
func setupTestServer(t *testing.T, opts ...func(*Config)) (*Server, *memory.Store, *testutil.MockTime) {
	t.Helper()

	store := memory.NewWithInterval(0)
	t.Cleanup(func() { _ = store.Close() })

	config := &Config{
		Issuer:                testIssuer,
		AccessTokenSigningKey: testSigningKey,
		BcryptCost:            bcrypt.MinCost,
		HashWorkers:           4,
	}
	for _, opt := range opts {
		opt(config)
	}

	srv, err := New(store, config, testutil.DiscardLogger())
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	clock := testutil.NewMockTime(testBaseTime)
	srv.SetClock(clock.Now)
	return srv, store, clock
}

// setupGalleryClient registers a client of the given type with testRedirectURI
// and the galleries_api product (galleries.read, galleries.write) enabled.
func setupGalleryClient(t *testing.T, srv *Server, clientType storage.ClientType) *storage.Client {
	t.Helper()
	ctx := context.Background()

	client, err := srv.RegisterClient(ctx, testDeveloper, RegisterClientRequest{
		Name: "Gallery App",
		Type: clientType,
	})
	if err != nil {
		t.Fatalf("RegisterClient() error = %v", err)
	}
	if err := srv.AddRedirectURI(ctx, testDeveloper, client.ClientID, testRedirectURI); err != nil {
		t.Fatalf("AddRedirectURI() error = %v", err)
	}
	if err := srv.AddRedirectURI(ctx, testDeveloper, client.ClientID, testOtherURI); err != nil {
		t.Fatalf("AddRedirectURI() error = %v", err)
	}

	ensureGalleryCatalog(t, srv)
	if err := srv.EnableAPIProduct(ctx, testAdmin, client.ClientID, testProduct); err != nil {
		t.Fatalf("EnableAPIProduct() error = %v", err)
	}
	return client
}

// ensureGalleryCatalog creates the galleries_api product once per server.
func ensureGalleryCatalog(t *testing.T, srv *Server) {
	t.Helper()
	ctx := context.Background()

	if _, err := srv.store.GetAPIProduct(ctx, testProduct); err == nil {
		return
	}
	if _, err := srv.CreateAPIProduct(ctx, testAdmin, testProduct, "Photo galleries"); err != nil {
		t.Fatalf("CreateAPIProduct() error = %v", err)
	}
	for _, scope := range []string{scopeRead, scopeWrite} {
		if _, err := srv.CreateScope(ctx, testAdmin, scope, "", testProduct); err != nil {
			t.Fatalf("CreateScope(%s) error = %v", scope, err)
		}
	}
}

func recordConsent(t *testing.T, srv *Server, clientID string, scopes ...string) {
	t.Helper()
	if _, err := srv.RecordConsent(context.Background(), testUserID, clientID, scopes); err != nil {
		t.Fatalf("RecordConsent() error = %v", err)
	}
}

// issueTestCode issues an S256 code for testRedirectURI and returns it with its verifier.
func issueTestCode(t *testing.T, srv *Server, clientID string, scopes ...string) (string, string) {
	t.Helper()

	challenge, verifier := testutil.GeneratePKCEPair()
	issued, err := srv.IssueCode(context.Background(), IssueCodeRequest{
		ClientID:            clientID,
		UserID:              testUserID,
		RedirectURI:         testRedirectURI,
		Scopes:              scopes,
		CodeChallenge:       challenge,
		CodeChallengeMethod: PKCEMethodS256,
	})
	if err != nil {
		t.Fatalf("IssueCode() error = %v", err)
	}
	return issued.Code, verifier
}

// setupRefreshToken runs the whole flow for a public gallery client and
// returns the client and the first token response.
func setupRefreshToken(t *testing.T, srv *Server, scopes ...string) (*storage.Client, *TokenResponse) {
	t.Helper()

	client := setupGalleryClient(t, srv, storage.ClientTypePublic)
	recordConsent(t, srv, client.ClientID, scopes...)
	code, verifier := issueTestCode(t, srv, client.ClientID, scopes...)

	resp, err := srv.RedeemCode(context.Background(), RedeemCodeRequest{
		Code:         code,
		ClientID:     client.ClientID,
		RedirectURI:  testRedirectURI,
		CodeVerifier: verifier,
	})
	if err != nil {
		t.Fatalf("RedeemCode() error = %v", err)
	}
	return client, resp
}

// familyOf returns every token of a family, oldest first.
func familyOf(t *testing.T, srv *Server, familyID string) []*storage.RefreshToken {
	t.Helper()
	family, err := srv.store.ListRefreshTokenFamily(context.Background(), familyID)
	if err != nil {
		t.Fatalf("ListRefreshTokenFamily() error = %v", err)
	}
	return family
}

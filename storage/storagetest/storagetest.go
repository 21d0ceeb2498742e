// Package storagetest provides the conformance suite every storage.Store
// implementation must pass.
package storagetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/oauth-core/storage"
)

// Factory returns an empty store. The suite closes it when the test ends.
type Factory func(t *testing.T) storage.Store

var baseTime = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// Run executes the conformance suite against stores built by newStore.
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s storage.Store)
	}{
		{"Clients", testClients},
		{"RedirectURIs", testRedirectURIs},
		{"AuthorizedDomains", testAuthorizedDomains},
		{"ClientSecrets", testClientSecrets},
		{"Catalog", testCatalog},
		{"Consent", testConsent},
		{"AuthorizationCodes", testAuthorizationCodes},
		{"RedeemAuthorizationCode_Concurrent", testRedeemConcurrent},
		{"RefreshTokens", testRefreshTokens},
		{"RotateRefreshToken_Concurrent", testRotateConcurrent},
		{"RevokeRefreshTokenFamily", testRevokeFamily},
		{"DeactivateClient", testDeactivateClient},
		{"DeleteExpired", testDeleteExpired},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { _ = s.Close() })
			tt.fn(t, s)
		})
	}
}

func newClient(id string, clientType storage.ClientType) *storage.Client {
	return &storage.Client{
		ClientID:  id,
		OwnerID:   "owner-1",
		Name:      "Client " + id,
		Type:      clientType,
		Active:    true,
		CreatedAt: baseTime,
		UpdatedAt: baseTime,
	}
}

func newCode(hash, clientID string) *storage.AuthorizationCode {
	return &storage.AuthorizationCode{
		CodeHash:            hash,
		ClientID:            clientID,
		UserID:              "user-1",
		RedirectURI:         "https://app.example/cb",
		Scopes:              []string{"galleries.read"},
		CodeChallenge:       "challenge",
		CodeChallengeMethod: "S256",
		CreatedAt:           baseTime,
		ExpiresAt:           baseTime.Add(10 * time.Minute),
	}
}

func newToken(familyID, parentID, clientID string, offset time.Duration) *storage.RefreshToken {
	id := uuid.NewString()
	return &storage.RefreshToken{
		ID:        id,
		TokenHash: "hash-" + id,
		Hint:      "abcd",
		ClientID:  clientID,
		UserID:    "user-1",
		FamilyID:  familyID,
		ParentID:  parentID,
		Scopes:    []string{"galleries.read"},
		CreatedAt: baseTime.Add(offset),
		ExpiresAt: baseTime.Add(offset + 24*time.Hour),
	}
}

func testClients(t *testing.T, s storage.Store) {
	ctx := context.Background()

	require.NoError(t, s.CreateClient(ctx, newClient("c1", storage.ClientTypePublic)))
	second := newClient("c2", storage.ClientTypeConfidential)
	second.CreatedAt = baseTime.Add(time.Second)
	second.Metadata.HomepageURL = "https://app.example"
	require.NoError(t, s.CreateClient(ctx, second))

	err := s.CreateClient(ctx, newClient("c1", storage.ClientTypePublic))
	assert.ErrorIs(t, err, storage.ErrAlreadyExists)

	got, err := s.GetClient(ctx, "c2")
	require.NoError(t, err)
	assert.Equal(t, storage.ClientTypeConfidential, got.Type)
	assert.Equal(t, "https://app.example", got.Metadata.HomepageURL)
	assert.True(t, got.Active)
	assert.True(t, got.CreatedAt.Equal(second.CreatedAt))

	// Mutating the returned copy must not affect the store
	got.Active = false
	again, err := s.GetClient(ctx, "c2")
	require.NoError(t, err)
	assert.True(t, again.Active)

	_, err = s.GetClient(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	owned, err := s.ListClientsByOwner(ctx, "owner-1")
	require.NoError(t, err)
	require.Len(t, owned, 2)
	assert.Equal(t, "c1", owned[0].ClientID)

	none, err := s.ListClientsByOwner(ctx, "someone-else")
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testRedirectURIs(t *testing.T, s storage.Store) {
	ctx := context.Background()
	require.NoError(t, s.CreateClient(ctx, newClient("c1", storage.ClientTypePublic)))

	add := func(uri string) error {
		return s.AddRedirectURI(ctx, &storage.RedirectURI{ClientID: "c1", URI: uri, CreatedAt: baseTime})
	}

	require.NoError(t, add("https://app.example/cb"))
	require.NoError(t, add("https://app.example/other"))
	assert.ErrorIs(t, add("https://app.example/cb"), storage.ErrAlreadyExists)

	uris, err := s.ListRedirectURIs(ctx, "c1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"https://app.example/cb", "https://app.example/other"}, uris)

	require.NoError(t, s.RemoveRedirectURI(ctx, "c1", "https://app.example/cb"))
	assert.ErrorIs(t, s.RemoveRedirectURI(ctx, "c1", "https://app.example/cb"), storage.ErrNotFound)

	uris, err = s.ListRedirectURIs(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"https://app.example/other"}, uris)

	// Other clients may register the same URI
	require.NoError(t, s.AddRedirectURI(ctx, &storage.RedirectURI{ClientID: "c2", URI: "https://app.example/other"}))
}

func testAuthorizedDomains(t *testing.T, s storage.Store) {
	ctx := context.Background()

	add := func(origin string) error {
		return s.AddAuthorizedDomain(ctx, &storage.AuthorizedDomain{ClientID: "c1", Origin: origin, CreatedAt: baseTime})
	}

	require.NoError(t, add("https://app.example"))
	assert.ErrorIs(t, add("https://app.example"), storage.ErrAlreadyExists)

	origins, err := s.ListAuthorizedDomains(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"https://app.example"}, origins)

	origins, err = s.ListAuthorizedDomains(ctx, "unknown")
	require.NoError(t, err)
	assert.Empty(t, origins)
}

func testClientSecrets(t *testing.T, s storage.Store) {
	ctx := context.Background()

	for i := range 2 {
		require.NoError(t, s.CreateClientSecret(ctx, &storage.ClientSecret{
			ID:        fmt.Sprintf("s%d", i),
			ClientID:  "c1",
			Hash:      fmt.Sprintf("$2a$hash%d", i),
			Hint:      "wxyz",
			Active:    true,
			CreatedAt: baseTime.Add(time.Duration(i) * time.Second),
		}))
	}

	secrets, err := s.ListClientSecrets(ctx, "c1")
	require.NoError(t, err)
	require.Len(t, secrets, 2)

	require.NoError(t, s.DeactivateClientSecret(ctx, "c1", "s0"))
	assert.ErrorIs(t, s.DeactivateClientSecret(ctx, "c1", "missing"), storage.ErrNotFound)

	secrets, err = s.ListClientSecrets(ctx, "c1")
	require.NoError(t, err)
	active := map[string]bool{}
	for _, sec := range secrets {
		active[sec.ID] = sec.Active
	}
	assert.Equal(t, map[string]bool{"s0": false, "s1": true}, active)
}

func testCatalog(t *testing.T, s storage.Store) {
	ctx := context.Background()

	require.NoError(t, s.CreateAPIProduct(ctx, &storage.APIProduct{Name: "galleries_api", CreatedAt: baseTime}))
	assert.ErrorIs(t, s.CreateAPIProduct(ctx, &storage.APIProduct{Name: "galleries_api"}), storage.ErrAlreadyExists)

	product, err := s.GetAPIProduct(ctx, "galleries_api")
	require.NoError(t, err)
	assert.Equal(t, "galleries_api", product.Name)
	_, err = s.GetAPIProduct(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	for _, sc := range []*storage.Scope{
		{Name: "galleries.write", APIProduct: "galleries_api"},
		{Name: "galleries.read", APIProduct: "galleries_api"},
		{Name: "offline_access"},
	} {
		require.NoError(t, s.CreateScope(ctx, sc))
	}
	assert.ErrorIs(t, s.CreateScope(ctx, &storage.Scope{Name: "offline_access"}), storage.ErrAlreadyExists)

	scope, err := s.GetScope(ctx, "galleries.read")
	require.NoError(t, err)
	assert.Equal(t, "galleries_api", scope.APIProduct)
	_, err = s.GetScope(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	inProduct, err := s.ListScopesByProduct(ctx, "galleries_api")
	require.NoError(t, err)
	assert.Equal(t, []string{"galleries.read", "galleries.write"}, inProduct)

	// Idempotent toggles
	require.NoError(t, s.SetAPIProductEnabled(ctx, "c1", "galleries_api", true))
	require.NoError(t, s.SetAPIProductEnabled(ctx, "c1", "galleries_api", true))
	enabled, err := s.ListEnabledAPIProducts(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"galleries_api"}, enabled)

	require.NoError(t, s.SetAPIProductEnabled(ctx, "c1", "galleries_api", false))
	require.NoError(t, s.SetAPIProductEnabled(ctx, "c1", "galleries_api", false))
	enabled, err = s.ListEnabledAPIProducts(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, enabled)

	require.NoError(t, s.SetScopeAllowed(ctx, "c1", "offline_access", true))
	require.NoError(t, s.SetScopeAllowed(ctx, "c1", "offline_access", true))
	allowed, err := s.ListAllowedScopes(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"offline_access"}, allowed)

	require.NoError(t, s.SetScopeAllowed(ctx, "c1", "offline_access", false))
	allowed, err = s.ListAllowedScopes(ctx, "c1")
	require.NoError(t, err)
	assert.Empty(t, allowed)
}

func testConsent(t *testing.T, s storage.Store) {
	ctx := context.Background()

	_, err := s.GetActiveConsent(ctx, "user-1", "c1")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	first, err := s.UpsertConsent(ctx, &storage.ConsentGrant{
		ID:            "g1",
		UserID:        "user-1",
		ClientID:      "c1",
		GrantedScopes: []string{"galleries.read"},
		CreatedAt:     baseTime,
		UpdatedAt:     baseTime,
	})
	require.NoError(t, err)
	assert.True(t, first.Active)
	assert.Equal(t, "g1", first.ID)

	// Upsert on an active grant updates it in place
	updated, err := s.UpsertConsent(ctx, &storage.ConsentGrant{
		ID:            "ignored",
		UserID:        "user-1",
		ClientID:      "c1",
		GrantedScopes: []string{"galleries.read", "galleries.write"},
		CreatedAt:     baseTime.Add(time.Minute),
		UpdatedAt:     baseTime.Add(time.Minute),
	})
	require.NoError(t, err)
	assert.Equal(t, "g1", updated.ID)
	assert.Equal(t, []string{"galleries.read", "galleries.write"}, updated.GrantedScopes)

	active, err := s.GetActiveConsent(ctx, "user-1", "c1")
	require.NoError(t, err)
	assert.Equal(t, "g1", active.ID)
	assert.Equal(t, []string{"galleries.read", "galleries.write"}, active.GrantedScopes)

	require.NoError(t, s.RevokeConsent(ctx, "user-1", "c1", baseTime.Add(2*time.Minute)))
	assert.ErrorIs(t, s.RevokeConsent(ctx, "user-1", "c1", baseTime), storage.ErrNotFound)

	_, err = s.GetActiveConsent(ctx, "user-1", "c1")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	// A new grant after revocation is a new row; history keeps the old one
	_, err = s.UpsertConsent(ctx, &storage.ConsentGrant{
		ID:            "g2",
		UserID:        "user-1",
		ClientID:      "c1",
		GrantedScopes: []string{"galleries.read"},
		CreatedAt:     baseTime.Add(3 * time.Minute),
		UpdatedAt:     baseTime.Add(3 * time.Minute),
	})
	require.NoError(t, err)

	history, err := s.ListConsentHistory(ctx, "user-1", "c1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "g1", history[0].ID)
	assert.False(t, history[0].Active)
	assert.False(t, history[0].RevokedAt.IsZero())
	assert.Equal(t, "g2", history[1].ID)
	assert.True(t, history[1].Active)

	// Grants are per (user, client)
	_, err = s.GetActiveConsent(ctx, "user-2", "c1")
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testAuthorizationCodes(t *testing.T, s storage.Store) {
	ctx := context.Background()

	code := newCode("code-hash-1", "c1")
	require.NoError(t, s.SaveAuthorizationCode(ctx, code))

	got, err := s.GetAuthorizationCode(ctx, "code-hash-1")
	require.NoError(t, err)
	assert.Equal(t, code.RedirectURI, got.RedirectURI)
	assert.Equal(t, code.Scopes, got.Scopes)
	assert.Equal(t, "S256", got.CodeChallengeMethod)
	assert.False(t, got.Used)

	_, err = s.GetAuthorizationCode(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	root := newToken("family-1", "", "c1", 0)
	require.NoError(t, s.RedeemAuthorizationCode(ctx, "code-hash-1", root, baseTime.Add(time.Second)))

	got, err = s.GetAuthorizationCode(ctx, "code-hash-1")
	require.NoError(t, err)
	assert.True(t, got.Used)
	assert.Equal(t, "family-1", got.FamilyID)

	stored, err := s.GetRefreshTokenByHash(ctx, root.TokenHash)
	require.NoError(t, err)
	assert.Equal(t, root.ID, stored.ID)
	assert.Empty(t, stored.ParentID)

	// Second redemption fails and inserts nothing
	second := newToken("family-2", "", "c1", 0)
	err = s.RedeemAuthorizationCode(ctx, "code-hash-1", second, baseTime.Add(2*time.Second))
	assert.ErrorIs(t, err, storage.ErrAuthorizationCodeUsed)
	_, err = s.GetRefreshToken(ctx, second.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	err = s.RedeemAuthorizationCode(ctx, "missing", newToken("family-3", "", "c1", 0), baseTime)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testRedeemConcurrent(t *testing.T, s storage.Store) {
	ctx := context.Background()
	require.NoError(t, s.SaveAuthorizationCode(ctx, newCode("race-code", "c1")))

	const racers = 16
	var (
		wg       sync.WaitGroup
		wins     atomic.Int32
		failures atomic.Int32
		start    = make(chan struct{})
	)

	for i := range racers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			root := newToken(fmt.Sprintf("family-%d", i), "", "c1", 0)
			err := s.RedeemAuthorizationCode(ctx, "race-code", root, baseTime)
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, storage.ErrAuthorizationCodeUsed):
				failures.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load(), "exactly one redemption must win")
	assert.Equal(t, int32(racers-1), failures.Load())
}

func testRefreshTokens(t *testing.T, s storage.Store) {
	ctx := context.Background()

	root := newToken("family-1", "", "c1", 0)
	require.NoError(t, s.SaveRefreshToken(ctx, root))
	assert.ErrorIs(t, s.SaveRefreshToken(ctx, root), storage.ErrAlreadyExists)

	got, err := s.GetRefreshToken(ctx, root.ID)
	require.NoError(t, err)
	assert.Equal(t, root.TokenHash, got.TokenHash)
	assert.Equal(t, "abcd", got.Hint)
	assert.True(t, got.IsCurrent())

	_, err = s.GetRefreshTokenByHash(ctx, "missing")
	assert.ErrorIs(t, err, storage.ErrNotFound)

	child := newToken("family-1", root.ID, "c1", time.Second)
	require.NoError(t, s.RotateRefreshToken(ctx, root.ID, child, baseTime.Add(time.Second)))

	parent, err := s.GetRefreshToken(ctx, root.ID)
	require.NoError(t, err)
	assert.True(t, parent.Used)
	assert.False(t, parent.Revoked)

	storedChild, err := s.GetRefreshTokenByHash(ctx, child.TokenHash)
	require.NoError(t, err)
	assert.Equal(t, root.ID, storedChild.ParentID)
	assert.True(t, storedChild.IsCurrent())

	// Rotating the used parent again loses
	again := newToken("family-1", root.ID, "c1", 2*time.Second)
	err = s.RotateRefreshToken(ctx, root.ID, again, baseTime.Add(2*time.Second))
	assert.ErrorIs(t, err, storage.ErrRefreshTokenUsed)
	_, err = s.GetRefreshToken(ctx, again.ID)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	err = s.RotateRefreshToken(ctx, "missing", newToken("family-1", "missing", "c1", 0), baseTime)
	assert.ErrorIs(t, err, storage.ErrNotFound)

	family, err := s.ListRefreshTokenFamily(ctx, "family-1")
	require.NoError(t, err)
	require.Len(t, family, 2)
	assert.Equal(t, root.ID, family[0].ID)
	assert.Equal(t, child.ID, family[1].ID)

	// A revoked token cannot be rotated
	_, err = s.RevokeRefreshTokenFamily(ctx, "family-1", storage.RevokedReasonClientRequest, baseTime.Add(3*time.Second))
	require.NoError(t, err)
	err = s.RotateRefreshToken(ctx, child.ID, newToken("family-1", child.ID, "c1", 4*time.Second), baseTime.Add(4*time.Second))
	assert.ErrorIs(t, err, storage.ErrRefreshTokenRevoked)
}

func testRotateConcurrent(t *testing.T, s storage.Store) {
	ctx := context.Background()

	root := newToken("family-race", "", "c1", 0)
	require.NoError(t, s.SaveRefreshToken(ctx, root))

	const racers = 16
	var (
		wg    sync.WaitGroup
		wins  atomic.Int32
		lost  atomic.Int32
		start = make(chan struct{})
	)

	for range racers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			child := newToken("family-race", root.ID, "c1", time.Second)
			err := s.RotateRefreshToken(ctx, root.ID, child, baseTime.Add(time.Second))
			switch {
			case err == nil:
				wins.Add(1)
			case errors.Is(err, storage.ErrRefreshTokenUsed):
				lost.Add(1)
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	close(start)
	wg.Wait()

	assert.Equal(t, int32(1), wins.Load(), "exactly one rotation must win")
	assert.Equal(t, int32(racers-1), lost.Load())

	family, err := s.ListRefreshTokenFamily(ctx, "family-race")
	require.NoError(t, err)
	assert.Len(t, family, 2, "only the winner's child may be inserted")

	current := 0
	for _, tok := range family {
		if tok.IsCurrent() {
			current++
		}
	}
	assert.Equal(t, 1, current, "a family has at most one current token")
}

func testRevokeFamily(t *testing.T, s storage.Store) {
	ctx := context.Background()

	root := newToken("family-1", "", "c1", 0)
	child := newToken("family-1", root.ID, "c1", time.Second)
	other := newToken("family-2", "", "c1", 0)
	require.NoError(t, s.SaveRefreshToken(ctx, root))
	require.NoError(t, s.RotateRefreshToken(ctx, root.ID, child, baseTime.Add(time.Second)))
	require.NoError(t, s.SaveRefreshToken(ctx, other))

	at := baseTime.Add(time.Minute)
	n, err := s.RevokeRefreshTokenFamily(ctx, "family-1", storage.RevokedReasonReuseDetected, at)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// Already revoked tokens are not counted again
	n, err = s.RevokeRefreshTokenFamily(ctx, "family-1", storage.RevokedReasonReuseDetected, at)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	family, err := s.ListRefreshTokenFamily(ctx, "family-1")
	require.NoError(t, err)
	for _, tok := range family {
		assert.True(t, tok.Revoked)
		assert.Equal(t, storage.RevokedReasonReuseDetected, tok.RevokedReason)
		assert.True(t, tok.RevokedAt.Equal(at))
	}

	untouched, err := s.GetRefreshToken(ctx, other.ID)
	require.NoError(t, err)
	assert.False(t, untouched.Revoked, "other families must not be affected")

	n, err = s.RevokeRefreshTokenFamily(ctx, "unknown", storage.RevokedReasonReuseDetected, at)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func testDeactivateClient(t *testing.T, s storage.Store) {
	ctx := context.Background()

	require.NoError(t, s.CreateClient(ctx, newClient("c1", storage.ClientTypeConfidential)))
	require.NoError(t, s.CreateClient(ctx, newClient("c2", storage.ClientTypeConfidential)))
	require.NoError(t, s.SaveAuthorizationCode(ctx, newCode("pending", "c1")))
	require.NoError(t, s.SaveAuthorizationCode(ctx, newCode("other-client", "c2")))

	mine := newToken("family-1", "", "c1", 0)
	theirs := newToken("family-2", "", "c2", 0)
	require.NoError(t, s.SaveRefreshToken(ctx, mine))
	require.NoError(t, s.SaveRefreshToken(ctx, theirs))

	n, err := s.DeactivateClient(ctx, "c1", storage.RevokedReasonClientDeactivated, baseTime.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	client, err := s.GetClient(ctx, "c1")
	require.NoError(t, err)
	assert.False(t, client.Active)

	code, err := s.GetAuthorizationCode(ctx, "pending")
	require.NoError(t, err)
	assert.True(t, code.Revoked)
	err = s.RedeemAuthorizationCode(ctx, "pending", newToken("family-3", "", "c1", 0), baseTime)
	assert.ErrorIs(t, err, storage.ErrAuthorizationCodeUsed, "revoked codes cannot be redeemed")

	tok, err := s.GetRefreshToken(ctx, mine.ID)
	require.NoError(t, err)
	assert.True(t, tok.Revoked)
	assert.Equal(t, storage.RevokedReasonClientDeactivated, tok.RevokedReason)

	otherCode, err := s.GetAuthorizationCode(ctx, "other-client")
	require.NoError(t, err)
	assert.False(t, otherCode.Revoked)
	otherTok, err := s.GetRefreshToken(ctx, theirs.ID)
	require.NoError(t, err)
	assert.False(t, otherTok.Revoked)

	_, err = s.DeactivateClient(ctx, "missing", storage.RevokedReasonClientDeactivated, baseTime)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func testDeleteExpired(t *testing.T, s storage.Store) {
	ctx := context.Background()
	expired := func(c *storage.AuthorizationCode) *storage.AuthorizationCode {
		c.ExpiresAt = baseTime.Add(-time.Minute)
		return c
	}

	require.NoError(t, s.SaveAuthorizationCode(ctx, expired(newCode("expired", "c1"))))
	require.NoError(t, s.SaveAuthorizationCode(ctx, newCode("live", "c1")))

	// family-1: an expired, rotated root whose child is still current.
	require.NoError(t, s.SaveAuthorizationCode(ctx, expired(newCode("redeemed-live", "c1"))))
	root1 := newToken("family-1", "", "c1", -25*time.Hour)
	require.NoError(t, s.RedeemAuthorizationCode(ctx, "redeemed-live", root1, root1.CreatedAt))
	child1 := newToken("family-1", root1.ID, "c1", 0)
	require.NoError(t, s.RotateRefreshToken(ctx, root1.ID, child1, baseTime))

	// family-2: every member expired.
	require.NoError(t, s.SaveAuthorizationCode(ctx, expired(newCode("redeemed-dead", "c1"))))
	root2 := newToken("family-2", "", "c1", -25*time.Hour)
	require.NoError(t, s.RedeemAuthorizationCode(ctx, "redeemed-dead", root2, root2.CreatedAt))
	child2 := newToken("family-2", root2.ID, "c1", -24*time.Hour-30*time.Minute)
	require.NoError(t, s.RotateRefreshToken(ctx, root2.ID, child2, child2.CreatedAt))

	// family-3: one member expired, the other unexpired but revoked.
	root3 := newToken("family-3", "", "c1", -25*time.Hour)
	require.NoError(t, s.SaveRefreshToken(ctx, root3))
	child3 := newToken("family-3", root3.ID, "c1", 0)
	require.NoError(t, s.RotateRefreshToken(ctx, root3.ID, child3, baseTime))
	_, err := s.RevokeRefreshTokenFamily(ctx, "family-3", storage.RevokedReasonClientRequest, baseTime)
	require.NoError(t, err)

	n, err := s.DeleteExpired(ctx, baseTime)
	require.NoError(t, err)
	assert.Equal(t, 6, n)

	for _, hash := range []string{"expired", "redeemed-dead"} {
		_, err = s.GetAuthorizationCode(ctx, hash)
		assert.ErrorIs(t, err, storage.ErrNotFound, hash)
	}
	for _, hash := range []string{"live", "redeemed-live"} {
		_, err = s.GetAuthorizationCode(ctx, hash)
		assert.NoError(t, err, hash)
	}

	// The expired ancestor of a live family is kept so replaying it is
	// still seen as a used token.
	replayed, err := s.GetRefreshTokenByHash(ctx, root1.TokenHash)
	require.NoError(t, err)
	assert.True(t, replayed.Used)
	family, err := s.ListRefreshTokenFamily(ctx, "family-1")
	require.NoError(t, err)
	assert.Len(t, family, 2)

	for _, tok := range []*storage.RefreshToken{root2, child2, root3, child3} {
		_, err = s.GetRefreshTokenByHash(ctx, tok.TokenHash)
		assert.ErrorIs(t, err, storage.ErrNotFound)
	}
	for _, familyID := range []string{"family-2", "family-3"} {
		family, err = s.ListRefreshTokenFamily(ctx, familyID)
		require.NoError(t, err)
		assert.Empty(t, family, familyID)
	}

	// Once the whole family has expired it goes, and its code with it.
	n, err = s.DeleteExpired(ctx, baseTime.Add(48*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	_, err = s.GetAuthorizationCode(ctx, "redeemed-live")
	assert.ErrorIs(t, err, storage.ErrNotFound)
	_, err = s.GetRefreshTokenByHash(ctx, child1.TokenHash)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

package server

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/oauth-core/internal/testutil"
	"github.com/giantswarm/oauth-core/security"
	"github.com/giantswarm/oauth-core/storage"
)

// ============================================================
// Rotation
// ============================================================

func TestServer_Rotate(t *testing.T) {
	ctx := context.Background()
	srv, _, _ := setupTestServer(t)
	_, first := setupRefreshToken(t, srv, scopeRead, scopeWrite)

	second, err := srv.Rotate(ctx, first.RefreshToken, nil)
	require.NoError(t, err)

	assert.NotEqual(t, first.RefreshToken, second.RefreshToken)
	assert.Equal(t, first.FamilyID, second.FamilyID)
	assert.Equal(t, []string{scopeRead, scopeWrite}, second.Scopes)

	family := familyOf(t, srv, first.FamilyID)
	require.Len(t, family, 2)
	parent, child := family[0], family[1]
	assert.True(t, parent.Used, "parent must be marked used")
	assert.False(t, parent.Revoked)
	assert.Equal(t, parent.ID, child.ParentID)
	assert.True(t, child.IsCurrent())
	assert.Equal(t, security.HashToken(second.RefreshToken), child.TokenHash)
}

func TestServer_Rotate_ScopeMonotonicity(t *testing.T) {
	ctx := context.Background()
	srv, _, _ := setupTestServer(t)
	_, resp := setupRefreshToken(t, srv, scopeRead, scopeWrite)

	narrowed, err := srv.Rotate(ctx, resp.RefreshToken, []string{scopeRead})
	require.NoError(t, err)
	assert.Equal(t, []string{scopeRead}, narrowed.Scopes)

	// Asking for a dropped scope never brings it back.
	widened, err := srv.Rotate(ctx, narrowed.RefreshToken, []string{scopeRead, scopeWrite})
	require.NoError(t, err)
	assert.Equal(t, []string{scopeRead}, widened.Scopes)

	// An empty request keeps the current set.
	same, err := srv.Rotate(ctx, widened.RefreshToken, nil)
	require.NoError(t, err)
	assert.Equal(t, []string{scopeRead}, same.Scopes)

	family := familyOf(t, srv, resp.FamilyID)
	for i := 1; i < len(family); i++ {
		for _, scope := range family[i].Scopes {
			assert.Contains(t, family[i-1].Scopes, scope, "child %d holds a scope its parent lacks", i)
		}
	}
}

func TestServer_Rotate_UnknownScopeOnly(t *testing.T) {
	ctx := context.Background()
	srv, _, _ := setupTestServer(t)
	_, resp := setupRefreshToken(t, srv, scopeRead)

	_, err := srv.Rotate(ctx, resp.RefreshToken, []string{scopeWrite})
	if !errors.Is(err, ErrInvalidScope) {
		t.Fatalf("Rotate() error = %v, want invalid_scope", err)
	}

	// A rejected request leaves the token usable.
	if _, err := srv.Rotate(ctx, resp.RefreshToken, nil); err != nil {
		t.Fatalf("Rotate() after scope rejection error = %v", err)
	}
}

func TestServer_Rotate_ReuseRevokesFamily(t *testing.T) {
	ctx := context.Background()
	srv, _, _ := setupTestServer(t)
	inst, reader := testutil.NewInstrumentation(t)
	srv.SetInstrumentation(inst)
	_, r1 := setupRefreshToken(t, srv, scopeRead)

	r2, err := srv.Rotate(ctx, r1.RefreshToken, nil)
	require.NoError(t, err)
	r3, err := srv.Rotate(ctx, r2.RefreshToken, nil)
	require.NoError(t, err)

	// Replaying the middle of the chain kills every token, including the newest.
	_, err = srv.Rotate(ctx, r2.RefreshToken, nil)
	require.ErrorIs(t, err, ErrTokenReuseDetected)
	require.ErrorIs(t, err, ErrInvalidGrant)

	for _, token := range familyOf(t, srv, r1.FamilyID) {
		assert.True(t, token.Revoked, "token %s not revoked", token.ID)
		assert.Equal(t, storage.RevokedReasonReuseDetected, token.RevokedReason)
	}

	_, err = srv.Rotate(ctx, r3.RefreshToken, nil)
	assert.ErrorIs(t, err, ErrInvalidGrant)
	assert.NotErrorIs(t, err, ErrTokenReuseDetected, "revoked tokens are not reported as reuse")

	assert.Equal(t, int64(1), testutil.MetricSum(t, reader, "oauth.token.reuse_detected"))
	assert.Equal(t, int64(1), testutil.MetricSum(t, reader, "oauth.token.families_revoked"))
	assert.Equal(t, int64(2), testutil.MetricSum(t, reader, "oauth.token.rotated"))
}

func TestServer_Rotate_ConcurrentRace(t *testing.T) {
	ctx := context.Background()
	srv, _, _ := setupTestServer(t)
	_, resp := setupRefreshToken(t, srv, scopeRead)

	const racers = 10
	var (
		wg        sync.WaitGroup
		mu        sync.Mutex
		successes []*TokenResponse
		errs      []error
	)
	start := make(chan struct{})
	for range racers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			<-start
			out, err := srv.Rotate(ctx, resp.RefreshToken, nil)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			successes = append(successes, out)
		}()
	}
	close(start)
	wg.Wait()

	require.Len(t, successes, 1, "exactly one rotation must win")
	for _, err := range errs {
		assert.ErrorIs(t, err, ErrInvalidGrant)
	}

	// Every loser saw a used token, so the family is dead, the winner's child included.
	for _, token := range familyOf(t, srv, resp.FamilyID) {
		assert.True(t, token.Revoked, "token %s survived the race", token.ID)
	}
	_, err := srv.Rotate(ctx, successes[0].RefreshToken, nil)
	assert.ErrorIs(t, err, ErrInvalidGrant)
}

func TestServer_Rotate_Rejections(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown token", func(t *testing.T) {
		srv, _, _ := setupTestServer(t)
		_, err := srv.Rotate(ctx, "not-a-token", nil)
		assert.ErrorIs(t, err, ErrInvalidGrant)
	})

	t.Run("empty token", func(t *testing.T) {
		srv, _, _ := setupTestServer(t)
		_, err := srv.Rotate(ctx, "", nil)
		assert.ErrorIs(t, err, ErrInvalidGrant)
	})

	t.Run("expired token", func(t *testing.T) {
		srv, _, clock := setupTestServer(t)
		_, resp := setupRefreshToken(t, srv, scopeRead)
		clock.Advance(DefaultRefreshTokenTTL*time.Second + time.Hour)

		_, err := srv.Rotate(ctx, resp.RefreshToken, nil)
		assert.ErrorIs(t, err, ErrInvalidGrant)
	})

	t.Run("within clock skew grace", func(t *testing.T) {
		srv, _, clock := setupTestServer(t)
		_, resp := setupRefreshToken(t, srv, scopeRead)
		clock.Advance(DefaultRefreshTokenTTL*time.Second + 2*time.Second)

		_, err := srv.Rotate(ctx, resp.RefreshToken, nil)
		assert.NoError(t, err)
	})

	t.Run("revoked family", func(t *testing.T) {
		srv, _, _ := setupTestServer(t)
		_, resp := setupRefreshToken(t, srv, scopeRead)
		n, err := srv.RevokeFamily(ctx, resp.FamilyID, "logout")
		require.NoError(t, err)
		assert.Equal(t, 1, n)

		_, err = srv.Rotate(ctx, resp.RefreshToken, nil)
		assert.ErrorIs(t, err, ErrInvalidGrant)
	})

	t.Run("deactivated client", func(t *testing.T) {
		srv, _, _ := setupTestServer(t)
		client, resp := setupRefreshToken(t, srv, scopeRead)
		_, err := srv.DeactivateClient(ctx, testDeveloper, client.ClientID)
		require.NoError(t, err)

		_, err = srv.Rotate(ctx, resp.RefreshToken, nil)
		assert.ErrorIs(t, err, ErrInvalidGrant)
	})

	t.Run("consent revoked", func(t *testing.T) {
		srv, _, _ := setupTestServer(t)
		client, resp := setupRefreshToken(t, srv, scopeRead)
		require.NoError(t, srv.RevokeConsent(ctx, testUserID, client.ClientID))

		_, err := srv.Rotate(ctx, resp.RefreshToken, nil)
		assert.ErrorIs(t, err, ErrInvalidGrant)
		assert.NotErrorIs(t, err, ErrTokenReuseDetected)
	})
}

// ============================================================
// Live narrowing
// ============================================================

func TestServer_Rotate_LiveNarrowing(t *testing.T) {
	ctx := context.Background()

	t.Run("disallowed scope drops out", func(t *testing.T) {
		srv, _, _ := setupTestServer(t)
		client, resp := setupRefreshToken(t, srv, scopeRead, scopeWrite)

		// Swap the product for an individual grant of read only.
		require.NoError(t, srv.AllowScope(ctx, testAdmin, client.ClientID, scopeRead))
		require.NoError(t, srv.DisableAPIProduct(ctx, testAdmin, client.ClientID, testProduct))

		out, err := srv.Rotate(ctx, resp.RefreshToken, nil)
		require.NoError(t, err)
		assert.Equal(t, []string{scopeRead}, out.Scopes)

		// Re-enabling the product does not widen the lineage again.
		require.NoError(t, srv.EnableAPIProduct(ctx, testAdmin, client.ClientID, testProduct))
		again, err := srv.Rotate(ctx, out.RefreshToken, nil)
		require.NoError(t, err)
		assert.Equal(t, []string{scopeRead}, again.Scopes)
	})

	t.Run("nothing left is rejected by default", func(t *testing.T) {
		srv, _, _ := setupTestServer(t)
		client, resp := setupRefreshToken(t, srv, scopeRead)
		require.NoError(t, srv.DisableAPIProduct(ctx, testAdmin, client.ClientID, testProduct))

		_, err := srv.Rotate(ctx, resp.RefreshToken, nil)
		require.ErrorIs(t, err, ErrInvalidScope)

		// No state change: the token is still current.
		family := familyOf(t, srv, resp.FamilyID)
		require.Len(t, family, 1)
		assert.True(t, family[0].IsCurrent())
	})

	t.Run("nothing left is allowed when configured", func(t *testing.T) {
		srv, _, _ := setupTestServer(t, func(c *Config) { c.AllowEmptyScopeTokens = true })
		client, resp := setupRefreshToken(t, srv, scopeRead)
		require.NoError(t, srv.DisableAPIProduct(ctx, testAdmin, client.ClientID, testProduct))

		out, err := srv.Rotate(ctx, resp.RefreshToken, nil)
		require.NoError(t, err)
		assert.Empty(t, out.Scopes)

		claims, err := srv.ValidateAccessToken(ctx, out.AccessToken)
		require.NoError(t, err)
		assert.Empty(t, claims.Scope)

		// An empty lineage stays empty even after the product returns.
		require.NoError(t, srv.EnableAPIProduct(ctx, testAdmin, client.ClientID, testProduct))
		next, err := srv.Rotate(ctx, out.RefreshToken, nil)
		require.NoError(t, err)
		assert.Empty(t, next.Scopes)
	})
}

// ============================================================
// RefreshGrant
// ============================================================

func TestServer_RefreshGrant(t *testing.T) {
	ctx := context.Background()
	srv, _, _ := setupTestServer(t)
	client, resp := setupRefreshToken(t, srv, scopeRead)
	other := setupGalleryClient(t, srv, storage.ClientTypePublic)

	_, err := srv.RefreshGrant(ctx, ClientCredentials{ClientID: other.ClientID}, resp.RefreshToken, nil)
	require.ErrorIs(t, err, ErrInvalidGrant)

	// The foreign client's attempt did not consume the token.
	out, err := srv.RefreshGrant(ctx, ClientCredentials{ClientID: client.ClientID}, resp.RefreshToken, nil)
	require.NoError(t, err)
	assert.Equal(t, resp.FamilyID, out.FamilyID)

	_, err = srv.RefreshGrant(ctx, ClientCredentials{ClientID: "unknown"}, out.RefreshToken, nil)
	assert.ErrorIs(t, err, ErrInvalidClient)
}

func TestServer_RefreshGrant_ConfidentialClient(t *testing.T) {
	ctx := context.Background()
	srv, _, _ := setupTestServer(t)
	client := setupGalleryClient(t, srv, storage.ClientTypeConfidential)
	secret, _, err := srv.IssueSecret(ctx, testDeveloper, client.ClientID, time.Time{})
	require.NoError(t, err)
	recordConsent(t, srv, client.ClientID, scopeRead)

	issued, err := srv.IssueCode(ctx, IssueCodeRequest{
		ClientID: client.ClientID, UserID: testUserID, RedirectURI: testRedirectURI,
	})
	require.NoError(t, err)
	resp, err := srv.RedeemCode(ctx, RedeemCodeRequest{
		Code: issued.Code, ClientID: client.ClientID, ClientSecret: secret, RedirectURI: testRedirectURI,
	})
	require.NoError(t, err)

	_, err = srv.RefreshGrant(ctx, ClientCredentials{ClientID: client.ClientID, ClientSecret: "wrong"}, resp.RefreshToken, nil)
	require.ErrorIs(t, err, ErrInvalidClient)

	out, err := srv.RefreshGrant(ctx, ClientCredentials{ClientID: client.ClientID, ClientSecret: secret}, resp.RefreshToken, nil)
	require.NoError(t, err)
	assert.Equal(t, scopeRead, out.Scope())
}

// ============================================================
// Revocation
// ============================================================

func TestServer_RevokeToken(t *testing.T) {
	ctx := context.Background()
	srv, _, _ := setupTestServer(t)
	client, resp := setupRefreshToken(t, srv, scopeRead)
	child, err := srv.Rotate(ctx, resp.RefreshToken, nil)
	require.NoError(t, err)

	other := setupGalleryClient(t, srv, storage.ClientTypePublic)

	// Unknown and foreign tokens succeed silently.
	require.NoError(t, srv.RevokeToken(ctx, ClientCredentials{ClientID: client.ClientID}, "garbage"))
	require.NoError(t, srv.RevokeToken(ctx, ClientCredentials{ClientID: other.ClientID}, child.RefreshToken))
	for _, token := range familyOf(t, srv, resp.FamilyID) {
		require.False(t, token.Revoked, "foreign revocation must not take effect")
	}

	// Revoking the old parent kills the whole lineage.
	require.NoError(t, srv.RevokeToken(ctx, ClientCredentials{ClientID: client.ClientID}, resp.RefreshToken))
	for _, token := range familyOf(t, srv, resp.FamilyID) {
		assert.True(t, token.Revoked)
		assert.Equal(t, storage.RevokedReasonClientRequest, token.RevokedReason)
	}

	err = srv.RevokeToken(ctx, ClientCredentials{ClientID: client.ClientID}, "")
	assert.ErrorIs(t, err, ErrInvalidRequest)

	err = srv.RevokeToken(ctx, ClientCredentials{ClientID: client.ClientID, ClientSecret: "x"}, child.RefreshToken)
	assert.ErrorIs(t, err, ErrInvalidClient)
}

func TestServer_RevokeFamily(t *testing.T) {
	ctx := context.Background()
	srv, _, _ := setupTestServer(t)

	_, err := srv.RevokeFamily(ctx, "", "reason")
	assert.ErrorIs(t, err, ErrInvalidRequest)

	n, err := srv.RevokeFamily(ctx, "no-such-family", "reason")
	require.NoError(t, err)
	assert.Zero(t, n)

	_, resp := setupRefreshToken(t, srv, scopeRead)
	_, err = srv.Rotate(ctx, resp.RefreshToken, nil)
	require.NoError(t, err)

	n, err = srv.RevokeFamily(ctx, resp.FamilyID, "admin")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// Revoking twice reports nothing new.
	n, err = srv.RevokeFamily(ctx, resp.FamilyID, "admin")
	require.NoError(t, err)
	assert.Zero(t, n)
}

// ============================================================
// End to end
// ============================================================

// TestServer_GalleryScenario walks a public client from registration to a
// replayed refresh token.
func TestServer_GalleryScenario(t *testing.T) {
	ctx := context.Background()
	srv, _, _ := setupTestServer(t)

	client, err := srv.RegisterClient(ctx, testDeveloper, RegisterClientRequest{
		Name: "Gallery",
		Type: storage.ClientTypePublic,
	})
	require.NoError(t, err)
	require.NoError(t, srv.AddRedirectURI(ctx, testDeveloper, client.ClientID, testRedirectURI))
	ensureGalleryCatalog(t, srv)
	require.NoError(t, srv.EnableAPIProduct(ctx, testAdmin, client.ClientID, testProduct))

	effective, err := srv.EffectiveAllowedScopes(ctx, client.ClientID)
	require.NoError(t, err)
	assert.Equal(t, []string{scopeRead, scopeWrite}, effective)

	_, err = srv.RecordConsent(ctx, testUserID, client.ClientID, []string{scopeRead})
	require.NoError(t, err)

	challenge, verifier := testutil.GeneratePKCEPair()
	issued, err := srv.IssueCode(ctx, IssueCodeRequest{
		ClientID:            client.ClientID,
		UserID:              testUserID,
		RedirectURI:         testRedirectURI,
		Scopes:              []string{scopeRead, scopeWrite},
		CodeChallenge:       challenge,
		CodeChallengeMethod: PKCEMethodS256,
	})
	require.NoError(t, err)

	r1, err := srv.RedeemCode(ctx, RedeemCodeRequest{
		Code:         issued.Code,
		ClientID:     client.ClientID,
		RedirectURI:  testRedirectURI,
		CodeVerifier: verifier,
	})
	require.NoError(t, err)
	assert.Equal(t, scopeRead, r1.Scope())

	claims, err := srv.ValidateAccessToken(ctx, r1.AccessToken)
	require.NoError(t, err)
	assert.Equal(t, scopeRead, claims.Scope)

	r2, err := srv.Rotate(ctx, r1.RefreshToken, nil)
	require.NoError(t, err)

	family := familyOf(t, srv, r1.FamilyID)
	require.Len(t, family, 2)
	assert.Empty(t, family[0].ParentID)
	assert.Equal(t, family[0].ID, family[1].ParentID)

	// The attacker replays r1.
	_, err = srv.Rotate(ctx, r1.RefreshToken, nil)
	require.ErrorIs(t, err, ErrTokenReuseDetected)

	_, err = srv.Rotate(ctx, r2.RefreshToken, nil)
	require.ErrorIs(t, err, ErrInvalidGrant)
	assert.True(t, strings.Contains(err.Error(), "invalid_grant"))
}

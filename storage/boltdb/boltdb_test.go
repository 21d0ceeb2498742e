package boltdb

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/giantswarm/oauth-core/internal/testutil"
	"github.com/giantswarm/oauth-core/storage"
	"github.com/giantswarm/oauth-core/storage/storagetest"
)

func openTestStore(t *testing.T, path string) *Store {
	t.Helper()

	s, err := Open(Config{Path: path, Logger: testutil.DiscardLogger()})
	require.NoError(t, err)
	return s
}

func TestStore_Conformance(t *testing.T) {
	storagetest.Run(t, func(t *testing.T) storage.Store {
		return openTestStore(t, filepath.Join(t.TempDir(), "oauth.db"))
	})
}

func TestOpen_RequiresPath(t *testing.T) {
	_, err := Open(Config{})
	assert.Error(t, err)
}

func TestOpen_CreatesDirectory(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "dir", "oauth.db")
	s := openTestStore(t, path)
	assert.NoError(t, s.Close())
	assert.FileExists(t, path)
}

func TestStore_PersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "oauth.db")
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	s := openTestStore(t, path)
	require.NoError(t, s.SaveRefreshToken(ctx, &storage.RefreshToken{
		ID:        "t1",
		TokenHash: "h1",
		FamilyID:  "f1",
		ClientID:  "c1",
		Scopes:    []string{"galleries.read"},
		CreatedAt: now,
		ExpiresAt: now.Add(time.Hour),
	}))
	_, err := s.RevokeRefreshTokenFamily(ctx, "f1", storage.RevokedReasonReuseDetected, now)
	require.NoError(t, err)
	require.NoError(t, s.Close())

	reopened := openTestStore(t, path)
	defer reopened.Close()

	token, err := reopened.GetRefreshTokenByHash(ctx, "h1")
	require.NoError(t, err)
	assert.True(t, token.Revoked)
	assert.Equal(t, storage.RevokedReasonReuseDetected, token.RevokedReason)
	assert.True(t, token.RevokedAt.Equal(now))
}

func TestStore_RecordsStorageMetrics(t *testing.T) {
	inst, reader := testutil.NewInstrumentation(t)

	s := openTestStore(t, filepath.Join(t.TempDir(), "oauth.db"))
	defer s.Close()
	s.SetInstrumentation(inst)

	_, _ = s.GetScope(context.Background(), "missing")

	assert.Equal(t, int64(1), testutil.MetricSum(t, reader, "oauth.storage.operations.total"))
}

package session_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	apperrors "github.com/NakedTrashPanda/autoshift/internal/errors"
	"github.com/NakedTrashPanda/autoshift/internal/shifttest"
	"github.com/NakedTrashPanda/autoshift/session"
)

const (
	testUser = "john.doe@example.com"
	testPass = "password123"
)

func newManager(t *testing.T, site *shifttest.Site, dataDir string) *session.Manager {
	t.Helper()
	m, err := session.NewManager(session.Config{
		User:     testUser,
		Password: testPass,
		BaseURL:  site.URL,
		DataDir:  dataDir,
	})
	require.NoError(t, err)
	return m
}

func cacheFiles(t *testing.T, dataDir string) []string {
	t.Helper()
	matches, err := filepath.Glob(filepath.Join(dataDir, "session-*.json"))
	require.NoError(t, err)
	return matches
}

func TestLoginSuccessPersistsCache(t *testing.T) {
	site := shifttest.NewSite(testUser, testPass)
	defer site.Close()
	dataDir := t.TempDir()

	m := newManager(t, site, dataDir)
	sess, err := m.Login(context.Background())
	require.NoError(t, err)
	require.True(t, sess.Valid())
	require.Equal(t, testUser, sess.User())
	require.Equal(t, shifttest.CSRFToken, sess.Token())
	require.Len(t, cacheFiles(t, dataDir), 1)
}

func TestLoginRejectedSurfacesAuthError(t *testing.T) {
	site := shifttest.NewSite(testUser, "a-different-password")
	defer site.Close()
	dataDir := t.TempDir()

	m := newManager(t, site, dataDir)
	_, err := m.Login(context.Background())
	require.Error(t, err)
	require.ErrorIs(t, err, apperrors.ErrInvalidCredentials)
	// a rejected login must not create or touch the cache
	require.Empty(t, cacheFiles(t, dataDir))
}

func TestCurrentRestoresFromDiskCache(t *testing.T) {
	site := shifttest.NewSite(testUser, testPass)
	defer site.Close()
	dataDir := t.TempDir()

	m1 := newManager(t, site, dataDir)
	_, err := m1.Login(context.Background())
	require.NoError(t, err)
	require.Equal(t, 1, site.LoginPosts())

	// a fresh manager, as after a process restart, skips re-login
	m2 := newManager(t, site, dataDir)
	sess, err := m2.Current(context.Background())
	require.NoError(t, err)
	require.True(t, sess.Valid())
	require.Equal(t, 1, site.LoginPosts())
}

func TestCurrentReloginsWhenCacheIsStale(t *testing.T) {
	site := shifttest.NewSite(testUser, testPass)
	defer site.Close()
	dataDir := t.TempDir()

	m1 := newManager(t, site, dataDir)
	_, err := m1.Login(context.Background())
	require.NoError(t, err)

	site.RevokeSessions()

	// the cached cookie is stale now: Current must fall back to re-login
	m2 := newManager(t, site, dataDir)
	sess, err := m2.Current(context.Background())
	require.NoError(t, err)
	require.True(t, sess.Valid())
	require.Equal(t, 2, site.LoginPosts())
}

func TestLoginRetriesDroppedConnections(t *testing.T) {
	site := shifttest.NewSite(testUser, testPass)
	defer site.Close()
	dataDir := t.TempDir()

	var slept []time.Duration
	m, err := session.NewManager(session.Config{
		User:     testUser,
		Password: testPass,
		BaseURL:  site.URL,
		DataDir:  dataDir,
	}, session.WithSleep(func(_ context.Context, d time.Duration) error {
		slept = append(slept, d)
		return nil
	}))
	require.NoError(t, err)

	// the login-form fetch is dropped once; the retry carries the login through
	site.DropNext(1)
	sess, err := m.Login(context.Background())
	require.NoError(t, err)
	require.True(t, sess.Valid())
	require.Equal(t, 1, site.LoginPosts())
	require.Equal(t, []time.Duration{time.Second}, slept)
}

func TestInvalidateForcesRevalidation(t *testing.T) {
	site := shifttest.NewSite(testUser, testPass)
	defer site.Close()
	dataDir := t.TempDir()

	m := newManager(t, site, dataDir)
	first, err := m.Login(context.Background())
	require.NoError(t, err)

	m.Invalidate()
	require.False(t, first.Valid())

	second, err := m.Current(context.Background())
	require.NoError(t, err)
	require.True(t, second.Valid())
}

func TestLogoutRemovesCache(t *testing.T) {
	site := shifttest.NewSite(testUser, testPass)
	defer site.Close()
	dataDir := t.TempDir()

	m := newManager(t, site, dataDir)
	_, err := m.Login(context.Background())
	require.NoError(t, err)
	require.Len(t, cacheFiles(t, dataDir), 1)

	require.NoError(t, m.Logout())
	require.Empty(t, cacheFiles(t, dataDir))

	// logging out twice is fine
	require.NoError(t, m.Logout())
}

func TestCacheScopedToAccount(t *testing.T) {
	site := shifttest.NewSite(testUser, testPass)
	defer site.Close()
	dataDir := t.TempDir()

	m := newManager(t, site, dataDir)
	_, err := m.Login(context.Background())
	require.NoError(t, err)

	files := cacheFiles(t, dataDir)
	require.Len(t, files, 1)
	data, err := os.ReadFile(files[0])
	require.NoError(t, err)
	require.Contains(t, string(data), testUser)
}

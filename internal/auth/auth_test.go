package auth

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestProvider(t *testing.T) *SQLiteProvider {
	t.Helper()

	p, err := NewSQLiteProvider(filepath.Join(t.TempDir(), "auth.db"), testLogger(t))
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })

	return p
}

func TestStaticProvider(t *testing.T) {
	t.Parallel()

	p := NewStaticProvider(map[string]string{"alice": "secret"})
	ctx := context.Background()

	key, err := p.Authenticate(ctx, "alice", "secret")
	require.NoError(t, err)
	assert.Equal(t, StaticUserKey("alice"), key)

	// Stable across calls.
	again, err := p.Authenticate(ctx, "alice", "secret")
	require.NoError(t, err)
	assert.Equal(t, key, again)

	_, err = p.Authenticate(ctx, "alice", "wrong")
	assert.ErrorIs(t, err, ErrBadCredentials)

	_, err = p.Authenticate(ctx, "nobody", "secret")
	assert.ErrorIs(t, err, ErrBadCredentials)
}

func TestSQLiteProvider_AddAndAuthenticate(t *testing.T) {
	t.Parallel()

	p := newTestProvider(t)
	ctx := context.Background()

	require.NoError(t, p.AddUser(ctx, "bob", "hunter2"))

	key, err := p.Authenticate(ctx, "bob", "hunter2")
	require.NoError(t, err)
	assert.NotEmpty(t, key)

	// The user key is stable.
	again, err := p.Authenticate(ctx, "bob", "hunter2")
	require.NoError(t, err)
	assert.Equal(t, key, again)

	_, err = p.Authenticate(ctx, "bob", "wrong")
	assert.ErrorIs(t, err, ErrBadCredentials)

	_, err = p.Authenticate(ctx, "eve", "hunter2")
	assert.ErrorIs(t, err, ErrBadCredentials)
}

func TestSQLiteProvider_DuplicateUser(t *testing.T) {
	t.Parallel()

	p := newTestProvider(t)
	ctx := context.Background()

	require.NoError(t, p.AddUser(ctx, "bob", "one"))
	require.Error(t, p.AddUser(ctx, "bob", "two"))
}

func TestSQLiteProvider_SetPassword(t *testing.T) {
	t.Parallel()

	p := newTestProvider(t)
	ctx := context.Background()

	require.NoError(t, p.AddUser(ctx, "bob", "old"))

	keyBefore, err := p.Authenticate(ctx, "bob", "old")
	require.NoError(t, err)

	require.NoError(t, p.SetPassword(ctx, "bob", "new"))

	_, err = p.Authenticate(ctx, "bob", "old")
	assert.ErrorIs(t, err, ErrBadCredentials)

	keyAfter, err := p.Authenticate(ctx, "bob", "new")
	require.NoError(t, err)
	assert.Equal(t, keyBefore, keyAfter, "user key must survive password changes")

	require.Error(t, p.SetPassword(ctx, "nobody", "x"))
}

func TestSQLiteProvider_DeleteAndList(t *testing.T) {
	t.Parallel()

	p := newTestProvider(t)
	ctx := context.Background()

	require.NoError(t, p.AddUser(ctx, "alice", "a"))
	require.NoError(t, p.AddUser(ctx, "bob", "b"))

	users, err := p.ListUsers(ctx)
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, "alice", users[0].Username)
	assert.Equal(t, "bob", users[1].Username)

	require.NoError(t, p.DeleteUser(ctx, "alice"))
	require.Error(t, p.DeleteUser(ctx, "alice"))

	users, err = p.ListUsers(ctx)
	require.NoError(t, err)
	require.Len(t, users, 1)
}

func TestSQLiteProvider_UserKeyLookup(t *testing.T) {
	t.Parallel()

	p := newTestProvider(t)
	ctx := context.Background()

	require.NoError(t, p.AddUser(ctx, "bob", "pw"))

	key, err := p.UserKey(ctx, "bob")
	require.NoError(t, err)

	authKey, err := p.Authenticate(ctx, "bob", "pw")
	require.NoError(t, err)
	assert.Equal(t, authKey, key)

	_, err = p.UserKey(ctx, "nobody")
	require.Error(t, err)
}

func TestSQLiteProvider_PersistsAcrossReopen(t *testing.T) {
	t.Parallel()

	dbPath := filepath.Join(t.TempDir(), "auth.db")

	p, err := NewSQLiteProvider(dbPath, testLogger(t))
	require.NoError(t, err)
	require.NoError(t, p.AddUser(context.Background(), "bob", "pw"))
	require.NoError(t, p.Close())

	p2, err := NewSQLiteProvider(dbPath, testLogger(t))
	require.NoError(t, err)
	defer p2.Close()

	_, err = p2.Authenticate(context.Background(), "bob", "pw")
	require.NoError(t, err)
}

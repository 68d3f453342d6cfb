package session

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"time"

	"github.com/jackymcgrady/ankicommunity-sync-server/internal/auth"
	"github.com/jackymcgrady/ankicommunity-sync-server/internal/collection"
	"github.com/jackymcgrady/ankicommunity-sync-server/internal/syncerr"
)

// sessionKeyBytes gives 128 bits of entropy, hex-encoded on the wire.
const sessionKeyBytes = 16

// Session binds a host key to a user and the client-chosen host identifier.
type Session struct {
	Key       string
	UserKey   string
	Username  string
	HostID    string
	CreatedAt time.Time
}

// Registry mints and resolves sessions, hands out collection handles, and
// owns the per-user locks gating the sync engines.
type Registry struct {
	provider    auth.Provider
	store       *store
	collections *collection.Store
	locks       *userLocks
	logger      *slog.Logger
}

// NewRegistry opens the session database at dbPath and wires the registry to
// the identity gateway and collection store.
func NewRegistry(dbPath string, provider auth.Provider, collections *collection.Store, logger *slog.Logger) (*Registry, error) {
	st, err := openStore(dbPath, logger)
	if err != nil {
		return nil, err
	}

	return &Registry{
		provider:    provider,
		store:       st,
		collections: collections,
		locks:       newUserLocks(),
		logger:      logger,
	}, nil
}

// Close closes the session database.
func (r *Registry) Close() error {
	return r.store.close()
}

// Login verifies credentials with the identity gateway, mints a fresh
// session key, persists it, and returns it.
func (r *Registry) Login(ctx context.Context, username, password, hostID string) (*Session, error) {
	userKey, err := r.provider.Authenticate(ctx, username, password)

	switch {
	case errors.Is(err, auth.ErrBadCredentials):
		return nil, syncerr.New(syncerr.ErrUnauthorized, "invalid username or password")
	case errors.Is(err, auth.ErrUnavailable):
		return nil, syncerr.Wrap(syncerr.ErrTemporary, "authentication temporarily unavailable", err)
	case err != nil:
		return nil, syncerr.Internal(err)
	}

	skey, err := newSessionKey()
	if err != nil {
		return nil, syncerr.Internal(err)
	}

	if err := r.store.insert(ctx, skey, userKey, username, hostID); err != nil {
		return nil, syncerr.Internal(err)
	}

	r.logger.Info("session created", "username", username, "host_id", hostID)

	return &Session{Key: skey, UserKey: userKey, Username: username, HostID: hostID}, nil
}

// Resolve maps a session key to its session. Unknown or malformed keys
// return an unauthorized error, distinct from the expected-auth probe reply.
func (r *Registry) Resolve(ctx context.Context, skey string) (*Session, error) {
	if skey == "" {
		return nil, syncerr.New(syncerr.ErrAuthRequired, "please sync again to log in")
	}

	sess, err := r.store.get(ctx, skey)
	if err != nil {
		return nil, syncerr.Internal(err)
	}

	if sess == nil {
		return nil, syncerr.New(syncerr.ErrUnauthorized, "unknown session key")
	}

	return sess, nil
}

// OpenCollection returns a reference-counted collection handle for the
// session's user. Pair with ReleaseCollection.
func (r *Registry) OpenCollection(ctx context.Context, sess *Session) (*collection.Handle, error) {
	h, err := r.collections.Open(ctx, sess.UserKey)
	if err != nil {
		return nil, syncerr.Internal(err)
	}

	return h, nil
}

// ReleaseCollection drops one handle reference; the last release checkpoints
// the WAL and closes the file.
func (r *Registry) ReleaseCollection(h *collection.Handle) {
	if err := r.collections.Release(h); err != nil {
		r.logger.Warn("releasing collection handle", "error", err)
	}
}

// Collections exposes the underlying collection store for full-sync file
// operations and the media engine's path helpers.
func (r *Registry) Collections() *collection.Store {
	return r.collections
}

// LockUser acquires the user's sync lock, or fails with a busy error when
// another sync for the same user is in flight.
func (r *Registry) LockUser(userKey string) error {
	if !r.locks.tryAcquire(userKey) {
		return syncerr.New(syncerr.ErrBusy, "another sync is already in progress for this account")
	}

	return nil
}

// UnlockUser releases the user's sync lock.
func (r *Registry) UnlockUser(userKey string) {
	r.locks.release(userKey)
}

// UserBusy reports whether the user's sync lock is currently held.
func (r *Registry) UserBusy(userKey string) bool {
	return r.locks.isHeld(userKey)
}

// PurgeUser deletes every persisted session of a user. Used by the admin
// reset command; active clients must log in again.
func (r *Registry) PurgeUser(ctx context.Context, userKey string) error {
	return r.store.deleteByUser(ctx, userKey)
}

func newSessionKey() (string, error) {
	buf := make([]byte, sessionKeyBytes)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}

	return hex.EncodeToString(buf), nil
}

// Package auth implements the identity gateway: given a username and
// password it returns a stable opaque user key, or rejects. The gateway is
// pluggable so deployments can substitute an external provider.
package auth

import (
	"context"
	"errors"
)

// Sentinel errors returned by providers.
var (
	// ErrBadCredentials means the username/password pair was rejected.
	ErrBadCredentials = errors.New("auth: bad credentials")

	// ErrUnavailable means the provider could not be reached; callers map
	// this to a temporary failure so clients retry without re-prompting.
	ErrUnavailable = errors.New("auth: provider unavailable")
)

// Provider verifies credentials and resolves them to a stable user key.
// The key is opaque to the caller and must never change for a given user —
// it names the user's on-disk collection directory.
type Provider interface {
	// Authenticate returns the user key on success, ErrBadCredentials on
	// rejection, or ErrUnavailable (possibly wrapped) on outage.
	Authenticate(ctx context.Context, username, password string) (string, error)
}

package auth

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
)

// StaticProvider authenticates against a fixed in-memory credential list,
// typically loaded from the config file. User keys are derived from the
// username so they stay stable across restarts and config edits.
type StaticProvider struct {
	users map[string]string // username -> password
}

// NewStaticProvider builds a provider from username/password pairs.
func NewStaticProvider(users map[string]string) *StaticProvider {
	cp := make(map[string]string, len(users))
	for u, p := range users {
		cp[u] = p
	}

	return &StaticProvider{users: cp}
}

// Authenticate implements Provider.
func (p *StaticProvider) Authenticate(_ context.Context, username, password string) (string, error) {
	want, ok := p.users[username]
	if !ok {
		// Burn constant time anyway so probing can't distinguish unknown
		// users from wrong passwords.
		subtle.ConstantTimeCompare([]byte(password), []byte(password))
		return "", ErrBadCredentials
	}

	if subtle.ConstantTimeCompare([]byte(want), []byte(password)) != 1 {
		return "", ErrBadCredentials
	}

	return StaticUserKey(username), nil
}

// StaticUserKey derives the stable user key for a static-provider username.
// Hashing keeps arbitrary usernames filesystem-safe as directory names.
func StaticUserKey(username string) string {
	sum := sha256.Sum256([]byte("static:" + username))
	return hex.EncodeToString(sum[:16])
}

// Package config loads and validates the server configuration from a TOML
// file, applies environment overrides, and supplies platform defaults.
package config

import (
	"path/filepath"
	"time"
)

// Default limits. Overridable in the config file.
const (
	defaultMaxCollectionBytes = 512 * 1024 * 1024 // full-upload cap
	defaultMaxMediaBatchBytes = 100 * 1024 * 1024 // uncompressed archive cap
	defaultMaxRequestBytes    = 128 * 1024 * 1024 // any single decoded body
	defaultMaxClockSkewMin    = 5
)

// Auth provider names accepted in the config file.
const (
	AuthProviderSQLite = "sqlite"
	AuthProviderStatic = "static"
)

// StaticUser is one credential pair for the static auth provider.
type StaticUser struct {
	Username string `toml:"username"`
	Password string `toml:"password"`
}

// Config is the full server configuration. Zero values are filled in by
// DefaultConfig before the file is decoded over it.
type Config struct {
	// Bind is the address the sync listener binds, host:port.
	Bind string `toml:"bind"`

	// AdminBind is the optional admin listener (metrics, health). Empty
	// disables it.
	AdminBind string `toml:"admin_bind"`

	// DataRoot is the directory holding per-user collection folders, the
	// session store, and the auth store.
	DataRoot string `toml:"data_root"`

	// AuthProvider selects "sqlite" (managed via the user subcommands) or
	// "static" (credentials listed below).
	AuthProvider string `toml:"auth_provider"`

	// StaticUsers is consulted only when AuthProvider is "static".
	StaticUsers []StaticUser `toml:"static_users"`

	// LogLevel is one of debug, info, warn, error.
	LogLevel string `toml:"log_level"`

	MaxCollectionBytes int64 `toml:"max_collection_bytes"`
	MaxMediaBatchBytes int64 `toml:"max_media_batch_bytes"`
	MaxRequestBytes    int64 `toml:"max_request_bytes"`

	// MaxClockSkewMinutes bounds the client/server wall-clock difference
	// accepted during the sync handshake.
	MaxClockSkewMinutes int `toml:"max_clock_skew_minutes"`
}

// DefaultConfig returns a Config with every default filled in.
func DefaultConfig() *Config {
	return &Config{
		Bind:                "127.0.0.1:27701",
		DataRoot:            DefaultDataDir(),
		AuthProvider:        AuthProviderSQLite,
		LogLevel:            "info",
		MaxCollectionBytes:  defaultMaxCollectionBytes,
		MaxMediaBatchBytes:  defaultMaxMediaBatchBytes,
		MaxRequestBytes:     defaultMaxRequestBytes,
		MaxClockSkewMinutes: defaultMaxClockSkewMin,
	}
}

// MaxClockSkew returns the handshake skew bound as a duration.
func (c *Config) MaxClockSkew() time.Duration {
	return time.Duration(c.MaxClockSkewMinutes) * time.Minute
}

// SessionDBPath returns the path of the session store database.
func (c *Config) SessionDBPath() string {
	return filepath.Join(c.DataRoot, "sessions.db")
}

// AuthDBPath returns the path of the sqlite auth provider's database.
func (c *Config) AuthDBPath() string {
	return filepath.Join(c.DataRoot, "auth.db")
}

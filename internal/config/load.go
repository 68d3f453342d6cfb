package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/BurntSushi/toml"
)

// Load reads and parses the TOML config file at path, layers environment
// overrides on top, validates the result, and returns it. A missing file is
// not an error when path is the default location — the server then runs
// entirely on defaults plus environment.
func Load(path string, logger *slog.Logger) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)

	switch {
	case err == nil:
		md, decodeErr := toml.Decode(string(data), cfg)
		if decodeErr != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", path, decodeErr)
		}

		if keyErr := checkUnknownKeys(&md); keyErr != nil {
			return nil, fmt.Errorf("config file %s: %w", path, keyErr)
		}

		logger.Debug("config file parsed", "path", path)
	case errors.Is(err, os.ErrNotExist) && path == DefaultConfigPath():
		logger.Debug("no config file, using defaults", "path", path)
	default:
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	applyEnvOverrides(cfg, logger)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// checkUnknownKeys rejects config keys the decoder did not consume. Typos in
// a server config otherwise fail silently at 3am.
func checkUnknownKeys(md *toml.MetaData) error {
	undecoded := md.Undecoded()
	if len(undecoded) == 0 {
		return nil
	}

	keys := make([]string, 0, len(undecoded))
	for _, k := range undecoded {
		keys = append(keys, k.String())
	}

	return fmt.Errorf("unknown keys: %s", strings.Join(keys, ", "))
}

// Validate checks cross-field consistency of a fully-layered Config.
func Validate(cfg *Config) error {
	if cfg.Bind == "" {
		return errors.New("bind address must not be empty")
	}

	if cfg.DataRoot == "" {
		return errors.New("data_root must not be empty")
	}

	switch cfg.AuthProvider {
	case AuthProviderSQLite:
	case AuthProviderStatic:
		if len(cfg.StaticUsers) == 0 {
			return errors.New(`auth_provider "static" requires at least one [[static_users]] entry`)
		}

		for i, u := range cfg.StaticUsers {
			if u.Username == "" || u.Password == "" {
				return fmt.Errorf("static_users[%d]: username and password must not be empty", i)
			}
		}
	default:
		return fmt.Errorf("unknown auth_provider %q (want %q or %q)",
			cfg.AuthProvider, AuthProviderSQLite, AuthProviderStatic)
	}

	if cfg.MaxCollectionBytes <= 0 || cfg.MaxMediaBatchBytes <= 0 || cfg.MaxRequestBytes <= 0 {
		return errors.New("size limits must be positive")
	}

	if cfg.MaxClockSkewMinutes <= 0 {
		return errors.New("max_clock_skew_minutes must be positive")
	}

	return nil
}

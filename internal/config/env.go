package config

import (
	"log/slog"
	"os"
	"strconv"
)

// Environment variable names. Environment overrides the config file; CLI
// flags override both.
const (
	envBind         = "ANKISYNCD_BIND"
	envAdminBind    = "ANKISYNCD_ADMIN_BIND"
	envDataRoot     = "ANKISYNCD_DATA_ROOT"
	envAuthProvider = "ANKISYNCD_AUTH_PROVIDER"
	envLogLevel     = "ANKISYNCD_LOG_LEVEL"
	envMaxColBytes  = "ANKISYNCD_MAX_COLLECTION_BYTES"
)

// applyEnvOverrides mutates cfg with any set environment variables.
func applyEnvOverrides(cfg *Config, logger *slog.Logger) {
	setString := func(name string, dst *string) {
		if v := os.Getenv(name); v != "" {
			*dst = v

			logger.Debug("env override", "var", name)
		}
	}

	setString(envBind, &cfg.Bind)
	setString(envAdminBind, &cfg.AdminBind)
	setString(envDataRoot, &cfg.DataRoot)
	setString(envAuthProvider, &cfg.AuthProvider)
	setString(envLogLevel, &cfg.LogLevel)

	if v := os.Getenv(envMaxColBytes); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n <= 0 {
			logger.Warn("ignoring invalid env override", "var", envMaxColBytes, "value", v)
			return
		}

		cfg.MaxCollectionBytes = n

		logger.Debug("env override", "var", envMaxColBytes)
	}
}

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jackymcgrady/ankicommunity-sync-server/internal/auth"
	"github.com/jackymcgrady/ankicommunity-sync-server/internal/collection"
	"github.com/jackymcgrady/ankicommunity-sync-server/internal/config"
	"github.com/jackymcgrady/ankicommunity-sync-server/internal/media"
	"github.com/jackymcgrady/ankicommunity-sync-server/internal/session"
	"github.com/jackymcgrady/ankicommunity-sync-server/internal/syncsrv"
	"github.com/jackymcgrady/ankicommunity-sync-server/internal/transport"
)

// shutdownGrace bounds how long in-flight syncs may run after a signal.
const shutdownGrace = 30 * time.Second

func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the sync server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := buildLogger(nil)

			cfg, err := loadConfig(logger)
			if err != nil {
				return err
			}

			logger = buildLogger(cfg)

			return runServer(cmd.Context(), cfg, logger)
		},
	}
}

// buildAuthProvider selects the identity gateway from config.
func buildAuthProvider(cfg *config.Config, logger *slog.Logger) (auth.Provider, func() error, error) {
	switch cfg.AuthProvider {
	case config.AuthProviderStatic:
		users := make(map[string]string, len(cfg.StaticUsers))
		for _, u := range cfg.StaticUsers {
			users[u.Username] = u.Password
		}

		return auth.NewStaticProvider(users), func() error { return nil }, nil
	default:
		p, err := auth.NewSQLiteProvider(cfg.AuthDBPath(), logger)
		if err != nil {
			return nil, nil, err
		}

		return p, p.Close, nil
	}
}

func runServer(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	if err := os.MkdirAll(cfg.DataRoot, 0o700); err != nil {
		return fmt.Errorf("creating data root: %w", err)
	}

	provider, closeProvider, err := buildAuthProvider(cfg, logger)
	if err != nil {
		return err
	}
	defer closeProvider()

	collections := collection.NewStore(cfg.DataRoot, logger)

	registry, err := session.NewRegistry(cfg.SessionDBPath(), provider, collections, logger)
	if err != nil {
		return err
	}
	defer registry.Close()

	mediaEngine := media.NewEngine(collections, registry, cfg.MaxMediaBatchBytes, logger)
	defer mediaEngine.Close()

	engine := syncsrv.NewEngine(registry, mediaEngine, cfg.MaxClockSkew(), logger)
	srv := transport.NewServer(cfg, registry, engine, mediaEngine, logger)

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	group, ctx := errgroup.WithContext(ctx)

	syncServer := &http.Server{
		Addr:              cfg.Bind,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 30 * time.Second,
	}

	group.Go(func() error {
		logger.Info("sync server listening", "addr", cfg.Bind)

		if err := syncServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}

		return nil
	})

	var adminServer *http.Server

	if cfg.AdminBind != "" {
		adminServer = &http.Server{
			Addr:              cfg.AdminBind,
			Handler:           srv.AdminHandler(),
			ReadHeaderTimeout: 30 * time.Second,
		}

		group.Go(func() error {
			logger.Info("admin server listening", "addr", cfg.AdminBind)

			if err := adminServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
				return err
			}

			return nil
		})
	}

	group.Go(func() error {
		<-ctx.Done()

		logger.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()

		if adminServer != nil {
			_ = adminServer.Shutdown(shutdownCtx)
		}

		return syncServer.Shutdown(shutdownCtx)
	})

	return group.Wait()
}

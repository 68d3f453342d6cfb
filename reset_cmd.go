package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/jackymcgrady/ankicommunity-sync-server/internal/collection"
	"github.com/jackymcgrady/ankicommunity-sync-server/internal/session"
)

func newResetCmd() *cobra.Command {
	var yes bool

	cmd := &cobra.Command{
		Use:   "reset <username>",
		Short: "Delete a user's collection, media, and sessions",
		Long: "Removes the user's collection database, media files, and media log " +
			"from disk and invalidates every session. The account itself is kept; " +
			"the next sync starts from an empty collection. Run only while the " +
			"server is stopped.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("refusing to delete data for %q without --yes", args[0])
			}

			provider, err := openUserProvider()
			if err != nil {
				return err
			}
			defer provider.Close()

			userKey, err := provider.UserKey(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			logger := buildLogger(nil)

			cfg, err := loadConfig(logger)
			if err != nil {
				return err
			}

			collections := collection.NewStore(cfg.DataRoot, logger)

			registry, err := session.NewRegistry(cfg.SessionDBPath(), provider, collections, logger)
			if err != nil {
				return err
			}
			defer registry.Close()

			if err := registry.PurgeUser(cmd.Context(), userKey); err != nil {
				return err
			}

			if err := os.RemoveAll(collections.UserDir(userKey)); err != nil {
				return fmt.Errorf("removing user data: %w", err)
			}

			fmt.Printf("reset %s\n", args[0])

			return nil
		},
	}

	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the deletion")

	return cmd
}

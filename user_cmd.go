package main

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jackymcgrady/ankicommunity-sync-server/internal/auth"
	"github.com/jackymcgrady/ankicommunity-sync-server/internal/config"
)

func newUserCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "user",
		Short: "Manage accounts in the sqlite auth provider",
	}

	cmd.AddCommand(newUserAddCmd())
	cmd.AddCommand(newUserDelCmd())
	cmd.AddCommand(newUserListCmd())
	cmd.AddCommand(newUserPasswdCmd())

	return cmd
}

// openUserProvider loads config and opens the sqlite auth provider; the
// user subcommands are meaningless under the static provider.
func openUserProvider() (*auth.SQLiteProvider, error) {
	logger := buildLogger(nil)

	cfg, err := loadConfig(logger)
	if err != nil {
		return nil, err
	}

	if cfg.AuthProvider != config.AuthProviderSQLite {
		return nil, errors.New(`user management requires auth_provider = "sqlite"; static users are edited in the config file`)
	}

	if err := os.MkdirAll(cfg.DataRoot, 0o700); err != nil {
		return nil, fmt.Errorf("creating data root: %w", err)
	}

	return auth.NewSQLiteProvider(cfg.AuthDBPath(), buildLogger(cfg))
}

// readPassword reads a password argument or prompts for one on stdin.
func readPassword(args []string) (string, error) {
	if len(args) >= 2 {
		return args[1], nil
	}

	fmt.Fprint(os.Stderr, "password: ")

	line, err := bufio.NewReader(os.Stdin).ReadString('\n')
	if err != nil {
		return "", fmt.Errorf("reading password: %w", err)
	}

	pw := strings.TrimRight(line, "\r\n")
	if pw == "" {
		return "", errors.New("password must not be empty")
	}

	return pw, nil
}

func newUserAddCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add <username> [password]",
		Short: "Create an account",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			provider, err := openUserProvider()
			if err != nil {
				return err
			}
			defer provider.Close()

			password, err := readPassword(args)
			if err != nil {
				return err
			}

			return provider.AddUser(cmd.Context(), args[0], password)
		},
	}
}

func newUserDelCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "del <username>",
		Short: "Delete an account (collection data stays on disk)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			provider, err := openUserProvider()
			if err != nil {
				return err
			}
			defer provider.Close()

			return provider.DeleteUser(cmd.Context(), args[0])
		},
	}
}

func newUserListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List accounts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			provider, err := openUserProvider()
			if err != nil {
				return err
			}
			defer provider.Close()

			users, err := provider.ListUsers(cmd.Context())
			if err != nil {
				return err
			}

			for _, u := range users {
				fmt.Printf("%s\t%s\t%s\n", u.Username, u.UserKey, u.CreatedAt.Format("2006-01-02"))
			}

			return nil
		},
	}
}

func newUserPasswdCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "passwd <username> [password]",
		Short: "Change an account password",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			provider, err := openUserProvider()
			if err != nil {
				return err
			}
			defer provider.Close()

			password, err := readPassword(args)
			if err != nil {
				return err
			}

			return provider.SetPassword(cmd.Context(), args[0], password)
		},
	}
}

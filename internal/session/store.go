// Package session implements the persistent session registry: it mints and
// resolves host keys, survives server restarts, and serializes each user's
// sync activity behind a per-user lock.
package session

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/pressly/goose/v3"
	// Pure-Go SQLite driver (no CGO).
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQL statements for the session table.
const (
	sqlInsertSession = `INSERT INTO sessions (skey, user_key, username, host_id, created_at)
		VALUES (?, ?, ?, ?, ?)`

	sqlGetSession = `SELECT user_key, username, host_id, created_at FROM sessions WHERE skey = ?`

	sqlDeleteByUser = `DELETE FROM sessions WHERE user_key = ?`
)

// store persists session rows in a small database adjacent to the user root.
type store struct {
	db      *sql.DB
	logger  *slog.Logger
	nowFunc func() time.Time
}

func openStore(dbPath string, logger *slog.Logger) (*store, error) {
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_pragma=busy_timeout(5000)",
		dbPath,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("session: open database: %w", err)
	}

	if err := runMigrations(context.Background(), db, logger); err != nil {
		db.Close()
		return nil, err
	}

	return &store{db: db, logger: logger, nowFunc: time.Now}, nil
}

// runMigrations applies all pending schema migrations using the goose v3
// Provider API (no global state, context-aware).
func runMigrations(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	subFS, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("session: creating migration sub-filesystem: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, subFS)
	if err != nil {
		return fmt.Errorf("session: creating migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("session: running migrations: %w", err)
	}

	for _, r := range results {
		logger.Info("applied session migration",
			slog.String("source", r.Source.Path),
			slog.Int64("duration_ms", r.Duration.Milliseconds()),
		)
	}

	return nil
}

func (s *store) insert(ctx context.Context, skey, userKey, username, hostID string) error {
	_, err := s.db.ExecContext(ctx, sqlInsertSession,
		skey, userKey, username, hostID, s.nowFunc().UnixMilli())
	if err != nil {
		return fmt.Errorf("session: persisting session: %w", err)
	}

	return nil
}

func (s *store) get(ctx context.Context, skey string) (*Session, error) {
	var (
		sess      Session
		createdMs int64
	)

	err := s.db.QueryRowContext(ctx, sqlGetSession, skey).
		Scan(&sess.UserKey, &sess.Username, &sess.HostID, &createdMs)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("session: looking up session: %w", err)
	}

	sess.Key = skey
	sess.CreatedAt = time.UnixMilli(createdMs)

	return &sess, nil
}

func (s *store) deleteByUser(ctx context.Context, userKey string) error {
	if _, err := s.db.ExecContext(ctx, sqlDeleteByUser, userKey); err != nil {
		return fmt.Errorf("session: deleting sessions: %w", err)
	}

	return nil
}

func (s *store) close() error {
	return s.db.Close()
}

// Package media implements the media half of the sync protocol: a per-user
// change log with its own USN sequence, a directory of content files with
// NFC-normalized names, and the batched archive exchange endpoints.
package media

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/pressly/goose/v3"
	// Pure-Go SQLite driver (no CGO).
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQL statements for the media log.
const (
	sqlGetLastUSN = `SELECT last_usn FROM media_meta WHERE id = 1`

	sqlBumpUSN = `UPDATE media_meta SET last_usn = last_usn + 1 WHERE id = 1`

	sqlGetEntry = `SELECT usn, csum, size, mtime FROM media_entries WHERE fname = ?`

	sqlUpsertEntry = `INSERT INTO media_entries (fname, usn, csum, size, mtime)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(fname) DO UPDATE SET
		 usn = excluded.usn,
		 csum = excluded.csum,
		 size = excluded.size,
		 mtime = excluded.mtime`

	sqlChangesSince = `SELECT fname, usn, csum FROM media_entries
		WHERE usn > ? ORDER BY usn`

	sqlCountFiles = `SELECT count() FROM media_entries WHERE csum != ''`
)

// Entry is one media log row. An empty Checksum marks a deletion tombstone.
type Entry struct {
	Fname    string
	USN      int64
	Checksum string
	Size     int64
	Mtime    int64
}

// mediaDB wraps one user's media log database.
type mediaDB struct {
	db *sql.DB
}

func openMediaDB(dbPath string, logger *slog.Logger) (*mediaDB, error) {
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_pragma=busy_timeout(5000)",
		dbPath,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("media: open database: %w", err)
	}

	if err := runMigrations(context.Background(), db, logger); err != nil {
		db.Close()
		return nil, err
	}

	return &mediaDB{db: db}, nil
}

// runMigrations applies all pending schema migrations using the goose v3
// Provider API (no global state, context-aware).
func runMigrations(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	subFS, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("media: creating migration sub-filesystem: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, subFS)
	if err != nil {
		return fmt.Errorf("media: creating migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("media: running migrations: %w", err)
	}

	for _, r := range results {
		logger.Info("applied media migration",
			slog.String("source", r.Source.Path),
			slog.Int64("duration_ms", r.Duration.Milliseconds()),
		)
	}

	return nil
}

func (m *mediaDB) close() error {
	return m.db.Close()
}

func (m *mediaDB) lastUSN(ctx context.Context) (int64, error) {
	var usn int64
	if err := m.db.QueryRowContext(ctx, sqlGetLastUSN).Scan(&usn); err != nil {
		return 0, fmt.Errorf("media: reading usn counter: %w", err)
	}

	return usn, nil
}

// nextUSN increments the counter once per applied write and returns the new
// value — the USN of the change being applied.
func (m *mediaDB) nextUSN(ctx context.Context) (int64, error) {
	if _, err := m.db.ExecContext(ctx, sqlBumpUSN); err != nil {
		return 0, fmt.Errorf("media: bumping usn counter: %w", err)
	}

	return m.lastUSN(ctx)
}

func (m *mediaDB) entry(ctx context.Context, fname string) (*Entry, error) {
	e := Entry{Fname: fname}

	err := m.db.QueryRowContext(ctx, sqlGetEntry, fname).
		Scan(&e.USN, &e.Checksum, &e.Size, &e.Mtime)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		return nil, nil
	case err != nil:
		return nil, fmt.Errorf("media: looking up %s: %w", fname, err)
	}

	return &e, nil
}

func (m *mediaDB) upsert(ctx context.Context, e Entry) error {
	_, err := m.db.ExecContext(ctx, sqlUpsertEntry,
		e.Fname, e.USN, e.Checksum, e.Size, e.Mtime)
	if err != nil {
		return fmt.Errorf("media: upserting %s: %w", e.Fname, err)
	}

	return nil
}

func (m *mediaDB) changesSince(ctx context.Context, usn int64) ([]Entry, error) {
	rows, err := m.db.QueryContext(ctx, sqlChangesSince, usn)
	if err != nil {
		return nil, fmt.Errorf("media: listing changes: %w", err)
	}
	defer rows.Close()

	var out []Entry

	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.Fname, &e.USN, &e.Checksum); err != nil {
			return nil, fmt.Errorf("media: scanning change row: %w", err)
		}

		out = append(out, e)
	}

	return out, rows.Err()
}

func (m *mediaDB) fileCount(ctx context.Context) (int64, error) {
	var n int64
	if err := m.db.QueryRowContext(ctx, sqlCountFiles).Scan(&n); err != nil {
		return 0, fmt.Errorf("media: counting files: %w", err)
	}

	return n, nil
}

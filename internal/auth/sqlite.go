package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"crypto/subtle"
	"database/sql"
	"embed"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/pressly/goose/v3"
	// Pure-Go SQLite driver (no CGO).
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

const saltBytes = 16

// SQL statements for the user table.
const (
	sqlGetUser = `SELECT user_key, salt, pass_hash FROM users WHERE username = ?`

	sqlInsertUser = `INSERT INTO users (username, user_key, salt, pass_hash, created_at)
		VALUES (?, ?, ?, ?, ?)`

	sqlUpdatePassword = `UPDATE users SET salt = ?, pass_hash = ? WHERE username = ?`

	sqlDeleteUser = `DELETE FROM users WHERE username = ?`

	sqlListUsers = `SELECT username, user_key, created_at FROM users ORDER BY username`
)

// SQLiteProvider stores credentials in a server-owned SQLite database.
// It doubles as the admin surface behind the "user" subcommands.
type SQLiteProvider struct {
	db      *sql.DB
	logger  *slog.Logger
	nowFunc func() time.Time // injectable for deterministic tests
}

// User is one row of the user table, for listing.
type User struct {
	Username  string
	UserKey   string
	CreatedAt time.Time
}

// NewSQLiteProvider opens (creating if needed) the auth database at dbPath
// and applies migrations.
func NewSQLiteProvider(dbPath string, logger *slog.Logger) (*SQLiteProvider, error) {
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_pragma=busy_timeout(5000)",
		dbPath,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("auth: open database: %w", err)
	}

	if err := runMigrations(context.Background(), db, logger); err != nil {
		db.Close()
		return nil, err
	}

	return &SQLiteProvider{db: db, logger: logger, nowFunc: time.Now}, nil
}

// runMigrations applies all pending schema migrations using the goose v3
// Provider API (no global state, context-aware).
func runMigrations(ctx context.Context, db *sql.DB, logger *slog.Logger) error {
	subFS, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("auth: creating migration sub-filesystem: %w", err)
	}

	provider, err := goose.NewProvider(goose.DialectSQLite3, db, subFS)
	if err != nil {
		return fmt.Errorf("auth: creating migration provider: %w", err)
	}

	results, err := provider.Up(ctx)
	if err != nil {
		return fmt.Errorf("auth: running migrations: %w", err)
	}

	for _, r := range results {
		logger.Info("applied auth migration",
			slog.String("source", r.Source.Path),
			slog.Int64("duration_ms", r.Duration.Milliseconds()),
		)
	}

	return nil
}

// Close closes the underlying database.
func (p *SQLiteProvider) Close() error {
	return p.db.Close()
}

// Authenticate implements Provider.
func (p *SQLiteProvider) Authenticate(ctx context.Context, username, password string) (string, error) {
	var userKey, saltHex, wantHex string

	err := p.db.QueryRowContext(ctx, sqlGetUser, username).Scan(&userKey, &saltHex, &wantHex)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		return "", ErrBadCredentials
	case err != nil:
		return "", fmt.Errorf("%w: %w", ErrUnavailable, err)
	}

	salt, err := hex.DecodeString(saltHex)
	if err != nil {
		return "", fmt.Errorf("%w: corrupt salt for %s", ErrUnavailable, username)
	}

	got := hashPassword(salt, password)
	if subtle.ConstantTimeCompare([]byte(got), []byte(wantHex)) != 1 {
		return "", ErrBadCredentials
	}

	return userKey, nil
}

// AddUser creates a user with a fresh UUID user key.
func (p *SQLiteProvider) AddUser(ctx context.Context, username, password string) error {
	salt := newSalt()

	_, err := p.db.ExecContext(ctx, sqlInsertUser,
		username,
		uuid.NewString(),
		hex.EncodeToString(salt),
		hashPassword(salt, password),
		p.nowFunc().UnixMilli(),
	)
	if err != nil {
		return fmt.Errorf("auth: add user %s: %w", username, err)
	}

	p.logger.Info("user added", "username", username)

	return nil
}

// SetPassword replaces the password of an existing user.
func (p *SQLiteProvider) SetPassword(ctx context.Context, username, password string) error {
	salt := newSalt()

	res, err := p.db.ExecContext(ctx, sqlUpdatePassword,
		hex.EncodeToString(salt), hashPassword(salt, password), username)
	if err != nil {
		return fmt.Errorf("auth: set password for %s: %w", username, err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("auth: no such user %s", username)
	}

	return nil
}

// DeleteUser removes a user row. The user's collection directory is left on
// disk for the external purge tooling.
func (p *SQLiteProvider) DeleteUser(ctx context.Context, username string) error {
	res, err := p.db.ExecContext(ctx, sqlDeleteUser, username)
	if err != nil {
		return fmt.Errorf("auth: delete user %s: %w", username, err)
	}

	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("auth: no such user %s", username)
	}

	p.logger.Info("user deleted", "username", username)

	return nil
}

// ListUsers returns all users ordered by username.
func (p *SQLiteProvider) ListUsers(ctx context.Context) ([]User, error) {
	rows, err := p.db.QueryContext(ctx, sqlListUsers)
	if err != nil {
		return nil, fmt.Errorf("auth: list users: %w", err)
	}
	defer rows.Close()

	var users []User

	for rows.Next() {
		var u User

		var createdMs int64

		if err := rows.Scan(&u.Username, &u.UserKey, &createdMs); err != nil {
			return nil, fmt.Errorf("auth: scan user row: %w", err)
		}

		u.CreatedAt = time.UnixMilli(createdMs)
		users = append(users, u)
	}

	return users, rows.Err()
}

// UserKey resolves a username to its user key without authenticating.
// Used by the admin reset command.
func (p *SQLiteProvider) UserKey(ctx context.Context, username string) (string, error) {
	var userKey, salt, hash string

	err := p.db.QueryRowContext(ctx, sqlGetUser, username).Scan(&userKey, &salt, &hash)

	switch {
	case errors.Is(err, sql.ErrNoRows):
		return "", fmt.Errorf("auth: no such user %s", username)
	case err != nil:
		return "", fmt.Errorf("auth: lookup %s: %w", username, err)
	}

	return userKey, nil
}

func newSalt() []byte {
	salt := make([]byte, saltBytes)
	// crypto/rand.Read never fails on supported platforms.
	if _, err := rand.Read(salt); err != nil {
		panic("auth: crypto/rand unavailable: " + err.Error())
	}

	return salt
}

func hashPassword(salt []byte, password string) string {
	h := sha256.New()
	h.Write(salt)
	h.Write([]byte(password))

	return hex.EncodeToString(h.Sum(nil))
}

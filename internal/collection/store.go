// Package collection owns the per-user collection directories: it opens,
// caches, and checkpoints the embedded relational database files, exposes a
// version-agnostic view of the sync-relevant tables, and performs the
// full-collection import/export used by full sync.
package collection

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	// Pure-Go SQLite driver (no CGO).
	_ "modernc.org/sqlite"
)

// On-disk names inside a user directory.
const (
	collectionFileName = "collection.anki2"
	mediaDirName       = "media"
	mediaDBFileName    = "media.server.db"
)

// Store hands out cached, reference-counted collection handles, one per
// user. Opening is lazy; releasing the last reference checkpoints the WAL
// and closes the file.
type Store struct {
	root    string
	logger  *slog.Logger
	nowFunc func() time.Time

	mu      sync.Mutex
	handles map[string]*Handle // user key -> open handle
}

// NewStore creates a Store rooted at dir.
func NewStore(root string, logger *slog.Logger) *Store {
	return &Store{
		root:    root,
		logger:  logger,
		nowFunc: time.Now,
		handles: make(map[string]*Handle),
	}
}

// UserDir returns the directory owning all of a user's data.
func (s *Store) UserDir(userKey string) string {
	return filepath.Join(s.root, userKey)
}

// CollectionPath returns the path of the user's collection database file.
func (s *Store) CollectionPath(userKey string) string {
	return filepath.Join(s.UserDir(userKey), collectionFileName)
}

// MediaDir returns the user's media file directory.
func (s *Store) MediaDir(userKey string) string {
	return filepath.Join(s.UserDir(userKey), mediaDirName)
}

// MediaDBPath returns the path of the user's media log database.
func (s *Store) MediaDBPath(userKey string) string {
	return filepath.Join(s.UserDir(userKey), mediaDBFileName)
}

// Open returns the user's collection handle, creating an empty collection on
// first contact. Callers must balance every Open with a Release.
func (s *Store) Open(ctx context.Context, userKey string) (*Handle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if h, ok := s.handles[userKey]; ok {
		h.refs++
		return h, nil
	}

	path := s.CollectionPath(userKey)

	if err := os.MkdirAll(s.MediaDir(userKey), 0o700); err != nil {
		return nil, fmt.Errorf("collection: creating user directory: %w", err)
	}

	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := createEmptyCollection(ctx, path, s.nowFunc()); err != nil {
			return nil, err
		}

		s.logger.Info("created empty collection", "user", userKey)
	}

	h, err := openHandle(ctx, path, s.logger)
	if err != nil {
		return nil, err
	}

	h.store = s
	h.userKey = userKey
	h.refs = 1
	s.handles[userKey] = h

	s.logger.Debug("collection opened",
		slog.String("user", userKey),
		slog.Int("schema_version", h.desc.Version),
	)

	return h, nil
}

// Release drops one reference. The last release checkpoints and closes.
func (s *Store) Release(h *Handle) error {
	if h == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	h.refs--
	if h.refs > 0 {
		return nil
	}

	delete(s.handles, h.userKey)

	return h.close()
}

// Discard closes the user's cached handle without checkpointing, for use
// after the underlying file has been replaced or removed. No-op when the
// handle is not open.
func (s *Store) Discard(userKey string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	h, ok := s.handles[userKey]
	if !ok {
		return
	}

	delete(s.handles, userKey)

	if err := h.db.Close(); err != nil {
		s.logger.Warn("discarding collection handle", "user", userKey, "error", err)
	}
}

// Handle is an opened collection database plus its schema descriptor.
// All sync mutations for a user flow through a single handle, serialized by
// the per-user lock above this layer.
type Handle struct {
	db      *sql.DB
	desc    *SchemaDesc
	path    string
	logger  *slog.Logger
	store   *Store
	userKey string
	refs    int
}

func openHandle(ctx context.Context, path string, logger *slog.Logger) (*Handle, error) {
	db, err := openCollectionDB(path)
	if err != nil {
		return nil, err
	}

	ver, err := readSchemaVersion(ctx, db)
	if err != nil {
		db.Close()
		return nil, err
	}

	desc, err := descriptorFor(ver)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &Handle{db: db, desc: desc, path: path, logger: logger}, nil
}

func openCollectionDB(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf(
		"file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(FULL)&_pragma=busy_timeout(5000)",
		path,
	)

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("collection: open %s: %w", path, err)
	}

	// The handle is the sole writer; a second connection would only
	// contend on the file lock.
	db.SetMaxOpenConns(1)

	return db, nil
}

// Desc returns the schema descriptor for the opened collection.
func (h *Handle) Desc() *SchemaDesc {
	return h.desc
}

// Path returns the collection file path.
func (h *Handle) Path() string {
	return h.path
}

// DB exposes the underlying database for the change layer.
func (h *Handle) DB() *sql.DB {
	return h.db
}

// Checkpoint forces a full WAL checkpoint. Must run before the file is read
// or deleted out-of-band; skipping it silently drops committed changes.
func (h *Handle) Checkpoint(ctx context.Context) error {
	if _, err := h.db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
		return fmt.Errorf("collection: wal checkpoint: %w", err)
	}

	return nil
}

// close checkpoints and closes the database file.
func (h *Handle) close() error {
	ctx := context.Background()

	if err := h.Checkpoint(ctx); err != nil {
		h.logger.Warn("checkpoint on close failed", "path", h.path, "error", err)
	}

	if err := h.db.Close(); err != nil {
		return fmt.Errorf("collection: close %s: %w", h.path, err)
	}

	return nil
}

// Meta is the col-row metadata the handshake needs.
type Meta struct {
	Mod int64 // collection modification time, ms
	Scm int64 // schema change time, ms
	USN int64
	Ls  int64 // last sync time, ms
}

// ReadMeta reads the col-row metadata.
func (h *Handle) ReadMeta(ctx context.Context) (Meta, error) {
	var m Meta

	err := h.db.QueryRowContext(ctx,
		`SELECT mod, scm, usn, ls FROM col`,
	).Scan(&m.Mod, &m.Scm, &m.USN, &m.Ls)
	if err != nil {
		return Meta{}, fmt.Errorf("collection: reading col metadata: %w", err)
	}

	return m, nil
}

// CommitMeta writes mod/usn/ls after a successful sync transaction.
func (h *Handle) CommitMeta(ctx context.Context, mod, usn, ls int64) error {
	_, err := h.db.ExecContext(ctx,
		`UPDATE col SET mod = ?, usn = ?, ls = ?`, mod, usn, ls)
	if err != nil {
		return fmt.Errorf("collection: committing col metadata: %w", err)
	}

	return nil
}

// Empty reports whether the collection has no notes and no cards — the
// handshake's empty-collection flag.
func (h *Handle) Empty(ctx context.Context) (bool, error) {
	var n int64
	if err := h.db.QueryRowContext(ctx,
		`SELECT (SELECT count() FROM notes) + (SELECT count() FROM cards)`,
	).Scan(&n); err != nil {
		return false, fmt.Errorf("collection: counting notes and cards: %w", err)
	}

	return n == 0, nil
}

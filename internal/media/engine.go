package media

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/jackymcgrady/ankicommunity-sync-server/internal/collection"
	"github.com/jackymcgrady/ankicommunity-sync-server/internal/syncerr"
)

// Locker serializes a user's sync activity; satisfied by the session
// registry, so the media and collection engines share one lock.
type Locker interface {
	LockUser(userKey string) error
	UnlockUser(userKey string)
}

// BeginResult is the payload of a begin response.
type BeginResult struct {
	USN int64  `json:"usn"`
	SK  string `json:"sk"`
}

// UploadResult is the payload of an uploadChanges response. CurrentUSN is
// the USN of the last applied change.
type UploadResult struct {
	Processed  int   `json:"processed"`
	CurrentUSN int64 `json:"current_usn"`
}

// Engine serves the media sync endpoints for all users, opening each user's
// media log lazily and keeping it open for the server's lifetime.
type Engine struct {
	paths         *collection.Store
	locker        Locker
	maxBatchBytes int64
	logger        *slog.Logger
	nowFunc       func() time.Time

	mu  sync.Mutex
	dbs map[string]*mediaDB // user key -> open media log
}

// NewEngine wires the media engine to the collection store's path layout
// and the shared per-user locks.
func NewEngine(paths *collection.Store, locker Locker, maxBatchBytes int64, logger *slog.Logger) *Engine {
	return &Engine{
		paths:         paths,
		locker:        locker,
		maxBatchBytes: maxBatchBytes,
		logger:        logger,
		nowFunc:       time.Now,
		dbs:           make(map[string]*mediaDB),
	}
}

// Close closes every open media log.
func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	var firstErr error

	for user, db := range e.dbs {
		if err := db.close(); err != nil && firstErr == nil {
			firstErr = err
		}

		delete(e.dbs, user)
	}

	return firstErr
}

func (e *Engine) dbFor(userKey string) (*mediaDB, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if db, ok := e.dbs[userKey]; ok {
		return db, nil
	}

	if err := ensureDir(e.paths.UserDir(userKey)); err != nil {
		return nil, err
	}

	db, err := openMediaDB(e.paths.MediaDBPath(userKey), e.logger)
	if err != nil {
		return nil, err
	}

	e.dbs[userKey] = db

	return db, nil
}

func (e *Engine) bagFor(userKey string) *fileBag {
	return &fileBag{dir: e.paths.MediaDir(userKey)}
}

// LastUSN returns the media log's current USN; it also implements the
// collection handshake's media-state dependency.
func (e *Engine) LastUSN(ctx context.Context, userKey string) (int64, error) {
	db, err := e.dbFor(userKey)
	if err != nil {
		return 0, err
	}

	return db.lastUSN(ctx)
}

// Begin opens a media sync session: it reports the current media USN and
// echoes the session key. Idempotent.
func (e *Engine) Begin(ctx context.Context, userKey, sessionKey string) (*BeginResult, error) {
	usn, err := e.LastUSN(ctx, userKey)
	if err != nil {
		return nil, syncerr.Internal(err)
	}

	return &BeginResult{USN: usn, SK: sessionKey}, nil
}

// Changes lists entries with USN > lastUSN in ascending USN order, as wire
// triples [fname, usn, checksum-or-empty]. The result is always a non-nil
// slice: clients treat null as a protocol error and retry forever.
func (e *Engine) Changes(ctx context.Context, userKey string, lastUSN int64) ([][]any, error) {
	db, err := e.dbFor(userKey)
	if err != nil {
		return nil, syncerr.Internal(err)
	}

	entries, err := db.changesSince(ctx, lastUSN)
	if err != nil {
		return nil, syncerr.Internal(err)
	}

	out := make([][]any, 0, len(entries))
	for _, entry := range entries {
		out = append(out, []any{entry.Fname, entry.USN, entry.Checksum})
	}

	return out, nil
}

// UploadChanges applies a batch archive under the user lock: additions are
// hashed, written, and logged; deletions remove the file and leave a
// tombstone. Entries already reflecting the incoming state are skipped, so
// replaying an archive is harmless.
func (e *Engine) UploadChanges(ctx context.Context, userKey string, archive []byte) (*UploadResult, error) {
	if err := e.locker.LockUser(userKey); err != nil {
		return nil, err
	}
	defer e.locker.UnlockUser(userKey)

	files, err := DecodeArchive(archive, e.maxBatchBytes)
	if err != nil {
		return nil, syncerr.Wrap(syncerr.ErrBadRequest, "malformed media archive", err)
	}

	db, err := e.dbFor(userKey)
	if err != nil {
		return nil, syncerr.Internal(err)
	}

	bag := e.bagFor(userKey)
	processed := 0

	for _, f := range files {
		name, err := NormalizeName(f.Name)
		if err != nil {
			return nil, syncerr.Wrap(syncerr.ErrBadRequest, "unusable media filename", err)
		}

		if f.Delete {
			if err := e.applyDeletion(ctx, db, bag, name); err != nil {
				return nil, err
			}
		} else {
			if err := e.applyAddition(ctx, db, bag, name, f.Data); err != nil {
				return nil, err
			}
		}

		processed++
	}

	currentUSN, err := db.lastUSN(ctx)
	if err != nil {
		return nil, syncerr.Internal(err)
	}

	e.logger.Info("media batch applied",
		slog.String("user", userKey),
		slog.Int("processed", processed),
		slog.Int64("current_usn", currentUSN),
	)

	return &UploadResult{Processed: processed, CurrentUSN: currentUSN}, nil
}

func (e *Engine) applyDeletion(ctx context.Context, db *mediaDB, bag *fileBag, name string) error {
	existing, err := db.entry(ctx, name)
	if err != nil {
		return syncerr.Internal(err)
	}

	// Already a tombstone: replaying the deletion must not burn a USN.
	if existing != nil && existing.Checksum == "" {
		return nil
	}

	if err := bag.remove(name); err != nil {
		return syncerr.Internal(err)
	}

	usn, err := db.nextUSN(ctx)
	if err != nil {
		return syncerr.Internal(err)
	}

	entry := Entry{Fname: name, USN: usn, Checksum: "", Size: 0, Mtime: e.nowFunc().Unix()}
	if err := db.upsert(ctx, entry); err != nil {
		return syncerr.Internal(err)
	}

	return nil
}

func (e *Engine) applyAddition(ctx context.Context, db *mediaDB, bag *fileBag, name string, data []byte) error {
	csum := Checksum(data)

	existing, err := db.entry(ctx, name)
	if err != nil {
		return syncerr.Internal(err)
	}

	// Unchanged content: nothing to log, nothing to write.
	if existing != nil && existing.Checksum == csum {
		return nil
	}

	if err := bag.write(name, data); err != nil {
		return syncerr.Internal(err)
	}

	usn, err := db.nextUSN(ctx)
	if err != nil {
		return syncerr.Internal(err)
	}

	entry := Entry{
		Fname:    name,
		USN:      usn,
		Checksum: csum,
		Size:     int64(len(data)),
		Mtime:    e.nowFunc().Unix(),
	}

	if err := db.upsert(ctx, entry); err != nil {
		return syncerr.Internal(err)
	}

	return nil
}

// DownloadFiles packages the requested files into a batch archive.
func (e *Engine) DownloadFiles(ctx context.Context, userKey string, names []string) ([]byte, error) {
	if err := e.locker.LockUser(userKey); err != nil {
		return nil, err
	}
	defer e.locker.UnlockUser(userKey)

	db, err := e.dbFor(userKey)
	if err != nil {
		return nil, syncerr.Internal(err)
	}

	bag := e.bagFor(userKey)
	files := make([]ArchiveFile, 0, len(names))

	var total int64

	for _, raw := range names {
		name, err := NormalizeName(raw)
		if err != nil {
			return nil, syncerr.Wrap(syncerr.ErrBadRequest, "unusable media filename", err)
		}

		entry, err := db.entry(ctx, name)
		if err != nil {
			return nil, syncerr.Internal(err)
		}

		if entry == nil || entry.Checksum == "" {
			return nil, syncerr.Newf(syncerr.ErrBadRequest, "requested file %q does not exist", name)
		}

		data, err := bag.read(name)
		if err != nil {
			return nil, syncerr.Internal(err)
		}

		total += int64(len(data))
		if total > e.maxBatchBytes {
			return nil, syncerr.Newf(syncerr.ErrBadRequest,
				"requested batch exceeds %d bytes; split the request", e.maxBatchBytes)
		}

		files = append(files, ArchiveFile{Name: name, Data: data})
	}

	archive, err := EncodeArchive(files)
	if err != nil {
		return nil, syncerr.Internal(err)
	}

	return archive, nil
}

// Sanity compares the client's non-deleted file count with the server's.
type SanityStatus string

// Sanity statuses.
const (
	SanityOK     SanityStatus = "OK"
	SanityFailed SanityStatus = "FAILED"
)

// Sanity reports OK when the client's file count matches the number of
// non-tombstone entries; any mismatch directs the client to a full media
// reset.
func (e *Engine) Sanity(ctx context.Context, userKey string, localCount int64) (SanityStatus, error) {
	db, err := e.dbFor(userKey)
	if err != nil {
		return SanityFailed, syncerr.Internal(err)
	}

	serverCount, err := db.fileCount(ctx)
	if err != nil {
		return SanityFailed, syncerr.Internal(err)
	}

	if localCount != serverCount {
		e.logger.Warn("media sanity mismatch",
			slog.String("user", userKey),
			slog.Int64("client", localCount),
			slog.Int64("server", serverCount),
		)

		return SanityFailed, nil
	}

	return SanityOK, nil
}

func ensureDir(dir string) error {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("media: creating %s: %w", dir, err)
	}

	return nil
}

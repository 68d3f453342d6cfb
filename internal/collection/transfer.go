package collection

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
)

// ImportCollection validates data as a complete collection database and
// atomically swaps it in as the user's collection, discarding any cached
// handle. The previous file's WAL and shared-memory auxiliaries are removed
// only after the old handle has been closed — they belong to the superseded
// file and must not be replayed into the new one.
func (s *Store) ImportCollection(ctx context.Context, userKey string, data []byte) error {
	dir := s.UserDir(userKey)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("collection: creating user directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".upload-*")
	if err != nil {
		return fmt.Errorf("collection: staging upload: %w", err)
	}

	tmpPath := tmp.Name()
	defer os.Remove(tmpPath)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("collection: writing staged upload: %w", err)
	}

	if err := tmp.Close(); err != nil {
		return fmt.Errorf("collection: closing staged upload: %w", err)
	}

	if err := validateCollectionFile(ctx, tmpPath); err != nil {
		return err
	}

	// Close any open handle before touching the files it references.
	s.Discard(userKey)

	path := s.CollectionPath(userKey)

	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("collection: swapping in uploaded collection: %w", err)
	}

	for _, suffix := range []string{"-wal", "-shm"} {
		stale := path + suffix
		if err := os.Remove(stale); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("collection: removing stale %s: %w", filepath.Base(stale), err)
		}
	}

	s.logger.Info("collection replaced by full upload", "user", userKey)

	return nil
}

// ExportCollection checkpoints the user's collection and returns the raw
// database file bytes for a full download.
func (s *Store) ExportCollection(ctx context.Context, userKey string) ([]byte, error) {
	h, err := s.Open(ctx, userKey)
	if err != nil {
		return nil, err
	}
	defer s.Release(h)

	if err := h.Checkpoint(ctx); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(h.Path())
	if err != nil {
		return nil, fmt.Errorf("collection: reading collection file: %w", err)
	}

	return data, nil
}

// Package testutil holds helpers shared by the engine and transport test
// suites: temp collection stores and row seeding for client-shaped data.
package testutil

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"testing"

	"github.com/jackymcgrady/ankicommunity-sync-server/internal/collection"
)

// Logger returns a quiet slog.Logger for tests.
func Logger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// NewCollectionStore returns a Store rooted in a temp directory.
func NewCollectionStore(t *testing.T) *collection.Store {
	t.Helper()

	return collection.NewStore(t.TempDir(), Logger(t))
}

// Note is a seedable note row.
type Note struct {
	ID   int64
	Mod  int64
	USN  int64
	Flds string
	Csum int64
}

// InsertNote writes a note row directly, bypassing the sync engine.
func InsertNote(t *testing.T, h *collection.Handle, n Note) {
	t.Helper()

	_, err := h.DB().ExecContext(context.Background(),
		`INSERT OR REPLACE INTO notes (id, guid, mid, mod, usn, tags, flds, sfld, csum, flags, data)
		 VALUES (?, ?, 1, ?, ?, '', ?, ?, ?, 0, '')`,
		n.ID, fmt.Sprintf("guid%d", n.ID), n.Mod, n.USN, n.Flds, n.Flds, n.Csum)
	if err != nil {
		t.Fatalf("insert note: %v", err)
	}
}

// Card is a seedable card row.
type Card struct {
	ID  int64
	NID int64
	Mod int64
	USN int64
}

// InsertCard writes a card row directly, bypassing the sync engine.
func InsertCard(t *testing.T, h *collection.Handle, c Card) {
	t.Helper()

	_, err := h.DB().ExecContext(context.Background(),
		`INSERT OR REPLACE INTO cards
		 (id, nid, did, ord, mod, usn, type, queue, due, ivl, factor, reps, lapses, left, odue, odid, flags, data)
		 VALUES (?, ?, 1, 0, ?, ?, 0, 0, 0, 0, 2500, 0, 0, 0, 0, 0, 0, '')`,
		c.ID, c.NID, c.Mod, c.USN)
	if err != nil {
		t.Fatalf("insert card: %v", err)
	}
}

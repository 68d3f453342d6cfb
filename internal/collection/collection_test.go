package collection

import (
	"context"
	"log/slog"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestHandle(t *testing.T) (*Store, *Handle) {
	t.Helper()

	store := NewStore(t.TempDir(), testLogger(t))

	h, err := store.Open(context.Background(), "user1")
	require.NoError(t, err)
	t.Cleanup(func() { store.Release(h) })

	return store, h
}

func noteRow(id, mod, usn int64, flds, csum string) Row {
	return Row{id, "guid", int64(1), mod, usn, "", flds, flds, csum, int64(0), ""}
}

func TestOpenCreatesEmptyCollection(t *testing.T) {
	t.Parallel()

	_, h := newTestHandle(t)
	ctx := context.Background()

	m, err := h.ReadMeta(ctx)
	require.NoError(t, err)
	assert.Positive(t, m.Mod)
	assert.Positive(t, m.Scm)
	assert.Zero(t, m.USN)

	empty, err := h.Empty(ctx)
	require.NoError(t, err)
	assert.True(t, empty)

	assert.Equal(t, SchemaVersionMin, h.Desc().Version)
	assert.True(t, h.Desc().Legacy())
}

func TestDescriptorRange(t *testing.T) {
	t.Parallel()

	_, err := descriptorFor(10)
	require.Error(t, err, "pre-V11 schemas are unsupported")

	for v := SchemaVersionMin; v <= SchemaVersionMax; v++ {
		desc, err := descriptorFor(v)
		require.NoError(t, err)
		assert.Len(t, desc.Tables, len(StreamOrder))
	}

	// Future versions degrade to the newest known descriptor.
	desc, err := descriptorFor(99)
	require.NoError(t, err)
	assert.Equal(t, 99, desc.Version)
	assert.False(t, desc.Legacy())
}

func TestApplyRows_AssignsUSNAndRoundTrips(t *testing.T) {
	t.Parallel()

	_, h := newTestHandle(t)
	ctx := context.Background()

	rows := []Row{noteRow(100, 5000, -1, "front\x1fback", "12345")}
	require.NoError(t, h.ApplyRows(ctx, TableNotes, rows, 7, nil))

	out, err := h.EnumerateRows(ctx, TableNotes, 0)
	require.NoError(t, err)
	require.Len(t, out, 1)

	got := out[0]
	assert.Equal(t, int64(100), got[0], "id stays an integer")
	assert.Equal(t, int64(7), got[4], "usn -1 is reassigned the transaction usn")
	assert.Equal(t, "12345", got[8], "csum is emitted as a string")

	// Nothing newer than usn 7.
	out, err = h.EnumerateRows(ctx, TableNotes, 7)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestApplyRows_ConflictKeepsLaterMod(t *testing.T) {
	t.Parallel()

	_, h := newTestHandle(t)
	ctx := context.Background()

	require.NoError(t, h.ApplyRows(ctx, TableNotes,
		[]Row{noteRow(1, 2000, -1, "server-version", "1")}, 3, nil))

	// Older incoming mod loses.
	require.NoError(t, h.ApplyRows(ctx, TableNotes,
		[]Row{noteRow(1, 1000, -1, "stale", "1")}, 4, nil))

	out, err := h.EnumerateRows(ctx, TableNotes, 0)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "server-version", out[0][6])

	// Equal mod ties keep the stored row.
	require.NoError(t, h.ApplyRows(ctx, TableNotes,
		[]Row{noteRow(1, 2000, -1, "tied", "1")}, 5, nil))

	out, err = h.EnumerateRows(ctx, TableNotes, 0)
	require.NoError(t, err)
	assert.Equal(t, "server-version", out[0][6])

	// Newer incoming mod wins.
	require.NoError(t, h.ApplyRows(ctx, TableNotes,
		[]Row{noteRow(1, 3000, -1, "newer", "1")}, 6, nil))

	out, err = h.EnumerateRows(ctx, TableNotes, 0)
	require.NoError(t, err)
	assert.Equal(t, "newer", out[0][6])
}

func TestGraves_ApplyAndList(t *testing.T) {
	t.Parallel()

	_, h := newTestHandle(t)
	ctx := context.Background()

	require.NoError(t, h.ApplyRows(ctx, TableNotes,
		[]Row{noteRow(10, 1000, -1, "doomed", "1")}, 1, nil))

	g := &Graves{Notes: []string{"10"}, Cards: []string{}, Decks: []string{}}
	require.NoError(t, h.ApplyGraves(ctx, g, 2))

	// The note is gone.
	out, err := h.EnumerateRows(ctx, TableNotes, 0)
	require.NoError(t, err)
	assert.Empty(t, out)

	// The tombstone is listed for clients behind usn 2, as strings.
	listed, err := h.ListGraves(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"10"}, listed.Notes)
	assert.Empty(t, listed.Cards)

	// Clients already at usn 2 see nothing.
	listed, err = h.ListGraves(ctx, 2)
	require.NoError(t, err)
	assert.True(t, listed.Empty())
}

func TestGraves_NoResurrection(t *testing.T) {
	t.Parallel()

	_, h := newTestHandle(t)
	ctx := context.Background()

	g := &Graves{Notes: []string{"42"}}
	require.NoError(t, h.ApplyGraves(ctx, g, 2))

	set := NewGraveSet()
	require.NoError(t, set.Add(g))

	// An upsert for the tombstoned id inside the same transaction is dropped.
	require.NoError(t, h.ApplyRows(ctx, TableNotes,
		[]Row{noteRow(42, 9000, -1, "zombie", "1")}, 2, set))

	out, err := h.EnumerateRows(ctx, TableNotes, 0)
	require.NoError(t, err)
	assert.Empty(t, out)
}

func TestBlobTables_DecksAndTags(t *testing.T) {
	t.Parallel()

	_, h := newTestHandle(t)
	ctx := context.Background()

	// The fresh collection ships a default deck.
	decks, err := h.EnumerateRows(ctx, TableDecks, -1)
	require.NoError(t, err)
	require.Len(t, decks, 1)
	assert.Equal(t, "1", decks[0][0])

	deckJSON := `{"id":123,"name":"Japanese","mod":5000,"usn":-1,"dyn":0,"conf":1}`
	require.NoError(t, h.ApplyRows(ctx, TableDecks,
		[]Row{{"123", deckJSON}}, 9, nil))

	decks, err = h.EnumerateRows(ctx, TableDecks, 0)
	require.NoError(t, err)
	require.Len(t, decks, 1, "only the new deck exceeds usn 0")
	assert.Equal(t, "123", decks[0][0])
	assert.Contains(t, decks[0][1], `"usn":9`, "usn -1 is reassigned inside the entry")

	require.NoError(t, h.ApplyRows(ctx, TableTags,
		[]Row{{"vocab", int64(-1)}}, 9, nil))

	tags, err := h.EnumerateRows(ctx, TableTags, 0)
	require.NoError(t, err)
	require.Len(t, tags, 1)
	assert.Equal(t, "vocab", tags[0][0])
	assert.Equal(t, int64(9), tags[0][1])
}

func TestSanityVector(t *testing.T) {
	t.Parallel()

	_, h := newTestHandle(t)
	ctx := context.Background()

	v, err := h.SanityVector(ctx)
	require.NoError(t, err)
	require.Len(t, v, SanityVectorLen)

	// Fresh collection: no notes/cards/revlog/graves, one deck, one deck
	// config, no models, no tags, default conf keys.
	assert.Equal(t, int64(0), v[0])
	assert.Equal(t, int64(0), v[1])
	assert.Equal(t, int64(1), v[4], "default deck")
	assert.Equal(t, int64(1), v[5], "default deck config")
	assert.Equal(t, int64(0), v[6])
	assert.Equal(t, int64(0), v[7])
	assert.Positive(t, v[8], "default conf has keys")

	require.NoError(t, h.ApplyRows(ctx, TableNotes,
		[]Row{noteRow(1, 1, -1, "x", "1")}, 1, nil))

	v2, err := h.SanityVector(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), v2[0])

	assert.True(t, SanityMatch(v2, v2))
	assert.False(t, SanityMatch(v, v2))
	assert.False(t, SanityMatch(v[:3], v))
}

func TestImportExportRoundTrip(t *testing.T) {
	t.Parallel()

	store, h := newTestHandle(t)
	ctx := context.Background()

	require.NoError(t, h.ApplyRows(ctx, TableNotes,
		[]Row{noteRow(1, 1000, -1, "keep-me", "1")}, 1, nil))

	data, err := store.ExportCollection(ctx, "user1")
	require.NoError(t, err)
	require.NotEmpty(t, data)

	// Import into a different user and read it back.
	require.NoError(t, store.ImportCollection(ctx, "user2", data))

	h2, err := store.Open(ctx, "user2")
	require.NoError(t, err)
	defer store.Release(h2)

	out, err := h2.EnumerateRows(ctx, TableNotes, 0)
	require.NoError(t, err)
	require.Len(t, out, 1)
	assert.Equal(t, "keep-me", out[0][6])
}

func TestImportRejectsGarbage(t *testing.T) {
	t.Parallel()

	store, _ := newTestHandle(t)

	err := store.ImportCollection(context.Background(), "user3", []byte("not a database"))
	require.Error(t, err)
}

package syncsrv

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jackymcgrady/ankicommunity-sync-server/internal/auth"
	"github.com/jackymcgrady/ankicommunity-sync-server/internal/collection"
	"github.com/jackymcgrady/ankicommunity-sync-server/internal/session"
	"github.com/jackymcgrady/ankicommunity-sync-server/internal/syncerr"
	"github.com/jackymcgrady/ankicommunity-sync-server/testutil"
)

// fixedMedia satisfies MediaState with a constant USN.
type fixedMedia struct{ usn int64 }

func (m fixedMedia) LastUSN(context.Context, string) (int64, error) {
	return m.usn, nil
}

type testEnv struct {
	engine      *Engine
	registry    *session.Registry
	collections *collection.Store
	sess        *session.Session
}

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	dir := t.TempDir()
	logger := testLogger(t)
	provider := auth.NewStaticProvider(map[string]string{"alice": "secret"})
	collections := collection.NewStore(dir, logger)

	registry, err := session.NewRegistry(filepath.Join(dir, "sessions.db"), provider, collections, logger)
	require.NoError(t, err)
	t.Cleanup(func() { registry.Close() })

	engine := NewEngine(registry, fixedMedia{usn: 3}, 5*time.Minute, logger)

	sess, err := registry.Login(context.Background(), "alice", "secret", "host-1")
	require.NoError(t, err)

	return &testEnv{engine: engine, registry: registry, collections: collections, sess: sess}
}

// openHandle returns the user's shared collection handle for direct
// inspection; the caller must release it.
func (env *testEnv) openHandle(t *testing.T) *collection.Handle {
	t.Helper()

	h, err := env.collections.Open(context.Background(), env.sess.UserKey)
	require.NoError(t, err)

	return h
}

func noteRow(id, mod, usn int64, flds string) collection.Row {
	return collection.Row{id, "guid", int64(1), mod, usn, "", flds, flds, "111", int64(0), ""}
}

func TestMeta_FreshCollection(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)

	resp, err := env.engine.Meta(context.Background(), env.sess, &MetaRequest{Version: 11, ClientVersion: "test,1"})
	require.NoError(t, err)

	assert.True(t, resp.Cont)
	assert.True(t, resp.Empty)
	assert.Zero(t, resp.USN)
	assert.Positive(t, resp.SCM)
	assert.Positive(t, resp.Ts)
	assert.Equal(t, int64(3), resp.MediaUSN)
	assert.Equal(t, "alice", resp.Username)
	assert.Zero(t, resp.HostNum)
	assert.Empty(t, resp.Message)
}

func TestMeta_OldProtocolRefused(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)

	_, err := env.engine.Meta(context.Background(), env.sess, &MetaRequest{Version: 10})
	assert.ErrorIs(t, err, syncerr.ErrBadRequest)
}

func TestMeta_ClockSkew(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)

	skewed := time.Now().Add(-10 * time.Minute).UnixMilli()

	resp, err := env.engine.Meta(context.Background(), env.sess,
		&MetaRequest{Version: 11, ClientTime: skewed})
	require.NoError(t, err)
	assert.False(t, resp.Cont)
	assert.NotEmpty(t, resp.Message)
}

func TestMeta_SchemaMismatch(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)

	resp, err := env.engine.Meta(context.Background(), env.sess,
		&MetaRequest{Version: 11, SCM: 12345})
	require.NoError(t, err)
	assert.False(t, resp.Cont)
	assert.NotEmpty(t, resp.Message)
}

func TestMeta_BusyWhileLocked(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)

	require.NoError(t, env.registry.LockUser(env.sess.UserKey))
	defer env.registry.UnlockUser(env.sess.UserKey)

	resp, err := env.engine.Meta(context.Background(), env.sess, &MetaRequest{Version: 11})
	require.NoError(t, err)
	assert.False(t, resp.Cont)
	assert.NotEmpty(t, resp.Message)
}

func TestStart_Exclusive(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.engine.Start(ctx, env.sess, &StartRequest{MinUSN: 0})
	require.NoError(t, err)

	_, err = env.engine.Start(ctx, env.sess, &StartRequest{MinUSN: 0})
	assert.ErrorIs(t, err, syncerr.ErrBusy)

	require.NoError(t, env.engine.Abort(ctx, env.sess))

	// The lock is free again after abort.
	_, err = env.engine.Start(ctx, env.sess, &StartRequest{MinUSN: 0})
	require.NoError(t, err)
	require.NoError(t, env.engine.Abort(ctx, env.sess))
}

func TestOperationsRequireStart(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.engine.Chunk(ctx, env.sess)
	assert.ErrorIs(t, err, syncerr.ErrBadRequest)

	_, err = env.engine.Finish(ctx, env.sess)
	assert.ErrorIs(t, err, syncerr.ErrBadRequest)

	// Abort without a transaction is a no-op.
	require.NoError(t, env.engine.Abort(ctx, env.sess))
}

func TestFullIncrementalSync(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()

	// Seed a server-side note committed at usn 1.
	h := env.openHandle(t)
	testutil.InsertNote(t, h, testutil.Note{ID: 1, Mod: 1000, USN: 1, Flds: "server-note", Csum: 111})
	require.NoError(t, h.CommitMeta(ctx, 1000, 1, 1000))
	env.collections.Release(h)

	// Client last saw usn 0.
	start, err := env.engine.Start(ctx, env.sess, &StartRequest{MinUSN: 0, LocalNewer: false})
	require.NoError(t, err)
	assert.True(t, start.Graves.Empty())

	// Client uploads a new note.
	chunk := &Chunk{
		Done: true,
		Tables: map[string][]collection.Row{
			collection.TableNotes: {noteRow(2, 2000, -1, "client-note")},
		},
	}
	require.NoError(t, env.engine.ApplyChunk(ctx, env.sess, &ApplyChunkRequest{Chunk: chunk}))

	// Server streams back its own note, not the client's.
	resp, err := env.engine.Chunk(ctx, env.sess)
	require.NoError(t, err)
	assert.True(t, resp.Chunk.Done)

	notes := resp.Chunk.Tables[collection.TableNotes]
	require.Len(t, notes, 1)
	assert.Equal(t, int64(1), notes[0][0])

	// Sanity via the shared handle sees the staged state.
	h = env.openHandle(t)
	vector, err := h.SanityVector(ctx)
	env.collections.Release(h)
	require.NoError(t, err)

	sanity, err := env.engine.SanityCheck(ctx, env.sess, &SanityCheckRequest{Client: vector})
	require.NoError(t, err)
	assert.Equal(t, SanityOK, sanity.Status)

	finish, err := env.engine.Finish(ctx, env.sess)
	require.NoError(t, err)
	assert.Positive(t, finish.Mod)

	// Committed: collection usn bumped to 2, client note assigned usn 2.
	h = env.openHandle(t)
	defer env.collections.Release(h)

	m, err := h.ReadMeta(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), m.USN)
	assert.Equal(t, finish.Mod, m.Mod)

	rows, err := h.EnumerateRows(ctx, collection.TableNotes, 1)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(2), rows[0][0])
	assert.Equal(t, int64(2), rows[0][4], "usn -1 reassigned to the transaction usn")

	// The lock is released.
	require.NoError(t, env.registry.LockUser(env.sess.UserKey))
	env.registry.UnlockUser(env.sess.UserKey)
}

func TestUSNMonotonicAcrossSyncs(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()

	runSync := func(noteID int64) int64 {
		_, err := env.engine.Start(ctx, env.sess, &StartRequest{MinUSN: 0})
		require.NoError(t, err)

		chunk := &Chunk{Done: true, Tables: map[string][]collection.Row{
			collection.TableNotes: {noteRow(noteID, noteID*1000, -1, "n")},
		}}
		require.NoError(t, env.engine.ApplyChunk(ctx, env.sess, &ApplyChunkRequest{Chunk: chunk}))

		_, err = env.engine.Finish(ctx, env.sess)
		require.NoError(t, err)

		h := env.openHandle(t)
		defer env.collections.Release(h)

		m, err := h.ReadMeta(ctx)
		require.NoError(t, err)

		return m.USN
	}

	u1 := runSync(1)
	u2 := runSync(2)
	assert.Greater(t, u2, u1)
}

func TestAbortRollsBack(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.engine.Start(ctx, env.sess, &StartRequest{MinUSN: 0})
	require.NoError(t, err)

	chunk := &Chunk{Done: true, Tables: map[string][]collection.Row{
		collection.TableNotes: {noteRow(9, 1000, -1, "discard-me")},
	}}
	require.NoError(t, env.engine.ApplyChunk(ctx, env.sess, &ApplyChunkRequest{Chunk: chunk}))

	require.NoError(t, env.engine.Abort(ctx, env.sess))

	h := env.openHandle(t)
	defer env.collections.Release(h)

	rows, err := h.EnumerateRows(ctx, collection.TableNotes, -1)
	require.NoError(t, err)
	assert.Empty(t, rows, "aborted changes must not be visible")
}

func TestSanityMismatchDiscardsTransaction(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.engine.Start(ctx, env.sess, &StartRequest{MinUSN: 0})
	require.NoError(t, err)

	chunk := &Chunk{Done: true, Tables: map[string][]collection.Row{
		collection.TableNotes: {noteRow(5, 1000, -1, "phantom")},
	}}
	require.NoError(t, env.engine.ApplyChunk(ctx, env.sess, &ApplyChunkRequest{Chunk: chunk}))

	wrong := make([]int64, collection.SanityVectorLen)
	wrong[0] = 999

	resp, err := env.engine.SanityCheck(ctx, env.sess, &SanityCheckRequest{Client: wrong})
	require.NoError(t, err)
	assert.Equal(t, SanityBad, resp.Status)

	// Transaction gone: the staged note was rolled back, the lock is free.
	h := env.openHandle(t)
	defer env.collections.Release(h)

	rows, err := h.EnumerateRows(ctx, collection.TableNotes, -1)
	require.NoError(t, err)
	assert.Empty(t, rows)

	require.NoError(t, env.registry.LockUser(env.sess.UserKey))
	env.registry.UnlockUser(env.sess.UserKey)
}

func TestGraveExchange(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()

	// Seed two notes committed at usn 1.
	h := env.openHandle(t)
	testutil.InsertNote(t, h, testutil.Note{ID: 1, Mod: 1000, USN: 1, Flds: "a", Csum: 1})
	testutil.InsertNote(t, h, testutil.Note{ID: 2, Mod: 1000, USN: 1, Flds: "b", Csum: 2})
	require.NoError(t, h.CommitMeta(ctx, 1000, 1, 1000))
	env.collections.Release(h)

	// Client deletes note 1 and tries to re-create it in the same sync.
	start, err := env.engine.Start(ctx, env.sess, &StartRequest{
		MinUSN: 1,
		Graves: &collection.Graves{Notes: []string{"1"}},
	})
	require.NoError(t, err)
	assert.True(t, start.Graves.Empty(), "server has no tombstones for this client")

	chunk := &Chunk{Done: true, Tables: map[string][]collection.Row{
		collection.TableNotes: {noteRow(1, 9999, -1, "resurrected")},
	}}
	require.NoError(t, env.engine.ApplyChunk(ctx, env.sess, &ApplyChunkRequest{Chunk: chunk}))

	_, err = env.engine.Finish(ctx, env.sess)
	require.NoError(t, err)

	h = env.openHandle(t)
	defer env.collections.Release(h)

	rows, err := h.EnumerateRows(ctx, collection.TableNotes, -1)
	require.NoError(t, err)
	require.Len(t, rows, 1, "note 1 stays deleted")
	assert.Equal(t, int64(2), rows[0][0])

	graves, err := h.ListGraves(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"1"}, graves.Notes)
}

func TestApplyChanges_DecksAndTags(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()

	_, err := env.engine.Start(ctx, env.sess, &StartRequest{MinUSN: 0, LocalNewer: true})
	require.NoError(t, err)

	deckJSON := `{"id":55,"name":"Physics","mod":4000,"usn":-1,"dyn":0,"conf":1}`
	req := &ApplyChangesRequest{Changes: Changes{
		collection.TableDecks: {{"55", deckJSON}},
		collection.TableTags:  {{"mechanics", int64(-1)}},
	}}

	resp, err := env.engine.ApplyChanges(ctx, env.sess, req)
	require.NoError(t, err)

	// Nothing comes back: the default deck sits at usn 0 (not newer than
	// the client), and the client's own uploads are never echoed.
	assert.NotContains(t, resp.Changes, collection.TableDecks)
	assert.NotContains(t, resp.Changes, collection.TableTags)
	assert.NotContains(t, resp.Changes, collection.TableConfig,
		"client config wins when the client reported a newer mod")

	_, err = env.engine.Finish(ctx, env.sess)
	require.NoError(t, err)

	h := env.openHandle(t)
	defer env.collections.Release(h)

	decks, err := h.EnumerateRows(ctx, collection.TableDecks, 0)
	require.NoError(t, err)
	require.Len(t, decks, 1)
	assert.Equal(t, "55", decks[0][0])

	tags, err := h.EnumerateRows(ctx, collection.TableTags, 0)
	require.NoError(t, err)
	require.Len(t, tags, 1)
	assert.Equal(t, "mechanics", tags[0][0])
}

func TestFullUploadAndDownload(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)
	ctx := context.Background()

	// Build a donor collection with one note and export it.
	donor := collection.NewStore(t.TempDir(), testLogger(t))

	dh, err := donor.Open(ctx, "donor")
	require.NoError(t, err)
	testutil.InsertNote(t, dh, testutil.Note{ID: 77, Mod: 1000, USN: 1, Flds: "uploaded", Csum: 7})
	require.NoError(t, donor.Release(dh))

	data, err := donor.ExportCollection(ctx, "donor")
	require.NoError(t, err)

	resp, err := env.engine.Upload(ctx, env.sess, data)
	require.NoError(t, err)
	assert.Equal(t, UploadOK, resp.Status)

	// Download after upload round-trips the same bytes.
	got, err := env.engine.Download(ctx, env.sess)
	require.NoError(t, err)
	assert.Equal(t, data, got)

	// The uploaded note is served by the engine afterwards.
	h := env.openHandle(t)
	defer env.collections.Release(h)

	rows, err := h.EnumerateRows(ctx, collection.TableNotes, 0)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, int64(77), rows[0][0])
}

func TestUploadRejectsGarbage(t *testing.T) {
	t.Parallel()

	env := newTestEnv(t)

	_, err := env.engine.Upload(context.Background(), env.sess, []byte("junk"))
	assert.ErrorIs(t, err, syncerr.ErrBadRequest)

	// The lock was released on failure.
	require.NoError(t, env.registry.LockUser(env.sess.UserKey))
	env.registry.UnlockUser(env.sess.UserKey)
}

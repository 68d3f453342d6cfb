package media

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha1"
	"encoding/hex"
	"log/slog"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jackymcgrady/ankicommunity-sync-server/internal/collection"
	"github.com/jackymcgrady/ankicommunity-sync-server/internal/syncerr"
)

func testLogger(t *testing.T) *slog.Logger {
	t.Helper()

	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// nopLocker satisfies Locker without real locking for single-user tests.
type nopLocker struct{}

func (nopLocker) LockUser(string) error { return nil }
func (nopLocker) UnlockUser(string)     {}

const testBatchCap = 10 * 1024 * 1024

func newTestEngine(t *testing.T) *Engine {
	t.Helper()

	paths := collection.NewStore(t.TempDir(), testLogger(t))
	e := NewEngine(paths, nopLocker{}, testBatchCap, testLogger(t))
	t.Cleanup(func() { e.Close() })

	return e
}

func sha1hex(data []byte) string {
	sum := sha1.Sum(data)
	return hex.EncodeToString(sum[:])
}

// mustArchiveRaw builds a zip with the given members verbatim.
func mustArchiveRaw(t *testing.T, members map[string][]byte) []byte {
	t.Helper()

	var buf bytes.Buffer

	zw := zip.NewWriter(&buf)

	for name, data := range members {
		w, err := zw.Create(name)
		require.NoError(t, err)

		_, err = w.Write(data)
		require.NoError(t, err)
	}

	require.NoError(t, zw.Close())

	return buf.Bytes()
}

// mustArchiveWithMeta builds a zip with the given _meta JSON plus members.
func mustArchiveWithMeta(t *testing.T, meta string, members map[string][]byte) []byte {
	t.Helper()

	all := map[string][]byte{metaEntryName: []byte(meta)}
	for name, data := range members {
		all[name] = data
	}

	return mustArchiveRaw(t, all)
}

func TestNormalizeName(t *testing.T) {
	t.Parallel()

	// NFD input comes out NFC.
	got, err := NormalizeName("e\u0301.jpg")
	require.NoError(t, err)
	assert.Equal(t, "\u00e9.jpg", got)

	for _, bad := range []string{"", "a/b.jpg", `a\b.jpg`, ".", "..", "con.txt", "LPT1.wav"} {
		_, err := NormalizeName(bad)
		assert.Error(t, err, "name %q should be rejected", bad)
	}

	ok, err := NormalizeName("console.jpg")
	require.NoError(t, err, "only exact reserved stems are refused")
	assert.Equal(t, "console.jpg", ok)
}

func TestArchiveRoundTrip(t *testing.T) {
	t.Parallel()

	in := []ArchiveFile{
		{Name: "a.jpg", Data: []byte("jpeg bytes")},
		{Name: "b.mp3", Data: []byte("mp3 bytes")},
	}

	blob, err := EncodeArchive(in)
	require.NoError(t, err)

	out, err := DecodeArchive(blob, testBatchCap)
	require.NoError(t, err)
	require.Len(t, out, 2)
	assert.Equal(t, "a.jpg", out[0].Name)
	assert.Equal(t, []byte("jpeg bytes"), out[0].Data)
	assert.Equal(t, "b.mp3", out[1].Name)
	assert.False(t, out[0].Delete)
}

func TestDecodeArchive_Deletions(t *testing.T) {
	t.Parallel()

	// Deletions carry the filename in the member slot with no member file.
	files, err := DecodeArchive(mustArchiveWithMeta(t, `[["a.jpg",""]]`, nil), testBatchCap)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.True(t, files[0].Delete)
	assert.Equal(t, "a.jpg", files[0].Name)
}

func TestDecodeArchive_Malformed(t *testing.T) {
	t.Parallel()

	_, err := DecodeArchive([]byte("not a zip"), testBatchCap)
	require.Error(t, err)

	// No _meta member.
	_, err = DecodeArchive(mustArchiveRaw(t, map[string][]byte{"0": []byte("x")}), testBatchCap)
	require.Error(t, err)

	// Meta references a missing member.
	_, err = DecodeArchive(mustArchiveWithMeta(t, `[["0","a.jpg"]]`, nil), testBatchCap)
	require.Error(t, err)
}

func TestUploadChangesAndChanges(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)
	ctx := context.Background()

	archive, err := EncodeArchive([]ArchiveFile{
		{Name: "a.jpg", Data: []byte("AAA")},
		{Name: "b.mp3", Data: []byte("BBB")},
	})
	require.NoError(t, err)

	res, err := e.UploadChanges(ctx, "u1", archive)
	require.NoError(t, err)
	assert.Equal(t, 2, res.Processed)
	assert.Equal(t, int64(2), res.CurrentUSN)

	changes, err := e.Changes(ctx, "u1", 0)
	require.NoError(t, err)
	require.Len(t, changes, 2)
	assert.Equal(t, []any{"a.jpg", int64(1), sha1hex([]byte("AAA"))}, changes[0])
	assert.Equal(t, []any{"b.mp3", int64(2), sha1hex([]byte("BBB"))}, changes[1])

	// The files landed on disk with the recorded contents.
	data, err := os.ReadFile(filepath.Join(e.paths.MediaDir("u1"), "a.jpg"))
	require.NoError(t, err)
	assert.Equal(t, []byte("AAA"), data)

	// lastUsn at the current head returns an empty, non-nil slice.
	empty, err := e.Changes(ctx, "u1", 2)
	require.NoError(t, err)
	require.NotNil(t, empty)
	assert.Empty(t, empty)
}

func TestUploadChanges_Idempotent(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)
	ctx := context.Background()

	archive, err := EncodeArchive([]ArchiveFile{{Name: "a.jpg", Data: []byte("AAA")}})
	require.NoError(t, err)

	first, err := e.UploadChanges(ctx, "u1", archive)
	require.NoError(t, err)

	second, err := e.UploadChanges(ctx, "u1", archive)
	require.NoError(t, err)
	assert.Equal(t, first.CurrentUSN, second.CurrentUSN, "replaying an archive must not burn USNs")

	changes, err := e.Changes(ctx, "u1", 0)
	require.NoError(t, err)
	assert.Len(t, changes, 1)
}

func TestUploadChanges_DeletionTombstone(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)
	ctx := context.Background()

	add, err := EncodeArchive([]ArchiveFile{{Name: "a.jpg", Data: []byte("AAA")}})
	require.NoError(t, err)

	_, err = e.UploadChanges(ctx, "u1", add)
	require.NoError(t, err)

	del := mustArchiveWithMeta(t, `[["a.jpg",""]]`, nil)

	res, err := e.UploadChanges(ctx, "u1", del)
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.CurrentUSN)

	// File removed, tombstone logged with empty checksum.
	_, statErr := os.Stat(filepath.Join(e.paths.MediaDir("u1"), "a.jpg"))
	assert.True(t, os.IsNotExist(statErr))

	changes, err := e.Changes(ctx, "u1", 1)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, []any{"a.jpg", int64(2), ""}, changes[0])

	// Replaying the deletion is a no-op.
	again, err := e.UploadChanges(ctx, "u1", del)
	require.NoError(t, err)
	assert.Equal(t, int64(2), again.CurrentUSN)
}

func TestDownloadFiles(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)
	ctx := context.Background()

	add, err := EncodeArchive([]ArchiveFile{
		{Name: "a.jpg", Data: []byte("AAA")},
		{Name: "b.mp3", Data: []byte("BBB")},
	})
	require.NoError(t, err)

	_, err = e.UploadChanges(ctx, "u1", add)
	require.NoError(t, err)

	blob, err := e.DownloadFiles(ctx, "u1", []string{"a.jpg"})
	require.NoError(t, err)

	files, err := DecodeArchive(blob, testBatchCap)
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "a.jpg", files[0].Name)
	assert.Equal(t, []byte("AAA"), files[0].Data)

	// Unknown files are refused.
	_, err = e.DownloadFiles(ctx, "u1", []string{"nope.gif"})
	assert.ErrorIs(t, err, syncerr.ErrBadRequest)
}

func TestSanity(t *testing.T) {
	t.Parallel()

	e := newTestEngine(t)
	ctx := context.Background()

	add, err := EncodeArchive([]ArchiveFile{{Name: "a.jpg", Data: []byte("AAA")}})
	require.NoError(t, err)

	_, err = e.UploadChanges(ctx, "u1", add)
	require.NoError(t, err)

	del := mustArchiveWithMeta(t, `[["a.jpg",""]]`, nil)
	_, err = e.UploadChanges(ctx, "u1", del)
	require.NoError(t, err)

	add2, err := EncodeArchive([]ArchiveFile{{Name: "b.jpg", Data: []byte("BBB")}})
	require.NoError(t, err)

	_, err = e.UploadChanges(ctx, "u1", add2)
	require.NoError(t, err)

	// One live file; the tombstone does not count.
	status, err := e.Sanity(ctx, "u1", 1)
	require.NoError(t, err)
	assert.Equal(t, SanityOK, status)

	status, err = e.Sanity(ctx, "u1", 2)
	require.NoError(t, err)
	assert.Equal(t, SanityFailed, status)
}

func TestLastUSNPersists(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	paths := collection.NewStore(dir, testLogger(t))

	e1 := NewEngine(paths, nopLocker{}, testBatchCap, testLogger(t))

	add, err := EncodeArchive([]ArchiveFile{{Name: "a.jpg", Data: []byte("AAA")}})
	require.NoError(t, err)

	_, err = e1.UploadChanges(context.Background(), "u1", add)
	require.NoError(t, err)
	require.NoError(t, e1.Close())

	e2 := NewEngine(paths, nopLocker{}, testBatchCap, testLogger(t))
	defer e2.Close()

	usn, err := e2.LastUSN(context.Background(), "u1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), usn)
}

package media

import (
	"archive/zip"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
)

// metaEntryName is the archive member carrying the name map.
const metaEntryName = "_meta"

// ArchiveFile is one decoded archive member: the real filename and its
// bytes. An empty Name with empty Data never occurs; deletions carry the
// filename with a nil Data and Delete=true.
type ArchiveFile struct {
	Name   string
	Data   []byte
	Delete bool
}

// DecodeArchive parses a batch archive: a ZIP whose _meta member holds a
// JSON list of [archive-member-name, real-filename] pairs. A real-filename
// of "" marks a deletion; the member slot then carries the filename to
// delete, since no member file accompanies it. maxBytes bounds the total
// uncompressed payload.
func DecodeArchive(data []byte, maxBytes int64) ([]ArchiveFile, error) {
	zr, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, fmt.Errorf("media: opening archive: %w", err)
	}

	members := make(map[string]*zip.File, len(zr.File))

	var total int64

	for _, f := range zr.File {
		members[f.Name] = f

		total += int64(f.UncompressedSize64)
		if total > maxBytes {
			return nil, fmt.Errorf("media: archive exceeds %d uncompressed bytes", maxBytes)
		}
	}

	metaFile, ok := members[metaEntryName]
	if !ok {
		return nil, fmt.Errorf("media: archive has no %s member", metaEntryName)
	}

	metaBytes, err := readMember(metaFile)
	if err != nil {
		return nil, err
	}

	var meta [][]string
	if err := json.Unmarshal(metaBytes, &meta); err != nil {
		return nil, fmt.Errorf("media: parsing %s: %w", metaEntryName, err)
	}

	out := make([]ArchiveFile, 0, len(meta))

	for i, pair := range meta {
		if len(pair) < 2 {
			return nil, fmt.Errorf("media: %s entry %d has %d fields, want 2", metaEntryName, i, len(pair))
		}

		member, realName := pair[0], pair[1]

		if realName == "" {
			out = append(out, ArchiveFile{Name: member, Delete: true})
			continue
		}

		f, ok := members[member]
		if !ok {
			return nil, fmt.Errorf("media: %s names missing member %q", metaEntryName, member)
		}

		data, err := readMember(f)
		if err != nil {
			return nil, err
		}

		out = append(out, ArchiveFile{Name: realName, Data: data})
	}

	return out, nil
}

// EncodeArchive builds a batch archive. Member names are regenerated as
// decimal indexes; clients tolerate regenerated names and indexes survive
// every filesystem.
func EncodeArchive(files []ArchiveFile) ([]byte, error) {
	var buf bytes.Buffer

	zw := zip.NewWriter(&buf)
	meta := make([][]string, 0, len(files))

	for i, f := range files {
		member := strconv.Itoa(i)
		meta = append(meta, []string{member, f.Name})

		w, err := zw.Create(member)
		if err != nil {
			return nil, fmt.Errorf("media: adding archive member: %w", err)
		}

		if _, err := w.Write(f.Data); err != nil {
			return nil, fmt.Errorf("media: writing archive member: %w", err)
		}
	}

	metaBytes, err := json.Marshal(meta)
	if err != nil {
		return nil, fmt.Errorf("media: encoding %s: %w", metaEntryName, err)
	}

	w, err := zw.Create(metaEntryName)
	if err != nil {
		return nil, fmt.Errorf("media: adding %s member: %w", metaEntryName, err)
	}

	if _, err := w.Write(metaBytes); err != nil {
		return nil, fmt.Errorf("media: writing %s member: %w", metaEntryName, err)
	}

	if err := zw.Close(); err != nil {
		return nil, fmt.Errorf("media: finalizing archive: %w", err)
	}

	return buf.Bytes(), nil
}

func readMember(f *zip.File) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, fmt.Errorf("media: opening archive member %s: %w", f.Name, err)
	}
	defer rc.Close()

	data, err := io.ReadAll(rc)
	if err != nil {
		return nil, fmt.Errorf("media: reading archive member %s: %w", f.Name, err)
	}

	return data, nil
}

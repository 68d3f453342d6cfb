package media

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Windows-reserved device names; files with these stems are refused so a
// collection stays portable to case-insensitive filesystems.
var reservedNames = map[string]bool{
	"con": true, "prn": true, "aux": true, "nul": true,
	"com1": true, "com2": true, "com3": true, "com4": true,
	"com5": true, "com6": true, "com7": true, "com8": true, "com9": true,
	"lpt1": true, "lpt2": true, "lpt3": true, "lpt4": true,
	"lpt5": true, "lpt6": true, "lpt7": true, "lpt8": true, "lpt9": true,
}

// NormalizeName NFC-normalizes a media filename and rejects names that
// cannot live safely in a flat, cross-platform media directory.
func NormalizeName(name string) (string, error) {
	name = norm.NFC.String(name)

	if name == "" {
		return "", fmt.Errorf("media: empty filename")
	}

	if strings.ContainsAny(name, "/\\") {
		return "", fmt.Errorf("media: filename %q contains a path separator", name)
	}

	if name == "." || name == ".." {
		return "", fmt.Errorf("media: filename %q is not allowed", name)
	}

	if strings.ContainsRune(name, 0) {
		return "", fmt.Errorf("media: filename contains a NUL byte")
	}

	stem := strings.ToLower(name)
	if i := strings.IndexByte(stem, '.'); i >= 0 {
		stem = stem[:i]
	}

	if reservedNames[stem] {
		return "", fmt.Errorf("media: filename %q is reserved on some filesystems", name)
	}

	return name, nil
}

// Checksum returns the lowercase hex SHA-1 of data. Hashes are computed on
// the raw bytes after name normalization.
func Checksum(data []byte) string {
	sum := sha1.Sum(data)
	return hex.EncodeToString(sum[:])
}

// fileBag is one user's media directory.
type fileBag struct {
	dir string
}

func (b *fileBag) path(name string) string {
	return filepath.Join(b.dir, name)
}

// write stores data under the (already normalized) name.
func (b *fileBag) write(name string, data []byte) error {
	if err := os.MkdirAll(b.dir, 0o700); err != nil {
		return fmt.Errorf("media: creating media directory: %w", err)
	}

	if err := os.WriteFile(b.path(name), data, 0o600); err != nil {
		return fmt.Errorf("media: writing %s: %w", name, err)
	}

	return nil
}

// remove deletes the named file; a missing file is not an error, so replays
// of the same deletion batch stay idempotent.
func (b *fileBag) remove(name string) error {
	err := os.Remove(b.path(name))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("media: removing %s: %w", name, err)
	}

	return nil
}

// read returns the named file's contents.
func (b *fileBag) read(name string) ([]byte, error) {
	data, err := os.ReadFile(b.path(name))
	if err != nil {
		return nil, fmt.Errorf("media: reading %s: %w", name, err)
	}

	return data, nil
}

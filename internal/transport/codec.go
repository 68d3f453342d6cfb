package transport

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/klauspost/compress/zstd"

	"github.com/jackymcgrady/ankicommunity-sync-server/internal/syncerr"
)

// Header names of the sync wire contract.
const (
	headerSync         = "anki-sync"
	headerOriginalSize = "anki-original-size"
)

// zstdMagic detects compressed request bodies regardless of headers.
var zstdMagic = []byte{0x28, 0xb5, 0x2f, 0xfd}

// syncHeader is the JSON carried in the anki-sync request header.
type syncHeader struct {
	Version  int    `json:"v"`
	Key      string `json:"k"`
	ClientID string `json:"c"`
	HostID   string `json:"s"`
}

// compressed reports whether this client expects zstd response bodies.
func (h *syncHeader) compressed() bool {
	return h.Version >= minCompressedProtocol
}

const minCompressedProtocol = 11

// parseSyncHeader decodes the anki-sync header. A missing header yields the
// zero value: version 0, empty key — the shape of a discovery probe.
func parseSyncHeader(r *http.Request) (*syncHeader, error) {
	raw := r.Header.Get(headerSync)
	if raw == "" {
		return &syncHeader{}, nil
	}

	var h syncHeader
	if err := json.Unmarshal([]byte(raw), &h); err != nil {
		return nil, syncerr.Wrap(syncerr.ErrBadRequest, "malformed sync header", err)
	}

	return &h, nil
}

// readBody drains and, when zstd-compressed, decompresses the request body.
// Bodies may arrive chunked with no Content-Length; the size cap applies to
// both the raw and the decompressed form.
func readBody(r *http.Request, maxBytes int64) ([]byte, error) {
	raw, err := io.ReadAll(http.MaxBytesReader(nil, r.Body, maxBytes))
	if err != nil {
		return nil, syncerr.Wrap(syncerr.ErrBadRequest, "request body unreadable or too large", err)
	}

	if !bytes.HasPrefix(raw, zstdMagic) {
		return raw, nil
	}

	dec, err := zstd.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, syncerr.Wrap(syncerr.ErrBadRequest, "malformed zstd body", err)
	}
	defer dec.Close()

	out, err := io.ReadAll(io.LimitReader(dec.IOReadCloser(), maxBytes+1))
	if err != nil {
		return nil, syncerr.Wrap(syncerr.ErrBadRequest, "malformed zstd body", err)
	}

	if int64(len(out)) > maxBytes {
		return nil, syncerr.Newf(syncerr.ErrBadRequest, "decompressed body exceeds %d bytes", maxBytes)
	}

	return out, nil
}

// decodeJSON unmarshals a request body with number preservation: row tuples
// carry 64-bit identifiers that must not round-trip through float64.
func decodeJSON(data []byte, dst any) error {
	if len(data) == 0 {
		data = []byte("{}")
	}

	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	if err := dec.Decode(dst); err != nil {
		return syncerr.Wrap(syncerr.ErrBadRequest, "malformed request body", err)
	}

	return nil
}

// writeBody sends a response body, zstd-compressing it for protocol ≥ 11
// clients and stamping the uncompressed size.
func writeBody(w http.ResponseWriter, hdr *syncHeader, status int, contentType string, body []byte) error {
	w.Header().Set("Content-Type", contentType)

	if !hdr.compressed() {
		w.WriteHeader(status)
		_, err := w.Write(body)

		return err
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return fmt.Errorf("transport: creating zstd encoder: %w", err)
	}

	compressed := enc.EncodeAll(body, nil)
	enc.Close()

	w.Header().Set(headerOriginalSize, strconv.Itoa(len(body)))
	w.WriteHeader(status)

	_, err = w.Write(compressed)

	return err
}

// writeJSON marshals v and sends it per the client's compression contract.
func writeJSON(w http.ResponseWriter, hdr *syncHeader, status int, v any) error {
	body, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("transport: encoding response: %w", err)
	}

	return writeBody(w, hdr, status, "application/json", body)
}

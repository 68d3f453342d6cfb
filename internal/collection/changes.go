package collection

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"strings"
)

// Grave kinds as stored in the graves table.
const (
	GraveCard = 0
	GraveNote = 1
	GraveDeck = 2
)

// Graves is a deletion bundle. Object IDs travel as strings: they can exceed
// 53-bit precision on receiving platforms.
type Graves struct {
	Cards []string `json:"cards"`
	Notes []string `json:"notes"`
	Decks []string `json:"decks"`
}

// Empty reports whether the bundle carries no tombstones.
func (g *Graves) Empty() bool {
	return len(g.Cards) == 0 && len(g.Notes) == 0 && len(g.Decks) == 0
}

// GraveSet indexes tombstoned IDs per kind for resurrection checks.
type GraveSet struct {
	cards map[int64]bool
	notes map[int64]bool
	decks map[int64]bool
}

// NewGraveSet builds an empty set.
func NewGraveSet() *GraveSet {
	return &GraveSet{
		cards: make(map[int64]bool),
		notes: make(map[int64]bool),
		decks: make(map[int64]bool),
	}
}

// Add records the IDs of a bundle.
func (s *GraveSet) Add(g *Graves) error {
	for _, pair := range []struct {
		ids []string
		m   map[int64]bool
	}{
		{g.Cards, s.cards}, {g.Notes, s.notes}, {g.Decks, s.decks},
	} {
		for _, raw := range pair.ids {
			id, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return fmt.Errorf("collection: malformed grave id %q: %w", raw, err)
			}

			pair.m[id] = true
		}
	}

	return nil
}

// buried reports whether the given primary key is tombstoned for table.
func (s *GraveSet) buried(table string, pk any) bool {
	if s == nil {
		return false
	}

	id, err := toInt64(pk)
	if err != nil {
		return false
	}

	switch table {
	case TableCards:
		return s.cards[id]
	case TableNotes:
		return s.notes[id]
	case TableDecks:
		return s.decks[id]
	default:
		return false
	}
}

// EnumerateRows returns the wire rows of a logical table with USN > sinceUSN,
// ordered by primary key for determinism.
func (h *Handle) EnumerateRows(ctx context.Context, table string, sinceUSN int64) ([]Row, error) {
	desc, ok := h.desc.Tables[table]
	if !ok {
		return nil, fmt.Errorf("collection: unknown table %q", table)
	}

	if desc.Backing == backingColBlob {
		return h.enumerateBlobRows(ctx, desc, sinceUSN)
	}

	cols := make([]string, len(desc.Columns))
	for i, c := range desc.Columns {
		cols[i] = c.Name
	}

	query := fmt.Sprintf(`SELECT %s FROM %s WHERE %s > ? ORDER BY %s`,
		strings.Join(cols, ", "), desc.SQLName, desc.USNCol, desc.PK)

	rows, err := h.db.QueryContext(ctx, query, sinceUSN)
	if err != nil {
		return nil, fmt.Errorf("collection: enumerating %s: %w", table, err)
	}
	defer rows.Close()

	var out []Row

	for rows.Next() {
		raw := make([]any, len(desc.Columns))
		ptrs := make([]any, len(desc.Columns))

		for i := range raw {
			ptrs[i] = &raw[i]
		}

		if err := rows.Scan(ptrs...); err != nil {
			return nil, fmt.Errorf("collection: scanning %s row: %w", table, err)
		}

		wire := make(Row, len(desc.Columns))

		for i, c := range desc.Columns {
			wire[i], err = encodeValue(raw[i], c.Kind)
			if err != nil {
				return nil, fmt.Errorf("collection: encoding %s.%s: %w", table, c.Name, err)
			}
		}

		out = append(out, wire)
	}

	return out, rows.Err()
}

// ApplyRows upserts wire rows into a logical table. Any row whose USN column
// is -1 is reassigned newUSN. Per-row conflicts resolve by comparing the
// incoming mod column with the stored one; the later mod wins, and the
// stored row wins ties. Rows whose primary key is tombstoned in graves are
// dropped: an object deleted in this transaction is never re-created by it.
func (h *Handle) ApplyRows(ctx context.Context, table string, rows []Row, newUSN int64, graves *GraveSet) error {
	desc, ok := h.desc.Tables[table]
	if !ok {
		return fmt.Errorf("collection: unknown table %q", table)
	}

	if desc.Backing == backingColBlob {
		return h.applyBlobRows(ctx, desc, rows, newUSN, graves)
	}

	colIdx := make(map[string]int, len(desc.Columns))
	for i, c := range desc.Columns {
		colIdx[c.Name] = i
	}

	pkIdx := colIdx[desc.PK]
	usnIdx := colIdx[desc.USNCol]

	modIdx := -1
	if desc.ModCol != "" {
		modIdx = colIdx[desc.ModCol]
	}

	cols := make([]string, len(desc.Columns))
	marks := make([]string, len(desc.Columns))

	for i, c := range desc.Columns {
		cols[i] = c.Name
		marks[i] = "?"
	}

	upsert := fmt.Sprintf(`INSERT OR REPLACE INTO %s (%s) VALUES (%s)`,
		desc.SQLName, strings.Join(cols, ", "), strings.Join(marks, ", "))

	modQuery := ""
	if modIdx >= 0 {
		modQuery = fmt.Sprintf(`SELECT %s FROM %s WHERE %s = ?`,
			desc.ModCol, desc.SQLName, desc.PK)
	}

	for _, wire := range rows {
		if len(wire) != len(desc.Columns) {
			return fmt.Errorf("collection: %s row has %d values, want %d",
				table, len(wire), len(desc.Columns))
		}

		vals := make([]any, len(desc.Columns))

		for i, c := range desc.Columns {
			v, err := decodeValue(wire[i], c.Kind)
			if err != nil {
				return fmt.Errorf("collection: decoding %s.%s: %w", table, c.Name, err)
			}

			vals[i] = v
		}

		if graves.buried(table, vals[pkIdx]) {
			continue
		}

		if usn, _ := toInt64(vals[usnIdx]); usn == -1 {
			vals[usnIdx] = newUSN
		}

		if modIdx >= 0 {
			keep, err := h.storedRowNewer(ctx, modQuery, vals[pkIdx], vals[modIdx])
			if err != nil {
				return err
			}

			if keep {
				continue
			}
		}

		if _, err := h.db.ExecContext(ctx, upsert, vals...); err != nil {
			return fmt.Errorf("collection: upserting into %s: %w", table, err)
		}
	}

	return nil
}

// storedRowNewer reports whether an existing row's mod is >= the incoming
// one, in which case the incoming row is dropped.
func (h *Handle) storedRowNewer(ctx context.Context, query string, pk, incomingMod any) (bool, error) {
	var storedMod int64

	err := h.db.QueryRowContext(ctx, query, pk).Scan(&storedMod)

	switch {
	case err == sql.ErrNoRows:
		return false, nil
	case err != nil:
		return false, fmt.Errorf("collection: conflict lookup: %w", err)
	}

	incoming, err := toInt64(incomingMod)
	if err != nil {
		return false, err
	}

	return storedMod >= incoming, nil
}

// ListGraves returns tombstones recorded with USN > sinceUSN.
func (h *Handle) ListGraves(ctx context.Context, sinceUSN int64) (*Graves, error) {
	rows, err := h.db.QueryContext(ctx,
		`SELECT oid, type FROM graves WHERE usn > ? ORDER BY usn, oid`, sinceUSN)
	if err != nil {
		return nil, fmt.Errorf("collection: listing graves: %w", err)
	}
	defer rows.Close()

	g := &Graves{Cards: []string{}, Notes: []string{}, Decks: []string{}}

	for rows.Next() {
		var oid int64

		var kind int

		if err := rows.Scan(&oid, &kind); err != nil {
			return nil, fmt.Errorf("collection: scanning grave: %w", err)
		}

		id := strconv.FormatInt(oid, 10)

		switch kind {
		case GraveCard:
			g.Cards = append(g.Cards, id)
		case GraveNote:
			g.Notes = append(g.Notes, id)
		case GraveDeck:
			g.Decks = append(g.Decks, id)
		default:
			return nil, fmt.Errorf("collection: unknown grave kind %d", kind)
		}
	}

	return g, rows.Err()
}

// ApplyGraves records incoming tombstones at newUSN and deletes the named
// objects. Deleting a note removes its cards; deleting a deck leaves its
// cards to the accompanying card graves, matching client behavior.
func (h *Handle) ApplyGraves(ctx context.Context, g *Graves, newUSN int64) error {
	apply := func(ids []string, kind int) error {
		for _, raw := range ids {
			oid, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				return fmt.Errorf("collection: malformed grave id %q: %w", raw, err)
			}

			if err := h.deleteObject(ctx, kind, oid); err != nil {
				return err
			}

			if _, err := h.db.ExecContext(ctx,
				`INSERT INTO graves (usn, oid, type) VALUES (?, ?, ?)`,
				newUSN, oid, kind); err != nil {
				return fmt.Errorf("collection: recording grave: %w", err)
			}
		}

		return nil
	}

	if err := apply(g.Cards, GraveCard); err != nil {
		return err
	}

	if err := apply(g.Notes, GraveNote); err != nil {
		return err
	}

	return apply(g.Decks, GraveDeck)
}

func (h *Handle) deleteObject(ctx context.Context, kind int, oid int64) error {
	switch kind {
	case GraveCard:
		_, err := h.db.ExecContext(ctx, `DELETE FROM cards WHERE id = ?`, oid)
		if err != nil {
			return fmt.Errorf("collection: deleting card %d: %w", oid, err)
		}
	case GraveNote:
		if _, err := h.db.ExecContext(ctx, `DELETE FROM cards WHERE nid = ?`, oid); err != nil {
			return fmt.Errorf("collection: deleting cards of note %d: %w", oid, err)
		}

		if _, err := h.db.ExecContext(ctx, `DELETE FROM notes WHERE id = ?`, oid); err != nil {
			return fmt.Errorf("collection: deleting note %d: %w", oid, err)
		}
	case GraveDeck:
		return h.deleteDeck(ctx, oid)
	default:
		return fmt.Errorf("collection: unknown grave kind %d", kind)
	}

	return nil
}

func (h *Handle) deleteDeck(ctx context.Context, oid int64) error {
	if h.desc.Legacy() {
		entries, err := h.readBlobObject(ctx, "decks")
		if err != nil {
			return err
		}

		delete(entries, strconv.FormatInt(oid, 10))

		return h.writeBlobObject(ctx, "decks", entries)
	}

	if _, err := h.db.ExecContext(ctx, `DELETE FROM decks WHERE id = ?`, oid); err != nil {
		return fmt.Errorf("collection: deleting deck %d: %w", oid, err)
	}

	return nil
}

// --- blob-backed tables (schema ≤ 14) ---
//
// decks, dconf, and models are JSON objects keyed by id with usn/mod fields
// inside each entry; tags maps tag name to usn; conf is a single object.
// Wire form: decks/dconf/models rows are [id, entry-json], tags rows are
// [tag, usn], conf is a single ["conf", json] row.

func (h *Handle) readBlobObject(ctx context.Context, column string) (map[string]json.RawMessage, error) {
	var blob string

	query := fmt.Sprintf(`SELECT %s FROM col`, column)
	if err := h.db.QueryRowContext(ctx, query).Scan(&blob); err != nil {
		return nil, fmt.Errorf("collection: reading col.%s: %w", column, err)
	}

	entries := make(map[string]json.RawMessage)
	if blob != "" {
		if err := json.Unmarshal([]byte(blob), &entries); err != nil {
			return nil, fmt.Errorf("collection: parsing col.%s: %w", column, err)
		}
	}

	return entries, nil
}

func (h *Handle) writeBlobObject(ctx context.Context, column string, entries map[string]json.RawMessage) error {
	blob, err := json.Marshal(entries)
	if err != nil {
		return fmt.Errorf("collection: encoding col.%s: %w", column, err)
	}

	query := fmt.Sprintf(`UPDATE col SET %s = ?`, column)
	if _, err := h.db.ExecContext(ctx, query, string(blob)); err != nil {
		return fmt.Errorf("collection: writing col.%s: %w", column, err)
	}

	return nil
}

// blobEntryMeta extracts the usn and mod fields of one blob entry.
type blobEntryMeta struct {
	USN int64 `json:"usn"`
	Mod int64 `json:"mod"`
}

func (h *Handle) enumerateBlobRows(ctx context.Context, desc TableDesc, sinceUSN int64) ([]Row, error) {
	switch desc.Name {
	case TableTags:
		tags, err := h.readTagMap(ctx)
		if err != nil {
			return nil, err
		}

		names := make([]string, 0, len(tags))
		for tag := range tags {
			names = append(names, tag)
		}

		sort.Strings(names)

		var out []Row

		for _, tag := range names {
			if tags[tag] > sinceUSN || tags[tag] == -1 {
				out = append(out, Row{tag, tags[tag]})
			}
		}

		return out, nil
	case TableConfig:
		var blob string
		if err := h.db.QueryRowContext(ctx, `SELECT conf FROM col`).Scan(&blob); err != nil {
			return nil, fmt.Errorf("collection: reading col.conf: %w", err)
		}

		return []Row{{"conf", blob}}, nil
	default:
		entries, err := h.readBlobObject(ctx, desc.BlobColumn)
		if err != nil {
			return nil, err
		}

		ids := make([]string, 0, len(entries))
		for id := range entries {
			ids = append(ids, id)
		}

		sort.Strings(ids)

		var out []Row

		for _, id := range ids {
			var meta blobEntryMeta
			if err := json.Unmarshal(entries[id], &meta); err != nil {
				return nil, fmt.Errorf("collection: parsing %s entry %s: %w", desc.Name, id, err)
			}

			if meta.USN > sinceUSN || meta.USN == -1 {
				out = append(out, Row{id, string(entries[id])})
			}
		}

		return out, nil
	}
}

func (h *Handle) applyBlobRows(ctx context.Context, desc TableDesc, rows []Row, newUSN int64, graves *GraveSet) error {
	switch desc.Name {
	case TableTags:
		return h.applyTagRows(ctx, rows, newUSN)
	case TableConfig:
		return h.applyConfRow(ctx, rows)
	default:
		return h.applyBlobEntryRows(ctx, desc, rows, newUSN, graves)
	}
}

func (h *Handle) applyBlobEntryRows(ctx context.Context, desc TableDesc, rows []Row, newUSN int64, graves *GraveSet) error {
	entries, err := h.readBlobObject(ctx, desc.BlobColumn)
	if err != nil {
		return err
	}

	changed := false

	for _, wire := range rows {
		if len(wire) != 2 {
			return fmt.Errorf("collection: %s row has %d values, want 2", desc.Name, len(wire))
		}

		id, ok := wire[0].(string)
		if !ok {
			return fmt.Errorf("collection: %s entry id must be a string", desc.Name)
		}

		body, ok := wire[1].(string)
		if !ok {
			return fmt.Errorf("collection: %s entry body must be a string", desc.Name)
		}

		if desc.Name == TableDecks && graves.buried(TableDecks, id) {
			continue
		}

		var incoming map[string]json.RawMessage
		if err := json.Unmarshal([]byte(body), &incoming); err != nil {
			return fmt.Errorf("collection: parsing incoming %s entry %s: %w", desc.Name, id, err)
		}

		var incomingMeta blobEntryMeta
		if err := json.Unmarshal([]byte(body), &incomingMeta); err != nil {
			return fmt.Errorf("collection: parsing incoming %s entry %s: %w", desc.Name, id, err)
		}

		if existing, ok := entries[id]; ok {
			var storedMeta blobEntryMeta
			if err := json.Unmarshal(existing, &storedMeta); err != nil {
				return fmt.Errorf("collection: parsing stored %s entry %s: %w", desc.Name, id, err)
			}

			if storedMeta.Mod >= incomingMeta.Mod {
				continue
			}
		}

		if incomingMeta.USN == -1 {
			usnJSON, _ := json.Marshal(newUSN)
			incoming["usn"] = usnJSON
		}

		merged, err := json.Marshal(incoming)
		if err != nil {
			return fmt.Errorf("collection: encoding %s entry %s: %w", desc.Name, id, err)
		}

		entries[id] = merged
		changed = true
	}

	if !changed {
		return nil
	}

	return h.writeBlobObject(ctx, desc.BlobColumn, entries)
}

func (h *Handle) readTagMap(ctx context.Context) (map[string]int64, error) {
	var blob string
	if err := h.db.QueryRowContext(ctx, `SELECT tags FROM col`).Scan(&blob); err != nil {
		return nil, fmt.Errorf("collection: reading col.tags: %w", err)
	}

	tags := make(map[string]int64)
	if blob != "" {
		if err := json.Unmarshal([]byte(blob), &tags); err != nil {
			return nil, fmt.Errorf("collection: parsing col.tags: %w", err)
		}
	}

	return tags, nil
}

func (h *Handle) applyTagRows(ctx context.Context, rows []Row, newUSN int64) error {
	tags, err := h.readTagMap(ctx)
	if err != nil {
		return err
	}

	changed := false

	for _, wire := range rows {
		if len(wire) != 2 {
			return fmt.Errorf("collection: tag row has %d values, want 2", len(wire))
		}

		tag, ok := wire[0].(string)
		if !ok {
			return fmt.Errorf("collection: tag name must be a string")
		}

		usn, err := decodeValue(wire[1], SerInt)
		if err != nil {
			return fmt.Errorf("collection: tag usn: %w", err)
		}

		n := usn.(int64)
		if n == -1 {
			n = newUSN
		}

		if existing, ok := tags[tag]; !ok || n > existing {
			tags[tag] = n
			changed = true
		}
	}

	if !changed {
		return nil
	}

	blob, err := json.Marshal(tags)
	if err != nil {
		return fmt.Errorf("collection: encoding col.tags: %w", err)
	}

	if _, err := h.db.ExecContext(ctx, `UPDATE col SET tags = ?`, string(blob)); err != nil {
		return fmt.Errorf("collection: writing col.tags: %w", err)
	}

	return nil
}

func (h *Handle) applyConfRow(ctx context.Context, rows []Row) error {
	if len(rows) == 0 {
		return nil
	}

	wire := rows[len(rows)-1]
	if len(wire) != 2 {
		return fmt.Errorf("collection: conf row has %d values, want 2", len(wire))
	}

	body, ok := wire[1].(string)
	if !ok {
		return fmt.Errorf("collection: conf body must be a string")
	}

	if !json.Valid([]byte(body)) {
		return fmt.Errorf("collection: conf body is not valid JSON")
	}

	if _, err := h.db.ExecContext(ctx, `UPDATE col SET conf = ?`, body); err != nil {
		return fmt.Errorf("collection: writing col.conf: %w", err)
	}

	return nil
}

package collection

import (
	"context"
	"database/sql"
	"fmt"
)

// Schema versions the compatibility layer understands. Clients at protocol
// ≥ 11 ship collections anywhere in this range. Versions above the newest
// known one are served with the newest descriptor (conservative subset)
// rather than refused.
const (
	SchemaVersionMin    = 11
	schemaVersionLegacy = 14 // last version with col-blob decks/models/tags
	SchemaVersionMax    = 18
)

// Logical table names, as they appear on the wire. The enumeration order is
// fixed: notes, cards, revlog, decks, deck configs, note types, tags, config.
const (
	TableNotes       = "notes"
	TableCards       = "cards"
	TableRevlog      = "revlog"
	TableDecks       = "decks"
	TableDeckConfigs = "dconf"
	TableNotetypes   = "models"
	TableTags        = "tags"
	TableConfig      = "conf"
)

// StreamOrder is the fixed server-side enumeration order of logical tables.
var StreamOrder = []string{
	TableNotes, TableCards, TableRevlog,
	TableDecks, TableDeckConfigs, TableNotetypes, TableTags, TableConfig,
}

// ChunkedTables are streamed via chunk/applyChunk; the rest travel inside
// the applyChanges exchange.
var ChunkedTables = []string{TableNotes, TableCards, TableRevlog}

// tableBacking describes where a logical table lives on disk.
type tableBacking int

const (
	// backingSQL: a real SQL table, one wire row per SQL row.
	backingSQL tableBacking = iota

	// backingColBlob: entries inside a JSON blob column of the col row
	// (decks/models/dconf/tags/conf in schema versions ≤ 14).
	backingColBlob
)

// TableDesc maps one logical table to its on-disk shape for one schema
// version. For backingColBlob tables only Name and BlobColumn are set.
type TableDesc struct {
	Name    string
	Backing tableBacking

	// SQL-backed fields.
	SQLName string
	Columns []Column
	PK      string // primary key column
	USNCol  string
	ModCol  string // empty when the table has no per-row mod

	// Blob-backed field: the col table column holding the JSON object.
	BlobColumn string
}

// SchemaDesc is the full descriptor for one schema version.
type SchemaDesc struct {
	Version int
	Tables  map[string]TableDesc
}

// Legacy is true for collections that keep decks, deck configs, note types,
// and tags packed into JSON blobs on the col row.
func (d *SchemaDesc) Legacy() bool {
	return d.Version <= schemaVersionLegacy
}

// notes/cards/revlog are column-stable across every supported version.
var (
	notesColumns = []Column{
		{"id", SerInt}, {"guid", SerString}, {"mid", SerInt}, {"mod", SerInt},
		{"usn", SerInt}, {"tags", SerString}, {"flds", SerString},
		{"sfld", SerString}, {"csum", SerIntAsString}, {"flags", SerInt},
		{"data", SerString},
	}

	cardsColumns = []Column{
		{"id", SerInt}, {"nid", SerInt}, {"did", SerInt}, {"ord", SerInt},
		{"mod", SerInt}, {"usn", SerInt}, {"type", SerInt}, {"queue", SerInt},
		{"due", SerInt}, {"ivl", SerInt}, {"factor", SerInt}, {"reps", SerInt},
		{"lapses", SerInt}, {"left", SerInt}, {"odue", SerInt},
		{"odid", SerInt}, {"flags", SerInt}, {"data", SerString},
	}

	revlogColumns = []Column{
		{"id", SerInt}, {"cid", SerInt}, {"usn", SerInt}, {"ease", SerInt},
		{"ivl", SerInt}, {"lastIvl", SerInt}, {"factor", SerInt},
		{"time", SerInt}, {"type", SerInt},
	}
)

// descriptorFor builds the SchemaDesc for a detected version. Unknown higher
// versions degrade to the newest known descriptor.
func descriptorFor(version int) (*SchemaDesc, error) {
	if version < SchemaVersionMin {
		return nil, fmt.Errorf("collection: schema version %d predates the supported range (min %d)",
			version, SchemaVersionMin)
	}

	effective := version
	if effective > SchemaVersionMax {
		effective = SchemaVersionMax
	}

	tables := map[string]TableDesc{
		TableNotes: {
			Name: TableNotes, Backing: backingSQL, SQLName: "notes",
			Columns: notesColumns, PK: "id", USNCol: "usn", ModCol: "mod",
		},
		TableCards: {
			Name: TableCards, Backing: backingSQL, SQLName: "cards",
			Columns: cardsColumns, PK: "id", USNCol: "usn", ModCol: "mod",
		},
		TableRevlog: {
			Name: TableRevlog, Backing: backingSQL, SQLName: "revlog",
			Columns: revlogColumns, PK: "id", USNCol: "usn",
		},
	}

	if effective <= schemaVersionLegacy {
		tables[TableDecks] = TableDesc{Name: TableDecks, Backing: backingColBlob, BlobColumn: "decks"}
		tables[TableDeckConfigs] = TableDesc{Name: TableDeckConfigs, Backing: backingColBlob, BlobColumn: "dconf"}
		tables[TableNotetypes] = TableDesc{Name: TableNotetypes, Backing: backingColBlob, BlobColumn: "models"}
		tables[TableTags] = TableDesc{Name: TableTags, Backing: backingColBlob, BlobColumn: "tags"}
		tables[TableConfig] = TableDesc{Name: TableConfig, Backing: backingColBlob, BlobColumn: "conf"}
	} else {
		tables[TableDecks] = TableDesc{
			Name: TableDecks, Backing: backingSQL, SQLName: "decks",
			Columns: []Column{
				{"id", SerInt}, {"name", SerString}, {"mtime_secs", SerInt},
				{"usn", SerInt}, {"common", SerString}, {"kind", SerString},
			},
			PK: "id", USNCol: "usn", ModCol: "mtime_secs",
		}
		tables[TableDeckConfigs] = TableDesc{
			Name: TableDeckConfigs, Backing: backingSQL, SQLName: "deck_config",
			Columns: []Column{
				{"id", SerInt}, {"name", SerString}, {"mtime_secs", SerInt},
				{"usn", SerInt}, {"config", SerString},
			},
			PK: "id", USNCol: "usn", ModCol: "mtime_secs",
		}
		tables[TableNotetypes] = TableDesc{
			Name: TableNotetypes, Backing: backingSQL, SQLName: "notetypes",
			Columns: []Column{
				{"id", SerInt}, {"name", SerString}, {"mtime_secs", SerInt},
				{"usn", SerInt}, {"config", SerString},
			},
			PK: "id", USNCol: "usn", ModCol: "mtime_secs",
		}

		tagsColumns := []Column{{"tag", SerString}, {"usn", SerInt}}
		if effective >= 17 {
			tagsColumns = append(tagsColumns, Column{"collapsed", SerInt})
		}

		tables[TableTags] = TableDesc{
			Name: TableTags, Backing: backingSQL, SQLName: "tags",
			Columns: tagsColumns, PK: "tag", USNCol: "usn",
		}
		tables[TableConfig] = TableDesc{
			Name: TableConfig, Backing: backingSQL, SQLName: "config",
			Columns: []Column{
				{"key", SerString}, {"usn", SerInt}, {"mtime_secs", SerInt},
				{"val", SerString},
			},
			PK: "key", USNCol: "usn", ModCol: "mtime_secs",
		}
	}

	return &SchemaDesc{Version: version, Tables: tables}, nil
}

// readSchemaVersion reads the collection's internal version marker.
func readSchemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	var ver int
	if err := db.QueryRowContext(ctx, `SELECT ver FROM col`).Scan(&ver); err != nil {
		return 0, fmt.Errorf("collection: reading schema version: %w", err)
	}

	return ver, nil
}

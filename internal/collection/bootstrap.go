package collection

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Schema DDL for a freshly created server-side collection. New users start
// at version 11 — the lowest supported schema — so any client in the range
// can either sync into it or replace it with a full upload.
const emptyCollectionDDL = `
CREATE TABLE col (
    id     INTEGER PRIMARY KEY,
    crt    INTEGER NOT NULL,
    mod    INTEGER NOT NULL,
    scm    INTEGER NOT NULL,
    ver    INTEGER NOT NULL,
    dty    INTEGER NOT NULL,
    usn    INTEGER NOT NULL,
    ls     INTEGER NOT NULL,
    conf   TEXT NOT NULL,
    models TEXT NOT NULL,
    decks  TEXT NOT NULL,
    dconf  TEXT NOT NULL,
    tags   TEXT NOT NULL
);
CREATE TABLE notes (
    id    INTEGER PRIMARY KEY,
    guid  TEXT NOT NULL,
    mid   INTEGER NOT NULL,
    mod   INTEGER NOT NULL,
    usn   INTEGER NOT NULL,
    tags  TEXT NOT NULL,
    flds  TEXT NOT NULL,
    sfld  TEXT NOT NULL,
    csum  INTEGER NOT NULL,
    flags INTEGER NOT NULL,
    data  TEXT NOT NULL
);
CREATE TABLE cards (
    id     INTEGER PRIMARY KEY,
    nid    INTEGER NOT NULL,
    did    INTEGER NOT NULL,
    ord    INTEGER NOT NULL,
    mod    INTEGER NOT NULL,
    usn    INTEGER NOT NULL,
    type   INTEGER NOT NULL,
    queue  INTEGER NOT NULL,
    due    INTEGER NOT NULL,
    ivl    INTEGER NOT NULL,
    factor INTEGER NOT NULL,
    reps   INTEGER NOT NULL,
    lapses INTEGER NOT NULL,
    left   INTEGER NOT NULL,
    odue   INTEGER NOT NULL,
    odid   INTEGER NOT NULL,
    flags  INTEGER NOT NULL,
    data   TEXT NOT NULL
);
CREATE TABLE revlog (
    id      INTEGER PRIMARY KEY,
    cid     INTEGER NOT NULL,
    usn     INTEGER NOT NULL,
    ease    INTEGER NOT NULL,
    ivl     INTEGER NOT NULL,
    lastIvl INTEGER NOT NULL,
    factor  INTEGER NOT NULL,
    time    INTEGER NOT NULL,
    type    INTEGER NOT NULL
);
CREATE TABLE graves (
    usn  INTEGER NOT NULL,
    oid  INTEGER NOT NULL,
    type INTEGER NOT NULL
);
CREATE INDEX ix_notes_usn ON notes (usn);
CREATE INDEX ix_cards_usn ON cards (usn);
CREATE INDEX ix_revlog_usn ON revlog (usn);
CREATE INDEX ix_cards_nid ON cards (nid);
CREATE INDEX ix_revlog_cid ON revlog (cid);
`

// Default blobs for the col row of a fresh collection.
const (
	defaultConf = `{"nextPos":1,"estTimes":true,"activeDecks":[1],"sortType":"noteFld",` +
		`"timeLim":0,"sortBackwards":false,"addToCur":true,"curDeck":1,"newBury":true,` +
		`"newSpread":0,"dueCounts":true,"curModel":null,"collapseTime":1200}`

	defaultDecks = `{"1":{"id":1,"name":"Default","mod":0,"usn":0,"lrnToday":[0,0],` +
		`"revToday":[0,0],"newToday":[0,0],"timeToday":[0,0],"dyn":0,"extendNew":10,` +
		`"extendRev":50,"conf":1,"collapsed":false,"desc":""}}`

	defaultDconf = `{"1":{"id":1,"name":"Default","mod":0,"usn":0,"maxTaken":60,` +
		`"autoplay":true,"timer":0,"replayq":true,` +
		`"new":{"bury":true,"delays":[1,10],"initialFactor":2500,"ints":[1,4,7],` +
		`"order":1,"perDay":20,"separate":true},` +
		`"rev":{"bury":true,"ease4":1.3,"fuzz":0.05,"ivlFct":1,"maxIvl":36500,` +
		`"minSpace":1,"perDay":200},` +
		`"lapse":{"delays":[10],"leechAction":0,"leechFails":8,"minInt":1,"mult":0}}}`
)

// createEmptyCollection writes a new collection database at path with the
// default deck and configuration and usn 0.
func createEmptyCollection(ctx context.Context, path string, now time.Time) error {
	db, err := openCollectionDB(path)
	if err != nil {
		return err
	}
	defer db.Close()

	if _, err := db.ExecContext(ctx, emptyCollectionDDL); err != nil {
		return fmt.Errorf("collection: creating schema: %w", err)
	}

	nowMs := now.UnixMilli()

	// crt is 04:00 local time today in seconds, the clients' default day
	// rollover hour.
	year, month, day := now.Date()
	crt := time.Date(year, month, day, 4, 0, 0, 0, now.Location()).Unix()

	_, err = db.ExecContext(ctx,
		`INSERT INTO col (id, crt, mod, scm, ver, dty, usn, ls, conf, models, decks, dconf, tags)
		 VALUES (1, ?, ?, ?, ?, 0, 0, 0, ?, '{}', ?, ?, '{}')`,
		crt, nowMs, nowMs, SchemaVersionMin, defaultConf, defaultDecks, defaultDconf,
	)
	if err != nil {
		return fmt.Errorf("collection: writing initial col row: %w", err)
	}

	if _, err := db.ExecContext(ctx, `PRAGMA wal_checkpoint(TRUNCATE)`); err != nil {
		return fmt.Errorf("collection: checkpointing new collection: %w", err)
	}

	return nil
}

// validateCollectionFile opens a candidate collection read-only and checks
// integrity plus a schema version in the supported range. Used before a full
// upload replaces the server copy.
func validateCollectionFile(ctx context.Context, path string) error {
	db, err := sql.Open("sqlite", fmt.Sprintf("file:%s?mode=ro", path))
	if err != nil {
		return fmt.Errorf("collection: opening uploaded file: %w", err)
	}
	defer db.Close()

	var integrity string
	if err := db.QueryRowContext(ctx, `PRAGMA integrity_check`).Scan(&integrity); err != nil {
		return fmt.Errorf("collection: integrity check: %w", err)
	}

	if integrity != "ok" {
		return fmt.Errorf("collection: uploaded file failed integrity check: %s", integrity)
	}

	ver, err := readSchemaVersion(ctx, db)
	if err != nil {
		return err
	}

	if _, err := descriptorFor(ver); err != nil {
		return err
	}

	return nil
}

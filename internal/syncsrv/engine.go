// Package syncsrv implements the server side of the collection sync
// protocol: the handshake, the chunked change exchange, the post-merge
// sanity check, and the full-sync fallback.
package syncsrv

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jackymcgrady/ankicommunity-sync-server/internal/collection"
	"github.com/jackymcgrady/ankicommunity-sync-server/internal/session"
	"github.com/jackymcgrady/ankicommunity-sync-server/internal/syncerr"
)

// maxChunkRows bounds one streamed chunk. Approximates the payload-size cap
// the clients expect without serializing rows twice.
const maxChunkRows = 250

// MediaState supplies the media log's current USN for the handshake.
type MediaState interface {
	LastUSN(ctx context.Context, userKey string) (int64, error)
}

// Engine runs one sync transaction per user at a time. All collection
// mutations between start and finish happen inside a single database
// transaction, so an abort or disconnect leaves no partial state.
type Engine struct {
	registry *session.Registry
	media    MediaState
	maxSkew  time.Duration
	logger   *slog.Logger
	nowFunc  func() time.Time

	mu     sync.Mutex
	active map[string]*transaction // user key -> open transaction
}

// NewEngine wires the engine to the session registry and media state.
func NewEngine(registry *session.Registry, media MediaState, maxSkew time.Duration, logger *slog.Logger) *Engine {
	return &Engine{
		registry: registry,
		media:    media,
		maxSkew:  maxSkew,
		logger:   logger,
		nowFunc:  time.Now,
		active:   make(map[string]*transaction),
	}
}

// transaction is the server-side sync context for one user.
type transaction struct {
	sess      *session.Session
	handle    *collection.Handle
	clientUSN int64
	newUSN    int64
	lnewer    bool
	graves    *collection.GraveSet

	queue      []pendingTable
	queueBuilt bool
}

// pendingTable is the enumeration cursor for one chunked table.
type pendingTable struct {
	name string
	rows []collection.Row
}

// Meta answers the handshake. It never opens a transaction; it reports the
// server state and whether incremental sync can continue.
func (e *Engine) Meta(ctx context.Context, sess *session.Session, req *MetaRequest) (*MetaResponse, error) {
	if req.Version < MinProtocolVersion {
		return nil, syncerr.Newf(syncerr.ErrBadRequest,
			"client sync protocol %d is no longer supported; please update your client", req.Version)
	}

	h, err := e.registry.OpenCollection(ctx, sess)
	if err != nil {
		return nil, err
	}
	defer e.registry.ReleaseCollection(h)

	m, err := h.ReadMeta(ctx)
	if err != nil {
		return nil, syncerr.Internal(err)
	}

	empty, err := h.Empty(ctx)
	if err != nil {
		return nil, syncerr.Internal(err)
	}

	musn, err := e.media.LastUSN(ctx, sess.UserKey)
	if err != nil {
		return nil, syncerr.Internal(err)
	}

	now := e.nowFunc()

	resp := &MetaResponse{
		Mod:      m.Mod,
		SCM:      m.Scm,
		USN:      m.USN,
		Ts:       now.UnixMilli(),
		MediaUSN: musn,
		Username: sess.Username,
		Cont:     true,
		Empty:    empty,
		HostNum:  0,
	}

	switch {
	case e.registry.UserBusy(sess.UserKey):
		resp.Cont = false
		resp.Message = "another sync is already in progress for this account"
	case req.ClientTime != 0 && skew(now.UnixMilli(), req.ClientTime) > e.maxSkew:
		resp.Cont = false
		resp.Message = fmt.Sprintf(
			"your computer's clock is off by more than %d minutes; please fix it and sync again",
			int(e.maxSkew.Minutes()))
	case req.SCM != 0 && req.SCM != m.Scm:
		resp.Cont = false
		resp.Message = "collection schemas differ; a full upload or download is required"
	}

	return resp, nil
}

func skew(a, b int64) time.Duration {
	d := a - b
	if d < 0 {
		d = -d
	}

	return time.Duration(d) * time.Millisecond
}

// Start opens the sync transaction: acquires the user lock, snapshots the
// server USN, exchanges tombstones, and begins the database transaction
// everything up to finish/abort runs inside.
func (e *Engine) Start(ctx context.Context, sess *session.Session, req *StartRequest) (*StartResponse, error) {
	if err := e.registry.LockUser(sess.UserKey); err != nil {
		return nil, err
	}

	h, err := e.registry.OpenCollection(ctx, sess)
	if err != nil {
		e.registry.UnlockUser(sess.UserKey)
		return nil, err
	}

	txn := &transaction{
		sess:      sess,
		handle:    h,
		clientUSN: req.MinUSN,
		lnewer:    req.LocalNewer,
		graves:    collection.NewGraveSet(),
	}

	fail := func(err error) (*StartResponse, error) {
		e.discard(txn, false)
		return nil, err
	}

	if _, err := h.DB().ExecContext(ctx, `BEGIN IMMEDIATE`); err != nil {
		return fail(syncerr.Internal(err))
	}

	m, err := h.ReadMeta(ctx)
	if err != nil {
		return fail(syncerr.Internal(err))
	}

	txn.newUSN = m.USN + 1

	// Server tombstones are collected before the client's are applied, so
	// the client never gets its own deletions echoed back.
	serverGraves, err := h.ListGraves(ctx, req.MinUSN)
	if err != nil {
		return fail(syncerr.Internal(err))
	}

	if req.Graves != nil && !req.Graves.Empty() {
		if err := txn.graves.Add(req.Graves); err != nil {
			return fail(syncerr.Wrap(syncerr.ErrBadRequest, "malformed grave list", err))
		}

		if err := h.ApplyGraves(ctx, req.Graves, txn.newUSN); err != nil {
			return fail(syncerr.Internal(err))
		}
	}

	// Server-side tombstones also guard against resurrection by the
	// client's upcoming row upserts.
	if err := txn.graves.Add(serverGraves); err != nil {
		return fail(syncerr.Internal(err))
	}

	e.mu.Lock()
	e.active[sess.UserKey] = txn
	e.mu.Unlock()

	e.logger.Info("sync started",
		slog.String("user", sess.UserKey),
		slog.Int64("client_usn", req.MinUSN),
		slog.Int64("new_usn", txn.newUSN),
	)

	return &StartResponse{Graves: serverGraves}, nil
}

// lookup returns the user's open transaction or a bad-request error.
func (e *Engine) lookup(sess *session.Session) (*transaction, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	txn, ok := e.active[sess.UserKey]
	if !ok {
		return nil, syncerr.New(syncerr.ErrBadRequest, "no sync in progress; call start first")
	}

	return txn, nil
}

// discard rolls back and tears down a transaction. rollback is skipped when
// the database transaction was already committed.
func (e *Engine) discard(txn *transaction, committed bool) {
	e.mu.Lock()
	delete(e.active, txn.sess.UserKey)
	e.mu.Unlock()

	if !committed {
		if _, err := txn.handle.DB().ExecContext(context.Background(), `ROLLBACK`); err != nil {
			e.logger.Debug("rollback on discard", "user", txn.sess.UserKey, "error", err)
		}
	}

	e.registry.ReleaseCollection(txn.handle)
	e.registry.UnlockUser(txn.sess.UserKey)
}

// Abort discards the open transaction, if any. Idempotent.
func (e *Engine) Abort(_ context.Context, sess *session.Session) error {
	e.mu.Lock()
	txn, ok := e.active[sess.UserKey]
	e.mu.Unlock()

	if !ok {
		return nil
	}

	e.discard(txn, false)
	e.logger.Info("sync aborted", "user", sess.UserKey)

	return nil
}

// DiscardFor tears down any open transaction of the given user, for use
// when a full sync supersedes an incremental one mid-flight.
func (e *Engine) DiscardFor(userKey string) {
	e.mu.Lock()
	txn, ok := e.active[userKey]
	e.mu.Unlock()

	if ok {
		e.discard(txn, false)
	}
}

// ApplyChanges merges the client's non-chunked tables and returns the
// server's. For legacy schemas the whole-blob config goes to whichever side
// reported the later collection mod in start.
func (e *Engine) ApplyChanges(ctx context.Context, sess *session.Session, req *ApplyChangesRequest) (*ApplyChangesResponse, error) {
	txn, err := e.lookup(sess)
	if err != nil {
		return nil, err
	}

	legacy := txn.handle.Desc().Legacy()

	for _, table := range []string{
		collection.TableDecks, collection.TableDeckConfigs,
		collection.TableNotetypes, collection.TableTags,
	} {
		rows := req.Changes[table]
		if len(rows) == 0 {
			continue
		}

		if err := txn.handle.ApplyRows(ctx, table, rows, txn.newUSN, txn.graves); err != nil {
			return nil, e.failTxn(txn, err)
		}
	}

	if rows := req.Changes[collection.TableConfig]; len(rows) > 0 {
		if !legacy || txn.lnewer {
			if err := txn.handle.ApplyRows(ctx, collection.TableConfig, rows, txn.newUSN, txn.graves); err != nil {
				return nil, e.failTxn(txn, err)
			}
		}
	}

	out := make(Changes)

	for _, table := range []string{
		collection.TableDecks, collection.TableDeckConfigs,
		collection.TableNotetypes, collection.TableTags,
	} {
		rows, err := txn.handle.EnumerateRows(ctx, table, txn.clientUSN)
		if err != nil {
			return nil, e.failTxn(txn, err)
		}

		rows = filterEcho(txn.handle, table, rows, txn.newUSN)
		if len(rows) > 0 {
			out[table] = rows
		}
	}

	if !legacy || !txn.lnewer {
		rows, err := txn.handle.EnumerateRows(ctx, collection.TableConfig, txn.clientUSN)
		if err != nil {
			return nil, e.failTxn(txn, err)
		}

		rows = filterEcho(txn.handle, collection.TableConfig, rows, txn.newUSN)
		if len(rows) > 0 {
			out[collection.TableConfig] = rows
		}
	}

	return &ApplyChangesResponse{Changes: out}, nil
}

// ApplyChunk merges one uploaded chunk of big-table rows.
func (e *Engine) ApplyChunk(ctx context.Context, sess *session.Session, req *ApplyChunkRequest) error {
	txn, err := e.lookup(sess)
	if err != nil {
		return err
	}

	if req.Chunk == nil {
		return e.failTxn(txn, syncerr.New(syncerr.ErrBadRequest, "missing chunk"))
	}

	for _, table := range collection.ChunkedTables {
		rows := req.Chunk.Tables[table]
		if len(rows) == 0 {
			continue
		}

		if err := txn.handle.ApplyRows(ctx, table, rows, txn.newUSN, txn.graves); err != nil {
			return e.failTxn(txn, err)
		}
	}

	for table := range req.Chunk.Tables {
		if !isChunkedTable(table) {
			return e.failTxn(txn, syncerr.Newf(syncerr.ErrBadRequest, "table %q cannot be chunked", table))
		}
	}

	return nil
}

// filterEcho drops rows carrying the transaction's own USN, so changes the
// client uploaded earlier in the same sync are never streamed back to it.
func filterEcho(h *collection.Handle, table string, rows []collection.Row, newUSN int64) []collection.Row {
	desc, ok := h.Desc().Tables[table]
	if !ok {
		return rows
	}

	usnIdx := -1

	for i, c := range desc.Columns {
		if c.Name == desc.USNCol {
			usnIdx = i
			break
		}
	}

	out := rows[:0:0]

	for _, row := range rows {
		if rowUSN(table, row, usnIdx) == newUSN {
			continue
		}

		out = append(out, row)
	}

	return out
}

// rowUSN extracts a wire row's USN. SQL-backed tables carry it as a column;
// legacy blob entries carry it inside their JSON body, and legacy tag rows
// in the second slot. Unknown shapes report -1, which never matches a
// transaction USN.
func rowUSN(table string, row collection.Row, usnIdx int) int64 {
	if usnIdx >= 0 && usnIdx < len(row) {
		if n, ok := row[usnIdx].(int64); ok {
			return n
		}

		return -1
	}

	switch table {
	case collection.TableTags:
		if len(row) == 2 {
			if n, ok := row[1].(int64); ok {
				return n
			}
		}
	case collection.TableDecks, collection.TableDeckConfigs, collection.TableNotetypes:
		if len(row) == 2 {
			if body, ok := row[1].(string); ok {
				var meta struct {
					USN int64 `json:"usn"`
				}

				if json.Unmarshal([]byte(body), &meta) == nil {
					return meta.USN
				}
			}
		}
	}

	return -1
}

func isChunkedTable(name string) bool {
	for _, t := range collection.ChunkedTables {
		if t == name {
			return true
		}
	}

	return false
}

// Chunk returns the next batch of server rows the client has not seen.
func (e *Engine) Chunk(ctx context.Context, sess *session.Session) (*ChunkResponse, error) {
	txn, err := e.lookup(sess)
	if err != nil {
		return nil, err
	}

	if !txn.queueBuilt {
		for _, table := range collection.ChunkedTables {
			rows, err := txn.handle.EnumerateRows(ctx, table, txn.clientUSN)
			if err != nil {
				return nil, e.failTxn(txn, err)
			}

			rows = filterEcho(txn.handle, table, rows, txn.newUSN)
			if len(rows) > 0 {
				txn.queue = append(txn.queue, pendingTable{name: table, rows: rows})
			}
		}

		txn.queueBuilt = true
	}

	chunk := &Chunk{Tables: make(map[string][]collection.Row)}
	remaining := maxChunkRows

	for remaining > 0 && len(txn.queue) > 0 {
		head := &txn.queue[0]

		n := remaining
		if n > len(head.rows) {
			n = len(head.rows)
		}

		chunk.Tables[head.name] = append(chunk.Tables[head.name], head.rows[:n]...)
		head.rows = head.rows[n:]
		remaining -= n

		if len(head.rows) == 0 {
			txn.queue = txn.queue[1:]
		}
	}

	chunk.Done = len(txn.queue) == 0

	return &ChunkResponse{Chunk: chunk}, nil
}

// SanityCheck compares the client's count digest against the server's. A
// mismatch aborts the transaction: staged changes are rolled back and the
// client is told to force a full sync.
func (e *Engine) SanityCheck(ctx context.Context, sess *session.Session, req *SanityCheckRequest) (*SanityCheckResponse, error) {
	txn, err := e.lookup(sess)
	if err != nil {
		return nil, err
	}

	server, err := txn.handle.SanityVector(ctx)
	if err != nil {
		return nil, e.failTxn(txn, err)
	}

	if !collection.SanityMatch(req.Client, server) {
		e.logger.Warn("sanity check failed",
			slog.String("user", sess.UserKey),
			slog.Any("client", req.Client),
			slog.Any("server", server),
		)

		e.discard(txn, false)

		return &SanityCheckResponse{Status: SanityBad}, nil
	}

	return &SanityCheckResponse{Status: SanityOK}, nil
}

// Finish commits the transaction: bumps the collection USN to the value
// assigned at start, stamps a server-chosen mod time, and releases the lock.
func (e *Engine) Finish(ctx context.Context, sess *session.Session) (*FinishResponse, error) {
	txn, err := e.lookup(sess)
	if err != nil {
		return nil, err
	}

	mod := e.nowFunc().UnixMilli()

	if err := txn.handle.CommitMeta(ctx, mod, txn.newUSN, mod); err != nil {
		return nil, e.failTxn(txn, err)
	}

	if _, err := txn.handle.DB().ExecContext(ctx, `COMMIT`); err != nil {
		return nil, e.failTxn(txn, syncerr.Internal(err))
	}

	if err := txn.handle.Checkpoint(ctx); err != nil {
		e.logger.Warn("checkpoint after commit", "user", sess.UserKey, "error", err)
	}

	e.discard(txn, true)

	e.logger.Info("sync finished",
		slog.String("user", sess.UserKey),
		slog.Int64("mod", mod),
	)

	return &FinishResponse{Mod: mod}, nil
}

// failTxn discards the transaction and passes the error through, wrapping
// non-sync errors as internal.
func (e *Engine) failTxn(txn *transaction, err error) error {
	e.discard(txn, false)

	var se *syncerr.Error
	if errors.As(err, &se) {
		return err
	}

	return syncerr.Internal(err)
}

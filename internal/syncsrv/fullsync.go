package syncsrv

import (
	"context"
	"log/slog"

	"github.com/jackymcgrady/ankicommunity-sync-server/internal/session"
	"github.com/jackymcgrady/ankicommunity-sync-server/internal/syncerr"
)

// Upload replaces the user's collection with the uploaded database file.
// The file is validated before the swap; any in-flight incremental sync for
// the user is superseded and discarded.
func (e *Engine) Upload(ctx context.Context, sess *session.Session, data []byte) (*UploadResponse, error) {
	if len(data) == 0 {
		return nil, syncerr.New(syncerr.ErrBadRequest, "empty collection upload")
	}

	// A full upload supersedes any incremental sync left open by the same
	// client (e.g. after a failed sanity check the client never aborted).
	e.DiscardFor(sess.UserKey)

	if err := e.registry.LockUser(sess.UserKey); err != nil {
		return nil, err
	}
	defer e.registry.UnlockUser(sess.UserKey)

	if err := e.registry.Collections().ImportCollection(ctx, sess.UserKey, data); err != nil {
		return nil, syncerr.Wrap(syncerr.ErrBadRequest, "uploaded collection was rejected", err)
	}

	e.logger.Info("full upload complete",
		slog.String("user", sess.UserKey),
		slog.Int("bytes", len(data)),
	)

	return &UploadResponse{Status: UploadOK}, nil
}

// Download returns the raw collection file bytes. The WAL is checkpointed
// first so the single file carries every committed change.
func (e *Engine) Download(ctx context.Context, sess *session.Session) ([]byte, error) {
	if err := e.registry.LockUser(sess.UserKey); err != nil {
		return nil, err
	}
	defer e.registry.UnlockUser(sess.UserKey)

	data, err := e.registry.Collections().ExportCollection(ctx, sess.UserKey)
	if err != nil {
		return nil, syncerr.Internal(err)
	}

	e.logger.Info("full download served",
		slog.String("user", sess.UserKey),
		slog.Int("bytes", len(data)),
	)

	return data, nil
}

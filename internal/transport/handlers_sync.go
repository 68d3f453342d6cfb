package transport

import (
	"context"

	"github.com/jackymcgrady/ankicommunity-sync-server/internal/session"
	"github.com/jackymcgrady/ankicommunity-sync-server/internal/syncerr"
	"github.com/jackymcgrady/ankicommunity-sync-server/internal/syncsrv"
)

// hostKeyRequest is the login body; an empty one is a discovery probe.
type hostKeyRequest struct {
	Username string `json:"u"`
	Password string `json:"p"`
}

// hostKeyResponse returns the minted session key. Host is the historical
// sharding hint; a self-hosted server always says 0.
type hostKeyResponse struct {
	Key  string `json:"key"`
	Host int    `json:"host"`
}

func (s *Server) hostKey(ctx context.Context, hdr *syncHeader, _ *session.Session, body []byte) (*result, error) {
	var req hostKeyRequest
	if err := decodeJSON(body, &req); err != nil {
		return nil, err
	}

	// A probe with no credentials and no session key asks "should I show
	// the login dialog?" — answer with the canonical expected-auth reply.
	if req.Username == "" && req.Password == "" && hdr.Key == "" {
		return nil, syncerr.New(syncerr.ErrAuthRequired, "auth expected")
	}

	sess, err := s.registry.Login(ctx, req.Username, req.Password, hdr.HostID)
	if err != nil {
		return nil, err
	}

	return jsonResult(hostKeyResponse{Key: sess.Key, Host: 0}), nil
}

func (s *Server) meta(ctx context.Context, hdr *syncHeader, sess *session.Session, body []byte) (*result, error) {
	var req syncsrv.MetaRequest
	if err := decodeJSON(body, &req); err != nil {
		return nil, err
	}

	if req.Version == 0 {
		req.Version = hdr.Version
	}

	resp, err := s.engine.Meta(ctx, sess, &req)
	if err != nil {
		return nil, err
	}

	return jsonResult(resp), nil
}

func (s *Server) start(ctx context.Context, _ *syncHeader, sess *session.Session, body []byte) (*result, error) {
	var req syncsrv.StartRequest
	if err := decodeJSON(body, &req); err != nil {
		return nil, err
	}

	resp, err := s.engine.Start(ctx, sess, &req)
	if err != nil {
		return nil, err
	}

	return jsonResult(resp), nil
}

func (s *Server) applyChanges(ctx context.Context, _ *syncHeader, sess *session.Session, body []byte) (*result, error) {
	var req syncsrv.ApplyChangesRequest
	if err := decodeJSON(body, &req); err != nil {
		return nil, err
	}

	resp, err := s.engine.ApplyChanges(ctx, sess, &req)
	if err != nil {
		return nil, err
	}

	return jsonResult(resp), nil
}

func (s *Server) applyChunk(ctx context.Context, _ *syncHeader, sess *session.Session, body []byte) (*result, error) {
	var req syncsrv.ApplyChunkRequest
	if err := decodeJSON(body, &req); err != nil {
		return nil, err
	}

	if err := s.engine.ApplyChunk(ctx, sess, &req); err != nil {
		return nil, err
	}

	return jsonResult(struct{}{}), nil
}

func (s *Server) chunk(ctx context.Context, _ *syncHeader, sess *session.Session, _ []byte) (*result, error) {
	resp, err := s.engine.Chunk(ctx, sess)
	if err != nil {
		return nil, err
	}

	return jsonResult(resp), nil
}

func (s *Server) sanityCheck(ctx context.Context, _ *syncHeader, sess *session.Session, body []byte) (*result, error) {
	var req syncsrv.SanityCheckRequest
	if err := decodeJSON(body, &req); err != nil {
		return nil, err
	}

	resp, err := s.engine.SanityCheck(ctx, sess, &req)
	if err != nil {
		return nil, err
	}

	return jsonResult(resp), nil
}

func (s *Server) finish(ctx context.Context, _ *syncHeader, sess *session.Session, _ []byte) (*result, error) {
	resp, err := s.engine.Finish(ctx, sess)
	if err != nil {
		return nil, err
	}

	return jsonResult(resp), nil
}

func (s *Server) abort(ctx context.Context, _ *syncHeader, sess *session.Session, _ []byte) (*result, error) {
	if err := s.engine.Abort(ctx, sess); err != nil {
		return nil, err
	}

	return jsonResult(struct{}{}), nil
}

func (s *Server) upload(ctx context.Context, _ *syncHeader, sess *session.Session, body []byte) (*result, error) {
	if int64(len(body)) > s.cfg.MaxCollectionBytes {
		return nil, syncerr.Newf(syncerr.ErrBadRequest,
			"collection exceeds the %d byte upload limit", s.cfg.MaxCollectionBytes)
	}

	resp, err := s.engine.Upload(ctx, sess, body)
	if err != nil {
		return nil, err
	}

	return jsonResult(resp), nil
}

func (s *Server) download(ctx context.Context, _ *syncHeader, sess *session.Session, _ []byte) (*result, error) {
	data, err := s.engine.Download(ctx, sess)
	if err != nil {
		return nil, err
	}

	return rawResult(data), nil
}

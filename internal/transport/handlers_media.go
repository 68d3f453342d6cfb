package transport

import (
	"context"

	"github.com/jackymcgrady/ankicommunity-sync-server/internal/session"
)

func (s *Server) mediaBegin(ctx context.Context, _ *syncHeader, sess *session.Session, _ []byte) (*result, error) {
	res, err := s.media.Begin(ctx, sess.UserKey, sess.Key)
	if err != nil {
		return nil, err
	}

	return jsonResult(mediaEnvelope{Data: res, Err: ""}), nil
}

func (s *Server) mediaChanges(ctx context.Context, _ *syncHeader, sess *session.Session, body []byte) (*result, error) {
	var req struct {
		LastUSN int64 `json:"lastUsn"`
	}

	if err := decodeJSON(body, &req); err != nil {
		return nil, err
	}

	// The response is the bare array — not wrapped in an object. Clients
	// retry forever on any other shape.
	changes, err := s.media.Changes(ctx, sess.UserKey, req.LastUSN)
	if err != nil {
		return nil, err
	}

	return jsonResult(changes), nil
}

func (s *Server) mediaUpload(ctx context.Context, _ *syncHeader, sess *session.Session, body []byte) (*result, error) {
	res, err := s.media.UploadChanges(ctx, sess.UserKey, body)
	if err != nil {
		return nil, err
	}

	return jsonResult(mediaEnvelope{Data: res, Err: ""}), nil
}

func (s *Server) mediaDownload(ctx context.Context, _ *syncHeader, sess *session.Session, body []byte) (*result, error) {
	var req struct {
		Files []string `json:"files"`
	}

	if err := decodeJSON(body, &req); err != nil {
		return nil, err
	}

	archive, err := s.media.DownloadFiles(ctx, sess.UserKey, req.Files)
	if err != nil {
		return nil, err
	}

	return rawResult(archive), nil
}

func (s *Server) mediaSanity(ctx context.Context, _ *syncHeader, sess *session.Session, body []byte) (*result, error) {
	var req struct {
		Local int64 `json:"local"`
	}

	if err := decodeJSON(body, &req); err != nil {
		return nil, err
	}

	status, err := s.media.Sanity(ctx, sess.UserKey, req.Local)
	if err != nil {
		return nil, err
	}

	return jsonResult(mediaEnvelope{Data: status, Err: ""}), nil
}

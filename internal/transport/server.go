// Package transport is the HTTP shim in front of the sync engines: it
// enforces the header contract, handles zstd bodies, routes the closed set
// of operations, and is the single place errors become HTTP responses.
package transport

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jackymcgrady/ankicommunity-sync-server/internal/config"
	"github.com/jackymcgrady/ankicommunity-sync-server/internal/media"
	"github.com/jackymcgrady/ankicommunity-sync-server/internal/session"
	"github.com/jackymcgrady/ankicommunity-sync-server/internal/syncerr"
	"github.com/jackymcgrady/ankicommunity-sync-server/internal/syncsrv"
)

// Server routes the collection (/sync/) and media (/msync/) operations.
type Server struct {
	cfg      *config.Config
	registry *session.Registry
	engine   *syncsrv.Engine
	media    *media.Engine
	logger   *slog.Logger
	mux      *http.ServeMux
}

// NewServer assembles the shim and registers every operation.
func NewServer(cfg *config.Config, registry *session.Registry, engine *syncsrv.Engine, mediaEngine *media.Engine, logger *slog.Logger) *Server {
	s := &Server{
		cfg:      cfg,
		registry: registry,
		engine:   engine,
		media:    mediaEngine,
		logger:   logger,
		mux:      http.NewServeMux(),
	}

	s.routes()

	return s
}

// Handler returns the sync listener's handler.
func (s *Server) Handler() http.Handler {
	return s.mux
}

// AdminHandler serves metrics and health on the optional admin listener,
// kept off the sync port so probing clients never reach it.
func (s *Server) AdminHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	return mux
}

// result is what an operation hands back to the shim: exactly one of value
// (marshaled as JSON) or raw (sent as an octet stream) is set.
type result struct {
	value any
	raw   []byte
}

func jsonResult(v any) *result   { return &result{value: v} }
func rawResult(data []byte) *result { return &result{raw: data} }

// operation handles one decoded request. sess is nil for hostKey.
type operation func(ctx context.Context, hdr *syncHeader, sess *session.Session, body []byte) (*result, error)

// endpoint families differ only in how errors are serialized.
type family int

const (
	familySync family = iota
	familyMedia
)

func (s *Server) routes() {
	s.handle("/sync/hostKey", familySync, false, s.hostKey)
	s.handle("/sync/meta", familySync, true, s.meta)
	s.handle("/sync/start", familySync, true, s.start)
	s.handle("/sync/applyChanges", familySync, true, s.applyChanges)
	s.handle("/sync/applyChunk", familySync, true, s.applyChunk)
	s.handle("/sync/chunk", familySync, true, s.chunk)
	s.handle("/sync/sanityCheck2", familySync, true, s.sanityCheck)
	s.handle("/sync/finish", familySync, true, s.finish)
	s.handle("/sync/abort", familySync, true, s.abort)
	s.handle("/sync/upload", familySync, true, s.upload)
	s.handle("/sync/download", familySync, true, s.download)

	s.handle("/msync/begin", familyMedia, true, s.mediaBegin)
	s.handle("/msync/mediaChanges", familyMedia, true, s.mediaChanges)
	s.handle("/msync/uploadChanges", familyMedia, true, s.mediaUpload)
	s.handle("/msync/downloadFiles", familyMedia, true, s.mediaDownload)
	s.handle("/msync/mediaSanity", familyMedia, true, s.mediaSanity)
}

// handle wraps an operation with the shared request pipeline: metrics,
// header parse, body decode, session resolution, and error mapping.
func (s *Server) handle(path string, fam family, needsSession bool, op operation) {
	endpoint := path

	s.mux.HandleFunc(path, func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		requestsInFlight.Inc()
		defer requestsInFlight.Dec()

		status := s.serve(w, r, fam, needsSession, op)

		requestsTotal.WithLabelValues(endpoint, strconv.Itoa(status)).Inc()
		requestDuration.WithLabelValues(endpoint).Observe(time.Since(start).Seconds())
	})
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request, fam family, needsSession bool, op operation) int {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return http.StatusMethodNotAllowed
	}

	hdr, err := parseSyncHeader(r)
	if err != nil {
		return s.fail(w, &syncHeader{}, fam, err)
	}

	// Full uploads carry whole collection files and get the larger cap.
	maxBytes := s.cfg.MaxRequestBytes
	if r.URL.Path == "/sync/upload" && s.cfg.MaxCollectionBytes > maxBytes {
		maxBytes = s.cfg.MaxCollectionBytes
	}

	body, err := readBody(r, maxBytes)
	if err != nil {
		return s.fail(w, hdr, fam, err)
	}

	ctx := r.Context()

	var sess *session.Session

	if needsSession {
		key := hdr.Key
		if key == "" {
			key = sessionKeyFromBody(body)
		}

		sess, err = s.registry.Resolve(ctx, key)
		if err != nil {
			return s.fail(w, hdr, fam, err)
		}
	}

	res, err := op(ctx, hdr, sess, body)
	if err != nil {
		return s.fail(w, hdr, fam, err)
	}

	if res.raw != nil {
		if err := writeBody(w, hdr, http.StatusOK, "application/octet-stream", res.raw); err != nil {
			s.logger.Warn("writing response", "endpoint", r.URL.Path, "error", err)
		}

		return http.StatusOK
	}

	if err := writeJSON(w, hdr, http.StatusOK, res.value); err != nil {
		s.logger.Warn("writing response", "endpoint", r.URL.Path, "error", err)
	}

	return http.StatusOK
}

// sessionKeyFromBody digs the session key out of a JSON body for clients
// that send it as sk/k instead of in the sync header.
func sessionKeyFromBody(body []byte) string {
	var probe struct {
		SK string `json:"sk"`
		K  string `json:"k"`
	}

	if err := json.Unmarshal(body, &probe); err != nil {
		return ""
	}

	if probe.SK != "" {
		return probe.SK
	}

	return probe.K
}

// fail serializes an error per the endpoint family and logs internals.
func (s *Server) fail(w http.ResponseWriter, hdr *syncHeader, fam family, err error) int {
	status := statusFor(err)
	msg := syncerr.MessageFor(err)

	var se *syncerr.Error
	if errors.As(err, &se) && se.Err != nil {
		s.logger.Error("request failed", "status", status, "message", msg, "cause", se.Err)
	} else if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "status", status, "error", err)
	} else {
		s.logger.Debug("request refused", "status", status, "message", msg)
	}

	var body any
	if fam == familyMedia {
		body = mediaEnvelope{Data: nil, Err: msg}
	} else {
		body = errorBody{Err: msg}
	}

	if werr := writeJSON(w, hdr, status, body); werr != nil {
		s.logger.Warn("writing error response", "error", werr)
	}

	return status
}

// mediaEnvelope is the {data, err} wrapper the media endpoints use.
type mediaEnvelope struct {
	Data any    `json:"data"`
	Err  string `json:"err"`
}

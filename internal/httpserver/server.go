package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"path/filepath"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/singleflight"

	"mediashare/internal/archive"
	"mediashare/internal/broadcast"
	"mediashare/internal/config"
	"mediashare/internal/metrics"
	"mediashare/internal/repository"
	"mediashare/internal/upload"
)

// JSON request bodies are tiny; anything bigger is refused.
const maxJSONBody = 1 << 20

type Options struct {
	Config   config.Config
	Repo     *repository.Repository
	Hub      *broadcast.Hub
	Streamer *archive.Streamer // default: archive.New(Repo)
	Gate     *upload.Gate      // default: upload.New(Repo)
	Metrics  *metrics.Metrics
	Logger   *slog.Logger
}

type Server struct {
	cfg      config.Config
	repo     *repository.Repository
	hub      *broadcast.Hub
	streamer *archive.Streamer
	gate     *upload.Gate
	metrics  *metrics.Metrics
	log      *slog.Logger

	upgrader   websocket.Upgrader
	thumbs     singleflight.Group
	thumbCache thumbCache
}

func New(opts Options) (*Server, error) {
	if opts.Repo == nil {
		return nil, errors.New("httpserver: repository is required")
	}
	if opts.Hub == nil {
		return nil, errors.New("httpserver: hub is required")
	}
	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	s := &Server{
		cfg:      opts.Config,
		repo:     opts.Repo,
		hub:      opts.Hub,
		streamer: opts.Streamer,
		gate:     opts.Gate,
		metrics:  opts.Metrics,
		log:      log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Clients are unauthenticated browsers on any origin.
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}
	if s.streamer == nil {
		s.streamer = archive.New(opts.Repo, log)
	}
	if s.gate == nil {
		s.gate = upload.New(opts.Repo, upload.Options{Logger: log, Metrics: opts.Metrics})
	}
	if s.cfg.ThumbSize <= 0 {
		s.cfg.ThumbSize = config.DefaultThumbSize
	}
	if s.cfg.StateDir == "" {
		s.cfg.StateDir = filepath.Join(opts.Repo.Root(), ".mediashare")
	}
	s.thumbCache = thumbCache{dir: filepath.Join(s.cfg.StateDir, "thumbs")}
	return s, nil
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// health
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = io.WriteString(w, "ok\n")
	})
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}

	// repository api
	mux.HandleFunc("POST /upload", s.handleUpload)
	mux.HandleFunc("GET /list_files", s.handleList)
	mux.HandleFunc("POST /download_zip", s.handleZip)
	mux.HandleFunc("POST /delete_file", s.handleDelete)
	mux.HandleFunc("POST /delete_all_files", s.handleDeleteAll)

	// change notifications
	mux.HandleFunc("GET /ws", s.handleWS)

	// raw files with Range, and thumbnails
	mux.HandleFunc("GET /files/{name}", s.handleFile)
	mux.HandleFunc("GET /thumb", s.handleThumb)

	return s.logRequests(withHeaders(mux))
}

func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request) {
	mr, err := r.MultipartReader()
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, fmt.Errorf("bad multipart: %w", err))
		return
	}
	res, err := s.gate.Accept(r.Context(), mr)
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, map[string]any{
		"ok":       true,
		"stored":   res.Count(upload.Stored),
		"rejected": res.Count(upload.Rejected),
		"failed":   res.Count(upload.Failed),
	})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	names, err := s.repo.List(r.Context())
	if err != nil {
		s.fail(w, r, err)
		return
	}
	writeJSON(w, map[string]any{"files": names})
}

func (s *Server) handleZip(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Files archive.Selection `json:"files"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody)).Decode(&req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, fmt.Errorf("bad json: %w", err))
		return
	}

	ctx := r.Context()
	if d := s.cfg.ArchiveTimeout.Std(); d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	start := time.Now()
	plan, err := s.streamer.Resolve(ctx, req.Files)
	if err != nil {
		s.metrics.Archive("rejected", 0, time.Since(start))
		s.fail(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/zip")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", archive.Filename))
	n, err := plan.WriteTo(ctx, w)
	elapsed := time.Since(start)
	switch {
	case err == nil:
		s.metrics.Archive("ok", n, elapsed)
		s.log.Info("archive sent", "files", len(plan.Names()), "bytes", n, "duration", elapsed)
	case n == 0 && !errors.Is(err, context.Canceled):
		// Nothing reached the client, so the status line is still ours.
		s.metrics.Archive("failed", 0, elapsed)
		w.Header().Del("Content-Type")
		w.Header().Del("Content-Disposition")
		s.fail(w, r, err)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		s.metrics.Archive("aborted", n, elapsed)
		s.log.Warn("archive aborted", "bytes", n, "duration", elapsed, "error", err)
	default:
		s.metrics.Archive("failed", n, elapsed)
		s.log.Error("archive failed", "bytes", n, "error", err)
	}
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	var req struct {
		File string `json:"file"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxJSONBody)).Decode(&req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, fmt.Errorf("bad json: %w", err))
		return
	}
	if err := s.repo.Delete(r.Context(), req.File); err != nil {
		s.metrics.Delete("single", resultLabel(err))
		s.fail(w, r, err)
		return
	}
	s.metrics.Delete("single", "ok")
	writeJSON(w, map[string]any{"ok": true})
}

func (s *Server) handleDeleteAll(w http.ResponseWriter, r *http.Request) {
	err := s.repo.DeleteAll(r.Context())
	var pf *repository.PartialFailure
	switch {
	case err == nil:
		s.metrics.Delete("all", "ok")
		writeJSON(w, map[string]any{"ok": true})
	case errors.As(err, &pf):
		s.metrics.Delete("all", "partial")
		s.log.Error("delete all incomplete", "remaining", pf.Names, "error", err)
		s.writePartialFailure(w, pf)
	default:
		s.metrics.Delete("all", resultLabel(err))
		s.fail(w, r, err)
	}
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied with an HTTP error.
		s.log.Debug("websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	if err := s.hub.Serve(conn); err != nil {
		s.log.Debug("websocket closed", "remote", r.RemoteAddr, "error", err)
	}
}

// --- helpers ---

// fail maps a component error to its HTTP status.
func (s *Server) fail(w http.ResponseWriter, r *http.Request, err error) {
	s.writeError(w, r, statusFor(err), err)
}

func statusFor(err error) int {
	var (
		ve *repository.ValidationError
		nf *repository.NotFoundError
	)
	switch {
	case errors.As(err, &ve), errors.Is(err, archive.ErrEmptySelection):
		return http.StatusBadRequest
	case errors.As(err, &nf):
		return http.StatusNotFound
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}

func resultLabel(err error) string {
	switch statusFor(err) {
	case http.StatusBadRequest:
		return "invalid"
	case http.StatusNotFound:
		return "not_found"
	default:
		return "error"
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, code int, err error) {
	if code >= 500 {
		s.log.Error("request failed", "method", r.Method, "path", r.URL.Path, "status", code, "error", err)
	} else {
		s.log.Debug("request rejected", "method", r.Method, "path", r.URL.Path, "status", code, "error", err)
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": err.Error()})
}

// writePartialFailure reports the files that are still present.
func (s *Server) writePartialFailure(w http.ResponseWriter, pf *repository.PartialFailure) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(http.StatusInternalServerError)
	_ = json.NewEncoder(w).Encode(map[string]any{"error": pf.Names})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	_ = enc.Encode(v)
}

package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-harvester/internal/app"
	"github.com/JakeFAU/catalog-harvester/internal/catalog"
	"github.com/JakeFAU/catalog-harvester/internal/metrics"
	"github.com/JakeFAU/catalog-harvester/internal/snapshot"
)

// Harvester is the run manager behind the API; app.App satisfies it.
type Harvester interface {
	RunReader
	StartCrawl(ctx context.Context, req app.CrawlRequest) (catalog.Run, error)
	StartExport(ctx context.Context, req app.ExportRequest) (catalog.Run, error)
	DefaultExportRequest() app.ExportRequest
	CancelRun(ctx context.Context, id string) error
	Snapshots() ([]snapshot.Info, error)
}

// Config tunes the server.
type Config struct {
	// APIKey, when set, is required on every request.
	APIKey         string
	RequestTimeout time.Duration
}

// Server wires HTTP handlers to the run manager.
type Server struct {
	router    chi.Router
	harvester Harvester
	runs      *RunHandler
	logger    *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(h Harvester, cfg Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 60 * time.Second
	}
	s := &Server{
		harvester: h,
		runs:      NewRunHandler(h, logger),
		logger:    logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(cfg.RequestTimeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.APIKey != "" {
			r.Use(apiKeyMiddleware(cfg.APIKey))
		}
		r.Route("/crawls", func(r chi.Router) {
			r.Post("/", s.startCrawl)
			r.Get("/", s.runs.List(catalog.RunKindCrawl))
			r.Route("/{run_id}", func(r chi.Router) {
				r.Get("/", s.runs.Get(catalog.RunKindCrawl))
				r.Post("/cancel", s.cancelRun)
			})
		})
		r.Route("/exports", func(r chi.Router) {
			r.Post("/", s.startExport)
			r.Get("/", s.runs.List(catalog.RunKindExport))
			r.Route("/{run_id}", func(r chi.Router) {
				r.Get("/", s.runs.Get(catalog.RunKindExport))
				r.Post("/cancel", s.cancelRun)
			})
		})
		r.Get("/snapshots", s.listSnapshots)
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) startCrawl(w http.ResponseWriter, r *http.Request) {
	var req app.CrawlRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	run, err := s.harvester.StartCrawl(r.Context(), req)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]any{"run": run})
	case errors.Is(err, app.ErrCrawlInProgress):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, app.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		s.logger.Error("start crawl failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to start crawl")
	}
}

type exportRequest struct {
	IncludeImages *bool `json:"include_images"`
	AllFiles      *bool `json:"all_files"`
	// Snapshot names a file listed by GET /v1/snapshots.
	Snapshot string `json:"snapshot"`
}

func (s *Server) startExport(w http.ResponseWriter, r *http.Request) {
	var body exportRequest
	if err := decodeOptionalJSON(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	req := s.harvester.DefaultExportRequest()
	req.IncludeImages = boolOrDefault(body.IncludeImages, req.IncludeImages)
	req.AllFiles = boolOrDefault(body.AllFiles, req.AllFiles)
	if body.Snapshot != "" {
		path, err := s.snapshotPath(body.Snapshot)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		req.Snapshot = path
	}
	run, err := s.harvester.StartExport(r.Context(), req)
	if err != nil {
		s.logger.Error("start export failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to start export")
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"run": run})
}

// snapshotPath resolves a snapshot name to its path. Only listed snapshots
// are accepted so clients cannot point exports at arbitrary files.
func (s *Server) snapshotPath(name string) (string, error) {
	infos, err := s.harvester.Snapshots()
	if err != nil {
		return "", fmt.Errorf("list snapshots: %w", err)
	}
	for _, info := range infos {
		if info.Name == name {
			return info.Path, nil
		}
	}
	return "", fmt.Errorf("unknown snapshot %q", name)
}

func (s *Server) cancelRun(w http.ResponseWriter, r *http.Request) {
	runID, err := parseRunID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	err = s.harvester.CancelRun(r.Context(), runID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID, "status": "canceling"})
	case errors.Is(err, app.ErrRunNotFound):
		writeError(w, http.StatusNotFound, "run not found")
	case errors.Is(err, app.ErrRunNotActive):
		writeError(w, http.StatusConflict, err.Error())
	default:
		s.logger.Error("cancel run failed", zap.String("run_id", runID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to cancel run")
	}
}

func (s *Server) listSnapshots(w http.ResponseWriter, _ *http.Request) {
	infos, err := s.harvester.Snapshots()
	if err != nil {
		s.logger.Error("list snapshots failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "failed to list snapshots")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"snapshots": infos})
}

// decodeOptionalJSON decodes the request body into dst; an empty body leaves
// dst untouched.
func decodeOptionalJSON(r *http.Request, dst any) error {
	if r.Body == nil {
		return nil
	}
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("decode request: %w", err)
	}
	return nil
}

func boolOrDefault(ptr *bool, def bool) bool {
	if ptr == nil {
		return def
	}
	return *ptr
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func loggingMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(ww, r)
			reqID, _ := r.Context().Value(requestIDKey{}).(string)
			logger.Info("request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", ww.status),
				zap.Int64("duration_ms", time.Since(start).Milliseconds()),
				zap.String("request_id", reqID),
			)
		})
	}
}

func recoverMiddleware(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.Error("panic recovered", zap.Any("error", rec), zap.String("path", r.URL.Path))
					writeError(w, http.StatusInternalServerError, "internal server error")
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeError(w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

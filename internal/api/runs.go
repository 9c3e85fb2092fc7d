package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-harvester/internal/app"
	"github.com/JakeFAU/catalog-harvester/internal/catalog"
)

const (
	defaultRunLimit = 50
	maxRunLimit     = 500
	runReadTimeout  = 3 * time.Second
)

// RunReader is the read side of the run store.
type RunReader interface {
	GetRun(ctx context.Context, id string) (catalog.Run, error)
	ListRuns(ctx context.Context, kind catalog.RunKind) ([]catalog.Run, error)
}

// RunHandler exposes read-only run status endpoints.
type RunHandler struct {
	runs    RunReader
	timeout time.Duration
	logger  *zap.Logger
}

// NewRunHandler wires the reader and logger.
func NewRunHandler(runs RunReader, logger *zap.Logger) *RunHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RunHandler{
		runs:    runs,
		timeout: runReadTimeout,
		logger:  logger,
	}
}

// List handles GET /v1/{crawls,exports}?status=&limit=&offset=. It returns
// {"runs": [...]} newest first, 400 for invalid filters, 503 when no reader
// is configured or 500 if the reader fails.
func (h *RunHandler) List(kind catalog.RunKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.runs == nil {
			writeError(w, http.StatusServiceUnavailable, "run store unavailable")
			return
		}
		limit, offset, err := parseLimitOffset(r, defaultRunLimit, maxRunLimit)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		var status catalog.RunStatus
		if raw := strings.TrimSpace(r.URL.Query().Get("status")); raw != "" {
			status, err = parseStatus(raw)
			if err != nil {
				writeError(w, http.StatusBadRequest, err.Error())
				return
			}
		}
		ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
		defer cancel()

		runs, err := h.runs.ListRuns(ctx, kind)
		if err != nil {
			h.logger.Error("list runs failed", zap.String("kind", string(kind)), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to list runs")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"runs": page(filterStatus(runs, status), limit, offset),
		})
	}
}

// Get handles GET /v1/{crawls,exports}/{run_id}. It returns {"run": {...}},
// 400 for malformed ids and 404 for unknown ids or ids of another kind.
func (h *RunHandler) Get(kind catalog.RunKind) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if h.runs == nil {
			writeError(w, http.StatusServiceUnavailable, "run store unavailable")
			return
		}
		runID, err := parseRunID(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		ctx, cancel := context.WithTimeout(r.Context(), h.timeout)
		defer cancel()

		run, err := h.runs.GetRun(ctx, runID)
		if err != nil {
			if errors.Is(err, app.ErrRunNotFound) {
				writeError(w, http.StatusNotFound, "run not found")
				return
			}
			h.logger.Error("get run failed", zap.String("run_id", runID), zap.Error(err))
			writeError(w, http.StatusInternalServerError, "failed to load run")
			return
		}
		if run.Kind != kind {
			writeError(w, http.StatusNotFound, "run not found")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"run": run})
	}
}

func parseRunID(r *http.Request) (string, error) {
	raw := chi.URLParam(r, "run_id")
	if raw == "" {
		return "", errors.New("run_id is required")
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return "", errors.New("invalid run_id")
	}
	return id.String(), nil
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		if val > maxLimit {
			val = maxLimit
		}
		limit = val
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

func parseStatus(input string) (catalog.RunStatus, error) {
	switch strings.ToLower(input) {
	case "queued":
		return catalog.RunStatusQueued, nil
	case "running":
		return catalog.RunStatusRunning, nil
	case "succeeded", "success":
		return catalog.RunStatusSucceeded, nil
	case "failed", "failure", "error":
		return catalog.RunStatusFailed, nil
	case "canceled", "cancelled":
		return catalog.RunStatusCanceled, nil
	default:
		return "", errors.New("invalid status")
	}
}

func filterStatus(runs []catalog.Run, status catalog.RunStatus) []catalog.Run {
	if status == "" {
		return runs
	}
	out := make([]catalog.Run, 0, len(runs))
	for _, run := range runs {
		if run.Status == status {
			out = append(out, run)
		}
	}
	return out
}

func page(runs []catalog.Run, limit, offset int) []catalog.Run {
	if offset >= len(runs) {
		return []catalog.Run{}
	}
	end := min(offset+limit, len(runs))
	return runs[offset:end]
}

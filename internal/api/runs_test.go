package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-harvester/internal/catalog"
)

func TestRunHandler_ListFiltersByKindAndStatus(t *testing.T) {
	t.Parallel()

	s := NewServer(newFakeHarvester(), Config{}, zap.NewNop())

	rec := serve(t, s, http.MethodGet, "/v1/crawls", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Runs []catalog.Run `json:"runs"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Runs, 1)
	assert.Equal(t, crawlRunID, body.Runs[0].ID)

	rec = serve(t, s, http.MethodGet, "/v1/exports?status=running", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Runs, 1)
	assert.Equal(t, exportRunID, body.Runs[0].ID)

	rec = serve(t, s, http.MethodGet, "/v1/exports?status=succeeded", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Empty(t, body.Runs)
}

func TestRunHandler_ListRejectsBadQuery(t *testing.T) {
	t.Parallel()

	s := NewServer(newFakeHarvester(), Config{}, zap.NewNop())
	for _, target := range []string{
		"/v1/crawls?limit=0",
		"/v1/crawls?limit=abc",
		"/v1/crawls?offset=-1",
		"/v1/crawls?status=paused",
	} {
		rec := serve(t, s, http.MethodGet, target, "")
		assert.Equal(t, http.StatusBadRequest, rec.Code, target)
	}
}

func TestRunHandler_ListStoreFailure(t *testing.T) {
	t.Parallel()

	h := newFakeHarvester()
	h.listErr = errors.New("store down")
	s := NewServer(h, Config{}, zap.NewNop())
	rec := serve(t, s, http.MethodGet, "/v1/crawls", "")
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestRunHandler_Get(t *testing.T) {
	t.Parallel()

	s := NewServer(newFakeHarvester(), Config{}, zap.NewNop())

	rec := serve(t, s, http.MethodGet, "/v1/crawls/"+crawlRunID, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Run catalog.Run `json:"run"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 45, body.Run.Progress.Items)
	assert.Equal(t, catalog.RunStatusSucceeded, body.Run.Status)

	// An export id is not a crawl.
	rec = serve(t, s, http.MethodGet, "/v1/crawls/"+exportRunID, "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = serve(t, s, http.MethodGet, "/v1/exports/"+exportRunID, "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(t, s, http.MethodGet, "/v1/crawls/bogus", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRunHandler_NilReader(t *testing.T) {
	t.Parallel()

	h := NewRunHandler(nil, nil)
	r := chi.NewRouter()
	r.Get("/runs", h.List(catalog.RunKindCrawl))
	r.Get("/runs/{run_id}", h.Get(catalog.RunKindCrawl))

	for _, target := range []string{"/runs", "/runs/" + crawlRunID} {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, target, nil))
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code, target)
	}
}

func TestPage(t *testing.T) {
	t.Parallel()

	runs := []catalog.Run{{ID: "a"}, {ID: "b"}, {ID: "c"}}
	assert.Equal(t, []catalog.Run{{ID: "b"}, {ID: "c"}}, page(runs, 5, 1))
	assert.Equal(t, []catalog.Run{{ID: "a"}}, page(runs, 1, 0))
	assert.Empty(t, page(runs, 10, 3))
}

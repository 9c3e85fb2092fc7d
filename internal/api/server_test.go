package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-harvester/internal/app"
	"github.com/JakeFAU/catalog-harvester/internal/catalog"
	"github.com/JakeFAU/catalog-harvester/internal/snapshot"
)

const (
	crawlRunID  = "01890a5d-ac96-774b-bcce-b302099a8057"
	exportRunID = "01890a5d-ac96-774b-bcce-b302099a8058"
)

type fakeHarvester struct {
	mu         sync.Mutex
	runs       map[string]catalog.Run
	crawlErr   error
	cancelErr  error
	listErr    error
	snapshots  []snapshot.Info
	crawlReqs  []app.CrawlRequest
	exportReqs []app.ExportRequest
	canceled   []string
	defaults   app.ExportRequest
}

func newFakeHarvester() *fakeHarvester {
	submitted := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	return &fakeHarvester{
		runs: map[string]catalog.Run{
			crawlRunID: {
				ID: crawlRunID, Kind: catalog.RunKindCrawl, Status: catalog.RunStatusSucceeded,
				Submitted: submitted, Progress: catalog.RunProgress{Items: 45, Total: 45, Pages: 3},
			},
			exportRunID: {
				ID: exportRunID, Kind: catalog.RunKindExport, Status: catalog.RunStatusRunning,
				Submitted: submitted.Add(time.Minute),
			},
		},
		snapshots: []snapshot.Info{
			{Path: "/data/douban_movies_20250301_120000.json", Name: "douban_movies_20250301_120000.json", Size: 1024},
		},
		defaults: app.ExportRequest{IncludeImages: true},
	}
}

func (f *fakeHarvester) GetRun(_ context.Context, id string) (catalog.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[id]
	if !ok {
		return catalog.Run{}, app.ErrRunNotFound
	}
	return run, nil
}

func (f *fakeHarvester) ListRuns(_ context.Context, kind catalog.RunKind) ([]catalog.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	var out []catalog.Run
	for _, run := range f.runs {
		if kind == "" || run.Kind == kind {
			out = append(out, run)
		}
	}
	return out, nil
}

func (f *fakeHarvester) StartCrawl(_ context.Context, req app.CrawlRequest) (catalog.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.crawlReqs = append(f.crawlReqs, req)
	if f.crawlErr != nil {
		return catalog.Run{}, f.crawlErr
	}
	return catalog.Run{ID: "new-crawl", Kind: catalog.RunKindCrawl, Status: catalog.RunStatusQueued}, nil
}

func (f *fakeHarvester) StartExport(_ context.Context, req app.ExportRequest) (catalog.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.exportReqs = append(f.exportReqs, req)
	return catalog.Run{ID: "new-export", Kind: catalog.RunKindExport, Status: catalog.RunStatusQueued}, nil
}

func (f *fakeHarvester) DefaultExportRequest() app.ExportRequest {
	return f.defaults
}

func (f *fakeHarvester) CancelRun(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.cancelErr != nil {
		return f.cancelErr
	}
	if _, ok := f.runs[id]; !ok {
		return app.ErrRunNotFound
	}
	f.canceled = append(f.canceled, id)
	return nil
}

func (f *fakeHarvester) Snapshots() ([]snapshot.Info, error) {
	return f.snapshots, nil
}

func serve(t *testing.T, s *Server, method, target, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, target, nil)
	} else {
		req = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]json.RawMessage {
	t.Helper()
	var out map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestServer_Probes(t *testing.T) {
	t.Parallel()

	s := NewServer(newFakeHarvester(), Config{}, zap.NewNop())
	for _, path := range []string{"/healthz", "/readyz"} {
		rec := serve(t, s, http.MethodGet, path, "")
		require.Equal(t, http.StatusOK, rec.Code, path)
		assert.NotEmpty(t, rec.Header().Get("X-Request-ID"))
	}
	rec := serve(t, s, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "http_requests_total")
}

func TestServer_StartCrawl(t *testing.T) {
	t.Parallel()

	h := newFakeHarvester()
	s := NewServer(h, Config{}, zap.NewNop())

	rec := serve(t, s, http.MethodPost, "/v1/crawls", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Contains(t, rec.Body.String(), "new-crawl")

	rec = serve(t, s, http.MethodPost, "/v1/crawls", `{"tags":"2024","sort":"T","max_items":25}`)
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, h.crawlReqs, 2)
	assert.Equal(t, app.CrawlRequest{}, h.crawlReqs[0])
	assert.Equal(t, app.CrawlRequest{Tags: "2024", Sort: "T", MaxItems: 25}, h.crawlReqs[1])
}

func TestServer_StartCrawlErrors(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		body string
		err  error
		want int
	}{
		{name: "invalid json", body: `{"tags":`, want: http.StatusBadRequest},
		{name: "unknown field", body: `{"urls":["x"]}`, want: http.StatusBadRequest},
		{name: "in progress", err: app.ErrCrawlInProgress, want: http.StatusConflict},
		{name: "invalid request", err: errors.Join(app.ErrInvalidRequest, errors.New("bad sort")), want: http.StatusBadRequest},
		{name: "internal", err: errors.New("boom"), want: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newFakeHarvester()
			h.crawlErr = tt.err
			s := NewServer(h, Config{}, zap.NewNop())
			rec := serve(t, s, http.MethodPost, "/v1/crawls", tt.body)
			require.Equal(t, tt.want, rec.Code)
			assert.Contains(t, decodeBody(t, rec), "error")
		})
	}
}

func TestServer_StartExportAppliesDefaults(t *testing.T) {
	t.Parallel()

	h := newFakeHarvester()
	s := NewServer(h, Config{}, zap.NewNop())

	rec := serve(t, s, http.MethodPost, "/v1/exports", "")
	require.Equal(t, http.StatusAccepted, rec.Code)

	rec = serve(t, s, http.MethodPost, "/v1/exports",
		`{"include_images":false,"all_files":true,"snapshot":"douban_movies_20250301_120000.json"}`)
	require.Equal(t, http.StatusAccepted, rec.Code)

	require.Len(t, h.exportReqs, 2)
	assert.Equal(t, app.ExportRequest{IncludeImages: true}, h.exportReqs[0])
	assert.Equal(t, app.ExportRequest{
		IncludeImages: false,
		AllFiles:      true,
		Snapshot:      "/data/douban_movies_20250301_120000.json",
	}, h.exportReqs[1])
}

func TestServer_StartExportRejectsUnknownSnapshot(t *testing.T) {
	t.Parallel()

	h := newFakeHarvester()
	s := NewServer(h, Config{}, zap.NewNop())
	rec := serve(t, s, http.MethodPost, "/v1/exports", `{"snapshot":"../../etc/passwd"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Empty(t, h.exportReqs)
}

func TestServer_CancelRun(t *testing.T) {
	t.Parallel()

	h := newFakeHarvester()
	s := NewServer(h, Config{}, zap.NewNop())

	rec := serve(t, s, http.MethodPost, "/v1/crawls/"+crawlRunID+"/cancel", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []string{crawlRunID}, h.canceled)

	rec = serve(t, s, http.MethodPost, "/v1/crawls/not-a-uuid/cancel", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = serve(t, s, http.MethodPost, "/v1/crawls/01890a5d-ac96-774b-bcce-b302099a8000/cancel", "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	h.cancelErr = app.ErrRunNotActive
	rec = serve(t, s, http.MethodPost, "/v1/exports/"+exportRunID+"/cancel", "")
	require.Equal(t, http.StatusConflict, rec.Code)
}

func TestServer_ListSnapshots(t *testing.T) {
	t.Parallel()

	s := NewServer(newFakeHarvester(), Config{}, zap.NewNop())
	rec := serve(t, s, http.MethodGet, "/v1/snapshots", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		Snapshots []snapshot.Info `json:"snapshots"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Snapshots, 1)
	assert.Equal(t, "douban_movies_20250301_120000.json", body.Snapshots[0].Name)
}

func TestServer_APIKey(t *testing.T) {
	t.Parallel()

	s := NewServer(newFakeHarvester(), Config{APIKey: "secret"}, zap.NewNop())

	rec := serve(t, s, http.MethodGet, "/v1/snapshots", "")
	require.Equal(t, http.StatusForbidden, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/v1/snapshots", nil)
	req.Header.Set("X-API-Key", "secret")
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = serve(t, s, http.MethodGet, "/v1/snapshots?api_key=secret", "")
	require.Equal(t, http.StatusOK, rec.Code)

	// Probes stay open.
	rec = serve(t, s, http.MethodGet, "/healthz", "")
	require.Equal(t, http.StatusOK, rec.Code)
}

func TestRecoverMiddleware(t *testing.T) {
	t.Parallel()

	handler := recoverMiddleware(zap.NewNop())(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("kaboom")
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestTimeoutMiddleware(t *testing.T) {
	t.Parallel()

	handler := timeoutMiddleware(10 * time.Millisecond)(http.HandlerFunc(func(_ http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestResponseWriterRecordsStatus(t *testing.T) {
	t.Parallel()

	rec := httptest.NewRecorder()
	rw := &responseWriter{ResponseWriter: rec, status: http.StatusOK}
	rw.WriteHeader(http.StatusTeapot)
	_, err := rw.Write([]byte("hi"))
	require.NoError(t, err)
	rw.Flush()
	assert.Equal(t, http.StatusTeapot, rw.status)
	assert.True(t, rec.Flushed)

	_, _, err = rw.Hijack()
	require.Error(t, err)
}

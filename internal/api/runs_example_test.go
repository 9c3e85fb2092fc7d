package api

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-harvester/internal/catalog"
)

type exampleRunReader struct {
	runs []catalog.Run
}

func (e *exampleRunReader) GetRun(_ context.Context, id string) (catalog.Run, error) {
	for _, run := range e.runs {
		if run.ID == id {
			return run, nil
		}
	}
	return catalog.Run{}, fmt.Errorf("run %s not found", id)
}

func (e *exampleRunReader) ListRuns(context.Context, catalog.RunKind) ([]catalog.Run, error) {
	return e.runs, nil
}

func ExampleRunHandler_List() {
	reader := &exampleRunReader{runs: []catalog.Run{{
		ID:        "01890a5d-ac96-774b-bcce-b302099a8057",
		Kind:      catalog.RunKindCrawl,
		Status:    catalog.RunStatusSucceeded,
		Submitted: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
		Progress:  catalog.RunProgress{Pages: 3, Items: 45, Total: 45, Attempts: 1},
	}}}
	handler := NewRunHandler(reader, zap.NewNop())

	rec := httptest.NewRecorder()
	handler.List(catalog.RunKindCrawl)(rec, httptest.NewRequest(http.MethodGet, "/v1/crawls?limit=10", nil))

	fmt.Println(rec.Code)
	fmt.Print(rec.Body.String())
	// Output:
	// 200
	// {"runs":[{"id":"01890a5d-ac96-774b-bcce-b302099a8057","kind":"crawl","status":"succeeded","submitted_at":"2025-03-01T12:00:00Z","progress":{"pages":3,"items":45,"total":45,"attempts":1}}]}
}

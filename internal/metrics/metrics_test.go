package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInit(t *testing.T) {
	// Call Init multiple times to test idempotency.
	Init()
	Init()

	if pagesFetchedTotal == nil || crawlsTotal == nil ||
		httpRequestsTotal == nil || httpRequestDurationSeconds == nil {
		t.Fatal("Init() did not initialize metrics collectors")
	}
}

func TestObserveHelpers(t *testing.T) {
	Init()

	before := testutil.ToFloat64(pagesFetchedTotal.WithLabelValues("ok"))
	ObservePage("ok")
	if got := testutil.ToFloat64(pagesFetchedTotal.WithLabelValues("ok")); got != before+1 {
		t.Errorf("expected pages ok to be %f, got %f", before+1, got)
	}

	beforeItems := testutil.ToFloat64(itemsHarvestedTotal)
	AddItemsHarvested(20)
	AddItemsHarvested(-3)
	if got := testutil.ToFloat64(itemsHarvestedTotal); got != beforeItems+20 {
		t.Errorf("expected items to grow by 20, got %f", got-beforeItems)
	}

	beforeErr := testutil.ToFloat64(snapshotPublishTotal.WithLabelValues("gcs", "error"))
	ObserveSnapshotPublish("gcs", errors.New("boom"))
	if got := testutil.ToFloat64(snapshotPublishTotal.WithLabelValues("gcs", "error")); got != beforeErr+1 {
		t.Errorf("expected gcs error count to grow by 1, got %f", got-beforeErr)
	}

	beforeFailed := testutil.ToFloat64(exportImagesTotal.WithLabelValues("failed"))
	ObserveExport(10, 8, 2)
	if got := testutil.ToFloat64(exportImagesTotal.WithLabelValues("failed")); got != beforeFailed+2 {
		t.Errorf("expected failed images to grow by 2, got %f", got-beforeFailed)
	}

	ObservePageDelay(750 * time.Millisecond)
	if n := testutil.CollectAndCount(pageDelaySeconds); n != 1 {
		t.Errorf("expected one page delay histogram, got %d", n)
	}
}

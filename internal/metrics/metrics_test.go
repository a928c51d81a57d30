package metrics

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/mescon/pixelarr/internal/domain"
	pxtest "github.com/mescon/pixelarr/internal/testutil"
)

// =============================================================================
// Test helpers
// =============================================================================

type fakeCounter struct {
	counts map[domain.FileStatus]int64
	err    error
	calls  int
}

func (f *fakeCounter) FileSummary(ctx context.Context) (map[domain.FileStatus]int64, error) {
	f.calls++
	return f.counts, f.err
}

// createTestMetrics wires a MetricsService to a synchronous mock bus and a
// private registry so tests do not collide on the global one.
func createTestMetrics(t *testing.T, files FileCounter) (*MetricsService, *pxtest.MockEventBus) {
	t.Helper()
	eb := pxtest.NewMockEventBus()
	m := newMetricsService(eb, files, prometheus.NewRegistry())
	m.Start()
	return m, eb
}

func opEvent(t domain.EventType, kind domain.OperationKind, id string, at time.Time, extra domain.OperationEventData) domain.Event {
	extra.OperationID = id
	return pxtest.NewOperationEvent(t, kind, extra, pxtest.WithCreatedAt(at))
}

// =============================================================================
// Operation lifecycle
// =============================================================================

func TestMetrics_OperationLifecycle(t *testing.T) {
	files := &fakeCounter{counts: map[domain.FileStatus]int64{domain.StatusHealthy: 5, domain.StatusCorrupted: 2}}
	m, eb := createTestMetrics(t, files)

	start := time.Now()
	_ = eb.Publish(opEvent(domain.OperationStarted, domain.KindScan, "op1", start, domain.OperationEventData{}))
	if got := testutil.ToFloat64(m.operationActive.WithLabelValues("scan")); got != 1 {
		t.Errorf("active = %v, want 1", got)
	}

	_ = eb.Publish(opEvent(domain.OperationProgress, domain.KindScan, "op1", start, domain.OperationEventData{Percent: 42}))
	if got := testutil.ToFloat64(m.operationProgress.WithLabelValues("scan")); got != 42 {
		t.Errorf("progress = %v, want 42", got)
	}

	_ = eb.Publish(opEvent(domain.OperationCompleted, domain.KindScan, "op1", start.Add(10*time.Second), domain.OperationEventData{}))
	if got := testutil.ToFloat64(m.operationsTotal.WithLabelValues("scan", "completed")); got != 1 {
		t.Errorf("completed = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.operationActive.WithLabelValues("scan")); got != 0 {
		t.Errorf("active after completion = %v, want 0", got)
	}
	if got := testutil.ToFloat64(m.operationProgress.WithLabelValues("scan")); got != 100 {
		t.Errorf("progress after completion = %v, want 100", got)
	}
	if got := testutil.CollectAndCount(m.operationDuration); got != 1 {
		t.Errorf("duration series = %d, want 1", got)
	}
	if got := testutil.ToFloat64(m.trackedFiles.WithLabelValues("corrupted")); got != 2 {
		t.Errorf("tracked corrupted = %v, want 2", got)
	}
	if files.calls < 2 {
		t.Errorf("file summary loaded %d times, want at start and after completion", files.calls)
	}
}

func TestMetrics_CancelledAndFailed(t *testing.T) {
	m, eb := createTestMetrics(t, nil)
	now := time.Now()

	_ = eb.Publish(opEvent(domain.OperationStarted, domain.KindCleanup, "c1", now, domain.OperationEventData{}))
	_ = eb.Publish(opEvent(domain.OperationCancelled, domain.KindCleanup, "c1", now, domain.OperationEventData{}))
	_ = eb.Publish(opEvent(domain.OperationFailed, domain.KindFileChanges, "f1", now, domain.OperationEventData{DurationSec: 3}))

	if got := testutil.ToFloat64(m.operationsTotal.WithLabelValues("cleanup", "cancelled")); got != 1 {
		t.Errorf("cancelled = %v", got)
	}
	if got := testutil.ToFloat64(m.operationsTotal.WithLabelValues("file_changes", "failed")); got != 1 {
		t.Errorf("failed = %v", got)
	}
}

func TestMetrics_IgnoresMalformedEvents(t *testing.T) {
	m, eb := createTestMetrics(t, nil)
	_ = eb.Publish(domain.Event{EventType: domain.OperationCompleted, EventData: map[string]interface{}{"kind": "scan"}})
	_ = eb.Publish(domain.Event{EventType: domain.FileCorrupted})
	if got := testutil.CollectAndCount(m.operationsTotal); got != 0 {
		t.Errorf("operations series = %d, want 0", got)
	}
	if got := testutil.CollectAndCount(m.filesFlagged); got != 0 {
		t.Errorf("flagged series = %d, want 0", got)
	}
}

// =============================================================================
// File and schedule events
// =============================================================================

func TestMetrics_FileEvents(t *testing.T) {
	m, eb := createTestMetrics(t, nil)

	_ = eb.Publish(pxtest.NewFileCorruptedEvent("/m/a.mkv"))
	_ = eb.Publish(pxtest.NewFileCorruptedEvent("/m/b.mkv", pxtest.WithEventData(map[string]interface{}{"status": "warning"})))
	_ = eb.Publish(domain.Event{EventType: domain.FileErrored, EventData: map[string]interface{}{"path": "/m/c.mkv"}})
	_ = eb.Publish(domain.Event{EventType: domain.FileChanged, EventData: map[string]interface{}{"path": "/m/d.mkv", "change_type": "modified"}})

	if got := testutil.ToFloat64(m.filesFlagged.WithLabelValues("corrupted", "ffprobe")); got != 1 {
		t.Errorf("corrupted = %v", got)
	}
	if got := testutil.ToFloat64(m.filesFlagged.WithLabelValues("warning", "ffprobe")); got != 1 {
		t.Errorf("warning = %v", got)
	}
	if got := testutil.ToFloat64(m.fileErrors.WithLabelValues("unknown")); got != 1 {
		t.Errorf("errors = %v", got)
	}
	if got := testutil.ToFloat64(m.fileChanges.WithLabelValues("modified")); got != 1 {
		t.Errorf("changes = %v", got)
	}
}

func TestMetrics_ScheduleEvents(t *testing.T) {
	m, eb := createTestMetrics(t, nil)
	for _, et := range []domain.EventType{domain.ScheduleFired, domain.ScheduleSkipped, domain.ScheduleSkipped, domain.ScheduleDisabled} {
		_ = eb.Publish(domain.Event{EventType: et, EventData: map[string]interface{}{"kind": "scan"}})
	}
	if got := testutil.ToFloat64(m.scheduleFirings.WithLabelValues("scan", "skipped")); got != 2 {
		t.Errorf("skipped = %v, want 2", got)
	}
	if got := testutil.ToFloat64(m.scheduleFirings.WithLabelValues("scan", "disabled")); got != 1 {
		t.Errorf("disabled = %v, want 1", got)
	}
}

func TestMetrics_RefreshFileCountsError(t *testing.T) {
	files := &fakeCounter{err: errors.New("db closed")}
	m, _ := createTestMetrics(t, files)
	m.RefreshFileCounts(context.Background())
	if got := testutil.CollectAndCount(m.trackedFiles); got != 0 {
		t.Errorf("tracked series = %d, want 0 after failed load", got)
	}
}

func TestMetricsService_Handler(t *testing.T) {
	m, _ := createTestMetrics(t, nil)
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if rec.Code != http.StatusOK {
		t.Errorf("Handler returned %d, want %d", rec.Code, http.StatusOK)
	}
}
